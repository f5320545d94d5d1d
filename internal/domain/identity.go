package domain

// IdentityKind separates token-admitted users from minted anonymous ids.
type IdentityKind string

const (
	IdentityUser      IdentityKind = "user"
	IdentityAnonymous IdentityKind = "anonymous"
)

// Identity is the resolved caller of a request or socket.
type Identity struct {
	Kind        IdentityKind `json:"kind"`
	ID          string       `json:"id"`
	Username    string       `json:"username,omitempty"`
	DisplayName string       `json:"display_name,omitempty"`
	Roles       []string     `json:"roles,omitempty"`
}

// IsAnonymous reports whether the identity was minted rather than verified.
func (i *Identity) IsAnonymous() bool {
	return i.Kind == IdentityAnonymous
}

// HasRole reports whether the identity carries the given role.
func (i *Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}
