package auth

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/oriys/parallax/internal/domain"
)

// NewAnonymousIdentity mints a throwaway identity for a guest joining by
// share code: id `anon_<12 lowercase hex>`, display name `Player_<4 digits>`.
func NewAnonymousIdentity() *domain.Identity {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the process is in serious trouble;
		// there is no meaningful recovery path for minting ids.
		panic(fmt.Sprintf("auth: crypto/rand unavailable: %v", err))
	}

	id := "anon_" + hex.EncodeToString(buf[:6])
	tag := binary.BigEndian.Uint16(buf[6:]) % 10000

	return &domain.Identity{
		Kind:        domain.IdentityAnonymous,
		ID:          id,
		DisplayName: fmt.Sprintf("Player_%04d", tag),
	}
}

// PermissionsFor derives a player's immutable permission set from their
// identity. Anonymous players can place anchors but not delete or moderate,
// and hold at most one session; admins and moderators get delete and
// moderation rights; premium accounts get more concurrent sessions.
func PermissionsFor(id *domain.Identity) domain.Permissions {
	p := domain.Permissions{
		CanJoin:          true,
		CanCreateAnchors: true,
		MaxSessions:      5,
	}
	if id.IsAnonymous() {
		p.MaxSessions = 1
		return p
	}

	p.CanDeleteAnchors = true
	if id.HasRole("admin") || id.HasRole("moderator") {
		p.CanModerate = true
		p.MaxSessions = 20
	}
	if id.HasRole("premium") {
		p.MaxSessions = 20
	}
	return p
}
