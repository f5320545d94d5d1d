package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/oriys/parallax/internal/cache"
	"github.com/oriys/parallax/internal/domain"
)

// ManagerConfig holds token manager configuration
type ManagerConfig struct {
	Secret     string        // HMAC secret
	Algorithm  string        // HS256, HS384, HS512
	Issuer     string        // optional issuer validation
	AccessTTL  time.Duration // access token lifetime
	RefreshTTL time.Duration // refresh token lifetime
}

// Claims is the JWT payload for Parallax tokens.
type Claims struct {
	jwt.RegisteredClaims
	Username    string   `json:"username,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	TokenUse    string   `json:"token_use,omitempty"` // access, refresh
	Active      *bool    `json:"active,omitempty"`
}

// TokenPair is an access/refresh token set.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Manager signs and validates HMAC tokens and tracks revocations. Revoked
// token ids live in the cache until the token would have expired anyway.
type Manager struct {
	secret     []byte
	method     jwt.SigningMethod
	algName    string
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	revoked    cache.Cache
	now        func() time.Time
}

// NewManager creates a token manager. revoked may be nil, disabling
// revocation tracking (tokens then remain valid until expiry).
func NewManager(cfg ManagerConfig, revoked cache.Cache) (*Manager, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("token secret required")
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = "HS256"
	}
	method := jwt.GetSigningMethod(cfg.Algorithm)
	if method == nil {
		return nil, fmt.Errorf("unsupported algorithm: %s", cfg.Algorithm)
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("algorithm %s is not HMAC-based", cfg.Algorithm)
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	return &Manager{
		secret:     []byte(cfg.Secret),
		method:     method,
		algName:    cfg.Algorithm,
		issuer:     cfg.Issuer,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		revoked:    revoked,
		now:        time.Now,
	}, nil
}

// Parse validates an access token and returns the identity it carries.
// All failures collapse into domain.ErrAuthFailed so callers cannot leak
// why a token was rejected.
func (m *Manager) Parse(ctx context.Context, tokenStr string) (*domain.Identity, error) {
	claims, err := m.parse(ctx, tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse == "refresh" {
		return nil, fmt.Errorf("%w: refresh token used as access token", domain.ErrAuthFailed)
	}
	return m.identityFor(claims), nil
}

// IssueAccess signs an access token for the identity.
func (m *Manager) IssueAccess(id *domain.Identity) (string, time.Time, error) {
	return m.issue(id, "access", m.accessTTL)
}

// IssueRefresh signs a refresh token for the identity.
func (m *Manager) IssueRefresh(id *domain.Identity) (string, time.Time, error) {
	return m.issue(id, "refresh", m.refreshTTL)
}

// IssuePair signs a fresh access/refresh pair.
func (m *Manager) IssuePair(id *domain.Identity) (*TokenPair, error) {
	access, expiresAt, err := m.IssueAccess(id)
	if err != nil {
		return nil, err
	}
	refresh, _, err := m.IssueRefresh(id)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}, nil
}

// Refresh exchanges a refresh token for a new pair and revokes the old
// refresh token so it cannot be replayed.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := m.parse(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if claims.TokenUse != "refresh" {
		return nil, fmt.Errorf("%w: not a refresh token", domain.ErrAuthFailed)
	}

	if err := m.revokeClaims(ctx, claims); err != nil {
		return nil, err
	}
	return m.IssuePair(m.identityFor(claims))
}

// Revoke invalidates a token ahead of its expiry. The token must still
// verify; revoking garbage is not allowed.
func (m *Manager) Revoke(ctx context.Context, tokenStr string) error {
	claims, err := m.parse(ctx, tokenStr)
	if err != nil {
		return err
	}
	return m.revokeClaims(ctx, claims)
}

func (m *Manager) revokeClaims(ctx context.Context, claims *Claims) error {
	if m.revoked == nil || claims.ID == "" {
		return nil
	}
	ttl := m.refreshTTL
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return nil // already expired
	}
	if err := m.revoked.Set(ctx, revocationKey(claims.ID), []byte("1"), ttl); err != nil {
		return fmt.Errorf("store revocation: %w", err)
	}
	return nil
}

func (m *Manager) parse(ctx context.Context, tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{m.algName}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrAuthFailed, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrAuthFailed)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: unknown subject", domain.ErrAuthFailed)
	}
	if claims.Active != nil && !*claims.Active {
		return nil, fmt.Errorf("%w: account inactive", domain.ErrAuthFailed)
	}
	if m.revoked != nil && claims.ID != "" {
		exists, err := m.revoked.Exists(ctx, revocationKey(claims.ID))
		if err == nil && exists {
			return nil, fmt.Errorf("%w: token revoked", domain.ErrAuthFailed)
		}
	}
	return claims, nil
}

func (m *Manager) issue(id *domain.Identity, use string, ttl time.Duration) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(ttl)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.ID,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Username:    id.Username,
		DisplayName: id.DisplayName,
		Roles:       id.Roles,
		TokenUse:    use,
	}

	signed, err := jwt.NewWithClaims(m.method, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (m *Manager) identityFor(claims *Claims) *domain.Identity {
	display := claims.DisplayName
	if display == "" {
		display = claims.Username
	}
	if display == "" {
		display = claims.Subject
	}
	return &domain.Identity{
		Kind:        domain.IdentityUser,
		ID:          claims.Subject,
		Username:    claims.Username,
		DisplayName: display,
		Roles:       claims.Roles,
	}
}

func revocationKey(jti string) string {
	return "parallax:auth:revoked:" + jti
}
