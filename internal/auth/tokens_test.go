package auth

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/oriys/parallax/internal/cache"
	"github.com/oriys/parallax/internal/domain"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{
		Secret:    "test-secret",
		Algorithm: "HS256",
		Issuer:    "parallax",
		AccessTTL: 15 * time.Minute,
	}, cache.NewInMemoryCache())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func userIdentity() *domain.Identity {
	return &domain.Identity{
		Kind:        domain.IdentityUser,
		ID:          "u-42",
		Username:    "ada",
		DisplayName: "Ada",
		Roles:       []string{"premium"},
	}
}

func TestManagerRoundTrip(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	token, expiresAt, err := m.IssueAccess(userIdentity())
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Error("expiry should be in the future")
	}

	id, err := m.Parse(ctx, token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if id.ID != "u-42" || id.Username != "ada" || id.Kind != domain.IdentityUser {
		t.Errorf("unexpected identity: %+v", id)
	}
	if !id.HasRole("premium") {
		t.Error("roles should round-trip")
	}
}

func TestManagerRejectsBadSignature(t *testing.T) {
	m := testManager(t)
	other, _ := NewManager(ManagerConfig{Secret: "other-secret", Issuer: "parallax"}, nil)

	token, _, err := other.IssueAccess(userIdentity())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Parse(context.Background(), token); !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestManagerRejectsExpired(t *testing.T) {
	m := testManager(t)
	m.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _, err := m.IssueAccess(userIdentity())
	if err != nil {
		t.Fatal(err)
	}

	m.now = time.Now
	if _, err := m.Parse(context.Background(), token); !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed for expired token, got %v", err)
	}
}

func TestManagerRejectsWrongIssuer(t *testing.T) {
	issuerless, _ := NewManager(ManagerConfig{Secret: "test-secret"}, nil)
	token, _, err := issuerless.IssueAccess(userIdentity())
	if err != nil {
		t.Fatal(err)
	}

	m := testManager(t)
	if _, err := m.Parse(context.Background(), token); !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed for missing issuer, got %v", err)
	}
}

func TestManagerRejectsRefreshAsAccess(t *testing.T) {
	m := testManager(t)
	refresh, _, err := m.IssueRefresh(userIdentity())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Parse(context.Background(), refresh); !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("refresh token must not pass as access token, got %v", err)
	}
}

func TestManagerRevocation(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	token, _, err := m.IssueAccess(userIdentity())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Parse(ctx, token); err != nil {
		t.Fatalf("token should be valid before revocation: %v", err)
	}

	if err := m.Revoke(ctx, token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := m.Parse(ctx, token); !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("revoked token must be rejected, got %v", err)
	}
}

func TestManagerRefreshRotation(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	pair, err := m.IssuePair(userIdentity())
	if err != nil {
		t.Fatal(err)
	}

	next, err := m.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if next.AccessToken == "" || next.RefreshToken == "" {
		t.Fatal("refresh should mint a full pair")
	}
	if _, err := m.Parse(ctx, next.AccessToken); err != nil {
		t.Fatalf("new access token should be valid: %v", err)
	}

	// The old refresh token was rotated out.
	if _, err := m.Refresh(ctx, pair.RefreshToken); !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("replayed refresh token must be rejected, got %v", err)
	}
}

func TestManagerRejectsInactiveAccount(t *testing.T) {
	m := testManager(t)
	now := time.Now()
	inactive := false

	// Tokens for suspended accounts carry active=false.
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-42",
			Issuer:    "parallax",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		TokenUse: "access",
		Active:   &inactive,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Parse(context.Background(), token); !errors.Is(err, domain.ErrAuthFailed) {
		t.Fatalf("inactive account must be rejected, got %v", err)
	}
}

func TestNewAnonymousIdentity(t *testing.T) {
	idPattern := regexp.MustCompile(`^anon_[0-9a-f]{12}$`)
	namePattern := regexp.MustCompile(`^Player_[0-9]{4}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewAnonymousIdentity()
		if id.Kind != domain.IdentityAnonymous {
			t.Fatalf("expected anonymous kind, got %q", id.Kind)
		}
		if !idPattern.MatchString(id.ID) {
			t.Fatalf("id %q does not match pattern", id.ID)
		}
		if !namePattern.MatchString(id.DisplayName) {
			t.Fatalf("display name %q does not match pattern", id.DisplayName)
		}
		if seen[id.ID] {
			t.Fatalf("duplicate anonymous id %q", id.ID)
		}
		seen[id.ID] = true
	}
}

func TestPermissionsFor(t *testing.T) {
	anon := PermissionsFor(NewAnonymousIdentity())
	if !anon.CanJoin || !anon.CanCreateAnchors {
		t.Error("anonymous players can join and create anchors")
	}
	if anon.CanDeleteAnchors || anon.CanModerate {
		t.Error("anonymous players cannot delete or moderate")
	}
	if anon.MaxSessions != 1 {
		t.Errorf("anonymous players hold one session, got %d", anon.MaxSessions)
	}

	user := PermissionsFor(&domain.Identity{Kind: domain.IdentityUser, ID: "u1"})
	if !user.CanDeleteAnchors {
		t.Error("authenticated users can delete their anchors")
	}
	if user.CanModerate {
		t.Error("plain users cannot moderate")
	}
	if user.MaxSessions != 5 {
		t.Errorf("expected default max sessions 5, got %d", user.MaxSessions)
	}

	mod := PermissionsFor(&domain.Identity{Kind: domain.IdentityUser, ID: "m1", Roles: []string{"moderator"}})
	if !mod.CanModerate || mod.MaxSessions != 20 {
		t.Errorf("moderator permissions wrong: %+v", mod)
	}

	premium := PermissionsFor(&domain.Identity{Kind: domain.IdentityUser, ID: "p1", Roles: []string{"premium"}})
	if premium.MaxSessions != 20 {
		t.Errorf("premium should get elevated max sessions, got %d", premium.MaxSessions)
	}
	if premium.CanModerate {
		t.Error("premium alone does not moderate")
	}
}
