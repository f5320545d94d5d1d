package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/parallax/internal/anchor"
	"github.com/oriys/parallax/internal/anchorsync"
	"github.com/oriys/parallax/internal/auth"
	"github.com/oriys/parallax/internal/domain"
	"github.com/oriys/parallax/internal/fusion"
	"github.com/oriys/parallax/internal/mapassets"
	"github.com/oriys/parallax/internal/ratelimit"
	"github.com/oriys/parallax/internal/session"
	"github.com/oriys/parallax/internal/sharecode"
	"github.com/oriys/parallax/internal/store"
	"github.com/oriys/parallax/internal/vps"
)

type env struct {
	sessions *session.Store
	codes    *sharecode.Directory
	anchors  *anchor.Manager
	sync     *anchorsync.Coordinator
	fusion   *fusion.Hub
	tokens   *auth.Manager
	persist  store.Persistence
	ts       *httptest.Server
}

// newEnv stands up the exact production handler pipeline over in-memory
// backends. mutate may swap or add optional dependencies before the server
// starts.
func newEnv(t *testing.T, mutate func(*ServerConfig)) *env {
	t.Helper()

	persist := store.NewMemoryStore()
	sessions := session.NewStore(8, time.Minute)
	codes := sharecode.NewDirectory(time.Hour)
	anchors := anchor.NewManager(persist, 100, time.Hour)
	coord := anchorsync.New(anchors, 0)
	fusionHub := fusion.NewHub(fusion.Config{})
	tokens, err := auth.NewManager(auth.ManagerConfig{Secret: "api-test-secret"}, nil)
	if err != nil {
		t.Fatalf("new token manager: %v", err)
	}

	cfg := ServerConfig{
		Sessions: sessions,
		Codes:    codes,
		Anchors:  anchors,
		Sync:     coord,
		Fusion:   fusionHub,
		Tokens:   tokens,
		Persist:  persist,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	ts := httptest.NewServer(Routes(cfg))
	t.Cleanup(ts.Close)

	return &env{
		sessions: sessions,
		codes:    codes,
		anchors:  anchors,
		sync:     coord,
		fusion:   fusionHub,
		tokens:   tokens,
		persist:  cfg.Persist,
		ts:       ts,
	}
}

// do performs one request and decodes the JSON body when there is one.
func (e *env) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var decoded map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp, decoded
}

func (e *env) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	tok, _, err := e.tokens.IssueAccess(&domain.Identity{
		Kind:     domain.IdentityUser,
		ID:       userID,
		Username: userID,
		Roles:    roles,
	})
	if err != nil {
		t.Fatalf("issue token for %s: %v", userID, err)
	}
	return tok
}

// errCode digs the code out of an error envelope and checks the envelope
// carries a message and timestamp.
func errCode(t *testing.T, body map[string]any) string {
	t.Helper()
	wrapper, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("no error envelope in %v", body)
	}
	if wrapper["message"] == "" || wrapper["message"] == nil {
		t.Errorf("error envelope missing message: %v", wrapper)
	}
	if _, ok := wrapper["timestamp"].(float64); !ok {
		t.Errorf("error envelope missing timestamp: %v", wrapper)
	}
	code, _ := wrapper["code"].(string)
	return code
}

func TestAnonymousSessionLifecycle(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.do(t, "POST", "/api/v1/session/anonymous/create", "", map[string]any{
		"display_name": "Ada",
		"max_players":  4,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, body)
	}
	sessionID, _ := body["session_id"].(string)
	code, _ := body["share_code"].(string)
	if sessionID == "" {
		t.Fatal("no session_id in create response")
	}
	if !sharecode.IsCode(code) {
		t.Fatalf("share_code %q does not match LLLDDD", code)
	}
	creator, _ := body["creator"].(map[string]any)
	if creator["display_name"] != "Ada" {
		t.Errorf("creator display_name = %v, want Ada", creator["display_name"])
	}
	if expires, _ := body["expires_in"].(float64); expires != 3600 {
		t.Errorf("expires_in = %v, want 3600", body["expires_in"])
	}

	// Codes are case-insensitive on the way in.
	resp, body = e.do(t, "POST", "/api/v1/session/anonymous/join", "", map[string]any{
		"code": strings.ToLower(code),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d, body %v", resp.StatusCode, body)
	}
	if body["session_id"] != sessionID {
		t.Errorf("join session_id = %v, want %s", body["session_id"], sessionID)
	}
	user, _ := body["user"].(map[string]any)
	joinerID, _ := user["id"].(string)
	if !strings.HasPrefix(joinerID, "anon_") {
		t.Errorf("joiner id = %q, want anon_ prefix", joinerID)
	}
	info, _ := body["session_info"].(map[string]any)
	if count, _ := info["player_count"].(float64); count != 1 {
		t.Errorf("player_count after join = %v, want 1", info["player_count"])
	}

	// Summary works by code and by session id, without credentials.
	resp, body = e.do(t, "GET", "/api/session/"+code, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary by code status = %d", resp.StatusCode)
	}
	if body["session_id"] != sessionID {
		t.Errorf("summary session_id = %v, want %s", body["session_id"], sessionID)
	}
	resp, _ = e.do(t, "GET", "/api/session/"+sessionID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary by id status = %d", resp.StatusCode)
	}
}

func TestSessionCreateRequiresToken(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.do(t, "POST", "/api/v1/session/create", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}
	if code := errCode(t, body); code != domain.CodeAuthFailed {
		t.Errorf("error code = %q, want %s", code, domain.CodeAuthFailed)
	}

	resp, body = e.do(t, "POST", "/api/v1/session/create", e.token(t, "alice"), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status with token = %d, body %v", resp.StatusCode, body)
	}
	if body["session_id"] == "" || body["session_id"] == nil {
		t.Error("no session_id in response")
	}
}

func TestSessionCreationQuota(t *testing.T) {
	e := newEnv(t, nil)
	tok := e.token(t, "alice")

	for i := 0; i < 5; i++ {
		resp, body := e.do(t, "POST", "/api/v1/session/create", tok, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create #%d status = %d, body %v", i+1, resp.StatusCode, body)
		}
	}
	resp, body := e.do(t, "POST", "/api/v1/session/create", tok, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("create #6 status = %d, want 403", resp.StatusCode)
	}
	if code := errCode(t, body); code != domain.CodePermissionDenied {
		t.Errorf("error code = %q, want %s", code, domain.CodePermissionDenied)
	}
}

func TestJoinRejectsBadCodes(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.do(t, "POST", "/api/v1/session/anonymous/join", "", map[string]any{"code": "nope"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed code status = %d, want 400", resp.StatusCode)
	}
	if code := errCode(t, body); code != domain.CodeValidationError {
		t.Errorf("error code = %q, want %s", code, domain.CodeValidationError)
	}

	resp, body = e.do(t, "POST", "/api/v1/session/anonymous/join", "", map[string]any{"code": "ZZZ999"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown code status = %d, want 404", resp.StatusCode)
	}
	errCode(t, body)
}

func TestSessionSummaryTargets(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.do(t, "GET", "/api/session/12345", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("garbage target status = %d, want 400", resp.StatusCode)
	}
	errCode(t, body)

	resp, body = e.do(t, "GET", "/api/session/"+uuid.NewString(), "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", resp.StatusCode)
	}
	if code := errCode(t, body); code != domain.CodeSessionNotFound {
		t.Errorf("error code = %q, want %s", code, domain.CodeSessionNotFound)
	}
}

// hostSession creates a session whose recorded host is userID, without a
// roster seat, mirroring an HTTP creator that has not connected yet.
func (e *env) hostSession(t *testing.T, userID string) string {
	t.Helper()
	sess := e.sessions.Create(session.CreateOptions{CreatorUserID: userID})
	return sess.ID
}

func (e *env) seat(t *testing.T, sessionID, userID string) {
	t.Helper()
	_, err := e.sessions.Join(sessionID, &domain.Player{UserID: userID, DisplayName: userID})
	if err != nil {
		t.Fatalf("seat %s in %s: %v", userID, sessionID, err)
	}
}

func TestAnchorLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	tok := e.token(t, "alice")
	sessionID := e.hostSession(t, "alice")

	resp, body := e.do(t, "POST", "/api/v1/anchors", tok, map[string]any{
		"anchor_id":   "table-1",
		"session_id":  sessionID,
		"position":    []float64{1, 2, 3},
		"rotation":    []float64{0, 0, 0, 1},
		"anchor_type": "persistent",
		"metadata":    map[string]any{"label": "kitchen table"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, body)
	}
	if body["id"] != "table-1" {
		t.Errorf("anchor id = %v, want table-1", body["id"])
	}
	if body["user_id"] != "alice" {
		t.Errorf("anchor user_id = %v, want alice", body["user_id"])
	}

	resp, body = e.do(t, "GET", "/api/v1/anchors/table-1", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	meta, _ := body["metadata"].(map[string]any)
	if meta["label"] != "kitchen table" {
		t.Errorf("metadata label = %v", meta["label"])
	}

	resp, body = e.do(t, "PUT", "/api/v1/anchors/table-1", tok, map[string]any{
		"position":   []float64{4, 5, 6},
		"confidence": 0.5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, body %v", resp.StatusCode, body)
	}
	pos, _ := body["position"].([]any)
	if len(pos) != 3 || pos[0] != 4.0 {
		t.Errorf("updated position = %v, want [4 5 6]", body["position"])
	}
	if body["confidence"] != 0.5 {
		t.Errorf("updated confidence = %v, want 0.5", body["confidence"])
	}
	// Untouched fields survive a partial update.
	meta, _ = body["metadata"].(map[string]any)
	if meta["label"] != "kitchen table" {
		t.Errorf("metadata lost in partial update: %v", body["metadata"])
	}

	resp, _ = e.do(t, "DELETE", "/api/v1/anchors/table-1", tok, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", resp.StatusCode)
	}
	resp, body = e.do(t, "GET", "/api/v1/anchors/table-1", tok, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
	if code := errCode(t, body); code != domain.CodeAnchorNotFound {
		t.Errorf("error code = %q, want %s", code, domain.CodeAnchorNotFound)
	}
	// Deletes are idempotent.
	resp, _ = e.do(t, "DELETE", "/api/v1/anchors/table-1", tok, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("repeat delete status = %d, want 204", resp.StatusCode)
	}
}

func TestAnchorCreateMembership(t *testing.T) {
	e := newEnv(t, nil)
	sessionID := e.hostSession(t, "alice")
	bob := e.token(t, "bob")

	req := map[string]any{
		"session_id": sessionID,
		"position":   []float64{0, 0, 0},
		"rotation":   []float64{0, 0, 0, 1},
	}
	resp, body := e.do(t, "POST", "/api/v1/anchors", bob, req)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("outsider create status = %d, want 403", resp.StatusCode)
	}
	if code := errCode(t, body); code != domain.CodePermissionDenied {
		t.Errorf("error code = %q, want %s", code, domain.CodePermissionDenied)
	}

	e.seat(t, sessionID, "bob")
	resp, body = e.do(t, "POST", "/api/v1/anchors", bob, req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("member create status = %d, body %v", resp.StatusCode, body)
	}

	// Unknown sessions answer 404 before any placement checks.
	resp, body = e.do(t, "POST", "/api/v1/anchors", bob, map[string]any{
		"session_id": uuid.NewString(),
		"position":   []float64{0, 0, 0},
		"rotation":   []float64{0, 0, 0, 1},
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want 404", resp.StatusCode)
	}
	if code := errCode(t, body); code != domain.CodeSessionNotFound {
		t.Errorf("error code = %q, want %s", code, domain.CodeSessionNotFound)
	}
}

func TestAnchorPlacementBounds(t *testing.T) {
	e := newEnv(t, nil)
	tok := e.token(t, "alice")
	sessionID := e.hostSession(t, "alice")

	cases := []struct {
		name     string
		position []float64
		rotation []float64
	}{
		{"coordinate out of range", []float64{2000, 0, 0}, []float64{0, 0, 0, 1}},
		{"quaternion not unit", []float64{0, 0, 0}, []float64{0.5, 0.5, 0.5, 0.9}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := e.do(t, "POST", "/api/v1/anchors", tok, map[string]any{
				"session_id": sessionID,
				"position":   tc.position,
				"rotation":   tc.rotation,
			})
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (body %v)", resp.StatusCode, body)
			}
			if code := errCode(t, body); code != domain.CodeValidationError {
				t.Errorf("error code = %q, want %s", code, domain.CodeValidationError)
			}
		})
	}

	// The same bounds guard updates.
	resp, body := e.do(t, "POST", "/api/v1/anchors", tok, map[string]any{
		"anchor_id":  "a1",
		"session_id": sessionID,
		"position":   []float64{0, 0, 0},
		"rotation":   []float64{0, 0, 0, 1},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, body)
	}
	resp, body = e.do(t, "PUT", "/api/v1/anchors/a1", tok, map[string]any{
		"position": []float64{0, -5000, 0},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized update status = %d, want 400 (body %v)", resp.StatusCode, body)
	}
}

func TestAnchorQueryAndNearby(t *testing.T) {
	e := newEnv(t, nil)
	tok := e.token(t, "alice")
	sessionID := e.hostSession(t, "alice")

	for i, pos := range [][]float64{{0, 0, 0}, {5, 0, 0}, {50, 0, 0}} {
		resp, body := e.do(t, "POST", "/api/v1/anchors", tok, map[string]any{
			"anchor_id":  fmt.Sprintf("a%d", i),
			"session_id": sessionID,
			"position":   pos,
			"rotation":   []float64{0, 0, 0, 1},
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create a%d status = %d, body %v", i, resp.StatusCode, body)
		}
	}

	resp, body := e.do(t, "POST", "/api/v1/anchors/query", tok, map[string]any{
		"session_id": sessionID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d", resp.StatusCode)
	}
	if count, _ := body["count"].(float64); count != 3 {
		t.Errorf("query count = %v, want 3", body["count"])
	}

	resp, body = e.do(t, "GET", "/api/v1/sessions/"+sessionID+"/anchors", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("session anchors status = %d", resp.StatusCode)
	}
	if count, _ := body["count"].(float64); count != 3 {
		t.Errorf("session anchors count = %v, want 3", body["count"])
	}

	resp, body = e.do(t, "GET", "/api/v1/anchors/nearby?x=0&y=0&z=0&radius=10", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("nearby status = %d, body %v", resp.StatusCode, body)
	}
	anchors, _ := body["anchors"].([]any)
	if len(anchors) != 2 {
		t.Fatalf("nearby returned %d anchors, want 2", len(anchors))
	}
	// Closest first.
	first, _ := anchors[0].(map[string]any)
	if first["id"] != "a0" {
		t.Errorf("nearest anchor = %v, want a0", first["id"])
	}

	resp, body = e.do(t, "GET", "/api/v1/anchors/nearby?x=0&y=0&z=0", tok, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("nearby without radius status = %d, want 400", resp.StatusCode)
	}
	errCode(t, body)
}

func TestAnchorSharing(t *testing.T) {
	e := newEnv(t, nil)
	alice := e.token(t, "alice")
	sessionID := e.hostSession(t, "alice")

	resp, body := e.do(t, "POST", "/api/v1/anchors", alice, map[string]any{
		"anchor_id":  "shared-1",
		"session_id": sessionID,
		"position":   []float64{0, 0, 0},
		"rotation":   []float64{0, 0, 0, 1},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, body)
	}

	// Owners may grant; the permission defaults to read.
	resp, body = e.do(t, "POST", "/api/v1/anchors/shared-1/share", alice, map[string]any{
		"shared_with_user": "bob",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("share status = %d, body %v", resp.StatusCode, body)
	}
	if body["permission_level"] != "read" {
		t.Errorf("permission_level = %v, want read", body["permission_level"])
	}
	if body["granted_by"] != "alice" {
		t.Errorf("granted_by = %v, want alice", body["granted_by"])
	}

	// Non-owners may not grant.
	mallory := e.token(t, "mallory")
	resp, body = e.do(t, "POST", "/api/v1/anchors/shared-1/share", mallory, map[string]any{
		"shared_with_user": "eve",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-owner share status = %d, want 403", resp.StatusCode)
	}
	errCode(t, body)

	// Moderators may.
	mod := e.token(t, "mod", "moderator")
	resp, body = e.do(t, "POST", "/api/v1/anchors/shared-1/share", mod, map[string]any{
		"shared_with_user": "carol",
		"permission_level": "write",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("moderator share status = %d, body %v", resp.StatusCode, body)
	}

	// Unknown anchors and invalid levels are rejected.
	resp, body = e.do(t, "POST", "/api/v1/anchors/ghost/share", alice, map[string]any{
		"shared_with_user": "bob",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown anchor share status = %d, want 404", resp.StatusCode)
	}
	errCode(t, body)
	resp, body = e.do(t, "POST", "/api/v1/anchors/shared-1/share", alice, map[string]any{
		"shared_with_user": "bob",
		"permission_level": "owner",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad permission share status = %d, want 400", resp.StatusCode)
	}
	errCode(t, body)
}

func TestSharedAnchorVisibility(t *testing.T) {
	e := newEnv(t, nil)
	alice := e.token(t, "alice")
	bob := e.token(t, "bob")
	sessionID := e.hostSession(t, "alice")

	resp, body := e.do(t, "POST", "/api/v1/anchors", alice, map[string]any{
		"anchor_id":  "gift",
		"session_id": sessionID,
		"position":   []float64{1, 1, 1},
		"rotation":   []float64{0, 0, 0, 1},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, body)
	}
	resp, _ = e.do(t, "POST", "/api/v1/anchors/gift/share", alice, map[string]any{
		"shared_with_user": "bob",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("share status = %d", resp.StatusCode)
	}

	resp, body = e.do(t, "GET", "/api/v1/users/bob/shared-anchors", bob, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("grantee list status = %d", resp.StatusCode)
	}
	if count, _ := body["count"].(float64); count != 1 {
		t.Fatalf("grantee sees %v grants, want 1", body["count"])
	}
	entries, _ := body["anchors"].([]any)
	entry, _ := entries[0].(map[string]any)
	shared, _ := entry["anchor"].(map[string]any)
	if shared["id"] != "gift" {
		t.Errorf("shared anchor id = %v, want gift", shared["id"])
	}

	// Users cannot read someone else's grant list; moderators can.
	resp, body = e.do(t, "GET", "/api/v1/users/bob/shared-anchors", alice, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("peer list status = %d, want 403", resp.StatusCode)
	}
	errCode(t, body)
	mod := e.token(t, "mod", "moderator")
	resp, _ = e.do(t, "GET", "/api/v1/users/bob/shared-anchors", mod, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("moderator list status = %d, want 200", resp.StatusCode)
	}
}

// captureSink records sync frames delivered to an attached peer.
type captureSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *captureSink) Enqueue(data []byte) bool {
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	s.mu.Unlock()
	return true
}

func (s *captureSink) types(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, f := range s.frames {
		var frame struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(f, &frame); err != nil {
			t.Fatalf("decode sync frame %q: %v", f, err)
		}
		out = append(out, frame.Type)
	}
	return out
}

func TestRESTMutationsReachSyncPeers(t *testing.T) {
	e := newEnv(t, nil)
	alice := e.token(t, "alice")
	sessionID := e.hostSession(t, "alice")

	sink := &captureSink{}
	e.sync.Attach(sessionID, "bob", sink)
	e.sync.Subscribe(sessionID, "bob", "lamp")

	resp, body := e.do(t, "POST", "/api/v1/anchors", alice, map[string]any{
		"anchor_id":  "lamp",
		"session_id": sessionID,
		"position":   []float64{0, 1, 0},
		"rotation":   []float64{0, 0, 0, 1},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, body)
	}
	resp, _ = e.do(t, "DELETE", "/api/v1/anchors/lamp", alice, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}

	got := sink.types(t)
	// First frame answers the subscribe; then the two REST mutations.
	want := []string{"anchor_state", "anchor_created", "anchor_deleted"}
	if len(got) != len(want) {
		t.Fatalf("sync frames = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sync frames = %v, want %v", got, want)
		}
	}
}

func TestLocalize(t *testing.T) {
	t.Run("fix feeds tracker", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(vps.LocalizeResponse{
				Pose: &vps.PoseEstimate{
					Position:   [3]float64{1, 2, 3},
					Quaternion: [4]float64{0, 0, 0, 1},
				},
				Confidence: 0.9,
				MapID:      "lobby",
			})
		}))
		defer upstream.Close()

		e := newEnv(t, func(cfg *ServerConfig) {
			cfg.VPS = vps.NewClient(vps.Config{BaseURL: upstream.URL})
		})
		tok := e.token(t, "alice")
		sessionID := e.hostSession(t, "alice")
		e.seat(t, sessionID, "alice")

		resp, body := e.do(t, "POST", "/api/v1/localize", tok, map[string]any{
			"image_base64": "ZnJhbWU=",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body %v", resp.StatusCode, body)
		}
		if body["localized"] != true {
			t.Fatalf("localized = %v, want true", body["localized"])
		}
		if body["fused"] != true {
			t.Fatalf("fused = %v, want true", body["fused"])
		}
		tr, ok := e.fusion.Peek(sessionID, "alice")
		if !ok {
			t.Fatal("no tracker created for the caller")
		}
		cur, ok := tr.Current()
		if !ok {
			t.Fatal("tracker holds no current pose")
		}
		if cur.Source != domain.SourceVPS {
			t.Errorf("pose source = %q, want vps", cur.Source)
		}
		if cur.Position != [3]float64{1, 2, 3} {
			t.Errorf("pose position = %v", cur.Position)
		}
	})

	t.Run("no fix", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(vps.LocalizeResponse{Error: "insufficient features"})
		}))
		defer upstream.Close()

		e := newEnv(t, func(cfg *ServerConfig) {
			cfg.VPS = vps.NewClient(vps.Config{BaseURL: upstream.URL})
		})
		resp, body := e.do(t, "POST", "/api/v1/localize", e.token(t, "alice"), map[string]any{
			"image_base64": "ZnJhbWU=",
		})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body %v", resp.StatusCode, body)
		}
		if body["localized"] != false {
			t.Fatalf("localized = %v, want false", body["localized"])
		}
	})

	t.Run("upstream down", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		upstream.Close()

		e := newEnv(t, func(cfg *ServerConfig) {
			cfg.VPS = vps.NewClient(vps.Config{BaseURL: upstream.URL, Timeout: 2 * time.Second})
		})
		resp, body := e.do(t, "POST", "/api/v1/localize", e.token(t, "alice"), map[string]any{
			"image_base64": "ZnJhbWU=",
		})
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503", resp.StatusCode)
		}
		if code := errCode(t, body); code != domain.CodeUpstreamUnavailable {
			t.Errorf("error code = %q, want %s", code, domain.CodeUpstreamUnavailable)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		e := newEnv(t, nil)
		resp, body := e.do(t, "POST", "/api/v1/localize", e.token(t, "alice"), map[string]any{
			"image_base64": "ZnJhbWU=",
		})
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503 (body %v)", resp.StatusCode, body)
		}
	})
}

func TestIMUIngest(t *testing.T) {
	e := newEnv(t, nil)
	tok := e.token(t, "alice")
	sessionID := e.hostSession(t, "alice")
	e.seat(t, sessionID, "alice")

	base := time.Now()
	samples := make([]map[string]any, 0, 60)
	for i := 0; i < 60; i++ {
		samples = append(samples, map[string]any{
			"timestamp": base.Add(time.Duration(i) * 5 * time.Millisecond).UnixMilli(),
			"accel":     []float64{0, 0, 9.81},
			"gyro":      []float64{0, 0, 0},
		})
	}

	resp, body := e.do(t, "POST", "/api/v1/localization/imu", tok, map[string]any{
		"session_id": sessionID,
		"samples":    samples,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if processed, _ := body["processed"].(float64); processed != 60 {
		t.Errorf("processed = %v, want 60", body["processed"])
	}
	state, _ := body["state"].(map[string]any)
	if state["tracking_state"] == nil || state["tracking_state"] == "" {
		t.Errorf("state missing tracking_state: %v", state)
	}

	resp, body = e.do(t, "POST", "/api/v1/localization/imu", tok, map[string]any{
		"session_id": sessionID,
		"samples":    []map[string]any{},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty batch status = %d, want 400", resp.StatusCode)
	}
	errCode(t, body)

	// Callers without a seat in the session get the same answer as for a
	// session that does not exist.
	outsider := e.token(t, "bob")
	resp, body = e.do(t, "POST", "/api/v1/localization/imu", outsider, map[string]any{
		"session_id": sessionID,
		"samples":    samples[:1],
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("outsider status = %d, want 404", resp.StatusCode)
	}
	if code := errCode(t, body); code != domain.CodeSessionNotFound {
		t.Errorf("error code = %q, want %s", code, domain.CodeSessionNotFound)
	}
}

func TestMapEndpoints(t *testing.T) {
	memStore := mapassets.NewMemoryStore()
	pool := mapassets.NewIOPool(mapassets.PoolConfig{Workers: 2, QueueDepth: 8})
	pool.Start()
	t.Cleanup(pool.Stop)
	lib := mapassets.NewLibrary(memStore, nil, pool, 0)
	if err := lib.SaveMetadata(context.Background(), &mapassets.MapMetadata{ID: "lobby", Name: "Lobby"}); err != nil {
		t.Fatalf("save metadata: %v", err)
	}

	e := newEnv(t, func(cfg *ServerConfig) { cfg.Maps = lib })
	tok := e.token(t, "alice")

	resp, body := e.do(t, "GET", "/api/v1/maps", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, body %v", resp.StatusCode, body)
	}
	if count, _ := body["count"].(float64); count != 1 {
		t.Errorf("map count = %v, want 1", body["count"])
	}

	resp, body = e.do(t, "GET", "/api/v1/maps/lobby", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if body["id"] != "lobby" || body["name"] != "Lobby" {
		t.Errorf("map body = %v", body)
	}

	resp, body = e.do(t, "GET", "/api/v1/maps/ghost", tok, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown map status = %d, want 404", resp.StatusCode)
	}
	if code := errCode(t, body); code != codeMapNotFound {
		t.Errorf("error code = %q, want %s", code, codeMapNotFound)
	}

	resp, body = e.do(t, "GET", "/api/v1/maps/bad!id", tok, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid map id status = %d, want 400", resp.StatusCode)
	}
	errCode(t, body)

	// Without configured storage the endpoints answer 503.
	bare := newEnv(t, nil)
	resp, body = bare.do(t, "GET", "/api/v1/maps", bare.token(t, "alice"), nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("unconfigured list status = %d, want 503", resp.StatusCode)
	}
	if code := errCode(t, body); code != domain.CodeUpstreamUnavailable {
		t.Errorf("error code = %q, want %s", code, domain.CodeUpstreamUnavailable)
	}
}

// unhealthyStore fails its health probe while delegating everything else.
type unhealthyStore struct {
	store.Persistence
}

func (unhealthyStore) Healthy(context.Context) error {
	return errors.New("connection refused")
}

func TestHealthEndpoint(t *testing.T) {
	e := newEnv(t, nil)

	resp, body := e.do(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	components, _ := body["components"].(map[string]any)
	if components["postgres"] != "ok" {
		t.Errorf("postgres = %v, want ok", components["postgres"])
	}
	if components["redis"] != "disabled" || components["storage"] != "disabled" {
		t.Errorf("unconfigured components = %v, want disabled", components)
	}
	if _, ok := body["sessions"].(float64); !ok {
		t.Errorf("no session count in %v", body)
	}

	degraded := newEnv(t, func(cfg *ServerConfig) {
		cfg.Persist = unhealthyStore{Persistence: cfg.Persist}
	})
	resp, body = degraded.do(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want 503", resp.StatusCode)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
	components, _ = body["components"].(map[string]any)
	if components["postgres"] != "connection refused" {
		t.Errorf("postgres = %v, want the probe error", components["postgres"])
	}
}

func TestStatsEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	tok := e.token(t, "alice")
	e.hostSession(t, "alice")

	resp, body := e.do(t, "GET", "/api/v1/stats", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	// Counters are process-global, so only lower bounds are stable here.
	sessions, _ := body["sessions"].(map[string]any)
	if created, _ := sessions["created"].(float64); created < 1 {
		t.Errorf("sessions.created = %v, want >= 1", sessions["created"])
	}
	if _, ok := body["messages"].(map[string]any); !ok {
		t.Errorf("no message counters in %v", body)
	}
	if _, ok := body["anchors"].(map[string]any); !ok {
		t.Errorf("no anchor counters in %v", body)
	}

	if resp, _ := e.do(t, "GET", "/api/v1/stats", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated stats = %d, want 401", resp.StatusCode)
	}

	req, err := http.NewRequest("GET", e.ts.URL+"/api/v1/stats/timeseries", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	tsResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get timeseries: %v", err)
	}
	defer tsResp.Body.Close()
	if tsResp.StatusCode != http.StatusOK {
		t.Fatalf("timeseries status = %d", tsResp.StatusCode)
	}
	var buckets []map[string]any
	if err := json.NewDecoder(tsResp.Body).Decode(&buckets); err != nil {
		t.Fatalf("decode timeseries: %v", err)
	}
	if len(buckets) != 24 {
		t.Errorf("timeseries buckets = %d, want 24", len(buckets))
	}
}

func TestRateLimitBounds(t *testing.T) {
	e := newEnv(t, func(cfg *ServerConfig) {
		cfg.Limiter = ratelimit.New(ratelimit.NewLocalBackend(), ratelimit.Limits{PerMinute: 100, Burst: 2})
	})
	tok := e.token(t, "alice")

	var last *http.Response
	var lastBody map[string]any
	for i := 0; i < 3; i++ {
		last, lastBody = e.do(t, "POST", "/api/v1/session/create", tok, nil)
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("third burst request status = %d, want 429", last.StatusCode)
	}
	if code := errCode(t, lastBody); code != domain.CodeRateLimitExceeded {
		t.Errorf("error code = %q, want %s", code, domain.CodeRateLimitExceeded)
	}
	if last.Header.Get("Retry-After") == "" {
		t.Error("no Retry-After header on 429")
	}

	// Health stays unmetered.
	for i := 0; i < 5; i++ {
		resp, _ := e.do(t, "GET", "/health", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("health probe #%d status = %d", i+1, resp.StatusCode)
		}
	}
}
