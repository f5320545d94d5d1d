package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// AnchorType classifies the lifetime of a spatial anchor.
type AnchorType string

const (
	AnchorPersistent AnchorType = "persistent"
	AnchorTemporary  AnchorType = "temporary"
	AnchorShared     AnchorType = "shared"
)

func (t AnchorType) IsValid() bool {
	switch t {
	case AnchorPersistent, AnchorTemporary, AnchorShared:
		return true
	}
	return false
}

// SharePermission is the access level of a sharing grant.
type SharePermission string

const (
	ShareRead  SharePermission = "read"
	ShareWrite SharePermission = "write"
	ShareAdmin SharePermission = "admin"
)

func (p SharePermission) IsValid() bool {
	switch p {
	case ShareRead, ShareWrite, ShareAdmin:
		return true
	}
	return false
}

var anchorIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidateAnchorID enforces the accepted anchor id format.
func ValidateAnchorID(id string) error {
	if id == "" {
		return fmt.Errorf("anchor id is required")
	}
	if !anchorIDPattern.MatchString(id) {
		return fmt.Errorf("invalid anchor id: must match %s", anchorIDPattern.String())
	}
	return nil
}

// MaxMetadataBytes caps an anchor's serialized metadata blob.
const MaxMetadataBytes = 5 * 1024

// ValidateMetadataSize rejects metadata whose JSON encoding exceeds the cap.
func ValidateMetadataSize(metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("metadata not serializable: %w", err)
	}
	if len(data) > MaxMetadataBytes {
		return fmt.Errorf("metadata too large: %d bytes (max %d)", len(data), MaxMetadataBytes)
	}
	return nil
}

// Anchor is a persistent 6-DoF pose in a session's world frame.
type Anchor struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	UserID        string         `json:"user_id"`
	Position      [3]float64     `json:"position"`
	Rotation      [4]float64     `json:"rotation"` // unit quaternion, xyzw
	Confidence    float64        `json:"confidence"`
	TrackingState TrackingState  `json:"tracking_state"`
	AnchorType    AnchorType     `json:"anchor_type"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the anchor's expiry has passed at the given time.
func (a *Anchor) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && !a.ExpiresAt.After(now)
}

// Clone returns a deep copy. Metadata maps are never shared between the
// manager's cache and callers.
func (a *Anchor) Clone() *Anchor {
	cp := *a
	if a.Metadata != nil {
		cp.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		cp.ExpiresAt = &t
	}
	return &cp
}

// ShareGrant records that an anchor is visible to another user.
// Unique per (anchor, recipient); deleting the anchor cascades.
type ShareGrant struct {
	AnchorID       string          `json:"anchor_id"`
	SharedWithUser string          `json:"shared_with_user"`
	GrantedBy      string          `json:"granted_by"`
	Permission     SharePermission `json:"permission_level"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// HistoryAction is the kind of an anchor history entry.
type HistoryAction string

const (
	HistoryCreated HistoryAction = "created"
	HistoryUpdated HistoryAction = "updated"
	HistoryDeleted HistoryAction = "deleted"
	HistoryShared  HistoryAction = "shared"
	HistoryExpired HistoryAction = "expired"
)

// HistoryEntry is an append-only audit record for anchor mutations.
type HistoryEntry struct {
	ID           int64           `json:"id"`
	AnchorID     string          `json:"anchor_id"`
	Action       HistoryAction   `json:"action"`
	UserID       string          `json:"user_id"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	MetadataDiff json.RawMessage `json:"metadata_diff,omitempty"`
	Timestamp    time.Time       `json:"ts"`
}
