package wire

import (
	"time"

	"github.com/oriys/parallax/internal/domain"
)

// Message is a validated client frame.
type Message interface {
	MessageType() Type
}

// PoseUpdate carries a device pose sample.
type PoseUpdate struct {
	Type          Type                 `json:"type"`
	Timestamp     int64                `json:"timestamp,omitempty"` // unix milliseconds
	Position      [3]float64           `json:"position"`
	Rotation      [4]float64           `json:"rotation"` // quaternion x, y, z, w
	TrackingState domain.TrackingState `json:"tracking_state,omitempty"`
	Confidence    *float64             `json:"confidence,omitempty"`
}

func (m *PoseUpdate) MessageType() Type { return TypePoseUpdate }

// AnchorCreate places a new anchor in the session's shared space.
type AnchorCreate struct {
	Type       Type                   `json:"type"`
	Timestamp  int64                  `json:"timestamp,omitempty"`
	AnchorID   string                 `json:"anchor_id,omitempty"` // minted when absent
	AnchorType domain.AnchorType      `json:"anchor_type,omitempty"`
	Position   [3]float64             `json:"position"`
	Rotation   [4]float64             `json:"rotation"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Lifetime   int64                  `json:"lifetime,omitempty"` // seconds, overrides the default expiry
}

func (m *AnchorCreate) MessageType() Type { return TypeAnchorCreate }

// AnchorUpdate carries a partial anchor mutation. Nil fields are untouched.
type AnchorUpdate struct {
	Type          Type                   `json:"type"`
	Timestamp     int64                  `json:"timestamp,omitempty"`
	AnchorID      string                 `json:"anchor_id"`
	Position      *[3]float64            `json:"position,omitempty"`
	Rotation      *[4]float64            `json:"rotation,omitempty"`
	Confidence    *float64               `json:"confidence,omitempty"`
	TrackingState *domain.TrackingState  `json:"tracking_state,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"` // shallow-merged
}

func (m *AnchorUpdate) MessageType() Type { return TypeAnchorUpdate }

// AnchorDelete removes an anchor.
type AnchorDelete struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
	AnchorID  string `json:"anchor_id"`
}

func (m *AnchorDelete) MessageType() Type { return TypeAnchorDelete }

// ColocalizationData reports alignment progress. A host message carrying a
// coordinate system re-anchors the whole session.
type ColocalizationData struct {
	Type             Type                        `json:"type"`
	Timestamp        int64                       `json:"timestamp,omitempty"`
	Method           domain.ColocalizationMethod `json:"method,omitempty"`
	CoordinateSystem *domain.CoordinateSystem    `json:"coordinate_system,omitempty"`
	Colocalized      *bool                       `json:"colocalized,omitempty"`
	Confidence       *float64                    `json:"confidence,omitempty"`
	Position         *[3]float64                 `json:"position,omitempty"` // optional absolute fix
	Rotation         *[4]float64                 `json:"rotation,omitempty"`
}

func (m *ColocalizationData) MessageType() Type { return TypeColocalizationData }

// ChatMessage carries session chat text.
type ChatMessage struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Message   string `json:"message"`
}

func (m *ChatMessage) MessageType() Type { return TypeChatMessage }

// Ping requests a pong with server time.
type Ping struct {
	Type       Type  `json:"type"`
	Timestamp  int64 `json:"timestamp,omitempty"`
	ClientTime int64 `json:"client_time,omitempty"`
}

func (m *Ping) MessageType() Type { return TypePing }

// Pong is accepted from clients replying to server pings and ignored.
type Pong struct {
	Type       Type  `json:"type"`
	Timestamp  int64 `json:"timestamp,omitempty"`
	ServerTime int64 `json:"server_time,omitempty"`
	ClientTime int64 `json:"client_time,omitempty"`
}

func (m *Pong) MessageType() Type { return TypePong }

// SubscribeAnchor opts the client into update fan-out for one anchor.
type SubscribeAnchor struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
	AnchorID  string `json:"anchor_id"`
}

func (m *SubscribeAnchor) MessageType() Type { return TypeSubscribeAnchor }

// UnsubscribeAnchor opts the client out again.
type UnsubscribeAnchor struct {
	Type      Type   `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
	AnchorID  string `json:"anchor_id"`
}

func (m *UnsubscribeAnchor) MessageType() Type { return TypeUnsubscribeAnchor }

// Server emissions.

// RosterEntry is one player in a session_state roster.
type RosterEntry struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsHost      bool   `json:"is_host"`
	Colocalized bool   `json:"colocalized"`
}

// SessionState is the admission snapshot sent to a newly joined client.
type SessionState struct {
	Type                 Type                        `json:"type"`
	SessionID            string                      `json:"session_id"`
	ShareCode            string                      `json:"share_code,omitempty"`
	HostUserID           string                      `json:"host_user_id"`
	ColocalizationMethod domain.ColocalizationMethod `json:"colocalization_method"`
	CoordinateSystem     *domain.CoordinateSystem    `json:"coordinate_system,omitempty"`
	IsColocalized        bool                        `json:"is_colocalized"`
	YourUserID           string                      `json:"your_user_id"`
	IsHost               bool                        `json:"is_host"`
	Players              []RosterEntry               `json:"players"`
	Anchors              []*domain.Anchor            `json:"anchors"`
}

// UserJoined announces a new player to existing peers.
type UserJoined struct {
	Type        Type  `json:"type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsHost      bool   `json:"is_host"`
	Timestamp   int64  `json:"timestamp"`
}

// UserLeft announces a departure.
type UserLeft struct {
	Type      Type   `json:"type"`
	UserID    string `json:"user_id"`
	Reason    string `json:"reason,omitempty"` // disconnect, idle, kicked
	Timestamp int64  `json:"timestamp"`
}

// PoseBroadcast relays a peer's pose to colocalized clients.
type PoseBroadcast struct {
	Type          Type                 `json:"type"` // pose_update
	UserID        string               `json:"user_id"`
	Position      [3]float64           `json:"position"`
	Rotation      [4]float64           `json:"rotation"`
	TrackingState domain.TrackingState `json:"tracking_state,omitempty"`
	Confidence    float64              `json:"confidence"`
	Timestamp     int64                `json:"timestamp"`
}

// AnchorEvent relays an anchor mutation: anchor_created, anchor_updated,
// anchor_deleted.
type AnchorEvent struct {
	Type      Type           `json:"type"`
	AnchorID  string         `json:"anchor_id"`
	UserID    string         `json:"user_id,omitempty"` // originator
	Anchor    *domain.Anchor `json:"anchor,omitempty"`  // absent on delete
	Timestamp int64          `json:"timestamp"`
}

// InitialAnchorBatch pages the existing anchor set to a new client.
type InitialAnchorBatch struct {
	Type         Type             `json:"type"`
	BatchIndex   int              `json:"batch_index"`
	TotalBatches int              `json:"total_batches"`
	TotalAnchors int              `json:"total_anchors"`
	Anchors      []*domain.Anchor `json:"anchors"`
}

// AnchorStateReply answers a subscribe_anchor request.
type AnchorStateReply struct {
	Type     Type           `json:"type"`
	AnchorID string         `json:"anchor_id"`
	Anchor   *domain.Anchor `json:"anchor,omitempty"` // nil when unknown
}

// CoordinateSystemUpdate re-anchors every client to the host's frame.
type CoordinateSystemUpdate struct {
	Type             Type                        `json:"type"`
	Method           domain.ColocalizationMethod `json:"method,omitempty"`
	CoordinateSystem *domain.CoordinateSystem    `json:"coordinate_system"`
	Timestamp        int64                       `json:"timestamp"`
}

// ChatBroadcast relays chat to the whole session.
type ChatBroadcast struct {
	Type        Type   `json:"type"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
}

// HostChanged announces a host transfer.
type HostChanged struct {
	Type      Type   `json:"type"`
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMessage is the in-band error frame. It never closes the socket.
type ErrorMessage struct {
	Type      Type   `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message,omitempty"`
	Details   string `json:"details,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewError builds an error frame from a code and detail text.
func NewError(code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Details:   details,
		Timestamp: time.Now().UnixMilli(),
	}
}
