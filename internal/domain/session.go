package domain

import (
	"time"
)

// ColocalizationMethod describes how session members agree on a shared frame.
type ColocalizationMethod string

const (
	ColocalizeQRCode ColocalizationMethod = "qr_code"
	ColocalizeVisual ColocalizationMethod = "visual"
	ColocalizeGPS    ColocalizationMethod = "gps"
	ColocalizeManual ColocalizationMethod = "manual"
)

func (m ColocalizationMethod) IsValid() bool {
	switch m {
	case ColocalizeQRCode, ColocalizeVisual, ColocalizeGPS, ColocalizeManual:
		return true
	}
	return false
}

// CoordinateSystem is the session's shared world frame, published by the host.
type CoordinateSystem struct {
	Origin   [3]float64 `json:"origin"`
	Rotation [4]float64 `json:"rotation"` // unit quaternion, xyzw
}

// Permissions are derived once at admission from the identity kind and
// not mutated for the life of the connection.
type Permissions struct {
	CanJoin          bool `json:"can_join"`
	CanCreateAnchors bool `json:"can_create_anchors"`
	CanDeleteAnchors bool `json:"can_delete_anchors"`
	CanModerate      bool `json:"can_moderate"`
	MaxSessions      int  `json:"max_sessions"`
}

// Player is a session member. The transport handle lives in the relay,
// keyed by client id; the session layer only tracks membership state.
type Player struct {
	UserID      string      `json:"user_id"`
	DisplayName string      `json:"display_name"`
	Permissions Permissions `json:"permissions"`
	Pose        *Pose       `json:"pose,omitempty"`
	JoinTime    time.Time   `json:"join_time"`
	JoinSeq     int64       `json:"-"` // monotonic admission order, host election key
	IsHost      bool        `json:"is_host"`
	IsAnonymous bool        `json:"is_anonymous"`
	LastPing    time.Time   `json:"last_ping"`
	Colocalized bool        `json:"colocalized"`
}

// Session is a short-lived collaborative AR session. Sessions are memory
// only: a process restart drops them along with their share codes.
type Session struct {
	ID                   string               `json:"id"`
	CreatedAt            time.Time            `json:"created_at"`
	HostUserID           string               `json:"host_user_id,omitempty"`
	MaxPlayers           int                  `json:"max_players"`
	ColocalizationMethod ColocalizationMethod `json:"colocalization_method"`
	CoordinateSystem     *CoordinateSystem    `json:"coordinate_system,omitempty"`
	IsColocalized        bool                 `json:"is_colocalized"`
	Players              map[string]*Player   `json:"players"`
}

// PlayerCount returns the current number of session members.
func (s *Session) PlayerCount() int {
	return len(s.Players)
}

// Summary is the public view of a session returned by lookup endpoints.
type Summary struct {
	SessionID            string               `json:"session_id"`
	PlayerCount          int                  `json:"player_count"`
	MaxPlayers           int                  `json:"max_players"`
	ColocalizationMethod ColocalizationMethod `json:"colocalization_method"`
	IsColocalized        bool                 `json:"is_colocalized"`
	CreatedAt            time.Time            `json:"created_at"`
}

// Summarize builds the public session summary.
func (s *Session) Summarize() Summary {
	return Summary{
		SessionID:            s.ID,
		PlayerCount:          len(s.Players),
		MaxPlayers:           s.MaxPlayers,
		ColocalizationMethod: s.ColocalizationMethod,
		IsColocalized:        s.IsColocalized,
		CreatedAt:            s.CreatedAt,
	}
}
