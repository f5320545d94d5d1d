package wire

// Type identifies a WebSocket message schema.
type Type string

// Client to server message types.
const (
	TypePoseUpdate         Type = "pose_update"
	TypeAnchorCreate       Type = "anchor_create"
	TypeAnchorUpdate       Type = "anchor_update"
	TypeAnchorDelete       Type = "anchor_delete"
	TypeColocalizationData Type = "colocalization_data"
	TypeChatMessage        Type = "chat_message"
	TypePing               Type = "ping"
	TypePong               Type = "pong"
	TypeSubscribeAnchor    Type = "subscribe_anchor"
	TypeUnsubscribeAnchor  Type = "unsubscribe_anchor"
)

// Server to client message types.
const (
	TypeSessionState     Type = "session_state"
	TypeUserJoined       Type = "user_joined"
	TypeUserLeft         Type = "user_left"
	TypeAnchorCreated    Type = "anchor_created"
	TypeAnchorUpdated    Type = "anchor_updated"
	TypeAnchorDeleted    Type = "anchor_deleted"
	TypeInitialAnchors   Type = "initial_anchors"
	TypeAnchorState      Type = "anchor_state"
	TypeCoordinateSystem Type = "coordinate_system"
	TypeHostChanged      Type = "host_changed"
	TypeError            Type = "error"
)

var clientTypes = map[Type]bool{
	TypePoseUpdate:         true,
	TypeAnchorCreate:       true,
	TypeAnchorUpdate:       true,
	TypeAnchorDelete:       true,
	TypeColocalizationData: true,
	TypeChatMessage:        true,
	TypePing:               true,
	TypePong:               true,
	TypeSubscribeAnchor:    true,
	TypeUnsubscribeAnchor:  true,
}

// IsClientType reports whether t is a type a client is allowed to send.
func IsClientType(t Type) bool {
	return clientTypes[t]
}
