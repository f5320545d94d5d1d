package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/oriys/parallax/internal/domain"
)

// Error describes a rejected frame. Reason is a stable machine token used
// as a metrics label; Details is for humans.
type Error struct {
	Code    string
	Reason  string
	Details string
}

func (e *Error) Error() string {
	if e.Details == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Details)
}

func invalid(reason, format string, args ...interface{}) *Error {
	return &Error{
		Code:    domain.CodeValidationError,
		Reason:  reason,
		Details: fmt.Sprintf(format, args...),
	}
}

// Validator checks client frames against the message schemas. The zero
// value is not usable; construct with NewValidator.
type Validator struct {
	MaxCoordinate float64       // absolute bound per axis
	QuatTolerance float64       // unit-norm tolerance
	ClockSkew     time.Duration // accepted |client - server| timestamp drift

	now func() time.Time
}

// NewValidator returns a Validator with the protocol defaults.
func NewValidator() *Validator {
	return &Validator{
		MaxCoordinate: 1000,
		QuatTolerance: 1e-3,
		ClockSkew:     60 * time.Second,
		now:           time.Now,
	}
}

// CheckPlacement validates a position/rotation pair against the protocol
// bounds. The REST anchor surface shares these rules with the socket path.
func (v *Validator) CheckPlacement(position [3]float64, rotation [4]float64) error {
	if verr := v.checkPosition(position); verr != nil {
		return verr
	}
	if verr := v.checkQuaternion(rotation); verr != nil {
		return verr
	}
	return nil
}

// envelope is the minimal frame shape used to pick a schema.
type envelope struct {
	Type      Type  `json:"type"`
	Timestamp int64 `json:"timestamp"`
}

// Validate parses and validates a raw client frame. It returns the typed
// message, or an *Error carrying the client-visible code and reason.
func (v *Validator) Validate(data []byte) (Message, *Error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Code: domain.CodeInvalidJSON, Reason: "invalid_json", Details: err.Error()}
	}
	if env.Type == "" {
		return nil, invalid("missing_type", "frame has no type field")
	}
	if !IsClientType(env.Type) {
		return nil, invalid("unknown_type", "unknown message type %q", env.Type)
	}
	if verr := v.checkTimestamp(env.Timestamp); verr != nil {
		return nil, verr
	}

	switch env.Type {
	case TypePoseUpdate:
		return v.validatePoseUpdate(data)
	case TypeAnchorCreate:
		return v.validateAnchorCreate(data)
	case TypeAnchorUpdate:
		return v.validateAnchorUpdate(data)
	case TypeAnchorDelete:
		return v.validateAnchorDelete(data)
	case TypeColocalizationData:
		return v.validateColocalization(data)
	case TypeChatMessage:
		return v.validateChat(data)
	case TypePing:
		msg := &Ping{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, invalid("bad_payload", "ping: %v", err)
		}
		return msg, nil
	case TypePong:
		msg := &Pong{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, invalid("bad_payload", "pong: %v", err)
		}
		return msg, nil
	case TypeSubscribeAnchor:
		msg := &SubscribeAnchor{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, invalid("bad_payload", "subscribe_anchor: %v", err)
		}
		if err := domain.ValidateAnchorID(msg.AnchorID); err != nil {
			return nil, invalid("bad_anchor_id", "%v", err)
		}
		return msg, nil
	case TypeUnsubscribeAnchor:
		msg := &UnsubscribeAnchor{}
		if err := json.Unmarshal(data, msg); err != nil {
			return nil, invalid("bad_payload", "unsubscribe_anchor: %v", err)
		}
		if err := domain.ValidateAnchorID(msg.AnchorID); err != nil {
			return nil, invalid("bad_anchor_id", "%v", err)
		}
		return msg, nil
	}
	return nil, invalid("unknown_type", "unknown message type %q", env.Type)
}

func (v *Validator) validatePoseUpdate(data []byte) (Message, *Error) {
	msg := &PoseUpdate{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, invalid("bad_payload", "pose_update: %v", err)
	}
	if verr := v.checkPosition(msg.Position); verr != nil {
		return nil, verr
	}
	if verr := v.checkQuaternion(msg.Rotation); verr != nil {
		return nil, verr
	}
	if verr := checkConfidence(msg.Confidence); verr != nil {
		return nil, verr
	}
	if msg.TrackingState != "" && !isTrackingState(msg.TrackingState) {
		return nil, invalid("bad_tracking_state", "unknown tracking_state %q", msg.TrackingState)
	}
	return msg, nil
}

func (v *Validator) validateAnchorCreate(data []byte) (Message, *Error) {
	msg := &AnchorCreate{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, invalid("bad_payload", "anchor_create: %v", err)
	}
	if msg.AnchorID != "" {
		if err := domain.ValidateAnchorID(msg.AnchorID); err != nil {
			return nil, invalid("bad_anchor_id", "%v", err)
		}
	}
	if msg.AnchorType != "" && !msg.AnchorType.IsValid() {
		return nil, invalid("bad_anchor_type", "unknown anchor_type %q", msg.AnchorType)
	}
	if verr := v.checkPosition(msg.Position); verr != nil {
		return nil, verr
	}
	if verr := v.checkQuaternion(msg.Rotation); verr != nil {
		return nil, verr
	}
	if err := domain.ValidateMetadataSize(msg.Metadata); err != nil {
		return nil, invalid("metadata_too_large", "%v", err)
	}
	if msg.Lifetime < 0 {
		return nil, invalid("bad_lifetime", "lifetime must be positive, got %d", msg.Lifetime)
	}
	return msg, nil
}

func (v *Validator) validateAnchorUpdate(data []byte) (Message, *Error) {
	msg := &AnchorUpdate{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, invalid("bad_payload", "anchor_update: %v", err)
	}
	if err := domain.ValidateAnchorID(msg.AnchorID); err != nil {
		return nil, invalid("bad_anchor_id", "%v", err)
	}
	if msg.Position != nil {
		if verr := v.checkPosition(*msg.Position); verr != nil {
			return nil, verr
		}
	}
	if msg.Rotation != nil {
		if verr := v.checkQuaternion(*msg.Rotation); verr != nil {
			return nil, verr
		}
	}
	if verr := checkConfidence(msg.Confidence); verr != nil {
		return nil, verr
	}
	if msg.TrackingState != nil && !isTrackingState(*msg.TrackingState) {
		return nil, invalid("bad_tracking_state", "unknown tracking_state %q", *msg.TrackingState)
	}
	if err := domain.ValidateMetadataSize(msg.Metadata); err != nil {
		return nil, invalid("metadata_too_large", "%v", err)
	}
	return msg, nil
}

func (v *Validator) validateAnchorDelete(data []byte) (Message, *Error) {
	msg := &AnchorDelete{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, invalid("bad_payload", "anchor_delete: %v", err)
	}
	if err := domain.ValidateAnchorID(msg.AnchorID); err != nil {
		return nil, invalid("bad_anchor_id", "%v", err)
	}
	return msg, nil
}

func (v *Validator) validateColocalization(data []byte) (Message, *Error) {
	msg := &ColocalizationData{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, invalid("bad_payload", "colocalization_data: %v", err)
	}
	if msg.Method != "" && !msg.Method.IsValid() {
		return nil, invalid("bad_method", "unknown colocalization method %q", msg.Method)
	}
	if verr := checkConfidence(msg.Confidence); verr != nil {
		return nil, verr
	}
	if msg.CoordinateSystem != nil {
		if verr := v.checkPosition(msg.CoordinateSystem.Origin); verr != nil {
			return nil, verr
		}
		if verr := v.checkQuaternion(msg.CoordinateSystem.Rotation); verr != nil {
			return nil, verr
		}
	}
	if msg.Position != nil {
		if verr := v.checkPosition(*msg.Position); verr != nil {
			return nil, verr
		}
	}
	if msg.Rotation != nil {
		if verr := v.checkQuaternion(*msg.Rotation); verr != nil {
			return nil, verr
		}
	}
	return msg, nil
}

func (v *Validator) validateChat(data []byte) (Message, *Error) {
	msg := &ChatMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, invalid("bad_payload", "chat_message: %v", err)
	}
	runes := []rune(msg.Message)
	if len(runes) == 0 {
		return nil, invalid("empty_message", "message is empty")
	}
	if len(runes) > 500 {
		return nil, invalid("message_too_long", "message is %d chars (max 500)", len(runes))
	}
	// Spam heuristic: long messages must not be a single repeated glyph.
	if len(runes) > 10 {
		unique := make(map[rune]struct{}, len(runes))
		for _, r := range runes {
			unique[r] = struct{}{}
		}
		if len(unique) < 3 {
			return nil, invalid("low_entropy_message", "message over 10 chars needs at least 3 distinct characters")
		}
	}
	return msg, nil
}

func (v *Validator) checkTimestamp(ts int64) *Error {
	if ts == 0 {
		return nil // timestamp is optional
	}
	t := time.UnixMilli(ts)
	drift := v.now().Sub(t)
	if drift < 0 {
		drift = -drift
	}
	if drift > v.ClockSkew {
		return invalid("timestamp_out_of_range", "timestamp drifts %s from server clock (max %s)", drift.Truncate(time.Millisecond), v.ClockSkew)
	}
	return nil
}

func (v *Validator) checkPosition(p [3]float64) *Error {
	for i, c := range p {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return invalid("position_not_finite", "position[%d] is not finite", i)
		}
		if c < -v.MaxCoordinate || c > v.MaxCoordinate {
			return invalid("position_out_of_range", "position[%d]=%g exceeds ±%g", i, c, v.MaxCoordinate)
		}
	}
	return nil
}

func (v *Validator) checkQuaternion(q [4]float64) *Error {
	for i, c := range q {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return invalid("rotation_not_finite", "rotation[%d] is not finite", i)
		}
		if c < -1 || c > 1 {
			return invalid("rotation_out_of_range", "rotation[%d]=%g exceeds ±1", i, c)
		}
	}
	if !domain.QuaternionIsUnit(q, v.QuatTolerance) {
		return invalid("rotation_not_unit", "quaternion norm %g is not 1 within %g", domain.QuaternionNorm(q), v.QuatTolerance)
	}
	return nil
}

func checkConfidence(c *float64) *Error {
	if c == nil {
		return nil
	}
	if math.IsNaN(*c) || *c < 0 || *c > 1 {
		return invalid("bad_confidence", "confidence %g outside [0,1]", *c)
	}
	return nil
}

func isTrackingState(s domain.TrackingState) bool {
	switch s {
	case domain.TrackingActive, domain.TrackingPaused, domain.TrackingStopped,
		domain.TrackingLimited, domain.TrackingLost:
		return true
	}
	return false
}
