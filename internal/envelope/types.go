package envelope

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Errors
var (
	ErrMissingType    = errors.New("envelope type is required")
	ErrInvalidPayload = errors.New("invalid envelope payload")
)

// Message types understood by the session layer.
const (
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeAuthenticate          = "authenticate"
	TypeAuthRequired          = "auth-required"
	TypeAuthSuccess           = "auth-success"
	TypeAuthFailure           = "auth-failure"
	TypeConnectionEstablished = "connection-established"
	TypeTextInput             = "text-input"
)

// Reserved top-level keys. Anything else lands in Envelope.Fields.
const (
	keyType      = "type"
	keyRequestID = "request_id"
	keyTimestamp = "timestamp"
	keyPriority  = "priority"
	keyAuthToken = "auth_token"
)

// Priority orders outbound messages. Lower values are sent first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the four defined tiers.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// ParsePriority converts a wire name to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Envelope wraps an application payload with routing metadata.
type Envelope struct {
	Type      string
	RequestID string
	Timestamp time.Time
	Priority  *Priority      // nil = not set on the wire
	AuthToken string         // never set on system messages
	Fields    map[string]any // type-specific fields
}

// New creates an envelope of the given type with a fresh request id.
func New(msgType string, fields map[string]any) Envelope {
	return Envelope{
		Type:      msgType,
		RequestID: NewRequestID(),
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
}

// NewRequestID returns a random request id.
func NewRequestID() string {
	return uuid.NewString()
}

// IsSystem reports whether the message type is a liveness probe.
func IsSystem(msgType string) bool {
	return msgType == TypePing || msgType == TypePong
}

// IsSystem reports whether e is a liveness probe.
func (e Envelope) IsSystem() bool {
	return IsSystem(e.Type)
}

// WithPriority returns a copy of e carrying p.
func (e Envelope) WithPriority(p Priority) Envelope {
	e.Priority = &p
	return e
}

// StringField returns a type-specific field as a string, or "" when absent.
func (e Envelope) StringField(key string) string {
	if e.Fields == nil {
		return ""
	}
	s, _ := e.Fields[key].(string)
	return s
}

// toMap flattens the envelope into a single wire object.
func (e Envelope) toMap() (map[string]any, error) {
	if e.Type == "" {
		return nil, ErrMissingType
	}

	m := make(map[string]any, len(e.Fields)+5)
	for k, v := range e.Fields {
		m[k] = v
	}

	m[keyType] = e.Type
	m[keyRequestID] = e.RequestID
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	m[keyTimestamp] = ts.UTC().Format(time.RFC3339Nano)
	if e.Priority != nil {
		m[keyPriority] = e.Priority.String()
	}
	if e.AuthToken != "" && !e.IsSystem() {
		m[keyAuthToken] = e.AuthToken
	}

	return m, nil
}

// fromMap rebuilds an envelope from a decoded wire object.
func fromMap(m map[string]any) (Envelope, error) {
	var e Envelope

	t, _ := m[keyType].(string)
	if t == "" {
		return e, ErrMissingType
	}
	e.Type = t
	e.RequestID, _ = m[keyRequestID].(string)
	e.AuthToken, _ = m[keyAuthToken].(string)

	if ts, ok := m[keyTimestamp].(string); ok && ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return e, fmt.Errorf("%w: timestamp: %v", ErrInvalidPayload, err)
		}
		e.Timestamp = parsed
	}

	if ps, ok := m[keyPriority].(string); ok {
		p, err := ParsePriority(ps)
		if err != nil {
			return e, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		e.Priority = &p
	}

	for k, v := range m {
		switch k {
		case keyType, keyRequestID, keyTimestamp, keyPriority, keyAuthToken:
			continue
		}
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields[k] = v
	}

	return e, nil
}
