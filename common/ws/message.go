package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Feed frame types. Every transport carries the same JSON object per frame.
const (
	MessageTypeConnection = "connection"
	MessageTypeHeartbeat  = "heartbeat"
	MessageTypeEvent      = "event"
	MessageTypeNewEvent   = "new_event"
)

// ErrMalformed is returned by Decode for frames that cannot be used.
var ErrMalformed = errors.New("malformed feed frame")

// Message is one frame of the live event feed.
type Message struct {
	Type    string `json:"type"`
	Event   *Event `json:"event,omitempty"`
	Message string `json:"message,omitempty"`
}

// Event is an access-control event carried by event/new_event frames.
type Event struct {
	ID         FlexID          `json:"id,omitempty"`
	Type       string          `json:"type"`
	Action     string          `json:"action"`
	EntityID   FlexID          `json:"entityId"`
	EntityName string          `json:"entityName,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	Timestamp  Timestamp       `json:"timestamp"`
}

// Seq returns the numeric event id used as the polling cursor, or 0 when the
// id is absent or not numeric.
func (e *Event) Seq() int64 {
	n, err := strconv.ParseInt(string(e.ID), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// IsEvent reports whether the frame carries an event payload.
func (m *Message) IsEvent() bool {
	return m.Type == MessageTypeEvent || m.Type == MessageTypeNewEvent
}

// Marshal marshals the message to JSON bytes.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a single frame.
func Decode(raw []byte) (Message, error) {
	var msg Message
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return msg, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch msg.Type {
	case MessageTypeConnection, MessageTypeHeartbeat:
		return msg, nil
	case MessageTypeEvent, MessageTypeNewEvent:
		if msg.Event == nil {
			return msg, fmt.Errorf("%w: %s frame without event", ErrMalformed, msg.Type)
		}
		if msg.Event.EntityID == "" || msg.Event.Action == "" {
			return msg, fmt.Errorf("%w: event missing entityId or action", ErrMalformed)
		}
		return msg, nil
	case "":
		return msg, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return msg, fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}
}

// FlexID accepts identifiers encoded either as JSON strings or numbers.
type FlexID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be string or number: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

// Timestamp accepts RFC 3339 strings or unix epoch numbers (seconds or
// milliseconds). A missing value decodes to the zero time.
type Timestamp struct {
	time.Time
}

// epochMillisThreshold separates second-based from millisecond-based epochs.
const epochMillisThreshold = 1e11

// UnmarshalJSON implements json.Unmarshaler.
func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" || string(b) == `""` {
		ts.Time = time.Time{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				ts.Time = t
				return nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			ts.Time = fromEpoch(f)
			return nil
		}
		return fmt.Errorf("unrecognized timestamp %q", s)
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("timestamp must be string or number: %w", err)
	}
	ts.Time = fromEpoch(f)
	return nil
}

// MarshalJSON writes RFC 3339 with milliseconds, or null for the zero time.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
}

func fromEpoch(f float64) time.Time {
	if f > epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
}
