// Package reconcile turns live feed events into device-state patches,
// defending against duplicates, reordering and unknown devices.
package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"doorwatch/common/ws"
)

// Kind is a normalized device event.
type Kind string

const (
	KindOffline       Kind = "offline"
	KindOnline        Kind = "online"
	KindAccessGranted Kind = "access_granted"
	KindDoorOpened    Kind = "door_opened"
	KindDoorClosed    Kind = "door_closed"
	KindLock          Kind = "lock"
	KindUnlock        Kind = "unlock"
)

var kindAliases = map[string]Kind{
	"offline":        KindOffline,
	"disconnected":   KindOffline,
	"online":         KindOnline,
	"connected":      KindOnline,
	"access_granted": KindAccessGranted,
	"granted":        KindAccessGranted,
	"door_opened":    KindDoorOpened,
	"opened":         KindDoorOpened,
	"open":           KindDoorOpened,
	"door_closed":    KindDoorClosed,
	"closed":         KindDoorClosed,
	"close":          KindDoorClosed,
	"lock":           KindLock,
	"locked":         KindLock,
	"unlock":         KindUnlock,
	"unlocked":       KindUnlock,
}

// ParseKind normalizes an event action, accepting common aliases.
func ParseKind(action string) (Kind, bool) {
	k, ok := kindAliases[strings.ToLower(strings.TrimSpace(action))]
	return k, ok
}

// deviceEntityTypes are the entity types whose events describe a door controller.
var deviceEntityTypes = map[string]bool{
	"door":       true,
	"device":     true,
	"controller": true,
}

// ErrInvalidEvent is returned for events that cannot be interpreted.
var ErrInvalidEvent = errors.New("invalid event")

// Input is one device event ready for reconciliation.
type Input struct {
	EventID   string
	DeviceID  string
	Kind      Kind
	Payload   json.RawMessage
	Timestamp time.Time
}

// fromEvent converts a feed event. ignored is true for events that are
// valid but not about device state (other entity types, CRUD actions).
func fromEvent(ev *ws.Event) (in Input, ignored bool, err error) {
	if ev == nil {
		return in, false, fmt.Errorf("%w: missing event", ErrInvalidEvent)
	}
	entity := strings.ToLower(strings.TrimSpace(ev.Type))
	if !deviceEntityTypes[entity] {
		return in, true, nil
	}
	if ev.EntityID == "" {
		return in, false, fmt.Errorf("%w: missing entityId", ErrInvalidEvent)
	}
	kind, ok := ParseKind(ev.Action)
	if !ok {
		return in, true, nil
	}
	return Input{
		EventID:   string(ev.ID),
		DeviceID:  string(ev.EntityID),
		Kind:      kind,
		Payload:   ev.Details,
		Timestamp: ev.Timestamp.Time,
	}, false, nil
}
