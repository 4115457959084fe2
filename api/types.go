package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"gonum.org/v1/gonum/spatial/r2"

	"doorwatch/common/ws"
	"doorwatch/layout"
)

// door is one entry of the door list.
type door struct {
	ID           ws.FlexID    `json:"id"`
	Name         string       `json:"name"`
	Location     string       `json:"location"`
	IsOnline     bool         `json:"isOnline"`
	IsOpen       *bool        `json:"isOpen"`
	IsLocked     *bool        `json:"isLocked"`
	LastSeen     ws.Timestamp `json:"lastSeen"`
	ControllerIP string       `json:"controllerIp"`
	X            *float64     `json:"x"`
	Y            *float64     `json:"y"`
}

func (d door) record() layout.Record {
	rec := layout.Record{
		ID:             strings.TrimSpace(string(d.ID)),
		Name:           d.Name,
		Location:       d.Location,
		NetworkAddress: d.ControllerIP,
		Online:         d.IsOnline,
		Open:           d.IsOpen,
		Locked:         d.IsLocked,
		LastSeen:       d.LastSeen.Time,
	}
	if d.X != nil && d.Y != nil {
		rec.Position = &r2.Vec{X: *d.X, Y: *d.Y}
	}
	return rec
}

type positionsBody struct {
	Positions []layout.Position `json:"positions"`
}

type backgroundBody struct {
	Image string `json:"image"`
}

var errNotJSON = errors.New("response is not JSON")

// decodeList accepts either a bare JSON array or an object carrying the
// array under key.
func decodeList(body []byte, key string, out interface{}) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return errNotJSON
	}
	switch body[0] {
	case '[':
		return json.Unmarshal(body, out)
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return err
		}
		raw, ok := wrapper[key]
		if !ok {
			raw, ok = wrapper["data"]
		}
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return nil
		}
		return json.Unmarshal(raw, out)
	default:
		return errNotJSON
	}
}

func decodeObject(body []byte, out interface{}) error {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return errNotJSON
	}
	return json.Unmarshal(body, out)
}
