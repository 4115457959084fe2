package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestConnNilSafety(t *testing.T) {
	t.Parallel()

	var conn *Conn

	if _, err := conn.ReadFrame(); err == nil {
		t.Error("ReadFrame on nil Conn should return error")
	}
	if err := conn.WriteMessage(&Message{Type: MessageTypeHeartbeat}, time.Second); err == nil {
		t.Error("WriteMessage on nil Conn should return error")
	}
	if err := conn.WriteRaw([]byte("x"), time.Second); err == nil {
		t.Error("WriteRaw on nil Conn should return error")
	}
	if err := conn.WritePing(time.Second); err == nil {
		t.Error("WritePing on nil Conn should return error")
	}
	if err := conn.SetReadDeadline(time.Now()); err == nil {
		t.Error("SetReadDeadline on nil Conn should return error")
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Close on nil Conn should return nil, got %v", err)
	}
	if err := conn.CloseGracefully(time.Second); err != nil {
		t.Errorf("CloseGracefully on nil Conn should return nil, got %v", err)
	}
	conn.SetPongHandler(func(string) error { return nil })
}

func TestHTTPToWS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://door.local:8080", want: "ws://door.local:8080/api/events/ws"},
		{in: "https://door.example.com/base", want: "wss://door.example.com/api/events/ws"},
		{in: "wss://door.example.com", want: "wss://door.example.com/api/events/ws"},
		{in: "ftp://door.example.com", wantErr: true},
	}

	for _, tc := range tests {
		u, err := HTTPToWS(tc.in, "/api/events/ws")
		if tc.wantErr {
			if err == nil {
				t.Errorf("HTTPToWS(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("HTTPToWS(%q) error = %v", tc.in, err)
			continue
		}
		if u.String() != tc.want {
			t.Errorf("HTTPToWS(%q) = %q, want %q", tc.in, u.String(), tc.want)
		}
	}
}

func TestDialRejectsHTTPScheme(t *testing.T) {
	t.Parallel()

	if _, _, err := Dial("http://localhost:1", nil, nil, time.Second); err == nil {
		t.Fatal("expected scheme error")
	}
}

func TestDialAndExchange(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := UpgradeHTTP(w, r)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(&Message{Type: MessageTypeConnection, Message: "hello"}, time.Second)
		_, _ = conn.ReadFrame()
	}))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := Dial(wsURL, nil, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.CloseGracefully(time.Second)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := conn.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Type != MessageTypeConnection || msg.Message != "hello" {
		t.Errorf("unexpected greeting %+v", msg)
	}
	if err := conn.WritePing(time.Second); err != nil {
		t.Errorf("WritePing() error = %v", err)
	}
}
