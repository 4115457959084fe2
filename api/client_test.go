package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"doorwatch/common/ws"
	"doorwatch/layout"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL + "/", Token: "secret", ClientID: "client-1", RetryWait: time.Millisecond}, nil)
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	t.Parallel()
	_, err := New(Options{BaseURL: "  "}, nil)
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestDoors(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathDoors, r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "client-1", r.Header.Get("X-Client-ID"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[
			{"id": 7, "name": "Lobby", "location": "HQ", "isOnline": true, "isOpen": false,
			 "lastSeen": "2025-06-01T10:00:00Z", "controllerIp": "10.0.0.7", "x": 12.5, "y": 40},
			{"id": "D2", "name": "Dock", "isOnline": false, "isLocked": true},
			{"name": "ghost"}
		]`)
	}))

	recs, err := c.Doors(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "7", recs[0].ID)
	assert.Equal(t, "Lobby", recs[0].Name)
	assert.Equal(t, "10.0.0.7", recs[0].NetworkAddress)
	assert.True(t, recs[0].Online)
	require.NotNil(t, recs[0].Open)
	assert.False(t, *recs[0].Open)
	assert.Nil(t, recs[0].Locked)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC), recs[0].LastSeen.UTC())
	assert.Equal(t, &r2.Vec{X: 12.5, Y: 40}, recs[0].Position)

	assert.Equal(t, "D2", recs[1].ID)
	assert.Nil(t, recs[1].Position)
	require.NotNil(t, recs[1].Locked)
	assert.True(t, *recs[1].Locked)
	assert.True(t, recs[1].LastSeen.IsZero())
}

func TestPositionsRoundTrip(t *testing.T) {
	t.Parallel()
	var stored []layout.Position
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathPositions, r.URL.Path)
		switch r.Method {
		case http.MethodPost:
			var body positionsBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			stored = body.Positions
			w.WriteHeader(http.StatusNoContent)
		default:
			_ = json.NewEncoder(w).Encode(positionsBody{Positions: stored})
		}
	}))

	ctx := context.Background()
	want := []layout.Position{{ID: "D1", X: 1, Y: 2}, {ID: "D2", X: 3.5, Y: 4}}
	require.NoError(t, c.SavePositions(ctx, want))
	got, err := c.Positions(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, c.SavePositions(ctx, nil))
}

func TestSavePositionsStatusError(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "read only", http.StatusForbidden)
	}))

	err := c.SavePositions(context.Background(), []layout.Position{{ID: "D1"}})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.Code)
	assert.Equal(t, http.MethodPost, se.Method)
	assert.Contains(t, se.Error(), "read only")
}

func TestServerErrorsAreRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"positions": []}`)
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL, Retries: 2, RetryWait: time.Millisecond}, nil)
	require.NoError(t, err)
	got, err := c.Positions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestBackground(t *testing.T) {
	t.Parallel()
	image := ""
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var body backgroundBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			image = body.Image
		case image == "":
			http.NotFound(w, r)
		default:
			_ = json.NewEncoder(w).Encode(backgroundBody{Image: image})
		}
	}))

	ctx := context.Background()
	got, err := c.Background(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, c.SetBackground(ctx, "data:image/png;base64,AAAA"))
	got, err = c.Background(ctx)
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,AAAA", got)
}

func TestFetchImage(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plans/hq.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))

	data, err := c.FetchImage(context.Background(), "/plans/hq.png")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)

	_, err = c.FetchImage(context.Background(), "/plans/missing.png")
	var se *StatusError
	assert.True(t, errors.As(err, &se))
}

func TestRecentEventsShapes(t *testing.T) {
	t.Parallel()
	var bare atomic.Bool
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathRecent, r.URL.Path)
		assert.Equal(t, "41", r.URL.Query().Get("since"))
		if bare.Load() {
			_, _ = io.WriteString(w, `[{"id": 43, "type": "door", "action": "offline", "entityId": "D1"}]`)
			return
		}
		_, _ = io.WriteString(w, `{"events": [{"id": 42, "type": "door", "action": "door_opened", "entityId": 5,
			"timestamp": 1748772000}]}`)
	}))

	ctx := context.Background()
	evs, err := c.RecentEvents(ctx, 41)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, int64(42), evs[0].Seq())
	assert.Equal(t, ws.FlexID("5"), evs[0].EntityID)
	assert.Equal(t, int64(1748772000), evs[0].Timestamp.Unix())

	bare.Store(true)
	evs, err = c.RecentEvents(ctx, 41)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "offline", evs[0].Action)
}

func TestRecentEventsMalformed(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>proxy error</html>`)
	}))

	_, err := c.RecentEvents(context.Background(), 0)
	assert.ErrorIs(t, err, ws.ErrMalformed)
}

func TestDecodeList(t *testing.T) {
	t.Parallel()
	var out []int
	require.NoError(t, decodeList([]byte(`{"items": null}`), "items", &out))
	assert.Nil(t, out)
	require.NoError(t, decodeList([]byte(`{"data": [1,2]}`), "items", &out))
	assert.Equal(t, []int{1, 2}, out)
	assert.Error(t, decodeList(nil, "items", &out))
}
