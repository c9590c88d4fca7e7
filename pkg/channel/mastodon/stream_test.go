package mastodon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"psychbot/pkg/bus"
	"psychbot/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type streamRequest struct {
	path   string
	stream string
	auth   string
}

// newStreamServer upgrades every request and runs serve on the connection.
func newStreamServer(t *testing.T, serve func(*websocket.Conn)) (*httptest.Server, <-chan streamRequest) {
	t.Helper()

	requests := make(chan streamRequest, 4)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- streamRequest{
			path:   r.URL.Path,
			stream: r.URL.Query().Get("stream"),
			auth:   r.Header.Get("Authorization"),
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(server.Close)
	return server, requests
}

type collector struct {
	mu     sync.Mutex
	events []bus.InboundEvent
}

func (c *collector) handle(_ context.Context, ev bus.InboundEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []bus.InboundEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.InboundEvent(nil), c.events...)
}

func TestStreamingEndpoint(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "https://example.social", want: "wss://example.social/api/v1/streaming?stream=user%3Anotification"},
		{base: "http://127.0.0.1:3000/", want: "ws://127.0.0.1:3000/api/v1/streaming?stream=user%3Anotification"},
		{base: "wss://streaming.example.social/api/v1/streaming", want: "wss://streaming.example.social/api/v1/streaming?stream=user%3Anotification"},
		{base: "", wantErr: true},
		{base: "ftp://example.social", wantErr: true},
	}

	for _, tt := range tests {
		got, err := streamingEndpoint(tt.base, StreamUserNotification)
		if tt.wantErr {
			require.Error(t, err, tt.base)
			continue
		}
		require.NoError(t, err, tt.base)
		require.Equal(t, tt.want, got)
	}
}

func TestStreamForMode(t *testing.T) {
	require.Equal(t, StreamUserNotification, StreamForMode(config.ModeMention))
	require.Equal(t, StreamPublicLocal, StreamForMode(config.ModePublic))
}

func TestStreamDeliversEventsInOrderAndFailsOnDisconnect(t *testing.T) {
	first := statusJSON("101", "42", "sender", "<p>first</p>", "direct")
	second := statusJSON("102", "43", "other", "<p>second</p>", "direct")

	server, requests := newStreamServer(t, func(conn *websocket.Conn) {
		frames := [][]byte{
			frame(t, "notification", map[string]any{"id": "1", "type": "mention", "status": first}),
			frame(t, "notification", map[string]any{"id": "2", "type": "favourite", "status": first}),
			[]byte("garbage"),
			frame(t, "delete", "101"),
			frame(t, "notification", map[string]any{"id": "3", "type": "mention", "status": second}),
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
				return
			}
		}
		// Returning closes the connection without a close frame.
	})

	stream, err := NewStream(config.MastodonConfig{BaseURL: server.URL, AccessToken: "token-1"}, StreamUserNotification, nil)
	require.NoError(t, err)
	require.Equal(t, "mastodon", stream.Name())

	var got collector
	err = stream.Run(context.Background(), got.handle)
	require.Error(t, err, "a dropped connection ends the run with an error")

	req := <-requests
	require.Equal(t, "/api/v1/streaming", req.path)
	require.Equal(t, StreamUserNotification, req.stream)
	require.Equal(t, "Bearer token-1", req.auth)

	events := got.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, "101", events[0].StatusID)
	require.Equal(t, "102", events[1].StatusID)
	require.Equal(t, bus.KindMention, events[1].Kind)
}

func TestStreamReturnsNilOnCancel(t *testing.T) {
	server, _ := newStreamServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	stream, err := NewStream(config.MastodonConfig{BaseURL: server.URL, AccessToken: "token-1"}, StreamPublicLocal, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- stream.Run(ctx, func(context.Context, bus.InboundEvent) {})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestStreamHandlerSeesEachEventBeforeNextRead(t *testing.T) {
	release := make(chan struct{})
	server, _ := newStreamServer(t, func(conn *websocket.Conn) {
		for _, id := range []string{"1", "2"} {
			status := statusJSON(id, "42", "sender", "<p>x</p>", "public")
			if err := conn.WriteMessage(websocket.TextMessage, frame(t, "update", status)); err != nil {
				return
			}
		}
		<-release
	})

	stream, err := NewStream(config.MastodonConfig{BaseURL: server.URL, AccessToken: "t"}, StreamPublicLocal, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	active, maxActive := 0, 0
	var seen []string
	handler := func(_ context.Context, ev bus.InboundEvent) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		seen = append(seen, ev.StatusID)
		done := len(seen) == 2
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		if done {
			close(release)
		}
	}

	_ = stream.Run(context.Background(), handler)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"1", "2"}, seen)
	require.Equal(t, 1, maxActive)
}

func TestStreamConnectFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(server.Close)

	stream, err := NewStream(config.MastodonConfig{BaseURL: server.URL, AccessToken: "bad"}, StreamUserNotification, nil)
	require.NoError(t, err)

	err = stream.Run(context.Background(), func(context.Context, bus.InboundEvent) {})
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "401"), err.Error())
}

func TestNewStreamRequiresToken(t *testing.T) {
	_, err := NewStream(config.MastodonConfig{BaseURL: "https://example.social"}, StreamUserNotification, nil)
	require.Error(t, err)
}
