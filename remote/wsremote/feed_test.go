package wsremote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recsync/recsync/remote"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamServer is a minimal change-stream endpoint: it records subscribe
// frames and pushes whatever events the test hands it.
type streamServer struct {
	*httptest.Server
	subscribed chan subscribeMessage
	events     chan remote.ChangeEvent
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	s := &streamServer{
		subscribed: make(chan subscribeMessage, 8),
		events:     make(chan remote.ChangeEvent, 8),
	}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for ev := range s.events {
				payload, _ := json.Marshal(ev)
				conn.WriteMessage(websocket.TextMessage, payload)
			}
		}()

		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg subscribeMessage
			if json.Unmarshal(payload, &msg) == nil {
				s.subscribed <- msg
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *streamServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestFeedDeliversEventsPerTable(t *testing.T) {
	srv := newStreamServer(t)
	feed := New(Config{URL: srv.wsURL()})
	require.NoError(t, feed.Start(context.Background()))
	defer feed.Close()

	events := make(chan remote.ChangeEvent, 8)
	unsubscribe, err := feed.Subscribe(context.Background(), "recipes", func(ev remote.ChangeEvent) {
		events <- ev
	})
	require.NoError(t, err)
	defer unsubscribe()

	select {
	case msg := <-srv.subscribed:
		assert.Equal(t, "subscribe", msg.Action)
		assert.Equal(t, "recipes", msg.Table)
	case <-time.After(time.Second):
		t.Fatal("server never saw the subscribe frame")
	}

	srv.events <- remote.ChangeEvent{
		Type: remote.EventInsert, Table: "recipes",
		New: remote.Record{"id": "r1", "name": "Soup"},
	}
	// Events for other tables are not delivered to this handler.
	srv.events <- remote.ChangeEvent{
		Type: remote.EventInsert, Table: "pantry",
		New: remote.Record{"id": "p1"},
	}

	select {
	case ev := <-events:
		assert.Equal(t, remote.EventInsert, ev.Type)
		assert.Equal(t, "r1", ev.RecordID())
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected cross-table event for %q", ev.Table)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeBeforeStartFails(t *testing.T) {
	feed := New(Config{URL: "ws://127.0.0.1:1/stream"})
	_, err := feed.Subscribe(context.Background(), "recipes", func(remote.ChangeEvent) {})
	require.Error(t, err)
}

func TestStartFailsWhenUnreachable(t *testing.T) {
	feed := New(Config{URL: "ws://127.0.0.1:1/stream"})
	err := feed.Start(context.Background())
	require.Error(t, err)
}

func TestUnsubscribeSendsControlFrame(t *testing.T) {
	srv := newStreamServer(t)
	feed := New(Config{URL: srv.wsURL()})
	require.NoError(t, feed.Start(context.Background()))
	defer feed.Close()

	unsubscribe, err := feed.Subscribe(context.Background(), "recipes", func(remote.ChangeEvent) {})
	require.NoError(t, err)
	<-srv.subscribed

	unsubscribe()
	select {
	case msg := <-srv.subscribed:
		assert.Equal(t, "unsubscribe", msg.Action)
	case <-time.After(time.Second):
		t.Fatal("server never saw the unsubscribe frame")
	}
}

func TestWithFeedRoutesSubscriptions(t *testing.T) {
	srv := newStreamServer(t)
	feed := New(Config{URL: srv.wsURL()})
	require.NoError(t, feed.Start(context.Background()))
	defer feed.Close()

	combined := WithFeed(remote.NewMemoryStore(), feed)

	_, err := combined.Subscribe(context.Background(), "recipes", func(remote.ChangeEvent) {})
	require.NoError(t, err)

	select {
	case msg := <-srv.subscribed:
		assert.Equal(t, "recipes", msg.Table)
	case <-time.After(time.Second):
		t.Fatal("subscription did not go through the feed")
	}
}
