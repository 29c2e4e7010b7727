// Package wsremote delivers remote change-stream events over a websocket.
// It implements the subscription half of the remote store boundary; CRUD
// still goes through whatever transport the backend store uses.
package wsremote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	syncErrors "github.com/recsync/recsync/errors"
	"github.com/recsync/recsync/logging"
	"github.com/recsync/recsync/remote"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Config configures the feed.
type Config struct {
	// URL of the change-stream websocket endpoint.
	URL string `yaml:"url"`

	// ReconnectInitial is the first reconnect delay; it doubles per
	// consecutive failure up to ReconnectMax.
	ReconnectInitial time.Duration `yaml:"reconnectInitial"`
	ReconnectMax     time.Duration `yaml:"reconnectMax"`
}

func (c *Config) setDefaults() {
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = time.Minute
	}
}

// subscribeMessage is the client-to-server control frame.
type subscribeMessage struct {
	Action string `json:"action"`
	Table  string `json:"table"`
}

// Feed is a websocket client that dispatches incoming change events to
// per-table handlers and transparently reconnects, resubscribing every
// table after each reconnect.
type Feed struct {
	mu       sync.Mutex
	config   Config
	conn     *websocket.Conn
	handlers map[string]map[int]remote.Handler
	nextSub  int
	stopChan chan struct{}
	started  bool
	logger   *logging.Logger
}

// New creates a feed. Call Start to connect.
func New(config Config) *Feed {
	config.setDefaults()
	return &Feed{
		config:   config,
		handlers: make(map[string]map[int]remote.Handler),
		logger:   logging.WithComponent("wsfeed"),
	}
}

// Start dials the endpoint and begins the read loop. The first dial must
// succeed; later disconnects reconnect in the background.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	conn, err := f.dial(ctx)
	if err != nil {
		return syncErrors.NewConnectivityError(syncErrors.OpSubscribe,
			fmt.Errorf("dial %s: %w", f.config.URL, err))
	}

	f.mu.Lock()
	f.conn = conn
	f.stopChan = make(chan struct{})
	f.started = true
	stopChan := f.stopChan
	f.mu.Unlock()

	go f.readLoop(ctx, conn, stopChan)
	go f.pingLoop(conn, stopChan)
	return nil
}

// Close tears the connection down and stops reconnecting.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil
	}
	f.started = false
	close(f.stopChan)
	if f.conn != nil {
		f.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		return f.conn.Close()
	}
	return nil
}

// Subscribe registers a handler for one table's change events and tells the
// server to start streaming that table. The returned function unsubscribes.
func (f *Feed) Subscribe(ctx context.Context, table string, handler remote.Handler) (func(), error) {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return nil, syncErrors.NewConnectivityError(syncErrors.OpSubscribe,
			fmt.Errorf("feed is not connected"))
	}

	f.nextSub++
	id := f.nextSub
	first := len(f.handlers[table]) == 0
	if f.handlers[table] == nil {
		f.handlers[table] = make(map[int]remote.Handler)
	}
	f.handlers[table][id] = handler
	conn := f.conn
	f.mu.Unlock()

	if first {
		if err := f.send(conn, subscribeMessage{Action: "subscribe", Table: table}); err != nil {
			f.mu.Lock()
			delete(f.handlers[table], id)
			f.mu.Unlock()
			return nil, syncErrors.NewConnectivityError(syncErrors.OpSubscribe, err)
		}
	}

	return func() {
		f.mu.Lock()
		delete(f.handlers[table], id)
		last := len(f.handlers[table]) == 0
		conn := f.conn
		started := f.started
		f.mu.Unlock()

		if last && started && conn != nil {
			_ = f.send(conn, subscribeMessage{Action: "unsubscribe", Table: table})
		}
	}, nil
}

func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, f.config.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return conn, nil
}

func (f *Feed) send(conn *websocket.Conn, msg interface{}) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn, stopChan chan struct{}) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopChan:
				return
			case <-ctx.Done():
				return
			default:
			}
			f.logger.Warn("change stream disconnected", "error", err.Error())
			f.reconnect(ctx, stopChan)
			return
		}

		var event remote.ChangeEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			f.logger.Warn("dropping undecodable change frame", "error", err.Error())
			continue
		}
		f.dispatch(event)
	}
}

func (f *Feed) dispatch(event remote.ChangeEvent) {
	f.mu.Lock()
	handlers := make([]remote.Handler, 0, len(f.handlers[event.Table]))
	for _, h := range f.handlers[event.Table] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		func(h remote.Handler) {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("change handler panic", "panic", r)
				}
			}()
			h(event)
		}(h)
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn, stopChan chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stopChan:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reconnect redials with doubling delays and resubscribes every table that
// still has handlers.
func (f *Feed) reconnect(ctx context.Context, stopChan chan struct{}) {
	delay := f.config.ReconnectInitial
	for {
		select {
		case <-stopChan:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := f.dial(ctx)
		if err != nil {
			f.logger.Warn("reconnect failed", "error", err.Error(), "next_delay", delay.String())
			delay *= 2
			if delay > f.config.ReconnectMax {
				delay = f.config.ReconnectMax
			}
			continue
		}

		f.mu.Lock()
		if !f.started {
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.conn = conn
		tables := make([]string, 0, len(f.handlers))
		for table, hs := range f.handlers {
			if len(hs) > 0 {
				tables = append(tables, table)
			}
		}
		f.mu.Unlock()

		for _, table := range tables {
			if err := f.send(conn, subscribeMessage{Action: "subscribe", Table: table}); err != nil {
				f.logger.Warn("resubscribe failed", "table", table, "error", err.Error())
			}
		}

		f.logger.Info("change stream reconnected", "tables", tables)
		go f.readLoop(ctx, conn, stopChan)
		go f.pingLoop(conn, stopChan)
		return
	}
}

// Store combines a CRUD backend with a feed's change stream into one
// remote.Store.
type Store struct {
	remote.Store
	feed *Feed
}

// WithFeed returns a remote.Store whose Subscribe goes through the feed.
func WithFeed(base remote.Store, feed *Feed) *Store {
	return &Store{Store: base, feed: feed}
}

// Subscribe delegates to the websocket feed.
func (s *Store) Subscribe(ctx context.Context, table string, handler remote.Handler) (func(), error) {
	return s.feed.Subscribe(ctx, table, handler)
}
