// Package httpremote talks to a REST-style remote record store. A stale
// write is signaled by the backend with 409 Conflict and the current
// remote record as the response body; it surfaces as a divergence error
// carrying that record.
package httpremote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	syncErrors "github.com/recsync/recsync/errors"
	"github.com/recsync/recsync/remote"
)

// Config configures the store.
type Config struct {
	// BaseURL is the API root; tables map to {BaseURL}/{table}.
	BaseURL string `yaml:"base_url"`

	// Token, when set, is sent as a bearer token.
	Token string `yaml:"token"`

	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// Store is the HTTP-backed half of the remote boundary. It has no change
// stream; combine it with a websocket feed for push notifications.
type Store struct {
	config Config
	client *http.Client
}

// New creates a store.
func New(config Config) *Store {
	config.setDefaults()
	return &Store{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

var _ remote.Store = (*Store)(nil)

// Insert creates a record.
func (s *Store) Insert(ctx context.Context, table string, record remote.Record) error {
	return s.write(ctx, http.MethodPost, s.tableURL(table), record)
}

// Update replaces a record.
func (s *Store) Update(ctx context.Context, table string, record remote.Record) error {
	return s.write(ctx, http.MethodPatch, s.recordURL(table, record.ID()), record)
}

// Delete removes a record.
func (s *Store) Delete(ctx context.Context, table string, id string) error {
	return s.write(ctx, http.MethodDelete, s.recordURL(table, id), nil)
}

// Fetch retrieves the current remote version of a record.
func (s *Store) Fetch(ctx context.Context, table string, id string) (remote.Record, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.recordURL(table, id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, syncErrors.NewConnectivityError(syncErrors.OpLoad, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.statusError(syncErrors.OpLoad, resp)
	}

	var record remote.Record
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, syncErrors.New(syncErrors.OpLoad, fmt.Errorf("decode record: %w", err))
	}
	return record, nil
}

// Subscribe is unsupported over plain HTTP.
func (s *Store) Subscribe(ctx context.Context, table string, handler remote.Handler) (func(), error) {
	return nil, syncErrors.New(syncErrors.OpSubscribe,
		fmt.Errorf("http remote has no change stream"))
}

func (s *Store) write(ctx context.Context, method, endpoint string, record remote.Record) error {
	var body io.Reader
	if record != nil {
		payload, err := json.Marshal(record)
		if err != nil {
			return syncErrors.NewValidationError(syncErrors.OpApply,
				fmt.Errorf("encode record: %w", err))
		}
		body = bytes.NewReader(payload)
	}

	req, err := s.newRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return syncErrors.NewConnectivityError(syncErrors.OpApply, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		var current remote.Record
		if err := json.NewDecoder(resp.Body).Decode(&current); err != nil {
			current = nil
		}
		return syncErrors.NewDivergenceError(syncErrors.OpApply,
			fmt.Errorf("remote record is newer"), current)
	default:
		return s.statusError(syncErrors.OpApply, resp)
	}
}

func (s *Store) statusError(op syncErrors.Operation, resp *http.Response) error {
	err := fmt.Errorf("remote returned %s", resp.Status)
	// Server-side trouble is worth retrying; client errors are not.
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return syncErrors.WrapOpComponentKind(err, op, "remote", syncErrors.KindConnectivity)
	}
	return syncErrors.New(op, err)
}

func (s *Store) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpApply, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}
	return req, nil
}

func (s *Store) tableURL(table string) string {
	return s.config.BaseURL + "/" + url.PathEscape(table)
}

func (s *Store) recordURL(table, id string) string {
	return s.tableURL(table) + "/" + url.PathEscape(id)
}
