// Package connectivity determines whether the device's network link is up
// and whether the remote store is actually reachable. The two signals are
// independent: a device can report "online" while the backend is down for
// maintenance, and conflating them causes operations to be attempted and
// fail repeatedly instead of being held locally.
package connectivity

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	syncErrors "github.com/recsync/recsync/errors"
	"github.com/recsync/recsync/internal/dispatch"
	"github.com/recsync/recsync/logging"
)

// Status is a snapshot of both connectivity signals.
type Status struct {
	IsOnline          bool      `json:"isOnline"`
	IsRemoteReachable bool      `json:"isRemoteReachable"`
	LastChecked       time.Time `json:"lastChecked"`
}

// LinkChecker reports the local network-link signal.
type LinkChecker interface {
	Online(ctx context.Context) bool
}

// Pinger reports remote-store reachability. It must return within the
// probe's timeout to count as reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config configures the probe.
type Config struct {
	// Interval between periodic probes.
	Interval time.Duration

	// Timeout bounds a single remote reachability check.
	Timeout time.Duration

	// PingURL is the endpoint the default Pinger issues HEAD requests to.
	PingURL string
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

// Probe tracks connectivity and notifies subscribers on transitions.
type Probe struct {
	mu       sync.RWMutex
	config   Config
	link     LinkChecker
	pinger   Pinger
	status   Status
	notifier *dispatch.Notifier[Status]
	stopChan chan struct{}
	logger   *logging.Logger
}

// Option customizes a Probe.
type Option func(*Probe)

// WithLinkChecker overrides the local-link signal source.
func WithLinkChecker(link LinkChecker) Option {
	return func(p *Probe) { p.link = link }
}

// WithPinger overrides the remote reachability check.
func WithPinger(pinger Pinger) Option {
	return func(p *Probe) { p.pinger = pinger }
}

// New creates a probe. Call Start to begin periodic checking.
func New(config Config, opts ...Option) *Probe {
	config.setDefaults()
	p := &Probe{
		config:   config,
		link:     &interfaceLinkChecker{},
		pinger:   &httpPinger{url: config.PingURL},
		notifier: dispatch.NewNotifier[Status]("probe"),
		logger:   logging.WithComponent("probe"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// IsOnline reports the last observed local network-link signal.
func (p *Probe) IsOnline() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.IsOnline
}

// IsRemoteReachable reports whether the last probe of the remote store
// succeeded within the timeout.
func (p *Probe) IsRemoteReachable() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.IsRemoteReachable
}

// CanAttemptOperations is the sole gate the orchestrator consults before
// attempting a network write. True only when the link is up and the remote
// store answered its last probe.
func (p *Probe) CanAttemptOperations() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status.IsOnline && p.status.IsRemoteReachable
}

// GetStatus returns the current status snapshot.
func (p *Probe) GetStatus() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// OnStatusChange subscribes to connectivity transitions. The callback fires
// only when either flag changes, in transition order. The returned function
// unsubscribes.
func (p *Probe) OnStatusChange(cb func(Status)) func() {
	return p.notifier.Subscribe(cb)
}

// CheckNow runs a probe immediately and returns the resulting status.
func (p *Probe) CheckNow(ctx context.Context) Status {
	online := p.link.Online(ctx)

	reachable := false
	if online {
		pingCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		err := p.pinger.Ping(pingCtx)
		cancel()
		reachable = err == nil
		if err != nil {
			p.logger.Debug("remote ping failed", "error", err.Error())
		}
	}

	p.mu.Lock()
	prev := p.status
	p.status = Status{
		IsOnline:          online,
		IsRemoteReachable: reachable,
		LastChecked:       time.Now(),
	}
	current := p.status
	changed := prev.IsOnline != current.IsOnline || prev.IsRemoteReachable != current.IsRemoteReachable
	p.mu.Unlock()

	if changed {
		p.logger.Info("connectivity changed",
			"online", current.IsOnline,
			"remote_reachable", current.IsRemoteReachable)
		p.notifier.Publish(current)
	}
	return current
}

// Start begins the periodic probe loop. It returns immediately; the first
// probe runs right away in the background.
func (p *Probe) Start(ctx context.Context) {
	p.mu.Lock()
	if p.stopChan != nil {
		p.mu.Unlock()
		return
	}
	stopChan := make(chan struct{})
	p.stopChan = stopChan
	p.mu.Unlock()

	go func() {
		p.CheckNow(ctx)

		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopChan:
				return
			case <-ticker.C:
				p.CheckNow(ctx)
			}
		}
	}()
}

// Stop halts the periodic probe loop.
func (p *Probe) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopChan != nil {
		close(p.stopChan)
		p.stopChan = nil
	}
}

// interfaceLinkChecker reports online when any non-loopback interface is up
// with an assigned address.
type interfaceLinkChecker struct{}

func (c *interfaceLinkChecker) Online(ctx context.Context) bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err == nil && len(addrs) > 0 {
			return true
		}
	}
	return false
}

// httpPinger issues a HEAD request against the configured URL.
type httpPinger struct {
	url    string
	client http.Client
}

func (p *httpPinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return syncErrors.NewRetryable(syncErrors.OpProbe, err)
	}
	resp.Body.Close()
	return nil
}
