package network

import (
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sharding-experiment/sandbox/config"
)

// DelayConfig is the latency added to every request sent to a node.
type DelayConfig struct {
	Enabled  bool
	MinDelay time.Duration
	MaxDelay time.Duration
}

// DelayConfigFrom converts the millisecond settings of cfg.
func DelayConfigFrom(cfg config.NetworkConfig) DelayConfig {
	return DelayConfig{
		Enabled:  cfg.DelayEnabled,
		MinDelay: time.Duration(cfg.MinDelayMs) * time.Millisecond,
		MaxDelay: time.Duration(cfg.MaxDelayMs) * time.Millisecond,
	}
}

// DelayedRoundTripper wraps http.RoundTripper with configurable delays, so
// tests can run a sandbox behind a slow link.
type DelayedRoundTripper struct {
	base   http.RoundTripper
	config DelayConfig
	mu     sync.Mutex
	rng    *rand.Rand
}

// NewDelayedRoundTripper creates a new DelayedRoundTripper.
// If base is nil, http.DefaultTransport is used.
func NewDelayedRoundTripper(base http.RoundTripper, config DelayConfig) *DelayedRoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &DelayedRoundTripper{
		base:   base,
		config: config,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RoundTrip adds a delay before the actual request. The wait ends early
// when the request context is cancelled.
func (d *DelayedRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if d.config.Enabled {
		timer := time.NewTimer(d.calculateDelay())
		select {
		case <-timer.C:
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		}
	}
	return d.base.RoundTrip(req)
}

// calculateDelay picks a delay in [MinDelay, MaxDelay).
func (d *DelayedRoundTripper) calculateDelay() time.Duration {
	lo, hi := d.config.MinDelay, d.config.MaxDelay
	if hi <= lo {
		return lo
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return lo + time.Duration(d.rng.Int63n(int64(hi-lo)))
}
