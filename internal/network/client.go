package network

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sharding-experiment/sandbox/config"
)

// RequestIDHeader carries a per-request id that the sandbox server echoes
// into its logs.
const RequestIDHeader = "X-Request-Id"

// NewHTTPClient creates an HTTP client for talking to a sandbox node, with
// optional latency simulation. Every request is tagged with a fresh request id.
func NewHTTPClient(cfg config.NetworkConfig, timeout time.Duration) *http.Client {
	var transport http.RoundTripper = http.DefaultTransport

	if cfg.DelayEnabled {
		transport = NewDelayedRoundTripper(transport, DelayConfigFrom(cfg))
	}
	if timeout <= 0 && cfg.TimeoutMs > 0 {
		timeout = time.Duration(cfg.TimeoutMs) * time.Millisecond
	}

	return &http.Client{
		Transport: &requestIDTransport{base: transport},
		Timeout:   timeout,
	}
}

type requestIDTransport struct {
	base http.RoundTripper
}

func (t *requestIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(RequestIDHeader) != "" {
		return t.base.RoundTrip(req)
	}
	// RoundTrippers must not modify the caller's request.
	r := req.Clone(req.Context())
	r.Header.Set(RequestIDHeader, uuid.New().String())
	return t.base.RoundTrip(r)
}
