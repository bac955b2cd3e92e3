package netwatch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Probe checks whether the remote service is reachable.
type Probe interface {
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context) error

// Check implements Probe.
func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// HTTPProbe issues a request and treats any response below 500 as online.
// A 4xx still proves the service is reachable.
type HTTPProbe struct {
	URL string

	// Method defaults to HEAD.
	Method string

	// Client defaults to http.DefaultClient. The timeout comes from the
	// Monitor's context.
	Client *http.Client
}

// Check implements Probe.
func (p *HTTPProbe) Check(ctx context.Context) error {
	method := p.Method
	if method == "" {
		method = http.MethodHead
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, method, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s failed: %w", p.URL, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe %s: status %d", p.URL, resp.StatusCode)
	}
	return nil
}

// DialProbe opens a TCP connection to Address (host:port).
type DialProbe struct {
	Address string
}

// Check implements Probe.
func (p *DialProbe) Check(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return fmt.Errorf("dial %s failed: %w", p.Address, err)
	}
	return conn.Close()
}
