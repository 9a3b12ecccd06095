package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPChecker probes an HTTP endpoint and treats any 2xx as healthy. Pods
// expose two such endpoints on the sidecar port: /ready during boot and
// /health for the steady-state sweep.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker builds a checker for an arbitrary URL.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL: url,
		Client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// NewReadyChecker probes the readiness endpoint of the sidecar at addr
// (host:port).
func NewReadyChecker(addr string) *HTTPChecker {
	return NewHTTPChecker("http://" + addr + "/ready")
}

// NewHealthChecker probes the liveness endpoint of the sidecar at addr
// (host:port).
func NewHealthChecker(addr string) *HTTPChecker {
	return NewHTTPChecker("http://" + addr + "/health")
}

// WithTimeout sets the per-probe timeout.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	h.Client.Timeout = timeout
	return h
}

// Check performs one probe. Transport failures and non-2xx responses both
// come back unhealthy with the reason in Message.
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("failed to create request: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("request failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode >= 200 && resp.StatusCode < 300
	message := fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))

	return Result{
		Healthy:   healthy,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
