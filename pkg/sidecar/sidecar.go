package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

// ExecuteRequest is the wire request for POST /execute. Args is opaque JSON
// passed through to the agent unchanged.
type ExecuteRequest struct {
	ExecutionID  string          `json:"execution_id,omitempty"`
	Code         string          `json:"code"`
	Language     string          `json:"language"`
	Files        []string        `json:"files,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	InitialState string          `json:"initial_state,omitempty"`
	CaptureState bool            `json:"capture_state"`
	Timeout      int             `json:"timeout"`
}

// ExecuteResult is the wire response from POST /execute. State, when present,
// is a base64 blob the orchestrator never inspects.
type ExecuteResult struct {
	ExitCode        int      `json:"exit_code"`
	Stdout          string   `json:"stdout"`
	Stderr          string   `json:"stderr"`
	ExecutionTimeMS int64    `json:"execution_time_ms"`
	State           string   `json:"state,omitempty"`
	StateErrors     []string `json:"state_errors,omitempty"`
	PeakMemoryMB    float64  `json:"peak_memory_mb,omitempty"`
}

// FileEntry is one row of the GET /files listing.
type FileEntry struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
}

// Client speaks JSON over HTTP/1.1 to the sidecar of any pod; the pod's
// address is passed per call, so one Client serves every pod. Safe for
// concurrent use.
type Client struct {
	http  *http.Client
	grace time.Duration
}

// New builds a Client. grace is the slack added on top of the code timeout
// for the /execute round trip; crossing code timeout + grace means the
// sidecar itself has stopped answering.
func New(grace time.Duration) *Client {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Client{
		// No client-level timeout: each call carries its own deadline via
		// context, and /execute legitimately runs for minutes.
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 0,
			},
		},
		grace: grace,
	}
}

func baseURL(addr string) string {
	return "http://" + addr
}

// Execute runs code on the pod at addr. The call's deadline is the request
// timeout plus the configured grace, bounded by ctx. A transport failure
// before any response byte surfaces as Unavailable and is safe to retry
// against the same pod; any HTTP 5xx is terminal for this call.
func (c *Client) Execute(ctx context.Context, addr string, req *ExecuteRequest) (*ExecuteResult, error) {
	deadline := time.Duration(req.Timeout)*time.Second + c.grace
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("sidecar execute: failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(addr)+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sidecar execute: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, transportErr("execute", addr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		// Headers arrived but the body did not; the agent may have started
		// the code, so this is NOT safe to retry.
		return nil, fmt.Errorf("sidecar execute %s: truncated response: %v: %w", addr, err, errdefs.ErrInternal)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("sidecar execute %s: HTTP %d: %s: %w", addr, resp.StatusCode, snippet(data), errdefs.ErrInternal)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("sidecar execute %s: HTTP %d: %s: %w", addr, resp.StatusCode, snippet(data), errdefs.ErrInvalidArgument)
	}

	var result ExecuteResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("sidecar execute %s: failed to decode response: %v: %w", addr, err, errdefs.ErrInternal)
	}
	return &result, nil
}

// Cancel asks the sidecar to abort a running execution. Best-effort: callers
// treat any error as advisory.
func (c *Client) Cancel(ctx context.Context, addr, executionID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		baseURL(addr)+"/execute/"+url.PathEscape(executionID), nil)
	if err != nil {
		return fmt.Errorf("sidecar cancel: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr("cancel", addr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("sidecar cancel %s: HTTP %d: %w", addr, resp.StatusCode, errdefs.ErrInternal)
	}
	return nil
}

// UploadFile stages a file into the pod's working directory via multipart
// POST /files.
func (c *Client) UploadFile(ctx context.Context, addr, filename string, content io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("filename", filename); err != nil {
		return fmt.Errorf("sidecar upload %s: %w", filename, err)
	}
	part, err := mw.CreateFormFile("content", filename)
	if err != nil {
		return fmt.Errorf("sidecar upload %s: %w", filename, err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return fmt.Errorf("sidecar upload %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("sidecar upload %s: %w", filename, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(addr)+"/files", &buf)
	if err != nil {
		return fmt.Errorf("sidecar upload %s: %w", filename, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr("upload", addr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("sidecar upload %s to %s: HTTP %d: %w", filename, addr, resp.StatusCode, errdefs.ErrInternal)
	}
	return nil
}

// ListFiles returns the pod working directory listing.
func (c *Client) ListFiles(ctx context.Context, addr string) ([]FileEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(addr)+"/files", nil)
	if err != nil {
		return nil, fmt.Errorf("sidecar list files: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr("list files", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("sidecar list files %s: HTTP %d: %w", addr, resp.StatusCode, errdefs.ErrInternal)
	}
	var listing struct {
		Files []FileEntry `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("sidecar list files %s: failed to decode: %w", addr, err)
	}
	return listing.Files, nil
}

// DownloadFile fetches one file from the pod working directory.
func (c *Client) DownloadFile(ctx context.Context, addr, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		baseURL(addr)+"/files/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, fmt.Errorf("sidecar download %s: %w", name, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportErr("download", addr, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("sidecar download %s from %s: %w", name, addr, errdefs.ErrNotFound)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("sidecar download %s from %s: HTTP %d: %w", name, addr, resp.StatusCode, errdefs.ErrInternal)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("sidecar download %s from %s: %w", name, addr, err)
	}
	return data, nil
}

// DeleteFile removes one file from the pod working directory.
func (c *Client) DeleteFile(ctx context.Context, addr, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		baseURL(addr)+"/files/"+url.PathEscape(name), nil)
	if err != nil {
		return fmt.Errorf("sidecar delete file %s: %w", name, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr("delete file", addr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("sidecar delete file %s on %s: HTTP %d: %w", name, addr, resp.StatusCode, errdefs.ErrInternal)
	}
	return nil
}

// Ready probes GET /ready. Used while a pod boots; failures are expected and
// map to Unavailable.
func (c *Client) Ready(ctx context.Context, addr string) error {
	return c.probe(ctx, addr, "/ready")
}

// Health probes GET /health on an idle pod.
func (c *Client) Health(ctx context.Context, addr string) error {
	return c.probe(ctx, addr, "/health")
}

func (c *Client) probe(ctx context.Context, addr, path string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(addr)+path, nil)
	if err != nil {
		return fmt.Errorf("sidecar %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return transportErr(path, addr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar %s %s: HTTP %d: %w", path, addr, resp.StatusCode, errdefs.ErrUnavailable)
	}
	return nil
}

// transportErr classifies failures where no response arrived: connection
// refused, unreachable host, timeout. All map to Unavailable; the caller
// decides whether its operation is safe to retry.
func transportErr(op, addr string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("sidecar %s %s: %w", op, addr, context.Canceled)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("sidecar %s %s: %v: %w", op, addr, err, errdefs.ErrUnavailable)
	}
	return fmt.Errorf("sidecar %s %s: %v: %w", op, addr, err, errdefs.ErrUnavailable)
}

func snippet(data []byte) string {
	const max = 200
	s := strings.TrimSpace(string(data))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
