package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"github.com/kilnhq/kiln/pkg/runner"
	"github.com/kilnhq/kiln/pkg/types"
)

// Client is a typed HTTP client for the kiln API. Calls carry their own
// context; the client sets no transport timeout because /exec legitimately
// runs for minutes.
type Client struct {
	base string
	http *http.Client
}

// New builds a client for the daemon at baseURL, e.g. "http://localhost:8000".
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{},
	}
}

// Exec runs code and waits for the result.
func (c *Client) Exec(ctx context.Context, req *runner.Request) (*runner.Response, error) {
	var resp runner.Response
	if err := c.do(ctx, http.MethodPost, "/exec", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateSessionOptions mirrors the POST /sessions body.
type CreateSessionOptions struct {
	ID       string            `json:"id,omitempty"`
	EntityID string            `json:"entity_id,omitempty"`
	TTLSec   int               `json:"ttl_sec,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (c *Client) CreateSession(ctx context.Context, opts CreateSessionOptions) (*types.Session, error) {
	var sess types.Session
	if err := c.do(ctx, http.MethodPost, "/sessions", opts, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*types.Session, error) {
	var sess types.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions returns up to limit sessions, optionally filtered by entity.
func (c *Client) ListSessions(ctx context.Context, entityID string, limit, offset int) ([]*types.Session, error) {
	q := url.Values{}
	if entityID != "" {
		q.Set("entity_id", entityID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/sessions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Sessions []*types.Session `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListFiles(ctx context.Context, sessionID string) ([]types.FileInfo, error) {
	var out struct {
		Files []types.FileInfo `json:"files"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/files", nil, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// Presigned is a minted direct object-store URL.
type Presigned struct {
	FileID    string    `json:"file_id"`
	Filename  string    `json:"filename,omitempty"`
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PresignUpload registers a file on the session and returns the PUT URL to
// push its bytes to.
func (c *Client) PresignUpload(ctx context.Context, sessionID, filename, contentType string, size int64) (*Presigned, error) {
	body := map[string]interface{}{"filename": filename}
	if contentType != "" {
		body["content_type"] = contentType
	}
	if size > 0 {
		body["size"] = size
	}

	var p Presigned
	if err := c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/files/presign", body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) PresignDownload(ctx context.Context, sessionID, fileID string) (*Presigned, error) {
	var p Presigned
	path := "/files/" + url.PathEscape(sessionID) + "/" + url.PathEscape(fileID) + "/presign"
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveState stores base64-encoded interpreter state for a session.
func (c *Client) SaveState(ctx context.Context, sessionID, encoded string) (*types.StateInfo, error) {
	var info types.StateInfo
	body := map[string]string{"state": encoded}
	if err := c.do(ctx, http.MethodPut, "/state/"+url.PathEscape(sessionID), body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// LoadState fetches and decodes a session's interpreter state.
func (c *Client) LoadState(ctx context.Context, sessionID string) ([]byte, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/state/"+url.PathEscape(sessionID), nil, &out); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(out.State)
	if err != nil {
		return nil, fmt.Errorf("kiln api: state payload is not base64: %v: %w", err, errdefs.ErrInternal)
	}
	return data, nil
}

func (c *Client) StateInfo(ctx context.Context, sessionID string) (*types.StateInfo, error) {
	var info types.StateInfo
	if err := c.do(ctx, http.MethodGet, "/state/"+url.PathEscape(sessionID)+"/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) DeleteState(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/state/"+url.PathEscape(sessionID), nil, nil)
}

func (c *Client) GetExecution(ctx context.Context, id string) (*types.Execution, error) {
	var exec types.Execution
	if err := c.do(ctx, http.MethodGet, "/executions/"+url.PathEscape(id), nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (c *Client) ListExecutions(ctx context.Context, sessionID string, limit int) ([]*types.Execution, error) {
	path := "/sessions/" + url.PathEscape(sessionID) + "/executions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Executions []*types.Execution `json:"executions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

// Healthy reports whether the daemon answers its liveness probe.
func (c *Client) Healthy(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("kiln api: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("kiln api: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("kiln api %s %s: %v: %w", method, path, err, errdefs.ErrUnavailable)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= http.StatusBadRequest {
		return decodeError(res)
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("kiln api %s %s: decode response: %v: %w", method, path, err, errdefs.ErrInternal)
	}
	return nil
}

// decodeError rehydrates the server's error envelope into the matching
// sentinel so callers keep using errdefs checks across the wire.
func decodeError(res *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		return fmt.Errorf("%s: %w", body.Error.Message, sentinelFor(body.Error.Code))
	}
	return fmt.Errorf("kiln api: HTTP %d: %s: %w",
		res.StatusCode, strings.TrimSpace(string(data)), sentinelForStatus(res.StatusCode))
}

func sentinelFor(code string) error {
	switch code {
	case "invalid_argument":
		return errdefs.ErrInvalidArgument
	case "not_found":
		return errdefs.ErrNotFound
	case "already_exists":
		return errdefs.ErrAlreadyExists
	case "failed_precondition":
		return errdefs.ErrFailedPrecondition
	case "resource_exhausted":
		return errdefs.ErrResourceExhausted
	case "unavailable":
		return errdefs.ErrUnavailable
	case "timeout":
		return context.DeadlineExceeded
	default:
		return errdefs.ErrInternal
	}
}

func sentinelForStatus(status int) error {
	switch status {
	case http.StatusBadRequest:
		return errdefs.ErrInvalidArgument
	case http.StatusNotFound:
		return errdefs.ErrNotFound
	case http.StatusConflict:
		return errdefs.ErrAlreadyExists
	case http.StatusRequestEntityTooLarge:
		return errdefs.ErrResourceExhausted
	case http.StatusServiceUnavailable:
		return errdefs.ErrUnavailable
	case http.StatusGatewayTimeout:
		return context.DeadlineExceeded
	default:
		return errdefs.ErrInternal
	}
}
