package runner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/events"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/metrics"
	"github.com/kilnhq/kiln/pkg/objstore"
	"github.com/kilnhq/kiln/pkg/pool"
	"github.com/kilnhq/kiln/pkg/session"
	"github.com/kilnhq/kiln/pkg/sidecar"
	"github.com/kilnhq/kiln/pkg/types"
)

// SessionStore is the slice of the session store the runner uses.
// *session.Store implements it.
type SessionStore interface {
	Create(ctx context.Context, opts session.CreateOptions) (*types.Session, error)
	Touch(ctx context.Context, id string) (*types.Session, error)
	ListFiles(ctx context.Context, sessionID string) ([]types.FileInfo, error)
	AppendExecution(ctx context.Context, exec *types.Execution) error
}

// StateStore persists interpreter state between executions. *state.Service
// implements it.
type StateStore interface {
	Save(ctx context.Context, id, encoded string) (*types.StateInfo, error)
	Load(ctx context.Context, id string) ([]byte, error)
}

// PodController is the warm path. *pool.Pool implements it.
type PodController interface {
	Acquire(ctx context.Context, language string) (*types.PodHandle, error)
	MarkExecuting(uid string)
	Release(ctx context.Context, uid string, ok bool) error
}

// JobRunner is the cold path for unpooled languages. *lifecycle.Manager
// implements it.
type JobRunner interface {
	CreateJobPod(ctx context.Context, language, sessionID string) (*types.PodHandle, string, error)
	DeleteJob(ctx context.Context, name string) error
}

// SidecarTransport speaks to the in-pod sidecar. *sidecar.Client
// implements it.
type SidecarTransport interface {
	Execute(ctx context.Context, addr string, req *sidecar.ExecuteRequest) (*sidecar.ExecuteResult, error)
	UploadFile(ctx context.Context, addr, filename string, content io.Reader) error
	ListFiles(ctx context.Context, addr string) ([]sidecar.FileEntry, error)
	DownloadFile(ctx context.Context, addr, name string) ([]byte, error)
	Ready(ctx context.Context, addr string) error
}

// FileStore is the object-store slice used for staging inputs and saving
// outputs. *objstore.Client implements it.
type FileStore interface {
	GetBytes(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// Request is one code execution call.
type Request struct {
	SessionID    string          `json:"session_id,omitempty"`
	EntityID     string          `json:"entity_id,omitempty"`
	Code         string          `json:"code"`
	Language     string          `json:"lang"`
	Files        []RequestFile   `json:"files,omitempty"`
	InitialState string          `json:"initial_state,omitempty"` // base64, bypasses the state store
	CaptureState *bool           `json:"capture_state,omitempty"` // nil means capture for stateful languages
	Args         json.RawMessage `json:"args,omitempty"`          // opaque, forwarded to the sidecar unchanged
	TimeoutSec   int             `json:"timeout,omitempty"`
}

// RequestFile is an inline file staged into the pod for this call only.
// Durable files go through the session file index instead.
type RequestFile struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// Response carries the execution record plus orchestration facts the record
// itself does not hold.
type Response struct {
	Execution   *types.Execution `json:"execution"`
	SessionID   string           `json:"session_id"`
	PodName     string           `json:"pod_name"`
	PodSource   types.PodSource  `json:"pod_source"`
	NewState    *types.StateInfo `json:"new_state,omitempty"`
	StateErrors []string         `json:"state_errors,omitempty"`
}

// Deps bundles the collaborators Execute orchestrates.
type Deps struct {
	Sessions SessionStore
	State    StateStore
	Pool     PodController
	Jobs     JobRunner
	Sidecar  SidecarTransport
	Files    FileStore
	Broker   *events.Broker
}

// Runner drives one execution end to end: session, pod, files, state,
// execute, harvest, release, persist. Safe for concurrent use.
type Runner struct {
	cfg      config.ExecutionConfig
	registry *config.Registry
	deps     Deps
	logger   zerolog.Logger

	// retryWait is the pause before the single pre-response retry; tests
	// shorten it.
	retryWait time.Duration
}

// New builds a Runner.
func New(cfg config.ExecutionConfig, registry *config.Registry, deps Deps) *Runner {
	return &Runner{
		cfg:       cfg,
		registry:  registry,
		deps:      deps,
		logger:    log.WithComponent("runner"),
		retryWait: 500 * time.Millisecond,
	}
}

// Execute runs one piece of code. Orchestration failures (bad language, no
// capacity, unreachable pod) return errors; outcomes of the code itself,
// including non-zero exits and timeouts, return a Response with the
// execution record and a nil error.
func (r *Runner) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || strings.TrimSpace(req.Code) == "" {
		return nil, fmt.Errorf("code is required: %w", errdefs.ErrInvalidArgument)
	}
	spec, err := r.registry.Resolve(req.Language)
	if err != nil {
		return nil, err
	}
	timeout := r.timeoutFor(spec, req.TimeoutSec)
	grace := time.Duration(r.cfg.GraceSec) * time.Second
	if grace <= 0 {
		grace = 10 * time.Second
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout+grace)
	defer cancel()

	sess, err := r.resolveSession(execCtx, req)
	if err != nil {
		return nil, err
	}

	exec := &types.Execution{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Code:      req.Code,
		Language:  spec.Name,
		Status:    types.ExecutionStatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	metrics.ExecutionsInFlight.Inc()
	defer metrics.ExecutionsInFlight.Dec()

	handle, source, jobName, err := r.acquirePod(execCtx, spec, sess.ID)
	if err != nil {
		return nil, err
	}
	metrics.PodSourceTotal.WithLabelValues(string(source)).Inc()
	r.logger.Debug().Str("execution_id", exec.ID).Str("session_id", sess.ID).
		Str("pod", handle.Name).Str("source", string(source)).Msg("Pod assigned")

	resp := &Response{
		Execution: exec,
		SessionID: sess.ID,
		PodName:   handle.Name,
		PodSource: source,
	}

	staged, err := r.stageFiles(execCtx, sess, req, handle)
	if err != nil {
		r.releasePod(source, jobName, handle, false)
		return nil, err
	}

	var stateErrors []string
	capture := spec.Stateful
	if req.CaptureState != nil {
		capture = *req.CaptureState && spec.Stateful
	}
	initial := req.InitialState
	if initial == "" && spec.Stateful {
		blob, err := r.deps.State.Load(execCtx, sess.ID)
		switch {
		case err == nil:
			initial = base64.StdEncoding.EncodeToString(blob)
		case !errdefs.IsNotFound(err):
			stateErrors = append(stateErrors, fmt.Sprintf("load state: %v", err))
			r.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to load state, executing without it")
		}
	}

	// Snapshot the working directory before running so harvest can tell new
	// files from staged ones.
	baseline := make(map[string]bool, len(staged))
	for _, name := range staged {
		baseline[name] = true
	}
	if entries, err := r.deps.Sidecar.ListFiles(execCtx, handle.SidecarAddr()); err == nil {
		for _, fe := range entries {
			baseline[fe.Name] = true
		}
	}

	sreq := &sidecar.ExecuteRequest{
		ExecutionID:  exec.ID,
		Code:         req.Code,
		Language:     spec.Name,
		Files:        staged,
		Args:         req.Args,
		InitialState: initial,
		CaptureState: capture,
		Timeout:      int(timeout / time.Second),
	}

	exec.Status = types.ExecutionStatusRunning
	exec.StartedAt = time.Now().UTC()
	if source == types.PodSourcePool {
		r.deps.Pool.MarkExecuting(handle.UID)
	}
	r.emitExec(events.EventExecutionStarted, exec, handle)

	result, err := r.executeWithRetry(execCtx, handle, sreq)
	if err != nil {
		return r.failExecution(resp, exec, handle, source, jobName, stateErrors, execCtx, timeout+grace, err)
	}

	exec.CompletedAt = time.Now().UTC()
	exec.ExitCode = result.ExitCode
	exec.ExecutionTimeMS = result.ExecutionTimeMS
	if exec.ExecutionTimeMS == 0 {
		exec.ExecutionTimeMS = exec.CompletedAt.Sub(exec.StartedAt).Milliseconds()
	}
	exec.PeakMemoryMB = result.PeakMemoryMB
	stateErrors = append(stateErrors, result.StateErrors...)

	switch {
	case result.ExitCode == types.TimeoutExitCode:
		exec.Status = types.ExecutionStatusTimeout
		exec.Error = fmt.Sprintf("execution timed out after %s", timeout)
	case result.ExitCode == 0:
		exec.Status = types.ExecutionStatusCompleted
	default:
		exec.Status = types.ExecutionStatusFailed
	}

	if exec.Status == types.ExecutionStatusCompleted && capture && result.State != "" {
		if info, err := r.deps.State.Save(execCtx, sess.ID, result.State); err != nil {
			stateErrors = append(stateErrors, fmt.Sprintf("save state: %v", err))
			r.logger.Warn().Err(err).Str("session_id", sess.ID).Msg("Failed to save state")
		} else {
			resp.NewState = info
		}
	}

	exec.Outputs = r.harvest(execCtx, exec, result, handle, baseline)

	// A timed-out pod may still be running code; it never goes back to the
	// pool. Failed executions drop the pod too, so state from a broken run
	// cannot leak into the next one.
	r.releasePod(source, jobName, handle, exec.Status == types.ExecutionStatusCompleted)

	r.finish(exec, handle)
	resp.StateErrors = stateErrors
	return resp, nil
}

// failExecution classifies an error from the execute round trip. Answered
// failures stay user-visible results; unreachable infrastructure surfaces
// as an error to the caller.
func (r *Runner) failExecution(resp *Response, exec *types.Execution, handle *types.PodHandle,
	source types.PodSource, jobName string, stateErrors []string,
	execCtx context.Context, budget time.Duration, err error) (*Response, error) {

	r.releasePod(source, jobName, handle, false)
	exec.CompletedAt = time.Now().UTC()
	exec.ExecutionTimeMS = exec.CompletedAt.Sub(exec.StartedAt).Milliseconds()
	resp.StateErrors = stateErrors

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		// The sidecar had code timeout plus grace to answer and did not;
		// treat it as a timeout the user can see.
		exec.Status = types.ExecutionStatusTimeout
		exec.ExitCode = types.TimeoutExitCode
		exec.Error = fmt.Sprintf("no response from pod within %s", budget)
		r.finish(exec, handle)
		return resp, nil

	case errors.Is(err, context.Canceled) || execCtx.Err() == context.Canceled:
		exec.Status = types.ExecutionStatusCancelled
		exec.Error = "execution cancelled"
		r.finish(exec, handle)
		return nil, fmt.Errorf("execution %s: %w", exec.ID, context.Canceled)

	case errdefs.IsUnavailable(err):
		exec.Status = types.ExecutionStatusFailed
		exec.Error = err.Error()
		r.finish(exec, handle)
		return nil, err

	default:
		// The sidecar answered with a non-2xx or a broken body. The call
		// completed; the failure belongs to the execution record.
		exec.Status = types.ExecutionStatusFailed
		exec.ExitCode = -1
		exec.Error = err.Error()
		r.finish(exec, handle)
		return resp, nil
	}
}

// executeWithRetry performs the execute round trip with at most one retry,
// and only when the failure provably happened before any response byte:
// the transport reported the pod unreachable, budget remains, and the
// sidecar still answers a readiness probe.
func (r *Runner) executeWithRetry(ctx context.Context, handle *types.PodHandle, req *sidecar.ExecuteRequest) (*sidecar.ExecuteResult, error) {
	addr := handle.SidecarAddr()
	result, err := r.deps.Sidecar.Execute(ctx, addr, req)
	if err == nil || !errdefs.IsUnavailable(err) || ctx.Err() != nil {
		return result, err
	}

	select {
	case <-ctx.Done():
		return nil, err
	case <-time.After(r.retryWait):
	}
	if r.deps.Sidecar.Ready(ctx, addr) != nil {
		return nil, err
	}

	r.logger.Warn().Str("pod", handle.Name).Str("execution_id", req.ExecutionID).
		Msg("Transport failure before response, retrying once")
	return r.deps.Sidecar.Execute(ctx, addr, req)
}

// resolveSession finds or creates the session for this call. A stale id is
// recreated in place so clients keep a stable handle across idle gaps.
func (r *Runner) resolveSession(ctx context.Context, req *Request) (*types.Session, error) {
	if req.SessionID == "" {
		return r.deps.Sessions.Create(ctx, session.CreateOptions{EntityID: req.EntityID})
	}
	sess, err := r.deps.Sessions.Touch(ctx, req.SessionID)
	if err == nil {
		return sess, nil
	}
	if !errdefs.IsNotFound(err) {
		return nil, err
	}
	sess, err = r.deps.Sessions.Create(ctx, session.CreateOptions{ID: req.SessionID, EntityID: req.EntityID})
	if err == nil {
		return sess, nil
	}
	if errdefs.IsAlreadyExists(err) {
		// Lost a race with a concurrent first call on the same id.
		return r.deps.Sessions.Touch(ctx, req.SessionID)
	}
	return nil, err
}

// acquirePod takes the warm path when the language is pooled and falls back
// to a one-shot job when it is not. An empty pool past the acquire deadline
// is an error, not a job: pooled languages size capacity deliberately.
func (r *Runner) acquirePod(ctx context.Context, spec *config.LanguageSpec, sessionID string) (*types.PodHandle, types.PodSource, string, error) {
	handle, err := r.deps.Pool.Acquire(ctx, spec.Name)
	switch {
	case err == nil:
		handle.SessionID = sessionID
		return handle, types.PodSourcePool, "", nil
	case errors.Is(err, pool.ErrNoPool):
	default:
		return nil, "", "", err
	}

	handle, jobName, err := r.deps.Jobs.CreateJobPod(ctx, spec.Name, sessionID)
	if err != nil {
		return nil, "", "", err
	}
	return handle, types.PodSourceJob, jobName, nil
}

// stageFiles copies the session's durable files and the request's inline
// files into the pod working directory, in that order, so an inline file
// with the same name wins.
func (r *Runner) stageFiles(ctx context.Context, sess *types.Session, req *Request, handle *types.PodHandle) ([]string, error) {
	addr := handle.SidecarAddr()
	var staged []string

	indexed, err := r.deps.Sessions.ListFiles(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("stage files for session %s: %w", sess.ID, err)
	}
	for _, f := range indexed {
		data, err := r.deps.Files.GetBytes(ctx, objstore.FileKey(sess.ID, f.ID))
		if err != nil {
			if errdefs.IsNotFound(err) {
				r.logger.Warn().Str("session_id", sess.ID).Str("file_id", f.ID).
					Msg("Indexed file missing from object store, skipping")
				continue
			}
			return nil, fmt.Errorf("stage file %s: %w", f.Filename, err)
		}
		if err := r.deps.Sidecar.UploadFile(ctx, addr, f.Filename, bytes.NewReader(data)); err != nil {
			return nil, err
		}
		staged = append(staged, f.Filename)
	}

	for _, f := range req.Files {
		if f.Name == "" {
			return nil, fmt.Errorf("inline file name is required: %w", errdefs.ErrInvalidArgument)
		}
		if err := r.deps.Sidecar.UploadFile(ctx, addr, f.Name, bytes.NewReader(f.Content)); err != nil {
			return nil, err
		}
		staged = append(staged, f.Name)
	}
	return staged, nil
}

// harvest turns the sidecar result into output entries: stdout, stderr,
// then any file not present before the run, uploaded under the execution's
// output prefix. Harvest failures degrade to fewer outputs, never to a
// failed call.
func (r *Runner) harvest(ctx context.Context, exec *types.Execution, result *sidecar.ExecuteResult,
	handle *types.PodHandle, baseline map[string]bool) []types.ExecutionOutput {

	now := time.Now().UTC()
	var outputs []types.ExecutionOutput
	if result.Stdout != "" {
		outputs = append(outputs, types.ExecutionOutput{
			Type: types.OutputTypeStdout, Content: result.Stdout,
			Size: int64(len(result.Stdout)), Timestamp: now,
		})
	}
	if result.Stderr != "" {
		outputs = append(outputs, types.ExecutionOutput{
			Type: types.OutputTypeStderr, Content: result.Stderr,
			Size: int64(len(result.Stderr)), Timestamp: now,
		})
	}

	entries, err := r.deps.Sidecar.ListFiles(ctx, handle.SidecarAddr())
	if err != nil {
		r.logger.Warn().Err(err).Str("execution_id", exec.ID).Msg("Failed to list pod files after execution")
		return outputs
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	idx := 0
	for _, fe := range entries {
		if baseline[fe.Name] {
			continue
		}
		data, err := r.deps.Sidecar.DownloadFile(ctx, handle.SidecarAddr(), fe.Name)
		if err != nil {
			r.logger.Warn().Err(err).Str("file", fe.Name).Str("execution_id", exec.ID).Msg("Failed to download output file")
			continue
		}
		key := objstore.OutputKey(exec.ID, idx, fe.Name)
		ct := mime.TypeByExtension(filepath.Ext(fe.Name))
		if ct == "" {
			ct = "application/octet-stream"
		}
		if err := r.deps.Files.Put(ctx, key, bytes.NewReader(data), int64(len(data)), ct); err != nil {
			r.logger.Warn().Err(err).Str("file", fe.Name).Str("execution_id", exec.ID).Msg("Failed to store output file")
			continue
		}
		outputs = append(outputs, types.ExecutionOutput{
			Type: types.OutputTypeFile, Content: key, ContentType: ct,
			Size: int64(len(data)), Timestamp: now,
		})
		idx++
	}
	return outputs
}

// releasePod hands the pod back on a context detached from the request, so
// teardown still happens for cancelled calls.
func (r *Runner) releasePod(source types.PodSource, jobName string, handle *types.PodHandle, ok bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if source == types.PodSourceJob {
		if err := r.deps.Jobs.DeleteJob(ctx, jobName); err != nil {
			r.logger.Warn().Err(err).Str("job", jobName).Msg("Failed to delete job")
		}
		return
	}
	if err := r.deps.Pool.Release(ctx, handle.UID, ok); err != nil {
		r.logger.Warn().Err(err).Str("pod", handle.Name).Msg("Failed to release pod")
	}
}

// finish persists the record, emits the terminal event, and counts the
// execution. Persistence runs on its own context; a dead request must not
// lose the record.
func (r *Runner) finish(exec *types.Execution, handle *types.PodHandle) {
	if exec.CompletedAt.IsZero() {
		exec.CompletedAt = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.deps.Sessions.AppendExecution(ctx, exec); err != nil {
		r.logger.Error().Err(err).Str("execution_id", exec.ID).Msg("Failed to persist execution record")
	}

	r.emitExec(eventFor(exec.Status), exec, handle)
	metrics.ExecutionsTotal.WithLabelValues(exec.Language, string(exec.Status)).Inc()
	metrics.ExecutionDuration.WithLabelValues(exec.Language).Observe(float64(exec.ExecutionTimeMS) / 1000)

	r.logger.Info().Str("execution_id", exec.ID).Str("session_id", exec.SessionID).
		Str("language", exec.Language).Str("status", string(exec.Status)).
		Int("exit_code", exec.ExitCode).Int64("duration_ms", exec.ExecutionTimeMS).
		Msg("Execution finished")
}

func eventFor(status types.ExecutionStatus) events.EventType {
	switch status {
	case types.ExecutionStatusCompleted:
		return events.EventExecutionCompleted
	case types.ExecutionStatusTimeout:
		return events.EventExecutionTimeout
	default:
		return events.EventExecutionFailed
	}
}

func (r *Runner) emitExec(t events.EventType, exec *types.Execution, handle *types.PodHandle) {
	if r.deps.Broker == nil {
		return
	}
	md := map[string]string{
		"execution_id": exec.ID,
		"session_id":   exec.SessionID,
		"language":     exec.Language,
		"status":       string(exec.Status),
	}
	if handle != nil {
		md["pod"] = handle.Name
	}
	r.deps.Broker.Emit(t, fmt.Sprintf("%s %s", t, exec.ID), md)
}

// timeoutFor resolves the effective code timeout: the request's, else the
// language's, else the global default, clamped to the configured maximum.
func (r *Runner) timeoutFor(spec *config.LanguageSpec, requested int) time.Duration {
	sec := requested
	if sec <= 0 {
		sec = spec.TimeoutSec
	}
	if sec <= 0 {
		sec = r.cfg.DefaultTimeoutSec
	}
	if max := r.cfg.MaxTimeoutSec; max > 0 && sec > max {
		sec = max
	}
	if sec <= 0 {
		sec = 30
	}
	return time.Duration(sec) * time.Second
}
