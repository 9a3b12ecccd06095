package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/events"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/objstore"
	"github.com/kilnhq/kiln/pkg/pool"
	"github.com/kilnhq/kiln/pkg/session"
	"github.com/kilnhq/kiln/pkg/sidecar"
	"github.com/kilnhq/kiln/pkg/types"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	files    map[string][]types.FileInfo
	appended []*types.Execution
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		sessions: make(map[string]*types.Session),
		files:    make(map[string][]types.FileInfo),
	}
}

func (f *fakeSessions) Create(_ context.Context, opts session.CreateOptions) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := f.sessions[id]; ok {
		return nil, fmt.Errorf("session %s: %w", id, errdefs.ErrAlreadyExists)
	}
	now := time.Now().UTC()
	sess := &types.Session{
		ID: id, Status: types.SessionStatusActive, EntityID: opts.EntityID,
		CreatedAt: now, LastActivity: now, ExpiresAt: now.Add(time.Hour),
		WorkingDir: types.DefaultWorkingDir,
	}
	f.sessions[id] = sess
	cp := *sess
	return &cp, nil
}

func (f *fakeSessions) Touch(_ context.Context, id string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	sess.LastActivity = time.Now().UTC()
	cp := *sess
	return &cp, nil
}

func (f *fakeSessions) ListFiles(_ context.Context, sessionID string) ([]types.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.FileInfo(nil), f.files[sessionID]...), nil
}

func (f *fakeSessions) AppendExecution(_ context.Context, exec *types.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *exec
	f.appended = append(f.appended, &cp)
	return nil
}

func (f *fakeSessions) lastAppended(t *testing.T) *types.Execution {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.appended, "no execution record persisted")
	return f.appended[len(f.appended)-1]
}

type fakeState struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	saveErr   error
	loadCalls int
}

func newFakeState() *fakeState {
	return &fakeState{blobs: make(map[string][]byte)}
}

func (f *fakeState) Save(_ context.Context, id, encoded string) (*types.StateInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return nil, f.saveErr
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("state %s: invalid base64: %w", id, errdefs.ErrInvalidArgument)
	}
	f.blobs[id] = data
	return &types.StateInfo{Exists: true, Size: int64(len(data)), Source: types.StateTierHot}, nil
}

func (f *fakeState) Load(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadCalls++
	data, ok := f.blobs[id]
	if !ok {
		return nil, fmt.Errorf("state %s: %w", id, errdefs.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

type releaseCall struct {
	uid string
	ok  bool
}

type fakePool struct {
	mu         sync.Mutex
	handles    []*types.PodHandle
	acquireErr error
	acquires   int
	marked     []string
	released   []releaseCall
}

func (f *fakePool) Acquire(_ context.Context, language string) (*types.PodHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	if len(f.handles) == 0 {
		return nil, fmt.Errorf("no warm pod for %s: %w", language, errdefs.ErrUnavailable)
	}
	h := f.handles[0]
	f.handles = f.handles[1:]
	return h, nil
}

func (f *fakePool) MarkExecuting(uid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, uid)
}

func (f *fakePool) Release(_ context.Context, uid string, ok bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, releaseCall{uid: uid, ok: ok})
	return nil
}

func (f *fakePool) releases() []releaseCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]releaseCall(nil), f.released...)
}

type fakeJobs struct {
	mu        sync.Mutex
	handle    *types.PodHandle
	createErr error
	created   int
	deleted   []string
}

func (f *fakeJobs) CreateJobPod(_ context.Context, language, sessionID string) (*types.PodHandle, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, "", f.createErr
	}
	f.created++
	h := *f.handle
	h.SessionID = sessionID
	return &h, "job-" + h.Name, nil
}

func (f *fakeJobs) DeleteJob(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeSidecar struct {
	mu        sync.Mutex
	files     map[string][]byte // pod working dir
	uploads   []string
	execCalls int
	execErrs  []error // error returned per Execute call index, nil slots succeed
	result    sidecar.ExecuteResult
	produces  map[string][]byte // files "created" by a successful run
	readyErr  error
	lastReq   *sidecar.ExecuteRequest
	execDelay time.Duration
}

func newFakeSidecar() *fakeSidecar {
	return &fakeSidecar{
		files:  make(map[string][]byte),
		result: sidecar.ExecuteResult{ExitCode: 0, Stdout: "ok", ExecutionTimeMS: 12},
	}
}

func (f *fakeSidecar) Execute(ctx context.Context, addr string, req *sidecar.ExecuteRequest) (*sidecar.ExecuteResult, error) {
	f.mu.Lock()
	call := f.execCalls
	f.execCalls++
	f.lastReq = req
	delay := f.execDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			// Mirror the real client's transport classification.
			if ctx.Err() == context.Canceled {
				return nil, fmt.Errorf("sidecar execute %s: %w", addr, context.Canceled)
			}
			return nil, fmt.Errorf("sidecar execute %s: %v: %w", addr, ctx.Err(), errdefs.ErrUnavailable)
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if call < len(f.execErrs) && f.execErrs[call] != nil {
		return nil, f.execErrs[call]
	}
	for name, data := range f.produces {
		f.files[name] = data
	}
	res := f.result
	return &res, nil
}

func (f *fakeSidecar) UploadFile(_ context.Context, _ string, filename string, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[filename] = data
	f.uploads = append(f.uploads, filename)
	return nil
}

func (f *fakeSidecar) ListFiles(_ context.Context, _ string) ([]sidecar.FileEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := make([]sidecar.FileEntry, 0, len(f.files))
	for name, data := range f.files {
		entries = append(entries, sidecar.FileEntry{Name: name, Size: int64(len(data))})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (f *fakeSidecar) DownloadFile(_ context.Context, _ string, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[name]
	if !ok {
		return nil, fmt.Errorf("sidecar download %s: %w", name, errdefs.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeSidecar) Ready(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

func (f *fakeSidecar) request(t *testing.T) *sidecar.ExecuteRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(t, f.lastReq, "sidecar never received an execute request")
	return f.lastReq
}

type fakeFiles struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{objects: make(map[string][]byte)}
}

func (f *fakeFiles) GetBytes(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("objstore get %s: %w", key, errdefs.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeFiles) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return nil
}

type rig struct {
	runner   *Runner
	sessions *fakeSessions
	state    *fakeState
	pods     *fakePool
	jobs     *fakeJobs
	agent    *fakeSidecar
	store    *fakeFiles
	broker   *events.Broker
}

func warmHandle(name string) *types.PodHandle {
	return &types.PodHandle{
		Name: name, Namespace: "kiln", UID: "uid-" + name, Language: "python",
		Status: types.PodStatusWarm, IP: "10.0.0.9", SidecarPort: 8080,
		CreatedAt: time.Now().UTC(),
	}
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	r := &rig{
		sessions: newFakeSessions(),
		state:    newFakeState(),
		pods:     &fakePool{handles: []*types.PodHandle{warmHandle("pod-a")}},
		jobs:     &fakeJobs{handle: warmHandle("job-pod-a")},
		agent:    newFakeSidecar(),
		store:    newFakeFiles(),
		broker:   broker,
	}
	r.runner = New(
		config.ExecutionConfig{DefaultTimeoutSec: 5, MaxTimeoutSec: 60, GraceSec: 1},
		config.DefaultRegistry(),
		Deps{
			Sessions: r.sessions,
			State:    r.state,
			Pool:     r.pods,
			Jobs:     r.jobs,
			Sidecar:  r.agent,
			Files:    r.store,
			Broker:   broker,
		},
	)
	r.runner.retryWait = 10 * time.Millisecond
	return r
}

func waitForEvent(t *testing.T, sub events.Subscriber, want events.EventType) *events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub:
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return nil
		}
	}
}

func unavailableErr() error {
	return fmt.Errorf("sidecar execute 10.0.0.9:8080: connection refused: %w", errdefs.ErrUnavailable)
}

// TestExecuteWarmPath runs stateless code on a pooled language end to end.
func TestExecuteWarmPath(t *testing.T) {
	r := newRig(t)
	sub := r.broker.Subscribe()
	defer r.broker.Unsubscribe(sub)
	r.agent.result = sidecar.ExecuteResult{ExitCode: 0, Stdout: "hello\n", ExecutionTimeMS: 40}

	resp, err := r.runner.Execute(context.Background(), &Request{Code: "console.log('hello')", Language: "node"})
	require.NoError(t, err)

	assert.Equal(t, types.PodSourcePool, resp.PodSource)
	assert.Equal(t, "pod-a", resp.PodName)
	assert.NotEmpty(t, resp.SessionID, "a session is created when none is given")
	assert.Equal(t, types.ExecutionStatusCompleted, resp.Execution.Status)
	assert.Equal(t, 0, resp.Execution.ExitCode)
	assert.Equal(t, int64(40), resp.Execution.ExecutionTimeMS)
	require.Len(t, resp.Execution.Outputs, 1)
	assert.Equal(t, types.OutputTypeStdout, resp.Execution.Outputs[0].Type)
	assert.Equal(t, "hello\n", resp.Execution.Outputs[0].Content)

	sreq := r.agent.request(t)
	assert.False(t, sreq.CaptureState, "node is stateless")
	assert.Empty(t, sreq.InitialState)
	assert.Equal(t, 0, r.state.loadCalls, "stateless languages never touch the state store")

	assert.Equal(t, []string{"uid-pod-a"}, r.pods.marked)
	require.Len(t, r.pods.releases(), 1)
	assert.True(t, r.pods.releases()[0].ok, "clean exit returns the pod")

	rec := r.sessions.lastAppended(t)
	assert.Equal(t, types.ExecutionStatusCompleted, rec.Status)

	evt := waitForEvent(t, sub, events.EventExecutionCompleted)
	assert.Equal(t, resp.Execution.ID, evt.Metadata["execution_id"])
}

// TestExecuteStatefulContinuation feeds persisted state in and captures the
// state the run returns.
func TestExecuteStatefulContinuation(t *testing.T) {
	r := newRig(t)
	sess, err := r.sessions.Create(context.Background(), session.CreateOptions{ID: "s-cont"})
	require.NoError(t, err)
	r.state.blobs[sess.ID] = []byte("prior globals")

	newState := base64.StdEncoding.EncodeToString([]byte("updated globals"))
	r.agent.result = sidecar.ExecuteResult{ExitCode: 0, Stdout: "done", State: newState}

	resp, err := r.runner.Execute(context.Background(), &Request{
		SessionID: sess.ID, Code: "x += 1", Language: "python",
	})
	require.NoError(t, err)

	sreq := r.agent.request(t)
	assert.True(t, sreq.CaptureState)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("prior globals")), sreq.InitialState)

	assert.Equal(t, []byte("updated globals"), r.state.blobs[sess.ID])
	require.NotNil(t, resp.NewState)
	assert.Equal(t, int64(len("updated globals")), resp.NewState.Size)
	assert.Empty(t, resp.StateErrors)
}

// TestExecuteColdJobPath covers unpooled languages: a one-shot job pod that
// is torn down afterwards.
func TestExecuteColdJobPath(t *testing.T) {
	r := newRig(t)
	r.pods.acquireErr = fmt.Errorf("no pool for language bash: %w", pool.ErrNoPool)
	r.agent.result = sidecar.ExecuteResult{ExitCode: 0, Stdout: "hi"}

	resp, err := r.runner.Execute(context.Background(), &Request{Code: "echo hi", Language: "bash"})
	require.NoError(t, err)

	assert.Equal(t, types.PodSourceJob, resp.PodSource)
	assert.Equal(t, "job-pod-a", resp.PodName)
	assert.Equal(t, types.ExecutionStatusCompleted, resp.Execution.Status)
	assert.Equal(t, 1, r.jobs.created)
	assert.Equal(t, []string{"job-job-pod-a"}, r.jobs.deleted, "job is deleted after the run")
	assert.Empty(t, r.pods.releases(), "job pods never touch the pool")
	assert.Empty(t, r.pods.marked)
}

// TestExecuteTimeoutExit covers the sidecar-reported code timeout.
func TestExecuteTimeoutExit(t *testing.T) {
	r := newRig(t)
	sub := r.broker.Subscribe()
	defer r.broker.Unsubscribe(sub)
	r.agent.result = sidecar.ExecuteResult{ExitCode: types.TimeoutExitCode, Stderr: "killed"}

	resp, err := r.runner.Execute(context.Background(), &Request{Code: "while True: pass", Language: "python"})
	require.NoError(t, err, "a timeout is a user-visible result, not a call failure")

	assert.Equal(t, types.ExecutionStatusTimeout, resp.Execution.Status)
	assert.Equal(t, types.TimeoutExitCode, resp.Execution.ExitCode)
	assert.Contains(t, resp.Execution.Error, "timed out")

	require.Len(t, r.pods.releases(), 1)
	assert.False(t, r.pods.releases()[0].ok, "a timed-out pod is always dropped")

	waitForEvent(t, sub, events.EventExecutionTimeout)
}

// TestExecuteStateSaveFailureDegrades covers the state cap at the runner
// level: a rejected save lands in StateErrors while the execution succeeds.
func TestExecuteStateSaveFailureDegrades(t *testing.T) {
	r := newRig(t)
	r.state.saveErr = fmt.Errorf("state s: 2097153 bytes exceeds cap of 2097152: %w", errdefs.ErrResourceExhausted)
	r.agent.result = sidecar.ExecuteResult{
		ExitCode: 0, Stdout: "ok",
		State: base64.StdEncoding.EncodeToString([]byte("huge")),
	}

	resp, err := r.runner.Execute(context.Background(), &Request{Code: "x = 1", Language: "python"})
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionStatusCompleted, resp.Execution.Status)
	assert.Nil(t, resp.NewState)
	require.Len(t, resp.StateErrors, 1)
	assert.Contains(t, resp.StateErrors[0], "exceeds cap")
}

// TestExecuteRetriesBeforeResponse allows exactly one retry when the
// transport failed pre-response and the pod still answers /ready.
func TestExecuteRetriesBeforeResponse(t *testing.T) {
	r := newRig(t)
	r.agent.execErrs = []error{unavailableErr()}
	r.agent.result = sidecar.ExecuteResult{ExitCode: 0, Stdout: "second try"}

	resp, err := r.runner.Execute(context.Background(), &Request{Code: "print(1)", Language: "python"})
	require.NoError(t, err)

	assert.Equal(t, 2, r.agent.execCalls)
	assert.Equal(t, types.ExecutionStatusCompleted, resp.Execution.Status)
}

func TestExecuteNoRetryWhenPodUnreachable(t *testing.T) {
	r := newRig(t)
	r.agent.execErrs = []error{unavailableErr(), unavailableErr()}
	r.agent.readyErr = fmt.Errorf("sidecar /ready 10.0.0.9:8080: %w", errdefs.ErrUnavailable)

	_, err := r.runner.Execute(context.Background(), &Request{Code: "print(1)", Language: "python"})
	assert.True(t, errdefs.IsUnavailable(err))
	assert.Equal(t, 1, r.agent.execCalls, "no retry against a dead pod")

	require.Len(t, r.pods.releases(), 1)
	assert.False(t, r.pods.releases()[0].ok)
	assert.Equal(t, types.ExecutionStatusFailed, r.sessions.lastAppended(t).Status)
}

func TestExecuteRetryBudgetIsOne(t *testing.T) {
	r := newRig(t)
	r.agent.execErrs = []error{unavailableErr(), unavailableErr()}

	_, err := r.runner.Execute(context.Background(), &Request{Code: "print(1)", Language: "python"})
	assert.True(t, errdefs.IsUnavailable(err))
	assert.Equal(t, 2, r.agent.execCalls, "exactly one retry, never more")
}

// TestExecuteSidecarErrorIsUserVisible covers an answered non-2xx: the call
// completes and the failure belongs to the execution record.
func TestExecuteSidecarErrorIsUserVisible(t *testing.T) {
	r := newRig(t)
	r.agent.execErrs = []error{fmt.Errorf("sidecar execute 10.0.0.9:8080: HTTP 500: agent crashed: %w", errdefs.ErrInternal)}

	resp, err := r.runner.Execute(context.Background(), &Request{Code: "print(1)", Language: "python"})
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionStatusFailed, resp.Execution.Status)
	assert.Equal(t, -1, resp.Execution.ExitCode)
	assert.Contains(t, resp.Execution.Error, "HTTP 500")
	require.Len(t, r.pods.releases(), 1)
	assert.False(t, r.pods.releases()[0].ok)
}

func TestExecuteNonZeroExit(t *testing.T) {
	r := newRig(t)
	r.agent.result = sidecar.ExecuteResult{ExitCode: 3, Stderr: "boom\n"}

	resp, err := r.runner.Execute(context.Background(), &Request{Code: "exit(3)", Language: "python"})
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionStatusFailed, resp.Execution.Status)
	assert.Equal(t, 3, resp.Execution.ExitCode)
	require.Len(t, resp.Execution.Outputs, 1)
	assert.Equal(t, types.OutputTypeStderr, resp.Execution.Outputs[0].Type)

	require.Len(t, r.pods.releases(), 1)
	assert.False(t, r.pods.releases()[0].ok, "a pod that ran failing code is dropped")
}

func TestExecuteValidation(t *testing.T) {
	r := newRig(t)

	_, err := r.runner.Execute(context.Background(), &Request{Code: "  ", Language: "python"})
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = r.runner.Execute(context.Background(), &Request{Code: "print(1)", Language: "cobol"})
	assert.True(t, errdefs.IsInvalidArgument(err))

	assert.Equal(t, 0, r.pods.acquires, "validation failures never reach the pool")
}

func TestExecuteAcquireTimeout(t *testing.T) {
	r := newRig(t)
	r.pods.acquireErr = fmt.Errorf("acquire pod for python: %w", errdefs.ErrUnavailable)

	_, err := r.runner.Execute(context.Background(), &Request{Code: "print(1)", Language: "python"})
	assert.True(t, errdefs.IsUnavailable(err))
	assert.Empty(t, r.sessions.appended, "nothing ran, nothing recorded")
}

// TestExecuteStagesFiles stages session-indexed files first, then inline
// request files.
func TestExecuteStagesFiles(t *testing.T) {
	r := newRig(t)
	sess, err := r.sessions.Create(context.Background(), session.CreateOptions{ID: "s-files"})
	require.NoError(t, err)
	r.sessions.files[sess.ID] = []types.FileInfo{{ID: "f1", Filename: "data.csv"}}
	r.store.objects[objstore.FileKey(sess.ID, "f1")] = []byte("a,b\n1,2\n")

	_, err = r.runner.Execute(context.Background(), &Request{
		SessionID: sess.ID, Code: "print(1)", Language: "python",
		Files: []RequestFile{{Name: "extra.txt", Content: []byte("inline")}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"data.csv", "extra.txt"}, r.agent.uploads)
	assert.Equal(t, []string{"data.csv", "extra.txt"}, r.agent.request(t).Files)
	assert.Equal(t, []byte("a,b\n1,2\n"), r.agent.files["data.csv"])
}

// TestExecuteHarvestsNewFiles uploads files the run created, and only
// those, under the execution's output prefix.
func TestExecuteHarvestsNewFiles(t *testing.T) {
	r := newRig(t)
	r.agent.result = sidecar.ExecuteResult{ExitCode: 0, Stdout: "plotted"}
	r.agent.produces = map[string][]byte{"plot.png": []byte("PNGDATA")}

	resp, err := r.runner.Execute(context.Background(), &Request{
		Code: "plt.savefig('plot.png')", Language: "python",
		Files: []RequestFile{{Name: "input.txt", Content: []byte("x")}},
	})
	require.NoError(t, err)

	var fileOutputs []types.ExecutionOutput
	for _, out := range resp.Execution.Outputs {
		if out.Type == types.OutputTypeFile {
			fileOutputs = append(fileOutputs, out)
		}
	}
	require.Len(t, fileOutputs, 1, "staged inputs are not harvested")

	key := objstore.OutputKey(resp.Execution.ID, 0, "plot.png")
	assert.Equal(t, key, fileOutputs[0].Content)
	assert.Equal(t, "image/png", fileOutputs[0].ContentType)
	assert.Equal(t, int64(len("PNGDATA")), fileOutputs[0].Size)
	assert.Equal(t, []byte("PNGDATA"), r.store.objects[key])
}

func TestExecuteCancelled(t *testing.T) {
	r := newRig(t)
	r.agent.execDelay = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.runner.Execute(ctx, &Request{Code: "sleep(60)", Language: "python"})
	assert.ErrorIs(t, err, context.Canceled)

	rec := r.sessions.lastAppended(t)
	assert.Equal(t, types.ExecutionStatusCancelled, rec.Status)
	require.Len(t, r.pods.releases(), 1)
	assert.False(t, r.pods.releases()[0].ok)
}

// TestExecuteWedgedPod covers a sidecar that stops answering entirely: the
// budget is code timeout plus grace, then the call resolves as a timeout.
func TestExecuteWedgedPod(t *testing.T) {
	r := newRig(t)
	r.agent.execDelay = 5 * time.Second

	resp, err := r.runner.Execute(context.Background(), &Request{
		Code: "print(1)", Language: "python", TimeoutSec: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionStatusTimeout, resp.Execution.Status)
	assert.Equal(t, types.TimeoutExitCode, resp.Execution.ExitCode)
	assert.Contains(t, resp.Execution.Error, "no response")
	require.Len(t, r.pods.releases(), 1)
	assert.False(t, r.pods.releases()[0].ok)
}

func TestExecuteRecreatesStaleSession(t *testing.T) {
	r := newRig(t)

	resp, err := r.runner.Execute(context.Background(), &Request{
		SessionID: "long-gone", Code: "print(1)", Language: "python",
	})
	require.NoError(t, err)

	assert.Equal(t, "long-gone", resp.SessionID)
	_, err = r.sessions.Touch(context.Background(), "long-gone")
	assert.NoError(t, err, "the session exists again under the same id")
}

func TestExecuteArgsPassthrough(t *testing.T) {
	r := newRig(t)
	args := json.RawMessage(`{"argv":["--verbose"],"env":{"TZ":"UTC"}}`)

	_, err := r.runner.Execute(context.Background(), &Request{
		Code: "print(1)", Language: "python", Args: args,
	})
	require.NoError(t, err)

	assert.JSONEq(t, string(args), string(r.agent.request(t).Args))
}

func TestExecuteInitialStatePassthrough(t *testing.T) {
	r := newRig(t)
	supplied := base64.StdEncoding.EncodeToString([]byte("client state"))

	_, err := r.runner.Execute(context.Background(), &Request{
		Code: "print(x)", Language: "python", InitialState: supplied,
	})
	require.NoError(t, err)

	assert.Equal(t, supplied, r.agent.request(t).InitialState)
	assert.Equal(t, 0, r.state.loadCalls, "request state bypasses the store")
}

func TestExecuteCaptureStateOptOut(t *testing.T) {
	r := newRig(t)
	off := false
	r.agent.result = sidecar.ExecuteResult{ExitCode: 0, State: base64.StdEncoding.EncodeToString([]byte("s"))}

	resp, err := r.runner.Execute(context.Background(), &Request{
		Code: "x = 1", Language: "python", CaptureState: &off,
	})
	require.NoError(t, err)

	assert.False(t, r.agent.request(t).CaptureState)
	assert.Nil(t, resp.NewState)
	assert.Empty(t, r.state.blobs)
}

func TestTimeoutForClamping(t *testing.T) {
	r := newRig(t)
	spec, err := config.DefaultRegistry().Resolve("python")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, r.runner.timeoutFor(spec, 0), "language default applies")
	assert.Equal(t, 10*time.Second, r.runner.timeoutFor(spec, 10))
	assert.Equal(t, 60*time.Second, r.runner.timeoutFor(spec, 600), "clamped to the configured max")
}
