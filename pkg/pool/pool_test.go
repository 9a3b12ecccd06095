package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/events"
	"github.com/kilnhq/kiln/pkg/health"
	"github.com/kilnhq/kiln/pkg/kv"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/types"
)

// fakeLifecycle stands in for the pod lifecycle manager. Creations succeed
// instantly unless createErr is set; CheckHealth reports the healthy flag.
type fakeLifecycle struct {
	mu        sync.Mutex
	seq       int
	attempts  int
	created   []*types.PodHandle
	deleted   []string
	listed    []*types.PodHandle
	createErr error
	healthy   bool
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{healthy: true}
}

func (f *fakeLifecycle) CreateWarmPod(ctx context.Context, language string) (*types.PodHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.seq++
	h := &types.PodHandle{
		Name:        fmt.Sprintf("kiln-%s-%04d", language, f.seq),
		Namespace:   "kiln-exec",
		UID:         uuid.NewString(),
		Language:    language,
		Status:      types.PodStatusWarm,
		IP:          "10.0.0.1",
		SidecarPort: 8080,
		CreatedAt:   time.Now(),
	}
	f.created = append(f.created, h)
	return h, nil
}

func (f *fakeLifecycle) DeletePod(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeLifecycle) CheckHealth(ctx context.Context, handle *types.PodHandle) health.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return health.Result{Healthy: f.healthy, Message: "probe", CheckedAt: time.Now()}
}

func (f *fakeLifecycle) ListManagedPods(ctx context.Context) ([]*types.PodHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

func (f *fakeLifecycle) setHealthy(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy = ok
}

func (f *fakeLifecycle) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *fakeLifecycle) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeLifecycle) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeLifecycle) deletedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

// testRegistry has python pooled at 2 and bash unpooled.
func testRegistry(t *testing.T) *config.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "languages.yaml")
	data := []byte(`
languages:
  python:
    image: example.com/py:latest
    pool_size: 2
    timeout_sec: 20
    stateful: true
    aliases: [py]
  bash:
    image: example.com/bash:5
    pool_size: 0
    timeout_sec: 10
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	reg, err := config.LoadRegistry(path)
	require.NoError(t, err)
	return reg
}

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		ReplenishIntervalSec: 1,
		HealthIntervalSec:    1,
		AcquireTimeoutSec:    1,
		CreateBurst:          5,
	}
}

type testPool struct {
	pool   *Pool
	lc     *fakeLifecycle
	kv     *kv.Client
	mr     *miniredis.Miniredis
	broker *events.Broker
}

func newTestPool(t *testing.T, cfg config.PoolConfig) *testPool {
	t.Helper()
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})

	mr := miniredis.RunT(t)
	kvc, err := kv.New(config.KVConfig{
		Mode:            config.KVModeStandalone,
		Addrs:           []string{mr.Addr()},
		DialTimeoutSec:  1,
		ReadTimeoutSec:  1,
		WriteTimeoutSec: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvc.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	lc := newFakeLifecycle()
	p := New(cfg, testRegistry(t), lc, kvc, broker)
	t.Cleanup(p.cancel)
	return &testPool{pool: p, lc: lc, kv: kvc, mr: mr, broker: broker}
}

// seed registers a warm handle directly, bypassing the replenisher.
func (tp *testPool) seed(language string, h *types.PodHandle) {
	lp := tp.pool.langs[language]
	lp.mu.Lock()
	lp.entries = append(lp.entries, &Entry{Handle: h, Health: health.NewStatus()})
	lp.mu.Unlock()
}

func warmHandle(language, name string) *types.PodHandle {
	return &types.PodHandle{
		Name:        name,
		Namespace:   "kiln-exec",
		UID:         uuid.NewString(),
		Language:    language,
		Status:      types.PodStatusWarm,
		IP:          "10.0.0.1",
		SidecarPort: 8080,
		CreatedAt:   time.Now(),
	}
}

func nextEvent(t *testing.T, sub events.Subscriber) *events.Event {
	t.Helper()
	select {
	case e := <-sub:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// TestAcquireNoPool verifies the Job fallback signal for unpooled and
// unknown languages.
func TestAcquireNoPool(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())

	_, err := tp.pool.Acquire(context.Background(), "bash")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoPool)

	_, err = tp.pool.Acquire(context.Background(), "fortran")
	require.Error(t, err)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

// TestAcquireOldestFirst verifies pods are handed out in creation order and
// marked specializing.
func TestAcquireOldestFirst(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())
	old := warmHandle("python", "kiln-python-old")
	old.CreatedAt = time.Now().Add(-time.Minute)
	tp.seed("python", old)
	tp.seed("python", warmHandle("python", "kiln-python-new"))

	first, err := tp.pool.Acquire(context.Background(), "py")
	require.NoError(t, err)
	assert.Equal(t, "kiln-python-old", first.Name)
	assert.Equal(t, types.PodStatusSpecializing, first.Status)

	second, err := tp.pool.Acquire(context.Background(), "python")
	require.NoError(t, err)
	assert.Equal(t, "kiln-python-new", second.Name)
}

// TestAcquireBlocksUntilRelease verifies a waiter wakes up when a pod comes
// back instead of spinning until the timeout.
func TestAcquireBlocksUntilRelease(t *testing.T) {
	cfg := testPoolConfig()
	cfg.AcquireTimeoutSec = 5
	tp := newTestPool(t, cfg)
	tp.seed("python", warmHandle("python", "kiln-python-a"))

	held, err := tp.pool.Acquire(context.Background(), "python")
	require.NoError(t, err)

	type result struct {
		handle *types.PodHandle
		err    error
	}
	done := make(chan result, 1)
	go func() {
		h, err := tp.pool.Acquire(context.Background(), "python")
		done <- result{h, err}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tp.pool.Release(context.Background(), held.UID, true))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, held.UID, r.handle.UID)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke up after release")
	}
}

// TestAcquireTimeout verifies an empty pool reports Unavailable once the
// acquire window closes.
func TestAcquireTimeout(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())

	start := time.Now()
	_, err := tp.pool.Acquire(context.Background(), "python")
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

// TestAcquireContextCanceled verifies the caller's context cuts the wait
// short.
func TestAcquireContextCanceled(t *testing.T) {
	cfg := testPoolConfig()
	cfg.AcquireTimeoutSec = 30
	tp := newTestPool(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tp.pool.Acquire(ctx, "python")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// TestReleaseWithinBudget verifies a successful release returns the pod
// warm with no deletion.
func TestReleaseWithinBudget(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())
	tp.seed("python", warmHandle("python", "kiln-python-a"))

	h, err := tp.pool.Acquire(context.Background(), "python")
	require.NoError(t, err)
	require.NoError(t, tp.pool.Release(context.Background(), h.UID, true))

	assert.Equal(t, types.PodStatusWarm, h.Status)
	assert.Empty(t, tp.lc.deletedNames())

	stats := tp.pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Warm)
	assert.Equal(t, 0, stats[0].Acquired)
}

// TestReleaseReuseBudget verifies the execution-count budget retires the pod
// on the release that exhausts it.
func TestReleaseReuseBudget(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxPodReuse = 2
	tp := newTestPool(t, cfg)
	h := warmHandle("python", "kiln-python-a")
	tp.seed("python", h)
	require.NoError(t, tp.kv.SAdd(context.Background(), "pool:lang:python", h.UID))

	got, err := tp.pool.Acquire(context.Background(), "python")
	require.NoError(t, err)
	require.NoError(t, tp.pool.Release(context.Background(), got.UID, true))
	assert.Empty(t, tp.lc.deletedNames())

	got, err = tp.pool.Acquire(context.Background(), "python")
	require.NoError(t, err)
	require.NoError(t, tp.pool.Release(context.Background(), got.UID, true))
	assert.Equal(t, []string{"kiln-python-a"}, tp.lc.deletedNames())

	members, err := tp.kv.SMembers(context.Background(), "pool:lang:python")
	require.NoError(t, err)
	assert.Empty(t, members)
}

// TestReleaseAgeBudget verifies an over-age pod is retired even after a
// clean execution.
func TestReleaseAgeBudget(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxPodAgeMin = 1
	tp := newTestPool(t, cfg)
	h := warmHandle("python", "kiln-python-old")
	h.CreatedAt = time.Now().Add(-2 * time.Minute)
	tp.seed("python", h)

	got, err := tp.pool.Acquire(context.Background(), "python")
	require.NoError(t, err)
	require.NoError(t, tp.pool.Release(context.Background(), got.UID, true))
	assert.Equal(t, []string{"kiln-python-old"}, tp.lc.deletedNames())
}

// TestReleaseFailureRetires verifies ok=false always retires regardless of
// budget.
func TestReleaseFailureRetires(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())
	tp.seed("python", warmHandle("python", "kiln-python-a"))

	h, err := tp.pool.Acquire(context.Background(), "python")
	require.NoError(t, err)
	require.NoError(t, tp.pool.Release(context.Background(), h.UID, false))
	assert.Equal(t, []string{"kiln-python-a"}, tp.lc.deletedNames())
}

// TestReleaseIdempotent verifies double and unknown releases are no-ops.
func TestReleaseIdempotent(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())
	tp.seed("python", warmHandle("python", "kiln-python-a"))

	h, err := tp.pool.Acquire(context.Background(), "python")
	require.NoError(t, err)
	require.NoError(t, tp.pool.Release(context.Background(), h.UID, true))
	require.NoError(t, tp.pool.Release(context.Background(), h.UID, true))
	require.NoError(t, tp.pool.Release(context.Background(), "no-such-uid", false))

	assert.Empty(t, tp.lc.deletedNames())
	stats := tp.pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Warm)
}

// TestMarkExecuting verifies the status flip on the acquired pod.
func TestMarkExecuting(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())
	tp.seed("python", warmHandle("python", "kiln-python-a"))

	h, err := tp.pool.Acquire(context.Background(), "python")
	require.NoError(t, err)

	tp.pool.MarkExecuting(h.UID)
	assert.Equal(t, types.PodStatusExecuting, h.Status)

	tp.pool.MarkExecuting("no-such-uid")
}

// TestReplenishFillsToTarget runs the real loops and waits for the pool to
// warm up to target.
func TestReplenishFillsToTarget(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())
	tp.pool.Start()
	defer tp.pool.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		stats := tp.pool.Stats()
		if len(stats) == 1 && stats[0].Warm == 2 && stats[0].Pending == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	stats := tp.pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Warm)
	assert.Equal(t, 2, tp.lc.createdCount())

	members, err := tp.kv.SMembers(context.Background(), "pool:lang:python")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

// TestReplenishCeiling verifies the global pod ceiling caps a pass below
// target.
func TestReplenishCeiling(t *testing.T) {
	cfg := testPoolConfig()
	cfg.MaxTotalPods = 1
	tp := newTestPool(t, cfg)

	tp.pool.replenishOnce()
	tp.pool.wg.Wait()

	assert.Equal(t, 1, tp.lc.createdCount())
}

// TestReplenishBackoff verifies failed creations gate the next pass until
// the backoff window passes.
func TestReplenishBackoff(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())
	tp.lc.setCreateErr(errors.New("image pull failed"))

	tp.pool.replenishOnce()
	tp.pool.wg.Wait()
	assert.Equal(t, 2, tp.lc.attemptCount())

	// Still inside the backoff window: no new attempts.
	tp.pool.replenishOnce()
	tp.pool.wg.Wait()
	assert.Equal(t, 2, tp.lc.attemptCount())

	// Window elapsed and the registry is healthy again.
	tp.lc.setCreateErr(nil)
	lp := tp.pool.langs["python"]
	lp.mu.Lock()
	lp.nextTry = time.Time{}
	lp.mu.Unlock()

	tp.pool.replenishOnce()
	tp.pool.wg.Wait()
	assert.Equal(t, 2, tp.lc.createdCount())
}

// TestSweepTwoStrikes verifies one failed probe keeps the pod and the
// second evicts it.
func TestSweepTwoStrikes(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())
	sub := tp.broker.Subscribe()
	defer tp.broker.Unsubscribe(sub)

	h := warmHandle("python", "kiln-python-a")
	tp.seed("python", h)
	require.NoError(t, tp.kv.SAdd(context.Background(), "pool:lang:python", h.UID))
	tp.lc.setHealthy(false)

	tp.pool.sweepOnce()
	assert.Empty(t, tp.lc.deletedNames())

	tp.pool.sweepOnce()
	assert.Equal(t, []string{"kiln-python-a"}, tp.lc.deletedNames())

	evt := nextEvent(t, sub)
	assert.Equal(t, events.EventPodUnhealthy, evt.Type)

	members, err := tp.kv.SMembers(context.Background(), "pool:lang:python")
	require.NoError(t, err)
	assert.Empty(t, members)
}

// TestSweepRecovery verifies a success between failures resets the strike
// count.
func TestSweepRecovery(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())
	tp.seed("python", warmHandle("python", "kiln-python-a"))

	tp.lc.setHealthy(false)
	tp.pool.sweepOnce()
	tp.lc.setHealthy(true)
	tp.pool.sweepOnce()
	tp.lc.setHealthy(false)
	tp.pool.sweepOnce()

	assert.Empty(t, tp.lc.deletedNames())
	stats := tp.pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 1, stats[0].Warm)
}

// TestSweepSkipsAcquired verifies probes never evict a pod the runner
// holds.
func TestSweepSkipsAcquired(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())
	tp.seed("python", warmHandle("python", "kiln-python-a"))

	_, err := tp.pool.Acquire(context.Background(), "python")
	require.NoError(t, err)

	tp.lc.setHealthy(false)
	tp.pool.sweepOnce()
	tp.pool.sweepOnce()

	assert.Empty(t, tp.lc.deletedNames())
}

// TestReconcile verifies startup adoption: warm pods of pooled languages up
// to target survive, everything else is removed, and the mirror is rebuilt.
func TestReconcile(t *testing.T) {
	tp := newTestPool(t, testPoolConfig())

	adoptA := warmHandle("python", "kiln-python-a")
	adoptB := warmHandle("python", "kiln-python-b")
	overflow := warmHandle("python", "kiln-python-c")
	unknown := warmHandle("julia", "kiln-julia-a")
	dead := warmHandle("python", "kiln-python-dead")
	dead.Status = types.PodStatusFailed

	tp.lc.mu.Lock()
	tp.lc.listed = []*types.PodHandle{adoptA, adoptB, overflow, unknown, dead}
	tp.lc.mu.Unlock()

	// Leftover mirror entry from the dead instance.
	require.NoError(t, tp.kv.SAdd(context.Background(), "pool:lang:python", "stale-uid"))

	require.NoError(t, tp.pool.Reconcile(context.Background()))

	stats := tp.pool.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 2, stats[0].Warm)

	assert.ElementsMatch(t, []string{"kiln-python-c", "kiln-julia-a", "kiln-python-dead"},
		tp.lc.deletedNames())

	members, err := tp.kv.SMembers(context.Background(), "pool:lang:python")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{adoptA.UID, adoptB.UID}, members)
}
