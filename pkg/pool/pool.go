package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/rs/zerolog"

	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/events"
	"github.com/kilnhq/kiln/pkg/health"
	"github.com/kilnhq/kiln/pkg/kv"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/types"
)

// ErrNoPool reports that a language keeps no warm pool; the caller takes the
// Job path instead.
var ErrNoPool = errors.New("language has no warm pool")

// Lifecycle is the slice of the pod lifecycle manager the pool depends on.
type Lifecycle interface {
	CreateWarmPod(ctx context.Context, language string) (*types.PodHandle, error)
	DeletePod(ctx context.Context, name string) error
	CheckHealth(ctx context.Context, handle *types.PodHandle) health.Result
	ListManagedPods(ctx context.Context) ([]*types.PodHandle, error)
}

// Entry is one pod in a language pool. All fields are guarded by the owning
// language mutex.
type Entry struct {
	Handle     *types.PodHandle
	Acquired   bool
	AcquiredAt time.Time
	ExecCount  int
	Health     *health.Status
}

// languagePool tracks the pods of one language, oldest first. Each language
// has its own mutex so a slow create in one pool never stalls another.
type languagePool struct {
	mu       sync.Mutex
	language string
	target   int
	entries  []*Entry
	pending  int

	// Exponential backoff after a failed create; zero when healthy.
	backoff time.Duration
	nextTry time.Time

	// notify wakes one waiting acquirer after a release or replenish.
	notify chan struct{}
}

// Pool maintains warm pods per language. The in-process registry is
// authoritative at runtime; a KV mirror per language supports inspection and
// restart reconciliation.
type Pool struct {
	cfg       config.PoolConfig
	healthCfg health.Config
	registry  *config.Registry
	lc        Lifecycle
	kv        *kv.Client
	broker    *events.Broker
	logger    zerolog.Logger

	langs map[string]*languagePool

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a pool with one languagePool per pooled language in the
// registry. Languages with pool size zero are absent; Acquire on them yields
// ErrNoPool.
func New(cfg config.PoolConfig, registry *config.Registry, lc Lifecycle, kvc *kv.Client, broker *events.Broker) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg: cfg,
		healthCfg: health.Config{
			Interval: time.Duration(cfg.HealthIntervalSec) * time.Second,
			Timeout:  5 * time.Second,
			Retries:  2,
		},
		registry: registry,
		lc:       lc,
		kv:       kvc,
		broker:   broker,
		logger:   log.WithComponent("pool"),
		langs:    make(map[string]*languagePool),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
	for _, spec := range registry.Pooled() {
		p.langs[spec.Name] = &languagePool{
			language: spec.Name,
			target:   spec.PoolSize,
			notify:   make(chan struct{}, 1),
		}
	}
	return p
}

// Start launches the replenish and health sweep loops. The first replenish
// pass runs immediately so pools fill without waiting a tick.
func (p *Pool) Start() {
	p.wg.Add(2)
	go p.replenishLoop()
	go p.sweepLoop()
	p.logger.Info().Int("languages", len(p.langs)).Msg("Pool started")
}

// Stop halts the loops and aborts in-flight pod creations.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Pool stopped")
}

// Acquire hands out the oldest available warm pod for a language, marking it
// specializing. With none available it waits for a release or replenish up
// to the configured acquire timeout, then reports Unavailable. A language
// without a pool short-circuits to ErrNoPool so the caller can run a Job.
func (p *Pool) Acquire(ctx context.Context, language string) (*types.PodHandle, error) {
	spec, err := p.registry.Resolve(language)
	if err != nil {
		return nil, err
	}
	lp, ok := p.langs[spec.Name]
	if !ok || lp.target == 0 {
		return nil, fmt.Errorf("%s: %w", spec.Name, ErrNoPool)
	}

	deadline := time.Now().Add(time.Duration(p.cfg.AcquireTimeoutSec) * time.Second)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		if handle := lp.takeOldest(); handle != nil {
			p.emit(events.EventPodAcquired, handle)
			return handle, nil
		}

		select {
		case <-lp.notify:
			// A pod came back or a fresh one warmed up; rescan.
		case <-timer.C:
			return nil, fmt.Errorf("acquire pod for %s: no warm pod within %ds: %w",
				spec.Name, p.cfg.AcquireTimeoutSec, errdefs.ErrUnavailable)
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire pod for %s: %w", spec.Name, ctx.Err())
		}
	}
}

// takeOldest claims the oldest idle healthy entry, or nil.
func (lp *languagePool) takeOldest() *types.PodHandle {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	for _, e := range lp.entries {
		if e.Acquired || !e.Health.Healthy || e.Handle.Status != types.PodStatusWarm {
			continue
		}
		e.Acquired = true
		e.AcquiredAt = time.Now()
		e.ExecCount++
		e.Handle.Status = types.PodStatusSpecializing
		return e.Handle
	}
	return nil
}

// MarkExecuting flips an acquired pod to executing. Unknown uids are
// ignored.
func (p *Pool) MarkExecuting(uid string) {
	for _, lp := range p.langs {
		lp.mu.Lock()
		for _, e := range lp.entries {
			if e.Handle.UID == uid && e.Acquired {
				e.Handle.Status = types.PodStatusExecuting
				lp.mu.Unlock()
				return
			}
		}
		lp.mu.Unlock()
	}
}

// Release returns a pod to the pool or retires it. ok=true within the reuse
// budget (execution count and age) puts the pod back warm; anything else
// deletes it and lets the replenisher top the pool back up. Releasing an
// unknown or already-released uid is a no-op.
func (p *Pool) Release(ctx context.Context, uid string, ok bool) error {
	for _, lp := range p.langs {
		if entry, retire := lp.release(uid, ok, p.cfg); entry != nil {
			if !retire {
				p.emit(events.EventPodReleased, entry.Handle)
				lp.wake()
				return nil
			}
			return p.retire(ctx, lp, entry)
		}
	}
	return nil
}

// release detaches the entry state change from pod deletion so the cluster
// call never runs under the language lock. Returns (entry, retire) with
// entry nil when uid is not held here.
func (lp *languagePool) release(uid string, ok bool, cfg config.PoolConfig) (*Entry, bool) {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	for i, e := range lp.entries {
		if e.Handle.UID != uid {
			continue
		}
		if !e.Acquired {
			// Second release of the same uid.
			return nil, false
		}
		e.Acquired = false

		age := time.Since(e.Handle.CreatedAt)
		withinBudget := ok &&
			(cfg.MaxPodReuse <= 0 || e.ExecCount < cfg.MaxPodReuse) &&
			(cfg.MaxPodAgeMin <= 0 || age < time.Duration(cfg.MaxPodAgeMin)*time.Minute)

		if withinBudget {
			e.Handle.Status = types.PodStatusWarm
			e.AcquiredAt = time.Time{}
			return e, false
		}

		lp.entries = append(lp.entries[:i], lp.entries[i+1:]...)
		return e, true
	}
	return nil, false
}

// retire deletes a pod that left the pool and drops it from the KV mirror.
func (p *Pool) retire(ctx context.Context, lp *languagePool, e *Entry) error {
	p.mirrorRemove(ctx, lp.language, e.Handle.UID)
	if err := p.lc.DeletePod(ctx, e.Handle.Name); err != nil {
		return fmt.Errorf("retire pod %s: %w", e.Handle.Name, err)
	}
	p.logger.Debug().Str("pod", e.Handle.Name).Str("language", lp.language).
		Int("exec_count", e.ExecCount).Msg("Pod retired")
	return nil
}

// wake pokes one waiting acquirer without blocking.
func (lp *languagePool) wake() {
	select {
	case lp.notify <- struct{}{}:
	default:
	}
}

// LanguageStats is a point-in-time snapshot of one language pool.
type LanguageStats struct {
	Language string `json:"language"`
	Target   int    `json:"target"`
	Warm     int    `json:"warm"`
	Acquired int    `json:"acquired"`
	Pending  int    `json:"pending"`
}

// Stats snapshots every language pool, sorted by language.
func (p *Pool) Stats() []LanguageStats {
	out := make([]LanguageStats, 0, len(p.langs))
	for _, name := range p.registry.Languages() {
		lp, ok := p.langs[name]
		if !ok {
			continue
		}
		lp.mu.Lock()
		s := LanguageStats{Language: name, Target: lp.target, Pending: lp.pending}
		for _, e := range lp.entries {
			if e.Acquired {
				s.Acquired++
			} else if e.Health.Healthy {
				s.Warm++
			}
		}
		lp.mu.Unlock()
		out = append(out, s)
	}
	return out
}

// totalPods counts every tracked pod plus creations in flight, across
// languages. Used to hold the global ceiling.
func (p *Pool) totalPods() int {
	total := 0
	for _, lp := range p.langs {
		lp.mu.Lock()
		total += len(lp.entries) + lp.pending
		lp.mu.Unlock()
	}
	return total
}

func (p *Pool) emit(t events.EventType, handle *types.PodHandle) {
	if p.broker == nil {
		return
	}
	p.broker.Emit(t, fmt.Sprintf("%s %s", t, handle.Name), map[string]string{
		"pod":      handle.Name,
		"language": handle.Language,
	})
}

func mirrorKey(language string) string {
	return "pool:lang:" + language
}

// mirrorAdd and mirrorRemove keep the KV mirror in step with the registry.
// Mirror writes are best effort; the in-process registry stays authoritative.
func (p *Pool) mirrorAdd(ctx context.Context, language, uid string) {
	if p.kv == nil || uid == "" {
		return
	}
	if err := p.kv.SAdd(ctx, mirrorKey(language), uid); err != nil {
		p.logger.Warn().Err(err).Str("language", language).Msg("Failed to mirror pod add")
	}
}

func (p *Pool) mirrorRemove(ctx context.Context, language, uid string) {
	if p.kv == nil || uid == "" {
		return
	}
	if _, err := p.kv.SRem(ctx, mirrorKey(language), uid); err != nil {
		p.logger.Warn().Err(err).Str("language", language).Msg("Failed to mirror pod remove")
	}
}
