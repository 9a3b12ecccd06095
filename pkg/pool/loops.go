package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/kilnhq/kiln/pkg/events"
	"github.com/kilnhq/kiln/pkg/health"
	"github.com/kilnhq/kiln/pkg/types"
)

// replenishLoop tops pools up to target on a fixed cadence. The first pass
// runs immediately so a fresh daemon warms its pools without waiting a tick.
func (p *Pool) replenishLoop() {
	defer p.wg.Done()

	interval := time.Duration(p.cfg.ReplenishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.replenishOnce()
	for {
		select {
		case <-ticker.C:
			p.replenishOnce()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) replenishOnce() {
	for _, name := range p.registry.Languages() {
		if lp, ok := p.langs[name]; ok {
			p.replenishLanguage(lp)
		}
	}
}

// replenishLanguage starts up to CreateBurst creations for one language,
// bounded by the global pod ceiling and the language's failure backoff.
// Creations run in goroutines because a pod takes seconds to boot and one
// slow language must not starve the rest of the pass.
func (p *Pool) replenishLanguage(lp *languagePool) {
	lp.mu.Lock()
	if time.Now().Before(lp.nextTry) {
		lp.mu.Unlock()
		return
	}
	need := lp.target - len(lp.entries) - lp.pending
	lp.mu.Unlock()

	if need <= 0 {
		return
	}
	if p.cfg.CreateBurst > 0 && need > p.cfg.CreateBurst {
		need = p.cfg.CreateBurst
	}
	if p.cfg.MaxTotalPods > 0 {
		headroom := p.cfg.MaxTotalPods - p.totalPods()
		if headroom <= 0 {
			p.logger.Warn().Str("language", lp.language).Int("ceiling", p.cfg.MaxTotalPods).
				Msg("Pod ceiling reached, replenish deferred")
			return
		}
		if need > headroom {
			need = headroom
		}
	}

	for i := 0; i < need; i++ {
		lp.mu.Lock()
		lp.pending++
		lp.mu.Unlock()

		p.wg.Add(1)
		go p.createOne(lp)
	}
}

// createOne creates a single warm pod and registers it. Failures double the
// language's backoff up to a minute; any success clears it.
func (p *Pool) createOne(lp *languagePool) {
	defer p.wg.Done()

	handle, err := p.lc.CreateWarmPod(p.ctx, lp.language)

	lp.mu.Lock()
	lp.pending--
	if err != nil {
		if lp.backoff == 0 {
			lp.backoff = time.Second
		} else if lp.backoff < time.Minute {
			lp.backoff *= 2
		}
		lp.nextTry = time.Now().Add(lp.backoff)
		backoff := lp.backoff
		lp.mu.Unlock()

		if p.ctx.Err() == nil {
			p.logger.Warn().Err(err).Str("language", lp.language).
				Dur("backoff", backoff).Msg("Pod creation failed")
		}
		return
	}
	lp.backoff = 0
	lp.nextTry = time.Time{}
	lp.entries = append(lp.entries, &Entry{Handle: handle, Health: health.NewStatus()})
	lp.mu.Unlock()

	p.mirrorAdd(p.ctx, lp.language, handle.UID)
	lp.wake()
}

// sweepLoop probes idle pods on a fixed cadence and evicts the ones that
// fail twice in a row.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Duration(p.cfg.HealthIntervalSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweepOnce()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) sweepOnce() {
	for _, name := range p.registry.Languages() {
		if lp, ok := p.langs[name]; ok {
			p.sweepLanguage(lp)
		}
	}
}

// sweepLanguage probes the idle entries of one pool. Probing happens off the
// lock; results fold back in under it. An entry acquired mid-probe is left
// alone; its next idle sweep will see it again.
func (p *Pool) sweepLanguage(lp *languagePool) {
	lp.mu.Lock()
	idle := make([]*Entry, 0, len(lp.entries))
	for _, e := range lp.entries {
		if !e.Acquired {
			idle = append(idle, e)
		}
	}
	lp.mu.Unlock()

	if len(idle) == 0 {
		return
	}

	results := make([]health.Result, len(idle))
	for i, e := range idle {
		ctx, cancel := context.WithTimeout(p.ctx, p.healthCfg.Timeout)
		results[i] = p.lc.CheckHealth(ctx, e.Handle)
		cancel()
	}

	var evict []*Entry
	lp.mu.Lock()
	for i, e := range idle {
		if e.Acquired {
			continue
		}
		e.Health.Update(results[i], p.healthCfg)
		if e.Health.Healthy {
			continue
		}
		for j, x := range lp.entries {
			if x == e {
				lp.entries = append(lp.entries[:j], lp.entries[j+1:]...)
				break
			}
		}
		evict = append(evict, e)
	}
	lp.mu.Unlock()

	for _, e := range evict {
		p.logger.Warn().Str("pod", e.Handle.Name).Str("language", lp.language).
			Str("reason", e.Health.LastResult.Message).Msg("Evicting unhealthy pod")
		p.emit(events.EventPodUnhealthy, e.Handle)
		p.mirrorRemove(p.ctx, lp.language, e.Handle.UID)
		if err := p.lc.DeletePod(p.ctx, e.Handle.Name); err != nil {
			p.logger.Warn().Err(err).Str("pod", e.Handle.Name).Msg("Failed to delete evicted pod")
		}
	}
}

// Reconcile adopts running pods left over from a previous instance and
// removes the ones this instance cannot account for: unknown languages,
// terminated pods, and overflow beyond target. Each language's KV mirror is
// rebuilt from the adopted set. Called once at startup, before Start.
func (p *Pool) Reconcile(ctx context.Context) error {
	handles, err := p.lc.ListManagedPods(ctx)
	if err != nil {
		return fmt.Errorf("pool reconcile: %w", err)
	}

	adopted := make(map[string][]interface{})
	var stale []*types.PodHandle

	for _, h := range handles {
		lp, ok := p.langs[h.Language]
		if !ok || h.Status != types.PodStatusWarm {
			stale = append(stale, h)
			continue
		}

		lp.mu.Lock()
		if len(lp.entries) >= lp.target {
			lp.mu.Unlock()
			stale = append(stale, h)
			continue
		}
		lp.entries = append(lp.entries, &Entry{Handle: h, Health: health.NewStatus()})
		lp.mu.Unlock()
		adopted[h.Language] = append(adopted[h.Language], h.UID)
	}

	if p.kv != nil {
		for name := range p.langs {
			if _, err := p.kv.Del(ctx, mirrorKey(name)); err != nil {
				p.logger.Warn().Err(err).Str("language", name).Msg("Failed to reset pool mirror")
				continue
			}
			if uids := adopted[name]; len(uids) > 0 {
				if err := p.kv.SAdd(ctx, mirrorKey(name), uids...); err != nil {
					p.logger.Warn().Err(err).Str("language", name).Msg("Failed to rebuild pool mirror")
				}
			}
		}
	}

	removed := 0
	for _, h := range stale {
		if err := p.lc.DeletePod(ctx, h.Name); err != nil {
			p.logger.Warn().Err(err).Str("pod", h.Name).Msg("Failed to delete stale pod")
			continue
		}
		removed++
	}

	total := 0
	for _, uids := range adopted {
		total += len(uids)
	}
	p.logger.Info().Int("adopted", total).Int("removed", removed).Msg("Pool reconciled")
	return nil
}
