package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kilnhq/kiln/pkg/pool"
)

type staticStats []pool.LanguageStats

func (s staticStats) Stats() []pool.LanguageStats { return s }

func TestCollectorProjectsPoolStats(t *testing.T) {
	src := staticStats{
		{Language: "python", Target: 2, Warm: 1, Acquired: 1, Pending: 1},
		{Language: "node", Target: 1, Warm: 1},
	}

	c := NewCollector(src, time.Minute)
	c.collect()

	if got := testutil.ToFloat64(PoolTarget.WithLabelValues("python")); got != 2 {
		t.Errorf("python target = %v, want 2", got)
	}
	if got := testutil.ToFloat64(PoolPods.WithLabelValues("python", "warm")); got != 1 {
		t.Errorf("python warm = %v, want 1", got)
	}
	if got := testutil.ToFloat64(PoolPods.WithLabelValues("python", "acquired")); got != 1 {
		t.Errorf("python acquired = %v, want 1", got)
	}
	if got := testutil.ToFloat64(PoolPods.WithLabelValues("python", "pending")); got != 1 {
		t.Errorf("python pending = %v, want 1", got)
	}
	if got := testutil.ToFloat64(PoolPods.WithLabelValues("node", "warm")); got != 1 {
		t.Errorf("node warm = %v, want 1", got)
	}
}

func TestCollectorStartStop(t *testing.T) {
	c := NewCollector(staticStats{{Language: "python", Target: 2, Warm: 2}}, 10*time.Millisecond)
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(PoolPods.WithLabelValues("python", "warm")) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("collector did not publish pool stats")
}
