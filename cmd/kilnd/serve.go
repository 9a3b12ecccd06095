package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kilnhq/kiln/pkg/api"
	"github.com/kilnhq/kiln/pkg/cluster"
	"github.com/kilnhq/kiln/pkg/config"
	"github.com/kilnhq/kiln/pkg/events"
	"github.com/kilnhq/kiln/pkg/kv"
	"github.com/kilnhq/kiln/pkg/lifecycle"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/metrics"
	"github.com/kilnhq/kiln/pkg/objstore"
	"github.com/kilnhq/kiln/pkg/pool"
	"github.com/kilnhq/kiln/pkg/runner"
	"github.com/kilnhq/kiln/pkg/session"
	"github.com/kilnhq/kiln/pkg/sidecar"
	"github.com/kilnhq/kiln/pkg/state"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kiln daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, registry, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg, registry)
	},
}

func serve(cfg *config.Config, registry *config.Registry) error {
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("kilnd")

	warnings, err := config.Validate(cfg, registry)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for _, w := range warnings {
		logger.Warn().Msg(w)
	}

	metrics.SetVersion(Version)
	logger.Info().Str("version", Version).Str("commit", Commit).Msg("Starting kiln")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backing stores first; the daemon refuses to start half-connected.
	kvc, err := kv.New(cfg.KV)
	if err != nil {
		return err
	}
	defer func() { _ = kvc.Close() }()
	if err := kvc.Ping(ctx); err != nil {
		metrics.RegisterComponent("kv", false, err.Error())
		return fmt.Errorf("kv store unreachable: %w", err)
	}
	metrics.RegisterComponent("kv", true, "connected")

	obj, err := objstore.New(cfg.ObjectStore)
	if err != nil {
		return err
	}
	if err := obj.EnsureBucket(ctx); err != nil {
		metrics.RegisterComponent("objstore", false, err.Error())
		return fmt.Errorf("object store unreachable: %w", err)
	}
	metrics.RegisterComponent("objstore", true, "bucket ready")

	cl, err := cluster.New(cfg.Cluster)
	if err != nil {
		metrics.RegisterComponent("cluster", false, err.Error())
		return fmt.Errorf("cluster API: %w", err)
	}
	if err := cl.Ping(ctx); err != nil {
		metrics.RegisterComponent("cluster", false, err.Error())
		return fmt.Errorf("cluster API unreachable: %w", err)
	}
	metrics.RegisterComponent("cluster", true, "connected")

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	lc := lifecycle.New(cl, cfg.Cluster, registry, broker)
	pods := pool.New(cfg.Pool, registry, lc, kvc, broker)
	sessions := session.NewStore(kvc, cfg.Session, broker)
	hotTTL := time.Duration(cfg.Session.TTLSec) * time.Second
	states := state.NewService(kvc, obj, cfg.State, hotTTL, broker)
	agent := sidecar.New(time.Duration(cfg.Execution.GraceSec) * time.Second)

	run := runner.New(cfg.Execution, registry, runner.Deps{
		Sessions: sessions,
		State:    states,
		Pool:     pods,
		Jobs:     lc,
		Sidecar:  agent,
		Files:    obj,
		Broker:   broker,
	})

	server := api.New(cfg.Server,
		time.Duration(cfg.ObjectStore.PresignTTLSec)*time.Second,
		api.Deps{Exec: run, Sessions: sessions, State: states, Presign: obj})

	// Adopt pods a previous instance left behind before replenishing, so the
	// pool does not double-provision.
	if err := pods.Reconcile(ctx); err != nil {
		logger.Warn().Err(err).Msg("Pool reconcile failed; starting with an empty pool")
	}

	pods.Start()
	defer pods.Stop()

	collector := metrics.NewCollector(pods, 15*time.Second)
	collector.Start()
	defer collector.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sessions.RunSweeper(ctx) })
	g.Go(func() error { return states.RunArchiver(ctx) })
	g.Go(func() error { drainEvents(ctx, sub); return nil })
	g.Go(server.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})

	logger.Info().
		Str("addr", cfg.Server.Addr).
		Strs("languages", registry.Languages()).
		Msg("Kiln is up")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

// drainEvents mirrors broker traffic into the event counter and the debug
// log. Every publisher shares this one subscriber.
func drainEvents(ctx context.Context, sub events.Subscriber) {
	logger := log.WithComponent("events")
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			metrics.EventsTotal.WithLabelValues(string(e.Type)).Inc()
			logger.Debug().
				Str("type", string(e.Type)).
				Interface("metadata", e.Metadata).
				Msg(e.Message)
		}
	}
}
