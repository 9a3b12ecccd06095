package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilnhq/kiln/pkg/events"
	"github.com/kilnhq/kiln/pkg/kv"
	"github.com/kilnhq/kiln/pkg/log"
	"github.com/kilnhq/kiln/pkg/objstore"
	"github.com/kilnhq/kiln/pkg/session"
	"github.com/kilnhq/kiln/pkg/state"
)

// sweepCmd runs the periodic maintenance passes once and exits, for ops use
// and scheduled Jobs when the daemon's own loops are disabled.
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one maintenance pass (expired sessions, state archival) and exit",
	RunE:  runSweep,
}

func init() {
	sweepCmd.Flags().Bool("sessions", true, "remove expired sessions")
	sweepCmd.Flags().Bool("state", true, "archive cooling state entries")
}

func runSweep(cmd *cobra.Command, args []string) error {
	doSessions, _ := cmd.Flags().GetBool("sessions")
	doState, _ := cmd.Flags().GetBool("state")

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	ctx := cmd.Context()

	kvc, err := kv.New(cfg.KV)
	if err != nil {
		return err
	}
	defer func() { _ = kvc.Close() }()
	if err := kvc.Ping(ctx); err != nil {
		return fmt.Errorf("kv store unreachable: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	if doSessions {
		store := session.NewStore(kvc, cfg.Session, broker)
		removed, err := store.SweepExpired(ctx)
		if err != nil {
			return fmt.Errorf("session sweep: %w", err)
		}
		fmt.Printf("✓ %d expired sessions removed\n", removed)
	}

	if doState {
		obj, err := objstore.New(cfg.ObjectStore)
		if err != nil {
			return err
		}
		if err := obj.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("object store unreachable: %w", err)
		}
		hotTTL := time.Duration(cfg.Session.TTLSec) * time.Second
		svc := state.NewService(kvc, obj, cfg.State, hotTTL, broker)
		archived, err := svc.ArchiveSweep(ctx)
		if err != nil {
			return fmt.Errorf("state archive sweep: %w", err)
		}
		fmt.Printf("✓ %d state blobs archived\n", archived)
	}
	return nil
}
