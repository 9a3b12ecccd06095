/*
Package log provides structured logging for Kiln using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers and configurable log levels. All logs include
timestamps and support filtering by severity for production debugging.

# Usage

Initializing the logger:

	import "github.com/kilnhq/kiln/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Component loggers:

	poolLog := log.WithComponent("pool")
	poolLog.Info().Str("language", "python").Int("warm", 3).Msg("pool replenished")

Context helpers add the identifiers that matter when tracing a single
execution across components:

	execLog := log.WithExecutionID(exec.ID)
	execLog.Error().Err(err).Str("pod", pod.Name).Msg("sidecar call failed")

# Integration Points

This package is used by every component:

  - pkg/pool: acquisition, replenishment, and health-sweep decisions
  - pkg/lifecycle: pod creation and teardown
  - pkg/runner: per-execution progress and failure classification
  - pkg/session, pkg/state: store operations and sweeps
  - pkg/api: request logging middleware
  - cmd/kilnd: startup, config validation, shutdown

# Design Notes

Global logger pattern: a single package-level zerolog.Logger initialized once
in main(), with child loggers carrying component and identifier fields. Do not
log state blobs or user code at info level; identifiers only.
*/
package log
