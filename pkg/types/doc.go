/*
Package types defines the core data structures used throughout Kiln.

This package contains the fundamental types of Kiln's domain model: sessions,
executions and their outputs, pod handles, and state-blob descriptors. These
types are used by all other packages for persistence, the HTTP surface, and
orchestration logic.

# Core Types

Sessions:
  - Session: durable identity binding executions, files, and interpreter state
  - SessionStatus: active, idle, terminated, error
  - FileInfo: a file staged into or produced by a session

Executions:
  - Execution: one code-execution call and its results
  - ExecutionStatus: queued, running, completed, failed, timeout, cancelled
  - ExecutionOutput: a single captured output (stdout, stderr, file, error)

Pods:
  - PodHandle: name, UID, language, bound session, sidecar address
  - PodStatus: pending, warm, specializing, executing, succeeded, failed, unknown
  - PodSource: whether an execution ran on a pool pod or a one-shot job

State:
  - StateInfo: size, SHA-256 hash, expiry, and tier of a persisted blob
  - StateTier: hot (KV-resident) or archive (object-store resident)

# State Machine

Pooled pods follow this lifecycle, mutated only by pkg/lifecycle and pkg/pool:

	∅ → warm → specializing → executing → warm | deleted
	      │
	      └─(health-fail ×2)─▶ deleted

A pod is warm once its sidecar passes readiness and no session is bound;
specializing while being bound; executing during a call; and returns to warm
after a successful call if it remains within its reuse budget.

# Design Patterns

All enums use typed string constants. Optional associations use empty strings
(SessionID on PodHandle) rather than pointers so the types serialize cleanly
into KV hashes. Types are read-safe for concurrent use; mutation is
synchronized by the owning service.
*/
package types
