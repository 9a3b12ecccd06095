// Package runner drives a single code execution end to end.
//
//	resolve session ─▶ acquire pod ─▶ stage files ─▶ load state
//	        │              (pool, or job when unpooled)
//	        ▼
//	POST /execute ─▶ save state ─▶ harvest outputs ─▶ release pod ─▶ persist
//
// The runner owns classification: outcomes of the code itself (non-zero
// exit, timeout exit 124, sidecar-answered errors) come back as a Response
// with a nil error, while orchestration failures (unknown language, no
// capacity, unreachable pod) come back as errors. State problems never fail
// a call; they accumulate in Response.StateErrors.
//
// The execute round trip is retried at most once, and only when the
// transport failed before any response byte and the pod still answers a
// readiness probe. A pod is returned to the pool only after a clean exit;
// every other outcome drops it.
//
// All collaborators enter through the Deps interfaces, so tests drive the
// whole flow with in-memory fakes.
package runner
