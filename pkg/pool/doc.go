/*
Package pool keeps warm execution pods ready so most executions skip the
pod boot entirely.

	            ┌──────────────── Pool ────────────────┐
	            │  per language:                        │
	 Acquire ──▶│   entries (oldest first)  pending     │──▶ lifecycle.CreateWarmPod
	 Release ──▶│   notify (wake waiters)   backoff     │──▶ lifecycle.DeletePod
	            │                                       │
	            │  replenishLoop ── top up to target    │
	            │  sweepLoop ────── probe idle, evict   │
	            └───────────────────────────────────────┘
	                        │ best effort
	                        ▼
	               kv  pool:lang:{language}

Acquire hands out the oldest idle pod and blocks until one frees up or the
context expires; a language with no pool target returns ErrNoPool so the
caller can fall back to a one-shot job. Release either returns the pod warm
or retires it once its reuse budget (execution count or age) is spent. The
sweep evicts a pod only after two consecutive probe failures, so one dropped
probe never costs a warm pod.

The KV mirror of pod UIDs is observability only; the in-memory state is
authoritative and Reconcile rebuilds both from the cluster after a restart.
*/
package pool
