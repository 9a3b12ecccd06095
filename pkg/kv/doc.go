/*
Package kv is Kiln's facade over the backing key-value store.

One Client serves every component and hides three deployment topologies
behind the same command surface:

	┌──────────────────────── KV FACADE ─────────────────────────┐
	│                                                             │
	│   Get / Set / Del / Exists / HSet / HGetAll                 │
	│   SAdd / SMembers / SRem / Incr / Expire / TTL              │
	│   ScanKeys / Pipeline                                       │
	│                     │                                       │
	│        ┌────────────┼──────────────┐                        │
	│        ▼            ▼              ▼                        │
	│   standalone     cluster        sentinel                    │
	│   one endpoint   hash-slot      supervisors elect           │
	│                  sharding,      a primary; reads            │
	│                  MOVED/ASK      and writes follow           │
	│                  rerouting      failover                    │
	└─────────────────────────────────────────────────────────────┘

Every key is transparently prefixed with the configured namespace, so two
deployments can share one store.

# Pipelines

Pipeline batches commands into a single round trip WITHOUT transactional
semantics. This is a hard requirement, not an optimization: cluster mode
routes each key by hash slot, and a MULTI/EXEC spanning slots fails with
CROSSSLOT. All multi-key writes in Kiln (session + index updates, state value
+ info hashes) go through this non-transactional pipeline and therefore work
identically on all three topologies.

# Errors and retries

Connection and timeout failures are retried inside the driver with
exponential backoff (MaxRetries, 8ms..512ms); whatever escapes surfaces as
Unavailable. Server-side rejections are never retried: misses map to
NotFound, authentication failures to Unauthenticated, and everything else
passes through wrapped with the operation and key.

# TLS

When TLS is enabled, certificate-chain verification is always performed.
Hostname verification defaults off because managed deployments advertise
node IPs that rarely match their certificates; enabling verify_hostname
restores stock verification.
*/
package kv
