/*
Package health tracks the liveness of warm pods between executions.

Every pod carries a sidecar with two probe endpoints; this package probes
them over HTTP and folds the results into per-pod streak counters:

	            sweep tick
	                │
	                ▼
	┌─────────┐  Check   ┌──────────────┐
	│ HTTP    │────────▶│ sidecar:8080  │
	│ Checker │  Result  │  GET /health  │
	└────┬────┘◀────────│  GET /ready   │
	     │               └──────────────┘
	     ▼
	┌──────────────────────────────┐
	│ Status                       │
	│  ConsecutiveFailures: 0..N   │
	│  Healthy: true/false         │
	└──────────────────────────────┘

Status implements hysteresis: a pod flips unhealthy only after Retries
consecutive failed probes, and flips back on the first success. One dropped
packet never costs a warm pod. StartPeriod suppresses counting while a pod
is still booting.

The pool sweep owns the probe loop; this package only answers "is this
target up" and "has it missed enough probes in a row".
*/
package health
