// Package metrics defines the Prometheus surface and component health
// registry.
//
//	kiln_pool_pods{language,state}            gauge, fed by Collector
//	kiln_pool_target{language}                gauge, fed by Collector
//	kiln_executions_total{language,status}    counter, runner
//	kiln_execution_duration_seconds{language} histogram, runner
//	kiln_executions_in_flight                 gauge, runner
//	kiln_execution_pod_source_total{source}   counter, runner
//	kiln_api_requests_total{...}              counter, api middleware
//	kiln_api_request_duration_seconds{...}    histogram, api middleware
//	kiln_events_total{type}                   counter, daemon broker sink
//
// Metrics register on the default registry at package init and are served
// by Handler on /metrics. The health registry backs /healthz and /readyz:
// readiness requires every critical component (kv, objstore, cluster) to
// have reported healthy at least once.
package metrics
