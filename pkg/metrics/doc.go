/*
Package metrics defines the engine's Prometheus instrumentation — table
operation counts and latencies, worker pool occupancy, and federation message
traffic — plus the engine's health view: the storage substrate's last
partition-open outcome, the worker pool's live process count, and the number
of active sessions, fed by pkg/storage, pkg/worker, and pkg/session from
their ordinary lifecycle paths and served by the /health, /ready, and /live
HTTP handlers.

Metrics are registered at package init against the default Prometheus
registry; Handler returns the scrape endpoint. Embedding applications mount
Handler, HealthHandler, ReadyHandler, and LivenessHandler on their own mux —
this package never creates an HTTP server itself.
*/
package metrics
