/*
Package metrics exposes Prometheus metrics for the server.

Metrics are package-level collectors registered at init. Event-driven
counters (claims, returns, sweeps) are incremented inline by the
engines; queue and record gauges are refreshed every 15 seconds by the
Collector, which reads totals from storage.

The /metrics endpoint is served by Handler on the API router.
*/
package metrics
