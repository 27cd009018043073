// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection state, authentication and reconnect counters
//   - Message rates and heartbeat latency
//   - Outbound queue depth, evictions and drops
//   - State transitions by edge
package metrics
