// Package heartbeat implements the session liveness probe.
//
// While the session is open a ping envelope is sent every interval. The
// matching pong (same request id) yields the round-trip latency. When
// MaxMissed consecutive probes go unanswered the dead callback fires; the
// owner treats that exactly like an unexpected transport closure.
//
// Worst-case detection delay is Interval * (MaxMissed + 1).
package heartbeat
