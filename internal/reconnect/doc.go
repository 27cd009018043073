// Package reconnect decides whether and when to retry after a connection
// failure.
//
// # Backoff
//
// The delay before attempt k (1-based) is:
//
//	delay = min(base * 1.5^(k-1), 30s)
//
// With the default 3s base: 3s, 4.5s, 6.75s, 10.125s, 15.19s, 22.78s, 30s...
//
// # Exhaustion
//
// Once attempts reaches the configured maximum the scheduler refuses to
// schedule further retries. The owner must then require a manual action,
// which resets the counter to zero. The series counter is never reset.
package reconnect
