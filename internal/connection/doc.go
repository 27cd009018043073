// Package connection implements the session manager.
//
// The Manager:
//   - Drives the connection state machine (CLOSED, CONNECTING, OPEN, CLOSING,
//     RECONNECTING, FAILED, MANUAL_RETRY_REQUIRED)
//   - Schedules automatic reconnects with capped backoff, then waits for a
//     manual retry
//   - Authenticates each new connection and answers heartbeats
//   - Queues outbound messages by priority until the session can transmit
//   - Publishes state, inbound messages and stats to subscribers
//
// All mutable session state lives on one run-loop goroutine.
package connection
