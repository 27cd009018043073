// Package queue holds outbound messages while the session cannot transmit.
//
// The MessageQueue:
//   - Is bounded (20 entries by default)
//   - Orders by priority: critical, high, normal, low
//   - Keeps enqueue order within a priority tier
//   - On overflow evicts the lowest-priority, oldest entry
//
// The PendingSet suppresses re-transmission of a request id for a short
// grace window after it was first sent.
package queue
