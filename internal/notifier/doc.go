// Package notifier is the chat delivery gateway used by the scheduler,
// the digest generator and the release detector.
//
// Send is synchronous: callers need the outcome to decide whether to
// deregister a destination, skip a cycle or release a dedup claim. Sends are
// throttled by a shared token bucket so sweeps stay under platform limits.
//
// Failed sends are classified into destination_gone, rate_limited and other
// (see transport.Reason). Every result is counted and published on the bus.
package notifier
