// Package notifier delivers outbound chat messages.
//
// Deliver is the synchronous path used by the reminder engine: it waits on
// the shared rate limiter, skips reminders that were already delivered (keyed
// by a deterministic UUIDv5 of the reminder id), sends with a timeout and
// records the delivery. The caller only marks a reminder sent after Deliver
// returns nil.
//
// Notify is the asynchronous path for operator notices: a bounded queue
// drained by a small worker pool with rate limiting, retry with jittered
// exponential backoff and content dedup.
package notifier
