// Package notifier is the notification dispatcher behind weekly reminders.
//
// PostNotification renders (id, title, body) into a message and queues it.
// Workers drain the queue through a token-bucket limiter, send via a
// transport.Adapter with retry and backoff, and record every outcome in the
// delivery log when a store is configured.
//
// # Dedup
//
// With DedupWindow > 0, identical notifications for the same target inside the
// window are dropped. The exact and fallback reminder paths may both fire for
// one weekly event; dedup is how operators opt out of that double delivery.
package notifier
