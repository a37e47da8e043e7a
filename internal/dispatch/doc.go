// Package dispatch serializes outbound chat messages against the platform's
// rate limits.
//
// Producers call Send, Reply, Edit or ReplyAndDeleteAfter from any goroutine.
// Each request becomes a queue entry with a single-resolution outcome; one
// drain goroutine removes entries in FIFO order, performs the delivery
// attempt and sleeps a fixed spacing interval before taking the next one.
//
// # Failure handling
//
// Transports classify failures as *transport.DeliveryError. A rate-limit
// rejection is honored by sleeping the advertised duration before a single
// re-attempt with degraded options. A missing reply target is retried
// without the reply reference. Every other rejection is retried once,
// immediately, with degraded options (Rich formatting demoted to Safe, reply
// reference dropped). Re-attempts bypass the queue: they run inline in the
// drain step and are not spaced against other entries.
//
// # Chunking
//
// Text longer than the chunk limit is split from the end into pieces of at
// most the limit, keeping ``` fences balanced per piece. Pieces are sent one
// after another; a piece is enqueued only after the previous one settled.
package dispatch
