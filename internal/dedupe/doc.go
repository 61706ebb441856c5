// Package dedupe provides a TTL cache for idempotent request replay.
//
// A client that retries POST /api/chat/prompt with the same Idempotency-Key
// header gets the first response back instead of a second recorded turn:
//
//	replay, status := cache.Begin(key)
//	switch status {
//	case dedupe.StatusDone:
//		// write replay
//	case dedupe.StatusInFlight:
//		// 409, the first attempt is still running
//	case dedupe.StatusNew:
//		// handle, then cache.Complete(key, body) or cache.Abandon(key)
//	}
//
// Entries expire after the configured TTL; the oldest entry is evicted when
// the cache is full.
package dedupe
