// Package ratelimit admits or denies requests per client using an exact
// sliding window.
//
// Each client may make at most Limit admitted requests in any interval of
// length Window. On every attempt the client's timestamps at or before
// now-Window are pruned; if fewer than Limit remain, now is recorded and the
// attempt is admitted. Otherwise the attempt is denied with
//
//	RetryAfter = Window - (now - oldest retained timestamp)
//
// Denied attempts are not recorded, so a client that keeps retrying while
// blocked does not extend its own lockout.
//
// Two stores implement Limiter:
//
//   - MemoryStore keeps windows in process memory with one lock per client.
//   - RedisStore runs the same algorithm in a Lua script over one sorted set
//     per client, so several replicas can share a quota.
package ratelimit
