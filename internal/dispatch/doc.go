// Package dispatch is the single path every domain manager uses to talk to
// the API.
//
// Managers describe a call with a Call value and hand it to an ApiExecutor.
// The Executor applies the same policy to every call, in this order:
//
//  1. State gate: the connection must be Connected. Calls issued during a
//     token refresh wait for it to finish.
//  2. Breaker gate: an open breaker for the call's resource degrades to the
//     cache (even an expired entry) or fails with CircuitOpen.
//  3. Cache read: cacheable GETs with a fresh entry return without I/O.
//  4. Network call with credentials read fresh for every call.
//  5. Outcome: 2xx succeeds and populates the cache; 401/403 refreshes the
//     session once and retries; 429 moves the connection to RateLimited;
//     network errors, timeouts and 5xx count against the breaker and fall
//     back to the cache when possible.
//
// Auth and rate limit outcomes never count as breaker failures since they
// say nothing about whether the service is up.
package dispatch
