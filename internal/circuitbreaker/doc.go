// Package circuitbreaker implements per-resource circuit breakers for calls to
// the remote assistant API.
//
// Each logical resource ("device", "music", "routines", ...) gets its own
// breaker so that one failing feature does not block unrelated ones. A
// breaker has three states:
//
//   - CLOSED: Normal operation, calls pass through
//   - OPEN: Resource failing, calls rejected without touching the network
//   - HALF-OPEN: Recovery timeout elapsed, exactly one trial call allowed
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
//	registry.Configure("music", circuitbreaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute})
//	if registry.Allow("music") {
//	    // Make request...
//	    if err != nil {
//	        registry.RecordFailure("music")
//	    } else {
//	        registry.RecordSuccess("music")
//	    }
//	}
package circuitbreaker
