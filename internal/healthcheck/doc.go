// Package healthcheck establishes the API session and keeps it usable.
// Connect probes a cheap endpoint with fresh credentials and drives the
// connection state machine through Connecting to Connected, refreshing the
// session once if the probe is rejected. Monitor periodically reconnects
// from Error and clears an elapsed rate limit.
package healthcheck
