// Package transport sends requests to the voice assistant's web API.
// It resolves endpoints against the configured base URL, classifies
// failures into timeouts, connection errors and HTTP status errors, and
// tracks in-flight requests and an exponentially weighted moving average of
// response time.
package transport
