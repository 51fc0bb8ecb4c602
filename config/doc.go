// Package config loads voicectl settings from a YAML file, VOICECTL_*
// environment variables and command line flags, in increasing order of
// precedence, and validates them. It covers the API endpoint and timeouts,
// the cookie file and refresh command, the cache directory and per-entity
// TTLs, per-resource circuit breaker thresholds, and fan-out limits.
package config
