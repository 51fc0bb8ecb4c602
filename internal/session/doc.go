// Package session wires voicectl together. A Session owns the process-wide
// connection state machine, breaker registry, cache and metrics collector,
// builds the executor every manager shares, and tears everything down in
// order on Close.
package session
