// Package httpserver exposes a long-running voicectl process over HTTP:
// Prometheus metrics on /metrics and the session status as JSON on
// /status. It is started by `voicectl status --watch --metrics-addr`.
package httpserver
