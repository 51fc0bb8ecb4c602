// Package metrics records what the dispatcher did for each API call.
//
// It uses a channel-based event pipeline to asynchronously collect:
//   - Call counts and outcomes per resource
//   - Response times with percentile calculations (P50, P95, P99)
//   - HTTP status code distribution
//   - Cache fallbacks served while a resource was degraded
//   - Circuit breaker and connection state changes
//
// The collector runs in a dedicated goroutine and never blocks the call
// path: Emit drops events when the buffer is full. Processed events also
// feed a Prometheus registry, which the CLI writes to a node exporter
// textfile on exit.
//
// Example usage:
//
//	collector := metrics.NewCollector(256, logger, metrics.WithPrometheus(metrics.NewPrometheus()))
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventCallCompleted,
//		Resource:   "device",
//		Outcome:    "success",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	cancel()
//	collector.Wait()
//	snapshot := collector.Snapshot()
package metrics
