// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces that background tasks use to report their lifecycle. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// structured logs or Prometheus metrics.
package progress
