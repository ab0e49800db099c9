// Package progress provides the diagnostic event primitives, non-blocking hub,
// and emitter interfaces that tracking sessions use to report their lifecycle.
// It batches events on a background goroutine and fans them out to pluggable
// sinks such as Prometheus metrics, generation history storage, or outcome
// notifications.
package progress
