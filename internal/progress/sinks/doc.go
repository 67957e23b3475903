// Package sinks implements concrete progress consumers: Prometheus collectors,
// run history persistence, run reports, Pub/Sub fan-out and structured logging.
// Each sink satisfies progress.Sink and is safe for repeated Consume calls.
package sinks
