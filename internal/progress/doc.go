// Package progress owns the live state of preload and purge runs.
//
// A Tracker holds one RunState per run kind and is the only thing pollers
// read; Poll renders a snapshot into the JSON shape the status endpoint
// serves. Alongside it, a Hub batches run events on a background goroutine
// and fans them out to sinks (logs, Prometheus, run history, Pub/Sub, run
// reports) without ever blocking a worker.
package progress
