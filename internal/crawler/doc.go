// Package crawler defines the core types shared by the preload pipeline: work
// items, fetch outcomes, run configuration, reject rules, retry policy, the
// in-flight URL registry and the error taxonomy used across the service.
package crawler
