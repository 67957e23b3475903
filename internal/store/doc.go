// Package store defines the persistence contracts for run history. Concrete
// repositories live under internal/storage; this package must not import
// database drivers or cloud clients.
package store
