/*
Package storage provides the destination store abstraction for synced metrics.

# Backends

All backends implement the Storage interface:
  - badger: BadgerDB (LSM tree + Snappy compression), the default
  - sqlite: a single SQLite file through the pure-Go modernc.org driver
  - memory: in-memory storage for tests and dry runs

# Keys and idempotence

A stored record is identified by its metric name, its label set and its
timestamp. Writing the same identity twice keeps the last value, so a sync
that re-fetches an already stored window does not create duplicates.

# Resume cursor

LastTimestamp answers "what is the newest point stored for metric M". The sync
engine resumes from it instead of keeping its own cursor:

	ts, err := store.LastTimestamp(ctx, "cpu")
	if errors.Is(err, storage.ErrNoData) {
	    // first run for this metric
	}
*/
package storage
