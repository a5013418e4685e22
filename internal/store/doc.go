// Package store defines the persistence boundary of the aggregator: the
// transactional catalog store, the run history repository and blob storage
// for diagnostics. Implementations live under internal/storage; this package
// must not import database drivers or concrete clients.
package store
