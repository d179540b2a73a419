package zidcache

import "sync/atomic"

// Stats collects per-engine diagnostics counters. Migration write failures
// land here instead of aborting the copy loop, so callers can tell a clean
// migration from a lossy one.
type Stats struct {
	lookups              atomic.Uint64
	hits                 atomic.Uint64
	appends              atomic.Uint64
	saveErrors           atomic.Uint64
	migrated             atomic.Uint64
	migrationWriteErrors atomic.Uint64
}

type StatsSnapshot struct {
	Lookups              uint64 `json:"lookups"`
	Hits                 uint64 `json:"hits"`
	Appends              uint64 `json:"appends"`
	SaveErrors           uint64 `json:"save_errors"`
	Migrated             uint64 `json:"migrated"`
	MigrationWriteErrors uint64 `json:"migration_write_errors"`
}

func (c *Cache) Stats() StatsSnapshot {
	return StatsSnapshot{
		Lookups:              c.stats.lookups.Load(),
		Hits:                 c.stats.hits.Load(),
		Appends:              c.stats.appends.Load(),
		SaveErrors:           c.stats.saveErrors.Load(),
		Migrated:             c.stats.migrated.Load(),
		MigrationWriteErrors: c.stats.migrationWriteErrors.Load(),
	}
}
