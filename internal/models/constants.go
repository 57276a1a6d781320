package models

import "time"

const (
	// QueueImport is the queue name for recipe import jobs.
	QueueImport = "import"
	// QueueCaldavSync is the queue name for CalDAV mirroring jobs.
	QueueCaldavSync = "caldav-sync"
)

const (
	// JobNameImport is the handler name of import jobs.
	JobNameImport = "import-recipe"
	// JobNameCaldavSync is the handler name of sync and delete jobs.
	JobNameCaldavSync = "caldav-sync"
)

const (
	DefaultImportAttempts  = 3
	DefaultImportBaseDelay = 2 * time.Second
	DefaultImportMaxDelay  = time.Minute

	DefaultSyncAttempts  = 10
	DefaultSyncBaseDelay = 60 * time.Second
	DefaultSyncMaxDelay  = time.Hour

	// DefaultCaldavTimeout bounds a single CalDAV HTTP round-trip.
	DefaultCaldavTimeout = 30 * time.Second

	// DefaultJobRetention is how long terminal jobs stay visible in the queue.
	DefaultJobRetention = 24 * time.Hour

	// DefaultClaimLease is how long a claimed job may stay active before it is
	// considered abandoned by a dead worker and requeued.
	DefaultClaimLease = 10 * time.Minute
	// DefaultMaxStalls is how many lease expiries a job survives before it is failed.
	DefaultMaxStalls = 3

	DefaultStatusPageSize = 20
	MaxStatusPageSize     = 200

	// DefaultEventDuration is the length of a mirrored calendar event.
	DefaultEventDuration = time.Hour
)
