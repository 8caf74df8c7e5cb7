package sqlite

import "time"

// Options for the SQLite store
type Options struct {
	// Path is the database file, or ":memory:" for a private in-memory database
	Path string

	// BusyTimeout is how long a writer waits on a locked database
	BusyTimeout time.Duration

	// PageSize is the number of records a cursor fetches per query
	PageSize int

	// AutoMigrate creates the schema when the store is opened
	AutoMigrate bool
}

// DefaultOptions returns default SQLite options
func DefaultOptions() Options {
	return Options{
		Path:        "duty.db",
		BusyTimeout: 5 * time.Second,
		PageSize:    100,
		AutoMigrate: true,
	}
}
