// Package sqlite provides a job record store on SQLite using the pure-Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/oshribin/duty/core"
	dutyErrors "github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS duty_jobs (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	id       TEXT    NOT NULL UNIQUE,
	name     TEXT    NOT NULL,
	data     TEXT,
	status   TEXT    NOT NULL,
	added_on INTEGER NOT NULL,
	end_on   INTEGER,
	result   TEXT,
	error    TEXT,
	loaded   INTEGER,
	total    INTEGER
);
CREATE INDEX IF NOT EXISTS duty_jobs_name_status ON duty_jobs (name, status);
`

const columns = `seq, id, name, data, status, added_on, end_on, result, error, loaded, total`

// Store is a job record store backed by a SQLite database
type Store struct {
	db      *sql.DB
	options Options
}

// Open opens the database at options.Path and, if requested, migrates it
func Open(ctx context.Context, options Options) (*Store, error) {
	if options.Path == "" {
		return nil, fmt.Errorf("duty/sqlite: %w: empty path", dutyErrors.ErrInvalidConfig)
	}
	if options.PageSize <= 0 {
		options.PageSize = DefaultOptions().PageSize
	}

	dsn := options.Path
	if options.BusyTimeout > 0 {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += fmt.Sprintf("%s_pragma=busy_timeout(%d)", sep, options.BusyTimeout.Milliseconds())
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, dutyErrors.NewConnectionError(options.Path, err)
	}
	// Every connection to ":memory:" would see its own empty database, and
	// SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, options: options}
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, dutyErrors.NewConnectionError(options.Path, err)
	}

	if options.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the duty_jobs table and its index
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("duty/sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying *sql.DB
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert persists a new record. An empty id is filled with a UUID.
func (s *Store) Insert(ctx context.Context, rec *job.Job) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO duty_jobs (id, name, data, status, added_on, end_on, result, error, loaded, total)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.Name, nullRaw(rec.Data), string(rec.Status), rec.AddedOn.UnixNano(),
		nullTime(rec.EndOn), nullRaw(rec.Result), nullString(rec.Error),
		nullInt(rec.Loaded), nullInt(rec.Total))
	if err != nil {
		if isUniqueViolation(err) {
			return "", dutyErrors.ErrJobExists
		}
		return "", fmt.Errorf("duty/sqlite: insert job: %w", err)
	}
	return id, nil
}

// FindByID returns the record with the given id
func (s *Store) FindByID(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM duty_jobs WHERE id = ?`, id)

	_, rec, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, dutyErrors.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("duty/sqlite: find job: %w", err)
	}
	return rec, nil
}

// UpdateByID applies the set fields of patch to the record
func (s *Store) UpdateByID(ctx context.Context, id string, patch job.Patch) error {
	query, args, ok := updateQuery(id, patch)
	if !ok {
		_, err := s.FindByID(ctx, id)
		return err
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("duty/sqlite: update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("duty/sqlite: update job: %w", err)
	}
	if n == 0 {
		// Either the record is gone or the From guard rejected it.
		if _, err := s.FindByID(ctx, id); err != nil {
			return err
		}
		return dutyErrors.ErrStatusConflict
	}
	return nil
}

// updateQuery builds the UPDATE for patch. It reports false when the patch
// sets no column.
func updateQuery(id string, patch job.Patch) (string, []any, bool) {
	sets, args := patchColumns(patch)
	if len(sets) == 0 {
		return "", nil, false
	}

	where := "id = ?"
	args = append(args, id)
	if len(patch.From) > 0 {
		marks := make([]string, len(patch.From))
		for i, st := range patch.From {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where += " AND status IN (" + strings.Join(marks, ", ") + ")"
	}
	return `UPDATE duty_jobs SET ` + strings.Join(sets, ", ") + ` WHERE ` + where, args, true
}

// Scan returns a cursor over the matching records in insertion order. The
// cursor fetches one page at a time so records can be removed while
// iterating.
func (s *Store) Scan(_ context.Context, filter job.Filter) (core.Cursor, error) {
	return &cursor{store: s, filter: filter}, nil
}

func (s *Store) page(ctx context.Context, filter job.Filter, after int64) ([]row, error) {
	where := []string{"seq > ?"}
	args := []any{after}

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if !filter.AddedBefore.IsZero() {
		where = append(where, "added_on < ?")
		args = append(args, filter.AddedBefore.UnixNano())
	}
	args = append(args, s.options.PageSize)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM duty_jobs WHERE `+strings.Join(where, " AND ")+
			` ORDER BY seq LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("duty/sqlite: scan jobs: %w", err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		seq, rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("duty/sqlite: scan jobs: %w", err)
		}
		out = append(out, row{seq: seq, job: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("duty/sqlite: scan jobs: %w", err)
	}
	return out, nil
}

func (s *Store) remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM duty_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("duty/sqlite: remove job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return dutyErrors.ErrJobNotFound
	}
	return nil
}

type row struct {
	seq int64
	job *job.Job
}

type cursor struct {
	store  *Store
	filter job.Filter

	buf     []row
	current *row
	last    int64
	done    bool
	err     error
}

func (c *cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if len(c.buf) == 0 {
		if c.done {
			c.current = nil
			return false
		}
		c.buf, c.err = c.store.page(ctx, c.filter, c.last)
		if c.err != nil {
			return false
		}
		if len(c.buf) < c.store.options.PageSize {
			c.done = true
		}
		if len(c.buf) == 0 {
			c.current = nil
			return false
		}
	}

	r := c.buf[0]
	c.buf = c.buf[1:]
	c.current = &r
	c.last = r.seq
	return true
}

func (c *cursor) Job() *job.Job {
	if c.current == nil {
		return nil
	}
	return c.current.job.Clone()
}

func (c *cursor) Remove(ctx context.Context) error {
	if c.current == nil {
		return dutyErrors.ErrJobNotFound
	}
	return c.store.remove(ctx, c.current.job.ID)
}

func (c *cursor) Err() error { return c.err }

func (c *cursor) Close() error {
	c.buf = nil
	c.current = nil
	c.done = true
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (int64, *job.Job, error) {
	var (
		seq           int64
		rec           job.Job
		status        string
		addedOn       int64
		data, result  sql.NullString
		errMsg        sql.NullString
		endOn         sql.NullInt64
		loaded, total sql.NullInt64
	)

	if err := sc.Scan(&seq, &rec.ID, &rec.Name, &data, &status, &addedOn,
		&endOn, &result, &errMsg, &loaded, &total); err != nil {
		return 0, nil, err
	}

	rec.Status = job.Status(status)
	rec.AddedOn = time.Unix(0, addedOn).UTC()
	if data.Valid {
		rec.Data = []byte(data.String)
	}
	if result.Valid {
		rec.Result = []byte(result.String)
	}
	rec.Error = errMsg.String
	if endOn.Valid {
		t := time.Unix(0, endOn.Int64).UTC()
		rec.EndOn = &t
	}
	if loaded.Valid {
		v := loaded.Int64
		rec.Loaded = &v
	}
	if total.Valid {
		v := total.Int64
		rec.Total = &v
	}
	return seq, &rec, nil
}

func patchColumns(p job.Patch) ([]string, []any) {
	var sets []string
	var args []any

	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
	}
	if p.EndOn != nil {
		sets = append(sets, "end_on = ?")
		args = append(args, p.EndOn.UnixNano())
	}
	if p.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(p.Result))
	}
	if p.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *p.Error)
	}
	if p.Loaded != nil {
		sets = append(sets, "loaded = ?")
		args = append(args, *p.Loaded)
	}
	if p.Total != nil {
		sets = append(sets, "total = ?")
		args = append(args, *p.Total)
	}
	return sets, args
}

func nullRaw(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func nullInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ core.Store = (*Store)(nil)
