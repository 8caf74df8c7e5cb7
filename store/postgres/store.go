// Package postgres provides a job record store on PostgreSQL using a pgx
// connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oshribin/duty/core"
	dutyErrors "github.com/oshribin/duty/errors"
	"github.com/oshribin/duty/job"
)

const schema = `
CREATE TABLE IF NOT EXISTS duty_jobs (
	seq      BIGSERIAL   PRIMARY KEY,
	id       TEXT        NOT NULL UNIQUE,
	name     TEXT        NOT NULL,
	data     JSONB,
	status   TEXT        NOT NULL,
	added_on TIMESTAMPTZ NOT NULL,
	end_on   TIMESTAMPTZ,
	result   JSONB,
	error    TEXT,
	loaded   BIGINT,
	total    BIGINT
);
CREATE INDEX IF NOT EXISTS duty_jobs_name_status ON duty_jobs (name, status);
`

const columns = `seq, id, name, data::text, status, added_on, end_on, result::text, error, loaded, total`

// Store is a job record store backed by a pgx pool
type Store struct {
	pool    *pgxpool.Pool
	options Options
	logger  *slog.Logger
}

// Open creates the pool, pings the server and, if requested, migrates
func Open(ctx context.Context, options Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if options.PageSize <= 0 {
		options.PageSize = DefaultOptions().PageSize
	}

	pc, err := pgxpool.ParseConfig(options.DSN)
	if err != nil {
		return nil, fmt.Errorf("duty/postgres: %w: %v", dutyErrors.ErrInvalidConfig, err)
	}
	if options.MaxConns > 0 {
		pc.MaxConns = options.MaxConns
	}
	pc.MinConns = options.MinConns
	pc.MaxConnLifetime = options.MaxConnLifetime
	pc.MaxConnIdleTime = options.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "duty"
	if options.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprint(options.StatementTimeout.Milliseconds())
	}

	if options.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.DialTimeout)
		defer cancel()
	}

	logger.Info("Connecting to database", "host", pc.ConnConfig.Host, "database", pc.ConnConfig.Database)
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, dutyErrors.NewConnectionError(pc.ConnConfig.Host, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		logger.Error("Database ping failed", "error", err)
		return nil, dutyErrors.NewConnectionError(pc.ConnConfig.Host, err)
	}

	s := &Store{pool: pool, options: options, logger: logger}
	if options.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	logger.Info("Connected to database")
	return s, nil
}

// Migrate creates the duty_jobs table and its index
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("duty/postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks the pool
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying pgx pool
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the pool
func (s *Store) Close() error {
	s.logger.Info("Closing database connections")
	s.pool.Close()
	return nil
}

// Insert persists a new record. An empty id is filled with a UUID.
func (s *Store) Insert(ctx context.Context, rec *job.Job) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO duty_jobs (id, name, data, status, added_on, end_on, result, error, loaded, total)
		 VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7::jsonb, $8, $9, $10)`,
		id, rec.Name, rawText(rec.Data), string(rec.Status), rec.AddedOn,
		rec.EndOn, rawText(rec.Result), errorText(rec.Error), rec.Loaded, rec.Total)
	if err != nil {
		if isDuplicateKey(err) {
			return "", dutyErrors.ErrJobExists
		}
		return "", fmt.Errorf("duty/postgres: insert job: %w", err)
	}
	return id, nil
}

// FindByID returns the record with the given id
func (s *Store) FindByID(ctx context.Context, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM duty_jobs WHERE id = $1`, id)

	_, rec, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, dutyErrors.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("duty/postgres: find job: %w", err)
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

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("duty/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.FindByID(ctx, id); err != nil {
			return err
		}
		return dutyErrors.ErrStatusConflict
	}
	return nil
}

// updateQuery builds the UPDATE for patch, guarded by its From statuses
func updateQuery(id string, patch job.Patch) (string, []any, bool) {
	sets, args := patchColumns(patch)
	if len(sets) == 0 {
		return "", nil, false
	}

	args = append(args, id)
	where := fmt.Sprintf("id = $%d", len(args))
	if len(patch.From) > 0 {
		from := make([]string, len(patch.From))
		for i, st := range patch.From {
			from[i] = string(st)
		}
		args = append(args, from)
		where += fmt.Sprintf(" AND status = ANY($%d)", len(args))
	}
	return fmt.Sprintf(`UPDATE duty_jobs SET %s WHERE %s`, strings.Join(sets, ", "), where), args, true
}

// Scan returns a cursor over the matching records in insertion order,
// fetched one page at a time
func (s *Store) Scan(_ context.Context, filter job.Filter) (core.Cursor, error) {
	return &cursor{store: s, filter: filter}, nil
}

func (s *Store) page(ctx context.Context, filter job.Filter, after int64) ([]row, error) {
	query, args := pageQuery(filter, after, s.options.PageSize)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("duty/postgres: scan jobs: %w", err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		seq, rec, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("duty/postgres: scan jobs: %w", err)
		}
		out = append(out, row{seq: seq, job: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("duty/postgres: scan jobs: %w", err)
	}
	return out, nil
}

func (s *Store) remove(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM duty_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("duty/postgres: remove job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dutyErrors.ErrJobNotFound
	}
	return nil
}

func pageQuery(filter job.Filter, after int64, limit int) (string, []any) {
	args := []any{after}
	where := []string{"seq > $1"}

	if filter.Name != "" {
		args = append(args, filter.Name)
		where = append(where, fmt.Sprintf("name = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if !filter.AddedBefore.IsZero() {
		args = append(args, filter.AddedBefore)
		where = append(where, fmt.Sprintf("added_on < $%d", len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM duty_jobs WHERE %s ORDER BY seq LIMIT $%d`,
		columns, strings.Join(where, " AND "), len(args))
	return query, args
}

func patchColumns(p job.Patch) ([]string, []any) {
	var sets []string
	var args []any

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.EndOn != nil {
		add("end_on", *p.EndOn)
	}
	if p.Result != nil {
		args = append(args, string(p.Result))
		sets = append(sets, fmt.Sprintf("result = $%d::jsonb", len(args)))
	}
	if p.Error != nil {
		add("error", *p.Error)
	}
	if p.Loaded != nil {
		add("loaded", *p.Loaded)
	}
	if p.Total != nil {
		add("total", *p.Total)
	}
	return sets, args
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

func scanJob(sc pgx.Row) (int64, *job.Job, error) {
	var (
		seq          int64
		rec          job.Job
		status       string
		data, result *string
		errMsg       *string
		endOn        *time.Time
	)

	if err := sc.Scan(&seq, &rec.ID, &rec.Name, &data, &status, &rec.AddedOn,
		&endOn, &result, &errMsg, &rec.Loaded, &rec.Total); err != nil {
		return 0, nil, err
	}

	rec.Status = job.Status(status)
	rec.EndOn = endOn
	if data != nil {
		rec.Data = []byte(*data)
	}
	if result != nil {
		rec.Result = []byte(*result)
	}
	if errMsg != nil {
		rec.Error = *errMsg
	}
	return seq, &rec, nil
}

func rawText(b []byte) *string {
	if b == nil {
		return nil
	}
	s := string(b)
	return &s
}

func errorText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ core.Store = (*Store)(nil)
