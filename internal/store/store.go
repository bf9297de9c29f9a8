// Package store persists job records and owns every status transition.
// It is the source of truth the journal feed is served from; filesystem
// state is only ever a cache verified against it.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"file-normalization-service/internal/models"
)

var (
	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicateSource is returned by Enqueue when an active job already
	// owns the source path. It signals a no-op, not a failure.
	ErrDuplicateSource = errors.New("active job already exists for source path")
)

// Store wraps database/sql for job persistence. SQLite is the default
// backend; a postgres:// DSN switches to the pgx driver.
type Store struct {
	db       *sql.DB
	postgres bool
}

// Open connects to the database named by dsn.
func Open(dsn string) (*Store, error) {
	driver := "sqlite"
	postgres := false
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "pgx"
		postgres = true
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if !postgres {
		// SQLite allows a single writer; serializing through one connection
		// avoids SQLITE_BUSY under concurrent workers.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, postgres: postgres}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to the $N form Postgres expects.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const jobColumns = `id, source_path, file_hash, status, attempts, processed_path, error_message, is_deleted, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var (
		job       models.Job
		processed sql.NullString
		errMsg    sql.NullString
		deleted   int
		createdUs int64
		updatedUs int64
	)
	err := row.Scan(&job.ID, &job.SourcePath, &job.FileHash, &job.Status, &job.Attempts,
		&processed, &errMsg, &deleted, &createdUs, &updatedUs)
	if err != nil {
		return models.Job{}, err
	}
	if processed.Valid {
		job.ProcessedPath = &processed.String
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	job.IsDeleted = deleted != 0
	job.CreatedAt = time.UnixMicro(createdUs).UTC()
	job.UpdatedAt = time.UnixMicro(updatedUs).UTC()
	return job, nil
}

func nowMicros() int64 {
	return time.Now().UTC().UnixMicro()
}

// isUniqueViolation reports whether err is the database rejecting a
// duplicate source_path. Postgres raises SQLSTATE 23505; the SQLite driver
// only exposes the constraint failure through its message.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

// touchExpr bumps updated_at to now, or to the next microsecond when the
// previous transition landed in the same tick. The cursor must strictly
// increase per job; journal consumers order by (updated_at, id).
const touchExpr = `updated_at = CASE WHEN ? > updated_at THEN ? ELSE updated_at + 1 END`

// EnqueueParams collects the inputs for Enqueue. ProcessedExists tells the
// store whether the completed output for this source is still on disk; the
// store itself never touches the filesystem.
type EnqueueParams struct {
	SourcePath      string
	FileHash        string
	ProcessedExists bool
}

// Enqueue creates or revives the job row for a source path.
//
// An active row is returned unchanged with ErrDuplicateSource. A completed,
// non-deleted row whose hash matches and whose output is still present is
// returned as-is: there is nothing to do. Every other existing row (failed,
// soft-deleted, changed content, missing output) is reset to queued with
// attempts zeroed. The check and the write run in one transaction; a
// concurrent insert of the same path trips the source_path unique index
// and the loser re-reads the winner's row, so exactly one job is created.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	row := tx.QueryRowContext(ctx,
		s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE source_path = ?`), p.SourcePath)
	existing, err := scanJob(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		now := nowMicros()
		job := models.Job{
			ID:         uuid.New().String(),
			SourcePath: p.SourcePath,
			FileHash:   p.FileHash,
			Status:     models.StatusQueued,
			CreatedAt:  time.UnixMicro(now).UTC(),
			UpdatedAt:  time.UnixMicro(now).UTC(),
		}
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO jobs (id, source_path, file_hash, status, attempts, processed_path, error_message, is_deleted, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, NULL, NULL, 0, ?, ?)
		`), job.ID, job.SourcePath, job.FileHash, job.Status, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				// Lost an insert race on source_path: a concurrent Enqueue
				// committed first. Release the transaction before retrying,
				// SQLite runs on a single connection.
				tx.Rollback()
				return s.Enqueue(ctx, p)
			}
			return models.Job{}, fmt.Errorf("insert job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return models.Job{}, fmt.Errorf("commit: %w", err)
		}
		return job, nil

	case err != nil:
		return models.Job{}, fmt.Errorf("select job by source: %w", err)
	}

	if existing.Active() {
		return existing, ErrDuplicateSource
	}
	if existing.Status == models.StatusCompleted && !existing.IsDeleted &&
		existing.FileHash == p.FileHash && p.ProcessedExists {
		return existing, nil
	}

	now := nowMicros()
	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE jobs
		SET file_hash = ?, status = ?, attempts = 0, processed_path = NULL,
		    error_message = NULL, is_deleted = 0, `+touchExpr+`
		WHERE id = ?
	`), p.FileHash, models.StatusQueued, now, now, existing.ID)
	if err != nil {
		return models.Job{}, fmt.Errorf("requeue job: %w", err)
	}
	job, err := getJobTx(ctx, tx, s, existing.ID)
	if err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

func getJobTx(ctx context.Context, tx *sql.Tx, s *Store, id string) (models.Job, error) {
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// GetBySourcePath fetches the job owning source path, if any.
func (s *Store) GetBySourcePath(ctx context.Context, sourcePath string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+jobColumns+` FROM jobs WHERE source_path = ?`), sourcePath)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// MarkProcessing transitions a job to processing and counts the attempt.
// It returns the updated row so the worker sees the attempt number it owns.
func (s *Store) MarkProcessing(ctx context.Context, id string) (models.Job, error) {
	now := nowMicros()
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET status = ?, attempts = attempts + 1, `+touchExpr+` WHERE id = ?
	`), models.StatusProcessing, now, now, id)
	if err != nil {
		return models.Job{}, fmt.Errorf("mark processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Job{}, ErrNotFound
	}
	return s.Get(ctx, id)
}

// MarkCompleted records the processed output path and finishes the job.
func (s *Store) MarkCompleted(ctx context.Context, id, processedPath string) error {
	now := nowMicros()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET status = ?, processed_path = ?, error_message = NULL, `+touchExpr+` WHERE id = ?
	`), models.StatusCompleted, processedPath, now, now, id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// MarkRetry returns a job to queued after a recoverable attempt failure.
// error_message stays NULL: it is set only on the terminal failed state.
func (s *Store) MarkRetry(ctx context.Context, id string) error {
	now := nowMicros()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET status = ?, error_message = NULL, `+touchExpr+` WHERE id = ?
	`), models.StatusQueued, now, now, id)
	if err != nil {
		return fmt.Errorf("mark retry: %w", err)
	}
	return nil
}

// MarkFailed records the terminal failed state with its error message.
func (s *Store) MarkFailed(ctx context.Context, id, errMsg string) error {
	now := nowMicros()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET status = ?, error_message = ?, `+touchExpr+` WHERE id = ?
	`), models.StatusFailed, errMsg, now, now, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// MarkDeleted soft-deletes a job so the journal can report the removal.
func (s *Store) MarkDeleted(ctx context.Context, id string) error {
	now := nowMicros()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE jobs SET is_deleted = 1, `+touchExpr+` WHERE id = ?
	`), now, now, id)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

// RequeueInflight resets every queued or processing job back to queued and
// returns the affected rows. Called once at startup so work interrupted by
// a crash is dispatched again.
func (s *Store) RequeueInflight(ctx context.Context) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+jobColumns+` FROM jobs WHERE status = ? OR status = ?
	`), models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("select inflight: %w", err)
	}
	inflight, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	requeued := make([]models.Job, 0, len(inflight))
	for _, job := range inflight {
		now := nowMicros()
		_, err := s.db.ExecContext(ctx, s.rebind(`
			UPDATE jobs SET status = ?, `+touchExpr+` WHERE id = ?
		`), models.StatusQueued, now, now, job.ID)
		if err != nil {
			return nil, fmt.Errorf("requeue inflight %s: %w", job.ID, err)
		}
		job.Status = models.StatusQueued
		requeued = append(requeued, job)
	}
	return requeued, nil
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	Status string
	Start  time.Time
	End    time.Time
}

// List returns jobs ordered by update time, newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, `status = ?`)
		args = append(args, f.Status)
	}
	if !f.Start.IsZero() {
		clauses = append(clauses, `updated_at >= ?`)
		args = append(args, f.Start.UTC().UnixMicro())
	}
	if !f.End.IsZero() {
		clauses = append(clauses, `updated_at <= ?`)
		args = append(args, f.End.UTC().UnixMicro())
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY updated_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ChangesSince returns jobs updated strictly after the cursor, ordered by
// (updated_at, id), soft-deleted rows included. Consumers persist the last
// UpdatedAt they saw and pass it back to resume.
func (s *Store) ChangesSince(ctx context.Context, since time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+jobColumns+` FROM jobs WHERE updated_at > ? ORDER BY updated_at ASC, id ASC LIMIT ?
	`), since.UTC().UnixMicro(), limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	return collectJobs(rows)
}

// Stats returns job counts keyed by status, zero-filled.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stats query: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int, len(models.Statuses))
	for _, status := range models.Statuses {
		counts[status] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func collectJobs(rows *sql.Rows) ([]models.Job, error) {
	defer rows.Close()
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
