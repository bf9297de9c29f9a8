// Package manager drives the conversion pipeline: it admits sources as jobs,
// dispatches them to a bounded worker pool, applies retry backoff, and
// reconciles the incoming directory against the job records.
package manager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"file-normalization-service/internal/config"
	"file-normalization-service/internal/converter"
	"file-normalization-service/internal/models"
	"file-normalization-service/internal/queue"
	"file-normalization-service/internal/storage"
	"file-normalization-service/internal/store"
	"file-normalization-service/internal/telemetry"
)

// ConvertFunc produces markdown from raw source bytes. The filename picks
// the format.
type ConvertFunc func(data []byte, filename string) (converter.Document, error)

// Manager owns the job lifecycle between the HTTP surface and the workers.
type Manager struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.Queue
	layout  *storage.Layout
	mirror  *storage.Mirror
	convert ConvertFunc
	log     *slog.Logger

	wg sync.WaitGroup
}

type Option func(*Manager)

// WithConverter replaces the conversion function.
func WithConverter(fn ConvertFunc) Option {
	return func(m *Manager) { m.convert = fn }
}

// WithMirror attaches an S3 mirror for finished markdown.
func WithMirror(mirror *storage.Mirror) Option {
	return func(m *Manager) { m.mirror = mirror }
}

func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func New(cfg config.Config, st *store.Store, q *queue.Queue, layout *storage.Layout, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		store:   st,
		queue:   q,
		layout:  layout,
		convert: converter.ToMarkdown,
		log:     slog.Default().With("component", "manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start recovers interrupted jobs, then runs the worker pool and the
// retry-promotion loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.recoverInflight(ctx); err != nil {
		return err
	}
	for i := 0; i < m.cfg.MaxConcurrentJobs; i++ {
		m.wg.Add(1)
		go func(workerID int) {
			defer m.wg.Done()
			m.workerLoop(ctx, workerID)
		}(i)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.promoteLoop(ctx)
	}()
	return nil
}

// Wait blocks until every worker has drained after context cancellation.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// recoverInflight re-dispatches rows that were queued or processing when the
// previous process stopped. In-memory queue state is gone after a crash; the
// rows are the source of truth.
func (m *Manager) recoverInflight(ctx context.Context) error {
	jobs, err := m.store.RequeueInflight(ctx)
	if err != nil {
		return fmt.Errorf("recover inflight jobs: %w", err)
	}
	for _, job := range jobs {
		if err := m.queue.Push(ctx, job.ID); err != nil {
			return fmt.Errorf("re-dispatch job %s: %w", job.ID, err)
		}
	}
	if len(jobs) > 0 {
		m.log.Info("recovered interrupted jobs", "count", len(jobs))
	}
	return nil
}

// Enqueue admits one source file as a job. The file is hashed so unchanged
// completed sources are recognized and skipped.
func (m *Manager) Enqueue(ctx context.Context, sourcePath string) (models.Job, error) {
	data, err := m.layout.ReadSource(sourcePath)
	if err != nil {
		return models.Job{}, err
	}
	sum := sha256.Sum256(data)

	job, err := m.store.Enqueue(ctx, store.EnqueueParams{
		SourcePath:      sourcePath,
		FileHash:        hex.EncodeToString(sum[:]),
		ProcessedExists: m.layout.ProcessedExists(sourcePath),
	})
	if err != nil {
		return job, err
	}
	if job.Status == models.StatusQueued {
		if err := m.queue.Push(ctx, job.ID); err != nil {
			return job, fmt.Errorf("dispatch job %s: %w", job.ID, err)
		}
		telemetry.JobsEnqueued.Inc()
		m.log.Info("job enqueued", "job_id", job.ID, "source", sourcePath)
	}
	return job, nil
}

// ScanResult summarizes one reconciliation pass over the incoming area.
type ScanResult struct {
	Scanned int `json:"scanned"`
	Queued  int `json:"queued"`
	Removed int `json:"removed"`
}

// TriggerScan reconciles the incoming directory with the job records: new or
// changed files are enqueued, and terminal jobs whose source vanished are
// soft-deleted so the change journal reports the removal.
func (m *Manager) TriggerScan(ctx context.Context) (ScanResult, error) {
	telemetry.ScansRun.Inc()
	sources, err := m.layout.ListIncoming()
	if err != nil {
		return ScanResult{}, err
	}

	var result ScanResult
	result.Scanned = len(sources)
	for _, source := range sources {
		job, err := m.Enqueue(ctx, source)
		switch {
		case errors.Is(err, store.ErrDuplicateSource):
			continue
		case err != nil:
			m.log.Error("scan enqueue failed", "source", source, "error", err)
			continue
		}
		if job.Status == models.StatusQueued {
			result.Queued++
		}
	}

	removed, err := m.reapVanished(ctx)
	if err != nil {
		return result, err
	}
	result.Removed = removed
	m.log.Info("inbox scan finished",
		"scanned", result.Scanned, "queued", result.Queued, "removed", result.Removed)
	return result, nil
}

// reapVanished soft-deletes terminal jobs whose source file is gone. Active
// jobs are left alone; a queued job with a missing file fails on its own
// when a worker picks it up.
func (m *Manager) reapVanished(ctx context.Context) (int, error) {
	jobs, err := m.store.List(ctx, store.ListFilter{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, job := range jobs {
		if job.Active() || job.IsDeleted {
			continue
		}
		if m.layout.SourceExists(job.SourcePath) {
			continue
		}
		if err := m.store.MarkDeleted(ctx, job.ID); err != nil {
			return removed, err
		}
		removed++
		m.log.Info("source removed from incoming", "job_id", job.ID, "source", job.SourcePath)
	}
	return removed, nil
}

func (m *Manager) workerLoop(ctx context.Context, workerID int) {
	log := m.log.With("worker", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		jobID, err := m.queue.Pop(ctx, time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("queue pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if jobID == "" {
			continue
		}
		m.processJob(ctx, log, jobID)
	}
}

// promoteLoop moves due retries from the scheduled set onto the ready queue
// and keeps the depth gauges current.
func (m *Manager) promoteLoop(ctx context.Context) {
	interval := m.cfg.RetryInitialDelay / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := m.queue.PromoteDue(ctx, time.Now(), 100); err != nil && ctx.Err() == nil {
			m.log.Error("promote scheduled retries", "error", err)
		}
		if depth, err := m.queue.Depth(ctx); err == nil {
			telemetry.QueueDepth.Set(float64(depth))
		}
		if depth, err := m.queue.ScheduledDepth(ctx); err == nil {
			telemetry.ScheduledDepth.Set(float64(depth))
		}
	}
}

func (m *Manager) processJob(ctx context.Context, log *slog.Logger, jobID string) {
	job, err := m.store.MarkProcessing(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("queued job no longer exists", "job_id", jobID)
			return
		}
		log.Error("mark processing failed", "job_id", jobID, "error", err)
		return
	}

	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	start := time.Now()
	doc, err := m.runConversion(ctx, job)
	telemetry.ConvertDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		assets := make([]storage.Asset, 0, len(doc.Assets))
		for _, a := range doc.Assets {
			assets = append(assets, storage.Asset{Path: a.Path, Data: a.Data})
		}
		rel, werr := m.layout.WriteProcessed(job.SourcePath, []byte(doc.Markdown), assets)
		if werr != nil {
			m.handleFailure(ctx, log, job, werr)
			return
		}
		if err := m.store.MarkCompleted(ctx, job.ID, rel); err != nil {
			log.Error("mark completed failed", "job_id", job.ID, "error", err)
			return
		}
		telemetry.JobsCompleted.Inc()
		log.Info("job completed", "job_id", job.ID, "source", job.SourcePath,
			"attempts", job.Attempts, "output", rel)
		m.mirrorOutput(ctx, log, rel, []byte(doc.Markdown))
		return
	}
	m.handleFailure(ctx, log, job, err)
}

// runConversion executes one conversion attempt under the per-attempt
// timeout. The converter itself does not take a context, so a timed-out
// attempt keeps running in its goroutine until it finishes; its result is
// discarded.
func (m *Manager) runConversion(ctx context.Context, job models.Job) (converter.Document, error) {
	data, err := m.layout.ReadSource(job.SourcePath)
	if err != nil {
		return converter.Document{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConvertTimeout)
	defer cancel()

	type outcome struct {
		doc converter.Document
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		doc, err := m.convert(data, job.SourcePath)
		done <- outcome{doc: doc, err: err}
	}()

	select {
	case <-ctx.Done():
		return converter.Document{}, fmt.Errorf("conversion exceeded %s: %w", m.cfg.ConvertTimeout, ctx.Err())
	case out := <-done:
		return out.doc, out.err
	}
}

// handleFailure either schedules a retry with exponential backoff or, once
// the attempt ceiling is reached, quarantines the source and marks the job
// terminally failed.
func (m *Manager) handleFailure(ctx context.Context, log *slog.Logger, job models.Job, cause error) {
	if job.Attempts >= m.cfg.MaxRetries {
		if err := m.layout.MoveToFailed(job.SourcePath); err != nil {
			// Marking the job failed while the source still sits in the
			// incoming tree would let the next scan revive it. Keep the job
			// retryable so the quarantine is attempted again.
			log.Error("quarantine failed, retrying later", "job_id", job.ID, "error", err)
			m.scheduleRetry(ctx, log, job, cause)
			return
		}
		if err := m.store.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
			log.Error("mark failed failed", "job_id", job.ID, "error", err)
			return
		}
		telemetry.JobsFailed.Inc()
		log.Error("job failed permanently", "job_id", job.ID, "source", job.SourcePath,
			"attempts", job.Attempts, "error", cause)
		return
	}
	m.scheduleRetry(ctx, log, job, cause)
}

func (m *Manager) scheduleRetry(ctx context.Context, log *slog.Logger, job models.Job, cause error) {
	delay := m.backoffDelay(job.Attempts)
	if err := m.store.MarkRetry(ctx, job.ID); err != nil {
		log.Error("mark retry failed", "job_id", job.ID, "error", err)
		return
	}
	if err := m.queue.Schedule(ctx, job.ID, time.Now().Add(delay)); err != nil {
		log.Error("schedule retry failed", "job_id", job.ID, "error", err)
		return
	}
	telemetry.JobRetries.Inc()
	log.Warn("attempt failed, retry scheduled", "job_id", job.ID, "source", job.SourcePath,
		"attempt", job.Attempts, "delay", delay, "error", cause)
}

// backoffDelay grows geometrically with the attempt number: the first retry
// waits the initial delay, the second initial*factor, and so on.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	scale := math.Pow(m.cfg.RetryBackoffFactor, float64(attempt-1))
	return time.Duration(float64(m.cfg.RetryInitialDelay) * scale)
}

func (m *Manager) mirrorOutput(ctx context.Context, log *slog.Logger, key string, markdown []byte) {
	if !m.mirror.Enabled() {
		return
	}
	location, err := m.mirror.Upload(ctx, key, markdown, "text/markdown; charset=utf-8")
	if err != nil {
		log.Error("mirror upload failed", "key", key, "error", err)
		return
	}
	log.Info("output mirrored", "location", location)
}

// ConvertDirect runs a synchronous one-off conversion outside the job
// pipeline, still under the per-attempt timeout. The result is mirrored but
// never written to the processed area.
func (m *Manager) ConvertDirect(ctx context.Context, data []byte, filename string) (converter.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConvertTimeout)
	defer cancel()

	type outcome struct {
		doc converter.Document
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		doc, err := m.convert(data, filename)
		done <- outcome{doc: doc, err: err}
	}()

	select {
	case <-ctx.Done():
		return converter.Document{}, fmt.Errorf("conversion exceeded %s: %w", m.cfg.ConvertTimeout, ctx.Err())
	case out := <-done:
		if out.err != nil {
			return converter.Document{}, out.err
		}
		m.mirrorOutput(ctx, m.log, "adhoc/"+filename+".md", []byte(out.doc.Markdown))
		return out.doc, nil
	}
}

// GetJob returns one job by id.
func (m *Manager) GetJob(ctx context.Context, id string) (models.Job, error) {
	return m.store.Get(ctx, id)
}

// ListJobs returns jobs matching the filter, newest change first.
func (m *Manager) ListJobs(ctx context.Context, f store.ListFilter) ([]models.Job, error) {
	return m.store.List(ctx, f)
}

// Changes returns the incremental change journal after the given cursor.
func (m *Manager) Changes(ctx context.Context, since time.Time, limit int) ([]models.Job, error) {
	if limit <= 0 || limit > m.cfg.JournalPageSize {
		limit = m.cfg.JournalPageSize
	}
	return m.store.ChangesSince(ctx, since, limit)
}

// Stats returns job counts per status, all statuses present.
func (m *Manager) Stats(ctx context.Context) (map[string]int, error) {
	return m.store.Stats(ctx)
}
