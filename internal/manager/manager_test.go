package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"file-normalization-service/internal/config"
	"file-normalization-service/internal/converter"
	"file-normalization-service/internal/models"
	"file-normalization-service/internal/queue"
	"file-normalization-service/internal/storage"
	"file-normalization-service/internal/store"
)

type testEnv struct {
	manager *Manager
	store   *store.Store
	layout  *storage.Layout
	cfg     config.Config
}

func newTestEnv(t *testing.T, convert ConvertFunc, mutate func(*config.Config)) *testEnv {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	root := t.TempDir()
	st, err := store.Open(filepath.Join(root, "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	layout := storage.NewLayout(root, "incoming", "processed", "failed_conversions")
	if err := layout.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}

	cfg := config.Config{
		MaxConcurrentJobs:  2,
		MaxRetries:         3,
		RetryInitialDelay:  20 * time.Millisecond,
		RetryBackoffFactor: 1.5,
		ConvertTimeout:     5 * time.Second,
		JournalPageSize:    200,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	opts := []Option{}
	if convert != nil {
		opts = append(opts, WithConverter(convert))
	}
	m := New(cfg, st, queue.New(client), layout, opts...)
	return &testEnv{manager: m, store: st, layout: layout, cfg: cfg}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.manager.Start(ctx); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		e.manager.Wait()
	})
}

func (e *testEnv) stage(t *testing.T, name, content string) {
	t.Helper()
	if _, err := e.layout.StageIncoming(name, strings.NewReader(content)); err != nil {
		t.Fatalf("stage %s: %v", name, err)
	}
}

func (e *testEnv) waitForStatus(t *testing.T, jobID, status string) models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.store.Get(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := e.store.Get(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last state %+v", jobID, status, job)
	return models.Job{}
}

func staticConverter(markdown string) ConvertFunc {
	return func(data []byte, filename string) (converter.Document, error) {
		return converter.Document{Markdown: markdown}, nil
	}
}

// flakyConverter fails the first n calls, then succeeds.
func flakyConverter(n int) ConvertFunc {
	var mu sync.Mutex
	calls := 0
	return func(data []byte, filename string) (converter.Document, error) {
		mu.Lock()
		calls++
		attempt := calls
		mu.Unlock()
		if attempt <= n {
			return converter.Document{}, fmt.Errorf("simulated parse failure %d", attempt)
		}
		return converter.Document{Markdown: "# Recovered\n"}, nil
	}
}

func TestJobCompletesAndWritesOutput(t *testing.T) {
	env := newTestEnv(t, staticConverter("# Converted\n"), nil)
	env.start(t)
	env.stage(t, "docs/note.txt", "hello")

	job, err := env.manager.Enqueue(context.Background(), "docs/note.txt")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := env.waitForStatus(t, job.ID, models.StatusCompleted)

	if done.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", done.Attempts)
	}
	if done.ProcessedPath == nil || *done.ProcessedPath != "processed/docs/note.md" {
		t.Errorf("processed_path = %v", done.ProcessedPath)
	}
	if done.ErrorMessage != nil {
		t.Errorf("error_message = %v, want nil", *done.ErrorMessage)
	}
	if !env.layout.ProcessedExists("docs/note.txt") {
		t.Error("markdown output missing on disk")
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	env := newTestEnv(t, flakyConverter(2), nil)
	env.start(t)
	env.stage(t, "report.pdf", "pdf bytes")

	job, err := env.manager.Enqueue(context.Background(), "report.pdf")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := env.waitForStatus(t, job.ID, models.StatusCompleted)

	if done.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", done.Attempts)
	}
	if done.ProcessedPath == nil {
		t.Error("processed_path not set")
	}
	if entries, _ := os.ReadDir(filepath.Join(env.layoutRoot(t), "failed_conversions")); len(entries) != 0 {
		t.Errorf("failed_conversions should be empty, has %d entries", len(entries))
	}
}

func TestRetriesExhaustedQuarantinesSource(t *testing.T) {
	env := newTestEnv(t, func(data []byte, filename string) (converter.Document, error) {
		return converter.Document{}, errors.New("always broken")
	}, nil)
	env.start(t)
	env.stage(t, "bad.docx", "not a docx")

	job, err := env.manager.Enqueue(context.Background(), "bad.docx")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := env.waitForStatus(t, job.ID, models.StatusFailed)

	if done.Attempts != env.cfg.MaxRetries {
		t.Errorf("attempts = %d, want %d", done.Attempts, env.cfg.MaxRetries)
	}
	if done.ErrorMessage == nil || !strings.Contains(*done.ErrorMessage, "always broken") {
		t.Errorf("error_message = %v", done.ErrorMessage)
	}
	if done.ProcessedPath != nil {
		t.Errorf("processed_path = %v, want nil", *done.ProcessedPath)
	}
	if env.layout.SourceExists("bad.docx") {
		t.Error("source still in incoming after exhausting retries")
	}
	if _, err := os.Stat(filepath.Join(env.layoutRoot(t), "failed_conversions", "bad.docx")); err != nil {
		t.Errorf("source not quarantined: %v", err)
	}
}

func TestQuarantineFailureKeepsJobRetryable(t *testing.T) {
	env := newTestEnv(t, func(data []byte, filename string) (converter.Document, error) {
		return converter.Document{}, errors.New("always broken")
	}, func(cfg *config.Config) {
		cfg.MaxRetries = 1
	})

	// Replace the quarantine directory with a plain file so MoveToFailed
	// cannot land the source there.
	failedDir := filepath.Join(env.layoutRoot(t), "failed_conversions")
	if err := os.Remove(failedDir); err != nil {
		t.Fatalf("remove quarantine dir: %v", err)
	}
	if err := os.WriteFile(failedDir, []byte("in the way"), 0o644); err != nil {
		t.Fatalf("block quarantine dir: %v", err)
	}

	env.start(t)
	env.stage(t, "bad.docx", "not a docx")
	job, err := env.manager.Enqueue(context.Background(), "bad.docx")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// The attempt ceiling is hit but the move fails, so the job must come
	// back as queued with the source still staged, not terminally failed.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := env.store.Get(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Status == models.StatusFailed {
			t.Fatalf("job marked failed with source still in incoming: %+v", got)
		}
		if got.Status == models.StatusQueued && got.Attempts >= env.cfg.MaxRetries {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never re-queued after quarantine failure, last state %+v", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !env.layout.SourceExists("bad.docx") {
		t.Fatal("source removed from incoming despite failed quarantine")
	}

	// Once the quarantine directory is usable again a later cycle moves the
	// source and settles the job.
	if err := os.Remove(failedDir); err != nil {
		t.Fatalf("unblock quarantine dir: %v", err)
	}
	if err := os.MkdirAll(failedDir, 0o755); err != nil {
		t.Fatalf("restore quarantine dir: %v", err)
	}
	done := env.waitForStatus(t, job.ID, models.StatusFailed)
	if done.Attempts < env.cfg.MaxRetries {
		t.Errorf("attempts = %d, want at least %d", done.Attempts, env.cfg.MaxRetries)
	}
	if env.layout.SourceExists("bad.docx") {
		t.Error("source still in incoming after quarantine recovered")
	}
	if _, err := os.Stat(filepath.Join(failedDir, "bad.docx")); err != nil {
		t.Errorf("source not quarantined: %v", err)
	}
}

func TestConversionTimeoutCountsAsFailure(t *testing.T) {
	env := newTestEnv(t, func(data []byte, filename string) (converter.Document, error) {
		time.Sleep(300 * time.Millisecond)
		return converter.Document{Markdown: "too late\n"}, nil
	}, func(cfg *config.Config) {
		cfg.ConvertTimeout = 30 * time.Millisecond
		cfg.MaxRetries = 2
	})
	env.start(t)
	env.stage(t, "slow.html", "<html></html>")

	job, err := env.manager.Enqueue(context.Background(), "slow.html")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := env.waitForStatus(t, job.ID, models.StatusFailed)
	if done.ErrorMessage == nil || !strings.Contains(*done.ErrorMessage, "conversion exceeded") {
		t.Errorf("error_message = %v", done.ErrorMessage)
	}
}

func TestEnqueueRejectsActiveDuplicate(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.stage(t, "dup.txt", "same file")

	if _, err := env.manager.Enqueue(context.Background(), "dup.txt"); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, err := env.manager.Enqueue(context.Background(), "dup.txt")
	if !errors.Is(err, store.ErrDuplicateSource) {
		t.Fatalf("err = %v, want ErrDuplicateSource", err)
	}
}

func TestScanReconcilesIncoming(t *testing.T) {
	env := newTestEnv(t, staticConverter("# Scanned\n"), nil)
	env.start(t)
	env.stage(t, "a.txt", "alpha")
	env.stage(t, "sub/b.txt", "beta")

	result, err := env.manager.TriggerScan(context.Background())
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if result.Scanned != 2 || result.Queued != 2 {
		t.Fatalf("result = %+v, want 2 scanned 2 queued", result)
	}

	jobA, err := env.store.GetBySourcePath(context.Background(), "a.txt")
	if err != nil {
		t.Fatalf("get a.txt: %v", err)
	}
	jobB, err := env.store.GetBySourcePath(context.Background(), "sub/b.txt")
	if err != nil {
		t.Fatalf("get sub/b.txt: %v", err)
	}
	env.waitForStatus(t, jobA.ID, models.StatusCompleted)
	env.waitForStatus(t, jobB.ID, models.StatusCompleted)

	// Unchanged completed sources do not queue again.
	again, err := env.manager.TriggerScan(context.Background())
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if again.Queued != 0 {
		t.Errorf("rescan queued = %d, want 0", again.Queued)
	}

	// A vanished source is soft-deleted so the journal reports the removal.
	if err := os.Remove(filepath.Join(env.layout.IncomingRoot(), "a.txt")); err != nil {
		t.Fatalf("remove source: %v", err)
	}
	final, err := env.manager.TriggerScan(context.Background())
	if err != nil {
		t.Fatalf("final scan: %v", err)
	}
	if final.Removed != 1 {
		t.Errorf("removed = %d, want 1", final.Removed)
	}
	gone, err := env.store.Get(context.Background(), jobA.ID)
	if err != nil {
		t.Fatalf("get deleted: %v", err)
	}
	if !gone.IsDeleted {
		t.Error("vanished source not soft-deleted")
	}
}

func TestChangedSourceIsReprocessed(t *testing.T) {
	env := newTestEnv(t, staticConverter("# V1\n"), nil)
	env.start(t)
	env.stage(t, "doc.md", "version one")

	job, err := env.manager.Enqueue(context.Background(), "doc.md")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	env.waitForStatus(t, job.ID, models.StatusCompleted)

	// Same path, new content: the completed row is revived, not duplicated.
	env.stage(t, "doc.md", "version two")
	revived, err := env.manager.Enqueue(context.Background(), "doc.md")
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if revived.ID != job.ID {
		t.Errorf("revived id = %s, want %s", revived.ID, job.ID)
	}
	if revived.Status != models.StatusQueued || revived.Attempts != 0 {
		t.Errorf("revived state = %+v", revived)
	}
	env.waitForStatus(t, job.ID, models.StatusCompleted)
}

func TestChangesLimitCappedByPageSize(t *testing.T) {
	env := newTestEnv(t, nil, func(cfg *config.Config) {
		cfg.JournalPageSize = 2
	})
	for i := 0; i < 3; i++ {
		env.stage(t, fmt.Sprintf("f%d.txt", i), "x")
		if _, err := env.manager.Enqueue(context.Background(), fmt.Sprintf("f%d.txt", i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	changes, err := env.manager.Changes(context.Background(), time.Time{}, 0)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 2 {
		t.Errorf("len(changes) = %d, want 2 (page size cap)", len(changes))
	}
	// An explicit limit above the cap is clamped too.
	changes, err = env.manager.Changes(context.Background(), time.Time{}, 50)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 2 {
		t.Errorf("len(changes) = %d, want 2", len(changes))
	}
}

func (e *testEnv) layoutRoot(t *testing.T) string {
	t.Helper()
	return filepath.Dir(e.layout.IncomingRoot())
}
