package storage

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func newTestLayout(t *testing.T) *Layout {
	t.Helper()
	l := NewLayout(t.TempDir(), "incoming", "processed", "failed_conversions")
	if err := l.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	return l
}

func TestStageAndReadSource(t *testing.T) {
	l := newTestLayout(t)
	rel, err := l.StageIncoming("docs/report.pdf", strings.NewReader("pdf bytes"))
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if rel != "docs/report.pdf" {
		t.Errorf("rel = %q", rel)
	}
	if !l.SourceExists(rel) {
		t.Error("staged source not found")
	}
	data, err := l.ReadSource(rel)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "pdf bytes" {
		t.Errorf("data = %q", data)
	}
}

func TestPathTraversalRejected(t *testing.T) {
	l := newTestLayout(t)
	for _, bad := range []string{"../escape.txt", "a/../../escape.txt", "/etc/passwd", "."} {
		if _, err := l.ReadSource(bad); !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("ReadSource(%q) err = %v, want ErrOutsideRoot", bad, err)
		}
		if _, err := l.StageIncoming(bad, strings.NewReader("x")); !errors.Is(err, ErrOutsideRoot) {
			t.Errorf("StageIncoming(%q) err = %v, want ErrOutsideRoot", bad, err)
		}
	}
}

func TestWriteProcessedLaysOutMarkdownAndAssets(t *testing.T) {
	l := newTestLayout(t)
	rel, err := l.WriteProcessed("docs/report.pdf", []byte("# Report\n"), []Asset{
		{Path: "assets/fig1.png", Data: []byte{1, 2, 3}},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if rel != "processed/docs/report.md" {
		t.Errorf("rel = %q", rel)
	}
	if !l.ProcessedExists("docs/report.pdf") {
		t.Error("ProcessedExists = false after write")
	}
	assetPath := filepath.Join(l.root, "processed", "docs", "assets", "fig1.png")
	if _, err := os.Stat(assetPath); err != nil {
		t.Errorf("asset not written: %v", err)
	}
}

func TestMoveToFailed(t *testing.T) {
	l := newTestLayout(t)
	if _, err := l.StageIncoming("bad.docx", strings.NewReader("zip?")); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := l.MoveToFailed("bad.docx"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	if l.SourceExists("bad.docx") {
		t.Error("source still in incoming after quarantine")
	}
	if _, err := os.Stat(filepath.Join(l.failed, "bad.docx")); err != nil {
		t.Errorf("quarantined file missing: %v", err)
	}

	// Re-quarantining a vanished source is not an error.
	if err := l.MoveToFailed("bad.docx"); err != nil {
		t.Errorf("second quarantine: %v", err)
	}
}

func TestListIncomingWalksNestedFiles(t *testing.T) {
	l := newTestLayout(t)
	for _, name := range []string{"a.txt", "docs/b.pdf", "docs/deep/c.html"} {
		if _, err := l.StageIncoming(name, strings.NewReader("x")); err != nil {
			t.Fatalf("stage %s: %v", name, err)
		}
	}
	// Hidden files are skipped.
	if err := os.WriteFile(filepath.Join(l.incoming, ".tmp-upload"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write hidden: %v", err)
	}

	sources, err := l.ListIncoming()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"a.txt", "docs/b.pdf", "docs/deep/c.html"}
	if !reflect.DeepEqual(sources, want) {
		t.Errorf("sources = %v, want %v", sources, want)
	}
}
