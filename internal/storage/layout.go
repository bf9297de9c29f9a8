// Package storage owns the filesystem areas the service works against: the
// incoming drop directory, the processed output tree, and the quarantine
// directory for sources that exhausted their retries. An optional S3 mirror
// copies finished markdown to object storage.
package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned for source paths that would escape the
// configured directories.
var ErrOutsideRoot = errors.New("path escapes storage root")

// Asset is a binary sidecar written next to a processed markdown file.
type Asset struct {
	Path string // relative to the output file's directory
	Data []byte
}

// Layout resolves relative source paths against the storage areas. All
// public methods take paths relative to the incoming root, the same form
// jobs carry in source_path.
type Layout struct {
	root         string
	incoming     string
	processed    string
	failed       string
	processedRel string
}

func NewLayout(root, incomingDir, processedDir, failedDir string) *Layout {
	return &Layout{
		root:         root,
		incoming:     filepath.Join(root, incomingDir),
		processed:    filepath.Join(root, processedDir),
		failed:       filepath.Join(root, failedDir),
		processedRel: processedDir,
	}
}

func (l *Layout) IncomingRoot() string { return l.incoming }

func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{l.incoming, l.processed, l.failed} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// cleanRel normalizes a relative source path and rejects anything that
// could climb out of the area it is resolved against.
func cleanRel(sourcePath string) (string, error) {
	rel := path.Clean(filepath.ToSlash(sourcePath))
	if rel == "." || rel == "" || path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, sourcePath)
	}
	return rel, nil
}

func (l *Layout) incomingPath(sourcePath string) (string, error) {
	rel, err := cleanRel(sourcePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.incoming, filepath.FromSlash(rel)), nil
}

func (l *Layout) ReadSource(sourcePath string) ([]byte, error) {
	abs, err := l.incomingPath(sourcePath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read source %s: %w", sourcePath, err)
	}
	return data, nil
}

func (l *Layout) SourceExists(sourcePath string) bool {
	abs, err := l.incomingPath(sourcePath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

// ProcessedRelPath maps a source path to its markdown output path relative
// to the storage root, e.g. "docs/report.pdf" -> "processed/docs/report.md".
func (l *Layout) ProcessedRelPath(sourcePath string) (string, error) {
	rel, err := cleanRel(sourcePath)
	if err != nil {
		return "", err
	}
	ext := path.Ext(rel)
	return path.Join(l.processedRel, strings.TrimSuffix(rel, ext)+".md"), nil
}

// ProcessedExists reports whether the markdown output for a source is
// already on disk.
func (l *Layout) ProcessedExists(sourcePath string) bool {
	rel, err := l.ProcessedRelPath(sourcePath)
	if err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(l.root, filepath.FromSlash(rel)))
	return err == nil && !info.IsDir()
}

// WriteProcessed writes the markdown output and its assets, returning the
// markdown path relative to the storage root.
func (l *Layout) WriteProcessed(sourcePath string, markdown []byte, assets []Asset) (string, error) {
	rel, err := l.ProcessedRelPath(sourcePath)
	if err != nil {
		return "", err
	}
	outPath := filepath.Join(l.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(outPath, markdown, 0o644); err != nil {
		return "", fmt.Errorf("write markdown: %w", err)
	}
	for _, asset := range assets {
		assetRel, err := cleanRel(asset.Path)
		if err != nil {
			return "", err
		}
		assetPath := filepath.Join(filepath.Dir(outPath), filepath.FromSlash(assetRel))
		if err := os.MkdirAll(filepath.Dir(assetPath), 0o755); err != nil {
			return "", fmt.Errorf("create asset dir: %w", err)
		}
		if err := os.WriteFile(assetPath, asset.Data, 0o644); err != nil {
			return "", fmt.Errorf("write asset %s: %w", asset.Path, err)
		}
	}
	return rel, nil
}

// MoveToFailed quarantines a source that exhausted its retries. A source
// that already vanished is not an error.
func (l *Layout) MoveToFailed(sourcePath string) error {
	abs, err := l.incomingPath(sourcePath)
	if err != nil {
		return err
	}
	rel, _ := cleanRel(sourcePath)
	dest := filepath.Join(l.failed, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}
	if err := os.Rename(abs, dest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("quarantine %s: %w", sourcePath, err)
	}
	return nil
}

// StageIncoming writes an uploaded file into the incoming area and returns
// its source path.
func (l *Layout) StageIncoming(name string, r io.Reader) (string, error) {
	rel, err := cleanRel(name)
	if err != nil {
		return "", err
	}
	abs := filepath.Join(l.incoming, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create incoming dir: %w", err)
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("stage %s: %w", name, err)
	}
	return rel, nil
}

// ListIncoming walks the incoming area and returns every regular file as a
// source path, sorted by the walk order (lexical).
func (l *Layout) ListIncoming() ([]string, error) {
	var sources []string
	err := filepath.WalkDir(l.incoming, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(l.incoming, p)
		if err != nil {
			return err
		}
		sources = append(sources, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk incoming: %w", err)
	}
	return sources, nil
}
