package output

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/vietddude/harvester/internal/core/domain"
)

type LocalOption func(*LocalSink)

// LocalSink writes CSV artifacts under a base directory.
type LocalSink struct {
	basePath string
	prefix   string
	logger   *slog.Logger
}

func WithLocalPrefix(prefix string) LocalOption {
	return func(s *LocalSink) {
		s.prefix = prefix
	}
}

func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(s *LocalSink) {
		s.logger = logger
	}
}

func NewLocalSink(basePath string, opts ...LocalOption) *LocalSink {
	s := &LocalSink{
		basePath: basePath,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns where an artifact is written.
func (s *LocalSink) Path(a *domain.Artifact) string {
	return filepath.Join(s.basePath, s.prefix, filepath.FromSlash(Key(a)))
}

func (s *LocalSink) Write(ctx context.Context, a *domain.Artifact) error {
	data, err := EncodeCSV(a)
	if err != nil {
		return err
	}

	fullPath := s.Path(a)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	// Write to a temp file first so readers never see a half-written CSV.
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename artifact: %w", err)
	}

	s.logger.Info("Artifact written",
		"source", a.SourceID,
		"path", fullPath,
		"records", len(a.Records),
		"partial", a.Partial,
		"fallback", a.Fallback,
	)
	return nil
}
