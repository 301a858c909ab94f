package pass

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hotelkey/keyservice/internal/model"
)

// Publisher persists a finished artifact under its ecosystem.
type Publisher interface {
	Publish(ctx context.Context, eco model.Ecosystem, filename string, data []byte) error
}

// FilePublisher writes artifacts below a root directory. Files are written to
// a temporary name and renamed into place, so readers never see a partial
// archive.
type FilePublisher struct {
	root string
}

func NewFilePublisher(root string) *FilePublisher {
	return &FilePublisher{root: root}
}

func (p *FilePublisher) Publish(_ context.Context, eco model.Ecosystem, filename string, data []byte) error {
	path, err := p.path(eco, filename)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}
	return writeFileAtomic(path, data, 0o644)
}

// Open returns a published artifact for serving.
func (p *FilePublisher) Open(eco model.Ecosystem, filename string) (*os.File, error) {
	path, err := p.path(eco, filename)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

func (p *FilePublisher) path(eco model.Ecosystem, filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return "", fmt.Errorf("invalid artifact name %q", filename)
	}
	return filepath.Join(p.root, string(eco), filename), nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Mirrored publishes to a primary and then best-effort to a mirror. Only the
// primary decides success.
type Mirrored struct {
	primary Publisher
	mirror  Publisher
	logger  *slog.Logger
}

func NewMirrored(primary, mirror Publisher, logger *slog.Logger) *Mirrored {
	return &Mirrored{primary: primary, mirror: mirror, logger: logger}
}

func (m *Mirrored) Publish(ctx context.Context, eco model.Ecosystem, filename string, data []byte) error {
	if err := m.primary.Publish(ctx, eco, filename, data); err != nil {
		return err
	}
	if err := m.mirror.Publish(ctx, eco, filename, data); err != nil {
		m.logger.Warn("artifact mirror failed", "ecosystem", eco, "file", filename, "error", err)
	}
	return nil
}
