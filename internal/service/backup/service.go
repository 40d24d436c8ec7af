package backup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/pkg/archive"
	"github.com/google/uuid"

	"github.com/splax/localship/internal/domain"
	"github.com/splax/localship/internal/repository"
)

// VolumeLocator resolves the persistent data directory of a deployment.
type VolumeLocator interface {
	VolumeDir(name string) (string, error)
}

// Service archives deployment volumes to gzip-compressed tarballs.
type Service struct {
	repo    repository.BackupRepository
	volumes VolumeLocator
	root    string
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a backup Service writing archives under root.
func New(repo repository.BackupRepository, volumes VolumeLocator, root string, logger *slog.Logger) (*Service, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create backup root: %w", err)
	}
	return &Service{
		repo:    repo,
		volumes: volumes,
		root:    root,
		logger:  logger.With("component", "backup"),
		now:     time.Now,
	}, nil
}

// Backup archives the deployment's volumes and records the result.
func (s *Service) Backup(ctx context.Context, name string) (domain.Backup, error) {
	src, err := s.volumes.VolumeDir(name)
	if err != nil {
		return domain.Backup{}, err
	}
	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return domain.Backup{}, fmt.Errorf("create backup dir: %w", err)
	}

	created := s.now().UTC()
	path := filepath.Join(dir, created.Format("20060102T150405.000Z")+".tar.gz")
	size, err := writeArchive(ctx, src, path)
	if err != nil {
		_ = os.Remove(path)
		return domain.Backup{}, err
	}

	record := domain.Backup{
		ID:             uuid.NewString(),
		DeploymentName: name,
		Path:           path,
		SizeBytes:      size,
		CreatedAt:      created,
	}
	if err := s.repo.InsertBackup(ctx, record); err != nil {
		return domain.Backup{}, fmt.Errorf("record backup: %w", err)
	}
	s.logger.Info("backup created", "deployment", name, "path", path, "size_bytes", size)
	return record, nil
}

// List returns the recorded backups for name.
func (s *Service) List(ctx context.Context, name string) ([]domain.Backup, error) {
	return s.repo.ListBackups(ctx, name)
}

// Remove deletes every archive stored for name. Records are kept as history.
func (s *Service) Remove(name string) error {
	return os.RemoveAll(filepath.Join(s.root, name))
}

func writeArchive(ctx context.Context, src, dst string) (int64, error) {
	stream, err := archive.TarWithOptions(src, &archive.TarOptions{Compression: archive.Gzip})
	if err != nil {
		return 0, fmt.Errorf("archive volumes: %w", err)
	}
	defer stream.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create backup file: %w", err)
	}
	defer out.Close()

	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: stream})
	if err != nil {
		return 0, fmt.Errorf("write backup: %w", err)
	}
	if err := out.Sync(); err != nil {
		return 0, fmt.Errorf("sync backup: %w", err)
	}
	return n, nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
