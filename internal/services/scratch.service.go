package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"opmsync/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

const (
	RawFileExt       = ".txt"
	ColumnarFileExt  = ".parquet"
	sessionDirPrefix = ".session-"
	scratchDirPerm   = 0o755
)

// ScratchService owns the two scratch directories. Every path it hands out is
// attributed to exactly one job.
type ScratchService struct {
	rawDir      string
	columnarDir string
	log         logger.Logger
}

func NewScratchService(rawDir, columnarDir string) *ScratchService {
	return &ScratchService{
		rawDir:      rawDir,
		columnarDir: columnarDir,
		log:         logger.New("scratchService"),
	}
}

type StoredFile struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
	IsRaw      bool      `json:"is_raw"`
	IsColumnar bool      `json:"is_columnar"`
}

func (ss *ScratchService) Prepare() error {
	log := ss.log.Function("Prepare")

	for _, dir := range []string{ss.rawDir, ss.columnarDir} {
		if err := os.MkdirAll(dir, scratchDirPerm); err != nil {
			return log.Err("failed to create scratch directory", err, "directory", dir)
		}
	}
	return nil
}

func (ss *ScratchService) RawPath(job models.Job) string {
	return filepath.Join(ss.rawDir, job.FileStem()+RawFileExt)
}

func (ss *ScratchService) ColumnarPath(job models.Job) string {
	return filepath.Join(ss.columnarDir, job.FileStem()+ColumnarFileExt)
}

func (ss *ScratchService) SessionDir(job models.Job) string {
	return filepath.Join(
		ss.rawDir,
		sessionDirPrefix+job.DataType.Slug()+"-"+job.Month.String(),
	)
}

// ResetSessionDir gives an attempt an empty browser download directory.
func (ss *ScratchService) ResetSessionDir(job models.Job) (string, error) {
	log := ss.log.Function("ResetSessionDir")

	dir := ss.SessionDir(job)
	if err := os.RemoveAll(dir); err != nil {
		return "", log.Err("failed to clear session directory", err, "directory", dir)
	}
	if err := os.MkdirAll(dir, scratchDirPerm); err != nil {
		return "", log.Err("failed to create session directory", err, "directory", dir)
	}
	return dir, nil
}

func (ss *ScratchService) RemoveSessionDir(job models.Job) error {
	dir := ss.SessionDir(job)
	if err := os.RemoveAll(dir); err != nil {
		return ss.log.Function("RemoveSessionDir").
			Err("failed to remove session directory", err, "directory", dir)
	}
	return nil
}

// RemoveColumnar deletes a job's columnar file if present.
func (ss *ScratchService) RemoveColumnar(job models.Job) error {
	return removeIfExists(ss.ColumnarPath(job))
}

// CleanupJob removes only the given job's raw file, columnar file and session
// directory. Missing paths are not an error.
func (ss *ScratchService) CleanupJob(ctx context.Context, job models.Job) error {
	log := ss.log.TraceFromContext(ctx).Function("CleanupJob")

	var errs []error
	for _, path := range []string{ss.RawPath(job), ss.ColumnarPath(job)} {
		if err := removeIfExists(path); err != nil {
			log.Er("failed to remove job artifact", err, "job", job.String(), "path", path)
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(ss.SessionDir(job)); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return log.Err("failed to cleanup job artifacts", errors.Join(errs...), "job", job.String())
	}

	log.Info("Cleaned up job artifacts", "job", job.String())
	return nil
}

// Sweep removes session directories left behind by an interrupted run.
// Completed artifacts are left alone.
func (ss *ScratchService) Sweep(ctx context.Context) (int, error) {
	log := ss.log.TraceFromContext(ctx).Function("Sweep")

	entries, err := os.ReadDir(ss.rawDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, log.Err("failed to read raw directory", err, "directory", ss.rawDir)
	}

	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), sessionDirPrefix) {
			continue
		}
		path := filepath.Join(ss.rawDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Er("failed to remove stale session directory", err, "path", path)
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if len(errs) > 0 {
		return removed, log.Err("failed to sweep some session directories", errors.Join(errs...))
	}

	if removed > 0 {
		log.Info("Removed stale session directories", "count", removed)
	}
	return removed, nil
}

// ListStoredFiles reports artifacts currently held in both scratch directories.
func (ss *ScratchService) ListStoredFiles(ctx context.Context) ([]StoredFile, error) {
	log := ss.log.TraceFromContext(ctx).Function("ListStoredFiles")

	var files []StoredFile
	for _, dir := range []string{ss.rawDir, ss.columnarDir} {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, log.Err("failed to read scratch directory", err, "directory", dir)
		}

		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return nil, log.Err("failed to stat scratch file", err, "name", entry.Name())
			}

			files = append(files, StoredFile{
				Path:       filepath.Join(dir, entry.Name()),
				Size:       info.Size(),
				ModifiedAt: info.ModTime(),
				IsRaw:      strings.HasSuffix(entry.Name(), RawFileExt),
				IsColumnar: strings.HasSuffix(entry.Name(), ColumnarFileExt),
			})
		}
	}

	return files, nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
