package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"opmsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScratchService_Paths(t *testing.T) {
	scratch := NewScratchService("raw", "columnar")
	job := models.NewJob(models.Separations, models.NewMonthKey(2024, 2))

	assert.Equal(t, filepath.Join("raw", "separations_202402.txt"), scratch.RawPath(job))
	assert.Equal(t, filepath.Join("columnar", "separations_202402.parquet"), scratch.ColumnarPath(job))
	assert.Equal(t, filepath.Join("raw", ".session-separations-202402"), scratch.SessionDir(job))
}

func TestScratchService_ResetSessionDir(t *testing.T) {
	scratch := newTestScratch(t)
	job := models.NewJob(models.Accessions, models.NewMonthKey(2024, 2))

	dir, err := scratch.ResetSessionDir(job)
	require.NoError(t, err)
	writeFile(t, filepath.Join(dir, "partial.crdownload"), "x")

	dir, err = scratch.ResetSessionDir(job)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScratchService_CleanupJob_MissingFilesAreFine(t *testing.T) {
	scratch := newTestScratch(t)
	job := models.NewJob(models.Employment, models.NewMonthKey(2024, 2))

	assert.NoError(t, scratch.CleanupJob(context.Background(), job))
}

func TestScratchService_Sweep(t *testing.T) {
	scratch := newTestScratch(t)
	stale := models.NewJob(models.Accessions, models.NewMonthKey(2024, 1))
	kept := models.NewJob(models.Accessions, models.NewMonthKey(2024, 2))

	_, err := scratch.ResetSessionDir(stale)
	require.NoError(t, err)
	writeFile(t, scratch.RawPath(kept), "raw")

	removed, err := scratch.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(scratch.SessionDir(stale))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(scratch.RawPath(kept))
	assert.NoError(t, err, "completed artifacts are never swept")
}

func TestScratchService_ListStoredFiles(t *testing.T) {
	scratch := newTestScratch(t)
	job := models.NewJob(models.Accessions, models.NewMonthKey(2024, 3))
	writeFile(t, scratch.RawPath(job), "raw")
	writeFile(t, scratch.ColumnarPath(job), "columnar")

	files, err := scratch.ListStoredFiles(context.Background())
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.True(t, files[0].IsRaw)
	assert.Equal(t, int64(3), files[0].Size)
	assert.True(t, files[1].IsColumnar)
}
