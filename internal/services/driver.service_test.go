package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"opmsync/internal/browser"
	"opmsync/internal/models"
	"opmsync/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDriverService_Fetch(t *testing.T) {
	scratch := newTestScratch(t)
	portal := newFakePortal("agency|code\nAG00|00512\n")
	job := models.NewJob(models.Accessions, models.NewMonthKey(2025, 11))
	portal.publishCard(job, "accessions_202511_1_2026-01-09")

	driver := NewDriverService(portal, scratch, nil, testDriverOptions())
	result, err := driver.Fetch(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, scratch.RawPath(job), result.Path)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "accessions_202511_1_2026-01-09", result.CardLabel)
	assert.Equal(t, int64(len("agency|code\nAG00|00512\n")), result.Bytes)

	content, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, "agency|code\nAG00|00512\n", string(content))

	launches, closed := portal.stats()
	assert.Equal(t, 1, launches)
	assert.Equal(t, 1, closed)

	_, err = os.Stat(scratch.SessionDir(job))
	assert.True(t, os.IsNotExist(err), "session directory is removed after the attempt")
}

func TestDriverService_Fetch_MissingMonthExhaustsRetries(t *testing.T) {
	scratch := newTestScratch(t)
	portal := newFakePortal("agency\nAG00\n")
	job := models.NewJob(models.Separations, models.NewMonthKey(2025, 12))
	portal.publishCard(models.NewJob(models.Separations, models.NewMonthKey(2025, 11)), "separations_202511_1_2026-01-09")

	driver := NewDriverService(portal, scratch, nil, testDriverOptions())
	result, err := driver.Fetch(context.Background(), job)

	assert.ErrorIs(t, err, types.ErrUIState)
	assert.Contains(t, err.Error(), "month option missing")
	assert.Equal(t, 3, result.Attempts)

	launches, closed := portal.stats()
	assert.Equal(t, 3, launches, "each attempt uses a fresh session")
	assert.Equal(t, 3, closed)
}

func TestDriverService_Fetch_CompletionTimeout(t *testing.T) {
	scratch := newTestScratch(t)
	portal := newFakePortal("agency\nAG00\n")
	portal.stall = true
	job := models.NewJob(models.Accessions, models.NewMonthKey(2025, 10))
	portal.publishCard(job, "accessions_202510_1_2025-12-01")

	opts := testDriverOptions()
	opts.MaxAttempts = 2
	driver := NewDriverService(portal, scratch, nil, opts)
	result, err := driver.Fetch(context.Background(), job)

	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Equal(t, 2, result.Attempts)
	_, statErr := os.Stat(scratch.RawPath(job))
	assert.True(t, os.IsNotExist(statErr))
}

func TestDriverService_Fetch_RenderDeadlineIsTimeout(t *testing.T) {
	scratch := newTestScratch(t)
	portal := newFakePortal("agency\nAG00\n")
	portal.hang = true

	opts := testDriverOptions()
	opts.MaxAttempts = 2
	opts.RenderTimeout = 20 * time.Millisecond
	driver := NewDriverService(portal, scratch, nil, opts)
	result, err := driver.Fetch(context.Background(), models.NewJob(models.Employment, models.NewMonthKey(2025, 2)))

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.NotErrorIs(t, err, types.ErrUIState)
	assert.Equal(t, "timeout", types.Kind(err))
	assert.Contains(t, err.Error(), "data source control did not render")
	assert.Equal(t, 2, result.Attempts)
}

func TestDriverService_Fetch_LaunchFailure(t *testing.T) {
	scratch := newTestScratch(t)
	portal := newFakePortal("")
	portal.launchErr = errors.New("chrome not found")

	opts := testDriverOptions()
	opts.MaxAttempts = 1
	driver := NewDriverService(portal, scratch, nil, opts)
	_, err := driver.Fetch(context.Background(), models.NewJob(models.Employment, models.NewMonthKey(2025, 1)))

	assert.ErrorIs(t, err, types.ErrUIState)
}

func TestDriverService_Fetch_Cancelled(t *testing.T) {
	scratch := newTestScratch(t)
	portal := newFakePortal("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	driver := NewDriverService(portal, scratch, nil, testDriverOptions())
	result, err := driver.Fetch(ctx, models.NewJob(models.Employment, models.NewMonthKey(2025, 1)))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, result.Attempts, "cancellation is never retried")
}

func TestMatchCard(t *testing.T) {
	layout := browser.DefaultPortalLayout()
	job := models.NewJob(models.Accessions, models.NewMonthKey(2025, 11))
	html := `<html><body>
		<button aria-label="Download options for accessions_202511_1_2026-01-09"></button>
		<button aria-label="Download options for accessions_202511_2_2026-02-10"></button>
		<button aria-label="Download options for accessions_2025110_1_2026-01-09"></button>
		<button aria-label="Download options for separations_202511_1_2026-01-09"></button>
		<button>Other</button>
	</body></html>`

	label, found, err := MatchCard(html, layout, job)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "accessions_202511_2_2026-02-10", label)

	_, found, err = MatchCard(html, layout, models.NewJob(models.Employment, job.Month))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMatchCard_NewestRelease(t *testing.T) {
	layout := browser.DefaultPortalLayout()
	job := models.NewJob(models.Accessions, models.NewMonthKey(2025, 11))

	tests := []struct {
		name   string
		labels []string
		want   string
	}{
		{
			name:   "two digit revision",
			labels: []string{"accessions_202511_2_2026-01-09", "accessions_202511_10_2026-03-01"},
			want:   "accessions_202511_10_2026-03-01",
		},
		{
			name:   "later date beats higher revision",
			labels: []string{"accessions_202511_9_2026-01-09", "accessions_202511_1_2026-02-01"},
			want:   "accessions_202511_1_2026-02-01",
		},
		{
			name:   "same date higher revision",
			labels: []string{"accessions_202511_10_2026-01-09", "accessions_202511_9_2026-01-09"},
			want:   "accessions_202511_10_2026-01-09",
		},
		{
			name:   "unparsed label ranks last",
			labels: []string{"accessions_202511_final", "accessions_202511_1_2026-01-09"},
			want:   "accessions_202511_1_2026-01-09",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var html strings.Builder
			for _, label := range tt.labels {
				fmt.Fprintf(&html, `<button aria-label="%s%s"></button>`, layout.CardLabelPrefix, label)
			}

			label, found, err := MatchCard(html.String(), layout, job)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, tt.want, label)
		})
	}
}

func TestCardSelector(t *testing.T) {
	layout := browser.DefaultPortalLayout()
	assert.Equal(
		t,
		`button[aria-label="Download options for accessions_202511_1_2026-01-09"]`,
		CardSelector(layout, "accessions_202511_1_2026-01-09"),
	)
}

func TestDriverOptions_CompletionTimeout(t *testing.T) {
	opts := DefaultDriverOptions()

	small := opts.CompletionTimeout(models.Accessions)
	large := opts.CompletionTimeout(models.Employment)

	assert.Equal(t, 2*time.Minute+6*3*time.Second, small)
	assert.Equal(t, 2*time.Minute+780*3*time.Second, large)
	assert.Greater(t, large, small)
}
