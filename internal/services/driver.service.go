package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"opmsync/internal/browser"
	"opmsync/internal/events"
	"opmsync/internal/models"
	"opmsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/PuerkitoBio/goquery"
)

type DriverState string

const (
	StateIdle            DriverState = "idle"
	StateNavigate        DriverState = "navigate_to_portal"
	StateSelectDataType  DriverState = "select_data_type"
	StateSelectMonth     DriverState = "select_month"
	StateTriggerDownload DriverState = "trigger_download"
	StateAwaitCompletion DriverState = "await_completion"
	StateDone            DriverState = "done"
	StateFailed          DriverState = "failed"
)

const (
	portalDateLayout      = "2006-01-02"
	defaultOptionPollRate = 500 * time.Millisecond
)

// Backoff between fetch attempts; the last entry repeats if more attempts are configured.
var fetchRetrySchedule = []time.Duration{
	5 * time.Second,
	10 * time.Second,
}

type DriverOptions struct {
	Layout              browser.PortalLayout
	RenderTimeout       time.Duration
	OptionTimeout       time.Duration
	TriggerTimeout      time.Duration
	DownloadBaseTimeout time.Duration
	DownloadPerMB       time.Duration
	MaxAttempts         int
	RetrySchedule       []time.Duration
	PollInterval        time.Duration
}

func DefaultDriverOptions() DriverOptions {
	return DriverOptions{
		Layout:              browser.DefaultPortalLayout(),
		RenderTimeout:       60 * time.Second,
		OptionTimeout:       30 * time.Second,
		TriggerTimeout:      60 * time.Second,
		DownloadBaseTimeout: 2 * time.Minute,
		DownloadPerMB:       3 * time.Second,
		MaxAttempts:         3,
		RetrySchedule:       fetchRetrySchedule,
		PollInterval:        defaultOptionPollRate,
	}
}

// CompletionTimeout scales the download wait with the data type's size class.
func (o DriverOptions) CompletionTimeout(dataType models.DataType) time.Duration {
	return o.DownloadBaseTimeout + time.Duration(dataType.ExpectedSizeMB())*o.DownloadPerMB
}

type FetchResult struct {
	Path      string
	Bytes     int64
	Attempts  int
	CardLabel string
}

type DriverService struct {
	launcher browser.Launcher
	scratch  *ScratchService
	progress events.Publisher
	opts     DriverOptions
	log      logger.Logger
}

func NewDriverService(
	launcher browser.Launcher,
	scratch *ScratchService,
	progress events.Publisher,
	opts DriverOptions,
) *DriverService {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultOptionPollRate
	}

	return &DriverService{
		launcher: launcher,
		scratch:  scratch,
		progress: progress,
		opts:     opts,
		log:      logger.New("driverService"),
	}
}

// fetchSession carries one attempt's browser handle through the transitions.
type fetchSession struct {
	session   browser.Session
	job       models.Job
	attempt   int
	state     DriverState
	cardLabel string
	watch     browser.DownloadWatch
	download  browser.Download
}

type transition struct {
	state DriverState
	run   func(ctx context.Context, fs *fetchSession) error
}

// Fetch downloads the job's raw file to its scratch path. UI and timeout
// failures are retried with a fresh session; anything else fails at once.
func (ds *DriverService) Fetch(ctx context.Context, job models.Job) (FetchResult, error) {
	log := ds.log.TraceFromContext(ctx).Function("Fetch")

	var lastErr error
	attempt := 0
	for attempt < ds.opts.MaxAttempts {
		attempt++

		if attempt > 1 {
			delay := ds.retryDelay(attempt)
			log.Info("Retrying fetch with a fresh session",
				"job", job.String(),
				"attempt", attempt,
				"maxAttempts", ds.opts.MaxAttempts,
				"delay", delay)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return FetchResult{Attempts: attempt - 1}, ctx.Err()
			}
		}

		result, err := ds.attempt(ctx, job, attempt)
		if err == nil {
			result.Attempts = attempt
			log.Info("Fetched raw file",
				"job", job.String(),
				"path", result.Path,
				"bytes", result.Bytes,
				"attempts", attempt)
			return result, nil
		}

		lastErr = err
		log.Warn("Fetch attempt failed",
			"job", job.String(),
			"attempt", attempt,
			"errorKind", types.Kind(err),
			"error", err)

		if ctx.Err() != nil || !types.IsRetryableUI(err) {
			break
		}
	}

	return FetchResult{Attempts: attempt}, lastErr
}

func (ds *DriverService) retryDelay(attempt int) time.Duration {
	if len(ds.opts.RetrySchedule) == 0 {
		return 0
	}
	index := min(attempt-2, len(ds.opts.RetrySchedule)-1)
	return ds.opts.RetrySchedule[index]
}

func (ds *DriverService) attempt(
	ctx context.Context,
	job models.Job,
	attempt int,
) (FetchResult, error) {
	log := ds.log.TraceFromContext(ctx).Function("attempt")

	downloadDir, err := ds.scratch.ResetSessionDir(job)
	if err != nil {
		return FetchResult{}, err
	}
	defer func() {
		if err := ds.scratch.RemoveSessionDir(job); err != nil {
			log.Warn("Failed to remove session directory", "job", job.String(), "error", err)
		}
	}()

	session, err := ds.launcher.Launch(ctx, downloadDir)
	if err != nil {
		if ctx.Err() != nil {
			return FetchResult{}, ctx.Err()
		}
		return FetchResult{}, types.KindError(types.ErrUIState, "browser failed to start: %v", err)
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("Failed to close browser session", "job", job.String(), "error", err)
		}
	}()

	fs := &fetchSession{session: session, job: job, attempt: attempt, state: StateIdle}
	transitions := []transition{
		{StateNavigate, ds.navigateToPortal},
		{StateSelectDataType, ds.selectDataType},
		{StateSelectMonth, ds.selectMonth},
		{StateTriggerDownload, ds.triggerDownload},
		{StateAwaitCompletion, ds.awaitCompletion},
	}

	for _, next := range transitions {
		ds.enter(ctx, fs, next.state)
		if err := next.run(ctx, fs); err != nil {
			ds.enter(ctx, fs, StateFailed)
			return FetchResult{}, err
		}
	}

	rawPath := ds.scratch.RawPath(job)
	if err := os.Rename(fs.download.Path, rawPath); err != nil {
		ds.enter(ctx, fs, StateFailed)
		return FetchResult{}, types.KindError(
			types.ErrUIState,
			"completed download not found at %s: %v",
			fs.download.Path,
			err,
		)
	}
	ds.enter(ctx, fs, StateDone)

	return FetchResult{
		Path:      rawPath,
		Bytes:     fileSize(rawPath),
		CardLabel: fs.cardLabel,
	}, nil
}

func (ds *DriverService) enter(ctx context.Context, fs *fetchSession, state DriverState) {
	ds.log.TraceFromContext(ctx).Function("enter").Debug("Driver state transition",
		"job", fs.job.String(),
		"attempt", fs.attempt,
		"from", fs.state,
		"to", state)
	fs.state = state

	data := jobData(fs.job)
	data["state"] = string(state)
	data["attempt"] = fs.attempt
	publishProgress(ctx, ds.progress, events.JOB_STATE, data)
}

// The client app mounts after load, so navigation waits for the data source control.
func (ds *DriverService) navigateToPortal(ctx context.Context, fs *fetchSession) error {
	stepCtx, cancel := context.WithTimeout(ctx, ds.opts.RenderTimeout)
	defer cancel()

	if err := fs.session.Navigate(stepCtx, ds.opts.Layout.URL); err != nil {
		return stepError(ctx, err, "navigation to %s failed", ds.opts.Layout.URL)
	}
	if err := fs.session.WaitVisible(stepCtx, ds.opts.Layout.DataSourceSelector); err != nil {
		return stepError(ctx, err, "data source control did not render")
	}
	return nil
}

func (ds *DriverService) selectDataType(ctx context.Context, fs *fetchSession) error {
	stepCtx, cancel := context.WithTimeout(ctx, ds.opts.OptionTimeout)
	defer cancel()

	label := fs.job.DataType.Label()
	if err := fs.session.SelectOption(stepCtx, ds.opts.Layout.DataSourceSelector, label); err != nil {
		return stepError(ctx, err, "data type option %q unavailable", label)
	}
	return nil
}

// selectMonth narrows the result list to one month and waits for that month's
// card. The rendered option set depends on the filters, so it is re-read until
// a matching card shows up.
func (ds *DriverService) selectMonth(ctx context.Context, fs *fetchSession) error {
	stepCtx, cancel := context.WithTimeout(ctx, ds.opts.OptionTimeout)
	defer cancel()

	layout := ds.opts.Layout
	month := fs.job.Month
	if err := fs.session.FillInput(stepCtx, layout.StartDateSelector, month.FirstDay().Format(portalDateLayout)); err != nil {
		return stepError(ctx, err, "start date input unavailable")
	}
	if err := fs.session.FillInput(stepCtx, layout.EndDateSelector, month.LastDay().Format(portalDateLayout)); err != nil {
		return stepError(ctx, err, "end date input unavailable")
	}

	ticker := time.NewTicker(ds.opts.PollInterval)
	defer ticker.Stop()

	for {
		html, err := fs.session.HTML(stepCtx)
		if err == nil {
			label, found, parseErr := MatchCard(html, layout, fs.job)
			if parseErr != nil {
				return types.KindError(types.ErrUIState, "unreadable result list: %v", parseErr)
			}
			if found {
				fs.cardLabel = label
				return nil
			}
		}

		select {
		case <-ticker.C:
		case <-stepCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return types.KindError(
				types.ErrUIState,
				"month option missing: no %s card for %s",
				fs.job.DataType.Label(),
				month,
			)
		}
	}
}

func (ds *DriverService) triggerDownload(ctx context.Context, fs *fetchSession) error {
	stepCtx, cancel := context.WithTimeout(ctx, ds.opts.TriggerTimeout)
	defer cancel()

	layout := ds.opts.Layout
	fs.watch = fs.session.WatchDownload()

	if err := fs.session.Click(stepCtx, CardSelector(layout, fs.cardLabel)); err != nil {
		return stepError(ctx, err, "download menu for %s unavailable", fs.cardLabel)
	}
	if err := fs.session.Click(stepCtx, layout.CSVOptionSelector); err != nil {
		return stepError(ctx, err, "CSV option for %s unavailable", fs.cardLabel)
	}

	if _, err := fs.watch.Started(stepCtx); err != nil {
		return stepError(ctx, err, "download of %s did not start", fs.cardLabel)
	}
	return nil
}

func (ds *DriverService) awaitCompletion(ctx context.Context, fs *fetchSession) error {
	timeout := ds.opts.CompletionTimeout(fs.job.DataType)
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	download, err := fs.watch.Completed(stepCtx)
	switch {
	case err == nil:
		fs.download = download
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return types.KindError(types.ErrTimeout, "download of %s exceeded %s", fs.cardLabel, timeout)
	default:
		return types.KindError(types.ErrUIState, "download of %s failed: %v", fs.cardLabel, err)
	}
}

// stepError classifies a failed browser step. Cancellation of the run passes
// through unchanged and an expired step deadline is a timeout. Everything else
// is a UI state failure.
func stepError(ctx context.Context, err error, format string, args ...any) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.KindError(types.ErrTimeout, "%s: %v", fmt.Sprintf(format, args...), err)
	}
	return types.KindError(types.ErrUIState, "%s: %v", fmt.Sprintf(format, args...), err)
}

// MatchCard finds the newest result card whose file label belongs to the job.
// Labels look like accessions_202511_1_2026-01-09: the release date decides,
// then the revision number. Labels without that suffix rank last.
func MatchCard(html string, layout browser.PortalLayout, job models.Job) (string, bool, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", false, err
	}

	prefix := job.FileStem() + "_"
	var newest *cardRelease
	doc.Find(layout.CardSelector).Each(func(_ int, s *goquery.Selection) {
		ariaLabel, ok := s.Attr("aria-label")
		if !ok {
			return
		}
		label := strings.TrimSpace(strings.TrimPrefix(ariaLabel, layout.CardLabelPrefix))
		if !strings.HasPrefix(label, prefix) {
			return
		}
		release := parseCardRelease(label, prefix)
		if newest == nil || release.newerThan(*newest) {
			newest = &release
		}
	})

	if newest == nil {
		return "", false, nil
	}
	return newest.label, true, nil
}

type cardRelease struct {
	label    string
	revision int
	released time.Time
	parsed   bool
}

func parseCardRelease(label, prefix string) cardRelease {
	release := cardRelease{label: label}

	revision, date, ok := strings.Cut(strings.TrimPrefix(label, prefix), "_")
	if !ok {
		return release
	}
	number, err := strconv.Atoi(revision)
	if err != nil || number < 0 {
		return release
	}
	released, err := time.Parse(time.DateOnly, date)
	if err != nil {
		return release
	}

	release.revision = number
	release.released = released
	release.parsed = true
	return release
}

func (c cardRelease) newerThan(other cardRelease) bool {
	switch {
	case c.parsed != other.parsed:
		return c.parsed
	case !c.released.Equal(other.released):
		return c.released.After(other.released)
	case c.revision != other.revision:
		return c.revision > other.revision
	default:
		return c.label > other.label
	}
}

func CardSelector(layout browser.PortalLayout, label string) string {
	return fmt.Sprintf(`button[aria-label=%q]`, layout.CardLabelPrefix+label)
}
