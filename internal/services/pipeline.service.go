package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"opmsync/internal/events"
	"opmsync/internal/models"
	"opmsync/internal/types"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"
)

const (
	CurrentRunKey              = "current"
	currentRunTTL              = 24 * time.Hour
	DefaultMaxConsecutiveUI    = 3
	finalizeTimeout            = 30 * time.Second
	abortReasonInterrupted     = "interrupted before all jobs ran"
	abortReasonPlanInterrupted = "interrupted while building the plan"
)

var ErrShuttingDown = errors.New("pipeline is shutting down")

type Planner interface {
	Build(ctx context.Context, req PlanRequest) (Plan, error)
}

type Fetcher interface {
	Fetch(ctx context.Context, job models.Job) (FetchResult, error)
}

type Converter interface {
	Convert(ctx context.Context, job models.Job, rawPath string) (ConversionResult, error)
}

type Publisher interface {
	Publish(ctx context.Context, job models.Job, columnarPath string) (PublishResult, error)
}

type RunHistory interface {
	Create(ctx context.Context, record *models.RunRecord) error
}

type RunRequest struct {
	Start   models.MonthKey
	End     models.MonthKey
	Types   []models.DataType
	Trigger string
}

type PipelineDeps struct {
	Planner   Planner
	Fetcher   Fetcher
	Converter Converter
	Publisher Publisher
	Scratch   *ScratchService
	Lock      RunLock
	// History and Progress are optional.
	History  RunHistory
	Progress events.Publisher
	// Snapshots, when set, shares the current run summary across processes.
	Snapshots              valkey.Client
	MaxConsecutiveUIErrors int
}

// PipelineService runs jobs strictly one after another and reports a summary.
type PipelineService struct {
	deps PipelineDeps
	log  logger.Logger

	// lifecycle guards runsCtx so no run is tracked after Shutdown begins.
	lifecycle  sync.Mutex
	runsCtx    context.Context
	cancelRuns context.CancelFunc
	runs       sync.WaitGroup

	mu      sync.RWMutex
	current *models.RunSummary
}

func NewPipelineService(deps PipelineDeps) *PipelineService {
	if deps.Lock == nil {
		deps.Lock = NewLocalRunLock()
	}
	if deps.MaxConsecutiveUIErrors <= 0 {
		deps.MaxConsecutiveUIErrors = DefaultMaxConsecutiveUI
	}

	runsCtx, cancelRuns := context.WithCancel(context.Background())
	return &PipelineService{
		deps:       deps,
		log:        logger.New("pipelineService"),
		runsCtx:    runsCtx,
		cancelRuns: cancelRuns,
	}
}

// Run executes one run to completion and blocks until it ends.
func (p *PipelineService) Run(ctx context.Context, req RunRequest) (models.RunSummary, error) {
	runID := uuid.NewString()

	runCtx, done, err := p.track(ctx)
	if err != nil {
		return models.RunSummary{}, err
	}
	defer done()

	release, err := p.deps.Lock.Acquire(runCtx, runID)
	if err != nil {
		return models.RunSummary{}, err
	}
	defer release()

	return p.execute(WithRunID(runCtx, runID), runID, req), nil
}

// Start acquires the run lock and runs in the background. The returned run ID
// identifies the run in events and history. The run ends early when ctx is
// cancelled or Shutdown is called.
func (p *PipelineService) Start(ctx context.Context, req RunRequest) (string, error) {
	runID := uuid.NewString()

	runCtx, done, err := p.track(ctx)
	if err != nil {
		return "", err
	}

	release, err := p.deps.Lock.Acquire(runCtx, runID)
	if err != nil {
		done()
		return "", err
	}

	go func() {
		defer done()
		defer release()
		p.execute(WithRunID(runCtx, runID), runID, req)
	}()

	return runID, nil
}

// track derives a run context that Shutdown can cancel. done must be called
// once the run has released its lock.
func (p *PipelineService) track(ctx context.Context) (context.Context, func(), error) {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	if p.runsCtx.Err() != nil {
		return nil, nil, ErrShuttingDown
	}

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(p.runsCtx, cancel)
	p.runs.Add(1)

	return runCtx, func() {
		stop()
		cancel()
		p.runs.Done()
	}, nil
}

// Shutdown interrupts active runs and waits until each has recorded its
// summary and released the run lock, or until ctx ends. New runs are refused
// afterwards.
func (p *PipelineService) Shutdown(ctx context.Context) error {
	p.lifecycle.Lock()
	p.cancelRuns()
	p.lifecycle.Unlock()

	finished := make(chan struct{})
	go func() {
		p.runs.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return p.log.Function("Shutdown").Err("active runs did not finish in time", ctx.Err())
	}
}

func (p *PipelineService) execute(ctx context.Context, runID string, req RunRequest) models.RunSummary {
	log := p.log.TraceFromContext(ctx).Function("execute")

	selected := make(map[models.DataType]bool, len(req.Types))
	for _, dataType := range req.Types {
		selected[dataType] = true
	}

	summary := models.RunSummary{
		RunID:        runID,
		Start:        req.Start,
		End:          req.End,
		DataTypes:    models.CanonicalDataTypes(selected),
		StartedAt:    time.Now().UTC(),
		Succeeded:    []models.JobOutcome{},
		Skipped:      []models.JobOutcome{},
		Failed:       []models.JobOutcome{},
		NotAttempted: []models.JobOutcome{},
	}

	log.Info("Run started",
		"runID", runID,
		"start", req.Start.String(),
		"end", req.End.String(),
		"trigger", req.Trigger)
	p.setCurrent(ctx, summary)
	publishProgress(ctx, p.deps.Progress, events.RUN_STARTED, map[string]any{
		"start":   req.Start.String(),
		"end":     req.End.String(),
		"trigger": req.Trigger,
	})

	if p.deps.Scratch != nil {
		if _, err := p.deps.Scratch.Sweep(ctx); err != nil {
			log.Warn("Failed to sweep stale session directories", "error", err)
		}
	}

	plan, err := p.deps.Planner.Build(ctx, PlanRequest{
		Start: req.Start,
		End:   req.End,
		Types: summary.DataTypes,
	})
	if err != nil {
		summary.Aborted = true
		summary.AbortReason = abortReasonPlanInterrupted
		if ctx.Err() == nil {
			summary.AbortReason = fmt.Sprintf("planning failed: %v", err)
		}
		return p.finish(ctx, summary)
	}

	for _, job := range plan.Skipped {
		summary.Record(models.JobOutcome{Job: job, Status: models.OutcomeSkipped})
	}
	p.setCurrent(ctx, summary)

	consecutiveUI := 0
	for i, job := range plan.Pending {
		if ctx.Err() != nil {
			markNotAttempted(&summary, plan.Pending[i:])
			summary.Aborted = true
			summary.AbortReason = abortReasonInterrupted
			break
		}

		outcome := p.runJob(ctx, job)
		summary.Record(outcome)
		p.setCurrent(ctx, summary)

		if outcome.Status == models.OutcomeFailed && outcome.ErrorKind == types.Kind(types.ErrUIState) {
			consecutiveUI++
		} else {
			consecutiveUI = 0
		}

		if consecutiveUI >= p.deps.MaxConsecutiveUIErrors {
			markNotAttempted(&summary, plan.Pending[i+1:])
			summary.Aborted = true
			summary.AbortReason = fmt.Sprintf(
				"%d consecutive jobs exhausted retries on UI state errors; the portal layout may have changed",
				consecutiveUI,
			)
			log.Error("Aborting run", "reason", summary.AbortReason)
			break
		}
	}

	if ctx.Err() != nil && !summary.Aborted {
		summary.Aborted = true
		summary.AbortReason = abortReasonInterrupted
	}

	return p.finish(ctx, summary)
}

func (p *PipelineService) runJob(ctx context.Context, job models.Job) models.JobOutcome {
	log := p.log.TraceFromContext(ctx).Function("runJob")
	started := time.Now()
	outcome := models.JobOutcome{Job: job}

	log.Info("Processing job", "job", job.String(), "dataset", job.DatasetName())

	fetch, err := p.deps.Fetcher.Fetch(ctx, job)
	outcome.Attempts = fetch.Attempts
	if err != nil {
		return p.failed(ctx, outcome, types.StageFetch, err, started)
	}
	outcome.RawBytes = fetch.Bytes

	conversion, err := p.deps.Converter.Convert(ctx, job, fetch.Path)
	if err != nil {
		return p.failed(ctx, outcome, types.StageConvert, err, started)
	}
	outcome.Rows = conversion.Rows
	outcome.ColumnarBytes = conversion.ColumnarBytes

	if _, err := p.deps.Publisher.Publish(ctx, job, conversion.Path); err != nil {
		return p.failed(ctx, outcome, types.StagePublish, err, started)
	}

	outcome.Status = models.OutcomeSucceeded
	outcome.Duration = time.Since(started)

	data := jobData(job)
	data["rows"] = outcome.Rows
	data["rawBytes"] = outcome.RawBytes
	data["columnarBytes"] = outcome.ColumnarBytes
	data["durationMs"] = outcome.Duration.Milliseconds()
	publishProgress(ctx, p.deps.Progress, events.JOB_COMPLETED, data)

	log.Info("Job succeeded",
		"job", job.String(),
		"rows", outcome.Rows,
		"duration", outcome.Duration)
	return outcome
}

func (p *PipelineService) failed(
	ctx context.Context,
	outcome models.JobOutcome,
	stage types.Stage,
	err error,
	started time.Time,
) models.JobOutcome {
	jobErr := &models.JobError{Job: outcome.Job, Stage: stage, Attempts: outcome.Attempts, Err: err}

	kind := types.Kind(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		kind = "interrupted"
	}

	p.log.TraceFromContext(ctx).Function("failed").Er("job failed", jobErr,
		"job", outcome.Job.String(),
		"stage", stage,
		"attempts", outcome.Attempts,
		"errorKind", kind)

	outcome.Status = models.OutcomeFailed
	outcome.Stage = string(stage)
	outcome.Error = err.Error()
	outcome.ErrorKind = kind
	outcome.Duration = time.Since(started)

	data := jobData(outcome.Job)
	data["stage"] = string(stage)
	data["errorKind"] = kind
	data["error"] = outcome.Error
	publishProgress(ctx, p.deps.Progress, events.JOB_FAILED, data)

	return outcome
}

func markNotAttempted(summary *models.RunSummary, jobs []models.Job) {
	for _, job := range jobs {
		summary.Record(models.JobOutcome{Job: job, Status: models.OutcomeNotAttempted})
	}
}

// finish records the run even when ctx is already cancelled.
func (p *PipelineService) finish(ctx context.Context, summary models.RunSummary) models.RunSummary {
	log := p.log.TraceFromContext(ctx).Function("finish")
	summary.FinishedAt = time.Now().UTC()

	finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	p.setCurrent(finalCtx, summary)

	if p.deps.History != nil {
		record, err := models.NewRunRecord(summary)
		if err == nil {
			err = p.deps.History.Create(finalCtx, record)
		}
		if err != nil {
			log.Warn("Failed to write run record", "runID", summary.RunID, "error", err)
		}
	}

	publishProgress(finalCtx, p.deps.Progress, events.RUN_COMPLETED, map[string]any{
		"succeeded":    len(summary.Succeeded),
		"skipped":      len(summary.Skipped),
		"failed":       len(summary.Failed),
		"notAttempted": len(summary.NotAttempted),
		"aborted":      summary.Aborted,
		"abortReason":  summary.AbortReason,
	})

	log.Info("Run finished",
		"runID", summary.RunID,
		"succeeded", len(summary.Succeeded),
		"skipped", len(summary.Skipped),
		"failed", len(summary.Failed),
		"notAttempted", len(summary.NotAttempted),
		"aborted", summary.Aborted,
		"duration", summary.FinishedAt.Sub(summary.StartedAt))

	return summary
}

func (p *PipelineService) setCurrent(ctx context.Context, summary models.RunSummary) {
	snapshot := cloneSummary(summary)

	p.mu.Lock()
	p.current = &snapshot
	p.mu.Unlock()

	if p.deps.Snapshots == nil {
		return
	}
	err := runCache(p.deps.Snapshots, CurrentRunKey).
		WithContext(ctx).
		WithStruct(snapshot).
		WithTTL(currentRunTTL).
		Set()
	if err != nil {
		p.log.Function("setCurrent").Warn("Failed to store run snapshot", "error", err)
	}
}

// Current returns the active or most recent run summary, preferring this
// process and falling back to the shared snapshot.
func (p *PipelineService) Current(ctx context.Context) (models.RunSummary, bool) {
	p.mu.RLock()
	current := p.current
	p.mu.RUnlock()

	if current != nil {
		return cloneSummary(*current), true
	}

	if p.deps.Snapshots == nil {
		return models.RunSummary{}, false
	}

	var summary models.RunSummary
	found, err := runCache(p.deps.Snapshots, CurrentRunKey).
		WithContext(ctx).
		Get(&summary)
	if err != nil {
		p.log.Function("Current").Warn("Failed to read run snapshot", "error", err)
		return models.RunSummary{}, false
	}
	return summary, found
}

func (p *PipelineService) ActiveRunID(ctx context.Context) (string, bool) {
	return p.deps.Lock.Holder(ctx)
}

func cloneSummary(summary models.RunSummary) models.RunSummary {
	summary.DataTypes = slices.Clone(summary.DataTypes)
	summary.Succeeded = slices.Clone(summary.Succeeded)
	summary.Skipped = slices.Clone(summary.Skipped)
	summary.Failed = slices.Clone(summary.Failed)
	summary.NotAttempted = slices.Clone(summary.NotAttempted)
	return summary
}
