package jobs

import (
	"context"

	"opmsync/internal/services"

	logger "github.com/Bparsons0904/goLogger"
)

// ActiveRun reports the run currently holding the lock, if any.
type ActiveRun interface {
	Holder(ctx context.Context) (string, bool)
}

type ScratchSweepJob struct {
	scratch  *services.ScratchService
	active   ActiveRun
	log      logger.Logger
	schedule services.Schedule
}

func NewScratchSweepJob(
	scratch *services.ScratchService,
	active ActiveRun,
	schedule services.Schedule,
) *ScratchSweepJob {
	log := logger.New("scratchSweepJob")
	log.Info("Creating new scratch sweep job", "schedule", schedule.String())

	return &ScratchSweepJob{
		scratch:  scratch,
		active:   active,
		log:      log,
		schedule: schedule,
	}
}

func (j *ScratchSweepJob) Name() string {
	return "DailyScratchSweep"
}

// Execute removes stale browser session directories. It never runs while a
// pipeline run is active, since that run owns a live session directory.
func (j *ScratchSweepJob) Execute(ctx context.Context) error {
	log := j.log.Function("Execute")

	if runID, active := j.active.Holder(ctx); active {
		log.Info("Run in progress, skipping scratch sweep", "runID", runID)
		return nil
	}

	removed, err := j.scratch.Sweep(ctx)
	if err != nil {
		return log.Err("scratch sweep failed", err)
	}

	log.Info("Scratch sweep completed", "removed", removed)
	return nil
}

func (j *ScratchSweepJob) Schedule() services.Schedule {
	return j.schedule
}
