package jobs

import (
	"context"
	"errors"
	"time"

	"opmsync/internal/models"
	"opmsync/internal/services"

	logger "github.com/Bparsons0904/goLogger"
)

const DefaultTrailingMonths = 3

// Runner is the pipeline entry point the sync job drives.
type Runner interface {
	Run(ctx context.Context, req services.RunRequest) (models.RunSummary, error)
}

type MonthlySyncJob struct {
	runner         Runner
	dataTypes      []models.DataType
	trailingMonths int
	schedule       services.Schedule
	now            func() time.Time
	log            logger.Logger
}

func NewMonthlySyncJob(
	runner Runner,
	dataTypes []models.DataType,
	schedule services.Schedule,
) *MonthlySyncJob {
	log := logger.New("monthlySyncJob")
	log.Info("Creating new monthly sync job", "schedule", schedule.String())

	return &MonthlySyncJob{
		runner:         runner,
		dataTypes:      dataTypes,
		trailingMonths: DefaultTrailingMonths,
		schedule:       schedule,
		now:            time.Now,
		log:            log,
	}
}

func (j *MonthlySyncJob) Name() string {
	return "MonthlyOPMSync"
}

// Window covers the trailing months that end with the last completed month.
func (j *MonthlySyncJob) Window() (models.MonthKey, models.MonthKey) {
	end := models.MonthKeyFromTime(j.now().UTC()).AddMonths(-1)
	return end.AddMonths(-(j.trailingMonths - 1)), end
}

func (j *MonthlySyncJob) Execute(ctx context.Context) error {
	log := j.log.Function("Execute")

	start, end := j.Window()
	log.Info("Starting scheduled sync", "start", start.String(), "end", end.String())

	summary, err := j.runner.Run(ctx, services.RunRequest{
		Start:   start,
		End:     end,
		Types:   j.dataTypes,
		Trigger: "schedule",
	})
	if errors.Is(err, services.ErrRunInProgress) {
		log.Warn("Skipping scheduled sync, a run is already in progress")
		return nil
	}
	if err != nil {
		return log.Err("scheduled sync failed to start", err)
	}

	if summary.HasFailures() {
		return log.Error(
			"scheduled sync finished with failures",
			"runID", summary.RunID,
			"failed", len(summary.Failed),
			"aborted", summary.Aborted,
		)
	}

	log.Info("Scheduled sync completed",
		"runID", summary.RunID,
		"succeeded", len(summary.Succeeded),
		"skipped", len(summary.Skipped))
	return nil
}

func (j *MonthlySyncJob) Schedule() services.Schedule {
	return j.schedule
}
