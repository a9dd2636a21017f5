package jobs

import (
	"opmsync/config"
	"opmsync/internal/services"

	logger "github.com/Bparsons0904/goLogger"
)

const scheduledRunTime = "06:00"

func RegisterAllJobs(
	schedulerService *services.SchedulerService,
	config config.Config,
	service services.Service,
) error {
	log := logger.New("jobs").Function("RegisterAllJobs")
	log.Info("Registering jobs")

	_, _, dataTypes, err := config.RunWindow()
	if err != nil {
		return log.Err("invalid data types for scheduled sync", err)
	}

	monthlySyncJob := NewMonthlySyncJob(
		service.Pipeline,
		dataTypes,
		services.MonthlySchedule(config.ScheduleDay, scheduledRunTime),
	)
	if err := schedulerService.AddJob(monthlySyncJob); err != nil {
		return log.Err("failed to register monthly sync job", err)
	}

	scratchSweepJob := NewScratchSweepJob(
		service.Scratch,
		service.Lock,
		services.Schedule{Frequency: services.Daily, At: "03:00"},
	)
	if err := schedulerService.AddJob(scratchSweepJob); err != nil {
		return log.Err("failed to register scratch sweep job", err)
	}

	log.Info("Registered jobs", "count", schedulerService.GetJobCount())
	return nil
}
