package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	logger "github.com/Bparsons0904/goLogger"
	"github.com/go-co-op/gocron"
)

type Frequency int

const (
	Hourly Frequency = iota
	Daily
	Monthly
)

// Schedule says when a job fires. Times are UTC; Day only applies to Monthly.
type Schedule struct {
	Frequency Frequency
	Day       int
	At        string
}

func MonthlySchedule(day int, at string) Schedule {
	return Schedule{Frequency: Monthly, Day: day, At: at}
}

func (s Schedule) String() string {
	switch s.Frequency {
	case Hourly:
		return "hourly"
	case Daily:
		return fmt.Sprintf("daily at %s UTC", s.At)
	case Monthly:
		return fmt.Sprintf("monthly on day %d at %s UTC", s.Day, s.At)
	default:
		return "unknown"
	}
}

// Job represents a scheduled task that can be executed by the scheduler
type Job interface {
	Name() string
	// Execute runs the job; ctx is cancelled when the scheduler stops.
	Execute(ctx context.Context) error
	Schedule() Schedule
}

type SchedulerService struct {
	scheduler *gocron.Scheduler
	jobs      []Job
	log       logger.Logger
	started   bool
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewSchedulerService() *SchedulerService {
	scheduler := gocron.NewScheduler(time.UTC)
	// A run can outlast the interval; never start a second copy.
	scheduler.SingletonModeAll()

	ctx, cancel := context.WithCancel(context.Background())

	return &SchedulerService{
		scheduler: scheduler,
		jobs:      make([]Job, 0),
		log:       logger.New("scheduler"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *SchedulerService) executeJob(job Job, log logger.Logger) {
	log.Info("Executing scheduled job", "job", job.Name())
	if err := job.Execute(s.ctx); err != nil {
		_ = log.Err("Job execution failed", err, "job", job.Name())
	} else {
		log.Info("Job execution completed successfully", "job", job.Name())
	}
}

// AddJob registers a job with the scheduler
func (s *SchedulerService) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.Function("AddJob")
	schedule := job.Schedule()
	run := func() {
		s.executeJob(job, log)
	}

	var err error
	switch schedule.Frequency {
	case Monthly:
		_, err = s.scheduler.Every(1).Month(schedule.Day).At(schedule.At).Do(run)
	case Daily:
		_, err = s.scheduler.Every(1).Day().At(schedule.At).Do(run)
	case Hourly:
		_, err = s.scheduler.Every(1).Hour().Do(run)
	default:
		err = fmt.Errorf("unsupported frequency %d", schedule.Frequency)
	}

	if err != nil {
		return log.Err("failed to register job with scheduler", err, "job", job.Name())
	}

	s.jobs = append(s.jobs, job)
	log.Info("Job registered successfully", "job", job.Name(), "schedule", schedule.String())

	return nil
}

// Start begins the scheduler
func (s *SchedulerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.TraceFromContext(ctx).Function("Start")

	if s.started {
		log.Info("Scheduler already started")
		return nil
	}

	if len(s.jobs) == 0 {
		log.Info("No jobs registered, scheduler will not start")
		return nil
	}

	log.Info("Starting scheduler", "jobCount", len(s.jobs))
	s.scheduler.StartAsync()
	s.started = true

	for _, job := range s.scheduler.Jobs() {
		log.Info("Job scheduled", "nextRun", job.NextRun())
	}

	return nil
}

// Stop cancels running jobs and shuts the scheduler down.
func (s *SchedulerService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.TraceFromContext(ctx).Function("Stop")

	if !s.started {
		log.Info("Scheduler not started, nothing to stop")
		return nil
	}

	log.Info("Stopping scheduler")
	if s.cancel != nil {
		s.cancel()
	}

	s.scheduler.Stop()
	s.started = false

	log.Info("Scheduler stopped successfully")
	return nil
}

func (s *SchedulerService) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *SchedulerService) GetJobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// GetNextRunTime returns the earliest next run, or nil when not running.
func (s *SchedulerService) GetNextRunTime() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || len(s.scheduler.Jobs()) == 0 {
		return nil
	}

	var next time.Time
	for _, job := range s.scheduler.Jobs() {
		if run := job.NextRun(); next.IsZero() || run.Before(next) {
			next = run
		}
	}
	return &next
}
