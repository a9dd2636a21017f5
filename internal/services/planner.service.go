package services

import (
	"context"

	"opmsync/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

// Inventory is what the planner needs to know about the remote store.
type Inventory interface {
	Exists(ctx context.Context, job models.Job) (InventoryState, error)
}

type PlanRequest struct {
	Start models.MonthKey
	End   models.MonthKey
	Types []models.DataType
}

type Plan struct {
	Pending []models.Job `json:"pending"`
	Skipped []models.Job `json:"skipped"`
	// Unknown jobs are also in Pending; this records which ones had no answer.
	Unknown []models.Job `json:"unknown"`
}

func (p Plan) Total() int {
	return len(p.Pending) + len(p.Skipped)
}

type PlannerService struct {
	inventory Inventory
	log       logger.Logger
}

func NewPlannerService(inventory Inventory) *PlannerService {
	return &PlannerService{
		inventory: inventory,
		log:       logger.New("plannerService"),
	}
}

// Candidates lists every job in the window, chronologically, with data types
// in canonical order inside a month.
func Candidates(req PlanRequest) []models.Job {
	selected := make(map[models.DataType]bool, len(req.Types))
	for _, dataType := range req.Types {
		selected[dataType] = true
	}
	dataTypes := models.CanonicalDataTypes(selected)

	months := models.MonthRange(req.Start, req.End)
	jobs := make([]models.Job, 0, len(months)*len(dataTypes))
	for _, month := range months {
		for _, dataType := range dataTypes {
			jobs = append(jobs, models.NewJob(dataType, month))
		}
	}
	return jobs
}

// Build orders the window's jobs and drops those already published.
func (ps *PlannerService) Build(ctx context.Context, req PlanRequest) (Plan, error) {
	log := ps.log.TraceFromContext(ctx).Function("Build")

	plan := Plan{
		Pending: []models.Job{},
		Skipped: []models.Job{},
		Unknown: []models.Job{},
	}

	for _, job := range Candidates(req) {
		state, err := ps.inventory.Exists(ctx, job)
		if err != nil {
			return plan, log.Err("plan interrupted", err, "job", job.String())
		}

		switch state {
		case InventoryPresent:
			plan.Skipped = append(plan.Skipped, job)
		case InventoryUnknown:
			plan.Unknown = append(plan.Unknown, job)
			plan.Pending = append(plan.Pending, job)
		default:
			plan.Pending = append(plan.Pending, job)
		}
	}

	log.Info("Plan built",
		"start", req.Start.String(),
		"end", req.End.String(),
		"pending", len(plan.Pending),
		"skipped", len(plan.Skipped),
		"unknown", len(plan.Unknown))

	return plan, nil
}
