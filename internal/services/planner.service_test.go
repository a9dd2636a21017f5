package services

import (
	"context"
	"testing"
	"time"

	"opmsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidates_Ordering(t *testing.T) {
	jobs := Candidates(PlanRequest{
		Start: month(t, "202112"),
		End:   month(t, "202201"),
		Types: []models.DataType{models.Employment, models.Accessions},
	})

	expected := []models.Job{
		models.NewJob(models.Accessions, month(t, "202112")),
		models.NewJob(models.Employment, month(t, "202112")),
		models.NewJob(models.Accessions, month(t, "202201")),
		models.NewJob(models.Employment, month(t, "202201")),
	}
	assert.Equal(t, expected, jobs)
}

func TestPlannerService_Build_StartAfterEnd(t *testing.T) {
	inventory := &fakeInventory{}
	planner := NewPlannerService(inventory)

	plan, err := planner.Build(context.Background(), PlanRequest{
		Start: month(t, "202112"),
		End:   month(t, "202101"),
		Types: models.AllDataTypes,
	})

	require.NoError(t, err)
	assert.Empty(t, plan.Pending)
	assert.Empty(t, plan.Skipped)
	assert.Zero(t, inventory.calls)
}

func TestPlannerService_Build_SkipsPublishedMonths(t *testing.T) {
	present := make(map[models.Job]bool)
	for m := time.January; m <= time.October; m++ {
		present[models.NewJob(models.Accessions, models.NewMonthKey(2021, m))] = true
	}
	planner := NewPlannerService(&fakeInventory{present: present})

	plan, err := planner.Build(context.Background(), PlanRequest{
		Start: month(t, "2021-01"),
		End:   month(t, "2021-12"),
		Types: []models.DataType{models.Accessions},
	})

	require.NoError(t, err)
	assert.Equal(t, []models.Job{
		models.NewJob(models.Accessions, month(t, "202111")),
		models.NewJob(models.Accessions, month(t, "202112")),
	}, plan.Pending)
	assert.Len(t, plan.Skipped, 10)
	assert.Equal(t, 12, plan.Total())
}

func TestPlannerService_Build_Idempotent(t *testing.T) {
	present := map[models.Job]bool{
		models.NewJob(models.Separations, month(t, "202301")): true,
	}
	planner := NewPlannerService(&fakeInventory{present: present})
	req := PlanRequest{
		Start: month(t, "202301"),
		End:   month(t, "202303"),
		Types: models.AllDataTypes,
	}

	first, err := planner.Build(context.Background(), req)
	require.NoError(t, err)
	second, err := planner.Build(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotContains(t, first.Pending, models.NewJob(models.Separations, month(t, "202301")))
	assert.Len(t, first.Pending, 8)
}

func TestPlannerService_Build_UnknownIsPending(t *testing.T) {
	job := models.NewJob(models.Employment, month(t, "202402"))
	planner := NewPlannerService(&fakeInventory{unknown: map[models.Job]bool{job: true}})

	plan, err := planner.Build(context.Background(), PlanRequest{
		Start: job.Month,
		End:   job.Month,
		Types: []models.DataType{models.Employment},
	})

	require.NoError(t, err)
	assert.Equal(t, []models.Job{job}, plan.Pending)
	assert.Equal(t, []models.Job{job}, plan.Unknown)
}

func TestPlannerService_Build_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	planner := NewPlannerService(&fakeInventory{})
	_, err := planner.Build(ctx, PlanRequest{
		Start: month(t, "202401"),
		End:   month(t, "202402"),
		Types: models.AllDataTypes,
	})

	assert.ErrorIs(t, err, context.Canceled)
}
