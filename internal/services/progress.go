package services

import (
	"context"
	"time"

	"opmsync/internal/events"
	"opmsync/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

type runIDKey struct{}

// WithRunID tags ctx with the run identifier, which also becomes the log trace ID.
func WithRunID(ctx context.Context, runID string) context.Context {
	ctx = logger.ContextWithTraceID(ctx, runID)
	return context.WithValue(ctx, runIDKey{}, runID)
}

func RunIDFromContext(ctx context.Context) string {
	runID, _ := ctx.Value(runIDKey{}).(string)
	return runID
}

func jobData(job models.Job) map[string]any {
	return map[string]any{
		"job":      job.String(),
		"dataType": job.DataType.Slug(),
		"month":    job.Month.String(),
		"dataset":  job.DatasetName(),
	}
}

// publishProgress sends a best effort progress event. Delivery failures never
// affect the job.
func publishProgress(
	ctx context.Context,
	bus events.Publisher,
	eventType events.MessageType,
	data map[string]any,
) {
	if bus == nil {
		return
	}

	err := bus.Publish(events.PROGRESS_CHANNEL, events.Event{
		Type:      eventType,
		RunID:     RunIDFromContext(ctx),
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		logger.New("progress").Function("publishProgress").
			Warn("Failed to publish progress event", "eventType", eventType, "error", err)
	}
}
