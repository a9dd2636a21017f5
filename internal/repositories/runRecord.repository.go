package repositories

import (
	"context"

	"opmsync/internal/database"
	. "opmsync/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

const defaultRunRecordLimit = 20

type RunRecordRepository interface {
	Create(ctx context.Context, record *RunRecord) error
	GetRecent(ctx context.Context, limit int) ([]*RunRecord, error)
	GetByRunID(ctx context.Context, runID string) (*RunRecord, error)
}

type runRecordRepository struct {
	db  database.DB
	log logger.Logger
}

func NewRunRecordRepository(db database.DB) RunRecordRepository {
	return &runRecordRepository{
		db:  db,
		log: logger.New("runRecordRepository"),
	}
}

func (r *runRecordRepository) Create(ctx context.Context, record *RunRecord) error {
	log := r.log.TraceFromContext(ctx).Function("Create")

	if err := r.db.SQLWithContext(ctx).Create(record).Error; err != nil {
		return log.Err("failed to create run record", err, "runID", record.RunID)
	}

	return nil
}

func (r *runRecordRepository) GetRecent(ctx context.Context, limit int) ([]*RunRecord, error) {
	log := r.log.TraceFromContext(ctx).Function("GetRecent")

	if limit <= 0 {
		limit = defaultRunRecordLimit
	}

	var records []*RunRecord
	if err := r.db.SQLWithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, log.Err("failed to list run records", err, "limit", limit)
	}

	return records, nil
}

func (r *runRecordRepository) GetByRunID(ctx context.Context, runID string) (*RunRecord, error) {
	log := r.log.TraceFromContext(ctx).Function("GetByRunID")

	var record RunRecord
	if err := r.db.SQLWithContext(ctx).Where("run_id = ?", runID).First(&record).Error; err != nil {
		return nil, log.Err("failed to get run record", err, "runID", runID)
	}

	return &record, nil
}
