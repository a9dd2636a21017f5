package repositories

import (
	"opmsync/internal/database"
)

type Repository struct {
	RunRecord RunRecordRepository
}

// New returns nil repositories when run history is not configured.
func New(db database.DB) Repository {
	if db.SQL == nil {
		return Repository{}
	}

	return Repository{
		RunRecord: NewRunRecordRepository(db),
	}
}
