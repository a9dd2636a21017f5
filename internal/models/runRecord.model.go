package models

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// RunRecord is the audit row written after every run. It exists for operators
// only; planning never reads it.
type RunRecord struct {
	BaseModel

	RunID        string    `gorm:"uniqueIndex;not null" json:"runId"`
	StartMonth   string    `gorm:"not null"             json:"startMonth"`
	EndMonth     string    `gorm:"not null"             json:"endMonth"`
	DataTypes    string    `gorm:"not null"             json:"dataTypes"`
	StartedAt    time.Time `                            json:"startedAt"`
	FinishedAt   time.Time `                            json:"finishedAt"`
	Succeeded    int       `gorm:"default:0"            json:"succeeded"`
	Skipped      int       `gorm:"default:0"            json:"skipped"`
	Failed       int       `gorm:"default:0"            json:"failed"`
	NotAttempted int       `gorm:"default:0"            json:"notAttempted"`
	Aborted      bool      `gorm:"default:false"        json:"aborted"`
	AbortReason  *string   `                            json:"abortReason,omitempty"`

	Failures datatypes.JSON `json:"failures,omitempty"`
}

// NewRunRecord flattens a summary into its history row.
func NewRunRecord(summary RunSummary) (*RunRecord, error) {
	slugs := make([]string, 0, len(summary.DataTypes))
	for _, dataType := range summary.DataTypes {
		slugs = append(slugs, dataType.Slug())
	}

	record := &RunRecord{
		RunID:        summary.RunID,
		StartMonth:   summary.Start.String(),
		EndMonth:     summary.End.String(),
		DataTypes:    strings.Join(slugs, ","),
		StartedAt:    summary.StartedAt,
		FinishedAt:   summary.FinishedAt,
		Succeeded:    len(summary.Succeeded),
		Skipped:      len(summary.Skipped),
		Failed:       len(summary.Failed),
		NotAttempted: len(summary.NotAttempted),
		Aborted:      summary.Aborted,
	}

	if summary.AbortReason != "" {
		reason := summary.AbortReason
		record.AbortReason = &reason
	}

	if len(summary.Failed) > 0 {
		failures, err := json.Marshal(summary.Failed)
		if err != nil {
			return nil, err
		}
		record.Failures = datatypes.JSON(failures)
	}

	return record, nil
}

func (RunRecord) TableName() string {
	return "run_records"
}
