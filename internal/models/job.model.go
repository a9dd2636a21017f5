package models

import (
	"fmt"

	"opmsync/internal/types"
)

const (
	DatasetPrefix   = "opm-federal"
	DatasetFileName = "data.parquet"
)

// Job is one (data type, month) unit of work. Values are compared by value and
// never mutated after planning.
type Job struct {
	DataType DataType `json:"dataType"`
	Month    MonthKey `json:"month"`
}

func NewJob(dataType DataType, month MonthKey) Job {
	return Job{DataType: dataType, Month: month}
}

// DatasetName is the compatibility-critical remote name for the job.
func (j Job) DatasetName() string {
	return DatasetName(j.DataType, j.Month)
}

func (j Job) RepoID(owner string) string {
	return fmt.Sprintf("%s/%s", owner, j.DatasetName())
}

// FileStem is the per-job prefix for every local artifact.
func (j Job) FileStem() string {
	return fmt.Sprintf("%s_%s", j.DataType.Slug(), j.Month.String())
}

func (j Job) String() string {
	return fmt.Sprintf("%s/%s", j.DataType.Slug(), j.Month.String())
}

func DatasetName(dataType DataType, month MonthKey) string {
	return fmt.Sprintf("%s-%s-%s", DatasetPrefix, dataType.Slug(), month.String())
}

// JobError is a per-job failure as recorded in the run summary.
type JobError struct {
	Job      Job
	Stage    types.Stage
	Attempts int
	Err      error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s failed in %s after %d attempt(s): %v", e.Job, e.Stage, e.Attempts, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}
