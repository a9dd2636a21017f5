package models

import (
	"fmt"
	"strings"
	"time"
)

type OutcomeStatus string

const (
	OutcomeSucceeded    OutcomeStatus = "succeeded"
	OutcomeSkipped      OutcomeStatus = "skipped"
	OutcomeFailed       OutcomeStatus = "failed"
	OutcomeNotAttempted OutcomeStatus = "not_attempted"
)

// JobOutcome is the per-job result reported at the end of a run.
type JobOutcome struct {
	Job           Job           `json:"job"`
	Status        OutcomeStatus `json:"status"`
	Stage         string        `json:"stage,omitempty"`
	Attempts      int           `json:"attempts"`
	Error         string        `json:"error,omitempty"`
	ErrorKind     string        `json:"errorKind,omitempty"`
	Rows          int64         `json:"rows,omitempty"`
	RawBytes      int64         `json:"rawBytes,omitempty"`
	ColumnarBytes int64         `json:"columnarBytes,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// RunSummary enumerates what a run did, grouped by outcome.
type RunSummary struct {
	RunID        string       `json:"runId"`
	Start        MonthKey     `json:"start"`
	End          MonthKey     `json:"end"`
	DataTypes    []DataType   `json:"dataTypes"`
	StartedAt    time.Time    `json:"startedAt"`
	FinishedAt   time.Time    `json:"finishedAt"`
	Succeeded    []JobOutcome `json:"succeeded"`
	Skipped      []JobOutcome `json:"skipped"`
	Failed       []JobOutcome `json:"failed"`
	NotAttempted []JobOutcome `json:"notAttempted"`
	Aborted      bool         `json:"aborted"`
	AbortReason  string       `json:"abortReason,omitempty"`
}

func (s *RunSummary) Record(outcome JobOutcome) {
	switch outcome.Status {
	case OutcomeSucceeded:
		s.Succeeded = append(s.Succeeded, outcome)
	case OutcomeSkipped:
		s.Skipped = append(s.Skipped, outcome)
	case OutcomeFailed:
		s.Failed = append(s.Failed, outcome)
	case OutcomeNotAttempted:
		s.NotAttempted = append(s.NotAttempted, outcome)
	}
}

func (s RunSummary) HasFailures() bool {
	return len(s.Failed) > 0 || s.Aborted
}

func (s RunSummary) Total() int {
	return len(s.Succeeded) + len(s.Skipped) + len(s.Failed) + len(s.NotAttempted)
}

// Text renders the operator-facing end-of-run report.
func (s RunSummary) Text() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Run %s: %s to %s\n", s.RunID, s.Start, s.End)
	fmt.Fprintf(
		&b,
		"succeeded=%d skipped=%d failed=%d not_attempted=%d\n",
		len(s.Succeeded),
		len(s.Skipped),
		len(s.Failed),
		len(s.NotAttempted),
	)

	writeSection := func(title string, outcomes []JobOutcome, withError bool) {
		if len(outcomes) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s:\n", title)
		for _, outcome := range outcomes {
			if withError {
				fmt.Fprintf(
					&b,
					"  %-12s %s  [%s after %d attempt(s)] %s\n",
					outcome.Job.DataType.Slug(),
					outcome.Job.Month,
					outcome.Stage,
					outcome.Attempts,
					outcome.Error,
				)
				continue
			}
			fmt.Fprintf(&b, "  %-12s %s\n", outcome.Job.DataType.Slug(), outcome.Job.Month)
		}
	}

	writeSection("Succeeded", s.Succeeded, false)
	writeSection("Skipped (already published)", s.Skipped, false)
	writeSection("Failed", s.Failed, true)
	writeSection("Not attempted", s.NotAttempted, false)

	if s.Aborted {
		fmt.Fprintf(&b, "Run aborted: %s\n", s.AbortReason)
	}

	return b.String()
}
