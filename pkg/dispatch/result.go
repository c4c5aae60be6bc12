package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/telekom/mail-dispatch/pkg/mail"
)

// Status is the terminal outcome of a group.
type Status string

const (
	StatusSent                  Status = "sent"
	StatusSkippedMissingAddress Status = "skipped_missing_address"
	StatusFailed                Status = "failed"
)

// Stage names the step a group failed in.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageAttachment Stage = "attachment"
	StageBody       Stage = "body"
	StageSend       Stage = "send"
)

// Result is the outcome of one group.
type Result struct {
	Key            string        `json:"key" yaml:"key"`
	Address        string        `json:"address,omitempty" yaml:"address,omitempty"`
	Name           string        `json:"name,omitempty" yaml:"name,omitempty"`
	RowCount       int           `json:"rowCount" yaml:"rowCount"`
	AttachmentName string        `json:"attachmentName,omitempty" yaml:"attachmentName,omitempty"`
	Status         Status        `json:"status" yaml:"status"`
	Reason         string        `json:"reason,omitempty" yaml:"reason,omitempty"`
	Stage          Stage         `json:"stage,omitempty" yaml:"stage,omitempty"`
	ErrorKind      string        `json:"errorKind,omitempty" yaml:"errorKind,omitempty"`
	Attempts       int           `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	Duration       time.Duration `json:"duration" yaml:"duration"`
}

// Counts holds the number of groups per terminal status.
type Counts struct {
	Sent    int `json:"sent" yaml:"sent"`
	Skipped int `json:"skipped" yaml:"skipped"`
	Failed  int `json:"failed" yaml:"failed"`
}

// Summary is the output of a run. Dropped counts records without an identity value.
type Summary struct {
	RunID       string    `json:"runId" yaml:"runId"`
	StartedAt   time.Time `json:"startedAt" yaml:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt" yaml:"finishedAt"`
	DryRun      bool      `json:"dryRun,omitempty" yaml:"dryRun,omitempty"`
	TotalGroups int       `json:"totalGroups" yaml:"totalGroups"`
	Processed   int       `json:"processed" yaml:"processed"`
	Counts      Counts    `json:"counts" yaml:"counts"`
	Dropped     int       `json:"dropped" yaml:"dropped"`
	Interrupted bool      `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
	Results     []Result  `json:"results" yaml:"results"`
}

func newSummary(now time.Time) *Summary {
	return &Summary{
		RunID:     uuid.NewString(),
		StartedAt: now,
		Results:   []Result{},
	}
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	s.Processed++
	switch r.Status {
	case StatusSent:
		s.Counts.Sent++
	case StatusSkippedMissingAddress:
		s.Counts.Skipped++
	case StatusFailed:
		s.Counts.Failed++
	}
}

// cutShort reports whether the run left groups out or had a group's
// delivery abandoned by cancellation.
func (s *Summary) cutShort() bool {
	if s.Processed < s.TotalGroups {
		return true
	}
	for _, r := range s.Results {
		if r.ErrorKind == string(mail.KindCanceled) {
			return true
		}
	}
	return false
}

// Failures returns the failed results in group order.
func (s *Summary) Failures() []Result {
	var out []Result
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// Elapsed is the wall time of the run.
func (s *Summary) Elapsed() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}
