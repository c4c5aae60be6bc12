// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/telekom/mail-dispatch/pkg/dispatch"
)

// EventType represents the type of audit event.
type EventType string

const (
	EventGroupSent    EventType = "group.sent"
	EventGroupSkipped EventType = "group.skipped"
	EventGroupFailed  EventType = "group.failed"
)

// Severity represents the importance of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is the record of one group outcome.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"runId"`

	Key            string `json:"key"`
	Address        string `json:"address,omitempty"`
	RowCount       int    `json:"rowCount"`
	AttachmentName string `json:"attachmentName,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Stage          string `json:"stage,omitempty"`
	ErrorKind      string `json:"errorKind,omitempty"`
	Attempts       int    `json:"attempts,omitempty"`
	DurationMs     int64  `json:"durationMs"`
}

// NewEvent converts a dispatch result into an event with a fresh ID.
func NewEvent(runID string, r dispatch.Result, now time.Time) *Event {
	e := &Event{
		ID:             uuid.NewString(),
		Timestamp:      now.UTC(),
		RunID:          runID,
		Key:            r.Key,
		Address:        r.Address,
		RowCount:       r.RowCount,
		AttachmentName: r.AttachmentName,
		Reason:         r.Reason,
		Stage:          string(r.Stage),
		ErrorKind:      r.ErrorKind,
		Attempts:       r.Attempts,
		DurationMs:     r.Duration.Milliseconds(),
	}
	switch r.Status {
	case dispatch.StatusSent:
		e.Type, e.Severity = EventGroupSent, SeverityInfo
	case dispatch.StatusSkippedMissingAddress:
		e.Type, e.Severity = EventGroupSkipped, SeverityWarning
	default:
		e.Type, e.Severity = EventGroupFailed, SeverityCritical
	}
	return e
}
