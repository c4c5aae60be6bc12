package dispatch

import (
	"time"

	"github.com/telekom/mail-dispatch/pkg/attachment"
	"github.com/telekom/mail-dispatch/pkg/grouping"
	"github.com/telekom/mail-dispatch/pkg/mail"
)

// State is the position of a group in the delivery state machine.
type State string

const (
	StatePending         State = "pending"
	StateValidated       State = "validated"
	StateAttachmentBuilt State = "attachment_built"
	StateBodyRendered    State = "body_rendered"
	StateSent            State = "sent"
	StateFailed          State = "failed"
	StateSkipped         State = "skipped_missing_address"
	StateCleanedUp       State = "cleaned_up"
)

// terminal reports whether no further processing step follows s. Sent and
// failed groups still pass through cleanup.
func (s State) terminal() bool {
	return s == StateSent || s == StateFailed || s == StateSkipped || s == StateCleanedUp
}

// groupRun carries one group through the state machine. It is owned by a
// single goroutine.
type groupRun struct {
	group   grouping.Group
	state   State
	started time.Time

	address    string
	name       string
	attachment *attachment.Attachment
	body       mail.Body

	result Result
}

func newGroupRun(g grouping.Group, now time.Time) *groupRun {
	return &groupRun{
		group:   g,
		state:   StatePending,
		started: now,
		result: Result{
			Key:      g.Key,
			RowCount: g.Len(),
		},
	}
}

func (r *groupRun) skip(reason string) {
	r.state = StateSkipped
	r.result.Status = StatusSkippedMissingAddress
	r.result.Stage = StageValidate
	r.result.Reason = reason
}

func (r *groupRun) fail(stage Stage, kind string, err error) {
	r.state = StateFailed
	r.result.Status = StatusFailed
	r.result.Stage = stage
	r.result.ErrorKind = kind
	r.result.Reason = err.Error()
}

func (r *groupRun) sent(reason string) {
	r.state = StateSent
	r.result.Status = StatusSent
	r.result.Reason = reason
}
