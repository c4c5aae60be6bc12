package dispatch

import (
	"context"

	"github.com/telekom/mail-dispatch/pkg/grouping"
)

// Preview is the message a group would receive. Status and Reason are set
// only when the group would be skipped or fail before sending.
type Preview struct {
	Key            string `json:"key" yaml:"key"`
	Address        string `json:"address,omitempty" yaml:"address,omitempty"`
	Name           string `json:"name,omitempty" yaml:"name,omitempty"`
	RowCount       int    `json:"rowCount" yaml:"rowCount"`
	Subject        string `json:"subject,omitempty" yaml:"subject,omitempty"`
	Text           string `json:"text,omitempty" yaml:"text,omitempty"`
	HTML           string `json:"html,omitempty" yaml:"html,omitempty"`
	AttachmentName string `json:"attachmentName,omitempty" yaml:"attachmentName,omitempty"`
	Status         Status `json:"status,omitempty" yaml:"status,omitempty"`
	Reason         string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Preview renders up to limit groups (all when limit <= 0) without sending.
// Attachments are built to validate them and released right away.
func (e *Engine) Preview(ctx context.Context, limit int) ([]Preview, error) {
	idx, err := e.Prepare(ctx)
	if err != nil {
		return nil, err
	}
	groups := idx.Groups
	if limit > 0 && limit < len(groups) {
		groups = groups[:limit]
	}

	previews := make([]Preview, 0, len(groups))
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return previews, err
		}
		previews = append(previews, e.preview(g))
	}
	return previews, nil
}

func (e *Engine) preview(g grouping.Group) Preview {
	run := newGroupRun(g, e.now())
	defer e.cleanup(run, e.log)

	e.validate(run)
	if run.state == StateValidated {
		e.buildAttachment(run)
	}
	if run.state == StateAttachmentBuilt {
		e.renderBody(run)
	}

	p := Preview{
		Key:            g.Key,
		Address:        run.result.Address,
		Name:           run.name,
		RowCount:       g.Len(),
		AttachmentName: run.result.AttachmentName,
	}
	if run.state != StateBodyRendered {
		p.Status = run.result.Status
		p.Reason = run.result.Reason
		return p
	}
	p.Subject = run.body.Subject
	p.Text = run.body.Text
	p.HTML = run.body.HTML
	return p
}
