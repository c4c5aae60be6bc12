// SPDX-FileCopyrightText: 2024 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"fmt"
	netmail "net/mail"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/telekom/mail-dispatch/pkg/attachment"
	"github.com/telekom/mail-dispatch/pkg/grouping"
	"github.com/telekom/mail-dispatch/pkg/mail"
	"github.com/telekom/mail-dispatch/pkg/metrics"
	"github.com/telekom/mail-dispatch/pkg/record"
	"github.com/telekom/mail-dispatch/pkg/system"
	"github.com/telekom/mail-dispatch/pkg/telemetry"
)

// MaxWorkers caps the optional worker pool.
const MaxWorkers = 4

// AttachmentBuilder turns a group into a transient file. On a partial failure
// it may return both an attachment and an error; the attachment must still be
// released.
type AttachmentBuilder interface {
	Build(g grouping.Group) (*attachment.Attachment, error)
}

// BodyRenderer produces the subject and body of a group's message.
type BodyRenderer interface {
	Render(g grouping.Group) (mail.Body, error)
}

// Auditor is notified once per group after cleanup.
type Auditor interface {
	Record(ctx context.Context, runID string, r Result)
}

// Options is the immutable configuration of an Engine.
type Options struct {
	KeyField      string
	MissingKey    grouping.MissingKeyPolicy
	AddressField  string
	NameFields    []string
	SenderAddress string
	SenderName    string
	// SendDelay is the pause between two sends. Zero disables throttling.
	SendDelay time.Duration
	// Workers > 1 enables the bounded pool, capped at MaxWorkers.
	Workers int
	// DryRun builds and renders every group but never calls the transport.
	DryRun bool
}

// Dependencies are the collaborators of an Engine. Transport may be nil in a dry run.
type Dependencies struct {
	Source    record.Source
	Builder   AttachmentBuilder
	Renderer  BodyRenderer
	Transport mail.Transport
	Auditor   Auditor
}

// Engine orchestrates one dispatch run.
type Engine struct {
	opts     Options
	deps     Dependencies
	throttle *throttle
	log      *zap.SugaredLogger
	now      func() time.Time
}

// New validates the options and returns an Engine.
func New(opts Options, deps Dependencies, log *zap.SugaredLogger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	var errs []error
	if deps.Source == nil {
		errs = append(errs, errors.New("no record source"))
	}
	if deps.Builder == nil {
		errs = append(errs, errors.New("no attachment builder"))
	}
	if deps.Renderer == nil {
		errs = append(errs, errors.New("no body renderer"))
	}
	if deps.Transport == nil && !opts.DryRun {
		errs = append(errs, ErrNoTransport)
	}
	if strings.TrimSpace(opts.KeyField) == "" {
		errs = append(errs, errors.New("key field must be set"))
	}
	if strings.TrimSpace(opts.AddressField) == "" {
		errs = append(errs, errors.New("address field must be set"))
	}
	if opts.SendDelay < 0 {
		errs = append(errs, fmt.Errorf("send delay must not be negative, got %s", opts.SendDelay))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, &FatalSetupError{Op: "configure engine", Err: err}
	}

	if opts.MissingKey == "" {
		opts.MissingKey = grouping.PolicySkip
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Workers > MaxWorkers {
		log.Warnw("Worker count capped", "requested", opts.Workers, "max", MaxWorkers)
		opts.Workers = MaxWorkers
	}
	opts.NameFields = append([]string(nil), opts.NameFields...)

	return &Engine{
		opts:     opts,
		deps:     deps,
		throttle: newThrottle(opts.SendDelay, opts.Workers),
		log:      log.Named("dispatch"),
		now:      time.Now,
	}, nil
}

// Prepare reads and groups the records. Errors are *FatalSetupError.
func (e *Engine) Prepare(ctx context.Context) (*grouping.Result, error) {
	records, err := e.deps.Source.Read(ctx)
	if err != nil {
		return nil, &FatalSetupError{Op: "read records", Err: err}
	}
	idx, err := grouping.Index(records, e.opts.KeyField, e.opts.MissingKey)
	if err != nil {
		return nil, &FatalSetupError{Op: "group records", Err: err}
	}
	if idx.Dropped > 0 {
		e.log.Warnw("Dropped records without identity value",
			"keyField", e.opts.KeyField,
			"dropped", idx.Dropped,
			"rows", idx.DroppedRows)
	}
	if len(idx.Groups) == 0 {
		return idx, &FatalSetupError{Op: "group records", Err: ErrNoGroups}
	}
	return idx, nil
}

// Run processes every group and returns the summary. The error is non-nil
// only for fatal setup failures, in which case the summary holds no results.
// When ctx is canceled the group in flight is finished and cleaned up and the
// remaining groups are left out. The run is marked interrupted only if some
// group was left out or abandoned.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	summary := newSummary(e.now())
	summary.DryRun = e.opts.DryRun

	metrics.RunInProgress.Set(1)
	defer metrics.RunInProgress.Set(0)

	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.run",
		trace.WithAttributes(attribute.String("run.id", summary.RunID), attribute.Bool("run.dry_run", e.opts.DryRun)))
	defer span.End()

	idx, err := e.Prepare(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "setup failed")
		summary.FinishedAt = e.now()
		metrics.RunsTotal.WithLabelValues("fatal").Inc()
		e.log.Errorw("Dispatch run aborted before processing any group", "runID", summary.RunID, "error", err)
		return summary, err
	}
	summary.TotalGroups = len(idx.Groups)
	summary.Dropped = idx.Dropped
	metrics.RecordsDropped.Add(float64(idx.Dropped))

	e.log.Infow("Starting dispatch run",
		"runID", summary.RunID,
		"groups", len(idx.Groups),
		"workers", e.opts.Workers,
		"sendDelay", e.opts.SendDelay,
		"dryRun", e.opts.DryRun)

	if e.opts.Workers > 1 {
		e.runPool(ctx, summary, idx.Groups)
	} else {
		e.runSequential(ctx, summary, idx.Groups)
	}

	summary.FinishedAt = e.now()
	// a cancel that lands after the last group finished does not count
	summary.Interrupted = summary.cutShort()
	result := "completed"
	if summary.Interrupted {
		result = "interrupted"
	}
	metrics.RunsTotal.WithLabelValues(result).Inc()
	span.SetAttributes(
		attribute.Int("run.groups", summary.TotalGroups),
		attribute.Int("run.sent", summary.Counts.Sent),
		attribute.Int("run.skipped", summary.Counts.Skipped),
		attribute.Int("run.failed", summary.Counts.Failed),
		attribute.Bool("run.interrupted", summary.Interrupted))

	e.log.Infow("Dispatch run finished",
		"runID", summary.RunID,
		"groups", summary.TotalGroups,
		"processed", summary.Processed,
		"sent", summary.Counts.Sent,
		"skipped", summary.Counts.Skipped,
		"failed", summary.Counts.Failed,
		"interrupted", summary.Interrupted,
		"elapsed", summary.Elapsed())
	return summary, nil
}

func (e *Engine) runSequential(ctx context.Context, summary *Summary, groups []grouping.Group) {
	for i, g := range groups {
		if ctx.Err() != nil {
			e.log.Warnw("Run interrupted", "remaining", len(groups)-i)
			return
		}

		res := e.Process(ctx, g)
		e.finish(ctx, summary.RunID, res)
		summary.add(res)

		if e.opts.DryRun || i == len(groups)-1 || res.Status == StatusSkippedMissingAddress {
			continue
		}
		if err := e.throttle.Pause(ctx); err != nil {
			e.log.Warnw("Run interrupted during send delay", "remaining", len(groups)-i-1)
			return
		}
	}
}

// runPool hands whole groups to a bounded set of workers. Results are
// collected under a lock and appended to the summary in group order.
func (e *Engine) runPool(ctx context.Context, summary *Summary, groups []grouping.Group) {
	var (
		mu      sync.Mutex
		results = make([]*Result, len(groups))
		wg      sync.WaitGroup
		jobs    = make(chan int)
	)

	for w := 0; w < e.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res := e.Process(ctx, groups[i])
				e.finish(ctx, summary.RunID, res)
				mu.Lock()
				results[i] = &res
				mu.Unlock()
			}
		}()
	}

feed:
	for i := range groups {
		select {
		case <-ctx.Done():
			e.log.Warnw("Run interrupted", "remaining", len(groups)-i)
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()

	for _, r := range results {
		if r != nil {
			summary.add(*r)
		}
	}
}

// Process walks one group through the state machine. The attachment is
// released before Process returns, whatever state the group ended in.
func (e *Engine) Process(ctx context.Context, g grouping.Group) Result {
	run := newGroupRun(g, e.now())
	log := e.log.With(system.GroupFields(g.Key, "")...)

	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.group",
		trace.WithAttributes(attribute.String("group.key", g.Key), attribute.Int("group.rows", g.Len())))
	defer func() {
		e.cleanup(run, log)
		run.result.Duration = e.now().Sub(run.started)
		endGroupSpan(span, run.result)
	}()

	for !run.state.terminal() {
		prev := run.state
		switch run.state {
		case StatePending:
			e.validate(run)
		case StateValidated:
			e.buildAttachment(run)
			if run.state == StateAttachmentBuilt {
				metrics.AttachmentsBuilt.Inc()
			}
		case StateAttachmentBuilt:
			e.renderBody(run)
		case StateBodyRendered:
			e.send(ctx, run)
		}
		log.Debugw("Group state changed", "from", prev, "to", run.state)
	}
	return run.result
}

func (e *Engine) validate(run *groupRun) {
	rep := run.group.Representative()
	run.name = mail.DisplayName(rep, e.opts.NameFields)
	run.result.Name = run.name

	for _, rec := range run.group.Records {
		if strings.TrimSpace(rec.Value(e.opts.AddressField)) == "" {
			run.skip(ErrMissingAddress.Error())
			return
		}
	}

	raw := strings.TrimSpace(rep.Value(e.opts.AddressField))
	run.result.Address = raw
	addr, err := netmail.ParseAddress(raw)
	if err != nil {
		run.skip(ErrInvalidAddress.Error())
		return
	}
	run.address = addr.Address
	run.result.Address = addr.Address
	run.state = StateValidated
}

func (e *Engine) buildAttachment(run *groupRun) {
	att, err := e.deps.Builder.Build(run.group)
	// keep a partial attachment so cleanup can release it
	run.attachment = att
	if err != nil {
		run.fail(StageAttachment, "render", &RenderError{Stage: StageAttachment, Err: err})
		return
	}
	run.result.AttachmentName = att.FileName
	if att.Rows != run.group.Len() {
		run.fail(StageAttachment, "render", &RenderError{
			Stage: StageAttachment,
			Err:   fmt.Errorf("attachment has %d rows, group has %d", att.Rows, run.group.Len()),
		})
		return
	}
	run.state = StateAttachmentBuilt
}

func (e *Engine) renderBody(run *groupRun) {
	body, err := e.deps.Renderer.Render(run.group)
	if err != nil {
		run.fail(StageBody, "render", &RenderError{Stage: StageBody, Err: err})
		return
	}
	run.body = body
	run.state = StateBodyRendered
}

func (e *Engine) send(ctx context.Context, run *groupRun) {
	if e.opts.DryRun {
		run.sent("dry run")
		return
	}

	if err := e.throttle.Wait(ctx); err != nil {
		run.fail(StageSend, string(mail.KindCanceled), fmt.Errorf("interrupted before send: %w", err))
		return
	}

	msg := mail.Message{
		From:           e.opts.SenderAddress,
		FromName:       e.opts.SenderName,
		To:             run.address,
		ToName:         run.name,
		Subject:        run.body.Subject,
		HTML:           run.body.HTML,
		Text:           run.body.Text,
		AttachmentPath: run.attachment.Path,
		AttachmentName: run.attachment.FileName,
	}
	err := e.deps.Transport.Send(ctx, msg)
	if err == nil {
		run.sent("")
		return
	}

	kind := mail.Classify(err)
	var te *mail.TransportError
	if errors.As(err, &te) {
		kind = te.Kind
		run.result.Attempts = te.Attempts
	}
	run.fail(StageSend, string(kind), err)
}

// cleanup releases the attachment. Release failures are logged only.
func (e *Engine) cleanup(run *groupRun, log *zap.SugaredLogger) {
	if run.attachment != nil {
		if err := run.attachment.Release(); err != nil {
			metrics.AttachmentCleanupFailures.Inc()
			log.Warnw("Failed to remove attachment", "path", run.attachment.Path, "error", err)
		}
	}
	if run.state != StateSkipped {
		run.state = StateCleanedUp
	}
}

func endGroupSpan(span trace.Span, res Result) {
	span.SetAttributes(attribute.String("group.status", string(res.Status)))
	if res.Status == StatusFailed {
		span.SetAttributes(
			attribute.String("group.stage", string(res.Stage)),
			attribute.String("group.error_kind", res.ErrorKind))
		span.SetStatus(codes.Error, res.Reason)
	}
	span.End()
}

// finish records the outcome in metrics, logs and the auditor.
func (e *Engine) finish(ctx context.Context, runID string, res Result) {
	metrics.GroupsProcessed.WithLabelValues(string(res.Status)).Inc()
	metrics.GroupDuration.WithLabelValues(string(res.Status)).Observe(res.Duration.Seconds())

	switch res.Status {
	case StatusSent:
		e.log.Infow("Group delivered",
			"key", res.Key,
			"address", res.Address,
			"rows", res.RowCount,
			"attachment", res.AttachmentName,
			"dryRun", e.opts.DryRun)
	case StatusSkippedMissingAddress:
		e.log.Warnw("Group skipped", "key", res.Key, "reason", res.Reason, "rows", res.RowCount)
	case StatusFailed:
		metrics.GroupsFailed.WithLabelValues(string(res.Stage), res.ErrorKind).Inc()
		e.log.Errorw("Group failed",
			"key", res.Key,
			"address", res.Address,
			"stage", res.Stage,
			"kind", res.ErrorKind,
			"attempts", res.Attempts,
			"error", res.Reason)
	}

	if e.deps.Auditor != nil {
		e.deps.Auditor.Record(ctx, runID, res)
	}
}
