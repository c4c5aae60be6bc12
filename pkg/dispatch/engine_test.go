package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"

	"github.com/telekom/mail-dispatch/pkg/attachment"
	"github.com/telekom/mail-dispatch/pkg/grouping"
	"github.com/telekom/mail-dispatch/pkg/mail"
	"github.com/telekom/mail-dispatch/pkg/metrics"
	"github.com/telekom/mail-dispatch/pkg/record"
	"github.com/telekom/mail-dispatch/pkg/system"
)

var testFields = []string{"id", "email", "first_name", "amount"}

func row(id, email, name, amount string) record.Record {
	return record.New(testFields, []string{id, email, name, amount})
}

// scenarioRecords holds 5 records for 3 recipients: A (2 rows), B (1), C (2).
func scenarioRecords() []record.Record {
	return []record.Record{
		row("A", "ann@example.com", "Ann", "10"),
		row("B", "bob@example.com", "Bob", "20"),
		row("A", "ann@example.com", "Ann", "30"),
		row("C", "cat@example.com", "Cat", "40"),
		row("C", "cat@example.com", "Cat", "50"),
	}
}

type sendRecord struct {
	msg              mail.Message
	attachmentExists bool
	at               time.Time
}

type stubTransport struct {
	mu      sync.Mutex
	failFor map[string]error
	sends   []sendRecord
	onSend  func()
}

func (s *stubTransport) Send(_ context.Context, msg mail.Message) error {
	_, statErr := os.Stat(msg.AttachmentPath)
	s.mu.Lock()
	s.sends = append(s.sends, sendRecord{msg: msg, attachmentExists: statErr == nil, at: time.Now()})
	s.mu.Unlock()
	if s.onSend != nil {
		s.onSend()
	}
	if err, ok := s.failFor[msg.To]; ok {
		return err
	}
	return nil
}

func (s *stubTransport) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sends))
	for _, r := range s.sends {
		out = append(out, r.msg.To)
	}
	return out
}

// recordingBuilder wraps a Builder and remembers every attachment it returned.
type recordingBuilder struct {
	inner   AttachmentBuilder
	mu      sync.Mutex
	built   []*attachment.Attachment
	keys    []string
	failFor map[string]bool
}

func (b *recordingBuilder) Build(g grouping.Group) (*attachment.Attachment, error) {
	att, err := b.inner.Build(g)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, g.Key)
	if att != nil {
		b.built = append(b.built, att)
	}
	if err == nil && b.failFor[g.Key] {
		err = errors.New("disk full")
	}
	return att, err
}

type failingRenderer struct {
	inner   BodyRenderer
	failFor map[string]bool
}

func (r failingRenderer) Render(g grouping.Group) (mail.Body, error) {
	if r.failFor[g.Key] {
		return mail.Body{}, errors.New("template exploded")
	}
	return r.inner.Render(g)
}

type recordingAuditor struct {
	mu      sync.Mutex
	runIDs  []string
	results []Result
}

func (a *recordingAuditor) Record(_ context.Context, runID string, r Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runIDs = append(a.runIDs, runID)
	a.results = append(a.results, r)
}

type fixture struct {
	dir       string
	builder   *recordingBuilder
	renderer  BodyRenderer
	transport *stubTransport
	auditor   *recordingAuditor
	opts      Options
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	b, err := attachment.NewBuilder(attachment.Options{Dir: dir, NameFields: []string{"first_name"}}, system.NewTestLogger())
	require.NoError(t, err)
	r, err := mail.NewBodyRenderer(mail.RendererOptions{
		NameFields:      []string{"first_name"},
		AddressField:    "email",
		SenderName:      "Reports",
		SubjectTemplate: "Your report ({{ .RowCount }} rows)",
	})
	require.NoError(t, err)

	return &fixture{
		dir:       dir,
		builder:   &recordingBuilder{inner: b},
		renderer:  r,
		transport: &stubTransport{},
		auditor:   &recordingAuditor{},
		opts: Options{
			KeyField:      "id",
			AddressField:  "email",
			NameFields:    []string{"first_name"},
			SenderAddress: "reports@example.com",
			SenderName:    "Reports",
		},
	}
}

func (f *fixture) engine(t *testing.T, records []record.Record) *Engine {
	t.Helper()
	return f.engineWithSource(t, record.StaticSource{Records: records})
}

func (f *fixture) engineWithSource(t *testing.T, src record.Source) *Engine {
	t.Helper()
	var transport mail.Transport = f.transport
	if f.opts.DryRun {
		transport = nil
	}
	e, err := New(f.opts, Dependencies{
		Source:    src,
		Builder:   f.builder,
		Renderer:  f.renderer,
		Transport: transport,
		Auditor:   f.auditor,
	}, system.NewTestLogger())
	require.NoError(t, err)
	return e
}

func (f *fixture) assertNoLeftovers(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "attachment scratch directory should be empty")
	for _, att := range f.builder.built {
		assert.False(t, att.Exists(), "attachment %s should be released", att.Path)
	}
}

func keys(results []Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Key)
	}
	return out
}

func TestEngine_AllGroupsSent(t *testing.T) {
	f := newFixture(t)
	summary, err := f.engine(t, scenarioRecords()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, summary.TotalGroups)
	assert.Equal(t, 3, summary.Processed)
	assert.Equal(t, Counts{Sent: 3}, summary.Counts)
	assert.Equal(t, []string{"A", "B", "C"}, keys(summary.Results))
	assert.NotEmpty(t, summary.RunID)
	assert.False(t, summary.Interrupted)

	var rows []int
	for _, r := range summary.Results {
		rows = append(rows, r.RowCount)
		assert.Equal(t, StatusSent, r.Status)
	}
	assert.Equal(t, []int{2, 1, 2}, rows)

	require.Len(t, f.transport.sends, 3)
	for _, s := range f.transport.sends {
		assert.True(t, s.attachmentExists, "attachment must exist while sending")
		assert.Equal(t, "reports@example.com", s.msg.From)
	}
	first := f.transport.sends[0].msg
	assert.Equal(t, "ann@example.com", first.To)
	assert.Equal(t, "Ann", first.ToName)
	assert.Equal(t, "Your report (2 rows)", first.Subject)
	assert.Equal(t, "Ann.csv", first.AttachmentName)
	assert.Contains(t, first.HTML, "Hello Ann,")

	f.assertNoLeftovers(t)
	assert.Len(t, f.auditor.results, 3)
	for _, id := range f.auditor.runIDs {
		assert.Equal(t, summary.RunID, id)
	}
}

func TestEngine_MissingAddressIsSkipped(t *testing.T) {
	f := newFixture(t)
	records := scenarioRecords()
	records[1] = row("B", "  ", "Bob", "20")

	summary, err := f.engine(t, records).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Counts{Sent: 2, Skipped: 1}, summary.Counts)
	b := summary.Results[1]
	assert.Equal(t, "B", b.Key)
	assert.Equal(t, StatusSkippedMissingAddress, b.Status)
	assert.Equal(t, "missing address", b.Reason)

	assert.Equal(t, []string{"ann@example.com", "cat@example.com"}, f.transport.recipients())
	assert.Equal(t, []string{"A", "C"}, f.builder.keys, "no attachment is built for a skipped group")
	f.assertNoLeftovers(t)
}

func TestEngine_BlankAddressInLaterRowSkipsGroup(t *testing.T) {
	f := newFixture(t)
	records := scenarioRecords()
	records[2] = row("A", "", "Ann", "30")

	summary, err := f.engine(t, records).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSkippedMissingAddress, summary.Results[0].Status)
	assert.Equal(t, Counts{Sent: 2, Skipped: 1}, summary.Counts)
}

func TestEngine_MissingAddressField(t *testing.T) {
	f := newFixture(t)
	records := []record.Record{
		record.New([]string{"id", "first_name"}, []string{"A", "Ann"}),
		row("B", "bob@example.com", "Bob", "1"),
	}
	summary, err := f.engine(t, records).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSkippedMissingAddress, summary.Results[0].Status)
	assert.Equal(t, StatusSent, summary.Results[1].Status)
}

func TestEngine_InvalidAddressIsSkipped(t *testing.T) {
	f := newFixture(t)
	records := []record.Record{
		row("A", "not-an-address", "Ann", "1"),
		row("B", "Bob <bob@example.com>", "Bob", "2"),
	}
	summary, err := f.engine(t, records).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSkippedMissingAddress, summary.Results[0].Status)
	assert.Equal(t, "invalid address", summary.Results[0].Reason)
	assert.Equal(t, StatusSent, summary.Results[1].Status)
	assert.Equal(t, "bob@example.com", summary.Results[1].Address)
	assert.Equal(t, []string{"bob@example.com"}, f.transport.recipients())
}

func TestEngine_TransportFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t)
	f.transport.failFor = map[string]error{
		"cat@example.com": &mail.TransportError{Kind: mail.KindRejected, Attempts: 1, Err: errors.New("550 mailbox unavailable")},
	}
	records := []record.Record{
		row("A", "ann@example.com", "Ann", "10"),
		row("C", "cat@example.com", "Cat", "40"),
		row("B", "bob@example.com", "Bob", "20"),
	}

	summary, err := f.engine(t, records).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Counts{Sent: 2, Failed: 1}, summary.Counts)
	assert.Equal(t, []string{"A", "C", "B"}, keys(summary.Results))
	c := summary.Results[1]
	assert.Equal(t, StatusFailed, c.Status)
	assert.Equal(t, StageSend, c.Stage)
	assert.Equal(t, "rejected", c.ErrorKind)
	assert.Equal(t, 1, c.Attempts)
	assert.Contains(t, c.Reason, "550 mailbox unavailable")
	assert.Equal(t, StatusSent, summary.Results[2].Status, "groups after the failure are still processed")

	failures := summary.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "C", failures[0].Key)
	f.assertNoLeftovers(t)
}

func TestEngine_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	f := newFixture(t)
	f.transport.failFor = map[string]error{"bob@example.com": errors.New("connection refused")}

	_, err := f.engine(t, scenarioRecords()).Run(context.Background())
	require.NoError(t, err)

	var runSpans, groupSpans, failedSpans int
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "dispatch.run":
			runSpans++
		case "dispatch.group":
			groupSpans++
			assert.True(t, span.Parent().IsValid(), "group spans are children of the run span")
			if span.Status().Code == codes.Error {
				failedSpans++
			}
		}
	}
	assert.Equal(t, 1, runSpans)
	assert.Equal(t, 3, groupSpans)
	assert.Equal(t, 1, failedSpans)
}

func TestEngine_UnclassifiedTransportError(t *testing.T) {
	f := newFixture(t)
	f.transport.failFor = map[string]error{"ann@example.com": errors.New("connection refused")}
	summary, err := f.engine(t, scenarioRecords()[:1]).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "network", summary.Results[0].ErrorKind)
}

func TestEngine_SourceFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	summary, err := f.engineWithSource(t, record.StaticSource{Err: errors.New("no such file")}).Run(context.Background())

	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, record.ErrSourceUnavailable)
	require.NotNil(t, summary)
	assert.Zero(t, summary.Processed)
	assert.Empty(t, summary.Results)
	assert.Empty(t, f.transport.sends)
	assert.Empty(t, f.builder.keys)
}

func TestEngine_SetupFailures(t *testing.T) {
	tests := []struct {
		name    string
		records []record.Record
		policy  grouping.MissingKeyPolicy
		wantErr error
	}{
		{name: "no records", wantErr: ErrNoGroups},
		{
			name:    "every record lacks the key",
			records: []record.Record{record.New([]string{"email"}, []string{"a@example.com"})},
			wantErr: ErrNoGroups,
		},
		{
			name: "missing key under abort policy",
			records: []record.Record{
				row("A", "ann@example.com", "Ann", "1"),
				record.New([]string{"email"}, []string{"x@example.com"}),
			},
			policy:  grouping.PolicyAbort,
			wantErr: grouping.ErrMissingKeyField,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.opts.MissingKey = tt.policy
			summary, err := f.engine(t, tt.records).Run(context.Background())
			require.Error(t, err)
			assert.True(t, IsFatal(err))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, summary.Results)
			assert.Empty(t, f.transport.sends)
		})
	}
}

func TestEngine_SkipPolicyCountsDroppedRecords(t *testing.T) {
	f := newFixture(t)
	records := append(scenarioRecords(), record.New([]string{"email"}, []string{"x@example.com"}))
	summary, err := f.engine(t, records).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Dropped)
	assert.Equal(t, 3, summary.Counts.Sent)
}

func TestEngine_AttachmentFailureReleasesPartialFile(t *testing.T) {
	f := newFixture(t)
	f.builder.failFor = map[string]bool{"B": true}

	summary, err := f.engine(t, scenarioRecords()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Counts{Sent: 2, Failed: 1}, summary.Counts)
	b := summary.Results[1]
	assert.Equal(t, StatusFailed, b.Status)
	assert.Equal(t, StageAttachment, b.Stage)
	assert.Contains(t, b.Reason, "disk full")
	assert.Equal(t, []string{"ann@example.com", "cat@example.com"}, f.transport.recipients())

	require.Len(t, f.builder.built, 3)
	f.assertNoLeftovers(t)
}

func TestEngine_BodyFailureReleasesAttachment(t *testing.T) {
	f := newFixture(t)
	f.renderer = failingRenderer{inner: f.renderer, failFor: map[string]bool{"A": true}}

	summary, err := f.engine(t, scenarioRecords()).Run(context.Background())
	require.NoError(t, err)

	a := summary.Results[0]
	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, StageBody, a.Stage)
	assert.Equal(t, "render", a.ErrorKind)
	assert.Equal(t, Counts{Sent: 2, Failed: 1}, summary.Counts)
	f.assertNoLeftovers(t)
}

func TestEngine_IsIdempotent(t *testing.T) {
	var runs []*Summary
	var names [][]string
	for i := 0; i < 2; i++ {
		f := newFixture(t)
		f.transport.failFor = map[string]error{"bob@example.com": errors.New("550 rejected")}
		summary, err := f.engine(t, scenarioRecords()).Run(context.Background())
		require.NoError(t, err)
		runs = append(runs, summary)

		var n []string
		for _, r := range summary.Results {
			n = append(n, r.AttachmentName)
		}
		names = append(names, n)
	}
	assert.Equal(t, runs[0].Counts, runs[1].Counts)
	assert.Equal(t, keys(runs[0].Results), keys(runs[1].Results))
	assert.Equal(t, names[0], names[1])
	assert.NotEqual(t, runs[0].RunID, runs[1].RunID)
}

func TestEngine_DelayBetweenSends(t *testing.T) {
	f := newFixture(t)
	f.opts.SendDelay = 5 * time.Second
	records := []record.Record{
		row("A", "ann@example.com", "Ann", "1"),
		row("B", "", "Bob", "2"),
		row("C", "cat@example.com", "Cat", "3"),
		row("D", "dan@example.com", "Dan", "4"),
	}
	e := f.engine(t, records)

	var pauses []time.Duration
	var sentBeforePause []int
	e.throttle.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		sentBeforePause = append(sentBeforePause, len(f.transport.sends))
		return nil
	}

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Counts{Sent: 3, Skipped: 1}, summary.Counts)
	// after A and after C; not after the skipped B nor the last group D
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, pauses)
	assert.Equal(t, []int{1, 2}, sentBeforePause)
}

func TestEngine_DelayAfterFailedGroup(t *testing.T) {
	f := newFixture(t)
	f.opts.SendDelay = time.Second
	f.transport.failFor = map[string]error{"ann@example.com": errors.New("boom")}
	e := f.engine(t, scenarioRecords())

	pauses := 0
	e.throttle.sleep = func(context.Context, time.Duration) error {
		pauses++
		return nil
	}
	_, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, pauses)
}

func TestEngine_CancelDuringDelay(t *testing.T) {
	f := newFixture(t)
	f.opts.SendDelay = time.Hour
	e := f.engine(t, scenarioRecords())

	ctx, cancel := context.WithCancel(context.Background())
	f.transport.onSend = cancel

	done := make(chan struct{})
	var summary *Summary
	var err error
	go func() {
		defer close(done)
		summary, err = e.Run(ctx)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	require.NoError(t, err)
	assert.True(t, summary.Interrupted)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, StatusSent, summary.Results[0].Status)
	assert.Len(t, f.transport.sends, 1)
	f.assertNoLeftovers(t)
}

func TestEngine_CancelDuringLastSend(t *testing.T) {
	tests := []struct {
		name    string
		workers int
	}{
		{"sequential", 1},
		{"pool", 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.opts.Workers = tt.workers

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			var mu sync.Mutex
			sends := 0
			f.transport.onSend = func() {
				mu.Lock()
				defer mu.Unlock()
				sends++
				if sends == 3 {
					cancel()
				}
			}

			summary, err := f.engine(t, scenarioRecords()).Run(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, summary.TotalGroups)
			assert.Equal(t, 3, summary.Processed)
			assert.Equal(t, Counts{Sent: 3}, summary.Counts)
			assert.False(t, summary.Interrupted)
			f.assertNoLeftovers(t)
		})
	}
}

func TestSummary_CutShort(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    bool
	}{
		{"complete", Summary{TotalGroups: 2, Processed: 2, Results: []Result{{Status: StatusSent}, {Status: StatusSent}}}, false},
		{"groups left out", Summary{TotalGroups: 3, Processed: 2, Results: []Result{{Status: StatusSent}, {Status: StatusSent}}}, true},
		{"abandoned send", Summary{TotalGroups: 2, Processed: 2, Results: []Result{{Status: StatusSent}, {Status: StatusFailed, ErrorKind: "canceled"}}}, true},
		{"ordinary failure", Summary{TotalGroups: 1, Processed: 1, Results: []Result{{Status: StatusFailed, ErrorKind: "network"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.summary.cutShort())
		})
	}
}

func TestEngine_CanceledBeforeStart(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := f.engine(t, scenarioRecords()).Run(ctx)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, summary.Results)
}

func TestEngine_DryRun(t *testing.T) {
	f := newFixture(t)
	f.opts.DryRun = true
	f.opts.SendDelay = time.Hour
	e := f.engine(t, scenarioRecords())
	e.throttle.sleep = func(context.Context, time.Duration) error {
		t.Fatal("dry run must not pause")
		return nil
	}

	summary, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, Counts{Sent: 3}, summary.Counts)
	for _, r := range summary.Results {
		assert.Equal(t, "dry run", r.Reason)
		assert.NotEmpty(t, r.AttachmentName)
	}
	assert.Empty(t, f.transport.sends)
	f.assertNoLeftovers(t)
}

func TestEngine_PoolKeepsOrderAndSpacing(t *testing.T) {
	f := newFixture(t)
	f.opts.Workers = 3
	f.opts.SendDelay = 40 * time.Millisecond
	records := []record.Record{
		row("A", "ann@example.com", "Ann", "1"),
		row("B", "bob@example.com", "Bob", "2"),
		row("C", "cat@example.com", "Cat", "3"),
		row("D", "dan@example.com", "Dan", "4"),
		row("E", "", "Eve", "5"),
	}

	summary, err := f.engine(t, records).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "D", "E"}, keys(summary.Results))
	assert.Equal(t, Counts{Sent: 4, Skipped: 1}, summary.Counts)

	require.Len(t, f.transport.sends, 4)
	times := make([]time.Time, 0, 4)
	for _, s := range f.transport.sends {
		times = append(times, s.at)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), 30*time.Millisecond, "sends %d and %d too close", i-1, i)
	}
	f.assertNoLeftovers(t)
}

func TestEngine_PoolCancellation(t *testing.T) {
	f := newFixture(t)
	f.opts.Workers = 2
	f.opts.SendDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	f.transport.onSend = cancel

	summary, err := f.engine(t, scenarioRecords()).Run(ctx)
	require.NoError(t, err)
	assert.True(t, summary.Interrupted)
	assert.Len(t, f.transport.sends, 1)
	assert.Equal(t, 1, summary.Counts.Sent)
	for _, r := range summary.Results {
		if r.Status == StatusFailed {
			assert.Equal(t, "canceled", r.ErrorKind)
		}
	}
	f.assertNoLeftovers(t)
}

func TestNew_Validation(t *testing.T) {
	src := record.StaticSource{}
	b := &recordingBuilder{}
	r := failingRenderer{}

	tests := []struct {
		name string
		opts Options
		deps Dependencies
	}{
		{"no source", Options{KeyField: "id", AddressField: "email"}, Dependencies{Builder: b, Renderer: r, Transport: &stubTransport{}}},
		{"no transport", Options{KeyField: "id", AddressField: "email"}, Dependencies{Source: src, Builder: b, Renderer: r}},
		{"no key field", Options{AddressField: "email"}, Dependencies{Source: src, Builder: b, Renderer: r, Transport: &stubTransport{}}},
		{"negative delay", Options{KeyField: "id", AddressField: "email", SendDelay: -time.Second}, Dependencies{Source: src, Builder: b, Renderer: r, Transport: &stubTransport{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts, tt.deps, nil)
			require.Error(t, err)
			assert.True(t, IsFatal(err))
		})
	}

	e, err := New(Options{KeyField: "id", AddressField: "email", Workers: 10, DryRun: true}, Dependencies{Source: src, Builder: b, Renderer: r}, nil)
	require.NoError(t, err)
	assert.Equal(t, MaxWorkers, e.opts.Workers)
	assert.Equal(t, grouping.PolicySkip, e.opts.MissingKey)
}

// strayFileBuilder leaves an extra file next to each attachment so that
// removing the group directory fails.
type strayFileBuilder struct {
	inner AttachmentBuilder
}

func (b strayFileBuilder) Build(g grouping.Group) (*attachment.Attachment, error) {
	att, err := b.inner.Build(g)
	if att != nil {
		_ = os.WriteFile(filepath.Join(filepath.Dir(att.Path), "stray.txt"), []byte("x"), 0o600)
	}
	return att, err
}

func TestEngine_CleanupFailureIsLoggedOnly(t *testing.T) {
	f := newFixture(t)
	log, logs := system.NewObservedLogger(zapcore.WarnLevel)
	e, err := New(f.opts, Dependencies{
		Source:    record.StaticSource{Records: scenarioRecords()},
		Builder:   strayFileBuilder{inner: f.builder},
		Renderer:  f.renderer,
		Transport: f.transport,
	}, log)
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.AttachmentCleanupFailures)
	summary, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Counts{Sent: 3}, summary.Counts)
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.AttachmentCleanupFailures))
	assert.Len(t, logs.FilterMessage("Failed to remove attachment").All(), 3)
	for _, att := range f.builder.built {
		assert.False(t, att.Exists(), "the file itself is still removed")
	}
}
