package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/dispatch"
	"github.com/telekom/mail-dispatch/pkg/metrics"
)

func sentResult() dispatch.Result {
	return dispatch.Result{
		Key:            "A",
		Address:        "ann@example.com",
		RowCount:       2,
		AttachmentName: "Ann.csv",
		Status:         dispatch.StatusSent,
		Duration:       1500 * time.Millisecond,
	}
}

func TestNewEvent(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name         string
		result       dispatch.Result
		wantType     EventType
		wantSeverity Severity
	}{
		{"sent", sentResult(), EventGroupSent, SeverityInfo},
		{"skipped", dispatch.Result{Key: "B", Status: dispatch.StatusSkippedMissingAddress, Reason: "missing address"}, EventGroupSkipped, SeverityWarning},
		{"failed", dispatch.Result{Key: "C", Status: dispatch.StatusFailed, Stage: dispatch.StageSend, ErrorKind: "auth", Attempts: 1}, EventGroupFailed, SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvent("run-1", tt.result, now)
			assert.NotEmpty(t, e.ID)
			assert.Equal(t, tt.wantType, e.Type)
			assert.Equal(t, tt.wantSeverity, e.Severity)
			assert.Equal(t, "run-1", e.RunID)
			assert.Equal(t, tt.result.Key, e.Key)
			assert.Equal(t, now, e.Timestamp)
		})
	}

	e := NewEvent("run-1", sentResult(), now)
	assert.Equal(t, int64(1500), e.DurationMs)
	assert.NotEqual(t, e.ID, NewEvent("run-1", sentResult(), now).ID)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	failed := dispatch.Result{Key: "C", Status: dispatch.StatusFailed, Stage: dispatch.StageSend, ErrorKind: "rejected", Reason: "550"}
	require.NoError(t, sink.Write(context.Background(), NewEvent("run-1", sentResult(), time.Now())))
	require.NoError(t, sink.Write(context.Background(), NewEvent("run-1", failed, time.Now())))

	entries := logs.FilterMessage("Group outcome").All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.InfoLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	fields := entries[1].ContextMap()
	assert.Equal(t, "group.failed", fields["event_type"])
	assert.Equal(t, "C", fields["key"])
	assert.Equal(t, "rejected", fields["error_kind"])
	assert.Equal(t, "log", sink.Name())
	assert.NoError(t, sink.Close())
}

func TestWebhookSink(t *testing.T) {
	var mu sync.Mutex
	var got []webhookPayload
	var auth, idempotencyKey string
	status := http.StatusAccepted

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p webhookPayload
		_ = json.Unmarshal(body, &p)
		mu.Lock()
		got = append(got, p)
		auth = r.Header.Get("Authorization")
		idempotencyKey = r.Header.Get("Idempotency-Key")
		code := status
		mu.Unlock()
		assert.Equal(t, "run-1", r.Header.Get("X-Mail-Dispatch-Run"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(code)
	}))
	defer srv.Close()

	sink := NewWebhookSink(WebhookSinkConfig{
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer token"},
		Timeout: time.Second,
	}, zap.NewNop())

	event := NewEvent("run-1", sentResult(), time.Now())
	require.NoError(t, sink.Write(context.Background(), event))
	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, "mail-dispatch", got[0].Source)
	require.NotNil(t, got[0].Event)
	assert.Equal(t, "A", got[0].Event.Key)
	assert.Equal(t, EventGroupSent, got[0].Event.Type)
	assert.Equal(t, "Bearer token", auth)
	assert.Equal(t, event.ID, idempotencyKey)
	status = http.StatusInternalServerError
	mu.Unlock()

	err := sink.Write(context.Background(), NewEvent("run-1", sentResult(), time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Equal(t, "status", errorType(err))

	assert.Equal(t, WebhookStats{Written: 1, Failed: 1}, sink.Stats())
	assert.Equal(t, "webhook", sink.Name())
	assert.NoError(t, sink.Close())
}

func TestWebhookSink_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	sink := NewWebhookSink(WebhookSinkConfig{URL: url, Timeout: time.Second}, zap.NewNop())
	err := sink.Write(context.Background(), NewEvent("run-1", sentResult(), time.Now()))
	require.Error(t, err)
	assert.Equal(t, "network", errorType(err))
}

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed++
	return nil
}

func TestKafkaSink_Write(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, zap.NewNop())

	event := NewEvent("run-1", sentResult(), time.Now())
	require.NoError(t, sink.Write(context.Background(), event))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, []byte("A"), msg.Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, event.ID, decoded.ID)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "group.sent", headers["event-type"])
	assert.Equal(t, "run-1", headers["run-id"])
	assert.Equal(t, "application/json", headers["content-type"])
	assert.Equal(t, event.Timestamp, msg.Time)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.Equal(t, 1, w.closed)
	assert.ErrorIs(t, sink.Write(context.Background(), event), ErrSinkClosed)
}

func TestKafkaSink_WriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("dial tcp: connection refused")}
	sink := newKafkaSink(w, zap.NewNop())

	err := sink.Write(context.Background(), NewEvent("run-1", sentResult(), time.Now()))
	require.Error(t, err)
	assert.Equal(t, "network", errorType(err))
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(KafkaSinkConfig{Topic: "t"}, zap.NewNop())
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaSinkConfig{Brokers: []string{"localhost:9092"}}, zap.NewNop())
	assert.Error(t, err)

	sink, err := NewKafkaSink(KafkaSinkConfig{Brokers: []string{"localhost:9092"}, Topic: "mail-dispatch"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "kafka", sink.Name())
	assert.NoError(t, sink.Close())
}

type netTimeout struct{}

func (netTimeout) Error() string   { return "i/o timeout" }
func (netTimeout) Timeout() bool   { return true }
func (netTimeout) Temporary() bool { return true }

func TestClassifyKafkaError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, "timeout"},
		{context.Canceled, "cancelled"},
		{netTimeout{}, "timeout"},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, "network"},
		{errors.New("SASL handshake failed"), "auth"},
		{errors.New("topic authorization failed"), "authorization"},
		{errors.New("request timed out"), "timeout"},
		{errors.New("not the leader for partition"), "broker"},
		{errors.New("unknown topic or partition"), "topic"},
		{errors.New("weird"), "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyKafkaError(tt.err), "%v", tt.err)
	}
}

type failingSink struct {
	err   error
	calls int
}

func (s *failingSink) Write(context.Context, *Event) error { s.calls++; return s.err }
func (s *failingSink) Close() error                        { return s.err }
func (s *failingSink) Name() string                        { return "failing" }

func TestRecorder(t *testing.T) {
	bad := &failingSink{err: errors.New("boom")}
	good := &fakeWriter{}
	rec := NewRecorder(nil, bad, newKafkaSink(good, zap.NewNop()))

	before := testutil.ToFloat64(metrics.AuditSinkErrors.WithLabelValues("failing", "write"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.Record(ctx, "run-1", sentResult())

	assert.Equal(t, 1, bad.calls)
	assert.Len(t, good.messages, 1, "a failing sink does not block the others, even when the run is canceled")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AuditSinkErrors.WithLabelValues("failing", "write")))
	assert.Equal(t, []string{"failing", "kafka"}, rec.Sinks())
	assert.Error(t, rec.Close())
}

func TestRecorderWithoutSinks(t *testing.T) {
	rec := NewRecorder(nil)
	rec.Record(context.Background(), "run-1", sentResult())
	assert.NoError(t, rec.Close())
}

func TestNewFromConfig(t *testing.T) {
	rec, err := NewFromConfig(config.Audit{
		Log:     true,
		Webhook: config.Webhook{URL: "http://localhost:1/events"},
		Kafka:   config.Kafka{Brokers: []string{"localhost:9092"}, Topic: "mail-dispatch"},
	}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"log", "webhook", "kafka"}, rec.Sinks())
	assert.NoError(t, rec.Close())

	_, err = NewFromConfig(config.Audit{Kafka: config.Kafka{Brokers: []string{"localhost:9092"}}}, zap.NewNop())
	assert.Error(t, err)

	rec, err = NewFromConfig(config.Audit{}, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, rec.Sinks())
}

var _ dispatch.Auditor = (*Recorder)(nil)
