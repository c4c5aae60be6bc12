package audit

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/dispatch"
	"github.com/telekom/mail-dispatch/pkg/metrics"
)

// sinkError carries a classification used as the error_type metric label.
type sinkError struct {
	kind string
	err  error
}

func (e *sinkError) Error() string { return e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

func errorType(err error) string {
	var se *sinkError
	if errors.As(err, &se) {
		return se.kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "write"
}

// Recorder fans every group result out to its sinks. It satisfies
// dispatch.Auditor.
type Recorder struct {
	sinks []Sink
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewRecorder returns a Recorder writing to sinks in order.
func NewRecorder(log *zap.SugaredLogger, sinks ...Sink) *Recorder {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Recorder{sinks: sinks, log: log.Named("audit"), now: time.Now}
}

// Record writes one event per result. Sink failures are logged and counted.
func (r *Recorder) Record(ctx context.Context, runID string, res dispatch.Result) {
	if len(r.sinks) == 0 {
		return
	}
	event := NewEvent(runID, res, r.now())
	// sinks still get the event when the run is being interrupted
	ctx = context.WithoutCancel(ctx)
	for _, s := range r.sinks {
		if err := s.Write(ctx, event); err != nil {
			metrics.AuditSinkErrors.WithLabelValues(s.Name(), errorType(err)).Inc()
			r.log.Warnw("Failed to write audit event", "sink", s.Name(), "eventID", event.ID, "key", event.Key, "error", err)
		}
	}
}

// Sinks returns the configured sink names.
func (r *Recorder) Sinks() []string {
	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Close closes every sink and joins their errors.
func (r *Recorder) Close() error {
	var errs []error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewFromConfig builds the sinks enabled in cfg.
func NewFromConfig(cfg config.Audit, logger *zap.Logger) (*Recorder, error) {
	var sinks []Sink
	if cfg.Log {
		sinks = append(sinks, NewLogSink(logger))
	}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, NewWebhookSink(WebhookSinkConfig{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
			Timeout: cfg.Webhook.Timeout,
		}, logger))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := NewKafkaSink(KafkaSinkConfig{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic}, logger)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, k)
	}
	return NewRecorder(logger.Sugar(), sinks...), nil
}
