/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sink is a destination for group outcome events. Implementations must be
// safe for concurrent use; the worker pool records from several goroutines.
type Sink interface {
	Write(ctx context.Context, event *Event) error
	Close() error
	Name() string
}

// LogSink writes every event as one structured log entry. The level follows
// the event severity.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) Write(_ context.Context, event *Event) error {
	level := zapcore.InfoLevel
	switch event.Severity {
	case SeverityWarning:
		level = zapcore.WarnLevel
	case SeverityCritical:
		level = zapcore.ErrorLevel
	}
	if ce := s.logger.Check(level, "Group outcome"); ce != nil {
		ce.Write(eventFields(event)...)
	}
	return nil
}

func eventFields(e *Event) []zap.Field {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.String("run_id", e.RunID),
		zap.String("key", e.Key),
		zap.Int("row_count", e.RowCount),
		zap.Int64("duration_ms", e.DurationMs),
	}
	if e.Address != "" {
		fields = append(fields, zap.String("address", e.Address))
	}
	if e.AttachmentName != "" {
		fields = append(fields, zap.String("attachment", e.AttachmentName))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	if e.Stage != "" {
		fields = append(fields,
			zap.String("stage", e.Stage),
			zap.String("error_kind", e.ErrorKind),
			zap.Int("attempts", e.Attempts))
	}
	return fields
}

func (s *LogSink) Close() error { return nil }

func (s *LogSink) Name() string { return "log" }

// WebhookSink posts each event to an HTTP endpoint. Any 2xx status counts as
// delivered. The event ID is sent as Idempotency-Key so receivers can drop
// duplicates from re-runs.
type WebhookSink struct {
	url     string
	client  *http.Client
	headers map[string]string
	logger  *zap.Logger

	written atomic.Int64
	failed  atomic.Int64
}

type WebhookSinkConfig struct {
	URL     string
	Headers map[string]string
	// Timeout bounds one POST. Defaults to 5s.
	Timeout time.Duration
}

// WebhookStats counts delivered and failed posts since the sink was created.
type WebhookStats struct {
	Written int64
	Failed  int64
}

// webhookPayload is the JSON body of every POST.
type webhookPayload struct {
	Source string `json:"source"`
	Event  *Event `json:"event"`
}

func NewWebhookSink(cfg WebhookSinkConfig, logger *zap.Logger) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &WebhookSink{
		url:     cfg.URL,
		client:  &http.Client{Timeout: timeout},
		headers: cfg.Headers,
		logger:  logger.Named("webhook-sink"),
	}
	s.logger.Info("Webhook audit sink created", zap.String("url", cfg.URL), zap.Duration("timeout", timeout))
	return s
}

func (s *WebhookSink) Write(ctx context.Context, event *Event) error {
	if err := s.post(ctx, event); err != nil {
		s.failed.Add(1)
		s.logger.Debug("Webhook delivery failed", zap.String("event_id", event.ID), zap.Error(err))
		return err
	}
	s.written.Add(1)
	return nil
}

func (s *WebhookSink) post(ctx context.Context, event *Event) error {
	body, err := json.Marshal(webhookPayload{Source: "mail-dispatch", Event: event})
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", event.ID)
	req.Header.Set("X-Mail-Dispatch-Run", event.RunID)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &sinkError{kind: "network", err: fmt.Errorf("posting to %s: %w", s.url, err)}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &sinkError{kind: "status", err: fmt.Errorf("webhook %s answered %d", s.url, resp.StatusCode)}
	}
	return nil
}

func (s *WebhookSink) Stats() WebhookStats {
	return WebhookStats{Written: s.written.Load(), Failed: s.failed.Load()}
}

func (s *WebhookSink) Close() error {
	st := s.Stats()
	s.logger.Info("Webhook audit sink closed", zap.Int64("written", st.Written), zap.Int64("failed", st.Failed))
	return nil
}

func (s *WebhookSink) Name() string { return "webhook" }
