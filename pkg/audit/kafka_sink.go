/*
Copyright 2024.

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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const defaultKafkaWriteTimeout = 10 * time.Second

// ErrSinkClosed is returned by Write after Close.
var ErrSinkClosed = errors.New("audit sink is closed")

type KafkaSinkConfig struct {
	Brokers []string
	// Topic receives one message per group outcome.
	Topic string
	// WriteTimeout defaults to 10s.
	WriteTimeout time.Duration
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events keyed by group key, so every outcome for one
// recipient lands in the same partition in run order.
type KafkaSink struct {
	writer messageWriter
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewKafkaSink validates cfg and creates a synchronous writer. Brokers are
// dialled lazily on the first write.
func NewKafkaSink(cfg KafkaSinkConfig, logger *zap.Logger) (*KafkaSink, error) {
	switch {
	case len(cfg.Brokers) == 0:
		return nil, errors.New("kafka audit sink needs at least one broker")
	case cfg.Topic == "":
		return nil, errors.New("kafka audit sink needs a topic")
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = defaultKafkaWriteTimeout
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		WriteTimeout: timeout,
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
	}
	logger.Info("Kafka audit sink created", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return newKafkaSink(w, logger), nil
}

func newKafkaSink(w messageWriter, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{writer: w, logger: logger.Named("kafka-audit")}
}

// kafkaErrorPatterns is checked in order; the first match wins.
var kafkaErrorPatterns = []struct {
	kind    string
	needles []string
}{
	{"auth", []string{"SASL", "authentication"}},
	{"authorization", []string{"authorization", "ACL"}},
	{"timeout", []string{"timeout", "timed out"}},
	{"network", []string{"connection refused", "no such host"}},
	{"broker", []string{"broker", "leader"}},
	{"topic", []string{"topic"}},
}

// classifyKafkaError returns the error_type label for a failed write.
func classifyKafkaError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network"
	}
	msg := err.Error()
	for _, p := range kafkaErrorPatterns {
		for _, n := range p.needles {
			if strings.Contains(msg, n) {
				return p.kind
			}
		}
	}
	return "other"
}

func (s *KafkaSink) Write(ctx context.Context, event *Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Key),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "severity", Value: []byte(event.Severity)},
			{Key: "run-id", Value: []byte(event.RunID)},
		},
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		kind := classifyKafkaError(err)
		s.logger.Warn("Audit event not published",
			zap.String("error_type", kind),
			zap.String("event_id", event.ID),
			zap.String("key", event.Key),
			zap.Error(err))
		return &sinkError{kind: kind, err: fmt.Errorf("publishing to kafka (%s): %w", kind, err)}
	}
	return nil
}

// Close flushes the writer once. Later calls are no-ops.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("closing kafka writer: %w", err)
	}
	return nil
}

func (s *KafkaSink) Name() string { return "kafka" }
