// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/telekom/mail-dispatch/pkg/config"
)

func restoreProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestInitDisabled(t *testing.T) {
	restoreProvider(t)

	tp, shutdown, err := Init(context.Background(), Options{})
	require.NoError(t, err)
	assert.IsType(t, noop.TracerProvider{}, tp)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitEnabled(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "no exporter", opts: Options{Exporter: ExporterNone}},
		{name: "stdout exporter", opts: Options{Exporter: ExporterStdout, SamplingRate: 0.5}},
		{name: "otlp connects lazily", opts: Options{Exporter: ExporterOTLP, Endpoint: "localhost:4317", Insecure: true}},
		{name: "negative sampling rate", opts: Options{Exporter: ExporterNone, SamplingRate: -1}},
		{name: "sampling rate above one", opts: Options{Exporter: ExporterNone, SamplingRate: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restoreProvider(t)
			tt.opts.Enabled = true

			tp, shutdown, err := Init(context.Background(), tt.opts)
			require.NoError(t, err)
			assert.IsType(t, &sdktrace.TracerProvider{}, tp)
			assert.Same(t, tp, otel.GetTracerProvider())
			_ = shutdown(context.Background())
		})
	}
}

func TestInitInvalidExporter(t *testing.T) {
	_, _, err := Init(context.Background(), Options{Enabled: true, Exporter: "zipkin"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown trace exporter")
}

func TestStdoutExporterWritesSpans(t *testing.T) {
	restoreProvider(t)

	var buf bytes.Buffer
	_, shutdown, err := Init(context.Background(), Options{
		Enabled:      true,
		Exporter:     ExporterStdout,
		SamplingRate: 1,
		Writer:       &buf,
	})
	require.NoError(t, err)

	_, span := Tracer().Start(context.Background(), "dispatch.group")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "dispatch.group")
}

func TestFromConfig(t *testing.T) {
	opts := FromConfig(config.Tracing{
		Enabled:      true,
		Exporter:     "otlp",
		Endpoint:     "collector:4317",
		Insecure:     true,
		SamplingRate: 0.25,
	}, "v1.0.0", nil)

	assert.True(t, opts.Enabled)
	assert.Equal(t, "mail-dispatch", opts.ServiceName)
	assert.Equal(t, "v1.0.0", opts.ServiceVersion)
	assert.Equal(t, "collector:4317", opts.Endpoint)
	assert.InDelta(t, 0.25, opts.SamplingRate, 1e-9)
}
