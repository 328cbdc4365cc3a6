package bridge

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-ttsbridge/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-ttsbridge/bridge"

type bridgeMetrics struct {
	requests   metric.Int64Counter
	chunks     metric.Int64Counter
	audioBytes metric.Int64Counter
	duration   metric.Float64Histogram
}

func newBridgeMetrics(log *slog.Logger) *bridgeMetrics {
	meter := otel.Meter(instrumentationName)
	m := &bridgeMetrics{}
	var err error
	if m.requests, err = meter.Int64Counter("tts.bridge.requests", metric.WithDescription("Requests handled, by outcome")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if m.chunks, err = meter.Int64Counter("tts.bridge.chunks", metric.WithDescription("Audio frames written")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if m.audioBytes, err = meter.Int64Counter("tts.bridge.audio_bytes", metric.WithDescription("Audio payload bytes written"), metric.WithUnit("By")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if m.duration, err = meter.Float64Histogram("tts.bridge.request.duration", metric.WithDescription("Time from request read to terminator"), metric.WithUnit("s")); err != nil {
		log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	return m
}

func (m *bridgeMetrics) record(ctx context.Context, sum protocol.RequestSummary) {
	outcome := metric.WithAttributes(attribute.String("outcome", sum.Outcome))
	if m.requests != nil {
		m.requests.Add(ctx, 1, outcome)
	}
	if m.chunks != nil && sum.Chunks > 0 {
		m.chunks.Add(ctx, int64(sum.Chunks))
	}
	if m.audioBytes != nil && sum.AudioBytes > 0 {
		m.audioBytes.Add(ctx, sum.AudioBytes)
	}
	if m.duration != nil {
		m.duration.Record(ctx, sum.Duration().Seconds(), outcome)
	}
}
