package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(sr)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return sr
}

func attrValue(attrs []attribute.KeyValue, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "peermesh", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.False(t, cfg.Enabled)
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceJoin(t *testing.T) {
	sr := withRecorder(t)

	_, span := TraceJoin(context.Background(), "lobby", "lobby", 2)
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "mesh.join", spans[0].Name())

	room, ok := attrValue(spans[0].Attributes(), RoomIDKey)
	require.True(t, ok)
	assert.Equal(t, "lobby", room.AsString())
	attempt, ok := attrValue(spans[0].Attributes(), AttemptKey)
	require.True(t, ok)
	assert.Equal(t, int64(2), attempt.AsInt64())
}

func TestRecordError(t *testing.T) {
	sr := withRecorder(t)

	ctx, span := TraceWebRTC(context.Background(), "offer", "A1", "B1")
	RecordError(ctx, errors.New("ice failed"))
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "webrtc.offer", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "ice failed", spans[0].Status().Description)
}

func TestTraceStore(t *testing.T) {
	sr := withRecorder(t)

	ctx, span := TraceStore(context.Background(), "save_members", "redis", "lobby")
	RecordError(ctx, nil)
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "store.save_members", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	backend, ok := attrValue(spans[0].Attributes(), BackendKey)
	require.True(t, ok)
	assert.Equal(t, "redis", backend.AsString())
}

func TestSpansWithoutProvider(t *testing.T) {
	ctx, span := TraceSignal(context.Background(), "OFFER", "A1")
	RecordError(ctx, errors.New("dropped"))
	span.End()
	assert.False(t, span.IsRecording())

	_, span = TraceHTTPRequest(context.Background(), "GET", "/health")
	span.End()

	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
