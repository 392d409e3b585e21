// Package tracing sets up OpenTelemetry export to Jaeger and starts the
// spans shared by the mesh components.
package tracing

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "peermesh"

// Span attributes shared across the mesh.
var (
	RoomIDKey     = attribute.Key("mesh.room_id")
	PeerIDKey     = attribute.Key("mesh.peer_id")
	RemotePeerKey = attribute.Key("mesh.remote_peer")
	AttemptKey    = attribute.Key("mesh.attempt")
	SignalKey     = attribute.Key("signal.message_type")
	BackendKey    = attribute.Key("store.backend")
)

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "peermesh",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Provider owns the installed tracer provider. The zero value is a no-op.
type Provider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a Jaeger-backed global tracer provider. With tracing
// disabled it leaves the global no-op provider in place.
func Init(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(version()),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "devel"
}

func start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError marks the span in ctx failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return start(ctx, "http."+method,
		semconv.HTTPMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
	)
}

// TraceSignal covers one message sent over the rendezvous socket.
func TraceSignal(ctx context.Context, messageType string, peerID string) (context.Context, trace.Span) {
	return start(ctx, "signal."+messageType,
		SignalKey.String(messageType),
		PeerIDKey.String(peerID),
	)
}

// TraceWebRTC covers a peer connection step towards a remote peer.
func TraceWebRTC(ctx context.Context, operation string, localID, remoteID string) (context.Context, trace.Span) {
	return start(ctx, "webrtc."+operation,
		PeerIDKey.String(localID),
		RemotePeerKey.String(remoteID),
	)
}

// TraceJoin covers one identity registration attempt.
func TraceJoin(ctx context.Context, roomID, peerID string, attempt int) (context.Context, trace.Span) {
	return start(ctx, "mesh.join",
		RoomIDKey.String(roomID),
		PeerIDKey.String(peerID),
		AttemptKey.Int(attempt),
	)
}

// TraceStore covers one roster store call.
func TraceStore(ctx context.Context, operation, backend, roomID string) (context.Context, trace.Span) {
	return start(ctx, "store."+operation,
		BackendKey.String(backend),
		RoomIDKey.String(roomID),
	)
}
