/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the edge gateway.
//
// Every call that leaves the gateway gets a client span:
//   - oauth.exchange: token exchange plus profile fetch
//   - backend.forward: a relayed control action
//   - backend.tunnel: the now-playing WebSocket dial
//
// Custom span attributes use the `speechless.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/marcus-qen/speechless-edge"
	serviceName = "speechless-edge"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// The SDK's internal diagnostics go to log.
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint, version string, log logr.Logger) (func(context.Context) error, error) {
	otel.SetLogger(log)

	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartExchangeSpan creates the span for an OAuth code exchange.
func StartExchangeSpan(ctx context.Context, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "oauth.exchange",
		trace.WithAttributes(
			attribute.String("speechless.oauth.provider", provider),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartForwardSpan creates the span for a relayed control action.
func StartForwardSpan(ctx context.Context, action string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "backend.forward",
		trace.WithAttributes(
			attribute.String("speechless.action", action),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartTunnelSpan creates the span covering the backend WebSocket handshake.
func StartTunnelSpan(ctx context.Context, bot bool) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "backend.tunnel",
		trace.WithAttributes(
			attribute.Bool("speechless.bot", bot),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err (if any) and the backend status, then ends span.
// A zero status is not recorded.
func EndSpan(span trace.Span, status int, err error) {
	if status != 0 {
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
