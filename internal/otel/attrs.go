package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Span attribute keys shared by the pipeline packages.
const (
	JobID            = attribute.Key("privypress.job.id")
	DocumentPages    = attribute.Key("privypress.document.pages")
	DocumentType     = attribute.Key("privypress.document.type")
	PolicyProfile    = attribute.Key("privypress.policy.profile")
	PolicyAllow      = attribute.Key("privypress.policy.allow")
	DetectionCount   = attribute.Key("privypress.detections")
	RulesFingerprint = attribute.Key("privypress.rules.fingerprint")
)

const meterName = "github.com/dativo-io/privypress"

var (
	metricsOnce       sync.Once
	metricsRegistered bool
	detectionCounter  metric.Int64Counter
	decisionCounter   metric.Int64Counter
	policyErrCounter  metric.Int64Counter
	requestCounter    metric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	detectionCounter, err = meter.Int64Counter("privypress.detections",
		metric.WithDescription("Detections emitted, by label and source"))
	if err != nil {
		return
	}
	decisionCounter, err = meter.Int64Counter("privypress.decisions",
		metric.WithDescription("Policy decisions, by profile and verdict"))
	if err != nil {
		return
	}
	policyErrCounter, err = meter.Int64Counter("privypress.policy.errors",
		metric.WithDescription("Policy evaluations converted to deny because the evaluator failed"))
	if err != nil {
		return
	}
	requestCounter, err = meter.Int64Counter("privypress.http.requests",
		metric.WithDescription("HTTP requests, by method, route and status class"))
	if err != nil {
		return
	}
	metricsRegistered = true
}

// RecordDetection counts one detection.
func RecordDetection(ctx context.Context, label, source string) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	detectionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("label", label),
		attribute.String("source", source),
	))
}

// RecordDecision counts one policy decision.
func RecordDecision(ctx context.Context, profile string, allow bool) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("profile", profile),
		attribute.Bool("allow", allow),
	))
}

// RecordPolicyError counts one fail-closed policy evaluation.
func RecordPolicyError(ctx context.Context, profile string) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	policyErrCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("profile", profile)))
}

// RecordRequest counts one HTTP request.
func RecordRequest(ctx context.Context, method, route string, status int) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	requestCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status", statusClass(status)),
	))
}
