package jobqueue

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instrumentationName identifies this package's tracer and meter to
// whatever provider main.go installed (otel.SetTracerProvider /
// otel.SetMeterProvider); both accessors return a working no-op
// implementation when observability is disabled, so the worker loop
// never needs to branch on cfg.Enabled.
const instrumentationName = "github.com/paulgsc/relayq/internal/jobqueue"

var (
	tracer = otel.Tracer(instrumentationName)
	meter  = otel.Meter(instrumentationName)
)

var (
	claimsCounter, _   = meter.Int64Counter("relayq.jobqueue.claims", metric.WithDescription("jobs claimed off a queue by PullNext"))
	retriesCounter, _  = meter.Int64Counter("relayq.jobqueue.retries", metric.WithDescription("attempts that failed and were rescheduled"))
	failuresCounter, _ = meter.Int64Counter("relayq.jobqueue.failures", metric.WithDescription("attempts that failed terminally after exhausting retries"))
)

// queueAttr tags a metric or span with the queue it pertains to.
func queueAttr(queue string) attribute.KeyValue {
	return attribute.String("queue_name", queue)
}

// taskAttr tags a metric or span with the task type it pertains to.
func taskAttr(taskName string) attribute.KeyValue {
	return attribute.String("task_name", taskName)
}
