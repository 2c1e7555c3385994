package adapter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/rtcore/api"
	"github.com/srediag/rtcore/pkg/rtapi"
	"github.com/srediag/rtcore/pkg/sched"
	"github.com/srediag/rtcore/pkg/shm"
)

const instrumentationName = "github.com/srediag/rtcore"

// Instrumentation traces and counts setup operations on a module. It is for
// non-realtime code only; task bodies are never wrapped.
type Instrumentation struct {
	tracer trace.Tracer
	ops    metric.Int64Counter
	errs   metric.Int64Counter
	setup  metric.Float64Histogram
}

// InstrumentationConfig carries the OpenTelemetry providers. Nil providers
// fall back to no-op ones.
type InstrumentationConfig struct {
	Meter  metric.Meter
	Tracer trace.Tracer
}

// NewInstrumentation creates the instruments.
func NewInstrumentation(cfg InstrumentationConfig) (*Instrumentation, error) {
	if cfg.Meter == nil {
		cfg.Meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	ops, err := cfg.Meter.Int64Counter("rtcore.setup.operations",
		metric.WithDescription("Setup operations attempted."))
	if err != nil {
		return nil, err
	}
	errs, err := cfg.Meter.Int64Counter("rtcore.setup.errors",
		metric.WithDescription("Setup operations that failed, by error kind."))
	if err != nil {
		return nil, err
	}
	setup, err := cfg.Meter.Float64Histogram("rtcore.setup.duration",
		metric.WithDescription("Setup operation latency."),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &Instrumentation{tracer: cfg.Tracer, ops: ops, errs: errs, setup: setup}, nil
}

// Track runs fn inside a span named op and records its outcome.
func (i *Instrumentation) Track(ctx context.Context, op, name string, fn func(context.Context) error) error {
	attrs := []attribute.KeyValue{
		attribute.String("rtcore.op", op),
		attribute.String("rtcore.name", name),
	}
	ctx, span := i.tracer.Start(ctx, op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	i.setup.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs[0]))
	i.ops.Add(ctx, 1, metric.WithAttributes(attrs[0]))
	if err != nil {
		kind := api.KindOf(err).String()
		i.errs.Add(ctx, 1, metric.WithAttributes(attrs[0], attribute.String("rtcore.kind", kind)))
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
	}
	return err
}

// OpenOrCreate opens a segment through m.
func (i *Instrumentation) OpenOrCreate(ctx context.Context, m *rtapi.Module, key shm.Key, size int) (*shm.Handle, error) {
	var h *shm.Handle
	err := i.Track(ctx, "open", key.String(), func(ctx context.Context) error {
		var err error
		h, err = m.OpenOrCreate(ctx, key, size)
		return err
	})
	return h, err
}

// RegisterTask registers a task through m.
func (i *Instrumentation) RegisterTask(ctx context.Context, m *rtapi.Module, name string, period time.Duration, priority int, body sched.Body) (*sched.Task, error) {
	var t *sched.Task
	err := i.Track(ctx, "register_task", name, func(context.Context) error {
		var err error
		t, err = m.RegisterTask(name, period, priority, body)
		return err
	})
	return t, err
}
