package channel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments are the OpenTelemetry counterparts of the Prometheus set.
// They are no-ops unless a Meter or a global provider is configured.
type instruments struct {
	attrs metric.MeasurementOption

	stored  metric.Int64Counter
	loaded  metric.Int64Counter
	retries metric.Int64Counter
	latency metric.Float64Histogram
}

func newInstruments(opts Options) (*instruments, error) {
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	inst := &instruments{
		attrs: metric.WithAttributeSet(attribute.NewSet(
			attribute.String("channel", opts.Name),
			attribute.String("variant", opts.Variant.String()),
			attribute.String("role", opts.Role.String()),
		)),
	}
	var err error
	if inst.stored, err = meter.Int64Counter("shmframe.frames.stored",
		metric.WithDescription("Frames published by this handle")); err != nil {
		return nil, err
	}
	if inst.loaded, err = meter.Int64Counter("shmframe.frames.loaded",
		metric.WithDescription("Frames copied out by this handle")); err != nil {
		return nil, err
	}
	if inst.retries, err = meter.Int64Counter("shmframe.load.retries",
		metric.WithDescription("Lock-free load attempts beyond the first")); err != nil {
		return nil, err
	}
	if inst.latency, err = meter.Float64Histogram("shmframe.delivery.latency",
		metric.WithDescription("Producer timestamp to consumer copy completion"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return inst, nil
}
