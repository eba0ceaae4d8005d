// pkg/lifecycle/metrics.go

package lifecycle

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/cloudya/vaultboot/pkg/lifecycle")

type counters struct {
	renewals    metric.Int64Counter
	rotations   metric.Int64Counter
	revocations metric.Int64Counter
	alerts      metric.Int64Counter
}

func newCounters() *counters {
	c := &counters{}
	c.renewals, _ = meter.Int64Counter("vaultboot.renewals",
		metric.WithDescription("Credential renewal attempts by result"))
	c.rotations, _ = meter.Int64Counter("vaultboot.rotations",
		metric.WithDescription("Credential rotations by outcome"))
	c.revocations, _ = meter.Int64Counter("vaultboot.revocations",
		metric.WithDescription("Credential revocations by result"))
	c.alerts, _ = meter.Int64Counter("vaultboot.alerts",
		metric.WithDescription("Alerts raised by the health sweep"))
	return c
}

func (c *counters) renewal(ctx context.Context, result string) {
	c.renewals.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (c *counters) rotation(ctx context.Context, outcome string) {
	c.rotations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (c *counters) revocation(ctx context.Context, result string) {
	c.revocations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (c *counters) alert(ctx context.Context, severity string) {
	c.alerts.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}
