// pkg/bootctx/context.go

package bootctx

import (
	"context"
	"time"

	cerr "github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cloudya/vaultboot/pkg/telemetry"
)

// Context is the explicit runtime state passed to every component. It
// replaces what the original deployment scripts carried in ambient shell
// environment variables; nothing in vaultboot reads phase or flags from
// globals.
type Context struct {
	Ctx        context.Context
	Log        *zap.Logger
	Span       trace.Span
	Timestamp  time.Time
	Command    string
	Attributes map[string]string
	Phases     *PhaseTracker
}

// New sets up tracing and a scoped logger for one command invocation.
func New(ctx context.Context, cmdName string) *Context {
	ctx, span := telemetry.Start(ctx, cmdName)
	log := zap.L().With(
		zap.String("command", cmdName),
		zap.String("trace_id", span.SpanContext().TraceID().String()),
	).Named(cmdName)

	return &Context{
		Ctx:        ctx,
		Log:        log,
		Span:       span,
		Timestamp:  time.Now(),
		Command:    cmdName,
		Attributes: make(map[string]string),
		Phases:     NewPhaseTracker(),
	}
}

// HandlePanic recovers panics, logs them, and converts them to an error.
func (bc *Context) HandlePanic(errPtr *error) {
	if r := recover(); r != nil {
		*errPtr = cerr.AssertionFailedf("panic: %v", r)
		bc.Log.Error("panic recovered", zap.Any("panic", r))
	}
}

// End records the command outcome on the span and closes it.
func (bc *Context) End(errPtr *error) {
	defer bc.Span.End()

	duration := time.Since(bc.Timestamp)
	success := *errPtr == nil

	if success {
		bc.Log.Info("Command completed", zap.Duration("duration", duration))
	} else {
		bc.Log.Error("Command failed", zap.Duration("duration", duration), zap.Error(*errPtr))
	}

	attrs := []attribute.KeyValue{
		attribute.Bool("success", success),
		attribute.Int64("duration_ms", duration.Milliseconds()),
		attribute.String("phase", bc.Phases.Current().String()),
	}
	for k, v := range bc.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	bc.Span.SetAttributes(attrs...)
}
