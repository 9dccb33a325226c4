package oteladapters

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bachducanh/E-Library/lending"
)

const attrStatus = "lending.status"

// TracingCollector starts one OpenTelemetry span per lending operation or
// storage statement.
type TracingCollector struct {
	tracer trace.Tracer
}

func NewTracingCollector(tracer trace.Tracer) *TracingCollector {
	return &TracingCollector{tracer: tracer}
}

func (t *TracingCollector) StartSpan(
	ctx context.Context,
	name string,
	attrs map[string]string,
) (context.Context, lending.SpanContext) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(attributes(attrs)...))

	return ctx, &Span{span: span}
}

// FinishSpan ends spans started by this collector and ignores foreign ones.
func (t *TracingCollector) FinishSpan(spanCtx lending.SpanContext, status string, attrs map[string]string) {
	s, ok := spanCtx.(*Span)
	if !ok {
		return
	}

	s.span.SetAttributes(attributes(attrs)...)
	s.SetStatus(status)
	s.span.End()
}

var _ lending.TracingCollector = (*TracingCollector)(nil)

// Span adapts a trace.Span to lending.SpanContext.
type Span struct {
	span trace.Span
}

// SetStatus maps lending.StatusSuccess to codes.Ok and lending.StatusError to
// codes.Error. Any other status is kept as an attribute only.
func (s *Span) SetStatus(status string) {
	switch status {
	case lending.StatusSuccess:
		s.span.SetStatus(codes.Ok, "")
	case lending.StatusError:
		s.span.SetStatus(codes.Error, "lending operation failed")
	}

	s.span.SetAttributes(attributes(map[string]string{attrStatus: status})...)
}

func (s *Span) AddAttribute(key, value string) {
	s.span.SetAttributes(attributes(map[string]string{key: value})...)
}

var _ lending.SpanContext = (*Span)(nil)
