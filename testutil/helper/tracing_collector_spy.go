package helper

import (
	"context"
	"sync"

	"github.com/bachducanh/E-Library/lending"
)

// TracingCollectorSpy records started and finished spans.
type TracingCollectorSpy struct {
	mu    sync.Mutex
	spans []*SpanSpy
}

// SpanSpy is one captured span.
type SpanSpy struct {
	Name       string
	Status     string
	Attributes map[string]string
	Finished   bool
}

func NewTracingCollectorSpy() *TracingCollectorSpy {
	return &TracingCollectorSpy{}
}

func (s *TracingCollectorSpy) StartSpan(
	ctx context.Context,
	name string,
	attrs map[string]string,
) (context.Context, lending.SpanContext) {
	s.mu.Lock()
	defer s.mu.Unlock()

	span := &SpanSpy{Name: name, Attributes: map[string]string{}}
	for k, v := range attrs {
		span.Attributes[k] = v
	}

	s.spans = append(s.spans, span)

	return ctx, &spanHandle{spy: s, span: span}
}

func (s *TracingCollectorSpy) FinishSpan(spanCtx lending.SpanContext, status string, attrs map[string]string) {
	handle, ok := spanCtx.(*spanHandle)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	handle.span.Status = status
	handle.span.Finished = true
	for k, v := range attrs {
		handle.span.Attributes[k] = v
	}
}

// Spans returns copies of all captured spans.
func (s *TracingCollectorSpy) Spans() []SpanSpy {
	s.mu.Lock()
	defer s.mu.Unlock()

	spans := make([]SpanSpy, 0, len(s.spans))
	for _, span := range s.spans {
		spans = append(spans, *span)
	}

	return spans
}

type spanHandle struct {
	spy  *TracingCollectorSpy
	span *SpanSpy
}

func (h *spanHandle) SetStatus(status string) {
	h.spy.mu.Lock()
	defer h.spy.mu.Unlock()
	h.span.Status = status
}

func (h *spanHandle) AddAttribute(key, value string) {
	h.spy.mu.Lock()
	defer h.spy.mu.Unlock()
	h.span.Attributes[key] = value
}
