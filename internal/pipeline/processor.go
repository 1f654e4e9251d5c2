package pipeline

import (
	"context"
	"fmt"

	"github.com/dunamismax/image-resize-api/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Processor is the transformation engine: fetch the source bytes, then
// decode, resize and encode them. It holds no per-request state and is safe
// for concurrent use.
type Processor struct {
	source      Source
	transformer Transformer
	tracer      trace.Tracer
}

func NewProcessor(source Source, limits Limits) (*Processor, error) {
	if source == nil {
		return nil, fmt.Errorf("source is required")
	}

	transformer, err := newTransformer(limits)
	if err != nil {
		return nil, fmt.Errorf("build transformer: %w", err)
	}

	return &Processor{
		source:      source,
		transformer: transformer,
		tracer:      otel.Tracer("image-resize-api/pipeline"),
	}, nil
}

func (p *Processor) Process(ctx context.Context, req domain.ResizeRequest) (domain.Image, error) {
	data, err := p.fetch(ctx, req)
	if err != nil {
		return domain.Image{}, fmt.Errorf("fetch stage path=%s: %w", req.Path, err)
	}

	out, err := p.transform(ctx, req, data)
	if err != nil {
		return domain.Image{}, fmt.Errorf("transform stage path=%s: %w", req.Path, err)
	}
	return out, nil
}

func (p *Processor) fetch(ctx context.Context, req domain.ResizeRequest) ([]byte, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("image.path", req.Path))

	data, err := p.source.Fetch(ctx, req.Path)
	if err != nil {
		recordFailure(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("image.source_bytes", len(data)))
	return data, nil
}

func (p *Processor) transform(ctx context.Context, req domain.ResizeRequest, data []byte) (domain.Image, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.transform")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("image.max_width", int64(req.MaxWidth)),
		attribute.Int64("image.max_height", int64(req.MaxHeight)),
	)

	out, err := p.transformer.Transform(ctx, data, req.MaxWidth, req.MaxHeight)
	if err != nil {
		recordFailure(span, err)
		return domain.Image{}, err
	}
	span.SetAttributes(
		attribute.String("image.format", string(out.Format)),
		attribute.Int("image.width", out.Width),
		attribute.Int("image.height", out.Height),
	)
	return out, nil
}

func recordFailure(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, domain.KindOf(err).String())
}
