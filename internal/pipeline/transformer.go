package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/image-resize-api/internal/domain"
)

var ErrSourceTooLarge = errors.New("source image exceeds pixel limit")

// Transformer decodes input, fits it inside maxWidth x maxHeight (zero means
// unconstrained) and re-encodes it in the format chosen from the detected
// input format. Errors are *domain.Failure values.
type Transformer interface {
	Transform(ctx context.Context, input []byte, maxWidth, maxHeight uint32) (domain.Image, error)
}

// Limits bounds the memory one transform may take. Zero disables a limit.
type Limits struct {
	// MaxSourcePixels rejects sources whose declared canvas is larger,
	// before any pixel data is decoded.
	MaxSourcePixels int64
	// MaxOutputPixels caps enlargement when the bounds exceed the source.
	MaxOutputPixels int64
}

func (l Limits) checkSource(width, height int) error {
	if l.MaxSourcePixels <= 0 {
		return nil
	}
	if pixels := int64(width) * int64(height); pixels > l.MaxSourcePixels {
		return fmt.Errorf("%w: %dx%d is %d pixels, limit %d", ErrSourceTooLarge, width, height, pixels, l.MaxSourcePixels)
	}
	return nil
}
