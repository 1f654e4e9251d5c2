package pipeline

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/dunamismax/image-resize-api/internal/domain"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 100

type stdlibTransformer struct {
	limits Limits
}

func (t stdlibTransformer) Transform(ctx context.Context, input []byte, maxWidth, maxHeight uint32) (domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return domain.Image{}, domain.IOFailure("transform", err)
	}

	// The header is checked before any pixel buffer is allocated.
	header, _, err := image.DecodeConfig(bytes.NewReader(input))
	if err != nil {
		return domain.Image{}, domain.DecodeFailure("decode", err)
	}
	if err := t.limits.checkSource(header.Width, header.Height); err != nil {
		return domain.Image{}, domain.DecodeFailure("decode", err)
	}

	// image.Decode sniffs the registered magic numbers, so the detected
	// format comes from the content and never from a file name.
	src, detected, err := image.Decode(bytes.NewReader(input))
	if err != nil {
		return domain.Image{}, domain.DecodeFailure("decode", err)
	}
	format := domain.OutputFormatFor(detected)

	out := resizeNearest(src, maxWidth, maxHeight, t.limits.MaxOutputPixels)

	if err := ctx.Err(); err != nil {
		return domain.Image{}, domain.IOFailure("transform", err)
	}

	data, err := encodeImage(out, format)
	if err != nil {
		return domain.Image{}, domain.IOFailure("encode", err)
	}

	bounds := out.Bounds()
	return domain.Image{
		Data:   data,
		Format: format,
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

func resizeNearest(src image.Image, maxWidth, maxHeight uint32, maxPixels int64) image.Image {
	bounds := src.Bounds()
	width, height := domain.FitWithin(bounds.Dx(), bounds.Dy(), maxWidth, maxHeight, maxPixels)
	if width == bounds.Dx() && height == bounds.Dy() {
		return src
	}
	return imaging.Resize(src, width, height, imaging.NearestNeighbor)
}

func encodeImage(img image.Image, format domain.Format) ([]byte, error) {
	var (
		buf bytes.Buffer
		err error
	)

	switch format {
	case domain.FormatPNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	case domain.FormatGIF:
		err = imaging.Encode(&buf, img, imaging.GIF)
	default:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality))
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
