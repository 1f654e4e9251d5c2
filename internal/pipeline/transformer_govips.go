//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
	"github.com/dunamismax/image-resize-api/internal/domain"
)

type govipsTransformer struct {
	limits Limits
}

func (t govipsTransformer) Transform(ctx context.Context, input []byte, maxWidth, maxHeight uint32) (domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return domain.Image{}, domain.IOFailure("transform", err)
	}

	img, err := vips.NewImageFromBuffer(input)
	if err != nil {
		return domain.Image{}, domain.DecodeFailure("decode", err)
	}
	defer img.Close()

	if err := t.limits.checkSource(img.Width(), img.Height()); err != nil {
		return domain.Image{}, domain.DecodeFailure("decode", err)
	}

	format := formatForImageType(vips.DetermineImageType(input))

	width, height := domain.FitWithin(img.Width(), img.Height(), maxWidth, maxHeight, t.limits.MaxOutputPixels)
	if width != img.Width() || height != img.Height() {
		hscale := float64(width) / float64(img.Width())
		vscale := float64(height) / float64(img.Height())
		if err := img.ResizeWithVScale(hscale, vscale, vips.KernelNearest); err != nil {
			return domain.Image{}, domain.IOFailure("resize", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return domain.Image{}, domain.IOFailure("transform", err)
	}

	data, err := exportGovipsImage(img, format)
	if err != nil {
		return domain.Image{}, domain.IOFailure("encode", err)
	}

	return domain.Image{
		Data:   data,
		Format: format,
		Width:  img.Width(),
		Height: img.Height(),
	}, nil
}

func formatForImageType(imageType vips.ImageType) domain.Format {
	switch imageType {
	case vips.ImageTypePNG:
		return domain.FormatPNG
	case vips.ImageTypeGIF:
		return domain.FormatGIF
	default:
		return domain.FormatJPEG
	}
}

func exportGovipsImage(img *vips.ImageRef, format domain.Format) ([]byte, error) {
	switch format {
	case domain.FormatPNG:
		data, _, err := img.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case domain.FormatGIF:
		data, _, err := img.ExportGIF(vips.NewGifExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
		return data, nil
	default:
		params := vips.NewJpegExportParams()
		params.Quality = jpegQuality
		data, _, err := img.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	}
}
