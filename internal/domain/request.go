package domain

import (
	"errors"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"
)

var (
	ErrInvalidPath      = errors.New("invalid image path")
	ErrInvalidDimension = errors.New("invalid dimension")
)

// ResizeRequest identifies a source image relative to the image root and the
// optional bounds to fit it into. A zero bound means unconstrained.
type ResizeRequest struct {
	Path      string
	MaxWidth  uint32
	MaxHeight uint32
}

func (r ResizeRequest) Validate() error {
	if _, err := CleanImagePath(r.Path); err != nil {
		return err
	}
	return nil
}

// CleanImagePath normalizes a user supplied identifier into a slash separated
// path relative to the image root. Identifiers that try to leave the root are
// rejected rather than silently rewritten.
func CleanImagePath(raw string) (string, error) {
	if strings.ContainsAny(raw, "\x00\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}
	for _, segment := range strings.Split(raw, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, raw)
		}
	}

	cleaned := strings.TrimPrefix(path.Clean("/"+raw), "/")
	return cleaned, nil
}

// ParseDimension parses a width or height query value. Empty, zero, negative
// and non-numeric values are invalid.
func ParseDimension(name, raw string) (uint32, error) {
	value, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidDimension, name, raw)
	}
	if value == 0 {
		return 0, fmt.Errorf("%w: %s must be greater than zero", ErrInvalidDimension, name)
	}
	return uint32(value), nil
}

// FitWithin returns the dimensions of a srcW x srcH image scaled to fit inside
// the bounds while keeping its aspect ratio. Zero bounds are unconstrained.
// Bounds larger than the source enlarge it, but never past maxPixels output
// pixels (zero means no cap); the cap never shrinks an image below its source
// size.
func FitWithin(srcW, srcH int, maxWidth, maxHeight uint32, maxPixels int64) (int, int) {
	if srcW <= 0 || srcH <= 0 || (maxWidth == 0 && maxHeight == 0) {
		return srcW, srcH
	}

	ratio := math.Inf(1)
	if maxWidth > 0 {
		ratio = math.Min(ratio, float64(maxWidth)/float64(srcW))
	}
	if maxHeight > 0 {
		ratio = math.Min(ratio, float64(maxHeight)/float64(srcH))
	}
	if ratio > 1 && maxPixels > 0 {
		limit := math.Sqrt(float64(maxPixels) / (float64(srcW) * float64(srcH)))
		ratio = math.Min(ratio, math.Max(1, limit))
	}
	if ratio == 1 {
		return srcW, srcH
	}

	width := max(1, int(math.Round(float64(srcW)*ratio)))
	height := max(1, int(math.Round(float64(srcH)*ratio)))
	if maxWidth > 0 && width > int(maxWidth) {
		width = int(maxWidth)
	}
	if maxHeight > 0 && height > int(maxHeight) {
		height = int(maxHeight)
	}
	return width, height
}
