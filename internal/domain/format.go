package domain

import "strings"

type Format string

const (
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatJPEG Format = "jpeg"
)

// OutputFormatFor picks the encoding for a detected input format. PNG and GIF
// are preserved, everything else becomes JPEG.
func OutputFormatFor(detected string) Format {
	switch strings.ToLower(strings.TrimSpace(detected)) {
	case "png":
		return FormatPNG
	case "gif":
		return FormatGIF
	default:
		return FormatJPEG
	}
}

func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatGIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}

// Image is a successfully encoded transform result.
type Image struct {
	Data   []byte
	Format Format
	Width  int
	Height int
}
