// Package codec provides image format sniffing and decoding for the web
// image pipeline. The loading engine only ever talks to the Codec interface,
// so callers can swap in decoders for formats the standard library does not
// ship (WEBP, TIFF) without touching the engine.
package codec

import (
	"bytes"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// Format identifies an image container by its magic bytes.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
	FormatGIF
	FormatTIFF
	FormatWEBP
)

func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatPNG:
		return "png"
	case FormatGIF:
		return "gif"
	case FormatTIFF:
		return "tiff"
	case FormatWEBP:
		return "webp"
	default:
		return "unknown"
	}
}

// ErrUnsupportedFormat is returned when data does not decode as any
// registered image format.
var ErrUnsupportedFormat = errors.New("codec: unsupported image format")

// Sniff inspects the leading bytes of data and reports the image format.
// WEBP requires probing past the RIFF header.
func Sniff(data []byte) Format {
	if len(data) == 0 {
		return FormatUnknown
	}
	switch data[0] {
	case 0xFF:
		return FormatJPEG
	case 0x89:
		return FormatPNG
	case 'G':
		return FormatGIF
	case 'I', 'M':
		return FormatTIFF
	case 'R':
		// RIFF....WEBP
		if len(data) >= 12 && bytes.Equal(data[8:12], []byte("WEBP")) {
			return FormatWEBP
		}
	}
	return FormatUnknown
}

// Codec decodes raw bytes into images.
type Codec interface {
	// Decode decodes a complete byte payload.
	Decode(data []byte) (image.Image, error)
	// DecodePartial attempts to decode a prefix of a payload that is still
	// being received. It reports ok=false when the prefix is not yet
	// decodable; that is an expected condition, not an error.
	DecodePartial(data []byte) (image.Image, bool)
}

// StdCodec decodes with the standard library decoders (jpeg, png, gif).
type StdCodec struct{}

func (StdCodec) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrUnsupportedFormat
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ErrUnsupportedFormat
	}
	return img, nil
}

func (StdCodec) DecodePartial(data []byte) (image.Image, bool) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	return img, true
}

// Pixels returns the pixel count of img, used as the memory cache cost.
// Returns 0 for a nil image.
func Pixels(img image.Image) int64 {
	if img == nil {
		return 0
	}
	b := img.Bounds()
	return int64(b.Dx()) * int64(b.Dy())
}
