// Package imageio reads and writes image files for the waifu2x command.
//
// Decoding accepts PNG, JPEG, GIF, BMP, TIFF and WebP. Encoding writes PNG,
// JPEG, BMP and TIFF.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	// Decoders register themselves with image.Decode.
	_ "image/gif"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// I/O errors.
var (
	// ErrUnsupportedFormat is returned for an output format that cannot be
	// written.
	ErrUnsupportedFormat = errors.New("imageio: unsupported format")

	// ErrEmptyData is returned when image data is empty.
	ErrEmptyData = errors.New("imageio: empty data")
)

// Format is an output file format.
type Format string

// Output formats.
const (
	PNG  Format = "png"
	JPEG Format = "jpeg"
	BMP  Format = "bmp"
	TIFF Format = "tiff"
)

// DefaultQuality is the JPEG quality used when none is given.
const DefaultQuality = 95

// ParseFormat maps a format name or file extension (with or without the
// dot) to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(name, ".")) {
	case "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	case "bmp":
		return BMP, nil
	case "tif", "tiff":
		return TIFF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// FormatOf returns the output format implied by path's extension.
func FormatOf(path string) (Format, error) {
	return ParseFormat(filepath.Ext(path))
}

// Ext returns the canonical file extension of f.
func (f Format) Ext() string {
	if f == JPEG {
		return ".jpg"
	}
	return "." + string(f)
}

// Load reads and decodes the image file at path.
func Load(path string) (*Frame, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("imageio: open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return Decode(f)
}

// LoadBytes decodes an image held in memory.
func LoadBytes(data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, ErrEmptyData
	}
	return Decode(bytes.NewReader(data))
}

// Decode decodes an image, detecting the format from its content.
func Decode(r io.Reader) (*Frame, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("imageio: decode: %w", err)
	}
	fr := FromImage(img)
	fr.Format = format
	return fr, nil
}

// Encode writes img to w in format f. quality applies to JPEG and is
// clamped to 1..100; zero selects DefaultQuality.
func Encode(w io.Writer, img image.Image, f Format, quality int) error {
	var err error
	switch f {
	case PNG:
		err = png.Encode(w, img)
	case JPEG:
		if quality == 0 {
			quality = DefaultQuality
		}
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: max(1, min(quality, 100))})
	case BMP:
		err = bmp.Encode(w, img)
	case TIFF:
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, string(f))
	}
	if err != nil {
		return fmt.Errorf("imageio: encode %s: %w", f, err)
	}
	return nil
}

// Save encodes img into a new file at path.
func Save(path string, img image.Image, f Format, quality int) error {
	file, err := os.Create(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("imageio: create file: %w", err)
	}

	if err := Encode(file, img, f, quality); err != nil {
		_ = file.Close()
		return err
	}

	return file.Close()
}
