package store

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// jpegQuality is used when a rotated JPEG is encoded again.
const jpegQuality = 95

// ErrNotRotatable is returned for files imaging cannot decode, such as
// camera raw files. They are saved as received.
var ErrNotRotatable = errors.New("store: format cannot be rotated")

// NormalizeRotation maps any multiple of 90 degrees to 0, 90, 180 or
// 270. It returns false for other angles.
func NormalizeRotation(degrees int) (int, bool) {
	if degrees%90 != 0 {
		return 0, false
	}
	return ((degrees % 360) + 360) % 360, true
}

// Rotate turns the image in data counter-clockwise by degrees. name
// picks the encoding.
func Rotate(data []byte, name string, degrees int) ([]byte, error) {
	d, ok := NormalizeRotation(degrees)
	if !ok {
		return nil, fmt.Errorf("store: rotation %d is not a multiple of 90", degrees)
	}
	if d == 0 {
		return data, nil
	}
	format, err := imaging.FormatFromFilename(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRotatable, name)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	var out image.Image
	switch d {
	case 90:
		out = imaging.Rotate90(img)
	case 180:
		out = imaging.Rotate180(img)
	case 270:
		out = imaging.Rotate270(img)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, format, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return buf.Bytes(), nil
}
