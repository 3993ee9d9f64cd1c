// Package media normalizes user-selected images before they enter the
// upload pipeline: orientation is baked into the pixels, oversized images
// are downscaled, and the result is re-encoded in a format the platform's
// clients can all render.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	logging "github.com/ipfs/go-log/v2"
	"github.com/rwcarlsen/goexif/exif"
)

var log = logging.Logger("media")

const (
	maxImageWidth  = 8192
	maxImageHeight = 8192
	maxImagePixels = 30_000_000
	jpegQuality    = 85
)

var ErrBadImage = errors.New("invalid or unsupported image")

// Image is a normalized payload ready for the upload pipeline.
type Image struct {
	Data   []byte
	Mime   string
	Width  int
	Height int
}

// Options controls normalization.
type Options struct {
	// MaxDim is the maximum linear dimension. Larger images are downscaled
	// proportionally. 0 disables downscaling.
	MaxDim int

	// OrientationHint is an externally reported EXIF orientation (1..8).
	// When set it short-circuits the EXIF parse, saving a pass over the
	// payload. 0 means unknown: read it from the image metadata.
	OrientationHint int
}

// Normalize decodes data, corrects orientation, optionally downscales, and
// re-encodes. JPEG stays JPEG; everything else becomes PNG. A decode failure
// is unrecoverable (ErrBadImage): it indicates a bad selection, not a
// transient fault.
func Normalize(data []byte, opts Options) (*Image, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if cfg.Width > maxImageWidth || cfg.Height > maxImageHeight ||
		cfg.Width*cfg.Height > maxImagePixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds decode bounds", ErrBadImage, cfg.Width, cfg.Height)
	}

	orientation := opts.OrientationHint
	if orientation == 0 && format == "jpeg" {
		orientation = exifOrientation(data)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}

	img = applyOrientation(img, orientation)

	if opts.MaxDim > 0 {
		b := img.Bounds()
		if b.Dx() > opts.MaxDim || b.Dy() > opts.MaxDim {
			img = imaging.Fit(img, opts.MaxDim, opts.MaxDim, imaging.Lanczos)
			log.Debugf("downscaled %dx%d to %dx%d", b.Dx(), b.Dy(),
				img.Bounds().Dx(), img.Bounds().Dy())
		}
	}

	out := &Image{
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
	}

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		out.Mime = "image/jpeg"
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality})
	default:
		out.Mime = "image/png"
		err = png.Encode(&buf, img)
	}
	if err != nil {
		return nil, fmt.Errorf("encode normalized image: %w", err)
	}
	out.Data = buf.Bytes()
	return out, nil
}

// exifOrientation extracts the EXIF orientation tag, 0 when absent.
func exifOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 0
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 0
	}
	return v
}

// applyOrientation bakes an EXIF orientation (1..8) into the pixel data.
// Values 5..8 swap width and height.
func applyOrientation(img image.Image, orientation int) image.Image {
	switch orientation {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		// 90° clockwise; imaging rotates counter-clockwise.
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// Dimensions reports the pixel size of an encoded image without a full
// decode, for callers that only need placeholder geometry.
func Dimensions(data []byte) (w, h int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	return cfg.Width, cfg.Height, nil
}
