package media

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: uint8(x), A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestNormalizeKeepsFormat(t *testing.T) {
	out, err := Normalize(encodeJPEG(t, 100, 60), Options{})
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", out.Mime)
	assert.Equal(t, 100, out.Width)
	assert.Equal(t, 60, out.Height)

	out, err = Normalize(encodePNG(t, 100, 60), Options{})
	require.NoError(t, err)
	assert.Equal(t, "image/png", out.Mime)
}

func TestNormalizeOrientationSwapsDimensions(t *testing.T) {
	src := encodeJPEG(t, 100, 50)

	// 90 degrees clockwise: width and height swap.
	out, err := Normalize(src, Options{OrientationHint: 6})
	require.NoError(t, err)
	assert.Equal(t, 50, out.Width)
	assert.Equal(t, 100, out.Height)

	// 270 degrees: swapped as well.
	out, err = Normalize(src, Options{OrientationHint: 8})
	require.NoError(t, err)
	assert.Equal(t, 50, out.Width)
	assert.Equal(t, 100, out.Height)

	// 180 degrees: dimensions unchanged.
	out, err = Normalize(src, Options{OrientationHint: 3})
	require.NoError(t, err)
	assert.Equal(t, 100, out.Width)
	assert.Equal(t, 50, out.Height)
}

func TestNormalizeOrientationThenRotateBack(t *testing.T) {
	src := encodePNG(t, 80, 40)
	once, err := Normalize(src, Options{OrientationHint: 6})
	require.NoError(t, err)
	back, err := Normalize(once.Data, Options{OrientationHint: 8})
	require.NoError(t, err)
	assert.Equal(t, 80, back.Width)
	assert.Equal(t, 40, back.Height)
}

func TestNormalizeDownscales(t *testing.T) {
	out, err := Normalize(encodePNG(t, 2048, 1024), Options{MaxDim: 1024})
	require.NoError(t, err)
	assert.Equal(t, 1024, out.Width)
	assert.Equal(t, 512, out.Height)

	// Under the bound: untouched.
	out, err = Normalize(encodePNG(t, 640, 480), Options{MaxDim: 1024})
	require.NoError(t, err)
	assert.Equal(t, 640, out.Width)
	assert.Equal(t, 480, out.Height)
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	_, err := Normalize([]byte("not an image at all"), Options{})
	require.ErrorIs(t, err, ErrBadImage)
}

func TestDimensions(t *testing.T) {
	w, h, err := Dimensions(encodePNG(t, 33, 44))
	require.NoError(t, err)
	assert.Equal(t, 33, w)
	assert.Equal(t, 44, h)

	_, _, err = Dimensions([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrBadImage)
}
