package preprocess

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/you-humble/mediaupload/uploader/internal/payload"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dirSaver struct {
	dir string
}

func (s dirSaver) Save(_ context.Context, r io.Reader, name string, _ int64) (int64, string, error) {
	f, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return 0, "", err
	}
	defer f.Close()
	n, err := io.Copy(f, r)
	return n, "", err
}

func (s dirSaver) Path(name string) (string, error) {
	return filepath.Join(s.dir, name), nil
}

func pngPayload(t *testing.T, w, h int) payload.Payload {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := range w {
		for y := range h {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return payload.Bytes{Data: buf.Bytes()}
}

func TestImageChain_LimitAndEncode(t *testing.T) {
	saver := dirSaver{dir: t.TempDir()}
	c := NewImageChain(saver, "png").AddStep(Limit(50, 50))

	out, err := c.Execute(context.Background(), pngPayload(t, 200, 100), payload.Env{})
	require.NoError(t, err)
	assert.Equal(t, saver.dir, filepath.Dir(out))
	assert.Equal(t, ".png", filepath.Ext(out))

	img, err := imaging.Open(out)
	require.NoError(t, err)
	assert.Equal(t, 50, img.Bounds().Dx())
	assert.Equal(t, 25, img.Bounds().Dy())
}

func TestImageChain_SmallImageUntouched(t *testing.T) {
	saver := dirSaver{dir: t.TempDir()}
	c := NewImageChain(saver, "jpg").AddStep(Limit(500, 500)).AddStep(Grayscale())

	out, err := c.Execute(context.Background(), pngPayload(t, 40, 30), payload.Env{})
	require.NoError(t, err)

	img, err := imaging.Open(out)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 40, 30), img.Bounds())
}

func TestImageChain_ValidationFailure(t *testing.T) {
	saver := dirSaver{dir: t.TempDir()}
	c := NewImageChain(saver, "jpg").AddStep(DimensionsValidator{MinWidth: 100, MinHeight: 100})

	_, err := c.Execute(context.Background(), pngPayload(t, 10, 10), payload.Env{})
	require.ErrorIs(t, err, ErrValidation)

	entries, err := os.ReadDir(saver.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestImageChain_UndecodableInput(t *testing.T) {
	c := NewImageChain(dirSaver{dir: t.TempDir()}, "jpg")
	_, err := c.Execute(context.Background(), payload.Bytes{Data: []byte("not an image")}, payload.Env{})

	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, PhaseDecode, perr.Phase)
}

func TestDimensionsValidator(t *testing.T) {
	v := DimensionsValidator{MaxWidth: 100, MaxHeight: 100}
	_, err := v.Apply(context.Background(), image.NewRGBA(image.Rect(0, 0, 101, 10)))
	assert.ErrorIs(t, err, ErrValidation)

	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	got, err := v.Apply(context.Background(), img)
	require.NoError(t, err)
	assert.Same(t, img, got)
}
