package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"strings"

	"github.com/you-humble/mediaupload/uploader/internal/payload"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

// FileSaver is where encoded images land.
type FileSaver interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Path(filename string) (string, error)
}

// NewImageChain returns a chain over decoded images that writes its output to
// saver in the given format ("jpg", "png", "gif", "bmp", "tiff").
func NewImageChain(saver FileSaver, format string) *Chain[image.Image] {
	return NewChain(
		func() Decoder[image.Image] { return ImageDecoder() },
		func() Encoder[image.Image] { return ImageEncoder(saver, format) },
	)
}

// ImageDecoder decodes the payload honoring EXIF orientation.
func ImageDecoder() Decoder[image.Image] {
	return DecoderFunc[image.Image](func(ctx context.Context, p payload.Payload, env payload.Env) (image.Image, error) {
		rc, err := p.Prepare(ctx, env)
		if err != nil {
			return nil, err
		}
		defer rc.Close()

		img, err := imaging.Decode(rc, imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		return img, nil
	})
}

// ImageEncoder encodes to format and stores the result under a fresh name.
func ImageEncoder(saver FileSaver, format string) Encoder[image.Image] {
	ext := strings.TrimPrefix(strings.ToLower(format), ".")
	if ext == "" {
		ext = "jpg"
	}
	return EncoderFunc[image.Image](func(ctx context.Context, img image.Image) (string, error) {
		f, err := imaging.FormatFromExtension(ext)
		if err != nil {
			return "", fmt.Errorf("output format: %w", err)
		}

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, f); err != nil {
			return "", fmt.Errorf("encode image: %w", err)
		}

		name := uuid.NewString() + "." + ext
		size := int64(buf.Len())
		if _, _, err := saver.Save(ctx, &buf, name, size); err != nil {
			return "", fmt.Errorf("save image: %w", err)
		}
		return saver.Path(name)
	})
}

// Limit scales the image down to fit within width x height, preserving the
// aspect ratio. Smaller images pass through untouched.
func Limit(width, height int) Step[image.Image] {
	return StepFunc[image.Image](func(_ context.Context, img image.Image) (image.Image, error) {
		b := img.Bounds()
		if b.Dx() <= width && b.Dy() <= height {
			return img, nil
		}
		return imaging.Fit(img, width, height, imaging.Lanczos), nil
	})
}

// DimensionsValidator rejects images outside the configured bounds. Zero
// bounds are not checked.
type DimensionsValidator struct {
	MinWidth, MinHeight int
	MaxWidth, MaxHeight int
}

func (v DimensionsValidator) Apply(_ context.Context, img image.Image) (image.Image, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	switch {
	case v.MinWidth > 0 && w < v.MinWidth, v.MinHeight > 0 && h < v.MinHeight:
		return nil, fmt.Errorf("%w: image %dx%d is smaller than %dx%d", ErrValidation, w, h, v.MinWidth, v.MinHeight)
	case v.MaxWidth > 0 && w > v.MaxWidth, v.MaxHeight > 0 && h > v.MaxHeight:
		return nil, fmt.Errorf("%w: image %dx%d is larger than %dx%d", ErrValidation, w, h, v.MaxWidth, v.MaxHeight)
	}
	return img, nil
}

func Grayscale() Step[image.Image] {
	return StepFunc[image.Image](func(_ context.Context, img image.Image) (image.Image, error) {
		return imaging.Grayscale(img), nil
	})
}
