// Package imaging reduces the source images of a run: crop, fit to the
// configured longest side, and re-encode as PNG.
package imaging

import (
	"bytes"
	"image"
	"image/png"
	"io"

	// source formats accepted from uploads
	_ "image/gif"
	_ "image/jpeg"

	"lora-orchestrator/core/models"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrEmptyCrop is returned when the crop rectangle misses the image
var ErrEmptyCrop = errors.New("crop rectangle outside image")

// Reduce decodes src, applies crop, scales the result down so its longest
// side is at most maxSide and returns it PNG-encoded. Images are never
// scaled up. A maxSide of zero keeps the size.
func Reduce(src io.Reader, crop *models.CropRect, maxSide int) ([]byte, error) {
	img, format, err := image.Decode(src)
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}

	bounds := img.Bounds()
	if crop != nil {
		rect := image.Rect(crop.X, crop.Y, crop.X+crop.Width, crop.Y+crop.Height).
			Add(bounds.Min).
			Intersect(bounds)
		if rect.Empty() {
			return nil, errors.Wrapf(ErrEmptyCrop, "%+v on %dx%d %s", *crop, bounds.Dx(), bounds.Dy(), format)
		}
		bounds = rect
	}

	w, h := fit(bounds.Dx(), bounds.Dy(), maxSide)
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	if w == bounds.Dx() && h == bounds.Dy() {
		draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, errors.Wrap(err, "encode png")
	}
	return buf.Bytes(), nil
}

// fit returns w x h scaled so the longest side is at most maxSide
func fit(w, h, maxSide int) (int, int) {
	longest := w
	if h > longest {
		longest = h
	}
	if maxSide <= 0 || longest <= maxSide {
		return w, h
	}

	nw := w * maxSide / longest
	nh := h * maxSide / longest
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
