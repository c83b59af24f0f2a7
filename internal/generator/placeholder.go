package generator

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"
	"strings"

	"github.com/starford/imagestudio/internal/checksum"
)

const placeholderBase = 64

// Placeholder renders a flat colour derived from the prompt. It needs no API
// key and is used for offline development and tests.
type Placeholder struct{}

// Model implements Generator.
func (Placeholder) Model() string { return "placeholder" }

// Generate implements Generator.
func (Placeholder) Generate(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := placeholderSize(req.AspectRatio, req.Resolution)
	img := image.NewRGBA(image.Rect(0, 0, w, h))

	fill := checksum.Color(req.Prompt)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	// One pixel per reference in the top row so tests can tell them apart.
	for i := range req.References {
		if i < w {
			img.SetRGBA(i, 0, color.RGBA{A: 0xff})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("generator: encode placeholder: %w", err)
	}
	return &Result{Data: buf.Bytes(), MIMEType: "image/png"}, nil
}

// placeholderSize scales a small base square by resolution and stretches it
// to the requested aspect ratio.
func placeholderSize(aspect, resolution string) (int, int) {
	scale := 1
	switch resolution {
	case "2K":
		scale = 2
	case "4K":
		scale = 4
	}
	side := placeholderBase * scale

	aw, ah, ok := parseAspect(aspect)
	if !ok {
		return side, side
	}
	if aw >= ah {
		return side, max(1, side*ah/aw)
	}
	return max(1, side*aw/ah), side
}

func parseAspect(s string) (int, int, bool) {
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(a)
	h, err2 := strconv.Atoi(b)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}
