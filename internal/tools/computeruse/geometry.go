package computeruse

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

// ErrInvalidCoordinates is returned for points outside the model or actual screen.
var ErrInvalidCoordinates = errors.New("coordinates are out of bounds")

// Resolution is a screen size the model is known to handle well.
type Resolution struct {
	Name   string
	Width  int
	Height int
}

// SafeResolutions lists the model-space candidates in preference order.
var SafeResolutions = []Resolution{
	{Name: "XGA", Width: 1024, Height: 768},
	{Name: "WXGA", Width: 1280, Height: 800},
	{Name: "FWXGA", Width: 1366, Height: 768},
}

// Geometry maps between the screen the model sees and the real display.
// It is chosen once per session and never changes.
type Geometry struct {
	ActualWidth  int `json:"actual_width"`
	ActualHeight int `json:"actual_height"`
	ModelWidth   int `json:"model_width"`
	ModelHeight  int `json:"model_height"`
}

// MaxRatioDelta is how far a safe resolution's aspect ratio may be from the
// display's before it stops qualifying.
const MaxRatioDelta = 0.02

// IdentityGeometry returns a geometry where model space equals actual space.
func IdentityGeometry(width, height int) Geometry {
	return Geometry{ActualWidth: width, ActualHeight: height, ModelWidth: width, ModelHeight: height}
}

// ChooseGeometry picks the safe resolution for a width×height display.
//
// Only candidates no larger than the display on either axis and within
// MaxRatioDelta of its aspect ratio qualify. Among them the closest aspect
// ratio wins, then the larger area, then table order. With no candidate the
// model sees the display unscaled.
func ChooseGeometry(width, height int) Geometry {
	if width <= 0 || height <= 0 {
		return IdentityGeometry(width, height)
	}

	const eps = 1e-9
	ratio := float64(width) / float64(height)
	best := -1
	bestDiff := math.Inf(1)
	for i, r := range SafeResolutions {
		if r.Width > width || r.Height > height {
			continue
		}
		diff := math.Abs(float64(r.Width)/float64(r.Height) - ratio)
		if diff > MaxRatioDelta+eps {
			continue
		}
		better := best < 0 || diff < bestDiff-eps ||
			(math.Abs(diff-bestDiff) <= eps && area(r) > area(SafeResolutions[best]))
		if better {
			best, bestDiff = i, diff
		}
	}
	if best < 0 {
		return IdentityGeometry(width, height)
	}
	r := SafeResolutions[best]
	return Geometry{ActualWidth: width, ActualHeight: height, ModelWidth: r.Width, ModelHeight: r.Height}
}

func area(r Resolution) int { return r.Width * r.Height }

// Scaled reports whether model space differs from the display.
func (g Geometry) Scaled() bool {
	return g.ModelWidth != g.ActualWidth || g.ModelHeight != g.ActualHeight
}

// ToActual converts a model-space point to display pixels.
func (g Geometry) ToActual(x, y int) (int, int, error) {
	if x < 0 || y < 0 || x >= g.ModelWidth || y >= g.ModelHeight {
		return 0, 0, fmt.Errorf("%w: (%d, %d) is outside %dx%d", ErrInvalidCoordinates, x, y, g.ModelWidth, g.ModelHeight)
	}
	ax := scale(x, g.ActualWidth, g.ModelWidth)
	ay := scale(y, g.ActualHeight, g.ModelHeight)
	if ax < 0 || ay < 0 || ax >= g.ActualWidth || ay >= g.ActualHeight {
		return 0, 0, fmt.Errorf("%w: (%d, %d) maps to (%d, %d) outside %dx%d",
			ErrInvalidCoordinates, x, y, ax, ay, g.ActualWidth, g.ActualHeight)
	}
	return ax, ay, nil
}

// ToModel converts display pixels to model space.
func (g Geometry) ToModel(x, y int) (int, int) {
	return scale(x, g.ModelWidth, g.ActualWidth), scale(y, g.ModelHeight, g.ActualHeight)
}

func scale(v, to, from int) int {
	if from == 0 || to == from {
		return v
	}
	return int(math.Round(float64(v) * float64(to) / float64(from)))
}

// Resample scales img to model size and returns it as base64 PNG.
func (g Geometry) Resample(img image.Image) (string, error) {
	if img == nil {
		return "", errors.New("no image to resample")
	}

	out := img
	b := img.Bounds()
	if g.ModelWidth > 0 && g.ModelHeight > 0 && (b.Dx() != g.ModelWidth || b.Dy() != g.ModelHeight) {
		dst := image.NewRGBA(image.Rect(0, 0, g.ModelWidth, g.ModelHeight))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return "", fmt.Errorf("encode screenshot: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
