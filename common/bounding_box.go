// Package common - Geometry shared by the detector, the tracker and the run driver.
package common

import (
	"fmt"
	"image"
	"math"

	"github.com/chewxy/math32"
)

// Point is a position in pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns p translated by d.
func (p Point) Add(d Point) Point {
	return Point{X: p.X + d.X, Y: p.Y + d.Y}
}

// Sub returns the displacement from o to p.
func (p Point) Sub(o Point) Point {
	return Point{X: p.X - o.X, Y: p.Y - o.Y}
}

// Scale multiplies both components by k.
func (p Point) Scale(k float64) Point {
	return Point{X: p.X * k, Y: p.Y * k}
}

// DistanceTo returns the Euclidean distance between two points.
func (p Point) DistanceTo(o Point) float64 {
	return math.Hypot(p.X-o.X, p.Y-o.Y)
}

// Rect is an axis-aligned rectangle in pixel space, anchored at its top-left corner.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// RectFrom converts an image.Rectangle into a Rect.
func RectFrom(r image.Rectangle) Rect {
	r = r.Canon()
	return Rect{
		X:      float64(r.Min.X),
		Y:      float64(r.Min.Y),
		Width:  float64(r.Dx()),
		Height: float64(r.Dy()),
	}
}

// Center returns the geometric center of the rectangle.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Area returns Width*Height.
func (r Rect) Area() float64 {
	return r.Width * r.Height
}

// CenteredAt returns a rectangle of the same size whose center is c.
func (r Rect) CenteredAt(c Point) Rect {
	return Rect{
		X:      c.X - r.Width/2,
		Y:      c.Y - r.Height/2,
		Width:  r.Width,
		Height: r.Height,
	}
}

// Scale multiplies every coordinate by k. Used to map boxes found on a
// downscaled frame back to source pixels.
func (r Rect) Scale(k float64) Rect {
	return Rect{X: r.X * k, Y: r.Y * k, Width: r.Width * k, Height: r.Height * k}
}

func (r Rect) String() string {
	return fmt.Sprintf("(%.1f, %.1f) %.1fx%.1f", r.X, r.Y, r.Width, r.Height)
}

// Size holds video frame dimensions in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// SizeFrom returns the dimensions of an image.Rectangle.
func SizeFrom(r image.Rectangle) Size {
	return Size{Width: r.Dx(), Height: r.Dy()}
}

// Degenerate reports whether the size cannot be used as a normalization basis.
func (s Size) Degenerate() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Candidate is the single raw detection a motion detector produces for a frame.
type Candidate struct {
	// Box is the bounding rectangle of the largest foreground contour.
	Box Rect
	// Center is the rectangle center (not the contour centroid).
	Center Point
	// Area is the enclosed contour area in pixels².
	Area float64
}

// NewCandidate builds a candidate from a contour bounding rectangle.
func NewCandidate(box Rect, area float64) Candidate {
	return Candidate{Box: box, Center: box.Center(), Area: area}
}

// NormalizedBox is a bounding box expressed as fractions of the video frame.
type NormalizedBox struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// Normalize divides a pixel rectangle by the video dimensions component-wise.
//
// Arguments:
//   - r: The rectangle in pixel space.
//   - size: The video frame size. Must not be degenerate.
//
// Returns:
//   - NormalizedBox: The rectangle relative to the frame. Values outside [0,1]
//     are preserved; use Clamp before storing.
//
// @example
// box := Normalize(Rect{X: 96, Y: 54, Width: 192, Height: 108}, Size{Width: 1920, Height: 1080})
// // box == NormalizedBox{X: 0.05, Y: 0.05, Width: 0.1, Height: 0.1}
func Normalize(r Rect, size Size) NormalizedBox {
	w := float64(size.Width)
	h := float64(size.Height)
	return NormalizedBox{
		X:      float32(r.X / w),
		Y:      float32(r.Y / h),
		Width:  float32(r.Width / w),
		Height: float32(r.Height / h),
	}
}

// Denormalize maps a normalized box back into pixel space.
func Denormalize(b NormalizedBox, size Size) Rect {
	w := float64(size.Width)
	h := float64(size.Height)
	return Rect{
		X:      float64(b.X) * w,
		Y:      float64(b.Y) * h,
		Width:  float64(b.Width) * w,
		Height: float64(b.Height) * h,
	}
}

// Clamp intersects the box with the unit square. Predicted boxes can drift
// past the frame edge; the stored annotation never does.
func (b NormalizedBox) Clamp() NormalizedBox {
	x1 := math32.Max(0, math32.Min(1, b.X))
	y1 := math32.Max(0, math32.Min(1, b.Y))
	x2 := math32.Max(0, math32.Min(1, b.X+b.Width))
	y2 := math32.Max(0, math32.Min(1, b.Y+b.Height))
	return NormalizedBox{
		X:      x1,
		Y:      y1,
		Width:  math32.Max(0, x2-x1),
		Height: math32.Max(0, y2-y1),
	}
}

// Empty reports whether the box has no area.
func (b NormalizedBox) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}
