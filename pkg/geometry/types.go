// Package geometry provides the planar and spherical primitives shared by the
// astrometric mappings and the fit engine.
package geometry

import (
	"math"
)

// Point2D represents a 2D point with floating-point coordinates.
type Point2D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance returns the Euclidean distance to another point.
func (p Point2D) Distance(other Point2D) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Add returns the sum of two points.
func (p Point2D) Add(other Point2D) Point2D {
	return Point2D{X: p.X + other.X, Y: p.Y + other.Y}
}

// Sub returns the difference of two points.
func (p Point2D) Sub(other Point2D) Point2D {
	return Point2D{X: p.X - other.X, Y: p.Y - other.Y}
}

// FatPoint is a position together with its 2x2 covariance matrix.
type FatPoint struct {
	Point2D
	VX  float64 `json:"vx"`
	VY  float64 `json:"vy"`
	VXY float64 `json:"vxy"`
}

// NewFatPoint creates a FatPoint with an isotropic variance.
func NewFatPoint(x, y, variance float64) FatPoint {
	return FatPoint{Point2D: Point2D{X: x, Y: y}, VX: variance, VY: variance}
}

// Det returns the determinant of the covariance matrix.
func (p FatPoint) Det() float64 {
	return p.VX*p.VY - p.VXY*p.VXY
}

// PositiveDefinite reports whether the covariance can be inverted and
// factored.
func (p FatPoint) PositiveDefinite() bool {
	return p.VX > 0 && p.VY > 0 && p.Det() > 0
}

// Weight returns the inverse covariance (wxx, wyy, wxy). The covariance must
// be positive definite.
func (p FatPoint) Weight() (wxx, wyy, wxy float64) {
	det := p.Det()
	return p.VY / det, p.VX / det, -p.VXY / det
}

// Frame represents an axis-aligned rectangle, typically a detector footprint.
type Frame struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// NewFrame creates a new Frame.
func NewFrame(x, y, width, height float64) Frame {
	return Frame{X: x, Y: y, Width: width, Height: height}
}

// Contains returns true if the point is inside the frame.
func (r Frame) Contains(p Point2D) bool {
	return p.X >= r.X && p.X <= r.X+r.Width &&
		p.Y >= r.Y && p.Y <= r.Y+r.Height
}

// Center returns the center point of the frame.
func (r Frame) Center() Point2D {
	return Point2D{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Empty reports whether the frame has no area.
func (r Frame) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Centroid computes the centroid (average position) of a set of points.
func Centroid(points []Point2D) Point2D {
	if len(points) == 0 {
		return Point2D{}
	}
	var sumX, sumY float64
	for _, p := range points {
		sumX += p.X
		sumY += p.Y
	}
	n := float64(len(points))
	return Point2D{X: sumX / n, Y: sumY / n}
}
