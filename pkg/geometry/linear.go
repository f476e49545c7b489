package geometry

import "math"

// Linear represents a 2x3 affine transformation matrix.
// [a b tx]
// [c d ty]
type Linear struct {
	A, B, TX float64
	C, D, TY float64
}

// Identity returns the identity transform.
func Identity() Linear {
	return Linear{A: 1, D: 1}
}

// Translation returns a translation transform.
func Translation(tx, ty float64) Linear {
	return Linear{A: 1, D: 1, TX: tx, TY: ty}
}

// Rotation returns a rotation transform around the origin.
func Rotation(radians float64) Linear {
	cos := math.Cos(radians)
	sin := math.Sin(radians)
	return Linear{A: cos, B: -sin, C: sin, D: cos}
}

// Scale returns a scaling transform.
func Scale(sx, sy float64) Linear {
	return Linear{A: sx, D: sy}
}

// NormalizeFrame returns the transform mapping the frame onto [-1,1]x[-1,1].
// Polynomials are fitted in these coordinates to keep the normal equations
// well conditioned.
func NormalizeFrame(r Frame) Linear {
	c := r.Center()
	sx := 2 / r.Width
	sy := 2 / r.Height
	return Linear{A: sx, TX: -c.X * sx, D: sy, TY: -c.Y * sy}
}

// Apply applies the transform to a point.
func (t Linear) Apply(p Point2D) Point2D {
	return Point2D{
		X: t.A*p.X + t.B*p.Y + t.TX,
		Y: t.C*p.X + t.D*p.Y + t.TY,
	}
}

// Jacobian returns the linear part of the transform.
func (t Linear) Jacobian(Point2D) Linear {
	return Linear{A: t.A, B: t.B, C: t.C, D: t.D}
}

// Compose returns this transform composed with another (this * other).
func (t Linear) Compose(other Linear) Linear {
	return Linear{
		A:  t.A*other.A + t.B*other.C,
		B:  t.A*other.B + t.B*other.D,
		TX: t.A*other.TX + t.B*other.TY + t.TX,
		C:  t.C*other.A + t.D*other.C,
		D:  t.C*other.B + t.D*other.D,
		TY: t.C*other.TX + t.D*other.TY + t.TY,
	}
}

// Det returns the determinant of the linear part.
func (t Linear) Det() float64 {
	return t.A*t.D - t.B*t.C
}

// Inverse returns the inverse transform, if it exists.
func (t Linear) Inverse() (Linear, bool) {
	det := t.Det()
	if math.Abs(det) < 1e-10 {
		return Linear{}, false
	}

	invDet := 1.0 / det
	return Linear{
		A:  t.D * invDet,
		B:  -t.B * invDet,
		TX: (t.B*t.TY - t.D*t.TX) * invDet,
		C:  -t.C * invDet,
		D:  t.A * invDet,
		TY: (t.C*t.TX - t.A*t.TY) * invDet,
	}, true
}
