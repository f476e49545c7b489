package geometry

import (
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// Transform maps a point of one plane to another.
type Transform interface {
	Apply(p Point2D) Point2D
}

// Differentiable is a Transform that provides its own analytic Jacobian.
type Differentiable interface {
	Transform
	Jacobian(at Point2D) Linear
}

// DefaultDerivativeStep is the finite-difference step used for transforms
// without an analytic Jacobian.
const DefaultDerivativeStep = 1e-3

// Chain applies First then Then.
type Chain struct {
	First Transform
	Then  Transform
}

// Apply applies the chained transforms.
func (c Chain) Apply(p Point2D) Point2D {
	return c.Then.Apply(c.First.Apply(p))
}

// NumericJacobian computes the 2x2 derivative of t at a point with centered
// differences of the given step.
func NumericJacobian(t Transform, at Point2D, step float64) Linear {
	if step <= 0 {
		step = DefaultDerivativeStep
	}
	jac := mat.NewDense(2, 2, nil)
	fd.Jacobian(jac, func(y, x []float64) {
		p := t.Apply(Point2D{X: x[0], Y: x[1]})
		y[0], y[1] = p.X, p.Y
	}, []float64{at.X, at.Y}, &fd.JacobianSettings{Formula: fd.Central, Step: step})
	return Linear{
		A: jac.At(0, 0), B: jac.At(0, 1),
		C: jac.At(1, 0), D: jac.At(1, 1),
	}
}

// JacobianAt returns the analytic Jacobian when t provides one and a numeric
// estimate otherwise.
func JacobianAt(t Transform, at Point2D, step float64) Linear {
	if d, ok := t.(Differentiable); ok {
		return d.Jacobian(at)
	}
	return NumericJacobian(t, at, step)
}

// PropagateErrors transports a covariance through the linear map j.
func PropagateErrors(j Linear, in FatPoint) (vx, vy, vxy float64) {
	a11, a12, a21, a22 := j.A, j.B, j.C, j.D
	vx = a11*a11*in.VX + 2*a11*a12*in.VXY + a12*a12*in.VY
	vy = a21*a21*in.VX + 2*a21*a22*in.VXY + a22*a22*in.VY
	vxy = a11*a21*in.VX + (a11*a22+a12*a21)*in.VXY + a12*a22*in.VY
	return vx, vy, vxy
}

// TransformPosAndErrors applies t to a position and propagates its
// covariance with the local Jacobian of t.
func TransformPosAndErrors(t Transform, in FatPoint) FatPoint {
	out := FatPoint{Point2D: t.Apply(in.Point2D)}
	out.VX, out.VY, out.VXY = PropagateErrors(JacobianAt(t, in.Point2D, 0), in)
	return out
}
