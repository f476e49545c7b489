// Package mapping implements the pixel to tangent-plane mappings of the fit:
// fixed transforms, fittable polynomials, and the composition of a chip
// mapping with a visit mapping.
package mapping

import (
	"jointastrom/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// Kind discriminates the mapping variants.
type Kind int

const (
	// KindFixed is a transform that is never fitted.
	KindFixed Kind = iota
	// KindPoly is a fitted polynomial after a fixed normalization.
	KindPoly
	// KindComposed chains a chip mapping and a visit mapping.
	KindComposed
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindFixed:
		return "fixed"
	case KindPoly:
		return "poly"
	case KindComposed:
		return "composed"
	default:
		return "unknown"
	}
}

// Mapping is the per-exposure view the fit engine works with.
//
// ComputeTransformAndDerivatives fills the first NPar rows of h (which must
// have 2 columns) with the derivatives of the transformed x (column 0) and
// y (column 1) with respect to the active parameters, in the order of
// Indices.
type Mapping interface {
	Kind() Kind
	NPar() int
	Indices(dst []int) []int
	TransformPosAndErrors(in geometry.FatPoint) geometry.FatPoint
	ComputeTransformAndDerivatives(in geometry.FatPoint, h *mat.Dense) geometry.FatPoint
}

// Simple is a single-transform mapping owned by a Pool.
type Simple interface {
	Kind() Kind
	NPar() int
	Transform() geometry.Transform
	// Jacobian returns the derivative of the output position with respect
	// to the input position.
	Jacobian(at geometry.Point2D) geometry.Linear
	TransformPosAndErrors(in geometry.FatPoint) geometry.FatPoint
	// ComputeTransformAndDerivatives fills the first NPar rows of h.
	ComputeTransformAndDerivatives(in geometry.FatPoint, h *mat.Dense) geometry.FatPoint
	// OffsetParams adds delta (length NPar) to the parameters.
	OffsetParams(delta []float64)
	FreezeErrorScales()
}

// Fixed wraps a transform that is never fitted.
type Fixed struct {
	t geometry.Transform
}

// NewFixed returns a fixed mapping.
func NewFixed(t geometry.Transform) *Fixed {
	return &Fixed{t: t}
}

// Kind returns KindFixed.
func (f *Fixed) Kind() Kind { return KindFixed }

// NPar returns 0: a fixed mapping has no parameters.
func (f *Fixed) NPar() int { return 0 }

// Transform returns the wrapped transform.
func (f *Fixed) Transform() geometry.Transform { return f.t }

// OffsetParams does nothing.
func (f *Fixed) OffsetParams([]float64) {}

// FreezeErrorScales does nothing. Errors are always propagated with the
// wrapped transform.
func (f *Fixed) FreezeErrorScales() {}

// Jacobian returns the analytic derivative of the wrapped transform when it
// has one, a centered-difference estimate otherwise.
func (f *Fixed) Jacobian(at geometry.Point2D) geometry.Linear {
	return geometry.JacobianAt(f.t, at, 0)
}

// TransformPosAndErrors applies the transform and propagates the covariance
// with its Jacobian.
func (f *Fixed) TransformPosAndErrors(in geometry.FatPoint) geometry.FatPoint {
	return geometry.TransformPosAndErrors(f.t, in)
}

// ComputeTransformAndDerivatives leaves h untouched.
func (f *Fixed) ComputeTransformAndDerivatives(in geometry.FatPoint, _ *mat.Dense) geometry.FatPoint {
	return f.TransformPosAndErrors(in)
}

// Poly is a fittable polynomial applied after a fixed linear
// normalization: out = poly(norm(in)). The parameters are the polynomial
// coefficients.
type Poly struct {
	norm geometry.Linear
	poly *geometry.Poly

	// frozen copy used to propagate errors once the error scales are frozen
	errorProp *geometry.Poly
}

// NewPoly returns a polynomial mapping.
func NewPoly(norm geometry.Linear, poly *geometry.Poly) *Poly {
	return &Poly{norm: norm, poly: poly}
}

// Kind returns KindPoly.
func (p *Poly) Kind() Kind { return KindPoly }

// NPar returns the number of polynomial coefficients, both axes included.
func (p *Poly) NPar() int { return p.poly.NPar() }

// Normalization returns the fixed linear part.
func (p *Poly) Normalization() geometry.Linear { return p.norm }

// Poly returns the fitted polynomial, expressed in normalized coordinates.
func (p *Poly) Poly() *geometry.Poly { return p.poly }

// Transform returns the complete pixel to output polynomial.
func (p *Poly) Transform() geometry.Transform {
	return p.poly.ComposeLinear(p.norm)
}

// OffsetParams adds delta to the polynomial coefficients.
func (p *Poly) OffsetParams(delta []float64) {
	p.poly.Offset(delta)
}

// FreezeErrorScales makes error propagation use the current polynomial from
// now on, so that measurement weights stop depending on the parameters.
func (p *Poly) FreezeErrorScales() {
	p.errorProp = p.poly.Clone()
}

// Jacobian returns the derivative of the current transform at a pixel
// position.
func (p *Poly) Jacobian(at geometry.Point2D) geometry.Linear {
	return p.poly.Jacobian(p.norm.Apply(at)).Compose(p.norm.Jacobian(at))
}

// jacobian returns the derivative used for error propagation at the
// normalized position mid.
func (p *Poly) jacobian(mid geometry.Point2D) geometry.Linear {
	ep := p.poly
	if p.errorProp != nil {
		ep = p.errorProp
	}
	return ep.Jacobian(mid).Compose(p.norm.Jacobian(geometry.Point2D{}))
}

// TransformPosAndErrors applies the mapping and propagates the covariance,
// with the polynomial frozen by FreezeErrorScales if any.
func (p *Poly) TransformPosAndErrors(in geometry.FatPoint) geometry.FatPoint {
	mid := p.norm.Apply(in.Point2D)
	out := geometry.FatPoint{Point2D: p.poly.Apply(mid)}
	out.VX, out.VY, out.VXY = geometry.PropagateErrors(p.jacobian(mid), in)
	return out
}

// ComputeTransformAndDerivatives fills h with the monomials of the
// normalized position: rows [0,n) hold the x coefficients, rows [n,2n) the
// y coefficients.
func (p *Poly) ComputeTransformAndDerivatives(in geometry.FatPoint, h *mat.Dense) geometry.FatPoint {
	mid := p.norm.Apply(in.Point2D)
	mono := make([]float64, p.poly.NTerms())
	p.poly.Monomials(mid, mono)
	n := len(mono)
	for k, m := range mono {
		h.Set(k, 0, m)
		h.Set(k, 1, 0)
		h.Set(n+k, 0, 0)
		h.Set(n+k, 1, m)
	}
	out := geometry.FatPoint{Point2D: p.poly.Apply(mid)}
	out.VX, out.VY, out.VXY = geometry.PropagateErrors(p.jacobian(mid), in)
	return out
}
