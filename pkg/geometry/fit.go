package geometry

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// FitPoly computes the polynomial of the given degree that best approximates
// t over a frame, in the least-squares sense on a regular grid of points.
// The fit is done in normalized frame coordinates and re-expressed in the
// input coordinates of t.
func FitPoly(t Transform, frame Frame, degree int) (*Poly, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("cannot fit a polynomial over an empty frame")
	}
	norm := NormalizeFrame(frame)
	inv, ok := norm.Inverse()
	if !ok {
		return nil, fmt.Errorf("degenerate frame %+v", frame)
	}

	q := NewPoly(degree)
	nterms := q.NTerms()
	nside := degree + 3
	n := nside * nside

	// Build overdetermined system
	A := mat.NewDense(n, nterms, nil)
	bx := mat.NewVecDense(n, nil)
	by := mat.NewVecDense(n, nil)
	mono := make([]float64, nterms)
	row := 0
	for i := 0; i < nside; i++ {
		for j := 0; j < nside; j++ {
			u := Point2D{
				X: -1 + 2*float64(i)/float64(nside-1),
				Y: -1 + 2*float64(j)/float64(nside-1),
			}
			q.Monomials(u, mono)
			A.SetRow(row, mono)
			v := t.Apply(inv.Apply(u))
			bx.SetVec(row, v.X)
			by.SetVec(row, v.Y)
			row++
		}
	}

	// Solve using QR decomposition
	var qr mat.QR
	qr.Factorize(A)

	var cx, cy mat.VecDense
	if err := qr.SolveVecTo(&cx, false, bx); err != nil {
		return nil, fmt.Errorf("poly fit x: %w", err)
	}
	if err := qr.SolveVecTo(&cy, false, by); err != nil {
		return nil, fmt.Errorf("poly fit y: %w", err)
	}

	coeffs := make([]float64, 2*nterms)
	for k := 0; k < nterms; k++ {
		coeffs[k] = cx.AtVec(k)
		coeffs[nterms+k] = cy.AtVec(k)
	}
	if err := q.SetCoefficients(coeffs); err != nil {
		return nil, err
	}
	return q.ComposeLinear(norm), nil
}
