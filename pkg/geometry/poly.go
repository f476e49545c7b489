package geometry

import "fmt"

// Poly is a 2D polynomial transform of a given total degree:
//
//	x' = sum_k ax_k * x^i(k) * y^j(k)
//	y' = sum_k ay_k * x^i(k) * y^j(k)
//
// Terms are ordered by increasing total degree, then by increasing power of
// y: 1, x, y, x^2, xy, y^2, x^3, ...
type Poly struct {
	degree int
	nterms int
	coeffs []float64 // ax_0..ax_{n-1}, ay_0..ay_{n-1}
}

// NPolyTerms returns the number of monomials of a 2D polynomial of the given
// total degree.
func NPolyTerms(degree int) int {
	return (degree + 1) * (degree + 2) / 2
}

func termIndex(ix, iy int) int {
	p := ix + iy
	return p*(p+1)/2 + iy
}

// NewPoly returns an identity polynomial transform of the given degree.
func NewPoly(degree int) *Poly {
	if degree < 1 {
		degree = 1
	}
	n := NPolyTerms(degree)
	p := &Poly{degree: degree, nterms: n, coeffs: make([]float64, 2*n)}
	p.coeffs[termIndex(1, 0)] = 1
	p.coeffs[n+termIndex(0, 1)] = 1
	return p
}

// NewPolyFromLinear returns the degree-1 polynomial equal to l.
func NewPolyFromLinear(l Linear) *Poly {
	p := NewPoly(1)
	n := p.nterms
	p.coeffs[0], p.coeffs[1], p.coeffs[2] = l.TX, l.A, l.B
	p.coeffs[n], p.coeffs[n+1], p.coeffs[n+2] = l.TY, l.C, l.D
	return p
}

// Degree returns the total degree.
func (p *Poly) Degree() int { return p.degree }

// NTerms returns the number of monomials per output coordinate.
func (p *Poly) NTerms() int { return p.nterms }

// NPar returns the number of coefficients.
func (p *Poly) NPar() int { return 2 * p.nterms }

// Coefficients returns a copy of the coefficients, x' terms first.
func (p *Poly) Coefficients() []float64 {
	return append([]float64(nil), p.coeffs...)
}

// SetCoefficients replaces all coefficients.
func (p *Poly) SetCoefficients(c []float64) error {
	if len(c) != len(p.coeffs) {
		return fmt.Errorf("poly degree %d expects %d coefficients, got %d", p.degree, len(p.coeffs), len(c))
	}
	copy(p.coeffs, c)
	return nil
}

// Clone returns a deep copy.
func (p *Poly) Clone() *Poly {
	return &Poly{degree: p.degree, nterms: p.nterms, coeffs: p.Coefficients()}
}

// Offset adds delta to the coefficients.
func (p *Poly) Offset(delta []float64) {
	for i := range p.coeffs {
		p.coeffs[i] += delta[i]
	}
}

// Monomials fills dst (length NTerms) with the monomial values at a point.
// They are the derivatives of x' (resp. y') with respect to the x' (resp. y')
// coefficients.
func (p *Poly) Monomials(at Point2D, dst []float64) {
	xp := make([]float64, p.degree+1)
	yp := make([]float64, p.degree+1)
	xp[0], yp[0] = 1, 1
	for i := 1; i <= p.degree; i++ {
		xp[i] = xp[i-1] * at.X
		yp[i] = yp[i-1] * at.Y
	}
	k := 0
	for deg := 0; deg <= p.degree; deg++ {
		for iy := 0; iy <= deg; iy++ {
			dst[k] = xp[deg-iy] * yp[iy]
			k++
		}
	}
}

// Apply applies the polynomial to a point.
func (p *Poly) Apply(at Point2D) Point2D {
	mono := make([]float64, p.nterms)
	p.Monomials(at, mono)
	var x, y float64
	for k, m := range mono {
		x += p.coeffs[k] * m
		y += p.coeffs[p.nterms+k] * m
	}
	return Point2D{X: x, Y: y}
}

// Jacobian returns the analytic derivative of the transform at a point.
func (p *Poly) Jacobian(at Point2D) Linear {
	xp := make([]float64, p.degree+1)
	yp := make([]float64, p.degree+1)
	xp[0], yp[0] = 1, 1
	for i := 1; i <= p.degree; i++ {
		xp[i] = xp[i-1] * at.X
		yp[i] = yp[i-1] * at.Y
	}
	var j Linear
	for deg := 1; deg <= p.degree; deg++ {
		for iy := 0; iy <= deg; iy++ {
			ix := deg - iy
			k := termIndex(ix, iy)
			ax, ay := p.coeffs[k], p.coeffs[p.nterms+k]
			if ix > 0 {
				d := float64(ix) * xp[ix-1] * yp[iy]
				j.A += ax * d
				j.C += ay * d
			}
			if iy > 0 {
				d := float64(iy) * xp[ix] * yp[iy-1]
				j.B += ax * d
				j.D += ay * d
			}
		}
	}
	return j
}

// LinearApproximation returns the affine transform tangent to p at a point.
func (p *Poly) LinearApproximation(at Point2D) Linear {
	j := p.Jacobian(at)
	v := p.Apply(at)
	j.TX = v.X - (j.A*at.X + j.B*at.Y)
	j.TY = v.Y - (j.C*at.X + j.D*at.Y)
	return j
}

// bipoly holds the coefficients of a scalar polynomial on a square
// (deg+1)x(deg+1) grid indexed by the powers of x and y.
type bipoly struct {
	deg int
	c   []float64
}

func newBipoly(deg int) bipoly {
	return bipoly{deg: deg, c: make([]float64, (deg+1)*(deg+1))}
}

func (b bipoly) at(ix, iy int) float64 { return b.c[ix*(b.deg+1)+iy] }

func (b bipoly) add(ix, iy int, v float64) { b.c[ix*(b.deg+1)+iy] += v }

func (p *Poly) component(axis int) bipoly {
	b := newBipoly(p.degree)
	for deg := 0; deg <= p.degree; deg++ {
		for iy := 0; iy <= deg; iy++ {
			b.add(deg-iy, iy, p.coeffs[axis*p.nterms+termIndex(deg-iy, iy)])
		}
	}
	return b
}

func mulBipoly(a, b bipoly) bipoly {
	r := newBipoly(a.deg + b.deg)
	for ia := 0; ia <= a.deg; ia++ {
		for ja := 0; ja+ia <= a.deg; ja++ {
			va := a.at(ia, ja)
			if va == 0 {
				continue
			}
			for ib := 0; ib <= b.deg; ib++ {
				for jb := 0; jb+ib <= b.deg; jb++ {
					if vb := b.at(ib, jb); vb != 0 {
						r.add(ia+ib, ja+jb, va*vb)
					}
				}
			}
		}
	}
	return r
}

// Compose returns the polynomial outer(inner(.)), of degree
// outer.Degree()*inner.Degree().
func Compose(outer, inner *Poly) *Poly {
	deg := outer.degree * inner.degree
	px := inner.component(0)
	py := inner.component(1)

	one := newBipoly(0)
	one.c[0] = 1
	xpow := []bipoly{one}
	ypow := []bipoly{one}
	for i := 1; i <= outer.degree; i++ {
		xpow = append(xpow, mulBipoly(xpow[i-1], px))
		ypow = append(ypow, mulBipoly(ypow[i-1], py))
	}

	res := NewPoly(deg)
	for i := range res.coeffs {
		res.coeffs[i] = 0
	}
	for d := 0; d <= outer.degree; d++ {
		for iy := 0; iy <= d; iy++ {
			ix := d - iy
			k := termIndex(ix, iy)
			ax, ay := outer.coeffs[k], outer.coeffs[outer.nterms+k]
			if ax == 0 && ay == 0 {
				continue
			}
			prod := mulBipoly(xpow[ix], ypow[iy])
			for i := 0; i <= prod.deg; i++ {
				for j := 0; i+j <= prod.deg && i+j <= deg; j++ {
					v := prod.at(i, j)
					if v == 0 {
						continue
					}
					t := termIndex(i, j)
					res.coeffs[t] += ax * v
					res.coeffs[res.nterms+t] += ay * v
				}
			}
		}
	}
	return res
}

// ComposeLinear returns p(l(.)).
func (p *Poly) ComposeLinear(l Linear) *Poly {
	return Compose(p, NewPolyFromLinear(l))
}

// ThenLinear returns l(p(.)).
func (p *Poly) ThenLinear(l Linear) *Poly {
	return Compose(NewPolyFromLinear(l), p)
}
