package mapping

import (
	"math"
	"testing"

	"jointastrom/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func testPoly(degree int) *Poly {
	q := geometry.NewPoly(degree)
	c := q.Coefficients()
	for i := range c {
		c[i] += 0.01 * float64(i%5)
	}
	if err := q.SetCoefficients(c); err != nil {
		panic(err)
	}
	return NewPoly(geometry.NormalizeFrame(geometry.NewFrame(0, 0, 200, 100)), q)
}

// numericParamDerivs perturbs each parameter and measures the output move.
func numericParamDerivs(s Simple, in geometry.FatPoint, npar int) *mat.Dense {
	const eps = 1e-6
	h := mat.NewDense(npar, 2, nil)
	delta := make([]float64, npar)
	for k := 0; k < npar; k++ {
		delta[k] = eps
		s.OffsetParams(delta)
		plus := s.TransformPosAndErrors(in)
		delta[k] = -2 * eps
		s.OffsetParams(delta)
		minus := s.TransformPosAndErrors(in)
		delta[k] = eps
		s.OffsetParams(delta)
		delta[k] = 0
		h.Set(k, 0, (plus.X-minus.X)/(2*eps))
		h.Set(k, 1, (plus.Y-minus.Y)/(2*eps))
	}
	return h
}

func TestPolyDerivatives(t *testing.T) {
	p := testPoly(3)
	in := geometry.NewFatPoint(120, 30, 0.1)
	h := mat.NewDense(p.NPar(), 2, nil)
	out := p.ComputeTransformAndDerivatives(in, h)
	plain := p.TransformPosAndErrors(in)
	if out != plain {
		t.Fatalf("derivative path %v differs from plain transform %v", out, plain)
	}
	want := numericParamDerivs(p, in, p.NPar())
	for k := 0; k < p.NPar(); k++ {
		for j := 0; j < 2; j++ {
			if !near(h.At(k, j), want.At(k, j), 1e-6) {
				t.Fatalf("h(%d,%d)=%g, numeric %g", k, j, h.At(k, j), want.At(k, j))
			}
		}
	}
}

func TestPolyTransformMatchesComposition(t *testing.T) {
	p := testPoly(2)
	in := geometry.Point2D{X: 17, Y: 81}
	got := p.Transform().Apply(in)
	want := p.TransformPosAndErrors(geometry.FatPoint{Point2D: in})
	if !near(got.X, want.X, 1e-9) || !near(got.Y, want.Y, 1e-9) {
		t.Fatalf("Transform %v, TransformPosAndErrors %v", got, want.Point2D)
	}
}

func TestFreezeErrorScales(t *testing.T) {
	p := testPoly(1)
	in := geometry.NewFatPoint(50, 50, 1)
	p.FreezeErrorScales()
	before := p.TransformPosAndErrors(in)
	delta := make([]float64, p.NPar())
	delta[1] = 0.5 // x' gains 0.5*x
	p.OffsetParams(delta)
	after := p.TransformPosAndErrors(in)
	if after.VX != before.VX || after.VY != before.VY {
		t.Fatalf("errors moved after freeze: %v -> %v", before, after)
	}
	if after.X == before.X {
		t.Fatal("position did not move")
	}
}

func TestComposedDerivativesAndIndices(t *testing.T) {
	var chips, visits Pool
	ch := chips.Add(testPoly(2))
	vh := visits.Add(NewPoly(geometry.Identity(), geometry.NewPoly(1)))
	chips.SetOffset(ch, 10)
	visits.SetOffset(vh, 40)
	c := NewComposed(&chips, ch, &visits, vh)

	n1 := chips.Get(ch).NPar()
	n2 := visits.Get(vh).NPar()
	if c.NPar() != n1+n2 {
		t.Fatalf("NPar %d, want %d", c.NPar(), n1+n2)
	}
	idx := c.Indices(nil)
	if len(idx) != n1+n2 || idx[0] != 10 || idx[n1-1] != 10+n1-1 || idx[n1] != 40 {
		t.Fatalf("indices %v", idx)
	}

	in := geometry.NewFatPoint(70, 20, 0.05)
	h := mat.NewDense(c.NPar(), 2, nil)
	c.ComputeTransformAndDerivatives(in, h)

	const eps = 1e-6
	check := func(s Simple, row0, n int) {
		delta := make([]float64, n)
		for k := 0; k < n; k++ {
			delta[k] = eps
			s.OffsetParams(delta)
			plus := c.TransformPosAndErrors(in)
			delta[k] = -2 * eps
			s.OffsetParams(delta)
			minus := c.TransformPosAndErrors(in)
			delta[k] = eps
			s.OffsetParams(delta)
			delta[k] = 0
			dx := (plus.X - minus.X) / (2 * eps)
			dy := (plus.Y - minus.Y) / (2 * eps)
			if !near(h.At(row0+k, 0), dx, 1e-6) || !near(h.At(row0+k, 1), dy, 1e-6) {
				t.Fatalf("row %d: got (%g,%g) numeric (%g,%g)", row0+k, h.At(row0+k, 0), h.At(row0+k, 1), dx, dy)
			}
		}
	}
	check(chips.Get(ch), 0, n1)
	check(visits.Get(vh), n1, n2)
}

func TestComposedSelectiveFit(t *testing.T) {
	var chips, visits Pool
	ch := chips.Add(testPoly(2))
	vh := visits.Add(NewPoly(geometry.Identity(), geometry.NewPoly(1)))
	chips.SetOffset(ch, 0)
	visits.SetOffset(vh, 12)
	c := NewComposed(&chips, ch, &visits, vh)

	c.SetWhatToFit(false, true)
	if c.NPar() != 6 {
		t.Fatalf("visit-only NPar %d, want 6", c.NPar())
	}
	if idx := c.Indices(nil); idx[0] != 12 {
		t.Fatalf("visit-only indices %v", idx)
	}

	c.SetWhatToFit(true, false)
	if c.NPar() != 12 {
		t.Fatalf("chip-only NPar %d, want 12", c.NPar())
	}

	fixed := visits.Add(NewFixed(geometry.Identity()))
	c2 := NewComposed(&chips, ch, &visits, fixed)
	if c2.NPar() != 12 {
		t.Fatalf("NPar with fixed visit %d, want 12", c2.NPar())
	}
	if c2.Visit().Kind() != KindFixed || c2.Kind() != KindComposed {
		t.Fatal("kinds not reported")
	}
}
