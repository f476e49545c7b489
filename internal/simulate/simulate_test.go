package simulate

import (
	"testing"

	"jointastrom/pkg/geometry"
)

func TestGenerate(t *testing.T) {
	p := DefaultParams()
	p.Stars = 150
	s, err := Generate(p)
	if err != nil {
		t.Fatal(err)
	}
	a := s.Association
	if len(a.Exposures) != p.Visits*p.Chips {
		t.Fatalf("%d exposures, want %d", len(a.Exposures), p.Visits*p.Chips)
	}
	if len(s.TrueStars) != len(a.Stars) {
		t.Fatalf("%d true positions for %d stars", len(s.TrueStars), len(a.Stars))
	}
	for _, st := range a.Stars {
		if st.MeasurementCount < 2 {
			t.Fatalf("star observed %d times", st.MeasurementCount)
		}
	}
	if a.ReferencedStarCount() == 0 || a.ReferencedStarCount() != len(a.RefStars) {
		t.Fatalf("%d referenced stars for %d reference stars", a.ReferencedStarCount(), len(a.RefStars))
	}
	if a.NBands() != p.Bands {
		t.Fatalf("%d bands, want %d", a.NBands(), p.Bands)
	}
	for _, e := range a.Exposures {
		for _, m := range e.Measurements {
			if !e.Frame.Contains(m.Point2D) && m.Point2D.Distance(e.Frame.Center()) > 2*e.Frame.Height {
				t.Fatalf("measurement %v far outside %v", m.Point2D, e.Frame)
			}
		}
	}
}

func TestGenerateIsReproducible(t *testing.T) {
	p := DefaultParams()
	p.Stars = 50
	s1, err := Generate(p)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := Generate(p)
	if err != nil {
		t.Fatal(err)
	}
	if len(s1.Association.Stars) != len(s2.Association.Stars) {
		t.Fatal("different star counts for the same seed")
	}
	for i, st := range s1.Association.Stars {
		if st.Pos != s2.Association.Stars[i].Pos {
			t.Fatalf("star %d differs: %v vs %v", i, st.Pos, s2.Association.Stars[i].Pos)
		}
	}
}

func TestInvert(t *testing.T) {
	tr := visitTruth{rot: geometry.Rotation(0.01), amplitude: 1e-3, halfField: 0.05, offset: geometry.Point2D{X: 0.001}}
	target := geometry.Point2D{X: 0.02, Y: -0.01}
	p, ok := invert(tr, target, geometry.Point2D{})
	if !ok {
		t.Fatal("no convergence")
	}
	if d := tr.Apply(p).Distance(target); d > 1e-12 {
		t.Fatalf("inverse misses the target by %g", d)
	}

	if _, err := Generate(Params{}); err == nil {
		t.Fatal("empty parameters accepted")
	}
}
