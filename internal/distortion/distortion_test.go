package distortion

import (
	"bytes"
	"errors"
	"io"
	"log"
	"math"
	"strings"
	"testing"

	"jointastrom/internal/mapping"
	"jointastrom/internal/survey"
	"jointastrom/pkg/geometry"
)

const pixScale = 5e-5 // degrees per pixel

func chipTransform(chip int) geometry.Linear {
	return geometry.Linear{A: pixScale, D: pixScale, TX: float64(chip) * 0.012, TY: -0.005}
}

// buildAssociation returns visits x chips exposures, all with a 100x200 frame.
func buildAssociation(visits, chips []int) *survey.Association {
	a := &survey.Association{}
	for _, v := range visits {
		for _, c := range chips {
			a.AddExposure(&survey.Exposure{
				Chip:              c,
				Visit:             v,
				Frame:             geometry.NewFrame(0, 0, 100, 200),
				PixToTangentPlane: chipTransform(c),
			})
		}
	}
	return a
}

func quietOptions() Options {
	opts := DefaultOptions()
	opts.VisitDegree = 2
	opts.Logger = log.New(io.Discard, "", 0)
	return opts
}

func newModel(t *testing.T, a *survey.Association) *ConstrainedPolyModel {
	t.Helper()
	m, err := NewConstrainedPolyModel(a, NewCommonTangentPoint(geometry.Point2D{X: 150, Y: 2}), quietOptions())
	if err != nil {
		t.Fatalf("NewConstrainedPolyModel: %v", err)
	}
	return m
}

func TestParseMask(t *testing.T) {
	tests := []struct {
		in   string
		want Mask
	}{
		{"Distortions", Mask{Chips: true, Visits: true}},
		{"DistortionsChip Positions", Mask{Chips: true, Positions: true}},
		{"DistortionsVisit", Mask{Visits: true}},
		{"DistortionsChip DistortionsVisit", Mask{Chips: true, Visits: true}},
		{"Positions Refrac PM", Mask{Positions: true, Refraction: true, ProperMotion: true}},
		{"", Mask{}},
	}
	for _, tc := range tests {
		got, err := ParseMask(tc.in)
		if err != nil {
			t.Fatalf("ParseMask(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseMask(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
	if _, err := ParseMask("Distortions Bogus"); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("unknown token error %v", err)
	}
	if s := (Mask{Chips: true, Visits: true, Positions: true}).String(); s != "Distortions Positions" {
		t.Fatalf("String() = %q", s)
	}
}

func TestConstructionSeedsReferenceChips(t *testing.T) {
	m := newModel(t, buildAssociation([]int{10, 20}, []int{0, 1}))

	if got := m.Chips(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("Chips() = %v", got)
	}
	if got := m.Visits(); len(got) != 2 || got[0] != 10 || got[1] != 20 {
		t.Fatalf("Visits() = %v", got)
	}
	// two cubic chips (2*10 each) and one quadratic visit (2*6)
	if n := m.TotalParameters(); n != 52 {
		t.Fatalf("TotalParameters() = %d, want 52", n)
	}

	ct, err := m.ChipTransform(1)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range []geometry.Point2D{{X: 0, Y: 0}, {X: 37, Y: 150}, {X: 100, Y: 200}} {
		got := ct.Apply(p)
		want := chipTransform(1).Apply(p)
		if math.Abs(got.X-want.X) > 1e-12 || math.Abs(got.Y-want.Y) > 1e-12 {
			t.Fatalf("chip transform at %v: %v, want %v", p, got, want)
		}
	}

	vt, err := m.VisitTransform(10)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := vt.(geometry.Linear); !ok {
		t.Fatalf("reference visit transform is %T", vt)
	}

	if _, err := m.ChipTransform(99); err == nil || !strings.Contains(err.Error(), "No such chipId: 99") {
		t.Fatalf("unknown chip error %v", err)
	}
	if _, err := m.VisitTransform(7); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("unknown visit error %v", err)
	}
}

func TestMissingReferenceChipFallsBack(t *testing.T) {
	a := buildAssociation([]int{10}, []int{0})
	a.AddExposure(&survey.Exposure{Chip: 5, Visit: 20, Frame: geometry.NewFrame(0, 0, 100, 200)})

	var buf bytes.Buffer
	opts := quietOptions()
	opts.Logger = log.New(&buf, "", 0)
	m, err := NewConstrainedPolyModel(a, NewCommonTangentPoint(geometry.Point2D{}), opts)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "chip 5") {
		t.Fatalf("no warning logged: %q", buf.String())
	}
	if m.Mapping(a.Exposures[1]) == nil {
		t.Fatal("exposure without mapping")
	}
}

func TestAssignIndicesLayout(t *testing.T) {
	a := buildAssociation([]int{10, 20}, []int{0, 1})
	m := newModel(t, a)

	next, err := m.AssignIndices(5, Mask{Chips: true, Visits: true})
	if err != nil {
		t.Fatal(err)
	}
	if next != 5+52 {
		t.Fatalf("next index %d, want %d", next, 5+52)
	}

	// visit 20, chip 1: chip block after chip 0, visit block after chips
	e := a.Exposures[3]
	idx := m.Mapping(e).Indices(nil)
	if len(idx) != 32 || idx[0] != 25 || idx[19] != 44 || idx[20] != 45 || idx[31] != 56 {
		t.Fatalf("indices %v", idx)
	}
	if m.NPar(a.Exposures[0]) != 20 {
		t.Fatalf("reference visit exposure has %d parameters, want 20", m.NPar(a.Exposures[0]))
	}

	if _, err := m.AssignIndices(0, Mask{Positions: true}); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("mask without distortions: %v", err)
	}
}

func snapshot(p *mapping.Pool) [][]float64 {
	var out [][]float64
	for i := 0; i < p.Len(); i++ {
		if pm, ok := p.Get(mapping.Handle(i)).(*mapping.Poly); ok {
			out = append(out, pm.Poly().Coefficients())
		} else {
			out = append(out, nil)
		}
	}
	return out
}

func equalSnapshots(a, b [][]float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if len(a[i]) != len(b[i]) {
			return false
		}
		for j := range a[i] {
			if a[i][j] != b[i][j] {
				return false
			}
		}
	}
	return true
}

func TestChipOnlyLeavesVisitsUnchanged(t *testing.T) {
	m := newModel(t, buildAssociation([]int{10, 20, 30}, []int{0, 1, 2}))

	mask, err := ParseMask("DistortionsChip")
	if err != nil {
		t.Fatal(err)
	}
	n, err := m.AssignIndices(0, mask)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3*20 {
		t.Fatalf("chip-only parameter count %d, want 60", n)
	}

	visitsBefore := snapshot(&m.visits)
	chipsBefore := snapshot(&m.chips)
	delta := make([]float64, n)
	for i := range delta {
		delta[i] = 1e-3
	}
	m.OffsetParams(delta)
	if !equalSnapshots(visitsBefore, snapshot(&m.visits)) {
		t.Fatal("visit parameters moved in a chip-only step")
	}
	if equalSnapshots(chipsBefore, snapshot(&m.chips)) {
		t.Fatal("chip parameters did not move")
	}
}

func TestZeroDeltaIsNoOp(t *testing.T) {
	m := newModel(t, buildAssociation([]int{10, 20}, []int{0, 1}))
	for _, s := range []string{"Distortions", "DistortionsChip", "DistortionsVisit"} {
		mask, _ := ParseMask(s)
		n, err := m.AssignIndices(0, mask)
		if err != nil {
			t.Fatal(err)
		}
		chips, visits := snapshot(&m.chips), snapshot(&m.visits)
		m.OffsetParams(make([]float64, n))
		if !equalSnapshots(chips, snapshot(&m.chips)) || !equalSnapshots(visits, snapshot(&m.visits)) {
			t.Fatalf("mask %q: zero delta changed parameters", s)
		}
	}
}

func TestProduceApproximateWcs(t *testing.T) {
	a := buildAssociation([]int{10, 20}, []int{0, 1})
	m := newModel(t, a)
	if _, err := m.AssignIndices(0, Mask{Chips: true, Visits: true}); err != nil {
		t.Fatal(err)
	}
	// distort visit 20 a little
	delta := make([]float64, m.TotalParameters())
	delta[40+4] = 1e-4 // xy term of x'
	m.OffsetParams(delta)

	e := a.Exposures[3]
	wcs := m.ProduceApproximateWcs(e)
	if wcs == nil {
		t.Fatal("no WCS produced")
	}
	c := m.Mapping(e).(*mapping.Composed)
	tr := c.Transform()
	for _, p := range []geometry.Point2D{{X: 3, Y: 4}, {X: 50, Y: 100}, {X: 99, Y: 190}} {
		got := wcs.PixelToTangentPlane(p)
		want := tr.Apply(p)
		if math.Abs(got.X-want.X) > 1e-10 || math.Abs(got.Y-want.Y) > 1e-10 {
			t.Fatalf("WCS at %v: %v, want %v", p, got, want)
		}
	}
	if tp := wcs.TangentPoint; tp.X != 150 || tp.Y != 2 {
		t.Fatalf("tangent point %v", tp)
	}

	flat, err := NewConstrainedPolyModel(a, identityProjection{}, quietOptions())
	if err != nil {
		t.Fatal(err)
	}
	if flat.ProduceApproximateWcs(e) != nil {
		t.Fatal("WCS produced without a gnomonic projection")
	}
}

type identityProjection struct{}

func (identityProjection) SkyToTangentPlane(*survey.Exposure) geometry.Transform {
	return geometry.Identity()
}
