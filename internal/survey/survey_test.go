package survey

import (
	"testing"

	"jointastrom/pkg/geometry"
)

func TestMeasurementBookkeeping(t *testing.T) {
	var a Association
	e := &Exposure{Chip: 3, Visit: 7, Band: 2}
	a.AddExposure(e)
	s := &Star{}
	a.AddStar(s)

	m1 := a.AddMeasurement(e, geometry.NewFatPoint(1, 2, 0.01), s)
	a.AddMeasurement(e, geometry.NewFatPoint(3, 4, 0.01), s)
	if s.MeasurementCount != 2 {
		t.Fatalf("measurement count %d, want 2", s.MeasurementCount)
	}
	if a.ValidMeasurementCount() != 2 {
		t.Fatalf("valid count %d, want 2", a.ValidMeasurementCount())
	}

	m1.Invalidate()
	m1.Invalidate()
	if m1.Valid() {
		t.Fatal("measurement still valid")
	}
	if s.MeasurementCount != 1 {
		t.Fatalf("measurement count %d after invalidation, want 1", s.MeasurementCount)
	}
	if a.ValidMeasurementCount() != 1 {
		t.Fatalf("valid count %d, want 1", a.ValidMeasurementCount())
	}
	if a.NBands() != 3 {
		t.Fatalf("NBands %d, want 3", a.NBands())
	}
}

func TestAddRefStarLinks(t *testing.T) {
	var a Association
	s1, s2 := &Star{}, &Star{}
	a.AddStar(s1)
	a.AddStar(s2)
	a.AddRefStar(&RefStar{FatPoint: geometry.NewFatPoint(10, 20, 1e-8)}, s2)
	if s1.Ref != nil || s2.Ref == nil {
		t.Fatal("reference link not set on the right star")
	}
	if a.ReferencedStarCount() != 1 {
		t.Fatalf("referenced stars %d, want 1", a.ReferencedStarCount())
	}
}
