// Package survey holds the exposures, measurements and stars that an
// astrometric fit works on.
//
// Geometry is immutable once built; the fit only moves star positions and
// invalidates measurements.
package survey

import (
	"fmt"

	"jointastrom/pkg/geometry"
)

// Measurement is one detection of a star on one exposure. Measurements are
// never removed, only invalidated.
type Measurement struct {
	geometry.FatPoint // pixel position and covariance

	Exposure *Exposure
	Star     *Star

	valid bool
}

// Valid reports whether the measurement takes part in the fit.
func (m *Measurement) Valid() bool { return m.valid }

// Invalidate excludes the measurement from the fit and decrements its star's
// measurement count. Invalidating twice is a no-op.
func (m *Measurement) Invalidate() {
	if !m.valid {
		return
	}
	m.valid = false
	if m.Star != nil {
		m.Star.MeasurementCount--
	}
}

// Exposure is one detector (chip) read out during one visit.
type Exposure struct {
	Name  string
	Chip  int
	Visit int
	Band  int

	// Epoch of observation, in days.
	Epoch float64
	// RefractionVector is the direction of atmospheric refraction in the
	// tangent plane, scaled by the airmass term.
	RefractionVector geometry.Point2D

	Frame geometry.Frame
	// PixToTangentPlane is the a-priori pixel to tangent-plane mapping
	// (degrees), typically derived from the exposure's WCS.
	PixToTangentPlane geometry.Transform

	Measurements []*Measurement
}

func (e *Exposure) String() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("visit %d chip %d", e.Visit, e.Chip)
}

// Star is a fitted object shared by many measurements. Pos is (ra, dec) in
// degrees, proper motions are in degrees per day.
type Star struct {
	Pos       geometry.Point2D
	PMX, PMY  float64
	MightMove bool
	Color     float64
	Mag       float64

	MeasurementCount int
	Ref              *RefStar
}

// RefStar is a reference catalog position with its covariance, in degrees.
type RefStar struct {
	geometry.FatPoint
	Mag float64
}

// Association groups the exposures, stars and reference stars of a fit.
type Association struct {
	Exposures []*Exposure
	Stars     []*Star
	RefStars  []*RefStar
}

// AddExposure appends an exposure.
func (a *Association) AddExposure(e *Exposure) {
	a.Exposures = append(a.Exposures, e)
}

// AddStar appends a fitted star.
func (a *Association) AddStar(s *Star) {
	a.Stars = append(a.Stars, s)
}

// AddRefStar appends a reference star and links it to its fitted star.
func (a *Association) AddRefStar(r *RefStar, s *Star) {
	a.RefStars = append(a.RefStars, r)
	if s != nil {
		s.Ref = r
	}
}

// AddMeasurement records a valid detection of s on e.
func (a *Association) AddMeasurement(e *Exposure, pos geometry.FatPoint, s *Star) *Measurement {
	m := &Measurement{FatPoint: pos, Exposure: e, Star: s, valid: true}
	e.Measurements = append(e.Measurements, m)
	if s != nil {
		s.MeasurementCount++
	}
	return m
}

// NBands returns the number of photometric bands, i.e. the highest band
// index plus one.
func (a *Association) NBands() int {
	n := 0
	for _, e := range a.Exposures {
		if e.Band+1 > n {
			n = e.Band + 1
		}
	}
	return n
}

// ValidMeasurementCount counts the measurements that take part in the fit.
func (a *Association) ValidMeasurementCount() int {
	n := 0
	for _, e := range a.Exposures {
		for _, m := range e.Measurements {
			if m.Valid() {
				n++
			}
		}
	}
	return n
}

// ReferencedStarCount counts the stars linked to a reference star.
func (a *Association) ReferencedStarCount() int {
	n := 0
	for _, s := range a.Stars {
		if s.Ref != nil {
			n++
		}
	}
	return n
}
