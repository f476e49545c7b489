package distortion

import (
	"fmt"
	"log"
	"sort"

	"jointastrom/internal/mapping"
	"jointastrom/internal/survey"
	"jointastrom/pkg/geometry"
)

// Options configures a ConstrainedPolyModel.
type Options struct {
	ChipDegree  int
	VisitDegree int
	Logger      *log.Logger
}

// DefaultOptions returns cubic chip and visit polynomials.
func DefaultOptions() Options {
	return Options{ChipDegree: 3, VisitDegree: 3}
}

// ConstrainedPolyModel maps the pixels of an exposure to the tangent plane
// through a per-chip polynomial followed by a per-visit polynomial. Chip
// mappings are shared by all visits and visit mappings by all chips, so a
// survey of V visits and C chips has C+V mappings rather than C*V.
//
// The first visit is the reference: its visit mapping is the identity and
// its chips are seeded from their a-priori pixel to tangent-plane
// transforms.
type ConstrainedPolyModel struct {
	chips  mapping.Pool
	visits mapping.Pool

	chipHandles  map[int]mapping.Handle
	visitHandles map[int]mapping.Handle
	exposures    map[*survey.Exposure]*mapping.Composed

	proj   ProjectionHandler
	mask   Mask
	logger *log.Logger
}

// NewConstrainedPolyModel builds the mappings of every exposure of a.
func NewConstrainedPolyModel(a *survey.Association, proj ProjectionHandler, opts Options) (*ConstrainedPolyModel, error) {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.ChipDegree < 1 || opts.VisitDegree < 1 {
		return nil, fmt.Errorf("polynomial degrees %d/%d: %w", opts.ChipDegree, opts.VisitDegree, ErrInvalidParameter)
	}
	if len(a.Exposures) == 0 {
		return nil, fmt.Errorf("no exposures: %w", ErrInvalidParameter)
	}

	m := &ConstrainedPolyModel{
		chipHandles:  make(map[int]mapping.Handle),
		visitHandles: make(map[int]mapping.Handle),
		exposures:    make(map[*survey.Exposure]*mapping.Composed),
		proj:         proj,
		logger:       opts.Logger,
	}

	refVisit := a.Exposures[0].Visit
	normalized := geometry.NewFrame(-1, -1, 2, 2)
	for _, e := range a.Exposures {
		if _, ok := m.visitHandles[e.Visit]; !ok {
			if e.Visit == refVisit {
				m.visitHandles[e.Visit] = m.visits.Add(mapping.NewFixed(geometry.Identity()))
			} else {
				m.visitHandles[e.Visit] = m.visits.Add(mapping.NewPoly(geometry.Identity(), geometry.NewPoly(opts.VisitDegree)))
			}
		}
		if e.Visit != refVisit {
			continue
		}
		if _, ok := m.chipHandles[e.Chip]; ok {
			continue
		}
		norm := geometry.NormalizeFrame(e.Frame)
		inv, ok := norm.Inverse()
		if !ok || e.PixToTangentPlane == nil {
			return nil, fmt.Errorf("exposure %s: degenerate frame or missing pixel transform: %w", e, ErrInvalidParameter)
		}
		q, err := geometry.FitPoly(geometry.Chain{First: inv, Then: e.PixToTangentPlane}, normalized, opts.ChipDegree)
		if err != nil {
			return nil, fmt.Errorf("exposure %s: seeding chip %d: %w", e, e.Chip, err)
		}
		m.chipHandles[e.Chip] = m.chips.Add(mapping.NewPoly(norm, q))
	}

	for _, e := range a.Exposures {
		ch, ok := m.chipHandles[e.Chip]
		if !ok {
			m.logger.Printf("ConstrainedPolyModel: chip %d is not in the reference visit %d, using a default transform", e.Chip, refVisit)
			ch = m.chips.Add(mapping.NewPoly(geometry.NormalizeFrame(e.Frame), geometry.NewPoly(opts.ChipDegree)))
			m.chipHandles[e.Chip] = ch
		}
		m.exposures[e] = mapping.NewComposed(&m.chips, ch, &m.visits, m.visitHandles[e.Visit])
	}
	return m, nil
}

// AssignIndices gives the chip mappings, then the visit mappings, contiguous
// index ranges starting at first, according to which sides mask selects.
// The reference visit has no parameters.
func (m *ConstrainedPolyModel) AssignIndices(first int, mask Mask) (int, error) {
	if !mask.Distortions() {
		return first, fmt.Errorf("mask %q does not fit distortions: %w", mask, ErrInvalidParameter)
	}
	if err := checkKinds(&m.chips, mask.Chips, false); err != nil {
		return first, fmt.Errorf("chip pool: %w", err)
	}
	if err := checkKinds(&m.visits, mask.Visits, true); err != nil {
		return first, fmt.Errorf("visit pool: %w", err)
	}

	m.chips.ClearOffsets()
	m.visits.ClearOffsets()
	index := first
	if mask.Chips {
		index = layout(&m.chips, index)
	}
	if mask.Visits {
		index = layout(&m.visits, index)
	}
	for _, c := range m.exposures {
		c.SetWhatToFit(mask.Chips, mask.Visits)
	}
	m.mask = mask
	return index, nil
}

func checkKinds(p *mapping.Pool, fitted, allowFixed bool) error {
	if !fitted {
		return nil
	}
	for i := 0; i < p.Len(); i++ {
		switch k := p.Get(mapping.Handle(i)).Kind(); k {
		case mapping.KindPoly:
		case mapping.KindFixed:
			if !allowFixed {
				return fmt.Errorf("mapping %d is %s: %w", i, k, ErrInvalidParameter)
			}
		default:
			return fmt.Errorf("mapping %d is %s: %w", i, k, ErrInvalidParameter)
		}
	}
	return nil
}

func layout(p *mapping.Pool, index int) int {
	for i := 0; i < p.Len(); i++ {
		h := mapping.Handle(i)
		if p.Get(h).Kind() != mapping.KindPoly {
			continue
		}
		p.SetOffset(h, index)
		index += p.Get(h).NPar()
	}
	return index
}

// OffsetParams adds delta to the parameters of the mappings laid out by the
// last AssignIndices.
func (m *ConstrainedPolyModel) OffsetParams(delta []float64) {
	if m.mask.Chips {
		offsetPool(&m.chips, delta)
	}
	if m.mask.Visits {
		offsetPool(&m.visits, delta)
	}
}

func offsetPool(p *mapping.Pool, delta []float64) {
	for i := 0; i < p.Len(); i++ {
		h := mapping.Handle(i)
		off := p.Offset(h)
		if off < 0 {
			continue
		}
		s := p.Get(h)
		s.OffsetParams(delta[off : off+s.NPar()])
	}
}

// Mapping returns the composed mapping of e, or nil for an unknown exposure.
func (m *ConstrainedPolyModel) Mapping(e *survey.Exposure) mapping.Mapping {
	c, ok := m.exposures[e]
	if !ok {
		return nil
	}
	return c
}

// NPar returns the number of fitted parameters of e's mapping.
func (m *ConstrainedPolyModel) NPar(e *survey.Exposure) int {
	c, ok := m.exposures[e]
	if !ok {
		return 0
	}
	return c.NPar()
}

// TotalParameters returns the parameter count of all mappings, fitted or not.
func (m *ConstrainedPolyModel) TotalParameters() int {
	n := 0
	for i := 0; i < m.chips.Len(); i++ {
		n += m.chips.Get(mapping.Handle(i)).NPar()
	}
	for i := 0; i < m.visits.Len(); i++ {
		n += m.visits.Get(mapping.Handle(i)).NPar()
	}
	return n
}

func (m *ConstrainedPolyModel) SkyToTangentPlane(e *survey.Exposure) geometry.Transform {
	return m.proj.SkyToTangentPlane(e)
}

// FreezeErrorScales freezes the error propagation of every mapping.
func (m *ConstrainedPolyModel) FreezeErrorScales() {
	for i := 0; i < m.chips.Len(); i++ {
		m.chips.Get(mapping.Handle(i)).FreezeErrorScales()
	}
	for i := 0; i < m.visits.Len(); i++ {
		m.visits.Get(mapping.Handle(i)).FreezeErrorScales()
	}
}

// Chips returns the known chip ids in increasing order.
func (m *ConstrainedPolyModel) Chips() []int { return sortedKeys(m.chipHandles) }

// Visits returns the known visit ids in increasing order.
func (m *ConstrainedPolyModel) Visits() []int { return sortedKeys(m.visitHandles) }

func sortedKeys(h map[int]mapping.Handle) []int {
	ids := make([]int, 0, len(h))
	for id := range h {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ChipTransform returns the current pixel to intermediate transform of a
// chip.
func (m *ConstrainedPolyModel) ChipTransform(chip int) (geometry.Transform, error) {
	h, ok := m.chipHandles[chip]
	if !ok {
		return nil, fmt.Errorf("No such chipId: %d among %v: %w", chip, m.Chips(), ErrInvalidParameter)
	}
	return m.chips.Get(h).Transform(), nil
}

// VisitTransform returns the current intermediate to tangent-plane
// transform of a visit.
func (m *ConstrainedPolyModel) VisitTransform(visit int) (geometry.Transform, error) {
	h, ok := m.visitHandles[visit]
	if !ok {
		return nil, fmt.Errorf("No such visitId: %d among %v: %w", visit, m.Visits(), ErrInvalidParameter)
	}
	return m.visits.Get(h).Transform(), nil
}

func asPoly(t geometry.Transform) (*geometry.Poly, bool) {
	switch v := t.(type) {
	case *geometry.Poly:
		return v, true
	case geometry.Linear:
		return geometry.NewPolyFromLinear(v), true
	default:
		return nil, false
	}
}

// ProduceApproximateWcs folds the chip and visit polynomials and the
// projection's linear part into a TAN-SIP WCS. It returns nil when e is
// unknown or its mappings are not polynomial.
func (m *ConstrainedPolyModel) ProduceApproximateWcs(e *survey.Exposure) *geometry.TanSip {
	c, ok := m.exposures[e]
	if !ok {
		return nil
	}
	chip, ok1 := asPoly(c.Chip().Transform())
	visit, ok2 := asPoly(c.Visit().Transform())
	proj, ok3 := m.proj.SkyToTangentPlane(e).(*geometry.Gnomonic)
	if !ok1 || !ok2 || !ok3 {
		return nil
	}
	pix2TP := geometry.Compose(visit, chip)

	// the projection's linear part is normally the identity
	linInv, ok := proj.LinPart.Inverse()
	if !ok {
		return nil
	}
	wcsPix2TP := pix2TP.ThenLinear(linInv)
	cd := wcsPix2TP.LinearApproximation(e.Frame.Center())
	cdInv, ok := cd.Inverse()
	if !ok {
		return nil
	}
	return &geometry.TanSip{
		CD:           cd,
		TangentPoint: proj.TangentPoint(),
		SIP:          wcsPix2TP.ThenLinear(cdInv),
	}
}
