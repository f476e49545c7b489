package mapping

import (
	"jointastrom/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// Handle identifies a mapping inside a Pool.
type Handle int

// Pool owns a set of simple mappings and the index of their first parameter
// in the global parameter vector.
type Pool struct {
	items   []Simple
	offsets []int
}

// Add stores m and returns its handle.
func (p *Pool) Add(m Simple) Handle {
	p.items = append(p.items, m)
	p.offsets = append(p.offsets, -1)
	return Handle(len(p.items) - 1)
}

// Get returns the mapping behind h.
func (p *Pool) Get(h Handle) Simple { return p.items[h] }

// Len returns the number of mappings.
func (p *Pool) Len() int { return len(p.items) }

// Offset returns the global index of the first parameter of h, or -1 when
// the mapping is not being fitted.
func (p *Pool) Offset(h Handle) int { return p.offsets[h] }

// SetOffset records the global index of the first parameter of h.
func (p *Pool) SetOffset(h Handle, offset int) { p.offsets[h] = offset }

// ClearOffsets marks every mapping as not fitted.
func (p *Pool) ClearOffsets() {
	for i := range p.offsets {
		p.offsets[i] = -1
	}
}

// Composed is the mapping of one exposure: a chip mapping followed by a
// visit mapping. Either side can be excluded from the fit.
type Composed struct {
	chips, visits *Pool
	chip, visit   Handle

	fitChips, fitVisits bool
}

// NewComposed returns the composition of chips[chip] then visits[visit],
// with both sides fitted.
func NewComposed(chips *Pool, chip Handle, visits *Pool, visit Handle) *Composed {
	return &Composed{chips: chips, visits: visits, chip: chip, visit: visit, fitChips: true, fitVisits: true}
}

// Kind returns KindComposed.
func (c *Composed) Kind() Kind { return KindComposed }

// ChipHandle returns the handle of the chip mapping.
func (c *Composed) ChipHandle() Handle { return c.chip }

// VisitHandle returns the handle of the visit mapping.
func (c *Composed) VisitHandle() Handle { return c.visit }

// Chip returns the chip mapping.
func (c *Composed) Chip() Simple { return c.chips.Get(c.chip) }

// Visit returns the visit mapping.
func (c *Composed) Visit() Simple { return c.visits.Get(c.visit) }

// SetWhatToFit selects which sides contribute parameters.
func (c *Composed) SetWhatToFit(fitChips, fitVisits bool) {
	c.fitChips = fitChips
	c.fitVisits = fitVisits
}

func (c *Composed) nChip() int {
	if !c.fitChips {
		return 0
	}
	return c.Chip().NPar()
}

func (c *Composed) nVisit() int {
	if !c.fitVisits {
		return 0
	}
	return c.Visit().NPar()
}

// NPar returns the number of fitted parameters.
func (c *Composed) NPar() int { return c.nChip() + c.nVisit() }

// Indices appends the global indices of the fitted parameters, chip first.
func (c *Composed) Indices(dst []int) []int {
	if n := c.nChip(); n > 0 {
		off := c.chips.Offset(c.chip)
		for i := 0; i < n; i++ {
			dst = append(dst, off+i)
		}
	}
	if n := c.nVisit(); n > 0 {
		off := c.visits.Offset(c.visit)
		for i := 0; i < n; i++ {
			dst = append(dst, off+i)
		}
	}
	return dst
}

// Transform returns the complete pixel to tangent-plane transform.
func (c *Composed) Transform() geometry.Transform {
	return geometry.Chain{First: c.Chip().Transform(), Then: c.Visit().Transform()}
}

// TransformPosAndErrors applies the chip then the visit mapping.
func (c *Composed) TransformPosAndErrors(in geometry.FatPoint) geometry.FatPoint {
	return c.Visit().TransformPosAndErrors(c.Chip().TransformPosAndErrors(in))
}

// ComputeTransformAndDerivatives applies the chain rule: chip derivatives
// are carried through the visit Jacobian at the intermediate point, visit
// derivatives are evaluated there.
func (c *Composed) ComputeTransformAndDerivatives(in geometry.FatPoint, h *mat.Dense) geometry.FatPoint {
	chip, visit := c.Chip(), c.Visit()
	n1, n2 := c.nChip(), c.nVisit()

	var mid geometry.FatPoint
	if n1 > 0 {
		h1 := mat.NewDense(chip.NPar(), 2, nil)
		mid = chip.ComputeTransformAndDerivatives(in, h1)
		j := visit.Jacobian(mid.Point2D)
		for k := 0; k < n1; k++ {
			dx, dy := h1.At(k, 0), h1.At(k, 1)
			h.Set(k, 0, j.A*dx+j.B*dy)
			h.Set(k, 1, j.C*dx+j.D*dy)
		}
	} else {
		mid = chip.TransformPosAndErrors(in)
	}

	if n2 > 0 {
		h2 := mat.NewDense(visit.NPar(), 2, nil)
		out := visit.ComputeTransformAndDerivatives(mid, h2)
		for k := 0; k < n2; k++ {
			h.Set(n1+k, 0, h2.At(k, 0))
			h.Set(n1+k, 1, h2.At(k, 1))
		}
		return out
	}
	return visit.TransformPosAndErrors(mid)
}

// FreezeErrorScales freezes both sides.
func (c *Composed) FreezeErrorScales() {
	c.Chip().FreezeErrorScales()
	c.Visit().FreezeErrorScales()
}
