package astromfit

import (
	"math"
	"sync"

	"jointastrom/internal/lsq"
	"jointastrom/internal/survey"
	"jointastrom/pkg/geometry"

	"gonum.org/v1/gonum/mat"
)

// skyDerivativeStep is the finite-difference step for sky to tangent-plane
// derivatives, in degrees.
const skyDerivativeStep = 1e-4

type rhsEntry struct {
	index int
	value float64
}

// derivativeBlock is the contribution of one exposure (or of the reference
// stars) to the Jacobian and the gradient. Its columns start at 0.
type derivativeBlock struct {
	triplets *lsq.TripletList
	rhs      []rhsEntry
}

func newBlock(capacity int) derivativeBlock {
	return derivativeBlock{triplets: lsq.NewTripletList(capacity)}
}

// add whitens the derivatives h (one row per index) with the Cholesky factor
// of the weight of p, stores them in columns col and col+1, and adds
// h*W*res to the gradient.
func (b *derivativeBlock) add(h *mat.Dense, indices []int, p geometry.FatPoint, res geometry.Point2D, col int) {
	wxx, wyy, wxy := p.Weight()
	a00 := math.Sqrt(wxx)
	a10 := wxy / a00
	a11 := 1 / math.Sqrt(p.Det()*wxx)
	for k, index := range indices {
		hx, hy := h.At(k, 0), h.At(k, 1)
		if v := hx*a00 + hy*a10; v != 0 {
			b.triplets.AddTriplet(index, col, v)
		}
		if v := hy * a11; v != 0 {
			b.triplets.AddTriplet(index, col+1, v)
		}
		g := (hx*wxx+hy*wxy)*res.X + (hx*wxy+hy*wyy)*res.Y
		b.rhs = append(b.rhs, rhsEntry{index: index, value: g})
	}
}

// computeDerivatives returns the Jacobian triplets and the gradient of the
// current layout. Exposures are processed by opts.Workers goroutines and
// merged in exposure order, so the result does not depend on the number of
// workers.
func (f *Fitter) computeDerivatives() (*lsq.TripletList, []float64) {
	exposures := f.assoc.Exposures
	blocks := make([]derivativeBlock, len(exposures)+1)

	numWorkers := f.opts.Workers
	if numWorkers > len(exposures) {
		numWorkers = len(exposures)
	}
	if numWorkers <= 1 {
		for i, e := range exposures {
			blocks[i] = f.exposureDerivatives(e)
		}
	} else {
		perWorker := (len(exposures) + numWorkers - 1) / numWorkers
		var wg sync.WaitGroup
		for w := 0; w < numWorkers; w++ {
			start := w * perWorker
			end := start + perWorker
			if end > len(exposures) {
				end = len(exposures)
			}
			if start >= len(exposures) {
				break
			}

			wg.Add(1)
			go func(iStart, iEnd int) {
				defer wg.Done()
				for i := iStart; i < iEnd; i++ {
					blocks[i] = f.exposureDerivatives(exposures[i])
				}
			}(start, end)
		}
		wg.Wait()
	}
	blocks[len(exposures)] = f.referenceDerivatives()

	n := 0
	for _, b := range blocks {
		n += b.triplets.Len()
	}
	tl := lsq.NewTripletList(n)
	rhs := make([]float64, f.nParTot)
	for _, b := range blocks {
		tl.Append(b.triplets)
		for _, r := range b.rhs {
			rhs[r.index] += r.value
		}
	}
	return tl, rhs
}

// exposureDerivatives computes the contribution of the valid measurements
// of e.
func (f *Fitter) exposureDerivatives(e *survey.Exposure) derivativeBlock {
	m := f.model.Mapping(e)
	if m == nil {
		f.logger.Printf("Fitter: no mapping for exposure %s", e)
		return newBlock(0)
	}
	nMapping := 0
	if f.mask.Distortions() {
		nMapping = m.NPar()
	}
	nTot := nMapping
	if f.mask.Positions {
		nTot += 2
		if f.mask.ProperMotion {
			nTot += 2
		}
	}
	if f.mask.Refraction {
		nTot++
	}
	if nTot == 0 {
		return newBlock(0)
	}

	b := newBlock(2 * nTot * len(e.Measurements))
	indices := make([]int, nTot)
	if nMapping > 0 {
		m.Indices(indices[:0])
	}
	h := mat.NewDense(nTot, 2, nil)
	c := f.context(e)

	col := 0
	for _, ms := range e.Measurements {
		if !ms.Valid() {
			continue
		}
		in := f.measuredPosition(ms)
		h.Zero()
		var out geometry.FatPoint
		if nMapping > 0 {
			out = m.ComputeTransformAndDerivatives(in, h)
		} else {
			out = m.TransformPosAndErrors(in)
		}
		if !out.PositiveDefinite() {
			f.logger.Printf("Fitter: inconsistent measurement errors, dropping measurement at %v in %s", ms.Point2D, e)
			continue
		}

		s := ms.Star
		ipar := nMapping
		if f.mask.Positions {
			j := geometry.JacobianAt(c.sky2TP, s.Pos, skyDerivativeStep)
			h.Set(ipar, 0, -j.A)
			h.Set(ipar+1, 0, -j.B)
			h.Set(ipar, 1, -j.C)
			h.Set(ipar+1, 1, -j.D)
			index := f.starIndex[s]
			indices[ipar] = index
			indices[ipar+1] = index + 1
			ipar += 2
			if f.mask.ProperMotion && s.MightMove {
				h.Set(ipar, 0, -c.jd)
				h.Set(ipar+1, 1, -c.jd)
				indices[ipar] = index + 2
				indices[ipar+1] = index + 3
				ipar += 2
			}
		}
		if f.mask.Refraction {
			color := s.Color - f.referenceColor
			h.Set(ipar, 0, -c.refVec.X*color)
			h.Set(ipar, 1, -c.refVec.Y*color)
			indices[ipar] = f.refracIndex + e.Band
			ipar++
		}

		res := f.fittedStarInTP(s, &c).Sub(out.Point2D)
		b.add(h, indices[:ipar], out, res, col)
		col += 2
	}
	b.triplets.SetNextFreeIndex(col)
	return b
}

// referenceDerivatives computes the star to reference star terms. They only
// constrain positions. Each star gets its own tangent point, since sky
// coordinates cannot be differenced directly.
func (f *Fitter) referenceDerivatives() derivativeBlock {
	if !f.mask.Positions || len(f.assoc.RefStars) == 0 {
		return newBlock(0)
	}
	b := newBlock(4 * len(f.assoc.RefStars))
	h := mat.NewDense(2, 2, nil)
	indices := make([]int, 2)
	col := 0
	for _, s := range f.assoc.Stars {
		if s.Ref == nil {
			continue
		}
		proj := geometry.NewGnomonic(s.Pos)
		rsProj := proj.TransformPosAndErrors(s.Ref.FatPoint)
		if !rsProj.PositiveDefinite() {
			f.logger.Printf("Fitter: reference star error matrix not positive definite at %v", s.Ref.Point2D)
			continue
		}
		// s projects onto (0,0)
		j := geometry.NumericJacobian(proj, s.Pos, skyDerivativeStep)
		h.Set(0, 0, -j.A)
		h.Set(1, 0, -j.B)
		h.Set(0, 1, -j.C)
		h.Set(1, 1, -j.D)
		index := f.starIndex[s]
		indices[0], indices[1] = index, index+1
		b.add(h, indices, rsProj, geometry.Point2D{X: -rsProj.X, Y: -rsProj.Y}, col)
		col += 2
	}
	b.triplets.SetNextFreeIndex(col)
	return b
}
