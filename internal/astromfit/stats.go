package astromfit

import (
	"jointastrom/internal/chi2"
	"jointastrom/internal/survey"
	"jointastrom/pkg/geometry"
)

// accumulateMeasurements feeds the chi2 of every valid measurement to acc.
// It mirrors exposureDerivatives without building derivatives.
func (f *Fitter) accumulateMeasurements(acc chi2.Accumulator) {
	for _, e := range f.assoc.Exposures {
		m := f.model.Mapping(e)
		if m == nil {
			continue
		}
		c := f.context(e)
		for _, ms := range e.Measurements {
			if !ms.Valid() {
				continue
			}
			out := m.TransformPosAndErrors(f.measuredPosition(ms))
			if !out.PositiveDefinite() {
				f.logger.Printf("Fitter: inconsistent measurement errors, dropping measurement at %v in %s", ms.Point2D, e)
				continue
			}
			res := f.fittedStarInTP(ms.Star, &c).Sub(out.Point2D)
			acc.AddEntry(chi2Of(res, out), 2, ms)
		}
	}
}

// accumulateReferences feeds the chi2 of every star to reference star term
// to acc.
func (f *Fitter) accumulateReferences(acc chi2.Accumulator) {
	for _, s := range f.assoc.Stars {
		if s.Ref == nil {
			continue
		}
		rsProj := geometry.NewGnomonic(s.Pos).TransformPosAndErrors(s.Ref.FatPoint)
		if !rsProj.PositiveDefinite() {
			continue
		}
		acc.AddEntry(chi2Of(rsProj.Point2D, rsProj), 2, nil)
	}
}

// ComputeChi2 returns the chi2 of the current parameters. The degrees of
// freedom are 2 per valid measurement and per reference term, minus the
// number of parameters of the current layout.
func (f *Fitter) ComputeChi2() chi2.Statistic {
	var st chi2.Statistic
	f.accumulateMeasurements(&st)
	f.accumulateReferences(&st)
	st.NDof -= f.nParTot
	return st
}

// measurementIndices returns the parameters a measurement constrains for
// outlier rejection. Refraction coefficients are left out: every measurement
// of a band constrains them.
func (f *Fitter) measurementIndices(ms *survey.Measurement, dst []int) []int {
	dst = dst[:0]
	if f.mask.Distortions() {
		if m := f.model.Mapping(ms.Exposure); m != nil {
			dst = m.Indices(dst)
		}
	}
	if f.mask.Positions {
		index := f.starIndex[ms.Star]
		dst = append(dst, index, index+1)
		if f.mask.ProperMotion && ms.Star.MightMove {
			dst = append(dst, index+2, index+3)
		}
	}
	return dst
}

// RemoveOutliers invalidates the measurements whose chi2 exceeds the mean by
// more than nSigmaCut standard deviations and returns how many were
// removed. At most one measurement is removed per parameter and per call,
// starting from the worst, and a star always keeps one measurement. The
// caller has to refit afterwards.
func (f *Fitter) RemoveOutliers(nSigmaCut float64) int {
	var l chi2.List
	f.accumulateMeasurements(&l)
	if len(l) == 0 {
		return 0
	}
	l.Sort()
	average, sigma := l.AverageAndSigma()
	f.logger.Printf("Fitter: outlier chi2 stats mean/median/sigma %g/%g/%g", average, l.Median(), sigma)
	cut := average + nSigmaCut*sigma

	affected := make([]int, f.nParTot)
	var indices []int
	removed := 0
	for i := len(l) - 1; i >= 0; i-- {
		e := l[i]
		if e.Chi2 < cut {
			break
		}
		if e.Measurement.Star.MeasurementCount <= 1 {
			continue
		}
		indices = f.measurementIndices(e.Measurement, indices)
		drop := true
		for _, index := range indices {
			if affected[index] != 0 {
				drop = false
				break
			}
		}
		if !drop {
			continue
		}
		e.Measurement.Invalidate()
		removed++
		for _, index := range indices {
			affected[index]++
		}
	}
	f.logger.Printf("Fitter: removed %d outliers", removed)
	return removed
}
