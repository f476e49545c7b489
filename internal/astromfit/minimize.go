package astromfit

import (
	"bufio"
	"fmt"
	"io"

	"jointastrom/internal/lsq"
)

// Minimize performs one Gauss-Newton step on the parameters selected by
// mask. When the normal matrix cannot be factorized it returns
// ErrFactorization and leaves every parameter unchanged.
func (f *Fitter) Minimize(mask string) error {
	if err := f.AssignIndices(mask); err != nil {
		return err
	}
	tl, rhs := f.computeDerivatives()
	f.logger.Printf("Fitter: %d triplets over %d columns", tl.Len(), tl.NextFreeIndex())

	ne, err := f.normalEquations(tl)
	if err != nil {
		return err
	}
	f.logger.Printf("Fitter: eliminating %d star blocks, %d parameters left", len(f.starBlocks), ne.ReducedDim())
	delta, err := ne.Solve(rhs)
	if err != nil {
		f.logger.Printf("Fitter: factorization failed for %q: %v", f.mask, err)
		return fmt.Errorf("%w: %v", ErrFactorization, err)
	}
	return f.OffsetParams(delta)
}

// normalEquations assembles J*J^T with one block per star, since a
// measurement or reference term never involves two stars.
func (f *Fitter) normalEquations(tl *lsq.TripletList) (*lsq.NormalEquations, error) {
	ne, err := lsq.NewNormalEquations(tl, f.nParTot, f.starBlocks)
	if err != nil {
		return nil, fmt.Errorf("normal matrix: %w", err)
	}
	return ne, nil
}

// DumpNormalEquations lays out mask, then writes the Jacobian triplets, the
// normal matrix and the gradient to w. Parameters are not changed.
func (f *Fitter) DumpNormalEquations(mask string, w io.Writer) error {
	if err := f.AssignIndices(mask); err != nil {
		return err
	}
	tl, rhs := f.computeDerivatives()
	ne, err := f.normalEquations(tl)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# mask: %s\n# parameters: %d distortion: %d positions: %d\n", f.mask, f.nParTot, f.nParDistortions, f.nParPositions)
	fmt.Fprintf(bw, "# jacobian: %d triplets, %d columns (row col value)\n", tl.Len(), tl.NextFreeIndex())
	if err := lsq.WriteTriplets(bw, tl); err != nil {
		return err
	}
	fmt.Fprintf(bw, "# normal matrix upper triangle (row col value)\n")
	if err := ne.WriteUpper(bw); err != nil {
		return err
	}
	fmt.Fprintf(bw, "# gradient\n")
	if err := lsq.WriteVector(bw, rhs); err != nil {
		return err
	}
	return bw.Flush()
}

const residualHeader = `#xccd: coordinate in CCD
#yccd:
#rx: residual in degrees in TP
#ry:
#xtp: transformed coordinate in TP
#ytp:
#mag: rough mag
#jd: epoch of the measurement, relative to the reference epoch
#rvx: transformed measurement uncertainty
#rvy:
#rvxy:
#color:
#chi2: contribution to chi2 (2 dofs)
#nm: number of measurements of this star
#chip: chip id
#visit: visit id
#end
`

// WriteResiduals writes one line per valid measurement with its pixel
// position, tangent-plane residual and chi2 contribution, after a commented
// header describing the columns.
func (f *Fitter) WriteResiduals(w io.Writer) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(residualHeader); err != nil {
		return err
	}
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
			tp := m.TransformPosAndErrors(f.measuredPosition(ms))
			if !tp.PositiveDefinite() {
				continue
			}
			s := ms.Star
			res := tp.Point2D.Sub(f.fittedStarInTP(s, &c))
			_, err := fmt.Fprintf(bw, "%g %g %g %g %g %g %g %g %g %g %g %g %g %d %d %d\n",
				ms.X, ms.Y, res.X, res.Y, tp.X, tp.Y, s.Mag, c.jd,
				tp.VX, tp.VY, tp.VXY, s.Color, chi2Of(res, tp),
				s.MeasurementCount, e.Chip, e.Visit)
			if err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
