// Package astromfit fits distortion models, star positions, proper motions
// and refraction coefficients to the measurements of an association by
// Gauss-Newton steps on the weighted tangent-plane residuals.
package astromfit

import (
	"errors"
	"fmt"
	"log"

	"jointastrom/internal/distortion"
	"jointastrom/internal/lsq"
	"jointastrom/internal/survey"
	"jointastrom/pkg/geometry"

	"gonum.org/v1/gonum/stat"
)

var (
	// ErrInvalidParameter is returned for a malformed fit mask or a delta
	// vector that does not match the parameter layout.
	ErrInvalidParameter = distortion.ErrInvalidParameter
	// ErrFactorization is returned by Minimize when the normal matrix is
	// not positive definite. No parameter is changed.
	ErrFactorization = errors.New("normal matrix factorization failed")
)

// minColorSigma is the smallest color spread refraction can be fitted with.
const minColorSigma = 1e-12

// Options configures a Fitter.
type Options struct {
	// PosErrorIncrement is added in quadrature to the measured position
	// errors, in pixels.
	PosErrorIncrement float64
	// ReferenceEpoch is the epoch at which proper motions vanish, in days.
	ReferenceEpoch float64
	// Workers is the number of goroutines computing derivatives. 0 or 1
	// computes them serially.
	Workers int
	Logger  *log.Logger
}

// DefaultOptions returns the options used by the command line tool.
func DefaultOptions() Options {
	return Options{PosErrorIncrement: 0.02, Workers: 1}
}

// Fitter owns the global parameter layout of a fit.
//
// The parameter vector is laid out as the distortion model parameters, then
// 2 position parameters per star (followed by 2 proper motion parameters for
// stars that might move, when fitting them), then one refraction
// coefficient per band.
type Fitter struct {
	assoc  *survey.Association
	model  distortion.Model
	opts   Options
	logger *log.Logger

	mask            distortion.Mask
	nParDistortions int
	nParPositions   int
	nParTot         int
	starIndex       map[*survey.Star]int
	starBlocks      []lsq.Block
	refracIndex     int

	nRefrac        int
	refracCoefs    []float64
	referenceColor float64
	colorSigma     float64
}

// New returns a fitter with an empty mask.
func New(a *survey.Association, model distortion.Model, opts Options) *Fitter {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	f := &Fitter{
		assoc:     a,
		model:     model,
		opts:      opts,
		logger:    opts.Logger,
		starIndex: make(map[*survey.Star]int),
		nRefrac:   a.NBands(),
	}
	f.refracCoefs = make([]float64, f.nRefrac)

	if len(a.Stars) > 0 {
		colors := make([]float64, len(a.Stars))
		for i, s := range a.Stars {
			colors[i] = s.Color
		}
		f.referenceColor, f.colorSigma = stat.PopMeanStdDev(colors, nil)
	}
	f.logger.Printf("Fitter: reference color %.3f sigma %.3f over %d stars", f.referenceColor, f.colorSigma, len(a.Stars))
	return f
}

// AssignIndices parses mask and lays out the parameters it selects. On error
// the previous layout is kept.
func (f *Fitter) AssignIndices(mask string) error {
	m, err := distortion.ParseMask(mask)
	if err != nil {
		return err
	}
	if m.Refraction && f.colorSigma <= minColorSigma {
		f.logger.Printf("Fitter: no color lever arm, refraction coefficients are not fitted")
		m.Refraction = false
	}
	if m.ProperMotion && !m.Positions {
		return fmt.Errorf("fit mask %q: proper motions need positions: %w", mask, ErrInvalidParameter)
	}

	nDist := 0
	if m.Distortions() {
		if nDist, err = f.model.AssignIndices(0, m); err != nil {
			return fmt.Errorf("distortion model: %w", err)
		}
	}

	index := nDist
	starIndex := make(map[*survey.Star]int)
	var starBlocks []lsq.Block
	if m.Positions {
		starBlocks = make([]lsq.Block, 0, len(f.assoc.Stars))
		for _, s := range f.assoc.Stars {
			b := lsq.Block{Start: index, Size: 2}
			if m.ProperMotion && s.MightMove {
				b.Size = 4
			}
			starIndex[s] = index
			starBlocks = append(starBlocks, b)
			index += b.Size
		}
	}
	nPos := index - nDist
	refracIndex := -1
	if m.Refraction {
		refracIndex = index
		index += f.nRefrac
	}

	f.mask = m
	f.nParDistortions = nDist
	f.nParPositions = nPos
	f.nParTot = index
	f.starIndex = starIndex
	f.starBlocks = starBlocks
	f.refracIndex = refracIndex
	f.logger.Printf("Fitter: fitting %q, %d distortion, %d position, %d total parameters", m, nDist, nPos, index)
	return nil
}

// OffsetParams adds delta to the parameters selected by the current mask.
func (f *Fitter) OffsetParams(delta []float64) error {
	if len(delta) != f.nParTot {
		return fmt.Errorf("delta has %d entries, the %q layout has %d: %w", len(delta), f.mask, f.nParTot, ErrInvalidParameter)
	}
	if f.mask.Distortions() {
		f.model.OffsetParams(delta)
	}
	if f.mask.Positions {
		for _, s := range f.assoc.Stars {
			i := f.starIndex[s]
			s.Pos.X += delta[i]
			s.Pos.Y += delta[i+1]
			if f.mask.ProperMotion && s.MightMove {
				s.PMX += delta[i+2]
				s.PMY += delta[i+3]
			}
		}
	}
	if f.mask.Refraction {
		for k := range f.refracCoefs {
			f.refracCoefs[k] += delta[f.refracIndex+k]
		}
	}
	return nil
}

// NParTotal returns the length of the parameter vector.
func (f *Fitter) NParTotal() int { return f.nParTot }

// NParDistortions returns the number of distortion parameters.
func (f *Fitter) NParDistortions() int { return f.nParDistortions }

// NParPositions returns the number of star position and proper motion
// parameters.
func (f *Fitter) NParPositions() int { return f.nParPositions }

// Mask returns the current fit mask.
func (f *Fitter) Mask() string { return f.mask.String() }

// StarIndex returns the index of the first parameter of s.
func (f *Fitter) StarIndex(s *survey.Star) (int, bool) {
	i, ok := f.starIndex[s]
	return i, ok
}

// RefractionCoefficients returns a copy of the per-band coefficients.
func (f *Fitter) RefractionCoefficients() []float64 {
	return append([]float64(nil), f.refracCoefs...)
}

// ReferenceColor returns the mean star color refraction is measured from.
func (f *Fitter) ReferenceColor() float64 { return f.referenceColor }

// exposureContext holds what every measurement of one exposure shares.
type exposureContext struct {
	exposure   *survey.Exposure
	sky2TP     geometry.Transform
	jd         float64
	refVec     geometry.Point2D
	refracCoef float64
}

func (f *Fitter) context(e *survey.Exposure) exposureContext {
	return exposureContext{
		exposure:   e,
		sky2TP:     f.model.SkyToTangentPlane(e),
		jd:         e.Epoch - f.opts.ReferenceEpoch,
		refVec:     e.RefractionVector,
		refracCoef: f.refracCoefs[e.Band],
	}
}

// fittedStarInTP is the model position of s on the tangent plane of c.
func (f *Fitter) fittedStarInTP(s *survey.Star, c *exposureContext) geometry.Point2D {
	p := c.sky2TP.Apply(s.Pos)
	if s.MightMove {
		p.X += s.PMX * c.jd
		p.Y += s.PMY * c.jd
	}
	color := s.Color - f.referenceColor
	p.X += c.refVec.X * color * c.refracCoef
	p.Y += c.refVec.Y * color * c.refracCoef
	return p
}

// measuredPosition applies the error model to a measurement.
func (f *Fitter) measuredPosition(m *survey.Measurement) geometry.FatPoint {
	p := m.FatPoint
	inc := f.opts.PosErrorIncrement * f.opts.PosErrorIncrement
	p.VX += inc
	p.VY += inc
	return p
}

func chi2Of(res geometry.Point2D, p geometry.FatPoint) float64 {
	wxx, wyy, wxy := p.Weight()
	return wxx*res.X*res.X + 2*wxy*res.X*res.Y + wyy*res.Y*res.Y
}
