// Package simulate generates synthetic surveys: a mosaic camera observing a
// field of stars over several dithered visits, with per-visit distortions,
// measurement noise, outliers and a partial reference catalog.
package simulate

import (
	"fmt"
	"math"
	"math/rand"

	"jointastrom/internal/survey"
	"jointastrom/pkg/geometry"
)

// Params describes a synthetic survey.
type Params struct {
	Visits     int     `json:"visits"`
	Chips      int     `json:"chips"`
	ChipWidth  float64 `json:"chip_width"`
	ChipHeight float64 `json:"chip_height"`
	Stars      int     `json:"stars"`
	Bands      int     `json:"bands"`

	// PixelScale in degrees per pixel.
	PixelScale float64 `json:"pixel_scale"`
	// DitherPixels is the largest pointing offset between visits.
	DitherPixels float64 `json:"dither_pixels"`
	// Distortion is the amplitude of the quadratic visit distortion at the
	// edge of the field, in degrees.
	Distortion float64 `json:"distortion"`

	// NoiseSigma is the measurement position error, in pixels.
	NoiseSigma      float64 `json:"noise_sigma"`
	OutlierFraction float64 `json:"outlier_fraction"`
	// OutlierSize is the offset of an outlier in units of NoiseSigma.
	OutlierSize float64 `json:"outlier_size"`

	RefFraction float64 `json:"ref_fraction"`
	// RefSigma is the reference catalog position error, in degrees.
	RefSigma float64 `json:"ref_sigma"`

	TangentPoint geometry.Point2D `json:"tangent_point"`
	Seed         int64            `json:"seed"`
}

// DefaultParams returns a small survey that fits in well under a second.
func DefaultParams() Params {
	return Params{
		Visits:          4,
		Chips:           4,
		ChipWidth:       512,
		ChipHeight:      1024,
		Stars:           400,
		Bands:           2,
		PixelScale:      5e-5,
		DitherPixels:    150,
		Distortion:      2e-4,
		NoiseSigma:      0.05,
		OutlierFraction: 0.01,
		OutlierSize:     40,
		RefFraction:     0.5,
		RefSigma:        3e-6,
		TangentPoint:    geometry.Point2D{X: 150, Y: 2},
		Seed:            1,
	}
}

// Survey is a generated association together with its truth.
type Survey struct {
	Association *survey.Association
	Projection  *geometry.Gnomonic
	// TrueStars holds the true sky position of Association.Stars[i].
	TrueStars []geometry.Point2D
	// Outliers counts the measurements that were displaced on purpose.
	Outliers int
}

// visitTruth is the true focal plane to tangent-plane transform of a visit.
type visitTruth struct {
	offset    geometry.Point2D
	rot       geometry.Linear
	amplitude float64
	halfField float64
}

func (v visitTruth) Apply(p geometry.Point2D) geometry.Point2D {
	q := v.rot.Apply(p).Add(v.offset)
	ux, uy := p.X/v.halfField, p.Y/v.halfField
	q.X += v.amplitude * (ux*ux - uy*uy)
	q.Y += v.amplitude * ux * uy
	return q
}

// Generate builds a survey from p.
func Generate(p Params) (*Survey, error) {
	if p.Visits < 1 || p.Chips < 1 || p.Stars < 1 {
		return nil, fmt.Errorf("simulation needs at least one visit, chip and star, got %d/%d/%d", p.Visits, p.Chips, p.Stars)
	}
	if p.PixelScale <= 0 || p.ChipWidth <= 0 || p.ChipHeight <= 0 {
		return nil, fmt.Errorf("invalid chip geometry %gx%g at scale %g", p.ChipWidth, p.ChipHeight, p.PixelScale)
	}
	if p.Bands < 1 {
		p.Bands = 1
	}
	rng := rand.New(rand.NewSource(p.Seed))
	proj := geometry.NewGnomonic(p.TangentPoint)

	// chips on a grid, focal plane centered on the optical axis
	cols := int(math.Ceil(math.Sqrt(float64(p.Chips))))
	rows := (p.Chips + cols - 1) / cols
	gap := 0.05
	fpWidth := float64(cols) * p.ChipWidth * (1 + gap)
	fpHeight := float64(rows) * p.ChipHeight * (1 + gap)
	chipOrigin := make([]geometry.Point2D, p.Chips)
	for c := range chipOrigin {
		chipOrigin[c] = geometry.Point2D{
			X: float64(c%cols)*p.ChipWidth*(1+gap) - fpWidth/2,
			Y: float64(c/cols)*p.ChipHeight*(1+gap) - fpHeight/2,
		}
	}
	halfField := 0.5 * math.Max(fpWidth, fpHeight) * p.PixelScale

	visits := make([]visitTruth, p.Visits)
	for v := range visits {
		visits[v] = visitTruth{
			offset: geometry.Point2D{
				X: (2*rng.Float64() - 1) * p.DitherPixels * p.PixelScale,
				Y: (2*rng.Float64() - 1) * p.DitherPixels * p.PixelScale,
			},
			rot:       geometry.Rotation((2*rng.Float64() - 1) * 1e-3),
			amplitude: p.Distortion * (0.5 + rng.Float64()),
			halfField: halfField,
		}
	}

	a := &survey.Association{}
	type exposureTruth struct {
		exp   *survey.Exposure
		truth geometry.Transform
	}
	var exposures []exposureTruth
	for v, vt := range visits {
		refrac := geometry.Point2D{X: (2*rng.Float64() - 1) * 1e-6, Y: (2*rng.Float64() - 1) * 1e-6}
		for c := 0; c < p.Chips; c++ {
			chipToFP := geometry.Translation(chipOrigin[c].X, chipOrigin[c].Y)
			scale := geometry.Scale(p.PixelScale, p.PixelScale)
			pixToFP := scale.Compose(chipToFP)
			e := &survey.Exposure{
				Name:             fmt.Sprintf("v%03d-c%02d", v, c),
				Chip:             c,
				Visit:            v,
				Band:             v % p.Bands,
				Epoch:            float64(v),
				RefractionVector: refrac,
				Frame:            geometry.NewFrame(0, 0, p.ChipWidth, p.ChipHeight),
				// a-priori WCS: the pointing is known, the distortion is not
				PixToTangentPlane: geometry.Translation(vt.offset.X, vt.offset.Y).Compose(pixToFP),
			}
			a.AddExposure(e)
			exposures = append(exposures, exposureTruth{exp: e, truth: geometry.Chain{First: pixToFP, Then: vt}})
		}
	}

	s := &Survey{Association: a, Projection: proj}
	spanX := 0.5*fpWidth*p.PixelScale + p.DitherPixels*p.PixelScale
	spanY := 0.5*fpHeight*p.PixelScale + p.DitherPixels*p.PixelScale
	for i := 0; i < p.Stars; i++ {
		trueTP := geometry.Point2D{X: (2*rng.Float64() - 1) * spanX, Y: (2*rng.Float64() - 1) * spanY}
		type detection struct {
			exp *survey.Exposure
			pos geometry.FatPoint
			tp  geometry.Point2D
		}
		var dets []detection
		for _, et := range exposures {
			pix, ok := invert(et.truth, trueTP, et.exp.Frame.Center())
			if !ok || !et.exp.Frame.Contains(pix) {
				continue
			}
			pix.X += rng.NormFloat64() * p.NoiseSigma
			pix.Y += rng.NormFloat64() * p.NoiseSigma
			if rng.Float64() < p.OutlierFraction {
				angle := 2 * math.Pi * rng.Float64()
				pix.X += p.OutlierSize * p.NoiseSigma * math.Cos(angle)
				pix.Y += p.OutlierSize * p.NoiseSigma * math.Sin(angle)
				s.Outliers++
			}
			dets = append(dets, detection{
				exp: et.exp,
				pos: geometry.NewFatPoint(pix.X, pix.Y, p.NoiseSigma*p.NoiseSigma),
				tp:  et.exp.PixToTangentPlane.Apply(pix),
			})
		}
		if len(dets) < 2 {
			continue
		}

		// start from the mean a-priori position
		tps := make([]geometry.Point2D, len(dets))
		for k, d := range dets {
			tps[k] = d.tp
		}
		trueSky := proj.Unapply(trueTP)
		star := &survey.Star{
			Pos:   proj.Unapply(geometry.Centroid(tps)),
			Color: 0.5 + 0.3*rng.NormFloat64(),
			Mag:   18 + 4*rng.Float64(),
		}
		a.AddStar(star)
		s.TrueStars = append(s.TrueStars, trueSky)
		for _, d := range dets {
			a.AddMeasurement(d.exp, d.pos, star)
		}
		if rng.Float64() < p.RefFraction {
			ref := &survey.RefStar{
				FatPoint: geometry.NewFatPoint(
					trueSky.X+rng.NormFloat64()*p.RefSigma,
					trueSky.Y+rng.NormFloat64()*p.RefSigma,
					p.RefSigma*p.RefSigma),
				Mag: star.Mag,
			}
			a.AddRefStar(ref, star)
		}
	}
	if len(a.Stars) == 0 {
		return nil, fmt.Errorf("no star was observed twice")
	}
	return s, nil
}

// invert finds the pixel that t maps onto target by Newton iterations.
func invert(t geometry.Transform, target, guess geometry.Point2D) (geometry.Point2D, bool) {
	p := guess
	for iter := 0; iter < 20; iter++ {
		j := geometry.NumericJacobian(t, p, 1)
		det := j.A*j.D - j.B*j.C
		if det == 0 {
			return p, false
		}
		r := target.Sub(t.Apply(p))
		dx := (j.D*r.X - j.B*r.Y) / det
		dy := (-j.C*r.X + j.A*r.Y) / det
		p.X += dx
		p.Y += dy
		if math.Abs(dx) < 1e-9 && math.Abs(dy) < 1e-9 {
			return p, true
		}
	}
	return p, false
}
