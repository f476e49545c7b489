package geometry

import (
	"math"

	"github.com/soniakeys/coord"
	"github.com/soniakeys/unit"
)

// Gnomonic projects sky positions (ra, dec in degrees) onto the plane tangent
// to the celestial sphere at a tangent point. Tangent-plane coordinates are
// in degrees, optionally followed by a linear part.
type Gnomonic struct {
	LinPart Linear

	tangent Point2D
	center  coord.Cart
	east    coord.Cart
	north   coord.Cart
}

// NewGnomonic returns a projector centered on a sky position.
func NewGnomonic(tangentPoint Point2D) *Gnomonic {
	g := &Gnomonic{LinPart: Identity()}
	g.SetTangentPoint(tangentPoint)
	return g
}

// TangentPoint returns the sky position projecting onto the origin.
func (g *Gnomonic) TangentPoint() Point2D { return g.tangent }

// SetTangentPoint re-centers the projection.
func (g *Gnomonic) SetTangentPoint(p Point2D) {
	g.tangent = p
	g.center = skyVector(p)
	ra := unit.AngleFromDeg(p.X)
	dec := unit.AngleFromDeg(p.Y)
	g.east = coord.Cart{X: -ra.Sin(), Y: ra.Cos()}
	g.north = coord.Cart{X: -dec.Sin() * ra.Cos(), Y: -dec.Sin() * ra.Sin(), Z: dec.Cos()}
}

func skyVector(p Point2D) coord.Cart {
	var c coord.Cart
	c.FromSphr(&coord.Sphr{Lon: unit.AngleFromDeg(p.X), Lat: unit.AngleFromDeg(p.Y)})
	return c
}

func dot(a, b coord.Cart) float64 {
	return a.X*b.X + a.Y*b.Y + a.Z*b.Z
}

// Apply projects a sky position. Positions more than 90 degrees away from the
// tangent point have no projection and map to NaN.
func (g *Gnomonic) Apply(p Point2D) Point2D {
	v := skyVector(p)
	w := dot(v, g.center)
	if w <= 0 {
		return Point2D{X: math.NaN(), Y: math.NaN()}
	}
	tp := Point2D{
		X: unit.Angle(dot(v, g.east) / w).Deg(),
		Y: unit.Angle(dot(v, g.north) / w).Deg(),
	}
	return g.LinPart.Apply(tp)
}

// Unapply returns the sky position of a tangent-plane point.
func (g *Gnomonic) Unapply(tp Point2D) Point2D {
	if inv, ok := g.LinPart.Inverse(); ok {
		tp = inv.Apply(tp)
	}
	x := unit.AngleFromDeg(tp.X).Rad()
	y := unit.AngleFromDeg(tp.Y).Rad()
	vx := g.center.X + x*g.east.X + y*g.north.X
	vy := g.center.Y + x*g.east.Y + y*g.north.Y
	vz := g.center.Z + x*g.east.Z + y*g.north.Z
	r := math.Sqrt(vx*vx + vy*vy + vz*vz)
	ra := unit.Angle(math.Atan2(vy, vx)).Mod1()
	dec := unit.Angle(math.Asin(vz / r))
	return Point2D{X: ra.Deg(), Y: dec.Deg()}
}

// TransformPosAndErrors projects a sky position with its covariance.
func (g *Gnomonic) TransformPosAndErrors(in FatPoint) FatPoint {
	return TransformPosAndErrors(g, in)
}

// TanSip is a tangent-plane WCS: pixel -> SIP polynomial -> CD matrix ->
// tangent plane -> sky.
type TanSip struct {
	CD           Linear
	TangentPoint Point2D
	SIP          *Poly
}

// PixelToTangentPlane maps a pixel position onto the tangent plane (degrees).
func (w *TanSip) PixelToTangentPlane(p Point2D) Point2D {
	return w.CD.Apply(w.SIP.Apply(p))
}

// PixelToSky maps a pixel position to (ra, dec) in degrees.
func (w *TanSip) PixelToSky(p Point2D) Point2D {
	return NewGnomonic(w.TangentPoint).Unapply(w.PixelToTangentPlane(p))
}
