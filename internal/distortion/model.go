package distortion

import (
	"jointastrom/internal/mapping"
	"jointastrom/internal/survey"
	"jointastrom/pkg/geometry"
)

// Model is what the fit engine needs from a distortion model.
type Model interface {
	// NPar returns the number of fitted parameters of e's mapping.
	NPar(e *survey.Exposure) int
	// AssignIndices lays the model parameters out from first on and returns
	// the next free index.
	AssignIndices(first int, mask Mask) (int, error)
	// OffsetParams adds the model's share of the global delta vector.
	OffsetParams(delta []float64)
	// Mapping returns the pixel to tangent-plane mapping of e, or nil.
	Mapping(e *survey.Exposure) mapping.Mapping
	// SkyToTangentPlane returns the projection used for e.
	SkyToTangentPlane(e *survey.Exposure) geometry.Transform
	FreezeErrorScales()
}

// ProjectionHandler provides the sky to tangent-plane projection of each
// exposure.
type ProjectionHandler interface {
	SkyToTangentPlane(e *survey.Exposure) geometry.Transform
}

// CommonTangentPoint projects every exposure about the same tangent point.
type CommonTangentPoint struct {
	proj *geometry.Gnomonic
}

// NewCommonTangentPoint returns a handler projecting about tp (ra, dec in
// degrees).
func NewCommonTangentPoint(tp geometry.Point2D) *CommonTangentPoint {
	return &CommonTangentPoint{proj: geometry.NewGnomonic(tp)}
}

func (c *CommonTangentPoint) SkyToTangentPlane(*survey.Exposure) geometry.Transform {
	return c.proj
}

// TangentPoint returns the common tangent point.
func (c *CommonTangentPoint) TangentPoint() geometry.Point2D {
	return c.proj.TangentPoint()
}
