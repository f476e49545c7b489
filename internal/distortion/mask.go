// Package distortion holds the distortion models of the fit: the mapping from
// each exposure's pixels to the common tangent plane, and the bookkeeping of
// their parameters in the global parameter vector.
package distortion

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidParameter reports a request the model cannot honour: an unknown
// fit mask token, a mask without distortions, an unsupported mapping or an
// unknown chip/visit id.
var ErrInvalidParameter = errors.New("invalid parameter")

// Mask tokens.
const (
	TokenDistortions      = "Distortions"
	TokenDistortionsChip  = "DistortionsChip"
	TokenDistortionsVisit = "DistortionsVisit"
	TokenPositions        = "Positions"
	TokenRefraction       = "Refrac"
	TokenProperMotion     = "PM"
)

// Mask selects the parameter groups that take part in a fit step.
type Mask struct {
	Chips        bool
	Visits       bool
	Positions    bool
	Refraction   bool
	ProperMotion bool
}

// ParseMask reads a whitespace separated list of tokens. "Distortions" fits
// both chip and visit mappings; "DistortionsChip" and "DistortionsVisit"
// select one side each.
func ParseMask(s string) (Mask, error) {
	var m Mask
	for _, tok := range strings.Fields(s) {
		switch tok {
		case TokenDistortions:
			m.Chips, m.Visits = true, true
		case TokenDistortionsChip:
			m.Chips = true
		case TokenDistortionsVisit:
			m.Visits = true
		case TokenPositions:
			m.Positions = true
		case TokenRefraction:
			m.Refraction = true
		case TokenProperMotion:
			m.ProperMotion = true
		default:
			return Mask{}, fmt.Errorf("fit mask %q: unknown token %q: %w", s, tok, ErrInvalidParameter)
		}
	}
	return m, nil
}

// Distortions reports whether any distortion parameter is fitted.
func (m Mask) Distortions() bool { return m.Chips || m.Visits }

func (m Mask) String() string {
	var toks []string
	switch {
	case m.Chips && m.Visits:
		toks = append(toks, TokenDistortions)
	case m.Chips:
		toks = append(toks, TokenDistortionsChip)
	case m.Visits:
		toks = append(toks, TokenDistortionsVisit)
	}
	if m.Positions {
		toks = append(toks, TokenPositions)
	}
	if m.Refraction {
		toks = append(toks, TokenRefraction)
	}
	if m.ProperMotion {
		toks = append(toks, TokenProperMotion)
	}
	return strings.Join(toks, " ")
}
