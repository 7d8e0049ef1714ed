// Package viewport normalizes requested render dimensions. Normalization is
// best-effort: bad input falls back to defaults and out-of-range values are
// clamped, so there is no error path.
package viewport

import "strconv"

const (
	DefaultWidth  = 1366
	DefaultHeight = 768
	MinDimension  = 200
	MaxDimension  = 3000
)

// Spec is a normalized viewport size in CSS pixels.
type Spec struct {
	Width  int
	Height int
}

// Limits tightens the upper bound per axis. Zero means no tier cap.
type Limits struct {
	MaxWidth  int
	MaxHeight int
}

// Normalize parses raw dimension strings and clamps each axis independently
// to [MinDimension, min(MaxDimension, tier cap)].
func Normalize(rawWidth, rawHeight string, limits Limits) Spec {
	return Spec{
		Width:  normalizeAxis(rawWidth, DefaultWidth, limits.MaxWidth),
		Height: normalizeAxis(rawHeight, DefaultHeight, limits.MaxHeight),
	}
}

func normalizeAxis(raw string, fallback, tierMax int) int {
	v, err := strconv.Atoi(raw)
	if err != nil {
		v = fallback
	}
	max := MaxDimension
	if tierMax > 0 && tierMax < max {
		max = tierMax
	}
	if v < MinDimension {
		return MinDimension
	}
	if v > max {
		return max
	}
	return v
}
