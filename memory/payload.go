package memory

import (
	"github.com/spf13/cast"
)

// pview reads typed scalars out of an untyped payload map, tolerant of the
// numeric representations different index backends hand back.
type pview map[string]any

func payloadView(m map[string]any) pview {
	return pview(m)
}

func (p pview) str(key string) string {
	return cast.ToString(p[key])
}

func (p pview) boolean(key string) bool {
	return cast.ToBool(p[key])
}

func (p pview) float(key string) float64 {
	return cast.ToFloat64(p[key])
}

func (p pview) integer(key string) int64 {
	return cast.ToInt64(p[key])
}
