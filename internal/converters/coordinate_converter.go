package converters

import (
	"strings"

	"github.com/ecopia-map/cloud_indexer/internal/data"
	"github.com/ecopia-map/cloud_indexer/internal/geometry"
)

// Reprojection names the input and output spatial reference systems. In may
// be empty when every input file declares its own.
type Reprojection struct {
	In  string `json:"in,omitempty" mapstructure:"in"`
	Out string `json:"out" mapstructure:"out"`
}

// Converts point coordinates between spatial reference systems
type CoordinateConverter interface {
	// Converts the coordinates of the given points in place
	ConvertPoints(points []data.Point) error
	// Converts the eight corners of a box and returns the box enclosing them
	ConvertBox(box geometry.Box) (geometry.Box, error)
	Cleanup()
}

// proj4 definition for an srs given as "EPSG:xxxx", or the string unchanged
func toProjDefinition(srs string) string {
	s := strings.TrimSpace(srs)
	if strings.HasPrefix(strings.ToUpper(s), "EPSG:") {
		return "+init=epsg:" + s[len("EPSG:"):]
	}
	return s
}
