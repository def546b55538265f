package projection

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

const (
	earthRadius = 6378137.0

	// MercatorExtent is half the width of the EPSG:3857 world in meters.
	MercatorExtent = math.Pi * earthRadius

	// MaxLatitude is the latitude where the square mercator world ends.
	MaxLatitude = 85.05112877980659
)

// WebMercator is the bounding box of the spherical mercator world.
var WebMercator = Bounds{
	MinX: -MercatorExtent,
	MaxX: MercatorExtent,
	MinY: -MercatorExtent,
	MaxY: MercatorExtent,
}

// LonLatToMercator projects WGS84 degrees to EPSG:3857 meters. Latitudes are
// clamped to the mercator limits.
func LonLatToMercator(lon, lat float64) (x, y float64) {
	if lat > MaxLatitude {
		lat = MaxLatitude
	}
	if lat < -MaxLatitude {
		lat = -MaxLatitude
	}
	p := project.WGS84.ToMercator(orb.Point{lon, lat})
	return p.X(), p.Y()
}

// MercatorToLonLat is the inverse of LonLatToMercator.
func MercatorToLonLat(x, y float64) (lon, lat float64) {
	p := project.Mercator.ToWGS84(orb.Point{x, y})
	return p.X(), p.Y()
}
