// Package projection converts between map units, level pixels and tile
// indices for a quad-pyramid tile layer.
//
// Level pixels are measured from the top-left corner of the configured
// bounding box, y growing downward. At level z the pyramid is 2^z tiles wide.
package projection

import (
	"fmt"
	"math"
	"sync"

	"github.com/paulmach/orb"

	"github.com/atlasdatatech/tilelayer/tile"
)

// ConfigError reports an invalid static configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// Bounds is the map-unit extent covered by the level 0 tile.
type Bounds struct {
	MinX, MaxX, MinY, MaxY float64
}

// Projection holds the tile geometry of a layer.
type Projection struct {
	bounds     Bounds
	tileWidth  float64
	tileHeight float64

	mu     sync.Mutex
	scales map[int]float64
}

// New validates the bounding box and tile size.
func New(bounds Bounds, tileWidth, tileHeight int) (*Projection, error) {
	if tileWidth <= 0 {
		return nil, &ConfigError{Field: "tileWidth", Reason: "must be positive"}
	}
	if tileHeight <= 0 {
		return nil, &ConfigError{Field: "tileHeight", Reason: "must be positive"}
	}
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	return &Projection{
		bounds:     bounds,
		tileWidth:  float64(tileWidth),
		tileHeight: float64(tileHeight),
		scales:     make(map[int]float64),
	}, nil
}

// Validate rejects inverted, empty or non-finite boxes.
func (b Bounds) Validate() error {
	for _, v := range []float64{b.MinX, b.MaxX, b.MinY, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ConfigError{Field: "bounds", Reason: "must be finite"}
		}
	}
	if !(b.MaxX > b.MinX) {
		return &ConfigError{Field: "bounds", Reason: fmt.Sprintf("maxX %g must exceed minX %g", b.MaxX, b.MinX)}
	}
	if !(b.MaxY > b.MinY) {
		return &ConfigError{Field: "bounds", Reason: fmt.Sprintf("maxY %g must exceed minY %g", b.MaxY, b.MinY)}
	}
	return nil
}

// Bounds returns the configured bounding box.
func (p *Projection) Bounds() Bounds { return p.bounds }

// TileSize returns the tile size in pixels.
func (p *Projection) TileSize() (width, height float64) {
	return p.tileWidth, p.tileHeight
}

// TileAtPoint returns the index of the tile containing a point given in
// pixels of the requested level.
func (p *Projection) TileAtPoint(point orb.Point, level int) tile.Index {
	x, y := point.X(), point.Y()
	if math.IsNaN(x) {
		x = 0
	}
	if math.IsNaN(y) {
		y = 0
	}
	return tile.Index{
		X:     int(math.Floor(x / p.tileWidth)),
		Y:     int(math.Floor(y / p.tileHeight)),
		Level: level,
	}
}

// ToLocal converts map units to level 0 pixels.
func (p *Projection) ToLocal(pt orb.Point) orb.Point {
	b := p.bounds
	return orb.Point{
		(pt.X() - b.MinX) / (b.MaxX - b.MinX) * p.tileWidth,
		(b.MaxY - pt.Y()) / (b.MaxY - b.MinY) * p.tileHeight,
	}
}

// FromLocal converts level 0 pixels to map units. It is the inverse of
// ToLocal.
func (p *Projection) FromLocal(pt orb.Point) orb.Point {
	b := p.bounds
	return orb.Point{
		b.MinX + pt.X()/p.tileWidth*(b.MaxX-b.MinX),
		b.MaxY - pt.Y()/p.tileHeight*(b.MaxY-b.MinY),
	}
}

// ToLevel scales level 0 pixels to pixels of the given level.
func ToLevel(pt orb.Point, level int) orb.Point {
	s := math.Pow(2, float64(level))
	return orb.Point{pt.X() * s, pt.Y() * s}
}

// FromLevel scales pixels of the given level back to level 0 pixels.
func FromLevel(pt orb.Point, level int) orb.Point {
	s := math.Pow(2, -float64(level))
	return orb.Point{pt.X() * s, pt.Y() * s}
}

// ScaleAtZoom returns 1 / 2^(level-1). Values are memoized per level.
func (p *Projection) ScaleAtZoom(level int) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.scales[level]; ok {
		return s
	}
	s := 1 / math.Pow(2, float64(level-1))
	p.scales[level] = s
	return s
}

// UnitsPerPixel returns the horizontal map units covered by one pixel at
// the given level.
func (p *Projection) UnitsPerPixel(level int) float64 {
	return (p.bounds.MaxX - p.bounds.MinX) / p.tileWidth / math.Pow(2, float64(level))
}

// TileCenter returns the center of a tile in pixels of its own level.
func (p *Projection) TileCenter(idx tile.Index) orb.Point {
	return orb.Point{
		(float64(idx.X) + 0.5) * p.tileWidth,
		(float64(idx.Y) + 0.5) * p.tileHeight,
	}
}
