package layer

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/atlasdatatech/tilelayer/projection"
	"github.com/atlasdatatech/tilelayer/tile"
)

// Size is a width and height in pixels.
type Size = tile.Size

// ViewState is the camera a layer follows. Zoom is fractional, Center is in
// map units and Size in display pixels.
type ViewState interface {
	Zoom() float64
	Center() orb.Point
	Size() Size
}

// StaticView is a fixed ViewState.
type StaticView struct {
	ZoomLevel float64
	MapCenter orb.Point
	Display   Size
}

func (v StaticView) Zoom() float64     { return v.ZoomLevel }
func (v StaticView) Center() orb.Point { return v.MapCenter }
func (v StaticView) Size() Size        { return v.Display }

// Viewport is the area to cover at a tile level, center and size in pixels
// of that level.
type Viewport struct {
	Level  int
	Center orb.Point
	Size   Size
}

// AtLevel rescales the viewport to another level.
func (v Viewport) AtLevel(level int) Viewport {
	s := math.Pow(2, float64(level-v.Level))
	return Viewport{
		Level:  level,
		Center: orb.Point{v.Center.X() * s, v.Center.Y() * s},
		Size:   Size{Width: v.Size.Width * s, Height: v.Size.Height * s},
	}
}

// TopLeft returns the top-left corner in level pixels.
func (v Viewport) TopLeft() orb.Point {
	return orb.Point{v.Center.X() - v.Size.Width/2, v.Center.Y() - v.Size.Height/2}
}

// BottomRight returns the bottom-right corner in level pixels.
func (v Viewport) BottomRight() orb.Point {
	return orb.Point{v.Center.X() + v.Size.Width/2, v.Center.Y() + v.Size.Height/2}
}

// Bound returns the covered rectangle in level pixels.
func (v Viewport) Bound() orb.Bound {
	return orb.MultiPoint{v.TopLeft(), v.BottomRight()}.Bound()
}

// ViewportFor converts a camera to the viewport of its tile level: the
// zoom is floored and clamped to the layer levels, the center projected to
// level pixels and the display size scaled by 2^(level - zoom).
func ViewportFor(cfg Config, proj *projection.Projection, view ViewState) Viewport {
	zoom := view.Zoom()
	level := cfg.LevelForZoom(zoom)
	if math.IsNaN(zoom) {
		zoom = float64(level)
	}
	scale := math.Pow(2, float64(level)-zoom)
	size := view.Size()
	return Viewport{
		Level:  level,
		Center: projection.ToLevel(proj.ToLocal(view.Center()), level),
		Size:   Size{Width: size.Width * scale, Height: size.Height * scale},
	}
}
