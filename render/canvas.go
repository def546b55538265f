// Package render composites the tiles a layer draws into a raster image.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg" // tile formats
	_ "image/png"
	"io"
	"math"
	"sort"
	"sync"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
	_ "golang.org/x/image/webp"

	"github.com/atlasdatatech/tilelayer/layer"
	"github.com/atlasdatatech/tilelayer/tile"
)

// Background fills the parts of a render no tile covers.
var Background = color.NRGBA{R: 240, G: 240, B: 240, A: 255}

type drawn struct {
	index tile.Index
	size  tile.Size
	img   image.Image
}

// Canvas is a layer.Renderer keeping the decoded image of every active
// tile. Render composites them for a viewport, coarser levels first.
type Canvas struct {
	wrapX bool
	log   log.FieldLogger

	mu    sync.Mutex
	tiles map[string]drawn
}

// NewCanvas returns an empty canvas. With wrapX, each tile is placed at the
// copy of the world nearest to the rendered view.
func NewCanvas(wrapX bool, logger log.FieldLogger) *Canvas {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Canvas{wrapX: wrapX, log: logger, tiles: make(map[string]drawn)}
}

var _ layer.Renderer = (*Canvas)(nil)

// DrawTile decodes the tile content. Content that is not a png, jpeg or
// webp image is drawn as a placeholder.
func (c *Canvas) DrawTile(t *tile.Tile) error {
	img, format, err := image.Decode(bytes.NewReader(t.Content()))
	if err != nil {
		c.log.Warnf("decode tile %s error ~ %s", t, err)
		return c.DrawPlaceholder(t, fmt.Errorf("decode: %w", err))
	}
	c.log.Debugf("draw tile %s (%s)", t, format)
	c.set(t, img)
	return nil
}

// DrawPlaceholder draws the tile key and err in place of the tile.
func (c *Canvas) DrawPlaceholder(t *tile.Tile, err error) error {
	c.set(t, Placeholder(t.Size(), t.Hash(), err))
	return nil
}

// RemoveTile forgets the tile.
func (c *Canvas) RemoveTile(t *tile.Tile) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tiles, t.Hash())
	return nil
}

func (c *Canvas) set(t *tile.Tile, img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiles[t.Hash()] = drawn{index: t.Index(), size: t.Size(), img: img}
}

// Len returns the number of tiles on the canvas.
func (c *Canvas) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tiles)
}

// Render composites the canvas for vp. Tiles of other levels are scaled to
// the viewport level; finer tiles are pasted over coarser ones.
func (c *Canvas) Render(vp layer.Viewport) *image.NRGBA {
	w := int(math.Round(math.Abs(vp.Size.Width)))
	h := int(math.Round(math.Abs(vp.Size.Height)))
	dst := imaging.New(w, h, Background)

	c.mu.Lock()
	list := make([]drawn, 0, len(c.tiles))
	for _, d := range c.tiles {
		list = append(list, d)
	}
	c.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		a, b := list[i].index, list[j].index
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})

	origin := vp.Bound().Min
	for _, d := range list {
		s := math.Pow(2, float64(vp.Level-d.index.Level))
		tw, th := d.size.Width*s, d.size.Height*s
		left := float64(d.index.X) * tw
		top := float64(d.index.Y) * th
		if c.wrapX {
			world := float64(tile.TilesAtLevel(d.index.Level)) * tw
			left += world * math.Round((vp.Center.X()-left-tw/2)/world)
		}
		if left+tw <= origin.X() || left >= origin.X()+float64(w) ||
			top+th <= origin.Y() || top >= origin.Y()+float64(h) {
			continue
		}

		img := d.img
		pw, ph := int(math.Round(tw)), int(math.Round(th))
		if pw < 1 || ph < 1 {
			continue
		}
		if b := img.Bounds(); b.Dx() != pw || b.Dy() != ph {
			img = imaging.Resize(img, pw, ph, imaging.Linear)
		}
		pos := image.Pt(int(math.Round(left-origin.X())), int(math.Round(top-origin.Y())))
		dst = imaging.Overlay(dst, img, pos, 1.0)
	}
	return dst
}

// WritePNG renders vp and encodes it as png.
func (c *Canvas) WritePNG(w io.Writer, vp layer.Viewport) error {
	return imaging.Encode(w, c.Render(vp), imaging.PNG)
}
