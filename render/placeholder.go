package render

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/atlasdatatech/tilelayer/tile"
)

var (
	placeholderFill   = color.NRGBA{R: 200, G: 220, B: 255, A: 255}
	placeholderBorder = color.NRGBA{R: 100, G: 100, B: 100, A: 255}
	placeholderText   = color.NRGBA{R: 60, G: 60, B: 60, A: 255}
)

// Placeholder returns a tile sized image with a border, the tile key and,
// when err is set, the error message clipped to the tile width.
func Placeholder(size tile.Size, key string, err error) *image.NRGBA {
	w, h := int(size.Width), int(size.Height)
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	img := imaging.New(w, h, placeholderFill)
	row := imaging.New(w, 1, placeholderBorder)
	col := imaging.New(1, h, placeholderBorder)
	img = imaging.Paste(img, row, image.Pt(0, 0))
	img = imaging.Paste(img, row, image.Pt(0, h-1))
	img = imaging.Paste(img, col, image.Pt(0, 0))
	img = imaging.Paste(img, col, image.Pt(w-1, 0))

	face := basicfont.Face7x13
	lh := face.Metrics().Height.Round()
	d := &font.Drawer{Dst: img, Src: image.NewUniform(placeholderText), Face: face}
	lines := []string{key}
	if err != nil {
		lines = append(lines, clip(d, err.Error(), w-8))
	}
	y := h/2 - lh*(len(lines)-1)/2
	for _, line := range lines {
		tw := d.MeasureString(line).Round()
		d.Dot = fixed.P((w-tw)/2, y+lh/2)
		d.DrawString(line)
		y += lh
	}
	return img
}

// clip shortens s until it fits in width pixels.
func clip(d *font.Drawer, s string, width int) string {
	r := []rune(s)
	for len(r) > 0 && d.MeasureString(string(r)).Round() > width {
		r = r[:len(r)-1]
	}
	return string(r)
}
