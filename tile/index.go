package tile

import (
	"fmt"

	"github.com/paulmach/orb/maptile"
)

// Index addresses a tile in the quad pyramid. At a level z, the tile (x, y)
// is covered by the four tiles (2x..2x+1, 2y..2y+1) of level z+1.
type Index struct {
	X     int
	Y     int
	Level int
}

// Hash returns the cache key of the index, "z/x/y".
func (i Index) Hash() string {
	return fmt.Sprintf("%d/%d/%d", i.Level, i.X, i.Y)
}

func (i Index) String() string { return i.Hash() }

// TilesAtLevel returns the number of tiles along each axis at a level.
func TilesAtLevel(level int) int {
	if level < 0 {
		return 0
	}
	return 1 << uint(level)
}

// Modulo is the remainder of a / n in [0, n).
func Modulo(a, n int) int {
	return ((a % n) + n) % n
}

// Normalize wraps the enabled axes into [0, 2^level).
func (i Index) Normalize(wrapX, wrapY bool) Index {
	n := TilesAtLevel(i.Level)
	if n == 0 {
		return i
	}
	if wrapX {
		i.X = Modulo(i.X, n)
	}
	if wrapY {
		i.Y = Modulo(i.Y, n)
	}
	return i
}

// InRange reports whether x and y are inside [0, 2^level).
func (i Index) InRange() bool {
	n := TilesAtLevel(i.Level)
	return i.X >= 0 && i.X < n && i.Y >= 0 && i.Y < n
}

// Parent returns the tile one level up that contains i.
func (i Index) Parent() Index {
	if i.Level == 0 {
		return i
	}
	return Index{X: floorDiv2(i.X), Y: floorDiv2(i.Y), Level: i.Level - 1}
}

// Children returns the four tiles one level down, row major.
func (i Index) Children() [4]Index {
	x, y, z := 2*i.X, 2*i.Y, i.Level+1
	return [4]Index{
		{X: x, Y: y, Level: z},
		{X: x + 1, Y: y, Level: z},
		{X: x, Y: y + 1, Level: z},
		{X: x + 1, Y: y + 1, Level: z},
	}
}

// FlipY returns the TMS row of an XYZ row.
func (i Index) FlipY() int {
	return TilesAtLevel(i.Level) - 1 - i.Y
}

// MapTile converts the index into an orb web mercator tile. The index must
// be in range.
func (i Index) MapTile() maptile.Tile {
	return maptile.New(uint32(i.X), uint32(i.Y), maptile.Zoom(i.Level))
}

// FromMapTile converts an orb tile into an Index.
func FromMapTile(t maptile.Tile) Index {
	return Index{X: int(t.X), Y: int(t.Y), Level: int(t.Z)}
}

func floorDiv2(v int) int {
	if v < 0 {
		return -((-v + 1) / 2)
	}
	return v / 2
}
