package layer

import (
	"context"
	"math"
	"sort"

	"github.com/paulmach/orb"

	"github.com/atlasdatatech/tilelayer/tile"
)

// candidate is a selected index before it is resolved against the cache.
// raw is the index before wrapping, used for distances.
type candidate struct {
	index tile.Index
	raw   tile.Index
}

// Metric returns the load priority order for a view centered on center, in
// pixels of level: coarser levels first, then tiles closer to the center.
// Distances are measured between tile centers and the view center at the
// tile's own level.
func (l *Layer) Metric(center orb.Point, level int) func(a, b tile.Index) bool {
	tw, th := float64(l.cfg.TileWidth), float64(l.cfg.TileHeight)
	dist := func(i tile.Index) float64 {
		s := math.Pow(2, float64(i.Level-level))
		dx := float64(i.X) + 0.5 - center.X()/tw*s
		dy := float64(i.Y) + 0.5 - center.Y()/th*s
		return dx*dx + dy*dy
	}
	return func(a, b tile.Index) bool {
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return dist(a) < dist(b)
	}
}

// candidates enumerates the indices covering vp, x outer and y inner.
// Wrapped axes are normalized, other axes drop indices outside the level,
// or span the whole level when whole is set.
func (l *Layer) candidates(vp Viewport, whole bool) []candidate {
	start := l.proj.TileAtPoint(vp.TopLeft(), vp.Level)
	end := l.proj.TileAtPoint(vp.BottomRight(), vp.Level)
	center := l.proj.TileAtPoint(vp.Center, vp.Level)
	n := tile.TilesAtLevel(vp.Level)
	start.X, end.X = axisRange(start.X, end.X, center.X, n, l.cfg.WrapX, whole)
	start.Y, end.Y = axisRange(start.Y, end.Y, center.Y, n, l.cfg.WrapY, whole)

	var out []candidate
	for x := start.X; x <= end.X; x++ {
		for y := start.Y; y <= end.Y; y++ {
			raw := tile.Index{X: x, Y: y, Level: vp.Level}
			idx := raw.Normalize(l.cfg.WrapX, l.cfg.WrapY)
			if !idx.InRange() {
				continue
			}
			out = append(out, candidate{index: idx, raw: raw})
		}
	}
	return out
}

// axisRange orders [start, end] on one axis of a level with n tiles. A
// wrapped range covering the world is cut to the n indices around center.
// An unwrapped range is intersected with [0, n), an empty intersection
// comes back with start > end.
func axisRange(start, end, center, n int, wrap, whole bool) (int, int) {
	if start > end {
		start, end = end, start
	}
	switch {
	case wrap && end-start+1 >= n:
		start = center - n/2
		return start, start + n - 1
	case wrap:
		return start, end
	case whole:
		return 0, n - 1
	}
	if start < 0 {
		start = 0
	}
	if end > n-1 {
		end = n - 1
	}
	return start, end
}

// levelCandidates walks the levels from MinLevel to level, rescaling vp to
// each. The minimum level spans the whole world when whole is set.
func (l *Layer) levelCandidates(vp Viewport, level int, whole bool) []candidate {
	var cands []candidate
	for lv := l.cfg.MinLevel; lv <= level; lv++ {
		cands = append(cands, l.candidates(vp.AtLevel(lv), whole && lv == l.cfg.MinLevel)...)
	}
	return cands
}

// order sorts candidates by load priority when sorted is set and drops the
// repeated keys produced by wrapping, keeping the first one.
func (l *Layer) order(cands []candidate, center orb.Point, level int, sorted bool) []candidate {
	if sorted {
		less := l.Metric(center, level)
		sort.SliceStable(cands, func(i, j int) bool {
			return less(cands[i].raw, cands[j].raw)
		})
	}
	seen := make(map[tile.Index]struct{}, len(cands))
	out := cands[:0]
	for _, c := range cands {
		if _, ok := seen[c.index]; ok {
			continue
		}
		seen[c.index] = struct{}{}
		out = append(out, c)
	}
	return out
}

// resolveLocked gets or creates the tile of every candidate. The cache is
// purged once, after the whole selection was touched, and grown first when
// the selection and the active tiles outside it do not fit.
func (l *Layer) resolveLocked(cands []candidate) []*tile.Tile {
	selected := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		selected[c.index.Hash()] = struct{}{}
	}
	need := len(cands)
	for key := range l.active {
		if _, ok := selected[key]; !ok {
			need++
		}
	}
	if capacity := l.cache.Capacity(); capacity < need {
		l.log.Warnf("increasing cache size from %d to %d", capacity, need)
		l.cache.SetCapacity(need)
	}

	size := tile.Size{Width: float64(l.cfg.TileWidth), Height: float64(l.cfg.TileHeight)}
	tiles := make([]*tile.Tile, 0, len(cands))
	for _, c := range cands {
		t, ok := l.cache.Get(c.index.Hash())
		if !ok {
			t = tile.New(c.index, size, l.cfg.URL(c.index))
			l.cache.Put(t)
		}
		tiles = append(tiles, t)
	}
	l.cache.Purge()
	return tiles
}

func (l *Layer) selectLocked(vp Viewport, sorted bool) []*tile.Tile {
	cands := l.order(l.candidates(vp, false), vp.Center, vp.Level, sorted)
	return l.resolveLocked(cands)
}

// Covering returns the indices Tiles would select for vp, in enumeration
// order, without touching the cache.
func (l *Layer) Covering(vp Viewport) []tile.Index {
	cands := l.order(l.candidates(vp, false), vp.Center, vp.Level, false)
	out := make([]tile.Index, len(cands))
	for i, c := range cands {
		out[i] = c.index
	}
	return out
}

// Tiles returns the tiles covering vp, in load priority order when sorted
// is set. Missing tiles are created pending and added to the cache.
func (l *Layer) Tiles(vp Viewport, sorted bool) []*tile.Tile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.selectLocked(vp, sorted)
}

// Prefetch selects the tiles covering vp, rescaled to level, at every
// level from MinLevel to level, sorts them together by load priority and
// queues the pending ones. The returned batch completes once all of them
// settled. A closed layer returns an empty, completed batch.
func (l *Layer) Prefetch(ctx context.Context, level int, vp Viewport) *Batch {
	level = l.cfg.ClampLevel(level)
	vp = vp.AtLevel(level)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return doneBatch(nil)
	}

	cands := l.levelCandidates(vp, level, false)
	tiles := l.resolveLocked(l.order(cands, vp.Center, level, true))

	l.queue.StartBatch()
	queued := 0
	for _, t := range tiles {
		if !t.Fetched() {
			l.queue.Add(t, false)
			queued++
		}
	}
	l.log.Debugf("prefetch level %d: %d tiles, %d queued", level, len(tiles), queued)
	return newBatch(ctx, tiles, nil, nil)
}
