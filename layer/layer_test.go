package layer

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasdatatech/tilelayer/projection"
	"github.com/atlasdatatech/tilelayer/tile"
)

// testConfig maps map units one to one onto level 0 pixels, y flipped.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Bounds = projection.Bounds{MinX: 0, MaxX: 256, MinY: -256, MaxY: 0}
	cfg.WrapX = false
	cfg.KeepLower = false
	cfg.CacheSize = 64
	return cfg
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func okFetcher() tile.Fetcher {
	return tile.FetcherFunc(func(ctx context.Context, source string) ([]byte, error) {
		return []byte(source), nil
	})
}

func failing(sources ...string) tile.Fetcher {
	bad := make(map[string]bool)
	for _, s := range sources {
		bad[s] = true
	}
	return tile.FetcherFunc(func(ctx context.Context, source string) ([]byte, error) {
		if bad[source] {
			return nil, errors.New("boom")
		}
		return []byte(source), nil
	})
}

// gate blocks each fetch until its source is released.
type gate struct {
	mu      sync.Mutex
	waiting map[string]chan struct{}
}

func newGate() *gate { return &gate{waiting: make(map[string]chan struct{})} }

func (g *gate) ch(source string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.waiting[source]
	if !ok {
		c = make(chan struct{})
		g.waiting[source] = c
	}
	return c
}

func (g *gate) release(source string) { close(g.ch(source)) }

func (g *gate) Fetch(ctx context.Context, source string) ([]byte, error) {
	select {
	case <-g.ch(source):
		return []byte(source), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type recorder struct {
	mu           sync.Mutex
	drawn        []string
	placeholders []string
	removed      []string
}

func (r *recorder) DrawTile(t *tile.Tile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drawn = append(r.drawn, t.Hash())
	return nil
}

func (r *recorder) RemoveTile(t *tile.Tile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, t.Hash())
	return nil
}

func (r *recorder) DrawPlaceholder(t *tile.Tile, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.placeholders = append(r.placeholders, t.Hash())
	return nil
}

func (r *recorder) snapshot() (drawn, placeholders, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.drawn...), append([]string(nil), r.placeholders...), append([]string(nil), r.removed...)
}

// movableView is a ViewState the test moves between updates.
type movableView struct {
	mu sync.Mutex
	v  StaticView
}

// at centers the view on level pixels (x, y) at an integer zoom, matching
// testConfig's bounds.
func (m *movableView) at(level int, x, y, w, h float64) {
	s := math.Pow(2, float64(level))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.v = StaticView{ZoomLevel: float64(level), MapCenter: orb.Point{x / s, -y / s}, Display: Size{Width: w, Height: h}}
}

func (m *movableView) Zoom() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v.Zoom()
}

func (m *movableView) Center() orb.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v.Center()
}

func (m *movableView) Size() Size {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v.Size()
}

func newLayer(t *testing.T, cfg Config, f tile.Fetcher, r Renderer, v ViewState) *Layer {
	l, err := New(cfg, f, r, v, quietLogger())
	require.NoError(t, err)
	return l
}

func hashes(tiles []*tile.Tile) []string {
	out := make([]string, len(tiles))
	for i, t := range tiles {
		out[i] = t.Hash()
	}
	return out
}

func wait(t *testing.T, b *Batch) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
}

func TestTileAtPointScenario(t *testing.T) {
	l := newLayer(t, DefaultConfig(), okFetcher(), nil, nil)
	defer l.Close()
	assert.Equal(t, tile.Index{X: 1, Y: 1, Level: 0}, l.Projection().TileAtPoint(orb.Point{300, 300}, 0))
}

func TestSelectionStaysInRange(t *testing.T) {
	for _, wrap := range []bool{false, true} {
		cfg := testConfig()
		cfg.WrapX, cfg.WrapY = wrap, wrap
		l := newLayer(t, cfg, okFetcher(), nil, nil)

		for _, center := range []orb.Point{{1000, 1000}, {0, 0}, {4096, 4096}, {-100, 2000}} {
			vp := Viewport{Level: 4, Center: center, Size: Size{Width: 512, Height: 512}}
			tiles := l.Tiles(vp, true)
			for _, tl := range tiles {
				idx := tl.Index()
				assert.True(t, idx.X >= 0 && idx.X <= 15, "%v wrap=%v", idx, wrap)
				assert.True(t, idx.Y >= 0 && idx.Y <= 15, "%v wrap=%v", idx, wrap)
			}
		}
		l.Close()
	}

	l := newLayer(t, testConfig(), okFetcher(), nil, nil)
	defer l.Close()
	tiles := l.Tiles(Viewport{Level: 4, Center: orb.Point{1000, 1000}, Size: Size{Width: 512, Height: 512}}, false)
	assert.Len(t, tiles, 9)

	// the negative half of the range is dropped
	tiles = l.Tiles(Viewport{Level: 4, Center: orb.Point{0, 0}, Size: Size{Width: 512, Height: 512}}, false)
	assert.Equal(t, []string{"4/0/0", "4/0/1", "4/1/0", "4/1/1"}, hashes(tiles))
}

func TestSelectionIsDeterministic(t *testing.T) {
	vp := Viewport{Level: 5, Center: orb.Point{3000, 2100}, Size: Size{Width: 1280, Height: 720}}

	a := newLayer(t, testConfig(), okFetcher(), nil, nil)
	defer a.Close()
	b := newLayer(t, testConfig(), okFetcher(), nil, nil)
	defer b.Close()

	first := hashes(a.Tiles(vp, true))
	assert.Equal(t, first, hashes(a.Tiles(vp, true)))
	assert.Equal(t, first, hashes(b.Tiles(vp, true)))
	assert.Len(t, first, 24)
}

func TestWrapNormalization(t *testing.T) {
	cfg := testConfig()
	cfg.WrapX = true
	l := newLayer(t, cfg, okFetcher(), nil, nil)
	defer l.Close()

	tiles := l.Tiles(Viewport{Level: 3, Center: orb.Point{0, 128}, Size: Size{Width: 256, Height: 1}}, true)
	assert.Equal(t, []string{"3/7/0", "3/0/0"}, hashes(tiles))
	assert.Equal(t, 7, tiles[0].Index().X)

	// a view wider than the world selects each tile once
	tiles = l.Tiles(Viewport{Level: 0, Center: orb.Point{128, 128}, Size: Size{Width: 1024, Height: 1}}, true)
	assert.Equal(t, []string{"0/0/0"}, hashes(tiles))
}

func TestWrappedSelectionSpansOneWorld(t *testing.T) {
	cfg := testConfig()
	cfg.WrapX = true
	l := newLayer(t, cfg, okFetcher(), nil, nil)
	defer l.Close()

	tiles := l.Tiles(Viewport{Level: 0, Center: orb.Point{128, 128}, Size: Size{Width: 256 * 10000, Height: 1}}, true)
	assert.Equal(t, []string{"0/0/0"}, hashes(tiles))

	tiles = l.Tiles(Viewport{Level: 2, Center: orb.Point{512, 128}, Size: Size{Width: 1e7, Height: 1}}, true)
	assert.ElementsMatch(t, []string{"2/0/0", "2/1/0", "2/2/0", "2/3/0"}, hashes(tiles))
	// the copies nearest the center come first
	assert.ElementsMatch(t, []string{"2/1/0", "2/2/0"}, hashes(tiles[:2]))

	// a far zoomed out camera scales the display by 2^30
	view := StaticView{ZoomLevel: -30, MapCenter: orb.Point{128, -128}, Display: Size{Width: 1024, Height: 768}}
	l2 := newLayer(t, cfg, okFetcher(), nil, view)
	defer l2.Close()
	b, err := l2.Update(context.Background())
	require.NoError(t, err)
	wait(t, b)
	assert.Equal(t, []string{"0/0/0"}, hashes(b.Tiles()))
}

func TestInvertedCornersAreSwapped(t *testing.T) {
	l := newLayer(t, testConfig(), okFetcher(), nil, nil)
	defer l.Close()
	center := orb.Point{1000, 1000}
	want := hashes(l.Tiles(Viewport{Level: 4, Center: center, Size: Size{Width: 512, Height: 512}}, true))

	for _, size := range []Size{{Width: -512, Height: -512}, {Width: -512, Height: 512}, {Width: 512, Height: -512}} {
		got := hashes(l.Tiles(Viewport{Level: 4, Center: center, Size: size}, true))
		assert.Equal(t, want, got, "%v", size)
	}
}

func TestMetricOrdering(t *testing.T) {
	l := newLayer(t, testConfig(), okFetcher(), nil, nil)
	defer l.Close()
	less := l.Metric(orb.Point{300, 200}, 1)

	input := []tile.Index{
		{X: 0, Y: 1, Level: 1},
		{X: 1, Y: 1, Level: 1},
		{X: 0, Y: 0, Level: 0},
		{X: 1, Y: 0, Level: 1},
	}
	sort.SliceStable(input, func(i, j int) bool { return less(input[i], input[j]) })
	assert.Equal(t, []tile.Index{
		{X: 0, Y: 0, Level: 0},
		{X: 1, Y: 0, Level: 1},
		{X: 1, Y: 1, Level: 1},
		{X: 0, Y: 1, Level: 1},
	}, input)

	// coarser first, even when farther away
	far := tile.Index{X: 0, Y: 0, Level: 0}
	near := tile.Index{X: 1, Y: 0, Level: 1}
	assert.True(t, less(far, near))
	assert.False(t, less(near, far))
}

func TestSortedSelectionTieBreak(t *testing.T) {
	l := newLayer(t, testConfig(), okFetcher(), nil, nil)
	defer l.Close()
	tiles := l.Tiles(Viewport{Level: 2, Center: orb.Point{384, 128}, Size: Size{Width: 512, Height: 1}}, true)
	assert.Equal(t, []string{"2/1/0", "2/0/0", "2/2/0"}, hashes(tiles))

	tiles = l.Tiles(Viewport{Level: 2, Center: orb.Point{384, 128}, Size: Size{Width: 512, Height: 1}}, false)
	assert.Equal(t, []string{"2/0/0", "2/1/0", "2/2/0"}, hashes(tiles))
}

func TestPrefetchPartialFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MinLevel = 2
	l := newLayer(t, cfg, failing("2/0/0"), nil, nil)
	defer l.Close()

	b := l.Prefetch(context.Background(), 2, Viewport{Level: 2, Center: orb.Point{384, 128}, Size: Size{Width: 512, Height: 1}})
	wait(t, b)

	assert.Equal(t, []string{"2/1/0", "2/0/0", "2/2/0"}, hashes(b.Tiles()))
	assert.Equal(t, []string{"2/0/0"}, hashes(b.Failed()))
	assert.Equal(t, []string{"2/1/0", "2/2/0"}, hashes(b.Loaded()))
}

func TestPrefetchWalksLevels(t *testing.T) {
	cfg := testConfig()
	cfg.MinLevel = 1
	l := newLayer(t, cfg, okFetcher(), nil, nil)
	defer l.Close()

	b := l.Prefetch(context.Background(), 3, Viewport{Level: 3, Center: orb.Point{1024, 1024}, Size: Size{Width: 600, Height: 600}})
	wait(t, b)

	var levels []int
	for _, tl := range b.Tiles() {
		assert.Equal(t, tile.Loaded, tl.State())
		levels = append(levels, tl.Index().Level)
	}
	assert.True(t, sort.IntsAreSorted(levels))
	assert.Equal(t, 1, levels[0])
	assert.Equal(t, 3, levels[len(levels)-1])
	// the view straddles the center of the world at every level
	assert.Equal(t, []string{"1/0/0", "1/0/1", "1/1/0", "1/1/1"}, hashes(b.Tiles()[:4]))
}

func TestUpdatePartialFailure(t *testing.T) {
	view := &movableView{}
	view.at(2, 384, 128, 512, 1)
	r := &recorder{}
	l := newLayer(t, testConfig(), failing("2/0/0"), r, view)
	defer l.Close()

	b, err := l.Update(context.Background())
	require.NoError(t, err)
	wait(t, b)

	drawn, placeholders, removed := r.snapshot()
	sort.Strings(drawn)
	assert.Equal(t, []string{"2/1/0", "2/2/0"}, drawn)
	assert.Equal(t, []string{"2/0/0"}, placeholders)
	assert.Empty(t, removed)
	assert.Len(t, l.ActiveTiles(), 3)
	assert.Len(t, b.Failed(), 1)
}

func TestStaleTileIsNotDrawn(t *testing.T) {
	g := newGate()
	view := &movableView{}
	view.at(2, 128, 128, 1, 1)
	r := &recorder{}
	l := newLayer(t, testConfig(), g, r, view)
	defer l.Close()

	first, err := l.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2/0/0"}, hashes(first.Tiles()))

	view.at(2, 640, 640, 1, 1)
	second, err := l.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2/2/2"}, hashes(second.Tiles()))

	g.release("2/0/0")
	wait(t, first)
	g.release("2/2/2")
	wait(t, second)

	drawn, _, _ := r.snapshot()
	assert.Equal(t, []string{"2/2/2"}, drawn)
	_, ok := l.ActiveTiles()["2/0/0"]
	assert.False(t, ok)
}

func TestUnchangedSelectionReusesBatch(t *testing.T) {
	view := &movableView{}
	view.at(3, 1000, 1000, 300, 300)
	l := newLayer(t, testConfig(), okFetcher(), &recorder{}, view)
	defer l.Close()

	a, err := l.Update(context.Background())
	require.NoError(t, err)
	b, err := l.Update(context.Background())
	require.NoError(t, err)
	assert.True(t, a == b)

	view.at(3, 1300, 1000, 300, 300)
	c, err := l.Update(context.Background())
	require.NoError(t, err)
	assert.False(t, a == c)
}

func TestUpdatePurgesAfterZoom(t *testing.T) {
	view := &movableView{}
	view.at(2, 128, 128, 1, 1)
	r := &recorder{}
	l := newLayer(t, testConfig(), okFetcher(), r, view)
	defer l.Close()

	b, err := l.Update(context.Background())
	require.NoError(t, err)
	wait(t, b)
	assert.Contains(t, l.ActiveTiles(), "2/0/0")

	view.at(3, 384, 384, 1, 1)
	b, err = l.Update(context.Background())
	require.NoError(t, err)
	wait(t, b)

	active := l.ActiveTiles()
	assert.Len(t, active, 1)
	assert.Contains(t, active, "3/1/1")
	_, _, removed := r.snapshot()
	assert.Equal(t, []string{"2/0/0"}, removed)
	assert.False(t, l.Cache().Pinned("2/0/0"))
}

func TestLowerLevelsStayDrawnWhileFinerLoad(t *testing.T) {
	cfg := testConfig()
	cfg.KeepLower = true
	g := newGate()
	g.release("0/0/0")
	g.release("1/0/0")
	view := &movableView{}
	view.at(1, 128, 128, 1, 1)
	r := &recorder{}
	l := newLayer(t, cfg, g, r, view)
	defer l.Close()

	b, err := l.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0/0/0", "1/0/0"}, hashes(b.Tiles()))
	wait(t, b)

	view.at(2, 128, 128, 1, 1)
	b, err = l.Update(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0/0/0", "1/0/0", "2/0/0"}, hashes(b.Tiles()))
	select {
	case <-b.Done():
		t.Fatal("batch done before 2/0/0 loaded")
	default:
	}
	active := l.ActiveTiles()
	assert.Len(t, active, 2)
	assert.Contains(t, active, "0/0/0")
	assert.Contains(t, active, "1/0/0")

	g.release("2/0/0")
	wait(t, b)
	assert.Len(t, l.ActiveTiles(), 3)
	_, _, removed := r.snapshot()
	assert.Empty(t, removed)

	// zooming out drops the finer level only
	view.at(1, 64, 64, 1, 1)
	b, err = l.Update(context.Background())
	require.NoError(t, err)
	wait(t, b)
	drawn, _, removed := r.snapshot()
	sort.Strings(drawn)
	assert.Equal(t, []string{"2/0/0"}, removed)
	assert.Equal(t, []string{"0/0/0", "1/0/0", "2/0/0"}, drawn)
	assert.Len(t, l.ActiveTiles(), 2)
}

func TestKeepLowerSpansMinLevel(t *testing.T) {
	cfg := testConfig()
	cfg.KeepLower = true
	cfg.MinLevel = 1
	view := &movableView{}
	view.at(3, 100, 100, 1, 1)
	l := newLayer(t, cfg, okFetcher(), &recorder{}, view)
	defer l.Close()

	b, err := l.Update(context.Background())
	require.NoError(t, err)
	wait(t, b)

	tiles := hashes(b.Tiles())
	require.Len(t, tiles, 6)
	assert.ElementsMatch(t, []string{"1/0/0", "1/0/1", "1/1/0", "1/1/1"}, tiles[:4])
	assert.Equal(t, []string{"2/0/0", "3/0/0"}, tiles[4:])
	assert.Len(t, l.ActiveTiles(), 6)
	assert.True(t, DefaultConfig().KeepLower)
}

func TestRemovedTileIsRedrawn(t *testing.T) {
	view := &movableView{}
	view.at(2, 128, 128, 1, 1)
	r := &recorder{}
	l := newLayer(t, testConfig(), okFetcher(), r, view)
	defer l.Close()

	a, err := l.Update(context.Background())
	require.NoError(t, err)
	wait(t, a)
	require.NotNil(t, l.Remove("2/0/0"))

	b, err := l.Update(context.Background())
	require.NoError(t, err)
	assert.False(t, a == b)
	wait(t, b)

	drawn, _, _ := r.snapshot()
	assert.Equal(t, []string{"2/0/0", "2/0/0"}, drawn)
	assert.Contains(t, l.ActiveTiles(), "2/0/0")

	c, err := l.Update(context.Background())
	require.NoError(t, err)
	assert.True(t, b == c)
}

func TestActiveTilesAreNeverEvicted(t *testing.T) {
	cfg := testConfig()
	cfg.CacheSize = 4
	view := &movableView{}
	view.at(2, 384, 128, 512, 1)
	l := newLayer(t, cfg, okFetcher(), &recorder{}, view)
	defer l.Close()

	b, err := l.Update(context.Background())
	require.NoError(t, err)
	wait(t, b)
	active := l.ActiveTiles()
	require.Len(t, active, 3)

	for i := 0; i < 20; i++ {
		l.Tiles(Viewport{Level: 4, Center: orb.Point{float64(i*256 + 128), 3000}, Size: Size{Width: 1, Height: 1}}, true)
		for key, tl := range active {
			cached, ok := l.Cache().Peek(key)
			require.True(t, ok, key)
			assert.True(t, cached == tl, key)
		}
	}
	assert.Equal(t, 4, l.Cache().Capacity())
	assert.Equal(t, 4, l.Cache().Len())
}

func TestCacheBoundWithoutActiveTiles(t *testing.T) {
	cfg := testConfig()
	cfg.CacheSize = 8
	l := newLayer(t, cfg, okFetcher(), nil, nil)
	defer l.Close()

	for i := 0; i < 50; i++ {
		l.Tiles(Viewport{Level: 6, Center: orb.Point{float64(i * 300), float64(i * 200)}, Size: Size{Width: 300, Height: 1}}, true)
		assert.True(t, l.Cache().Len() <= l.Cache().Capacity())
	}
	assert.Equal(t, 8, l.Cache().Capacity())
}

func TestCacheGrowsForLargeSelection(t *testing.T) {
	cfg := testConfig()
	cfg.CacheSize = 2
	l := newLayer(t, cfg, okFetcher(), nil, nil)
	defer l.Close()

	tiles := l.Tiles(Viewport{Level: 4, Center: orb.Point{1000, 1000}, Size: Size{Width: 512, Height: 512}}, true)
	assert.Len(t, tiles, 9)
	assert.Equal(t, 9, l.Cache().Capacity())
	for _, tl := range tiles {
		cached, ok := l.Cache().Peek(tl.Hash())
		require.True(t, ok)
		assert.True(t, cached == tl)
	}
}

func TestDrawTileAndRemove(t *testing.T) {
	r := &recorder{}
	l := newLayer(t, testConfig(), okFetcher(), r, nil)
	defer l.Close()

	_, err := l.Update(context.Background())
	assert.Equal(t, ErrNoView, err)

	idx := tile.Index{X: 1, Y: 1, Level: 2}
	pending := tile.New(idx, Size{Width: 256, Height: 256}, "p")
	assert.True(t, errors.Is(l.DrawTile(pending), ErrPending))

	first := tile.New(idx, Size{Width: 256, Height: 256}, "a")
	require.NoError(t, first.Settle([]byte("a"), nil))
	second := tile.New(idx, Size{Width: 256, Height: 256}, "b")
	require.NoError(t, second.Settle([]byte("b"), nil))

	require.NoError(t, l.DrawTile(first))
	assert.True(t, l.Cache().Pinned("2/1/1"))
	require.NoError(t, l.DrawTile(second))

	drawn, _, removed := r.snapshot()
	assert.Equal(t, []string{"2/1/1", "2/1/1"}, drawn)
	assert.Equal(t, []string{"2/1/1"}, removed)
	assert.True(t, l.ActiveTiles()["2/1/1"] == second)

	assert.True(t, l.Remove("2/1/1") == second)
	assert.Nil(t, l.Remove("2/1/1"))
	assert.Nil(t, l.RemoveTile(first))
	assert.False(t, l.Cache().Pinned("2/1/1"))
}

func TestClearAndReset(t *testing.T) {
	view := &movableView{}
	view.at(3, 1000, 1000, 600, 600)
	r := &recorder{}
	l := newLayer(t, testConfig(), okFetcher(), r, view)
	defer l.Close()

	b, err := l.Update(context.Background())
	require.NoError(t, err)
	wait(t, b)
	n := len(l.ActiveTiles())
	require.True(t, n > 0)

	removed := l.Clear()
	assert.Len(t, removed, n)
	assert.Empty(t, l.ActiveTiles())
	assert.Equal(t, n, l.Cache().Len())

	// the last selection was forgotten: the same view draws again
	b2, err := l.Update(context.Background())
	require.NoError(t, err)
	assert.False(t, b == b2)
	wait(t, b2)
	assert.Len(t, l.ActiveTiles(), n)

	l.Reset()
	assert.Empty(t, l.ActiveTiles())
	assert.Equal(t, 0, l.Cache().Len())
}

func TestCloseStopsUpdates(t *testing.T) {
	g := newGate()
	view := &movableView{}
	view.at(1, 128, 128, 1, 1)
	r := &recorder{}
	l := newLayer(t, testConfig(), g, r, view)

	b, err := l.Update(context.Background())
	require.NoError(t, err)
	l.Close()
	wait(t, b)

	drawn, _, _ := r.snapshot()
	assert.Empty(t, drawn)
	_, err = l.Update(context.Background())
	assert.Equal(t, ErrClosed, err)
}
