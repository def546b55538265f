// Package layer drives a tile layer: it selects the tiles covering a view,
// orders and queues their fetches, keeps them in a bounded cache and tells
// a renderer which tiles to draw and remove.
package layer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/atlasdatatech/tilelayer/cache"
	"github.com/atlasdatatech/tilelayer/fetch"
	"github.com/atlasdatatech/tilelayer/projection"
	"github.com/atlasdatatech/tilelayer/tile"
)

var (
	// ErrNoView is returned by Update on a layer without a view.
	ErrNoView = errors.New("layer has no view")
	// ErrClosed is returned by Update after Close.
	ErrClosed = errors.New("layer closed")
	// ErrPending is returned when drawing a tile that has not settled.
	ErrPending = errors.New("tile still pending")
)

// Renderer draws tiles. A layer never calls its renderer concurrently.
// DrawTile receives Loaded tiles; a renderer that cannot use the content
// should fall back to its placeholder. DrawPlaceholder receives Failed
// tiles with their fetch error.
type Renderer interface {
	DrawTile(t *tile.Tile) error
	RemoveTile(t *tile.Tile) error
	DrawPlaceholder(t *tile.Tile, err error) error
}

type nopRenderer struct{}

func (nopRenderer) DrawTile(*tile.Tile) error               { return nil }
func (nopRenderer) RemoveTile(*tile.Tile) error             { return nil }
func (nopRenderer) DrawPlaceholder(*tile.Tile, error) error { return nil }

// Layer is a tile layer. Its methods are safe for concurrent use; renderer
// calls are serialized by the layer lock, which is always taken before the
// cache and queue locks.
type Layer struct {
	cfg      Config
	proj     *projection.Projection
	cache    *cache.Cache
	queue    *fetch.Queue
	renderer Renderer
	view     ViewState
	log      log.FieldLogger

	mu         sync.Mutex
	active     map[string]*tile.Tile
	latest     map[string]struct{}
	level      int
	lastTiles  []*tile.Tile
	lastBatch  *Batch
	generation uint64
	closed     bool
}

// New validates cfg and creates a layer fetching through fetcher. A nil
// renderer discards draws, a nil view makes Update fail with ErrNoView and
// a nil logger uses the logrus standard logger.
func New(cfg Config, fetcher tile.Fetcher, renderer Renderer, view ViewState, logger log.FieldLogger) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, &ConfigError{Field: "fetcher", Reason: "missing"}
	}
	proj, err := projection.New(cfg.Bounds, cfg.TileWidth, cfg.TileHeight)
	if err != nil {
		return nil, err
	}
	if renderer == nil {
		renderer = nopRenderer{}
	}
	if logger == nil {
		logger = log.StandardLogger()
	}

	l := &Layer{
		cfg:      cfg,
		proj:     proj,
		cache:    cache.New(cfg.CacheSize),
		renderer: renderer,
		view:     view,
		log:      logger,
		active:   make(map[string]*tile.Tile),
	}
	l.queue = fetch.NewQueue(fetcher, fetch.QueueOptions{
		Size:   cfg.QueueSize,
		Track:  cfg.CacheSize,
		Needed: l.cached,
	}, logger)
	l.cache.OnEvict(l.evicted)
	return l, nil
}

// cached reports whether t is still the cache entry for its key.
func (l *Layer) cached(t *tile.Tile) bool {
	c, ok := l.cache.Peek(t.Hash())
	return ok && c == t
}

func (l *Layer) evicted(t *tile.Tile) {
	if l.queue.Remove(t) {
		_ = t.Settle(nil, fetch.ErrDiscarded)
	}
}

// Config returns the layer configuration.
func (l *Layer) Config() Config { return l.cfg }

// Projection returns the tile geometry of the layer.
func (l *Layer) Projection() *projection.Projection { return l.proj }

// Cache returns the tile cache.
func (l *Layer) Cache() *cache.Cache { return l.cache }

// Viewport returns the viewport of the current view.
func (l *Layer) Viewport() (Viewport, error) {
	if l.view == nil {
		return Viewport{}, ErrNoView
	}
	return ViewportFor(l.cfg, l.proj, l.view), nil
}

// Update selects the tiles of the current view, draws those already
// settled and queues the others, each drawn as soon as it settles if it is
// still cached and still part of the latest selection. With KeepLower the
// selection holds the coarser levels too, so they stay drawn under the
// pending finer tiles. When the returned batch completes and no newer
// update happened, the active tiles canPurge allows are removed. An
// unchanged selection that is still fully drawn returns the previous batch.
func (l *Layer) Update(ctx context.Context) (*Batch, error) {
	vp, err := l.Viewport()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	var tiles []*tile.Tile
	if l.cfg.KeepLower {
		cands := l.levelCandidates(vp, vp.Level, true)
		tiles = l.resolveLocked(l.order(cands, vp.Center, vp.Level, true))
	} else {
		tiles = l.selectLocked(vp, true)
	}
	if l.lastBatch != nil && l.lastBatch.Err() == nil && sameTiles(tiles, l.lastTiles) {
		return l.lastBatch, nil
	}

	l.generation++
	gen := l.generation
	l.lastTiles = tiles
	l.level = vp.Level
	l.latest = make(map[string]struct{}, len(tiles))
	for _, t := range tiles {
		l.latest[t.Hash()] = struct{}{}
	}

	l.queue.StartBatch()
	queued := 0
	for _, t := range tiles {
		if t.Fetched() {
			if l.active[t.Hash()] != t {
				l.drawLogged(t)
			}
			continue
		}
		l.queue.Add(t, false)
		queued++
	}
	l.log.Debugf("update level %d: %d tiles, %d queued", vp.Level, len(tiles), queued)

	l.lastBatch = newBatch(ctx, tiles, l.settled, func() { l.purge(gen) })
	return l.lastBatch, nil
}

// settled draws t if it is still wanted.
func (l *Layer) settled(t *tile.Tile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	key := t.Hash()
	if c, ok := l.cache.Get(key); !ok || c != t {
		return
	}
	if _, ok := l.latest[key]; !ok {
		return
	}
	if l.active[key] == t {
		return
	}
	l.drawLogged(t)
}

// purge removes the active tiles canPurge allows, unless a newer update
// superseded generation gen.
func (l *Layer) purge(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || gen != l.generation {
		return
	}
	for _, key := range l.activeKeys() {
		if l.canPurge(l.active[key]) {
			l.removeLocked(key)
		}
	}
}

// canPurge reports whether the active tile t is no longer wanted by the
// latest selection. Tiles finer than its level always go. With KeepLower
// the selection already spans the coarser levels under the view and the
// whole minimum level on unwrapped axes, so the others stay while they
// are in it.
func (l *Layer) canPurge(t *tile.Tile) bool {
	if t.Index().Level > l.level {
		return true
	}
	_, ok := l.latest[t.Hash()]
	return !ok
}

func (l *Layer) drawLogged(t *tile.Tile) {
	if err := l.drawLocked(t); err != nil {
		l.log.Errorf("draw tile %s error ~ %s", t, err)
	}
}

// DrawTile hands a settled tile to the renderer, replacing any active tile
// with the same key, and keeps it in the cache while it is active.
func (l *Layer) DrawTile(t *tile.Tile) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drawLocked(t)
}

func (l *Layer) drawLocked(t *tile.Tile) error {
	key := t.Hash()
	if _, ok := l.active[key]; ok {
		l.removeLocked(key)
	}
	var err error
	switch t.State() {
	case tile.Loaded:
		err = l.renderer.DrawTile(t)
	case tile.Failed:
		l.log.Warnf("could not load tile %s ~ %s", t, t.Err())
		err = l.renderer.DrawPlaceholder(t, t.Err())
	default:
		return fmt.Errorf("draw tile %s: %w", t, ErrPending)
	}
	if err != nil {
		return fmt.Errorf("draw tile %s: %w", t, err)
	}
	l.active[key] = t
	if !l.cached(t) {
		l.cache.Put(t)
	}
	l.cache.Pin(key)
	return nil
}

// Remove takes the active tile with key off the renderer and returns it,
// or nil when no such tile is active. Removing a tile of the latest
// selection makes the next Update draw it again.
func (l *Layer) Remove(key string) *tile.Tile {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.removeLocked(key)
	if _, ok := l.latest[key]; ok && t != nil {
		l.lastTiles = nil
	}
	return t
}

// RemoveTile is Remove by the key of t.
func (l *Layer) RemoveTile(t *tile.Tile) *tile.Tile {
	return l.Remove(t.Hash())
}

func (l *Layer) removeLocked(key string) *tile.Tile {
	t, ok := l.active[key]
	if !ok {
		return nil
	}
	if err := l.renderer.RemoveTile(t); err != nil {
		l.log.Errorf("remove tile %s error ~ %s", t, err)
	}
	delete(l.active, key)
	l.cache.Unpin(key)
	return t
}

// Clear removes every active tile and forgets the last selection. It
// returns the removed tiles.
func (l *Layer) Clear() []*tile.Tile {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clearLocked()
}

func (l *Layer) clearLocked() []*tile.Tile {
	var removed []*tile.Tile
	for _, key := range l.activeKeys() {
		removed = append(removed, l.removeLocked(key))
	}
	l.latest = nil
	l.lastTiles = nil
	l.lastBatch = nil
	l.generation++
	return removed
}

// Reset clears the layer and empties the tile cache.
func (l *Layer) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clearLocked()
	l.cache.Clear()
}

// ActiveTiles returns a copy of the active tile set.
func (l *Layer) ActiveTiles() map[string]*tile.Tile {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]*tile.Tile, len(l.active))
	for k, t := range l.active {
		out[k] = t
	}
	return out
}

// Close stops the fetch queue. Pending draws are dropped.
func (l *Layer) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.queue.Close()
}

func (l *Layer) activeKeys() []string {
	keys := make([]string, 0, len(l.active))
	for k := range l.active {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sameTiles(a, b []*tile.Tile) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
