// Package tile defines the addressable unit of a tile layer and its fetch
// lifecycle.
package tile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// State is the fetch lifecycle state of a tile.
type State int

const (
	Pending State = iota
	Loaded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrSettled is returned when a tile that already left Pending is settled
// again.
var ErrSettled = errors.New("tile already settled")

// Fetcher retrieves the content named by a tile source descriptor. It must
// report failures through the returned error and never panic.
type Fetcher interface {
	Fetch(ctx context.Context, source string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, source string) ([]byte, error)

func (f FetcherFunc) Fetch(ctx context.Context, source string) ([]byte, error) {
	return f(ctx, source)
}

// Size is a display size in pixels.
type Size struct {
	Width  float64
	Height float64
}

// Tile is a single fetchable unit of map data. The index, size and source
// never change; the state moves from Pending to Loaded or Failed once.
type Tile struct {
	index  Index
	size   Size
	source string

	mu      sync.Mutex
	state   State
	content []byte
	err     error
	done    chan struct{}
}

// New creates a pending tile.
func New(index Index, size Size, source string) *Tile {
	return &Tile{
		index:  index,
		size:   size,
		source: source,
		done:   make(chan struct{}),
	}
}

func (t *Tile) Index() Index   { return t.index }
func (t *Tile) Size() Size     { return t.size }
func (t *Tile) Source() string { return t.source }

// Hash returns the cache key of the tile.
func (t *Tile) Hash() string { return t.index.Hash() }

func (t *Tile) String() string { return t.index.Hash() }

// State returns the current lifecycle state.
func (t *Tile) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Fetched reports whether the tile left the Pending state.
func (t *Tile) Fetched() bool { return t.State() != Pending }

// Content returns the loaded payload, nil unless Loaded.
func (t *Tile) Content() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.content
}

// Err returns the fetch error of a Failed tile.
func (t *Tile) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the tile is Loaded or Failed.
func (t *Tile) Done() <-chan struct{} { return t.done }

// Settle records the outcome of the fetch. A nil err marks the tile Loaded.
func (t *Tile) Settle(content []byte, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Pending {
		return fmt.Errorf("settle %s: %w", t.index, ErrSettled)
	}
	if err != nil {
		t.state = Failed
		t.err = err
	} else {
		t.state = Loaded
		t.content = content
	}
	close(t.done)
	return nil
}

// Load fetches the tile content and settles the tile. It is a no-op for a
// tile that already settled.
func (t *Tile) Load(ctx context.Context, f Fetcher) {
	if t.Fetched() {
		return
	}
	content, err := f.Fetch(ctx, t.source)
	if err != nil {
		err = fmt.Errorf("fetch tile %s from %q: %w", t.index, t.source, err)
	}
	// a concurrent Settle may win; the first outcome is kept
	_ = t.Settle(content, err)
}

// Wait blocks until the tile settled or ctx is done.
func (t *Tile) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LevelSize returns the pixel size of the whole pyramid at the tile's level.
func (t *Tile) LevelSize() Size {
	s := math.Pow(2, float64(t.index.Level))
	return Size{Width: s * t.size.Width, Height: s * t.size.Height}
}

// Left returns the left edge in pixels of the tile's level.
func (t *Tile) Left() float64 { return t.size.Width * float64(t.index.X) }

// Right returns the right edge in pixels of the tile's level.
func (t *Tile) Right() float64 { return t.size.Width * float64(t.index.X+1) }

// Top returns the top edge in pixels of the tile's level.
func (t *Tile) Top() float64 { return t.size.Height * float64(t.index.Y) }

// Bottom returns the bottom edge in pixels of the tile's level.
func (t *Tile) Bottom() float64 { return t.size.Height * float64(t.index.Y+1) }
