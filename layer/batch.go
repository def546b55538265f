package layer

import (
	"context"
	"sync"

	"github.com/atlasdatatech/tilelayer/tile"
)

// Batch is the aggregate completion of a set of tile fetches. It is done
// once every tile settled, Loaded or Failed, and its continuations ran.
// A failed tile never stops its siblings.
type Batch struct {
	tiles []*tile.Tile
	done  chan struct{}

	mu  sync.Mutex
	err error
}

// newBatch waits for tiles in the background. each runs once per tile as
// soon as it settles, after runs before the batch is marked done. When ctx
// ends first, pending continuations are skipped and Err reports ctx.Err().
func newBatch(ctx context.Context, tiles []*tile.Tile, each func(*tile.Tile), after func()) *Batch {
	b := &Batch{tiles: tiles, done: make(chan struct{})}
	if each == nil {
		go b.waitAll(ctx, after)
		return b
	}

	var wg sync.WaitGroup
	for _, t := range tiles {
		wg.Add(1)
		go func(t *tile.Tile) {
			defer wg.Done()
			if err := t.Wait(ctx); err != nil {
				b.setErr(err)
				return
			}
			each(t)
		}(t)
	}
	go func() {
		wg.Wait()
		if after != nil && b.Err() == nil {
			after()
		}
		close(b.done)
	}()
	return b
}

// doneBatch is a batch that already settled.
func doneBatch(tiles []*tile.Tile) *Batch {
	b := &Batch{tiles: tiles, done: make(chan struct{})}
	close(b.done)
	return b
}

func (b *Batch) waitAll(ctx context.Context, after func()) {
	defer close(b.done)
	for _, t := range b.tiles {
		if err := t.Wait(ctx); err != nil {
			b.setErr(err)
			return
		}
	}
	if after != nil {
		after()
	}
}

func (b *Batch) setErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

// Err returns the context error that ended the batch early, if any.
func (b *Batch) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Done is closed when the batch completes.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Wait blocks until the batch completes or ctx ends.
func (b *Batch) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return b.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tiles returns the tiles of the batch in priority order.
func (b *Batch) Tiles() []*tile.Tile {
	return append([]*tile.Tile(nil), b.tiles...)
}

// Len returns the number of tiles in the batch.
func (b *Batch) Len() int { return len(b.tiles) }

// Loaded returns the tiles that loaded successfully so far.
func (b *Batch) Loaded() []*tile.Tile { return b.inState(tile.Loaded) }

// Failed returns the tiles whose fetch failed so far.
func (b *Batch) Failed() []*tile.Tile { return b.inState(tile.Failed) }

func (b *Batch) inState(s tile.State) []*tile.Tile {
	var out []*tile.Tile
	for _, t := range b.tiles {
		if t.State() == s {
			out = append(out, t)
		}
	}
	return out
}
