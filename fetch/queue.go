package fetch

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/atlasdatatech/tilelayer/tile"
)

var (
	// ErrDiscarded settles a queued tile that was no longer needed when its
	// turn came.
	ErrDiscarded = errors.New("tile discarded from fetch queue")
	// ErrClosed settles tiles added to, or still waiting in, a closed queue.
	ErrClosed = errors.New("fetch queue closed")
)

// Queue defaults.
const (
	DefaultQueueSize  = 6
	DefaultQueueTrack = 600
)

// QueueOptions configures a Queue.
type QueueOptions struct {
	// Size is the number of concurrent fetches.
	Size int
	// Track is the queue length above which every waiting tile is checked
	// against Needed.
	Track int
	// Needed reports whether a waiting tile is still wanted. Nil keeps
	// every tile.
	Needed func(*tile.Tile) bool
}

type queued struct {
	tile  *tile.Tile
	batch int
}

// Queue runs tile fetches with bounded concurrency. Tiles wait in a list;
// tiles added without atEnd jump ahead of older work, and when a batch is
// open they line up behind the other tiles of the same batch.
type Queue struct {
	fetcher tile.Fetcher
	needed  func(*tile.Tile) bool
	log     log.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	size       int
	track      int
	items      []queued
	inflight   map[*tile.Tile]struct{}
	processing int
	batch      int
	nextBatch  int
	closed     bool
}

// NewQueue creates a queue fetching through f.
func NewQueue(f tile.Fetcher, opts QueueOptions, logger log.FieldLogger) *Queue {
	if opts.Size <= 0 {
		opts.Size = DefaultQueueSize
	}
	if opts.Track <= 0 {
		opts.Track = DefaultQueueTrack
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		fetcher:   f,
		needed:    opts.Needed,
		log:       logger,
		ctx:       ctx,
		cancel:    cancel,
		size:      opts.Size,
		track:     opts.Track,
		inflight:  make(map[*tile.Tile]struct{}),
		nextBatch: 1,
	}
}

// Add schedules t for fetching. A tile already waiting is moved to its new
// position; a settled or in-flight tile is left alone.
func (q *Queue) Add(t *tile.Tile, atEnd bool) {
	if t.Fetched() {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		_ = t.Settle(nil, ErrClosed)
		return
	}
	if _, ok := q.inflight[t]; ok {
		return
	}
	q.removeLocked(t)
	q.insertLocked(queued{tile: t, batch: q.batch}, atEnd)
	q.nextLocked()
}

func (q *Queue) insertLocked(item queued, atEnd bool) {
	if atEnd {
		q.items = append(q.items, item)
		return
	}
	pos := 0
	if q.batch != 0 {
		for pos < len(q.items) && q.items[pos].batch == q.batch {
			pos++
		}
	}
	q.items = append(q.items, queued{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = item
}

func (q *Queue) removeLocked(t *tile.Tile) bool {
	for i, item := range q.items {
		if item.tile == t {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Remove takes a waiting tile out of the queue without settling it.
func (q *Queue) Remove(t *tile.Tile) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(t)
}

// Position returns the index of t in the waiting list, or -1.
func (q *Queue) Position(t *tile.Tile) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.tile == t {
			return i
		}
	}
	return -1
}

// StartBatch opens a new batch: tiles added from now on go ahead of older
// work but stay in insertion order among themselves.
func (q *Queue) StartBatch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batch = q.nextBatch
	q.nextBatch++
}

// EndBatch stops batching; tiles added without atEnd go to the front.
func (q *Queue) EndBatch() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.batch = 0
}

// Len returns the number of waiting tiles.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Processing returns the number of fetches in flight.
func (q *Queue) Processing() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Size returns the concurrency limit.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// SetSize changes the concurrency limit. Lowering it does not stop fetches
// already running.
func (q *Queue) SetSize(n int) {
	if n <= 0 {
		n = DefaultQueueSize
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.size = n
	q.nextLocked()
}

func (q *Queue) discardLocked(t *tile.Tile) {
	q.log.Debugf("discard tile %s", t)
	_ = t.Settle(nil, ErrDiscarded)
}

func (q *Queue) nextLocked() {
	if q.closed {
		return
	}
	if q.needed != nil && len(q.items) > q.track {
		kept := q.items[:0]
		for _, item := range q.items {
			if q.needed(item.tile) {
				kept = append(kept, item)
			} else {
				q.discardLocked(item.tile)
			}
		}
		q.items = kept
	}
	for q.processing < q.size && len(q.items) > 0 {
		t := q.items[0].tile
		q.items = q.items[1:]
		if t.Fetched() {
			continue
		}
		if q.needed != nil && !q.needed(t) {
			q.discardLocked(t)
			continue
		}
		q.processing++
		q.inflight[t] = struct{}{}
		q.wg.Add(1)
		go q.run(t)
	}
}

func (q *Queue) run(t *tile.Tile) {
	defer q.wg.Done()
	t.Load(q.ctx, q.fetcher)
	if err := t.Err(); err != nil {
		q.log.Warnf("fetch tile %s failed ~ %s", t, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, t)
	q.processing--
	q.nextLocked()
}

// Close cancels in-flight fetches, settles every waiting tile with
// ErrClosed and waits for the running fetches to return.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	items := q.items
	q.items = nil
	q.mu.Unlock()

	q.cancel()
	for _, item := range items {
		_ = item.tile.Settle(nil, ErrClosed)
	}
	q.wg.Wait()
}
