package fetch

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/atlasdatatech/tilelayer/tile"
)

// Dedup collapses concurrent fetches of the same source into one call of
// the wrapped fetcher. Every caller receives the same content slice and
// must treat it as read only.
type Dedup struct {
	next     tile.Fetcher
	inflight singleflight.Group
}

// NewDedup wraps next.
func NewDedup(next tile.Fetcher) *Dedup {
	return &Dedup{next: next}
}

func (d *Dedup) Fetch(ctx context.Context, source string) ([]byte, error) {
	v, err, _ := d.inflight.Do(source, func() (interface{}, error) {
		return d.next.Fetch(ctx, source)
	})
	if err != nil {
		return nil, err
	}
	content, _ := v.([]byte)
	return content, nil
}
