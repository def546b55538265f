package layer

import (
	"math"

	"github.com/atlasdatatech/tilelayer/projection"
	"github.com/atlasdatatech/tilelayer/tile"
)

// ConfigError reports an invalid layer configuration.
type ConfigError = projection.ConfigError

// MaxSupportedLevel bounds MaxLevel so tile counts fit in an int.
const MaxSupportedLevel = 30

// Config is the static configuration of a layer. It is copied by New and
// never changes afterwards.
type Config struct {
	MinLevel   int
	MaxLevel   int
	TileWidth  int
	TileHeight int
	WrapX      bool
	WrapY      bool
	// KeepLower keeps the coarser levels under the view drawn while the
	// finer ones load. Update then selects every level from MinLevel to
	// the view level, and the whole of MinLevel on unwrapped axes.
	KeepLower bool
	// CacheSize is the initial capacity of the tile cache. It grows when a
	// single selection needs more tiles.
	CacheSize int
	// QueueSize is the number of concurrent fetches.
	QueueSize int
	Bounds    projection.Bounds
	// URL maps a normalized tile index to the source passed to the fetcher.
	URL func(tile.Index) string
}

// DefaultConfig returns a web mercator layer with 256 pixel tiles, wrapped
// horizontally, keeping the lower levels drawn, addressing its tiles by "z/x/y" keys.
func DefaultConfig() Config {
	return Config{
		MinLevel:   0,
		MaxLevel:   18,
		TileWidth:  256,
		TileHeight: 256,
		WrapX:      true,
		WrapY:      false,
		KeepLower:  true,
		CacheSize:  600,
		QueueSize:  6,
		Bounds:     projection.WebMercator,
		URL:        TileKey,
	}
}

// TileKey is a URL function returning the "z/x/y" hash of the index.
func TileKey(idx tile.Index) string { return idx.Hash() }

// Validate checks the configuration and returns a *ConfigError for the
// first invalid field.
func (c Config) Validate() error {
	switch {
	case c.MinLevel < 0:
		return &ConfigError{Field: "minLevel", Reason: "must not be negative"}
	case c.MaxLevel < c.MinLevel:
		return &ConfigError{Field: "maxLevel", Reason: "must not be below minLevel"}
	case c.MaxLevel > MaxSupportedLevel:
		return &ConfigError{Field: "maxLevel", Reason: "too large"}
	case c.TileWidth <= 0:
		return &ConfigError{Field: "tileWidth", Reason: "must be positive"}
	case c.TileHeight <= 0:
		return &ConfigError{Field: "tileHeight", Reason: "must be positive"}
	case c.CacheSize < 0:
		return &ConfigError{Field: "cacheSize", Reason: "must not be negative"}
	case c.QueueSize < 0:
		return &ConfigError{Field: "queueSize", Reason: "must not be negative"}
	case c.URL == nil:
		return &ConfigError{Field: "url", Reason: "missing"}
	}
	return c.Bounds.Validate()
}

// ClampLevel clamps level into [MinLevel, MaxLevel].
func (c Config) ClampLevel(level int) int {
	if level < c.MinLevel {
		return c.MinLevel
	}
	if level > c.MaxLevel {
		return c.MaxLevel
	}
	return level
}

// LevelForZoom floors a fractional map zoom to a tile level of the layer.
func (c Config) LevelForZoom(zoom float64) int {
	if math.IsNaN(zoom) || zoom < float64(c.MinLevel) {
		return c.MinLevel
	}
	if zoom > float64(c.MaxLevel) {
		return c.MaxLevel
	}
	return c.ClampLevel(int(math.Floor(zoom)))
}
