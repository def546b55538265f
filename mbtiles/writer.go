// Package mbtiles stores tiles in, and fetches tiles from, MBTiles files.
package mbtiles

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shaxbee/go-spatialite/wkb"
	log "github.com/sirupsen/logrus"

	"github.com/atlasdatatech/tilelayer/tile"
)

// Version is written to the metadata table.
const Version = "1.2"

// Tile formats.
const (
	PNG  = "png"
	JPG  = "jpg"
	PBF  = "pbf"
	WEBP = "webp"
)

var schema = []string{
	"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);",
	"create table if not exists metadata (name text, value text);",
	"create table if not exists tile_centers (zoom_level integer, tile_column integer, tile_row integer, center blob);",
	"create unique index if not exists name on metadata (name);",
	"create unique index if not exists tile_index on tiles (zoom_level, tile_column, tile_row);",
	"create unique index if not exists center_index on tile_centers (zoom_level, tile_column, tile_row);",
}

// Writer saves tiles into a new MBTiles file.
type Writer struct {
	File   string
	Format string

	mu  sync.Mutex
	db  *sql.DB
	log log.FieldLogger
}

// Create removes any file at path and sets up the MBTiles tables and the
// given metadata rows.
func Create(path, format string, meta map[string]string, logger log.FieldLogger) (*Writer, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return nil, err
		}
	}
	os.Remove(path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// the exclusive locking mode pins the file to a single connection
	db.SetMaxOpenConns(1)
	if err := optimizeConnection(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("optimize %s: %w", path, err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup %s: %w", path, err)
		}
	}
	w := &Writer{File: path, Format: format, db: db, log: logger}
	if meta == nil {
		meta = map[string]string{}
	}
	if _, ok := meta["version"]; !ok {
		meta["version"] = Version
	}
	if _, ok := meta["format"]; !ok && format != "" {
		meta["format"] = format
	}
	if err := w.SetMetadata(meta); err != nil {
		db.Close()
		return nil, err
	}
	return w, nil
}

// SetMetadata inserts or replaces metadata rows.
func (w *Writer) SetMetadata(meta map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for name, value := range meta {
		if _, err := w.db.Exec("insert or replace into metadata (name, value) values (?, ?)", name, value); err != nil {
			return fmt.Errorf("insert metadata %s: %w", name, err)
		}
	}
	return nil
}

// SaveTile stores the content of a loaded tile. Rows are stored in TMS
// order; vector tiles are gzipped.
func (w *Writer) SaveTile(t *tile.Tile) error {
	if t.State() != tile.Loaded {
		return fmt.Errorf("save tile %s: state %s", t, t.State())
	}
	idx := t.Index()
	data := t.Content()
	if w.Format == PBF && !isGzipped(data) {
		var err error
		if data, err = gzipBytes(data); err != nil {
			return fmt.Errorf("gzip tile %s: %w", t, err)
		}
	}
	center := idx.MapTile().Bound().Center()

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.db.Exec("insert or replace into tiles (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?);",
		idx.Level, idx.X, idx.FlipY(), data)
	if err != nil {
		return fmt.Errorf("save tile %s: %w", t, err)
	}
	_, err = w.db.Exec("insert or replace into tile_centers (zoom_level, tile_column, tile_row, center) values (?, ?, ?, ?);",
		idx.Level, idx.X, idx.FlipY(), wkb.Point{X: center.X(), Y: center.Y()})
	if err != nil {
		return fmt.Errorf("save tile center %s: %w", t, err)
	}
	return nil
}

// Count returns the number of stored tiles.
func (w *Writer) Count() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var n int64
	err := w.db.QueryRow("select count(*) from tiles").Scan(&n)
	return n, err
}

// Close optimizes and closes the database.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := optimizeDatabase(w.db); err != nil {
		w.log.Warnf("optimize %s error ~ %s", w.File, err)
	}
	return w.db.Close()
}

func optimizeConnection(db *sql.DB) error {
	_, err := db.Exec("PRAGMA synchronous=0")
	if err != nil {
		return err
	}
	_, err = db.Exec("PRAGMA locking_mode=EXCLUSIVE")
	if err != nil {
		return err
	}
	_, err = db.Exec("PRAGMA journal_mode=DELETE")
	if err != nil {
		return err
	}
	return nil
}

func optimizeDatabase(db *sql.DB) error {
	_, err := db.Exec("ANALYZE;")
	if err != nil {
		return err
	}
	_, err = db.Exec("VACUUM;")
	if err != nil {
		return err
	}
	return nil
}

func isGzipped(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
