package mbtiles

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/shaxbee/go-spatialite/wkb"

	"github.com/atlasdatatech/tilelayer/tile"
)

// ErrTileNotFound is returned for a tile missing from the file.
var ErrTileNotFound = errors.New("tile not found")

// Reader fetches tiles from an MBTiles file. Its sources are "z/x/y" keys
// with an optional leading slash and file extension.
type Reader struct {
	File string
	db   *sql.DB
}

// Open opens an MBTiles file read only.
func Open(path string) (*Reader, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Reader{File: path, db: db}, nil
}

// ParseSource parses a "z/x/y" source into an index.
func ParseSource(source string) (tile.Index, error) {
	s := strings.TrimPrefix(source, "/")
	if dot := strings.LastIndex(s, "."); dot > strings.LastIndex(s, "/") {
		s = s[:dot]
	}
	var idx tile.Index
	n, err := fmt.Sscanf(s, "%d/%d/%d", &idx.Level, &idx.X, &idx.Y)
	if err != nil || n != 3 {
		return idx, fmt.Errorf("parse tile source %q: not z/x/y", source)
	}
	if idx.Level < 0 || !idx.InRange() {
		return idx, fmt.Errorf("parse tile source %q: out of range", source)
	}
	return idx, nil
}

// Fetch reads the tile named by source. Gzipped content is inflated.
func (r *Reader) Fetch(ctx context.Context, source string) ([]byte, error) {
	idx, err := ParseSource(source)
	if err != nil {
		return nil, err
	}
	var data []byte
	row := r.db.QueryRowContext(ctx, "select tile_data from tiles where zoom_level = ? and tile_column = ? and tile_row = ?",
		idx.Level, idx.X, idx.FlipY())
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%s in %s: %w", idx, r.File, ErrTileNotFound)
		}
		return nil, err
	}
	if isGzipped(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return ioutil.ReadAll(zr)
	}
	return data, nil
}

// Center returns the stored geographic center of a tile.
func (r *Reader) Center(idx tile.Index) (wkb.Point, error) {
	var p wkb.Point
	row := r.db.QueryRow("select center from tile_centers where zoom_level = ? and tile_column = ? and tile_row = ?",
		idx.Level, idx.X, idx.FlipY())
	if err := row.Scan(&p); err != nil {
		if err == sql.ErrNoRows {
			return p, fmt.Errorf("%s in %s: %w", idx, r.File, ErrTileNotFound)
		}
		return p, err
	}
	return p, nil
}

// Metadata returns every metadata row.
func (r *Reader) Metadata() (map[string]string, error) {
	rows, err := r.db.Query("select name, value from metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		meta[name] = value
	}
	return meta, rows.Err()
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}
