package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/maptile/tilecover"
	log "github.com/sirupsen/logrus"

	"github.com/atlasdatatech/tilelayer/projection"
	"github.com/atlasdatatech/tilelayer/tile"
)

//mercatorBound web墨卡托有效经纬度范围
var mercatorBound = orb.Bound{
	Min: orb.Point{-180, -projection.MaxLatitude},
	Max: orb.Point{180, projection.MaxLatitude},
}

func saveToFiles(t *tile.Tile, rootdir, format string) (string, error) {
	idx := t.Index()
	dir := filepath.Join(rootdir, fmt.Sprintf(`%d`, idx.Level), fmt.Sprintf(`%d`, idx.X))
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", err
	}
	ext := detectFormat(t.Content(), format)
	fileName := filepath.Join(dir, fmt.Sprintf(`%d.%s`, idx.Y, ext))
	if err := ioutil.WriteFile(fileName, t.Content(), 0644); err != nil {
		return "", err
	}
	return fileName, nil
}

//loadCollection 读取geojson，支持要素集、要素及几何
func loadCollection(path string) (orb.Collection, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read file: %w", err)
	}

	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil && len(fc.Features) > 0 {
		var collection orb.Collection
		for _, f := range fc.Features {
			collection = append(collection, f.Geometry)
		}
		return collection, nil
	}

	if f, err := geojson.UnmarshalFeature(data); err == nil && f.Geometry != nil {
		return orb.Collection{f.Geometry}, nil
	}

	g, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return nil, fmt.Errorf("unable to unmarshal %s: %w", path, err)
	}
	return orb.Collection{g.Geometry()}, nil
}

//clipCollection 裁剪到web墨卡托范围
func clipCollection(c orb.Collection) orb.Collection {
	var out orb.Collection
	for _, g := range c {
		if clipped := clip.Geometry(mercatorBound, g); clipped != nil {
			out = append(out, clipped)
		}
	}
	return out
}

func collectionBound(c orb.Collection) orb.Bound {
	bound := c[0].Bound()
	for _, g := range c[1:] {
		bound = bound.Union(g.Bound())
	}
	return bound
}

func getZoomCount(c orb.Collection, minz int, maxz int) map[int]int64 {
	info := make(map[int]int64)
	for z := minz; z <= maxz; z++ {
		for _, g := range c {
			info[z] += tilecover.GeometryCount(g, maptile.Zoom(z))
		}
		log.Debugf("zoom %d covers %d tiles", z, info[z])
	}
	return info
}
