package main

import (
	"bytes"
	"sync"
	"time"

	"github.com/paulmach/orb/maptile"

	"github.com/atlasdatatech/tilelayer/mbtiles"
	"github.com/atlasdatatech/tilelayer/tile"
)

//TileSize 默认瓦片大小
const TileSize = 256

//Set a safety set
type Set struct {
	sync.RWMutex
	M maptile.Set
}

//Add 加入集合，已存在返回false
func (s *Set) Add(idx tile.Index) bool {
	s.Lock()
	defer s.Unlock()
	t := idx.MapTile()
	if s.M[t] {
		return false
	}
	s.M[t] = true
	return true
}

//Len 集合大小
func (s *Set) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.M)
}

//detectFormat 根据内容判断瓦片格式
func detectFormat(data []byte, fallback string) string {
	switch {
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return mbtiles.PNG
	case bytes.HasPrefix(data, []byte{0xff, 0xd8, 0xff}):
		return mbtiles.JPG
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return mbtiles.WEBP
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		return mbtiles.PBF
	}
	if fallback == "" {
		return mbtiles.PNG
	}
	return fallback
}

func secondsOf(n int) time.Duration {
	return time.Duration(n) * time.Second
}
