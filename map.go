package main

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlasdatatech/tilelayer/fetch"
	"github.com/atlasdatatech/tilelayer/layer"
	"github.com/atlasdatatech/tilelayer/mbtiles"
	"github.com/atlasdatatech/tilelayer/tile"
)

//TileMap 瓦片地图类型
type TileMap struct {
	Name        string
	Description string
	Schema      string //"xyz" or "tms"
	Min         int
	Max         int
	Format      string
	JSON        string
	URL         string
	Subdomains  []string
	//MBTiles 本地mbtiles数据源，设置后忽略URL
	MBTiles string
	Timeout int
}

//loadTileMap 读取tm配置
func loadTileMap() TileMap {
	return TileMap{
		Name:        viper.GetString("tm.name"),
		Description: viper.GetString("tm.description"),
		Schema:      viper.GetString("tm.schema"),
		Min:         viper.GetInt("tm.min"),
		Max:         viper.GetInt("tm.max"),
		Format:      viper.GetString("tm.format"),
		JSON:        viper.GetString("tm.json"),
		URL:         viper.GetString("tm.url"),
		Subdomains:  viper.GetStringSlice("tm.subdomains"),
		MBTiles:     viper.GetString("tm.mbtiles"),
		Timeout:     viper.GetInt("tm.timeout"),
	}
}

//LayerConfig 图层配置
func (m TileMap) LayerConfig() (layer.Config, error) {
	cfg := layer.DefaultConfig()
	cfg.MinLevel = m.Min
	cfg.MaxLevel = m.Max
	cfg.CacheSize = viper.GetInt("layer.cachesize")
	cfg.QueueSize = viper.GetInt("layer.queuesize")
	cfg.WrapX = viper.GetBool("layer.wrapx")
	cfg.WrapY = viper.GetBool("layer.wrapy")
	if m.MBTiles == "" {
		tmpl := m.URL
		if strings.EqualFold(m.Schema, "tms") {
			tmpl = strings.NewReplacer("{y}", "{-y}", "{Y}", "{-y}").Replace(tmpl)
		}
		url, err := layer.TemplateURL(tmpl, m.Subdomains)
		if err != nil {
			return cfg, err
		}
		cfg.URL = url
	}
	return cfg, cfg.Validate()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

//Fetcher 瓦片数据源
func (m TileMap) Fetcher(logger log.FieldLogger) (tile.Fetcher, io.Closer, error) {
	if m.MBTiles != "" {
		r, err := mbtiles.Open(m.MBTiles)
		if err != nil {
			return nil, nil, fmt.Errorf("open tile source: %w", err)
		}
		return r, r, nil
	}
	if m.URL == "" {
		return nil, nil, fmt.Errorf("tile map %q has neither url nor mbtiles source", m.Name)
	}
	h := fetch.NewHTTP(secondsOf(m.Timeout), logger)
	return fetch.NewDedup(h), nopCloser{}, nil
}
