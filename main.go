package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	"github.com/paulmach/orb"
	"github.com/shiena/ansicolor"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlasdatatech/tilelayer/layer"
	"github.com/atlasdatatech/tilelayer/projection"
	"github.com/atlasdatatech/tilelayer/render"
)

// flag
var (
	hf bool
	cf string
	mf string
)

func init() {
	flag.BoolVar(&hf, "h", false, "this help")
	flag.StringVar(&cf, "c", "conf.toml", "set config `file`")
	flag.StringVar(&mf, "m", "seed", "run `mode`, seed or snapshot")
	flag.Usage = usage
	//InitLog 初始化日志
	log.SetFormatter(&nested.Formatter{
		HideKeys:        true,
		ShowFullLevel:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	// then wrap the log output with it
	log.SetOutput(ansicolor.NewAnsiColorWriter(os.Stdout))
	log.SetLevel(log.InfoLevel)
}

func usage() {
	fmt.Fprintf(os.Stderr, `tilelayer version: tilelayer/v0.1.0
Usage: tilelayer [-h] [-c filename] [-m seed|snapshot]
`)
	flag.PrintDefaults()
}

// initConf 初始化配置
func initConf(cfgFile string) {
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		log.Warnf("config file(%s) not exist", cfgFile)
	}
	viper.SetConfigType("toml")
	viper.SetConfigFile(cfgFile)
	viper.AutomaticEnv() // read in environment variables that match
	err := viper.ReadInConfig()
	if err != nil {
		log.Warnf("read config file(%s) error, details: %s", viper.ConfigFileUsed(), err)
	}
	viper.SetDefault("app.version", "v 0.1.0")
	viper.SetDefault("app.title", "MapCloud TileLayer")
	viper.SetDefault("app.loglevel", "info")
	viper.SetDefault("tm.name", "osm")
	viper.SetDefault("tm.schema", "xyz")
	viper.SetDefault("tm.min", 0)
	viper.SetDefault("tm.max", 4)
	viper.SetDefault("tm.format", "png")
	viper.SetDefault("tm.url", "https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png")
	viper.SetDefault("tm.subdomains", []string{"a", "b", "c"})
	viper.SetDefault("tm.timeout", 30)
	viper.SetDefault("layer.cachesize", 600)
	viper.SetDefault("layer.queuesize", 6)
	viper.SetDefault("layer.wrapx", true)
	viper.SetDefault("layer.wrapy", false)
	viper.SetDefault("view.lon", 0.0)
	viper.SetDefault("view.lat", 0.0)
	viper.SetDefault("view.zoom", 2.0)
	viper.SetDefault("view.width", 1024)
	viper.SetDefault("view.height", 768)
	viper.SetDefault("task.geojson", "")
	viper.SetDefault("task.savepipe", 1)
	viper.SetDefault("output.format", "mbtiles")
	viper.SetDefault("output.directory", "output")
	viper.SetDefault("output.snapshot", "snapshot.png")

	if lvl, err := log.ParseLevel(viper.GetString("app.loglevel")); err == nil {
		log.SetLevel(lvl)
	}
}

func newLayer(m TileMap, renderer layer.Renderer, view layer.ViewState) (*layer.Layer, func(), error) {
	cfg, err := m.LayerConfig()
	if err != nil {
		return nil, nil, err
	}
	fetcher, closer, err := m.Fetcher(log.StandardLogger())
	if err != nil {
		return nil, nil, err
	}
	lyr, err := layer.New(cfg, fetcher, renderer, view, log.StandardLogger())
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return lyr, func() {
		lyr.Close()
		closer.Close()
	}, nil
}

func runSeed(ctx context.Context, m TileMap) error {
	path := viper.GetString("task.geojson")
	if path == "" {
		return fmt.Errorf("task.geojson is not set")
	}
	collection, err := loadCollection(path)
	if err != nil {
		return err
	}
	lyr, done, err := newLayer(m, nil, nil)
	if err != nil {
		return err
	}
	defer done()
	task, err := NewTask(lyr, collection, m)
	if err != nil {
		return err
	}
	log.Infof("task %s: zoom %d-%d, %d tiles", task.ID, task.Min, task.Max, task.Total)
	return task.Seed(ctx)
}

func runSnapshot(ctx context.Context, m TileMap) error {
	x, y := projection.LonLatToMercator(viper.GetFloat64("view.lon"), viper.GetFloat64("view.lat"))
	view := layer.StaticView{
		ZoomLevel: viper.GetFloat64("view.zoom"),
		MapCenter: orb.Point{x, y},
		Display:   layer.Size{Width: viper.GetFloat64("view.width"), Height: viper.GetFloat64("view.height")},
	}
	canvas := render.NewCanvas(viper.GetBool("layer.wrapx"), log.StandardLogger())
	lyr, done, err := newLayer(m, canvas, view)
	if err != nil {
		return err
	}
	defer done()

	batch, err := lyr.Update(ctx)
	if err != nil {
		return err
	}
	if err := batch.Wait(ctx); err != nil {
		return err
	}
	vp, err := lyr.Viewport()
	if err != nil {
		return err
	}
	name := viper.GetString("output.snapshot")
	if err := os.MkdirAll(filepath.Dir(name), os.ModePerm); err != nil {
		return err
	}
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := canvas.WritePNG(f, vp); err != nil {
		return err
	}
	log.Infof("snapshot of %d tiles, %d failed, saved to %s", batch.Len(), len(batch.Failed()), name)
	return nil
}

func main() {
	flag.Parse()
	if hf {
		flag.Usage()
		return
	}

	if cf == "" {
		cf = "conf.toml"
	}
	initConf(cf)
	start := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	m := loadTileMap()
	var err error
	switch mf {
	case "seed":
		err = runSeed(ctx, m)
	case "snapshot":
		err = runSnapshot(ctx, m)
	default:
		err = fmt.Errorf("unknown mode %q", mf)
	}
	if err != nil {
		log.Fatal(err)
	}
	secs := time.Since(start).Seconds()
	log.Printf("%.3fs finished...", secs)
}
