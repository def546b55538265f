package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/teris-io/shortid"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/atlasdatatech/tilelayer/layer"
	"github.com/atlasdatatech/tilelayer/mbtiles"
	"github.com/atlasdatatech/tilelayer/projection"
	"github.com/atlasdatatech/tilelayer/tile"
)

//Task 预取任务，按级别预取范围内瓦片并保存
type Task struct {
	ID          string
	Name        string
	Description string
	File        string
	Min         int
	Max         int
	TileMap     TileMap
	Collection  orb.Collection
	Counts      map[int]int64 // tiles touching the collection, per level
	Total       int64         // tiles seeded over the collection bound
	Saved       int64
	Failed      int64
	Bar         *pb.ProgressBar

	layer        *layer.Layer
	writer       *mbtiles.Writer
	wg           sync.WaitGroup
	savePipeSize int
	savingpipe   chan *tile.Tile
	tileSet      Set
	outformat    string
}

//NewTask 创建预取任务
func NewTask(lyr *layer.Layer, collection orb.Collection, m TileMap) (*Task, error) {
	collection = clipCollection(collection)
	if len(collection) == 0 {
		return nil, fmt.Errorf("task area is empty or outside the mercator bounds")
	}
	id, err := shortid.Generate()
	if err != nil {
		return nil, err
	}
	cfg := lyr.Config()
	task := &Task{
		ID:          id,
		Name:        m.Name,
		Description: m.Description,
		Min:         cfg.MinLevel,
		Max:         cfg.MaxLevel,
		TileMap:     m,
		Collection:  collection,
		layer:       lyr,
		tileSet:     Set{M: make(maptile.Set)},
		outformat:   viper.GetString("output.format"),
	}
	task.Counts = getZoomCount(collection, task.Min, task.Max)
	for z := task.Min; z <= task.Max; z++ {
		task.Total += int64(len(lyr.Covering(task.Viewport(z))))
	}
	task.savePipeSize = viper.GetInt("task.savepipe")
	task.savingpipe = make(chan *tile.Tile, task.savePipeSize)
	return task, nil
}

//Bound 范围
func (task *Task) Bound() orb.Bound {
	return collectionBound(task.Collection)
}

//Center 中心点
func (task *Task) Center() orb.Point {
	return task.Bound().Center()
}

//MetaItems 输出
func (task *Task) MetaItems() map[string]string {
	b := task.Bound()
	c := task.Center()
	data := map[string]string{
		"id":          task.ID,
		"name":        task.Name,
		"description": task.Description,
		"attribution": `<a href="http://www.atlasdata.cn/" target="_blank">&copy; MapCloud</a>`,
		"basename":    task.TileMap.Name,
		"format":      task.format(),
		"type":        "baselayer",
		"pixel_scale": strconv.Itoa(TileSize),
		"version":     mbtiles.Version,
		"bounds":      fmt.Sprintf(`%f,%f,%f,%f`, b.Left(), b.Bottom(), b.Right(), b.Top()),
		"center":      fmt.Sprintf(`%f,%f,%d`, c.X(), c.Y(), (task.Min+task.Max)/2),
		"minzoom":     strconv.Itoa(task.Min),
		"maxzoom":     strconv.Itoa(task.Max),
	}
	if task.TileMap.JSON != "" {
		data["json"] = task.TileMap.JSON
	}
	return data
}

func (task *Task) format() string {
	if task.TileMap.Format != "" {
		return task.TileMap.Format
	}
	return mbtiles.PNG
}

//Viewport 任务范围在指定级别的视口
func (task *Task) Viewport(level int) layer.Viewport {
	b := task.Bound()
	proj := task.layer.Projection()
	corner := func(lon, lat float64) orb.Point {
		x, y := projection.LonLatToMercator(lon, lat)
		return projection.ToLevel(proj.ToLocal(orb.Point{x, y}), level)
	}
	bound := orb.MultiPoint{corner(b.Left(), b.Top()), corner(b.Right(), b.Bottom())}.Bound()
	return layer.Viewport{
		Level:  level,
		Center: bound.Center(),
		Size:   layer.Size{Width: bound.Right() - bound.Left(), Height: bound.Top() - bound.Bottom()},
	}
}

//setupOutput 初始化输出
func (task *Task) setupOutput() error {
	outdir := viper.GetString("output.directory")
	if task.outformat != "mbtiles" {
		task.File = filepath.Join(outdir, task.ID+"."+task.TileMap.Name)
		return nil
	}
	if task.File == "" {
		task.File = filepath.Join(outdir, task.ID+"."+task.TileMap.Name+".mbtiles")
	}
	w, err := mbtiles.Create(task.File, task.format(), task.MetaItems(), log.StandardLogger())
	if err != nil {
		return err
	}
	task.writer = w
	return nil
}

//savePipe 保存瓦片管道
func (task *Task) savePipe() {
	defer task.wg.Done()
	for t := range task.savingpipe {
		if err := task.saveTile(t); err != nil {
			log.Errorf("save %s tile error ~ %s", t, err)
			continue
		}
		atomic.AddInt64(&task.Saved, 1)
	}
}

//saveTile 保存瓦片
func (task *Task) saveTile(t *tile.Tile) error {
	if task.writer != nil {
		return task.writer.SaveTile(t)
	}
	name, err := saveToFiles(t, task.File, task.format())
	if err != nil {
		return err
	}
	log.Debugf("tile %s saved to %s", t, name)
	return nil
}

//seedLevel 预取指定层级
func (task *Task) seedLevel(ctx context.Context, level int) error {
	start := time.Now()
	batch := task.layer.Prefetch(ctx, level, task.Viewport(level))
	bar := pb.New(batch.Len()).Prefix(fmt.Sprintf("Zoom %d : ", level))
	bar.Start()

	for _, t := range batch.Tiles() {
		if err := t.Wait(ctx); err != nil {
			bar.Finish()
			return err
		}
		bar.Increment()
		if t.Index().Level != level {
			continue
		}
		task.Bar.Increment()
		if t.State() == tile.Failed {
			atomic.AddInt64(&task.Failed, 1)
			log.Warnf("fetch %s tile error ~ %s", t, t.Err())
			continue
		}
		if task.tileSet.Add(t.Index()) {
			task.savingpipe <- t
		}
	}
	if err := batch.Wait(ctx); err != nil {
		bar.Finish()
		return err
	}
	bar.FinishPrint(fmt.Sprintf("task %s zoom %d finished, %d tiles, %.3fs ~", task.ID, level, batch.Len(), time.Since(start).Seconds()))
	return nil
}

//Seed 开启预取任务
func (task *Task) Seed(ctx context.Context) error {
	if err := task.setupOutput(); err != nil {
		return err
	}
	task.Bar = pb.New64(task.Total).Prefix("Task : ")
	task.Bar.Start()

	task.wg.Add(1)
	go task.savePipe()

	var err error
	for z := task.Min; z <= task.Max; z++ {
		if err = task.seedLevel(ctx, z); err != nil {
			log.Infof("task %s got canceled ~ %s", task.ID, err)
			break
		}
	}
	close(task.savingpipe)
	task.wg.Wait()

	if task.writer != nil {
		if n, cerr := task.writer.Count(); cerr == nil {
			log.Infof("%s holds %d tiles", task.File, n)
		}
		if cerr := task.writer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	task.Bar.FinishPrint(fmt.Sprintf("task %s finished, %d saved, %d failed ~", task.ID, task.Saved, task.Failed))
	return err
}
