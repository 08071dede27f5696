// Package task runs a tiling job: it plans the pyramid, renders tiles on a
// bounded worker pool and hands them to the output sink.
package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paulmach/orb/maptile"
	log "github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"
	"golang.org/x/sync/errgroup"
	pb "gopkg.in/cheggaaa/pb.v1"
	"gopkg.in/yaml.v3"

	"github.com/atlasdatatech/rgbtiler/internal/raster"
	"github.com/atlasdatatech/rgbtiler/internal/render"
	"github.com/atlasdatatech/rgbtiler/internal/sink"
	"github.com/atlasdatatech/rgbtiler/internal/terrain"
	"github.com/atlasdatatech/rgbtiler/internal/tile"
	"github.com/atlasdatatech/rgbtiler/internal/tilejson"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 4

//Options 任务参数
type Options struct {
	// Input is the DEM path. Open defaults to raster.Open(Input).
	Input string
	Open  func() (raster.Source, error)

	MinZoom int
	MaxZoom int
	Workers int
	Render  render.Options
	Scheme  tile.Scheme

	// Output is the destination; its extension selects the sink.
	Output    string
	TileJSON  bool
	SavePipe  int
	Overrides tilejson.Overrides

	// SkipFailed records tiles that fail to render instead of aborting.
	SkipFailed bool
	// Progress receives the progress bar; nil hides it.
	Progress io.Writer
}

// Validate checks everything that can be checked without the input.
func (o Options) Validate() error {
	if o.Input == "" && o.Open == nil {
		return &ConfigError{Field: "input", Value: `""`, Reason: "no input DEM given"}
	}
	if o.Output == "" {
		return &ConfigError{Field: "output", Value: `""`, Reason: "no output given"}
	}
	if _, err := sink.DetectTarget(o.Output); err != nil {
		return &ConfigError{Field: "output", Value: o.Output, Reason: err.Error()}
	}
	if o.MinZoom < tile.ZoomMin || o.MaxZoom > tile.ZoomMax || o.MinZoom > o.MaxZoom {
		return &ConfigError{Field: "zoom range", Value: fmt.Sprintf("%d-%d", o.MinZoom, o.MaxZoom),
			Reason: fmt.Sprintf("want %d <= min-z <= max-z <= %d", tile.ZoomMin, tile.ZoomMax)}
	}
	if o.Workers < 0 {
		return &ConfigError{Field: "workers", Value: o.Workers, Reason: "must be positive"}
	}
	if _, err := tile.ParseScheme(string(o.Scheme)); err != nil {
		return &ConfigError{Field: "scheme", Value: o.Scheme, Reason: err.Error()}
	}
	if o.Render.Size != 256 && o.Render.Size != 512 {
		return &ConfigError{Field: "tile size", Value: o.Render.Size, Reason: "must be 256 or 512"}
	}
	if _, err := tile.ParseFormat(string(o.Render.Format)); err != nil {
		return &ConfigError{Field: "format", Value: o.Render.Format, Reason: err.Error()}
	}
	if _, err := render.ParseResampling(string(o.Render.Resampling)); err != nil {
		return &ConfigError{Field: "resampling", Value: o.Render.Resampling, Reason: err.Error()}
	}
	if err := o.Render.Params.Validate(); err != nil {
		return &ConfigError{Field: "encoding", Value: fmt.Sprintf("base %v interval %v", o.Render.Params.Base, o.Render.Params.Interval), Reason: err.Error()}
	}
	return nil
}

//Task 切片任务
type Task struct {
	ID      string
	Name    string
	Total   int64
	Bar     *pb.ProgressBar
	Meta    tilejson.Metadata
	Target  sink.Target
	opts    Options
	planner tile.Planner

	current   atomic.Int64
	processed atomic.Int64
	mu        sync.Mutex
	missing   []missingTile
}

// Result summarizes a finished run.
type Result struct {
	ID       string
	Output   string
	Target   sink.Target
	Total    int64
	Written  int64
	Missing  []maptile.Tile
	Manifest string
	Elapsed  time.Duration
}

// New inspects the input and plans the run.
func New(opts Options) (*Task, error) {
	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Render.Resampling == "" {
		opts.Render.Resampling = render.Nearest
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Open == nil {
		path := opts.Input
		opts.Open = func() (raster.Source, error) { return raster.Open(path) }
	}
	target, _ := sink.DetectTarget(opts.Output)

	src, err := opts.Open()
	if err != nil {
		return nil, &InputError{Path: opts.Input, Err: err}
	}
	info, err := tilejson.Inspect(opts.Input, src)
	src.Close()
	if err != nil {
		return nil, &InputError{Path: opts.Input, Err: err}
	}

	min, max := opts.Render.Params.Range()
	if info.Min < min || info.Max > max {
		bad := info.Min
		if info.Max > max {
			bad = info.Max
		}
		return nil, fmt.Errorf("input %s: %w", opts.Input, &terrain.RangeError{Value: bad, Min: min, Max: max})
	}

	planner, err := tile.NewPlanner(info.Bounds, opts.MinZoom, opts.MaxZoom)
	if err != nil {
		return nil, &ConfigError{Field: "zoom range", Value: fmt.Sprintf("%d-%d", opts.MinZoom, opts.MaxZoom), Reason: err.Error()}
	}

	id, _ := shortid.Generate()
	task := &Task{
		ID:      id,
		Target:  target,
		opts:    opts,
		planner: planner,
		Total:   planner.Count(),
	}
	task.Meta = tilejson.Synthesize(info, tilejson.Options{
		MinZoom:  opts.MinZoom,
		MaxZoom:  opts.MaxZoom,
		Format:   opts.Render.Format,
		Scheme:   opts.Scheme,
		TileSize: opts.Render.Size,
	}, opts.Overrides)
	task.Name = task.Meta.Name

	logger := task.logger()
	logger.Infof("bounds %.6f,%.6f,%.6f,%.6f elevation [%v, %v]",
		info.Bounds.Left(), info.Bounds.Bottom(), info.Bounds.Right(), info.Bounds.Top(), info.Min, info.Max)
	counts := planner.ZoomCount()
	zooms := make([]int, 0, len(counts))
	for z := range counts {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)
	for _, z := range zooms {
		logger.WithField("zoom", z).Debugf("zoom %d: %d tiles", z, counts[z])
	}
	if task.Total == 0 {
		logger.Warnf("input does not intersect the web mercator grid at zoom %d-%d", opts.MinZoom, opts.MaxZoom)
	}
	return task, nil
}

func (task *Task) logger() *log.Entry {
	return log.WithField("task", task.ID)
}

// Current is the number of tiles handed to the sink so far.
func (task *Task) Current() int64 {
	return task.current.Load()
}

// Run renders every planned tile and commits the output. The first fatal
// error cancels the pool: tiles in flight finish, nothing new starts, and
// the sink is aborted.
func (task *Task) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	logger := task.logger()
	opts := task.opts

	s, err := sink.New(sink.Options{
		Path:     opts.Output,
		Scheme:   opts.Scheme,
		Format:   opts.Render.Format,
		TileJSON: opts.TileJSON,
		SavePipe: opts.SavePipe,
	})
	if err != nil {
		return nil, fmt.Errorf("creating %s output: %w", task.Target, err)
	}
	logger.Infof("rendering %d tiles to %s %s with %d workers", task.Total, task.Target, opts.Output, opts.Workers)
	if tmpl := task.Meta.URLTemplate(); tmpl != "" && task.Total > 0 {
		var first maptile.Tile
		task.planner.Each(func(t maptile.Tile) bool { first = t; return false })
		logger.Debugf("first tile %s", tilejson.TileURL(tmpl, opts.Scheme, first))
	}

	task.Bar = pb.New64(task.Total).Prefix("Task : ")
	task.Bar.Output = opts.Progress
	if opts.Progress == nil {
		task.Bar.Output = io.Discard
		task.Bar.NotPrint = true
	}
	task.Bar.Start()

	err = task.render(ctx, s)
	if err != nil {
		task.Bar.Finish()
		if aerr := s.Abort(); aerr != nil {
			logger.Errorf("abort %s error ~ %s", opts.Output, aerr)
		}
		if errors.Is(err, context.Canceled) {
			logger.Warnf("task %s got canceled.", task.ID)
		}
		return nil, err
	}

	res := &Result{
		ID:     task.ID,
		Output: opts.Output,
		Target: task.Target,
		Total:  task.Total,
	}
	if len(task.missing) > 0 {
		res.Manifest = opts.Output + ".missing.yaml"
		if err := task.writeManifest(res.Manifest); err != nil {
			task.Bar.Finish()
			s.Abort()
			return nil, fmt.Errorf("writing missing tile manifest: %w", err)
		}
	}
	if err := s.Finalize(task.Meta); err != nil {
		task.Bar.Finish()
		return nil, err
	}
	res.Written = task.Current()
	res.Elapsed = time.Since(start)
	task.Bar.FinishPrint(fmt.Sprintf("task %s finished ~", task.ID))
	logger.Infof("task %s finished, %d tiles in %.3fs", task.ID, res.Written, res.Elapsed.Seconds())

	if len(task.missing) > 0 {
		perr := &PartialError{Manifest: res.Manifest}
		for _, m := range task.missing {
			res.Missing = append(res.Missing, m.tile())
		}
		perr.Missing = res.Missing
		return res, perr
	}
	return res, nil
}

// render feeds the planned tiles to the workers and waits for them.
func (task *Task) render(ctx context.Context, s sink.Sink) error {
	g, gctx := errgroup.WithContext(ctx)
	tiles := make(chan maptile.Tile, task.opts.Workers)
	g.Go(func() error {
		task.planner.Channel(gctx, tiles)
		return nil
	})
	for i := 0; i < task.opts.Workers; i++ {
		g.Go(func() error {
			return task.tileWorker(gctx, tiles, s)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// the planner stops quietly on cancellation
	return ctx.Err()
}

// tileWorker renders with its own raster handle until tiles is drained
// or ctx is done.
func (task *Task) tileWorker(ctx context.Context, tiles <-chan maptile.Tile, s sink.Sink) error {
	src, err := task.opts.Open()
	if err != nil {
		return &InputError{Path: task.opts.Input, Err: err}
	}
	defer src.Close()
	r, err := render.New(src, task.opts.Render)
	if err != nil {
		return err
	}
	for t := range tiles {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := r.Render(t)
		if err != nil {
			if !task.skip(t, err) {
				return err
			}
			task.progress()
			continue
		}
		if err := s.Accept(out); err != nil {
			return err
		}
		task.current.Add(1)
		task.progress()
	}
	return nil
}

func (task *Task) progress() {
	task.processed.Add(1)
	task.Bar.Increment()
}

// skip records a render failure when partial runs are allowed. Encoding
// range errors are never skipped.
func (task *Task) skip(t maptile.Tile, err error) bool {
	var (
		terr *render.TileError
		rerr *terrain.RangeError
	)
	if !task.opts.SkipFailed || errors.As(err, &rerr) || !errors.As(err, &terr) {
		return false
	}
	task.logger().WithField("tile", fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)).Warnf("skipping tile ~ %s", err)
	task.mu.Lock()
	task.missing = append(task.missing, missingTile{Z: uint32(t.Z), X: t.X, Y: t.Y, Error: terr.Err.Error()})
	task.mu.Unlock()
	return true
}

type missingTile struct {
	Z     uint32 `yaml:"z"`
	X     uint32 `yaml:"x"`
	Y     uint32 `yaml:"y"`
	Error string `yaml:"error"`
}

func (m missingTile) tile() maptile.Tile {
	return maptile.New(m.X, m.Y, maptile.Zoom(m.Z))
}

type manifest struct {
	Task    string        `yaml:"task"`
	Input   string        `yaml:"input"`
	Output  string        `yaml:"output"`
	Scheme  string        `yaml:"scheme"`
	Total   int64         `yaml:"total"`
	Missing []missingTile `yaml:"missing"`
}

// writeManifest lists the skipped tiles in XYZ coordinates, ordered like
// the planner emits them.
func (task *Task) writeManifest(path string) error {
	sort.Slice(task.missing, func(i, j int) bool {
		a, b := task.missing[i], task.missing[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	data, err := yaml.Marshal(manifest{
		Task:    task.ID,
		Input:   task.opts.Input,
		Output:  task.opts.Output,
		Scheme:  string(tile.XYZ),
		Total:   task.Total,
		Missing: task.missing,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
