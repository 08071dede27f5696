package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/atlasdatatech/rgbtiler/internal/raster"
	_ "github.com/atlasdatatech/rgbtiler/internal/raster/gdal"
	"github.com/atlasdatatech/rgbtiler/internal/sink"
	"github.com/atlasdatatech/rgbtiler/internal/task"
)

var version = "v0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// execute runs the command line and maps the outcome to an exit status.
func execute(ctx context.Context, args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		log.Errorf("%s: %v", task.KindOf(err), err)
	}
	return task.ExitCode(err)
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "rgbtiler INPUT_DEM OUTPUT",
		Short: "Generate terrain RGB tiles from a DEM",
		Long: `rgbtiler encodes a digital elevation model into terrain RGB raster tiles.

OUTPUT selects the sink: *.mbtiles writes an MBTiles container, *.pmtiles a
PMTiles archive, and a path without extension a tile directory.

Examples:
  rgbtiler dem.tif terrain.pmtiles --min-z 8 --max-z 14
  rgbtiler dem.tif terrain.mbtiles --min-z 8 --max-z 14 -j 8
  rgbtiler dem.tif tiles/ --min-z 10 --max-z 16 --format webp --base-url https://tiles.example.com/tiles/`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if check, _ := cmd.Flags().GetBool("check-deps"); check {
				return nil
			}
			if len(args) != 2 {
				return &task.ConfigError{Field: "arguments", Value: strings.Join(args, " "), Reason: "want INPUT_DEM OUTPUT"}
			}
			return nil
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConf(v, cfgFile); err != nil {
				return err
			}
			return initLog(v)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if check, _ := cmd.Flags().GetBool("check-deps"); check {
				checkDeps(cmd)
				return nil
			}
			return run(cmd.Context(), v, args[0], args[1])
		},
	}
	cmd.SetVersionTemplate("rgbtiler {{.Version}}\n")
	cmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &task.ConfigError{Field: "command line", Value: cmd.CommandPath(), Reason: err.Error()}
	})

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config `file` (toml)")
	flags.Int("min-z", 0, "minimum zoom level (0-22)")
	flags.Int("max-z", 0, "maximum zoom level (0-22)")
	flags.IntP("workers", "j", task.DefaultWorkers, "number of parallel workers")
	flags.String("format", "png", "tile format (png|webp)")
	flags.Float64P("base-val", "b", -10000, "base value of the encoding")
	flags.Float64P("interval", "i", 0.1, "precision interval of the encoding")
	flags.IntP("round-digits", "r", 0, "number of low bits zeroed in the encoded value")
	flags.String("scheme", "xyz", "tile naming scheme (xyz|tms|zyx|wms)")
	flags.Bool("tilejson", true, "write tiles.json next to a tile directory")
	flags.String("name", "", "tileset name (default: DEM file name)")
	flags.String("description", "", "tileset description")
	flags.String("attribution", "", "attribution string")
	flags.String("base-url", "", "base URL of the tiles in tiles.json")
	flags.BoolP("force", "f", false, "overwrite an existing output")
	flags.Int("tile-size", 512, "tile size in pixels (256|512)")
	flags.String("resampling", "nearest", "resampling method (nearest|bilinear)")
	flags.String("nodata", "transparent", "nodata color (transparent|black|R,G,B[,A])")
	flags.Bool("skip-failed", false, "skip tiles that fail to render and list them in a manifest")
	flags.BoolP("verbose", "v", false, "verbose output with debug logs")
	flags.BoolP("quiet", "q", false, "show only warnings and errors")
	flags.String("log-file", "", "also write logs to this rotating `file`")
	flags.Bool("check-deps", false, "list the raster drivers and output targets and exit")

	for key, name := range flagKeys {
		v.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

// run plans the tiling job, prepares the output and renders it.
func run(ctx context.Context, v *viper.Viper, input, output string) error {
	opts, err := taskOptions(v, input, output)
	if err != nil {
		return err
	}
	tk, err := task.New(opts)
	if err != nil {
		return err
	}
	if err := prepareOutput(output, v.GetBool("output.force")); err != nil {
		return err
	}
	log.Infof("%s -> %s (%s), zoom %d-%d, %d tiles", input, output, tk.Target, opts.MinZoom, opts.MaxZoom, tk.Total)
	res, err := tk.Run(ctx)
	if res != nil {
		log.Infof("%d/%d tiles written to %s in %s", res.Written, res.Total, res.Output, res.Elapsed.Round(time.Millisecond))
	}
	return err
}

// prepareOutput refuses to overwrite without force and creates the
// parent directories.
func prepareOutput(path string, force bool) error {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		if !force {
			return &task.ConfigError{Field: "output", Value: path, Reason: "already exists, use --force to overwrite"}
		}
		log.Warnf("removing existing output %s", path)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return &task.ConfigError{Field: "output", Value: path, Reason: err.Error()}
	}
	dir := filepath.Dir(filepath.Clean(path))
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}

func checkDeps(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "rgbtiler %s\n\nRaster drivers:\n", version)
	for _, d := range raster.Drivers() {
		fmt.Fprintf(out, "  %s\n", d)
	}
	fmt.Fprintf(out, "  * (GDAL)\n\nOutput targets:\n")
	for _, t := range []sink.Target{sink.Container, sink.Archive, sink.Directory} {
		fmt.Fprintf(out, "  %s\n", t)
	}
}
