package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/atlasdatatech/rgbtiler/internal/render"
	"github.com/atlasdatatech/rgbtiler/internal/sink"
	"github.com/atlasdatatech/rgbtiler/internal/task"
	"github.com/atlasdatatech/rgbtiler/internal/terrain"
	"github.com/atlasdatatech/rgbtiler/internal/tile"
	"github.com/atlasdatatech/rgbtiler/internal/tilejson"
)

// flagKeys maps config keys to the command line flags bound to them.
var flagKeys = map[string]string{
	"task.workers":          "workers",
	"task.skip-failed":      "skip-failed",
	"tile.min-z":            "min-z",
	"tile.max-z":            "max-z",
	"tile.format":           "format",
	"tile.scheme":           "scheme",
	"tile.size":             "tile-size",
	"tile.resampling":       "resampling",
	"encoding.base-val":     "base-val",
	"encoding.interval":     "interval",
	"encoding.round-digits": "round-digits",
	"encoding.nodata":       "nodata",
	"meta.name":             "name",
	"meta.description":      "description",
	"meta.attribution":      "attribution",
	"meta.base-url":         "base-url",
	"meta.tilejson":         "tilejson",
	"output.force":          "force",
	"log.file":              "log-file",
	"log.verbose":           "verbose",
	"log.quiet":             "quiet",
}

// initConf 初始化配置
func initConf(v *viper.Viper, cfgFile string) error {
	v.SetEnvPrefix("RGBTILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv() // read in environment variables that match

	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
			return &task.ConfigError{Field: "config", Value: cfgFile, Reason: "file does not exist"}
		}
		v.SetConfigType("toml")
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return &task.ConfigError{Field: "config", Value: cfgFile, Reason: err.Error()}
		}
	}

	// tile.min-z and tile.max-z have no default, they must be given
	v.SetDefault("task.workers", task.DefaultWorkers)
	v.SetDefault("task.savepipe", sink.DefaultSavePipe)
	v.SetDefault("task.skip-failed", false)
	v.SetDefault("tile.format", string(tile.PNG))
	v.SetDefault("tile.scheme", string(tile.XYZ))
	v.SetDefault("tile.size", 512)
	v.SetDefault("tile.resampling", string(render.Nearest))
	v.SetDefault("encoding.base-val", terrain.DefaultBase)
	v.SetDefault("encoding.interval", terrain.DefaultInterval)
	v.SetDefault("encoding.round-digits", 0)
	v.SetDefault("encoding.nodata", "transparent")
	v.SetDefault("meta.tilejson", true)
	v.SetDefault("meta.version", tilejson.DefaultVersion)
	v.SetDefault("output.force", false)
	v.SetDefault("log.level", "info")
	return nil
}

// taskOptions builds the task parameters from the merged configuration.
func taskOptions(v *viper.Viper, input, output string) (task.Options, error) {
	opts := task.Options{
		Input:      input,
		Output:     output,
		Workers:    v.GetInt("task.workers"),
		SavePipe:   v.GetInt("task.savepipe"),
		SkipFailed: v.GetBool("task.skip-failed"),
		TileJSON:   v.GetBool("meta.tilejson"),
		Overrides: tilejson.Overrides{
			Name:        v.GetString("meta.name"),
			Description: v.GetString("meta.description"),
			Attribution: v.GetString("meta.attribution"),
			Version:     v.GetString("meta.version"),
			BaseURL:     v.GetString("meta.base-url"),
		},
	}
	if !v.IsSet("tile.min-z") || !v.IsSet("tile.max-z") {
		return opts, &task.ConfigError{Field: "zoom range", Value: "unset", Reason: "--min-z and --max-z are required"}
	}
	opts.MinZoom = v.GetInt("tile.min-z")
	opts.MaxZoom = v.GetInt("tile.max-z")
	if opts.Workers < 1 {
		return opts, &task.ConfigError{Field: "workers", Value: opts.Workers, Reason: "must be at least 1"}
	}

	var err error
	if opts.Scheme, err = tile.ParseScheme(v.GetString("tile.scheme")); err != nil {
		return opts, &task.ConfigError{Field: "scheme", Value: v.GetString("tile.scheme"), Reason: err.Error()}
	}
	ro := render.Options{
		Size: v.GetInt("tile.size"),
		Params: terrain.Params{
			Base:        v.GetFloat64("encoding.base-val"),
			Interval:    v.GetFloat64("encoding.interval"),
			RoundDigits: v.GetInt("encoding.round-digits"),
		},
	}
	if ro.Format, err = tile.ParseFormat(v.GetString("tile.format")); err != nil {
		return opts, &task.ConfigError{Field: "format", Value: v.GetString("tile.format"), Reason: err.Error()}
	}
	if ro.Resampling, err = render.ParseResampling(v.GetString("tile.resampling")); err != nil {
		return opts, &task.ConfigError{Field: "resampling", Value: v.GetString("tile.resampling"), Reason: err.Error()}
	}
	if ro.NoData, err = terrain.ParseSentinel(v.GetString("encoding.nodata")); err != nil {
		return opts, &task.ConfigError{Field: "nodata", Value: v.GetString("encoding.nodata"), Reason: err.Error()}
	}
	opts.Render = ro
	if !v.GetBool("log.quiet") {
		opts.Progress = os.Stderr
	}

	if opts.TileJSON {
		if target, err := sink.DetectTarget(output); err == nil && target != sink.Directory {
			log.Debugf("tilejson only applies to directory output, %s stores its metadata inside", target)
		}
	}
	return opts, nil
}

// logLevel resolves -v/-q against log.level.
func logLevel(v *viper.Viper) (log.Level, error) {
	verbose, quiet := v.GetBool("log.verbose"), v.GetBool("log.quiet")
	switch {
	case verbose && quiet:
		return 0, &task.ConfigError{Field: "verbosity", Value: "-v -q", Reason: "--verbose and --quiet cannot be used together"}
	case verbose:
		return log.DebugLevel, nil
	case quiet:
		return log.WarnLevel, nil
	}
	lvl, err := log.ParseLevel(v.GetString("log.level"))
	if err != nil {
		return 0, &task.ConfigError{Field: "log.level", Value: v.GetString("log.level"), Reason: err.Error()}
	}
	return lvl, nil
}

// describe lists the effective settings.
func describe(v *viper.Viper) string {
	keys := v.AllKeys()
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, v.Get(k))
	}
	return strings.TrimSpace(b.String())
}
