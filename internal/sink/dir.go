package sink

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"github.com/atlasdatatech/rgbtiler/internal/tile"
	"github.com/atlasdatatech/rgbtiler/internal/tilejson"
)

// TileJSONFile is the name of the TileJSON document next to tiles/.
const TileJSONFile = "tiles.json"

// DirSink writes one file per tile below {root}/tiles. Tiles never share
// a file, so Accept needs no lock.
type DirSink struct {
	lifecycle
	root     string
	scheme   tile.Scheme
	format   tile.Format
	tilejson bool
}

// NewDirectory creates the output root.
func NewDirectory(opts Options) (*DirSink, error) {
	if err := os.MkdirAll(opts.Path, os.ModePerm); err != nil {
		return nil, err
	}
	return &DirSink{
		root:     opts.Path,
		scheme:   opts.Scheme,
		format:   opts.Format,
		tilejson: opts.TileJSON,
	}, nil
}

func (d *DirSink) Path() string { return d.root }

func (d *DirSink) tilesDir() string { return filepath.Join(d.root, "tiles") }

// Accept saves the tile at its scheme path.
func (d *DirSink) Accept(t tile.Tile) error {
	if err := d.accept(); err != nil {
		return err
	}
	if err := saveToFiles(t, d.tilesDir(), d.scheme, d.format); err != nil {
		return &WriteError{Tile: t.T, Err: err}
	}
	return nil
}

func saveToFiles(t tile.Tile, rootdir string, scheme tile.Scheme, format tile.Format) error {
	fileName := filepath.Join(rootdir, scheme.Path(t.T, format.Ext()))
	if err := os.MkdirAll(filepath.Dir(fileName), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(fileName, t.C, 0644)
}

// Finalize writes tiles.json when enabled. The nested wms layout cannot be
// described by a tiles template, so no document is written for it.
func (d *DirSink) Finalize(m tilejson.Metadata) error {
	if err := d.finalize(); err != nil {
		return err
	}
	if d.tilejson {
		if _, ok := m.TileJSON(); !ok {
			log.Warnf("scheme %s has no tilejson url template, %s not written", d.scheme, TileJSONFile)
		} else if err := d.writeTileJSON(m); err != nil {
			d.fail()
			d.discard()
			return &FinalizeError{Path: d.root, Err: err}
		}
	}
	d.commit()
	log.Infof("tiles written to %s", d.tilesDir())
	return nil
}

func (d *DirSink) writeTileJSON(m tilejson.Metadata) error {
	data, err := m.MarshalTileJSON()
	if err != nil {
		return err
	}
	name := filepath.Join(d.root, TileJSONFile)
	tmp := name + ".partial"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, name)
}

// Abort removes tiles/ and tiles.json.
func (d *DirSink) Abort() error {
	run, err := d.abortState()
	if !run {
		return err
	}
	return d.discard()
}

func (d *DirSink) discard() error {
	var first error
	for _, p := range []string{d.tilesDir(), filepath.Join(d.root, TileJSONFile), filepath.Join(d.root, TileJSONFile+".partial")} {
		if err := os.RemoveAll(p); err != nil && first == nil {
			first = fmt.Errorf("removing %s: %w", p, err)
		}
	}
	// the root goes too when nothing else lives in it
	os.Remove(d.root)
	return first
}
