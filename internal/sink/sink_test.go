package sink

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/protomaps/go-pmtiles/pmtiles"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasdatatech/rgbtiler/internal/tile"
	"github.com/atlasdatatech/rgbtiler/internal/tilejson"
)

var bound = orb.Bound{Min: orb.Point{10, 45}, Max: orb.Point{11, 46}}

func metadata(scheme tile.Scheme, format tile.Format) tilejson.Metadata {
	return tilejson.Synthesize(
		tilejson.Info{Path: "dem.tif", Bounds: bound, Min: 0, Max: 1000},
		tilejson.Options{MinZoom: 6, MaxZoom: 8, Format: format, Scheme: scheme},
		tilejson.Overrides{},
	)
}

// tiles returns a small PNG payload for every tile of bound at z6..z8.
// Tiles of z8 in the same column share their payload.
func tiles(t *testing.T) []tile.Tile {
	t.Helper()
	p, err := tile.NewPlanner(bound, 6, 8)
	require.NoError(t, err)
	var list []tile.Tile
	p.Each(func(tl maptile.Tile) bool {
		c := color.NRGBA{R: uint8(tl.Z), G: uint8(tl.X), B: uint8(tl.Y), A: 255}
		if tl.Z == 8 {
			c.B = 0
		}
		img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
		for i := 0; i < 16; i++ {
			img.SetNRGBA(i%4, i/4, c)
		}
		var buf bytes.Buffer
		require.NoError(t, png.Encode(&buf, img))
		list = append(list, tile.Tile{T: tl, C: buf.Bytes()})
		return true
	})
	require.NotEmpty(t, list)
	return list
}

func shuffled(list []tile.Tile, seed int64) []tile.Tile {
	out := append([]tile.Tile(nil), list...)
	rand.New(rand.NewSource(seed)).Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// acceptAll feeds list from four goroutines.
func acceptAll(t *testing.T, s Sink, list []tile.Tile) {
	t.Helper()
	var wg sync.WaitGroup
	ch := make(chan tile.Tile)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tl := range ch {
				assert.NoError(t, s.Accept(tl))
			}
		}()
	}
	for _, tl := range list {
		ch <- tl
	}
	close(ch)
	wg.Wait()
}

func TestDetectTarget(t *testing.T) {
	for path, want := range map[string]Target{
		"out/dem.mbtiles": Container,
		"out/dem.MBTILES": Container,
		"dem.pmtiles":     Archive,
		"out/terrain":     Directory,
	} {
		got, err := DetectTarget(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got, path)
	}
	_, err := DetectTarget("dem.zip")
	assert.Error(t, err)
}

func TestDirectory(t *testing.T) {
	for _, scheme := range []tile.Scheme{tile.XYZ, tile.TMS, tile.ZYX} {
		t.Run(string(scheme), func(t *testing.T) {
			root := filepath.Join(t.TempDir(), "terrain")
			s, err := New(Options{Path: root, Scheme: scheme, Format: tile.PNG, TileJSON: true})
			require.NoError(t, err)
			require.IsType(t, &DirSink{}, s)

			list := tiles(t)
			acceptAll(t, s, shuffled(list, 1))
			require.NoError(t, s.Finalize(metadata(scheme, tile.PNG)))
			assert.Equal(t, Committed, s.State())

			for _, tl := range list {
				data, err := os.ReadFile(filepath.Join(root, "tiles", scheme.Path(tl.T, "png")))
				require.NoError(t, err)
				assert.Equal(t, tl.C, data)
			}

			data, err := os.ReadFile(filepath.Join(root, TileJSONFile))
			require.NoError(t, err)
			var doc tilejson.TileJSON
			require.NoError(t, json.Unmarshal(data, &doc))
			assert.Equal(t, scheme.TileJSON(), doc.Scheme)
			assert.Equal(t, "mapbox", doc.Encoding)
		})
	}
}

func TestDirectoryWMSSkipsTileJSON(t *testing.T) {
	root := filepath.Join(t.TempDir(), "terrain")
	s, err := NewDirectory(Options{Path: root, Scheme: tile.WMS, Format: tile.PNG, TileJSON: true})
	require.NoError(t, err)
	tl := tiles(t)[0]
	require.NoError(t, s.Accept(tl))
	require.NoError(t, s.Finalize(metadata(tile.WMS, tile.PNG)))
	assert.FileExists(t, filepath.Join(root, "tiles", tile.WMS.Path(tl.T, "png")))
	assert.NoFileExists(t, filepath.Join(root, TileJSONFile))
}

func TestDirectoryAbort(t *testing.T) {
	root := filepath.Join(t.TempDir(), "terrain")
	s, err := NewDirectory(Options{Path: root, Scheme: tile.XYZ, Format: tile.PNG})
	require.NoError(t, err)
	acceptAll(t, s, tiles(t))
	require.NoError(t, s.Abort())
	assert.Equal(t, Failed, s.State())
	assert.NoDirExists(t, filepath.Join(root, "tiles"))
	assert.NoDirExists(t, root)
	assert.NoError(t, s.Abort())
}

func TestStateMachine(t *testing.T) {
	root := filepath.Join(t.TempDir(), "terrain")
	s, err := NewDirectory(Options{Path: root, Scheme: tile.XYZ, Format: tile.PNG})
	require.NoError(t, err)
	assert.Equal(t, Open, s.State())
	tl := tiles(t)[0]
	require.NoError(t, s.Accept(tl))
	assert.Equal(t, Accepting, s.State())
	require.NoError(t, s.Finalize(metadata(tile.XYZ, tile.PNG)))

	err = s.Accept(tl)
	assert.True(t, errors.Is(err, ErrState))
	var serr *StateError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, Committed, serr.State)
	assert.True(t, errors.Is(s.Finalize(metadata(tile.XYZ, tile.PNG)), ErrState))
	assert.True(t, errors.Is(s.Abort(), ErrState))

	failed, err := NewDirectory(Options{Path: filepath.Join(t.TempDir(), "x"), Scheme: tile.XYZ, Format: tile.PNG})
	require.NoError(t, err)
	require.NoError(t, failed.Abort())
	assert.True(t, errors.Is(failed.Accept(tl), ErrState))
	assert.True(t, errors.Is(failed.Finalize(metadata(tile.XYZ, tile.PNG)), ErrState))
}

func writeMBTiles(t *testing.T, path string, list []tile.Tile) {
	t.Helper()
	s, err := New(Options{Path: path, Format: tile.PNG, SavePipe: 4, BatchSize: 7})
	require.NoError(t, err)
	require.IsType(t, &MBTiles{}, s)
	acceptAll(t, s, list)
	require.NoError(t, s.Finalize(metadata(tile.XYZ, tile.PNG)))
	assert.Equal(t, Committed, s.State())
	assert.NoFileExists(t, path+".partial")
}

func TestMBTiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dem.mbtiles")
	list := tiles(t)
	writeMBTiles(t, path, shuffled(list, 2))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	rows, err := db.Query("select zoom_level, tile_column, tile_row, tile_data from tiles order by rowid")
	require.NoError(t, err)
	byTile := make(map[maptile.Tile][]byte)
	var prev [3]uint32
	n := 0
	for rows.Next() {
		var z, x, y uint32
		var data []byte
		require.NoError(t, rows.Scan(&z, &x, &y, &data))
		cur := [3]uint32{z, x, y}
		if n > 0 {
			assert.True(t, prev[0] < z || (prev[0] == z && (prev[1] < x || (prev[1] == x && prev[2] < y))), "rows out of order: %v then %v", prev, cur)
		}
		prev = cur
		n++
		// stored rows are bottom-origin
		byTile[tile.TMS.Tile(maptile.Zoom(z), x, y)] = data
	}
	require.NoError(t, rows.Err())
	rows.Close()

	require.Len(t, byTile, len(list))
	for _, tl := range list {
		assert.Equal(t, tl.C, byTile[tl.T])
	}

	var name, format, bounds string
	require.NoError(t, db.QueryRow("select value from metadata where name = 'name'").Scan(&name))
	require.NoError(t, db.QueryRow("select value from metadata where name = 'format'").Scan(&format))
	require.NoError(t, db.QueryRow("select value from metadata where name = 'bounds'").Scan(&bounds))
	assert.Equal(t, "dem", name)
	assert.Equal(t, "png", format)
	assert.Equal(t, "10.000000,45.000000,11.000000,46.000000", bounds)

	var idx int
	require.NoError(t, db.QueryRow("select count(*) from sqlite_master where type = 'index' and name = 'tile_index'").Scan(&idx))
	assert.Equal(t, 1, idx)
}

func TestMBTilesReproducible(t *testing.T) {
	dir := t.TempDir()
	list := tiles(t)
	a, b := filepath.Join(dir, "a.mbtiles"), filepath.Join(dir, "b.mbtiles")
	writeMBTiles(t, a, shuffled(list, 3))
	writeMBTiles(t, b, shuffled(list, 4))
	da, err := os.ReadFile(a)
	require.NoError(t, err)
	db, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(da, db))
}

func TestMBTilesAbort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dem.mbtiles")
	s, err := NewMBTiles(Options{Path: path, Format: tile.PNG})
	require.NoError(t, err)
	acceptAll(t, s, tiles(t))
	require.NoError(t, s.Abort())
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".partial")
	assert.True(t, errors.Is(s.Accept(tiles(t)[0]), ErrState))
}

func TestMBTilesDuplicateFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dem.mbtiles")
	s, err := NewMBTiles(Options{Path: path, Format: tile.PNG})
	require.NoError(t, err)
	tl := tiles(t)[0]
	require.NoError(t, s.Accept(tl))
	require.NoError(t, s.Accept(tl))
	err = s.Finalize(metadata(tile.XYZ, tile.PNG))
	var ferr *FinalizeError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, Failed, s.State())
	assert.NoFileExists(t, path)
	assert.NoFileExists(t, path+".partial")
}

func readHeader(t *testing.T, path string) pmtiles.HeaderV3 {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Greater(t, len(data), headerLen)
	h, err := pmtiles.DeserializeHeader(data[:headerLen])
	require.NoError(t, err)
	return h
}

func writePMTiles(t *testing.T, path string, list []tile.Tile) {
	t.Helper()
	s, err := New(Options{Path: path, Format: tile.PNG})
	require.NoError(t, err)
	require.IsType(t, &PMTiles{}, s)
	acceptAll(t, s, list)
	require.NoError(t, s.Finalize(metadata(tile.XYZ, tile.PNG)))
	assert.Equal(t, Committed, s.State())
}

func TestPMTiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dem.pmtiles")
	list := tiles(t)
	writePMTiles(t, path, shuffled(list, 5))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "intermediate files left behind")

	h := readHeader(t, path)
	assert.Equal(t, uint8(3), h.SpecVersion)
	assert.Equal(t, uint64(headerLen), h.RootOffset)
	assert.Equal(t, uint64(len(list)), h.AddressedTilesCount)
	assert.Less(t, h.TileContentsCount, h.AddressedTilesCount)
	assert.LessOrEqual(t, h.TileEntriesCount, h.AddressedTilesCount)
	assert.True(t, h.Clustered)
	assert.Equal(t, pmtiles.Gzip, h.InternalCompression)
	assert.Equal(t, pmtiles.NoCompression, h.TileCompression)
	assert.Equal(t, pmtiles.Png, h.TileType)
	assert.Equal(t, uint8(6), h.MinZoom)
	assert.Equal(t, uint8(8), h.MaxZoom)
	assert.Equal(t, uint8(7), h.CenterZoom)
	assert.Equal(t, int32(100000000), h.MinLonE7)
	assert.Equal(t, int32(460000000), h.MaxLatE7)
	assert.Equal(t, int32(105000000), h.CenterLonE7)

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(st.Size()), h.TileDataOffset+h.TileDataLength)
}

func TestPMTilesReproducible(t *testing.T) {
	list := tiles(t)
	a := filepath.Join(t.TempDir(), "a.pmtiles")
	b := filepath.Join(t.TempDir(), "a.pmtiles")
	writePMTiles(t, a, shuffled(list, 6))
	writePMTiles(t, b, shuffled(list, 7))
	da, err := os.ReadFile(a)
	require.NoError(t, err)
	db, err := os.ReadFile(b)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(da, db))
}

func TestPMTilesRejectsWrongPayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dem.pmtiles")
	s, err := NewPMTiles(Options{Path: path, Format: tile.PNG})
	require.NoError(t, err)
	require.NoError(t, s.Accept(tile.Tile{T: maptile.New(0, 0, 0), C: []byte("not an image at all")}))
	err = s.Finalize(metadata(tile.XYZ, tile.PNG))
	var ferr *FinalizeError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, Failed, s.State())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPMTilesAbort(t *testing.T) {
	dir := t.TempDir()
	s, err := NewPMTiles(Options{Path: filepath.Join(dir, "dem.pmtiles"), Format: tile.PNG})
	require.NoError(t, err)
	acceptAll(t, s, tiles(t))
	require.NoError(t, s.Abort())
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOptimizeDirectoriesSplits(t *testing.T) {
	entries := make([]pmtiles.EntryV3, 40000)
	for i := range entries {
		entries[i] = pmtiles.EntryV3{TileID: uint64(i * 3), Offset: uint64(i * 1000), Length: 999 + uint32(i%7), RunLength: 1}
	}
	root, leaves, n := optimizeDirectories(entries, rootLimit)
	assert.LessOrEqual(t, len(root), rootLimit)
	assert.NotEmpty(t, leaves)
	assert.GreaterOrEqual(t, n, 2)

	small := entries[:10]
	root, leaves, n = optimizeDirectories(small, rootLimit)
	assert.NotEmpty(t, root)
	assert.Empty(t, leaves)
	assert.Zero(t, n)
}
