package sink

import (
	"bufio"
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb/maptile"
	"github.com/protomaps/go-pmtiles/pmtiles"
	log "github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"

	"github.com/atlasdatatech/rgbtiler/internal/tile"
	"github.com/atlasdatatech/rgbtiler/internal/tilejson"
)

const (
	headerLen = 127
	// rootLimit keeps header and root directory in the first 16 KiB.
	rootLimit = 16384 - headerLen
	// minLeafSize is the first leaf directory size tried.
	minLeafSize = 4096
)

// PMTiles writes a PMTiles v3 archive. Tiles go through an intermediate
// MBTiles container next to the output, which Finalize converts.
type PMTiles struct {
	lifecycle
	path   string
	format tile.Format
	inner  *MBTiles
}

// NewPMTiles opens the intermediate container.
func NewPMTiles(opts Options) (*PMTiles, error) {
	id, err := shortid.Generate()
	if err != nil {
		return nil, err
	}
	inner := opts
	inner.Path = filepath.Join(filepath.Dir(opts.Path), "."+id+".mbtiles")
	mb, err := NewMBTiles(inner)
	if err != nil {
		return nil, err
	}
	return &PMTiles{path: opts.Path, format: opts.Format, inner: mb}, nil
}

func (p *PMTiles) Path() string { return p.path }

func (p *PMTiles) Accept(t tile.Tile) error {
	if err := p.accept(); err != nil {
		return err
	}
	return p.inner.Accept(t)
}

// Finalize commits the intermediate container, converts it and renames
// the validated archive into place.
func (p *PMTiles) Finalize(m tilejson.Metadata) error {
	if err := p.finalize(); err != nil {
		return err
	}
	if err := p.inner.Finalize(m); err != nil {
		p.fail()
		p.discard()
		return err
	}
	partial := p.path + ".partial"
	err := convert(p.inner.Path(), partial, m)
	if err == nil {
		err = validate(partial, p.inner.Count(), p.format)
	}
	if err == nil {
		err = os.Rename(partial, p.path)
	}
	if err != nil {
		p.fail()
		p.discard()
		return &FinalizeError{Path: p.path, Err: err}
	}
	os.Remove(p.inner.Path())
	p.commit()
	log.Infof("pmtiles %s committed, %d tiles", p.path, p.inner.Count())
	return nil
}

func (p *PMTiles) Abort() error {
	run, err := p.abortState()
	if !run {
		return err
	}
	return p.discard()
}

func (p *PMTiles) discard() error {
	var errs []error
	if err := p.inner.Abort(); err != nil && !errors.Is(err, ErrState) {
		errs = append(errs, err)
	}
	for _, f := range []string{p.inner.Path(), p.path + ".partial"} {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type tileRef struct {
	id      uint64
	z, x, y uint32
}

// convert writes the archive: header, root directory, metadata, leaf
// directories, tile data. Tiles are laid out in tile id order with
// identical payloads stored once.
func convert(mbtiles, output string, m tilejson.Metadata) error {
	db, err := sql.Open("sqlite3", mbtiles)
	if err != nil {
		return err
	}
	defer db.Close()

	refs, err := tileRefs(db)
	if err != nil {
		return err
	}

	data, err := os.CreateTemp(filepath.Dir(output), ".tiledata-*")
	if err != nil {
		return err
	}
	defer os.Remove(data.Name())
	defer data.Close()

	entries, contents, dataLen, err := writeTileData(db, refs, data)
	if err != nil {
		return err
	}

	root, leaves, numLeaves := optimizeDirectories(entries, rootLimit)
	meta, err := m.JSON()
	if err != nil {
		return err
	}
	meta, err = gzipBytes(meta)
	if err != nil {
		return err
	}

	h := header(m)
	h.RootOffset = headerLen
	h.RootLength = uint64(len(root))
	h.MetadataOffset = h.RootOffset + h.RootLength
	h.MetadataLength = uint64(len(meta))
	h.LeafDirectoryOffset = h.MetadataOffset + h.MetadataLength
	h.LeafDirectoryLength = uint64(len(leaves))
	h.TileDataOffset = h.LeafDirectoryOffset + h.LeafDirectoryLength
	h.TileDataLength = dataLen
	h.AddressedTilesCount = uint64(len(refs))
	h.TileEntriesCount = uint64(len(entries))
	h.TileContentsCount = contents

	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()
	w := bufio.NewWriter(out)
	for _, part := range [][]byte{pmtiles.SerializeHeader(h), root, meta, leaves} {
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(w, data); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	log.Debugf("pmtiles %s: %d tiles, %d entries, %d contents, %d leaves", output, len(refs), len(entries), contents, numLeaves)
	return out.Close()
}

// tileRefs lists every row keyed by its tile id, ascending.
func tileRefs(db *sql.DB) ([]tileRef, error) {
	rows, err := db.Query("select zoom_level, tile_column, tile_row from tiles")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var refs []tileRef
	for rows.Next() {
		var r tileRef
		if err := rows.Scan(&r.z, &r.x, &r.y); err != nil {
			return nil, err
		}
		xyz := tile.FlipY(maptile.New(r.x, r.y, maptile.Zoom(r.z)))
		r.id = pmtiles.ZxyToID(uint8(r.z), r.x, xyz)
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].id < refs[j].id })
	return refs, nil
}

// writeTileData appends each distinct payload once and builds run-length
// directory entries.
func writeTileData(db *sql.DB, refs []tileRef, w io.Writer) (entries []pmtiles.EntryV3, contents uint64, size uint64, err error) {
	stmt, err := db.Prepare("select tile_data from tiles where zoom_level = ? and tile_column = ? and tile_row = ?")
	if err != nil {
		return nil, 0, 0, err
	}
	defer stmt.Close()

	seen := make(map[string]uint64)
	for _, r := range refs {
		var payload []byte
		if err := stmt.QueryRow(r.z, r.x, r.y).Scan(&payload); err != nil {
			return nil, 0, 0, fmt.Errorf("tile %d/%d/%d: %w", r.z, r.x, r.y, err)
		}
		h := fnv.New128a()
		h.Write(payload)
		sum := string(h.Sum(nil))

		offset, ok := seen[sum]
		if !ok {
			offset = size
			if _, err := w.Write(payload); err != nil {
				return nil, 0, 0, err
			}
			seen[sum] = offset
			size += uint64(len(payload))
			contents++
		}

		if n := len(entries); ok && n > 0 {
			last := &entries[n-1]
			if last.Offset == offset && last.TileID+uint64(last.RunLength) == r.id {
				last.RunLength++
				continue
			}
		}
		entries = append(entries, pmtiles.EntryV3{TileID: r.id, Offset: offset, Length: uint32(len(payload)), RunLength: 1})
	}
	return entries, contents, size, nil
}

func buildRootsLeaves(entries []pmtiles.EntryV3, leafSize int) (root, leaves []byte, numLeaves int) {
	var rootEntries []pmtiles.EntryV3
	for i := 0; i < len(entries); i += leafSize {
		end := i + leafSize
		if end > len(entries) {
			end = len(entries)
		}
		leaf := pmtiles.SerializeEntries(entries[i:end], pmtiles.Gzip)
		rootEntries = append(rootEntries, pmtiles.EntryV3{
			TileID: entries[i].TileID,
			Offset: uint64(len(leaves)),
			Length: uint32(len(leaf)),
		})
		leaves = append(leaves, leaf...)
		numLeaves++
	}
	return pmtiles.SerializeEntries(rootEntries, pmtiles.Gzip), leaves, numLeaves
}

// optimizeDirectories keeps every entry in the root when it fits and
// otherwise doubles the leaf size until the root does.
func optimizeDirectories(entries []pmtiles.EntryV3, target int) (root, leaves []byte, numLeaves int) {
	if len(entries) < 16384 {
		root = pmtiles.SerializeEntries(entries, pmtiles.Gzip)
		if len(root) <= target {
			return root, nil, 0
		}
	}
	for leafSize := minLeafSize; ; leafSize *= 2 {
		root, leaves, numLeaves = buildRootsLeaves(entries, leafSize)
		if len(root) <= target {
			return root, leaves, numLeaves
		}
	}
}

// gzipBytes compresses with a zero modification time.
func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func e7(v float64) int32 {
	return int32(math.Round(v * 10000000))
}

func header(m tilejson.Metadata) pmtiles.HeaderV3 {
	var h pmtiles.HeaderV3
	h.SpecVersion = 3
	h.Clustered = true
	h.InternalCompression = pmtiles.Gzip
	h.TileCompression = pmtiles.NoCompression
	h.TileType = pmtiles.Png
	if m.Format == tile.WEBP {
		h.TileType = pmtiles.Webp
	}
	h.MinZoom = uint8(m.MinZoom)
	h.MaxZoom = uint8(m.MaxZoom)
	h.CenterZoom = uint8(m.CenterZoom)
	h.MinLonE7 = e7(m.Bounds.Left())
	h.MinLatE7 = e7(m.Bounds.Bottom())
	h.MaxLonE7 = e7(m.Bounds.Right())
	h.MaxLatE7 = e7(m.Bounds.Top())
	h.CenterLonE7 = e7(m.Center.X())
	h.CenterLatE7 = e7(m.Center.Y())
	return h
}

// validate re-reads the archive header and checks it against the file
// and the tiles that went in.
func validate(path string, tiles int64, format tile.Format) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(f, buf); err != nil {
		return fmt.Errorf("reading header: %w", err)
	}
	h, err := pmtiles.DeserializeHeader(buf)
	if err != nil {
		return err
	}
	size := uint64(st.Size())
	switch {
	case h.SpecVersion != 3:
		return fmt.Errorf("spec version %d", h.SpecVersion)
	case h.RootOffset != headerLen || h.RootOffset+h.RootLength > size:
		return errors.New("root directory outside archive")
	case h.MetadataOffset+h.MetadataLength > size:
		return errors.New("metadata outside archive")
	case h.LeafDirectoryOffset+h.LeafDirectoryLength > size:
		return errors.New("leaf directories outside archive")
	case h.TileDataOffset+h.TileDataLength != size:
		return fmt.Errorf("tile data ends at %d, archive is %d bytes", h.TileDataOffset+h.TileDataLength, size)
	case h.AddressedTilesCount != uint64(tiles):
		return fmt.Errorf("archive addresses %d tiles, wrote %d", h.AddressedTilesCount, tiles)
	case h.TileContentsCount > h.TileEntriesCount || h.TileEntriesCount > h.AddressedTilesCount:
		return fmt.Errorf("inconsistent counts: %d contents, %d entries, %d tiles", h.TileContentsCount, h.TileEntriesCount, h.AddressedTilesCount)
	}
	if h.TileDataLength == 0 {
		return nil
	}

	sniff := make([]byte, 512)
	if h.TileDataLength < uint64(len(sniff)) {
		sniff = sniff[:h.TileDataLength]
	}
	if _, err := f.ReadAt(sniff, int64(h.TileDataOffset)); err != nil {
		return fmt.Errorf("reading first tile: %w", err)
	}
	if mt := mimetype.Detect(sniff); !mt.Is(format.MimeType()) {
		return fmt.Errorf("first tile is %s, expected %s", mt, format.MimeType())
	}
	return nil
}
