package sink

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/atlasdatatech/rgbtiler/internal/tile"
	"github.com/atlasdatatech/rgbtiler/internal/tilejson"
)

//MBTileVersion mbtiles版本号
const MBTileVersion = "1.3"

// Writer defaults.
const (
	DefaultSavePipe  = 64
	DefaultBatchSize = 1 << 10
)

// MBTiles writes an MBTiles container. Accept only queues the tile; one
// writer goroutine owns the database and inserts rows in batched
// transactions. The file is built as {path}.partial and renamed on commit.
type MBTiles struct {
	lifecycle
	path    string
	partial string
	db      *sql.DB
	batch   int

	savingpipe chan tile.Tile
	closeOnce  sync.Once
	done       chan struct{}
	failed     chan struct{}
	werr       error
	count      atomic.Int64
}

// NewMBTiles creates {path}.partial with the tile tables and starts the
// writer.
func NewMBTiles(opts Options) (*MBTiles, error) {
	pipe := opts.SavePipe
	if pipe <= 0 {
		pipe = DefaultSavePipe
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	m := &MBTiles{
		path:       opts.Path,
		partial:    opts.Path + ".partial",
		batch:      batch,
		savingpipe: make(chan tile.Tile, pipe),
		done:       make(chan struct{}),
		failed:     make(chan struct{}),
	}
	if err := m.setupMBTileTables(); err != nil {
		m.removeFiles()
		return nil, err
	}
	go m.savePipe()
	return m, nil
}

func (m *MBTiles) Path() string { return m.path }

// Count is the number of rows written so far.
func (m *MBTiles) Count() int64 { return m.count.Load() }

//setupMBTileTables 初始化配置MBTile库
func (m *MBTiles) setupMBTileTables() error {
	m.removeFiles()
	db, err := sql.Open("sqlite3", m.partial)
	if err != nil {
		return err
	}
	// locking_mode=EXCLUSIVE binds the database to a single connection
	db.SetMaxOpenConns(1)

	err = optimizeConnection(db)
	if err != nil {
		db.Close()
		return err
	}

	for _, stmt := range []string{
		"create table if not exists tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);",
		"create table if not exists metadata (name text, value text);",
		"create unique index name on metadata (name);",
		"create table if not exists staging (zoom_level integer, tile_column integer, tile_row integer, tile_data blob);",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return err
		}
	}
	m.db = db
	return nil
}

// Accept hands the tile to the writer.
func (m *MBTiles) Accept(t tile.Tile) error {
	if err := m.accept(); err != nil {
		return err
	}
	select {
	case <-m.failed:
		return &WriteError{Tile: t.T, Err: m.werr}
	default:
	}
	select {
	case m.savingpipe <- t:
		return nil
	case <-m.failed:
		return &WriteError{Tile: t.T, Err: m.werr}
	}
}

//savePipe 保存瓦片管道
func (m *MBTiles) savePipe() {
	defer close(m.done)
	err := m.drain()
	if err != nil {
		m.werr = err
		close(m.failed)
		log.Errorf("save tiles to %s error ~ %s", m.partial, err)
		// keep draining so producers never block on a dead writer
		for range m.savingpipe {
		}
	}
}

func (m *MBTiles) drain() error {
	tx, stmt, err := m.begin()
	if err != nil {
		return err
	}
	n := 0
	for t := range m.savingpipe {
		if err := saveToMBTile(stmt, t); err != nil {
			tx.Rollback()
			return fmt.Errorf("tile %d/%d/%d: %w", t.T.Z, t.T.X, t.T.Y, err)
		}
		m.count.Add(1)
		n++
		if n < m.batch {
			continue
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return err
		}
		if tx, stmt, err = m.begin(); err != nil {
			return err
		}
		n = 0
	}
	stmt.Close()
	return tx.Commit()
}

func (m *MBTiles) begin() (*sql.Tx, *sql.Stmt, error) {
	tx, err := m.db.Begin()
	if err != nil {
		return nil, nil, err
	}
	stmt, err := tx.Prepare("insert into staging (zoom_level, tile_column, tile_row, tile_data) values (?, ?, ?, ?);")
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	return tx, stmt, nil
}

// saveToMBTile inserts one row; MBTiles rows are bottom-origin.
func saveToMBTile(stmt *sql.Stmt, t tile.Tile) error {
	_, err := stmt.Exec(t.T.Z, t.T.X, tile.FlipY(t.T), t.C)
	return err
}

func (m *MBTiles) stopWriter() error {
	m.closeOnce.Do(func() { close(m.savingpipe) })
	<-m.done
	return m.werr
}

// Finalize waits for the writer, copies the rows into tiles in
// (zoom, column, row) order, indexes them, writes the metadata and
// renames the container into place.
func (m *MBTiles) Finalize(meta tilejson.Metadata) error {
	if err := m.finalize(); err != nil {
		return err
	}
	if err := m.commitDB(meta); err != nil {
		m.fail()
		m.discard()
		return &FinalizeError{Path: m.path, Err: err}
	}
	m.commit()
	log.Infof("mbtiles %s committed, %d tiles", m.path, m.Count())
	return nil
}

func (m *MBTiles) commitDB(meta tilejson.Metadata) error {
	if err := m.stopWriter(); err != nil {
		return err
	}
	db := m.db
	for _, stmt := range []string{
		"insert into tiles (zoom_level, tile_column, tile_row, tile_data) select zoom_level, tile_column, tile_row, tile_data from staging order by zoom_level, tile_column, tile_row;",
		"drop table staging;",
		"create unique index tile_index on tiles (zoom_level, tile_column, tile_row);",
	} {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	if err := insertMetadata(db, meta.Items()); err != nil {
		return err
	}
	if err := optimizeDatabase(db); err != nil {
		return err
	}
	m.db = nil
	if err := db.Close(); err != nil {
		return err
	}
	return os.Rename(m.partial, m.path)
}

// insertMetadata writes rows in name order so the file is reproducible.
func insertMetadata(db *sql.DB, items map[string]string) error {
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_, err := db.Exec("insert into metadata (name, value) values (?, ?)", name, items[name])
		if err != nil {
			return err
		}
	}
	return nil
}

// Abort stops the writer and removes the partial container.
func (m *MBTiles) Abort() error {
	run, err := m.abortState()
	if !run {
		return err
	}
	return m.discard()
}

func (m *MBTiles) discard() error {
	m.stopWriter()
	if m.db != nil {
		m.db.Close()
		m.db = nil
	}
	return m.removeFiles()
}

func (m *MBTiles) removeFiles() error {
	var errs []error
	for _, p := range []string{m.partial, m.partial + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func optimizeConnection(db *sql.DB) error {
	_, err := db.Exec("PRAGMA synchronous=0")
	if err != nil {
		return err
	}
	_, err = db.Exec("PRAGMA locking_mode=EXCLUSIVE")
	if err != nil {
		return err
	}
	_, err = db.Exec("PRAGMA journal_mode=DELETE")
	if err != nil {
		return err
	}
	return nil
}

func optimizeDatabase(db *sql.DB) error {
	_, err := db.Exec("ANALYZE;")
	if err != nil {
		return err
	}

	_, err = db.Exec("VACUUM;")
	if err != nil {
		return err
	}

	return nil
}
