// Package sink writes rendered tiles to their final destination: a tile
// directory, an MBTiles container or a PMTiles archive.
package sink

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/paulmach/orb/maptile"

	"github.com/atlasdatatech/rgbtiler/internal/tile"
	"github.com/atlasdatatech/rgbtiler/internal/tilejson"
)

// Target is the kind of output, chosen once from the output path.
type Target int

// Output kinds.
const (
	Directory Target = iota
	Container
	Archive
)

func (t Target) String() string {
	switch t {
	case Directory:
		return "directory"
	case Container:
		return "mbtiles"
	case Archive:
		return "pmtiles"
	}
	return fmt.Sprintf("target(%d)", int(t))
}

// DetectTarget maps .mbtiles to Container, .pmtiles to Archive and a path
// without extension to Directory.
func DetectTarget(path string) (Target, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mbtiles":
		return Container, nil
	case ".pmtiles":
		return Archive, nil
	case "":
		return Directory, nil
	default:
		return 0, fmt.Errorf("unsupported output extension %q (.mbtiles, .pmtiles or none for a directory)", ext)
	}
}

// State of a sink. Sinks only move forward.
type State int32

// Sink states.
const (
	Open State = iota
	Accepting
	Finalizing
	Committed
	Failed
)

func (s State) String() string {
	return [...]string{"open", "accepting", "finalizing", "committed", "failed"}[s]
}

// Sink receives tiles and commits or discards them as a whole. Finalize
// and Abort must only be called once every Accept has returned.
type Sink interface {
	// Accept stores one tile. Safe for concurrent use.
	Accept(t tile.Tile) error
	// Finalize writes metadata and commits the output.
	Finalize(m tilejson.Metadata) error
	// Abort discards everything written so far.
	Abort() error
	State() State
	Path() string
}

//Options 输出参数
type Options struct {
	Path     string
	Scheme   tile.Scheme
	Format   tile.Format
	TileJSON bool
	// SavePipe is the queue length in front of the MBTiles writer.
	SavePipe int
	// BatchSize is the number of rows per MBTiles transaction.
	BatchSize int
}

// New creates the sink the output path calls for.
func New(opts Options) (Sink, error) {
	target, err := DetectTarget(opts.Path)
	if err != nil {
		return nil, err
	}
	switch target {
	case Container:
		return NewMBTiles(opts)
	case Archive:
		return NewPMTiles(opts)
	default:
		return NewDirectory(opts)
	}
}

// ErrState is wrapped by every StateError.
var ErrState = errors.New("invalid sink state")

// StateError is an operation the sink's current state does not allow.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("sink %s while %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrState }

// WriteError is a tile the sink could not store.
type WriteError struct {
	Tile maptile.Tile
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write tile %d/%d/%d: %v", e.Tile.Z, e.Tile.X, e.Tile.Y, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// FinalizeError is an output that could not be committed.
type FinalizeError struct {
	Path string
	Err  error
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("finalize %s: %v", e.Path, e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }

// lifecycle is the lock-free state machine shared by the sinks.
type lifecycle struct {
	st atomic.Int32
}

func (l *lifecycle) State() State {
	return State(l.st.Load())
}

// accept moves Open to Accepting and admits tiles while Accepting.
func (l *lifecycle) accept() error {
	for {
		s := l.State()
		switch s {
		case Accepting:
			return nil
		case Open:
			if l.st.CompareAndSwap(int32(Open), int32(Accepting)) {
				return nil
			}
		default:
			return &StateError{Op: "accept", State: s}
		}
	}
}

// finalize moves Open or Accepting to Finalizing.
func (l *lifecycle) finalize() error {
	for {
		s := l.State()
		if s != Open && s != Accepting {
			return &StateError{Op: "finalize", State: s}
		}
		if l.st.CompareAndSwap(int32(s), int32(Finalizing)) {
			return nil
		}
	}
}

// fail moves any state but Committed to Failed. It reports false when
// the sink was already committed or failed.
func (l *lifecycle) fail() bool {
	for {
		s := l.State()
		if s == Committed || s == Failed {
			return false
		}
		if l.st.CompareAndSwap(int32(s), int32(Failed)) {
			return true
		}
	}
}

func (l *lifecycle) commit() {
	l.st.Store(int32(Committed))
}

// abortState checks whether Abort has anything to do.
func (l *lifecycle) abortState() (run bool, err error) {
	switch l.State() {
	case Committed:
		return false, &StateError{Op: "abort", State: Committed}
	case Failed:
		return false, nil
	}
	return l.fail(), nil
}
