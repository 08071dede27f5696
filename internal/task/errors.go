package task

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb/maptile"

	"github.com/atlasdatatech/rgbtiler/internal/render"
	"github.com/atlasdatatech/rgbtiler/internal/sink"
	"github.com/atlasdatatech/rgbtiler/internal/terrain"
)

// Kind classifies a failed run.
type Kind int

// Error kinds.
const (
	KindNone Kind = iota
	KindConfig
	KindInput
	KindEncodingRange
	KindTileRender
	KindSinkWrite
	KindSinkFinalize
	KindCanceled
	KindPartial
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindConfig:
		return "ConfigError"
	case KindInput:
		return "InputError"
	case KindEncodingRange:
		return "EncodingRangeExceeded"
	case KindTileRender:
		return "TileRenderFailed"
	case KindSinkWrite:
		return "SinkWriteFailed"
	case KindSinkFinalize:
		return "SinkFinalizeFailed"
	case KindCanceled:
		return "Canceled"
	case KindPartial:
		return "PartialSuccess"
	}
	return "RuntimeError"
}

//ConfigError 参数配置错误
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

//InputError 输入数据错误
type InputError struct {
	Path string
	Err  error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input %s: %v", e.Path, e.Err)
}

func (e *InputError) Unwrap() error { return e.Err }

// PartialError reports a run that committed its output without the
// tiles listed in Missing.
type PartialError struct {
	Missing  []maptile.Tile
	Manifest string
}

func (e *PartialError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d tiles failed to render", len(e.Missing))
	if e.Manifest != "" {
		fmt.Fprintf(&b, ", see %s", e.Manifest)
	}
	return b.String()
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var (
		cerr *ConfigError
		ierr *InputError
		perr *PartialError
		rerr *terrain.RangeError
		terr *render.TileError
		ferr *sink.FinalizeError
		werr *sink.WriteError
	)
	switch {
	case errors.As(err, &cerr):
		return KindConfig
	case errors.As(err, &ierr):
		return KindInput
	case errors.As(err, &perr):
		return KindPartial
	case errors.As(err, &rerr):
		return KindEncodingRange
	case errors.As(err, &terr):
		return KindTileRender
	case errors.As(err, &ferr):
		return KindSinkFinalize
	case errors.As(err, &werr), errors.Is(err, sink.ErrState):
		return KindSinkWrite
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	return KindRuntime
}

// Process exit codes.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitUsage    = 2
	ExitPartial  = 3
	ExitCanceled = 130
)

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	switch KindOf(err) {
	case KindNone:
		return ExitOK
	case KindConfig, KindInput:
		return ExitUsage
	case KindPartial:
		return ExitPartial
	case KindCanceled:
		return ExitCanceled
	}
	return ExitFailure
}
