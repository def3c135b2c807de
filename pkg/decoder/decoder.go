// Frontline Perception System
// Copyright (C) 2020-2025 TurbineOne LLC
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package decoder drives a bitstream decoder over a sequence of indexed
// access units, producing one picture per call.
package decoder

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/TurbineOne/riff-framer/pkg/index"
	"github.com/TurbineOne/riff-framer/pkg/metrics"
	"github.com/TurbineOne/riff-framer/pkg/riff"
)

const (
	lFaults   = "faults"
	lHeight   = "height"
	lKeyframe = "keyframe"
	lKind     = "kind"
	lSkipped  = "skipped"
	lSize     = "size"
	lTime     = "time"
	lUnit     = "unit"
	lWidth    = "width"
)

// quietFaultSize is the access unit size at or below which decode faults
// are only logged at debug level. Parameter-set units at stream edges fail
// routinely.
const quietFaultSize = 128

// NoPTS is reported in Frame.Time by a codec that cannot tell which access
// unit a picture came from. It equals ffmpeg's AV_NOPTS_VALUE.
const NoPTS int64 = math.MinInt64

var (
	// ErrAgain means the codec needs more input before it can produce.
	ErrAgain = errors.New("codec needs more input")
	// ErrEOF means the codec has been flushed and drained.
	ErrEOF = errors.New("codec drained")

	// ErrStreamEnded is returned by FeedAndAdvance when the input and the
	// codec are both exhausted.
	ErrStreamEnded = errors.New("stream ended")
	// ErrClosed is returned when using a closed Adapter.
	ErrClosed = errors.New("decoder adapter closed")
)

// Codec is the bitstream decoder the Adapter drives.
type Codec interface {
	// Feed offers data to the codec and returns how many bytes it took.
	// Zero with a nil error means the codec must be drained first.
	Feed(data []byte, pts, dts int64) (int, error)
	// Receive writes the next picture into out, with out.Time set to the
	// pts its access unit was fed with, or NoPTS. It returns ErrAgain when
	// more input is needed, ErrEOF once flushed and drained, or a fault.
	Receive(out *Frame) error
	// Flush signals the end of input.
	Flush() error
	Close()
}

// Factory creates a Codec.
type Factory func() (Codec, error)

// Input supplies access units to an Adapter.
type Input interface {
	// ReadUnit appends the payload of e to dst.
	ReadUnit(e *index.Entry, dst []byte) ([]byte, error)
	// Next returns the entry after e, or nil at the end of the input.
	Next(e *index.Entry) *index.Entry
}

// ReadFunc appends the payload of e to dst.
type ReadFunc func(e *index.Entry, dst []byte) ([]byte, error)

// Range is an Input over a slice of entries whose Index fields are their
// positions in the slice.
type Range struct {
	Entries []index.Entry
	Read    ReadFunc
	// GOP ends the input at the first keyframe after the starting entry.
	GOP bool
}

func (r *Range) ReadUnit(e *index.Entry, dst []byte) ([]byte, error) {
	return r.Read(e, dst)
}

func (r *Range) Next(e *index.Entry) *index.Entry {
	i := e.Index + 1
	if i >= len(r.Entries) {
		return nil
	}

	if r.GOP && r.Entries[i].Keyframe {
		return nil
	}

	return &r.Entries[i]
}

// FileReader reads access units from a single file.
func FileReader(f *riff.File) ReadFunc {
	return func(e *index.Entry, dst []byte) ([]byte, error) {
		return f.DataAt(e.Offset, 0, dst)
	}
}

// SessionReader reads access units from the file of a session they name.
func SessionReader(s *riff.Session) ReadFunc {
	return func(e *index.Entry, dst []byte) ([]byte, error) {
		f := s.File(e.File)
		if f == nil {
			return dst, fmt.Errorf("entry %d names unknown file %d", e.Index, e.File)
		}

		return f.DataAt(e.Offset, 0, dst)
	}
}

// OpenError is returned when a codec cannot be created.
type OpenError struct {
	Err error
}

func (e *OpenError) Error() string {
	return "could not open decoder: " + e.Err.Error()
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// ProtocolError means the codec took no input and produced no picture, so
// the decode cannot make progress.
type ProtocolError struct {
	Index  int
	File   int
	Offset uint64
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("parser consumed no data and produced no frame at index %d offset %d file %d",
		e.Index, e.Offset, e.File)
}

// State is the lifecycle state of an Adapter.
type State int

const (
	Uninitialized State = iota
	Opened
	Feeding
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Opened:
		return "opened"
	case Feeding:
		return "feeding"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// fedUnit remembers an access unit whose bytes the codec has taken but
// which has not yet been matched to a picture.
type fedUnit struct {
	pts      int64
	time     int64
	keyframe bool
	size     uint32
}

// Adapter feeds access units to a Codec and returns pictures one at a
// time. Pictures are attributed to fed access units by the pts the codec
// reports, falling back to feed order when it reports none. Units that
// yield no picture of their own, such as parameter sets written ahead of
// an IDR slice, are skipped. An Adapter is not safe for concurrent use.
type Adapter struct {
	codec Codec
	in    Input
	state State

	// buf holds bytes of the loaded entry the codec has not taken yet.
	buf    []byte
	loaded *index.Entry

	fed     []fedUnit
	flushed bool
	faults  int

	log zerolog.Logger
}

// Open creates a codec and returns an Adapter reading from in.
func Open(factory Factory, in Input, logger *zerolog.Logger) (*Adapter, error) {
	a := &Adapter{
		in:  in,
		log: logger.With().Str("pkg", "decoder").Logger(),
	}

	codec, err := factory()
	if err != nil {
		return nil, &OpenError{Err: err}
	}

	a.codec = codec
	a.state = Opened

	return a, nil
}

// State returns the adapter's lifecycle state.
func (a *Adapter) State() State {
	return a.state
}

// Faults returns the number of decode faults seen so far.
func (a *Adapter) Faults() int {
	return a.faults
}

// FeedAndAdvance feeds input starting at cur until the codec produces a
// picture, which is written to out. It returns the entry to pass to the
// next call. A nil cur means the input is exhausted; buffered pictures are
// still returned until ErrStreamEnded. A *ProtocolError aborts the stream.
func (a *Adapter) FeedAndAdvance(cur *index.Entry, out *Frame) (*index.Entry, error) {
	switch a.state {
	case Closed:
		return nil, ErrClosed
	case Uninitialized:
		return nil, ErrClosed
	case Opened:
		a.state = Feeding
	case Feeding:
	}

	stalled := false

	for {
		err := a.codec.Receive(out)

		switch {
		case err == nil:
			a.attribute(out)
			metrics.FrameDecoded()

			return cur, nil
		case errors.Is(err, ErrAgain):
			if stalled {
				return nil, a.protocolError(cur)
			}
		case errors.Is(err, ErrEOF):
			return nil, ErrStreamEnded
		default:
			// A faulted picture still frees room in the codec.
			a.receiveFault(err)
			stalled = false
		}

		if cur == nil {
			if a.flushed {
				return nil, ErrStreamEnded
			}

			if err := a.codec.Flush(); err != nil {
				return nil, fmt.Errorf("flushing decoder: %w", err)
			}

			a.flushed = true

			continue
		}

		if a.loaded != cur {
			a.buf, err = a.in.ReadUnit(cur, a.buf[:0])
			if err != nil {
				a.fault(metrics.FaultRead, err, cur.Size, cur)
				cur = a.advance(cur)

				continue
			}

			a.loaded = cur
		}

		n, err := a.codec.Feed(a.buf, cur.Pts, cur.Pts)
		if err != nil {
			a.fault(metrics.FaultFeed, err, cur.Size, cur)
			cur = a.advance(cur)

			continue
		}

		if n == 0 {
			stalled = true

			continue
		}

		a.buf = append(a.buf[:0], a.buf[n:]...)
		if len(a.buf) == 0 {
			a.fed = append(a.fed, fedUnit{pts: cur.Pts, time: cur.Time, keyframe: cur.Keyframe, size: cur.Size})
			cur = a.advance(cur)
		}
	}
}

// Close releases the codec.
func (a *Adapter) Close() {
	if a.state == Closed {
		return
	}

	if a.codec != nil {
		a.codec.Close()
	}

	a.state = Closed
	a.buf = nil
	a.fed = nil
}

// advance drops any unconsumed bytes of cur and moves to the next entry.
func (a *Adapter) advance(cur *index.Entry) *index.Entry {
	a.buf = a.buf[:0]
	a.loaded = nil

	return a.in.Next(cur)
}

func (a *Adapter) protocolError(cur *index.Entry) error {
	e := &ProtocolError{}
	if cur != nil {
		e.Index, e.File, e.Offset = cur.Index, cur.File, cur.Offset
	}

	a.log.Error().Err(e).Msg("decode aborted")

	return e
}

// attribute matches a picture to the fed unit whose pts the codec reported.
// Older fed units produced no picture and are dropped; a keyframe among them
// marks this picture as the keyframe.
func (a *Adapter) attribute(out *Frame) {
	if len(a.fed) == 0 {
		a.log.Warn().Object(lUnit, out).Msg("picture without a fed access unit")

		return
	}

	i := 0
	if out.Time != NoPTS {
		if j := slices.IndexFunc(a.fed, func(u fedUnit) bool { return u.pts == out.Time }); j > 0 {
			i = j
		}
	}

	keyframe := false
	for _, u := range a.fed[:i] {
		keyframe = keyframe || u.keyframe
	}

	if i > 0 {
		a.log.Trace().Int(lSkipped, i).Int64(lTime, a.fed[i].time).Msg("access units without a picture")
	}

	u := a.fed[i]
	a.fed = a.fed[i+1:]

	out.Time = u.time
	out.Keyframe = u.keyframe || keyframe
}

// receiveFault accounts for a picture that failed to decode. It consumes
// the oldest fed unit so later pictures stay aligned.
func (a *Adapter) receiveFault(err error) {
	var size uint32

	if len(a.fed) > 0 {
		size = a.fed[0].size
		a.fed = a.fed[1:]
	}

	a.fault(metrics.FaultReceive, err, size, nil)
}

func (a *Adapter) fault(kind string, err error, size uint32, e *index.Entry) {
	a.faults++
	metrics.DecodeFault(kind)

	ev := a.log.Debug()
	if size > quietFaultSize {
		ev = a.log.Warn()
	}

	if e != nil {
		ev = ev.Object(lUnit, e)
	}

	ev.Err(err).Str(lKind, kind).Uint32(lSize, size).Int(lFaults, a.faults).Msg("decode fault")
}
