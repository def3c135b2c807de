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

package index

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/riff-framer/pkg/riff"
)

const (
	// PeekSize is how much of an h264 payload is read to classify it.
	PeekSize = 16

	pdtsReadSize = 16
	timeReadSize = 1024

	// The time payload starts with an 8-byte timestamp, followed by
	// sub-records keyed by a 2-byte code.
	timeRecordsStart = 8
	steerRecordSize  = 6
	busRecordSize    = 22
	trimRecordSize   = 10

	steerScale   = 16383.0
	steerMissing = -32768

	// ctxCheckInterval is how many chunks are scanned between ctx checks.
	ctxCheckInterval = 4096
)

//nolint:gochecknoglobals // Fixed bitstream pattern.
var keyframePrefix = []byte{0x00, 0x00, 0x00, 0x01, 0x27}

// IsKeyframe reports whether an access unit starts with the IDR pattern.
func IsKeyframe(peek []byte) bool {
	return bytes.HasPrefix(peek, keyframePrefix)
}

// CorruptChunkError means a chunk header points past the end of its file.
type CorruptChunkError struct {
	Path string
	Pos  uint64
	End  uint64
	Size uint64
}

func (e *CorruptChunkError) Error() string {
	return fmt.Sprintf("%s: chunk at %d ends at %d, past end of file %d", e.Path, e.Pos, e.End, e.Size)
}

// chunkEnd is the end of a chunk's payload. The padding of the last chunk
// in a file may be missing.
func chunkEnd(pos uint64, hdr riff.ChunkHeader) uint64 {
	return pos + riff.ChunkHeaderSize + uint64(hdr.Size)
}

// scanner walks the chunks of one file, tracking the most recent pdts and
// telemetry values and emitting one Entry per access unit.
type scanner struct {
	f   *riff.File
	log *zerolog.Logger
	buf []byte

	pts      int64
	steer    float32
	throttle float32
}

func newScanner(f *riff.File, log *zerolog.Logger) *scanner {
	return &scanner{
		f:   f,
		log: log,
		buf: make([]byte, 0, timeReadSize),
	}
}

// scan visits chunks in [start, end) until emit returns false. It returns
// nil when the range or the file is exhausted. Any other error leaves the
// entries emitted so far valid.
func (sc *scanner) scan(ctx context.Context, start, end uint64, emit func(Entry) bool) error {
	pos := start

	for n := 0; pos < end; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		hdr, next, err := sc.f.HeaderAt(pos)
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		if chEnd := chunkEnd(pos, hdr); chEnd > sc.f.Size {
			return &CorruptChunkError{Path: sc.f.Path, Pos: pos, End: chEnd, Size: sc.f.Size}
		}

		switch hdr.Type {
		case riff.TypeInfo:
		case riff.TypePDTS:
			if err := sc.readPDTS(pos); err != nil {
				return err
			}
		case riff.TypeTime:
			if err := sc.readTime(pos); err != nil {
				return err
			}
		case riff.TypeH264:
			e, err := sc.readUnit(pos, hdr.Size)
			if err != nil {
				return err
			}

			if !emit(e) {
				return nil
			}
		default:
			sc.log.Warn().Str(lFile, sc.f.Path).Uint64(lPos, pos).Stringer(lType, hdr.Type).
				Msg("unknown chunk type")
		}

		pos = next
	}

	return nil
}

func (sc *scanner) readPDTS(pos uint64) error {
	var err error

	sc.buf, err = sc.f.DataAt(pos, pdtsReadSize, sc.buf[:0])
	if err != nil {
		return err
	}

	if len(sc.buf) < pdtsReadSize {
		return nil
	}

	// Zero and high-bit values are placeholders the recorder writes when it
	// has no timestamp; the previous one stays in effect.
	if raw := binary.LittleEndian.Uint64(sc.buf); validRaw(raw) {
		sc.pts = int64(raw)
	}

	return nil
}

func (sc *scanner) readTime(pos uint64) error {
	var err error

	sc.buf, err = sc.f.DataAt(pos, timeReadSize, sc.buf[:0])
	if err != nil {
		return err
	}

	data := sc.buf

	for off := timeRecordsStart; off+steerRecordSize <= len(data); {
		switch binary.LittleEndian.Uint16(data[off:]) {
		case 'S':
			steer := int16(binary.LittleEndian.Uint16(data[off+2:]))
			throttle := int16(binary.LittleEndian.Uint16(data[off+4:]))
			sc.steer = scaleTelemetry(steer)
			sc.throttle = scaleTelemetry(throttle)
			off += steerRecordSize
		case 'i':
			off += busRecordSize
		case 'T':
			off += trimRecordSize
		default:
			off = len(data)
		}
	}

	return nil
}

func scaleTelemetry(v int16) float32 {
	if v == steerMissing {
		return 0
	}

	return float32(v) / steerScale
}

func (sc *scanner) readUnit(pos uint64, size uint32) (Entry, error) {
	var err error

	sc.buf, err = sc.f.DataAt(pos, PeekSize, sc.buf[:0])
	if err != nil {
		return Entry{}, err
	}

	return Entry{
		Pts:      sc.pts,
		Time:     sc.pts,
		File:     sc.f.ID,
		Offset:   pos,
		Size:     size,
		Keyframe: IsKeyframe(sc.buf),
		Steer:    sc.steer,
		Throttle: sc.throttle,
	}, nil
}

// ByteRange is a half-open range of chunk positions in one file.
type ByteRange struct {
	Start uint64
	End   uint64
}

// Probe is the result of a header-only scan of one file.
type Probe struct {
	// Ranges holds one range per GOP, in file order.
	Ranges []ByteRange
	// Orphans counts access units before the first keyframe. They cannot
	// be decoded and are not part of any range.
	Orphans int
	// Units counts all access units.
	Units int
}

// ProbeFile locates GOP boundaries in f by reading chunk headers and the
// first bytes of each access unit. A GOP's range begins at the first chunk
// after the previous access unit, so the metadata chunks written ahead of
// a keyframe belong to its range. The last range ends at end of file.
func ProbeFile(ctx context.Context, f *riff.File, logger *zerolog.Logger) (*Probe, error) {
	var (
		p       = &Probe{}
		peek    = make([]byte, 0, PeekSize)
		pos     uint64
		metaPos uint64 // first chunk after the last access unit
		haveKey bool
		err     error
	)

	for n := 0; ; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		hdr, next, hErr := f.HeaderAt(pos)
		if errors.Is(hErr, io.EOF) {
			break
		}

		if hErr != nil {
			err = hErr

			break
		}

		if end := chunkEnd(pos, hdr); end > f.Size {
			err = &CorruptChunkError{Path: f.Path, Pos: pos, End: end, Size: f.Size}

			break
		}

		if hdr.Type == riff.TypeH264 {
			peek, err = f.DataAt(pos, PeekSize, peek[:0])
			if err != nil {
				break
			}

			p.Units++

			switch {
			case IsKeyframe(peek):
				if haveKey {
					p.Ranges[len(p.Ranges)-1].End = metaPos
				}

				p.Ranges = append(p.Ranges, ByteRange{Start: metaPos})
				haveKey = true
			case !haveKey:
				p.Orphans++
			}

			metaPos = next
		}

		pos = next
	}

	// A damaged tail ends the last range where scanning stopped.
	if haveKey {
		p.Ranges[len(p.Ranges)-1].End = pos
		if err == nil {
			p.Ranges[len(p.Ranges)-1].End = f.Size
		}
	}

	if err != nil {
		logger.Error().Err(err).Str(lFile, f.Path).Uint64(lPos, pos).Msg("probe stopped early for file")
	}

	logger.Debug().Str(lFile, f.Path).Int(lRanges, len(p.Ranges)).Int(lOrphans, p.Orphans).
		Int(lCount, p.Units).Msg("probed file")

	return p, nil
}

// ScanRange rebuilds the entries of one byte range. Entry.Index is the
// position in the returned slice. Timestamps are raw.
func ScanRange(ctx context.Context, f *riff.File, r ByteRange, logger *zerolog.Logger) ([]Entry, error) {
	var entries []Entry

	sc := newScanner(f, logger)

	err := sc.scan(ctx, r.Start, r.End, func(e Entry) bool {
		e.Index = len(entries)
		entries = append(entries, e)

		return true
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}

		logger.Error().Err(err).Str(lFile, f.Path).Uint64(lStart, r.Start).Uint64(lEnd, r.End).
			Msg("range scan stopped early")
	}

	return entries, nil
}

// SessionOffset returns the normalization offset of a session, taken from
// the first two access units of its first file.
func SessionOffset(ctx context.Context, f *riff.File, logger *zerolog.Logger) (int64, error) {
	const want = 2

	entries := make([]Entry, 0, want)

	sc := newScanner(f, logger)

	err := sc.scan(ctx, 0, f.Size, func(e Entry) bool {
		entries = append(entries, e)

		return len(entries) < want
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, err
		}

		logger.Warn().Err(err).Str(lFile, f.Path).Msg("offset scan stopped early")
	}

	return OffsetOf(entries), nil
}
