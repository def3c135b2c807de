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

// Package rifftest builds synthetic recorder files for tests.
package rifftest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/TurbineOne/riff-framer/pkg/riff"
)

// DefaultUnitSize is the h264 payload size used by Frame.
const DefaultUnitSize = 32

//nolint:gochecknoglobals // Fixed prefixes.
var (
	KeyframePrefix = []byte{0x00, 0x00, 0x00, 0x01, 0x27}
	PredictPrefix  = []byte{0x00, 0x00, 0x00, 0x01, 0x21}
)

// Writer accumulates a container file in memory. Positions it returns are
// chunk positions as seen by riff.File, i.e. relative to the file header.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns a Writer that has already written the file header.
func NewWriter() *Writer {
	w := &Writer{}
	w.buf.WriteString("RIFF")
	_ = binary.Write(&w.buf, binary.LittleEndian, uint32(0))
	w.buf.WriteString("vtun")

	return w
}

// Pos is the position the next chunk will be written at.
func (w *Writer) Pos() uint64 {
	return uint64(w.buf.Len() - riff.FileHeaderSize)
}

// Chunk writes one chunk with padding and returns its position.
func (w *Writer) Chunk(typ riff.ChunkType, payload []byte) uint64 {
	pos := w.Pos()

	w.buf.Write(typ[:])
	_ = binary.Write(&w.buf, binary.LittleEndian, uint32(len(payload)))
	w.buf.Write(payload)

	for pad := riff.PaddedSize(uint32(len(payload))) - uint64(len(payload)); pad > 0; pad-- {
		w.buf.WriteByte(0)
	}

	return pos
}

// PDTS writes a pdts chunk.
func (w *Writer) PDTS(pts, dts uint64) uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:], pts)
	binary.LittleEndian.PutUint64(b[8:], dts)

	return w.Chunk(riff.TypePDTS, b[:])
}

// Time writes a time chunk with a trim record, a bus record and a steer record.
func (w *Writer) Time(ts uint64, steer, throttle int16) uint64 {
	var b bytes.Buffer

	_ = binary.Write(&b, binary.LittleEndian, ts)
	_ = binary.Write(&b, binary.LittleEndian, uint16('T'))
	b.Write(make([]byte, 8))
	_ = binary.Write(&b, binary.LittleEndian, uint16('i'))
	b.Write(make([]byte, 20))
	_ = binary.Write(&b, binary.LittleEndian, uint16('S'))
	_ = binary.Write(&b, binary.LittleEndian, steer)
	_ = binary.Write(&b, binary.LittleEndian, throttle)

	return w.Chunk(riff.TypeTime, b.Bytes())
}

// AccessUnit writes an h264 chunk of the given size, at least 5 bytes.
func (w *Writer) AccessUnit(keyframe bool, size int) uint64 {
	prefix := PredictPrefix
	if keyframe {
		prefix = KeyframePrefix
	}

	if size < len(prefix) {
		size = len(prefix)
	}

	payload := make([]byte, size)
	copy(payload, prefix)

	for i := len(prefix); i < size; i++ {
		payload[i] = byte(i)
	}

	return w.Chunk(riff.TypeH264, payload)
}

// Frame writes the pdts, time and h264 chunks of one access unit and
// returns the position of the h264 chunk.
func (w *Writer) Frame(pts uint64, keyframe bool) uint64 {
	w.PDTS(pts, pts)
	w.Time(pts, 8191, -32768)

	return w.AccessUnit(keyframe, DefaultUnitSize)
}

// GOPs writes n groups, each a keyframe followed by p predicted frames,
// with pts starting at start and stepping by step.
func (w *Writer) GOPs(n, p int, start, step uint64) uint64 {
	pts := start

	for g := 0; g < n; g++ {
		for i := 0; i <= p; i++ {
			w.Frame(pts, i == 0)
			pts += step
		}
	}

	return pts
}

// Bytes returns the file contents.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// WriteFile writes the file into dir and returns its path.
func (w *Writer) WriteFile(t testing.TB, dir, name string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, w.Bytes(), 0o600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}

	return path
}
