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

// Package index builds the per-session frame index: one entry per h264
// access unit, carrying its location, timestamp, keyframe flag and the
// telemetry in effect when it was recorded.
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/TurbineOne/riff-framer/pkg/riff"
)

const (
	lCount     = "count"
	lEnd       = "end"
	lFile      = "file"
	lFiles     = "files"
	lFinalTime = "finalTime"
	lKeyframes = "keyframes"
	lOffset    = "offset"
	lOrphans   = "orphans"
	lPos       = "pos"
	lPrev      = "prev"
	lPTS       = "pts"
	lRanges    = "ranges"
	lStart     = "start"
	lType      = "type"
)

// FrameDuration is the nominal duration of one frame in microseconds. It is
// added to the last entry's time to get the end of the session.
const FrameDuration = 11000

// ErrEmptyIndex is returned by lookups on an index without entries.
var ErrEmptyIndex = errors.New("frame index is empty")

// Entry describes one access unit.
type Entry struct {
	// Pts is the decode timestamp in microseconds. Before normalization it
	// holds the raw recorder value.
	Pts int64
	// Time is the display timestamp used for seeking.
	Time int64

	// File is the session file id and Offset the position of the h264
	// chunk in that file.
	File   int
	Offset uint64
	Size   uint32

	// Index is the entry's position in its containing slice.
	Index    int
	Keyframe bool

	Steer    float32
	Throttle float32
}

func (e *Entry) MarshalZerologObject(ev *zerolog.Event) {
	ev.Int(lFile, e.File).
		Uint64(lPos, e.Offset).
		Int64(lPTS, e.Pts).
		Bool("keyframe", e.Keyframe)
}

// Index is the ordered frame index of a whole session. It is not modified
// after Build returns and is safe for concurrent readers.
type Index struct {
	Entries []Entry

	// FinalTime is the end of the last frame.
	FinalTime int64
	// Offset is the raw timestamp that normalized to zero.
	Offset    int64
	Anomalies Anomalies

	// keyframes holds the positions of keyframe entries in Entries.
	keyframes []int
}

// Build scans every file of the session in order and returns the
// normalized index. A damaged file contributes the entries before the
// damage; Build itself only fails if ctx is done.
func Build(ctx context.Context, sess *riff.Session, logger *zerolog.Logger) (*Index, error) {
	log := logger.With().Str("pkg", "index").Str("session", sess.ID).Logger()

	ix := &Index{}

	for _, f := range sess.Files {
		sc := newScanner(f, &log)

		err := sc.scan(ctx, 0, f.Size, func(e Entry) bool {
			e.Index = len(ix.Entries)
			ix.Entries = append(ix.Entries, e)

			return true
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("indexing interrupted: %w", ctxErr)
			}

			log.Error().Err(err).Str(lFile, f.Path).Msg("indexing stopped early for file")
		}
	}

	ix.Offset = OffsetOf(ix.Entries)
	ix.Anomalies = Normalize(ix.Entries, ix.Offset, &log)

	for i := range ix.Entries {
		if ix.Entries[i].Keyframe {
			ix.keyframes = append(ix.keyframes, i)
		}
	}

	if n := len(ix.Entries); n > 0 {
		ix.FinalTime = ix.Entries[n-1].Time + FrameDuration
	}

	log.Info().Int(lCount, len(ix.Entries)).Int(lFiles, len(sess.Files)).
		Int(lKeyframes, len(ix.keyframes)).Int64(lFinalTime, ix.FinalTime).
		Msg("loaded h264 packets")

	return ix, nil
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	return len(ix.Entries)
}

// Keyframes returns the number of keyframe entries.
func (ix *Index) Keyframes() int {
	return len(ix.keyframes)
}

// Next returns the entry after e, or nil at the end of the index.
func (ix *Index) Next(e *Entry) *Entry {
	if e == nil || e.Index+1 >= len(ix.Entries) {
		return nil
	}

	return &ix.Entries[e.Index+1]
}

// KeyframeFor returns the last keyframe entry with a time at or before t.
// If there is none, the first entry is returned.
func (ix *Index) KeyframeFor(t int64) (*Entry, error) {
	if len(ix.Entries) == 0 {
		return nil, ErrEmptyIndex
	}

	// First keyframe strictly after t; the one before it is ours.
	k, _ := slices.BinarySearchFunc(ix.keyframes, t, func(pos int, t int64) int {
		if ix.Entries[pos].Time > t {
			return 1
		}

		return -1
	})
	if k == 0 {
		return &ix.Entries[0], nil
	}

	return &ix.Entries[ix.keyframes[k-1]], nil
}

// EntryAt returns the first entry whose time is exactly t.
func (ix *Index) EntryAt(t int64) (*Entry, bool) {
	i, found := slices.BinarySearchFunc(ix.Entries, t, func(e Entry, t int64) int {
		switch {
		case e.Time < t:
			return -1
		case e.Time > t:
			return 1
		default:
			return 0
		}
	})
	if !found {
		return nil, false
	}

	return &ix.Entries[i], true
}
