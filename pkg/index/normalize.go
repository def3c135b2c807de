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
	"github.com/rs/zerolog"
)

// JumpThreshold is the largest forward step between consecutive
// normalized timestamps that is not reported as an anomaly.
const JumpThreshold = 1_000_000_000

// Anomalies counts the timestamp problems found by Normalize. None of them
// stop indexing and the values are kept as they are.
type Anomalies struct {
	// Decreases counts timestamps lower than their predecessor.
	Decreases int
	// BeforeStart counts raw timestamps lower than the offset.
	BeforeStart int
	// Jumps counts steps larger than JumpThreshold.
	Jumps int
	// Invalid counts entries without a usable raw timestamp. They take the
	// previous normalized value.
	Invalid int
}

// Total is the number of anomalies, not counting invalid timestamps.
func (a Anomalies) Total() int {
	return a.Decreases + a.BeforeStart + a.Jumps
}

func validRaw(raw uint64) bool {
	return raw != 0 && raw < 1<<63
}

// OffsetOf returns the normalization offset for a sequence of raw entries:
// the larger of the first two timestamps. The first frame of a recording
// sometimes carries a stale timestamp, so the second is considered too.
func OffsetOf(entries []Entry) int64 {
	switch len(entries) {
	case 0:
		return 0
	case 1:
		return entries[0].Pts
	default:
		return max(entries[0].Pts, entries[1].Pts)
	}
}

// Normalize subtracts offset from the raw timestamps of entries in place.
func Normalize(entries []Entry, offset int64, log *zerolog.Logger) Anomalies {
	var (
		a        Anomalies
		prev     int64
		havePrev bool
	)

	for i := range entries {
		e := &entries[i]

		// Raw values are stored bit for bit, so zero and high-bit
		// placeholders show up as non-positive.
		if e.Pts <= 0 {
			a.Invalid++
			e.Pts = prev
			e.Time = prev

			continue
		}

		if e.Pts < offset {
			a.BeforeStart++

			log.Error().Int64(lPTS, e.Pts).Int64(lOffset, offset).Int(lFile, e.File).
				Msg("PTS is before start of file")
		}

		n := e.Pts - offset

		if havePrev && n < prev {
			a.Decreases++

			log.Error().Int64(lPTS, n).Int64(lPrev, prev).Int(lFile, e.File).Uint64(lPos, e.Offset).
				Msg("PTS is before previous PTS")
		}

		if havePrev && n-prev > JumpThreshold {
			a.Jumps++

			log.Warn().Int64(lPTS, n).Int64(lPrev, prev).Int(lFile, e.File).Uint64(lPos, e.Offset).
				Msg("PTS jumps into the future")
		}

		e.Pts = n
		e.Time -= offset
		prev = n
		havePrev = true
	}

	return a
}
