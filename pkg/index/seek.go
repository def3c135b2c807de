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
	"fmt"
	"sort"
)

// SeekMode selects which indexed time a query resolves to.
type SeekMode int

const (
	// Closest picks the nearer neighbor, preferring the earlier one on ties.
	Closest SeekMode = iota
	// Earlier picks the last time at or before the query.
	Earlier
	// Later picks the query itself if indexed, otherwise the next time.
	Later
	// Following always picks a time strictly after the query.
	Following
	// Preceding picks a time strictly before an indexed query.
	Preceding
)

func (m SeekMode) String() string {
	switch m {
	case Closest:
		return "closest"
	case Earlier:
		return "earlier"
	case Later:
		return "later"
	case Following:
		return "following"
	case Preceding:
		return "preceding"
	default:
		return fmt.Sprintf("SeekMode(%d)", int(m))
	}
}

// UnknownSeekModeError is returned for modes outside the defined set.
type UnknownSeekModeError struct {
	Mode SeekMode
}

func (e *UnknownSeekModeError) Error() string {
	return "unknown seek mode: " + e.Mode.String()
}

// Resolve maps a query time to the time of an indexed entry. Queries
// before the first entry resolve to the first time and queries past the
// last entry resolve to the last time. Entries are searched in recorded
// order, which is assumed non-decreasing; after a decrease anomaly an exact
// match may resolve to a neighbor instead.
func (ix *Index) Resolve(query int64, mode SeekMode) (int64, error) {
	n := len(ix.Entries)
	if n == 0 {
		return 0, ErrEmptyIndex
	}

	if mode < Closest || mode > Preceding {
		return 0, &UnknownSeekModeError{Mode: mode}
	}

	// top is the first entry after query, bottom the first entry of the
	// equal-time run just before it.
	top := sort.Search(n, func(i int) bool { return ix.Entries[i].Time > query })
	if top == 0 {
		return ix.Entries[0].Time, nil
	}

	bottom := top - 1
	bottomTime := ix.Entries[bottom].Time

	for bottom > 0 && ix.Entries[bottom-1].Time == bottomTime {
		bottom--
	}

	if mode == Preceding {
		if bottomTime == query && bottom > 0 {
			return ix.Entries[bottom-1].Time, nil
		}

		return bottomTime, nil
	}

	if top == n {
		return ix.Entries[n-1].Time, nil
	}

	topTime := ix.Entries[top].Time

	switch mode {
	case Closest:
		if query-bottomTime <= topTime-query {
			return bottomTime, nil
		}

		return topTime, nil
	case Earlier:
		return bottomTime, nil
	case Later:
		if bottomTime == query {
			return bottomTime, nil
		}

		return topTime, nil
	default: // Following
		return topTime, nil
	}
}
