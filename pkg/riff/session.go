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

package riff

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/TurbineOne/riff-framer/pkg/mimer"
)

const (
	lFile    = "file"
	lFiles   = "files"
	lOffset  = "offset"
	lSession = "session"
	lSize    = "size"
)

// ErrNoFiles is returned when a session would have no files.
var ErrNoFiles = errors.New("session has no files")

// Session is the ordered set of files that make up one recording. Files are
// addressed by their small integer ID, which is their index in Files.
type Session struct {
	// ID tags log lines that belong to this session.
	ID    string
	Files []*File

	log zerolog.Logger
}

// MatchesExceptForDigits reports whether a and b are equal except for one
// region that is made only of digits in both strings. The region may be
// empty in one of them, so "run.riff" matches "run2.riff".
func MatchesExceptForDigits(a, b string) bool {
	p := 0
	for p < len(a) && p < len(b) && a[p] == b[p] {
		p++
	}

	pa, pb := len(a), len(b)
	for pa > p && pb > p && a[pa-1] == b[pb-1] {
		pa--
		pb--
	}

	return allDigits(a[p:pa]) && allDigits(b[p:pb])
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}

	return true
}

// NewSession opens the given paths in order as one session.
func NewSession(paths []string, logger *zerolog.Logger) (*Session, error) {
	if len(paths) == 0 {
		return nil, ErrNoFiles
	}

	s := &Session{ID: uuid.NewString()}
	s.log = logger.With().Str("pkg", "riff").Str(lSession, s.ID).Logger()

	var offset uint64

	for i, p := range paths {
		f, err := Open(p, i, offset)
		if err != nil {
			_ = s.Close()

			return nil, err
		}

		s.Files = append(s.Files, f)
		offset += f.Size

		s.log.Debug().Str(lFile, p).Uint64(lOffset, f.Offset).Uint64(lSize, f.Size).Msg("session file")
	}

	return s, nil
}

// OpenSession finds every file in the directory of path whose name matches
// path except for digit runs, and opens them in file name order. Siblings
// that are not recorder files are skipped. Failing to open path itself is
// an error.
func OpenSession(path string, logger *zerolog.Logger) (*Session, error) {
	path = filepath.Clean(path)

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("could not open session: %w", err)
	}

	dir := filepath.Dir(path)

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("could not list session directory: %w", err)
	}

	paths := make([]string, 0, len(dirEntries))

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}

		candidate := filepath.Join(dir, de.Name())
		if !MatchesExceptForDigits(candidate, path) {
			continue
		}

		if candidate != path && !mimer.IsRiffSession(candidate) {
			logger.Info().Str(lFile, candidate).Msg("skipping sibling that is not a recorder file")

			continue
		}

		paths = append(paths, candidate)
	}

	slices.Sort(paths)

	s, err := NewSession(paths, logger)
	if err != nil {
		return nil, err
	}

	s.log.Info().Int(lFiles, len(s.Files)).Uint64(lSize, s.Size()).Msg("opened session")

	return s, nil
}

// File returns the file with the given id, or nil.
func (s *Session) File(id int) *File {
	if id < 0 || id >= len(s.Files) {
		return nil
	}

	return s.Files[id]
}

// Size is the total addressable size of all files.
func (s *Session) Size() uint64 {
	var n uint64
	for _, f := range s.Files {
		n += f.Size
	}

	return n
}

// Close closes every file handle owned by the session.
func (s *Session) Close() error {
	var errs []error

	for _, f := range s.Files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
