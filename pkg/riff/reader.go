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

// Package riff reads the chunked container written by the vehicle recorder.
// A recording session is split across numbered files; each file is a fixed
// 12-byte header followed by a linear stream of 4-byte aligned chunks.
package riff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// FileHeaderSize is the fixed header at the start of every file. Chunk
	// positions are relative to the end of this header.
	FileHeaderSize = 12

	// ChunkHeaderSize is the type tag plus the little-endian payload size.
	ChunkHeaderSize = 8

	// MaxChunkRead is the largest payload DataAt will allocate for.
	MaxChunkRead = 8 * 1024 * 1024
)

// ChunkType is the 4-byte chunk tag.
type ChunkType [4]byte

func (t ChunkType) String() string {
	return string(t[:])
}

//nolint:gochecknoglobals // Constant tags.
var (
	TypeH264 = ChunkType{'h', '2', '6', '4'}
	TypePDTS = ChunkType{'p', 'd', 't', 's'}
	TypeTime = ChunkType{'t', 'i', 'm', 'e'}
	TypeInfo = ChunkType{'i', 'n', 'f', 'o'}
)

// ChunkHeader is the type+size prefix of every chunk.
type ChunkHeader struct {
	Type ChunkType
	Size uint32
}

// NextPos returns the position of the chunk following one at pos.
func (h ChunkHeader) NextPos(pos uint64) uint64 {
	return pos + ChunkHeaderSize + PaddedSize(h.Size)
}

// PaddedSize rounds a payload size up to the 4-byte chunk alignment.
func PaddedSize(size uint32) uint64 {
	return (uint64(size) + 3) &^ 3
}

// FileTooSmallError is returned by Open for files shorter than the file header.
type FileTooSmallError struct {
	Path string
	Size int64
}

func (e *FileTooSmallError) Error() string {
	return fmt.Sprintf("%s: file size %d is smaller than the %d byte header", e.Path, e.Size, FileHeaderSize)
}

// ChunkTooLargeError means a payload read would exceed MaxChunkRead.
type ChunkTooLargeError struct {
	Path string
	Pos  uint64
	Type ChunkType
	Size uint32
}

func (e *ChunkTooLargeError) Error() string {
	return fmt.Sprintf("%s: block %s at %d size %d is too big to read", e.Path, e.Type, e.Pos, e.Size)
}

// TruncatedChunkError means the file ended inside a chunk payload.
type TruncatedChunkError struct {
	Path string
	Pos  uint64
	Type ChunkType
	Size uint32
}

func (e *TruncatedChunkError) Error() string {
	return fmt.Sprintf("%s: block %s at %d size %d was truncated", e.Path, e.Type, e.Pos, e.Size)
}

// File is one physical container file of a session. Reads go through ReadAt,
// but a File is still owned by a single goroutine; use Reopen to get a
// handle for another one.
type File struct {
	// ID is the file's position in its session.
	ID int
	// Path is the file system path.
	Path string
	// Size is the addressable size, excluding the file header.
	Size uint64
	// Offset is the cumulative addressable size of all earlier session files.
	Offset uint64

	f *os.File
}

// Open opens a container file. The id and offset place it in a session.
func Open(path string, id int, offset uint64) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open file: %w", err)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("could not stat file: %w", err)
	}

	if st.Size() < FileHeaderSize {
		_ = f.Close()

		return nil, &FileTooSmallError{Path: path, Size: st.Size()}
	}

	return &File{
		ID:     id,
		Path:   path,
		Size:   uint64(st.Size()) - FileHeaderSize,
		Offset: offset,
		f:      f,
	}, nil
}

// Reopen returns an independent handle on the same file.
func (rf *File) Reopen() (*File, error) {
	return Open(rf.Path, rf.ID, rf.Offset)
}

// Close releases the file handle.
func (rf *File) Close() error {
	if rf.f == nil {
		return nil
	}

	err := rf.f.Close()
	rf.f = nil

	return err
}

// HeaderAt reads the chunk header at pos and returns it with the position
// of the next chunk. It returns io.EOF at the end of the file, including
// when the remaining bytes cannot hold a header.
func (rf *File) HeaderAt(pos uint64) (ChunkHeader, uint64, error) {
	var hdr ChunkHeader

	if pos >= rf.Size {
		return hdr, rf.Size, io.EOF
	}

	var b [ChunkHeaderSize]byte

	if _, err := rf.f.ReadAt(b[:], int64(pos+FileHeaderSize)); err != nil {
		if errors.Is(err, io.EOF) {
			return hdr, rf.Size, io.EOF
		}

		return hdr, rf.Size, fmt.Errorf("%s: reading chunk header at %d: %w", rf.Path, pos, err)
	}

	copy(hdr.Type[:], b[:4])
	hdr.Size = binary.LittleEndian.Uint32(b[4:])

	return hdr, hdr.NextPos(pos), nil
}

// DataAt appends the payload of the chunk at pos to dst and returns the
// extended slice. At most maxSize bytes are read; maxSize <= 0 reads the
// whole payload.
func (rf *File) DataAt(pos uint64, maxSize int, dst []byte) ([]byte, error) {
	hdr, _, err := rf.HeaderAt(pos)
	if err != nil {
		return dst, err
	}

	n := uint64(hdr.Size)
	if maxSize > 0 && uint64(maxSize) < n {
		n = uint64(maxSize)
	}

	if n > MaxChunkRead {
		return dst, &ChunkTooLargeError{Path: rf.Path, Pos: pos, Type: hdr.Type, Size: hdr.Size}
	}

	if n == 0 {
		return dst, nil
	}

	start := len(dst)
	dst = append(dst, make([]byte, n)...)

	read, err := rf.f.ReadAt(dst[start:], int64(pos+FileHeaderSize+ChunkHeaderSize))
	if uint64(read) < n {
		if err == nil || errors.Is(err, io.EOF) {
			return dst[:start], &TruncatedChunkError{Path: rf.Path, Pos: pos, Type: hdr.Type, Size: hdr.Size}
		}

		return dst[:start], fmt.Errorf("%s: reading block %s at %d: %w", rf.Path, hdr.Type, pos, err)
	}

	return dst, nil
}
