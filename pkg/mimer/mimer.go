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

// mimer is a helper package to determine the mime type of a file.
package mimer

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/aofei/mimesniffer"
)

const (
	// MediaTypeRiffSession is a recorder container file holding h264 access
	// units interleaved with timing and telemetry chunks.
	MediaTypeRiffSession = "application/vnd.turbineone.riff-session"

	UnknownMediaType = "application/octet-stream"
)

// riffFileHeaderSize matches riff.FileHeaderSize. The header content is not
// specified, so detection looks at the first chunk tag right after it.
const riffFileHeaderSize = 12

// isRiffSessionSignature returns true for a bare file header, as written by
// a recorder that stopped before its first chunk, or for a header followed
// by a chunk whose tag is four ASCII letters or digits. Readers skip tags
// they do not know, so any well-formed tag is accepted.
func isRiffSessionSignature(buffer []byte) bool {
	const tagLen = 4

	switch {
	case len(buffer) == riffFileHeaderSize:
		return true
	case len(buffer) < riffFileHeaderSize+tagLen:
		return false
	}

	for _, c := range buffer[riffFileHeaderSize : riffFileHeaderSize+tagLen] {
		if !isTagByte(c) {
			return false
		}
	}

	return true
}

func isTagByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// init initializes the mimer package.
func init() {
	mimesniffer.Register(MediaTypeRiffSession, isRiffSessionSignature)
}

// GetContentTypeFromReader returns the content type sniffed from the start of reader.
func GetContentTypeFromReader(reader io.Reader) (string, error) {
	const fingerprintSize = 512

	// Only the first 512 bytes are used to sniff the content type.
	buffer := make([]byte, fingerprintSize)

	n, err := io.ReadFull(reader, buffer)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return UnknownMediaType, fmt.Errorf("mime check failed read: %w", err)
	}

	mimeType := mimesniffer.Sniff(buffer[:n])

	return mimeType, nil
}

// GetContentType returns the content type of the given resource at the given path.
func GetContentType(sourcePath string) string {
	f, err := os.Open(sourcePath)
	if err != nil {
		return UnknownMediaType
	}

	defer func() {
		_ = f.Close()
	}()

	mimeType, _ := GetContentTypeFromReader(f)

	return mimeType
}

// IsRiffSession returns true if the file at path looks like a recorder file.
func IsRiffSession(path string) bool {
	return GetContentType(path) == MediaTypeRiffSession
}
