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

// Package decodertest provides a scriptable stand-in for a bitstream decoder.
package decodertest

import (
	"errors"
	"sync"

	"github.com/TurbineOne/riff-framer/pkg/decoder"
	"github.com/TurbineOne/riff-framer/pkg/index"
)

const (
	DefaultWidth  = 8
	DefaultHeight = 6
)

//nolint:gochecknoglobals // Sentinels.
var (
	ErrFeedFault    = errors.New("injected feed fault")
	ErrReceiveFault = errors.New("injected receive fault")
)

// Luma is the Y value the fake codec paints for a unit with the given pts.
func Luma(pts int64) byte {
	return byte(pts / 1000) //nolint:gosec // Wraps on purpose.
}

// Codec emulates a decoder: every fully fed access unit yields one picture
// whose luma plane is Luma(pts). Set options before first use.
type Codec struct {
	Width  int
	Height int

	// Delay is how many complete units are held back before pictures are
	// released. Flush releases them all.
	Delay int
	// MaxConsume caps the bytes taken per Feed. Zero means no cap.
	MaxConsume int
	// Stall makes every Feed consume nothing.
	Stall bool
	// SkipKeyframes makes keyframe-prefixed units yield no picture, like
	// parameter sets sent in their own packet.
	SkipKeyframes bool
	// NoPTS makes pictures report decoder.NoPTS instead of their pts.
	NoPTS bool

	FailFeed    func(pts int64) bool
	FailReceive func(pts int64) bool

	// FedPTS lists the pts of every unit fed completely.
	FedPTS  []int64
	Flushed bool
	Closed  bool

	queue []int64

	// midUnit is set while a unit has been partly consumed.
	midUnit bool
	unitKey bool
}

func (c *Codec) Feed(data []byte, pts, _ int64) (int, error) {
	if c.Stall {
		return 0, nil
	}

	if c.FailFeed != nil && c.FailFeed(pts) {
		return 0, ErrFeedFault
	}

	n := len(data)
	if c.MaxConsume > 0 && n > c.MaxConsume {
		n = c.MaxConsume
	}

	if !c.midUnit {
		c.unitKey = index.IsKeyframe(data)
	}

	c.midUnit = n < len(data)

	if n == len(data) {
		if !c.SkipKeyframes || !c.unitKey {
			c.queue = append(c.queue, pts)
		}

		c.FedPTS = append(c.FedPTS, pts)
	}

	return n, nil
}

func (c *Codec) Receive(out *decoder.Frame) error {
	if len(c.queue) == 0 {
		if c.Flushed {
			return decoder.ErrEOF
		}

		return decoder.ErrAgain
	}

	if !c.Flushed && len(c.queue) <= c.Delay {
		return decoder.ErrAgain
	}

	pts := c.queue[0]
	c.queue = c.queue[1:]

	if c.FailReceive != nil && c.FailReceive(pts) {
		return ErrReceiveFault
	}

	w, h := c.Width, c.Height
	if w == 0 || h == 0 {
		w, h = DefaultWidth, DefaultHeight
	}

	yuv := out.Alloc(w, h)
	luma := Luma(pts)

	for i := range yuv {
		if i < w*h {
			yuv[i] = luma
		} else {
			yuv[i] = 128
		}
	}

	out.Time = pts
	if c.NoPTS {
		out.Time = decoder.NoPTS
	}

	return nil
}

func (c *Codec) Flush() error {
	c.Flushed = true

	return nil
}

func (c *Codec) Close() {
	c.Closed = true
}

// Factory hands out Codecs configured by Configure and remembers them. It
// is safe for concurrent use.
type Factory struct {
	// Configure, if set, is applied to every new Codec.
	Configure func(c *Codec)
	// Err, if set, is returned instead of a Codec.
	Err error

	mu      sync.Mutex
	created []*Codec
}

// New is a decoder.Factory.
func (f *Factory) New() (decoder.Codec, error) {
	if f.Err != nil {
		return nil, f.Err
	}

	c := &Codec{}
	if f.Configure != nil {
		f.Configure(c)
	}

	f.mu.Lock()
	f.created = append(f.created, c)
	f.mu.Unlock()

	return c, nil
}

// Created returns every Codec handed out so far.
func (f *Factory) Created() []*Codec {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*Codec(nil), f.created...)
}
