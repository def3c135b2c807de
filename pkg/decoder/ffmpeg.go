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

package decoder

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
)

// UnsupportedPixelFormatError is returned for pictures that are not planar 4:2:0.
type UnsupportedPixelFormatError struct {
	PixelFormat astiav.PixelFormat
}

func (e *UnsupportedPixelFormatError) Error() string {
	return fmt.Sprintf("unsupported pixel format: %s", e.PixelFormat.Name())
}

// FFmpegCodec decodes H.264 access units with libavcodec. The packet API
// takes whole access units, so Feed consumes either everything or nothing.
type FFmpegCodec struct {
	ctx   *astiav.CodecContext
	pkt   *astiav.Packet
	frame *astiav.Frame
}

// NewFFmpegCodec opens a software H.264 decoder. Close it when done.
func NewFFmpegCodec() (*FFmpegCodec, error) {
	codec := astiav.FindDecoder(astiav.CodecIDH264)
	if codec == nil {
		return nil, errors.New("no h264 decoder available")
	}

	c := &FFmpegCodec{
		ctx: astiav.AllocCodecContext(codec),
	}

	if c.ctx == nil {
		return nil, errors.New("allocating codec context failed")
	}

	if err := c.ctx.Open(codec, nil); err != nil {
		c.ctx.Free()

		return nil, fmt.Errorf("opening decoder context failed: %w", err)
	}

	c.pkt = astiav.AllocPacket()
	c.frame = astiav.AllocFrame()

	return c, nil
}

// FFmpegFactory is a Factory for FFmpegCodec.
func FFmpegFactory() (Codec, error) {
	return NewFFmpegCodec()
}

func (c *FFmpegCodec) Feed(data []byte, pts, dts int64) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	c.pkt.Unref()

	if err := c.pkt.FromData(data); err != nil {
		return 0, fmt.Errorf("wrapping packet failed: %w", err)
	}

	c.pkt.SetPts(pts)
	c.pkt.SetDts(dts)

	err := c.ctx.SendPacket(c.pkt)
	c.pkt.Unref()

	switch {
	case err == nil:
		return len(data), nil
	case errors.Is(err, astiav.ErrEagain):
		return 0, nil
	default:
		return 0, fmt.Errorf("sending packet to decoder failed: %w", err)
	}
}

func (c *FFmpegCodec) Receive(out *Frame) error {
	// ReceiveFrame() will release any previous buffers in c.frame.
	err := c.ctx.ReceiveFrame(c.frame)

	switch {
	case err == nil:
	case errors.Is(err, astiav.ErrEagain):
		return ErrAgain
	case errors.Is(err, astiav.ErrEof):
		return ErrEOF
	default:
		return fmt.Errorf("receiving frame from decoder failed: %w", err)
	}

	defer c.frame.Unref()

	switch pf := c.frame.PixelFormat(); pf {
	case astiav.PixelFormatYuv420P, astiav.PixelFormatYuvj420P:
	default:
		return &UnsupportedPixelFormatError{PixelFormat: pf}
	}

	w, h := c.frame.Width(), c.frame.Height()
	cw, ch := ChromaSize(w, h)
	dst := out.Alloc(w, h)
	data := c.frame.Data()
	stride := c.frame.Linesize()

	dst = copyPlane(dst, data[0], stride[0], w, h)
	dst = copyPlane(dst, data[1], stride[1], cw, ch)
	copyPlane(dst, data[2], stride[2], cw, ch)

	// Packets carry the unit's pts, so the picture names its access unit.
	out.Time = c.frame.Pts()

	return nil
}

// copyPlane copies rows of a strided plane into dst and returns the rest of dst.
func copyPlane(dst, src []byte, stride, width, height int) []byte {
	for row := 0; row < height; row++ {
		copy(dst[row*width:(row+1)*width], src[row*stride:row*stride+width])
	}

	return dst[width*height:]
}

func (c *FFmpegCodec) Flush() error {
	// Best practice is to send a nil packet to flush the decoder.
	if err := c.ctx.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
		return fmt.Errorf("flushing decoder failed: %w", err)
	}

	return nil
}

// Close frees ffmpeg resources associated with the codec.
func (c *FFmpegCodec) Close() {
	if c.ctx != nil {
		c.ctx.Free()
		c.ctx = nil
	}

	if c.pkt != nil {
		c.pkt.Free()
		c.pkt = nil
	}

	if c.frame != nil {
		c.frame.Free()
		c.frame = nil
	}
}
