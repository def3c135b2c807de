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
	"image"
	"image/color"

	"github.com/rs/zerolog"
)

// Frame is one decoded picture in planar I420 layout. Frames are reused:
// Reset keeps the YUV allocation and drops everything derived from it.
type Frame struct {
	// Time is the normalized timestamp of the access unit the picture
	// was attributed to.
	Time     int64
	Width    int
	Height   int
	Keyframe bool

	// YUV holds the Y plane followed by the U and V planes, each plane
	// tightly packed.
	YUV []byte

	rgb []byte
}

func (f *Frame) MarshalZerologObject(e *zerolog.Event) {
	e.Int64(lTime, f.Time).
		Int(lWidth, f.Width).
		Int(lHeight, f.Height).
		Bool(lKeyframe, f.Keyframe)
}

// ChromaSize returns the dimensions of the U and V planes.
func ChromaSize(width, height int) (int, int) {
	return (width + 1) / 2, (height + 1) / 2
}

// Alloc sizes the frame for a picture of the given geometry and returns the
// YUV buffer to fill. The existing allocation is reused when large enough.
func (f *Frame) Alloc(width, height int) []byte {
	cw, ch := ChromaSize(width, height)
	n := width*height + 2*cw*ch

	if cap(f.YUV) < n {
		f.YUV = make([]byte, n)
	}

	f.YUV = f.YUV[:n]
	f.Width = width
	f.Height = height
	f.rgb = nil

	return f.YUV
}

// Planes returns the Y, U and V planes.
func (f *Frame) Planes() (y, u, v []byte) {
	cw, ch := ChromaSize(f.Width, f.Height)
	ySize := f.Width * f.Height
	cSize := cw * ch

	if len(f.YUV) < ySize+2*cSize {
		return nil, nil, nil
	}

	return f.YUV[:ySize], f.YUV[ySize : ySize+cSize], f.YUV[ySize+cSize : ySize+2*cSize]
}

// Image returns a view of the picture without copying.
func (f *Frame) Image() *image.YCbCr {
	y, u, v := f.Planes()
	cw, _ := ChromaSize(f.Width, f.Height)

	return &image.YCbCr{
		Y:              y,
		Cb:             u,
		Cr:             v,
		YStride:        f.Width,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, f.Width, f.Height),
	}
}

// RGB returns the picture as packed 24-bit RGB, converting on first use.
// The buffer belongs to the frame and is dropped by Reset and Alloc.
func (f *Frame) RGB() []byte {
	if f.rgb != nil {
		return f.rgb
	}

	y, u, v := f.Planes()
	if y == nil {
		return nil
	}

	cw, _ := ChromaSize(f.Width, f.Height)
	rgb := make([]byte, 0, 3*f.Width*f.Height)

	for row := 0; row < f.Height; row++ {
		for col := 0; col < f.Width; col++ {
			c := (row/2)*cw + col/2
			r, g, b := color.YCbCrToRGB(y[row*f.Width+col], u[c], v[c])
			rgb = append(rgb, r, g, b)
		}
	}

	f.rgb = rgb

	return f.rgb
}

// MeanLuma returns the average of the Y plane.
func (f *Frame) MeanLuma() float64 {
	y, _, _ := f.Planes()
	if len(y) == 0 {
		return 0
	}

	var sum uint64
	for _, p := range y {
		sum += uint64(p)
	}

	return float64(sum) / float64(len(y))
}

// Reset clears the frame for reuse, keeping the YUV allocation.
func (f *Frame) Reset() {
	f.Time = 0
	f.Width = 0
	f.Height = 0
	f.Keyframe = false
	f.YUV = f.YUV[:0]
	f.rgb = nil
}
