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

package decoder_test

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TurbineOne/riff-framer/pkg/decoder"
	"github.com/TurbineOne/riff-framer/pkg/decoder/decodertest"
	"github.com/TurbineOne/riff-framer/pkg/index"
	"github.com/TurbineOne/riff-framer/pkg/riff"
	"github.com/TurbineOne/riff-framer/pkg/riff/rifftest"
)

const step = 10000

// twoGOPs returns a session of two GOPs of four frames each and its index.
func twoGOPs(t *testing.T) (*riff.Session, *index.Index) {
	t.Helper()

	w := rifftest.NewWriter()
	w.GOPs(2, 3, 1_000_000, step)

	log := zerolog.Nop()

	sess, err := riff.NewSession([]string{w.WriteFile(t, t.TempDir(), "drive.riff")}, &log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	ix, err := index.Build(context.Background(), sess, &log)
	require.NoError(t, err)
	require.Equal(t, 8, ix.Len())

	return sess, ix
}

// decodeAll runs the adapter to the end and returns the decoded times.
func decodeAll(t *testing.T, a *decoder.Adapter, start *index.Entry) ([]int64, error) {
	t.Helper()

	var (
		times []int64
		out   decoder.Frame
		cur   = start
		err   error
	)

	for i := 0; i < 100; i++ {
		cur, err = a.FeedAndAdvance(cur, &out)
		if err != nil {
			if errors.Is(err, decoder.ErrStreamEnded) {
				return times, nil
			}

			return times, err
		}

		times = append(times, out.Time)
	}

	t.Fatal("adapter did not end")

	return nil, nil
}

func entryTimes(entries []index.Entry) []int64 {
	times := make([]int64, 0, len(entries))
	for _, e := range entries {
		times = append(times, e.Time)
	}

	return times
}

func openAdapter(t *testing.T, f *decodertest.Factory, in decoder.Input) *decoder.Adapter {
	t.Helper()

	log := zerolog.Nop()

	a, err := decoder.Open(f.New, in, &log)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	return a
}

func TestFeedAndAdvance(t *testing.T) {
	tests := []struct {
		name      string
		configure func(c *decodertest.Codec)
	}{
		{"immediate", nil},
		{"delayed", func(c *decodertest.Codec) { c.Delay = 3 }},
		{"partial consumption", func(c *decodertest.Codec) { c.MaxConsume = 7 }},
		{"delayed partial", func(c *decodertest.Codec) { c.Delay = 2; c.MaxConsume = 5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, ix := twoGOPs(t)
			f := &decodertest.Factory{Configure: tt.configure}
			a := openAdapter(t, f, &decoder.Range{Entries: ix.Entries, Read: decoder.SessionReader(sess)})

			assert.Equal(t, decoder.Opened, a.State())

			times, err := decodeAll(t, a, &ix.Entries[0])
			require.NoError(t, err)
			assert.Equal(t, entryTimes(ix.Entries), times)
			assert.Zero(t, a.Faults())
			assert.Equal(t, decoder.Feeding, a.State())

			codec := f.Created()[0]
			assert.True(t, codec.Flushed)

			// Once ended, it stays ended.
			var out decoder.Frame
			_, err = a.FeedAndAdvance(nil, &out)
			assert.ErrorIs(t, err, decoder.ErrStreamEnded)
		})
	}
}

func TestFrameAttribution(t *testing.T) {
	sess, ix := twoGOPs(t)
	f := &decodertest.Factory{Configure: func(c *decodertest.Codec) { c.Delay = 1 }}
	a := openAdapter(t, f, &decoder.Range{Entries: ix.Entries, Read: decoder.SessionReader(sess)})

	var out decoder.Frame

	cur := &ix.Entries[0]

	for i := range ix.Entries {
		var err error

		cur, err = a.FeedAndAdvance(cur, &out)
		require.NoError(t, err)

		e := ix.Entries[i]
		assert.Equal(t, e.Time, out.Time)
		assert.Equal(t, e.Keyframe, out.Keyframe)
		assert.Equal(t, decodertest.DefaultWidth, out.Width)
		assert.Equal(t, decodertest.DefaultHeight, out.Height)
		assert.InDelta(t, float64(decodertest.Luma(e.Pts)), out.MeanLuma(), 0)
	}

	assert.Nil(t, cur)
}

func TestGOPRange(t *testing.T) {
	sess, ix := twoGOPs(t)
	f := &decodertest.Factory{}
	a := openAdapter(t, f, &decoder.Range{Entries: ix.Entries, Read: decoder.SessionReader(sess), GOP: true})

	times, err := decodeAll(t, a, &ix.Entries[4])
	require.NoError(t, err)
	assert.Equal(t, entryTimes(ix.Entries[4:]), times)

	a2 := openAdapter(t, f, &decoder.Range{Entries: ix.Entries, Read: decoder.SessionReader(sess), GOP: true})

	times, err = decodeAll(t, a2, &ix.Entries[0])
	require.NoError(t, err)
	assert.Equal(t, entryTimes(ix.Entries[:4]), times)
}

func TestFaultsSkipPictures(t *testing.T) {
	sess, ix := twoGOPs(t)
	bad := ix.Entries[2].Pts

	tests := []struct {
		name      string
		configure func(c *decodertest.Codec)
		read      func(e *index.Entry, dst []byte) ([]byte, error)
	}{
		{
			name:      "feed",
			configure: func(c *decodertest.Codec) { c.FailFeed = func(pts int64) bool { return pts == bad } },
		},
		{
			name: "receive",
			configure: func(c *decodertest.Codec) {
				c.Delay = 2
				c.FailReceive = func(pts int64) bool { return pts == bad }
			},
		},
		{
			name: "read",
			read: func(e *index.Entry, dst []byte) ([]byte, error) {
				if e.Pts == bad {
					return dst, errors.New("unreadable")
				}

				return decoder.SessionReader(sess)(e, dst)
			},
		},
	}

	want := entryTimes(append(append([]index.Entry(nil), ix.Entries[:2]...), ix.Entries[3:]...))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			read := tt.read
			if read == nil {
				read = decoder.SessionReader(sess)
			}

			f := &decodertest.Factory{Configure: tt.configure}
			a := openAdapter(t, f, &decoder.Range{Entries: ix.Entries, Read: read})

			times, err := decodeAll(t, a, &ix.Entries[0])
			require.NoError(t, err)
			assert.Equal(t, want, times)
			assert.Equal(t, 1, a.Faults())
		})
	}
}

func TestProtocolError(t *testing.T) {
	sess, ix := twoGOPs(t)
	f := &decodertest.Factory{Configure: func(c *decodertest.Codec) { c.Stall = true }}
	a := openAdapter(t, f, &decoder.Range{Entries: ix.Entries, Read: decoder.SessionReader(sess)})

	var out decoder.Frame

	_, err := a.FeedAndAdvance(&ix.Entries[0], &out)

	var pErr *decoder.ProtocolError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, 0, pErr.Index)
	assert.Equal(t, ix.Entries[0].Offset, pErr.Offset)
}

func TestOpenError(t *testing.T) {
	errNoCodec := errors.New("no codec")
	f := &decodertest.Factory{Err: errNoCodec}
	log := zerolog.Nop()

	_, err := decoder.Open(f.New, &decoder.Range{}, &log)

	var oErr *decoder.OpenError
	require.ErrorAs(t, err, &oErr)
	assert.ErrorIs(t, err, errNoCodec)
}

func TestClose(t *testing.T) {
	sess, ix := twoGOPs(t)
	f := &decodertest.Factory{}
	a := openAdapter(t, f, &decoder.Range{Entries: ix.Entries, Read: decoder.SessionReader(sess)})

	a.Close()
	a.Close()

	assert.Equal(t, decoder.Closed, a.State())
	assert.True(t, f.Created()[0].Closed)

	var out decoder.Frame

	_, err := a.FeedAndAdvance(&ix.Entries[0], &out)
	assert.ErrorIs(t, err, decoder.ErrClosed)
}

func TestSessionReaderUnknownFile(t *testing.T) {
	sess, ix := twoGOPs(t)
	e := ix.Entries[0]
	e.File = 9

	_, err := decoder.SessionReader(sess)(&e, nil)
	assert.Error(t, err)

	b, err := decoder.FileReader(sess.Files[0])(&ix.Entries[0], nil)
	require.NoError(t, err)
	assert.Len(t, b, rifftest.DefaultUnitSize)
	assert.Equal(t, rifftest.KeyframePrefix, b[:len(rifftest.KeyframePrefix)])
}

func TestHeaderUnitsYieldNoPicture(t *testing.T) {
	for _, delay := range []int{0, 1, 3} {
		sess, ix := twoGOPs(t)
		f := &decodertest.Factory{Configure: func(c *decodertest.Codec) {
			c.SkipKeyframes = true
			c.Delay = delay
			c.MaxConsume = 11
		}}
		a := openAdapter(t, f, &decoder.Range{Entries: ix.Entries, Read: decoder.SessionReader(sess)})

		var (
			times     []int64
			keyframes []bool
			out       decoder.Frame
			cur       = &ix.Entries[0]
			err       error
		)

		for {
			cur, err = a.FeedAndAdvance(cur, &out)
			if err != nil {
				break
			}

			times = append(times, out.Time)
			keyframes = append(keyframes, out.Keyframe)
		}

		require.ErrorIs(t, err, decoder.ErrStreamEnded)

		// Every picture keeps its own unit's time; the last of each GOP too.
		e := ix.Entries
		assert.Equal(t, []int64{e[1].Time, e[2].Time, e[3].Time, e[5].Time, e[6].Time, e[7].Time}, times,
			"delay %d", delay)
		assert.Equal(t, []bool{true, false, false, true, false, false}, keyframes, "delay %d", delay)
		assert.Zero(t, a.Faults())
	}
}

func TestNoPTSUsesFeedOrder(t *testing.T) {
	sess, ix := twoGOPs(t)
	f := &decodertest.Factory{Configure: func(c *decodertest.Codec) {
		c.NoPTS = true
		c.Delay = 2
	}}
	a := openAdapter(t, f, &decoder.Range{Entries: ix.Entries, Read: decoder.SessionReader(sess)})

	times, err := decodeAll(t, a, &ix.Entries[0])
	require.NoError(t, err)
	assert.Equal(t, entryTimes(ix.Entries), times)
}

// scriptedCodec replays fixed Feed and Receive outcomes.
type scriptedCodec struct {
	// consume says, per Feed call, whether the data is taken.
	consume []bool
	// receive holds Receive results; nil yields a picture of the last fed pts.
	receive []error

	lastPTS int64
}

func (c *scriptedCodec) Feed(data []byte, pts, _ int64) (int, error) {
	take := true
	if len(c.consume) > 0 {
		take, c.consume = c.consume[0], c.consume[1:]
	}

	if !take {
		return 0, nil
	}

	c.lastPTS = pts

	return len(data), nil
}

func (c *scriptedCodec) Receive(out *decoder.Frame) error {
	if len(c.receive) == 0 {
		return decoder.ErrAgain
	}

	err := c.receive[0]
	c.receive = c.receive[1:]

	if err == nil {
		out.Alloc(2, 2)
		out.Time = c.lastPTS
	}

	return err
}

func (c *scriptedCodec) Flush() error { return nil }

func (c *scriptedCodec) Close() {}

func TestReceiveFaultWhileFull(t *testing.T) {
	sess, ix := twoGOPs(t)
	codec := &scriptedCodec{
		consume: []bool{false, true},
		receive: []error{decoder.ErrAgain, decodertest.ErrReceiveFault, nil},
	}
	log := zerolog.Nop()

	a, err := decoder.Open(func() (decoder.Codec, error) { return codec, nil },
		&decoder.Range{Entries: ix.Entries, Read: decoder.SessionReader(sess)}, &log)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	// The codec refuses input, then drops a picture, which frees it to take
	// the unit again.
	var out decoder.Frame

	next, err := a.FeedAndAdvance(&ix.Entries[0], &out)
	require.NoError(t, err)
	assert.Equal(t, ix.Entries[0].Time, out.Time)
	assert.Same(t, &ix.Entries[1], next)
	assert.Equal(t, 1, a.Faults())
}
