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

package framecache_test

import (
	"context"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TurbineOne/riff-framer/pkg/decoder"
	"github.com/TurbineOne/riff-framer/pkg/decoder/decodertest"
	"github.com/TurbineOne/riff-framer/pkg/framecache"
	"github.com/TurbineOne/riff-framer/pkg/index"
	"github.com/TurbineOne/riff-framer/pkg/riff"
	"github.com/TurbineOne/riff-framer/pkg/riff/rifftest"
)

const step = 11000

// threeGOPs indexes a session of three GOPs, each a keyframe and three
// predicted frames.
func threeGOPs(t *testing.T) (*riff.Session, *index.Index) {
	t.Helper()

	w := rifftest.NewWriter()
	w.GOPs(3, 3, 500_000, step)

	log := zerolog.Nop()

	sess, err := riff.NewSession([]string{w.WriteFile(t, t.TempDir(), "drive.riff")}, &log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	ix, err := index.Build(context.Background(), sess, &log)
	require.NoError(t, err)
	require.Equal(t, 12, ix.Len())

	return sess, ix
}

func newCache(t *testing.T, capacity, hysteresis int, f *decodertest.Factory) (*framecache.Cache, *index.Index) {
	t.Helper()

	sess, ix := threeGOPs(t)
	log := zerolog.Nop()
	cfg := framecache.Config{Capacity: capacity, Hysteresis: hysteresis}

	c, err := framecache.New(ix, decoder.SessionReader(sess), f.New, &cfg, &log)
	require.NoError(t, err)

	return c, ix
}

func times(entries []index.Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Time)
	}

	return out
}

func TestHitAndMiss(t *testing.T) {
	f := &decodertest.Factory{Configure: func(c *decodertest.Codec) { c.Delay = 2 }}
	c, ix := newCache(t, 350, 90, f)

	want := ix.Entries[5]

	fr, err := c.GetFrame(want.Time, index.Closest)
	require.NoError(t, err)
	assert.Equal(t, want.Time, fr.Time)
	assert.False(t, fr.Keyframe)
	assert.InDelta(t, float64(decodertest.Luma(want.Pts)), fr.MeanLuma(), 0)

	// The whole GOP is cached, with only its head flagged.
	assert.Equal(t, times(ix.Entries[4:8]), c.Times())
	assert.Len(t, f.Created(), 1)

	head, err := c.GetFrame(ix.Entries[4].Time, index.Earlier)
	require.NoError(t, err)
	assert.True(t, head.Keyframe)

	again, err := c.GetFrame(want.Time+1, index.Earlier)
	require.NoError(t, err)
	assert.Same(t, fr, again)

	st := c.Stats()
	assert.Equal(t, 1, st.Misses)
	assert.Equal(t, 2, st.Hits)
	assert.Equal(t, 4, st.Decoded)
	assert.Zero(t, st.Evictions)
	assert.Len(t, f.Created(), 1)
}

func TestSeekModes(t *testing.T) {
	c, ix := newCache(t, 350, 90, &decodertest.Factory{})

	tests := []struct {
		query int64
		mode  index.SeekMode
		want  int
	}{
		{ix.Entries[3].Time, index.Following, 4},
		{ix.Entries[4].Time, index.Preceding, 3},
		{ix.Entries[7].Time + 1, index.Later, 8},
		{ix.Entries[7].Time + 1, index.Earlier, 7},
		{-1_000_000, index.Closest, 0},
		{1_000_000_000, index.Closest, 11},
	}

	for _, tt := range tests {
		fr, err := c.GetFrame(tt.query, tt.mode)
		require.NoError(t, err)
		assert.Equal(t, ix.Entries[tt.want].Time, fr.Time, "%s %d", tt.mode, tt.query)
	}
}

func TestEvictionStopsAtKeyframe(t *testing.T) {
	c, ix := newCache(t, 8, 6, &decodertest.Factory{})

	for _, i := range []int{0, 4} {
		_, err := c.GetFrame(ix.Entries[i].Time, index.Closest)
		require.NoError(t, err)
	}

	require.Equal(t, 8, c.Len())

	// The pass drops the first GOP and stops at the second keyframe, short
	// of the hysteresis target.
	_, err := c.GetFrame(ix.Entries[9].Time, index.Closest)
	require.NoError(t, err)

	assert.Equal(t, times(ix.Entries[4:]), c.Times())
	assert.Equal(t, 4, c.Stats().Evictions)
	assert.Positive(t, c.Stats().Free)
}

func TestEvictionHonorsCapacity(t *testing.T) {
	c, ix := newCache(t, 8, 2, &decodertest.Factory{})

	for _, i := range []int{0, 4, 8} {
		_, err := c.GetFrame(ix.Entries[i].Time, index.Closest)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Len(), 8)
	}

	// Two dropped by the pass, two more to fit the third GOP.
	assert.Equal(t, times(ix.Entries[4:]), c.Times())
	assert.Equal(t, 4, c.Stats().Evictions)
}

func TestCapacityNeverExceeded(t *testing.T) {
	c, ix := newCache(t, 6, 2, &decodertest.Factory{Configure: func(c *decodertest.Codec) { c.Delay = 1 }})
	rnd := rand.New(rand.NewSource(7)) //nolint:gosec // Test data.
	last := ix.Entries[ix.Len()-1].Time

	for i := 0; i < 500; i++ {
		query := rnd.Int63n(last+4*step) - 2*step
		mode := index.SeekMode(rnd.Intn(5))

		canonical, err := ix.Resolve(query, mode)
		require.NoError(t, err)

		fr, err := c.GetFrame(query, mode)
		require.NoError(t, err)
		assert.Equal(t, canonical, fr.Time)
		require.LessOrEqual(t, c.Len(), 6)

		// What is cached is always ascending and holds the result.
		ts := c.Times()
		assert.Contains(t, ts, fr.Time)

		for j := 1; j < len(ts); j++ {
			assert.Less(t, ts[j-1], ts[j])
		}
	}
}

func TestTinyCacheKeepsResult(t *testing.T) {
	c, ix := newCache(t, 1, 0, &decodertest.Factory{})

	fr, err := c.GetFrame(ix.Entries[2].Time, index.Closest)
	require.NoError(t, err)
	assert.Equal(t, ix.Entries[2].Time, fr.Time)
	assert.Equal(t, []int64{fr.Time}, c.Times())
}

func TestFrameNotFound(t *testing.T) {
	f := &decodertest.Factory{Configure: func(c *decodertest.Codec) {
		c.FailFeed = func(int64) bool { return true }
	}}
	c, ix := newCache(t, 350, 90, f)

	_, err := c.GetFrame(ix.Entries[1].Time, index.Closest)
	assert.ErrorIs(t, err, framecache.ErrFrameNotFound)
	assert.Zero(t, c.Len())
}

func TestOpenFailure(t *testing.T) {
	c, ix := newCache(t, 350, 90, &decodertest.Factory{Err: assert.AnError})

	_, err := c.GetFrame(ix.Entries[1].Time, index.Closest)

	var oErr *decoder.OpenError
	assert.ErrorAs(t, err, &oErr)
}

func TestEmptyIndex(t *testing.T) {
	log := zerolog.Nop()
	cfg := framecache.ConfigDefault()

	c, err := framecache.New(&index.Index{}, nil, (&decodertest.Factory{}).New, &cfg, &log)
	require.NoError(t, err)

	_, err = c.GetFrame(0, index.Closest)
	assert.ErrorIs(t, err, index.ErrEmptyIndex)
}

func TestConfigValidate(t *testing.T) {
	for _, cfg := range []framecache.Config{
		{Capacity: 0, Hysteresis: 0},
		{Capacity: 10, Hysteresis: 10},
		{Capacity: 10, Hysteresis: -1},
	} {
		var cErr *framecache.ConfigError
		assert.ErrorAs(t, cfg.Validate(), &cErr, "%+v", cfg)
	}

	cfg := framecache.ConfigDefault()
	assert.NoError(t, cfg.Validate())

	log := zerolog.Nop()
	bad := framecache.Config{}

	_, err := framecache.New(&index.Index{}, nil, nil, &bad, &log)
	assert.Error(t, err)
}

func TestHeaderUnitsWithoutPicture(t *testing.T) {
	f := &decodertest.Factory{Configure: func(c *decodertest.Codec) {
		c.SkipKeyframes = true
		c.Delay = 1
	}}
	c, ix := newCache(t, 350, 90, f)

	// The last unit of every GOP still has its picture.
	for _, i := range []int{3, 7, 11} {
		fr, err := c.GetFrame(ix.Entries[i].Time, index.Closest)
		require.NoError(t, err)
		assert.Equal(t, ix.Entries[i].Time, fr.Time)
		assert.InDelta(t, float64(decodertest.Luma(ix.Entries[i].Pts)), fr.MeanLuma(), 0)
	}

	// A header unit resolves to the picture that follows it, which heads
	// the GOP.
	fr, err := c.GetFrame(ix.Entries[4].Time, index.Closest)
	require.NoError(t, err)
	assert.Equal(t, ix.Entries[5].Time, fr.Time)
	assert.True(t, fr.Keyframe)

	assert.Equal(t, times([]index.Entry{
		ix.Entries[1], ix.Entries[2], ix.Entries[3],
		ix.Entries[5], ix.Entries[6], ix.Entries[7],
		ix.Entries[9], ix.Entries[10], ix.Entries[11],
	}), c.Times())
}
