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

package scheduler_test

import (
	"cmp"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slices"

	"github.com/TurbineOne/riff-framer/pkg/decoder"
	"github.com/TurbineOne/riff-framer/pkg/decoder/decodertest"
	"github.com/TurbineOne/riff-framer/pkg/index"
	"github.com/TurbineOne/riff-framer/pkg/riff"
	"github.com/TurbineOne/riff-framer/pkg/riff/rifftest"
	"github.com/TurbineOne/riff-framer/pkg/scheduler"
	"github.com/TurbineOne/riff-framer/pkg/workqueue"
)

const (
	start = 1_000_000
	step  = 33000
)

// session writes files of gops groups each, every group a keyframe and
// three predicted frames, with timestamps continuing across files.
func session(t *testing.T, files, gops int) *riff.Session {
	t.Helper()

	dir := t.TempDir()
	paths := make([]string, 0, files)
	pts := uint64(start)

	for i := 0; i < files; i++ {
		w := rifftest.NewWriter()
		pts = w.GOPs(gops, 3, pts, step)
		paths = append(paths, w.WriteFile(t, dir, "drive_"+string(rune('0'+i))+".riff"))
	}

	log := zerolog.Nop()

	s, err := riff.NewSession(paths, &log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func startQueue(t *testing.T, threads int) *workqueue.Queue {
	t.Helper()

	log := zerolog.Nop()
	q := workqueue.New(&log)
	require.NoError(t, q.Start(threads))
	t.Cleanup(q.Stop)

	return q
}

type picture struct {
	time     int64
	keyframe bool
	entry    index.Entry
}

type collector struct {
	mu       sync.Mutex
	pictures []picture
}

func (c *collector) OnDecoded(f *decoder.Frame, e *index.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := picture{time: f.Time, keyframe: f.Keyframe}
	if e != nil {
		p.entry = *e
	}

	c.pictures = append(c.pictures, p)
}

func (c *collector) sorted() []picture {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := append([]picture(nil), c.pictures...)
	slices.SortFunc(out, func(a, b picture) int { return cmp.Compare(a.time, b.time) })

	return out
}

func TestTwoFileSession(t *testing.T) {
	sess := session(t, 2, 1)
	f := &decodertest.Factory{Configure: func(c *decodertest.Codec) { c.Delay = 1 }}
	sink := &collector{}
	log := zerolog.Nop()

	s := scheduler.New(sess, startQueue(t, 2), f.New, sink, &log)
	require.NoError(t, s.Run(context.Background()))

	done, pending, failed := s.Progress()
	assert.Equal(t, int64(2), done)
	assert.Equal(t, int64(2), pending)
	assert.Zero(t, failed)
	assert.Len(t, s.Tasks(), 2)
	assert.Len(t, f.Created(), 2)
	assert.Equal(t, int64(8), s.Frames())
	assert.Zero(t, s.Orphans())

	pictures := sink.sorted()
	require.Len(t, pictures, 8)

	for i, p := range pictures {
		assert.Equal(t, int64(i-1)*step, p.time)
		assert.Equal(t, i%4 == 0, p.keyframe, "picture %d", i)
		assert.Equal(t, p.time, p.entry.Time)
		assert.Equal(t, i/4, p.entry.File)
		assert.InDelta(t, 0.5, p.entry.Steer, 0.001)
	}
}

func TestGOPsPerFile(t *testing.T) {
	sess := session(t, 1, 5)
	f := &decodertest.Factory{Configure: func(c *decodertest.Codec) { c.MaxConsume = 9 }}
	sink := &collector{}
	log := zerolog.Nop()

	s := scheduler.New(sess, startQueue(t, 3), f.New, sink, &log)
	require.NoError(t, s.Run(context.Background()))

	done, pending, _ := s.Progress()
	assert.Equal(t, int64(5), done)
	assert.Equal(t, pending, done)

	tasks := s.Tasks()
	require.Len(t, tasks, 5)
	assert.Equal(t, "gop drive_0.riff@0", tasks[0])

	pictures := sink.sorted()
	require.Len(t, pictures, 20)

	for i := 1; i < len(pictures); i++ {
		assert.Less(t, pictures[i-1].time, pictures[i].time)
	}
}

func TestOrphansAreNotScheduled(t *testing.T) {
	w := rifftest.NewWriter()
	w.Frame(start, false)
	w.Frame(start+step, false)
	w.GOPs(1, 3, start+2*step, step)

	log := zerolog.Nop()

	sess, err := riff.NewSession([]string{w.WriteFile(t, t.TempDir(), "drive.riff")}, &log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	f := &decodertest.Factory{}
	s := scheduler.New(sess, startQueue(t, 1), f.New, nil, &log)
	require.NoError(t, s.Run(context.Background()))

	done, pending, _ := s.Progress()
	assert.Equal(t, int64(1), done)
	assert.Equal(t, int64(1), pending)
	assert.Equal(t, int64(2), s.Orphans())
	assert.Equal(t, int64(4), s.Frames())
}

func TestTaskFailures(t *testing.T) {
	sess := session(t, 2, 2)
	f := &decodertest.Factory{Err: errors.New("no codec")}
	log := zerolog.Nop()

	s := scheduler.New(sess, startQueue(t, 2), f.New, nil, &log)
	require.NoError(t, s.Run(context.Background()))

	done, pending, failed := s.Progress()
	assert.Zero(t, done)
	assert.Equal(t, int64(4), pending)
	assert.Equal(t, int64(4), failed)
}

func TestProtocolErrorFailsOnlyItsGOP(t *testing.T) {
	sess := session(t, 1, 3)
	log := zerolog.Nop()

	var once sync.Once

	f := &decodertest.Factory{Configure: func(c *decodertest.Codec) {
		once.Do(func() { c.Stall = true })
	}}

	s := scheduler.New(sess, startQueue(t, 1), f.New, nil, &log)
	require.NoError(t, s.Run(context.Background()))

	done, pending, failed := s.Progress()
	assert.Equal(t, int64(2), done)
	assert.Equal(t, int64(3), pending)
	assert.Equal(t, int64(1), failed)
	assert.Equal(t, int64(8), s.Frames())
}

func TestRunCanceled(t *testing.T) {
	sess := session(t, 1, 1)
	log := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := scheduler.New(sess, startQueue(t, 1), (&decodertest.Factory{}).New, nil, &log)
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}

func TestRunNoFiles(t *testing.T) {
	log := zerolog.Nop()
	s := scheduler.New(&riff.Session{}, startQueue(t, 1), (&decodertest.Factory{}).New, nil, &log)

	assert.ErrorIs(t, s.Run(context.Background()), riff.ErrNoFiles)
}
