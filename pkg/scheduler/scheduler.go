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

// Package scheduler decodes a whole session in parallel, one work queue
// task per GOP.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/riff-framer/pkg/decoder"
	"github.com/TurbineOne/riff-framer/pkg/index"
	"github.com/TurbineOne/riff-framer/pkg/metrics"
	"github.com/TurbineOne/riff-framer/pkg/riff"
	"github.com/TurbineOne/riff-framer/pkg/workqueue"
)

const (
	lEnd     = "end"
	lFile    = "file"
	lFrames  = "frames"
	lOffset  = "offset"
	lOrphans = "orphans"
	lRanges  = "ranges"
	lStart   = "start"
	lUnits   = "units"
)

// Config configures batch decoding.
type Config struct {
	Threads int `yaml:"threads" json:"threads" env:"THREADS" doc:"Number of GOPs decoded concurrently"`
}

// ConfigDefault returns the default values for a Config.
func ConfigDefault() Config {
	return Config{
		Threads: 16,
	}
}

// Sink consumes decoded pictures. It is called from many workers at once.
// The frame is only valid for the duration of the call.
type Sink interface {
	OnDecoded(f *decoder.Frame, e *index.Entry)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(f *decoder.Frame, e *index.Entry)

func (fn SinkFunc) OnDecoded(f *decoder.Frame, e *index.Entry) {
	fn(f, e)
}

// Scheduler submits probe and GOP decode tasks for a session to a queue.
// The caller starts the queue.
type Scheduler struct {
	sess    *riff.Session
	queue   *workqueue.Queue
	factory decoder.Factory
	sink    Sink

	// offset is set before any task is submitted.
	offset int64

	pending atomic.Int64
	done    atomic.Int64
	failed  atomic.Int64
	frames  atomic.Int64
	orphans atomic.Int64

	mu    sync.Mutex
	tasks []string

	log zerolog.Logger
}

// New returns a Scheduler. A nil sink discards pictures.
func New(sess *riff.Session, queue *workqueue.Queue, factory decoder.Factory, sink Sink,
	logger *zerolog.Logger,
) *Scheduler {
	if sink == nil {
		sink = SinkFunc(func(*decoder.Frame, *index.Entry) {})
	}

	return &Scheduler{
		sess:    sess,
		queue:   queue,
		factory: factory,
		sink:    sink,
		log:     logger.With().Str("pkg", "scheduler").Str("session", sess.ID).Logger(),
	}
}

// Run probes every file of the session and decodes all GOPs found, then
// waits for the queue to drain. Canceling ctx stops the queue.
func (s *Scheduler) Run(ctx context.Context) error {
	if len(s.sess.Files) == 0 {
		return riff.ErrNoFiles
	}

	stop := context.AfterFunc(ctx, s.queue.Stop)
	defer stop()

	offset, err := index.SessionOffset(ctx, s.sess.Files[0], &s.log)
	if err != nil {
		return fmt.Errorf("computing session offset: %w", err)
	}

	s.offset = offset
	s.log.Debug().Int64(lOffset, offset).Msg("session offset")

	for _, f := range s.sess.Files {
		if err := s.queue.Submit(s.probeTask(f)); err != nil {
			return fmt.Errorf("submitting probe for %s: %w", f.Path, err)
		}
	}

	s.queue.WaitAll()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("decoding interrupted: %w", err)
	}

	done, pending, failed := s.Progress()
	s.log.Info().Int64("done", done).Int64("pending", pending).Int64("failed", failed).
		Int64(lFrames, s.frames.Load()).Int64(lOrphans, s.orphans.Load()).Msg("session decoded")

	return nil
}

// Progress returns the GOP counters. It is safe to call while Run is in
// progress.
func (s *Scheduler) Progress() (done, pending, failed int64) {
	return s.done.Load(), s.pending.Load(), s.failed.Load()
}

// Frames returns the number of pictures delivered to the sink.
func (s *Scheduler) Frames() int64 {
	return s.frames.Load()
}

// Orphans returns the number of access units found before the first
// keyframe of their file. They are never decoded.
func (s *Scheduler) Orphans() int64 {
	return s.orphans.Load()
}

// Tasks returns the names of the GOP tasks submitted so far, in order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.tasks...)
}

func (s *Scheduler) probeTask(f *riff.File) *workqueue.Func {
	name := "probe " + filepath.Base(f.Path)

	return &workqueue.Func{
		TaskName: name,
		RunFunc: func(ctx context.Context) error {
			rf, err := f.Reopen()
			if err != nil {
				return err
			}
			defer rf.Close() //nolint:errcheck // Read only.

			p, err := index.ProbeFile(ctx, rf, &s.log)
			if err != nil {
				return err
			}

			s.orphans.Add(int64(p.Orphans))

			s.log.Debug().Str(lFile, f.Path).Int(lRanges, len(p.Ranges)).Int(lOrphans, p.Orphans).
				Msg("submitting gops")

			for _, r := range p.Ranges {
				if err := s.submitGOP(f, r); err != nil {
					return err
				}
			}

			return nil
		},
	}
}

func (s *Scheduler) submitGOP(f *riff.File, r index.ByteRange) error {
	name := fmt.Sprintf("gop %s@%d", filepath.Base(f.Path), r.Start)

	t := &workqueue.Func{
		TaskName: name,
		RunFunc: func(ctx context.Context) error {
			return s.decodeGOP(ctx, f, r)
		},
		Success: func() {
			s.done.Add(1)
			metrics.GOPFinished(nil)
		},
		Failure: func(err error) {
			s.failed.Add(1)
			metrics.GOPFinished(err)
		},
	}

	s.pending.Add(1)

	if err := s.queue.Submit(t); err != nil {
		s.pending.Add(-1)

		return err
	}

	metrics.GOPScheduled()

	s.mu.Lock()
	s.tasks = append(s.tasks, name)
	s.mu.Unlock()

	return nil
}

// decodeGOP rebuilds the entries of one byte range on a private file
// handle and feeds them all through a fresh adapter.
func (s *Scheduler) decodeGOP(ctx context.Context, f *riff.File, r index.ByteRange) error {
	rf, err := f.Reopen()
	if err != nil {
		return err
	}
	defer rf.Close() //nolint:errcheck // Read only.

	log := s.log.With().Str(lFile, f.Path).Uint64(lStart, r.Start).Uint64(lEnd, r.End).Logger()

	entries, err := index.ScanRange(ctx, rf, r, &log)
	if err != nil {
		return err
	}

	if len(entries) == 0 {
		return nil
	}

	index.Normalize(entries, s.offset, &log)

	a, err := decoder.Open(s.factory, &decoder.Range{Entries: entries, Read: decoder.FileReader(rf)}, &log)
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		out decoder.Frame
		cur = &entries[0]
		n   int
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		cur, err = a.FeedAndAdvance(cur, &out)
		if err != nil {
			break
		}

		s.sink.OnDecoded(&out, entryAt(entries, out.Time))
		s.frames.Add(1)
		n++
	}

	log.Trace().Int(lFrames, n).Int(lUnits, len(entries)).Msg("gop decoded")

	if errors.Is(err, decoder.ErrStreamEnded) {
		return nil
	}

	return err
}

// entryAt returns the entry a picture was attributed to, or nil.
func entryAt(entries []index.Entry, t int64) *index.Entry {
	for i := range entries {
		if entries[i].Time == t {
			return &entries[i]
		}
	}

	return nil
}
