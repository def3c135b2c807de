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

// Command gobble decodes every frame of a recorded session as fast as the
// machine allows.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/TurbineOne/riff-framer/pkg/decoder"
	"github.com/TurbineOne/riff-framer/pkg/index"
	"github.com/TurbineOne/riff-framer/pkg/interrupt"
	"github.com/TurbineOne/riff-framer/pkg/metrics"
	"github.com/TurbineOne/riff-framer/pkg/riff"
	"github.com/TurbineOne/riff-framer/pkg/scheduler"
	"github.com/TurbineOne/riff-framer/pkg/workqueue"
)

const progressInterval = 100 * time.Millisecond

var log zerolog.Logger //nolint:gochecknoglobals // Don't care.

// parseArgs accepts "[threads] path.riff". threads is zero when omitted.
func parseArgs(args []string) (threads int, path string, ok bool) {
	if len(args) == 2 { //nolint:mnd // Optional thread count.
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return 0, "", false
		}

		threads = n
		args = args[1:]
	}

	if len(args) != 1 || !strings.Contains(args[0], ".riff") {
		return 0, "", false
	}

	return threads, args[0], true
}

// pictureStats is the sink for decoded pictures.
type pictureStats struct {
	pictures  atomic.Int64
	keyframes atomic.Int64
	dark      atomic.Int64
}

// darkLuma is the mean luma below which a picture counts as dark.
const darkLuma = 16

func (s *pictureStats) OnDecoded(f *decoder.Frame, e *index.Entry) {
	s.pictures.Add(1)

	if f.Keyframe {
		s.keyframes.Add(1)
	}

	if f.MeanLuma() < darkLuma {
		s.dark.Add(1)
	}

	if e != nil {
		log.Trace().Object("frame", f).Object("entry", e).Msg("decoded")
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	threads, path, ok := parseArgs(os.Args[1:])
	if !ok {
		fmt.Fprintln(os.Stderr, "usage: gobble [threads] some-file.riff")

		return 1
	}

	initConfig() // May early exit if config init fails.

	if threads > 0 {
		currentConfig.Scheduler.Threads = threads
	}

	if err := decoder.SetupFFmpegLogging(&currentConfig.Decoder, &log); err != nil {
		log.Error().Err(err).Msg("failed to set up ffmpeg logging")

		return 1
	}

	sess, err := riff.OpenSession(path, &log)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to open session")

		return 1
	}

	defer sess.Close() //nolint:errcheck // Read only.

	fmt.Fprintf(os.Stderr, "loaded %d riffs\n", len(sess.Files))

	// Fail now rather than once per GOP.
	codec, err := decoder.NewFFmpegCodec()
	if err != nil {
		log.Error().Err(err).Msg("failed to open decoder")

		return 1
	}

	codec.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := interrupt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("stopping")
		}

		cancel()
	}()

	queue := workqueue.New(&log)
	if err := queue.Start(currentConfig.Scheduler.Threads); err != nil {
		log.Error().Err(err).Msg("failed to start work queue")

		return 1
	}

	defer queue.Stop()

	stats := &pictureStats{}
	sched := scheduler.New(sess, queue, decoder.FFmpegFactory, stats, &log)

	runErr := make(chan error, 1)

	go func() {
		runErr <- sched.Run(ctx)
	}()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for err == nil {
		select {
		case err = <-runErr:
			if err == nil {
				printProgress(sched)
				fmt.Fprintln(os.Stderr)

				log.Info().Int64("pictures", stats.pictures.Load()).Int64("keyframes", stats.keyframes.Load()).
					Int64("dark", stats.dark.Load()).Msg("done")

				return writeMetrics()
			}
		case <-ticker.C:
			printProgress(sched)
		}
	}

	fmt.Fprintln(os.Stderr)
	log.Error().Err(err).Msg("decode failed")
	writeMetrics()

	return 1
}

func printProgress(s *scheduler.Scheduler) {
	done, pending, failed := s.Progress()
	fmt.Fprintf(os.Stderr, "%7d / %7d\r", done+failed, pending)
}

func writeMetrics() int {
	if currentConfig.MetricsFile == "" {
		return 0
	}

	if err := metrics.WriteTextfile(currentConfig.MetricsFile); err != nil {
		log.Error().Err(err).Msg("failed to write metrics")

		return 1
	}

	return 0
}
