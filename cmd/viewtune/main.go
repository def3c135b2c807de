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

// Command viewtune steps through a recorded session in the terminal,
// frame by frame, alongside its steering telemetry.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/TurbineOne/riff-framer/pkg/decoder"
	"github.com/TurbineOne/riff-framer/pkg/framecache"
	"github.com/TurbineOne/riff-framer/pkg/index"
	"github.com/TurbineOne/riff-framer/pkg/interrupt"
	"github.com/TurbineOne/riff-framer/pkg/riff"
)

var log zerolog.Logger //nolint:gochecknoglobals // Don't care.

var errUsage = errors.New("usage: viewtune some-file.riff")

// checkPath requires exactly one argument naming an existing regular file.
func checkPath(args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", errUsage
	}

	st, err := os.Stat(args[0])
	if err != nil {
		return "", err
	}

	if !st.Mode().IsRegular() {
		return "", fmt.Errorf("%s: not a regular file", args[0])
	}

	return args[0], nil
}

func main() {
	os.Exit(run())
}

func run() int {
	path, err := checkPath(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())

		return 1
	}

	initConfig() // May early exit if config init fails.

	if err := decoder.SetupFFmpegLogging(&currentConfig.Decoder, &log); err != nil {
		log.Error().Err(err).Msg("failed to set up ffmpeg logging")

		return 1
	}

	sess, err := riff.OpenSession(path, &log)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to open session")
		fmt.Fprintln(os.Stderr, err.Error())

		return 1
	}

	defer sess.Close() //nolint:errcheck // Read only.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := interrupt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("stopping")
		}

		cancel()
	}()

	fmt.Fprintf(os.Stderr, "indexing %d riffs\n", len(sess.Files))

	idx, err := index.Build(ctx, sess, &log)
	if err != nil {
		log.Error().Err(err).Msg("failed to index session")

		return 1
	}

	if idx.Len() == 0 {
		fmt.Fprintln(os.Stderr, index.ErrEmptyIndex.Error())

		return 1
	}

	cache, err := framecache.New(idx, decoder.SessionReader(sess), decoder.FFmpegFactory,
		&currentConfig.Cache, &log)
	if err != nil {
		log.Error().Err(err).Msg("failed to create frame cache")

		return 1
	}

	p := tea.NewProgram(newModel(path, idx, cache), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		log.Error().Err(err).Msg("viewer failed")

		return 1
	}

	return 0
}
