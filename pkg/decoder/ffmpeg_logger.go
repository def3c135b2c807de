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
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/asticode/go-astiav"
	"github.com/rs/zerolog"
)

// Config configures the ffmpeg side of decoding.
type Config struct {
	FFmpegLogLevel string `yaml:"ffmpegLogLevel" json:"ffmpegLogLevel" env:"FFMPEG_LOG_LEVEL" doc:"One of: quiet, panic, fatal, error, warning, info, verbose, debug"` //nolint:lll // Tags.
}

// ConfigDefault returns the default values for a Config.
func ConfigDefault() Config {
	return Config{
		FFmpegLogLevel: "error",
	}
}

// InvalidLogLevelError is returned for an unknown ffmpeg log level name.
type InvalidLogLevelError struct {
	Level string
}

func (e *InvalidLogLevelError) Error() string {
	return fmt.Sprintf("invalid ffmpeg log level: %q", e.Level)
}

// Validate checks the configured log level.
func (c *Config) Validate() error {
	if _, ok := nameToFfmpegLogLevel[c.FFmpegLogLevel]; !ok {
		return &InvalidLogLevelError{Level: c.FFmpegLogLevel}
	}

	return nil
}

//nolint:gochecknoglobals // The ffmpeg log callback is process-wide.
var ffmpegLog = zerolog.Nop()

// ffmpegToZerologLevel maps ffmpeg's internal log levels to zerolog's.
var ffmpegToZerologLevel = map[astiav.LogLevel]zerolog.Level{ //nolint:gochecknoglobals // Lookup table.
	astiav.LogLevelQuiet:   zerolog.Disabled,
	astiav.LogLevelPanic:   zerolog.PanicLevel,
	astiav.LogLevelFatal:   zerolog.FatalLevel,
	astiav.LogLevelError:   zerolog.ErrorLevel,
	astiav.LogLevelWarning: zerolog.WarnLevel,
	astiav.LogLevelInfo:    zerolog.InfoLevel,
	astiav.LogLevelVerbose: zerolog.DebugLevel,
	astiav.LogLevelDebug:   zerolog.TraceLevel,
}

var nameToFfmpegLogLevel = map[string]astiav.LogLevel{ //nolint:gochecknoglobals // Lookup table.
	"quiet":   astiav.LogLevelQuiet,
	"panic":   astiav.LogLevelPanic,
	"fatal":   astiav.LogLevelFatal,
	"error":   astiav.LogLevelError,
	"warning": astiav.LogLevelWarning,
	"info":    astiav.LogLevelInfo,
	"verbose": astiav.LogLevelVerbose,
	"debug":   astiav.LogLevelDebug,
}

// squelchedPrefixes are h264 decoder complaints that repeat for every
// damaged slice. Only every squelchInterval-th one is logged.
var squelchedPrefixes = []string{ //nolint:gochecknoglobals // Lookup table.
	"error while decoding MB",
	"concealing",
	"Invalid NAL unit size",
	"no frame!",
	"non-existing PPS",
	"decode_slice_header error",
	"co located POCs unavailable",
	"mmco: unref short failure",
}

// Decodes run on many workers at once, so the counts are atomic.
var squelchedCounts = make([]atomic.Int64, len(squelchedPrefixes)) //nolint:gochecknoglobals // See above.

const (
	squelchInterval = 256
	lSquelch        = "squelch count"
)

func ffmpegLogCallback(l astiav.LogLevel, _, msg, _ string) {
	if msg == ".\n" {
		return
	}

	var count int64

	for i, prefix := range squelchedPrefixes {
		if strings.HasPrefix(msg, prefix) {
			count = squelchedCounts[i].Add(1)
			if count%squelchInterval != 1 {
				return
			}

			break
		}
	}

	zl, ok := ffmpegToZerologLevel[l]
	if !ok {
		zl = zerolog.ErrorLevel
	}

	event := ffmpegLog.WithLevel(zl)
	if count > 0 {
		event = event.Int64(lSquelch, count)
	}

	event.Msg(strings.TrimSuffix(msg, "\n"))
}

// SetupFFmpegLogging routes libav log output into logger. FFmpeg logs are
// filtered twice: first by the configured ffmpeg level, then by the
// logger's own level.
func SetupFFmpegLogging(c *Config, logger *zerolog.Logger) error {
	level, ok := nameToFfmpegLogLevel[c.FFmpegLogLevel]
	if !ok {
		return &InvalidLogLevelError{Level: c.FFmpegLogLevel}
	}

	ffmpegLog = logger.With().Str("pkg", "ffmpeg").Logger()

	astiav.SetLogLevel(level)
	astiav.SetLogCallback(ffmpegLogCallback)

	return nil
}
