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

package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/natefinch/lumberjack"
	"github.com/rs/zerolog"
)

const (
	OutputStderr = "stderr"
	OutputStdout = "stdout"
)

func init() {
	// Users of our logging will always adhere to these global settings:
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldInteger = false
	zerolog.DurationFieldUnit = time.Second
}

// Config configures the logger.
type Config struct { //nolint:govet // Don't care about alignment.
	Level   string `yaml:"level" json:"level" env:"LOG_LEVEL" doc:"Log level. One of: trace, debug, info, warn, error, fatal, panic"`
	Console bool   `yaml:"console" json:"console" env:"LOG_CONSOLE" doc:"Logging includes terminal colors"`
	// Output is stderr, stdout, or a file path. Files are rotated.
	Output     string `yaml:"output" json:"output" env:"LOG_OUTPUT" doc:"stderr, stdout or a log file path"`
	MaxSizeMB  int    `yaml:"maxSizeMB" json:"maxSizeMB" env:"LOG_MAX_SIZE_MB" doc:"Rotate log files at this size"`
	MaxBackups int    `yaml:"maxBackups" json:"maxBackups" env:"LOG_MAX_BACKUPS" doc:"Rotated log files kept"`
	MaxAgeDays int    `yaml:"maxAgeDays" json:"maxAgeDays" env:"LOG_MAX_AGE_DAYS" doc:"Days rotated log files are kept"`
}

// ConfigDefault returns the default values for a Config.
func ConfigDefault() Config {
	return Config{
		Level:      zerolog.InfoLevel.String(),
		Console:    false,
		Output:     OutputStderr,
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// Validate checks the log level.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return nil
}

// termOut returns a ConsoleWriter if we detect a tty or console config,
// otherwise returns out as is.
func termOut(c *Config, out *os.File) io.Writer {
	if c.Console || isatty.IsTerminal(out.Fd()) {
		return zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "2006-01-02T15:04:05.000000", // Omitting timezone on console.
		}
	}

	return out
}

// output returns the writer for c.Output. Files are never colored.
func output(c *Config) (io.Writer, error) {
	switch c.Output {
	case "", OutputStderr:
		return termOut(c, os.Stderr), nil
	case OutputStdout:
		return termOut(c, os.Stdout), nil
	}

	if err := os.MkdirAll(filepath.Dir(c.Output), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &lumberjack.Logger{
		Filename:   c.Output,
		MaxSize:    c.MaxSizeMB,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAgeDays,
		Compress:   true,
	}, nil
}

// New returns a new logger as described by the config.
func New(c *Config) (zerolog.Logger, error) {
	zLevel, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level: %w", err)
	}

	out, err := output(c)
	if err != nil {
		return zerolog.Nop(), err
	}

	return zerolog.New(out).
		Level(zLevel).
		With().Timestamp().Caller().
		Logger(), nil
}
