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

package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// NoConfigError indicates that the config file does not exist.
// This is usually OK and should be treated as a warning.
type NoConfigError struct {
	Path string
}

func (e *NoConfigError) Error() string {
	return "cannot find config file [" + e.Path + "], continuing with defaults"
}

// parseFile decodes the config file at 'path' over 'out'. Keys that do not
// name a field are rejected. An empty file changes nothing.
func parseFile(path string, out interface{}) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &NoConfigError{Path: path}
	}

	if err != nil {
		return fmt.Errorf("failed to open config file [%s]: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // Read only.

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file [%s]: %w", path, err)
	}

	return nil
}

// parseEnv parses the environment and overwrites defaults in 'out'.
func parseEnv(envPrefix string, out interface{}) error {
	envErr := env.Parse(out, env.Options{Prefix: envPrefix})
	if envErr != nil {
		return fmt.Errorf("config failed to parse environment: %w", envErr)
	}

	return nil
}

// Validator is implemented by configs that can check themselves.
type Validator interface {
	Validate() error
}

// ValidationError wraps the error returned by a config's Validate method.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid config: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Init initializes 'out' based on a config file and the environment.
// First it parses the environment variables. Then the YAML config file,
// overriding anything from the environment. Finally, if 'out' is a
// Validator, the result is validated.
//
// The 'envPrefix' is prefixed to the names of any environment variables
// that we look for, so e.g., if 'envPrefix' is "APP_" and there's a struct
// tag saying $HTTP_PORT, the result will come from $APP_HTTP_PORT.
//
// A *NoConfigError is returned only if the config is otherwise valid.
func Init(path string, envPrefix string, out interface{}) error {
	// First, we parse the environment variables.
	if err := parseEnv(envPrefix, out); err != nil {
		return err
	}

	// Now we open, read, and parse the contents of the config file.
	fileErr := parseFile(path, out)

	ncErr := &NoConfigError{}
	if fileErr != nil && !errors.As(fileErr, &ncErr) {
		return fileErr
	}

	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return &ValidationError{Err: err}
		}
	}

	return fileErr
}
