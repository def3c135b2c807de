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

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/TurbineOne/riff-framer/pkg/config"
	"github.com/TurbineOne/riff-framer/pkg/decoder"
	"github.com/TurbineOne/riff-framer/pkg/logger"
	"github.com/TurbineOne/riff-framer/pkg/scheduler"
)

const (
	configFileName = "gobble.yaml"
	envPrefix      = "GOBBLE_"
)

//nolint:gochecknoglobals // Needed for makefile injection.
var (
	// Version is provided by the makefile.
	Version = "v0"
	// Revision is a git tag provided by the makefile.
	Revision = "0"
	// Created is a date provided by the makefile.
	Created = "0000-00-00"
)

// mainConfig is the master config for the executable.
type mainConfig struct { //nolint:govet // Don't care about alignment.
	Scheduler scheduler.Config `yaml:"scheduler"`
	Decoder   decoder.Config   `yaml:"decoder"`
	Logger    logger.Config    `yaml:"logger"`

	// MetricsFile, if set, receives a prometheus textfile at exit.
	MetricsFile string `yaml:"metricsFile" env:"METRICS_FILE"`
}

var errNoThreads = errors.New("scheduler.threads must be at least 1")

func (c *mainConfig) Validate() error {
	var errs []error

	if c.Scheduler.Threads < 1 {
		errs = append(errs, errNoThreads)
	}

	errs = append(errs, c.Decoder.Validate(), c.Logger.Validate())

	return errors.Join(errs...)
}

var currentConfig = mainConfig{ //nolint:gochecknoglobals  // Static config
	Scheduler: scheduler.ConfigDefault(),
	Decoder:   decoder.ConfigDefault(),
	Logger:    logger.ConfigDefault(),
}

// initConfig initializes the config by calling config.Init() and handling
// the results. May exit the program if there is an error.
func initConfig() {
	cfgErr := config.Init(configFileName, envPrefix, &currentConfig)
	if cfgErr != nil {
		// A missing config file is not fatal. Anything else is.
		ncError := &config.NoConfigError{}
		if !errors.As(cfgErr, &ncError) {
			fmt.Fprintln(os.Stderr, cfgErr.Error())
			os.Exit(1)
		}
	}

	var err error

	log, err = logger.New(&currentConfig.Logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	binName := filepath.Base(os.Args[0])
	log.Info().Msg(fmt.Sprintf("%s %s rev:%s created:%s", binName, Version, Revision, Created))
	log.Debug().Interface("config", &currentConfig).Msg("effective config")

	// If there was no config file, we log it here.
	if cfgErr != nil {
		log.Debug().Msg(cfgErr.Error())
	}
}
