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

// Package metrics holds the process-wide prometheus counters for decoding
// and caching. The tools are short-lived, so the counters are exported by
// writing a node-exporter textfile rather than serving an endpoint.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fault kinds used as the "kind" label of decode faults.
const (
	FaultFeed    = "feed"
	FaultReceive = "receive"
	FaultRead    = "read"
)

//nolint:gochecknoglobals // promauto registers on the default registry.
var (
	gopsScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riff_gops_scheduled_total",
		Help: "GOP decode tasks submitted",
	})

	gopsDone = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riff_gops_done_total",
		Help: "GOP decode tasks completed",
	})

	gopsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riff_gops_failed_total",
		Help: "GOP decode tasks that failed",
	})

	framesDecoded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riff_frames_decoded_total",
		Help: "Pictures produced by the decoder",
	})

	decodeFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riff_decode_faults_total",
		Help: "Decoder faults by kind",
	}, []string{"kind"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riff_cache_lookups_total",
		Help: "Decoded frame cache lookups by result",
	}, []string{"result"})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "riff_cache_evictions_total",
		Help: "Frames evicted from the decoded frame cache",
	})
)

// GOPScheduled counts a submitted GOP task.
func GOPScheduled() {
	gopsScheduled.Inc()
}

// GOPFinished counts a GOP task outcome.
func GOPFinished(err error) {
	if err != nil {
		gopsFailed.Inc()

		return
	}

	gopsDone.Inc()
}

// FrameDecoded counts a produced picture.
func FrameDecoded() {
	framesDecoded.Inc()
}

// DecodeFault counts a decoder fault of the given kind.
func DecodeFault(kind string) {
	decodeFaults.WithLabelValues(kind).Inc()
}

// CacheLookup counts a cache hit or miss.
func CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}

	cacheLookups.WithLabelValues(result).Inc()
}

// CacheEvicted counts evicted frames.
func CacheEvicted(n int) {
	cacheEvictions.Add(float64(n))
}

// WriteTextfile writes all registered metrics to path in the text
// exposition format, for pickup by a node exporter textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}

	return nil
}
