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

// Package framecache serves decoded pictures by time for interactive
// viewing. A miss decodes the whole GOP around the requested time.
package framecache

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/TurbineOne/riff-framer/pkg/decoder"
	"github.com/TurbineOne/riff-framer/pkg/index"
	"github.com/TurbineOne/riff-framer/pkg/metrics"
)

const (
	lCanonical = "canonical"
	lCount     = "count"
	lDecoded   = "decoded"
	lEvicted   = "evicted"
	lMode      = "mode"
	lQuery     = "query"
	lSize      = "size"
)

// ErrFrameNotFound is returned when decoding a GOP produced no picture at
// or after the requested time.
var ErrFrameNotFound = errors.New("no decoded frame for time")

// Config sizes the cache.
type Config struct {
	Capacity   int `yaml:"capacity" json:"capacity" env:"CACHE_CAPACITY" doc:"Maximum number of decoded frames kept"`
	Hysteresis int `yaml:"hysteresis" json:"hysteresis" env:"CACHE_HYSTERESIS" doc:"Frames freed per eviction pass"`
}

// ConfigDefault returns the default values for a Config.
func ConfigDefault() Config {
	return Config{
		Capacity:   350,
		Hysteresis: 90,
	}
}

// ConfigError describes an unusable Config.
type ConfigError struct {
	Capacity   int
	Hysteresis int
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid frame cache config: capacity %d hysteresis %d", e.Capacity, e.Hysteresis)
}

// Validate checks that the capacity is positive and the hysteresis fits in it.
func (c *Config) Validate() error {
	if c.Capacity < 1 || c.Hysteresis < 0 || c.Hysteresis >= c.Capacity {
		return &ConfigError{Capacity: c.Capacity, Hysteresis: c.Hysteresis}
	}

	return nil
}

// Stats are running counters of cache activity.
type Stats struct {
	Hits      int
	Misses    int
	Evictions int
	Decoded   int
	// Free is the number of recycled frames waiting for reuse.
	Free int
}

// Cache holds decoded frames keyed by time. It is not safe for concurrent
// use. Frames returned by GetFrame belong to the cache and stay valid until
// a later GetFrame evicts them.
type Cache struct {
	idx     *index.Index
	read    decoder.ReadFunc
	factory decoder.Factory
	cfg     Config

	frames map[int64]*decoder.Frame
	// times holds the keys of frames in ascending order.
	times []int64
	free  []*decoder.Frame

	stats Stats

	log zerolog.Logger
}

// New returns an empty cache over idx.
func New(idx *index.Index, read decoder.ReadFunc, factory decoder.Factory, cfg *Config,
	logger *zerolog.Logger,
) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Cache{
		idx:     idx,
		read:    read,
		factory: factory,
		cfg:     *cfg,
		frames:  make(map[int64]*decoder.Frame, cfg.Capacity),
		times:   make([]int64, 0, cfg.Capacity),
		log:     logger.With().Str("pkg", "framecache").Logger(),
	}, nil
}

// Len returns the number of cached frames.
func (c *Cache) Len() int {
	return len(c.times)
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	s := c.stats
	s.Free = len(c.free)

	return s
}

// Times returns the times of the cached frames in ascending order.
func (c *Cache) Times() []int64 {
	return append([]int64(nil), c.times...)
}

// GetFrame resolves query with mode and returns the frame at the resulting
// time, decoding its GOP on a miss.
func (c *Cache) GetFrame(query int64, mode index.SeekMode) (*decoder.Frame, error) {
	canonical, err := c.idx.Resolve(query, mode)
	if err != nil {
		return nil, err
	}

	if f, ok := c.frames[canonical]; ok {
		c.stats.Hits++
		metrics.CacheLookup(true)

		return f, nil
	}

	c.stats.Misses++
	metrics.CacheLookup(false)

	if len(c.times) >= c.cfg.Capacity {
		c.evictPass()
	}

	f, err := c.fill(canonical)
	if err != nil {
		c.log.Error().Err(err).Int64(lQuery, query).Stringer(lMode, mode).Int64(lCanonical, canonical).
			Msg("get frame failed")

		return nil, err
	}

	return f, nil
}

// evictPass drops frames oldest first. It removes at least one, then keeps
// going until the cache is down to capacity minus hysteresis or the oldest
// remaining frame is a keyframe.
func (c *Cache) evictPass() {
	target := c.cfg.Capacity - c.cfg.Hysteresis
	n := 0

	for len(c.times) > 0 {
		c.evict(0)
		n++

		if len(c.times) <= target || c.frames[c.times[0]].Keyframe {
			break
		}
	}

	c.log.Debug().Int(lEvicted, n).Int(lSize, len(c.times)).Msg("evicted frames")
}

// evict moves the i-th oldest frame to the free list.
func (c *Cache) evict(i int) {
	t := c.times[i]
	c.free = append(c.free, c.frames[t])
	delete(c.frames, t)
	c.times = slices.Delete(c.times, i, i+1)

	c.stats.Evictions++
	metrics.CacheEvicted(1)
}

// makeRoom evicts the oldest frame other than keep. It reports false when
// keep is the only frame left.
func (c *Cache) makeRoom(keep *decoder.Frame) bool {
	switch {
	case len(c.times) == 0:
		return true
	case c.frames[c.times[0]] != keep:
		c.evict(0)
	case len(c.times) > 1:
		c.evict(1)
	default:
		return false
	}

	return true
}

func (c *Cache) alloc() *decoder.Frame {
	n := len(c.free)
	if n == 0 {
		return &decoder.Frame{}
	}

	f := c.free[n-1]
	c.free[n-1] = nil
	c.free = c.free[:n-1]
	f.Reset()

	return f
}

func (c *Cache) insert(f *decoder.Frame) {
	i, _ := slices.BinarySearch(c.times, f.Time)
	c.times = slices.Insert(c.times, i, f.Time)
	c.frames[f.Time] = f
}

// fill decodes the GOP holding canonical and caches every picture. The
// result is the first picture at or after canonical.
func (c *Cache) fill(canonical int64) (*decoder.Frame, error) {
	kf, err := c.idx.KeyframeFor(canonical)
	if err != nil {
		return nil, err
	}

	in := &decoder.Range{Entries: c.idx.Entries, Read: c.read, GOP: true}

	a, err := decoder.Open(c.factory, in, &c.log)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	var (
		ret     *decoder.Frame
		cur     = kf
		decoded int
	)

	for {
		f := c.alloc()

		cur, err = a.FeedAndAdvance(cur, f)
		if err != nil {
			c.free = append(c.free, f)

			break
		}

		decoded++

		switch have, ok := c.frames[f.Time]; {
		case ok:
			c.free = append(c.free, f)
			f = have
		case len(c.times) < c.cfg.Capacity || c.makeRoom(ret):
			c.insert(f)
		default:
			c.free = append(c.free, f)

			continue
		}

		if ret == nil && f.Time >= canonical {
			ret = f
		}
	}

	c.stats.Decoded += decoded
	c.log.Debug().Int64(lCanonical, canonical).Int(lDecoded, decoded).Int(lCount, len(c.times)).
		Msg("decoded gop")

	if !errors.Is(err, decoder.ErrStreamEnded) {
		c.log.Warn().Err(err).Int64(lCanonical, canonical).Msg("gop decode stopped early")
	}

	if ret == nil {
		return nil, fmt.Errorf("%w %d", ErrFrameNotFound, canonical)
	}

	return ret, nil
}
