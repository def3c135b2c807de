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
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/TurbineOne/riff-framer/pkg/decoder"
	"github.com/TurbineOne/riff-framer/pkg/framecache"
	"github.com/TurbineOne/riff-framer/pkg/index"
)

const (
	pollInterval = 30 * time.Millisecond

	shortStep = int64(100 * time.Millisecond / time.Microsecond)
	longStep  = int64(time.Second / time.Microsecond)

	// Thumbnail size in cells.
	thumbCols = 64
	thumbRows = 18
)

// lumaRamp maps luma to characters, darkest first.
const lumaRamp = " .:-=+*#%@"

//nolint:gochecknoglobals // Styles.
var (
	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).Padding(0, 1)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Width(10)
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
)

type pollMsg time.Time

// seekTarget is a request not yet serviced. A newer one replaces it.
type seekTarget struct {
	query int64
	mode  index.SeekMode
}

// model is the viewer state. Decoding happens on the poll tick, so key
// presses arriving during a slow GOP decode collapse into one target.
type model struct {
	path  string
	idx   *index.Index
	cache *framecache.Cache

	pending *seekTarget

	// cur is the time of the displayed frame.
	cur   int64
	frame *decoder.Frame
	entry *index.Entry
	err   error

	width int
}

// newModel requires a non-empty index.
func newModel(path string, idx *index.Index, cache *framecache.Cache) *model {
	return &model{
		path:    path,
		idx:     idx,
		cache:   cache,
		pending: &seekTarget{query: idx.Entries[0].Time, mode: index.Closest},
	}
}

func poll() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return pollMsg(t)
	})
}

func (m *model) Init() tea.Cmd {
	return poll()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tea.KeyMsg:
		switch k := msg.String(); k {
		case "q", "ctrl+c":
			return m, tea.Quit
		default:
			if t, ok := m.target(k); ok {
				m.pending = &t
			}
		}
	case pollMsg:
		m.service()

		return m, poll()
	}

	return m, nil
}

// base is the time relative moves start from: the pending target if
// there is one, otherwise the displayed frame.
func (m *model) base() int64 {
	if m.pending != nil {
		return m.pending.query
	}

	return m.cur
}

func (m *model) clamp(t int64) int64 {
	return min(max(t, m.idx.Entries[0].Time), m.idx.FinalTime)
}

func (m *model) target(key string) (seekTarget, bool) {
	switch key {
	case "left":
		return seekTarget{query: m.cur, mode: index.Preceding}, true
	case "right":
		return seekTarget{query: m.cur, mode: index.Following}, true
	case ",":
		return seekTarget{query: m.clamp(m.base() - shortStep), mode: index.Closest}, true
	case ".":
		return seekTarget{query: m.clamp(m.base() + shortStep), mode: index.Closest}, true
	case "[":
		return seekTarget{query: m.clamp(m.base() - longStep), mode: index.Closest}, true
	case "]":
		return seekTarget{query: m.clamp(m.base() + longStep), mode: index.Closest}, true
	case "home":
		return seekTarget{query: m.idx.Entries[0].Time, mode: index.Closest}, true
	case "end":
		return seekTarget{query: m.idx.FinalTime, mode: index.Closest}, true
	default:
		return seekTarget{}, false
	}
}

// service decodes the pending target, if any.
func (m *model) service() {
	if m.pending == nil {
		return
	}

	t := *m.pending
	m.pending = nil

	f, err := m.cache.GetFrame(t.query, t.mode)
	if err != nil {
		log.Error().Err(err).Int64("query", t.query).Stringer("mode", t.mode).Msg("could not find frame")
		m.err = err

		return
	}

	m.err = nil
	m.frame = f
	m.cur = f.Time
	m.entry, _ = m.idx.EntryAt(f.Time)

	// A unit without a picture of its own shows the next one. Stepping
	// back stays on the unit so the following step gets past it.
	if t.mode == index.Preceding {
		if canonical, err := m.idx.Resolve(t.query, t.mode); err == nil {
			m.cur = canonical
		}
	}
}

func (m *model) View() string {
	header := titleStyle.Render("viewtune") + " " + helpStyle.Render(m.path)

	var body string
	if m.frame == nil {
		body = "decoding..."
	} else {
		body = lipgloss.JoinHorizontal(lipgloss.Top,
			boxStyle.Render(thumbnail(m.frame, thumbCols, thumbRows)),
			boxStyle.Render(m.details()),
		)
	}

	parts := []string{header, body}
	if m.err != nil {
		parts = append(parts, errStyle.Render(m.err.Error()))
	}

	parts = append(parts, helpStyle.Render(
		keyStyle.Render("←/→")+" frame  "+
			keyStyle.Render(",/.")+" 100ms  "+
			keyStyle.Render("[/]")+" 1s  "+
			keyStyle.Render("home/end")+"  "+
			keyStyle.Render("q")+" quit"))

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *model) details() string {
	f := m.frame

	rows := [][2]string{
		{"time", fmt.Sprintf("%.6f s", float64(f.Time)*1e-6)},
		{"of", fmt.Sprintf("%.3f s", float64(m.idx.FinalTime)*1e-6)},
	}

	if e := m.entry; e != nil {
		rows = append(rows,
			[2]string{"index", fmt.Sprintf("%d / %d", e.Index, m.idx.Len())},
			[2]string{"steer", fmt.Sprintf("%+.3f", e.Steer)},
			[2]string{"throttle", fmt.Sprintf("%+.3f", e.Throttle)},
		)
	}

	rows = append(rows,
		[2]string{"keyframe", fmt.Sprintf("%t", f.Keyframe)},
		[2]string{"size", fmt.Sprintf("%dx%d", f.Width, f.Height)},
		[2]string{"luma", fmt.Sprintf("%.1f", f.MeanLuma())},
	)

	if f.Width > 0 && f.Height > 0 {
		y, u, v, r, g, b := centerPixel(f)
		rows = append(rows,
			[2]string{"YUV", fmt.Sprintf("%d %d %d", y, u, v)},
			[2]string{"RGB", fmt.Sprintf("%d %d %d", r, g, b)},
		)
	}

	st := m.cache.Stats()
	rows = append(rows,
		[2]string{"cache", fmt.Sprintf("%d", m.cache.Len())},
		[2]string{"hit/miss", fmt.Sprintf("%d/%d", st.Hits, st.Misses)},
	)

	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		lines = append(lines, labelStyle.Render(r[0])+r[1])
	}

	return strings.Join(lines, "\n")
}

// centerPixel samples the middle of the picture.
func centerPixel(f *decoder.Frame) (y, u, v, r, g, b uint8) {
	img := f.Image()
	cx, cy := f.Width/2, f.Height/2
	c := img.YCbCrAt(cx, cy)

	rgb := f.RGB()
	i := (cy*f.Width + cx) * 3 //nolint:mnd // RGB24.

	return c.Y, c.Cb, c.Cr, rgb[i], rgb[i+1], rgb[i+2]
}

// thumbnail renders the luma plane as text, cols by rows cells.
func thumbnail(f *decoder.Frame, cols, rows int) string {
	if f.Width == 0 || f.Height == 0 {
		return strings.Repeat(strings.Repeat(" ", cols)+"\n", rows-1) + strings.Repeat(" ", cols)
	}

	img := f.Image()

	var sb strings.Builder

	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteByte('\n')
		}

		y := r * f.Height / rows

		for c := 0; c < cols; c++ {
			x := c * f.Width / cols
			l := img.Y[y*img.YStride+x]
			sb.WriteByte(lumaRamp[int(l)*len(lumaRamp)/256])
		}
	}

	return sb.String()
}
