/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package console renders the listening state in a terminal.
package console

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/friendsincode/grimnir_listen/internal/clock"
	"github.com/friendsincode/grimnir_listen/internal/models"
	"github.com/friendsincode/grimnir_listen/internal/playout"
)

// resolution is progress bar steps per second of audio.
const resolution = 10

// Display draws a countdown bar for the asset on air.
type Display struct {
	bar     *progressbar.ProgressBar
	assetID string
	max     int64
}

// New creates a display writing to w.
func New(w io.Writer) *Display {
	bar := progressbar.NewOptions64(1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionSetElapsedTime(false),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionSetDescription("waiting for broadcast"),
	)
	return &Display{bar: bar, max: 1}
}

// Render updates the bar from st.
func (d *Display) Render(st playout.State) {
	total := st.Clock.ElapsedSeconds + st.Clock.RemainingSeconds
	max := int64(math.Max(1, math.Round(total*resolution)))
	if id := st.Snapshot.AssetID(); id != d.assetID || max != d.max {
		d.assetID = id
		d.max = max
		d.bar.ChangeMax64(max)
	}
	d.bar.Describe(Line(st))
	_ = d.bar.Set64(int64(math.Round(st.Clock.ElapsedSeconds * resolution)))
}

// Close clears the bar from the terminal.
func (d *Display) Close() error {
	return d.bar.Clear()
}

// Line is the text shown next to the bar.
func Line(st playout.State) string {
	var b strings.Builder
	if a := st.Snapshot; a != nil && a.Asset != nil {
		switch {
		case a.Asset.Artist != "" && a.Asset.Title != "":
			fmt.Fprintf(&b, "%s - %s", a.Asset.Artist, a.Asset.Title)
		case a.Asset.Title != "":
			b.WriteString(a.Asset.Title)
		default:
			b.WriteString(a.Asset.ID)
		}
		fmt.Fprintf(&b, "  %s / -%s",
			clock.Format(st.Clock.ElapsedSeconds), clock.Format(st.Clock.RemainingSeconds))
	} else {
		b.WriteString("nothing on air")
	}

	fmt.Fprintf(&b, "  [%s]", statusLabel(st.Status, st.Reachable))

	switch {
	case !st.Audio.Ready:
		b.WriteString("  audio off")
	case st.Audio.Muted:
		b.WriteString("  muted")
	default:
		fmt.Fprintf(&b, "  vol %d%%", int(math.Round(st.Audio.Volume*100)))
	}
	if st.Audio.Ready {
		fmt.Fprintf(&b, " %s", meter(st.Audio.MeterLevels))
	}
	if st.Preemption != nil {
		fmt.Fprintf(&b, "  next: %s at %s", st.Preemption.TargetAssetID, st.Preemption.FireAt.Local().Format("15:04:05"))
	}
	return b.String()
}

func statusLabel(s models.ConnectionStatus, reachable bool) string {
	switch s {
	case models.StatusPollingFallback:
		if !reachable {
			return "polling, unreachable"
		}
		return "polling"
	case "":
		return "idle"
	}
	return string(s)
}

// meter renders left/right levels as two short bars.
func meter(levels [2]float64) string {
	const width = 5
	bar := func(v float64) string {
		n := int(math.Round(math.Max(0, math.Min(1, v)) * width))
		return strings.Repeat("|", n) + strings.Repeat(".", width-n)
	}
	return "L" + bar(levels[0]) + " R" + bar(levels[1])
}
