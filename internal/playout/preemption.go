/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"time"

	"github.com/friendsincode/grimnir_listen/internal/models"
)

// DefaultFade is used when a queue entry has a preempt time but no fade.
const DefaultFade = 2 * time.Second

// DerivePreemption picks the first upcoming entry with a preempt time still
// in the future. Entries whose time has passed are ignored; there is at most
// one schedule.
func DerivePreemption(snap *models.BroadcastSnapshot, now time.Time) *models.PreemptionSchedule {
	for _, entry := range snap.Upcoming() {
		if entry.PreemptAt.IsZero() {
			continue
		}
		if !entry.PreemptAt.After(now) {
			continue
		}
		if entry.ID == "" || entry.ID == snap.AssetID() {
			continue
		}
		fade := DefaultFade
		if entry.FadeMs > 0 {
			fade = time.Duration(entry.FadeMs) * time.Millisecond
		}
		target := entry.Asset
		return &models.PreemptionSchedule{
			Target:       &target,
			FireAt:       entry.PreemptAt.Time,
			FadeDuration: fade,
		}
	}
	return nil
}
