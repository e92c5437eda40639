package relay

import "log/slog"

// updateRelaySet diffs desired against current and partitions the records.
// Entries of desired that match a current record (same local mount, no
// restart-worthy difference) keep the existing record, preserving its live
// worker and reserved slot. Everything else in desired becomes a fresh
// record. What is left of current afterwards is the teardown list.
//
// The desired entries are scratch: their configuration is copied, never
// their identity.
func updateRelaySet(current, desired []*Record, logger *slog.Logger) (kept, toFree []*Record) {
	remaining := make([]*Record, len(current))
	copy(remaining, current)

	for _, want := range desired {
		var match *Record
		for i, existing := range remaining {
			if existing == nil || existing.LocalMount != want.LocalMount {
				continue
			}
			if relayHasChanged(want, existing) {
				continue
			}
			match = existing
			remaining[i] = nil
			break
		}
		if match == nil {
			kept = append(kept, copyRecord(want))
			continue
		}
		// Credential differences do not restart a kept relay; they take
		// effect only when the relay next restarts for another reason.
		// Warn so the operator is not surprised.
		if want.Username != match.Username || want.Password != match.Password {
			logger.Warn("relay credentials changed but relay is kept running; restart required for new credentials",
				"local_mount", match.LocalMount)
		}
		kept = append(kept, match)
	}

	for _, r := range remaining {
		if r != nil {
			toFree = append(toFree, r)
		}
	}
	return kept, toFree
}
