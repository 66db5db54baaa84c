package core

import "github.com/routelab/ripsim/state"

// buildAdvert assembles the advertisement for one interface under the
// engine's split-horizon policy. With changedOnly set, only routes flagged
// by a change since the last emission are included.
func (e *Engine) buildAdvert(ifID IfID, changedOnly bool) []AdvertEntry {
	var entries []AdvertEntry
	for _, r := range e.table.Routes() {
		if changedOnly && !r.Changed {
			continue
		}
		metric := r.Metric
		if r.OutIf == ifID {
			switch e.mode {
			case state.SplitHorizonOmit:
				continue
			case state.PoisonReverse:
				metric = state.InfinityMetric
			}
		}
		entries = append(entries, AdvertEntry{Prefix: r.Prefix, Metric: metric})
	}
	return entries
}
