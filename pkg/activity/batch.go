package activity

import (
	"dhcp-activity-backend/pkg/identity"
	"dhcp-activity-backend/pkg/querylog"
)

// BatchStats summarizes one AnalyzeBatch call.
type BatchStats struct {
	Devices      int
	Active       int
	AverageScore float64
}

// AnalyzeBatch analyzes the entries of many devices.
func (a Analyzer) AnalyzeBatch(entries map[identity.DeviceIdentity][]querylog.Entry) (map[identity.DeviceIdentity]Result, BatchStats) {
	results := make(map[identity.DeviceIdentity]Result, len(entries))
	var stats BatchStats
	sum := 0.0
	for id, e := range entries {
		r := a.Analyze(e)
		results[id] = r
		stats.Devices++
		if r.IsActivelyUsed {
			stats.Active++
		}
		sum += r.Score
	}
	if stats.Devices > 0 {
		stats.AverageScore = round1(sum / float64(stats.Devices))
	}
	return results, stats
}
