/*
Package activity implements the multi-factor scoring that tells a device genuinely
used by a person apart from a device that only emits automated background traffic.

The score is the weighted sum of five components, each in [0,100]:

	background content   30%   share of queries not matching the background rules
	protocol mix         25%   average protocol weight (HTTPS 1.2, TCP 1.0, HTTP 0.8, UDP 0.3)
	domain diversity     20%   distinct domains per query, scaled by DiversityScaleFactor
	frequency            15%   queries per minute, peaking in [0.5, 5]
	timing irregularity  10%   coefficient of variation of the inter-query intervals

The Analyzer is pure: the same entries always produce the same Result.
*/
package activity

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"dhcp-activity-backend/pkg/querylog"
)

// Component weights; they sum to 1.0.
const (
	WeightBackground = 0.30
	WeightProtocol   = 0.25
	WeightDiversity  = 0.20
	WeightFrequency  = 0.15
	WeightTiming     = 0.10
)

// Tunable constants of the scoring curves.
const (
	// DiversityScaleFactor makes 80% distinct domains per query enough for the full score.
	DiversityScaleFactor = 1.25

	// Frequency band in queries per minute; the score decays linearly from 100 at
	// FrequencyBandHigh down to 0 at BurstCeilingQPM.
	FrequencyBandLow  = 0.5
	FrequencyBandHigh = 5.0
	BurstCeilingQPM   = 15.0

	// Timing band of the coefficient of variation; above TimingCVHigh the score
	// loses TimingDecayPerCV points per unit of CV.
	TimingCVLow      = 0.3
	TimingCVHigh     = 2.0
	TimingDecayPerCV = 50.0

	// NeutralScore replaces a component whose statistic is undefined.
	NeutralScore = 50.0

	DefaultThreshold = 25.0
)

var protocolWeights = map[querylog.Protocol]float64{
	querylog.ProtocolHTTPS: 1.2,
	querylog.ProtocolTCP:   1.0,
	querylog.ProtocolHTTP:  0.8,
	querylog.ProtocolUDP:   0.3,
	querylog.ProtocolOther: 0.5,
}

const maxProtocolWeight = 1.2

// Breakdown holds the five component scores.
type Breakdown struct {
	Background         float64 `json:"background"`
	ProtocolMix        float64 `json:"protocol_mix"`
	DomainDiversity    float64 `json:"domain_diversity"`
	Frequency          float64 `json:"frequency"`
	TimingIrregularity float64 `json:"timing_irregularity"`

	// set when the component fell back to NeutralScore
	FrequencyNeutral bool `json:"frequency_neutral"`
	TimingNeutral    bool `json:"timing_neutral"`
}

// Limited reports whether any component was not computed from actual samples.
func (b Breakdown) Limited() bool {
	return b.FrequencyNeutral || b.TimingNeutral
}

func (b Breakdown) weighted() float64 {
	return b.Background*WeightBackground +
		b.ProtocolMix*WeightProtocol +
		b.DomainDiversity*WeightDiversity +
		b.Frequency*WeightFrequency +
		b.TimingIrregularity*WeightTiming
}

// Result is the outcome of the analysis of one device.
type Result struct {
	Score             float64                   `json:"score"`
	Breakdown         Breakdown                 `json:"breakdown"`
	IsActivelyUsed    bool                      `json:"is_actively_used"`
	Summary           string                    `json:"summary"`
	TotalQueries      int                       `json:"total_queries"`
	DistinctDomains   int                       `json:"distinct_domains"`
	BackgroundQueries int                       `json:"background_queries"`
	BackgroundRatio   float64                   `json:"background_ratio"`
	QueriesPerMinute  float64                   `json:"queries_per_minute"`
	Protocols         map[querylog.Protocol]int `json:"protocols"`
	LastQueryAt       time.Time                 `json:"last_query_at"`
}

// Analyzer scores the query log of one device.
type Analyzer struct {
	Threshold float64
}

func NewAnalyzer(threshold float64) Analyzer {
	return Analyzer{Threshold: threshold}
}

// Analyze scores the entries of one device. Entries need not be sorted.
func (a Analyzer) Analyze(entries []querylog.Entry) Result {
	if len(entries) == 0 {
		return Result{
			Summary:   "No activity detected",
			Protocols: map[querylog.Protocol]int{},
		}
	}

	sorted := make([]querylog.Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	res := Result{
		TotalQueries: len(sorted),
		Protocols:    make(map[querylog.Protocol]int),
		LastQueryAt:  sorted[len(sorted)-1].Timestamp,
	}

	domains := make(map[string]struct{})
	protocolSum := 0.0
	for _, e := range sorted {
		if IsBackground(e) {
			res.BackgroundQueries++
		}
		domains[e.Domain] = struct{}{}
		res.Protocols[e.Protocol]++
		w, ok := protocolWeights[e.Protocol]
		if !ok {
			w = protocolWeights[querylog.ProtocolOther]
		}
		protocolSum += w
	}
	res.DistinctDomains = len(domains)
	total := float64(res.TotalQueries)
	res.BackgroundRatio = float64(res.BackgroundQueries) / total

	var b Breakdown
	b.Background = 100 * (1 - res.BackgroundRatio)
	b.ProtocolMix = math.Min(100, 100*(protocolSum/total)/maxProtocolWeight)
	b.DomainDiversity = 100 * math.Min(1, float64(res.DistinctDomains)/math.Max(1, total)*DiversityScaleFactor)

	if len(sorted) < 2 {
		b.Frequency = NeutralScore
		b.FrequencyNeutral = true
	} else {
		res.QueriesPerMinute = queriesPerMinute(sorted)
		b.Frequency = FrequencyScore(res.QueriesPerMinute)
	}

	if cv, ok := intervalCV(sorted); ok {
		b.TimingIrregularity = TimingScore(cv)
	} else {
		b.TimingIrregularity = NeutralScore
		b.TimingNeutral = true
	}

	res.Breakdown = roundBreakdown(b)
	res.Score = round1(clamp(b.weighted(), 0, 100))
	res.IsActivelyUsed = res.Score >= a.Threshold
	res.Summary = summarize(res)
	return res
}

// queriesPerMinute divides the query count by the span between first and last
// query; spans shorter than a minute count as one minute.
func queriesPerMinute(sorted []querylog.Entry) float64 {
	span := sorted[len(sorted)-1].Timestamp.Sub(sorted[0].Timestamp)
	if span < time.Minute {
		span = time.Minute
	}
	return float64(len(sorted)) / span.Minutes()
}

// FrequencyScore maps queries per minute to [0,100].
func FrequencyScore(qpm float64) float64 {
	switch {
	case qpm <= 0:
		return 0
	case qpm < FrequencyBandLow:
		return qpm / FrequencyBandLow * 100
	case qpm <= FrequencyBandHigh:
		return 100
	case qpm >= BurstCeilingQPM:
		return 0
	}
	return 100 * (BurstCeilingQPM - qpm) / (BurstCeilingQPM - FrequencyBandHigh)
}

// intervalCV returns the coefficient of variation of the intervals between
// consecutive queries; it is undefined with fewer than two intervals.
func intervalCV(sorted []querylog.Entry) (float64, bool) {
	if len(sorted) < 3 {
		return 0, false
	}
	intervals := make([]float64, 0, len(sorted)-1)
	sum := 0.0
	for i := 1; i < len(sorted); i++ {
		d := sorted[i].Timestamp.Sub(sorted[i-1].Timestamp).Seconds()
		intervals = append(intervals, d)
		sum += d
	}
	mean := sum / float64(len(intervals))
	if mean <= 0 {
		// all queries at the same instant: a burst, maximally regular
		return 0, true
	}
	variance := 0.0
	for _, d := range intervals {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(intervals))
	return math.Sqrt(variance) / mean, true
}

// TimingScore maps the coefficient of variation of the intervals to [0,100].
func TimingScore(cv float64) float64 {
	switch {
	case cv < TimingCVLow:
		return math.Max(0, cv/TimingCVLow*100)
	case cv <= TimingCVHigh:
		return 100
	}
	return math.Max(0, 100-(cv-TimingCVHigh)*TimingDecayPerCV)
}

// Level returns the banded description of a score.
func Level(score float64) string {
	switch {
	case score >= 75:
		return "High activity"
	case score >= 50:
		return "Moderate activity"
	case score >= 25:
		return "Low activity"
	}
	return "Background traffic only"
}

func summarize(r Result) string {
	s := fmt.Sprintf("%s - %d queries, %d domains, %.0f%% background, %s",
		Level(r.Score), r.TotalQueries, r.DistinctDomains, r.BackgroundRatio*100, protocolMix(r.Protocols))
	if r.Breakdown.Limited() {
		s += " (limited samples)"
	}
	return s
}

// protocolMix describes the protocols by decreasing share, e.g. "HTTPS 51%/TCP 49%".
func protocolMix(counts map[querylog.Protocol]int) string {
	total := 0
	protocols := make([]querylog.Protocol, 0, len(counts))
	for p, n := range counts {
		protocols = append(protocols, p)
		total += n
	}
	if total == 0 {
		return "no protocols"
	}
	sort.Slice(protocols, func(i, j int) bool {
		if counts[protocols[i]] != counts[protocols[j]] {
			return counts[protocols[i]] > counts[protocols[j]]
		}
		return protocols[i] < protocols[j]
	})
	parts := make([]string, len(protocols))
	for i, p := range protocols {
		parts[i] = fmt.Sprintf("%s %.0f%%", p, float64(counts[p])*100/float64(total))
	}
	return strings.Join(parts, "/")
}

func roundBreakdown(b Breakdown) Breakdown {
	b.Background = round1(b.Background)
	b.ProtocolMix = round1(b.ProtocolMix)
	b.DomainDiversity = round1(b.DomainDiversity)
	b.Frequency = round1(b.Frequency)
	b.TimingIrregularity = round1(b.TimingIrregularity)
	return b
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
