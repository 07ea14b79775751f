package core

import (
	"math"
	"sort"
	"time"
)

// DefaultRECHalfLife is the half-life used for REC decay: 10 days, the
// value published in BOINC's scheduling documentation.
const DefaultRECHalfLife = 10 * 24 * time.Hour

// RECAccountant maintains recent estimated credit per project: an
// exponentially-decayed running total of instance-seconds consumed, the
// client's fairness currency.
type RECAccountant struct {
	HalfLife time.Duration
}

// NewRECAccountant returns an accountant using DefaultRECHalfLife.
func NewRECAccountant() *RECAccountant {
	return &RECAccountant{HalfLife: DefaultRECHalfLife}
}

// DecayAll applies exponential decay to every project's REC in a single
// pass, advancing rec_time. Must run before any consumer reads REC in the
// same tick . Decay never increases REC
// (testable property 3).
func (a *RECAccountant) DecayAll(projects []*Project, now time.Time) {
	halfLife := a.HalfLife
	if halfLife <= 0 {
		halfLife = DefaultRECHalfLife
	}
	lambda := math.Ln2 / halfLife.Seconds()
	for _, p := range projects {
		if p.Handle == NoHandle {
			continue
		}
		if p.RECTime.IsZero() {
			p.RECTime = now
			continue
		}
		dt := now.Sub(p.RECTime).Seconds()
		if dt <= 0 {
			continue
		}
		p.REC *= math.Exp(-lambda * dt)
		if p.REC < 0 {
			p.REC = 0
		}
		p.RECTime = now
	}
}

// Accumulate attributes dt seconds of instance usage to a project's REC:
// dt * (instancesUsed * relativeSpeed), added to REC (never decreasing
// it).
func (a *RECAccountant) Accumulate(p *Project, instancesUsed, relativeSpeed, dt float64) {
	if dt <= 0 || instancesUsed <= 0 {
		return
	}
	p.REC += dt * instancesUsed * relativeSpeed
}

// Priority computes a project's scheduling/work-fetch priority: negative
// REC divided by its resource share (lower REC-per-share sorts first).
// Ties are broken by master_url, byte-lexicographically.
func Priority(p *Project) float64 {
	share := p.ResourceShare
	if share <= 0 {
		share = 1e-9
	}
	return -p.REC / share
}

// SortByPriority returns projects ordered from highest priority (lowest
// REC-per-share) to lowest, with master_url as the tiebreaker.
func SortByPriority(projects []*Project) []*Project {
	out := make([]*Project, len(projects))
	copy(out, projects)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := Priority(out[i]), Priority(out[j])
		if pi != pj {
			return pi > pj
		}
		return out[i].MasterURL < out[j].MasterURL
	})
	return out
}

// DailyStatsSnapshot is a single day's credit totals, kept only for
// GUI/CLI reporting; it never feeds back into scheduling.
type DailyStatsSnapshot struct {
	Day               time.Time
	UserTotalCredit   float64
	UserExpAvgCredit  float64
	HostTotalCredit   float64
	HostExpAvgCredit  float64
}

// DailyStatsHistory is a bounded ring buffer of DailyStatsSnapshot, one
// entry appended per simulated day.
type DailyStatsHistory struct {
	entries []DailyStatsSnapshot
	maxLen  int
}

// NewDailyStatsHistory creates a history retaining at most maxLen days.
func NewDailyStatsHistory(maxLen int) *DailyStatsHistory {
	if maxLen <= 0 {
		maxLen = 365
	}
	return &DailyStatsHistory{maxLen: maxLen}
}

// Append records a new day's snapshot, evicting the oldest if full.
func (h *DailyStatsHistory) Append(s DailyStatsSnapshot) {
	h.entries = append(h.entries, s)
	if len(h.entries) > h.maxLen {
		h.entries = h.entries[len(h.entries)-h.maxLen:]
	}
}

// Entries returns the retained snapshots, oldest first.
func (h *DailyStatsHistory) Entries() []DailyStatsSnapshot { return h.entries }
