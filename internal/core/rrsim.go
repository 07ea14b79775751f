package core

import (
	"sort"
	"time"
)

// BusyTimeEstimator tracks, per instance of a resource, the accumulated
// duration of high-priority (deadline-miss) jobs assigned to it during a
// single RR-Sim pass. Each job is placed on the currently least-busy
// instance (and onto consecutive instances too, if it uses more than
// one), and the "overall busy time" reported is the minimum across
// instances — the point at which every instance has at least that much
// committed work.
type BusyTimeEstimator struct {
	busyTime []float64
}

// NewBusyTimeEstimator allocates an estimator for n instances.
func NewBusyTimeEstimator(n int) *BusyTimeEstimator {
	return &BusyTimeEstimator{busyTime: make([]float64, n)}
}

// Update records dur seconds of high-priority work using nused instances.
func (b *BusyTimeEstimator) Update(dur, nused float64) {
	n := len(b.busyTime)
	if n == 0 || nused < 1 {
		return
	}
	best, ibest := b.busyTime[0], 0
	for i := 1; i < n; i++ {
		if b.busyTime[i] < best {
			best, ibest = b.busyTime[i], i
		}
	}
	inused := int(nused)
	for i := 0; i < inused; i++ {
		j := (ibest + i) % n
		b.busyTime[j] += dur
	}
}

// BusyTime returns the minimum accumulated busy time across all instances.
func (b *BusyTimeEstimator) BusyTime() float64 {
	if len(b.busyTime) == 0 {
		return 0
	}
	best := b.busyTime[0]
	for _, v := range b.busyTime[1:] {
		if v < best {
			best = v
		}
	}
	return best
}

// SimJob is the per-result input RR-Sim consumes: a snapshot copy, never a
// live reference, so the simulation is provably side-effect free.
type SimJob struct {
	Result     ResultHandle
	Project    ProjectHandle
	RscType    int
	NInstances float64
	Deadline   time.Time
	RemainSecs float64
	Priority   float64
}

// ResourceSimResult is RR-Sim's per-resource verdict.
type ResourceSimResult struct {
	RscType       int
	SaturatedTime time.Time
	ShortfallSecs float64
	BusyTime      *BusyTimeEstimator
}

// SimResult is RR-Sim's complete output for one pass: which results are
// predicted to miss their deadline, their predicted finish time, and the
// per-resource saturation/shortfall outlook.
type SimResult struct {
	Now        time.Time
	Window     time.Duration
	FinishTime map[ResultHandle]time.Time
	Missed     map[ResultHandle]bool
	Resources  map[int]*ResourceSimResult
}

// MissedResults returns the handles RR-Sim flagged as deadline-missed,
// sorted by report deadline ascending.
func (s *SimResult) MissedResults(g *Graph) []*Result {
	out := make([]*Result, 0, len(s.Missed))
	for h, missed := range s.Missed {
		if !missed {
			continue
		}
		if r := g.Result(h); r != nil {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ReportDeadline.Before(out[j].ReportDeadline)
	})
	return out
}

// RRSimulator is the deterministic, side-effect-free forward simulation
// that, given the current runnable set and per-resource priorities,
// predicts missed deadlines and per-resource idle shortfall over a
// configured look-ahead window.
type RRSimulator struct{}

// NewRRSimulator returns an RR-Sim instance; it carries no state of its
// own between runs.
func NewRRSimulator() *RRSimulator { return &RRSimulator{} }

// Run executes one simulation pass against a read-only snapshot. The
// caller is responsible for capturing that snapshot before any other
// component mutates the graph this tick.
func (s *RRSimulator) Run(snapshot []SimJob, registry *Registry, now time.Time, window time.Duration) *SimResult {
	result := &SimResult{
		Now:        now,
		Window:     window,
		FinishTime: make(map[ResultHandle]time.Time),
		Missed:     make(map[ResultHandle]bool),
		Resources:  make(map[int]*ResourceSimResult),
	}
	windowEnd := now.Add(window)

	byResource := make(map[int][]SimJob)
	for _, j := range snapshot {
		byResource[j.RscType] = append(byResource[j.RscType], j)
	}

	for _, rsc := range registry.Resources() {
		jobs := byResource[rsc.Type]
		order := roundRobinOrder(jobs)

		n := rsc.NInstances
		if n <= 0 {
			n = 1
		}
		instanceFree := make([]time.Time, n)
		for i := range instanceFree {
			instanceFree[i] = now
		}
		busy := NewBusyTimeEstimator(n)

		for _, j := range order {
			nu := j.NInstances
			if nu < 1 {
				nu = 1
			}
			inu := int(nu)
			if inu > n {
				inu = n
			}
			// Place on the nu consecutive instances with the earliest
			// combined free time, starting from the globally earliest-free
			// instance (a simple, deterministic approximation of BOINC's
			// coprocessor scheduling).
			start := earliestGroupFree(instanceFree, inu)
			finish := start.Add(secondsToDuration(j.RemainSecs))
			for k := 0; k < inu; k++ {
				idx := earliestIdx(instanceFree)
				instanceFree[idx] = finish
			}

			result.FinishTime[j.Result] = finish
			missed := finish.After(j.Deadline)
			result.Missed[j.Result] = missed
			if missed {
				busy.Update(j.RemainSecs, nu)
			}
		}

		saturated := windowEnd
		for _, free := range instanceFree {
			if free.Before(saturated) {
				saturated = free
			}
		}
		if saturated.Before(now) {
			saturated = now
		}
		shortfall := float64(n) * windowEnd.Sub(saturated).Seconds()
		if shortfall < 0 {
			shortfall = 0
		}
		result.Resources[rsc.Type] = &ResourceSimResult{
			RscType:       rsc.Type,
			SaturatedTime: saturated,
			ShortfallSecs: shortfall,
			BusyTime:      busy,
		}
	}
	return result
}

// roundRobinOrder interleaves jobs across projects in priority order
// (highest priority first), each project contributing its earliest
// deadline job on every cycle, matching a round-robin-by-project
// fair-share walk.
func roundRobinOrder(jobs []SimJob) []SimJob {
	byProject := make(map[ProjectHandle][]SimJob)
	var projectOrder []ProjectHandle
	seen := make(map[ProjectHandle]bool)
	for _, j := range jobs {
		byProject[j.Project] = append(byProject[j.Project], j)
		if !seen[j.Project] {
			seen[j.Project] = true
			projectOrder = append(projectOrder, j.Project)
		}
	}
	for _, p := range projectOrder {
		queue := byProject[p]
		sort.Slice(queue, func(i, j int) bool { return queue[i].Deadline.Before(queue[j].Deadline) })
		byProject[p] = queue
	}
	// Stable priority ordering of projects: jobs carry a pre-computed
	// Priority value shared by every job of that project.
	projPriority := make(map[ProjectHandle]float64)
	for _, j := range jobs {
		projPriority[j.Project] = j.Priority
	}
	sort.SliceStable(projectOrder, func(i, j int) bool {
		return projPriority[projectOrder[i]] > projPriority[projectOrder[j]]
	})

	out := make([]SimJob, 0, len(jobs))
	for {
		progressed := false
		for _, p := range projectOrder {
			q := byProject[p]
			if len(q) == 0 {
				continue
			}
			out = append(out, q[0])
			byProject[p] = q[1:]
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return out
}

func earliestIdx(free []time.Time) int {
	best := 0
	for i := 1; i < len(free); i++ {
		if free[i].Before(free[best]) {
			best = i
		}
	}
	return best
}

// earliestGroupFree returns the earliest time at which n consecutive
// (by current free-time rank) instances would all be available: simply
// the n-th smallest free time.
func earliestGroupFree(free []time.Time, n int) time.Time {
	sorted := append([]time.Time(nil), free...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	if n > len(sorted) {
		n = len(sorted)
	}
	if n == 0 {
		return sorted[0]
	}
	return sorted[n-1]
}

func secondsToDuration(secs float64) time.Duration {
	if secs < 0 {
		secs = 0
	}
	return time.Duration(secs * float64(time.Second))
}
