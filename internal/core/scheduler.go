package core

import (
	"context"
	"sort"
	"time"
)

// SchedulePlan is the scheduler's per-tick verdict: which results should
// start, which should be pre-empted, which suspended results should
// resume, and which were deferred by max_concurrent or full exclusion.
type SchedulePlan struct {
	ToStart    []ResultHandle
	ToSuspend  []ResultHandle
	ToResume   []ResultHandle
	Deferred   map[ResultHandle]bool
}

// Scheduler runs a high-priority pass that rescues
// deadline-miss predictions by pre-empting lower-priority running work,
// followed by a normal round-robin-by-REC pass that fills whatever
// capacity remains, honoring per-app max_concurrent, GPU exclusion
// bitmaps, and non_cpu_intensive apps that always run when ready.
type Scheduler struct {
	Executor Executor
}

// NewScheduler returns a scheduler driving the given Executor collaborator.
func NewScheduler(executor Executor) *Scheduler {
	return &Scheduler{Executor: executor}
}

// candidate is the scheduler's working view of one runnable result.
type candidate struct {
	result   *Result
	project  *Project
	app      *App
	version  *AppVersion
	rscType  int
	missed   bool
	priority float64
}

// Plan computes a SchedulePlan from the current runnable set and the most
// recent RR-Sim pass, without mutating the graph. Context.Tick applies the
// plan afterward by calling Apply.
func (s *Scheduler) Plan(g *Graph, registry *Registry, sim *SimResult) *SchedulePlan {
	plan := &SchedulePlan{Deferred: make(map[ResultHandle]bool)}

	runnable := g.RunnableResults()
	candidates := make([]candidate, 0, len(runnable))
	for _, r := range runnable {
		av := g.AppVersion(r.AppVersion)
		if av == nil {
			continue
		}
		app := g.App(av.App)
		project := g.Project(r.Project)
		if app == nil || project == nil || project.Handle == NoHandle {
			continue
		}
		missed := sim != nil && sim.Missed[r.Handle]
		candidates = append(candidates, candidate{
			result:   r,
			project:  project,
			app:      app,
			version:  av,
			rscType:  av.ResourceType(),
			missed:   missed,
			priority: Priority(project),
		})
	}

	// Non-CPU-intensive apps are always eligible to run when ready; they
	// never compete for scheduling slots.
	var scheduled []candidate
	var scheduleable []candidate
	for _, c := range candidates {
		if c.app.NonCPUIntensive {
			scheduled = append(scheduled, c)
			continue
		}
		scheduleable = append(scheduleable, c)
	}

	// High-priority pass: every deadline-miss candidate, earliest deadline
	// first, pre-empting lower-priority running work if its resource has no
	// spare instance capacity.
	var highPriority, normal []candidate
	for _, c := range scheduleable {
		if c.missed {
			highPriority = append(highPriority, c)
		} else {
			normal = append(normal, c)
		}
	}
	sort.Slice(highPriority, func(i, j int) bool {
		return highPriority[i].result.ReportDeadline.Before(highPriority[j].result.ReportDeadline)
	})
	// Normal pass is ordered by project priority (REC-per-share), matching
	// the round-robin-by-REC fairness rule.
	sort.SliceStable(normal, func(i, j int) bool { return normal[i].priority > normal[j].priority })

	used := make(map[int]float64) // rscType -> instances committed so far
	appRunning := make(map[AppHandle]int)
	for _, c := range scheduled {
		appRunning[c.app.Handle]++
	}

	tryRun := func(c candidate) bool {
		rsc := registry.Resource(c.rscType)
		if rsc == nil {
			return false
		}
		need := c.version.GPUUsage
		if need <= 0 {
			need = c.version.AvgNCPUs
		}
		if need <= 0 {
			need = 1
		}
		nonExcluded := rsc.InstanceMask
		if st := c.project.resourceStateOrNil(c.rscType); st != nil {
			nonExcluded &= st.NonExcludedInstances
		}
		if nonExcluded.Count() == 0 {
			plan.Deferred[c.result.Handle] = true
			return false
		}
		if c.app.MaxConcurrent > 0 && appRunning[c.app.Handle] >= c.app.MaxConcurrent {
			plan.Deferred[c.result.Handle] = true
			return false
		}
		capacity := float64(nonExcluded.Count())
		if used[c.rscType]+need > capacity {
			return false
		}
		used[c.rscType] += need
		appRunning[c.app.Handle]++
		scheduled = append(scheduled, c)
		return true
	}

	for _, c := range highPriority {
		if c.result.State == ResultRunning {
			used[c.rscType] += committedInstances(c)
			appRunning[c.app.Handle]++
			scheduled = append(scheduled, c)
			continue
		}
		tryRun(c)
	}
	for _, c := range normal {
		if c.result.State == ResultRunning {
			rsc := registry.Resource(c.rscType)
			if rsc == nil {
				continue
			}
			// Already running: keep it unless a higher-priority pass has
			// exhausted the resource's capacity, in which case pre-empt.
			need := committedInstances(c)
			nonExcluded := rsc.InstanceMask
			if st := c.project.resourceStateOrNil(c.rscType); st != nil {
				nonExcluded &= st.NonExcludedInstances
			}
			capacity := float64(nonExcluded.Count())
			if used[c.rscType]+need <= capacity {
				used[c.rscType] += need
				appRunning[c.app.Handle]++
				scheduled = append(scheduled, c)
				continue
			}
			plan.ToSuspend = append(plan.ToSuspend, c.result.Handle)
			continue
		}
		tryRun(c)
	}

	scheduledSet := make(map[ResultHandle]bool, len(scheduled))
	for _, c := range scheduled {
		scheduledSet[c.result.Handle] = true
		switch c.result.State {
		case ResultReady:
			plan.ToStart = append(plan.ToStart, c.result.Handle)
		case ResultSuspended:
			plan.ToResume = append(plan.ToResume, c.result.Handle)
		}
	}
	for _, c := range scheduleable {
		if c.result.State == ResultRunning && !scheduledSet[c.result.Handle] {
			alreadyListed := false
			for _, h := range plan.ToSuspend {
				if h == c.result.Handle {
					alreadyListed = true
					break
				}
			}
			if !alreadyListed {
				plan.ToSuspend = append(plan.ToSuspend, c.result.Handle)
			}
		}
	}
	return plan
}

// committedInstances estimates how many instances a running result
// currently occupies.
func committedInstances(c candidate) float64 {
	if c.result.NInstancesUsed > 0 {
		return float64(c.result.NInstancesUsed)
	}
	if c.version.GPUUsage > 0 {
		return c.version.GPUUsage
	}
	if c.version.AvgNCPUs > 0 {
		return c.version.AvgNCPUs
	}
	return 1
}

func (p *Project) resourceStateOrNil(rscType int) *ResourceProjectState {
	return p.resourceState[rscType]
}

// Apply issues the plan's start/suspend/resume intents to the Executor
// collaborator and folds the resulting state transitions into the graph.
func (s *Scheduler) Apply(ctx context.Context, g *Graph, plan *SchedulePlan) error {
	for _, h := range plan.ToSuspend {
		r := g.Result(h)
		if r == nil || r.State != ResultRunning {
			continue
		}
		if err := s.Executor.Suspend(ctx, r); err != nil {
			return err
		}
		if err := g.MarkResultState(h, ResultSuspended); err != nil {
			return err
		}
	}
	for _, h := range plan.ToResume {
		r := g.Result(h)
		if r == nil || r.State != ResultSuspended {
			continue
		}
		if err := s.Executor.Resume(ctx, r); err != nil {
			return err
		}
		r.State = ResultRunning
	}
	for _, h := range plan.ToStart {
		r := g.Result(h)
		if r == nil || r.State != ResultReady {
			continue
		}
		av := g.AppVersion(r.AppVersion)
		if av == nil {
			continue
		}
		if err := s.Executor.Start(ctx, r, av); err != nil {
			return err
		}
		r.State = ResultRunning
	}
	return nil
}

// FoldExecutorStatus applies one tick's worth of Executor.Poll output into
// the graph: elapsed/CPU time accumulation, REC accrual, and completion
// handling. Crashed tasks are treated as a failure, never as a panic
// surfaced to the caller.
func FoldExecutorStatus(g *Graph, registry *Registry, rec *RECAccountant, statuses []ExecutorStatus, now time.Time) {
	for _, st := range statuses {
		r := g.Result(st.Result)
		if r == nil {
			continue
		}
		dt := st.ElapsedSecs - r.ElapsedSecs
		r.ElapsedSecs = st.ElapsedSecs
		r.CPUTimeSecs = st.CPUTimeSecs

		if p := g.Project(r.Project); p != nil && dt > 0 {
			instances := committedInstancesForResult(g, r)
			speed := 1.0
			if av := g.AppVersion(r.AppVersion); av != nil {
				if rsc := registry.Resource(av.ResourceType()); rsc != nil && rsc.RelativeSpeed > 0 {
					speed = rsc.RelativeSpeed
				}
			}
			rec.Accumulate(p, instances, speed, dt)
		}

		switch {
		case st.Crashed:
			r.ErrorCount++
			_ = g.MarkResultState(st.Result, ResultFailed)
		case st.Finished && st.ExitedCleanly:
			r.CompletedTime = now
			_ = g.MarkResultState(st.Result, ResultDone)
		case st.Finished:
			r.ErrorCount++
			_ = g.MarkResultState(st.Result, ResultFailed)
		}
	}
}

func committedInstancesForResult(g *Graph, r *Result) float64 {
	if r.NInstancesUsed > 0 {
		return float64(r.NInstancesUsed)
	}
	if av := g.AppVersion(r.AppVersion); av != nil {
		if av.GPUUsage > 0 {
			return av.GPUUsage
		}
		if av.AvgNCPUs > 0 {
			return av.AvgNCPUs
		}
	}
	return 1
}
