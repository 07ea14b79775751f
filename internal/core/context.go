package core

import (
	"context"
	"time"

	"github.com/jontk/boinc-corekeeper/pkg/logging"
	"github.com/jontk/boinc-corekeeper/pkg/metrics"
)

// Config bundles the tunables a Context needs beyond its collaborators:
// the RR-Sim look-ahead window and the work buffer bounds.
type Config struct {
	SimWindow   time.Duration
	WorkBuffer  WorkBufferConfig
	EventLogLen int
}

// DefaultConfig returns BOINC's published RR-Sim look-ahead (the larger of
// 1 day or 1.5x the work buffer's min queue) and default work buffer.
func DefaultConfig() Config {
	return Config{
		SimWindow:  36 * time.Hour,
		WorkBuffer: DefaultWorkBufferConfig(),
	}
}

// Context is the single cooperative scheduling loop: it owns
// the entity graph, the resource registry, REC accounting, RR-Sim, the
// scheduler, and the work-fetch planner, and drives them all from one
// Tick call per cycle. Every collaborator call Tick makes is expected to
// return promptly; none of them may block on the network or a subprocess
// beyond their own configured timeout.
type Context struct {
	Graph    *Graph
	Registry *Registry
	Prefs    GlobalPrefs

	rec       *RECAccountant
	sim       *RRSimulator
	scheduler *Scheduler
	workFetch *WorkFetchPlanner
	events    *EventLog

	Executor Executor
	Rpc      ProjectRpc
	Store    StateStore
	Clock    Clock

	Logger  logging.Logger
	Metrics metrics.Collector

	cfg Config

	lastSim *SimResult
}

// NewContext wires a Context from its collaborators. Executor and Rpc may
// be nil only in configurations that never schedule or fetch work (e.g. a
// pure accounting/reporting tool); Tick will skip the corresponding phase.
func NewContext(executor Executor, rpc ProjectRpc, store StateStore, clock Clock, logger logging.Logger, collector metrics.Collector, cfg Config) *Context {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if collector == nil {
		collector = metrics.NewInMemoryCollector()
	}
	if clock == nil {
		clock = RealClock{}
	}
	if cfg.SimWindow <= 0 {
		cfg = DefaultConfig()
	}
	return &Context{
		Graph:     NewGraph(),
		Registry:  NewRegistry(1),
		Prefs:     DefaultGlobalPrefs(),
		rec:       NewRECAccountant(),
		sim:       NewRRSimulator(),
		scheduler: NewScheduler(executor),
		workFetch: NewWorkFetchPlanner(rpc, logger),
		events:    NewEventLog(cfg.EventLogLen),
		Executor:  executor,
		Rpc:       rpc,
		Store:     store,
		Clock:     clock,
		Logger:    logger,
		Metrics:   collector,
		cfg:       cfg,
	}
}

// Events returns the accumulated event log.
func (c *Context) Events() *EventLog { return c.events }

// LastSimResult returns the most recent RR-Sim pass, or nil before the
// first tick.
func (c *Context) LastSimResult() *SimResult { return c.lastSim }

// Tick runs exactly one cycle of the scheduling loop, in the fixed order
// required: REC decay, executor status fold, file GC, RR-Sim,
// scheduling, then work fetch. Nothing here issues a blocking network
// call directly; Rpc and Executor are polled collaborators with their own
// timeouts.
func (c *Context) Tick(ctx context.Context) error {
	now := c.Clock.Now()
	start := now
	c.Metrics.IncrementCounter("ticks_total")

	c.rec.DecayAll(c.Graph.Projects(), now)

	if c.Executor != nil {
		statuses, err := c.Executor.Poll(ctx)
		if err != nil {
			c.Logger.Warn("executor poll failed", "error", err.Error())
		} else {
			FoldExecutorStatus(c.Graph, c.Registry, c.rec, statuses, now)
			for _, st := range statuses {
				if st.Finished {
					r := c.Graph.Result(st.Result)
					kind := EventStateChanged
					msg := "completed"
					if st.Crashed {
						msg = "crashed"
					}
					name := ""
					if r != nil {
						name = r.Name
					}
					c.events.Emit(Event{Kind: kind, Time: now, ResultName: name, Message: msg})
				}
			}
		}
	}

	deleted := c.Graph.GCFiles(now)
	if len(deleted) > 0 {
		c.Metrics.IncrementCounterBy("files_gced_total", float64(len(deleted)))
	}

	snapshot := c.buildSimSnapshot(now)
	sim := c.sim.Run(snapshot, c.Registry, now, c.cfg.SimWindow)
	c.lastSim = sim
	for _, r := range sim.MissedResults(c.Graph) {
		c.events.Emit(Event{Kind: EventScheduleChanged, Time: now, ResultName: r.Name, Message: "deadline miss predicted"})
	}

	if c.Executor != nil {
		plan := c.scheduler.Plan(c.Graph, c.Registry, sim)
		if err := c.scheduler.Apply(ctx, c.Graph, plan); err != nil {
			c.Logger.Error("scheduler apply failed", "error", err.Error())
		}
		c.Metrics.IncrementCounterBy("results_started_total", float64(len(plan.ToStart)))
		c.Metrics.IncrementCounterBy("results_suspended_total", float64(len(plan.ToSuspend)))
	}

	if c.Rpc != nil {
		plans := c.workFetch.Plan(c.Graph, c.Registry, sim, c.cfg.WorkBuffer, now)
		replies := c.workFetch.Execute(ctx, c.Graph, plans, now)
		c.applyReplies(replies, now)
		c.Metrics.IncrementCounterBy("work_fetch_rpcs_total", float64(len(replies)))
	}

	c.Metrics.RecordDuration("tick_duration", c.Clock.Now().Sub(start))
	return nil
}

// buildSimSnapshot produces the read-only SimJob slice RR-Sim consumes,
// copied out of the live graph so the simulation can never observe (or
// cause) a mutation mid-pass.
func (c *Context) buildSimSnapshot(now time.Time) []SimJob {
	runnable := c.Graph.RunnableResults()
	out := make([]SimJob, 0, len(runnable))
	for _, r := range runnable {
		av := c.Graph.AppVersion(r.AppVersion)
		wu := c.Graph.Workunit(r.Workunit)
		project := c.Graph.Project(r.Project)
		if av == nil || wu == nil || project == nil || project.Handle == NoHandle {
			continue
		}
		speed := av.FLOPS
		if speed <= 0 {
			speed = 1
		}
		remain := wu.FLOPSEstimate/speed - r.CPUTimeSecs
		if remain < 0 {
			remain = 0
		}
		instances := av.GPUUsage
		if instances <= 0 {
			instances = av.AvgNCPUs
		}
		if instances <= 0 {
			instances = 1
		}
		out = append(out, SimJob{
			Result:     r.Handle,
			Project:    project.Handle,
			RscType:    av.ResourceType(),
			NInstances: instances,
			Deadline:   r.ReportDeadline,
			RemainSecs: remain,
			Priority:   Priority(project),
		})
	}
	_ = now
	return out
}

// applyReplies materializes every scheduler reply's new work into the
// graph and emits a notice event per project that replied.
func (c *Context) applyReplies(replies []ProjectReply, now time.Time) {
	for _, pr := range replies {
		project := c.Graph.Project(pr.Project)
		if project == nil || project.Handle == NoHandle {
			continue
		}
		if pr.Reply.Error != "" {
			c.events.Emit(Event{Kind: EventNotice, Time: now, Project: project.MasterURL, Message: pr.Reply.Error})
			continue
		}
		for _, h := range pr.Reply.AckResults {
			_ = c.Graph.MarkResultState(h, ResultReported)
		}
		for _, nw := range pr.Reply.NewWorkunits {
			c.materializeWorkunit(project, nw, now)
		}
		if len(pr.Reply.NewWorkunits) > 0 {
			c.events.Emit(Event{Kind: EventNotice, Time: now, Project: project.MasterURL, Message: "new work received"})
		}
	}
}

// materializeWorkunit turns one scheduler-RPC-supplied NewWorkunit into a
// workunit, app version's default plan class, result, and file records in
// the graph.
func (c *Context) materializeWorkunit(project *Project, nw NewWorkunit, now time.Time) {
	app := c.Graph.UpsertApp(project, nw.AppName, false, false, 0)
	av := c.Graph.UpsertAppVersion(project, app, 1, "", "", 1)

	fileRefs := make([]FileHandle, 0, len(nw.InputFiles))
	for _, fr := range nw.InputFiles {
		f := c.Graph.UpsertFile(project, fr.Name, fr.SizeBytes, fr.MD5, fr.Sticky)
		f.Status = FileStatusDownloading
		f.TransferInProgress = true
		fileRefs = append(fileRefs, f.Handle)
	}

	wu, err := c.Graph.AddWorkunit(project, app, nw.WorkunitName, nw.CommandLine, nw.FLOPSEstimate, nw.FLOPSBound, nw.MemoryBound, nw.DiskBound)
	if err != nil {
		c.Logger.Warn("duplicate workunit from scheduler reply ignored", "project", project.MasterURL, "workunit", nw.WorkunitName)
		return
	}
	wu.InputFiles = fileRefs

	result, err := c.Graph.AddResult(project, wu, av, nw.ResultName, nw.ReportDeadline)
	if err != nil {
		c.Logger.Warn("duplicate result from scheduler reply ignored", "project", project.MasterURL, "result", nw.ResultName)
		return
	}
	result.ReceivedTime = now
	result.State = ResultDownloading
}
