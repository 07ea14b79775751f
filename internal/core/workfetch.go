package core

import (
	"context"
	"sort"
	"time"

	"github.com/jontk/boinc-corekeeper/pkg/logging"
)

// WorkBufferConfig mirrors global_prefs' work buffer settings: the planner
// asks for enough queued work to keep every resource busy for at least
// MinQueueSecs, and never more than MaxQueueSecs.
type WorkBufferConfig struct {
	MinQueueSecs float64
	MaxQueueSecs float64
}

// DefaultWorkBufferConfig matches upstream BOINC's defaults (a 1-day floor,
// 10-day ceiling).
func DefaultWorkBufferConfig() WorkBufferConfig {
	return WorkBufferConfig{MinQueueSecs: 1 * 86400, MaxQueueSecs: 10 * 86400}
}

// WorkFetchPlanner picks, for every resource with a
// shortfall (per RR-Sim), the single best eligible project and asks it
// for exactly the work needed to fill that shortfall, applying the
// project's per-resource forbidden reasons and backoff ledger.
type WorkFetchPlanner struct {
	Rpc    ProjectRpc
	Logger logging.Logger
}

// NewWorkFetchPlanner returns a planner driving the given ProjectRpc
// collaborator.
func NewWorkFetchPlanner(rpc ProjectRpc, logger logging.Logger) *WorkFetchPlanner {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &WorkFetchPlanner{Rpc: rpc, Logger: logger}
}

// ReasonFor computes the forbidden reason for one (project, resource) pair,
// in the precedence order a choose_project pass applies.
func ReasonFor(p *Project, st *ResourceProjectState, rscType int, now time.Time) RSCProjectReason {
	switch {
	case p.Suspended:
		return ReasonSuspendedViaGUI
	case p.MasterFilePending:
		return ReasonMasterURLFetchPending
	case !p.MinRPCTime.IsZero() && now.Before(p.MinRPCTime):
		return ReasonMinRPCTime
	case p.DontRequestMoreWork:
		return ReasonDontRequestMoreWork
	case p.DownloadStalled:
		return ReasonDownloadStalled
	case p.PendingUploads > 0 && !p.RequestIfIdleAndUploading:
		return ReasonTooManyUploads
	case st.NonExcludedInstances.Count() == 0:
		return ReasonNoNonExcludedInstances
	case !st.BackoffTime.IsZero() && now.Before(st.BackoffTime):
		return ReasonBackedOff
	case st.HasDeferredJob:
		return ReasonDeferredJob
	default:
		return ReasonOK
	}
}

// FetchableShare recomputes every eligible project's renormalized share of
// a resource: each project's resource_share divided by the sum of shares
// across only the projects currently eligible to fetch that resource.
func FetchableShare(projects []*Project, rscType int, now time.Time) {
	var total float64
	eligible := make([]*Project, 0, len(projects))
	for _, p := range projects {
		if p.Handle == NoHandle {
			continue
		}
		st := p.resourceState[rscType]
		if st == nil {
			continue
		}
		if ReasonFor(p, st, rscType, now) != ReasonOK {
			st.FetchableShare = 0
			continue
		}
		eligible = append(eligible, p)
		total += p.ResourceShare
	}
	if total <= 0 {
		return
	}
	for _, p := range eligible {
		p.resourceState[rscType].FetchableShare = p.ResourceShare / total
	}
}

// SelectBestProject returns the highest-priority project eligible to
// fetch work for rscType, or nil if none are eligible.
func SelectBestProject(projects []*Project, rscType int, now time.Time) *Project {
	var best *Project
	var bestPriority float64
	ordered := SortByPriority(projects)
	for _, p := range ordered {
		if p.Handle == NoHandle {
			continue
		}
		st := p.resourceState[rscType]
		if st == nil {
			continue
		}
		if ReasonFor(p, st, rscType, now) != ReasonOK {
			continue
		}
		pr := Priority(p)
		if best == nil || pr > bestPriority {
			best, bestPriority = p, pr
		}
	}
	return best
}

// IdleInstances returns the number of instances of rscType that are both
// non-excluded for project p and not currently occupied by a running
// result on any project, the req_instances the work-fetch planner asks
// for.
func IdleInstances(g *Graph, registry *Registry, p *Project, rscType int) int {
	rsc := registry.Resource(rscType)
	if rsc == nil {
		return 0
	}
	nonExcluded := rsc.InstanceMask
	if st := p.resourceState[rscType]; st != nil {
		nonExcluded &= st.NonExcludedInstances
	}
	available := nonExcluded.Count()

	var committed float64
	for _, r := range g.Results() {
		if r.Handle == NoHandle || r.State != ResultRunning {
			continue
		}
		av := g.AppVersion(r.AppVersion)
		if av == nil || av.ResourceType() != rscType {
			continue
		}
		committed += committedInstancesForResult(g, r)
	}

	idle := available - int(committed)
	if idle < 0 {
		idle = 0
	}
	return idle
}

// BuildRequest computes the instance/seconds request for one resource's
// shortfall, clamped to the work buffer config and the project's
// fetchable share of that shortfall.
func BuildRequest(p *Project, rscType int, shortfallSecs float64, cfg WorkBufferConfig, idleInstances int) WorkRequest {
	st := p.resourceState[rscType]
	share := 1.0
	if st != nil && st.FetchableShare > 0 {
		share = st.FetchableShare
	}
	secs := shortfallSecs * share
	if secs > cfg.MaxQueueSecs {
		secs = cfg.MaxQueueSecs
	}
	if secs < 0 {
		secs = 0
	}
	return WorkRequest{
		MasterURL:        p.MasterURL,
		ResourceType:     rscType,
		RequestSeconds:   secs,
		RequestInstances: float64(idleInstances),
	}
}

// Plan decides, for every resource with a positive shortfall, which
// project (if any) to send a work request to this tick.
func (w *WorkFetchPlanner) Plan(g *Graph, registry *Registry, sim *SimResult, cfg WorkBufferConfig, now time.Time) map[int]*WorkRequestPlan {
	plans := make(map[int]*WorkRequestPlan)
	projects := g.Projects()

	for _, rsc := range registry.Resources() {
		simRsc := sim.Resources[rsc.Type]
		if simRsc == nil || simRsc.ShortfallSecs <= 0 {
			continue
		}
		FetchableShare(projects, rsc.Type, now)
		best := SelectBestProject(projects, rsc.Type, now)
		if best == nil {
			continue
		}
		idle := IdleInstances(g, registry, best, rsc.Type)
		req := BuildRequest(best, rsc.Type, simRsc.ShortfallSecs, cfg, idle)
		if req.RequestSeconds <= 0 {
			continue
		}
		plans[rsc.Type] = &WorkRequestPlan{Project: best, Request: req}
	}

	// Piggyback: a resource with a shortfall but no primary plan of its own
	// is attached to the first project already slated for a request that
	// passes ReasonFor for it. The attached request is recorded on that
	// project's plan only; Execute does not transmit it.
	sentTo := make(map[ProjectHandle]*WorkRequestPlan)
	for _, pl := range plans {
		sentTo[pl.Project.Handle] = pl
	}
	for _, rsc := range registry.Resources() {
		if plans[rsc.Type] != nil {
			continue
		}
		simRsc := sim.Resources[rsc.Type]
		if simRsc == nil || simRsc.ShortfallSecs <= 0 {
			continue
		}
		for ph, pl := range sentTo {
			st := g.Project(ph).resourceState[rsc.Type]
			if st == nil || ReasonFor(g.Project(ph), st, rsc.Type, now) != ReasonOK {
				continue
			}
			idle := IdleInstances(g, registry, g.Project(ph), rsc.Type)
			piggyback := BuildRequest(g.Project(ph), rsc.Type, simRsc.ShortfallSecs, cfg, idle)
			piggyback.Piggyback = true
			pl.Piggybacked = append(pl.Piggybacked, piggyback)
			break
		}
	}
	return plans
}

// WorkRequestPlan bundles the primary request for one resource with any
// piggybacked requests for other resources at the same project. Execute
// sends only Request; Piggybacked entries are not transmitted.
type WorkRequestPlan struct {
	Project     *Project
	Request     WorkRequest
	Piggybacked []WorkRequest
}

// ProjectReply pairs a scheduler RPC reply with the project it came from,
// so callers can materialize new work without re-resolving the project by
// URL.
type ProjectReply struct {
	Project ProjectHandle
	Reply   WorkReply
}

// Execute issues planned primary requests via the ProjectRpc collaborator
// and applies backoff transitions based on the reply. It makes at most one
// RPC per project: a project named by several plans gets a single RPC
// carrying one of those plans' requests, while plans for different
// projects each get their own RPC in the same call.
func (w *WorkFetchPlanner) Execute(ctx context.Context, g *Graph, plans map[int]*WorkRequestPlan, now time.Time) []ProjectReply {
	var replies []ProjectReply
	issued := make(map[ProjectHandle]bool)
	for rscType, pl := range plans {
		if issued[pl.Project.Handle] {
			continue
		}
		issued[pl.Project.Handle] = true
		reply, err := w.Rpc.RequestWork(ctx, pl.Project.MasterURL, pl.Request)
		st := pl.Project.resourceState[rscType]
		if err != nil {
			w.Logger.Warn("work fetch rpc failed", "project", pl.Project.MasterURL, "error", err.Error())
			if st != nil {
				EnterBackoff(st, now)
			}
			continue
		}
		if reply.NoWorkAvailable {
			if st != nil {
				EnterBackoff(st, now)
			}
		} else if len(reply.NewWorkunits) > 0 && st != nil {
			ClearBackoff(st)
		}
		replies = append(replies, ProjectReply{Project: pl.Project.Handle, Reply: reply})
	}
	sort.Slice(replies, func(i, j int) bool {
		return len(replies[i].Reply.NewWorkunits) > len(replies[j].Reply.NewWorkunits)
	})
	return replies
}
