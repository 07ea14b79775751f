package core

import "time"

// GraphSnapshot is the exported, JSON-stable shape of a Graph plus the
// preference state that travels with it across a restart. It exists
// because Graph's arenas hold unexported bookkeeping fields (refcounts,
// per-resource backoff ledgers, reverse file references) that a
// StateStore outside package core cannot see directly; Export/Import
// translate between the two without ever handing a StateStore a raw
// pointer into the live graph.
type GraphSnapshot struct {
	Projects    []ProjectSnapshot    `json:"projects"`
	Apps        []AppSnapshot        `json:"apps"`
	AppVersions []AppVersionSnapshot `json:"app_versions"`
	Workunits   []WorkunitSnapshot   `json:"workunits"`
	Results     []ResultSnapshot     `json:"results"`
	Files       []FileSnapshot       `json:"files"`
	Prefs       GlobalPrefs          `json:"prefs"`
}

// ResourceStateSnapshot is one (project, resource) work-fetch ledger entry,
// stored in its own bucket by bboltstore since it changes far more often
// than the project record it hangs off of.
type ResourceStateSnapshot struct {
	RscType              int           `json:"rsc_type"`
	BackoffTime          time.Time     `json:"backoff_time"`
	BackoffInterval      time.Duration `json:"backoff_interval"`
	NonExcludedInstances InstanceMask  `json:"non_excluded_instances"`
	NRunnableJobs        int           `json:"n_runnable_jobs"`
	HasDeferredJob       bool          `json:"has_deferred_job"`
	Reason               RSCProjectReason `json:"reason"`
	SecsThisRECInterval  float64       `json:"secs_this_rec_interval"`
	FetchableShare       float64       `json:"fetchable_share"`
	NUsedTotal           float64       `json:"n_used_total"`
}

// ProjectSnapshot mirrors Project, flattening resourceState into an
// ordered slice keyed by RscType.
type ProjectSnapshot struct {
	// Index is the project's slot in the graph's dense arena. It is
	// recorded separately from Handle because a detached project keeps
	// its slot (so other entities' Project handles stay valid) while its
	// own Handle field is reset to NoHandle; a store whose iteration
	// order doesn't match arena order (bboltstore sorts by MasterURL)
	// needs Index to put each record back in its original slot.
	Index                    int                     `json:"index"`
	Handle                   ProjectHandle           `json:"handle"`
	MasterURL                string                  `json:"master_url"`
	ProjectName              string                  `json:"project_name"`
	ResourceShare            float64                 `json:"resource_share"`
	Suspended                bool                    `json:"suspended"`
	DontRequestMoreWork      bool                    `json:"dont_request_more_work"`
	MinRPCTime               time.Time               `json:"min_rpc_time"`
	SchedulerRPCBackoffUntil time.Time               `json:"scheduler_rpc_backoff_until"`
	DownloadStalled          bool                    `json:"download_stalled"`
	PendingUploads           int                     `json:"pending_uploads"`
	MasterFilePending        bool                    `json:"master_file_pending"`
	REC                      float64                 `json:"rec"`
	RECTime                  time.Time               `json:"rec_time"`
	DownloadBackoff          FileXferBackoff         `json:"download_backoff"`
	UploadBackoff            FileXferBackoff         `json:"upload_backoff"`
	RequestIfIdleAndUploading bool                   `json:"request_if_idle_and_uploading"`
	Apps                     []AppHandle             `json:"apps"`
	AppVersions              []AppVersionHandle      `json:"app_versions"`
	Workunits                []WorkunitHandle        `json:"workunits"`
	Results                  []ResultHandle          `json:"results"`
	ResourceStates           []ResourceStateSnapshot `json:"resource_states"`
}

// AppSnapshot mirrors App, exporting nConcurrentRunning.
type AppSnapshot struct {
	Index                    int           `json:"index"`
	Handle                   AppHandle     `json:"handle"`
	Project                  ProjectHandle `json:"project"`
	Name                     string        `json:"name"`
	NonCPUIntensive          bool          `json:"non_cpu_intensive"`
	ReportResultsImmediately bool          `json:"report_results_immediately"`
	MaxConcurrent            int           `json:"max_concurrent"`
	NConcurrentRunning       int           `json:"n_concurrent_running"`
}

// AppVersionSnapshot mirrors AppVersion, exporting refCount.
type AppVersionSnapshot struct {
	Index           int              `json:"index"`
	Handle          AppVersionHandle `json:"handle"`
	Project         ProjectHandle    `json:"project"`
	App             AppHandle        `json:"app"`
	VersionNum      int              `json:"version_num"`
	Platform        string           `json:"platform"`
	PlanClass       string           `json:"plan_class"`
	AvgNCPUs        float64          `json:"avg_ncpus"`
	GPUResourceType int              `json:"gpu_resource_type"`
	GPUUsage        float64          `json:"gpu_usage"`
	FLOPS           float64          `json:"flops"`
	FileRefs        []FileHandle     `json:"file_refs"`
	DontThrottle    bool             `json:"dont_throttle"`
	IsWrapper       bool             `json:"is_wrapper"`
	IsVMApp         bool             `json:"is_vm_app"`
	RefCount        int              `json:"ref_count"`
}

// WorkunitSnapshot mirrors Workunit, exporting refCount.
type WorkunitSnapshot struct {
	Index         int            `json:"index"`
	Handle        WorkunitHandle `json:"handle"`
	Project       ProjectHandle  `json:"project"`
	App           AppHandle      `json:"app"`
	Name          string         `json:"name"`
	CommandLine   string         `json:"command_line"`
	InputFiles    []FileHandle   `json:"input_files"`
	FLOPSEstimate float64        `json:"flops_estimate"`
	FLOPSBound    float64        `json:"flops_bound"`
	MemoryBound   int64          `json:"memory_bound"`
	DiskBound     int64          `json:"disk_bound"`
	RefCount      int            `json:"ref_count"`
}

// ResultSnapshot mirrors Result exactly; Result has no unexported fields.
type ResultSnapshot struct {
	Index          int              `json:"index"`
	Handle         ResultHandle     `json:"handle"`
	Project        ProjectHandle    `json:"project"`
	Workunit       WorkunitHandle   `json:"workunit"`
	AppVersion     AppVersionHandle `json:"app_version"`
	Name           string           `json:"name"`
	State          ResultState      `json:"state"`
	ReportDeadline time.Time        `json:"report_deadline"`
	ReceivedTime   time.Time        `json:"received_time"`
	CompletedTime  time.Time        `json:"completed_time"`
	ElapsedSecs    float64          `json:"elapsed_secs"`
	CPUTimeSecs    float64          `json:"cpu_time_secs"`
	NInstancesUsed int              `json:"n_instances_used"`
	InstanceMask   InstanceMask     `json:"instance_mask"`
	ErrorCount     int              `json:"error_count"`
	Reported       bool             `json:"reported"`
}

// FileSnapshot mirrors File, exporting referencingResults as a plain slice.
type FileSnapshot struct {
	Index               int            `json:"index"`
	Handle              FileHandle     `json:"handle"`
	Project             ProjectHandle  `json:"project"`
	Name                string         `json:"name"`
	SizeBytes           int64          `json:"size_bytes"`
	MD5                 string         `json:"md5"`
	Sticky              bool           `json:"sticky"`
	StickyExpiry        time.Time      `json:"sticky_expiry"`
	SignatureRequired   bool           `json:"signature_required"`
	Status              FileStatus     `json:"status"`
	TransferInProgress  bool           `json:"transfer_in_progress"`
	ReferencingResults  []ResultHandle `json:"referencing_results"`
}

// Export walks every arena, including detached projects (Handle ==
// NoHandle, kept only so later handles stay aligned) and returns a
// self-contained snapshot. Export never mutates the graph.
func (g *Graph) Export() GraphSnapshot {
	out := GraphSnapshot{
		Projects:    make([]ProjectSnapshot, len(g.projects)),
		Apps:        make([]AppSnapshot, len(g.apps)),
		AppVersions: make([]AppVersionSnapshot, len(g.appVersions)),
		Workunits:   make([]WorkunitSnapshot, len(g.workunits)),
		Results:     make([]ResultSnapshot, len(g.results)),
		Files:       make([]FileSnapshot, len(g.files)),
	}
	for i, p := range g.projects {
		states := make([]ResourceStateSnapshot, 0, len(p.resourceState))
		for _, st := range p.resourceState {
			states = append(states, ResourceStateSnapshot{
				RscType:              st.RscType,
				BackoffTime:          st.BackoffTime,
				BackoffInterval:      st.BackoffInterval,
				NonExcludedInstances: st.NonExcludedInstances,
				NRunnableJobs:        st.NRunnableJobs,
				HasDeferredJob:       st.HasDeferredJob,
				Reason:               st.Reason,
				SecsThisRECInterval:  st.SecsThisRECInterval,
				FetchableShare:       st.FetchableShare,
				NUsedTotal:           st.NUsedTotal,
			})
		}
		out.Projects[i] = ProjectSnapshot{
			Index:                     i,
			Handle:                    p.Handle,
			MasterURL:                 p.MasterURL,
			ProjectName:               p.ProjectName,
			ResourceShare:             p.ResourceShare,
			Suspended:                 p.Suspended,
			DontRequestMoreWork:       p.DontRequestMoreWork,
			MinRPCTime:                p.MinRPCTime,
			SchedulerRPCBackoffUntil:  p.SchedulerRPCBackoffUntil,
			DownloadStalled:           p.DownloadStalled,
			PendingUploads:            p.PendingUploads,
			MasterFilePending:        p.MasterFilePending,
			REC:                       p.REC,
			RECTime:                   p.RECTime,
			DownloadBackoff:           p.DownloadBackoff,
			UploadBackoff:             p.UploadBackoff,
			RequestIfIdleAndUploading: p.RequestIfIdleAndUploading,
			Apps:                      append([]AppHandle(nil), p.apps...),
			AppVersions:               append([]AppVersionHandle(nil), p.appVersions...),
			Workunits:                 append([]WorkunitHandle(nil), p.workunits...),
			Results:                   append([]ResultHandle(nil), p.results...),
			ResourceStates:            states,
		}
	}
	for i, a := range g.apps {
		out.Apps[i] = AppSnapshot{
			Index:                    i,
			Handle:                   a.Handle,
			Project:                  a.Project,
			Name:                     a.Name,
			NonCPUIntensive:          a.NonCPUIntensive,
			ReportResultsImmediately: a.ReportResultsImmediately,
			MaxConcurrent:            a.MaxConcurrent,
			NConcurrentRunning:       a.nConcurrentRunning,
		}
	}
	for i, av := range g.appVersions {
		out.AppVersions[i] = AppVersionSnapshot{
			Index:           i,
			Handle:          av.Handle,
			Project:         av.Project,
			App:             av.App,
			VersionNum:      av.VersionNum,
			Platform:        av.Platform,
			PlanClass:       av.PlanClass,
			AvgNCPUs:        av.AvgNCPUs,
			GPUResourceType: av.GPUResourceType,
			GPUUsage:        av.GPUUsage,
			FLOPS:           av.FLOPS,
			FileRefs:        append([]FileHandle(nil), av.FileRefs...),
			DontThrottle:    av.DontThrottle,
			IsWrapper:       av.IsWrapper,
			IsVMApp:         av.IsVMApp,
			RefCount:        av.refCount,
		}
	}
	for i, wu := range g.workunits {
		out.Workunits[i] = WorkunitSnapshot{
			Index:         i,
			Handle:        wu.Handle,
			Project:       wu.Project,
			App:           wu.App,
			Name:          wu.Name,
			CommandLine:   wu.CommandLine,
			InputFiles:    append([]FileHandle(nil), wu.InputFiles...),
			FLOPSEstimate: wu.FLOPSEstimate,
			FLOPSBound:    wu.FLOPSBound,
			MemoryBound:   wu.MemoryBound,
			DiskBound:     wu.DiskBound,
			RefCount:      wu.refCount,
		}
	}
	for i, r := range g.results {
		out.Results[i] = ResultSnapshot{
			Index:          i,
			Handle:         r.Handle,
			Project:        r.Project,
			Workunit:       r.Workunit,
			AppVersion:     r.AppVersion,
			Name:           r.Name,
			State:          r.State,
			ReportDeadline: r.ReportDeadline,
			ReceivedTime:   r.ReceivedTime,
			CompletedTime:  r.CompletedTime,
			ElapsedSecs:    r.ElapsedSecs,
			CPUTimeSecs:    r.CPUTimeSecs,
			NInstancesUsed: r.NInstancesUsed,
			InstanceMask:   r.InstanceMask,
			ErrorCount:     r.ErrorCount,
			Reported:       r.Reported,
		}
	}
	for i, f := range g.files {
		refs := make([]ResultHandle, 0, len(f.referencingResults))
		for rh := range f.referencingResults {
			refs = append(refs, rh)
		}
		out.Files[i] = FileSnapshot{
			Index:              i,
			Handle:             f.Handle,
			Project:            f.Project,
			Name:               f.Name,
			SizeBytes:          f.SizeBytes,
			MD5:                f.MD5,
			Sticky:             f.Sticky,
			StickyExpiry:       f.StickyExpiry,
			SignatureRequired:  f.SignatureRequired,
			Status:             f.Status,
			TransferInProgress: f.TransferInProgress,
			ReferencingResults: refs,
		}
	}
	return out
}

// ImportGraph rebuilds a Graph from a snapshot produced by Export, restoring
// every index (project by URL, app by (project,name), and so on) so the
// result behaves identically to the graph that was exported.
func ImportGraph(s GraphSnapshot) *Graph {
	g := NewGraph()

	g.projects = make([]*Project, arenaLen(len(s.Projects), projectMaxIndex(s.Projects)))
	for _, ps := range s.Projects {
		p := &Project{
			Handle:                    ps.Handle,
			MasterURL:                 ps.MasterURL,
			ProjectName:               ps.ProjectName,
			ResourceShare:             ps.ResourceShare,
			Suspended:                 ps.Suspended,
			DontRequestMoreWork:       ps.DontRequestMoreWork,
			MinRPCTime:                ps.MinRPCTime,
			SchedulerRPCBackoffUntil:  ps.SchedulerRPCBackoffUntil,
			DownloadStalled:           ps.DownloadStalled,
			PendingUploads:            ps.PendingUploads,
			MasterFilePending:        ps.MasterFilePending,
			REC:                       ps.REC,
			RECTime:                   ps.RECTime,
			DownloadBackoff:           ps.DownloadBackoff,
			UploadBackoff:             ps.UploadBackoff,
			RequestIfIdleAndUploading: ps.RequestIfIdleAndUploading,
			apps:                      append([]AppHandle(nil), ps.Apps...),
			appVersions:               append([]AppVersionHandle(nil), ps.AppVersions...),
			workunits:                 append([]WorkunitHandle(nil), ps.Workunits...),
			results:                   append([]ResultHandle(nil), ps.Results...),
			resourceState:             make(map[int]*ResourceProjectState, len(ps.ResourceStates)),
		}
		for _, ss := range ps.ResourceStates {
			p.resourceState[ss.RscType] = &ResourceProjectState{
				RscType:              ss.RscType,
				BackoffTime:          ss.BackoffTime,
				BackoffInterval:      ss.BackoffInterval,
				NonExcludedInstances: ss.NonExcludedInstances,
				NRunnableJobs:        ss.NRunnableJobs,
				HasDeferredJob:       ss.HasDeferredJob,
				Reason:               ss.Reason,
				SecsThisRECInterval:  ss.SecsThisRECInterval,
				FetchableShare:       ss.FetchableShare,
				NUsedTotal:           ss.NUsedTotal,
			}
		}
		g.projects[ps.Index] = p
		if p.Handle != NoHandle {
			g.projectIndex[p.MasterURL] = p.Handle
		}
	}

	g.apps = make([]*App, arenaLen(len(s.Apps), appMaxIndex(s.Apps)))
	for _, as := range s.Apps {
		a := &App{
			Handle:                   as.Handle,
			Project:                  as.Project,
			Name:                     as.Name,
			NonCPUIntensive:          as.NonCPUIntensive,
			ReportResultsImmediately: as.ReportResultsImmediately,
			MaxConcurrent:            as.MaxConcurrent,
			nConcurrentRunning:       as.NConcurrentRunning,
		}
		g.apps[as.Index] = a
		g.appIndex[appKey{a.Project, a.Name}] = a.Handle
	}

	g.appVersions = make([]*AppVersion, arenaLen(len(s.AppVersions), appVersionMaxIndex(s.AppVersions)))
	for _, avs := range s.AppVersions {
		av := &AppVersion{
			Handle:          avs.Handle,
			Project:         avs.Project,
			App:             avs.App,
			VersionNum:      avs.VersionNum,
			Platform:        avs.Platform,
			PlanClass:       avs.PlanClass,
			AvgNCPUs:        avs.AvgNCPUs,
			GPUResourceType: avs.GPUResourceType,
			GPUUsage:        avs.GPUUsage,
			FLOPS:           avs.FLOPS,
			FileRefs:        append([]FileHandle(nil), avs.FileRefs...),
			DontThrottle:    avs.DontThrottle,
			IsWrapper:       avs.IsWrapper,
			IsVMApp:         avs.IsVMApp,
			refCount:        avs.RefCount,
		}
		g.appVersions[avs.Index] = av
		g.appVersionIndex[appVersionKey{av.Project, av.App, av.VersionNum, av.Platform, av.PlanClass}] = av.Handle
	}

	g.workunits = make([]*Workunit, arenaLen(len(s.Workunits), workunitMaxIndex(s.Workunits)))
	for _, wus := range s.Workunits {
		wu := &Workunit{
			Handle:        wus.Handle,
			Project:       wus.Project,
			App:           wus.App,
			Name:          wus.Name,
			CommandLine:   wus.CommandLine,
			InputFiles:    append([]FileHandle(nil), wus.InputFiles...),
			FLOPSEstimate: wus.FLOPSEstimate,
			FLOPSBound:    wus.FLOPSBound,
			MemoryBound:   wus.MemoryBound,
			DiskBound:     wus.DiskBound,
			refCount:      wus.RefCount,
		}
		g.workunits[wus.Index] = wu
		g.workunitIndex[workunitKey{wu.Project, wu.Name}] = wu.Handle
	}

	g.results = make([]*Result, arenaLen(len(s.Results), resultMaxIndex(s.Results)))
	for _, rs := range s.Results {
		r := &Result{
			Handle:         rs.Handle,
			Project:        rs.Project,
			Workunit:       rs.Workunit,
			AppVersion:     rs.AppVersion,
			Name:           rs.Name,
			State:          rs.State,
			ReportDeadline: rs.ReportDeadline,
			ReceivedTime:   rs.ReceivedTime,
			CompletedTime:  rs.CompletedTime,
			ElapsedSecs:    rs.ElapsedSecs,
			CPUTimeSecs:    rs.CPUTimeSecs,
			NInstancesUsed: rs.NInstancesUsed,
			InstanceMask:   rs.InstanceMask,
			ErrorCount:     rs.ErrorCount,
			Reported:       rs.Reported,
		}
		g.results[rs.Index] = r
		g.resultIndex[resultKey{r.Project, r.Name}] = r.Handle
	}

	g.files = make([]*File, arenaLen(len(s.Files), fileMaxIndex(s.Files)))
	for _, fs := range s.Files {
		f := &File{
			Handle:              fs.Handle,
			Project:             fs.Project,
			Name:                fs.Name,
			SizeBytes:           fs.SizeBytes,
			MD5:                 fs.MD5,
			Sticky:              fs.Sticky,
			StickyExpiry:        fs.StickyExpiry,
			SignatureRequired:   fs.SignatureRequired,
			Status:              fs.Status,
			TransferInProgress:  fs.TransferInProgress,
			referencingResults:  make(map[ResultHandle]struct{}, len(fs.ReferencingResults)),
		}
		for _, rh := range fs.ReferencingResults {
			f.referencingResults[rh] = struct{}{}
		}
		g.files[fs.Index] = f
		g.fileIndex[fileKey{f.Project, f.Name}] = f.Handle
	}

	return g
}

// arenaLen returns the arena size needed to hold every record at its
// recorded Index: at least count (the natural, already-ordered case) and
// at least maxIndex+1 (when a store's iteration order scattered indices,
// e.g. bboltstore's alphabetical-by-key bucket scan).
func arenaLen(count, maxIndex int) int {
	if maxIndex+1 > count {
		return maxIndex + 1
	}
	return count
}

func projectMaxIndex(s []ProjectSnapshot) int {
	m := -1
	for _, p := range s {
		if p.Index > m {
			m = p.Index
		}
	}
	return m
}

func appMaxIndex(s []AppSnapshot) int {
	m := -1
	for _, a := range s {
		if a.Index > m {
			m = a.Index
		}
	}
	return m
}

func appVersionMaxIndex(s []AppVersionSnapshot) int {
	m := -1
	for _, a := range s {
		if a.Index > m {
			m = a.Index
		}
	}
	return m
}

func workunitMaxIndex(s []WorkunitSnapshot) int {
	m := -1
	for _, w := range s {
		if w.Index > m {
			m = w.Index
		}
	}
	return m
}

func resultMaxIndex(s []ResultSnapshot) int {
	m := -1
	for _, r := range s {
		if r.Index > m {
			m = r.Index
		}
	}
	return m
}

func fileMaxIndex(s []FileSnapshot) int {
	m := -1
	for _, f := range s {
		if f.Index > m {
			m = f.Index
		}
	}
	return m
}

// Snapshot serializes the whole scheduling context (entity graph and
// global preferences) to the JSON form a StateStore persists across
// restarts. It never blocks on I/O itself; callers pass the result to
// StateStore.Save.
func (c *Context) Snapshot() GraphSnapshot {
	s := c.Graph.Export()
	s.Prefs = c.Prefs
	return s
}

// Restore replaces the context's graph and preferences with the contents
// of a snapshot previously produced by Snapshot, e.g. after StateStore.Load
// on start-up. It does not reset the event log or the last RR-Sim result.
func (c *Context) Restore(s GraphSnapshot) {
	c.Graph = ImportGraph(s)
	c.Prefs = s.Prefs
}
