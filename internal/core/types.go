package core

import "time"

// Handles are dense indices into the graph's per-kind arenas. They are the
// only form of cross-entity reference the graph exposes; callers never
// hold raw pointers across a tick boundary.
type (
	ProjectHandle    int
	AppHandle        int
	AppVersionHandle int
	WorkunitHandle   int
	ResultHandle     int
	FileHandle       int
)

// NoHandle is returned by lookups that find nothing.
const NoHandle = -1

// ResultState is the per-result state machine:
// NEW -> DOWNLOADING -> READY -> RUNNING <-> SUSPENDED -> DONE -> REPORTED -> DELETABLE,
// with a FAILED terminal state reachable from any non-terminal state.
type ResultState int

const (
	ResultNew ResultState = iota
	ResultDownloading
	ResultReady
	ResultRunning
	ResultSuspended
	ResultDone
	ResultReported
	ResultDeletable
	ResultAborting
	ResultFailed
)

func (s ResultState) String() string {
	switch s {
	case ResultNew:
		return "NEW"
	case ResultDownloading:
		return "DOWNLOADING"
	case ResultReady:
		return "READY"
	case ResultRunning:
		return "RUNNING"
	case ResultSuspended:
		return "SUSPENDED"
	case ResultDone:
		return "DONE"
	case ResultReported:
		return "REPORTED"
	case ResultDeletable:
		return "DELETABLE"
	case ResultAborting:
		return "ABORTING"
	case ResultFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsRunnable reports whether a result in this state is eligible for the
// scheduler or RR-Sim to consider running.
func (s ResultState) IsRunnable() bool {
	return s == ResultReady || s == ResultRunning
}

// FileXferFailureLimit is the consecutive transient transfer failure
// threshold for escalating transfer backoff. FileXferBackoff does not read
// it, and no per-file backoff exists to escalate from.
const FileXferFailureLimit = 3

// FileXferBackoff tracks per-(project, direction) transfer backoff state.
type FileXferBackoff struct {
	ConsecutiveFailures int
	NextAttempt         time.Time
}

// OKToTransfer reports whether a transfer may be attempted now.
func (b *FileXferBackoff) OKToTransfer(now time.Time) bool {
	return !now.Before(b.NextAttempt)
}

// Failed records a transient transfer failure and delays the next attempt
// by 2^n seconds for n consecutive failures (n capped at 10), starting
// from the first failure; FileXferFailureLimit is not consulted.
func (b *FileXferBackoff) Failed(now time.Time) {
	b.ConsecutiveFailures++
	delay := time.Duration(1<<uintClamp(b.ConsecutiveFailures, 10)) * time.Second
	b.NextAttempt = now.Add(delay)
}

// Succeeded clears the failure count entirely.
func (b *FileXferBackoff) Succeeded() {
	b.ConsecutiveFailures = 0
	b.NextAttempt = time.Time{}
}

// ClearTemporary clears the backoff clock (e.g. on a network-up event)
// while retaining the failure count, matching FILE_XFER_BACKOFF::clear_temporary.
func (b *FileXferBackoff) ClearTemporary() {
	b.NextAttempt = time.Time{}
}

func uintClamp(v, max int) uint {
	if v > max {
		v = max
	}
	if v < 0 {
		v = 0
	}
	return uint(v)
}

// RunModeValue is the always/auto/never tri-state used by RunMode.
type RunModeValue int

const (
	RunAlways RunModeValue = iota
	RunAuto
	RunNever
)

// RunMode represents a permanent mode with an optional temporary override
// and timeout, as used for CPU/GPU/network run-mode toggles a GUI
// collaborator can set.
type RunMode struct {
	Perm        RunModeValue
	temp        RunModeValue
	hasTemp     bool
	tempExpires time.Time
}

// Set installs a temporary override that expires after duration (zero
// duration means "until explicitly cleared").
func (r *RunMode) Set(mode RunModeValue, duration time.Duration, now time.Time) {
	r.temp = mode
	r.hasTemp = true
	if duration > 0 {
		r.tempExpires = now.Add(duration)
	} else {
		r.tempExpires = time.Time{}
	}
}

// Current returns the effective mode: the temporary override if active and
// unexpired, else the permanent mode.
func (r *RunMode) Current(now time.Time) RunModeValue {
	if r.hasTemp {
		if r.tempExpires.IsZero() || now.Before(r.tempExpires) {
			return r.temp
		}
		r.hasTemp = false
	}
	return r.Perm
}

// TimeSpan is a daily [start,end) hour window: start==end==0
// or start==0,end==24 means "always"; start==24,end==0 means "never";
// otherwise suspended when the local hour is outside [start, end).
type TimeSpan struct {
	StartHour float64
	EndHour   float64
}

// Allows reports whether the given local hour-of-day falls inside the span.
func (t TimeSpan) Allows(hour float64) bool {
	if (t.StartHour == 0 && t.EndHour == 0) || (t.StartHour == 0 && t.EndHour == 24) {
		return true
	}
	if t.StartHour == 24 && t.EndHour == 0 {
		return false
	}
	if t.StartHour <= t.EndHour {
		return hour >= t.StartHour && hour < t.EndHour
	}
	// wraps past midnight
	return hour >= t.StartHour || hour < t.EndHour
}

// WeeklySchedule holds one TimeSpan per day of the week, Sunday first.
type WeeklySchedule [7]TimeSpan

// Project is one attached BOINC project, keyed by its canonical master URL.
type Project struct {
	Handle   ProjectHandle
	MasterURL string
	ProjectName string

	ResourceShare      float64
	Suspended          bool
	DontRequestMoreWork bool
	MinRPCTime         time.Time

	// SchedulerRPCBackoffUntil is the project-wide backoff applied after a
	// scheduler RPC error , distinct from the per-resource
	// work-fetch backoff ledger in ResourceProjectState.
	SchedulerRPCBackoffUntil time.Time

	DownloadStalled  bool
	PendingUploads   int
	MasterFilePending bool

	// REC accounting state.
	REC     float64
	RECTime time.Time

	// FileXferBackoff, one per direction.
	DownloadBackoff FileXferBackoff
	UploadBackoff   FileXferBackoff

	// RequestIfIdleAndUploading, while true, makes work fetch bypass the
	// too-many-pending-uploads forbidden reason. ReasonFor reads it; no
	// code in this package sets it, so it comes from a caller or a
	// restored snapshot.
	RequestIfIdleAndUploading bool

	apps         []AppHandle
	appVersions  []AppVersionHandle
	workunits    []WorkunitHandle
	results      []ResultHandle

	// resourceState holds the per-resource ResourceProjectState keyed by
	// resource type index.
	resourceState map[int]*ResourceProjectState
}

// App is (project, name).
type App struct {
	Handle                 AppHandle
	Project                ProjectHandle
	Name                   string
	NonCPUIntensive        bool
	ReportResultsImmediately bool
	MaxConcurrent          int // 0 = unlimited
	nConcurrentRunning     int
}

// AppVersion is (project, app, version, platform, plan class).
type AppVersion struct {
	Handle      AppVersionHandle
	Project     ProjectHandle
	App         AppHandle
	VersionNum  int
	Platform    string
	PlanClass   string
	AvgNCPUs    float64
	GPUResourceType int // 0 if CPU-only
	GPUUsage    float64
	FLOPS       float64
	FileRefs    []FileHandle
	DontThrottle bool
	IsWrapper   bool
	IsVMApp     bool
	refCount    int
}

// UsesCoproc reports whether this app version runs on the given resource type.
func (av *AppVersion) UsesCoproc(rscType int) bool {
	return rscType != 0 && av.GPUResourceType == rscType
}

// ResourceType returns the resource type this app version runs on: 0 (CPU)
// unless it declares GPU usage.
func (av *AppVersion) ResourceType() int {
	if av.GPUResourceType != 0 {
		return av.GPUResourceType
	}
	return 0
}

// Workunit is (project, name): the job definition.
type Workunit struct {
	Handle         WorkunitHandle
	Project        ProjectHandle
	App            AppHandle
	Name           string
	CommandLine    string
	InputFiles     []FileHandle
	FLOPSEstimate  float64
	FLOPSBound     float64
	MemoryBound    int64
	DiskBound      int64
	refCount       int
}

// Result is a per-host instance of a workunit.
type Result struct {
	Handle        ResultHandle
	Project       ProjectHandle
	Workunit      WorkunitHandle
	AppVersion    AppVersionHandle
	Name          string
	State         ResultState
	ReportDeadline time.Time
	ReceivedTime  time.Time
	CompletedTime time.Time
	ElapsedSecs   float64
	CPUTimeSecs   float64

	NInstancesUsed int
	InstanceMask   InstanceMask // which GPU instances this running task occupies

	ErrorCount int

	// Reported tracks whether the completion has been acknowledged by the
	// project's scheduler RPC.
	Reported bool
}

// IsTerminal reports whether the result can no longer change scheduling
// state (done paths only; FAILED/REPORTED/DELETABLE are all terminal).
func (r *Result) IsTerminal() bool {
	switch r.State {
	case ResultReported, ResultDeletable, ResultFailed:
		return true
	default:
		return false
	}
}

// File is a downloadable/uploadable file referenced by app versions,
// workunits, or results.
type File struct {
	Handle           FileHandle
	Project          ProjectHandle
	Name             string
	SizeBytes        int64
	MD5              string
	Sticky           bool
	StickyExpiry     time.Time
	SignatureRequired bool
	Status           FileStatus
	TransferInProgress bool
	referencingResults map[ResultHandle]struct{}
}

// FileStatus is the up/down transfer status of a file.
type FileStatus int

const (
	FileStatusPresent FileStatus = iota
	FileStatusDownloading
	FileStatusUploading
	FileStatusErr
)

// RefCount returns the number of distinct results currently referencing
// this file, matching testable property 5.
func (f *File) RefCount() int { return len(f.referencingResults) }

// RSCProjectReason enumerates the per-(project, resource) forbidden
// reasons, as a closed tagged variant instead of an integer macro.
type RSCProjectReason int

const (
	ReasonOK RSCProjectReason = iota
	ReasonSuspendedViaGUI
	ReasonMasterURLFetchPending
	ReasonMinRPCTime
	ReasonDontRequestMoreWork
	ReasonDownloadStalled
	ReasonResultSuspended
	ReasonTooManyUploads
	ReasonNotHighestPriority
	ReasonNoNonExcludedInstances
	ReasonDeferredJob
	ReasonBackedOff
	ReasonNonCPUIntensive
)

// DontFetchReason enumerates the resource-level "don't need" sub-reasons.
type DontFetchReason int

const (
	DontFetchOK DontFetchReason = iota
	DontFetchGPUsNotUsable
	DontFetchPrefs
	DontFetchConfig
	DontFetchNoApps
	DontFetchZeroShare
	DontFetchBufferFull
	DontFetchNotHighestPriority
	DontFetchBackedOff
	DontFetchDeferSched
)

// ResourceProjectState is the (project, resource) pair steady state,
// combining the work-fetch backoff ledger with RR-Sim-derived runnable
// counts.
type ResourceProjectState struct {
	RscType            int
	BackoffTime        time.Time
	BackoffInterval    time.Duration
	NonExcludedInstances InstanceMask
	NRunnableJobs      int
	HasDeferredJob     bool
	Reason             RSCProjectReason

	// FetchableShare is recomputed by FetchableShare on each work-fetch
	// pass. SecsThisRECInterval and NUsedTotal are carried in snapshots
	// but not updated by any code in this package.
	SecsThisRECInterval float64
	FetchableShare      float64
	NUsedTotal          float64
}

func newResourceProjectState(rscType int) *ResourceProjectState {
	return &ResourceProjectState{RscType: rscType, NonExcludedInstances: ^InstanceMask(0)}
}
