package core

import (
	"fmt"
	"time"
)

type appKey struct {
	project ProjectHandle
	name    string
}

type appVersionKey struct {
	project   ProjectHandle
	app       AppHandle
	version   int
	platform  string
	planClass string
}

type workunitKey struct {
	project ProjectHandle
	name    string
}

type resultKey struct {
	project ProjectHandle
	name    string
}

type fileKey struct {
	project ProjectHandle
	name    string
}

// Graph is the typed entity store: projects, apps, app
// versions, workunits, results, and files, addressed by stable identifiers
// (master URL, name) and by dense internal handles. References between
// entities are handles, never raw pointers, so the whole graph can be
// copied or snapshotted cheaply by RR-Sim.
type Graph struct {
	projects     []*Project
	projectIndex map[string]ProjectHandle

	apps      []*App
	appIndex  map[appKey]AppHandle

	appVersions     []*AppVersion
	appVersionIndex map[appVersionKey]AppVersionHandle

	workunits     []*Workunit
	workunitIndex map[workunitKey]WorkunitHandle

	results     []*Result
	resultIndex map[resultKey]ResultHandle

	files     []*File
	fileIndex map[fileKey]FileHandle
}

// NewGraph returns an empty entity graph.
func NewGraph() *Graph {
	return &Graph{
		projectIndex:    make(map[string]ProjectHandle),
		appIndex:        make(map[appKey]AppHandle),
		appVersionIndex: make(map[appVersionKey]AppVersionHandle),
		workunitIndex:   make(map[workunitKey]WorkunitHandle),
		resultIndex:     make(map[resultKey]ResultHandle),
		fileIndex:       make(map[fileKey]FileHandle),
	}
}

// Projects returns every attached project, including ones pending
// detachment cleanup (callers should check Handle != NoHandle).
func (g *Graph) Projects() []*Project { return g.projects }

// Project looks up a project by handle.
func (g *Graph) Project(h ProjectHandle) *Project {
	if h == NoHandle || int(h) >= len(g.projects) {
		return nil
	}
	return g.projects[h]
}

// ProjectByURL looks up a project by its canonical master URL.
func (g *Graph) ProjectByURL(masterURL string) *Project {
	h, ok := g.projectIndex[masterURL]
	if !ok {
		return nil
	}
	return g.Project(h)
}

// AttachProject registers a new project. Returns an error if the URL is
// already attached.
func (g *Graph) AttachProject(masterURL, name string, resourceShare float64) (*Project, error) {
	if masterURL == "" {
		return nil, fmt.Errorf("attach project: master_url is required")
	}
	if _, exists := g.projectIndex[masterURL]; exists {
		return nil, fmt.Errorf("attach project: %s already attached", masterURL)
	}
	h := ProjectHandle(len(g.projects))
	p := &Project{
		Handle:        h,
		MasterURL:     masterURL,
		ProjectName:   name,
		ResourceShare: resourceShare,
		resourceState: make(map[int]*ResourceProjectState),
	}
	g.projects = append(g.projects, p)
	g.projectIndex[masterURL] = h
	return p, nil
}

// ResourceState returns (creating if needed) the per-(project,resource)
// work-fetch state for rscType.
func (g *Graph) ResourceState(p *Project, rscType int) *ResourceProjectState {
	st, ok := p.resourceState[rscType]
	if !ok {
		st = newResourceProjectState(rscType)
		p.resourceState[rscType] = st
	}
	return st
}

// DetachProject removes a project and cascades refcount decrements across
// every result, workunit, app version, and file it owned. Files left at
// refcount zero are not deleted here (that is gc_files's job) but become
// eligible.
func (g *Graph) DetachProject(h ProjectHandle) error {
	p := g.Project(h)
	if p == nil {
		return fmt.Errorf("detach project: unknown handle %d", h)
	}
	// Copy slice: RemoveResult mutates p.results.
	for _, rh := range append([]ResultHandle(nil), p.results...) {
		g.RemoveResult(rh)
	}
	for _, wh := range p.workunits {
		if wu := g.Workunit(wh); wu != nil {
			wu.refCount = 0
		}
	}
	for _, avh := range p.appVersions {
		if av := g.AppVersion(avh); av != nil {
			av.refCount = 0
		}
	}
	delete(g.projectIndex, p.MasterURL)
	p.Handle = NoHandle
	return nil
}

// App looks up an app by handle.
func (g *Graph) App(h AppHandle) *App {
	if h == NoHandle || int(h) >= len(g.apps) {
		return nil
	}
	return g.apps[h]
}

// UpsertApp creates or updates the named app under a project.
func (g *Graph) UpsertApp(p *Project, name string, nonCPUIntensive, reportImmediately bool, maxConcurrent int) *App {
	key := appKey{p.Handle, name}
	if h, ok := g.appIndex[key]; ok {
		a := g.apps[h]
		a.NonCPUIntensive = nonCPUIntensive
		a.ReportResultsImmediately = reportImmediately
		a.MaxConcurrent = maxConcurrent
		return a
	}
	h := AppHandle(len(g.apps))
	a := &App{
		Handle:                   h,
		Project:                  p.Handle,
		Name:                     name,
		NonCPUIntensive:          nonCPUIntensive,
		ReportResultsImmediately: reportImmediately,
		MaxConcurrent:            maxConcurrent,
	}
	g.apps = append(g.apps, a)
	g.appIndex[key] = h
	p.apps = append(p.apps, h)
	return a
}

// AppVersion looks up an app version by handle.
func (g *Graph) AppVersion(h AppVersionHandle) *AppVersion {
	if h == NoHandle || int(h) >= len(g.appVersions) {
		return nil
	}
	return g.appVersions[h]
}

// UpsertAppVersion creates or replaces an (project, app, version,
// platform, plan_class) app version record.
func (g *Graph) UpsertAppVersion(p *Project, app *App, versionNum int, platform, planClass string, avgNCPUs float64) *AppVersion {
	key := appVersionKey{p.Handle, app.Handle, versionNum, platform, planClass}
	if h, ok := g.appVersionIndex[key]; ok {
		av := g.appVersions[h]
		av.AvgNCPUs = avgNCPUs
		return av
	}
	h := AppVersionHandle(len(g.appVersions))
	av := &AppVersion{
		Handle:     h,
		Project:    p.Handle,
		App:        app.Handle,
		VersionNum: versionNum,
		Platform:   platform,
		PlanClass:  planClass,
		AvgNCPUs:   avgNCPUs,
	}
	g.appVersions = append(g.appVersions, av)
	g.appVersionIndex[key] = h
	p.appVersions = append(p.appVersions, h)
	return av
}

// Workunit looks up a workunit by handle.
func (g *Graph) Workunit(h WorkunitHandle) *Workunit {
	if h == NoHandle || int(h) >= len(g.workunits) {
		return nil
	}
	return g.workunits[h]
}

// AddWorkunit creates a new workunit under a project/app.
func (g *Graph) AddWorkunit(p *Project, app *App, name, cmdline string, flopsEst, flopsBound float64, memBound, diskBound int64) (*Workunit, error) {
	key := workunitKey{p.Handle, name}
	if _, exists := g.workunitIndex[key]; exists {
		return nil, fmt.Errorf("add workunit: %s already exists for project", name)
	}
	h := WorkunitHandle(len(g.workunits))
	wu := &Workunit{
		Handle:        h,
		Project:       p.Handle,
		App:           app.Handle,
		Name:          name,
		CommandLine:   cmdline,
		FLOPSEstimate: flopsEst,
		FLOPSBound:    flopsBound,
		MemoryBound:   memBound,
		DiskBound:     diskBound,
	}
	g.workunits = append(g.workunits, wu)
	g.workunitIndex[key] = h
	p.workunits = append(p.workunits, h)
	return wu, nil
}

// File looks up a file by handle.
func (g *Graph) File(h FileHandle) *File {
	if h == NoHandle || int(h) >= len(g.files) {
		return nil
	}
	return g.files[h]
}

// UpsertFile creates or returns the existing file record for (project, name).
func (g *Graph) UpsertFile(p *Project, name string, size int64, md5 string, sticky bool) *File {
	key := fileKey{p.Handle, name}
	if h, ok := g.fileIndex[key]; ok {
		return g.files[h]
	}
	h := FileHandle(len(g.files))
	f := &File{
		Handle:             h,
		Project:            p.Handle,
		Name:               name,
		SizeBytes:          size,
		MD5:                md5,
		Sticky:             sticky,
		referencingResults: make(map[ResultHandle]struct{}),
	}
	g.files = append(g.files, f)
	g.fileIndex[key] = h
	return f
}

// Result looks up a result by handle.
func (g *Graph) Result(h ResultHandle) *Result {
	if h == NoHandle || int(h) >= len(g.results) {
		return nil
	}
	return g.results[h]
}

// AddResult creates a new result referencing an existing workunit and app
// version, and increments the refcounts of everything it touches: the
// workunit, the app version, and every file either of them references.
func (g *Graph) AddResult(p *Project, wu *Workunit, av *AppVersion, name string, deadline time.Time) (*Result, error) {
	key := resultKey{p.Handle, name}
	if _, exists := g.resultIndex[key]; exists {
		return nil, fmt.Errorf("add result: %s already exists for project", name)
	}
	h := ResultHandle(len(g.results))
	r := &Result{
		Handle:         h,
		Project:        p.Handle,
		Workunit:       wu.Handle,
		AppVersion:     av.Handle,
		Name:           name,
		State:          ResultNew,
		ReportDeadline: deadline,
	}
	g.results = append(g.results, r)
	g.resultIndex[key] = h
	p.results = append(p.results, h)

	wu.refCount++
	av.refCount++
	for _, fh := range wu.InputFiles {
		g.refFile(fh, h)
	}
	for _, fh := range av.FileRefs {
		g.refFile(fh, h)
	}
	return r, nil
}

func (g *Graph) refFile(fh FileHandle, rh ResultHandle) {
	f := g.File(fh)
	if f == nil {
		return
	}
	f.referencingResults[rh] = struct{}{}
}

func (g *Graph) unrefFile(fh FileHandle, rh ResultHandle) {
	f := g.File(fh)
	if f == nil {
		return
	}
	delete(f.referencingResults, rh)
}

// MarkResultState transitions a result to a new state, enforcing that a
// result is never simultaneously RUNNING and SUSPENDED/ABORTING/REPORTED.
func (g *Graph) MarkResultState(h ResultHandle, newState ResultState) error {
	r := g.Result(h)
	if r == nil {
		return fmt.Errorf("mark result state: unknown handle %d", h)
	}
	if newState == ResultRunning && (r.State == ResultSuspended || r.State == ResultAborting || r.State == ResultReported) {
		return fmt.Errorf("result %s: cannot transition %s -> RUNNING directly", r.Name, r.State)
	}
	r.State = newState
	return nil
}

// RemoveResult deletes a result and decrements all refcounts it held:
// its workunit, its app version, and every file either referenced.
func (g *Graph) RemoveResult(h ResultHandle) {
	r := g.Result(h)
	if r == nil {
		return
	}
	if wu := g.Workunit(r.Workunit); wu != nil {
		if wu.refCount > 0 {
			wu.refCount--
		}
		for _, fh := range wu.InputFiles {
			g.unrefFile(fh, h)
		}
	}
	if av := g.AppVersion(r.AppVersion); av != nil {
		if av.refCount > 0 {
			av.refCount--
		}
		for _, fh := range av.FileRefs {
			g.unrefFile(fh, h)
		}
	}
	if p := g.Project(r.Project); p != nil {
		p.results = removeResultHandle(p.results, h)
	}
	delete(g.resultIndex, resultKey{r.Project, r.Name})
	r.Handle = NoHandle
}

func removeResultHandle(s []ResultHandle, h ResultHandle) []ResultHandle {
	out := s[:0]
	for _, v := range s {
		if v != h {
			out = append(out, v)
		}
	}
	return out
}

// Results returns every result across all projects, including ones
// pending removal cleanup (callers should check Handle != NoHandle).
func (g *Graph) Results() []*Result { return g.results }

// RunnableResults returns every result in a runnable state (READY or
// RUNNING) across all projects, used as RR-Sim's and the scheduler's input
// set.
func (g *Graph) RunnableResults() []*Result {
	out := make([]*Result, 0)
	for _, r := range g.results {
		if r.Handle == NoHandle {
			continue
		}
		if r.State.IsRunnable() {
			out = append(out, r)
		}
	}
	return out
}

// GCFiles deletes every file whose refcount is zero, whose sticky expiry
// (if any) has passed, and whose transfer is not in progress.
func (g *Graph) GCFiles(now time.Time) []FileHandle {
	var deleted []FileHandle
	for _, f := range g.files {
		if f.Handle == NoHandle {
			continue
		}
		if f.RefCount() != 0 {
			continue
		}
		if f.TransferInProgress {
			continue
		}
		if f.Sticky {
			if f.StickyExpiry.IsZero() || now.Before(f.StickyExpiry) {
				continue
			}
		}
		delete(g.fileIndex, fileKey{f.Project, f.Name})
		deleted = append(deleted, f.Handle)
		f.Handle = NoHandle
	}
	return deleted
}
