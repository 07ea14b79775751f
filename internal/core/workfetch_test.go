package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRpc struct {
	replies map[string]WorkReply
	errs    map[string]error
	calls   []WorkRequest
}

func (f *fakeRpc) RequestWork(ctx context.Context, masterURL string, req WorkRequest) (WorkReply, error) {
	f.calls = append(f.calls, req)
	if err, ok := f.errs[masterURL]; ok {
		return WorkReply{}, err
	}
	return f.replies[masterURL], nil
}

func TestReasonForPrecedence(t *testing.T) {
	now := time.Now()
	p := &Project{Suspended: true}
	st := &ResourceProjectState{NonExcludedInstances: ^InstanceMask(0)}
	assert.Equal(t, ReasonSuspendedViaGUI, ReasonFor(p, st, 0, now))

	p = &Project{DontRequestMoreWork: true}
	assert.Equal(t, ReasonDontRequestMoreWork, ReasonFor(p, st, 0, now))

	p = &Project{}
	st = &ResourceProjectState{NonExcludedInstances: 0}
	assert.Equal(t, ReasonNoNonExcludedInstances, ReasonFor(p, st, 0, now))

	p = &Project{}
	st = &ResourceProjectState{NonExcludedInstances: ^InstanceMask(0), BackoffTime: now.Add(time.Minute)}
	assert.Equal(t, ReasonBackedOff, ReasonFor(p, st, 0, now))

	p = &Project{}
	st = &ResourceProjectState{NonExcludedInstances: ^InstanceMask(0)}
	assert.Equal(t, ReasonOK, ReasonFor(p, st, 0, now))
}

func TestFetchableShareRenormalizesAcrossEligibleOnly(t *testing.T) {
	g := NewGraph()
	p1, err := g.AttachProject("https://a.example/", "A", 100)
	require.NoError(t, err)
	p2, err := g.AttachProject("https://b.example/", "B", 100)
	require.NoError(t, err)
	g.ResourceState(p1, 0)
	g.ResourceState(p2, 0)
	p2.Suspended = true

	FetchableShare(g.Projects(), 0, time.Now())

	assert.Equal(t, 1.0, p1.resourceState[0].FetchableShare)
	assert.Equal(t, 0.0, p2.resourceState[0].FetchableShare)
}

func TestSelectBestProjectPicksHighestPriority(t *testing.T) {
	g := NewGraph()
	p1, err := g.AttachProject("https://a.example/", "A", 100)
	require.NoError(t, err)
	p2, err := g.AttachProject("https://b.example/", "B", 100)
	require.NoError(t, err)
	g.ResourceState(p1, 0)
	g.ResourceState(p2, 0)
	p1.REC = 100
	p2.REC = 10

	best := SelectBestProject(g.Projects(), 0, time.Now())

	require.NotNil(t, best)
	assert.Equal(t, "https://b.example/", best.MasterURL)
}

func TestSelectBestProjectSkipsIneligible(t *testing.T) {
	g := NewGraph()
	p1, err := g.AttachProject("https://a.example/", "A", 100)
	require.NoError(t, err)
	g.ResourceState(p1, 0)
	p1.Suspended = true

	best := SelectBestProject(g.Projects(), 0, time.Now())
	assert.Nil(t, best)
}

func TestBuildRequestClampsToMaxQueue(t *testing.T) {
	p := &Project{MasterURL: "https://a.example/", resourceState: map[int]*ResourceProjectState{0: {FetchableShare: 1}}}
	cfg := WorkBufferConfig{MinQueueSecs: 86400, MaxQueueSecs: 1000}

	req := BuildRequest(p, 0, 5000, cfg, 3)

	assert.Equal(t, 1000.0, req.RequestSeconds)
	assert.Equal(t, 3.0, req.RequestInstances)
}

func TestIdleInstancesExcludesCommittedAndExcludedInstances(t *testing.T) {
	g := NewGraph()
	p, err := g.AttachProject("https://a.example/", "A", 100)
	require.NoError(t, err)
	app := g.UpsertApp(p, "sim", false, false, 0)
	av := g.UpsertAppVersion(p, app, 1, "x86_64-pc-linux-gnu", "", 1.0)
	av.GPUResourceType = 1
	av.GPUUsage = 1

	registry := NewRegistry(1)
	registry.resources = append(registry.resources, &Resource{
		Type: 1, Kind: ResourceNVIDIA, NInstances: 2, RelativeSpeed: 10,
		InstanceMask: InstanceMask(0).Set(0).Set(1),
	})
	st := g.ResourceState(p, 1)
	st.NonExcludedInstances = InstanceMask(0).Set(0).Set(1)

	assert.Equal(t, 2, IdleInstances(g, registry, p, 1), "no results yet, both instances idle")

	wu, err := g.AddWorkunit(p, app, "wu", "", 1e9, 2e9, 1<<20, 1<<20)
	require.NoError(t, err)
	r, err := g.AddResult(p, wu, av, "r1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, g.MarkResultState(r.Handle, ResultRunning))

	assert.Equal(t, 1, IdleInstances(g, registry, p, 1), "one instance committed by the running result")

	st.NonExcludedInstances = InstanceMask(0).Set(0)
	assert.Equal(t, 0, IdleInstances(g, registry, p, 1), "excluding the other instance leaves none idle")
}

func TestWorkFetchPlannerPlanSkipsResourcesWithoutShortfall(t *testing.T) {
	g := NewGraph()
	_, err := g.AttachProject("https://a.example/", "A", 100)
	require.NoError(t, err)
	registry := NewRegistry(1)
	sim := &SimResult{Resources: map[int]*ResourceSimResult{0: {ShortfallSecs: 0}}}

	planner := NewWorkFetchPlanner(&fakeRpc{}, nil)
	plans := planner.Plan(g, registry, sim, DefaultWorkBufferConfig(), time.Now())

	assert.Empty(t, plans)
}

func TestWorkFetchPlannerPlanSelectsBestProjectForShortfall(t *testing.T) {
	g := NewGraph()
	p, err := g.AttachProject("https://a.example/", "A", 100)
	require.NoError(t, err)
	g.ResourceState(p, 0)
	registry := NewRegistry(1)
	sim := &SimResult{Resources: map[int]*ResourceSimResult{0: {ShortfallSecs: 5000}}}

	planner := NewWorkFetchPlanner(&fakeRpc{}, nil)
	plans := planner.Plan(g, registry, sim, DefaultWorkBufferConfig(), time.Now())

	require.Contains(t, plans, 0)
	assert.Equal(t, p.Handle, plans[0].Project.Handle)
}

func TestWorkFetchPlannerExecuteEntersBackoffOnNoWork(t *testing.T) {
	g := NewGraph()
	p, err := g.AttachProject("https://a.example/", "A", 100)
	require.NoError(t, err)
	st := g.ResourceState(p, 0)

	rpc := &fakeRpc{replies: map[string]WorkReply{"https://a.example/": {NoWorkAvailable: true}}}
	planner := NewWorkFetchPlanner(rpc, nil)
	plans := map[int]*WorkRequestPlan{0: {Project: p, Request: WorkRequest{MasterURL: p.MasterURL, ResourceType: 0}}}

	now := time.Now()
	planner.Execute(context.Background(), g, plans, now)

	assert.Greater(t, st.BackoffInterval, time.Duration(0))
}

func TestWorkFetchPlannerExecuteClearsBackoffOnNewWork(t *testing.T) {
	g := NewGraph()
	p, err := g.AttachProject("https://a.example/", "A", 100)
	require.NoError(t, err)
	st := g.ResourceState(p, 0)
	st.BackoffInterval = time.Hour
	st.BackoffTime = time.Now().Add(time.Hour)

	rpc := &fakeRpc{replies: map[string]WorkReply{
		"https://a.example/": {NewWorkunits: []NewWorkunit{{WorkunitName: "wu1", ResultName: "wu1_0"}}},
	}}
	planner := NewWorkFetchPlanner(rpc, nil)
	plans := map[int]*WorkRequestPlan{0: {Project: p, Request: WorkRequest{MasterURL: p.MasterURL, ResourceType: 0}}}

	replies := planner.Execute(context.Background(), g, plans, time.Now())

	require.Len(t, replies, 1)
	assert.Equal(t, time.Duration(0), st.BackoffInterval)
}

func TestWorkFetchPlannerExecuteDeduplicatesPerProject(t *testing.T) {
	g := NewGraph()
	p, err := g.AttachProject("https://a.example/", "A", 100)
	require.NoError(t, err)
	g.ResourceState(p, 0)
	g.ResourceState(p, 1)

	rpc := &fakeRpc{replies: map[string]WorkReply{"https://a.example/": {}}}
	planner := NewWorkFetchPlanner(rpc, nil)
	plans := map[int]*WorkRequestPlan{
		0: {Project: p, Request: WorkRequest{MasterURL: p.MasterURL, ResourceType: 0}},
		1: {Project: p, Request: WorkRequest{MasterURL: p.MasterURL, ResourceType: 1}},
	}

	planner.Execute(context.Background(), g, plans, time.Now())

	assert.Len(t, rpc.calls, 1)
}
