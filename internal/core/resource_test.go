package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryCPUOnly(t *testing.T) {
	r := NewRegistry(4)
	require.Len(t, r.Resources(), 1)
	cpu := r.Resource(0)
	require.NotNil(t, cpu)
	assert.Equal(t, ResourceCPU, cpu.Kind)
	assert.Equal(t, 4, cpu.NInstances)
	assert.Equal(t, 1.0, cpu.RelativeSpeed)
	assert.Equal(t, 4, cpu.InstanceMask.Count())
}

func TestInstanceMask(t *testing.T) {
	var m InstanceMask
	m = m.Set(0).Set(3)
	assert.True(t, m.Has(0))
	assert.True(t, m.Has(3))
	assert.False(t, m.Has(1))
	assert.Equal(t, 2, m.Count())
	assert.True(t, InstanceMask(0).Set(0).IsSubsetOf(m))
	assert.False(t, InstanceMask(0).Set(1).IsSubsetOf(m))
}

type fakeProbe struct {
	byVendor map[ResourceKind]ResourceDescriptor
	errFor   map[ResourceKind]bool
}

func (p *fakeProbe) Detect(kind ResourceKind) (ResourceDescriptor, error) {
	if p.errFor[kind] {
		return ResourceDescriptor{}, assert.AnError
	}
	return p.byVendor[kind], nil
}

func TestProbeCoprocessorsSkipsFailingVendor(t *testing.T) {
	r := NewRegistry(1)
	probe := &fakeProbe{
		byVendor: map[ResourceKind]ResourceDescriptor{
			ResourceNVIDIA: {Kind: ResourceNVIDIA, Instances: []InstanceDescriptor{
				{Index: 0, ComputeCapMajor: 8, ComputeCapMinor: 6, PeakFLOPS: 10, PCIBus: 1},
				{Index: 1, ComputeCapMajor: 8, ComputeCapMinor: 6, PeakFLOPS: 10, PCIBus: 2},
			}},
		},
		errFor: map[ResourceKind]bool{ResourceAMD: true},
	}

	r.ProbeCoprocessors(probe, nil)

	require.Len(t, r.Resources(), 2)
	gpu := r.Resource(1)
	require.NotNil(t, gpu)
	assert.Equal(t, ResourceNVIDIA, gpu.Kind)
	assert.Equal(t, 2, gpu.NInstances)
}

func TestProbeCoprocessorsMergesDualDescriptions(t *testing.T) {
	r := NewRegistry(1)
	probe := &fakeProbe{
		byVendor: map[ResourceKind]ResourceDescriptor{
			ResourceNVIDIA: {Kind: ResourceNVIDIA, Instances: []InstanceDescriptor{
				{Index: 0, ComputeCapMajor: 8, ComputeCapMinor: 6, PeakFLOPS: 5, PCIBus: 1, NativeDriver: false},
				{Index: 0, ComputeCapMajor: 8, ComputeCapMinor: 6, PeakFLOPS: 9, PCIBus: 1, NativeDriver: true},
			}},
		},
	}

	r.ProbeCoprocessors(probe, nil)

	gpu := r.Resource(1)
	require.NotNil(t, gpu)
	assert.Equal(t, 1, gpu.NInstances)
	assert.Equal(t, 9.0, gpu.PeakFLOPS, "native driver description should win over OpenCL")
	assert.Equal(t, 9.0/DefaultCPUPeakFLOPS, gpu.RelativeSpeed, "RelativeSpeed is normalized against the CPU baseline")
}

func TestProbeCoprocessorsAppliesExclusions(t *testing.T) {
	r := NewRegistry(1)
	probe := &fakeProbe{
		byVendor: map[ResourceKind]ResourceDescriptor{
			ResourceNVIDIA: {Kind: ResourceNVIDIA, Instances: []InstanceDescriptor{
				{Index: 0, ComputeCapMajor: 8, ComputeCapMinor: 6, PeakFLOPS: 10, PCIBus: 1},
				{Index: 1, ComputeCapMajor: 8, ComputeCapMinor: 6, PeakFLOPS: 10, PCIBus: 2},
			}},
		},
	}
	exclude := map[ResourceKind]map[int]bool{ResourceNVIDIA: {1: true}}

	r.ProbeCoprocessors(probe, exclude)

	gpu := r.Resource(1)
	require.NotNil(t, gpu)
	assert.Equal(t, 1, gpu.NInstances)
	assert.True(t, gpu.HasExclusions)
	assert.Equal(t, InstanceIgnored, gpu.InstanceStatus[1])
}

func TestCorrelateGroupsLooseEquivalents(t *testing.T) {
	instances := []InstanceDescriptor{
		{Index: 0, ComputeCapMajor: 7, ComputeCapMinor: 5, AvailableRAMBytes: 8 << 30, PeakFLOPS: 20, DriverVersion: 1},
		{Index: 1, ComputeCapMajor: 7, ComputeCapMinor: 5, AvailableRAMBytes: 9 << 30, PeakFLOPS: 18, DriverVersion: 1},
		{Index: 2, ComputeCapMajor: 6, ComputeCapMinor: 1, AvailableRAMBytes: 4 << 30, PeakFLOPS: 8, DriverVersion: 1},
	}

	rsc := correlate(1, ResourceNVIDIA, instances, nil, DefaultCPUPeakFLOPS)

	assert.Equal(t, 2, rsc.NInstances)
	assert.Equal(t, InstanceUsed, rsc.InstanceStatus[0])
	assert.Equal(t, InstanceUsed, rsc.InstanceStatus[1])
	assert.Equal(t, InstanceUnused, rsc.InstanceStatus[2])
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry(2)
	require.NoError(t, r.Validate())

	r.resources[0] = &Resource{Type: 0, Kind: ResourceNVIDIA}
	assert.Error(t, r.Validate())
}
