package core

import (
	"fmt"
	"sort"
)

// ResourceKind identifies the vendor/class of a processing resource.
type ResourceKind int

const (
	ResourceCPU ResourceKind = iota
	ResourceNVIDIA
	ResourceAMD
	ResourceIntel
	ResourceApple
	ResourceOther
)

func (k ResourceKind) String() string {
	switch k {
	case ResourceCPU:
		return "CPU"
	case ResourceNVIDIA:
		return "NVIDIA"
	case ResourceAMD:
		return "AMD"
	case ResourceIntel:
		return "INTEL"
	case ResourceApple:
		return "APPLE"
	case ResourceOther:
		return "OTHER"
	default:
		return "UNKNOWN"
	}
}

// MaxResourceTypes is CPU (slot 0) plus up to seven coprocessor types.
const MaxResourceTypes = 8

// MaxInstancesPerResource bounds the instance bitmap to 64 bits.
const MaxInstancesPerResource = 64

// InstanceMask is a bitmap of instance indices, at most 64 bits wide.
type InstanceMask uint64

// Set returns a mask with bit i set.
func (m InstanceMask) Set(i int) InstanceMask { return m | (InstanceMask(1) << uint(i)) }

// Has reports whether bit i is set.
func (m InstanceMask) Has(i int) bool { return m&(InstanceMask(1)<<uint(i)) != 0 }

// IsSubsetOf reports whether every bit set in m is also set in other.
func (m InstanceMask) IsSubsetOf(other InstanceMask) bool { return m&^other == 0 }

// Count returns the number of set bits.
func (m InstanceMask) Count() int {
	n := 0
	for m != 0 {
		m &= m - 1
		n++
	}
	return n
}

// InstanceStatus is the correlation outcome of a single probed instance.
type InstanceStatus int

const (
	InstanceUnused InstanceStatus = iota
	InstanceUsed
	InstanceIgnored
)

// InstanceDescriptor is the raw per-instance information a ResourceProbe
// collaborator returns before correlation.
type InstanceDescriptor struct {
	Index               int
	ComputeCapMajor     int
	ComputeCapMinor     int
	DriverVersion       int
	AvailableRAMBytes   int64
	PeakFLOPS           float64
	PCIBus              int
	PCIDevice           int
	PCIDomain           int
	NativeDriver        bool // true if from the vendor's native API, false if OpenCL
	UserExcluded         bool
}

// ResourceDescriptor is what a ResourceProbe returns for one vendor: the
// list of physical instances it found.
type ResourceDescriptor struct {
	Kind      ResourceKind
	Instances []InstanceDescriptor
}

// ResourceProbe enumerates processing resources of one vendor. The core
// treats probing as untrusted: a crash or malformed output must surface as
// "no devices of that vendor", never propagate.
type ResourceProbe interface {
	Detect(kind ResourceKind) (ResourceDescriptor, error)
}

// Resource is one processing resource type (CPU, or one coprocessor kind).
type Resource struct {
	Type           int
	Kind           ResourceKind
	NInstances     int
	RelativeSpeed  float64 // FLOPS relative to total CPU FLOPS
	PeakFLOPS      float64 // benchmarked peak FLOPS of one instance, the CPU baseline for RelativeSpeed
	HasExclusions  bool
	InstanceMask   InstanceMask // bit set for every USED instance
	InstanceStatus []InstanceStatus
}

// DefaultCPUPeakFLOPS is the nominal per-core peak FLOPS used as the CPU
// baseline when no host CPU benchmark is available.
const DefaultCPUPeakFLOPS = 3e9

// Registry enumerates and owns the set of processing resources available
// on the host. CPU is always resource 0. Created once at startup;
// immutable afterward except for the instance exclusion bitmap, which a
// config reload may update.
type Registry struct {
	resources []*Resource
}

// NewRegistry creates a registry with only the CPU resource populated.
// Call ProbeCoprocessors to fill in GPU/other resource slots.
func NewRegistry(cpuInstances int) *Registry {
	return &Registry{
		resources: []*Resource{
			{
				Type:          0,
				Kind:          ResourceCPU,
				NInstances:    cpuInstances,
				RelativeSpeed: 1.0,
				PeakFLOPS:     DefaultCPUPeakFLOPS,
				InstanceMask:  fullMask(cpuInstances),
			},
		},
	}
}

// SetCPUPeakFLOPS overrides the CPU baseline used to normalize coprocessor
// RelativeSpeed, e.g. from a host CPU benchmark run at startup.
func (r *Registry) SetCPUPeakFLOPS(flops float64) {
	if flops > 0 && len(r.resources) > 0 {
		r.resources[0].PeakFLOPS = flops
	}
}

func fullMask(n int) InstanceMask {
	if n >= MaxInstancesPerResource {
		return ^InstanceMask(0)
	}
	var m InstanceMask
	for i := 0; i < n; i++ {
		m = m.Set(i)
	}
	return m
}

// Resources returns all registered resources, CPU first.
func (r *Registry) Resources() []*Resource { return r.resources }

// Resource returns the resource at the given type index, or nil.
func (r *Registry) Resource(rscType int) *Resource {
	for _, rr := range r.resources {
		if rr.Type == rscType {
			return rr
		}
	}
	return nil
}

// ProbeCoprocessors runs probe.Detect once per vendor (NVIDIA, AMD, Intel,
// Other) and correlates the results into registry slots. A failing probe
// for a vendor yields zero instances for that vendor rather than an error.
func (r *Registry) ProbeCoprocessors(probe ResourceProbe, excludeList map[ResourceKind]map[int]bool) {
	vendors := []ResourceKind{ResourceNVIDIA, ResourceAMD, ResourceIntel, ResourceOther}
	nextType := 1
	cpuPeakFLOPS := r.resources[0].PeakFLOPS
	for _, vendor := range vendors {
		desc, err := probe.Detect(vendor)
		if err != nil || len(desc.Instances) == 0 {
			continue
		}
		merged := mergeDualDescriptions(desc.Instances)
		excluded := excludeList[vendor]
		rsc := correlate(nextType, vendor, merged, excluded, cpuPeakFLOPS)
		if rsc.NInstances > 0 || rsc.HasExclusions {
			r.resources = append(r.resources, rsc)
		}
		nextType++
		if nextType >= MaxResourceTypes {
			break
		}
	}
}

// mergeDualDescriptions merges a native-driver description and an OpenCL
// description of the same physical device by PCI bus/device/domain
// identity. The native description wins where both exist.
func mergeDualDescriptions(in []InstanceDescriptor) []InstanceDescriptor {
	type pciKey struct{ bus, dev, dom int }
	byPCI := make(map[pciKey]InstanceDescriptor)
	order := make([]pciKey, 0, len(in))
	for _, d := range in {
		key := pciKey{d.PCIBus, d.PCIDevice, d.PCIDomain}
		existing, ok := byPCI[key]
		if !ok {
			byPCI[key] = d
			order = append(order, key)
			continue
		}
		if d.NativeDriver && !existing.NativeDriver {
			byPCI[key] = d
		}
	}
	out := make([]InstanceDescriptor, 0, len(order))
	for _, key := range order {
		out = append(out, byPCI[key])
	}
	return out
}

// correlate picks a representative instance, then groups equivalent
// instances as USED, marks excluded instances IGNORED, and leaves the
// rest UNUSED. cpuPeakFLOPS is the host's CPU baseline, used to normalize
// the representative instance's peak FLOPS into RelativeSpeed.
func correlate(rscType int, kind ResourceKind, instances []InstanceDescriptor, excluded map[int]bool, cpuPeakFLOPS float64) *Resource {
	rsc := &Resource{Type: rscType, Kind: kind}
	if len(instances) == 0 {
		return rsc
	}

	statuses := make(map[int]InstanceStatus, len(instances))
	candidates := make([]InstanceDescriptor, 0, len(instances))
	for _, inst := range instances {
		if excluded != nil && excluded[inst.Index] {
			statuses[inst.Index] = InstanceIgnored
			rsc.HasExclusions = true
			continue
		}
		if inst.UserExcluded {
			statuses[inst.Index] = InstanceIgnored
			rsc.HasExclusions = true
			continue
		}
		candidates = append(candidates, inst)
	}
	if len(candidates) == 0 {
		applyStatuses(rsc, instances, statuses, InstanceUnused)
		return rsc
	}

	sort.Slice(candidates, func(i, j int) bool { return lessCapable(candidates[j], candidates[i]) })
	rep := candidates[0]

	var mask InstanceMask
	n := 0
	for _, inst := range candidates {
		if equivalentLoose(inst, rep) {
			statuses[inst.Index] = InstanceUsed
			if inst.Index < MaxInstancesPerResource {
				mask = mask.Set(inst.Index)
			}
			n++
		} else {
			statuses[inst.Index] = InstanceUnused
		}
	}
	rsc.NInstances = n
	rsc.InstanceMask = mask
	rsc.PeakFLOPS = rep.PeakFLOPS
	if cpuPeakFLOPS > 0 {
		rsc.RelativeSpeed = rep.PeakFLOPS / cpuPeakFLOPS
	} else {
		rsc.RelativeSpeed = rep.PeakFLOPS
	}
	applyStatuses(rsc, instances, statuses, InstanceUnused)
	return rsc
}

func applyStatuses(rsc *Resource, instances []InstanceDescriptor, statuses map[int]InstanceStatus, fallback InstanceStatus) {
	maxIdx := 0
	for _, inst := range instances {
		if inst.Index > maxIdx {
			maxIdx = inst.Index
		}
	}
	rsc.InstanceStatus = make([]InstanceStatus, maxIdx+1)
	for _, inst := range instances {
		st, ok := statuses[inst.Index]
		if !ok {
			st = fallback
		}
		rsc.InstanceStatus[inst.Index] = st
	}
}

// lessCapable implements the strict representative-selection comparator:
// major compute capability, minor, driver/runtime version, available RAM,
// then peak FLOPS, each descending.
func lessCapable(a, b InstanceDescriptor) bool {
	if a.ComputeCapMajor != b.ComputeCapMajor {
		return a.ComputeCapMajor < b.ComputeCapMajor
	}
	if a.ComputeCapMinor != b.ComputeCapMinor {
		return a.ComputeCapMinor < b.ComputeCapMinor
	}
	if a.DriverVersion != b.DriverVersion {
		return a.DriverVersion < b.DriverVersion
	}
	if a.AvailableRAMBytes != b.AvailableRAMBytes {
		return a.AvailableRAMBytes < b.AvailableRAMBytes
	}
	return a.PeakFLOPS < b.PeakFLOPS
}

// equivalentLoose implements the loose comparator used to decide which
// instances are grouped with the representative: it ignores peak FLOPS
// and tolerates RAM within [0.7x, 1.4x] of the representative.
func equivalentLoose(inst, rep InstanceDescriptor) bool {
	if inst.ComputeCapMajor != rep.ComputeCapMajor || inst.ComputeCapMinor != rep.ComputeCapMinor {
		return false
	}
	if inst.DriverVersion != rep.DriverVersion {
		return false
	}
	if rep.AvailableRAMBytes == 0 {
		return inst.AvailableRAMBytes == 0
	}
	lo := float64(rep.AvailableRAMBytes) * 0.7
	hi := float64(rep.AvailableRAMBytes) * 1.4
	ram := float64(inst.AvailableRAMBytes)
	return ram >= lo && ram <= hi
}

// Validate checks the invariant that every resource's instance count fits
// in the 64-bit mask and that resource 0 is always CPU.
func (r *Registry) Validate() error {
	if len(r.resources) == 0 || r.resources[0].Kind != ResourceCPU {
		return fmt.Errorf("resource 0 must be CPU")
	}
	for _, rsc := range r.resources {
		if rsc.NInstances > MaxInstancesPerResource {
			return fmt.Errorf("resource %d: %d instances exceeds max %d", rsc.Type, rsc.NInstances, MaxInstancesPerResource)
		}
	}
	return nil
}
