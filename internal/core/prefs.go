package core

import "time"

// GlobalPrefs is the host-wide resource usage limits a user configures,
// consulted by the scheduler and work-fetch planner every tick.
type GlobalPrefs struct {
	DiskMaxUsedGB     float64
	DiskMaxUsedPct    float64
	DiskMinFreeGB     float64
	RAMMaxUsedIdlePct float64
	RAMMaxUsedBusyPct float64
	VMMaxUsedPct      float64

	CPUUsageLimit float64 // percent, 0-100 per CPU
	NCPUsToUse    int     // 0 = all

	RunOnBatteries   bool
	RunIfUserActive  bool
	RunGPUIfUserActive bool
	IdleTimeToRunSecs float64
	SuspendIfNoRecentInput float64

	NetworkWifiOnly bool
	MaxBytesSecUp   float64
	MaxBytesSecDown float64
	DailyXferLimitMB float64

	WorkBuffer WorkBufferConfig

	CPUTimes WeeklySchedule
	NetTimes WeeklySchedule

	// EnforcedByPerHost, when false, means these prefs came from the
	// project's venue-specific override rather than the host's own
	// general_prefs.xml. Reporting only.
	EnforcedByPerHost bool
}

// DefaultGlobalPrefs returns BOINC's published defaults.
func DefaultGlobalPrefs() GlobalPrefs {
	return GlobalPrefs{
		DiskMaxUsedPct:    90,
		DiskMinFreeGB:     1,
		RAMMaxUsedIdlePct: 90,
		RAMMaxUsedBusyPct: 50,
		VMMaxUsedPct:      75,
		CPUUsageLimit:     100,
		RunOnBatteries:    true,
		RunIfUserActive:   true,
		IdleTimeToRunSecs: 3 * 60,
		WorkBuffer:        DefaultWorkBufferConfig(),
	}
}

// HostStatus is the live, per-tick snapshot of host conditions the
// preference gates are evaluated against.
type HostStatus struct {
	Now              time.Time
	OnBatteries      bool
	UserActive       bool
	IdleSecs         float64
	NetworkAvailable bool
	WifiConnected    bool
}

// CPURunAllowed reports whether CPU work may run given prefs and the
// current host status.
func (g *GlobalPrefs) CPURunAllowed(status HostStatus) bool {
	if status.OnBatteries && !g.RunOnBatteries {
		return false
	}
	if status.UserActive && !g.RunIfUserActive && status.IdleSecs < g.IdleTimeToRunSecs {
		return false
	}
	weekday := int(status.Now.Weekday())
	hour := float64(status.Now.Hour()) + float64(status.Now.Minute())/60
	return g.CPUTimes[weekday].Allows(hour)
}

// GPURunAllowed applies the GPU gate: GPUs check run_gpu_if_user_active in
// place of the CPU user-active setting, so GPU and CPU work can be allowed
// or stopped independently while the user is active, since a display
// attached to the GPU makes contention more visible to the user than CPU
// contention.
func (g *GlobalPrefs) GPURunAllowed(status HostStatus) bool {
	if status.OnBatteries && !g.RunOnBatteries {
		return false
	}
	if status.UserActive && !g.RunGPUIfUserActive && status.IdleSecs < g.IdleTimeToRunSecs {
		return false
	}
	weekday := int(status.Now.Weekday())
	hour := float64(status.Now.Hour()) + float64(status.Now.Minute())/60
	return g.CPUTimes[weekday].Allows(hour)
}

// NetworkTransferAllowed reports whether file transfers may proceed given
// the weekly net schedule and wifi-only restriction.
func (g *GlobalPrefs) NetworkTransferAllowed(status HostStatus) bool {
	if !status.NetworkAvailable {
		return false
	}
	if g.NetworkWifiOnly && !status.WifiConnected {
		return false
	}
	weekday := int(status.Now.Weekday())
	hour := float64(status.Now.Hour()) + float64(status.Now.Minute())/60
	return g.NetTimes[weekday].Allows(hour)
}
