// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package config loads the scheduling core's three YAML configuration
// surfaces: cc_config, nvc_config, and global_prefs.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jontk/boinc-corekeeper/internal/core"
)

// CCConfig is the client-wide operational toggles config surface,
// distinct from per-user resource preferences.
type CCConfig struct {
	GPUIgnore               map[string][]int `yaml:"gpu_ignore"`
	MaxFileXfers            int              `yaml:"max_file_xfers"`
	MaxFileXfersPerProject  int              `yaml:"max_file_xfers_per_project"`
	DontCheckFileSizes      bool             `yaml:"dont_check_file_sizes"`
	AbortJobsOnExit         bool             `yaml:"abort_jobs_on_exit"`
	AllowMultipleClients    bool             `yaml:"allow_multiple_clients"`
	ReportResultsImmediately bool            `yaml:"report_results_immediately"`
	LogFlags                map[string]bool  `yaml:"log_flags"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// NewDefaultCCConfig returns the published BOINC client defaults.
func NewDefaultCCConfig() *CCConfig {
	return &CCConfig{
		MaxFileXfers:           8,
		MaxFileXfersPerProject: 2,
		Debug:                  getEnvBoolOrDefault("COREKEEPER_DEBUG", false),
	}
}

// Load reads a cc_config.yaml file, leaving defaults in place for fields
// the file omits or that fail to parse. A malformed file is left untouched
// on disk; the caller is responsible for surfacing the parse error as a
// notice.
func (c *CCConfig) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

// Validate validates the cc_config values.
func (c *CCConfig) Validate() error {
	if c.MaxFileXfers < 0 {
		return ErrInvalidMaxFileXfers
	}
	if c.MaxFileXfersPerProject < 0 {
		return ErrInvalidMaxFileXfers
	}
	return nil
}

// NVCConfig is the version-check file.
type NVCConfig struct {
	ClientDownloadURL     string `yaml:"client_download_url"`
	ClientNewVersionName  string `yaml:"client_new_version_name"`
	ClientVersionCheckURL string `yaml:"client_version_check_url"`
	NetworkTestURL        string `yaml:"network_test_url"`
}

// NVCCheckInterval is how often the version-check probe re-fetches
// nvc_config and compares triplets.
const NVCCheckInterval = 14 * 24 * time.Hour

// NewDefaultNVCConfig returns an empty version-check config; all fields
// are optional.
func NewDefaultNVCConfig() *NVCConfig {
	return &NVCConfig{}
}

// Load reads an nvc_config.yaml file.
func (c *NVCConfig) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

// GlobalPrefsFile is the YAML-shaped mirror of global_prefs;
// LoadGlobalPrefs converts it into the core.GlobalPrefs the scheduler and
// work-fetch planner consume directly.
type GlobalPrefsFile struct {
	DiskMaxUsedGB     float64 `yaml:"disk_max_used_gb"`
	DiskMaxUsedPct    float64 `yaml:"disk_max_used_pct"`
	DiskMinFreeGB     float64 `yaml:"disk_min_free_gb"`
	RAMMaxUsedIdlePct float64 `yaml:"ram_max_used_idle_frac"`
	RAMMaxUsedBusyPct float64 `yaml:"ram_max_used_busy_frac"`
	VMMaxUsedPct      float64 `yaml:"vm_max_used_pct"`

	CPUUsageLimit float64 `yaml:"cpu_usage_limit"`
	NCPUsToUse    int     `yaml:"ncpus_to_use"`

	RunOnBatteries         bool    `yaml:"run_on_batteries"`
	RunIfUserActive        bool    `yaml:"run_if_user_active"`
	RunGPUIfUserActive     bool    `yaml:"run_gpu_if_user_active"`
	IdleTimeToRunSecs      float64 `yaml:"idle_time_to_run"`
	SuspendIfNoRecentInput float64 `yaml:"suspend_if_no_recent_input"`

	NetworkWifiOnly  bool    `yaml:"network_wifi_only"`
	MaxBytesSecUp    float64 `yaml:"max_bytes_sec_up"`
	MaxBytesSecDown  float64 `yaml:"max_bytes_sec_down"`
	DailyXferLimitMB float64 `yaml:"daily_xfer_limit_mb"`

	WorkBufMinDays        float64 `yaml:"work_buf_min_days"`
	WorkBufAdditionalDays float64 `yaml:"work_buf_additional_days"`

	CPUTimes [7]TimeSpanFile `yaml:"cpu_times"`
	NetTimes [7]TimeSpanFile `yaml:"net_times"`
}

// TimeSpanFile is the YAML shape of a daily [start,end) window.
type TimeSpanFile struct {
	Start float64 `yaml:"start"`
	End   float64 `yaml:"end"`
}

// NewDefaultGlobalPrefsFile returns the published BOINC preference
// defaults, mirroring core.DefaultGlobalPrefs.
func NewDefaultGlobalPrefsFile() *GlobalPrefsFile {
	defaults := core.DefaultGlobalPrefs()
	return &GlobalPrefsFile{
		DiskMaxUsedPct:    defaults.DiskMaxUsedPct,
		DiskMinFreeGB:     defaults.DiskMinFreeGB,
		RAMMaxUsedIdlePct: defaults.RAMMaxUsedIdlePct,
		RAMMaxUsedBusyPct: defaults.RAMMaxUsedBusyPct,
		VMMaxUsedPct:      defaults.VMMaxUsedPct,
		CPUUsageLimit:     defaults.CPUUsageLimit,
		RunOnBatteries:    defaults.RunOnBatteries,
		RunIfUserActive:   defaults.RunIfUserActive,
		IdleTimeToRunSecs: defaults.IdleTimeToRunSecs,
		WorkBufMinDays:    defaults.WorkBuffer.MinQueueSecs / 86400,
		WorkBufAdditionalDays: (defaults.WorkBuffer.MaxQueueSecs -
			defaults.WorkBuffer.MinQueueSecs) / 86400,
	}
}

// Load reads a global_prefs.yaml file.
func (g *GlobalPrefsFile) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, g)
}

// Validate validates the preference values.
func (g *GlobalPrefsFile) Validate() error {
	if g.CPUUsageLimit < 0 || g.CPUUsageLimit > 100 {
		return ErrInvalidCPUUsageLimit
	}
	if g.WorkBufMinDays < 0 || g.WorkBufAdditionalDays < 0 {
		return ErrInvalidWorkBuffer
	}
	return nil
}

// ToCorePrefs converts the loaded file into the core.GlobalPrefs consumed
// by the scheduler, work-fetch planner, and RR-Sim.
func (g *GlobalPrefsFile) ToCorePrefs() core.GlobalPrefs {
	var cpuTimes, netTimes core.WeeklySchedule
	for i := 0; i < 7; i++ {
		cpuTimes[i] = core.TimeSpan{StartHour: g.CPUTimes[i].Start, EndHour: g.CPUTimes[i].End}
		netTimes[i] = core.TimeSpan{StartHour: g.NetTimes[i].Start, EndHour: g.NetTimes[i].End}
	}

	minSecs := g.WorkBufMinDays * 86400
	maxSecs := minSecs + g.WorkBufAdditionalDays*86400

	return core.GlobalPrefs{
		DiskMaxUsedGB:          g.DiskMaxUsedGB,
		DiskMaxUsedPct:         g.DiskMaxUsedPct,
		DiskMinFreeGB:          g.DiskMinFreeGB,
		RAMMaxUsedIdlePct:      g.RAMMaxUsedIdlePct,
		RAMMaxUsedBusyPct:      g.RAMMaxUsedBusyPct,
		VMMaxUsedPct:           g.VMMaxUsedPct,
		CPUUsageLimit:          g.CPUUsageLimit,
		NCPUsToUse:             g.NCPUsToUse,
		RunOnBatteries:         g.RunOnBatteries,
		RunIfUserActive:        g.RunIfUserActive,
		RunGPUIfUserActive:     g.RunGPUIfUserActive,
		IdleTimeToRunSecs:      g.IdleTimeToRunSecs,
		SuspendIfNoRecentInput: g.SuspendIfNoRecentInput,
		NetworkWifiOnly:        g.NetworkWifiOnly,
		MaxBytesSecUp:          g.MaxBytesSecUp,
		MaxBytesSecDown:        g.MaxBytesSecDown,
		DailyXferLimitMB:       g.DailyXferLimitMB,
		WorkBuffer: core.WorkBufferConfig{
			MinQueueSecs: minSecs,
			MaxQueueSecs: maxSecs,
		},
		CPUTimes:          cpuTimes,
		NetTimes:          netTimes,
		EnforcedByPerHost: true,
	}
}

// getEnvBoolOrDefault returns the environment variable value as a boolean
// or a default value.
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
