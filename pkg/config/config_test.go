package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultCCConfig(t *testing.T) {
	cfg := NewDefaultCCConfig()

	require.NotNil(t, cfg)
	assert.Equal(t, 8, cfg.MaxFileXfers)
	assert.Equal(t, 2, cfg.MaxFileXfersPerProject)
	assert.False(t, cfg.Debug)
}

func TestCCConfigLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cc_config.yaml")
	data := []byte(`
max_file_xfers: 16
max_file_xfers_per_project: 4
abort_jobs_on_exit: true
gpu_ignore:
  NVIDIA: [1, 2]
log_flags:
  work_fetch_debug: true
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg := NewDefaultCCConfig()
	require.NoError(t, cfg.Load(path))

	assert.Equal(t, 16, cfg.MaxFileXfers)
	assert.Equal(t, 4, cfg.MaxFileXfersPerProject)
	assert.True(t, cfg.AbortJobsOnExit)
	assert.Equal(t, []int{1, 2}, cfg.GPUIgnore["NVIDIA"])
	assert.True(t, cfg.LogFlags["work_fetch_debug"])
}

func TestCCConfigLoad_MissingFileLeavesDefaults(t *testing.T) {
	cfg := NewDefaultCCConfig()
	require.NoError(t, cfg.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")))
	assert.Equal(t, 8, cfg.MaxFileXfers)
}

func TestCCConfigValidate(t *testing.T) {
	cfg := NewDefaultCCConfig()
	assert.NoError(t, cfg.Validate())

	cfg.MaxFileXfers = -1
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidMaxFileXfers)
}

func TestNVCConfigLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nvc_config.yaml")
	data := []byte(`
client_download_url: "https://boinc.example.org/download"
client_new_version_name: "8.2.1"
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg := NewDefaultNVCConfig()
	require.NoError(t, cfg.Load(path))

	assert.Equal(t, "https://boinc.example.org/download", cfg.ClientDownloadURL)
	assert.Equal(t, "8.2.1", cfg.ClientNewVersionName)
	assert.Empty(t, cfg.ClientVersionCheckURL)
}

func TestNewDefaultGlobalPrefsFile(t *testing.T) {
	prefs := NewDefaultGlobalPrefsFile()

	require.NotNil(t, prefs)
	assert.Equal(t, 100.0, prefs.CPUUsageLimit)
	assert.True(t, prefs.RunOnBatteries)
	assert.Equal(t, 1.0, prefs.WorkBufMinDays)
}

func TestGlobalPrefsFileLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "global_prefs.yaml")
	data := []byte(`
cpu_usage_limit: 80
run_on_batteries: false
work_buf_min_days: 0.5
work_buf_additional_days: 2
cpu_times:
  - {start: 0, end: 0}
  - {start: 9, end: 17}
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	prefs := NewDefaultGlobalPrefsFile()
	require.NoError(t, prefs.Load(path))

	assert.Equal(t, 80.0, prefs.CPUUsageLimit)
	assert.False(t, prefs.RunOnBatteries)
	assert.Equal(t, 0.5, prefs.WorkBufMinDays)
	assert.Equal(t, 9.0, prefs.CPUTimes[1].Start)
	assert.Equal(t, 17.0, prefs.CPUTimes[1].End)
}

func TestGlobalPrefsFileValidate(t *testing.T) {
	prefs := NewDefaultGlobalPrefsFile()
	assert.NoError(t, prefs.Validate())

	prefs.CPUUsageLimit = 150
	assert.ErrorIs(t, prefs.Validate(), ErrInvalidCPUUsageLimit)

	prefs = NewDefaultGlobalPrefsFile()
	prefs.WorkBufAdditionalDays = -1
	assert.ErrorIs(t, prefs.Validate(), ErrInvalidWorkBuffer)
}

func TestGlobalPrefsFileToCorePrefs(t *testing.T) {
	prefs := NewDefaultGlobalPrefsFile()
	prefs.WorkBufMinDays = 1
	prefs.WorkBufAdditionalDays = 9
	prefs.CPUTimes[3] = TimeSpanFile{Start: 8, End: 20}

	core := prefs.ToCorePrefs()

	assert.Equal(t, 100.0, core.CPUUsageLimit)
	assert.Equal(t, 86400.0, core.WorkBuffer.MinQueueSecs)
	assert.Equal(t, 10*86400.0, core.WorkBuffer.MaxQueueSecs)
	assert.Equal(t, 8.0, core.CPUTimes[3].StartHour)
	assert.True(t, core.EnforcedByPerHost)
}
