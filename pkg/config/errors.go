package config

import "errors"

var (
	// ErrInvalidMaxFileXfers is returned when a file-transfer concurrency
	// limit in cc_config is negative.
	ErrInvalidMaxFileXfers = errors.New("max_file_xfers must be greater than or equal to 0")

	// ErrInvalidCPUUsageLimit is returned when global_prefs' cpu_usage_limit
	// is outside [0, 100].
	ErrInvalidCPUUsageLimit = errors.New("cpu_usage_limit must be between 0 and 100")

	// ErrInvalidWorkBuffer is returned when global_prefs' work buffer days
	// are negative.
	ErrInvalidWorkBuffer = errors.New("work_buf_min_days and work_buf_additional_days must be greater than or equal to 0")
)
