package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		setup     func()
		wantError bool
		errMsg    string
	}{
		{
			name: "Valid Configuration",
			setup: func() {
				viper.Set("workers.count", 5)
				viper.Set("workers.timeout_seconds", 3600)
				viper.Set("workers.launcher_mode", "container")
				viper.Set("ports.base", 20000)
				viper.Set("merge.max_retries", 3)
				viper.Set("metrics_port", 9090)
			},
			wantError: false,
		},
		{
			name: "Invalid Workers Count",
			setup: func() {
				viper.Set("workers.count", -1)
			},
			wantError: true,
			errMsg:    "workers.count must be positive",
		},
		{
			name: "Invalid Launcher Mode",
			setup: func() {
				viper.Set("workers.launcher_mode", "teleport")
			},
			wantError: true,
			errMsg:    "workers.launcher_mode must be one of",
		},
		{
			name: "Invalid Port Base",
			setup: func() {
				viper.Set("ports.base", 0)
			},
			wantError: true,
			errMsg:    "ports.base must be between 1 and 65535",
		},
		{
			name: "Invalid Merge Max Retries",
			setup: func() {
				viper.Set("merge.max_retries", -1)
			},
			wantError: true,
			errMsg:    "merge.max_retries must not be negative",
		},
		{
			name: "Invalid Retry Delays",
			setup: func() {
				viper.Set("retry.base_delay_seconds", 100)
				viper.Set("retry.max_delay_seconds", 10)
			},
			wantError: true,
			errMsg:    "must be >= retry.base_delay_seconds",
		},
		{
			name: "Invalid Backpressure Threshold",
			setup: func() {
				viper.Set("error_recovery.backpressure.failure_rate_threshold", 2.0)
			},
			wantError: true,
			errMsg:    "must be in (0,1]",
		},
		{
			name: "Invalid Metrics Port",
			setup: func() {
				viper.Set("metrics_port", 99999)
			},
			wantError: true,
			errMsg:    "metrics_port must be between 1 and 65535",
		},
		{
			name: "Multiple Errors",
			setup: func() {
				viper.Set("workers.count", -1)
				viper.Set("ports.base", -5)
			},
			wantError: true,
			errMsg:    "configuration validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			if tt.setup != nil {
				tt.setup()
			}

			err := ValidateConfig()
			if tt.wantError {
				if err == nil {
					t.Errorf("ValidateConfig() expected error, got nil")
				} else if tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("ValidateConfig() error = %v, want error containing %v", err, tt.errMsg)
				}
			} else if err != nil {
				t.Errorf("ValidateConfig() unexpected error: %v", err)
			}
		})
	}
}
