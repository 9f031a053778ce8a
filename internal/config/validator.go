package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// ValidateConfig validates configuration values and returns an error if any are invalid.
// This function should be called after viper has loaded the configuration.
func ValidateConfig() error {
	var errors []string

	if viper.IsSet("workers.count") {
		n := viper.GetInt("workers.count")
		if n <= 0 {
			errors = append(errors, fmt.Sprintf("workers.count must be positive, got: %d", n))
		}
	}

	if viper.IsSet("workers.timeout_seconds") {
		s := viper.GetInt("workers.timeout_seconds")
		if s <= 0 {
			errors = append(errors, fmt.Sprintf("workers.timeout_seconds must be positive, got: %d", s))
		}
	}

	if mode := viper.GetString("workers.launcher_mode"); mode != "" {
		switch mode {
		case "auto", "subprocess", "container", "kubernetes":
		default:
			errors = append(errors, fmt.Sprintf("workers.launcher_mode must be one of auto|subprocess|container|kubernetes, got: %q", mode))
		}
	}

	if viper.IsSet("ports.base") {
		p := viper.GetInt("ports.base")
		if p < 1 || p > 65535 {
			errors = append(errors, fmt.Sprintf("ports.base must be between 1 and 65535, got: %d", p))
		}
	}

	if viper.IsSet("ports.range_per_worker") {
		n := viper.GetInt("ports.range_per_worker")
		if n <= 0 {
			errors = append(errors, fmt.Sprintf("ports.range_per_worker must be positive, got: %d", n))
		}
	}

	if viper.IsSet("merge.timeout_seconds") {
		s := viper.GetInt("merge.timeout_seconds")
		if s <= 0 {
			errors = append(errors, fmt.Sprintf("merge.timeout_seconds must be positive, got: %d", s))
		}
	}

	if viper.IsSet("merge.max_retries") {
		n := viper.GetInt("merge.max_retries")
		if n < 0 {
			errors = append(errors, fmt.Sprintf("merge.max_retries must not be negative, got: %d", n))
		}
	}

	if viper.IsSet("retry.base_delay_seconds") && viper.IsSet("retry.max_delay_seconds") {
		base := viper.GetInt("retry.base_delay_seconds")
		max := viper.GetInt("retry.max_delay_seconds")
		if base <= 0 {
			errors = append(errors, fmt.Sprintf("retry.base_delay_seconds must be positive, got: %d", base))
		}
		if max < base {
			errors = append(errors, fmt.Sprintf("retry.max_delay_seconds (%d) must be >= retry.base_delay_seconds (%d)", max, base))
		}
	}

	if viper.IsSet("error_recovery.backpressure.failure_rate_threshold") {
		r := viper.GetFloat64("error_recovery.backpressure.failure_rate_threshold")
		if r <= 0 || r > 1 {
			errors = append(errors, fmt.Sprintf("error_recovery.backpressure.failure_rate_threshold must be in (0,1], got: %v", r))
		}
	}

	if viper.IsSet("metrics_port") {
		port := viper.GetInt("metrics_port")
		if port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("metrics_port must be between 1 and 65535, got: %d", port))
		}
	}

	if viper.IsSet("verification.timeout_seconds") {
		s := viper.GetInt("verification.timeout_seconds")
		if s <= 0 {
			errors = append(errors, fmt.Sprintf("verification.timeout_seconds must be positive, got: %d", s))
		}
	}

	if len(errors) > 0 {
		errorMsg := errors[0]
		for i := 1; i < len(errors); i++ {
			errorMsg += "\n  " + errors[i]
		}
		return fmt.Errorf("configuration validation failed:\n  %s", errorMsg)
	}

	return nil
}

// ValidateAndExit validates the configuration and exits with a non-zero code if validation fails.
func ValidateAndExit() {
	if err := ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
