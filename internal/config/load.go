package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes the configuration from file and environment variables.
func Load(cfgFile string) {
	if err := godotenv.Load(); err != nil {
		// .env is optional
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("zerg")
	}

	viper.SetEnvPrefix("ZERG")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Worker defaults
	viper.SetDefault("workers.count", 3)
	viper.SetDefault("workers.launcher_mode", "auto")
	viper.SetDefault("workers.timeout_seconds", 3600)
	viper.SetDefault("workers.context_threshold", 0.9)
	viper.SetDefault("workers.image", "")

	// Port allocator defaults
	viper.SetDefault("ports.base", 20000)
	viper.SetDefault("ports.range_per_worker", 100)

	// Merge / retry defaults
	viper.SetDefault("merge.timeout_seconds", 600)
	viper.SetDefault("merge.max_retries", 3)
	viper.SetDefault("merge.base_delay_seconds", 10)

	viper.SetDefault("retry.base_delay_seconds", 10)
	viper.SetDefault("retry.max_delay_seconds", 300)
	viper.SetDefault("retry.max_task_retries", 3)

	// Circuit breaker / backpressure defaults
	viper.SetDefault("error_recovery.circuit_breaker.enabled", true)
	viper.SetDefault("error_recovery.circuit_breaker.failure_threshold", 5)
	viper.SetDefault("error_recovery.circuit_breaker.window_size", 10)
	viper.SetDefault("error_recovery.circuit_breaker.cooldown_seconds", 60)
	viper.SetDefault("error_recovery.backpressure.enabled", true)
	viper.SetDefault("error_recovery.backpressure.failure_rate_threshold", 0.5)
	viper.SetDefault("error_recovery.backpressure.window_size", 10)

	// Verification defaults
	viper.SetDefault("verification.timeout_seconds", 600)

	// Security / env passthrough defaults
	viper.SetDefault("security.env_allowlist", []string{
		"CI", "DEBUG", "LOG_LEVEL", "VERBOSE", "TERM", "COLORTERM", "NO_COLOR",
		"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "NODE_ENV", "PYTHON_ENV",
		"RUST_BACKTRACE", "PYTEST_CURRENT_TEST",
	})

	// Container backend defaults
	viper.SetDefault("container.network", "bridge")
	viper.SetDefault("container.memory_limit_mb", 4096)
	viper.SetDefault("container.cpu_limit", 2.0)

	// Kubernetes launcher backend defaults
	viper.SetDefault("workers.kubeconfig", "")
	viper.SetDefault("workers.kubernetes_namespace", "default")

	// Ambient defaults
	viper.SetDefault("metrics_port", 9090)
	viper.SetDefault("verbose", false)
	viper.SetDefault("state_dir", ".zerg/state")
	viper.SetDefault("git_user_email", "zerg@example.com")
	viper.SetDefault("git_user_name", "zerg orchestrator")

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	} else if cfgFile == "" {
		if _, statErr := os.Stat("zerg.yaml"); os.IsNotExist(statErr) {
			viper.SetConfigName("zerg")
			viper.SetConfigType("yaml")
			viper.AddConfigPath(".")
			if writeErr := viper.SafeWriteConfig(); writeErr != nil {
				if err := viper.WriteConfigAs("zerg.yaml"); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: Failed to create default config file: %v\n", err)
				} else {
					fmt.Println("Created default configuration file: zerg.yaml")
				}
			} else {
				fmt.Println("Created default configuration file: zerg.yaml")
			}
		}
	}
}
