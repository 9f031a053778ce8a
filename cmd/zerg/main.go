package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"zerg/internal/breaker"
	"zerg/internal/config"
	"zerg/internal/docker"
	"zerg/internal/git"
	"zerg/internal/launcher"
	"zerg/internal/merge"
	"zerg/internal/orchestrator"
	"zerg/internal/ports"
	"zerg/internal/state"
	"zerg/internal/taskgraph"
	"zerg/internal/telemetry"
	"zerg/internal/worktree"
)

func main() {
	var cfgFile string

	root := &cobra.Command{
		Use:   "zerg",
		Short: "Multi-worker build orchestrator",
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default zerg.yaml in the current directory)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a feature's task graph to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFeature(cmd, cfgFile)
		},
	}

	runCmd.Flags().String("feature", "", "feature name (required)")
	runCmd.Flags().String("task-graph", "", "path to the task graph YAML file (required)")
	runCmd.Flags().Int("workers", 0, "number of workers to spawn (0 = use config default)")
	runCmd.Flags().Int("start-level", 0, "level to start or resume from (0 = resume from state)")
	runCmd.Flags().Bool("dry-run", false, "print the assignment plan and exit without spawning")
	runCmd.Flags().String("launcher-mode", "", "subprocess|container|kubernetes|auto (empty = use config default)")
	runCmd.Flags().Bool("verbose", false, "enable debug logging")
	runCmd.Flags().String("repo", ".", "path to the git repository being worked on")
	runCmd.MarkFlagRequired("feature")
	runCmd.MarkFlagRequired("task-graph")

	bindRunFlags(runCmd.Flags())
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func bindRunFlags(flags *pflag.FlagSet) {
	viper.BindPFlag("verbose", flags.Lookup("verbose"))
	viper.BindPFlag("workers.count", flags.Lookup("workers"))
	viper.BindPFlag("workers.launcher_mode", flags.Lookup("launcher-mode"))
}

func runFeature(cmd *cobra.Command, cfgFile string) error {
	config.Load(cfgFile)
	if err := config.ValidateConfig(); err != nil {
		return err
	}

	telemetry.InitLogger(viper.GetBool("verbose"), "")
	go func() {
		if err := telemetry.StartMetricsServer(viper.GetInt("metrics_port")); err != nil {
			telemetry.LogError("metrics server failed to start", err)
		}
	}()

	feature, _ := cmd.Flags().GetString("feature")
	graphPath, _ := cmd.Flags().GetString("task-graph")
	workerCount, _ := cmd.Flags().GetInt("workers")
	startLevel, _ := cmd.Flags().GetInt("start-level")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	launcherMode, _ := cmd.Flags().GetString("launcher-mode")
	repoDir, _ := cmd.Flags().GetString("repo")

	if workerCount == 0 {
		workerCount = viper.GetInt("workers.count")
	}
	if launcherMode == "" {
		launcherMode = viper.GetString("workers.launcher_mode")
	}

	graph, err := taskgraph.Load(graphPath)
	if err != nil {
		return fmt.Errorf("loading task graph: %w", err)
	}

	store, err := state.Open(viper.GetString("state_dir"), feature)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	portAlloc, err := ports.New(viper.GetInt("ports.base"), viper.GetInt("ports.base")+viper.GetInt("ports.range_per_worker")*workerCount)
	if err != nil {
		return fmt.Errorf("building port allocator: %w", err)
	}

	gitClient := git.NewClient()
	if err := gitClient.Config(repoDir, "user.email", viper.GetString("git_user_email")); err != nil {
		telemetry.LogError("git config user.email failed", err)
	}
	if err := gitClient.Config(repoDir, "user.name", viper.GetString("git_user_name")); err != nil {
		telemetry.LogError("git config user.name failed", err)
	}

	wm := worktree.New(repoDir, gitClient)
	mc := merge.New(repoDir, gitClient)

	var dockerClient docker.IClient
	if c, err := docker.NewClient(); err == nil {
		dockerClient = c
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var l launcher.Launcher
	if launcherMode == "kubernetes" {
		l, err = newKubernetesLauncher(viper.GetString("workers.kubeconfig"), viper.GetString("workers.kubernetes_namespace"))
	} else {
		l, err = launcher.Select(ctx, launcherMode, feature, repoDir, viper.GetString("workers.image"), dockerClient)
	}
	if err != nil {
		return fmt.Errorf("selecting launcher backend: %w", err)
	}

	cb := breaker.New(
		viper.GetBool("error_recovery.circuit_breaker.enabled"),
		viper.GetInt("error_recovery.circuit_breaker.failure_threshold"),
		time.Duration(viper.GetInt("error_recovery.circuit_breaker.cooldown_seconds"))*time.Second,
		time.Duration(viper.GetInt("error_recovery.circuit_breaker.window_size"))*time.Second,
	)
	bp := breaker.NewBackpressure(
		viper.GetBool("error_recovery.backpressure.enabled"),
		viper.GetFloat64("error_recovery.backpressure.failure_rate_threshold"),
		viper.GetInt("error_recovery.backpressure.window_size"),
	)

	cfg := orchestrator.Config{
		Feature:             feature,
		RepoDir:             repoDir,
		WorkerCount:         workerCount,
		WorkerTimeout:       time.Duration(viper.GetInt("workers.timeout_seconds")) * time.Second,
		ContextThreshold:    viper.GetFloat64("workers.context_threshold"),
		RetryBaseDelay:      time.Duration(viper.GetInt("retry.base_delay_seconds")) * time.Second,
		RetryMaxDelay:       time.Duration(viper.GetInt("retry.max_delay_seconds")) * time.Second,
		MaxTaskRetries:      viper.GetInt("retry.max_task_retries"),
		MergeTimeoutSeconds: viper.GetInt("merge.timeout_seconds"),
		MergeMaxRetries:     viper.GetInt("merge.max_retries"),
		MergeBaseDelay:      viper.GetInt("merge.base_delay_seconds"),
		VerifyTimeout:       time.Duration(viper.GetInt("verification.timeout_seconds")) * time.Second,
	}

	o := orchestrator.New(cfg, graph, store, portAlloc, wm, l, mc, cb, bp, nil)

	o.OnTaskComplete(func(taskID string) {
		telemetry.LogInfo("task complete", "feature", feature, "task_id", taskID)
	})
	o.OnLevelComplete(func(level int) {
		telemetry.LogInfo("level complete", "feature", feature, "level", level)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		telemetry.LogInfo("shutdown signal received, stopping run", "feature", feature)
		o.Stop(context.Background(), false)
		cancel()
	}()

	return o.Start(ctx, startLevel, dryRun)
}

// newKubernetesLauncher builds a kubeconfig-backed clientset outside
// launcher.Select, since the kubernetes launcher mode needs a
// kubeconfig path rather than a docker client to construct.
func newKubernetesLauncher(kubeconfig, namespace string) (*launcher.KubernetesLauncher, error) {
	restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("loading kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	return launcher.NewKubernetesLauncher(clientset, namespace), nil
}
