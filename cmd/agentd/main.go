package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oriys/agentd/guestimage"
	"github.com/oriys/agentd/internal/config"
	"github.com/oriys/agentd/internal/domain"
	"github.com/oriys/agentd/internal/lease"
	"github.com/oriys/agentd/internal/logging"
	"github.com/oriys/agentd/internal/metrics"
	"github.com/oriys/agentd/internal/observability"
	"github.com/oriys/agentd/internal/orchestrator"
	"github.com/oriys/agentd/internal/queue"
	"github.com/oriys/agentd/internal/sandbox"
)

var (
	brokerURL    string
	queueName    string
	allocatorURL string
	workDir      string
	logLevel     string
	configFile   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentd",
		Short: "agentd - reliable agent-execution worker",
		Long:  "A queue-driven worker that runs an untrusted agent against a git repo inside a sandbox and publishes its changes",
	}

	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker-url", "", "Redis broker URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&queueName, "queue-name", "", "Queue name (overrides config)")
	rootCmd.PersistentFlags().StringVar(&allocatorURL, "allocator-url", "", "MCP instance allocator base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", "", "Parent directory for per-job clones (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")

	rootCmd.AddCommand(
		runCmd(),
		enqueueCmd(),
		statsCmd(),
		recoverCmd(),
		peekCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig builds the effective config from defaults, an optional file,
// environment variables, and finally any explicitly-set persistent flags,
// in that order of increasing precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	if cmd.Flags().Changed("broker-url") {
		cfg.Queue.BrokerURL = brokerURL
	}
	if cmd.Flags().Changed("queue-name") {
		cfg.Queue.Name = queueName
	}
	if cmd.Flags().Changed("allocator-url") {
		cfg.Lease.AllocatorURL = allocatorURL
	}
	if cmd.Flags().Changed("work-dir") {
		cfg.Workspace.RootDir = workDir
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Observability.Logging.Level = logLevel
	}
	return cfg, nil
}

func initObservability(cfg *config.Config) error {
	logging.SetLevelFromString(cfg.Observability.Logging.Level)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	if cfg.Observability.Logging.JobLogPath != "" {
		if err := logging.Default().SetOutput(cfg.Observability.Logging.JobLogPath); err != nil {
			return fmt.Errorf("open job log: %w", err)
		}
	}

	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
		startMetricsServer(cfg.Observability.Metrics.Addr)
	}
	return nil
}

// startMetricsServer serves the Prometheus registry for scraping. It runs
// detached: a listener failure is logged, not fatal, since metrics
// scraping is not on the job-processing critical path.
func startMetricsServer(addr string) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      metrics.PrometheusHandler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Op().Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logging.Op().Info("metrics server listening", "addr", addr)
}

func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.Queue.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the worker loop: recover in-flight jobs, then dequeue and process forever",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initObservability(cfg); err != nil {
				return err
			}
			defer observability.Shutdown(context.Background())
			defer logging.Default().Close()

			client, err := newRedisClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			q := queue.NewRedisQueue(client, cfg.Queue.Name)
			leaseClient := lease.NewClient(cfg.Lease.AllocatorURL, &http.Client{Timeout: cfg.Lease.RequestTimeout})
			wazeroRuntime := sandbox.NewWazeroRuntime(context.Background())
			defer wazeroRuntime.Close(context.Background())

			o := orchestrator.New(
				q,
				leaseClient,
				orchestrator.WorkspaceCloner,
				orchestrator.NewWazeroSandboxFactory(wazeroRuntime, guestimage.Agent),
				cfg.Workspace.RootDir,
				cfg.Sandbox.ExecuteTimeout,
			)

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			recovered, err := o.Recover(ctx)
			if err != nil {
				logging.Op().Error("startup recover failed", "error", err)
			} else if recovered > 0 {
				logging.Op().Info("startup recover", "recovered", recovered)
			}

			logging.Op().Info("agentd worker starting", "queue", cfg.Queue.Name, "broker", cfg.Queue.BrokerURL)
			err = o.Run(ctx, cfg.Queue.DequeueTimeout)
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}

func enqueueCmd() *cobra.Command {
	var (
		repoURL string
		branch  string
		prompt  string
		mcpURL  string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a single job",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := newRedisClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			q := queue.NewRedisQueue(client, cfg.Queue.Name)
			job := &domain.Job{
				ID:      uuid.NewString(),
				RepoURL: repoURL,
				Branch:  branch,
				Prompt:  prompt,
				MCPURL:  mcpURL,
			}
			if err := q.Enqueue(cmd.Context(), job); err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			fmt.Println(job.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&repoURL, "repo-url", "", "Repository URL to clone (required)")
	cmd.Flags().StringVar(&branch, "branch", "main", "Branch to check out")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt passed to the agent (required)")
	cmd.Flags().StringVar(&mcpURL, "mcp-url", "", "Override MCP connection URL (optional)")
	cmd.MarkFlagRequired("repo-url")
	cmd.MarkFlagRequired("prompt")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print pending/in-flight queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := newRedisClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			q := queue.NewRedisQueue(client, cfg.Queue.Name)
			pending, inFlight, err := q.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "pending\tin_flight\n")
			fmt.Fprintf(w, "%d\t%d\n", pending, inFlight)
			return w.Flush()
		},
	}
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Drain in-flight records back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := newRedisClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			q := queue.NewRedisQueue(client, cfg.Queue.Name)
			count, err := q.Recover(cmd.Context())
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			fmt.Printf("recovered %d record(s)\n", count)
			return nil
		},
	}
}

func peekCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peek",
		Short: "Show the next pending job without dequeuing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := newRedisClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			q := queue.NewRedisQueue(client, cfg.Queue.Name)
			job, err := q.Peek(cmd.Context())
			if err != nil {
				return fmt.Errorf("peek: %w", err)
			}
			if job == nil {
				fmt.Println("(pending queue empty)")
				return nil
			}
			fmt.Printf("%s\t%s\t%s\n", job.ID, job.RepoURL, job.Branch)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("agentd dev")
		},
	}
}
