package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// QueueConfig holds the broker-backed job queue settings.
type QueueConfig struct {
	BrokerURL      string        `json:"broker_url"`      // redis://localhost:6379/0
	Name           string        `json:"name"`             // agentd
	DequeueTimeout time.Duration `json:"dequeue_timeout"`  // blocking BRPOPLPUSH timeout
}

// LeaseConfig holds the MCP instance allocator settings.
type LeaseConfig struct {
	AllocatorURL string        `json:"allocator_url"` // http://localhost:8090
	RequestTimeout time.Duration `json:"request_timeout"`
}

// WorkspaceConfig holds git workspace settings.
type WorkspaceConfig struct {
	RootDir string `json:"root_dir"` // parent directory for per-job clones
}

// SandboxConfig holds wazero sandbox settings.
type SandboxConfig struct {
	ExecuteTimeout time.Duration `json:"execute_timeout"` // per-invocation ceiling on guest execution
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `json:"enabled"`      // Default: false
	Exporter    string  `json:"exporter"`     // otlp-http, stdout
	Endpoint    string  `json:"endpoint"`     // localhost:4318
	ServiceName string  `json:"service_name"` // agentd
	SampleRate  float64 `json:"sample_rate"`  // 1.0
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled          bool      `json:"enabled"`           // Default: true
	Namespace        string    `json:"namespace"`         // agentd
	Addr             string    `json:"addr"`              // :9091, scrape endpoint
	HistogramBuckets []float64 `json:"histogram_buckets"` // stage duration buckets, in seconds
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level          string `json:"level"`            // debug, info, warn, error
	Format         string `json:"format"`           // text, json
	IncludeTraceID bool   `json:"include_trace_id"` // correlate with traces
	JobLogPath     string `json:"job_log_path"`     // JSON job outcome log, empty disables
}

// ObservabilityConfig holds all observability-related settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing"`
	Metrics MetricsConfig `json:"metrics"`
	Logging LoggingConfig `json:"logging"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Queue         QueueConfig         `json:"queue"`
	Lease         LeaseConfig         `json:"lease"`
	Workspace     WorkspaceConfig     `json:"workspace"`
	Sandbox       SandboxConfig       `json:"sandbox"`
	Observability ObservabilityConfig `json:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			BrokerURL:      "redis://localhost:6379/0",
			Name:           "agentd",
			DequeueTimeout: 5 * time.Second,
		},
		Lease: LeaseConfig{
			AllocatorURL:   "http://localhost:8090",
			RequestTimeout: 10 * time.Second,
		},
		Workspace: WorkspaceConfig{
			RootDir: "/tmp/agentd/workspaces",
		},
		Sandbox: SandboxConfig{
			ExecuteTimeout: 5 * time.Minute,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "agentd",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "agentd",
				Addr:             ":9091",
				HistogramBuckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				IncludeTraceID: true,
				JobLogPath:     "",
			},
		},
	}
}

// LoadFromFile loads configuration from a JSON file, applied on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("AGENTD_BROKER_URL"); v != "" {
		cfg.Queue.BrokerURL = v
	}
	if v := os.Getenv("AGENTD_QUEUE_NAME"); v != "" {
		cfg.Queue.Name = v
	}
	if v := os.Getenv("AGENTD_DEQUEUE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.DequeueTimeout = d
		}
	}
	if v := os.Getenv("AGENTD_ALLOCATOR_URL"); v != "" {
		cfg.Lease.AllocatorURL = v
	}
	if v := os.Getenv("AGENTD_LEASE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lease.RequestTimeout = d
		}
	}
	if v := os.Getenv("AGENTD_WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.RootDir = v
	}
	if v := os.Getenv("AGENTD_SANDBOX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sandbox.ExecuteTimeout = d
		}
	}

	// Observability overrides
	if v := os.Getenv("AGENTD_TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("AGENTD_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := os.Getenv("AGENTD_TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := os.Getenv("AGENTD_TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := os.Getenv("AGENTD_TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := os.Getenv("AGENTD_METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("AGENTD_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := os.Getenv("AGENTD_METRICS_ADDR"); v != "" {
		cfg.Observability.Metrics.Addr = v
	}
	if v := os.Getenv("AGENTD_LOG_LEVEL"); v != "" {
		cfg.Observability.Logging.Level = v
	}
	if v := os.Getenv("AGENTD_LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}
	if v := os.Getenv("AGENTD_LOG_INCLUDE_TRACE_ID"); v != "" {
		cfg.Observability.Logging.IncludeTraceID = parseBool(v)
	}
	if v := os.Getenv("AGENTD_JOB_LOG_PATH"); v != "" {
		cfg.Observability.Logging.JobLogPath = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
