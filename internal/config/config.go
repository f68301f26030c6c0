// Package config handles loading, validating, and applying
// configuration for suiterun.  Configuration is read from a YAML file and
// can be overridden by CLI flags.  The suite list, recipient list and
// SMTP settings live in separate plain-text input files (see inputs.go).
package config

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/suiterun/internal/driver"
	"github.com/terrpan/suiterun/internal/driver/docker"
	"github.com/terrpan/suiterun/internal/driver/gcp"
	"github.com/terrpan/suiterun/internal/driver/starcluster"
	"github.com/terrpan/suiterun/internal/lifecycle"
	"github.com/terrpan/suiterun/internal/notify"
	"github.com/terrpan/suiterun/internal/orchestrator"
	"github.com/terrpan/suiterun/internal/otel"
	"github.com/terrpan/suiterun/internal/report"
)

// Default phase deadlines, in minutes.
const (
	DefaultSetupTimeout    = 20.0
	DefaultExecTimeout     = 240.0
	DefaultTeardownTimeout = 20.0
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Run     RunConfig     `yaml:"run"`
	Inputs  InputsConfig  `yaml:"inputs"`
	Driver  DriverConfig  `yaml:"driver"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
	Metrics MetricsConfig `yaml:"metrics"`
	History HistoryConfig `yaml:"history"`
	Lease   LeaseConfig   `yaml:"lease"`
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// RunConfig describes the cluster to start and the phase deadlines.
type RunConfig struct {
	// Tag names the cluster (required).
	Tag string `yaml:"tag"`

	// Template is the backend cluster template (optional).
	Template string `yaml:"template"`

	// User is the remote user suites run as.  Default: "root".
	User string `yaml:"user"`

	// SpotBid is the maximum USD/hour for spot capacity.  nil requests
	// on-demand instances.
	SpotBid *float64 `yaml:"spot_bid"`

	// SuppressSpotBidCheck allows bids above lifecycle.MaxSpotBid.
	SuppressSpotBidCheck bool `yaml:"suppress_spot_bid_check"`

	// Phase deadlines in (fractional) minutes.  nil means the default;
	// explicit values must be positive.
	SetupTimeout    *float64 `yaml:"setup_timeout"`
	ExecTimeout     *float64 `yaml:"exec_timeout"`
	TeardownTimeout *float64 `yaml:"teardown_timeout"`
}

// InputsConfig points at the plain-text input files.
type InputsConfig struct {
	Suites        string `yaml:"suites"`
	Recipients    string `yaml:"recipients"`
	EmailSettings string `yaml:"email_settings"`
}

// ---------------------------------------------------------------------------
// Driver
// ---------------------------------------------------------------------------

// DriverConfig selects and configures the cluster backend.
type DriverConfig struct {
	// Type selects the backend: "starcluster" (default), "docker", "gcp".
	Type string `yaml:"type"`

	// TailBytes bounds the captured stdout and stderr of each command.
	// Default: 1 MiB.
	TailBytes int `yaml:"tail_bytes"`

	StarCluster StarClusterDriverConfig `yaml:"starcluster"`
	Docker      DockerDriverConfig      `yaml:"docker"`
	GCP         GCPDriverConfig         `yaml:"gcp"`
}

// StarClusterDriverConfig holds StarCluster settings.
type StarClusterDriverConfig struct {
	// Executable is the starcluster binary.  Default: "starcluster".
	Executable string `yaml:"executable"`

	// ConfigPath is the StarCluster config file (required when
	// driver.type is "starcluster").
	ConfigPath string `yaml:"config_path"`

	// TerminationGrace is the delay between SIGTERM and SIGKILL for a
	// cancelled command.  Default: 10s.
	TerminationGrace time.Duration `yaml:"termination_grace"`
}

// DockerDriverConfig holds Docker settings.
type DockerDriverConfig struct {
	// Image is the master node image.  Default: "ubuntu:24.04".
	Image string `yaml:"image"`
	// Dind bind-mounts the host's Docker socket into the master node.
	Dind bool `yaml:"dind"`
}

// GCPDriverConfig holds GCP Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC).
type GCPDriverConfig struct {
	Project     string `yaml:"project"`
	Zone        string `yaml:"zone"`
	MachineType string `yaml:"machine_type"`
	Image       string `yaml:"image"`
	DiskSizeGB  int64  `yaml:"disk_size_gb"`
	Network     string `yaml:"network"`
	Subnet      string `yaml:"subnet"`

	// PublicIP defaults to true.  A *bool distinguishes "not set" from
	// "explicitly false".
	PublicIP *bool `yaml:"public_ip"`

	ServiceAccount string `yaml:"service_account"`

	SSHKeyPath      string        `yaml:"ssh_key_path"`
	SSHPort         int           `yaml:"ssh_port"`
	KnownHostsPath  string        `yaml:"known_hosts_path"`
	SSHReadyTimeout time.Duration `yaml:"ssh_ready_timeout"`
}

// ---------------------------------------------------------------------------
// Notification
// ---------------------------------------------------------------------------

// NotifyConfig controls the report email.
type NotifyConfig struct {
	// Subject of the report email.  Default: notify.DefaultSubject.
	Subject string `yaml:"subject"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry & metrics
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// MetricsConfig controls the Prometheus side of telemetry.
type MetricsConfig struct {
	// ListenAddr serves /metrics and /healthz for the duration of the
	// run (e.g. ":9090").  Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// PushgatewayURL, when set, receives the final metrics after the run.
	PushgatewayURL string `yaml:"pushgateway_url"`

	// JobName is the Pushgateway job label.  Default: "suiterun".
	JobName string `yaml:"job_name"`
}

// Prometheus reports whether a Prometheus reader is needed.
func (m MetricsConfig) Prometheus() bool {
	return m.ListenAddr != "" || m.PushgatewayURL != ""
}

// ---------------------------------------------------------------------------
// History & lease
// ---------------------------------------------------------------------------

// HistoryConfig controls the run archive.
type HistoryConfig struct {
	// PostgresDSN enables archiving reports to Postgres when set.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// LeaseConfig controls the cross-process tag lease.
type LeaseConfig struct {
	// RedisURL enables the lease when set (e.g. "redis://localhost:6379/0").
	RedisURL string `yaml:"redis_url"`

	// TTL bounds how long a crashed run can hold its tag.  Default: the
	// sum of the phase deadlines plus 10 minutes.
	TTL time.Duration `yaml:"ttl"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Run.User == "" {
		c.Run.User = "root"
	}
	if c.Run.SetupTimeout == nil {
		c.Run.SetupTimeout = ptr(DefaultSetupTimeout)
	}
	if c.Run.ExecTimeout == nil {
		c.Run.ExecTimeout = ptr(DefaultExecTimeout)
	}
	if c.Run.TeardownTimeout == nil {
		c.Run.TeardownTimeout = ptr(DefaultTeardownTimeout)
	}
	if c.Driver.Type == "" {
		c.Driver.Type = "starcluster"
	}
	if c.Driver.TailBytes == 0 {
		c.Driver.TailBytes = driver.DefaultTailBytes
	}
	if c.Driver.StarCluster.Executable == "" {
		c.Driver.StarCluster.Executable = "starcluster"
	}
	if c.Driver.StarCluster.TerminationGrace == 0 {
		c.Driver.StarCluster.TerminationGrace = 10 * time.Second
	}
	if c.Driver.Docker.Image == "" {
		c.Driver.Docker.Image = "ubuntu:24.04"
	}
	if c.Driver.GCP.MachineType == "" {
		c.Driver.GCP.MachineType = "e2-standard-4"
	}
	if c.Driver.GCP.DiskSizeGB == 0 {
		c.Driver.GCP.DiskSizeGB = 50
	}
	if c.Driver.GCP.Network == "" {
		c.Driver.GCP.Network = "default"
	}
	if c.Driver.GCP.PublicIP == nil {
		c.Driver.GCP.PublicIP = ptr(true)
	}
	if c.Driver.GCP.SSHPort == 0 {
		c.Driver.GCP.SSHPort = 22
	}
	if c.Driver.GCP.SSHReadyTimeout == 0 {
		c.Driver.GCP.SSHReadyTimeout = 5 * time.Minute
	}
	if c.Notify.Subject == "" {
		c.Notify.Subject = notify.DefaultSubject
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.JobName == "" {
		c.Metrics.JobName = "suiterun"
	}
	if c.Lease.TTL == 0 {
		t := c.Timeouts()
		c.Lease.TTL = t.Setup + t.Exec + t.Teardown + 10*time.Minute
	}
}

// positive rejects NaN and infinities along with zero and negatives.
func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if strings.TrimSpace(c.Run.Tag) == "" {
		return fmt.Errorf("run.tag is required")
	}
	if c.Run.SpotBid != nil && !positive(*c.Run.SpotBid) {
		return fmt.Errorf("run.spot_bid must be positive, got %g", *c.Run.SpotBid)
	}
	for _, t := range []struct {
		name string
		v    *float64
	}{
		{"run.setup_timeout", c.Run.SetupTimeout},
		{"run.exec_timeout", c.Run.ExecTimeout},
		{"run.teardown_timeout", c.Run.TeardownTimeout},
	} {
		if !positive(*t.v) {
			return fmt.Errorf("%s must be a positive number of minutes, got %g", t.name, *t.v)
		}
	}

	if c.Inputs.Suites == "" {
		return fmt.Errorf("inputs.suites is required")
	}
	if c.Inputs.Recipients == "" {
		return fmt.Errorf("inputs.recipients is required")
	}
	if c.Inputs.EmailSettings == "" {
		return fmt.Errorf("inputs.email_settings is required")
	}

	if c.Driver.TailBytes < 0 {
		return fmt.Errorf("driver.tail_bytes must not be negative")
	}

	switch c.Driver.Type {
	case "starcluster":
		if c.Driver.StarCluster.ConfigPath == "" {
			return fmt.Errorf("driver.starcluster.config_path is required when driver.type is \"starcluster\"")
		}
	case "docker":
		// OK
	case "gcp":
		if c.Driver.GCP.Project == "" {
			return fmt.Errorf("driver.gcp.project is required when driver.type is \"gcp\"")
		}
		if c.Driver.GCP.Zone == "" {
			return fmt.Errorf("driver.gcp.zone is required when driver.type is \"gcp\"")
		}
		if c.Driver.GCP.Image == "" {
			return fmt.Errorf("driver.gcp.image is required when driver.type is \"gcp\"")
		}
		if c.Driver.GCP.SSHKeyPath == "" {
			return fmt.Errorf("driver.gcp.ssh_key_path is required when driver.type is \"gcp\"")
		}
	default:
		return fmt.Errorf("driver.type %q is not supported (supported: starcluster, docker, gcp)", c.Driver.Type)
	}

	if c.Metrics.PushgatewayURL != "" {
		if _, err := url.ParseRequestURI(c.Metrics.PushgatewayURL); err != nil {
			return fmt.Errorf("metrics.pushgateway_url: invalid URL %q: %w", c.Metrics.PushgatewayURL, err)
		}
	}
	if c.Lease.RedisURL != "" && c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be positive")
	}

	return nil
}

// ValidateSpotBid runs the lifecycle bid check so the CLI can reject a
// bad bid before anything else happens.
func (c *Config) ValidateSpotBid() error {
	return lifecycle.Validate(c.Run.SpotBid, c.Run.SuppressSpotBidCheck)
}

func ptr[T any](v T) *T { return &v }

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Timeouts converts the configured minutes into durations.  Call after
// ApplyDefaults.
func (c *Config) Timeouts() report.Timeouts {
	return report.Timeouts{
		Setup:    minutes(c.Run.SetupTimeout, DefaultSetupTimeout),
		Exec:     minutes(c.Run.ExecTimeout, DefaultExecTimeout),
		Teardown: minutes(c.Run.TeardownTimeout, DefaultTeardownTimeout),
	}
}

func minutes(v *float64, def float64) time.Duration {
	m := def
	if v != nil {
		m = *v
	}
	return time.Duration(m * float64(time.Minute))
}

// OrchestratorConfig builds the immutable run description.
func (c *Config) OrchestratorConfig(in *Inputs) orchestrator.Config {
	return orchestrator.Config{
		Tag:                  c.Run.Tag,
		Template:             c.Run.Template,
		User:                 c.Run.User,
		SpotBid:              c.Run.SpotBid,
		SuppressSpotBidCheck: c.Run.SuppressSpotBidCheck,
		Timeouts:             c.Timeouts(),
		Suites:               in.Suites,
	}
}

// LoadInputs parses the suite list, recipient list and email settings.
func (c *Config) LoadInputs() (*Inputs, error) {
	suites, err := parseFile(c.Inputs.Suites, ParseSuites)
	if err != nil {
		return nil, err
	}
	recipients, err := parseFile(c.Inputs.Recipients, ParseRecipients)
	if err != nil {
		return nil, err
	}
	email, err := parseFile(c.Inputs.EmailSettings, ParseEmailSettings)
	if err != nil {
		return nil, err
	}
	return &Inputs{Suites: suites, Recipients: recipients, Email: email}, nil
}

// NewNotifier creates the email notifier bound to the parsed inputs.
func (c *Config) NewNotifier(in *Inputs, logger *slog.Logger) (*notify.Notifier, error) {
	return notify.New(notify.Settings{
		Host:     in.Email.SMTPServer,
		Port:     in.Email.SMTPPort,
		Sender:   in.Email.Sender,
		Password: in.Email.Password,
	}, in.Recipients, c.Notify.Subject, logger.WithGroup("notify"))
}

// NewDriver creates the cluster backend selected by driver.type.  Drivers
// holding client connections also implement io.Closer.
func (c *Config) NewDriver(ctx context.Context, logger *slog.Logger) (driver.Driver, error) {
	switch c.Driver.Type {
	case "starcluster":
		return starcluster.New(starcluster.Config{
			Executable:       c.Driver.StarCluster.Executable,
			ConfigPath:       c.Driver.StarCluster.ConfigPath,
			TerminationGrace: c.Driver.StarCluster.TerminationGrace,
			TailBytes:        c.Driver.TailBytes,
		}, logger.WithGroup("driver.starcluster"))
	case "docker":
		return docker.New(docker.Config{
			Image:     c.Driver.Docker.Image,
			Dind:      c.Driver.Docker.Dind,
			TailBytes: c.Driver.TailBytes,
		}, logger.WithGroup("driver.docker"))
	case "gcp":
		return gcp.New(ctx, gcp.Config{
			Project:         c.Driver.GCP.Project,
			Zone:            c.Driver.GCP.Zone,
			MachineType:     c.Driver.GCP.MachineType,
			Image:           c.Driver.GCP.Image,
			DiskSizeGB:      c.Driver.GCP.DiskSizeGB,
			Network:         c.Driver.GCP.Network,
			Subnet:          c.Driver.GCP.Subnet,
			PublicIP:        *c.Driver.GCP.PublicIP,
			ServiceAccount:  c.Driver.GCP.ServiceAccount,
			SSHKeyPath:      c.Driver.GCP.SSHKeyPath,
			SSHPort:         c.Driver.GCP.SSHPort,
			KnownHostsPath:  c.Driver.GCP.KnownHostsPath,
			SSHReadyTimeout: c.Driver.GCP.SSHReadyTimeout,
			TailBytes:       c.Driver.TailBytes,
		}, logger.WithGroup("driver.gcp"))
	default:
		return nil, fmt.Errorf("unsupported driver type: %s", c.Driver.Type)
	}
}

// TelemetryConfig maps the otel and metrics sections onto otel.Config.
// reg is attached only when the metrics section asks for Prometheus.
func (c *Config) TelemetryConfig(reg *prometheus.Registry) otel.Config {
	cfg := otel.Config{
		Enabled:  c.OTel.Enabled,
		Endpoint: c.OTel.Endpoint,
		Insecure: c.OTel.Insecure,
		StdOut:   c.OTel.StdOut,
		Tag:      c.Run.Tag,
		Driver:   c.Driver.Type,
	}
	if c.Metrics.Prometheus() {
		cfg.Prometheus = reg
	}
	return cfg
}
