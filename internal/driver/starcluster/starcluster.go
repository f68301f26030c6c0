// Package starcluster implements driver.Driver by shelling out to the
// StarCluster command-line tool.  The cluster tag doubles as the cluster
// id; every command runs against the configured StarCluster config file.
package starcluster

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/suiterun/internal/driver"
)

// Config holds StarCluster settings.
type Config struct {
	// Executable is the starcluster binary.  Default: "starcluster".
	Executable string

	// ConfigPath is the StarCluster config file (required).
	ConfigPath string

	// TerminationGrace is how long a cancelled command gets between
	// SIGTERM and SIGKILL.  Default: 10s.
	TerminationGrace time.Duration

	// TailBytes bounds captured stdout and stderr per command.
	TailBytes int
}

// commandRunner runs one local command to completion.  A non-zero exit is
// reported in the result, not as an error.
type commandRunner interface {
	Run(ctx context.Context, name string, args []string) (driver.ExecResult, error)
}

// Driver drives clusters through the starcluster CLI.
type Driver struct {
	cfg    Config
	runner commandRunner
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates a StarCluster driver.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.ConfigPath == "" {
		return nil, fmt.Errorf("starcluster: config path is required")
	}
	if cfg.Executable == "" {
		cfg.Executable = "starcluster"
	}
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = 10 * time.Second
	}
	return newDriver(execRunner{grace: cfg.TerminationGrace, tailBytes: cfg.TailBytes}, cfg, logger), nil
}

func newDriver(r commandRunner, cfg Config, logger *slog.Logger) *Driver {
	if cfg.Executable == "" {
		cfg.Executable = "starcluster"
	}
	return &Driver{
		cfg:    cfg,
		runner: r,
		logger: logger,
		tracer: otel.Tracer("suiterun/driver/starcluster"),
	}
}

// Start runs `starcluster start`.  When the command runs but exits
// non-zero StarCluster may have created some nodes, so the tag is
// returned together with the error for the caller to clean up.
func (d *Driver) Start(ctx context.Context, req driver.StartRequest) (string, error) {
	ctx, span := d.tracer.Start(ctx, "driver.starcluster.Start")
	defer span.End()
	span.SetAttributes(attribute.String("cluster.tag", req.Tag))

	args := d.startArgs(req)
	d.logger.Info("starting cluster",
		slog.String("tag", req.Tag),
		slog.String("command", d.cfg.Executable+" "+strings.Join(args, " ")),
	)

	res, err := d.runner.Run(ctx, d.cfg.Executable, args)
	if err != nil {
		if ctx.Err() != nil {
			// Killed mid-start: instances may already exist under the tag.
			return req.Tag, fmt.Errorf("starcluster start %s interrupted: %w", req.Tag, err)
		}
		return "", fmt.Errorf("starcluster start %s: %w", req.Tag, err)
	}
	if res.ExitCode != 0 {
		return req.Tag, fmt.Errorf("starcluster start %s exited with status %d: %s",
			req.Tag, res.ExitCode, lastLine(res.Stderr))
	}
	return req.Tag, nil
}

// ExecOnMaster runs command on the master node via `starcluster sshmaster`.
// The remote command's exit status is returned in the result.
func (d *Driver) ExecOnMaster(ctx context.Context, clusterID, user, command string) (driver.ExecResult, error) {
	ctx, span := d.tracer.Start(ctx, "driver.starcluster.ExecOnMaster")
	defer span.End()
	span.SetAttributes(attribute.String("cluster.tag", clusterID))

	res, err := d.runner.Run(ctx, d.cfg.Executable, d.execArgs(clusterID, user, command))
	if err != nil {
		return res, fmt.Errorf("starcluster sshmaster %s: %w", clusterID, err)
	}
	span.SetAttributes(attribute.Int("exit_code", res.ExitCode))
	return res, nil
}

// Terminate runs `starcluster terminate` without the confirmation prompt.
func (d *Driver) Terminate(ctx context.Context, clusterID string) error {
	ctx, span := d.tracer.Start(ctx, "driver.starcluster.Terminate")
	defer span.End()
	span.SetAttributes(attribute.String("cluster.tag", clusterID))

	d.logger.Info("terminating cluster", slog.String("tag", clusterID))

	res, err := d.runner.Run(ctx, d.cfg.Executable, d.terminateArgs(clusterID))
	if err != nil {
		return fmt.Errorf("starcluster terminate %s: %w", clusterID, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("starcluster terminate %s exited with status %d: %s",
			clusterID, res.ExitCode, lastLine(res.Stderr))
	}
	return nil
}

func (d *Driver) startArgs(req driver.StartRequest) []string {
	args := []string{"-c", d.cfg.ConfigPath, "start"}
	if req.Template != "" {
		args = append(args, "-c", req.Template)
	}
	if req.SpotBid != nil {
		args = append(args, "-b", strconv.FormatFloat(*req.SpotBid, 'f', 2, 64), "--force-spot-master")
	}
	return append(args, req.Tag)
}

func (d *Driver) execArgs(clusterID, user, command string) []string {
	return []string{"-c", d.cfg.ConfigPath, "sshmaster", "-u", user, clusterID, command}
}

// The second -c suppresses the confirmation prompt.
func (d *Driver) terminateArgs(clusterID string) []string {
	return []string{"-c", d.cfg.ConfigPath, "terminate", "-c", clusterID}
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
