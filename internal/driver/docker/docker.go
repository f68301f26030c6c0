// Package docker implements the driver.Driver interface using the Docker
// daemon.  A cluster is a single long-lived container that plays the
// master node; suites run inside it with docker exec.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/suiterun/internal/driver"
)

const (
	defaultImage = "ubuntu:24.04"

	// LabelTag marks containers created by this driver with their tag.
	LabelTag = "suiterun.tag"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the master node image used when the run names no
	// template.  Default: ubuntu:24.04
	Image string

	// Dind bind-mounts the host's Docker socket into the master node so
	// suites can drive Docker themselves.
	//
	// Security note: the socket gives suites full access to the host
	// Docker daemon.
	Dind bool

	// TailBytes bounds captured stdout and stderr per exec.
	TailBytes int
}

// dockerAPI is the subset of the Docker client the driver uses.
type dockerAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

// Driver runs clusters as Docker containers.
type Driver struct {
	client    dockerAPI
	image     string
	dind      bool
	tailBytes int
	logger    *slog.Logger
	tracer    trace.Tracer
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates a Docker driver connected to the daemon described by the
// environment (DOCKER_HOST etc.).
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newDriver(client, cfg, logger), nil
}

func newDriver(client dockerAPI, cfg Config, logger *slog.Logger) *Driver {
	if cfg.Image == "" {
		cfg.Image = defaultImage
	}
	return &Driver{
		client:    client,
		image:     cfg.Image,
		dind:      cfg.Dind,
		tailBytes: cfg.TailBytes,
		logger:    logger,
		tracer:    otel.Tracer("suiterun/driver/docker"),
	}
}

// Close releases the Docker client.
func (d *Driver) Close() error {
	return d.client.Close()
}

// ContainerName is the container name used for tag.
func ContainerName(tag string) string {
	return "suiterun-" + tag
}

// Start pulls the image, then creates and starts the master container.
// A template, when given, names the image to use.  Spot bids have no
// meaning for Docker and are ignored.
func (d *Driver) Start(ctx context.Context, req driver.StartRequest) (string, error) {
	ctx, span := d.tracer.Start(ctx, "driver.docker.Start")
	defer span.End()

	img := d.image
	if req.Template != "" {
		img = req.Template
	}
	name := ContainerName(req.Tag)
	span.SetAttributes(
		attribute.String("cluster.tag", req.Tag),
		attribute.String("image", img),
	)

	if req.SpotBid != nil {
		d.logger.Debug("ignoring spot bid", slog.String("tag", req.Tag))
	}

	if err := d.pull(ctx, img); err != nil {
		return "", err
	}

	var hostCfg *container.HostConfig
	var env []string
	if d.dind {
		env = append(env, "DOCKER_HOST=unix:///var/run/docker.sock")
		hostCfg = &container.HostConfig{
			Binds: []string{"/var/run/docker.sock:/var/run/docker.sock"},
		}
		d.logger.Info("dind enabled: mounting docker socket", slog.String("name", name))
	}

	resp, err := d.client.ContainerCreate(
		ctx,
		&container.Config{
			Image:  img,
			Cmd:    []string{"sleep", "infinity"},
			Env:    env,
			Labels: map[string]string{LabelTag: req.Tag},
		},
		hostCfg,
		nil, // networking config
		nil, // platform
		name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", name, err)
	}

	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// The container exists; hand back its id so it gets removed.
		return resp.ID, fmt.Errorf("container start %s: %w", name, err)
	}

	d.logger.Info("cluster started",
		slog.String("name", name),
		slog.String("containerID", resp.ID),
	)

	return resp.ID, nil
}

func (d *Driver) pull(ctx context.Context, img string) error {
	d.logger.Info("pulling image", slog.String("image", img))

	pull, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", img, err)
	}
	defer pull.Close()

	// Drain the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		return fmt.Errorf("reading image pull response: %w", err)
	}
	return nil
}

// ExecOnMaster runs command through sh -c inside the master container.
func (d *Driver) ExecOnMaster(ctx context.Context, clusterID, user, command string) (driver.ExecResult, error) {
	ctx, span := d.tracer.Start(ctx, "driver.docker.ExecOnMaster")
	defer span.End()
	span.SetAttributes(attribute.String("containerID", clusterID))

	created, err := d.client.ContainerExecCreate(ctx, clusterID, container.ExecOptions{
		User:         user,
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return driver.ExecResult{}, fmt.Errorf("exec create on %s: %w", clusterID, err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return driver.ExecResult{}, fmt.Errorf("exec attach %s: %w", created.ID, err)
	}
	defer attach.Close()

	// Unblock the stream copy when the caller gives up.
	stop := context.AfterFunc(ctx, attach.Close)
	defer stop()

	stdout := driver.NewTailBuffer(d.tailBytes)
	stderr := driver.NewTailBuffer(d.tailBytes)
	_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)

	res := driver.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if ctx.Err() != nil {
		return res, fmt.Errorf("exec %s interrupted: %w", created.ID, ctx.Err())
	}
	if copyErr != nil {
		return res, fmt.Errorf("reading exec output: %w", copyErr)
	}

	inspect, err := d.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return res, fmt.Errorf("exec inspect %s: %w", created.ID, err)
	}
	res.ExitCode = inspect.ExitCode
	span.SetAttributes(attribute.Int("exit_code", res.ExitCode))
	return res, nil
}

// Terminate force-removes the master container.  A container that is
// already gone counts as terminated.
func (d *Driver) Terminate(ctx context.Context, clusterID string) error {
	ctx, span := d.tracer.Start(ctx, "driver.docker.Terminate")
	defer span.End()
	span.SetAttributes(attribute.String("containerID", clusterID))

	d.logger.Info("terminating cluster", slog.String("containerID", clusterID))

	err := d.client.ContainerRemove(ctx, clusterID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("container remove %s: %w", clusterID, err)
	}
	return nil
}
