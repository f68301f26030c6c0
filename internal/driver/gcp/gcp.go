// Package gcp implements the driver.Driver interface using Google Cloud
// Compute Engine.  A cluster is a single VM acting as the master node;
// suites run on it over SSH.
//
// Authentication to the Compute API uses Application Default Credentials
// (ADC).  No credential fields exist in Config.  SSH access uses a key
// pair whose public half is injected through instance metadata.
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/suiterun/internal/driver"
)

// Config holds GCP-specific driver settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where cluster VMs are created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-standard-4".
	MachineType string

	// Image is the source image used when the run names no template
	// (required).  Examples:
	//   "projects/my-project/global/images/family/suiterun-master"
	//   "projects/debian-cloud/global/images/family/debian-12"
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network.  Default: "default".
	Network string

	// Subnet is the subnetwork (optional).
	Subnet string

	// PublicIP gives the VM an external IP, which is then used for SSH.
	// Without it the driver connects to the internal IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to the
	// VM (optional).
	ServiceAccount string

	// SSHKeyPath is the private key used to reach the VM (required).
	SSHKeyPath string

	// SSHPort defaults to 22.
	SSHPort int

	// KnownHostsPath, when set, verifies VM host keys against a
	// known_hosts file.  Freshly created VMs usually have unknown keys,
	// so by default host keys are not checked.
	KnownHostsPath string

	// SSHReadyTimeout bounds how long Start waits for sshd after the VM
	// is running.  Default: 5m.
	SSHReadyTimeout time.Duration

	// TailBytes bounds captured stdout and stderr per command.
	TailBytes int
}

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of the Compute instances client the driver
// uses.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Close() error
}

// restInstances adapts *compute.InstancesClient to instancesAPI.
type restInstances struct {
	c *compute.InstancesClient
}

func (r restInstances) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return r.c.Insert(ctx, req)
}

func (r restInstances) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return r.c.Get(ctx, req)
}

func (r restInstances) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return r.c.Delete(ctx, req)
}

func (r restInstances) Close() error {
	return r.c.Close()
}

// Driver manages clusters as GCP Compute Engine VMs.
type Driver struct {
	client    instancesAPI
	shell     remoteShell
	cfg       Config
	publicKey string // authorized_keys line without trailing newline
	logger    *slog.Logger

	sshRetryInterval time.Duration

	mu        sync.Mutex
	addresses map[string]string // instance name -> IP

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates a GCP driver using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-standard-4"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.SSHPort == 0 {
		cfg.SSHPort = 22
	}
	if cfg.SSHReadyTimeout == 0 {
		cfg.SSHReadyTimeout = 5 * time.Minute
	}

	keyPEM, err := os.ReadFile(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing ssh key %s: %w", cfg.SSHKeyPath, err)
	}

	hostKeys, err := hostKeyCallback(cfg.KnownHostsPath)
	if err != nil {
		return nil, err
	}
	if cfg.KnownHostsPath == "" {
		logger.Warn("ssh host keys will not be verified")
	}

	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp driver initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)

	shell := &sshShell{signer: signer, port: cfg.SSHPort, hostKeys: hostKeys}
	d := newDriver(restInstances{c: client}, shell, cfg, logger)
	d.publicKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	return d, nil
}

func newDriver(client instancesAPI, shell remoteShell, cfg Config, logger *slog.Logger) *Driver {
	return &Driver{
		client:           client,
		shell:            shell,
		cfg:              cfg,
		logger:           logger,
		sshRetryInterval: 5 * time.Second,
		addresses:        make(map[string]string),
		tracer:           otel.Tracer("suiterun/driver/gcp"),
	}
}

// Close releases the Compute API client.
func (d *Driver) Close() error {
	return d.client.Close()
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// InstanceName maps a cluster tag to a valid Compute Engine resource name.
func InstanceName(tag string) string {
	name := "suiterun-" + invalidNameChars.ReplaceAllString(strings.ToLower(tag), "-")
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.TrimRight(name, "-")
}

// Start creates the master VM, waits for it to be running and for sshd to
// accept connections.  A template, when given, names the source image.
// A spot bid requests SPOT provisioning; Compute Engine has no bid price,
// so the amount itself is only recorded as a label.
func (d *Driver) Start(ctx context.Context, req driver.StartRequest) (string, error) {
	ctx, span := d.tracer.Start(ctx, "driver.gcp.Start")
	defer span.End()

	name := InstanceName(req.Tag)
	span.SetAttributes(
		attribute.String("cluster.tag", req.Tag),
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", d.cfg.Project),
		attribute.String("gcp.zone", d.cfg.Zone),
		attribute.String("gcp.machine_type", d.cfg.MachineType),
	)

	d.logger.Info("creating master VM",
		slog.String("name", name),
		slog.String("machine_type", d.cfg.MachineType),
		slog.String("zone", d.cfg.Zone),
		slog.Bool("spot", req.SpotBid != nil),
	)

	op, err := d.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          d.cfg.Project,
		Zone:             d.cfg.Zone,
		InstanceResource: d.instance(name, req),
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", name, err)
	}

	// From here on the instance may exist, so its name goes back with
	// any error.
	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return name, fmt.Errorf("waiting for instance %s: %w", name, err)
	}

	addr, err := d.address(ctx, name)
	if err != nil {
		return name, err
	}

	span.AddEvent("waiting for sshd")
	if err := d.waitForSSH(ctx, addr, req.User); err != nil {
		return name, fmt.Errorf("instance %s: %w", name, err)
	}

	d.logger.Info("master VM ready",
		slog.String("name", name),
		slog.String("address", addr),
	)
	return name, nil
}

func (d *Driver) instance(name string, req driver.StartRequest) *computepb.Instance {
	img := d.cfg.Image
	if req.Template != "" {
		img = req.Template
	}

	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(img),
			DiskSizeGb:  proto.Int64(d.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", d.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", d.cfg.Network)),
	}
	if d.cfg.Subnet != "" {
		nic.Subnetwork = proto.String(d.cfg.Subnet)
	}
	if d.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	labels := map[string]string{"suiterun-tag": strings.TrimPrefix(name, "suiterun-")}

	inst := &computepb.Instance{
		Name:              proto.String(name),
		MachineType:       proto.String(fmt.Sprintf("zones/%s/machineTypes/%s", d.cfg.Zone, d.cfg.MachineType)),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Labels:            labels,
		Metadata: &computepb.Metadata{
			Items: []*computepb.Items{
				{
					Key:   proto.String("ssh-keys"),
					Value: proto.String(req.User + ":" + d.publicKey),
				},
			},
		},
	}

	if req.SpotBid != nil {
		inst.Scheduling = &computepb.Scheduling{
			ProvisioningModel:         proto.String("SPOT"),
			InstanceTerminationAction: proto.String("DELETE"),
		}
		labels["spot-bid"] = strings.ReplaceAll(fmt.Sprintf("%.2f", *req.SpotBid), ".", "_")
	}

	if d.cfg.ServiceAccount != "" {
		inst.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(d.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}
	return inst
}

// address returns the IP used to reach the instance, looking it up once.
func (d *Driver) address(ctx context.Context, name string) (string, error) {
	d.mu.Lock()
	addr, ok := d.addresses[name]
	d.mu.Unlock()
	if ok {
		return addr, nil
	}

	inst, err := d.client.Get(ctx, &computepb.GetInstanceRequest{
		Project:  d.cfg.Project,
		Zone:     d.cfg.Zone,
		Instance: name,
	})
	if err != nil {
		return "", fmt.Errorf("get instance %s: %w", name, err)
	}

	for _, nic := range inst.GetNetworkInterfaces() {
		if d.cfg.PublicIP {
			for _, ac := range nic.GetAccessConfigs() {
				if ip := ac.GetNatIP(); ip != "" {
					addr = ip
					break
				}
			}
		} else {
			addr = nic.GetNetworkIP()
		}
		if addr != "" {
			break
		}
	}
	if addr == "" {
		return "", fmt.Errorf("instance %s has no reachable address", name)
	}

	d.mu.Lock()
	d.addresses[name] = addr
	d.mu.Unlock()
	return addr, nil
}

func (d *Driver) waitForSSH(ctx context.Context, addr, user string) error {
	timeout := d.cfg.SSHReadyTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for {
		code, err := d.shell.Run(ctx, addr, user, "true", nil, nil)
		if err == nil && code == 0 {
			return nil
		}
		lastErr = err
		if lastErr == nil {
			lastErr = fmt.Errorf("probe exited with status %d", code)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("ssh not ready: %w", lastErr)
		case <-time.After(d.sshRetryInterval):
		}
	}
}

// ExecOnMaster runs command as user on the VM over SSH.
func (d *Driver) ExecOnMaster(ctx context.Context, clusterID, user, command string) (driver.ExecResult, error) {
	ctx, span := d.tracer.Start(ctx, "driver.gcp.ExecOnMaster")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", clusterID))

	addr, err := d.address(ctx, clusterID)
	if err != nil {
		return driver.ExecResult{}, err
	}

	stdout := driver.NewTailBuffer(d.cfg.TailBytes)
	stderr := driver.NewTailBuffer(d.cfg.TailBytes)
	code, err := d.shell.Run(ctx, addr, user, command, stdout, stderr)

	res := driver.ExecResult{ExitCode: code, Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		return res, fmt.Errorf("ssh %s@%s: %w", user, clusterID, err)
	}
	span.SetAttributes(attribute.Int("exit_code", code))
	return res, nil
}

// Terminate permanently deletes the VM.  It is idempotent: deleting an
// already-deleted VM is not an error.
func (d *Driver) Terminate(ctx context.Context, clusterID string) error {
	ctx, span := d.tracer.Start(ctx, "driver.gcp.Terminate")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", clusterID),
		attribute.String("gcp.project", d.cfg.Project),
		attribute.String("gcp.zone", d.cfg.Zone),
	)

	d.logger.Info("deleting master VM", slog.String("name", clusterID))

	op, err := d.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  d.cfg.Project,
		Zone:     d.cfg.Zone,
		Instance: clusterID,
	})
	if err != nil {
		if isNotFound(err) {
			span.AddEvent("instance already deleted")
			d.logger.Info("master VM already deleted", slog.String("name", clusterID))
			d.forget(clusterID)
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", clusterID, err)
	}

	if err := op.Wait(ctx); err != nil {
		// A 404 while waiting means something else finished the delete.
		if isNotFound(err) {
			span.AddEvent("instance already deleted during wait")
			d.forget(clusterID)
			return nil
		}
		return fmt.Errorf("waiting for delete of %s: %w", clusterID, err)
	}

	d.forget(clusterID)
	d.logger.Info("master VM deleted", slog.String("name", clusterID))
	return nil
}

func (d *Driver) forget(name string) {
	d.mu.Lock()
	delete(d.addresses, name)
	d.mu.Unlock()
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.  The compute library wraps errors through several layers, so
// the message is matched rather than the type.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	// googleapi.Error formats as "googleapi: Error 404: ..."
	// gRPC status formats as "code = NotFound"
	for _, pattern := range []string{"Error 404", "code = NotFound", "notFound"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
