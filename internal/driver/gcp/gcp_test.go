package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/suiterun/internal/driver"
)

// ---------------------------------------------------------------------------
// Mock operation (satisfies operationWaiter)
// ---------------------------------------------------------------------------

type mockOperation struct {
	err error
}

func (m *mockOperation) Wait(_ context.Context, _ ...gax.CallOption) error {
	return m.err
}

// ---------------------------------------------------------------------------
// Mock instances client (satisfies instancesAPI)
// ---------------------------------------------------------------------------

type mockInstancesClient struct {
	mu sync.Mutex

	insertCalls []*computepb.InsertInstanceRequest
	getCalls    []*computepb.GetInstanceRequest
	deleteCalls []*computepb.DeleteInstanceRequest
	closed      bool

	insertErr error // returned by Insert
	insertOp  operationWaiter
	getErr    error
	natIP     string
	networkIP string
	deleteErr error // returned by Delete
	deleteOp  operationWaiter
}

func newMockInstancesClient() *mockInstancesClient {
	return &mockInstancesClient{
		insertOp:  &mockOperation{},
		deleteOp:  &mockOperation{},
		natIP:     "203.0.113.7",
		networkIP: "10.0.0.7",
	}
}

func (m *mockInstancesClient) Insert(_ context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls = append(m.insertCalls, req)
	if m.insertErr != nil {
		return nil, m.insertErr
	}
	return m.insertOp, nil
}

func (m *mockInstancesClient) Get(_ context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.getCalls = append(m.getCalls, req)
	if m.getErr != nil {
		return nil, m.getErr
	}
	return &computepb.Instance{
		Name: proto.String(req.GetInstance()),
		NetworkInterfaces: []*computepb.NetworkInterface{
			{
				NetworkIP:     proto.String(m.networkIP),
				AccessConfigs: []*computepb.AccessConfig{{NatIP: proto.String(m.natIP)}},
			},
		},
	}, nil
}

func (m *mockInstancesClient) Delete(_ context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deleteCalls = append(m.deleteCalls, req)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return m.deleteOp, nil
}

func (m *mockInstancesClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Mock shell (satisfies remoteShell)
// ---------------------------------------------------------------------------

type shellCall struct {
	addr, user, command string
}

type mockShell struct {
	mu sync.Mutex

	calls []shellCall

	failProbes int // number of leading "true" probes that fail
	exitCode   int
	stdout     string
	stderr     string
	err        error
}

func (m *mockShell) Run(_ context.Context, addr, user, command string, stdout, stderr io.Writer) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, shellCall{addr: addr, user: user, command: command})
	if command == "true" {
		if m.failProbes > 0 {
			m.failProbes--
			return -1, fmt.Errorf("connection refused")
		}
		return 0, nil
	}
	if stdout != nil {
		_, _ = io.WriteString(stdout, m.stdout)
	}
	if stderr != nil {
		_, _ = io.WriteString(stderr, m.stderr)
	}
	return m.exitCode, m.err
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type GCPDriverSuite struct {
	suite.Suite
	ctx    context.Context
	client *mockInstancesClient
	shell  *mockShell
	logger *slog.Logger
	cfg    Config
}

func (s *GCPDriverSuite) SetupTest() {
	s.ctx = context.Background()
	s.client = newMockInstancesClient()
	s.shell = &mockShell{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.cfg = Config{
		Project:         "test-project",
		Zone:            "us-central1-a",
		MachineType:     "e2-standard-4",
		Image:           "projects/test-project/global/images/master-image",
		DiskSizeGB:      50,
		Network:         "default",
		PublicIP:        true,
		SSHReadyTimeout: time.Second,
	}
}

func (s *GCPDriverSuite) newDriver() *Driver {
	d := newDriver(s.client, s.shell, s.cfg, s.logger)
	d.publicKey = "ssh-ed25519 AAAAtest"
	d.sshRetryInterval = time.Millisecond
	return d
}

func TestGCPDriverSuite(t *testing.T) {
	suite.Run(t, new(GCPDriverSuite))
}

// ---------------------------------------------------------------------------
// Start tests
// ---------------------------------------------------------------------------

func (s *GCPDriverSuite) TestStart_Success() {
	d := s.newDriver()

	id, err := d.Start(s.ctx, driver.StartRequest{Tag: "nightly", User: "tester"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "suiterun-nightly", id) // GCP uses instance name as ID

	require.Len(s.T(), s.client.insertCalls, 1)
	req := s.client.insertCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())

	inst := req.GetInstanceResource()
	assert.Equal(s.T(), "suiterun-nightly", inst.GetName())
	assert.Contains(s.T(), inst.GetMachineType(), "e2-standard-4")
	assert.Equal(s.T(), "nightly", inst.GetLabels()["suiterun-tag"])
	assert.Nil(s.T(), inst.GetScheduling())

	var foundKey bool
	for _, item := range inst.GetMetadata().GetItems() {
		if item.GetKey() == "ssh-keys" {
			assert.Equal(s.T(), "tester:ssh-ed25519 AAAAtest", item.GetValue())
			foundKey = true
		}
	}
	assert.True(s.T(), foundKey, "ssh key should be in instance metadata")

	// sshd was probed on the external address.
	require.NotEmpty(s.T(), s.shell.calls)
	assert.Equal(s.T(), shellCall{addr: "203.0.113.7", user: "tester", command: "true"}, s.shell.calls[0])
}

func (s *GCPDriverSuite) TestStart_DiskConfig() {
	s.cfg.DiskSizeGB = 100
	d := s.newDriver()

	_, err := d.Start(s.ctx, driver.StartRequest{Tag: "disk", User: "u"})
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.Len(s.T(), inst.GetDisks(), 1)
	disk := inst.GetDisks()[0]
	assert.True(s.T(), disk.GetAutoDelete())
	assert.True(s.T(), disk.GetBoot())
	assert.Equal(s.T(), int64(100), disk.GetInitializeParams().GetDiskSizeGb())
	assert.Equal(s.T(), s.cfg.Image, disk.GetInitializeParams().GetSourceImage())
	assert.Contains(s.T(), disk.GetInitializeParams().GetDiskType(), "pd-ssd")
}

func (s *GCPDriverSuite) TestStart_TemplateSelectsImage() {
	d := s.newDriver()

	_, err := d.Start(s.ctx, driver.StartRequest{Tag: "tpl", User: "u", Template: "projects/debian-cloud/global/images/family/debian-12"})
	require.NoError(s.T(), err)

	disk := s.client.insertCalls[0].GetInstanceResource().GetDisks()[0]
	assert.Equal(s.T(), "projects/debian-cloud/global/images/family/debian-12", disk.GetInitializeParams().GetSourceImage())
}

func (s *GCPDriverSuite) TestStart_SpotBid() {
	d := s.newDriver()
	bid := 0.35

	_, err := d.Start(s.ctx, driver.StartRequest{Tag: "spot", User: "u", SpotBid: &bid})
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	require.NotNil(s.T(), inst.GetScheduling())
	assert.Equal(s.T(), "SPOT", inst.GetScheduling().GetProvisioningModel())
	assert.Equal(s.T(), "DELETE", inst.GetScheduling().GetInstanceTerminationAction())
	assert.Equal(s.T(), "0_35", inst.GetLabels()["spot-bid"])
}

func (s *GCPDriverSuite) TestStart_NoPublicIPUsesInternalAddress() {
	s.cfg.PublicIP = false
	d := s.newDriver()

	_, err := d.Start(s.ctx, driver.StartRequest{Tag: "priv", User: "u"})
	require.NoError(s.T(), err)

	nic := s.client.insertCalls[0].GetInstanceResource().GetNetworkInterfaces()[0]
	assert.Empty(s.T(), nic.GetAccessConfigs(), "should have no access configs without public IP")
	assert.Equal(s.T(), "10.0.0.7", s.shell.calls[0].addr)
}

func (s *GCPDriverSuite) TestStart_CustomSubnetAndServiceAccount() {
	s.cfg.Subnet = "projects/test-project/regions/us-central1/subnetworks/my-subnet"
	s.cfg.ServiceAccount = "suites@test-project.iam.gserviceaccount.com"
	d := s.newDriver()

	_, err := d.Start(s.ctx, driver.StartRequest{Tag: "net", User: "u"})
	require.NoError(s.T(), err)

	inst := s.client.insertCalls[0].GetInstanceResource()
	assert.Equal(s.T(), s.cfg.Subnet, inst.GetNetworkInterfaces()[0].GetSubnetwork())
	require.Len(s.T(), inst.GetServiceAccounts(), 1)
	sa := inst.GetServiceAccounts()[0]
	assert.Equal(s.T(), s.cfg.ServiceAccount, sa.GetEmail())
	assert.Contains(s.T(), sa.GetScopes(), "https://www.googleapis.com/auth/cloud-platform")
}

func (s *GCPDriverSuite) TestStart_InsertErrorAllocatesNothing() {
	s.client.insertErr = fmt.Errorf("quota exceeded")
	d := s.newDriver()

	id, err := d.Start(s.ctx, driver.StartRequest{Tag: "fail", User: "u"})
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "quota exceeded")
	assert.Empty(s.T(), id)
}

func (s *GCPDriverSuite) TestStart_OperationWaitErrorReturnsName() {
	s.client.insertOp = &mockOperation{err: fmt.Errorf("operation timed out")}
	d := s.newDriver()

	id, err := d.Start(s.ctx, driver.StartRequest{Tag: "slow", User: "u"})
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "operation timed out")
	assert.Equal(s.T(), "suiterun-slow", id, "instance may exist and must be cleaned up")
}

func (s *GCPDriverSuite) TestStart_SSHRetriesUntilReady() {
	s.shell.failProbes = 3
	d := s.newDriver()

	_, err := d.Start(s.ctx, driver.StartRequest{Tag: "boot", User: "u"})
	require.NoError(s.T(), err)
	assert.Len(s.T(), s.shell.calls, 4)
}

func (s *GCPDriverSuite) TestStart_SSHNeverReady() {
	s.shell.failProbes = 1 << 30
	s.cfg.SSHReadyTimeout = 20 * time.Millisecond
	d := s.newDriver()

	id, err := d.Start(s.ctx, driver.StartRequest{Tag: "dead", User: "u"})
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "ssh not ready")
	assert.Equal(s.T(), "suiterun-dead", id)
}

// ---------------------------------------------------------------------------
// ExecOnMaster tests
// ---------------------------------------------------------------------------

func (s *GCPDriverSuite) TestExecOnMaster() {
	s.shell.exitCode = 5
	s.shell.stdout = "ran\n"
	s.shell.stderr = "boom\n"
	d := s.newDriver()

	res, err := d.ExecOnMaster(s.ctx, "suiterun-nightly", "tester", "make check")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 5, res.ExitCode)
	assert.Equal(s.T(), "ran\n", res.Stdout)
	assert.Equal(s.T(), "boom\n", res.Stderr)

	require.Len(s.T(), s.shell.calls, 1)
	assert.Equal(s.T(), shellCall{addr: "203.0.113.7", user: "tester", command: "make check"}, s.shell.calls[0])
}

func (s *GCPDriverSuite) TestExecOnMaster_AddressIsCached() {
	d := s.newDriver()

	_, err := d.ExecOnMaster(s.ctx, "suiterun-a", "u", "one")
	require.NoError(s.T(), err)
	_, err = d.ExecOnMaster(s.ctx, "suiterun-a", "u", "two")
	require.NoError(s.T(), err)
	assert.Len(s.T(), s.client.getCalls, 1)
}

func (s *GCPDriverSuite) TestExecOnMaster_ShellError() {
	s.shell.err = fmt.Errorf("connection reset")
	d := s.newDriver()

	_, err := d.ExecOnMaster(s.ctx, "suiterun-a", "u", "make")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "connection reset")
}

func (s *GCPDriverSuite) TestExecOnMaster_GetError() {
	s.client.getErr = fmt.Errorf("permission denied")
	d := s.newDriver()

	_, err := d.ExecOnMaster(s.ctx, "suiterun-a", "u", "make")
	require.Error(s.T(), err)
	assert.Empty(s.T(), s.shell.calls)
}

// ---------------------------------------------------------------------------
// Terminate tests
// ---------------------------------------------------------------------------

func (s *GCPDriverSuite) TestTerminate_Success() {
	d := s.newDriver()

	err := d.Terminate(s.ctx, "suiterun-nightly")
	require.NoError(s.T(), err)

	require.Len(s.T(), s.client.deleteCalls, 1)
	req := s.client.deleteCalls[0]
	assert.Equal(s.T(), "test-project", req.GetProject())
	assert.Equal(s.T(), "us-central1-a", req.GetZone())
	assert.Equal(s.T(), "suiterun-nightly", req.GetInstance())
}

func (s *GCPDriverSuite) TestTerminate_Idempotent_DeleteReturns404() {
	s.client.deleteErr = fmt.Errorf("googleapi: Error 404: The resource was not found")
	d := s.newDriver()

	err := d.Terminate(s.ctx, "suiterun-gone")
	require.NoError(s.T(), err, "404 on Delete should be treated as success")
}

func (s *GCPDriverSuite) TestTerminate_Idempotent_WaitReturns404() {
	s.client.deleteOp = &mockOperation{err: fmt.Errorf("code = NotFound")}
	d := s.newDriver()

	err := d.Terminate(s.ctx, "suiterun-race")
	require.NoError(s.T(), err, "404 during Wait should be treated as success")
}

func (s *GCPDriverSuite) TestTerminate_RealError() {
	s.client.deleteErr = fmt.Errorf("permission denied: insufficient IAM permissions")
	d := s.newDriver()

	err := d.Terminate(s.ctx, "suiterun-perms")
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "permission denied")
}

func (s *GCPDriverSuite) TestClose() {
	d := s.newDriver()
	require.NoError(s.T(), d.Close())
	assert.True(s.T(), s.client.closed)
}

// ---------------------------------------------------------------------------
// Helper function tests
// ---------------------------------------------------------------------------

func (s *GCPDriverSuite) TestInstanceName() {
	assert.Equal(s.T(), "suiterun-nightly", InstanceName("nightly"))
	assert.Equal(s.T(), "suiterun-release-1-2", InstanceName("Release_1.2"))

	long := InstanceName("a-very-long-tag-that-goes-on-and-on-well-past-the-limit-of-gce-names")
	assert.LessOrEqual(s.T(), len(long), 63)
	assert.NotEqual(s.T(), byte('-'), long[len(long)-1])
}

func (s *GCPDriverSuite) TestIsNotFound() {
	assert.False(s.T(), isNotFound(nil))
	assert.True(s.T(), isNotFound(fmt.Errorf("googleapi: Error 404: The resource was not found")))
	assert.True(s.T(), isNotFound(fmt.Errorf("rpc error: code = NotFound desc = instance not found")))
	assert.True(s.T(), isNotFound(fmt.Errorf("some error with notFound in the message")))
	assert.False(s.T(), isNotFound(fmt.Errorf("permission denied: insufficient IAM permissions")))
	assert.False(s.T(), isNotFound(fmt.Errorf("Error 500: internal server error")))
}

func (s *GCPDriverSuite) TestHostKeyCallback() {
	cb, err := hostKeyCallback("")
	require.NoError(s.T(), err)
	assert.NotNil(s.T(), cb)

	_, err = hostKeyCallback("/nonexistent/known_hosts")
	assert.Error(s.T(), err)
}
