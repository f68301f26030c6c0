package starcluster

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/suiterun/internal/driver"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	result driver.ExecResult
	err    error
}

func (f *fakeRunner) Run(_ context.Context, name string, args []string) (driver.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{name: name, args: args})
	return f.result, f.err
}

func (f *fakeRunner) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestDriver(r *fakeRunner) *Driver {
	return newDriver(r, Config{ConfigPath: "/etc/sc.cfg"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNewRequiresConfigPath(t *testing.T) {
	_, err := New(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)

	d, err := New(Config{ConfigPath: "/etc/sc.cfg"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.Equal(t, "starcluster", d.cfg.Executable)
}

func TestStartArgs(t *testing.T) {
	bid := 0.5

	tests := []struct {
		name string
		req  driver.StartRequest
		want []string
	}{
		{
			name: "defaults",
			req:  driver.StartRequest{Tag: "nightly"},
			want: []string{"-c", "/etc/sc.cfg", "start", "nightly"},
		},
		{
			name: "template",
			req:  driver.StartRequest{Tag: "nightly", Template: "large"},
			want: []string{"-c", "/etc/sc.cfg", "start", "-c", "large", "nightly"},
		},
		{
			name: "spot bid",
			req:  driver.StartRequest{Tag: "nightly", Template: "large", SpotBid: &bid},
			want: []string{"-c", "/etc/sc.cfg", "start", "-c", "large", "-b", "0.50", "--force-spot-master", "nightly"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{}
			id, err := newTestDriver(r).Start(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, "nightly", id)
			assert.Equal(t, "starcluster", r.last().name)
			assert.Equal(t, tt.want, r.last().args)
		})
	}
}

func TestStartNonZeroExitReturnsTag(t *testing.T) {
	r := &fakeRunner{result: driver.ExecResult{ExitCode: 1, Stderr: "creating nodes\n!!! ERROR - quota exceeded\n"}}

	id, err := newTestDriver(r).Start(context.Background(), driver.StartRequest{Tag: "nightly"})
	require.Error(t, err)
	assert.Equal(t, "nightly", id, "partially started cluster must still be reported")
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.NotContains(t, err.Error(), "creating nodes")
}

func TestStartRunnerErrorReturnsNoID(t *testing.T) {
	r := &fakeRunner{err: errors.New("executable file not found")}

	id, err := newTestDriver(r).Start(context.Background(), driver.StartRequest{Tag: "nightly"})
	require.Error(t, err)
	assert.Empty(t, id)
}

func TestStartInterruptedReturnsTag(t *testing.T) {
	r := &fakeRunner{err: errors.New("signal: killed")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	id, err := newTestDriver(r).Start(ctx, driver.StartRequest{Tag: "nightly"})
	require.Error(t, err)
	assert.Equal(t, "nightly", id, "a killed start may have left instances behind")
	assert.Contains(t, err.Error(), "interrupted")
}

func TestExecOnMaster(t *testing.T) {
	r := &fakeRunner{result: driver.ExecResult{ExitCode: 3, Stdout: "ran", Stderr: "warn"}}

	res, err := newTestDriver(r).ExecOnMaster(context.Background(), "nightly", "sgeadmin", "cd /tests && make check")
	require.NoError(t, err, "non-zero exit is not an error")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "ran", res.Stdout)
	assert.Equal(t, []string{"-c", "/etc/sc.cfg", "sshmaster", "-u", "sgeadmin", "nightly", "cd /tests && make check"}, r.last().args)
}

func TestExecOnMasterRunnerError(t *testing.T) {
	r := &fakeRunner{err: context.Canceled}

	_, err := newTestDriver(r).ExecOnMaster(context.Background(), "nightly", "root", "true")
	require.ErrorIs(t, err, context.Canceled)
}

func TestTerminate(t *testing.T) {
	r := &fakeRunner{}
	require.NoError(t, newTestDriver(r).Terminate(context.Background(), "nightly"))
	assert.Equal(t, []string{"-c", "/etc/sc.cfg", "terminate", "-c", "nightly"}, r.last().args)

	r.result = driver.ExecResult{ExitCode: 2, Stderr: "cluster nightly does not exist"}
	err := newTestDriver(r).Terminate(context.Background(), "nightly")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
