package starcluster

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/terrpan/suiterun/internal/driver"
)

// execRunner runs commands as local processes in their own process group
// so cancellation reaches ssh and anything else starcluster spawned.
type execRunner struct {
	grace     time.Duration
	tailBytes int
}

func (r execRunner) Run(ctx context.Context, name string, args []string) (driver.ExecResult, error) {
	stdout := driver.NewTailBuffer(r.tailBytes)
	stderr := driver.NewTailBuffer(r.tailBytes)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.grace
	setProcessGroup(cmd)

	err := cmd.Run()
	res := driver.ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		res.ExitCode = -1
		return res, fmt.Errorf("%s interrupted: %w", name, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return res, fmt.Errorf("running %s: %w", name, err)
	}
}
