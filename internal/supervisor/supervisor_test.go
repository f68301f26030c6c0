package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type SupervisorSuite struct {
	suite.Suite
	ctx context.Context
}

func (s *SupervisorSuite) SetupTest() {
	s.ctx = context.Background()
}

func TestSupervisorSuite(t *testing.T) {
	suite.Run(t, new(SupervisorSuite))
}

func (s *SupervisorSuite) TestRun_CompletesBeforeDeadline() {
	out := Run(s.ctx, time.Second, func(context.Context) (int, error) {
		return 42, nil
	})

	require.NoError(s.T(), out.Err)
	assert.False(s.T(), out.TimedOut)
	assert.Equal(s.T(), 42, out.Value)
}

func (s *SupervisorSuite) TestRun_PropagatesError() {
	boom := errors.New("boom")
	out := Run(s.ctx, time.Second, func(context.Context) (string, error) {
		return "", boom
	})

	assert.ErrorIs(s.T(), out.Err, boom)
	assert.False(s.T(), out.TimedOut)
}

func (s *SupervisorSuite) TestRun_TimesOutOnBlockingCall() {
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	out := Run(s.ctx, 20*time.Millisecond, func(context.Context) (int, error) {
		// Ignores its context, like a driver without native cancellation.
		<-release
		return 1, nil
	})

	assert.True(s.T(), out.TimedOut)
	assert.False(s.T(), out.Cancelled)
	assert.True(s.T(), out.Abandoned())
	assert.ErrorIs(s.T(), out.Err, ErrTimeout)
	assert.Zero(s.T(), out.Value)
	assert.Less(s.T(), time.Since(start), time.Second)
}

func (s *SupervisorSuite) TestRun_CancelsCallContextOnTimeout() {
	cancelled := make(chan struct{})
	out := Run(s.ctx, 10*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		close(cancelled)
		return 0, ctx.Err()
	})

	assert.True(s.T(), out.TimedOut)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		s.T().Fatal("call context was not cancelled after the deadline")
	}
}

func (s *SupervisorSuite) TestRun_LateCompletionIsDiscarded() {
	var finished atomic.Bool
	release := make(chan struct{})

	out := Run(s.ctx, 10*time.Millisecond, func(context.Context) (int, error) {
		<-release
		finished.Store(true)
		return 7, nil
	})
	require.True(s.T(), out.TimedOut)

	close(release)
	assert.Eventually(s.T(), finished.Load, time.Second, 5*time.Millisecond)
	assert.Zero(s.T(), out.Value)
}

func (s *SupervisorSuite) TestRun_RecoversPanic() {
	out := Run(s.ctx, time.Second, func(context.Context) (int, error) {
		panic("driver exploded")
	})

	require.Error(s.T(), out.Err)
	assert.Contains(s.T(), out.Err.Error(), "driver exploded")
	assert.False(s.T(), out.TimedOut)
}

func (s *SupervisorSuite) TestRun_NonPositiveTimeoutSkipsCall() {
	var called atomic.Bool
	out := Run(s.ctx, 0, func(context.Context) (int, error) {
		called.Store(true)
		return 0, nil
	})

	assert.True(s.T(), out.TimedOut)
	assert.False(s.T(), called.Load())
}

func (s *SupervisorSuite) TestRun_ParentCancellation() {
	ctx, cancel := context.WithCancel(s.ctx)
	release := make(chan struct{})
	defer close(release)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	out := Run(ctx, time.Minute, func(context.Context) (int, error) {
		<-release
		return 0, nil
	})

	assert.ErrorIs(s.T(), out.Err, context.Canceled)
	assert.False(s.T(), out.TimedOut)
	assert.True(s.T(), out.Cancelled)
	assert.True(s.T(), out.Abandoned())
}

func (s *SupervisorSuite) TestDo() {
	out := Do(s.ctx, time.Second, func(context.Context) error { return nil })
	assert.NoError(s.T(), out.Err)
	assert.False(s.T(), out.TimedOut)
}
