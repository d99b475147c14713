package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/you-humble/mediaupload/uploader/internal/dispatcher"
	"github.com/you-humble/mediaupload/uploader/internal/policy"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	// errs are returned in order, then nil
	errs []error
}

func (e *fakeExecutor) Execute(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, id)
	if len(e.errs) > 0 {
		err := e.errs[0]
		e.errs = e.errs[1:]
		return err
	}
	return nil
}

func (e *fakeExecutor) count(id string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c == id {
			n++
		}
	}
	return n
}

type switchDevice struct {
	ready atomic.Bool
}

func (d *switchDevice) Network() policy.NetworkType {
	if d.ready.Load() {
		return policy.NetworkUnmetered
	}
	return policy.NetworkAny
}
func (d *switchDevice) Charging() bool { return d.ready.Load() }
func (d *switchDevice) Idle() bool     { return true }

func startLocal(t *testing.T, exec Executor, device policy.DeviceState, cfg LocalConfig) *Local {
	t.Helper()
	s := NewLocal(exec, device, cfg)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))
	})
	return s
}

func TestLocal_ScheduleImmediate(t *testing.T) {
	exec := &fakeExecutor{}
	s := startLocal(t, exec, nil, LocalConfig{Workers: 2})

	require.NoError(t, s.ScheduleImmediate(context.Background(), "a"))

	require.Eventually(t, func() bool { return exec.count("a") == 1 }, time.Second, 5*time.Millisecond)
}

func TestLocal_ScheduleConstrainedHonorsMinLatency(t *testing.T) {
	exec := &fakeExecutor{}
	s := startLocal(t, exec, nil, LocalConfig{})

	w := policy.TimeWindow{MinLatency: 80 * time.Millisecond, MaxExecutionDelay: time.Hour}
	require.NoError(t, s.ScheduleConstrained(context.Background(), "a", w, policy.Default()))

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, exec.count("a"))

	require.Eventually(t, func() bool { return exec.count("a") == 1 }, time.Second, 5*time.Millisecond)
}

func TestLocal_CancelBeforeDue(t *testing.T) {
	exec := &fakeExecutor{}
	s := startLocal(t, exec, nil, LocalConfig{})
	ctx := context.Background()

	w := policy.TimeWindow{MinLatency: 30 * time.Millisecond, MaxExecutionDelay: time.Hour}
	require.NoError(t, s.ScheduleConstrained(ctx, "a", w, policy.Default()))
	require.NoError(t, s.Cancel(ctx, "a"))

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, exec.count("a"))
}

func TestLocal_RescheduleReplacesPendingTimer(t *testing.T) {
	exec := &fakeExecutor{}
	s := startLocal(t, exec, nil, LocalConfig{})
	ctx := context.Background()

	require.NoError(t, s.ScheduleConstrained(ctx, "a",
		policy.TimeWindow{MinLatency: 20 * time.Millisecond, MaxExecutionDelay: time.Hour}, policy.Default()))
	require.NoError(t, s.ScheduleConstrained(ctx, "a",
		policy.TimeWindow{MinLatency: 40 * time.Millisecond, MaxExecutionDelay: time.Hour}, policy.Default()))

	require.Eventually(t, func() bool { return exec.count("a") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, exec.count("a"))
}

func TestLocal_WaitsForConstraints(t *testing.T) {
	exec := &fakeExecutor{}
	device := &switchDevice{}
	s := startLocal(t, exec, device, LocalConfig{PollInterval: 10 * time.Millisecond})

	p, err := policy.New(policy.WithNetwork(policy.NetworkUnmetered), policy.WithCharging(true))
	require.NoError(t, err)
	require.NoError(t, s.ScheduleConstrained(context.Background(), "a",
		policy.TimeWindow{MaxExecutionDelay: time.Hour}, p))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, exec.count("a"))

	device.ready.Store(true)
	require.Eventually(t, func() bool { return exec.count("a") == 1 }, time.Second, 5*time.Millisecond)
}

func TestLocal_DeadlineOverridesConstraints(t *testing.T) {
	exec := &fakeExecutor{}
	s := startLocal(t, exec, &switchDevice{}, LocalConfig{PollInterval: 10 * time.Millisecond})

	p, err := policy.New(policy.WithCharging(true))
	require.NoError(t, err)
	require.NoError(t, s.ScheduleConstrained(context.Background(), "a",
		policy.TimeWindow{MaxExecutionDelay: 60 * time.Millisecond}, p))

	require.Eventually(t, func() bool { return exec.count("a") == 1 }, time.Second, 5*time.Millisecond)
}

func TestLocal_NoRoomParksUntilNotified(t *testing.T) {
	exec := &fakeExecutor{errs: []error{dispatcher.ErrNoRoom}}
	s := startLocal(t, exec, nil, LocalConfig{PollInterval: time.Hour})

	require.NoError(t, s.ScheduleImmediate(context.Background(), "a"))
	require.Eventually(t, func() bool { return s.Waiting() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, exec.count("a"))

	s.NotifyQueueRoomFreed()
	require.Eventually(t, func() bool { return exec.count("a") == 2 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, s.Waiting())
}

func TestLocal_FailedExecuteIsRetried(t *testing.T) {
	exec := &fakeExecutor{errs: []error{errors.New("redis down"), errors.New("redis down")}}
	s := startLocal(t, exec, nil, LocalConfig{MaxRetries: 1, PollInterval: 10 * time.Millisecond})

	require.NoError(t, s.ScheduleImmediate(context.Background(), "a"))

	require.Eventually(t, func() bool { return exec.count("a") == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, exec.count("a"))
}

func TestLocal_StopRejectsNewWork(t *testing.T) {
	exec := &fakeExecutor{}
	s := NewLocal(exec, nil, LocalConfig{})
	s.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))

	require.NoError(t, s.ScheduleImmediate(context.Background(), "a"))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, exec.count("a"))
}
