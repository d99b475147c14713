package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsNoNetwork(t *testing.T) {
	_, err := New(WithNetwork(NetworkNone))
	require.ErrorIs(t, err, ErrNetworkRequired)

	_, err = UploadPolicy{Backoff: BackoffLinear, InitialBackoff: time.Second}.With()
	require.ErrorIs(t, err, ErrNetworkRequired)
}

func TestNew_ValidatesFields(t *testing.T) {
	_, err := New(WithRetries(-1))
	require.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = New(WithBackoff(BackoffLinear, 0))
	require.ErrorIs(t, err, ErrInvalidPolicy)

	_, err = New(WithBackoff("random", time.Second))
	require.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestWith_DoesNotMutateOriginal(t *testing.T) {
	base := Default()
	changed, err := base.With(WithCharging(true), WithRetries(1))
	require.NoError(t, err)

	assert.False(t, base.RequiresCharging)
	assert.Equal(t, DefaultMaxRetries, base.MaxRetries)
	assert.True(t, changed.RequiresCharging)
	assert.Equal(t, 1, changed.MaxRetries)
}

func TestHasRequirements(t *testing.T) {
	tests := []struct {
		name string
		opt  func(*UploadPolicy)
		want bool
	}{
		{"defaults", func(*UploadPolicy) {}, false},
		{"charging", WithCharging(true), true},
		{"idle", WithIdle(true), true},
		{"unmetered", WithNetwork(NetworkUnmetered), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.opt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.HasRequirements())
		})
	}
}

func TestGlobal_Validate(t *testing.T) {
	g := DefaultGlobal()
	require.NoError(t, g.Validate())

	g.MaxConcurrentRequests = 0
	require.ErrorIs(t, g.Validate(), ErrInvalidPolicy)

	g = DefaultGlobal()
	assert.Equal(t, DefaultImmediateThreshold, g.ImmediateThreshold)
	g.ImmediateThreshold = -time.Second
	require.ErrorIs(t, g.Validate(), ErrInvalidPolicy)
}

func TestTimeWindow(t *testing.T) {
	_, err := NewWindow(2*time.Minute, time.Minute)
	require.ErrorIs(t, err, ErrInvalidWindow)

	_, err = NewWindow(-time.Second, time.Minute)
	require.ErrorIs(t, err, ErrInvalidWindow)

	assert.True(t, Immediate().IsImmediate(0))
	assert.True(t, TimeWindow{MaxExecutionDelay: 59 * time.Second}.IsImmediate(0))
	assert.False(t, TimeWindow{MaxExecutionDelay: 60 * time.Second}.IsImmediate(0))
	assert.False(t, DefaultWindow().IsImmediate(DefaultImmediateThreshold))

	w := TimeWindow{MaxExecutionDelay: 5 * time.Minute}
	assert.False(t, w.IsImmediate(time.Minute))
	assert.True(t, w.IsImmediate(10*time.Minute))
}

func TestTimeWindow_Expired(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := TimeWindow{MaxExecutionDelay: time.Hour}

	assert.False(t, w.Expired(created, created.Add(30*time.Minute), 0))
	assert.True(t, w.Expired(created, created.Add(61*time.Minute), 0))
	assert.False(t, Immediate().Expired(created, created.Add(24*time.Hour), 0))
	assert.False(t, w.Expired(created, created.Add(2*time.Hour), 2*time.Hour), "immediate under a larger threshold")
}

func TestDelay_Linear(t *testing.T) {
	p, err := New(WithBackoff(BackoffLinear, 100*time.Millisecond))
	require.NoError(t, err)

	for attempt := 1; attempt <= 10; attempt++ {
		assert.Equal(t, time.Duration(attempt)*100*time.Millisecond, Delay(attempt, p))
	}
	assert.Equal(t, 100*time.Millisecond, Delay(0, p))
}

func TestDelay_ExponentialIsMonotonic(t *testing.T) {
	p, err := New(WithBackoff(BackoffExponential, 30*time.Second))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, Delay(1, p), p.InitialBackoff)
	assert.Equal(t, 30*time.Second, Delay(1, p))
	assert.Equal(t, 60*time.Second, Delay(2, p))
	assert.Equal(t, 120*time.Second, Delay(3, p))

	prev := time.Duration(0)
	for attempt := 1; attempt <= 100; attempt++ {
		d := Delay(attempt, p)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestNextWindow(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p, err := New(WithBackoff(BackoffLinear, 10*time.Minute))
	require.NoError(t, err)

	orig := TimeWindow{MinLatency: 5 * time.Minute, MaxExecutionDelay: time.Hour}

	w := NextWindow(orig, 0, created, created.Add(10*time.Minute), 1, p)
	assert.Equal(t, 15*time.Minute, w.MinLatency)
	assert.Equal(t, 50*time.Minute, w.MaxExecutionDelay)

	w = NextWindow(orig, 0, created, created.Add(55*time.Minute), 2, p)
	assert.Equal(t, 5*time.Minute, w.MinLatency, "capped by the deadline")

	w = NextWindow(Immediate(), 0, created, created.Add(time.Hour), 3, p)
	assert.Equal(t, 30*time.Minute, w.MinLatency)
}

func TestSatisfied(t *testing.T) {
	unmetered, _ := New(WithNetwork(NetworkUnmetered))
	charging, _ := New(WithCharging(true), WithIdle(true))

	metered := StaticDevice{NetworkType: NetworkAny}
	offline := StaticDevice{NetworkType: NetworkNone, IsCharging: true, IsIdle: true}

	assert.True(t, Satisfied(Default(), metered))
	assert.False(t, Satisfied(Default(), offline))
	assert.False(t, Satisfied(unmetered, metered))
	assert.True(t, Satisfied(unmetered, AlwaysReady))
	assert.False(t, Satisfied(charging, StaticDevice{NetworkType: NetworkAny, IsCharging: true}))
	assert.True(t, Satisfied(charging, AlwaysReady))
	assert.True(t, Satisfied(charging, nil))
}
