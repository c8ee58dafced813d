package conditions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/vigil/internal/supervise"
)

func toStart() supervise.StateChange {
	return supervise.StateChange{From: supervise.StateUp, To: supervise.StateStart}
}

func TestFlappingScenario(t *testing.T) {
	o, clk := newOwner(), newClock()
	f := &Flapping{Times: 3, Within: 10 * time.Second, To: States{supervise.StateStart}, now: clk.Now}
	require.NoError(t, setup(f, o))

	for i, at := range []time.Duration{0, 3 * time.Second, 6 * time.Second} {
		clk.Set(at)
		f.Process(supervise.EventStateChange, toStart())
		if i < 2 {
			assert.Equal(t, 0, o.Triggered(), "fired early at %v", at)
		}
	}
	assert.Equal(t, 1, o.Triggered())
	assert.Equal(t, []string{"process is flapping"}, f.Info())

	clk.Set(20 * time.Second)
	f.Process(supervise.EventStateChange, toStart())
	assert.Equal(t, 1, o.Triggered())
}

func TestFlappingOutsideWindow(t *testing.T) {
	o, clk := newOwner(), newClock()
	f := &Flapping{Times: 3, Within: 10 * time.Second, To: States{supervise.StateStart}, now: clk.Now}
	require.NoError(t, setup(f, o))

	for _, at := range []time.Duration{0, 6 * time.Second, 12 * time.Second} {
		clk.Set(at)
		f.Process(supervise.EventStateChange, toStart())
	}
	assert.Equal(t, 0, o.Triggered())

	// The window slides: 6, 12 and 14 fit in ten seconds.
	clk.Set(14 * time.Second)
	f.Process(supervise.EventStateChange, toStart())
	assert.Equal(t, 1, o.Triggered())
}

func TestFlappingFilters(t *testing.T) {
	o, clk := newOwner(), newClock()
	f := &Flapping{
		Times:  1,
		Within: time.Second,
		From:   States{supervise.StateUp},
		To:     States{supervise.StateStart, supervise.StateRestart},
		now:    clk.Now,
	}
	require.NoError(t, setup(f, o))

	f.Process("other", toStart())
	f.Process(supervise.EventStateChange, supervise.StateChange{From: supervise.StateInit, To: supervise.StateStart})
	f.Process(supervise.EventStateChange, supervise.StateChange{From: supervise.StateUp, To: supervise.StateStop})
	assert.Equal(t, 0, o.Triggered())

	f.Process(supervise.EventStateChange, supervise.StateChange{From: supervise.StateUp, To: supervise.StateRestart})
	assert.Equal(t, 1, o.Triggered())
}

func TestFlappingValidation(t *testing.T) {
	tests := []struct {
		name string
		f    *Flapping
		msg  string
	}{
		{"no times", &Flapping{Within: time.Second, To: States{"start"}}, "'times'"},
		{"no within", &Flapping{Times: 2, To: States{"start"}}, "'within'"},
		{"no states", &Flapping{Times: 2, Within: time.Second}, "'from_state', 'to_state'"},
		{"retry without bounds", &Flapping{Times: 2, Within: time.Second, To: States{"start"}, RetryIn: time.Minute}, "'retry_times'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := setup(tt.f, newOwner())
			var verr *supervise.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Reason, tt.msg)
		})
	}
}

func TestFlappingRetryReenablesMonitoring(t *testing.T) {
	o, clk := newOwner(), newClock()
	o.state = supervise.StateUnmonitored
	f := &Flapping{
		Times:       1,
		Within:      time.Second,
		To:          States{supervise.StateStart},
		RetryIn:     10 * time.Millisecond,
		RetryTimes:  5,
		RetryWithin: time.Hour,
		now:         clk.Now,
		notice:      time.Millisecond,
	}
	require.NoError(t, setup(f, o))

	f.Process(supervise.EventStateChange, toStart())
	assert.Eventually(t, func() bool { return o.Monitors() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFlappingRetryGivesUp(t *testing.T) {
	o, clk := newOwner(), newClock()
	o.state = supervise.StateUnmonitored
	f := &Flapping{
		Times:       1,
		Within:      time.Second,
		To:          States{supervise.StateStart},
		RetryIn:     time.Millisecond,
		RetryTimes:  1,
		RetryWithin: time.Hour,
		now:         clk.Now,
		notice:      time.Millisecond,
	}
	require.NoError(t, setup(f, o))

	f.Process(supervise.EventStateChange, toStart())
	assert.Equal(t, 1, o.Triggered())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, o.Monitors())
}

func TestFlappingRetryEndsWithOwner(t *testing.T) {
	o, clk := newOwner(), newClock()
	o.state = supervise.StateUnmonitored
	f := &Flapping{
		Times:       1,
		Within:      time.Second,
		To:          States{supervise.StateStart},
		RetryIn:     20 * time.Millisecond,
		RetryTimes:  5,
		RetryWithin: time.Hour,
		now:         clk.Now,
		notice:      time.Millisecond,
	}
	require.NoError(t, setup(f, o))

	f.Process(supervise.EventStateChange, toStart())
	o.Unwatch()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, o.Monitors())
}
