package proximity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		DIn:        3000,
		DOut:       3050,
		WarnAfter:  3 * time.Second,
		ClearAfter: 3 * time.Second,
		Grace:      500 * time.Millisecond,
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, testConfig().Validate())

	bad := testConfig()
	bad.DOut = bad.DIn
	assert.ErrorIs(t, bad.Validate(), ErrConfigInvalid, "d_out must exceed d_in")

	bad = testConfig()
	bad.DIn = 0
	assert.ErrorIs(t, bad.Validate(), ErrConfigInvalid)

	bad = testConfig()
	bad.WarnAfter = -time.Second
	assert.ErrorIs(t, bad.Validate(), ErrConfigInvalid)
}

func TestSafeToPendingToAlarm(t *testing.T) {
	t.Parallel()
	m := NewMachine(testConfig())
	t0 := time.Now()

	// First close observation arms the machine without starting the timer.
	assert.Equal(t, None, m.Observe(2500, t0))
	assert.Equal(t, Pending, m.State())

	// Second observation after WarnAfter trips the alarm exactly once.
	assert.Equal(t, Triggered, m.Observe(2500, t0.Add(3*time.Second)))
	assert.Equal(t, Alarm, m.State())

	// Staying close produces no duplicate Triggered events.
	assert.Equal(t, None, m.Observe(2400, t0.Add(4*time.Second)))
	assert.Equal(t, Alarm, m.State())
}

func TestAlarmClearDwell(t *testing.T) {
	t.Parallel()
	m := NewMachine(testConfig())
	t0 := time.Now()
	m.Observe(2500, t0)
	require.Equal(t, Triggered, m.Observe(2500, t0.Add(3*time.Second)))

	// Beyond DOut but not long enough: still alarmed.
	assert.Equal(t, None, m.Observe(3100, t0.Add(4*time.Second)))
	assert.Equal(t, Alarm, m.State())

	// Dipping back inside DOut resets the clear dwell.
	assert.Equal(t, None, m.Observe(3040, t0.Add(5*time.Second)))

	// Two more seconds beyond DOut is not enough after the reset.
	assert.Equal(t, None, m.Observe(3100, t0.Add(7*time.Second)))
	assert.Equal(t, Alarm, m.State())

	// Completing the dwell releases the alarm exactly once.
	assert.Equal(t, Cleared, m.Observe(3100, t0.Add(10*time.Second)))
	assert.Equal(t, Safe, m.State())

	// Repeated safe observations emit nothing further.
	assert.Equal(t, None, m.Observe(3100, t0.Add(11*time.Second)))
}

func TestPendingBacksOff(t *testing.T) {
	t.Parallel()
	m := NewMachine(testConfig())
	t0 := time.Now()
	m.Observe(2500, t0)
	require.Equal(t, Pending, m.State())

	assert.Equal(t, None, m.Observe(3200, t0.Add(time.Second)))
	assert.Equal(t, Safe, m.State())
}

func TestMidBandFreezesTimers(t *testing.T) {
	t.Parallel()
	m := NewMachine(testConfig())
	t0 := time.Now()
	m.Observe(2500, t0)

	// A long stretch in the mid-band must not advance the danger timer.
	assert.Equal(t, None, m.Observe(3020, t0.Add(10*time.Second)))
	assert.Equal(t, Pending, m.State())

	// Back inside DIn: the timer resumes from where it was frozen, so a
	// short interval does not trip the alarm.
	assert.Equal(t, None, m.Observe(2500, t0.Add(11*time.Second)))
	assert.Equal(t, Pending, m.State())

	assert.Equal(t, Triggered, m.Observe(2500, t0.Add(14*time.Second)))
}

func TestMidBandLabelFollowsState(t *testing.T) {
	t.Parallel()
	m := NewMachine(testConfig())
	t0 := time.Now()

	m.Observe(3020, t0)
	assert.False(t, m.LabelIsDangerous(3020), "mid-band is safe while state is Safe")
	assert.True(t, m.LabelIsDangerous(2900), "inside DIn is always dangerous")
	assert.False(t, m.LabelIsDangerous(3100), "beyond DOut is always safe")

	m.Observe(2500, t0.Add(time.Second))
	m.Observe(2500, t0.Add(5*time.Second))
	require.Equal(t, Alarm, m.State())
	assert.True(t, m.LabelIsDangerous(3020), "mid-band is dangerous while alarmed")
}

func TestAbsenceWithinGraceHoldsState(t *testing.T) {
	t.Parallel()
	m := NewMachine(testConfig())
	t0 := time.Now()
	m.Observe(2500, t0)
	require.Equal(t, Triggered, m.Observe(2500, t0.Add(3*time.Second)))

	// Dropout shorter than Grace holds the alarm and the last measurement.
	assert.Equal(t, None, m.ObserveAbsence(t0.Add(3200*time.Millisecond)))
	assert.Equal(t, Alarm, m.State())
	assert.Equal(t, 2500.0, m.LastMinDistance())
}

func TestAbsenceBeyondGraceReleasesAlarm(t *testing.T) {
	t.Parallel()
	m := NewMachine(testConfig())
	t0 := time.Now()
	m.Observe(2500, t0)
	require.Equal(t, Triggered, m.Observe(2500, t0.Add(3*time.Second)))

	// Past Grace the person is presumed gone and the clear dwell runs.
	assert.Equal(t, None, m.ObserveAbsence(t0.Add(3600*time.Millisecond)))
	assert.Equal(t, Alarm, m.State())

	// Dwell completes ClearAfter past disappearance: exactly one Cleared.
	assert.Equal(t, Cleared, m.ObserveAbsence(t0.Add(6500*time.Millisecond)))
	assert.Equal(t, Safe, m.State())
	assert.Equal(t, None, m.ObserveAbsence(t0.Add(8*time.Second)))

	// The last real measurement survives the synthetic advances.
	assert.Equal(t, 2500.0, m.LastMinDistance())
}

func TestAbsenceBeyondGraceReleasesPending(t *testing.T) {
	t.Parallel()
	m := NewMachine(testConfig())
	t0 := time.Now()
	m.Observe(2500, t0)
	require.Equal(t, Pending, m.State())

	assert.Equal(t, None, m.ObserveAbsence(t0.Add(time.Second)))
	assert.Equal(t, Safe, m.State())
}

func TestAbsenceBeforeFirstObservation(t *testing.T) {
	t.Parallel()
	m := NewMachine(testConfig())

	assert.Equal(t, None, m.ObserveAbsence(time.Now()))
	assert.Equal(t, Safe, m.State())
	assert.True(t, m.LastSeen().IsZero(), "no-op absence must not fabricate an observation")
}

func TestFirstObservationAdvancesNoTimer(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.WarnAfter = 0
	m := NewMachine(cfg)

	// Even with a zero warn dwell the first observation only arms Pending;
	// no elapsed time has accumulated yet.
	assert.Equal(t, None, m.Observe(2000, time.Now()))
	assert.Equal(t, Pending, m.State())
}
