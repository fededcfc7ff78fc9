package timers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClock_FiresInDeadlineOrder(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	var fired []string

	clock.AfterFunc(3*time.Second, func() { fired = append(fired, "c") })
	clock.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	clock.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })

	clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, clock.Pending())

	clock.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
}

func TestFakeClock_NowTracksFiringTimer(t *testing.T) {
	start := time.Unix(100, 0)
	clock := NewFakeClock(start)
	var at time.Time

	clock.AfterFunc(time.Second, func() { at = clock.Now() })
	clock.Advance(10 * time.Second)

	assert.Equal(t, start.Add(time.Second), at)
	assert.Equal(t, start.Add(10*time.Second), clock.Now())
}

func TestRegistry_ScheduleReplacesSamePurpose(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	reg := NewRegistry(clock, nil)
	var calls []int

	reg.Schedule("grace", time.Second, func() { calls = append(calls, 1) })
	reg.Schedule("grace", 2*time.Second, func() { calls = append(calls, 2) })

	clock.Advance(5 * time.Second)
	assert.Equal(t, []int{2}, calls)
	assert.False(t, reg.Active("grace"))
}

func TestRegistry_CancelAll(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	reg := NewRegistry(clock, nil)
	fired := false

	reg.Schedule("a", time.Second, func() { fired = true })
	reg.Every("b", time.Second, func() { fired = true })
	require.Equal(t, 2, reg.Len())

	reg.CancelAll()
	clock.Advance(10 * time.Second)

	assert.False(t, fired)
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_EveryRepeatsUntilCancelled(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	reg := NewRegistry(clock, nil)
	ticks := 0

	reg.Every("duration", time.Second, func() {
		ticks++
		if ticks == 3 {
			reg.Cancel("duration")
		}
	})

	clock.Advance(10 * time.Second)
	assert.Equal(t, 3, ticks)
}

func TestRegistry_QueuedCallbackDroppedAfterCancel(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	var queued []func()
	reg := NewRegistry(clock, func(fn func()) { queued = append(queued, fn) })
	fired := false

	reg.Schedule("ringing", time.Second, func() { fired = true })
	clock.Advance(time.Second)
	require.Len(t, queued, 1)

	reg.CancelAll()
	queued[0]()

	assert.False(t, fired)
}

func TestRegistry_CallbackMaySchedule(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	reg := NewRegistry(clock, nil)
	var order []string

	reg.Schedule("grace", 3*time.Second, func() {
		order = append(order, "grace")
		reg.Schedule("retry", 3*time.Second, func() { order = append(order, "retry") })
	})

	clock.Advance(6 * time.Second)
	assert.Equal(t, []string{"grace", "retry"}, order)
}
