package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/nodelink/wire"
)

type fakeIO struct {
	fail   map[int]bool
	writes []bool
}

func (f *fakeIO) Write(i int, on bool) error {
	f.writes = append(f.writes, on)
	if f.fail[i] {
		return errors.New("stuck relay")
	}
	return nil
}

func TestSetAndToggle(t *testing.T) {
	io := &fakeIO{}
	c := NewController(io)
	now := time.Now()

	require.NoError(t, c.Set(2, true, now))
	o, err := c.Get(2)
	require.NoError(t, err)
	require.True(t, o.On)

	require.NoError(t, c.Toggle(2, now))
	o, _ = c.Get(2)
	require.False(t, o.On)
}

func TestInvalidIndex(t *testing.T) {
	c := NewController(&fakeIO{})
	require.ErrorIs(t, c.Set(8, true, time.Now()), ErrInvalidIndex)
	require.ErrorIs(t, c.Set(-1, true, time.Now()), ErrInvalidIndex)
}

func TestIOFailureRevertsState(t *testing.T) {
	io := &fakeIO{fail: map[int]bool{3: true}}
	c := NewController(io)
	now := time.Now()

	err := c.Set(3, true, now)
	require.ErrorIs(t, err, ErrIO)
	o, _ := c.Get(3)
	require.False(t, o.On, "state must revert to prior value on IO failure")
}

func TestSetWithTimerClamps(t *testing.T) {
	c := NewController(&fakeIO{})
	now := time.Now()

	require.NoError(t, c.SetWithTimer(0, 0, now))
	o, _ := c.Get(0)
	require.Equal(t, uint32(1), o.TimerS)

	require.NoError(t, c.SetWithTimer(1, uint32(2*MaxRelayDuration/time.Second), now))
	o, _ = c.Get(1)
	require.Equal(t, uint32(MaxRelayDuration/time.Second), o.TimerS)
}

func TestTickForcesOffOnExpiry(t *testing.T) {
	c := NewController(&fakeIO{})
	now := time.Now()
	require.NoError(t, c.SetWithTimer(4, 10, now))

	c.Tick(now.Add(5 * time.Second))
	o, _ := c.Get(4)
	require.True(t, o.On)

	c.Tick(now.Add(10*time.Second + 50*time.Millisecond))
	o, _ = c.Get(4)
	require.False(t, o.On)

	select {
	case ev := <-c.Events():
		require.Equal(t, 4, ev.Index)
		require.False(t, ev.On)
	default:
		t.Fatal("expected a StateChange event")
	}
}

func TestApplyDispatch(t *testing.T) {
	c := NewController(&fakeIO{})
	now := time.Now()

	require.NoError(t, c.Apply(0, wire.ActionOn, 5, now))
	o, _ := c.Get(0)
	require.True(t, o.On)
	require.Equal(t, uint32(5), o.TimerS)

	require.NoError(t, c.Apply(0, wire.ActionOff, 0, now))
	o, _ = c.Get(0)
	require.False(t, o.On)

	require.NoError(t, c.Apply(0, wire.ActionOnForever, 0, now))
	o, _ = c.Get(0)
	require.True(t, o.On)
	require.Equal(t, uint32(0), o.TimerS)

	require.NoError(t, c.Apply(0, wire.ActionStatus, 0, now))
}
