// Package relay implements the eight-output relay controller: on/off state
// plus a bounded, clamped auto-off timer per output, grounded on the
// teacher's bounded numeric servo loop (servo/pi.go) adapted from a
// frequency-adjustment servo into a boolean+timer one.
package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/relaymesh/nodelink/wire"
)

// NumRelays is the number of outputs a Slave drives.
const NumRelays = 8

// MaxRelayDuration is the default ceiling on a timer's duration; individual
// deployments may raise it per-relay up to MaxRelayDurationCeiling (spec
// §3.5).
const MaxRelayDuration = time.Hour

// MaxRelayDurationCeiling is the hard upper bound any per-relay override may
// not exceed.
const MaxRelayDurationCeiling = 24 * time.Hour

// Errors returned by Controller operations.
var (
	ErrInvalidIndex = errors.New("relay: invalid index")
	ErrIO           = errors.New("relay: physical write failed")
)

// IoExpander is the physical collaborator driving relay outputs. Failures
// must leave the hardware state unspecified but must be reported: the
// Controller reverts its in-memory record on error (spec §4.3).
type IoExpander interface {
	Write(index int, on bool) error
}

// Output is one relay's bookkeeping entry (spec §3.5).
type Output struct {
	On        bool
	StartedAt time.Time
	TimerS    uint32
	Name      string
}

// StateChange is emitted when tick() forces a relay off on timer expiry.
type StateChange struct {
	Index     int
	On        bool
	Remaining uint32
}

// Controller owns the NumRelays outputs and the physical IoExpander.
type Controller struct {
	io        IoExpander
	outputs   [NumRelays]Output
	maxPerIdx [NumRelays]time.Duration
	events    chan StateChange
}

// NewController constructs a Controller with every per-relay maximum
// duration set to MaxRelayDuration.
func NewController(io IoExpander) *Controller {
	c := &Controller{io: io, events: make(chan StateChange, NumRelays)}
	for i := range c.maxPerIdx {
		c.maxPerIdx[i] = MaxRelayDuration
	}
	return c
}

// Events returns the channel on which forced-off transitions are posted.
func (c *Controller) Events() <-chan StateChange {
	return c.events
}

// SetMaxDuration raises (or lowers) the configurable per-relay timer
// ceiling, clamped to MaxRelayDurationCeiling.
func (c *Controller) SetMaxDuration(i int, d time.Duration) error {
	if i < 0 || i >= NumRelays {
		return ErrInvalidIndex
	}
	if d > MaxRelayDurationCeiling {
		d = MaxRelayDurationCeiling
	}
	c.maxPerIdx[i] = d
	return nil
}

// SetName assigns a relay's display name (spec SPEC_FULL §7.1).
func (c *Controller) SetName(i int, name string) error {
	if i < 0 || i >= NumRelays {
		return ErrInvalidIndex
	}
	c.outputs[i].Name = name
	return nil
}

// Get returns a copy of relay i's current bookkeeping.
func (c *Controller) Get(i int) (Output, error) {
	if i < 0 || i >= NumRelays {
		return Output{}, ErrInvalidIndex
	}
	return c.outputs[i], nil
}

// Set drives relay i to on/off, updating the in-memory record first and
// then writing the output; a failed write reverts the record to its prior
// state and returns ErrIO (spec §4.3 invariant).
func (c *Controller) Set(i int, on bool, now time.Time) error {
	if i < 0 || i >= NumRelays {
		return ErrInvalidIndex
	}
	prev := c.outputs[i]
	next := prev
	next.On = on
	if on {
		next.StartedAt = now
		next.TimerS = 0
	}
	c.outputs[i] = next
	if err := c.io.Write(i, on); err != nil {
		c.outputs[i] = prev
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// SetWithTimer is like Set(i, true, now) but clamps seconds to
// [1, maxPerIdx[i]] and records the auto-off deadline.
func (c *Controller) SetWithTimer(i int, seconds uint32, now time.Time) error {
	if i < 0 || i >= NumRelays {
		return ErrInvalidIndex
	}
	maxS := uint32(c.maxPerIdx[i] / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	if seconds > maxS {
		seconds = maxS
	}
	prev := c.outputs[i]
	next := prev
	next.On = true
	next.StartedAt = now
	next.TimerS = seconds
	c.outputs[i] = next
	if err := c.io.Write(i, true); err != nil {
		c.outputs[i] = prev
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// Toggle flips relay i's current state.
func (c *Controller) Toggle(i int, now time.Time) error {
	if i < 0 || i >= NumRelays {
		return ErrInvalidIndex
	}
	return c.Set(i, !c.outputs[i].On, now)
}

// Apply is the top-level entry point used by the datagram dispatcher and
// the operator CLI, mapping a wire RelayAction onto the Set/SetWithTimer/
// Toggle primitives (spec §4.3).
func (c *Controller) Apply(i int, action wire.RelayAction, durationS uint32, now time.Time) error {
	switch action {
	case wire.ActionOn:
		if durationS > 0 {
			return c.SetWithTimer(i, durationS, now)
		}
		return c.Set(i, true, now)
	case wire.ActionOnForever:
		return c.Set(i, true, now)
	case wire.ActionOff:
		return c.Set(i, false, now)
	case wire.ActionToggle:
		return c.Toggle(i, now)
	case wire.ActionStatus:
		if i < 0 || i >= NumRelays {
			return ErrInvalidIndex
		}
		return nil
	default:
		return fmt.Errorf("relay: unknown action %v", action)
	}
}

// Tick is called at >=10Hz. Any relay whose timer deadline has passed is
// forced off, firing one StateChange per transition (spec §4.3, §3.5).
func (c *Controller) Tick(now time.Time) {
	for i := range c.outputs {
		o := &c.outputs[i]
		if !o.On || o.TimerS == 0 {
			continue
		}
		deadline := o.StartedAt.Add(time.Duration(o.TimerS) * time.Second)
		if !now.Before(deadline) {
			if err := c.Set(i, false, now); err != nil {
				continue
			}
			select {
			case c.events <- StateChange{Index: i, On: false, Remaining: 0}:
			default:
			}
		}
	}
}

// Remaining returns the seconds left before relay i's timer fires, or 0 if
// it has none.
func (c *Controller) Remaining(i int, now time.Time) uint32 {
	o := c.outputs[i]
	if !o.On || o.TimerS == 0 {
		return 0
	}
	deadline := o.StartedAt.Add(time.Duration(o.TimerS) * time.Second)
	if now.After(deadline) {
		return 0
	}
	return uint32(deadline.Sub(now) / time.Second)
}
