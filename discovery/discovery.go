// Package discovery implements channel discovery: sweeping the mesh's
// short-range radio channels to find a reachable Master, with a persisted
// cache so a warm boot can skip straight to the last known-good channel
// (spec §4.5). Grounded on the teacher's sptp/client retry-with-backoff
// shape (client.go's measurement retry loop) adapted to a channel sweep.
package discovery

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relaymesh/nodelink/creds"
)

// Outcome enumerates the possible results of a Run (spec §4.5 "Result
// variants").
type Outcome int

const (
	Success Outcome = iota
	Timeout
	TransportError
	RadioError
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "Success"
	case Timeout:
		return "Timeout"
	case TransportError:
		return "TransportError"
	case RadioError:
		return "RadioError"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Result is the outcome of one Run, including the channel found on Success.
type Result struct {
	Outcome Outcome
	Channel uint8
}

const (
	// TimeoutPerChannel bounds how long one broadcast attempt waits for a
	// reply before moving on (spec §4.5).
	TimeoutPerChannel = 300 * time.Millisecond
	// MaxRetryAttempts is the number of discovery broadcasts emitted per
	// channel before giving up on it (spec §4.5).
	MaxRetryAttempts = 3
	retryDelay       = 100 * time.Millisecond
)

var prioritySweep = [3]uint8{1, 6, 11}

// Prober performs one discovery attempt on the current radio channel and
// reports whether a Master replied within TimeoutPerChannel. It is the
// seam discovery drives Transport through, kept narrow so tests can fake
// it directly rather than standing up a full transport.Transport.
type Prober func(ctx context.Context, channel uint8) (bool, error)

// Discovery runs the channel-sweep algorithm against a radio Prober,
// persisting results through a creds.Store-backed ChannelCache.
type Discovery struct {
	store *creds.Store
	probe Prober
	abort chan struct{}
}

// New returns a Discovery that persists its cache through store and probes
// channels via probe.
func New(store *creds.Store, probe Prober) *Discovery {
	return &Discovery{store: store, probe: probe, abort: make(chan struct{})}
}

// Abort interrupts a running Run between channels (spec §4.5 "an external
// abort flag interrupts the sweep between channels").
func (d *Discovery) Abort() {
	select {
	case <-d.abort:
	default:
		close(d.abort)
	}
}

func (d *Discovery) aborted() bool {
	select {
	case <-d.abort:
		return true
	default:
		return false
	}
}

// Run executes the cache-probe / priority-sweep / full-sweep algorithm
// described in spec §4.5 and persists the outcome.
func (d *Discovery) Run(ctx context.Context) Result {
	d.abort = make(chan struct{})

	tried := map[uint8]bool{}
	cache, hasCache := d.store.LoadChannelCache()

	if hasCache && cache.SuccessRate > 50 {
		tried[cache.LastChannel] = true
		if res, ok := d.tryChannel(ctx, cache.LastChannel); ok {
			d.persistSuccess(cache, hasCache, cache.LastChannel, 10)
			return res
		}
		if d.aborted() {
			return Result{Outcome: Aborted}
		}
	}

	for _, ch := range prioritySweep {
		if tried[ch] {
			continue
		}
		tried[ch] = true
		if res, ok := d.tryChannel(ctx, ch); ok {
			d.persistSuccess(cache, hasCache, ch, 5)
			return res
		}
		if d.aborted() {
			return Result{Outcome: Aborted}
		}
	}

	for ch := uint8(1); ch <= 13; ch++ {
		if tried[ch] {
			continue
		}
		tried[ch] = true
		if res, ok := d.tryChannel(ctx, ch); ok {
			d.persistSuccess(cache, hasCache, ch, 5)
			return res
		}
		if d.aborted() {
			return Result{Outcome: Aborted}
		}
	}

	d.persistFailure(cache, hasCache)
	return Result{Outcome: Timeout}
}

// tryChannel runs up to MaxRetryAttempts probes on ch, returning a Success
// result and true on the first reply, or false if ch never answered this
// time around.
func (d *Discovery) tryChannel(ctx context.Context, ch uint8) (Result, bool) {
	for attempt := 0; attempt < MaxRetryAttempts; attempt++ {
		if d.aborted() {
			return Result{}, false
		}
		probeCtx, cancel := context.WithTimeout(ctx, TimeoutPerChannel)
		ok, err := d.probe(probeCtx, ch)
		cancel()
		if err != nil {
			log.Debugf("discovery: channel %d attempt %d: %v", ch, attempt, err)
		}
		if ok {
			return Result{Outcome: Success, Channel: ch}, true
		}
		if attempt < MaxRetryAttempts-1 {
			time.Sleep(retryDelay)
		}
	}
	return Result{}, false
}

func (d *Discovery) persistSuccess(prev creds.ChannelCache, hadPrev bool, channel uint8, step uint8) {
	cc := prev
	if !hadPrev {
		cc = creds.ChannelCache{}
	}
	cc.LastChannel = channel
	cc.LastSuccessEpoch = time.Now().Unix()
	cc.UsageCount++
	cc.SuccessRate = clampRate(int(cc.SuccessRate) + int(step))
	if err := d.store.SaveChannelCache(cc); err != nil {
		log.Warnf("discovery: persist success: %v", err)
	}
}

func (d *Discovery) persistFailure(prev creds.ChannelCache, hadPrev bool) {
	if !hadPrev {
		return
	}
	cc := prev
	cc.SuccessRate = clampRate(int(cc.SuccessRate) - 20)
	if err := d.store.SaveChannelCache(cc); err != nil {
		log.Warnf("discovery: persist failure: %v", err)
	}
}

func clampRate(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v)
}
