package discovery

import (
	"context"
	"time"

	"github.com/relaymesh/nodelink/datagram"
	"github.com/relaymesh/nodelink/peer"
	"github.com/relaymesh/nodelink/wire"
)

// pollInterval is how often a task prober re-checks the peer table for a
// reply while the per-channel timeout runs down.
const pollInterval = 20 * time.Millisecond

// NewTaskProber builds a Prober from a running datagram task and its peer
// table: it switches the channel, emits one discovery broadcast, then
// watches the table for any fresh liveness until the per-channel timeout
// expires. Any frame a Master (or anyone) sends back lands in the table via
// the task's normal upsert path, so "fresh LastSeen" is exactly "someone
// replied on this channel".
func NewTaskProber(task *datagram.Task, peers *peer.Table) Prober {
	return func(ctx context.Context, channel uint8) (bool, error) {
		if err := task.SetChannel(channel); err != nil {
			return false, err
		}
		started := time.Now()
		if err := task.SendBroadcast(wire.KindBroadcast, nil); err != nil {
			return false, err
		}
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return false, nil
			case <-ticker.C:
				for _, r := range peers.All() {
					if r.LastSeen.After(started) {
						return true, nil
					}
				}
			}
		}
	}
}
