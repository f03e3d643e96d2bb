package cmd

import (
	"context"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relaymesh/nodelink/console"
	"github.com/relaymesh/nodelink/creds"
	"github.com/relaymesh/nodelink/datagram"
	"github.com/relaymesh/nodelink/discovery"
	"github.com/relaymesh/nodelink/peer"
	"github.com/relaymesh/nodelink/relay"
	"github.com/relaymesh/nodelink/transport"
	"github.com/relaymesh/nodelink/wire"
)

func init() {
	RootCmd.AddCommand(discoverOnceCmd)
}

var simAddr = wire.Address{0x02, 0xde, 0xad, 0xbe, 0xef, 0x01}

// nopExpander stands in for physical outputs in the simulation node.
type nopExpander struct{}

func (nopExpander) Write(index int, on bool) error {
	log.Debugf("sim: relay %d -> %v", index, on)
	return nil
}

// runLocalSim starts a slave-mode node on the UDP-multicast transport and
// serves its console from in/out until EOF. State lives in a per-user temp
// file so channel-cache and relay-name commands persist between runs.
func runLocalSim(in io.Reader, out io.Writer) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := creds.NewStore(filepath.Join(os.TempDir(), "nodelinkctl-sim.ini"))
	peers := peer.NewTable()
	tr := transport.NewUDPMulticast(simAddr, 7000)
	relays := relay.NewController(nopExpander{})
	task := datagram.NewTask(wire.RoleSlave, simAddr, "sim", tr, peers, relays, store)

	if err := task.SetChannel(1); err != nil {
		log.Errorf("sim: transport: %v", err)
	}
	go func() {
		if err := task.Run(ctx); err != nil && err != context.Canceled {
			log.Errorf("sim: task: %v", err)
		}
	}()

	cons := console.New(task, peers, relays, nil, nil, store, nil, cancel)
	if err := cons.Serve(in, out); err != nil {
		log.Warningf("sim console: %v", err)
	}
}

var discoverOnceCmd = &cobra.Command{
	Use:   "discover-once",
	Short: "run one channel-discovery sweep and print the result",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		store := creds.NewStore(filepath.Join(os.TempDir(), "nodelinkctl-sim.ini"))
		peers := peer.NewTable()
		tr := transport.NewUDPMulticast(simAddr, 7000)
		task := datagram.NewTask(wire.RoleSlave, simAddr, "sim", tr, peers, nil, store)
		go func() {
			if err := task.Run(ctx); err != nil && err != context.Canceled {
				log.Errorf("sim: task: %v", err)
			}
		}()

		res := discovery.New(store, discovery.NewTaskProber(task, peers)).Run(ctx)
		if res.Outcome == discovery.Success {
			log.Infof("master found on channel %d", res.Channel)
			return
		}
		log.Warningf("discovery failed: %s", res.Outcome)
	},
}
