// nodelinkd is the mesh node daemon: it runs the datagram event loop, the
// connection state machine, channel discovery and (in master mode) the
// cloud command bridge, serving the operator console on stdin and an
// optional serial port, and Prometheus metrics on the monitoring port.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/shirou/gopsutil/mem"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"

	"github.com/relaymesh/nodelink/autocomm"
	"github.com/relaymesh/nodelink/bridge"
	"github.com/relaymesh/nodelink/cloudqueue"
	"github.com/relaymesh/nodelink/console"
	"github.com/relaymesh/nodelink/creds"
	"github.com/relaymesh/nodelink/datagram"
	"github.com/relaymesh/nodelink/discovery"
	"github.com/relaymesh/nodelink/peer"
	"github.com/relaymesh/nodelink/relay"
	"github.com/relaymesh/nodelink/stats"
	"github.com/relaymesh/nodelink/transport"
	"github.com/relaymesh/nodelink/wire"
)

// hardMemoryFloor is the free-memory level below which the daemon resets
// (spec §7 MemoryError: "Below a hard floor (8 KB), the system resets").
const hardMemoryFloor = 8 * 1024

// peerPersistInterval is how often the peer table snapshot is written back
// to the state file so a reboot doesn't forget known peers.
const peerPersistInterval = time.Minute

func prepareConfig(cfgPath, role, name, address, statePath, serialPort string, channel, monitoringPort int) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	warn := func(name string) {
		log.Warningf("overriding %s from CLI flag", name)
	}
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if role != "" && role != cfg.Role {
		warn("role")
		cfg.Role = role
	}
	if name != "" && name != cfg.DeviceName {
		warn("device_name")
		cfg.DeviceName = name
	}
	if address != "" && address != cfg.Address {
		warn("address")
		cfg.Address = address
	}
	if statePath != "" && statePath != cfg.StatePath {
		warn("state_path")
		cfg.StatePath = statePath
	}
	if serialPort != "" && serialPort != cfg.SerialPort {
		warn("serial_port")
		cfg.SerialPort = serialPort
	}
	if channel != 0 && uint8(channel) != cfg.Channel {
		warn("channel")
		cfg.Channel = uint8(channel)
	}
	if monitoringPort != 0 && monitoringPort != cfg.MonitoringPort {
		warn("monitoring_port")
		cfg.MonitoringPort = monitoringPort
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}

// gpioExpander is the IoExpander stand-in for hosts without a physical
// expander: it logs each write. Real deployments substitute a driver.
type gpioExpander struct{}

func (gpioExpander) Write(index int, on bool) error {
	log.Infof("relay: output %d -> %v", index, on)
	return nil
}

// hostStatus supplies the DeviceStatus snapshot from host-level facts,
// standing in for the out-of-scope sensor/Wi-Fi collaborators.
type hostStatus struct {
	deviceType string
	started    time.Time
}

func (h *hostStatus) Status() datagram.DeviceStatus {
	free := uint32(0)
	if v, err := mem.VirtualMemory(); err == nil {
		if v.Available > 1<<32-1 {
			free = 1<<32 - 1
		} else {
			free = uint32(v.Available)
		}
	}
	return datagram.DeviceStatus{
		DeviceType:  h.deviceType,
		Operational: true,
		WifiUp:      true,
		UptimeMs:    uint32(time.Since(h.started).Milliseconds()), //nolint:gosec
		FreeMem:     free,
	}
}

// radioInit brings the transport up on the configured channel; autocomm
// re-runs it during Hard/Full recovery.
type radioInit struct {
	task    *datagram.Task
	channel uint8
}

func (r *radioInit) Init(_ context.Context) error {
	return r.task.SetChannel(r.channel)
}

// readyNotifier sends READY=1 once the state machine first reaches
// Connected, following the teacher's c4u SdNotify pattern.
type readyNotifier struct {
	notified bool
}

func (n *readyNotifier) OnStateChanged(_, to autocomm.State) {
	if n.notified || to != autocomm.StateConnected {
		return
	}
	n.notified = true
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported && err != nil {
		log.Warningf("sd_notify: %v", err)
	}
}

func (n *readyNotifier) OnRecoverySucceeded(level autocomm.State) {
	log.Infof("recovered at level %s", level)
}

func main() {
	var (
		cfgPath        string
		roleFlag       string
		nameFlag       string
		addressFlag    string
		stateFlag      string
		serialFlag     string
		channelFlag    int
		monitoringFlag int
		verboseFlag    bool
	)
	flag.StringVar(&cfgPath, "config", "", "path to YAML config")
	flag.StringVar(&roleFlag, "role", "", "master or slave")
	flag.StringVar(&nameFlag, "name", "", "device name")
	flag.StringVar(&addressFlag, "address", "", "6-byte radio address, colon-hex")
	flag.StringVar(&stateFlag, "state", "", "path to persistent state file")
	flag.StringVar(&serialFlag, "serialport", "", "serial device for the operator console")
	flag.IntVar(&channelFlag, "channel", 0, "initial radio channel (1..13)")
	flag.IntVar(&monitoringFlag, "monitoringport", 0, "port to serve Prometheus metrics on")
	flag.BoolVar(&verboseFlag, "verbose", false, "verbose output")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if verboseFlag {
		log.SetLevel(log.DebugLevel)
	}

	cfg, err := prepareConfig(cfgPath, roleFlag, nameFlag, addressFlag, stateFlag, serialFlag, channelFlag, monitoringFlag)
	if err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	self, err := parseAddress(cfg.Address)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := creds.NewStore(cfg.StatePath)
	peers := peer.NewTable()
	restorePeers(peers, store)

	tr := transport.NewUDPMulticast(self, cfg.TransportPort)

	wireRole := wire.RoleSlave
	acRole := autocomm.RoleSlave
	var relays *relay.Controller
	if cfg.Role == "master" {
		wireRole = wire.RoleMaster
		acRole = autocomm.RoleMaster
	} else {
		relays = relay.NewController(gpioExpander{})
		for i, name := range store.LoadRelayNames() {
			if err := relays.SetName(i, name); err != nil {
				log.Warningf("relay name %d: %v", i, err)
			}
		}
	}

	status := &hostStatus{deviceType: "nodelink-" + cfg.Role, started: time.Now()}
	task := datagram.NewTask(wireRole, self, cfg.DeviceName, tr, peers, relays, store,
		datagram.WithStatusProvider(status))

	disc := discovery.New(store, discovery.NewTaskProber(task, peers))
	radio := &radioInit{task: task, channel: cfg.Channel}

	mgr, err := autocomm.NewManager(acRole, self, peers, task, disc, store, radio,
		autocomm.WithObserver(&readyNotifier{}))
	if err != nil {
		log.Fatal(err)
	}
	task.SetTrafficObserver(mgr)

	var br *bridge.Bridge
	if cfg.Role == "master" && cfg.Cloud.URL != "" {
		relayMap, err := cfg.relayMap()
		if err != nil {
			log.Fatal(err)
		}
		q := cloudqueue.NewHTTPClient(cfg.Cloud.URL, cfg.Cloud.BearerToken, cfg.Cloud.APIKey)
		br = bridge.New(q, task, cfg.Cloud.DeviceID, relayMap)
		task.SetStatusObserver(br)
	}

	exporter := stats.NewExporter(cfg.MonitoringPort, cfg.ScrapeInterval, stats.Source{
		Peers:   peers,
		Task:    task,
		Bridge:  br,
		Manager: mgr,
	})

	dog := newWatchdog()
	cons := console.New(task, peers, relays, br, mgr, store, dog, cancel)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return task.Run(ctx) })
	eg.Go(func() error { return mgr.Run(ctx) })
	eg.Go(func() error { return exporter.Run(ctx) })
	eg.Go(func() error { return housekeeping(ctx, dog, peers, store) })
	if br != nil {
		eg.Go(func() error { return br.Run(ctx) })
	}

	go func() {
		if err := cons.Serve(os.Stdin, os.Stdout); err != nil {
			log.Warningf("console: %v", err)
		}
	}()
	if cfg.SerialPort != "" {
		go serveSerialConsole(cfg.SerialPort, cons)
	}

	log.Infof("nodelinkd %s starting as %s on channel %d", self, cfg.Role, cfg.Channel)
	if err := eg.Wait(); err != nil && err != context.Canceled {
		log.Fatal(err)
	}
}

// housekeeping feeds the watchdog, checks the hard memory floor and
// persists the peer snapshot, all from one loop so a wedged daemon stops
// feeding (spec §5 "the main loop feeds it on every iteration").
func housekeeping(ctx context.Context, dog *watchdog, peers *peer.Table, store *creds.Store) error {
	feed := time.NewTicker(watchdogInterval)
	defer feed.Stop()
	persist := time.NewTicker(peerPersistInterval)
	defer persist.Stop()
	for {
		select {
		case <-ctx.Done():
			persistPeers(peers, store)
			return ctx.Err()
		case <-feed.C:
			dog.Feed()
			if v, err := mem.VirtualMemory(); err == nil && v.Available < hardMemoryFloor {
				log.Fatalf("free memory %d below hard floor %d, resetting", v.Available, hardMemoryFloor)
			}
		case <-persist.C:
			persistPeers(peers, store)
		}
	}
}

func persistPeers(peers *peer.Table, store *creds.Store) {
	snapshot := peers.Snapshot()
	out := make([]creds.PeerRecord, 0, len(snapshot))
	for _, p := range snapshot {
		out = append(out, creds.PeerRecord{
			Address:    p.Address,
			Name:       p.Name,
			DeviceType: p.DeviceType,
			LastSeen:   p.LastSeen,
			RSSIDbm:    p.RSSIDbm,
		})
	}
	if err := store.SavePeers(out); err != nil {
		log.Warningf("persist peers: %v", err)
	}
}

func restorePeers(peers *peer.Table, store *creds.Store) {
	saved := store.LoadPeers()
	if len(saved) == 0 {
		return
	}
	restored := make([]peer.PersistedPeer, 0, len(saved))
	for _, p := range saved {
		restored = append(restored, peer.PersistedPeer{
			Address:    p.Address,
			Name:       p.Name,
			DeviceType: p.DeviceType,
			LastSeen:   p.LastSeen,
			RSSIDbm:    p.RSSIDbm,
		})
	}
	peers.Restore(restored)
	log.Infof("restored %d peers from state file", len(restored))
}

// serveSerialConsole runs the operator console over a serial device (spec
// §6.3 "CLI over serial").
func serveSerialConsole(device string, cons *console.Console) {
	mode := &serial.Mode{BaudRate: 115200}
	port, err := serial.Open(device, mode)
	if err != nil {
		log.Errorf("console: open serial %s: %v", device, err)
		return
	}
	defer port.Close()
	log.Infof("console: serving on %s", device)
	if err := cons.Serve(port, port); err != nil {
		log.Warningf("console: serial: %v", err)
	}
}
