// Package console implements the operator command surface (spec §6.3): a
// line-oriented, case-insensitive grammar served over serial or stdin.
// Output formatting follows the pack's ziffy/ptpcheck texture: tablewriter
// tables for the peer dumps, fatih/color pass/fail markers for validation.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/relaymesh/nodelink/autocomm"
	"github.com/relaymesh/nodelink/bridge"
	"github.com/relaymesh/nodelink/creds"
	"github.com/relaymesh/nodelink/datagram"
	"github.com/relaymesh/nodelink/peer"
	"github.com/relaymesh/nodelink/relay"
	"github.com/relaymesh/nodelink/wire"
)

const helpText = `commands:
  help                            show this help
  status                          dump per-peer table and counters
  discover                        force a discovery broadcast now
  list                            list known peers
  ping                            ping every online peer
  ping <name>                     ping one peer
  relay <peer> <i> <on|off|toggle|on_forever> [duration_s]
  relay <peer> <i> name <text>    set a relay display name
  relay on_all | relay off_all    broadcast to every online peer
  handshake [<peer>]              start handshake (all or one)
  connectivity_check [<peer>]     ask for connectivity report
  auto_validation                 handshake + connectivity + ping for all
  bridge_stats | bridge_enable | bridge_disable
  watchdog_status | watchdog_reset
  task_status | task_discover     inspect the datagram loop
  reset                           reboot
`

// responseWindow is how long interactive commands wait for the matching
// frames to come back before rendering their result.
const responseWindow = 2 * time.Second

// TaskControl is the slice of datagram.Task the console drives. It is an
// interface so tests can substitute a fake loop.
type TaskControl interface {
	SendUnicast(target wire.Address, kind wire.Kind, payload []byte) error
	SendBroadcast(kind wire.Kind, payload []byte) error
	SendHandshake(target wire.Address) error
	SendConnectivityCheck(target wire.Address) error
	SendPing(target wire.Address) error
	Counters() datagram.Counters
	QueueDepth() int
	Events() <-chan datagram.Event
}

// Watchdog exposes the software-fed hardware watchdog to the operator
// (watchdog_status / watchdog_reset, spec §6.3).
type Watchdog interface {
	Status() string
	Reset()
}

// Console interprets operator lines against a running node's components.
// relays, br, mgr, dog and reboot may each be nil when the node doesn't run
// that piece (a Master has no local relays; a Slave has no bridge).
type Console struct {
	task   TaskControl
	peers  *peer.Table
	relays *relay.Controller
	br     *bridge.Bridge
	mgr    *autocomm.Manager
	store  *creds.Store
	dog    Watchdog
	reboot func()

	window time.Duration
}

// New wires a Console to a node's components.
func New(task TaskControl, peers *peer.Table, relays *relay.Controller, br *bridge.Bridge, mgr *autocomm.Manager, store *creds.Store, dog Watchdog, reboot func()) *Console {
	return &Console{
		task:   task,
		peers:  peers,
		relays: relays,
		br:     br,
		mgr:    mgr,
		store:  store,
		dog:    dog,
		reboot: reboot,
		window: responseWindow,
	}
}

// Execute interprets one operator line, writing any output to w. The
// grammar is case-insensitive; unrecognized tokens produce a one-line help
// hint (spec §6.3).
func (c *Console) Execute(line string, w io.Writer) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "help":
		fmt.Fprint(w, helpText)
	case "status":
		c.status(w)
	case "discover", "task_discover":
		if err := c.task.SendBroadcast(wire.KindBroadcast, nil); err != nil {
			fmt.Fprintf(w, "discovery broadcast failed: %v\n", err)
			return
		}
		fmt.Fprintln(w, "discovery broadcast sent")
	case "list":
		c.list(w)
	case "ping":
		c.ping(w, args)
	case "relay":
		c.relay(w, args)
	case "handshake":
		c.fanout(w, args, "handshake", c.task.SendHandshake)
	case "connectivity_check":
		c.fanout(w, args, "connectivity_check", c.task.SendConnectivityCheck)
	case "auto_validation":
		c.autoValidation(w)
	case "bridge_stats":
		c.bridgeStats(w)
	case "bridge_enable":
		c.bridgeEnable(w, true)
	case "bridge_disable":
		c.bridgeEnable(w, false)
	case "watchdog_status":
		if c.dog == nil {
			fmt.Fprintln(w, "no watchdog configured")
			return
		}
		fmt.Fprintln(w, c.dog.Status())
	case "watchdog_reset":
		if c.dog == nil {
			fmt.Fprintln(w, "no watchdog configured")
			return
		}
		c.dog.Reset()
		fmt.Fprintln(w, "watchdog reset")
	case "task_status":
		ct := c.task.Counters()
		fmt.Fprintf(w, "queue_depth=%d rx_invalid=%d rx_dropped=%d tx_failed=%d\n",
			c.task.QueueDepth(), ct.RxInvalid, ct.RxDropped, ct.TxFailed)
	case "reset":
		fmt.Fprintln(w, "rebooting")
		if c.reboot != nil {
			c.reboot()
		}
	default:
		fmt.Fprintf(w, "unknown command %q, try 'help'\n", cmd)
	}
}

// resolvePeer matches tok against peer names (case-insensitively) first,
// then against the colon-hex address form.
func (c *Console) resolvePeer(tok string) (peer.Record, bool) {
	for _, r := range c.peers.All() {
		if strings.EqualFold(r.Name, tok) || strings.EqualFold(r.Address.String(), tok) {
			return r, true
		}
	}
	return peer.Record{}, false
}

func (c *Console) status(w io.Writer) {
	c.peerTable(w)
	ct := c.task.Counters()
	fmt.Fprintf(w, "rx_invalid=%d rx_dropped=%d tx_failed=%d\n", ct.RxInvalid, ct.RxDropped, ct.TxFailed)
	if c.mgr != nil {
		mc := c.mgr.Counters()
		fmt.Fprintf(w, "state=%s health=%.0f recovery_attempts=%d successful_recoveries=%d\n",
			c.mgr.State(), mc.HealthScore, mc.RecoveryAttempts, mc.SuccessfulRecoveries)
	}
	if c.br != nil {
		bc := c.br.Counters()
		fmt.Fprintf(w, "bridge: processed=%d sent=%d completed=%d failed=%d\n",
			bc.Processed, bc.Sent, bc.Completed, bc.Failed)
	}
	if c.relays != nil {
		now := time.Now()
		for i := 0; i < relay.NumRelays; i++ {
			o, err := c.relays.Get(i)
			if err != nil {
				continue
			}
			state := "off"
			if o.On {
				state = "on"
			}
			if rem := c.relays.Remaining(i, now); rem > 0 {
				fmt.Fprintf(w, "relay %d (%s): %s, %ds remaining\n", i, o.Name, state, rem)
				continue
			}
			fmt.Fprintf(w, "relay %d (%s): %s\n", i, o.Name, state)
		}
	}
}

func (c *Console) peerTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.Header("ADDRESS", "NAME", "TYPE", "ONLINE", "LAST SEEN", "RSSI", "LATENCY")
	now := time.Now()
	for _, r := range c.peers.All() {
		online := color.RedString("no")
		if r.Online {
			online = color.GreenString("yes")
		}
		lastSeen := "never"
		if !r.LastSeen.IsZero() {
			lastSeen = now.Sub(r.LastSeen).Truncate(time.Second).String() + " ago"
		}
		latency := "-"
		if r.LastLatency > 0 {
			latency = r.LastLatency.Truncate(time.Millisecond).String()
		}
		_ = table.Append([]string{
			r.Address.String(), r.Name, r.DeviceType, online, lastSeen,
			strconv.Itoa(int(r.RSSIDbm)), latency,
		})
	}
	_ = table.Render()
}

func (c *Console) list(w io.Writer) {
	records := c.peers.All()
	if len(records) == 0 {
		fmt.Fprintln(w, "no known peers")
		return
	}
	for _, r := range records {
		marker := " "
		if r.Online {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %s %s (%s)\n", marker, r.Address, r.Name, r.DeviceType)
	}
}

func (c *Console) ping(w io.Writer, args []string) {
	var targets []peer.Record
	if len(args) == 0 {
		for _, r := range c.peers.All() {
			if r.Online {
				targets = append(targets, r)
			}
		}
		if len(targets) == 0 {
			fmt.Fprintln(w, "no online peers")
			return
		}
	} else {
		r, ok := c.resolvePeer(args[0])
		if !ok {
			fmt.Fprintf(w, "unknown peer %q\n", args[0])
			return
		}
		targets = append(targets, r)
	}
	for _, r := range targets {
		if err := c.task.SendPing(r.Address); err != nil {
			fmt.Fprintf(w, "ping %s: %v\n", r.Address, err)
			continue
		}
		fmt.Fprintf(w, "ping sent to %s\n", r.Address)
	}
}

func (c *Console) relay(w io.Writer, args []string) {
	if len(args) == 1 && (strings.EqualFold(args[0], "on_all") || strings.EqualFold(args[0], "off_all")) {
		c.relayAll(w, strings.EqualFold(args[0], "on_all"))
		return
	}
	if len(args) < 3 {
		fmt.Fprintln(w, "usage: relay <peer> <i> <on|off|toggle|on_forever> [duration_s]")
		return
	}
	r, ok := c.resolvePeer(args[0])
	if !ok {
		fmt.Fprintf(w, "unknown peer %q\n", args[0])
		return
	}
	idx, err := strconv.Atoi(args[1])
	if err != nil || idx < 0 || idx >= relay.NumRelays {
		fmt.Fprintf(w, "invalid relay index %q\n", args[1])
		return
	}

	if strings.EqualFold(args[2], "name") {
		if len(args) < 4 {
			fmt.Fprintln(w, "usage: relay <peer> <i> name <text>")
			return
		}
		c.relayName(w, idx, strings.Join(args[3:], " "))
		return
	}

	action, ok := parseAction(args[2])
	if !ok {
		fmt.Fprintf(w, "invalid action %q\n", args[2])
		return
	}
	var duration uint64
	if len(args) >= 4 {
		duration, err = strconv.ParseUint(args[3], 10, 32)
		if err != nil {
			fmt.Fprintf(w, "invalid duration %q\n", args[3])
			return
		}
	}

	cmd := wire.RelayCommand{Relay: uint8(idx), Action: action, DurationS: uint32(duration)}
	payload := make([]byte, 6)
	if _, err := cmd.MarshalBinaryTo(payload); err != nil {
		fmt.Fprintf(w, "encode: %v\n", err)
		return
	}
	if err := c.task.SendUnicast(r.Address, wire.KindRelayCommand, payload); err != nil {
		fmt.Fprintf(w, "send to %s: %v\n", r.Address, err)
		return
	}
	fmt.Fprintf(w, "relay %d %s sent to %s\n", idx, action, r.Address)
}

// relayAll broadcasts one frame per relay index (spec §8.2 S3: "for each
// relay index 0..8, a broadcast frame is emitted"). This path bypasses the
// cloud queue entirely; nothing is marked anywhere.
func (c *Console) relayAll(w io.Writer, on bool) {
	action := wire.ActionOff
	if on {
		action = wire.ActionOn
	}
	for i := 0; i < relay.NumRelays; i++ {
		cmd := wire.RelayCommand{Relay: uint8(i), Action: action}
		payload := make([]byte, 6)
		if _, err := cmd.MarshalBinaryTo(payload); err != nil {
			continue
		}
		if err := c.task.SendBroadcast(wire.KindRelayCommand, payload); err != nil {
			fmt.Fprintf(w, "broadcast relay %d: %v\n", i, err)
		}
	}
	fmt.Fprintf(w, "broadcast %s to all relays\n", action)
}

func (c *Console) relayName(w io.Writer, idx int, name string) {
	if c.relays != nil {
		if err := c.relays.SetName(idx, name); err != nil {
			fmt.Fprintf(w, "set name: %v\n", err)
			return
		}
	}
	if c.store != nil {
		if err := c.store.SaveRelayName(idx, name); err != nil {
			fmt.Fprintf(w, "persist name: %v\n", err)
			return
		}
	}
	fmt.Fprintf(w, "relay %d named %q\n", idx, name)
}

// fanout sends one frame per addressed peer (all online peers when args is
// empty), then reports the responses arriving within the window.
func (c *Console) fanout(w io.Writer, args []string, verb string, send func(wire.Address) error) {
	var targets []peer.Record
	if len(args) == 0 {
		for _, r := range c.peers.All() {
			if r.Online {
				targets = append(targets, r)
			}
		}
	} else {
		r, ok := c.resolvePeer(args[0])
		if !ok {
			fmt.Fprintf(w, "unknown peer %q\n", args[0])
			return
		}
		targets = append(targets, r)
	}
	if len(targets) == 0 {
		fmt.Fprintln(w, "no online peers")
		return
	}
	for _, r := range targets {
		if err := send(r.Address); err != nil {
			fmt.Fprintf(w, "%s %s: %v\n", verb, r.Address, err)
		}
	}
	responded := c.collectResponses(len(targets))
	for _, r := range targets {
		if _, ok := responded[r.Address]; ok {
			fmt.Fprintf(w, "%s %s: %s\n", verb, r.Address, color.GreenString("ok"))
		} else {
			fmt.Fprintf(w, "%s %s: %s\n", verb, r.Address, color.YellowString("no reply"))
		}
	}
}

// collectResponses drains task events for up to the response window,
// returning the set of peers that produced a handshake response or
// connectivity report.
func (c *Console) collectResponses(want int) map[wire.Address]datagram.Event {
	responded := map[wire.Address]datagram.Event{}
	deadline := time.After(c.window)
	for len(responded) < want {
		select {
		case ev := <-c.task.Events():
			if ev.Kind == datagram.EventHandshakeResponse || ev.Kind == datagram.EventConnectivityReport {
				responded[ev.From] = ev
			}
		case <-deadline:
			return responded
		}
	}
	return responded
}

// autoValidation fans out handshake + connectivity_check + ping to every
// online peer and renders a per-peer pass/fail table (spec §6.3
// auto_validation; SPEC_FULL §7.4).
func (c *Console) autoValidation(w io.Writer) {
	var targets []peer.Record
	for _, r := range c.peers.All() {
		if r.Online {
			targets = append(targets, r)
		}
	}
	if len(targets) == 0 {
		fmt.Fprintln(w, "no online peers")
		return
	}

	for _, r := range targets {
		if err := c.task.SendHandshake(r.Address); err != nil {
			fmt.Fprintf(w, "handshake %s: %v\n", r.Address, err)
		}
		if err := c.task.SendConnectivityCheck(r.Address); err != nil {
			fmt.Fprintf(w, "connectivity_check %s: %v\n", r.Address, err)
		}
		if err := c.task.SendPing(r.Address); err != nil {
			fmt.Fprintf(w, "ping %s: %v\n", r.Address, err)
		}
	}

	handshakes := map[wire.Address]bool{}
	reports := map[wire.Address]bool{}
	deadline := time.After(c.window)
collect:
	for {
		select {
		case ev := <-c.task.Events():
			switch ev.Kind {
			case datagram.EventHandshakeResponse:
				handshakes[ev.From] = true
			case datagram.EventConnectivityReport:
				reports[ev.From] = true
			}
			if len(handshakes) >= len(targets) && len(reports) >= len(targets) {
				break collect
			}
		case <-deadline:
			break collect
		}
	}

	table := tablewriter.NewWriter(w)
	table.Header("PEER", "HANDSHAKE", "CONNECTIVITY", "PING")
	for _, r := range targets {
		// a cleared LastPingSent means the pong came back and RTT was
		// recorded; anything else is an outstanding ping.
		pingOK := false
		if cur, ok := c.peers.Get(r.Address); ok {
			pingOK = cur.LastPingSent.IsZero() && cur.LastLatency > 0
		}
		_ = table.Append([]string{
			r.Address.String(),
			passFail(handshakes[r.Address]),
			passFail(reports[r.Address]),
			passFail(pingOK),
		})
	}
	_ = table.Render()
}

func passFail(ok bool) string {
	if ok {
		return color.GreenString("[ OK ]")
	}
	return color.RedString("[FAIL]")
}

func (c *Console) bridgeStats(w io.Writer) {
	if c.br == nil {
		fmt.Fprintln(w, "no bridge on this node")
		return
	}
	bc := c.br.Counters()
	state := "enabled"
	if !c.br.Enabled() {
		state = "disabled"
	}
	if bc.Standby {
		state += " (standby)"
	}
	fmt.Fprintf(w, "bridge %s: processed=%d sent=%d completed=%d failed=%d cloud_failures=%d\n",
		state, bc.Processed, bc.Sent, bc.Completed, bc.Failed, bc.CloudFailures)
}

func (c *Console) bridgeEnable(w io.Writer, enabled bool) {
	if c.br == nil {
		fmt.Fprintln(w, "no bridge on this node")
		return
	}
	c.br.SetEnabled(enabled)
	if enabled {
		fmt.Fprintln(w, "bridge enabled")
		return
	}
	fmt.Fprintln(w, "bridge disabled")
}

func parseAction(tok string) (wire.RelayAction, bool) {
	switch strings.ToLower(tok) {
	case "on":
		return wire.ActionOn, true
	case "off":
		return wire.ActionOff, true
	case "toggle":
		return wire.ActionToggle, true
	case "on_forever":
		return wire.ActionOnForever, true
	case "status":
		return wire.ActionStatus, true
	default:
		return 0, false
	}
}

// Serve reads operator lines from r until EOF, executing each against w.
func (c *Console) Serve(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.Execute(scanner.Text(), w)
	}
	return scanner.Err()
}
