package autocomm

import (
	"fmt"

	"github.com/Knetic/govaluate"
	"github.com/eclesh/welford"
)

// HealthInputs are the per-peer signals the health score is computed from
// every HealthCheckInterval (spec §4.7 "Health score").
type HealthInputs struct {
	RSSIDbm       float64
	PacketLossPct float64
	LatencyMs     float64
	SinceLastPong float64 // seconds
}

// healthyThreshold and softRecoveryThreshold are the score cutoffs spec §4.7
// defines ("healthy := score >= 50"; "Health < 30 triggers SoftRecovery").
const (
	healthyThreshold      = 50
	softRecoveryThreshold = 30
)

// healthFunctions mirrors the teacher's fbclock/daemon/math.go texture: one
// govaluate.ExpressionFunction per named step penalty, registered alongside
// each other rather than inlined as nested ternaries, so the expression
// string itself stays close to the spec's plain-English table.
var healthFunctions = map[string]govaluate.ExpressionFunction{
	"rssi_penalty": func(args ...interface{}) (interface{}, error) {
		rssi, err := floatArg(args, 0, "rssi_penalty")
		if err != nil {
			return nil, err
		}
		switch {
		case rssi > -60:
			return 0.0, nil
		case rssi > -70:
			return 10.0, nil
		case rssi > -80:
			return 20.0, nil
		default:
			return 30.0, nil
		}
	},
	"latency_penalty": func(args ...interface{}) (interface{}, error) {
		latency, err := floatArg(args, 0, "latency_penalty")
		if err != nil {
			return nil, err
		}
		switch {
		case latency < 50:
			return 0.0, nil
		case latency < 100:
			return 10.0, nil
		default:
			return 20.0, nil
		}
	},
	"heartbeat_penalty": func(args ...interface{}) (interface{}, error) {
		sincePong, err := floatArg(args, 0, "heartbeat_penalty")
		if err != nil {
			return nil, err
		}
		switch {
		case sincePong < 20:
			return 0.0, nil
		case sincePong < 35:
			return 10.0, nil
		default:
			return 20.0, nil
		}
	},
}

func floatArg(args []interface{}, i int, fn string) (float64, error) {
	if i >= len(args) {
		return 0, fmt.Errorf("%s: missing argument %d", fn, i)
	}
	v, ok := args[i].(float64)
	if !ok {
		return 0, fmt.Errorf("%s: argument %d not a number", fn, i)
	}
	return v, nil
}

const healthExpr = "100 - rssi_penalty(rssi) - 0.3*loss - latency_penalty(latency) - heartbeat_penalty(since_pong)"

// HealthScorer evaluates the health-score formula (spec §4.7) via a
// compiled govaluate expression, constructed once like Math.mExpr in the
// teacher.
type HealthScorer struct {
	expr *govaluate.EvaluableExpression
}

// NewHealthScorer compiles the health expression.
func NewHealthScorer() (*HealthScorer, error) {
	expr, err := govaluate.NewEvaluableExpressionWithFunctions(healthExpr, healthFunctions)
	if err != nil {
		return nil, fmt.Errorf("autocomm: compiling health expression: %w", err)
	}
	return &HealthScorer{expr: expr}, nil
}

// Score evaluates in against the compiled expression and clamps the result
// to [0, 100] (spec §4.7).
func (s *HealthScorer) Score(in HealthInputs) (float64, error) {
	params := map[string]interface{}{
		"rssi":       in.RSSIDbm,
		"loss":       in.PacketLossPct,
		"latency":    in.LatencyMs,
		"since_pong": in.SinceLastPong,
	}
	result, err := s.expr.Evaluate(params)
	if err != nil {
		return 0, fmt.Errorf("autocomm: evaluating health expression: %w", err)
	}
	score, ok := result.(float64)
	if !ok {
		return 0, fmt.Errorf("autocomm: health expression returned non-numeric result")
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, nil
}

// Healthy reports whether score meets the spec's healthy threshold.
func Healthy(score float64) bool { return score >= healthyThreshold }

// NeedsSoftRecovery reports whether score has dropped low enough to trigger
// SoftRecovery (spec §4.7).
func NeedsSoftRecovery(score float64) bool { return score < softRecoveryThreshold }

// PeerStats accumulates the running RSSI mean and RTT variance a peer's
// health inputs are derived from, without retaining an unbounded raw
// sample slice — grounded on fbclock/daemon/math.go's mean/variance
// helpers built on the same welford.Stats accumulator.
type PeerStats struct {
	rssi *welford.Stats
	rtt  *welford.Stats

	msgsSent     uint64
	msgsReceived uint64
	msgsLost     uint64
}

// NewPeerStats returns an empty accumulator pair for one peer.
func NewPeerStats() *PeerStats {
	return &PeerStats{rssi: welford.New(), rtt: welford.New()}
}

// ObserveRSSI folds a new RSSI sample into the running mean.
func (p *PeerStats) ObserveRSSI(dbm float64) { p.rssi.Add(dbm) }

// ObserveRTT folds a new round-trip sample (milliseconds) into the running
// mean/variance.
func (p *PeerStats) ObserveRTT(ms float64) { p.rtt.Add(ms) }

// RecordSent increments the sent-message counter used for packet-loss
// computation.
func (p *PeerStats) RecordSent() { p.msgsSent++ }

// RecordReceived increments the received-message counter.
func (p *PeerStats) RecordReceived() { p.msgsReceived++ }

// RecordLost increments the lost-message counter.
func (p *PeerStats) RecordLost() { p.msgsLost++ }

// MeanRSSI returns the running mean RSSI, or 0 if no samples were added.
func (p *PeerStats) MeanRSSI() float64 {
	if p.rssi.Count() == 0 {
		return 0
	}
	return p.rssi.Mean()
}

// MeanRTT returns the running mean RTT in milliseconds.
func (p *PeerStats) MeanRTT() float64 {
	if p.rtt.Count() == 0 {
		return 0
	}
	return p.rtt.Mean()
}

// RSSISamples returns how many RSSI samples have been folded in.
func (p *PeerStats) RSSISamples() uint64 { return p.rssi.Count() }

// RTTSamples returns how many RTT samples have been folded in.
func (p *PeerStats) RTTSamples() uint64 { return p.rtt.Count() }

// PacketLossPct computes 100*msgs_lost/(msgs_sent+msgs_received) per spec
// §4.7, returning 0 when no traffic has been observed yet.
func (p *PeerStats) PacketLossPct() float64 {
	total := p.msgsSent + p.msgsReceived
	if total == 0 {
		return 0
	}
	return 100 * float64(p.msgsLost) / float64(total)
}
