// Package quality classifies live transport statistics into a discrete
// connection quality level.
//
// A Monitor polls the transport's statistics on a fixed interval while
// enabled and a transport handle is attached, derives packet loss, round-trip
// time, jitter and inbound bitrate, and publishes a Snapshot replacing the
// previous one. Classification is a pure function of the numeric inputs and
// the transport connection state.
package quality

import (
	"context"
	"fmt"
	"time"
)

// ConnState is the transport's connection state.
type ConnState int

const (
	// StateConnecting means the transport is still negotiating.
	StateConnecting ConnState = iota
	// StateConnected means media is flowing.
	StateConnected
	// StateDisconnected means the transport lost connectivity.
	StateDisconnected
	// StateFailed means the transport gave up.
	StateFailed
)

// String returns the string representation of ConnState.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ReportKind categorizes a transport stat report.
type ReportKind string

const (
	// ReportCandidatePair describes the network path between peers.
	ReportCandidatePair ReportKind = "candidate-pair"
	// ReportInboundAudio describes inbound audio reception health.
	ReportInboundAudio ReportKind = "inbound-rtp"
)

// StatReport is one opaque statistics report from the transport. Only the
// fields matching Kind are meaningful.
type StatReport struct {
	Kind ReportKind

	// candidate-pair fields
	State string // "succeeded" for the active pair
	RTT   time.Duration

	// inbound-rtp audio fields
	Jitter          time.Duration
	PacketsReceived uint64
	PacketsLost     uint64
	BytesReceived   uint64
}

// Transport is the live media channel being monitored. It is an external
// collaborator; the monitor only reads from it.
type Transport interface {
	// GetStats returns the transport's current statistics snapshot.
	GetStats(ctx context.Context) ([]StatReport, error)

	// ConnectionState returns the current connection state.
	ConnectionState() ConnState
}

// Level is the ordinal quality classification, worst to best.
type Level int

const (
	// LevelDisconnected means the transport is down.
	LevelDisconnected Level = iota
	// LevelPoor means the call is barely usable.
	LevelPoor
	// LevelFair means noticeable degradation.
	LevelFair
	// LevelGood means minor degradation.
	LevelGood
	// LevelExcellent means optimal conditions.
	LevelExcellent
)

// String returns the string representation of Level.
func (l Level) String() string {
	switch l {
	case LevelDisconnected:
		return "disconnected"
	case LevelPoor:
		return "poor"
	case LevelFair:
		return "fair"
	case LevelGood:
		return "good"
	case LevelExcellent:
		return "excellent"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// Label returns the display label for the level.
func (l Level) Label() string {
	switch l {
	case LevelDisconnected:
		return "No connection"
	case LevelPoor:
		return "Poor"
	case LevelFair:
		return "Fair"
	case LevelGood:
		return "Good"
	case LevelExcellent:
		return "Excellent"
	default:
		return "Unknown"
	}
}

// Bars returns the coarse 0-4 bar count for UI rendering.
func (l Level) Bars() int {
	return int(l)
}

// Snapshot is a point-in-time classification of connection health. It is
// derived and ephemeral; consumers observe only the latest one.
type Snapshot struct {
	Level       Level
	RTT         time.Duration
	PacketLoss  float64 // percent, 0-100
	Jitter      time.Duration
	BitrateKbps float64
	Label       string
	Bars        int
	Timestamp   time.Time
}

// Thresholds holds the exclusive upper bounds for each tier. A sample
// qualifies for a tier only when rtt, loss and jitter are all strictly
// below the tier's bounds.
type Thresholds struct {
	ExcellentRTT    time.Duration
	ExcellentLoss   float64
	ExcellentJitter time.Duration

	GoodRTT    time.Duration
	GoodLoss   float64
	GoodJitter time.Duration

	FairRTT    time.Duration
	FairLoss   float64
	FairJitter time.Duration
}

// DefaultThresholds returns the standard classification bounds.
func DefaultThresholds() *Thresholds {
	return &Thresholds{
		ExcellentRTT:    100 * time.Millisecond,
		ExcellentLoss:   1.0,
		ExcellentJitter: 20 * time.Millisecond,
		GoodRTT:         200 * time.Millisecond,
		GoodLoss:        3.0,
		GoodJitter:      50 * time.Millisecond,
		FairRTT:         400 * time.Millisecond,
		FairLoss:        8.0,
		FairJitter:      100 * time.Millisecond,
	}
}

// Classify maps connection state and numeric stats to a quality level.
// Identical inputs always yield identical levels. A disconnected or failed
// transport classifies as LevelDisconnected regardless of the numbers.
func Classify(state ConnState, rtt time.Duration, loss float64, jitter time.Duration, th *Thresholds) Level {
	if th == nil {
		th = DefaultThresholds()
	}

	if state == StateDisconnected || state == StateFailed {
		return LevelDisconnected
	}

	switch {
	case rtt < th.ExcellentRTT && loss < th.ExcellentLoss && jitter < th.ExcellentJitter:
		return LevelExcellent
	case rtt < th.GoodRTT && loss < th.GoodLoss && jitter < th.GoodJitter:
		return LevelGood
	case rtt < th.FairRTT && loss < th.FairLoss && jitter < th.FairJitter:
		return LevelFair
	default:
		return LevelPoor
	}
}

// PacketLossPercent computes lost/(received+lost)*100, zero when no packets
// were observed.
func PacketLossPercent(received, lost uint64) float64 {
	total := received + lost
	if total == 0 {
		return 0
	}
	return float64(lost) / float64(total) * 100.0
}
