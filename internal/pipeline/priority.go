package pipeline

import (
	"time"

	"chess-arena/internal/bus"
)

// Priority orders how quickly an event must reach the durable store.
type Priority int

const (
	Low Priority = iota
	Medium
	High
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Medium:
		return "medium"
	default:
		return "low"
	}
}

const (
	lowClockMs      = 30 * 1000 // a side under this makes moves HIGH
	criticalClockMs = 10 * 1000 // a clock under this makes time updates HIGH
	warningClockMs  = 60 * 1000
)

// PriorityFor derives an event's lane. Game-ending events always ride
// HIGH; moves escalate as the clocks run down so a crash near flag
// fall loses as little as possible.
func PriorityFor(env bus.Envelope) Priority {
	switch env.EventType {
	case bus.EventGameStarted, bus.EventGameEnded, bus.EventPlayerResigned,
		bus.EventDrawAccepted, bus.EventRatingUpdated:
		return High

	case bus.EventMoveMade:
		var p bus.MoveMadePayload
		if err := env.Decode(&p); err != nil {
			return Medium
		}
		if p.Terminal {
			return High
		}
		if p.TimeLeftMs.White < lowClockMs || p.TimeLeftMs.Black < lowClockMs {
			return High
		}
		return Medium

	case bus.EventTimeUpdate:
		var p bus.TimeUpdatePayload
		if err := env.Decode(&p); err != nil {
			return Low
		}
		minClock := p.WhiteMs
		if p.BlackMs < minClock {
			minClock = p.BlackMs
		}
		if minClock < criticalClockMs {
			return High
		}
		if minClock < warningClockMs {
			return Medium
		}
		return Low

	default:
		return Low
	}
}

// laneConfig is the batching policy per priority.
type laneConfig struct {
	maxBatch int
	maxWait  time.Duration
	maxDepth int
	coalesce bool
}

func configFor(p Priority) laneConfig {
	switch p {
	case High:
		return laneConfig{maxBatch: 10, maxWait: 1 * time.Second, maxDepth: 4096}
	case Medium:
		return laneConfig{maxBatch: 100, maxWait: 5 * time.Second, maxDepth: 4096}
	default:
		return laneConfig{maxBatch: 200, maxWait: 10 * time.Second, maxDepth: 1024, coalesce: true}
	}
}
