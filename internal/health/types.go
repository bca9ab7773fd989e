// Package health turns a noisy remote probe into debounced online/offline
// state. The monitor polls on a fixed cadence, counts consecutive failures,
// and emits edge-triggered transition events alongside per-poll snapshots.
package health

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyMonitoring is returned by Start when a poll loop is active.
	ErrAlreadyMonitoring = errors.New("monitor already running")
	// ErrWaitTimeout is returned by WaitForOnline when the deadline elapses
	// before the next online transition.
	ErrWaitTimeout = errors.New("wait for online timed out")
)

// Status is the snapshot recomputed on every poll.
type Status struct {
	Online              bool      `json:"online"`
	Network             string    `json:"network"`
	LastCheckAt         time.Time `json:"last_check_at"`
	LatencyMs           int64     `json:"latency_ms"` // 0 when latency is unknown
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Report is a single probe result.
type Report struct {
	Healthy   bool
	LatencyMs int64
	CheckedAt time.Time
}

// Prober issues one health check against a network endpoint.
type Prober interface {
	Check(ctx context.Context) (Report, error)
}

// ProberFactory builds the prober for a network; called on Start and
// SwitchNetwork so each network gets its own endpoint.
type ProberFactory func(network string) (Prober, error)

type EventKind string

const (
	EventStatus       EventKind = "status"
	EventTransition   EventKind = "transition"
	EventDegraded     EventKind = "degraded"
	EventSlowResponse EventKind = "slow_response"
)

// Event is delivered to subscribers in emission order. Transition events
// always follow the status event carrying the same snapshot.
type Event struct {
	Kind           EventKind `json:"kind"`
	Status         Status    `json:"status"`
	PreviousOnline bool      `json:"previous_online,omitempty"` // transition only
	Timestamp      time.Time `json:"timestamp"`
}
