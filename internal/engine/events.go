package engine

import (
	"slices"
	"time"
)

// Phase names the lifecycle stations one operation moves through during a
// run. Subscribers receive them in emission order.
type Phase string

const (
	PhaseStarted        Phase = "started"
	PhaseTargetResolved Phase = "target_resolved"
	PhaseSimulated      Phase = "simulated"
	PhaseSubmitted      Phase = "submitted"
	PhaseRetrying       Phase = "retrying"
	PhaseCompleted      Phase = "completed"
	PhaseFailed         Phase = "failed"
)

type Event struct {
	OperationID string         `json:"operation_id"`
	Phase       Phase          `json:"phase"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Subscribe registers a listener for all engine events. Listeners are
// invoked from the operation goroutines and must not block.
func (e *Engine) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *Engine) emit(operationID string, phase Phase, payload map[string]any) {
	e.mu.Lock()
	listeners := slices.Clone(e.listeners)
	e.mu.Unlock()
	ev := Event{
		OperationID: operationID,
		Phase:       phase,
		Payload:     payload,
		Timestamp:   e.nowFn(),
	}
	for _, fn := range listeners {
		fn(ev)
	}
}
