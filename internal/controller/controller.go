// Package controller glues detection to execution: it arms one profile
// under its file lock, watches the venue through the health monitor, and
// fires the engine once per offline-to-online edge, persisting outcomes
// back into the profile and the history store.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ambush/internal/engine"
	"ambush/internal/gateway/notifier"
	"ambush/internal/health"
	"ambush/internal/lockfile"
	"ambush/internal/logger"
	"ambush/internal/profile"
	"ambush/internal/store/gormstore"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyArmed is returned by Arm when a profile is armed.
	ErrAlreadyArmed = errors.New("a profile is already armed")
	// ErrNotArmed is returned by TriggerNow before any profile is armed.
	ErrNotArmed = errors.New("no profile armed")
	// ErrRunInFlight is returned when a trigger overlaps a running batch.
	ErrRunInFlight = errors.New("execution run already in flight")
)

const recordTimeout = 2 * time.Second

// Params collects the controller's collaborators. History and Notifier may
// be nil; everything else is required.
type Params struct {
	Monitor  *health.Monitor
	Engine   *engine.Engine
	Store    *profile.Store
	Guard    *lockfile.Guard
	History  *gormstore.Store
	Notifier notifier.TextNotifier
}

// Controller owns the armed session: the profile lock, the loaded
// aggregate, the running monitor, and the single-flight trigger guard.
type Controller struct {
	monitor *health.Monitor
	engine  *engine.Engine
	store   *profile.Store
	guard   *lockfile.Guard
	history *gormstore.Store
	notify  notifier.TextNotifier

	nowFn func() time.Time

	firing atomic.Bool

	// armMu serializes Arm and Stop end to end; both span lock-file and
	// monitor operations that must not interleave between callers sharing
	// the store's holder identity.
	armMu sync.Mutex

	mu        sync.Mutex
	armed     bool
	agg       *profile.Aggregate
	runCancel context.CancelFunc
	runCtx    context.Context
}

func New(p Params) *Controller {
	c := &Controller{
		monitor: p.Monitor,
		engine:  p.Engine,
		store:   p.Store,
		guard:   p.Guard,
		history: p.History,
		notify:  p.Notifier,
		nowFn:   time.Now,
	}
	if c.monitor != nil {
		c.monitor.Subscribe(c.onMonitorEvent)
	}
	if c.engine != nil {
		c.engine.Subscribe(c.onEngineEvent)
	}
	return c
}

// Arm takes exclusive ownership of the named profile and starts watching
// its network. Lock contention surfaces as "in use elsewhere" without
// low-level detail beyond the rival holder.
func (c *Controller) Arm(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.armMu.Lock()
	defer c.armMu.Unlock()

	c.mu.Lock()
	if c.armed {
		c.mu.Unlock()
		return ErrAlreadyArmed
	}
	c.mu.Unlock()

	if _, err := c.guard.CleanupStale(); err != nil {
		logger.Warnf("Controller: stale lock cleanup failed: %v", err)
	}
	ok, err := c.guard.Acquire(name, c.store.Holder())
	if err != nil {
		return fmt.Errorf("acquiring lock for %s failed: %w", name, err)
	}
	if !ok {
		if rec, _ := c.guard.Inspect(name); rec != nil {
			return fmt.Errorf("profile %s is in use elsewhere (held by %s)", name, rec.Holder)
		}
		return fmt.Errorf("profile %s is in use elsewhere", name)
	}

	agg, err := c.store.Load(name)
	if err != nil {
		c.releaseLock(name)
		return err
	}

	// Snapshot before Start: once the monitor runs, an edge-triggered run
	// may mutate operation statuses concurrently.
	activeOps := agg.ActiveOperations()

	// Armed state must be visible before the monitor's first check runs:
	// a venue that is already online produces its edge immediately.
	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.armed = true
	c.agg = agg
	c.runCtx = runCtx
	c.runCancel = cancel
	c.mu.Unlock()

	if err := c.monitor.Start(agg.Network); err != nil {
		c.mu.Lock()
		c.armed = false
		c.agg = nil
		c.runCtx = nil
		c.runCancel = nil
		c.mu.Unlock()
		cancel()
		c.releaseLock(name)
		return err
	}

	active := len(activeOps)
	logger.Infof("Controller: armed profile=%s network=%s operations=%d active=%d",
		agg.Name, agg.Network, len(agg.Operations), active)
	c.recordEvent("controller", "armed", "", map[string]any{
		"profile": agg.Name,
		"network": agg.Network,
		"active":  active,
	})
	c.notifyArmed(agg, active)
	if len(activeOps) > 0 {
		go c.logBalance(runCtx, activeOps[0])
	}
	return nil
}

// logBalance reports the funding behind the first armed operation. Advisory
// and best-effort: the venue is often still offline at arm time.
func (c *Controller) logBalance(ctx context.Context, op profile.Operation) {
	bctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()
	bal, err := c.engine.Preflight(bctx, op)
	if err != nil {
		logger.Warnf("Controller: balance preflight failed: %v", err)
		return
	}
	logger.Infof("Controller: balance available=%s total=%s asset=%s",
		bal.Available, bal.Total, bal.Asset)
}

// Stop disarms: cancels any in-flight run's waits, stops the monitor,
// clears engine bookkeeping, and releases the profile lock. Idempotent.
func (c *Controller) Stop() {
	c.armMu.Lock()
	defer c.armMu.Unlock()

	c.mu.Lock()
	if !c.armed {
		c.mu.Unlock()
		return
	}
	agg := c.agg
	cancel := c.runCancel
	c.armed = false
	c.agg = nil
	c.runCtx = nil
	c.runCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.monitor.Stop()
	c.engine.Stop()
	c.releaseLock(agg.Name)
	c.recordEvent("controller", "disarmed", "", map[string]any{"profile": agg.Name})
	logger.Infof("Controller: disarmed profile=%s", agg.Name)
}

// TriggerNow fires the armed operations without waiting for an edge. The
// run proceeds in the background; ErrRunInFlight reports an overlap.
func (c *Controller) TriggerNow(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	armed := c.armed
	runCtx := c.runCtx
	c.mu.Unlock()
	if !armed {
		return ErrNotArmed
	}
	if !c.firing.CompareAndSwap(false, true) {
		return ErrRunInFlight
	}
	go func() {
		defer c.firing.Store(false)
		c.runOnce(runCtx, "manual")
	}()
	return nil
}

// Status is the live view served by the HTTP layer.
type Status struct {
	Armed       bool          `json:"armed"`
	Profile     string        `json:"profile,omitempty"`
	Network     string        `json:"network,omitempty"`
	RunInFlight bool          `json:"run_in_flight"`
	Monitor     health.Status `json:"monitor"`
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{Armed: c.armed, RunInFlight: c.firing.Load()}
	if c.agg != nil {
		st.Profile = c.agg.Name
		st.Network = c.agg.Network
	}
	c.mu.Unlock()
	st.Monitor = c.monitor.GetStatus()
	return st
}

// Operations returns a copy of the armed profile's operations with
// credential material stripped, for read-only display.
func (c *Controller) Operations() []profile.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.agg == nil {
		return nil
	}
	out := make([]profile.Operation, len(c.agg.Operations))
	copy(out, c.agg.Operations)
	for i := range out {
		out[i].CredentialRef = nil
	}
	return out
}

// onMonitorEvent runs on the monitor's check path: keep it quick. The
// actual engine run happens on its own goroutine.
func (c *Controller) onMonitorEvent(ev health.Event) {
	switch ev.Kind {
	case health.EventTransition:
		c.recordTransition(ev)
		if ev.Status.Online && !ev.PreviousOnline {
			if !c.firing.CompareAndSwap(false, true) {
				logger.Warnf("Controller: online edge ignored, run already in flight")
				return
			}
			c.mu.Lock()
			runCtx := c.runCtx
			armed := c.armed
			c.mu.Unlock()
			if !armed {
				c.firing.Store(false)
				return
			}
			go func() {
				defer c.firing.Store(false)
				c.runOnce(runCtx, "transition")
			}()
		}
	case health.EventDegraded, health.EventSlowResponse:
		c.recordEvent("monitor", string(ev.Kind), "", map[string]any{
			"network":  ev.Status.Network,
			"failures": ev.Status.ConsecutiveFailures,
			"latency":  ev.Status.LatencyMs,
		})
	}
}

func (c *Controller) onEngineEvent(ev engine.Event) {
	c.recordEvent("engine", string(ev.Phase), ev.OperationID, ev.Payload)
}

// runOnce drives one engine run end to end: snapshot the armed operations,
// execute, merge outcomes into the aggregate, persist, notify.
func (c *Controller) runOnce(ctx context.Context, reason string) {
	if ctx == nil {
		return
	}
	c.mu.Lock()
	if !c.armed || c.agg == nil {
		c.mu.Unlock()
		return
	}
	agg := c.agg
	name := agg.Name
	network := agg.Network
	ops := agg.ActiveOperations()
	set := engine.SettingsFromProfile(agg.Settings)
	mode := engine.ParseMode(agg.Settings.ExecutionMode)
	c.mu.Unlock()

	if len(ops) == 0 {
		logger.Warnf("Controller: trigger (%s) with no active operations in %s", reason, name)
		return
	}
	runID := uuid.NewString()
	logger.Infof("Controller: firing profile=%s reason=%s operations=%d mode=%s run=%s",
		name, reason, len(ops), mode, runID)

	started := c.nowFn()
	outcomes, err := c.engine.Run(ctx, ops, mode, set)
	if err != nil {
		logger.Warnf("Controller: run rejected: %v", err)
		return
	}
	c.mergeAndPersist(runID, name, network, ops, outcomes)
	c.notifyRun(name, reason, outcomes, c.nowFn().Sub(started))
}

// mergeAndPersist folds outcomes back into the aggregate (status +
// executed_at only; telemetry rows go to the history store) and saves it
// under the held lock.
func (c *Controller) mergeAndPersist(runID, name, network string, ops []profile.Operation, outcomes []engine.Outcome) {
	executedAt := c.nowFn()

	c.mu.Lock()
	agg := c.agg
	if agg != nil && agg.Name == name {
		for _, oc := range outcomes {
			op := agg.Find(oc.OperationID)
			if op == nil {
				continue
			}
			if oc.Success {
				op.Status = profile.StatusSuccess
			} else {
				op.Status = profile.StatusFailed
			}
			at := executedAt
			op.ExecutedAt = &at
		}
	}
	c.mu.Unlock()

	if agg != nil {
		if err := c.store.Save(agg); err != nil {
			logger.Errorf("Controller: persisting outcomes to profile %s failed: %v", name, err)
		}
	}

	if c.history == nil {
		return
	}
	targets := make(map[string]string, len(ops))
	for _, op := range ops {
		targets[op.ID] = op.TargetID
	}
	recs := make([]gormstore.OutcomeRecord, 0, len(outcomes))
	for _, oc := range outcomes {
		rec := gormstore.OutcomeRecord{
			RunID:        runID,
			Profile:      name,
			Network:      network,
			OperationID:  oc.OperationID,
			TargetID:     targets[oc.OperationID],
			Success:      oc.Success,
			ErrorMessage: oc.ErrorMessage,
			ElapsedMs:    oc.ElapsedMs,
			Attempts:     oc.AttemptsUsed,
			CreatedAt:    executedAt,
		}
		if oc.Result != nil {
			rec.TxID = oc.Result.TxID
			rec.AmountOut = oc.Result.AmountOut.String()
			rec.Result = map[string]any{
				"tx_id":      oc.Result.TxID,
				"amount_out": oc.Result.AmountOut.String(),
			}
		}
		recs = append(recs, rec)
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := c.history.AppendOutcomes(ctx, recs); err != nil {
		logger.Warnf("Controller: appending outcome history failed: %v", err)
	}
}

func (c *Controller) recordTransition(ev health.Event) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := c.history.AppendTransition(ctx, gormstore.TransitionRecord{
		Network:        ev.Status.Network,
		Online:         ev.Status.Online,
		PreviousOnline: ev.PreviousOnline,
		LatencyMs:      ev.Status.LatencyMs,
		Failures:       ev.Status.ConsecutiveFailures,
		At:             ev.Timestamp,
	})
	if err != nil {
		logger.Warnf("Controller: appending transition failed: %v", err)
	}
}

func (c *Controller) recordEvent(source, kind, operationID string, payload map[string]any) {
	if c.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	err := c.history.AppendEvent(ctx, gormstore.EventRecord{
		Source:      source,
		Kind:        kind,
		OperationID: operationID,
		Payload:     payload,
		CreatedAt:   c.nowFn(),
	})
	if err != nil {
		logger.Warnf("Controller: appending %s/%s event failed: %v", source, kind, err)
	}
}

func (c *Controller) releaseLock(name string) {
	if err := c.guard.Release(name); err != nil {
		logger.Warnf("Controller: releasing lock for %s failed: %v", name, err)
	}
}

func (c *Controller) notifyArmed(agg *profile.Aggregate, active int) {
	if c.notify == nil {
		return
	}
	msg := notifier.StructuredMessage{
		Icon:  "🎯",
		Title: "Profile armed",
		Sections: []notifier.MessageSection{{Lines: []string{
			"profile: " + agg.Name,
			"network: " + agg.Network,
			fmt.Sprintf("operations: %d armed of %d", active, len(agg.Operations)),
		}}},
		Timestamp: c.nowFn(),
	}
	go c.sendText(msg.RenderMarkdown())
}

func (c *Controller) notifyRun(name, reason string, outcomes []engine.Outcome, elapsed time.Duration) {
	if c.notify == nil {
		return
	}
	succeeded := 0
	lines := make([]string, 0, len(outcomes))
	for _, oc := range outcomes {
		id := oc.OperationID
		if len(id) > 8 {
			id = id[:8]
		}
		if oc.Success {
			succeeded++
			tx := ""
			if oc.Result != nil {
				tx = " tx=" + oc.Result.TxID
			}
			lines = append(lines, fmt.Sprintf("%s ok attempts=%d%s", id, oc.AttemptsUsed, tx))
		} else {
			lines = append(lines, fmt.Sprintf("%s failed attempts=%d: %s", id, oc.AttemptsUsed, oc.ErrorMessage))
		}
	}
	icon := "✅"
	if succeeded < len(outcomes) {
		icon = "⚠️"
	}
	msg := notifier.StructuredMessage{
		Icon:  icon,
		Title: fmt.Sprintf("Run finished: %d/%d succeeded", succeeded, len(outcomes)),
		Sections: []notifier.MessageSection{
			{Title: "Outcomes", Lines: lines},
		},
		Footer:    fmt.Sprintf("profile %s, %s trigger, %s", name, reason, elapsed.Truncate(time.Millisecond)),
		Timestamp: c.nowFn(),
	}
	go c.sendText(msg.RenderMarkdown())
}

func (c *Controller) sendText(text string) {
	if err := c.notify.SendText(text); err != nil {
		logger.Warnf("Controller: notification failed: %v", err)
	}
}
