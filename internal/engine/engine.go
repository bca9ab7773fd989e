// Package engine drives armed operations through independent bounded-retry
// state machines. One run produces exactly one outcome per operation; a
// single operation exhausting its budget never disturbs the others.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ambush/internal/gateway/venue"
	"ambush/internal/logger"
	"ambush/internal/profile"
	"ambush/internal/wallet"

	"github.com/shopspring/decimal"
)

// ErrAlreadyRunning is returned by Run when a previous run has not completed.
var ErrAlreadyRunning = errors.New("engine run already in progress")

const (
	DefaultMaxRetries   = 20
	DefaultInitialDelay = 2 * time.Second
	DefaultMaxDelay     = 5 * time.Second
)

type Mode string

const (
	ModeParallel   Mode = "parallel"
	ModeSequential Mode = "sequential"
)

// ParseMode maps a profile's execution_mode string onto a Mode, defaulting
// to parallel.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), string(ModeSequential)) {
		return ModeSequential
	}
	return ModeParallel
}

// Settings bound one run's retry behavior. Zero values fall back to the
// defaults above.
type Settings struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	SlippagePct  decimal.Decimal
}

func (s *Settings) normalize() {
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.InitialDelay <= 0 {
		s.InitialDelay = DefaultInitialDelay
	}
	if s.MaxDelay <= 0 {
		s.MaxDelay = DefaultMaxDelay
	}
	if s.SlippagePct.IsNegative() {
		s.SlippagePct = decimal.Zero
	}
}

// SettingsFromProfile maps persisted profile knobs onto engine settings.
func SettingsFromProfile(ps profile.Settings) Settings {
	set := Settings{
		MaxRetries:   ps.MaxRetries,
		InitialDelay: time.Duration(ps.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(ps.MaxDelayMs) * time.Millisecond,
		SlippagePct:  ps.SlippagePct,
	}
	set.normalize()
	return set
}

// Outcome is the immutable result of one operation's state machine.
type Outcome struct {
	OperationID  string             `json:"operation_id"`
	Success      bool               `json:"success"`
	Result       *venue.OrderResult `json:"result,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	ElapsedMs    int64              `json:"elapsed_ms"`
	AttemptsUsed int                `json:"attempts_used"`
}

// Engine executes operations against a venue using credentials opened
// through the wallet provider. Sessions opened during a run are cached per
// operation and dropped unconditionally when the run returns.
type Engine struct {
	venue  venue.Venue
	wallet wallet.Provider

	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error

	running atomic.Bool

	mu        sync.Mutex
	listeners []func(Event)
	sessions  map[string]wallet.Session
}

func NewEngine(v venue.Venue, w wallet.Provider) *Engine {
	return &Engine{
		venue:    v,
		wallet:   w,
		nowFn:    time.Now,
		sleepFn:  sleepCtx,
		sessions: make(map[string]wallet.Session),
	}
}

// Run drives every operation to completion and returns one outcome per
// operation in input order. Individual failures never surface as errors;
// only the already-running contract violation does.
func (e *Engine) Run(ctx context.Context, ops []profile.Operation, mode Mode, set Settings) ([]Outcome, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer func() {
		e.clearSessions()
		e.running.Store(false)
	}()

	set.normalize()
	if len(ops) == 0 {
		logger.Warnf("Engine: run requested with no operations")
		return nil, nil
	}
	runStart := e.nowFn()
	logger.Infof("Engine: run started ops=%d mode=%s max_retries=%d", len(ops), mode, set.MaxRetries)

	outcomes := make([]Outcome, len(ops))
	if mode == ModeSequential {
		for i := range ops {
			outcomes[i] = e.executeOperation(ctx, ops[i], set)
		}
	} else {
		var wg sync.WaitGroup
		for i := range ops {
			wg.Add(1)
			go func(idx int, op profile.Operation) {
				defer wg.Done()
				outcomes[idx] = e.executeOperation(ctx, op, set)
			}(i, ops[i])
		}
		wg.Wait()
	}

	succeeded := 0
	for _, oc := range outcomes {
		if oc.Success {
			succeeded++
		}
	}
	logger.Infof("Engine: run finished ok=%d failed=%d elapsed=%s",
		succeeded, len(outcomes)-succeeded, e.nowFn().Sub(runStart).Truncate(time.Millisecond))
	return outcomes, nil
}

// Running reports whether a run is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Stop clears local bookkeeping: cached sessions and listeners. Venue calls
// already in flight are not interrupted; callers must not assume they were.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.listeners = nil
	e.sessions = make(map[string]wallet.Session)
	e.mu.Unlock()
}

// executeOperation runs one operation's full state machine: discover,
// simulate, submit, with exponential backoff between attempts. All errors
// are absorbed into the outcome.
func (e *Engine) executeOperation(ctx context.Context, op profile.Operation, set Settings) (out Outcome) {
	start := e.nowFn()
	out = Outcome{OperationID: op.ID}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Engine: panic in operation %s: %v", op.ID, r)
			debug.PrintStack()
			out.Success = false
			out.Result = nil
			out.ErrorMessage = fmt.Sprintf("panic: %v", r)
			out.ElapsedMs = e.sinceMs(start)
		}
	}()

	e.emit(op.ID, PhaseStarted, map[string]any{"target": op.TargetID})

	amountIn, cfgErr := e.prepare(op)
	if cfgErr == nil {
		// open the credential up front so a bad reference fails fast,
		// and prime the per-run session cache for the attempts
		_, cfgErr = e.sessionFor(op)
	}
	if cfgErr != nil {
		// configuration problems are not retryable: fail before attempt 1
		out.ErrorMessage = cfgErr.Error()
		out.ElapsedMs = e.sinceMs(start)
		logger.Warnf("Engine: operation %s rejected: %v", op.ID, cfgErr)
		e.emit(op.ID, PhaseFailed, map[string]any{"attempts": 0, "error": cfgErr.Error()})
		return out
	}

	var lastErr error
	for attempt := 1; attempt <= set.MaxRetries; attempt++ {
		out.AttemptsUsed = attempt
		result, err := e.attempt(ctx, op, amountIn, set)
		if err == nil {
			out.Success = true
			out.Result = result
			out.ElapsedMs = e.sinceMs(start)
			logger.Infof("Engine: operation %s completed attempts=%d tx=%s", op.ID, attempt, result.TxID)
			e.emit(op.ID, PhaseCompleted, map[string]any{
				"attempts":   attempt,
				"elapsed_ms": out.ElapsedMs,
				"tx_id":      result.TxID,
			})
			return out
		}
		lastErr = err
		if attempt == set.MaxRetries {
			break
		}
		delay := backoffDelay(attempt, set.InitialDelay, set.MaxDelay)
		e.emit(op.ID, PhaseRetrying, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		if serr := e.sleepFn(ctx, delay); serr != nil {
			lastErr = fmt.Errorf("run canceled during backoff: %w", serr)
			break
		}
	}

	out.ErrorMessage = lastErr.Error()
	out.ElapsedMs = e.sinceMs(start)
	logger.Warnf("Engine: operation %s failed attempts=%d: %v", op.ID, out.AttemptsUsed, lastErr)
	e.emit(op.ID, PhaseFailed, map[string]any{
		"attempts":   out.AttemptsUsed,
		"elapsed_ms": out.ElapsedMs,
		"error":      lastErr.Error(),
	})
	return out
}

// attempt performs one discover, simulate, submit pass from scratch. Any
// error sends the state machine back to the start of the next attempt.
func (e *Engine) attempt(ctx context.Context, op profile.Operation, amountIn decimal.Decimal, set Settings) (*venue.OrderResult, error) {
	session, err := e.sessionFor(op)
	if err != nil {
		return nil, err
	}
	target, err := e.venue.ResolveTarget(ctx, op.TargetID)
	if err != nil {
		return nil, fmt.Errorf("discovering: %w", err)
	}
	e.emit(op.ID, PhaseTargetResolved, map[string]any{"pool": target.Pool, "venue": target.Venue})

	quote, err := e.venue.Estimate(ctx, target, amountIn)
	if err != nil {
		return nil, fmt.Errorf("simulating: %w", err)
	}
	e.emit(op.ID, PhaseSimulated, map[string]any{"amount_out": quote.AmountOut.String(), "note": quote.Note})

	minOut := minAcceptableOutput(quote.AmountOut, set.SlippagePct)
	result, err := e.venue.Submit(ctx, venue.SubmitRequest{
		Target:       target,
		Account:      venue.Account{Address: session.Address, Secret: session.Secret},
		AmountIn:     amountIn,
		MinAmountOut: minOut,
	})
	if err != nil {
		return nil, fmt.Errorf("submitting: %w", err)
	}
	e.emit(op.ID, PhaseSubmitted, map[string]any{"tx_id": result.TxID, "amount_out": result.AmountOut.String()})
	return result, nil
}

func (e *Engine) prepare(op profile.Operation) (decimal.Decimal, error) {
	if err := op.Validate(); err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(strings.TrimSpace(op.AmountIn))
}

// Preflight opens the operation's credential and asks the venue for the
// backing account's balance. Advisory: the controller logs the answer when
// arming, nothing depends on it. The per-run session cache is not touched.
func (e *Engine) Preflight(ctx context.Context, op profile.Operation) (venue.Balance, error) {
	session, err := e.wallet.Open(op.CredentialRef)
	if err != nil {
		return venue.Balance{}, fmt.Errorf("opening credential for %s failed: %w", op.ID, err)
	}
	return e.venue.GetBalance(ctx, venue.Account{Address: session.Address, Secret: session.Secret})
}

// sessionFor opens the operation's credential once per run and caches it.
func (e *Engine) sessionFor(op profile.Operation) (wallet.Session, error) {
	e.mu.Lock()
	if s, ok := e.sessions[op.ID]; ok {
		e.mu.Unlock()
		return s, nil
	}
	e.mu.Unlock()
	s, err := e.wallet.Open(op.CredentialRef)
	if err != nil {
		return wallet.Session{}, fmt.Errorf("opening credential for %s failed: %w", op.ID, err)
	}
	e.mu.Lock()
	e.sessions[op.ID] = s
	e.mu.Unlock()
	return s, nil
}

func (e *Engine) clearSessions() {
	e.mu.Lock()
	e.sessions = make(map[string]wallet.Session)
	e.mu.Unlock()
}

func (e *Engine) sinceMs(start time.Time) int64 {
	return e.nowFn().Sub(start).Milliseconds()
}

// backoffDelay is min(initial * 2^(attempt-1), max), no jitter.
func backoffDelay(attempt int, initial, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 32 {
		return max
	}
	d := initial << shift
	if d <= 0 || d > max {
		return max
	}
	return d
}

// minAcceptableOutput applies the slippage tolerance to a simulated output:
// amountOut * (1 - pct/100), floored at zero.
func minAcceptableOutput(amountOut, slippagePct decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Sub(slippagePct.Div(decimal.NewFromInt(100)))
	if factor.IsNegative() {
		return decimal.Zero
	}
	return amountOut.Mul(factor)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
