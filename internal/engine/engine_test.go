package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ambush/internal/gateway/venue"
	"ambush/internal/profile"
	"ambush/internal/wallet"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

// fakeVenue scripts per-identifier behavior: always-fail targets, targets
// that appear after N resolve attempts, and a submit log for assertions.
type fakeVenue struct {
	mu          sync.Mutex
	alwaysFail  map[string]bool
	appearAfter map[string]int
	resolves    map[string]int
	submits     []venue.SubmitRequest
	blockOn     chan struct{}
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		alwaysFail:  make(map[string]bool),
		appearAfter: make(map[string]int),
		resolves:    make(map[string]int),
	}
}

func (f *fakeVenue) Name() string { return "fake" }

func (f *fakeVenue) ResolveTarget(ctx context.Context, identifier string) (*venue.Target, error) {
	if f.blockOn != nil {
		<-f.blockOn
	}
	f.mu.Lock()
	f.resolves[identifier]++
	n := f.resolves[identifier]
	f.mu.Unlock()
	if f.alwaysFail[identifier] {
		return nil, venue.NewRemoteError("fake", "resolve", 503, errors.New("unavailable"))
	}
	if n <= f.appearAfter[identifier] {
		return nil, venue.ErrTargetNotFound
	}
	return &venue.Target{Identifier: identifier, Pool: "pool-" + identifier, Venue: "fake"}, nil
}

func (f *fakeVenue) Estimate(ctx context.Context, target *venue.Target, amountIn decimal.Decimal) (*venue.Quote, error) {
	return &venue.Quote{AmountOut: amountIn.Mul(decimal.NewFromInt(100)), QuotedAt: time.Now()}, nil
}

func (f *fakeVenue) Submit(ctx context.Context, req venue.SubmitRequest) (*venue.OrderResult, error) {
	f.mu.Lock()
	f.submits = append(f.submits, req)
	f.mu.Unlock()
	return &venue.OrderResult{
		TxID:        "tx-" + req.Target.Identifier,
		AmountOut:   req.MinAmountOut,
		SubmittedAt: time.Now(),
	}, nil
}

func (f *fakeVenue) GetBalance(ctx context.Context, account venue.Account) (venue.Balance, error) {
	return venue.Balance{Asset: "USDC", Total: decimal.NewFromInt(1000)}, nil
}

func (f *fakeVenue) resolveCount(identifier string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolves[identifier]
}

type fakeWallet struct {
	mu    sync.Mutex
	opens int
}

func (w *fakeWallet) Name() string { return "fake" }

func (w *fakeWallet) Open(ref []byte) (wallet.Session, error) {
	w.mu.Lock()
	w.opens++
	w.mu.Unlock()
	if string(ref) == "bad" {
		return wallet.Session{}, wallet.ErrBadCredential
	}
	return wallet.Session{Address: "addr-1", Secret: "secret-1"}, nil
}

func (w *fakeWallet) openCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.opens
}

func testOp(id, target string) profile.Operation {
	return profile.Operation{
		ID:            id,
		TargetID:      target,
		AmountIn:      "2",
		CredentialRef: []byte("cred"),
		Active:        true,
		Status:        profile.StatusReady,
		CreatedAt:     time.Now(),
	}
}

// newTestEngine swaps the backoff sleep for a recorder so retry-heavy tests
// finish instantly.
func newTestEngine(v venue.Venue, w wallet.Provider) (*Engine, *[]time.Duration) {
	eng := NewEngine(v, w)
	delays := &[]time.Duration{}
	var mu sync.Mutex
	eng.sleepFn = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return nil
	}
	return eng, delays
}

func TestRun_SuccessSingleOperation(t *testing.T) {
	fv := newFakeVenue()
	eng, _ := newTestEngine(fv, &fakeWallet{})

	outcomes, err := eng.Run(context.Background(), []profile.Operation{testOp("op-1", "TOKEN")}, ModeParallel, Settings{})
	assert.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, "op-1", outcomes[0].OperationID)
	assert.Equal(t, 1, outcomes[0].AttemptsUsed)
	assert.Equal(t, "tx-TOKEN", outcomes[0].Result.TxID)
}

func TestRun_ExhaustionUsesFullBudget(t *testing.T) {
	fv := newFakeVenue()
	fv.alwaysFail["DEAD"] = true
	eng, delays := newTestEngine(fv, &fakeWallet{})

	set := Settings{MaxRetries: 5, InitialDelay: 2 * time.Second, MaxDelay: 5 * time.Second}
	outcomes, err := eng.Run(context.Background(), []profile.Operation{testOp("op-x", "DEAD")}, ModeSequential, set)
	assert.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Success)
	assert.Equal(t, 5, outcomes[0].AttemptsUsed)
	assert.Contains(t, outcomes[0].ErrorMessage, "unavailable")

	// backoff between attempts only: min(2s*2^(k-1), 5s) for k in 1..4
	want := []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	assert.Equal(t, want, *delays)
}

func TestRun_ParallelIsolation(t *testing.T) {
	fv := newFakeVenue()
	fv.alwaysFail["B"] = true
	eng, _ := newTestEngine(fv, &fakeWallet{})

	ops := []profile.Operation{testOp("a", "A"), testOp("b", "B"), testOp("c", "C")}
	outcomes, err := eng.Run(context.Background(), ops, ModeParallel, Settings{MaxRetries: 3})
	assert.NoError(t, err)
	assert.Len(t, outcomes, 3)

	// result list preserves input order regardless of completion order
	assert.Equal(t, "a", outcomes[0].OperationID)
	assert.Equal(t, "b", outcomes[1].OperationID)
	assert.Equal(t, "c", outcomes[2].OperationID)

	assert.True(t, outcomes[0].Success)
	assert.False(t, outcomes[1].Success)
	assert.True(t, outcomes[2].Success)
	assert.Equal(t, 3, outcomes[1].AttemptsUsed)
}

func TestRun_SequentialContinuesPastFailure(t *testing.T) {
	fv := newFakeVenue()
	fv.alwaysFail["B"] = true
	eng, _ := newTestEngine(fv, &fakeWallet{})

	ops := []profile.Operation{testOp("a", "A"), testOp("b", "B"), testOp("c", "C")}
	outcomes, err := eng.Run(context.Background(), ops, ModeSequential, Settings{MaxRetries: 2})
	assert.NoError(t, err)
	assert.Len(t, outcomes, 3)
	assert.True(t, outcomes[0].Success)
	assert.False(t, outcomes[1].Success)
	assert.True(t, outcomes[2].Success)
}

func TestRun_TargetAppearsAfterRetries(t *testing.T) {
	fv := newFakeVenue()
	fv.appearAfter["LATE"] = 2
	eng, _ := newTestEngine(fv, &fakeWallet{})

	outcomes, err := eng.Run(context.Background(), []profile.Operation{testOp("op-l", "LATE")}, ModeParallel, Settings{MaxRetries: 5})
	assert.NoError(t, err)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, 3, outcomes[0].AttemptsUsed)
	assert.Equal(t, 3, fv.resolveCount("LATE"))
}

func TestRun_ConfigurationErrorFailsImmediately(t *testing.T) {
	fv := newFakeVenue()
	fw := &fakeWallet{}
	eng, delays := newTestEngine(fv, fw)

	badAmount := testOp("op-bad", "TOKEN")
	badAmount.AmountIn = "not-a-number"
	badCred := testOp("op-cred", "TOKEN")
	badCred.CredentialRef = []byte("bad")

	outcomes, err := eng.Run(context.Background(), []profile.Operation{badAmount, badCred}, ModeSequential, Settings{MaxRetries: 5})
	assert.NoError(t, err)
	assert.Len(t, outcomes, 2)
	for _, oc := range outcomes {
		assert.False(t, oc.Success)
		assert.Equal(t, 0, oc.AttemptsUsed)
	}
	assert.Contains(t, outcomes[0].ErrorMessage, "not a decimal")
	assert.Contains(t, outcomes[1].ErrorMessage, "bad credential")
	assert.Empty(t, *delays)
	assert.Equal(t, 0, fv.resolveCount("TOKEN"))
}

func TestRun_AlreadyRunningGuard(t *testing.T) {
	fv := newFakeVenue()
	fv.blockOn = make(chan struct{})
	eng, _ := newTestEngine(fv, &fakeWallet{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := eng.Run(context.Background(), []profile.Operation{testOp("op-1", "TOKEN")}, ModeParallel, Settings{MaxRetries: 1})
		assert.NoError(t, err)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !eng.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	_, err := eng.Run(context.Background(), []profile.Operation{testOp("op-2", "TOKEN")}, ModeParallel, Settings{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(fv.blockOn)
	<-done
	assert.False(t, eng.Running())
}

func TestRun_SessionCacheScopedToRun(t *testing.T) {
	fv := newFakeVenue()
	fv.appearAfter["SLOW"] = 3
	fw := &fakeWallet{}
	eng, _ := newTestEngine(fv, fw)

	outcomes, err := eng.Run(context.Background(), []profile.Operation{testOp("op-s", "SLOW")}, ModeParallel, Settings{MaxRetries: 6})
	assert.NoError(t, err)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, 4, outcomes[0].AttemptsUsed)

	// one open despite four attempts, then the cache is dropped with the run
	assert.Equal(t, 1, fw.openCount())
	eng.mu.Lock()
	assert.Empty(t, eng.sessions)
	eng.mu.Unlock()
}

func TestRun_SlippageFloorsSubmit(t *testing.T) {
	fv := newFakeVenue()
	eng, _ := newTestEngine(fv, &fakeWallet{})

	op := testOp("op-1", "TOKEN")
	set := Settings{SlippagePct: decimal.RequireFromString("1.5")}
	outcomes, err := eng.Run(context.Background(), []profile.Operation{op}, ModeParallel, set)
	assert.NoError(t, err)
	assert.True(t, outcomes[0].Success)

	// amountIn 2 -> estimate 200 -> minOut 200 * (1 - 0.015) = 197
	assert.Len(t, fv.submits, 1)
	assert.Equal(t, "197", fv.submits[0].MinAmountOut.String())
	assert.Equal(t, "2", fv.submits[0].AmountIn.String())
	assert.Equal(t, "addr-1", fv.submits[0].Account.Address)
}

func TestRun_EventSequences(t *testing.T) {
	fv := newFakeVenue()
	fv.alwaysFail["DEAD"] = true
	eng, _ := newTestEngine(fv, &fakeWallet{})

	var mu sync.Mutex
	phases := make(map[string][]Phase)
	eng.Subscribe(func(ev Event) {
		mu.Lock()
		phases[ev.OperationID] = append(phases[ev.OperationID], ev.Phase)
		mu.Unlock()
	})

	ops := []profile.Operation{testOp("ok", "TOKEN"), testOp("dead", "DEAD")}
	_, err := eng.Run(context.Background(), ops, ModeSequential, Settings{MaxRetries: 2})
	assert.NoError(t, err)

	assert.Equal(t, []Phase{PhaseStarted, PhaseTargetResolved, PhaseSimulated, PhaseSubmitted, PhaseCompleted}, phases["ok"])
	assert.Equal(t, []Phase{PhaseStarted, PhaseRetrying, PhaseFailed}, phases["dead"])
}

func TestPreflight(t *testing.T) {
	fv := newFakeVenue()
	fw := &fakeWallet{}
	eng, _ := newTestEngine(fv, fw)

	bal, err := eng.Preflight(context.Background(), testOp("op-1", "TOKEN"))
	assert.NoError(t, err)
	assert.Equal(t, "USDC", bal.Asset)
	assert.True(t, bal.Total.Equal(decimal.NewFromInt(1000)))

	bad := testOp("op-2", "TOKEN")
	bad.CredentialRef = []byte("bad")
	_, err = eng.Preflight(context.Background(), bad)
	assert.ErrorIs(t, err, wallet.ErrBadCredential)

	// outside a run: the per-run session cache stays empty
	eng.mu.Lock()
	assert.Empty(t, eng.sessions)
	eng.mu.Unlock()
}

func TestBackoffDelay(t *testing.T) {
	initial := 2 * time.Second
	max := 5 * time.Second
	assert.Equal(t, 2*time.Second, backoffDelay(1, initial, max))
	assert.Equal(t, 4*time.Second, backoffDelay(2, initial, max))
	assert.Equal(t, 5*time.Second, backoffDelay(3, initial, max))
	assert.Equal(t, 5*time.Second, backoffDelay(20, initial, max))
	assert.Equal(t, 5*time.Second, backoffDelay(64, initial, max))
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeSequential, ParseMode("sequential"))
	assert.Equal(t, ModeSequential, ParseMode(" SEQUENTIAL "))
	assert.Equal(t, ModeParallel, ParseMode("parallel"))
	assert.Equal(t, ModeParallel, ParseMode(""))
	assert.Equal(t, ModeParallel, ParseMode("whatever"))
}

func TestSettingsFromProfile(t *testing.T) {
	set := SettingsFromProfile(profile.Settings{})
	assert.Equal(t, DefaultMaxRetries, set.MaxRetries)
	assert.Equal(t, DefaultInitialDelay, set.InitialDelay)
	assert.Equal(t, DefaultMaxDelay, set.MaxDelay)

	set = SettingsFromProfile(profile.Settings{MaxRetries: 3, InitialDelayMs: 100, MaxDelayMs: 400})
	assert.Equal(t, 3, set.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, set.InitialDelay)
	assert.Equal(t, 400*time.Millisecond, set.MaxDelay)
}
