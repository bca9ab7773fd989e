package controller

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ambush/internal/engine"
	"ambush/internal/gateway/venue"
	"ambush/internal/health"
	"ambush/internal/lockfile"
	"ambush/internal/profile"
	"ambush/internal/store/gormstore"
	"ambush/internal/wallet"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flipProber reports whatever the healthy flag says at check time, so tests
// flip the venue on and off and force edges through CheckNow.
type flipProber struct {
	healthy atomic.Bool
}

func (p *flipProber) Check(ctx context.Context) (health.Report, error) {
	if !p.healthy.Load() {
		return health.Report{}, errors.New("probe refused")
	}
	return health.Report{Healthy: true, LatencyMs: 12, CheckedAt: time.Now()}, nil
}

type stubVenue struct {
	mu      sync.Mutex
	fail    map[string]bool
	submits map[string]int
	blockOn chan struct{}
}

func newStubVenue() *stubVenue {
	return &stubVenue{fail: make(map[string]bool), submits: make(map[string]int)}
}

func (v *stubVenue) Name() string { return "stub" }

func (v *stubVenue) ResolveTarget(ctx context.Context, identifier string) (*venue.Target, error) {
	if v.blockOn != nil {
		select {
		case <-v.blockOn:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	v.mu.Lock()
	failing := v.fail[identifier]
	v.mu.Unlock()
	if failing {
		return nil, venue.NewRemoteError("stub", "resolve", 503, errors.New("unavailable"))
	}
	return &venue.Target{Identifier: identifier, Pool: "pool-" + identifier, Venue: "stub"}, nil
}

func (v *stubVenue) Estimate(ctx context.Context, target *venue.Target, amountIn decimal.Decimal) (*venue.Quote, error) {
	return &venue.Quote{AmountOut: amountIn.Mul(decimal.NewFromInt(100)), QuotedAt: time.Now()}, nil
}

func (v *stubVenue) Submit(ctx context.Context, req venue.SubmitRequest) (*venue.OrderResult, error) {
	v.mu.Lock()
	v.submits[req.Target.Identifier]++
	v.mu.Unlock()
	return &venue.OrderResult{
		TxID:        "tx-" + req.Target.Identifier,
		AmountOut:   req.MinAmountOut,
		SubmittedAt: time.Now(),
	}, nil
}

func (v *stubVenue) GetBalance(ctx context.Context, account venue.Account) (venue.Balance, error) {
	return venue.Balance{Asset: "USDC", Total: decimal.NewFromInt(1000)}, nil
}

func (v *stubVenue) submitCount(identifier string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.submits[identifier]
}

type stubWallet struct{}

func (stubWallet) Name() string { return "stub" }

func (stubWallet) Open(ref []byte) (wallet.Session, error) {
	return wallet.Session{Address: "addr-ctl", Secret: "sk"}, nil
}

type noteSink struct {
	mu    sync.Mutex
	texts []string
}

func (n *noteSink) SendText(text string) error {
	n.mu.Lock()
	n.texts = append(n.texts, text)
	n.mu.Unlock()
	return nil
}

func (n *noteSink) contains(sub string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.texts {
		if strings.Contains(t, sub) {
			return true
		}
	}
	return false
}

type testRig struct {
	ctl     *Controller
	prober  *flipProber
	venue   *stubVenue
	store   *profile.Store
	guard   *lockfile.Guard
	history *gormstore.Store
	notes   *noteSink
	monitor *health.Monitor
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	dir := t.TempDir()
	guard, err := lockfile.NewGuard(filepath.Join(dir, "locks"), 0)
	require.NoError(t, err)
	store, err := profile.NewStore(filepath.Join(dir, "profiles"), guard, 3)
	require.NoError(t, err)
	history, err := gormstore.NewStore(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = history.Close() })

	prober := &flipProber{}
	monitor := health.NewMonitor("mainnet", health.Options{}, func(string) (health.Prober, error) {
		return prober, nil
	})
	fv := newStubVenue()
	notes := &noteSink{}
	ctl := New(Params{
		Monitor:  monitor,
		Engine:   engine.NewEngine(fv, stubWallet{}),
		Store:    store,
		Guard:    guard,
		History:  history,
		Notifier: notes,
	})
	t.Cleanup(ctl.Stop)
	return &testRig{
		ctl: ctl, prober: prober, venue: fv, store: store,
		guard: guard, history: history, notes: notes, monitor: monitor,
	}
}

func armedOp(target string) profile.Operation {
	return profile.Operation{
		ID:            "op-" + target,
		TargetID:      target,
		AmountIn:      "2",
		CredentialRef: []byte("cred"),
		Active:        true,
		Status:        profile.StatusReady,
		CreatedAt:     time.Now(),
	}
}

// seedProfile writes a profile through the store's own save path so the
// file passes schema validation on Load. Retry delays are kept tiny.
func seedProfile(t *testing.T, rig *testRig, name string, ops ...profile.Operation) {
	t.Helper()
	agg := profile.NewAggregate(name, "mainnet")
	agg.Settings.MaxRetries = 2
	agg.Settings.InitialDelayMs = 1
	agg.Settings.MaxDelayMs = 2
	agg.Operations = append(agg.Operations, ops...)

	ok, err := rig.guard.Acquire(name, rig.store.Holder())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, rig.store.Save(agg))
	require.NoError(t, rig.guard.Release(name))
}

func waitRunDone(t *testing.T, rig *testRig, target string, wantSubmits int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return rig.venue.submitCount(target) >= wantSubmits && !rig.ctl.Status().RunInFlight
	}, 3*time.Second, 10*time.Millisecond)
}

func TestArmLifecycle(t *testing.T) {
	rig := newTestRig(t)
	seedProfile(t, rig, "launch", armedOp("A"))

	require.NoError(t, rig.ctl.Arm(context.Background(), "launch"))
	st := rig.ctl.Status()
	assert.True(t, st.Armed)
	assert.Equal(t, "launch", st.Profile)
	assert.Equal(t, "mainnet", st.Network)
	assert.True(t, rig.monitor.Running())

	locked, err := rig.guard.IsLocked("launch")
	assert.NoError(t, err)
	assert.True(t, locked)

	assert.ErrorIs(t, rig.ctl.Arm(context.Background(), "launch"), ErrAlreadyArmed)

	rig.ctl.Stop()
	assert.False(t, rig.ctl.Status().Armed)
	assert.False(t, rig.monitor.Running())
	locked, err = rig.guard.IsLocked("launch")
	assert.NoError(t, err)
	assert.False(t, locked)
	assert.ErrorIs(t, rig.ctl.TriggerNow(context.Background()), ErrNotArmed)

	// disarm frees the profile for the next session
	require.NoError(t, rig.ctl.Arm(context.Background(), "launch"))
	rig.ctl.Stop()
	rig.ctl.Stop() // idempotent
}

func TestArmContentionSurfacesHolder(t *testing.T) {
	rig := newTestRig(t)
	seedProfile(t, rig, "launch", armedOp("A"))

	ok, err := rig.guard.Acquire("launch", "rival-host:99:beef")
	require.NoError(t, err)
	require.True(t, ok)

	err = rig.ctl.Arm(context.Background(), "launch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use elsewhere")
	assert.Contains(t, err.Error(), "rival-host:99:beef")
	assert.False(t, rig.ctl.Status().Armed)
	assert.False(t, rig.monitor.Running())
}

func TestArmUnknownProfileReleasesLock(t *testing.T) {
	rig := newTestRig(t)

	err := rig.ctl.Arm(context.Background(), "ghost")
	assert.ErrorIs(t, err, profile.ErrNotFound)

	locked, err := rig.guard.IsLocked("ghost")
	assert.NoError(t, err)
	assert.False(t, locked)
}

func TestOnlineEdgeFiresActiveOperations(t *testing.T) {
	rig := newTestRig(t)
	rig.venue.fail["B"] = true
	idle := armedOp("C")
	idle.Active = false
	idle.Status = profile.StatusCreated
	seedProfile(t, rig, "launch", armedOp("A"), armedOp("B"), idle)

	require.NoError(t, rig.ctl.Arm(context.Background(), "launch"))

	rig.prober.healthy.Store(true)
	_, err := rig.monitor.CheckNow(context.Background())
	require.NoError(t, err)
	waitRunDone(t, rig, "A", 1)

	// outcomes land in the profile file: statuses and executed_at merged,
	// the disarmed operation untouched
	saved, err := rig.store.Load("launch")
	require.NoError(t, err)
	opA, opB, opC := saved.Find("op-A"), saved.Find("op-B"), saved.Find("op-C")
	require.NotNil(t, opA)
	require.NotNil(t, opB)
	require.NotNil(t, opC)
	assert.Equal(t, profile.StatusSuccess, opA.Status)
	assert.NotNil(t, opA.ExecutedAt)
	assert.Equal(t, profile.StatusFailed, opB.Status)
	assert.NotNil(t, opB.ExecutedAt)
	assert.Equal(t, profile.StatusCreated, opC.Status)
	assert.Nil(t, opC.ExecutedAt)
	assert.True(t, opA.Active, "success does not disarm an operation")

	recs, err := rig.history.ListOutcomes(context.Background(), "launch", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byOp := make(map[string]gormstore.OutcomeRecord, len(recs))
	for _, rec := range recs {
		byOp[rec.OperationID] = rec
		assert.Equal(t, recs[0].RunID, rec.RunID)
		assert.Equal(t, "mainnet", rec.Network)
	}
	assert.True(t, byOp["op-A"].Success)
	assert.Equal(t, "tx-A", byOp["op-A"].TxID)
	assert.Equal(t, "200", byOp["op-A"].AmountOut)
	assert.Equal(t, "A", byOp["op-A"].TargetID)
	assert.Equal(t, 1, byOp["op-A"].Attempts)
	assert.False(t, byOp["op-B"].Success)
	assert.Contains(t, byOp["op-B"].ErrorMessage, "unavailable")
	assert.Equal(t, 2, byOp["op-B"].Attempts)

	trans, err := rig.history.ListTransitions(context.Background(), "mainnet", 10)
	require.NoError(t, err)
	require.NotEmpty(t, trans)
	assert.True(t, trans[0].Online)
	assert.False(t, trans[0].PreviousOnline)

	evs, err := rig.history.ListEvents(context.Background(), time.Time{}, 200)
	require.NoError(t, err)
	kinds := make(map[string]bool)
	for _, ev := range evs {
		kinds[ev.Source+"/"+ev.Kind] = true
	}
	assert.True(t, kinds["controller/armed"])
	assert.True(t, kinds["engine/completed"])
	assert.True(t, kinds["engine/failed"])

	require.Eventually(t, func() bool {
		return rig.notes.contains("Profile armed") && rig.notes.contains("Run finished: 1/2 succeeded")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFreshEdgeRefires(t *testing.T) {
	rig := newTestRig(t)
	seedProfile(t, rig, "launch", armedOp("A"))
	require.NoError(t, rig.ctl.Arm(context.Background(), "launch"))

	rig.prober.healthy.Store(true)
	_, err := rig.monitor.CheckNow(context.Background())
	require.NoError(t, err)
	waitRunDone(t, rig, "A", 1)

	// dropping offline records the edge but does not fire
	rig.prober.healthy.Store(false)
	_, err = rig.monitor.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rig.venue.submitCount("A"))

	// the next recovery is a fresh edge: still-active operations run again
	rig.prober.healthy.Store(true)
	_, err = rig.monitor.CheckNow(context.Background())
	require.NoError(t, err)
	waitRunDone(t, rig, "A", 2)

	recs, err := rig.history.ListOutcomes(context.Background(), "launch", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.NotEqual(t, recs[0].RunID, recs[1].RunID)

	trans, err := rig.history.ListTransitions(context.Background(), "mainnet", 10)
	require.NoError(t, err)
	assert.Len(t, trans, 3) // online, offline, online
}

func TestArmWhileVenueOnlineFiresImmediately(t *testing.T) {
	rig := newTestRig(t)
	seedProfile(t, rig, "launch", armedOp("A"))

	// the monitor's first check sees a healthy venue, which is itself an
	// offline-to-online edge
	rig.prober.healthy.Store(true)
	require.NoError(t, rig.ctl.Arm(context.Background(), "launch"))
	waitRunDone(t, rig, "A", 1)
}

func TestTriggerNowSingleFlight(t *testing.T) {
	rig := newTestRig(t)
	rig.venue.blockOn = make(chan struct{})
	seedProfile(t, rig, "launch", armedOp("A"))

	assert.ErrorIs(t, rig.ctl.TriggerNow(context.Background()), ErrNotArmed)
	require.NoError(t, rig.ctl.Arm(context.Background(), "launch"))

	require.NoError(t, rig.ctl.TriggerNow(context.Background()))
	require.Eventually(t, func() bool {
		return rig.ctl.Status().RunInFlight
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rig.ctl.TriggerNow(context.Background()), ErrRunInFlight)

	close(rig.venue.blockOn)
	waitRunDone(t, rig, "A", 1)

	// a finished run frees the trigger
	require.NoError(t, rig.ctl.TriggerNow(context.Background()))
	waitRunDone(t, rig, "A", 2)
}

func TestOperationsCopyStripsCredentials(t *testing.T) {
	rig := newTestRig(t)
	seedProfile(t, rig, "launch", armedOp("A"))

	assert.Nil(t, rig.ctl.Operations())

	require.NoError(t, rig.ctl.Arm(context.Background(), "launch"))
	ops := rig.ctl.Operations()
	require.Len(t, ops, 1)
	assert.Nil(t, ops[0].CredentialRef)

	rig.ctl.mu.Lock()
	assert.NotEmpty(t, rig.ctl.agg.Operations[0].CredentialRef)
	rig.ctl.mu.Unlock()
}
