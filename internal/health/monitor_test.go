package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type scriptProber struct {
	mu      sync.Mutex
	reports []Report
	errs    []error
	calls   int
}

// Check pops the next scripted result; the last one repeats forever.
func (p *scriptProber) Check(ctx context.Context) (Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.reports) {
		i = len(p.reports) - 1
	}
	p.calls++
	var err error
	if i < len(p.errs) {
		err = p.errs[i]
	}
	return p.reports[i], err
}

func (p *scriptProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func factoryFor(p Prober) ProberFactory {
	return func(network string) (Prober, error) { return p, nil }
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) add(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) ofKind(kind EventKind) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (s *eventSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func TestMonitor_FailuresThenRecovery(t *testing.T) {
	prober := &scriptProber{
		reports: []Report{{}, {}, {Healthy: true, LatencyMs: 42}},
		errs:    []error{context.DeadlineExceeded, context.DeadlineExceeded, nil},
	}
	m := NewMonitor("mainnet", Options{}, factoryFor(prober))
	sink := &eventSink{}
	m.Subscribe(sink.add)

	st1 := m.performCheck(prober)
	st2 := m.performCheck(prober)
	st3 := m.performCheck(prober)

	assert.False(t, st1.Online)
	assert.False(t, st2.Online)
	assert.True(t, st3.Online)
	assert.Equal(t, 1, st1.ConsecutiveFailures)
	assert.Equal(t, 2, st2.ConsecutiveFailures)
	assert.Equal(t, 0, st3.ConsecutiveFailures)
	assert.Equal(t, int64(42), st3.LatencyMs)

	statuses := sink.ofKind(EventStatus)
	assert.Len(t, statuses, 3)
	transitions := sink.ofKind(EventTransition)
	assert.Len(t, transitions, 1)
	assert.True(t, transitions[0].Status.Online)
	assert.False(t, transitions[0].PreviousOnline)

	// transition must come after the status event carrying the same snapshot
	all := sink.all()
	lastStatusIdx, transitionIdx := -1, -1
	for i, ev := range all {
		switch ev.Kind {
		case EventStatus:
			if ev.Status.Online {
				lastStatusIdx = i
			}
		case EventTransition:
			transitionIdx = i
		}
	}
	assert.Greater(t, transitionIdx, lastStatusIdx)
}

func TestMonitor_TransitionOnlyOnEdge(t *testing.T) {
	prober := &scriptProber{
		reports: []Report{{Healthy: true}, {Healthy: true}, {}, {}, {Healthy: true}},
	}
	m := NewMonitor("mainnet", Options{}, factoryFor(prober))
	sink := &eventSink{}
	m.Subscribe(sink.add)

	for i := 0; i < 5; i++ {
		m.performCheck(prober)
	}

	transitions := sink.ofKind(EventTransition)
	assert.Len(t, transitions, 3) // initial online, drop offline, recover
	assert.True(t, transitions[0].Status.Online)
	assert.False(t, transitions[1].Status.Online)
	assert.True(t, transitions[2].Status.Online)
}

func TestMonitor_DegradedAfterMaxFailures(t *testing.T) {
	prober := &scriptProber{reports: []Report{{}}}
	m := NewMonitor("devnet", Options{MaxFailures: 3}, factoryFor(prober))
	sink := &eventSink{}
	m.Subscribe(sink.add)

	for i := 0; i < 4; i++ {
		m.performCheck(prober)
	}

	degraded := sink.ofKind(EventDegraded)
	assert.Len(t, degraded, 2) // failures 3 and 4
	assert.Equal(t, 3, degraded[0].Status.ConsecutiveFailures)
	assert.Equal(t, 4, degraded[1].Status.ConsecutiveFailures)
}

func TestMonitor_SlowResponseSignal(t *testing.T) {
	prober := &scriptProber{reports: []Report{{Healthy: true, LatencyMs: 12000}}}
	m := NewMonitor("mainnet", Options{SlowThreshold: 10 * time.Second}, factoryFor(prober))
	sink := &eventSink{}
	m.Subscribe(sink.add)

	st := m.performCheck(prober)
	assert.True(t, st.Online)
	assert.Len(t, sink.ofKind(EventSlowResponse), 1)
}

func TestMonitor_StartGuardAndStop(t *testing.T) {
	prober := &scriptProber{reports: []Report{{Healthy: true, LatencyMs: 5}}}
	m := NewMonitor("mainnet", Options{}, factoryFor(prober))
	m.opts.Interval = 20 * time.Millisecond

	assert.NoError(t, m.Start("mainnet"))
	assert.ErrorIs(t, m.Start("mainnet"), ErrAlreadyMonitoring)

	deadline := time.Now().Add(2 * time.Second)
	for prober.callCount() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, prober.callCount(), 3)

	m.Stop()
	m.Stop() // idempotent
	assert.False(t, m.Running())

	settled := prober.callCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, prober.callCount())
	assert.True(t, m.GetStatus().Online)
}

func TestMonitor_CheckNowWithoutStart(t *testing.T) {
	prober := &scriptProber{reports: []Report{{Healthy: true, LatencyMs: 7}}}
	m := NewMonitor("devnet", Options{}, factoryFor(prober))

	st, err := m.CheckNow(context.Background())
	assert.NoError(t, err)
	assert.True(t, st.Online)
	assert.Equal(t, "devnet", st.Network)
	assert.Equal(t, st, m.GetStatus())
}

func TestMonitor_WaitForOnline(t *testing.T) {
	prober := &scriptProber{reports: []Report{{Healthy: true}}}
	m := NewMonitor("mainnet", Options{}, factoryFor(prober))

	done := make(chan error, 1)
	go func() {
		done <- m.WaitForOnline(context.Background())
	}()
	time.Sleep(10 * time.Millisecond)
	m.performCheck(prober)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter was not released by the online transition")
	}

	// already online resolves immediately
	assert.NoError(t, m.WaitForOnline(context.Background()))
}

func TestMonitor_WaitForOnlineTimeout(t *testing.T) {
	prober := &scriptProber{reports: []Report{{}}}
	m := NewMonitor("mainnet", Options{}, factoryFor(prober))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.WaitForOnline(ctx)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestMonitor_SwitchNetworkResetsFailures(t *testing.T) {
	prober := &scriptProber{reports: []Report{{}}}
	m := NewMonitor("mainnet", Options{}, factoryFor(prober))

	m.performCheck(prober)
	m.performCheck(prober)
	assert.Equal(t, 2, m.GetStatus().ConsecutiveFailures)

	assert.NoError(t, m.SwitchNetwork("devnet"))
	st := m.GetStatus()
	assert.Equal(t, "devnet", st.Network)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.False(t, m.Running())
}

func TestMonitor_SwitchNetworkWhileRunning(t *testing.T) {
	prober := &scriptProber{reports: []Report{{Healthy: true}}}
	m := NewMonitor("mainnet", Options{}, factoryFor(prober))
	m.opts.Interval = 20 * time.Millisecond

	assert.NoError(t, m.Start("mainnet"))
	assert.NoError(t, m.SwitchNetwork("devnet"))
	assert.True(t, m.Running())
	assert.Equal(t, "devnet", m.Network())
	m.Stop()
}
