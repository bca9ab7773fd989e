package health

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"ambush/internal/logger"
)

const (
	DefaultInterval      = 2 * time.Second
	MinInterval          = time.Second
	DefaultProbeTimeout  = 5 * time.Second
	DefaultMaxFailures   = 3
	DefaultSlowThreshold = 10 * time.Second
)

// Options tune the poll cadence. Zero values fall back to the defaults above;
// Interval is floored at MinInterval.
type Options struct {
	Interval      time.Duration
	ProbeTimeout  time.Duration
	MaxFailures   int
	SlowThreshold time.Duration
}

func (o *Options) normalize() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Interval < MinInterval {
		o.Interval = MinInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = DefaultMaxFailures
	}
	if o.SlowThreshold <= 0 {
		o.SlowThreshold = DefaultSlowThreshold
	}
}

// Monitor polls one network's probe endpoint with a self-rescheduling timer:
// the next interval is armed only after the current check completes, so a
// slow check delays the next one instead of overlapping it.
type Monitor struct {
	opts      Options
	newProber ProberFactory
	nowFn     func() time.Time

	// checkMu serializes check-and-emit so subscribers observe events in
	// emission order even when CheckNow races the poll loop.
	checkMu sync.Mutex

	mu        sync.Mutex
	running   bool
	network   string
	prober    Prober
	status    Status
	cancel    context.CancelFunc
	done      chan struct{}
	listeners []func(Event)
	waiters   []chan struct{}
}

func NewMonitor(network string, opts Options, factory ProberFactory) *Monitor {
	opts.normalize()
	return &Monitor{
		opts:      opts,
		newProber: factory,
		nowFn:     time.Now,
		network:   network,
		status:    Status{Network: network},
	}
}

// Subscribe registers a listener for all monitor events. Listeners are
// invoked synchronously from the check path and must not block.
func (m *Monitor) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Start begins polling the given network: one immediate check, then one per
// interval. Fails with ErrAlreadyMonitoring if a loop is already active.
func (m *Monitor) Start(network string) error {
	prober, err := m.newProber(network)
	if err != nil {
		return fmt.Errorf("building prober for %s failed: %w", network, err)
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyMonitoring
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.running = true
	m.network = network
	m.prober = prober
	m.status = Status{Network: network}
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	logger.Infof("Monitor: started network=%s interval=%s", network, m.opts.Interval)
	go m.loop(ctx, prober, done)
	return nil
}

// Stop cancels the poll loop. An in-flight check completes and its result
// still lands in the snapshot; no further check is scheduled. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	<-done
	logger.Infof("Monitor: stopped")
}

// CheckNow performs one check outside the schedule and returns the resulting
// snapshot. The poll timer is not touched.
func (m *Monitor) CheckNow(ctx context.Context) (Status, error) {
	m.mu.Lock()
	prober := m.prober
	network := m.network
	m.mu.Unlock()
	if prober == nil {
		built, err := m.newProber(network)
		if err != nil {
			return Status{}, fmt.Errorf("building prober for %s failed: %w", network, err)
		}
		prober = built
		m.mu.Lock()
		if m.prober == nil {
			m.prober = prober
		}
		m.mu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return Status{}, err
	}
	return m.performCheck(prober), nil
}

// GetStatus returns the last computed snapshot without blocking.
func (m *Monitor) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Running reports whether the poll loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Network returns the currently selected network.
func (m *Monitor) Network() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.network
}

// SwitchNetwork swaps the probe target. A running monitor is stopped and
// restarted against the new network; consecutive failures reset either way.
func (m *Monitor) SwitchNetwork(network string) error {
	m.mu.Lock()
	wasRunning := m.running
	m.mu.Unlock()
	if wasRunning {
		m.Stop()
		return m.Start(network)
	}
	prober, err := m.newProber(network)
	if err != nil {
		return fmt.Errorf("building prober for %s failed: %w", network, err)
	}
	m.mu.Lock()
	m.network = network
	m.prober = prober
	m.status = Status{Network: network}
	m.mu.Unlock()
	logger.Infof("Monitor: network switched to %s", network)
	return nil
}

// WaitForOnline blocks until the next online transition, returning
// immediately if the venue is already online. The context deadline surfaces
// as ErrWaitTimeout.
func (m *Monitor) WaitForOnline(ctx context.Context) error {
	m.mu.Lock()
	if m.status.Online {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		m.waiters = slices.DeleteFunc(m.waiters, func(c chan struct{}) bool { return c == ch })
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrWaitTimeout, ctx.Err())
	}
}

func (m *Monitor) loop(ctx context.Context, prober Prober, done chan struct{}) {
	defer close(done)
	m.performCheck(prober)
	for {
		timer := time.NewTimer(m.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		m.performCheck(prober)
	}
}

// performCheck runs one probe, folds the result into the snapshot, and emits
// events. Failures never escape: they become offline snapshots.
func (m *Monitor) performCheck(prober Prober) Status {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ProbeTimeout)
	report, err := prober.Check(ctx)
	cancel()
	now := m.nowFn()

	m.mu.Lock()
	prev := m.status
	st := Status{Network: m.network, LastCheckAt: now}
	healthy := err == nil && report.Healthy
	if err == nil {
		st.LatencyMs = report.LatencyMs
	}
	if healthy {
		st.Online = true
		st.ConsecutiveFailures = 0
	} else {
		st.Online = false
		st.ConsecutiveFailures = prev.ConsecutiveFailures + 1
	}
	m.status = st
	listeners := slices.Clone(m.listeners)
	var waiters []chan struct{}
	transitioned := st.Online != prev.Online
	if transitioned && st.Online {
		waiters = m.waiters
		m.waiters = nil
	}
	m.mu.Unlock()

	if err != nil {
		logger.Debugf("Monitor: check failed network=%s failures=%d err=%v", st.Network, st.ConsecutiveFailures, err)
	}

	emit(listeners, Event{Kind: EventStatus, Status: st, Timestamp: now})
	if transitioned {
		logger.Infof("Monitor: transition network=%s online=%v latency=%dms", st.Network, st.Online, st.LatencyMs)
		emit(listeners, Event{Kind: EventTransition, Status: st, PreviousOnline: prev.Online, Timestamp: now})
	}
	if !st.Online && st.ConsecutiveFailures >= m.opts.MaxFailures {
		logger.Warnf("Monitor: degraded network=%s failures=%d", st.Network, st.ConsecutiveFailures)
		emit(listeners, Event{Kind: EventDegraded, Status: st, Timestamp: now})
	}
	if err == nil && report.LatencyMs > m.opts.SlowThreshold.Milliseconds() {
		emit(listeners, Event{Kind: EventSlowResponse, Status: st, Timestamp: now})
	}
	for _, w := range waiters {
		close(w)
	}
	return st
}

func emit(listeners []func(Event), ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}
