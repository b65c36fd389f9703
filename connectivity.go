package tether

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ConnectivityEvent marks an effective-online transition.
type ConnectivityEvent struct {
	Online bool
	At     time.Time
}

// Prober checks server reachability. Implemented by Transport.Ping.
type Prober interface {
	Ping(ctx context.Context) error
}

// ConnectivityMonitor derives a single effective-online signal from the
// host's advertised reachability OR'd with an active probe against a known
// server endpoint. Transitions are debounced with a minimum dwell time so
// flapping links do not drive sync storms, and are emitted only on actual
// state change.
type ConnectivityMonitor struct {
	prober Prober
	config ConnectivityConfig

	advertised   atomic.Bool
	probeHealthy atomic.Bool
	effective    atomic.Bool

	mu           sync.Mutex
	subscribers  map[string]chan ConnectivityEvent
	nextID       int64
	lastChange   time.Time
	pendingState bool
	pendingSince time.Time
	hasPending   bool

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConnectivityMonitor creates a monitor probing through the given
// prober. The host is assumed reachable until told otherwise.
func NewConnectivityMonitor(prober Prober, config ConnectivityConfig) *ConnectivityMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	m := &ConnectivityMonitor{
		prober:      prober,
		config:      config,
		subscribers: make(map[string]chan ConnectivityEvent),
		ctx:         ctx,
		cancel:      cancel,
	}
	m.advertised.Store(true)
	return m
}

// Start begins the periodic probe loop.
func (m *ConnectivityMonitor) Start() {
	if m.running.Swap(true) {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.wg.Add(1)
	go m.probeLoop()
}

// Stop halts probing and closes all subscriptions.
func (m *ConnectivityMonitor) Stop() {
	if !m.running.Swap(false) {
		return
	}
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
	m.mu.Unlock()
}

// Online reports the current effective-online state.
func (m *ConnectivityMonitor) Online() bool {
	return m.effective.Load()
}

// SetNetworkAvailable feeds the host's advertised reachability signal
// (browser online/offline events, OS network callbacks).
func (m *ConnectivityMonitor) SetNetworkAvailable(available bool) {
	m.advertised.Store(available)
	m.evaluate()
}

// Subscribe returns a channel of connectivity transitions. The channel is
// closed on Stop or Unsubscribe.
func (m *ConnectivityMonitor) Subscribe() (id string, events <-chan ConnectivityEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id = fmt.Sprintf("conn-%d", m.nextID)
	ch := make(chan ConnectivityEvent, 8)
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscription.
func (m *ConnectivityMonitor) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

func (m *ConnectivityMonitor) probeLoop() {
	defer m.wg.Done()

	// Probe immediately so startup state settles fast.
	m.probe()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

func (m *ConnectivityMonitor) probe() {
	if m.prober == nil {
		m.probeHealthy.Store(false)
		m.evaluate()
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.ProbeTimeout)
	err := m.prober.Ping(ctx)
	cancel()

	m.probeHealthy.Store(err == nil)
	m.evaluate()
}

// evaluate recomputes the effective state and publishes a transition once
// the new state has dwelled long enough.
func (m *ConnectivityMonitor) evaluate() {
	next := m.advertised.Load() || m.probeHealthy.Load()
	current := m.effective.Load()

	m.mu.Lock()
	defer m.mu.Unlock()

	if next == current {
		m.hasPending = false
		return
	}

	now := time.Now()
	if m.config.DwellTime > 0 {
		if !m.hasPending || m.pendingState != next {
			m.hasPending = true
			m.pendingState = next
			m.pendingSince = now
			return
		}
		if now.Sub(m.pendingSince) < m.config.DwellTime {
			return
		}
	}

	m.hasPending = false
	m.effective.Store(next)
	m.lastChange = now

	event := ConnectivityEvent{Online: next, At: now}
	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// forceState sets the effective state directly, bypassing dwell. Test and
// teardown hook.
func (m *ConnectivityMonitor) forceState(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.effective.Load() == online {
		return
	}
	m.effective.Store(online)
	m.hasPending = false
	event := ConnectivityEvent{Online: online, At: time.Now()}
	for _, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
