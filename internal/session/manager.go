package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/presencelink/agent/internal/authflow"
	"github.com/presencelink/agent/internal/config"
	"github.com/presencelink/agent/internal/health"
	"github.com/presencelink/agent/internal/logging"
	"github.com/presencelink/agent/internal/procwatch"
	"github.com/presencelink/agent/internal/reconcile"
	"github.com/presencelink/agent/internal/secmem"
	"github.com/presencelink/agent/internal/tokenstore"
	"github.com/presencelink/agent/internal/transport"
	"github.com/presencelink/agent/internal/workerpool"
)

var log = logging.L("session")

const (
	// reconnectDelay is the fixed wait before reopening the transport
	// after an unexpected disconnect.
	reconnectDelay = 5 * time.Second
	// tokenRetryDelay is the shorter wait used when a rejected stored
	// token forces a fresh authentication round.
	tokenRetryDelay = 2 * time.Second
	// authStopWait bounds how long Stop waits for an in-flight
	// authentication before force-clearing its flag.
	authStopWait = 2500 * time.Millisecond
	// logOnResultWait bounds the wait for the service's logon result.
	logOnResultWait = 30 * time.Second
	// drainWait bounds joining handler tasks and loops during Stop.
	drainWait = 3 * time.Second

	eventBuffer = 64
)

// Transport is the session client surface the manager drives. Implemented
// by transport.Client; faked in tests.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Events() <-chan transport.Event
	LogOn(username, credential string) error
	LogOff() error
	PushPersona(name string) error
	SetOnline() error
}

// Authenticator runs the credential challenge flow and returns a session
// token. Implemented by authflow.Authenticator.
type Authenticator interface {
	Authenticate(ctx context.Context, username string, secret *secmem.Secret, handler authflow.ChallengeHandler) (string, error)
}

// Deps are the manager's collaborators. Nil fields get real
// implementations built from the config.
type Deps struct {
	Transport Transport
	Tokens    tokenstore.Store
	Watcher   procwatch.Watcher
	Auth      Authenticator
	Challenge authflow.ChallengeHandler
	Health    *health.Monitor
}

// Manager owns the connect/authenticate/reconnect lifecycle against the
// presence service and drives the persona reconciler from process polls.
//
// Concurrency: state transitions happen either from the event loop or
// under the single-slot authentication lock; the poll loop only reads the
// running/authenticated flags.
type Manager struct {
	cfg       *config.Config
	secret    *secmem.Secret
	transport Transport
	tokens    tokenstore.Store
	watcher   procwatch.Watcher
	auth      Authenticator
	challenge authflow.ChallengeHandler
	healthMon *health.Monitor

	events chan Event

	running       atomic.Bool
	authenticated atomic.Bool
	state         atomic.Int32

	// authSlot is the single-flight authentication lock; authInFlight is
	// the fast-path duplicate check in front of it.
	authSlot     chan struct{}
	authInFlight atomic.Bool

	// internalDisconnect marks a disconnect the recovery path initiated
	// itself, so the event loop does not also schedule a reconnect.
	internalDisconnect atomic.Bool

	mu             sync.Mutex
	runCtx         context.Context
	runCancel      context.CancelFunc
	reconnectTimer *time.Timer
	pendingLogOn   chan transport.Event
	rec            *reconcile.Reconciler
	pool           *workerpool.Pool

	loopWg sync.WaitGroup
}

// New creates a Manager. The config must already be validated.
func New(cfg *config.Config, deps Deps) *Manager {
	m := &Manager{
		cfg:       cfg,
		secret:    secmem.New(cfg.Secret),
		transport: deps.Transport,
		tokens:    deps.Tokens,
		watcher:   deps.Watcher,
		auth:      deps.Auth,
		challenge: deps.Challenge,
		healthMon: deps.Health,
		events:    make(chan Event, eventBuffer),
		authSlot:  make(chan struct{}, 1),
	}

	if m.transport == nil {
		m.transport = transport.NewClient(transport.Config{ServerURL: cfg.ServerURL})
	}
	if m.tokens == nil {
		m.tokens = tokenstore.NewFileStore(config.Dir())
	}
	if m.watcher == nil {
		markers := make([]string, 0, len(cfg.Personas))
		for proc := range cfg.Personas {
			markers = append(markers, proc)
		}
		m.watcher = procwatch.New(markers)
	}
	if m.auth == nil {
		m.auth = authflow.New(cfg.ServerURL)
	}
	if m.challenge == nil {
		m.challenge = authflow.HeadlessHandler{}
	}
	if m.healthMon == nil {
		m.healthMon = health.NewMonitor()
	}

	return m
}

// Events returns the caller-facing event stream. The channel is never
// closed; events are dropped (with a log) if the caller stops draining.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// IsRunning reports whether the lifecycle is active.
func (m *Manager) IsRunning() bool { return m.running.Load() }

// IsAuthenticated reports whether a logged-on session is established.
func (m *Manager) IsAuthenticated() bool { return m.authenticated.Load() }

// CurrentPersona returns the last persona successfully pushed, or the
// configured default before the first run.
func (m *Manager) CurrentPersona() string {
	m.mu.Lock()
	rec := m.rec
	m.mu.Unlock()
	if rec == nil {
		return m.cfg.DefaultPersona
	}
	return rec.LastPushed()
}

// Health returns the component health monitor.
func (m *Manager) Health() *health.Monitor { return m.healthMon }

// Snapshot returns a point-in-time view for status surfaces.
func (m *Manager) Snapshot() Snapshot {
	return Snapshot{
		State:         State(m.state.Load()),
		Running:       m.running.Load(),
		Authenticated: m.authenticated.Load(),
		Persona:       m.CurrentPersona(),
	}
}

// Start opens the transport and begins the lifecycle. Calling Start while
// already running is a no-op with a status event, not an error.
func (m *Manager) Start() error {
	if !m.running.CompareAndSwap(false, true) {
		m.emitStatus("already running, ignoring start")
		return nil
	}
	if State(m.state.Load()) != StateDisconnected {
		m.running.Store(false)
		return fmt.Errorf("cannot start from state %s", State(m.state.Load()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.runCtx = ctx
	m.runCancel = cancel
	m.rec = reconcile.New(m.cfg.Personas, m.cfg.DefaultPersona, m.transport.PushPersona)
	m.pool = workerpool.New(2, 16)
	m.mu.Unlock()

	m.setState(StateConnecting)
	m.emitStatus("connecting to " + m.cfg.ServerURL)

	m.loopWg.Add(2)
	go m.eventLoop(ctx)
	go m.pollLoop(ctx)
	go m.dial(ctx)

	return nil
}

// Stop tears the lifecycle down in a fixed order. Each step is
// best-effort: a failing or panicking step is logged and the sequence
// continues. Idempotent and safe from any state, including
// mid-authentication.
func (m *Manager) Stop() error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}

	m.setState(StateDisconnecting)
	m.emitStatus("stopping")

	m.step("cancel pending work", func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.runCancel != nil {
			m.runCancel()
		}
		return nil
	})

	m.step("cancel reconnect timer", func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		return nil
	})

	m.step("wait for in-flight authentication", func() error {
		if m.acquireAuthWithin(authStopWait) {
			m.releaseAuth()
			return nil
		}
		// Best-effort: the sequence proceeds regardless; the flag is
		// force-cleared so a later Start is not wedged.
		m.authInFlight.Store(false)
		return fmt.Errorf("authentication did not finish within %s", authStopWait)
	})

	m.step("log off", func() error {
		if m.authenticated.Load() {
			return m.transport.LogOff()
		}
		return nil
	})

	m.step("disconnect transport", func() error {
		m.transport.Disconnect()
		return nil
	})

	m.step("join handler tasks", func() error {
		m.mu.Lock()
		pool := m.pool
		m.mu.Unlock()
		if pool == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), drainWait)
		defer cancel()
		pool.Shutdown(ctx)
		return nil
	})

	m.step("join loops", func() error {
		done := make(chan struct{})
		go func() {
			m.loopWg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-time.After(drainWait):
			return fmt.Errorf("loops did not exit within %s", drainWait)
		}
	})

	m.authenticated.Store(false)
	m.setState(StateDisconnected)
	m.emitStatus("stopped")
	return nil
}

// step runs one teardown step, containing failures and panics so the
// remaining steps still execute.
func (m *Manager) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("shutdown step panicked", "step", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		log.Warn("shutdown step failed, continuing", "step", name, "error", err)
	}
}

// dial attempts to open the transport; on failure the fixed-delay retry
// timer takes over.
func (m *Manager) dial(ctx context.Context) {
	if !m.running.Load() || ctx.Err() != nil {
		return
	}
	if err := m.transport.Connect(ctx); err != nil {
		m.healthMon.Update("transport", health.Unhealthy, err.Error())
		m.emitStatus(fmt.Sprintf("connect failed: %v, retrying in %s", err, reconnectDelay))
		m.scheduleReconnect(ctx, reconnectDelay)
	}
}

func (m *Manager) scheduleReconnect(ctx context.Context, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, func() {
		if ctx.Err() != nil || !m.running.Load() {
			return
		}
		m.setState(StateConnecting)
		m.dial(ctx)
	})
}

// eventLoop is the single consumer of transport events. It exits when the
// run context is cancelled.
func (m *Manager) eventLoop(ctx context.Context) {
	defer m.loopWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.transport.Events():
			switch ev.Kind {
			case transport.EventConnected:
				m.handleConnected(ctx)
			case transport.EventDisconnected:
				m.handleDisconnected(ctx, ev.UserInitiated)
			case transport.EventLogOnResult:
				m.deliverLogOnResult(ev)
			case transport.EventPersonaInfo:
				m.emit(Event{Kind: EventPersona, Persona: ev.Persona})
			}
		}
	}
}

// handleConnected starts the single-flight authentication sequence.
// Duplicate connect events while one is in flight are observably skipped.
func (m *Manager) handleConnected(ctx context.Context) {
	if !m.running.Load() {
		return
	}
	m.healthMon.Update("transport", health.Healthy, "")

	if m.authInFlight.Load() {
		m.emitStatus("authentication already in flight, skipping duplicate")
		return
	}
	if !m.tryAcquireAuth() {
		m.emitStatus("authentication already in flight, skipping duplicate")
		return
	}
	m.authInFlight.Store(true)
	m.setState(StateAuthenticating)

	m.mu.Lock()
	pool := m.pool
	m.mu.Unlock()
	if pool == nil || !pool.Submit(func() { m.runAuthSequence(ctx) }) {
		m.authInFlight.Store(false)
		m.releaseAuth()
		m.emit(Event{Kind: EventError, Text: "could not schedule authentication"})
	}
}

func (m *Manager) handleDisconnected(ctx context.Context, userInitiated bool) {
	wasAuthed := m.authenticated.Swap(false)
	if wasAuthed {
		m.emit(Event{Kind: EventConnection, Connected: false})
	}

	// A disconnect the recovery path initiated already has its reconnect
	// scheduled.
	if m.internalDisconnect.CompareAndSwap(true, false) {
		return
	}

	if !m.running.Load() {
		return
	}
	if userInitiated {
		m.setState(StateDisconnected)
		m.emitStatus("disconnected")
		return
	}

	m.healthMon.Update("transport", health.Degraded, "connection lost")
	m.setState(StateConnecting)
	m.emitStatus(fmt.Sprintf("connection lost, reconnecting in %s", reconnectDelay))
	m.scheduleReconnect(ctx, reconnectDelay)
}

// pollLoop drives the reconciler. Ticks while not authenticated are
// skipped by a flag check, never by blocking.
func (m *Manager) pollLoop(ctx context.Context) {
	defer m.loopWg.Done()

	interval := time.Duration(m.cfg.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.authenticated.Load() {
				continue
			}
			m.tick(ctx, interval)
		}
	}
}

func (m *Manager) tick(ctx context.Context, interval time.Duration) {
	snapCtx, cancel := context.WithTimeout(ctx, interval)
	active, err := m.watcher.Snapshot(snapCtx)
	cancel()
	if err != nil {
		m.healthMon.Update("watcher", health.Degraded, err.Error())
		log.Warn("process snapshot failed", "error", err)
		return
	}
	m.healthMon.Update("watcher", health.Healthy, "")

	m.mu.Lock()
	rec := m.rec
	m.mu.Unlock()

	pushed, err := rec.Reconcile(active)
	if err != nil {
		m.emit(Event{Kind: EventError, Text: fmt.Sprintf("persona push failed: %v", err)})
		return
	}
	if pushed {
		m.emit(Event{Kind: EventPersona, Persona: rec.LastPushed()})
	}
}

func (m *Manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		log.Info("state changed", "from", old.String(), "to", s.String())
	}
}

func (m *Manager) tryAcquireAuth() bool {
	select {
	case m.authSlot <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Manager) acquireAuthWithin(d time.Duration) bool {
	select {
	case m.authSlot <- struct{}{}:
		return true
	case <-time.After(d):
		return false
	}
}

func (m *Manager) releaseAuth() {
	select {
	case <-m.authSlot:
	default:
	}
}

func (m *Manager) emitStatus(text string) {
	m.emit(Event{Kind: EventStatus, Text: text})
}

// emit never blocks the lifecycle on a slow consumer.
func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		log.Warn("caller event dropped", "kind", ev.Kind.String())
	}
}
