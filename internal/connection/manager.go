package connection

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/gymdesk/realtime/internal/auth"
	"github.com/gymdesk/realtime/internal/batch"
	"github.com/gymdesk/realtime/internal/metrics"
	"github.com/gymdesk/realtime/internal/registry"
)

// Manager owns the push-channel connection to the dashboard server.
type Manager interface {
	// SetAuthToken installs the current credential. A non-empty token
	// connects (or reconnects if the credential changed under a live
	// connection); the empty token disconnects and returns to idle.
	SetAuthToken(token string)

	// Subscribe registers a handler for an event type and returns its
	// unsubscribe function. Subscriptions survive reconnects.
	Subscribe(eventType string, h registry.Handler) func()

	// Send queues an outbound message. Accepted in every state; while
	// capacity is exceeded the oldest lowest-priority message is
	// silently dropped and counted.
	Send(eventType string, payload any, prio batch.Priority)

	// Reconnect resets backoff state and dials immediately. This is
	// the only way out of AuthenticationFailed, and it requires a new
	// token to have been set since the rejection.
	Reconnect()

	// ForceReset unconditionally tears down and re-initializes,
	// regardless of internal state. UI escape hatch.
	ForceReset()

	// Status returns the current connection state.
	Status() State

	// LastError returns the most recent connection error, nil if none.
	LastError() error

	// Metrics returns a read-only snapshot of connection health.
	Metrics() metrics.Snapshot

	// Close tears everything down. Idempotent.
	Close() error
}

// cmdKind identifies a run-loop command.
type cmdKind int

const (
	cmdSetToken cmdKind = iota
	cmdReconnect
	cmdForceReset
)

type command struct {
	kind  cmdKind
	token string
}

// eventKind identifies a socket event.
type eventKind int

const (
	evOpened eventKind = iota
	evDialFailed
	evFrame
	evClosed
)

// socketEvent is delivered from dial and read goroutines to the run
// loop. gen ties the event to the connection attempt that produced it;
// events from a superseded attempt are discarded.
type socketEvent struct {
	gen  uint64
	kind eventKind
	sock Socket
	data []byte
	err  error
	code int
}

// manager implements Manager as a single owning goroutine. The socket
// handle, timers, token gate, and attempt counters are touched only by
// the run loop; public methods communicate with it via channels. This
// is what keeps the at-most-one-socket invariant and makes the state
// machine race-free.
type manager struct {
	baseURL string
	cfg     ManagerConfig
	logger  *slog.Logger
	clk     clock.Clock
	dialer  Dialer

	reg *registry.Registry
	bat *batch.Batcher
	col *metrics.Collector

	cmds   chan command
	events chan socketEvent
	nudge  chan struct{}

	state atomic.Int32

	errMu   sync.Mutex
	lastErr error

	// Run-loop owned state below.
	gate          *auth.Gate
	rng           *rand.Rand
	sock          Socket
	gen           uint64
	attempt       int
	rejectedToken string
	backoffTimer  *clock.Timer
	watchdog      *clock.Timer

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// NewManager creates a Connection Manager for the given server URL and
// starts its run loop. The manager begins Idle; nothing connects until
// a token is set.
func NewManager(baseURL string, cfg ManagerConfig, logger *slog.Logger) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	m := &manager{
		baseURL: baseURL,
		cfg:     cfg,
		logger:  logger,
		clk:     cfg.Clock,
		dialer:  cfg.Dialer,
		reg:     registry.NewRegistry(logger),
		bat: batch.NewBatcher(batch.Config{
			MaxBatchSize:  cfg.MaxBatchSize,
			MaxQueueDepth: cfg.MaxQueueDepth,
		}),
		col:    metrics.NewCollector(cfg.LatencyWindowSize, cfg.StabilityWindowSize),
		cmds:   make(chan command, 64),
		events: make(chan socketEvent, 256),
		nudge:  make(chan struct{}, 1),
		gate:   auth.NewGate(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	if m.dialer == nil {
		m.dialer = newWSDialer(cfg, logger)
	}

	go m.run()
	return m
}

// SetAuthToken installs the credential; the empty string clears it.
func (m *manager) SetAuthToken(token string) {
	m.post(command{kind: cmdSetToken, token: token})
}

// Subscribe registers a handler for an event type.
func (m *manager) Subscribe(eventType string, h registry.Handler) func() {
	return m.reg.Subscribe(eventType, h)
}

// Send queues an outbound message. All outbound traffic goes through
// the batcher; nothing writes to the socket directly.
func (m *manager) Send(eventType string, payload any, prio batch.Priority) {
	m.bat.Enqueue(eventType, payload, prio, m.clk.Now())
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// Reconnect manually triggers a connection attempt.
func (m *manager) Reconnect() {
	m.post(command{kind: cmdReconnect})
}

// ForceReset unconditionally tears down and re-initializes.
func (m *manager) ForceReset() {
	m.post(command{kind: cmdForceReset})
}

// Status returns the current state.
func (m *manager) Status() State {
	return State(m.state.Load())
}

// LastError returns the most recent connection error.
func (m *manager) LastError() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.lastErr
}

// Metrics assembles a read-only snapshot.
func (m *manager) Metrics() metrics.Snapshot {
	return m.col.Snapshot(m.bat.Stats())
}

// Close shuts the run loop down and closes the socket.
func (m *manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.quit)
	})
	<-m.done
	return nil
}

// post delivers a command to the run loop, dropping it if the manager
// is already closed.
func (m *manager) post(c command) {
	select {
	case m.cmds <- c:
	case <-m.done:
	}
}

// postEvent delivers a socket event to the run loop. If the manager is
// shutting down, an orphaned socket is closed here since the run loop
// will never see it.
func (m *manager) postEvent(ev socketEvent) {
	select {
	case m.events <- ev:
	case <-m.done:
		if ev.sock != nil {
			ev.sock.Close(closeNormal, "shutting down")
		}
	}
}

// run is the owning goroutine for the connection.
func (m *manager) run() {
	defer close(m.done)

	flushTicker := m.clk.Ticker(m.cfg.FlushInterval)
	defer flushTicker.Stop()
	healthTicker := m.clk.Ticker(m.cfg.HealthInterval)
	defer healthTicker.Stop()

	for {
		select {
		case <-m.quit:
			m.teardown()
			return

		case cmd := <-m.cmds:
			m.handleCommand(cmd)

		case ev := <-m.events:
			m.handleSocketEvent(ev)

		case <-flushTicker.C:
			m.flush()

		case <-m.nudge:
			if m.bat.Ready(m.cfg.FlushThreshold) {
				m.flush()
			}

		case <-healthTicker.C:
			m.col.RecordHealthSample(m.Status() == StateConnected)

		case <-timerC(m.backoffTimer):
			m.backoffTimer = nil
			if m.Status() == StateDisconnected && m.gate.Token() != "" {
				m.dial()
			}

		case <-timerC(m.watchdog):
			m.watchdog = nil
			m.onWatchdogExpired()
		}
	}
}

// timerC returns a timer's channel, or nil (blocks forever) when the
// timer is not armed.
func timerC(t *clock.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (m *manager) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdSetToken:
		m.handleSetToken(cmd.token)
	case cmdReconnect:
		m.handleReconnect()
	case cmdForceReset:
		m.handleForceReset()
	}
}

// handleSetToken feeds the token gate and executes its verdict.
func (m *manager) handleSetToken(token string) {
	action := m.gate.Set(token, m.Status() == StateConnected)
	m.logger.Debug("auth token updated", "action", action.String())

	switch action {
	case auth.ActionNone:

	case auth.ActionConnect:
		if m.Status() == StateAuthFailed {
			// The failed state is only left via an explicit Reconnect.
			m.logger.Info("new credential stored; reconnect to retry")
			return
		}
		m.stopBackoff()
		m.attempt = 0
		m.dial()

	case auth.ActionReconnect:
		m.closeSocket(closeNormal, "credential changed")
		m.stopBackoff()
		m.attempt = 0
		m.dial()

	case auth.ActionDisconnect:
		m.stopBackoff()
		m.stopWatchdog()
		m.closeSocket(closeNormal, "signed out")
		m.gen++ // abandon any in-flight attempt
		m.setState(StateIdle)
	}
}

// handleReconnect is the manual trigger: reset backoff, dial now.
func (m *manager) handleReconnect() {
	m.stopBackoff()
	m.attempt = 0

	switch m.Status() {
	case StateDisconnected, StateIdle:
		if m.gate.Token() != "" {
			m.dial()
		}

	case StateAuthFailed:
		token := m.gate.Token()
		if token == "" || token == m.rejectedToken {
			m.logger.Warn("reconnect ignored: credential was rejected and has not changed")
			return
		}
		m.rejectedToken = ""
		m.dial()

	default:
		// Connecting/Connected: nothing to redial, backoff reset is
		// still useful after a flaky stretch.
	}
}

// handleForceReset tears everything down and starts over. It ignores
// attempt counters and the rejected-credential latch on purpose: this
// is the UI's escape hatch of last resort.
func (m *manager) handleForceReset() {
	m.logger.Warn("force reset requested", "state", m.Status().String())

	m.teardownConnection("client reset")
	m.bat.Clear()
	m.attempt = 0
	m.rejectedToken = ""
	m.setState(StateIdle)

	if m.gate.Token() != "" {
		m.dial()
	}
}

// dial starts a connection attempt. The blocking handshake runs in its
// own goroutine; its result comes back as a socket event tagged with
// the current generation.
func (m *manager) dial() {
	token := m.gate.Token()
	if token == "" {
		return
	}

	m.gen++
	gen := m.gen

	rawURL, err := dialURL(m.baseURL, token)
	if err != nil {
		m.logger.Error("invalid connection url", "base_url", m.baseURL, "error", err)
		m.setLastErr(err)
		m.setState(StateDisconnected)
		return
	}

	m.setState(StateConnecting)
	m.stopWatchdog()
	m.watchdog = m.clk.Timer(m.cfg.HandshakeTimeout)

	m.logger.Info("connecting", "attempt", m.attempt)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeTimeout)
		defer cancel()

		sock, err := m.dialer.Dial(ctx, rawURL)
		if err != nil {
			m.postEvent(socketEvent{gen: gen, kind: evDialFailed, err: err})
			return
		}
		m.postEvent(socketEvent{gen: gen, kind: evOpened, sock: sock})
	}()
}

// readLoop pumps inbound messages from one socket into the run loop,
// preserving transport delivery order.
func (m *manager) readLoop(gen uint64, sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			m.postEvent(socketEvent{gen: gen, kind: evClosed, err: err, code: closeCode(err)})
			return
		}
		m.postEvent(socketEvent{gen: gen, kind: evFrame, data: data})
	}
}

func (m *manager) handleSocketEvent(ev socketEvent) {
	if ev.gen != m.gen {
		// Stale callback from a superseded connection attempt.
		if ev.sock != nil {
			ev.sock.Close(closeNormal, "superseded")
		}
		return
	}

	switch ev.kind {
	case evOpened:
		m.stopWatchdog()
		m.sock = ev.sock
		m.attempt = 0
		m.setLastErr(nil)
		m.setState(StateConnected)
		m.logger.Info("connected")
		go m.readLoop(ev.gen, ev.sock)
		m.flush() // drain anything queued while offline

	case evDialFailed:
		m.stopWatchdog()
		m.col.RecordError()
		m.setLastErr(ev.err)
		if errors.Is(ev.err, ErrAuthRejected) {
			m.enterAuthFailed(ev.err)
			return
		}
		m.logger.Warn("connect failed", "error", ev.err)
		m.setState(StateDisconnected)
		m.scheduleReconnect()

	case evFrame:
		m.handleFrame(ev.data)

	case evClosed:
		m.sock = nil
		if isAuthCloseCode(ev.code) {
			m.col.RecordError()
			m.setLastErr(ErrAuthRejected)
			m.enterAuthFailed(ev.err)
			return
		}
		m.col.RecordError()
		m.setLastErr(ev.err)
		m.logger.Warn("connection lost", "code", ev.code, "error", ev.err)
		m.setState(StateDisconnected)
		m.scheduleReconnect()
	}
}

// handleFrame decodes one inbound frame and fans it out. A frame that
// cannot be decoded is discarded; the connection stays up.
func (m *manager) handleFrame(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		m.col.RecordError()
		m.logger.Warn("discarding undecodable frame", "error", err)
		return
	}
	if f.Type == "" {
		m.col.RecordError()
		m.logger.Warn("discarding frame without type")
		return
	}

	m.col.RecordReceived()
	m.reg.Dispatch(f.Type, f.Payload)
}

// enterAuthFailed latches the rejected credential. No automatic retry:
// the way out is a new token plus an explicit Reconnect.
func (m *manager) enterAuthFailed(err error) {
	m.stopBackoff()
	m.stopWatchdog()
	m.closeSocket(closeNormal, "auth failed")
	m.rejectedToken = m.gate.Token()
	m.setState(StateAuthFailed)
	m.logger.Error("credential rejected", "error", err)
}

// scheduleReconnect arms the backoff timer for the next automatic
// attempt, or gives up after MaxAttempts consecutive failures.
func (m *manager) scheduleReconnect() {
	if m.Status() != StateDisconnected || m.gate.Token() == "" {
		return
	}
	if m.attempt >= m.cfg.MaxAttempts {
		m.logger.Error("automatic retries exhausted; waiting for manual reconnect",
			"attempts", m.attempt,
		)
		return
	}

	delay := backoffDelay(m.attempt, m.cfg.BackoffBase, m.cfg.BackoffCap, m.cfg.JitterFrac, m.rng)
	m.attempt++
	m.logger.Info("reconnect scheduled", "attempt", m.attempt, "delay", delay)

	m.stopBackoff()
	m.backoffTimer = m.clk.Timer(delay)
}

// onWatchdogExpired forces a Connecting attempt that never completed
// its handshake into the failure path.
func (m *manager) onWatchdogExpired() {
	if m.Status() != StateConnecting {
		return
	}
	m.logger.Warn("handshake watchdog expired")
	m.col.RecordError()
	m.setLastErr(ErrHandshakeTimeout)
	m.gen++ // a late-completing dial must not install its socket
	m.setState(StateDisconnected)
	m.scheduleReconnect()
}

// flush drains the batcher onto the wire. Only sends while Connected;
// in every other state messages stay queued.
func (m *manager) flush() {
	if m.Status() != StateConnected || m.sock == nil {
		return
	}

	msgs := m.bat.Drain()
	if len(msgs) == 0 {
		return
	}

	data, sent, singleBytes, dropped := encodeOutbound(msgs)
	if dropped > 0 {
		m.bat.RecordDrop(dropped)
		m.logger.Warn("dropped unencodable outbound payloads", "count", dropped)
	}
	if sent == 0 {
		return
	}

	if err := m.sock.WriteMessage(data); err != nil {
		m.col.RecordError()
		m.setLastErr(err)
		m.logger.Warn("outbound write failed", "error", err)
		m.closeSocket(closeNormal, "write failed")
		m.gen++
		m.setState(StateDisconnected)
		m.scheduleReconnect()
		return
	}

	m.bat.RecordFlush(sent, len(data), singleBytes)
	m.col.RecordSent(sent)
	now := m.clk.Now()
	for _, msg := range msgs {
		m.col.RecordLatency(now.Sub(msg.EnqueuedAt))
	}
}

// encodeOutbound builds the wire envelope: a bare frame for one
// message, a batch envelope for several. singleBytes is what the kept
// messages would have cost as one frame each, for the coalescing
// savings estimate.
func encodeOutbound(msgs []batch.Message) (data []byte, sent, singleBytes, dropped int) {
	frames := make([]outFrame, 0, len(msgs))
	for _, msg := range msgs {
		p, err := json.Marshal(msg.Payload)
		if err != nil {
			dropped++
			continue
		}
		frames = append(frames, outFrame{Type: msg.Type, Payload: p})
	}
	if len(frames) == 0 {
		return nil, 0, 0, dropped
	}

	if len(frames) == 1 {
		data, _ = json.Marshal(frames[0])
		return data, 1, len(data), dropped
	}

	data, _ = json.Marshal(batchEnvelope{Batch: frames})
	for _, f := range frames {
		b, _ := json.Marshal(f)
		singleBytes += len(b)
	}
	return data, len(frames), singleBytes, dropped
}

// teardown is the final shutdown path, run by the loop on quit.
func (m *manager) teardown() {
	m.setState(StateClosing)
	m.teardownConnection("client shutdown")
	m.bat.Clear()
	m.logger.Info("connection manager closed")
}

// teardownConnection cancels timers, abandons in-flight attempts, and
// closes the socket. Safe to call in any state, any number of times.
func (m *manager) teardownConnection(reason string) {
	m.stopBackoff()
	m.stopWatchdog()
	m.closeSocket(closeNormal, reason)
	m.gen++
}

// closeSocket closes the current socket if one is live.
func (m *manager) closeSocket(code int, reason string) {
	if m.sock == nil {
		return
	}
	m.sock.Close(code, reason)
	m.sock = nil
}

func (m *manager) stopBackoff() {
	if m.backoffTimer != nil {
		m.backoffTimer.Stop()
		m.backoffTimer = nil
	}
}

func (m *manager) stopWatchdog() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

func (m *manager) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		m.logger.Debug("state change", "from", old.String(), "to", s.String())
	}
}

func (m *manager) setLastErr(err error) {
	m.errMu.Lock()
	m.lastErr = err
	m.errMu.Unlock()
}

// closeCode extracts the close code from a read error, 0 if none.
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
