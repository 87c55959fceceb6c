package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/gymdesk/realtime/internal/batch"
)

// fakeSocket is an in-memory Socket for driving the manager in tests.
type fakeSocket struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
	code   int

	inbound chan []byte
	errs    chan error
	done    chan struct{}
	once    sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		inbound: make(chan []byte, 16),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case err := <-s.errs:
		return nil, err
	case <-s.done:
		return nil, errors.New("socket closed")
	}
}

func (s *fakeSocket) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("write on closed socket")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.writes = append(s.writes, cp)
	return nil
}

func (s *fakeSocket) Close(code int, reason string) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.code = code
		s.mu.Unlock()
		close(s.done)
	})
	return nil
}

// fail injects a read error, simulating a transport failure or a
// server-initiated close.
func (s *fakeSocket) fail(err error) {
	s.errs <- err
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) closeCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

func (s *fakeSocket) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *fakeSocket) write(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[i]
}

// fakeDialer hands out fake sockets and records every dial.
type fakeDialer struct {
	mu    sync.Mutex
	socks []*fakeSocket
	urls  []string
	err   error
	block chan struct{}
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	d.mu.Lock()
	d.urls = append(d.urls, rawURL)
	err := d.err
	block := d.block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s := newFakeSocket()
	d.mu.Lock()
	d.socks = append(d.socks, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) setBlock(ch chan struct{}) {
	d.mu.Lock()
	d.block = ch
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) url(i int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.urls[i]
}

func (d *fakeDialer) sockCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.socks)
}

func (d *fakeDialer) sock(i int) *fakeSocket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.socks[i]
}

func newTestManager(t *testing.T, d *fakeDialer) (Manager, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock()
	cfg := ManagerConfig{
		FlushInterval:    50 * time.Millisecond,
		MaxBatchSize:     10,
		MaxQueueDepth:    100,
		BackoffBase:      100 * time.Millisecond,
		BackoffCap:       1 * time.Second,
		MaxAttempts:      3,
		HandshakeTimeout: 5 * time.Second,
		HealthInterval:   1 * time.Second,
		Dialer:           d,
		Clock:            mock,
	}
	m := NewManager("wss://dash.example.com/ws/dashboard/", cfg, slog.Default())
	t.Cleanup(func() { m.Close() })
	return m, mock
}

// waitFor polls a condition with a real-time deadline. The manager's
// own timers run on the mock clock; real time is only used to let
// goroutines settle.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// settle gives the run loop a moment to process already-posted work
// before the mock clock advances.
func settle() {
	time.Sleep(20 * time.Millisecond)
}

func waitForState(t *testing.T, m Manager, want State) {
	t.Helper()
	waitFor(t, func() bool { return m.Status() == want }, "state "+want.String())
}

func connect(t *testing.T, m Manager, d *fakeDialer, token string) *fakeSocket {
	t.Helper()
	m.SetAuthToken(token)
	waitForState(t, m, StateConnected)
	return d.sock(d.dialCount() - 1)
}

func TestManager_InitialState(t *testing.T) {
	m, _ := newTestManager(t, newFakeDialer())

	if got := m.Status(); got != StateIdle {
		t.Errorf("initial Status = %v, want %v", got, StateIdle)
	}
	if err := m.LastError(); err != nil {
		t.Errorf("initial LastError = %v, want nil", err)
	}

	snap := m.Metrics()
	if snap.Messages.Sent != 0 || snap.Messages.Received != 0 {
		t.Errorf("initial message counters = %+v, want zeros", snap.Messages)
	}
}

func TestManager_ConnectOnToken(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)

	connect(t, m, d, "abc")

	if got := d.dialCount(); got != 1 {
		t.Fatalf("dialCount = %d, want 1", got)
	}
	if url := d.url(0); !strings.Contains(url, "token=abc") {
		t.Errorf("dial url %q does not carry token query parameter", url)
	}
}

func TestManager_SameTokenIsNoop(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)
	connect(t, m, d, "abc")

	m.SetAuthToken("abc")
	settle()

	if got := d.dialCount(); got != 1 {
		t.Errorf("dialCount after duplicate token = %d, want 1", got)
	}
	if got := m.Status(); got != StateConnected {
		t.Errorf("Status = %v, want %v", got, StateConnected)
	}
}

func TestManager_TokenChangeReconnects(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)
	first := connect(t, m, d, "abc")

	m.SetAuthToken("def")
	waitFor(t, func() bool { return d.dialCount() == 2 }, "second dial")
	waitForState(t, m, StateConnected)

	if !first.isClosed() {
		t.Error("previous socket not closed after token change")
	}
	if url := d.url(1); !strings.Contains(url, "token=def") {
		t.Errorf("second dial url %q does not carry new token", url)
	}
}

func TestManager_ClearTokenDisconnects(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	m.SetAuthToken("")
	waitForState(t, m, StateIdle)

	if !sock.isClosed() {
		t.Fatal("socket not closed after token cleared")
	}
	if got := sock.closeCode(); got != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", got, websocket.CloseNormalClosure)
	}
}

func TestManager_SingleSocketAcrossTokenChurn(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)

	m.SetAuthToken("a")
	m.SetAuthToken("b")
	m.SetAuthToken("c")
	waitForState(t, m, StateConnected)
	settle()

	// However the token churn interleaved, exactly one socket may be
	// live at the end.
	waitFor(t, func() bool {
		open := 0
		for i := 0; i < d.sockCount(); i++ {
			if !d.sock(i).isClosed() {
				open++
			}
		}
		return open == 1
	}, "exactly one live socket")
}

func TestManager_PriorityFlushOrder(t *testing.T) {
	d := newFakeDialer()
	m, mock := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	m.Send("low_evt", nil, batch.PriorityLow)
	m.Send("high_evt", nil, batch.PriorityHigh)
	m.Send("medium_evt", nil, batch.PriorityMedium)
	settle()

	mock.Add(50 * time.Millisecond)
	waitFor(t, func() bool { return sock.writeCount() == 1 }, "flush write")

	var env struct {
		Batch []struct {
			Type string `json:"type"`
		} `json:"batch"`
	}
	if err := json.Unmarshal(sock.write(0), &env); err != nil {
		t.Fatalf("decode batch envelope: %v", err)
	}

	want := []string{"high_evt", "medium_evt", "low_evt"}
	if len(env.Batch) != len(want) {
		t.Fatalf("batch has %d frames, want %d", len(env.Batch), len(want))
	}
	for i, f := range env.Batch {
		if f.Type != want[i] {
			t.Errorf("batch[%d] = %q, want %q", i, f.Type, want[i])
		}
	}

	if got := m.Metrics().Messages.Sent; got != 3 {
		t.Errorf("Sent = %d, want 3", got)
	}
}

func TestManager_SingleMessageIsBareFrame(t *testing.T) {
	d := newFakeDialer()
	m, mock := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	m.Send("check_in", map[string]string{"member_id": "42"}, batch.PriorityHigh)
	settle()
	mock.Add(50 * time.Millisecond)
	waitFor(t, func() bool { return sock.writeCount() == 1 }, "flush write")

	var f struct {
		Type  string            `json:"type"`
		Batch []json.RawMessage `json:"batch"`
	}
	if err := json.Unmarshal(sock.write(0), &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if f.Type != "check_in" {
		t.Errorf("frame type = %q, want %q", f.Type, "check_in")
	}
	if f.Batch != nil {
		t.Error("single message wrapped in batch envelope")
	}
}

func TestManager_SizeThresholdTriggersEarlyFlush(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	// FlushThreshold defaults to MaxBatchSize (10); no clock advance.
	for i := 0; i < 10; i++ {
		m.Send(fmt.Sprintf("evt%d", i), nil, batch.PriorityMedium)
	}

	waitFor(t, func() bool { return sock.writeCount() >= 1 }, "threshold flush")
}

func TestManager_QueuedWhileOfflineFlushedOnConnect(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)

	m.Send("a", nil, batch.PriorityLow)
	m.Send("b", nil, batch.PriorityHigh)

	if got := m.Metrics().Batcher.QueueSize; got != 2 {
		t.Fatalf("offline QueueSize = %d, want 2", got)
	}

	sock := connect(t, m, d, "abc")
	waitFor(t, func() bool { return sock.writeCount() == 1 }, "flush on connect")

	if got := m.Metrics().Batcher.QueueSize; got != 0 {
		t.Errorf("QueueSize after connect = %d, want 0", got)
	}
}

func TestManager_OfflineOverflowAccounting(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)

	for i := 0; i < 1000; i++ {
		m.Send("telemetry", i, batch.PriorityLow)
	}

	snap := m.Metrics()
	if snap.Batcher.QueueSize != 100 {
		t.Errorf("QueueSize = %d, want 100", snap.Batcher.QueueSize)
	}
	if snap.Batcher.Dropped != 900 {
		t.Errorf("Dropped = %d, want 900", snap.Batcher.Dropped)
	}
}

func TestManager_TransportErrorTriggersBackoffReconnect(t *testing.T) {
	d := newFakeDialer()
	m, mock := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	sock.fail(errors.New("connection reset"))
	waitForState(t, m, StateDisconnected)
	settle()

	mock.Add(100 * time.Millisecond)
	waitFor(t, func() bool { return d.dialCount() == 2 }, "backoff redial")
	waitForState(t, m, StateConnected)

	if err := m.LastError(); err != nil {
		t.Errorf("LastError after recovery = %v, want nil", err)
	}
}

func TestManager_RetriesStopAfterMaxAttempts(t *testing.T) {
	d := newFakeDialer()
	m, mock := newTestManager(t, d)
	d.setErr(errors.New("connection refused"))

	m.SetAuthToken("abc")
	waitFor(t, func() bool { return d.dialCount() == 1 }, "initial dial")
	waitForState(t, m, StateDisconnected)

	// Three automatic retries at 100ms, 200ms, 400ms.
	for i, delay := range []time.Duration{100, 200, 400} {
		settle()
		mock.Add(delay * time.Millisecond)
		waitFor(t, func() bool { return d.dialCount() == i+2 }, "retry dial")
	}

	// Exhausted: more time brings no more dials.
	settle()
	mock.Add(time.Minute)
	settle()
	if got := d.dialCount(); got != 4 {
		t.Fatalf("dialCount after exhaustion = %d, want 4", got)
	}
	if got := m.Status(); got != StateDisconnected {
		t.Errorf("Status = %v, want %v", got, StateDisconnected)
	}

	// Manual reconnect starts over.
	d.setErr(nil)
	m.Reconnect()
	waitForState(t, m, StateConnected)
}

func TestManager_AuthCloseCodeLatchesFailure(t *testing.T) {
	d := newFakeDialer()
	m, mock := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	sock.fail(&websocket.CloseError{Code: 4001, Text: "invalid token"})
	waitForState(t, m, StateAuthFailed)

	settle()
	mock.Add(time.Minute)
	settle()
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dialCount after auth failure = %d, want 1 (no auto retry)", got)
	}

	// A new token alone is not enough.
	m.SetAuthToken("fresh")
	settle()
	if got := d.dialCount(); got != 1 {
		t.Fatalf("dialCount after new token without reconnect = %d, want 1", got)
	}
	if got := m.Status(); got != StateAuthFailed {
		t.Fatalf("Status = %v, want %v", got, StateAuthFailed)
	}

	// New token plus explicit reconnect recovers.
	m.Reconnect()
	waitFor(t, func() bool { return d.dialCount() == 2 }, "reconnect dial")
	waitForState(t, m, StateConnected)
}

func TestManager_ReconnectWithRejectedTokenIgnored(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	sock.fail(&websocket.CloseError{Code: 4003, Text: "expired"})
	waitForState(t, m, StateAuthFailed)

	m.Reconnect()
	settle()

	if got := d.dialCount(); got != 1 {
		t.Errorf("dialCount = %d, want 1 (same credential must not be retried)", got)
	}
	if got := m.Status(); got != StateAuthFailed {
		t.Errorf("Status = %v, want %v", got, StateAuthFailed)
	}
}

func TestManager_AuthRejectedAtHandshake(t *testing.T) {
	d := newFakeDialer()
	m, mock := newTestManager(t, d)
	d.setErr(fmt.Errorf("handshake status 401: %w", ErrAuthRejected))

	m.SetAuthToken("abc")
	waitForState(t, m, StateAuthFailed)

	settle()
	mock.Add(time.Minute)
	settle()
	if got := d.dialCount(); got != 1 {
		t.Errorf("dialCount = %d, want 1", got)
	}
	if !errors.Is(m.LastError(), ErrAuthRejected) {
		t.Errorf("LastError = %v, want ErrAuthRejected", m.LastError())
	}
}

func TestManager_WatchdogBoundsHandshake(t *testing.T) {
	d := newFakeDialer()
	m, mock := newTestManager(t, d)
	block := make(chan struct{})
	d.setBlock(block)

	m.SetAuthToken("abc")
	waitForState(t, m, StateConnecting)
	settle()

	mock.Add(5 * time.Second)
	waitForState(t, m, StateDisconnected)

	if !errors.Is(m.LastError(), ErrHandshakeTimeout) {
		t.Errorf("LastError = %v, want ErrHandshakeTimeout", m.LastError())
	}

	// The late-completing dial must not install its socket.
	d.setBlock(nil)
	close(block)
	waitFor(t, func() bool {
		return d.dialCount() >= 1 && d.sockCount() >= 1 && d.sock(0).isClosed()
	}, "stale socket closed")
	if got := m.Status(); got == StateConnected {
		t.Error("stale dial promoted manager to Connected")
	}
}

func TestManager_ForceResetReestablishes(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	m.ForceReset()
	waitFor(t, func() bool { return d.dialCount() == 2 }, "redial after reset")
	waitForState(t, m, StateConnected)

	if !sock.isClosed() {
		t.Error("old socket survived force reset")
	}
}

func TestManager_ForceResetEscapesAuthFailure(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	sock.fail(&websocket.CloseError{Code: 4001, Text: "invalid token"})
	waitForState(t, m, StateAuthFailed)

	// ForceReset ignores the rejected-credential latch.
	m.ForceReset()
	waitFor(t, func() bool { return d.dialCount() == 2 }, "redial after reset")
	waitForState(t, m, StateConnected)
}

func TestManager_ForceResetClearsQueue(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)

	m.Send("a", nil, batch.PriorityLow)
	m.Send("b", nil, batch.PriorityLow)
	m.ForceReset()
	settle()

	if got := m.Metrics().Batcher.QueueSize; got != 0 {
		t.Errorf("QueueSize after force reset = %d, want 0", got)
	}
}

func TestManager_DispatchesInboundFrames(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	var mu sync.Mutex
	var got string
	m.Subscribe("check_in_update", func(p json.RawMessage) {
		mu.Lock()
		got = string(p)
		mu.Unlock()
	})

	sock.inbound <- []byte(`{"type":"check_in_update","payload":{"id":"42"}}`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != ""
	}, "handler invocation")

	mu.Lock()
	defer mu.Unlock()
	if got != `{"id":"42"}` {
		t.Errorf("payload = %s, want {\"id\":\"42\"}", got)
	}
	if n := m.Metrics().Messages.Received; n != 1 {
		t.Errorf("Received = %d, want 1", n)
	}
}

func TestManager_MalformedFrameDoesNotDropConnection(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	sock.inbound <- []byte(`{not json`)
	waitFor(t, func() bool { return m.Metrics().Messages.Errors == 1 }, "protocol error counted")

	if got := m.Status(); got != StateConnected {
		t.Fatalf("Status after bad frame = %v, want %v", got, StateConnected)
	}

	// The connection still delivers the next frame.
	delivered := false
	var mu sync.Mutex
	m.Subscribe("member_update", func(json.RawMessage) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	})
	sock.inbound <- []byte(`{"type":"member_update","payload":{}}`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered
	}, "frame after protocol error")
}

func TestManager_SubscriptionsSurviveReconnect(t *testing.T) {
	d := newFakeDialer()
	m, mock := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	var mu sync.Mutex
	count := 0
	m.Subscribe("notification_update", func(json.RawMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	sock.fail(errors.New("connection reset"))
	waitForState(t, m, StateDisconnected)
	settle()
	mock.Add(100 * time.Millisecond)
	waitForState(t, m, StateConnected)

	d.sock(1).inbound <- []byte(`{"type":"notification_update","payload":{}}`)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, "dispatch after reconnect")
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	d := newFakeDialer()
	m, _ := newTestManager(t, d)
	sock := connect(t, m, d, "abc")

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if !sock.isClosed() {
		t.Error("socket not closed on shutdown")
	}
	if got := m.Status(); got != StateClosing {
		t.Errorf("Status after Close = %v, want %v", got, StateClosing)
	}

	// Post-close calls must not panic or block.
	m.SetAuthToken("late")
	m.Reconnect()
}

func TestDialURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		token   string
		want    string
		wantErr bool
	}{
		{
			name:  "ws with path",
			base:  "ws://localhost:8000/ws/dashboard/",
			token: "abc",
			want:  "ws://localhost:8000/ws/dashboard/?token=abc",
		},
		{
			name:  "https upgraded to wss",
			base:  "https://dash.example.com/ws/",
			token: "abc",
			want:  "wss://dash.example.com/ws/?token=abc",
		},
		{
			name:  "token escaped",
			base:  "wss://dash.example.com/ws/",
			token: "a&b=c",
			want:  "wss://dash.example.com/ws/?token=a%26b%3Dc",
		},
		{
			name:    "unsupported scheme",
			base:    "ftp://example.com/",
			token:   "abc",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := dialURL(tt.base, tt.token)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("dialURL: %v", err)
			}
			if got != tt.want {
				t.Errorf("dialURL = %q, want %q", got, tt.want)
			}
		})
	}
}
