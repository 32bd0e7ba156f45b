package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/verbyflow/verbyflow-core/internal/bus"
	"github.com/verbyflow/verbyflow-core/internal/config"
	"github.com/verbyflow/verbyflow-core/internal/natsserver"
	"github.com/verbyflow/verbyflow-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestBus(t *testing.T) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start embedded bus: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fakeMsg struct {
	kind int
	data []byte
}

type fakeConn struct {
	mu     sync.Mutex
	reads  chan fakeMsg
	writes []fakeMsg
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan fakeMsg, 32),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-f.reads:
		return m.kind, m.data, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("connection closed")
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fakeMsg{kind: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(kind int, data []byte) {
	f.reads <- fakeMsg{kind: kind, data: data}
}

func (f *fakeConn) written() []fakeMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeMsg(nil), f.writes...)
}

func testTransportConfig() config.TransportConfig {
	return config.TransportConfig{
		RetryBudget:      2,
		InitialBackoffMS: 5,
		BackoffFactor:    1.5,
		MaxBackoffMS:     50,
		SendGapMS:        1,
		PingIntervalMS:   0,
	}
}

func testBackendConfig() config.BackendConfig {
	return config.BackendConfig{WSURL: "ws://test", HTTPURL: "http://test", TimeoutMS: 1000}
}

func newTestChannel(t *testing.T, dial Dialer) *Channel {
	t.Helper()
	c := NewChannel(testTransportConfig(), testBackendConfig(), newTestBus(t), newLogger(), WithDialer(dial))
	t.Cleanup(c.Disconnect)
	return c
}

func singleConnDialer(conn *fakeConn) Dialer {
	return func(ctx context.Context, url string) (wsConn, error) {
		return conn, nil
	}
}

func TestConnectSendsConfigFirst(t *testing.T) {
	conn := newFakeConn()
	c := newTestChannel(t, singleConnDialer(conn))
	c.SendConfig(protocol.ConfigPayload{Role: "listener", SourceLanguage: "en", TargetLanguage: "es"})

	if err := c.Connect(context.Background(), "session-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("expected open state, got %s", c.State())
	}

	writes := conn.written()
	if len(writes) == 0 {
		t.Fatal("expected config message on open")
	}
	var env protocol.Envelope
	if err := json.Unmarshal(writes[0].data, &env); err != nil {
		t.Fatalf("decode first message: %v", err)
	}
	if env.Type != protocol.TypeConfig {
		t.Fatalf("expected first message to be config, got %s", env.Type)
	}
	var cfg protocol.ConfigPayload
	if err := json.Unmarshal(env.Data, &cfg); err != nil {
		t.Fatalf("decode config payload: %v", err)
	}
	if cfg.Role != "listener" || cfg.SourceLanguage != "en" || cfg.TargetLanguage != "es" {
		t.Fatalf("unexpected config payload: %+v", cfg)
	}
}

func TestConnectRequiresSessionID(t *testing.T) {
	c := newTestChannel(t, singleConnDialer(newFakeConn()))
	if err := c.Connect(context.Background(), ""); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestAudioDrainsInFIFOOrder(t *testing.T) {
	conn := newFakeConn()
	c := newTestChannel(t, singleConnDialer(conn))
	if err := c.Connect(context.Background(), "session-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.SendAudio([]byte{1})
	c.SendAudio([]byte{2})
	c.SendAudio([]byte{3})

	waitFor(t, time.Second, "frames drained", func() bool {
		var n int
		for _, w := range conn.written() {
			if w.kind == websocket.BinaryMessage {
				n++
			}
		}
		return n == 3
	})

	var frames [][]byte
	for _, w := range conn.written() {
		if w.kind == websocket.BinaryMessage {
			frames = append(frames, w.data)
		}
	}
	for i, want := range []byte{1, 2, 3} {
		if frames[i][0] != want {
			t.Fatalf("frame %d out of order: got %d want %d", i, frames[i][0], want)
		}
	}
}

func TestQueuedFramesNotReplayedAcrossConnect(t *testing.T) {
	conn := newFakeConn()
	c := newTestChannel(t, singleConnDialer(conn))

	// Enqueued while disconnected: accepted silently, never transmitted.
	c.SendAudio([]byte{9})
	if c.QueueLen() != 1 {
		t.Fatalf("expected frame queued, got %d", c.QueueLen())
	}

	if err := c.Connect(context.Background(), "session-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.QueueLen() != 0 {
		t.Fatalf("expected queue cleared on connect, got %d", c.QueueLen())
	}

	c.SendAudio([]byte{7})
	waitFor(t, time.Second, "post-connect frame drained", func() bool {
		for _, w := range conn.written() {
			if w.kind == websocket.BinaryMessage {
				return true
			}
		}
		return false
	})
	for _, w := range conn.written() {
		if w.kind == websocket.BinaryMessage && w.data[0] == 9 {
			t.Fatal("stale frame replayed after connect")
		}
	}
}

func TestSendConfigMergesLastWriteWins(t *testing.T) {
	c := newTestChannel(t, singleConnDialer(newFakeConn()))

	c.SendConfig(protocol.ConfigPayload{Role: "speaker", SourceLanguage: "en"})
	c.SendConfig(protocol.ConfigPayload{SourceLanguage: "fr"})

	cfg := c.Config()
	if cfg.Role != "speaker" {
		t.Fatalf("expected role preserved, got %q", cfg.Role)
	}
	if cfg.SourceLanguage != "fr" {
		t.Fatalf("expected source language overwritten, got %q", cfg.SourceLanguage)
	}
}

func TestInboundTranscriptRoutedToBus(t *testing.T) {
	conn := newFakeConn()
	b := newTestBus(t)
	c := NewChannel(testTransportConfig(), testBackendConfig(), b, newLogger(), WithDialer(singleConnDialer(conn)))
	t.Cleanup(c.Disconnect)

	sub, err := b.Conn().SubscribeSync(protocol.SubjectInbound + "." + protocol.TypeTranscript)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := c.Connect(context.Background(), "session-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.push(websocket.TextMessage, []byte(`{"type":"transcript","data":{"id":"t1","text":"hola"}}`))

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected routed transcript: %v", err)
	}
	var payload protocol.TranscriptPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ID != "t1" || payload.Text != "hola" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestInboundBinaryIsSynthesizedAudio(t *testing.T) {
	conn := newFakeConn()
	b := newTestBus(t)
	c := NewChannel(testTransportConfig(), testBackendConfig(), b, newLogger(), WithDialer(singleConnDialer(conn)))
	t.Cleanup(c.Disconnect)

	sub, err := b.Conn().SubscribeSync(protocol.SubjectTTSAudio)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Connect(context.Background(), "session-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.push(websocket.BinaryMessage, []byte{0xDE, 0xAD})

	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected synthesized audio event: %v", err)
	}
	if len(msg.Data) != 2 || msg.Data[0] != 0xDE {
		t.Fatalf("unexpected audio payload: %v", msg.Data)
	}
}

func TestUnknownMessageTypeDropped(t *testing.T) {
	conn := newFakeConn()
	c := newTestChannel(t, singleConnDialer(conn))
	if err := c.Connect(context.Background(), "session-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	conn.push(websocket.TextMessage, []byte(`{"type":"mystery","data":{}}`))

	// The channel must absorb the message without closing.
	time.Sleep(20 * time.Millisecond)
	if c.State() != StateOpen {
		t.Fatalf("expected channel to stay open, got %s", c.State())
	}
}

func TestUnexpectedCloseRetriesThenExhausts(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	dials := 0
	dial := func(ctx context.Context, url string) (wsConn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return conn, nil
		}
		return nil, errors.New("backend unreachable")
	}

	c := newTestChannel(t, dial)
	if err := c.Connect(context.Background(), "session-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Remote close triggers the automatic retry path.
	conn.Close()

	waitFor(t, 2*time.Second, "budget exhaustion", func() bool {
		return c.State() == StateClosedExhausted
	})

	mu.Lock()
	total := dials
	mu.Unlock()
	if total != 3 { // initial connect + 2 budgeted retries
		t.Fatalf("expected 3 dials, got %d", total)
	}

	// Exhausted channels issue no further automatic attempts.
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	if dials != total {
		t.Fatalf("expected no dials after exhaustion, got %d", dials)
	}
	mu.Unlock()
}

func TestReopenResetsRetryBudget(t *testing.T) {
	var mu sync.Mutex
	var conns []*fakeConn
	dial := func(ctx context.Context, url string) (wsConn, error) {
		mu.Lock()
		defer mu.Unlock()
		conn := newFakeConn()
		conns = append(conns, conn)
		return conn, nil
	}

	c := newTestChannel(t, dial)
	if err := c.Connect(context.Background(), "session-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	mu.Lock()
	first := conns[0]
	mu.Unlock()
	first.Close()

	waitFor(t, 2*time.Second, "close detection", func() bool {
		return c.State() != StateOpen
	})
	waitFor(t, 2*time.Second, "automatic reopen", func() bool {
		return c.State() == StateOpen
	})

	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("expected attempt counter reset on reopen, got %d", attempts)
	}
}

func TestDeliberateDisconnectSkipsRetry(t *testing.T) {
	conn := newFakeConn()
	c := newTestChannel(t, singleConnDialer(conn))
	if err := c.Connect(context.Background(), "session-1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.Disconnect()

	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", c.State())
	}
	if c.SessionID() != "" {
		t.Fatalf("expected session binding cleared, got %q", c.SessionID())
	}

	time.Sleep(30 * time.Millisecond)
	if c.State() != StateDisconnected {
		t.Fatalf("expected no retry after deliberate disconnect, got %s", c.State())
	}
}

func TestBackoffScheduleMatchesPolicy(t *testing.T) {
	cfg := config.Default().Transport
	c := NewChannel(cfg, testBackendConfig(), newTestBus(t), newLogger())
	t.Cleanup(c.Disconnect)

	want := []time.Duration{
		2000 * time.Millisecond,
		3000 * time.Millisecond,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
		10125 * time.Millisecond,
	}
	for i, expected := range want {
		got := c.backoff.NextBackOff()
		if got != expected {
			t.Fatalf("attempt %d: expected delay %s, got %s", i+1, expected, got)
		}
	}

	// A long streak of failures stays capped at the maximum delay.
	for i := 0; i < 10; i++ {
		if got := c.backoff.NextBackOff(); got > 30000*time.Millisecond {
			t.Fatalf("delay exceeded cap: %s", got)
		}
	}
}
