package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/verbyflow/verbyflow-core/internal/bus"
	"github.com/verbyflow/verbyflow-core/internal/config"
	"github.com/verbyflow/verbyflow-core/internal/host"
	"github.com/verbyflow/verbyflow-core/internal/natsserver"
	"github.com/verbyflow/verbyflow-core/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus(t *testing.T) *bus.Client {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1}, log)
	if err != nil {
		t.Fatalf("start embedded bus: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

type fakeBackend struct {
	mu       sync.Mutex
	creates  int
	joins    int
	delay    time.Duration
	info     host.SessionInfo
	err      error
	joinInfo host.SessionInfo
	joinErr  error
}

func (f *fakeBackend) CreateSession(ctx context.Context, name string, maxParticipants int) (host.SessionInfo, error) {
	f.mu.Lock()
	f.creates++
	f.mu.Unlock()
	return f.info, f.err
}

func (f *fakeBackend) JoinSession(ctx context.Context, sessionID string) (host.SessionInfo, error) {
	f.mu.Lock()
	f.joins++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.joinInfo, f.joinErr
}

func (f *fakeBackend) joinCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins
}

type fakeLink struct {
	connects    atomic.Int32
	disconnects atomic.Int32
	connectErr  error
	lastID      atomic.Value
}

func (f *fakeLink) Connect(ctx context.Context, sessionID string) error {
	f.connects.Add(1)
	f.lastID.Store(sessionID)
	return f.connectErr
}

func (f *fakeLink) Disconnect() {
	f.disconnects.Add(1)
}

func newRegistry(t *testing.T, backend *fakeBackend, link *fakeLink) *Registry {
	t.Helper()
	cfg := config.Default().Session
	return NewRegistry(cfg, backend, link, nil, newTestBus(t), newLogger())
}

func TestCreateBindsTransport(t *testing.T) {
	backend := &fakeBackend{info: host.SessionInfo{
		SessionID:        "sess-1",
		Name:             "Standup",
		ParticipantCount: 1,
		MaxParticipants:  2,
	}}
	link := &fakeLink{}
	r := newRegistry(t, backend, link)

	sess, err := r.Create(context.Background(), "Standup")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID != "sess-1" || sess.Status != StatusActive || sess.Local {
		t.Fatalf("unexpected session %+v", sess)
	}
	if got := link.lastID.Load(); got != "sess-1" {
		t.Fatalf("transport bound to %v", got)
	}
	if !r.IsInSession() {
		t.Fatal("expected to be in session")
	}
}

func TestCreateBackendFailureLeavesNoState(t *testing.T) {
	backend := &fakeBackend{err: fmt.Errorf("session limit reached")}
	link := &fakeLink{}
	r := newRegistry(t, backend, link)

	_, err := r.Create(context.Background(), "x")
	if !errors.Is(err, ErrSessionCreate) {
		t.Fatalf("expected ErrSessionCreate, got %v", err)
	}
	if r.IsInSession() {
		t.Fatal("failed create must not leave session state")
	}
	if link.connects.Load() != 0 {
		t.Fatal("transport must not be bound on backend failure")
	}
}

func TestCreateFallsBackToLocalSession(t *testing.T) {
	backend := &fakeBackend{err: fmt.Errorf("create session: %w: dial", host.ErrUnavailable)}
	link := &fakeLink{connectErr: errors.New("no backend")}
	r := newRegistry(t, backend, link)

	sess, err := r.Create(context.Background(), "solo")
	if err != nil {
		t.Fatalf("expected local fallback, got %v", err)
	}
	if !strings.HasPrefix(sess.ID, "session-") {
		t.Fatalf("expected synthesized id, got %s", sess.ID)
	}
	if sess.ParticipantCount != 1 || !sess.Local {
		t.Fatalf("unexpected local session %+v", sess)
	}
	if !r.IsInSession() {
		t.Fatal("local session should still count as in-session")
	}
}

func TestCreateTransportFailureLeavesNoState(t *testing.T) {
	backend := &fakeBackend{info: host.SessionInfo{SessionID: "sess-2"}}
	link := &fakeLink{connectErr: errors.New("dial refused")}
	r := newRegistry(t, backend, link)

	_, err := r.Create(context.Background(), "x")
	if !errors.Is(err, ErrSessionCreate) {
		t.Fatalf("expected ErrSessionCreate, got %v", err)
	}
	if r.IsInSession() {
		t.Fatal("failed bind must not leave session state")
	}
}

func TestJoinCollapsesConcurrentCalls(t *testing.T) {
	backend := &fakeBackend{
		delay:    50 * time.Millisecond,
		joinInfo: host.SessionInfo{SessionID: "sess-3", ParticipantCount: 2, MaxParticipants: 2},
	}
	link := &fakeLink{}
	r := newRegistry(t, backend, link)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Join(context.Background(), "sess-3"); err != nil {
				t.Errorf("join: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := backend.joinCalls(); got != 1 {
		t.Fatalf("expected one backend join, got %d", got)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	backend := &fakeBackend{joinErr: errors.New("session not found")}
	r := newRegistry(t, backend, &fakeLink{})

	_, err := r.Join(context.Background(), "nope")
	if !errors.Is(err, ErrSessionJoin) {
		t.Fatalf("expected ErrSessionJoin, got %v", err)
	}
	if r.IsInSession() {
		t.Fatal("failed join must not leave session state")
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	backend := &fakeBackend{info: host.SessionInfo{SessionID: "sess-4"}}
	link := &fakeLink{}
	r := newRegistry(t, backend, link)

	if _, err := r.Create(context.Background(), "x"); err != nil {
		t.Fatalf("create: %v", err)
	}

	r.Leave()
	r.Leave()

	if r.IsInSession() {
		t.Fatal("expected no session after leave")
	}
	if got := link.disconnects.Load(); got != 1 {
		t.Fatalf("expected one disconnect, got %d", got)
	}
}

func TestUpdateInfoMergesAndEnds(t *testing.T) {
	backend := &fakeBackend{info: host.SessionInfo{SessionID: "sess-5", ParticipantCount: 1}}
	r := newRegistry(t, backend, &fakeLink{})

	if _, err := r.Create(context.Background(), "x"); err != nil {
		t.Fatalf("create: %v", err)
	}

	// An update for another session is ignored.
	r.UpdateInfo(protocol.SessionUpdatePayload{SessionID: "other", Participants: 5})
	if sess, _ := r.Current(); sess.ParticipantCount != 1 {
		t.Fatalf("mismatched update applied: %+v", sess)
	}

	r.UpdateInfo(protocol.SessionUpdatePayload{SessionID: "sess-5", Participants: 2})
	if sess, _ := r.Current(); sess.ParticipantCount != 2 {
		t.Fatalf("participant count not merged: %+v", sess)
	}

	r.UpdateInfo(protocol.SessionUpdatePayload{SessionID: "sess-5", Status: StatusEnded})
	if r.IsInSession() {
		t.Fatal("ended session should not count as in-session")
	}
}

func TestSessionUpdateArrivesOverBus(t *testing.T) {
	backend := &fakeBackend{info: host.SessionInfo{SessionID: "sess-6", ParticipantCount: 1}}
	busClient := newTestBus(t)
	r := NewRegistry(config.Default().Session, backend, &fakeLink{}, nil, busClient, newLogger())

	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(r.Close)

	if _, err := r.Create(context.Background(), "x"); err != nil {
		t.Fatalf("create: %v", err)
	}

	err := busClient.PublishJSON(protocol.SubjectInbound+".session_update",
		protocol.SessionUpdatePayload{SessionID: "sess-6", Participants: 2})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	waitFor(t, func() bool {
		sess, ok := r.Current()
		return ok && sess.ParticipantCount == 2
	}, "session update from bus never applied")
}
