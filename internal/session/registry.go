package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/sync/singleflight"

	"github.com/verbyflow/verbyflow-core/internal/bus"
	"github.com/verbyflow/verbyflow-core/internal/config"
	"github.com/verbyflow/verbyflow-core/internal/host"
	"github.com/verbyflow/verbyflow-core/internal/protocol"
)

var (
	// ErrSessionCreate reports a failed session allocation.
	ErrSessionCreate = errors.New("session: create failed")
	// ErrSessionJoin reports a failed join.
	ErrSessionJoin = errors.New("session: join failed")
)

// Session status values.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Session is the client's view of the call it is part of.
type Session struct {
	ID               string    `json:"sessionId"`
	Name             string    `json:"name"`
	CreatedAt        time.Time `json:"createdAt"`
	Status           string    `json:"status"`
	ParticipantCount int       `json:"participantCount"`
	Local            bool      `json:"local"`
}

// backend is the slice of the host bridge the registry needs.
type backend interface {
	CreateSession(ctx context.Context, name string, maxParticipants int) (host.SessionInfo, error)
	JoinSession(ctx context.Context, sessionID string) (host.SessionInfo, error)
}

// link binds and releases the transport channel for a session.
type link interface {
	Connect(ctx context.Context, sessionID string) error
	Disconnect()
}

// archive records sessions for the transcript history.
type archive interface {
	AppendSession(ctx context.Context, sessionID, name string) error
}

// Registry tracks the single session this client participates in.
type Registry struct {
	cfg     config.SessionConfig
	backend backend
	link    link
	archive archive
	bus     *bus.Client
	logger  *slog.Logger

	mu      sync.Mutex
	current *Session

	joins singleflight.Group
	sub   *nats.Subscription
}

// NewRegistry creates a session registry.
func NewRegistry(cfg config.SessionConfig, backend backend, link link, archive archive, busClient *bus.Client, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		backend: backend,
		link:    link,
		archive: archive,
		bus:     busClient,
		logger:  logger.With(slog.String("component", "session")),
	}
}

// Start subscribes to inbound session updates from the transport.
func (r *Registry) Start() error {
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectInbound+".session_update", r.handleSessionUpdate)
	if err != nil {
		return fmt.Errorf("subscribe session updates: %w", err)
	}
	r.sub = sub
	return nil
}

// Close releases the bus subscription. It does not leave the session.
func (r *Registry) Close() {
	if r.sub != nil {
		r.sub.Unsubscribe()
		r.sub = nil
	}
}

// Create allocates a session on the backend and binds the transport to it.
// When the backend is unreachable the registry falls back to a local-only
// session so the rest of the client stays usable.
func (r *Registry) Create(ctx context.Context, name string) (Session, error) {
	if name == "" {
		name = r.cfg.DefaultName
	}

	local := false
	info, err := r.backend.CreateSession(ctx, name, r.cfg.MaxParticipants)
	if err != nil {
		if !errors.Is(err, host.ErrUnavailable) {
			return Session{}, fmt.Errorf("%w: %v", ErrSessionCreate, err)
		}
		local = true
		info = host.SessionInfo{
			SessionID:        fmt.Sprintf("session-%d", time.Now().UnixMilli()),
			Name:             name,
			ParticipantCount: 1,
		}
		r.logger.Warn("backend unreachable, using local session",
			slog.String("session_id", info.SessionID))
	}

	sess := sessionFromInfo(info, local)

	if err := r.link.Connect(ctx, sess.ID); err != nil {
		if !local {
			return Session{}, fmt.Errorf("%w: bind transport: %v", ErrSessionCreate, err)
		}
		r.logger.Warn("transport bind skipped for local session",
			slog.String("error", err.Error()))
	}

	r.install(ctx, sess)
	return sess, nil
}

// Join enters an existing session. Concurrent joins for the same id collapse
// into a single backend call.
func (r *Registry) Join(ctx context.Context, sessionID string) (Session, error) {
	v, err, _ := r.joins.Do(sessionID, func() (any, error) {
		local := false
		info, err := r.backend.JoinSession(ctx, sessionID)
		if err != nil {
			if !errors.Is(err, host.ErrUnavailable) {
				return nil, fmt.Errorf("%w: %v", ErrSessionJoin, err)
			}
			local = true
			info = host.SessionInfo{SessionID: sessionID, ParticipantCount: 1}
			r.logger.Warn("backend unreachable, joining session optimistically",
				slog.String("session_id", sessionID))
		}

		sess := sessionFromInfo(info, local)

		if err := r.link.Connect(ctx, sess.ID); err != nil {
			if !local {
				return nil, fmt.Errorf("%w: bind transport: %v", ErrSessionJoin, err)
			}
			r.logger.Warn("transport bind skipped for local session",
				slog.String("error", err.Error()))
		}

		r.install(ctx, sess)
		return sess, nil
	})
	if err != nil {
		return Session{}, err
	}
	return v.(Session), nil
}

// Leave disconnects the transport and clears session state. Calling it
// without a session is a no-op.
func (r *Registry) Leave() {
	r.mu.Lock()
	sess := r.current
	r.current = nil
	r.mu.Unlock()

	if sess == nil {
		return
	}

	r.link.Disconnect()

	sess.Status = StatusEnded
	r.publish(*sess)
	r.logger.Info("left session", slog.String("session_id", sess.ID))
}

// UpdateInfo merges a backend-sent session update into local state.
func (r *Registry) UpdateInfo(update protocol.SessionUpdatePayload) {
	r.mu.Lock()
	if r.current == nil || (update.SessionID != "" && update.SessionID != r.current.ID) {
		r.mu.Unlock()
		return
	}
	if update.Participants > 0 {
		r.current.ParticipantCount = update.Participants
	}
	if update.Status != "" {
		r.current.Status = update.Status
	}
	sess := *r.current
	r.mu.Unlock()

	r.publish(sess)
}

// Current returns a snapshot of the session, if any.
func (r *Registry) Current() (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Session{}, false
	}
	return *r.current, true
}

// CurrentID returns the active session id or the empty string.
func (r *Registry) CurrentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.ID
}

// IsInSession reports whether the client is in an active session.
func (r *Registry) IsInSession() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil && r.current.Status == StatusActive
}

func (r *Registry) install(ctx context.Context, sess Session) {
	r.mu.Lock()
	r.current = &sess
	r.mu.Unlock()

	if r.archive != nil {
		if err := r.archive.AppendSession(ctx, sess.ID, sess.Name); err != nil {
			r.logger.Warn("archive session failed", slog.String("error", err.Error()))
		}
	}

	r.publish(sess)
}

func (r *Registry) publish(sess Session) {
	if err := r.bus.PublishJSON(protocol.SubjectSessionUpdate, sess); err != nil {
		r.logger.Warn("publish session update failed", slog.String("error", err.Error()))
	}
}

func (r *Registry) handleSessionUpdate(msg *nats.Msg) {
	var update protocol.SessionUpdatePayload
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		r.logger.Warn("drop malformed session update", slog.String("error", err.Error()))
		return
	}
	r.UpdateInfo(update)
}

func sessionFromInfo(info host.SessionInfo, local bool) Session {
	createdAt := time.Now()
	if info.CreatedAt > 0 {
		sec := int64(info.CreatedAt)
		nsec := int64((info.CreatedAt - float64(sec)) * 1e9)
		createdAt = time.Unix(sec, nsec)
	}
	count := info.ParticipantCount
	if count < 1 {
		count = 1
	}
	return Session{
		ID:               info.SessionID,
		Name:             info.Name,
		CreatedAt:        createdAt,
		Status:           StatusActive,
		ParticipantCount: count,
		Local:            local,
	}
}
