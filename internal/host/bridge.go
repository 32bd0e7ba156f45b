package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verbyflow/verbyflow-core/internal/config"
)

// ErrUnavailable reports that the backend host could not be reached at all.
// Callers may degrade to a local session instead of failing the operation.
var ErrUnavailable = errors.New("host: backend unavailable")

// SessionInfo mirrors the backend's session resource.
type SessionInfo struct {
	SessionID        string  `json:"session_id"`
	Name             string  `json:"name"`
	CreatedAt        float64 `json:"created_at"`
	LastActivity     float64 `json:"last_activity"`
	ParticipantCount int     `json:"participant_count"`
	MaxParticipants  int     `json:"max_participants"`
}

// TranscriptExportItem is one line of a transcript export.
type TranscriptExportItem struct {
	Timestamp   time.Time
	Speaker     string
	Text        string
	Translation string
}

// Bridge is the HTTP client for the session backend's REST surface.
type Bridge struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	exportDir  string
}

// NewBridge creates a backend bridge from config.
func NewBridge(cfg config.BackendConfig, logger *slog.Logger) *Bridge {
	return &Bridge{
		baseURL: strings.TrimRight(cfg.HTTPURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		},
		logger:    logger.With(slog.String("component", "host")),
		exportDir: ".",
	}
}

type sessionEnvelope struct {
	Status  string      `json:"status"`
	Session SessionInfo `json:"session"`
	Message string      `json:"message"`
}

type sessionListEnvelope struct {
	Status   string        `json:"status"`
	Sessions []SessionInfo `json:"sessions"`
}

// CreateSession asks the backend to allocate a new session.
func (b *Bridge) CreateSession(ctx context.Context, name string, maxParticipants int) (SessionInfo, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	if maxParticipants > 0 {
		q.Set("max_participants", strconv.Itoa(maxParticipants))
	}
	endpoint := b.baseURL + "/sessions"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("create session request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return SessionInfo{}, b.wrapTransportErr("create session", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return SessionInfo{}, fmt.Errorf("create session: backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env sessionEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return SessionInfo{}, fmt.Errorf("create session: decode response: %w", err)
	}
	if env.Status != "ok" {
		return SessionInfo{}, fmt.Errorf("create session: backend status %q: %s", env.Status, env.Message)
	}

	b.logger.Info("session created on backend",
		slog.String("session_id", env.Session.SessionID),
		slog.String("name", env.Session.Name))

	return env.Session, nil
}

// JoinSession validates that the session exists on the backend and has room.
// The actual membership handshake rides on the websocket connect.
func (b *Bridge) JoinSession(ctx context.Context, sessionID string) (SessionInfo, error) {
	sessions, err := b.ListSessions(ctx)
	if err != nil {
		return SessionInfo{}, err
	}
	for _, s := range sessions {
		if s.SessionID != sessionID {
			continue
		}
		if s.MaxParticipants > 0 && s.ParticipantCount >= s.MaxParticipants {
			return SessionInfo{}, fmt.Errorf("join session %s: session is full", sessionID)
		}
		return s, nil
	}
	return SessionInfo{}, fmt.Errorf("join session %s: session not found", sessionID)
}

// ListSessions retrieves the active sessions known to the backend.
func (b *Bridge) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/sessions", nil)
	if err != nil {
		return nil, fmt.Errorf("list sessions request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, b.wrapTransportErr("list sessions", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list sessions: backend returned %d", resp.StatusCode)
	}

	var env sessionListEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("list sessions: decode response: %w", err)
	}
	return env.Sessions, nil
}

// Healthy probes the backend's root endpoint.
func (b *Bridge) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/", nil)
	if err != nil {
		return false
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

// SetExportDir overrides where transcript exports are written.
func (b *Bridge) SetExportDir(dir string) {
	if dir != "" {
		b.exportDir = dir
	}
}

// ExportTranscript writes the conversation to a plain-text file and returns
// the path. An empty filename gets a generated one.
func (b *Bridge) ExportTranscript(items []TranscriptExportItem, filename string) (string, error) {
	if filename == "" {
		filename = fmt.Sprintf("verbyflow-transcript-%s.txt", uuid.NewString())
	}
	if !strings.HasSuffix(filename, ".txt") {
		filename += ".txt"
	}

	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(fmt.Sprintf("[%s] %s: %s\n", item.Timestamp.Format("15:04:05"), item.Speaker, item.Text))
		if item.Translation != "" {
			sb.WriteString(fmt.Sprintf("    -> %s\n", item.Translation))
		}
	}

	path := filepath.Join(b.exportDir, filename)
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("export transcript: %w", err)
	}

	b.logger.Info("transcript exported",
		slog.String("path", path),
		slog.Int("entries", len(items)))

	return path, nil
}

func (b *Bridge) wrapTransportErr(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
