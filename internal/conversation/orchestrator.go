package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/verbyflow/verbyflow-core/internal/bus"
	"github.com/verbyflow/verbyflow-core/internal/config"
	"github.com/verbyflow/verbyflow-core/internal/history"
	"github.com/verbyflow/verbyflow-core/internal/host"
	"github.com/verbyflow/verbyflow-core/internal/protocol"
	"github.com/verbyflow/verbyflow-core/internal/transport"
)

// Role determines which side of the call this client takes. The speaker's
// microphone feeds the translation pipeline; the listener hears the result.
type Role string

const (
	RoleSpeaker  Role = "speaker"
	RoleListener Role = "listener"
)

var (
	// ErrNotInSession reports a conversation start without an active session.
	ErrNotInSession = errors.New("conversation: not in a session")
	// ErrRoleChange reports a failed role transition; the previous role is kept.
	ErrRoleChange = errors.New("conversation: role change failed")
	// ErrDisposed reports use after Dispose.
	ErrDisposed = errors.New("conversation: disposed")
)

// StateSnapshot is the full conversation state published after every
// mutating event.
type StateSnapshot struct {
	Active         bool                `json:"active"`
	Role           Role                `json:"role"`
	SourceLanguage string              `json:"sourceLanguage"`
	TargetLanguage string              `json:"targetLanguage"`
	AudioLevel     protocol.AudioLevel `json:"audioLevel"`
	Transcripts    []TranscriptItem    `json:"transcripts"`
}

// captureEngine is the slice of the audio engine the orchestrator drives.
type captureEngine interface {
	StartRecording() error
	StopRecording()
	Dispose()
}

// callLink is the slice of the transport channel the orchestrator uses.
type callLink interface {
	SendAudio(frame []byte)
	SendConfig(partial protocol.ConfigPayload)
	RequestTTS(text, language string)
}

// sessionSource answers whether the client currently sits in a session.
type sessionSource interface {
	IsInSession() bool
	CurrentID() string
}

// transcriptArchive persists finalized ledger entries.
type transcriptArchive interface {
	AppendTranscript(ctx context.Context, row history.Transcript) error
	AttachTranslation(ctx context.Context, sessionID, transcriptID, text, targetLanguage string) error
}

// exporter writes transcript exports.
type exporter interface {
	ExportTranscript(items []host.TranscriptExportItem, filename string) (string, error)
}

// Orchestrator coordinates capture, transport and the transcript ledger for
// one conversation at a time.
type Orchestrator struct {
	cfg      config.SessionConfig
	bus      *bus.Client
	logger   *slog.Logger
	capture  captureEngine
	link     callLink
	sessions sessionSource
	archive  transcriptArchive
	export   exporter
	player   Player

	mu         sync.Mutex
	role       Role
	active     bool
	disposed   bool
	sourceLang string
	targetLang string
	level      protocol.AudioLevel
	ledger     ledger

	subs []*nats.Subscription
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPlayer overrides the playback backend (used by tests).
func WithPlayer(p Player) Option {
	return func(o *Orchestrator) { o.player = p }
}

// WithExporter wires the transcript export sink.
func WithExporter(e exporter) Option {
	return func(o *Orchestrator) { o.export = e }
}

// WithArchive wires the transcript history archive.
func WithArchive(a transcriptArchive) Option {
	return func(o *Orchestrator) { o.archive = a }
}

// New creates a conversation orchestrator.
func New(cfg config.SessionConfig, capture captureEngine, link callLink, sessions sessionSource, busClient *bus.Client, logger *slog.Logger, opts ...Option) *Orchestrator {
	log := logger.With(slog.String("component", "conversation"))
	o := &Orchestrator{
		cfg:        cfg,
		bus:        busClient,
		logger:     log,
		capture:    capture,
		link:       link,
		sessions:   sessions,
		role:       RoleListener,
		sourceLang: cfg.SourceLanguage,
		targetLang: cfg.TargetLanguage,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.player == nil {
		o.player = newOtoPlayer(log)
	}
	return o
}

// Run subscribes the orchestrator to its bus inputs.
func (o *Orchestrator) Run() error {
	handlers := []struct {
		subject string
		fn      nats.MsgHandler
	}{
		{protocol.SubjectAudioFrame, o.onAudioFrame},
		{protocol.SubjectAudioLevel, o.onAudioLevel},
		{protocol.SubjectInbound + "." + protocol.TypeTranscript, o.onTranscript},
		{protocol.SubjectInbound + "." + protocol.TypeTranslation, o.onTranslation},
		{protocol.SubjectInbound + "." + protocol.TypeError, o.onBackendError},
		{protocol.SubjectTTSAudio, o.onTTSAudio},
		{protocol.SubjectTransportState, o.onTransportStatus},
	}
	for _, h := range handlers {
		sub, err := o.bus.Conn().Subscribe(h.subject, h.fn)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		o.subs = append(o.subs, sub)
	}
	return nil
}

// Start begins a conversation in the current session. The ledger is cleared
// for the new call.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	if !o.sessions.IsInSession() {
		o.mu.Unlock()
		return ErrNotInSession
	}
	if o.active {
		o.mu.Unlock()
		return nil
	}
	o.active = true
	o.role = RoleListener
	o.ledger.reset()
	o.level = protocol.AudioLevel{}
	src, tgt := o.sourceLang, o.targetLang
	o.mu.Unlock()

	o.link.SendConfig(protocol.ConfigPayload{
		Role:           string(RoleListener),
		SourceLanguage: src,
		TargetLanguage: tgt,
		Username:       o.cfg.Username,
	})

	o.logger.Info("conversation started", slog.String("role", string(RoleListener)))
	o.emitState()
	return nil
}

// Stop ends the conversation. Capture halts; the role is kept for the next
// call.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.active {
		o.mu.Unlock()
		return
	}
	o.active = false
	role := o.role
	o.mu.Unlock()

	if role == RoleSpeaker {
		o.capture.StopRecording()
	}

	o.logger.Info("conversation stopped")
	o.emitState()
}

// SetRole switches between speaking and listening. A failed capture start
// leaves the previous role in place.
func (o *Orchestrator) SetRole(role Role) error {
	if role != RoleSpeaker && role != RoleListener {
		return fmt.Errorf("%w: unknown role %q", ErrRoleChange, role)
	}

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	if o.role == role {
		o.mu.Unlock()
		return nil
	}
	active := o.active
	o.mu.Unlock()

	if active {
		if role == RoleSpeaker {
			if err := o.capture.StartRecording(); err != nil {
				return fmt.Errorf("%w: %v", ErrRoleChange, err)
			}
		} else {
			o.capture.StopRecording()
		}
	}

	o.mu.Lock()
	o.role = role
	o.mu.Unlock()

	o.link.SendConfig(protocol.ConfigPayload{Role: string(role)})
	o.logger.Info("role changed", slog.String("role", string(role)))
	if err := o.bus.PublishJSON(protocol.SubjectRole, map[string]string{"role": string(role)}); err != nil {
		o.logger.Warn("publish role change failed", slog.String("error", err.Error()))
	}
	o.emitState()
	return nil
}

// ToggleRole flips speaker and listener.
func (o *Orchestrator) ToggleRole() error {
	o.mu.Lock()
	next := RoleSpeaker
	if o.role == RoleSpeaker {
		next = RoleListener
	}
	o.mu.Unlock()
	return o.SetRole(next)
}

// SetLanguages updates the translation pair and pushes it to the backend.
func (o *Orchestrator) SetLanguages(source, target string) {
	o.mu.Lock()
	if source != "" {
		o.sourceLang = source
	}
	if target != "" {
		o.targetLang = target
	}
	src, tgt := o.sourceLang, o.targetLang
	o.mu.Unlock()

	o.link.SendConfig(protocol.ConfigPayload{SourceLanguage: src, TargetLanguage: tgt})
	o.emitState()
}

// Speak asks the backend to synthesize text in the target language.
func (o *Orchestrator) Speak(text string) {
	if text == "" {
		return
	}
	o.mu.Lock()
	lang := o.targetLang
	o.mu.Unlock()
	o.link.RequestTTS(text, lang)
}

// Role returns the current role.
func (o *Orchestrator) Role() Role {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.role
}

// Active reports whether a conversation is running.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Transcripts returns the ledger ordered by timestamp.
func (o *Orchestrator) Transcripts() []TranscriptItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ledger.snapshot()
}

// State returns the full conversation snapshot.
func (o *Orchestrator) State() StateSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// Export writes the current ledger to a transcript file.
func (o *Orchestrator) Export(filename string) (string, error) {
	if o.export == nil {
		return "", errors.New("conversation: no export sink configured")
	}

	username := o.cfg.Username
	if username == "" {
		username = "You"
	}

	items := o.Transcripts()
	rows := make([]host.TranscriptExportItem, 0, len(items))
	for _, item := range items {
		speaker := "Partner"
		if item.IsSelf {
			speaker = username
		}
		rows = append(rows, host.TranscriptExportItem{
			Timestamp:   item.Timestamp,
			Speaker:     speaker,
			Text:        item.Text,
			Translation: item.Translation,
		})
	}
	return o.export.ExportTranscript(rows, filename)
}

// Dispose stops the conversation and releases subscriptions and playback.
// It is safe to call more than once.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	o.mu.Unlock()

	o.Stop()

	for _, sub := range o.subs {
		sub.Unsubscribe()
	}
	o.subs = nil

	o.capture.Dispose()
	if err := o.player.Close(); err != nil {
		o.logger.Warn("close playback failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) onAudioFrame(msg *nats.Msg) {
	o.mu.Lock()
	forward := o.active && o.role == RoleSpeaker
	o.mu.Unlock()
	if !forward {
		return
	}
	o.link.SendAudio(msg.Data)
}

func (o *Orchestrator) onAudioLevel(msg *nats.Msg) {
	var level protocol.AudioLevel
	if err := json.Unmarshal(msg.Data, &level); err != nil {
		return
	}
	o.mu.Lock()
	o.level = level
	o.mu.Unlock()
	o.emitState()
}

func (o *Orchestrator) onTranscript(msg *nats.Msg) {
	var payload protocol.TranscriptPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		o.logger.Warn("drop malformed transcript", slog.String("error", err.Error()))
		return
	}
	if payload.ID == "" {
		o.logger.Warn("drop transcript without id")
		return
	}

	o.mu.Lock()
	item := o.ledger.upsert(payload, o.role == RoleSpeaker)
	o.mu.Unlock()

	if err := o.bus.PublishJSON(protocol.SubjectTranscript, item); err != nil {
		o.logger.Warn("publish transcript failed", slog.String("error", err.Error()))
	}

	if item.IsFinal && o.archive != nil {
		row := history.Transcript{
			SessionID:      o.sessions.CurrentID(),
			TranscriptID:   item.ID,
			Self:           item.IsSelf,
			Text:           item.Text,
			Translation:    item.Translation,
			SourceLanguage: item.SourceLanguage,
			TargetLanguage: item.TargetLanguage,
			Final:          true,
			SpokenAt:       item.Timestamp,
		}
		if err := o.archive.AppendTranscript(context.Background(), row); err != nil {
			o.logger.Warn("archive transcript failed", slog.String("error", err.Error()))
		}
	}

	o.emitState()
}

func (o *Orchestrator) onTranslation(msg *nats.Msg) {
	var payload protocol.TranslationPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		o.logger.Warn("drop malformed translation", slog.String("error", err.Error()))
		return
	}

	o.mu.Lock()
	item, ok := o.ledger.attach(payload)
	o.mu.Unlock()
	if !ok {
		o.logger.Debug("drop translation for unknown transcript", slog.String("id", payload.ID))
		return
	}

	if err := o.bus.PublishJSON(protocol.SubjectTranslation, item); err != nil {
		o.logger.Warn("publish translation failed", slog.String("error", err.Error()))
	}

	if o.archive != nil {
		err := o.archive.AttachTranslation(context.Background(), o.sessions.CurrentID(), item.ID, item.Translation, item.TargetLanguage)
		if err != nil {
			o.logger.Warn("archive translation failed", slog.String("error", err.Error()))
		}
	}

	o.emitState()
}

func (o *Orchestrator) onBackendError(msg *nats.Msg) {
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		return
	}
	o.logger.Warn("backend error",
		slog.String("code", payload.Code),
		slog.String("message", payload.Message))
}

// onTTSAudio plays a synthesized clip. Decode failures are logged and leave
// conversation state untouched.
func (o *Orchestrator) onTTSAudio(msg *nats.Msg) {
	pcm, rate, channels, err := decodeWAV(msg.Data)
	if err != nil {
		o.logger.Warn("drop undecodable tts clip", slog.String("error", err.Error()))
		return
	}
	if err := o.player.Play(pcm, rate, channels); err != nil {
		o.logger.Warn("playback failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) onTransportStatus(msg *nats.Msg) {
	var status protocol.TransportStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		return
	}
	lost := status.State == string(transport.StateClosedRetrying) ||
		status.State == string(transport.StateClosedExhausted)
	if !lost {
		return
	}

	o.mu.Lock()
	active := o.active
	o.mu.Unlock()
	if !active {
		return
	}

	o.logger.Warn("transport lost, stopping conversation", slog.String("state", status.State))
	o.Stop()
}

func (o *Orchestrator) snapshotLocked() StateSnapshot {
	return StateSnapshot{
		Active:         o.active,
		Role:           o.role,
		SourceLanguage: o.sourceLang,
		TargetLanguage: o.targetLang,
		AudioLevel:     o.level,
		Transcripts:    o.ledger.snapshot(),
	}
}

func (o *Orchestrator) emitState() {
	o.mu.Lock()
	snap := o.snapshotLocked()
	o.mu.Unlock()

	if err := o.bus.PublishJSON(protocol.SubjectState, snap); err != nil {
		o.logger.Warn("publish conversation state failed", slog.String("error", err.Error()))
	}
}
