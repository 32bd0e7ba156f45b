package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/verbyflow/verbyflow-core/internal/audio"
	"github.com/verbyflow/verbyflow-core/internal/bus"
	"github.com/verbyflow/verbyflow-core/internal/config"
	"github.com/verbyflow/verbyflow-core/internal/conversation"
	"github.com/verbyflow/verbyflow-core/internal/history"
	"github.com/verbyflow/verbyflow-core/internal/host"
	"github.com/verbyflow/verbyflow-core/internal/natsserver"
	"github.com/verbyflow/verbyflow-core/internal/session"
	"github.com/verbyflow/verbyflow-core/internal/transport"
)

// Runtime wires the client core together: event bus, transcript archive,
// backend bridge, transport channel, audio engine, session registry and the
// conversation orchestrator.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	autoCreate string
	autoJoin   string
	autoRole   conversation.Role

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *history.Store
	bridge   *host.Bridge
	channel  *transport.Channel
	engine   *audio.Engine
	registry *session.Registry
	conv     *conversation.Orchestrator

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithAutoCreate makes the runtime create a session and start a conversation
// once it is up.
func WithAutoCreate(name string) Option {
	return func(r *Runtime) { r.autoCreate = name }
}

// WithAutoJoin makes the runtime join an existing session once it is up.
func WithAutoJoin(sessionID string) Option {
	return func(r *Runtime) { r.autoJoin = sessionID }
}

// WithRole sets the role taken when a conversation auto-starts.
func WithRole(role conversation.Role) Option {
	return func(r *Runtime) { r.autoRole = role }
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		autoRole: conversation.RoleListener,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry exposes the session registry for embedding applications.
func (r *Runtime) Registry() *session.Registry { return r.registry }

// Conversation exposes the orchestrator for embedding applications.
func (r *Runtime) Conversation() *conversation.Orchestrator { return r.conv }

// Start brings the client up and blocks until ctx is cancelled, then shuts
// everything down in reverse dependency order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient

	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open transcript archive: %w", err)
	}
	r.store = store

	r.bridge = host.NewBridge(r.cfg.Backend, r.logger)
	if !r.bridge.Healthy(ctx) {
		r.logger.Warn("translation backend not reachable, sessions will be local until it returns",
			slog.String("url", r.cfg.Backend.HTTPURL))
	}
	r.channel = transport.NewChannel(r.cfg.Transport, r.cfg.Backend, busClient, r.logger)

	r.engine = audio.NewEngine(r.cfg.Audio, busClient, r.logger)
	if err := r.engine.Initialize(ctx); err != nil {
		// No capture device is survivable: the client can still listen.
		r.logger.Warn("audio engine unavailable", slog.String("error", err.Error()))
	}

	r.registry = session.NewRegistry(r.cfg.Session, r.bridge, r.channel, store, busClient, r.logger)
	if err := r.registry.Start(); err != nil {
		return fmt.Errorf("failed to start session registry: %w", err)
	}

	r.conv = conversation.New(r.cfg.Session, r.engine, r.channel, r.registry, busClient, r.logger,
		conversation.WithArchive(store),
		conversation.WithExporter(r.bridge))
	if err := r.conv.Run(); err != nil {
		return fmt.Errorf("failed to start conversation orchestrator: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/devices", r.handleDevices)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("client runtime started", slog.String("addr", addr))

	if err := r.autoStart(ctx); err != nil {
		r.logger.Error("auto-start failed", slog.String("error", err.Error()))
	}

	<-ctx.Done()
	r.logger.Info("client runtime stopping")
	r.ready.Store(false)

	r.conv.Dispose()
	r.registry.Leave()
	r.registry.Close()
	r.engine.Dispose()
	r.channel.Disconnect()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if err := r.store.Close(); err != nil {
		r.logger.Error("archive close error", slog.String("error", err.Error()))
	}
	r.bus.Close()
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) autoStart(ctx context.Context) error {
	switch {
	case r.autoCreate != "":
		sess, err := r.registry.Create(ctx, r.autoCreate)
		if err != nil {
			return err
		}
		r.logger.Info("session created", slog.String("session_id", sess.ID))
	case r.autoJoin != "":
		sess, err := r.registry.Join(ctx, r.autoJoin)
		if err != nil {
			return err
		}
		r.logger.Info("session joined", slog.String("session_id", sess.ID))
	default:
		return nil
	}

	if err := r.conv.Start(); err != nil {
		return err
	}
	if r.autoRole != conversation.RoleListener {
		if err := r.conv.SetRole(r.autoRole); err != nil {
			r.logger.Warn("initial role not applied", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.bus.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("bus unavailable"))
}

// handleDevices lists capture devices for UI shells that let the user pick a
// microphone.
func (r *Runtime) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices, err := audio.ListDevices()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(devices); err != nil {
		r.logger.Warn("encode device list failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
