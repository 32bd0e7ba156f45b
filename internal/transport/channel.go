package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/verbyflow/verbyflow-core/internal/bus"
	"github.com/verbyflow/verbyflow-core/internal/config"
	"github.com/verbyflow/verbyflow-core/internal/protocol"
)

// State is the channel's connection lifecycle state.
type State string

const (
	StateDisconnected    State = "disconnected"
	StateConnecting      State = "connecting"
	StateOpen            State = "open"
	StateClosedRetrying  State = "closed_retrying"
	StateClosedExhausted State = "closed_exhausted"
)

// ErrNoSession reports a Connect call without a session id.
var ErrNoSession = errors.New("no session id for transport connect")

// wsConn is the subset of *websocket.Conn the channel uses. Tests substitute
// an in-memory implementation through WithDialer.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a websocket connection to the given URL.
type Dialer func(ctx context.Context, url string) (wsConn, error)

func defaultDialer(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// liveConn pairs a websocket connection with the coordination needed to tear
// down its read/drain/ping loops exactly once.
type liveConn struct {
	ws      wsConn
	done    chan struct{}
	once    sync.Once
	writeMu sync.Mutex
}

func (l *liveConn) teardown() {
	l.once.Do(func() {
		close(l.done)
		_ = l.ws.Close()
	})
}

func (l *liveConn) write(messageType int, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.ws.WriteMessage(messageType, data)
}

// Channel is the reconnecting, ordered, bidirectional link to the backend.
// It carries binary audio frames outbound, synthesized speech inbound, and
// structured envelope messages both ways. Inbound traffic is routed onto the
// event bus; sends are fire-and-forget with typed error events on failure.
type Channel struct {
	cfg     config.TransportConfig
	backend config.BackendConfig
	bus     *bus.Client
	logger  *slog.Logger
	dial    Dialer

	mu        sync.Mutex
	state     State
	sessionID string
	current   *liveConn
	config    protocol.ConfigPayload
	queue     [][]byte
	attempts  int
	backoff   *backoff.ExponentialBackOff
	retryTmr  *time.Timer

	framesSent   metric.Int64Counter
	reconnects   metric.Int64Counter
	inboundCount metric.Int64Counter
}

// Option configures a Channel.
type Option func(*Channel)

// WithDialer overrides the websocket dialer (used by tests).
func WithDialer(d Dialer) Option {
	return func(c *Channel) { c.dial = d }
}

func NewChannel(cfg config.TransportConfig, backend config.BackendConfig, busClient *bus.Client, logger *slog.Logger, opts ...Option) *Channel {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(cfg.InitialBackoffMS) * time.Millisecond
	bo.Multiplier = cfg.BackoffFactor
	bo.MaxInterval = time.Duration(cfg.MaxBackoffMS) * time.Millisecond
	bo.RandomizationFactor = 0
	bo.Reset()

	c := &Channel{
		cfg:     cfg,
		backend: backend,
		bus:     busClient,
		logger:  logger.With(slog.String("component", "transport")),
		dial:    defaultDialer,
		state:   StateDisconnected,
		backoff: bo,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.initMetrics()
	return c
}

func (c *Channel) initMetrics() {
	meter := otel.Meter("github.com/verbyflow/verbyflow-core/transport")
	if counter, err := meter.Int64Counter("verbyflow.transport.frames_sent",
		metric.WithDescription("Audio frames drained to the backend")); err == nil {
		c.framesSent = counter
	}
	if counter, err := meter.Int64Counter("verbyflow.transport.reconnect_attempts",
		metric.WithDescription("Automatic reconnect attempts")); err == nil {
		c.reconnects = counter
	}
	if counter, err := meter.Int64Counter("verbyflow.transport.inbound_messages",
		metric.WithDescription("Structured messages received from the backend")); err == nil {
		c.inboundCount = counter
	}
}

// Connect opens the channel for the given session id and resolves once the
// socket is open. The current configuration is pushed before any other
// traffic. A failed dial is returned to the caller; automatic retry applies
// only to unexpected closures of an established connection.
func (c *Channel) Connect(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrNoSession
	}

	c.mu.Lock()
	c.cancelRetryLocked()
	if c.current != nil {
		c.current.teardown()
		c.current = nil
	}
	c.sessionID = sessionID
	c.queue = nil
	c.setStateLocked(StateConnecting, 0)
	url := fmt.Sprintf("%s/ws/%s", c.backend.WSURL, sessionID)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(c.backend.TimeoutMS)*time.Millisecond)
	defer cancel()

	conn, err := c.dial(dialCtx, url)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected, 0)
		c.mu.Unlock()
		c.publishError(protocol.ErrCodeConnectionFail, err)
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.onOpen(conn)
	return nil
}

// onOpen installs a fresh connection, resets the retry budget and starts the
// connection loops. The merged config goes out before the drain loop runs so
// the backend always has a configuration before audio arrives.
func (c *Channel) onOpen(conn wsConn) {
	lc := &liveConn{ws: conn, done: make(chan struct{})}

	c.mu.Lock()
	c.current = lc
	c.attempts = 0
	c.backoff.Reset()
	c.queue = nil
	cfg := c.config
	c.setStateLocked(StateOpen, 0)
	c.mu.Unlock()

	if data, err := protocol.Marshal(protocol.TypeConfig, cfg); err == nil {
		if err := lc.write(websocket.TextMessage, data); err != nil {
			c.publishError(protocol.ErrCodeConfigSend, err)
		}
	}

	go c.readLoop(lc)
	go c.drainLoop(lc)
	if c.cfg.PingIntervalMS > 0 {
		go c.pingLoop(lc)
	}
}

// SendAudio enqueues a frame for FIFO transmission. There is no backpressure:
// frames queued when the connection closes are dropped silently.
func (c *Channel) SendAudio(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, frame)
}

// QueueLen reports the number of frames awaiting transmission.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// SendConfig merges the partial configuration (last-write-wins per field) and
// transmits the full merged configuration when the channel is open. While
// closed, the merge still happens locally; the merged config goes out with the
// open handshake on the next connect.
func (c *Channel) SendConfig(partial protocol.ConfigPayload) {
	c.mu.Lock()
	if partial.Role != "" {
		c.config.Role = partial.Role
	}
	if partial.SourceLanguage != "" {
		c.config.SourceLanguage = partial.SourceLanguage
	}
	if partial.TargetLanguage != "" {
		c.config.TargetLanguage = partial.TargetLanguage
	}
	if partial.Username != "" {
		c.config.Username = partial.Username
	}
	merged := c.config
	lc := c.openConnLocked()
	c.mu.Unlock()

	if lc == nil {
		return
	}
	data, err := protocol.Marshal(protocol.TypeConfig, merged)
	if err != nil {
		c.publishError(protocol.ErrCodeConfigSend, err)
		return
	}
	if err := lc.write(websocket.TextMessage, data); err != nil {
		c.publishError(protocol.ErrCodeConfigSend, err)
	}
}

// Config returns the locally held merged configuration.
func (c *Channel) Config() protocol.ConfigPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

// RequestTTS asks the backend to synthesize speech. The result arrives later
// as a binary message; only one outstanding request is assumed at a time.
func (c *Channel) RequestTTS(text, language string) {
	c.mu.Lock()
	lc := c.openConnLocked()
	c.mu.Unlock()

	if lc == nil {
		c.publishError(protocol.ErrCodeTTSRequest, errors.New("channel not open"))
		return
	}
	data, err := protocol.Marshal(protocol.TypeTTS, protocol.TTSPayload{Text: text, Language: language})
	if err != nil {
		c.publishError(protocol.ErrCodeTTSRequest, err)
		return
	}
	if err := lc.write(websocket.TextMessage, data); err != nil {
		c.publishError(protocol.ErrCodeTTSRequest, err)
	}
}

// Disconnect closes the channel deliberately and clears the session binding.
// Deliberate closes never enter the retry path.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.cancelRetryLocked()
	lc := c.current
	c.current = nil
	c.sessionID = ""
	c.queue = nil
	c.attempts = 0
	c.backoff.Reset()
	c.setStateLocked(StateDisconnected, 0)
	c.mu.Unlock()

	if lc != nil {
		lc.teardown()
	}
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Channel) openConnLocked() *liveConn {
	if c.state != StateOpen {
		return nil
	}
	return c.current
}

func (c *Channel) setStateLocked(state State, attempt int) {
	c.state = state
	status := protocol.TransportStatus{
		State:     string(state),
		SessionID: c.sessionID,
		Attempt:   attempt,
		Timestamp: time.Now().UTC(),
	}
	if err := c.bus.PublishJSON(protocol.SubjectTransportState, status); err != nil {
		c.logger.Warn("failed to publish transport status", slog.String("error", err.Error()))
	}
}

func (c *Channel) cancelRetryLocked() {
	if c.retryTmr != nil {
		c.retryTmr.Stop()
		c.retryTmr = nil
	}
}

func (c *Channel) publishError(code string, err error) {
	c.logger.Warn("transport error", slog.String("code", code), slog.String("error", err.Error()))
	payload := protocol.TransportError{Code: code, Message: err.Error()}
	if pubErr := c.bus.PublishJSON(protocol.SubjectTransportError, payload); pubErr != nil {
		c.logger.Warn("failed to publish transport error", slog.String("error", pubErr.Error()))
	}
}

// readLoop dispatches inbound traffic until the connection dies. Binary
// messages are always synthesized speech; text messages are routed by
// envelope type. Unrecognized types are logged and dropped.
func (c *Channel) readLoop(lc *liveConn) {
	for {
		messageType, data, err := lc.ws.ReadMessage()
		if err != nil {
			c.handleClose(lc, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := c.bus.PublishBytes(protocol.SubjectTTSAudio, data); err != nil {
				c.logger.Warn("failed to publish synthesized audio", slog.String("error", err.Error()))
			}
		case websocket.TextMessage:
			c.routeEnvelope(data)
		}
	}
}

func (c *Channel) routeEnvelope(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.publishError(protocol.ErrCodeDecode, err)
		return
	}
	if c.inboundCount != nil {
		c.inboundCount.Add(context.Background(), 1)
	}

	switch env.Type {
	case protocol.TypeTranscript, protocol.TypeTranslation, protocol.TypeSessionUpdate, protocol.TypeError:
		subject := protocol.SubjectInbound + "." + env.Type
		if err := c.bus.PublishBytes(subject, env.Data); err != nil {
			c.logger.Warn("failed to publish inbound message",
				slog.String("type", env.Type), slog.String("error", err.Error()))
		}
		if env.Type == protocol.TypeError {
			c.logger.Warn("backend reported error", slog.String("payload", string(env.Data)))
		}
	case protocol.TypePong:
		// keepalive reply, nothing to do
	default:
		c.logger.Debug("dropping unrecognized message type", slog.String("type", env.Type))
	}
}

// drainLoop sends queued frames one at a time, paced by the minimum inter-send
// gap, only while this connection is the open one.
func (c *Channel) drainLoop(lc *liveConn) {
	gap := time.Duration(c.cfg.SendGapMS) * time.Millisecond
	if gap <= 0 {
		gap = time.Millisecond
	}
	ticker := time.NewTicker(gap)
	defer ticker.Stop()

	for {
		select {
		case <-lc.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.state != StateOpen || c.current != lc || len(c.queue) == 0 {
				c.mu.Unlock()
				continue
			}
			frame := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if err := lc.write(websocket.BinaryMessage, frame); err != nil {
				c.publishError(protocol.ErrCodeAudioSend, err)
				continue
			}
			if c.framesSent != nil {
				c.framesSent.Add(context.Background(), 1)
			}
		}
	}
}

func (c *Channel) pingLoop(lc *liveConn) {
	ticker := time.NewTicker(time.Duration(c.cfg.PingIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-lc.done:
			return
		case <-ticker.C:
			data, err := protocol.Marshal(protocol.TypePing, nil)
			if err != nil {
				continue
			}
			// A failed ping surfaces through the read loop's close handling.
			_ = lc.write(websocket.TextMessage, data)
		}
	}
}

// handleClose reacts to the platform-level close event. Deliberate closes were
// already transitioned by Disconnect; anything else enters the retry path
// until the budget is exhausted. Queued frames are dropped.
func (c *Channel) handleClose(lc *liveConn, cause error) {
	lc.teardown()

	c.mu.Lock()
	if c.current != lc {
		// Superseded by a newer connection or a deliberate disconnect.
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.queue = nil

	if c.sessionID == "" || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}

	c.attempts++
	attempt := c.attempts
	if attempt > c.cfg.RetryBudget {
		c.setStateLocked(StateClosedExhausted, attempt)
		c.mu.Unlock()
		c.publishError(protocol.ErrCodeWebsocket, cause)
		c.logger.Warn("reconnect budget exhausted", slog.Int("attempts", attempt-1))
		return
	}

	delay := c.backoff.NextBackOff()
	c.setStateLocked(StateClosedRetrying, attempt)
	c.cancelRetryLocked()
	c.retryTmr = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()

	c.publishError(protocol.ErrCodeWebsocket, cause)
	c.logger.Info("connection lost, scheduling reconnect",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))
}

func (c *Channel) reconnect() {
	c.mu.Lock()
	if c.state != StateClosedRetrying || c.sessionID == "" {
		c.mu.Unlock()
		return
	}
	url := fmt.Sprintf("%s/ws/%s", c.backend.WSURL, c.sessionID)
	c.mu.Unlock()

	if c.reconnects != nil {
		c.reconnects.Add(context.Background(), 1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.backend.TimeoutMS)*time.Millisecond)
	defer cancel()

	conn, err := c.dial(ctx, url)
	if err != nil {
		c.publishError(protocol.ErrCodeConnectionFail, err)
		// Re-enter the close path to schedule the next attempt.
		c.retryFailed()
		return
	}
	c.onOpen(conn)
}

func (c *Channel) retryFailed() {
	c.mu.Lock()
	if c.state != StateClosedRetrying || c.sessionID == "" {
		c.mu.Unlock()
		return
	}
	c.attempts++
	attempt := c.attempts
	if attempt > c.cfg.RetryBudget {
		c.setStateLocked(StateClosedExhausted, attempt)
		c.mu.Unlock()
		c.logger.Warn("reconnect budget exhausted", slog.Int("attempts", attempt-1))
		return
	}
	delay := c.backoff.NextBackOff()
	c.setStateLocked(StateClosedRetrying, attempt)
	c.cancelRetryLocked()
	c.retryTmr = time.AfterFunc(delay, c.reconnect)
	c.mu.Unlock()
}
