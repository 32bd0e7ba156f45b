package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/verbyflow/verbyflow-core/internal/bus"
	"github.com/verbyflow/verbyflow-core/internal/config"
	"github.com/verbyflow/verbyflow-core/internal/protocol"
)

// Engine owns the microphone stream. It publishes leveled s16le PCM frames on
// the bus while recording, and loudness measurements on every sampling tick.
// The device claim is exclusive for the lifetime of the engine.
type Engine struct {
	cfg    config.AudioConfig
	bus    *bus.Client
	logger *slog.Logger

	mu          sync.Mutex
	gain        float64
	initialized bool
	disposed    bool
	recording   bool
	meter       meter

	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(cfg config.AudioConfig, busClient *bus.Client, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "capture-engine")),
		gain:   ClampGain(cfg.Gain),
	}
}

// Initialize acquires the capture device at the configured rate and starts the
// level sampling loop. It fails with ErrInit when device access is denied or
// unavailable; callers must not retry without new user permission.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed {
		return ErrDisposed
	}
	if e.initialized {
		return nil
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: init context: %v", ErrInit, err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(e.cfg.Channels)
	deviceConfig.SampleRate = uint32(e.cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(e.cfg.FrameDurationMS)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			e.handleFrame(input)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		return fmt.Errorf("%w: init device: %v", ErrInit, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		return fmt.Errorf("%w: start device: %v", ErrInit, err)
	}

	e.malgoCtx = mctx
	e.device = device
	e.initialized = true

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.wg.Add(1)
	go e.runLevelLoop(loopCtx)

	e.logger.Info("capture device acquired",
		slog.Int("sample_rate", e.cfg.SampleRate),
		slog.Int("channels", e.cfg.Channels),
		slog.Bool("echo_cancellation", e.cfg.EchoCancellation),
		slog.Bool("noise_suppression", e.cfg.NoiseSuppression),
		slog.Bool("auto_gain_control", e.cfg.AutoGainControl))
	return nil
}

// StartRecording opens the active-capture window. A no-op when already
// recording; fails when Initialize has not completed.
func (e *Engine) StartRecording() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.disposed {
		return ErrDisposed
	}
	if !e.initialized {
		return ErrNotInitialized
	}
	if e.recording {
		return nil
	}
	e.meter.reset()
	e.recording = true
	e.logger.Info("recording started")
	return nil
}

// StopRecording closes the active-capture window. Idempotent.
func (e *Engine) StopRecording() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.recording {
		return
	}
	e.recording = false
	e.logger.Info("recording stopped")
}

func (e *Engine) IsRecording() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recording
}

// SetGain applies a new gain immediately; values are clamped to [0, 2].
func (e *Engine) SetGain(gain float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gain = ClampGain(gain)
}

func (e *Engine) Gain() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gain
}

// handleFrame runs on the device callback. Gain is applied ahead of both
// metering and the encoded frame so the two observe the same signal.
func (e *Engine) handleFrame(raw []byte) {
	e.mu.Lock()
	if !e.recording {
		e.mu.Unlock()
		return
	}
	samples := DecodeF32(raw)
	ApplyGain(samples, e.gain)
	e.meter.observe(samples)
	e.mu.Unlock()

	pcm := EncodePCM(samples)
	if err := e.bus.PublishBytes(protocol.SubjectAudioFrame, pcm); err != nil {
		e.logger.Warn("failed to publish audio frame", slog.String("error", err.Error()))
	}
}

func (e *Engine) runLevelLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(time.Duration(e.cfg.LevelIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.emitLevel()
		}
	}
}

func (e *Engine) emitLevel() {
	e.mu.Lock()
	if !e.recording {
		e.mu.Unlock()
		return
	}
	level := e.meter.tick()
	e.mu.Unlock()

	if err := e.bus.PublishJSON(protocol.SubjectAudioLevel, level); err != nil {
		e.logger.Warn("failed to publish audio level", slog.String("error", err.Error()))
	}
}

// Dispose releases the device stream and halts level sampling. Safe to call
// multiple times.
func (e *Engine) Dispose() {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	e.disposed = true
	e.recording = false
	e.initialized = false
	cancel := e.cancel
	device := e.device
	mctx := e.malgoCtx
	e.cancel = nil
	e.device = nil
	e.malgoCtx = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	if device != nil {
		_ = device.Stop()
		device.Uninit()
	}
	if mctx != nil {
		_ = mctx.Uninit()
	}
	e.logger.Info("capture engine disposed")
}
