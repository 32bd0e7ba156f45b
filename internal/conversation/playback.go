package conversation

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/go-audio/wav"
)

// Player renders synthesized speech. The default implementation talks to the
// OS audio device; tests substitute their own.
type Player interface {
	Play(pcm []byte, sampleRate, channels int) error
	Close() error
}

// decodeWAV extracts s16le PCM from a RIFF/WAV clip.
func decodeWAV(data []byte) (pcm []byte, sampleRate, channels int, err error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, 0, errors.New("not a valid wav clip")
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, 0, 0, errors.New("empty wav clip")
	}

	shift := int(dec.BitDepth) - 16
	pcm = make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		if shift > 0 {
			s >>= shift
		} else if shift < 0 {
			s <<= -shift
		}
		if s > 32767 {
			s = 32767
		} else if s < -32768 {
			s = -32768
		}
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	return pcm, buf.Format.SampleRate, buf.Format.NumChannels, nil
}

// otoPlayer plays PCM clips through the system output device. The underlying
// context is created on the first clip and its sample rate is fixed after
// that; later clips with a different rate are played as-is.
type otoPlayer struct {
	logger *slog.Logger

	mu         sync.Mutex
	ctx        *oto.Context
	sampleRate int
	channels   int
	wg         sync.WaitGroup
	closed     bool
}

func newOtoPlayer(logger *slog.Logger) *otoPlayer {
	return &otoPlayer{logger: logger}
}

func (p *otoPlayer) Play(pcm []byte, sampleRate, channels int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.New("player closed")
	}
	if p.ctx == nil {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			p.mu.Unlock()
			return fmt.Errorf("init playback context: %w", err)
		}
		<-ready
		p.ctx = ctx
		p.sampleRate = sampleRate
		p.channels = channels
	}
	if sampleRate != p.sampleRate || channels != p.channels {
		p.logger.Warn("clip format differs from playback context",
			slog.Int("clip_rate", sampleRate),
			slog.Int("context_rate", p.sampleRate))
	}
	ctx := p.ctx
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		player := ctx.NewPlayer(bytes.NewReader(pcm))
		player.Play()
		for player.IsPlaying() {
			time.Sleep(10 * time.Millisecond)
		}
		player.Close()
	}()
	return nil
}

func (p *otoPlayer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	return nil
}
