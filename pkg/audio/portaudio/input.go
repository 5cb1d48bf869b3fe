package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/lessonvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice = (*Input)(nil)
	_ audio.InputStream = (*inputStream)(nil)
)

// Input opens microphone streams through PortAudio.
type Input struct{}

// NewInput returns an [audio.InputDevice] backed by PortAudio.
func NewInput() *Input { return &Input{} }

// OpenInput acquires the configured microphone and starts delivering blocks of
// cfg.FramesPerBuffer samples. If the device rejects cfg.SampleRate the stream
// falls back to the device's default rate; callers read the effective rate via
// [audio.InputStream.SampleRate].
//
// PortAudio exposes no echo cancellation, noise suppression or gain control;
// requests for them are logged and otherwise ignored.
func (i *Input) OpenInput(ctx context.Context, cfg audio.DeviceConfig) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acquire(); err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}

	dev, err := findDevice(cfg.DeviceName, true)
	if err != nil {
		release()
		return nil, err
	}
	if cfg.EchoCancellation || cfg.NoiseSuppression || cfg.AutoGainControl {
		slog.Info("portaudio: input processing not available on this backend",
			"echo_cancellation", cfg.EchoCancellation,
			"noise_suppression", cfg.NoiseSuppression,
			"auto_gain_control", cfg.AutoGainControl,
		)
	}

	frames := cfg.FramesPerBuffer
	if frames <= 0 {
		frames = audio.DefaultBlockSize
	}

	s := &inputStream{
		ch:     make(chan audio.CaptureBlock, 1),
		frames: frames,
		begin:  time.Now(),
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = audio.InputSampleRate
	}
	stream, err := s.open(dev, rate)
	if err != nil && int(dev.DefaultSampleRate) != rate {
		slog.Warn("portaudio: sample rate rejected, using device default",
			"requested", rate,
			"device_default", dev.DefaultSampleRate,
			"err", err,
		)
		rate = int(dev.DefaultSampleRate)
		stream, err = s.open(dev, rate)
	}
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: open input stream: %v", audio.ErrDeviceUnavailable, err)
	}
	s.stream = stream
	s.rate = rate

	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, fmt.Errorf("%w: start input stream: %v", audio.ErrDeviceUnavailable, err)
	}

	slog.Debug("portaudio: input stream started",
		"device", dev.Name,
		"sample_rate", rate,
		"frames_per_buffer", frames,
	)
	return s, nil
}

// inputStream is one running PortAudio capture stream.
type inputStream struct {
	stream  *pa.Stream
	ch      chan audio.CaptureBlock
	frames  int
	rate    int
	begin   time.Time
	dropped atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

func (s *inputStream) open(dev *pa.DeviceInfo, rate int) (*pa.Stream, error) {
	return pa.OpenStream(pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: s.frames,
	}, s.process)
}

// process runs on the PortAudio callback thread. It must never block.
func (s *inputStream) process(in []float32) {
	samples := make([]float32, len(in))
	copy(samples, in)
	block := audio.CaptureBlock{
		Samples:    samples,
		SampleRate: s.rate,
		Channels:   1,
		Timestamp:  time.Since(s.begin),
	}
	select {
	case s.ch <- block:
	default:
		s.dropped.Add(1)
	}
}

// Blocks implements [audio.InputStream].
func (s *inputStream) Blocks() <-chan audio.CaptureBlock { return s.ch }

// SampleRate implements [audio.InputStream].
func (s *inputStream) SampleRate() int { return s.rate }

// Dropped implements [audio.InputStream].
func (s *inputStream) Dropped() int64 { return s.dropped.Load() }

// Close implements [audio.InputStream]. The callback is stopped before the
// block channel is closed so no send can race the close.
func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		if err := s.stream.Stop(); err != nil {
			s.closeErr = fmt.Errorf("portaudio: stop input stream: %w", err)
		}
		if err := s.stream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = fmt.Errorf("portaudio: close input stream: %w", err)
		}
		close(s.ch)
		release()
	})
	return s.closeErr
}
