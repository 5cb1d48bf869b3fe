// Package capture taps a microphone and turns its fixed-size blocks into
// wire-ready PCM frames.
//
// A [Pipeline] owns one [audio.InputStream] for its lifetime. Blocks flow from
// the device callback into a single-slot channel and from there to a pump
// goroutine that resamples (when the device cannot run at the wire rate),
// encodes, and hands each frame to the caller's onFrame function. The device
// side never waits for the pump: when the slot is still full the new block is
// dropped and counted.
//
// Typical lifecycle:
//
//	p := capture.New(dev, capture.WithBlockSize(4096))
//	if err := p.Open(ctx); err != nil { ... }  // acquire the microphone early
//	_ = p.Start(ctx, func(f audio.EncodedFrame) { transport.Send(f) })
//	defer p.Stop()
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/lessonvoice/internal/observe"
	"github.com/MrWong99/lessonvoice/pkg/audio"
)

// ErrStopped is returned by Open and Start once [Pipeline.Stop] has run.
var ErrStopped = errors.New("capture: pipeline stopped")

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithBlockSize sets the number of samples per captured block.
// Default: [audio.DefaultBlockSize].
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithSampleRate sets the rate frames are encoded at. Default:
// [audio.InputSampleRate].
func WithSampleRate(hz int) Option {
	return func(p *Pipeline) {
		if hz > 0 {
			p.sampleRate = hz
		}
	}
}

// WithDeviceName selects a microphone by name. Empty uses the default device.
func WithDeviceName(name string) Option {
	return func(p *Pipeline) { p.deviceName = name }
}

// WithProcessing requests echo cancellation, noise suppression and automatic
// gain control from the device. All three are requested by default.
func WithProcessing(echo, noise, agc bool) Option {
	return func(p *Pipeline) {
		p.echoCancellation = echo
		p.noiseSuppression = noise
		p.autoGainControl = agc
	}
}

// WithMetrics records dropped blocks on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// Pipeline is the microphone side of a voice session. It is safe for
// concurrent use; Stop may be called from any goroutine at any time.
// A Pipeline is single use: after Stop it never acquires the device again.
type Pipeline struct {
	dev              audio.InputDevice
	blockSize        int
	sampleRate       int
	deviceName       string
	echoCancellation bool
	noiseSuppression bool
	autoGainControl  bool
	metrics          *observe.Metrics

	mu      sync.Mutex
	stopped bool
	stream  audio.InputStream
	cancel context.CancelFunc
	done   chan struct{}

	frames  atomic.Int64
	dropped atomic.Int64
}

// New creates a Pipeline that will acquire its microphone from dev.
func New(dev audio.InputDevice, opts ...Option) *Pipeline {
	p := &Pipeline{
		dev:              dev,
		blockSize:        audio.DefaultBlockSize,
		sampleRate:       audio.InputSampleRate,
		echoCancellation: true,
		noiseSuppression: true,
		autoGainControl:  true,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open acquires the microphone without starting delivery. Calling Open on an
// already open pipeline is a no-op. Errors wrap [audio.ErrDeviceUnavailable].
func (p *Pipeline) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openLocked(ctx)
}

func (p *Pipeline) openLocked(ctx context.Context) error {
	if p.stopped {
		return ErrStopped
	}
	if p.stream != nil {
		return nil
	}
	stream, err := p.dev.OpenInput(ctx, audio.DeviceConfig{
		DeviceName:       p.deviceName,
		SampleRate:       p.sampleRate,
		Channels:         1,
		FramesPerBuffer:  p.blockSize,
		EchoCancellation: p.echoCancellation,
		NoiseSuppression: p.noiseSuppression,
		AutoGainControl:  p.autoGainControl,
	})
	if err != nil {
		if errors.Is(err, audio.ErrDeviceUnavailable) {
			return fmt.Errorf("capture: open input: %w", err)
		}
		return fmt.Errorf("capture: open input: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if rate := stream.SampleRate(); rate != p.sampleRate {
		slog.Info("capture: device rate differs from wire rate, resampling",
			"device_rate", rate,
			"wire_rate", p.sampleRate,
		)
	}
	p.stream = stream
	return nil
}

// Start begins delivering encoded frames to onFrame. It opens the device if
// [Pipeline.Open] was not called. onFrame runs on the pump goroutine, one
// frame at a time in capture order; it should return quickly.
//
// Blocks captured between Open and Start are discarded, and so are the
// device's drops from that period. Calling Start on a running pipeline is a
// no-op. Delivery ends when ctx is cancelled or [Pipeline.Stop] is called.
// After Stop, Start returns [ErrStopped].
func (p *Pipeline) Start(ctx context.Context, onFrame func(audio.EncodedFrame)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		return nil
	}
	if err := p.openLocked(ctx); err != nil {
		return err
	}

	stream := p.stream
	select {
	case <-stream.Blocks():
		slog.Debug("capture: discarded block captured before start")
	default:
	}
	seen := stream.Dropped()

	pumpCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go p.pump(pumpCtx, stream, onFrame, seen, done)
	return nil
}

// pump moves blocks from the device to onFrame until the stream closes or
// ctx is cancelled. seen is the device drop count when delivery began.
func (p *Pipeline) pump(ctx context.Context, stream audio.InputStream, onFrame func(audio.EncodedFrame), seen int64, done chan struct{}) {
	defer close(done)
	blocks := stream.Blocks()
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-blocks:
			if !ok {
				return
			}
			seen = p.recordDropped(ctx, stream, seen)
			if ctx.Err() != nil {
				return
			}
			onFrame(p.encode(b))
			p.frames.Add(1)
		}
	}
}

// encode converts one block to a wire frame at the pipeline rate.
func (p *Pipeline) encode(b audio.CaptureBlock) audio.EncodedFrame {
	samples := b.Samples
	if b.SampleRate > 0 && b.SampleRate != p.sampleRate {
		samples = audio.ResampleFloat32(samples, b.SampleRate, p.sampleRate)
	}
	return audio.EncodeFrame(samples, p.sampleRate)
}

// recordDropped publishes blocks the device discarded since seen and returns
// the new total.
func (p *Pipeline) recordDropped(ctx context.Context, stream audio.InputStream, seen int64) int64 {
	total := stream.Dropped()
	delta := total - seen
	if delta <= 0 {
		return seen
	}
	p.dropped.Add(delta)
	if p.metrics != nil {
		p.metrics.RecordFramesDropped(ctx, observe.DropBackpressure, delta)
	}
	return total
}

// Stop halts delivery, closes the input stream and releases the microphone.
// It is idempotent and safe to call after a failed or partial Start. Once Stop
// returns, onFrame is not called again and the device stays released.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	p.stopped = true
	stream, cancel, done := p.stream, p.cancel, p.done
	p.stream, p.cancel, p.done = nil, nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if stream != nil {
		if cerr := stream.Close(); cerr != nil {
			err = fmt.Errorf("capture: close input: %w", cerr)
		}
	}
	if done != nil {
		<-done
	}
	return err
}

// Running reports whether the pump is delivering frames.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done != nil
}

// Frames returns how many frames have been delivered to onFrame.
func (p *Pipeline) Frames() int64 { return p.frames.Load() }

// Dropped returns how many device blocks were discarded under backpressure.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }
