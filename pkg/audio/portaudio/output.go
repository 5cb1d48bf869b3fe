package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/lessonvoice/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputDevice = (*Output)(nil)
	_ audio.OutputStream = (*outputStream)(nil)
)

// outputFramesPerBuffer is the callback size for playback streams. 512 frames
// at 24 kHz is about 21 ms of device latency.
const outputFramesPerBuffer = 512

// Output opens speaker streams through PortAudio.
type Output struct{}

// NewOutput returns an [audio.OutputDevice] backed by PortAudio.
func NewOutput() *Output { return &Output{} }

// OpenOutput acquires the configured speaker. The returned stream is
// suspended: its clock stands still at zero until Resume starts rendering.
func (o *Output) OpenOutput(ctx context.Context, cfg audio.DeviceConfig) (audio.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acquire(); err != nil {
		return nil, fmt.Errorf("%w: %v", audio.ErrDeviceUnavailable, err)
	}

	dev, err := findDevice(cfg.DeviceName, false)
	if err != nil {
		release()
		return nil, err
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	s := &outputStream{rate: rate}
	stream, err := pa.OpenStream(pa.StreamParameters{
		Output: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: outputFramesPerBuffer,
	}, s.render)
	if err != nil {
		release()
		return nil, fmt.Errorf("%w: open output stream: %v", audio.ErrDeviceUnavailable, err)
	}
	s.stream = stream

	slog.Debug("portaudio: output stream opened", "device", dev.Name, "sample_rate", rate)
	return s, nil
}

// scheduled is one buffer placed on the output timeline.
type scheduled struct {
	start   int64 // first frame index
	samples []float32
}

func (c scheduled) end() int64 { return c.start + int64(len(c.samples)) }

// outputStream renders a timeline of scheduled buffers. Frames not covered by
// any buffer are silent. The clock is the number of frames rendered so far.
type outputStream struct {
	stream *pa.Stream
	rate   int

	startMu sync.Mutex // serialises Resume and Close

	mu       sync.Mutex
	timeline []scheduled // ordered by start
	rendered int64
	started  bool
	closed   bool
}

// render runs on the PortAudio callback thread.
func (s *outputStream) render(out []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range out {
		pos := s.rendered + int64(i)
		for len(s.timeline) > 0 && s.timeline[0].end() <= pos {
			s.timeline = s.timeline[1:]
		}
		out[i] = 0
		if len(s.timeline) > 0 && pos >= s.timeline[0].start {
			out[i] = s.timeline[0].samples[pos-s.timeline[0].start]
		}
	}
	s.rendered += int64(len(out))
}

// Now implements [audio.OutputStream].
func (s *outputStream) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.rendered) / float64(s.rate)
}

// Suspended implements [audio.OutputStream].
func (s *outputStream) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.started && !s.closed
}

// Resume implements [audio.OutputStream].
func (s *outputStream) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The render callback takes s.mu, so the stream is started outside it.
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	closed, started := s.closed, s.started
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("portaudio: resume closed output stream")
	}
	if started {
		return nil
	}
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	return nil
}

// Schedule implements [audio.OutputStream]. Buffers must be scheduled in
// start order; the playback scheduler guarantees this. A start the callback
// has already rendered past is moved to the first frame still free, so no
// sample of the buffer is skipped.
func (s *outputStream) Schedule(start float64, samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("portaudio: schedule on closed output stream")
	}
	frame := int64(math.Round(start * float64(s.rate)))
	floor := s.rendered
	if n := len(s.timeline); n > 0 {
		floor = max(floor, s.timeline[n-1].end())
	}
	if frame < floor {
		frame = floor
	}
	s.timeline = append(s.timeline, scheduled{start: frame, samples: samples})
	return nil
}

// Close implements [audio.OutputStream]. Audio not yet rendered is discarded.
func (s *outputStream) Close() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.timeline = nil
	s.mu.Unlock()

	var errs []error
	if started {
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: stop output stream: %w", err))
		}
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("portaudio: close output stream: %w", err))
	}
	release()
	return errors.Join(errs...)
}
