// Package playback schedules model audio chunks back to back on an output
// device clock so that consecutive chunks play without gaps or overlaps.
//
// The [Scheduler] keeps a single cursor, the next start time. Each chunk is
// placed at max(now, next) and the cursor advances by the chunk's duration:
//
//	now = 0.0   enqueue 1.0 s  -> starts 0.0, next 1.0
//	now = 0.2   enqueue 1.0 s  -> starts 1.0, next 2.0
//	now = 3.5   enqueue 0.5 s  -> starts 3.5, next 4.0  (queue ran dry)
//
// Enqueue calls are serialised, so chunks are scheduled strictly in arrival
// order even while a suspended device is being resumed.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lessonvoice/internal/observe"
	"github.com/MrWong99/lessonvoice/pkg/audio"
)

// ErrClosed is returned by Enqueue after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Chunk is one buffer placed on the output timeline.
type Chunk struct {
	// Samples holds the decoded mono float samples.
	Samples []float32

	// SampleRate in Hz of Samples.
	SampleRate int

	// Duration is the playback length of Samples.
	Duration time.Duration

	// Start is the device-clock time in seconds at which playback begins.
	Start float64
}

// Seconds returns the playback length in seconds without rounding to
// nanoseconds.
func (c Chunk) Seconds() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// End returns the device-clock time at which the chunk finishes playing.
func (c Chunk) End() float64 { return c.Start + c.Seconds() }

// Option is a functional option for configuring a [Scheduler].
type Option func(*Scheduler)

// WithSampleRate sets the rate inbound PCM is decoded at. Default:
// [audio.OutputSampleRate].
func WithSampleRate(hz int) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.sampleRate = hz
		}
	}
}

// WithDeviceName selects a speaker by name. Empty uses the default device.
func WithDeviceName(name string) Option {
	return func(s *Scheduler) { s.deviceName = name }
}

// WithMetrics records scheduled and malformed chunks on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler is the speaker side of a voice session. All methods are safe for
// concurrent use.
type Scheduler struct {
	dev        audio.OutputDevice
	sampleRate int
	deviceName string
	metrics    *observe.Metrics

	closed atomic.Bool

	mu       sync.Mutex // serialises scheduling
	stream   audio.OutputStream
	next     float64
	released bool
}

// New creates a Scheduler that will play through dev.
func New(dev audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:        dev,
		sampleRate: audio.OutputSampleRate,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open acquires the output stream. Enqueue opens it lazily when Open was not
// called. Errors wrap [audio.ErrDeviceUnavailable].
func (s *Scheduler) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	return s.openLocked(ctx)
}

func (s *Scheduler) openLocked(ctx context.Context) error {
	if s.stream != nil {
		return nil
	}
	stream, err := s.dev.OpenOutput(ctx, audio.DeviceConfig{
		DeviceName: s.deviceName,
		SampleRate: s.sampleRate,
		Channels:   1,
	})
	if err != nil {
		if errors.Is(err, audio.ErrDeviceUnavailable) {
			return fmt.Errorf("playback: open output: %w", err)
		}
		return fmt.Errorf("playback: open output: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	s.stream = stream
	return nil
}

// Enqueue decodes one s16le chunk and schedules it after everything already
// queued. An odd byte count returns [audio.ErrMalformedFrame] and leaves the
// timeline untouched.
func (s *Scheduler) Enqueue(ctx context.Context, pcm []byte) (Chunk, error) {
	samples, err := audio.DecodePCM(pcm)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ChunksMalformed.Add(ctx, 1)
		}
		return Chunk{}, fmt.Errorf("playback: decode chunk: %w", err)
	}
	return s.EnqueueSamples(ctx, samples)
}

// EnqueueSamples schedules already decoded samples. A suspended device is
// resumed first; the call blocks until it is running or ctx is done.
func (s *Scheduler) EnqueueSamples(ctx context.Context, samples []float32) (Chunk, error) {
	if s.closed.Load() {
		return Chunk{}, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return Chunk{}, ErrClosed
	}
	if err := s.openLocked(ctx); err != nil {
		return Chunk{}, err
	}
	if s.stream.Suspended() {
		if err := s.stream.Resume(ctx); err != nil {
			return Chunk{}, fmt.Errorf("playback: resume output: %w", err)
		}
	}

	now := s.stream.Now()
	c := Chunk{
		Samples:    samples,
		SampleRate: s.sampleRate,
		Start:      max(now, s.next),
	}
	c.Duration = time.Duration(c.Seconds() * float64(time.Second))
	if len(samples) == 0 {
		return c, nil
	}

	if err := s.stream.Schedule(c.Start, samples); err != nil {
		return Chunk{}, fmt.Errorf("playback: schedule chunk: %w", err)
	}
	s.next = c.End()

	if s.metrics != nil {
		s.metrics.RecordChunkScheduled(ctx, c.Start-now)
	}
	return c, nil
}

// Reset rewinds the cursor to zero. The next chunk starts at the device's
// current time.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
}

// NextStartTime returns the device-clock time at which the next chunk would
// start if the device were behind it.
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close rejects all future chunks. Audio already scheduled keeps playing
// until the output stream is released. Close never blocks and is idempotent.
func (s *Scheduler) Close() error {
	s.closed.Store(true)
	return nil
}

// Release closes the scheduler and the output stream. Scheduled audio that
// has not yet played is cut off. Release is idempotent.
func (s *Scheduler) Release() error {
	s.closed.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return nil
	}
	s.released = true
	if s.stream == nil {
		return nil
	}
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("playback: close output: %w", err)
	}
	return nil
}
