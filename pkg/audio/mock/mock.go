// Package mock provides in-memory implementations of the [audio.InputDevice],
// [audio.InputStream], [audio.OutputDevice], and [audio.OutputStream]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := mock.NewInputStream(16000)
//	dev := &mock.InputDevice{Stream: in}
//	stream, _ := dev.OpenInput(ctx, audio.DeviceConfig{SampleRate: 16000})
//	in.Push(audio.CaptureBlock{Samples: make([]float32, 4096), SampleRate: 16000})
//
//	out := &mock.OutputStream{StartSuspended: true}
//	out.SetNow(0.5)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lessonvoice/pkg/audio"
)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Tests feed
// blocks with [InputStream.Push]; the stream drops a block when the previous
// one has not been consumed, just like a real device callback.
type InputStream struct {
	mu      sync.Mutex
	ch      chan audio.CaptureBlock
	rate    int
	dropped int64
	closed  bool

	// CloseError is returned by the first Close call.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInputStream returns an open stream that reports the given sample rate.
func NewInputStream(sampleRate int) *InputStream {
	return &InputStream{
		ch:   make(chan audio.CaptureBlock, 1),
		rate: sampleRate,
	}
}

// Push offers a block to the consumer. It reports false when the block was
// dropped, either because the previous block is still pending or because the
// stream is closed.
func (s *InputStream) Push(b audio.CaptureBlock) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- b:
		return true
	default:
		s.dropped++
		return false
	}
}

// Blocks implements [audio.InputStream].
func (s *InputStream) Blocks() <-chan audio.CaptureBlock { return s.ch }

// SampleRate implements [audio.InputStream].
func (s *InputStream) SampleRate() int { return s.rate }

// Dropped implements [audio.InputStream].
func (s *InputStream) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close implements [audio.InputStream]. The first call closes the block channel
// and returns CloseError; later calls return nil.
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.ch)
	return s.CloseError
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// Stream is returned by OpenInput. If nil, a fresh stream running at the
	// requested sample rate is created on every call.
	Stream *InputStream

	// OpenError, if non-nil, is returned by OpenInput instead of a stream.
	OpenError error

	// OpenCalls records the config of every OpenInput call.
	OpenCalls []audio.DeviceConfig

	last *InputStream
}

// OpenInput implements [audio.InputDevice].
func (d *InputDevice) OpenInput(_ context.Context, cfg audio.DeviceConfig) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, cfg)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := d.Stream
	if s == nil {
		s = NewInputStream(cfg.SampleRate)
	}
	d.last = s
	return s, nil
}

// Opens returns how many times OpenInput was called.
func (d *InputDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}

// Last returns the stream handed out by the most recent successful OpenInput.
func (d *InputDevice) Last() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [OutputStream.Schedule]
// invocation.
type ScheduleCall struct {
	// Start is the device-clock time the samples were scheduled at.
	Start float64
	// Samples is the buffer passed to Schedule.
	Samples []float32
}

// OutputStream is a mock implementation of [audio.OutputStream] whose clock
// only moves when the test calls [OutputStream.SetNow] or
// [OutputStream.Advance].
type OutputStream struct {
	mu      sync.Mutex
	now     float64
	started bool
	closed  bool

	// StartSuspended makes the stream report Suspended until Resume is called.
	StartSuspended bool

	// ResumeError is returned by Resume.
	ResumeError error

	// ScheduleError is returned by Schedule.
	ScheduleError error

	// ScheduleCalls records every Schedule invocation in order.
	ScheduleCalls []ScheduleCall

	// CallCountResume records how many times Resume was called.
	CallCountResume int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SetNow moves the device clock to t seconds.
func (s *OutputStream) SetNow(t float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = t
}

// Advance moves the device clock forward by d seconds.
func (s *OutputStream) Advance(d float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d
}

// Now implements [audio.OutputStream].
func (s *OutputStream) Now() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Suspended implements [audio.OutputStream].
func (s *OutputStream) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StartSuspended && !s.started
}

// Resume implements [audio.OutputStream]. Records the call and returns
// ResumeError; on success the stream stops reporting Suspended.
func (s *OutputStream) Resume(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountResume++
	if s.ResumeError != nil {
		return s.ResumeError
	}
	s.started = true
	return nil
}

// Schedule implements [audio.OutputStream]. Records the call and returns
// ScheduleError.
func (s *OutputStream) Schedule(start float64, samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ScheduleCalls = append(s.ScheduleCalls, ScheduleCall{Start: start, Samples: samples})
	return s.ScheduleError
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Schedules returns a copy of the recorded Schedule calls.
func (s *OutputStream) Schedules() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleCall, len(s.ScheduleCalls))
	copy(out, s.ScheduleCalls)
	return out
}

// Resumes returns how many times Resume was called.
func (s *OutputStream) Resumes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountResume
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice].
type OutputDevice struct {
	mu sync.Mutex

	// Stream is returned by OpenOutput. If nil, a fresh running stream is
	// created on every call.
	Stream *OutputStream

	// OpenError, if non-nil, is returned by OpenOutput instead of a stream.
	OpenError error

	// OpenCalls records the config of every OpenOutput call.
	OpenCalls []audio.DeviceConfig

	last *OutputStream
}

// OpenOutput implements [audio.OutputDevice].
func (d *OutputDevice) OpenOutput(_ context.Context, cfg audio.DeviceConfig) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OpenCalls = append(d.OpenCalls, cfg)
	if d.OpenError != nil {
		return nil, d.OpenError
	}
	s := d.Stream
	if s == nil {
		s = &OutputStream{}
	}
	d.last = s
	return s, nil
}

// Last returns the stream handed out by the most recent successful OpenOutput.
func (d *OutputDevice) Last() *OutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// CallCountOpen returns how many times OpenOutput was called.
func (d *OutputDevice) CallCountOpen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.OpenCalls)
}
