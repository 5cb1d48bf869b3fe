// Package audio defines the audio primitives and device abstractions used by
// the lesson voice session.
//
// The two device abstractions are:
//
//   - [InputDevice] acquires a microphone and returns an [InputStream] that
//     delivers fixed-size [CaptureBlock] values.
//   - [OutputDevice] acquires a speaker and returns an [OutputStream] on
//     which sample buffers are scheduled against the device clock.
//
// Concrete implementations live in adapter packages (audio/portaudio for real
// hardware, audio/mock for tests).
//
// The package also holds the PCM codec shared by both directions of the wire.
package audio

import (
	"context"
	"errors"
)

// ErrDeviceUnavailable is returned when no input or output device can be
// acquired, either because none exists or because permission was denied.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// DeviceConfig describes how a device should be opened.
type DeviceConfig struct {
	// DeviceName selects a device by name. Empty selects the platform default.
	DeviceName string

	// SampleRate requested from the device in Hz. Implementations that cannot
	// honour it open at the nearest supported rate and report it via
	// [InputStream.SampleRate].
	SampleRate int

	// Channels requested from the device. Capture and playback are mono.
	Channels int

	// FramesPerBuffer is the block size for input streams.
	FramesPerBuffer int

	// EchoCancellation, NoiseSuppression and AutoGainControl are requested
	// from the platform if available. Implementations that cannot provide them
	// ignore the request.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// InputStream is an open microphone stream.
//
// Implementations must be safe for concurrent use. Close is idempotent.
type InputStream interface {
	// Blocks returns the channel on which captured blocks arrive. The device
	// side must never block on it: when the consumer has not yet taken the
	// previous block, the new block is dropped. The channel is closed by Close.
	Blocks() <-chan CaptureBlock

	// SampleRate is the rate the device actually runs at.
	SampleRate() int

	// Dropped reports how many blocks were discarded under backpressure.
	Dropped() int64

	// Close disconnects the processing graph, stops the device tracks and
	// releases the device. Calling Close more than once returns nil.
	Close() error
}

// InputDevice acquires microphone streams.
type InputDevice interface {
	// OpenInput acquires the microphone. Errors wrap [ErrDeviceUnavailable]
	// when permission is denied or no device exists.
	OpenInput(ctx context.Context, cfg DeviceConfig) (InputStream, error)
}

// OutputStream is an open speaker stream with a monotonic device clock.
//
// Implementations must be safe for concurrent use. Close is idempotent.
type OutputStream interface {
	// Now returns the device clock in seconds: the number of frames rendered
	// so far divided by the sample rate.
	Now() float64

	// Suspended reports whether the device is paused, e.g. because it was
	// opened but never started by a user gesture or power policy.
	Suspended() bool

	// Resume starts or restarts rendering. It may block until the device is
	// running.
	Resume(ctx context.Context) error

	// Schedule queues samples to start rendering at the given device-clock
	// time. Scheduled audio is never pre-empted.
	Schedule(start float64, samples []float32) error

	// Close stops rendering and releases the device. Calling Close more than
	// once returns nil.
	Close() error
}

// OutputDevice acquires speaker streams.
type OutputDevice interface {
	// OpenOutput acquires the speaker. Errors wrap [ErrDeviceUnavailable].
	OpenOutput(ctx context.Context, cfg DeviceConfig) (OutputStream, error)
}
