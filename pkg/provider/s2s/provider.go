// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice model that accepts raw microphone
// audio and returns synthesised speech in a single, stateful session. The
// tutoring session streams 16 kHz PCM up and plays the 24 kHz PCM that comes
// back; what happens in between is the provider's business.
//
// The central abstraction is SessionHandle: a bidirectional link that carries
// audio and transcripts concurrently. Sessions are long-lived (minutes) and
// are owned by exactly one transport.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"time"

	"github.com/MrWong99/lessonvoice/pkg/audio"
)

// Speaker identifies who produced a transcript line.
type Speaker string

const (
	// SpeakerUser is the learner at the microphone.
	SpeakerUser Speaker = "user"

	// SpeakerModel is the remote tutor voice.
	SpeakerModel Speaker = "model"
)

// TranscriptEntry is one recognised or generated line of the conversation.
type TranscriptEntry struct {
	Speaker   Speaker
	Text      string
	Timestamp time.Time
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// Voice names the prebuilt voice the model speaks with, e.g. "Puck".
	Voice string

	// Instructions is the system-level prompt that scopes the conversation,
	// typically to a single lesson topic.
	Instructions string

	// Transcribe asks the provider to emit transcripts of both sides. When
	// false the Transcripts channel may stay silent.
	Transcribe bool
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// Name is the registry name of the provider, e.g. "gemini-live".
	Name string

	// InputSampleRate is the rate the provider expects on the wire. Callers
	// always send [audio.InputSampleRate]; providers resample when they differ.
	InputSampleRate int

	// OutputSampleRate is the rate of the PCM emitted on Audio.
	OutputSampleRate int

	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names available for this provider.
	Voices []string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Audio I/O is channel-based so that neither the capture pump nor the
// playback pump ever waits on the network. All methods must be safe for
// concurrent use.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one encoded microphone frame to the provider.
	// Returns an error if the session is closed or the write fails.
	SendAudio(frame audio.EncodedFrame) error

	// SendText injects a user-role text turn, e.g. to ask the model to open
	// the lesson before the learner has said anything.
	SendText(text string) error

	// Audio returns a read-only channel that emits raw s16le PCM at
	// [Capabilities.OutputSampleRate], one slice per received audio payload,
	// in arrival order. The channel is closed when the session ends or when
	// a read error occurs; call [SessionHandle.Err] afterwards to tell the
	// two apart.
	Audio() <-chan []byte

	// Err returns the error that caused the Audio channel to close
	// prematurely, or nil if the session ended cleanly.
	Err() error

	// Transcripts returns a read-only channel of transcript entries for both
	// sides. The channel is closed when the session ends. Consumers that do
	// not care must still drain it (see [audio.Drain]).
	Transcripts() <-chan TranscriptEntry

	// OnError registers a callback for non-fatal error events reported by the
	// remote endpoint. Passing nil clears the handler.
	OnError(handler func(error))

	// Close terminates the session, releases all resources, and closes the
	// Audio and Transcripts channels. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect establishes a new S2S session with the given configuration.
	// It returns only once the remote endpoint has acknowledged the session,
	// so the returned handle is ready to accept audio.
	//
	// Returns an error if the session cannot be established (e.g.,
	// authentication failure, unreachable endpoint, or ctx cancelled). The
	// caller owns the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
