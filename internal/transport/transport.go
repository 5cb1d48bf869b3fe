// Package transport owns the duplex link between a tutoring session and the
// remote speech-to-speech endpoint.
//
// A [Transport] is single-use: it moves from IDLE through CONNECTING to OPEN
// and ends in CLOSED (or ERROR when the link fails). Connection attempts are
// retried with an explicit [Backoff] so that a concurrent [Transport.Close] or
// a cancelled context aborts the wait immediately.
//
// Outbound frames are only forwarded while the link is OPEN. Anything else is
// dropped and counted, never returned as an error, because capture callbacks
// routinely race with teardown.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/lessonvoice/internal/observe"
	"github.com/MrWong99/lessonvoice/pkg/audio"
	"github.com/MrWong99/lessonvoice/pkg/provider/s2s"
)

// Default connection parameters.
const (
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultVoice          = "Puck"

	// DefaultInstructionTemplate scopes the model to one lesson topic. Every
	// %s receives the topic.
	DefaultInstructionTemplate = "You are a friendly, patient tutor having a spoken conversation " +
		"with a learner about %s. Keep every answer short and conversational, " +
		"check the learner's understanding often, and politely steer the " +
		"conversation back whenever it drifts away from %s."
)

var (
	// ErrConnectionFailed is returned by Connect once the retry budget is
	// spent. It wraps the cause of the last attempt.
	ErrConnectionFailed = errors.New("transport: connection failed")

	// ErrClosed is returned by Connect when the transport was closed before
	// or while the link was being established.
	ErrClosed = errors.New("transport: closed")

	// ErrRemoteClosed is reported through OnError when the endpoint ends an
	// open session without an error.
	ErrRemoteClosed = errors.New("transport: remote closed the session")

	// ErrLinkLost wraps every error reported when an open link ends without
	// Close being called. The session cannot carry audio afterwards.
	ErrLinkLost = errors.New("transport: link lost")
)

// State is the lifecycle state of a [Transport].
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
	StateError
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Callbacks receives link events. Every field is optional.
//
// OnAudioChunk and OnTranscript are each invoked from a single goroutine in
// arrival order. They must not call [Transport.Close] synchronously.
type Callbacks struct {
	// OnOpen runs once the link is OPEN. Returning an error closes the
	// transport and makes Connect return that error without retrying.
	OnOpen func() error

	// OnAudioChunk receives each raw s16le PCM payload from the model.
	OnAudioChunk func(pcm []byte)

	// OnTranscript receives transcript lines of both speakers. When nil the
	// transport does not ask for transcription.
	OnTranscript func(s2s.TranscriptEntry)

	// OnError receives errors that happen after the link is OPEN.
	OnError func(error)
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithMaxRetries sets how many times a failed connect is retried. Negative
// values are treated as zero.
func WithMaxRetries(n int) Option {
	return func(t *Transport) { t.maxRetries = max(n, 0) }
}

// WithInitialBackoff sets the delay before the first retry.
func WithInitialBackoff(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.initialBackoff = d
		}
	}
}

// WithMaxBackoff caps the retry delay. Zero removes the cap.
func WithMaxBackoff(d time.Duration) Option {
	return func(t *Transport) { t.maxBackoff = max(d, 0) }
}

// WithVoice sets the prebuilt voice the model answers with.
func WithVoice(voice string) Option {
	return func(t *Transport) {
		if voice != "" {
			t.voice = voice
		}
	}
}

// WithInstructionTemplate sets the system instruction. Every %s verb
// receives the topic; a template without one is used verbatim.
func WithInstructionTemplate(tmpl string) Option {
	return func(t *Transport) {
		if tmpl != "" {
			t.instructionTemplate = tmpl
		}
	}
}

// WithGreeting sets a text turn sent right after OnOpen succeeds, so the
// model opens the lesson instead of waiting for the learner. It is rendered
// like the instruction template. Empty disables the greeting.
func WithGreeting(tmpl string) Option {
	return func(t *Transport) { t.greeting = tmpl }
}

// WithMetrics records connection and frame metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport is one duplex session with a remote speech-to-speech endpoint.
//
// All methods are safe for concurrent use.
type Transport struct {
	provider s2s.Provider

	maxRetries          int
	initialBackoff      time.Duration
	maxBackoff          time.Duration
	voice               string
	instructionTemplate string
	greeting            string
	metrics             *observe.Metrics

	// after is time.After, replaceable in tests.
	after func(time.Duration) <-chan time.Time

	state    atomic.Int32
	attempts atomic.Int32
	started  atomic.Bool

	mu        sync.Mutex
	handle    s2s.SessionHandle
	closed    bool
	backoff   *Backoff
	closing   chan struct{}
	closeOnce sync.Once
	closeErr  error

	// done is closed when the receive goroutines have exited, or by Close
	// when they were never started.
	done chan struct{}
}

// New creates an idle Transport that dials through provider.
func New(provider s2s.Provider, opts ...Option) *Transport {
	t := &Transport{
		provider:            provider,
		maxRetries:          DefaultMaxRetries,
		initialBackoff:      DefaultInitialBackoff,
		maxBackoff:          DefaultMaxBackoff,
		voice:               DefaultVoice,
		instructionTemplate: DefaultInstructionTemplate,
		after:               time.After,
		closing:             make(chan struct{}),
		done:                make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// State returns the current lifecycle state.
func (t *Transport) State() State { return State(t.state.Load()) }

// Attempts returns how many connection attempts have been made so far.
func (t *Transport) Attempts() int { return int(t.attempts.Load()) }

// Backoff returns a snapshot of the retry state, or the zero value before
// Connect has been called.
func (t *Transport) Backoff() Backoff {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.backoff == nil {
		return Backoff{}
	}
	return *t.backoff
}

// Done returns a channel that is closed once the transport has been closed
// and no callback is running or will run again.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Instructions renders the system instruction for topic.
func (t *Transport) Instructions(topic string) string {
	return render(t.instructionTemplate, topic)
}

// Connect opens the link for a lesson about topic. It blocks until the link
// is OPEN and OnOpen has returned, the retry budget is spent, ctx is
// cancelled, or the transport is closed. A Transport can only connect once.
func (t *Transport) Connect(ctx context.Context, topic string, cb Callbacks) error {
	if !t.started.CompareAndSwap(false, true) {
		return fmt.Errorf("transport: connect: already used (state %s)", t.State())
	}
	if !t.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return fmt.Errorf("transport: connect: %w", ErrClosed)
	}

	ctx, span := observe.StartSpan(ctx, "transport.connect",
		trace.WithAttributes(attribute.String("topic", topic)),
	)
	defer span.End()
	log := observe.Logger(ctx)
	start := time.Now()

	// Close aborts an attempt or a backoff wait in flight.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-t.closing:
			cancel(ErrClosed)
		case <-ctx.Done():
		}
	}()

	cfg := s2s.SessionConfig{
		Voice:        t.voice,
		Instructions: t.Instructions(topic),
		Transcribe:   cb.OnTranscript != nil,
	}

	bo := NewBackoff(t.initialBackoff, t.maxBackoff, t.maxRetries)
	t.mu.Lock()
	t.backoff = bo
	t.mu.Unlock()

	handle, err := t.dial(ctx, cfg, bo, log)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			t.state.CompareAndSwap(int32(StateConnecting), int32(StateError))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = handle.Close()
		return fmt.Errorf("transport: connect: %w", ErrClosed)
	}
	t.handle = handle
	t.state.Store(int32(StateOpen))
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	}
	span.SetAttributes(attribute.Int("attempts", t.Attempts()))
	log.Info("transport open",
		"topic", topic,
		"voice", t.voice,
		"attempts", t.Attempts(),
		"elapsed", time.Since(start),
	)

	t.startReceivers(handle, cb)

	if cb.OnOpen != nil {
		if err := cb.OnOpen(); err != nil {
			_ = t.Close()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("transport: on open: %w", err)
		}
	}

	if t.greeting != "" {
		if err := handle.SendText(render(t.greeting, topic)); err != nil {
			log.Warn("transport: greeting not sent", "err", err)
		}
	}
	return nil
}

// dial runs the attempt loop. Each failure consumes one retry from bo and
// waits for its delay before the next attempt.
func (t *Transport) dial(ctx context.Context, cfg s2s.SessionConfig, bo *Backoff, log *slog.Logger) (s2s.SessionHandle, error) {
	for {
		attempt := int(t.attempts.Add(1))
		handle, err := t.provider.Connect(ctx, cfg)
		if err == nil {
			t.recordAttempt(ctx, "ok")
			return handle, nil
		}
		t.recordAttempt(ctx, "error")

		if ctx.Err() != nil {
			return nil, t.abortErr(ctx)
		}

		t.mu.Lock()
		delay, ok := bo.Next()
		t.mu.Unlock()
		if !ok {
			log.Error("transport: giving up",
				"attempts", attempt,
				"err", err,
			)
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectionFailed, attempt, err)
		}

		log.Warn("transport: connect attempt failed",
			"attempt", attempt,
			"retries_left", bo.Remaining(),
			"backoff", delay,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return nil, t.abortErr(ctx)
		case <-t.after(delay):
		}
	}
}

// abortErr explains why ctx ended the attempt loop.
func (t *Transport) abortErr(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrClosed) {
		return fmt.Errorf("transport: connect: %w", ErrClosed)
	}
	return fmt.Errorf("transport: connect: %w", ctx.Err())
}

func (t *Transport) recordAttempt(ctx context.Context, status string) {
	if t.metrics != nil {
		t.metrics.RecordConnectAttempt(ctx, status)
	}
}

// startReceivers pumps audio and transcripts into the callbacks until the
// handle's channels close.
func (t *Transport) startReceivers(handle s2s.SessionHandle, cb Callbacks) {
	handle.OnError(func(err error) {
		slog.Warn("transport: endpoint reported an error", "err", err)
		if cb.OnError != nil {
			cb.OnError(err)
		}
	})

	var wg sync.WaitGroup
	wg.Go(func() {
		for chunk := range handle.Audio() {
			if cb.OnAudioChunk != nil {
				cb.OnAudioChunk(chunk)
			}
		}
		t.linkEnded(handle, cb)
	})
	wg.Go(func() {
		if cb.OnTranscript == nil {
			audio.Drain(handle.Transcripts())
			return
		}
		for entry := range handle.Transcripts() {
			cb.OnTranscript(entry)
		}
	})
	go func() {
		wg.Wait()
		close(t.done)
	}()
}

// linkEnded runs when the audio stream closes. If nobody called Close the
// link failed: the state moves to ERROR and OnError is told why.
func (t *Transport) linkEnded(handle s2s.SessionHandle, cb Callbacks) {
	if !t.state.CompareAndSwap(int32(StateOpen), int32(StateError)) {
		return
	}
	cause := handle.Err()
	if cause == nil {
		cause = ErrRemoteClosed
	}
	err := fmt.Errorf("%w: %w", ErrLinkLost, cause)
	if t.metrics != nil {
		t.metrics.TransportErrors.Add(context.Background(), 1)
	}
	slog.Error("transport: link lost", "err", err)
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

// Send forwards one encoded microphone frame. Frames are dropped silently
// unless the link is OPEN.
func (t *Transport) Send(frame audio.EncodedFrame) {
	ctx := context.Background()
	if t.State() != StateOpen {
		if t.metrics != nil {
			t.metrics.RecordFrameDropped(ctx, observe.DropNotOpen)
		}
		return
	}

	t.mu.Lock()
	handle := t.handle
	t.mu.Unlock()
	if handle == nil {
		return
	}

	if err := handle.SendAudio(frame); err != nil {
		slog.Debug("transport: frame dropped", "err", err)
		if t.metrics != nil {
			t.metrics.RecordFrameDropped(ctx, observe.DropSendFailed)
		}
		return
	}
	if t.metrics != nil {
		t.metrics.FramesSent.Add(ctx, 1)
	}
}

// Close ends the link from any state and cancels a connect in progress.
// It does not wait for callbacks to finish; use [Transport.Done] for that.
// Calling Close more than once is safe and returns the first result.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closing)

		t.mu.Lock()
		t.closed = true
		t.state.Store(int32(StateClosed))
		handle := t.handle
		t.mu.Unlock()

		if handle == nil {
			close(t.done)
			return
		}
		if err := handle.Close(); err != nil {
			t.closeErr = fmt.Errorf("transport: close: %w", err)
		}
	})
	return t.closeErr
}

// render substitutes topic into every %s of tmpl.
func render(tmpl, topic string) string {
	return strings.ReplaceAll(tmpl, "%s", topic)
}
