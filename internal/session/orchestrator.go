// Package session runs one tutoring conversation at a time: it owns the
// microphone, the speaker and the transport to the remote voice model, wires
// them together and tears them down in a fixed order.
//
// An [Orchestrator] is an explicit instance rather than package state, so a
// process can host several independent orchestrators (one per audio device
// pair). Each orchestrator allows at most one live session; a second
// StartSession while one is active or starting is a no-op.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lessonvoice/internal/observe"
	"github.com/MrWong99/lessonvoice/internal/transport"
	"github.com/MrWong99/lessonvoice/pkg/audio"
	"github.com/MrWong99/lessonvoice/pkg/audio/capture"
	"github.com/MrWong99/lessonvoice/pkg/audio/playback"
	"github.com/MrWong99/lessonvoice/pkg/provider/s2s"
)

// Default orchestration parameters.
const (
	DefaultActivityDecay = 500 * time.Millisecond
	DefaultChunkBuffer   = 64
)

var (
	// ErrStopped is returned by StartSession when StopSession ran while the
	// session was still starting.
	ErrStopped = errors.New("session: stopped while starting")

	// ErrSessionLimit is reported through OnError when the provider's
	// maximum session duration has elapsed. The session is not stopped.
	ErrSessionLimit = errors.New("session: provider session limit reached")
)

// Config wires an [Orchestrator] to its collaborators. Provider, InputDevice
// and OutputDevice are required.
type Config struct {
	// Provider dials the remote voice model.
	Provider s2s.Provider

	// InputDevice supplies the microphone.
	InputDevice audio.InputDevice

	// OutputDevice supplies the speaker.
	OutputDevice audio.OutputDevice

	// Capture, Playback and Transport are passed through to the components
	// built for every session.
	Capture   []capture.Option
	Playback  []playback.Option
	Transport []transport.Option

	// ActivityDecay is how long after the last model chunk the activity
	// indicator turns off. Defaults to 500ms.
	ActivityDecay time.Duration

	// ChunkBuffer bounds the queue between the network receiver and the
	// playback goroutine. Defaults to 64.
	ChunkBuffer int

	// Metrics, if set, is shared with every component.
	Metrics *observe.Metrics
}

// Handlers receives session events. Every field is optional.
//
// Handlers run on internal goroutines and must return quickly. They must not
// call StopSession synchronously; hand the request to another goroutine.
type Handlers struct {
	// OnActivity reports whether the model is currently producing audio. It
	// fires only on transitions.
	OnActivity func(active bool)

	// OnError receives start failures (after rollback) and errors reported
	// while the session is live. Live errors do not end the session.
	OnError func(err error)

	// OnTranscript receives transcript lines when the provider emits them.
	OnTranscript func(s2s.TranscriptEntry)
}

// Orchestrator owns at most one live session.
//
// All methods are safe for concurrent use.
type Orchestrator struct {
	cfg Config

	mu  sync.Mutex
	cur *run
}

// New returns an idle Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.ActivityDecay <= 0 {
		cfg.ActivityDecay = DefaultActivityDecay
	}
	if cfg.ChunkBuffer <= 0 {
		cfg.ChunkBuffer = DefaultChunkBuffer
	}
	return &Orchestrator{cfg: cfg}
}

// Status describes the orchestrator for health reporting.
type Status struct {
	State     string // "idle", "starting" or "active"
	SessionID string
	Topic     string
	Since     time.Time
	Capturing bool // microphone frames are being delivered
}

// Active reports whether a session is live.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cur != nil && o.cur.active.Load()
}

// SessionID returns the ID of the current session, or "" when idle.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == nil {
		return ""
	}
	return o.cur.id
}

// Status returns a snapshot of the current session.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	r := o.cur
	if r == nil {
		return Status{State: "idle"}
	}
	st := Status{
		State:     "starting",
		SessionID: r.id,
		Topic:     r.topic,
		Since:     r.created,
		Capturing: r.capture.Running(),
	}
	if r.active.Load() {
		st.State = "active"
	}
	return st
}

// Reconfigure replaces the transport options and activity decay used for
// sessions. A running session keeps its settings; the next StartSession
// picks up the new ones.
func (o *Orchestrator) Reconfigure(transportOpts []transport.Option, decay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.Transport = slices.Clone(transportOpts)
	if decay > 0 {
		o.cfg.ActivityDecay = decay
	}
}

// StartSession opens a session about topic. It blocks while the microphone
// and speaker are acquired and the transport connects, retries included.
//
// When a session is already active or starting it returns nil without doing
// anything. On failure everything acquired so far is released, then
// h.OnError is called and the error is returned; the orchestrator is idle
// again afterwards.
func (o *Orchestrator) StartSession(ctx context.Context, topic string, h Handlers) error {
	o.mu.Lock()
	if o.cur != nil {
		o.mu.Unlock()
		slog.Debug("session: start ignored, session already running", "topic", topic)
		return nil
	}
	r := o.newRun(ctx, topic, h)
	o.cur = r
	o.mu.Unlock()

	if err := r.start(ctx); err != nil {
		_ = r.teardown()
		o.clear(r)

		if r.stopRequested.Load() {
			r.log.Info("session: stopped while starting")
			return ErrStopped
		}
		r.log.Error("session: start failed", "err", err)
		if h.OnError != nil {
			h.OnError(err)
		}
		return err
	}

	o.mu.Lock()
	if o.cur != r || r.stopRequested.Load() {
		o.mu.Unlock()
		return ErrStopped
	}
	r.active.Store(true)
	o.mu.Unlock()

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}
	r.log.Info("session started", "topic", topic, "attempts", r.transport.Attempts())
	return nil
}

// StopSession ends the current session. Teardown order: capture stops
// pushing, the microphone is released, playback refuses further chunks, the
// transport closes, session goroutines are awaited, and finally the speaker
// is released.
//
// StopSession is a no-op when idle, is idempotent, and may run concurrently
// with a StartSession that is still connecting; pending retries are
// cancelled.
func (o *Orchestrator) StopSession() error {
	o.mu.Lock()
	r := o.cur
	if r == nil {
		o.mu.Unlock()
		return nil
	}
	r.stopRequested.Store(true)
	wasActive := r.active.Swap(false)
	o.mu.Unlock()

	err := r.teardown()
	o.clear(r)

	if wasActive && o.cfg.Metrics != nil {
		o.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
	r.log.Info("session stopped",
		"duration", time.Since(r.created),
		"frames_sent", r.capture.Frames(),
		"blocks_dropped", r.capture.Dropped(),
	)
	return err
}

// clear forgets r if it is still the current run.
func (o *Orchestrator) clear(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cur == r {
		o.cur = nil
	}
}

// ── run ───────────────────────────────────────────────────────────────────────

// run is the state of one session from StartSession to teardown.
type run struct {
	id      string
	topic   string
	created time.Time
	log     *slog.Logger
	h       Handlers
	metrics *observe.Metrics
	limit   time.Duration

	// ctx lives until teardown; it is detached from the StartSession ctx.
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	capture   *capture.Pipeline
	player    *playback.Scheduler
	transport *transport.Transport
	activity  *activity
	chunks    chan []byte

	// connected gates capture frames into the transport.
	connected     atomic.Bool
	active        atomic.Bool
	stopRequested atomic.Bool

	teardownOnce sync.Once
	teardownErr  error
}

func (o *Orchestrator) newRun(ctx context.Context, topic string, h Handlers) *run {
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, runCtx := errgroup.WithContext(runCtx)

	caps := o.cfg.Provider.Capabilities()
	capOpts := append([]capture.Option{capture.WithMetrics(o.cfg.Metrics)}, o.cfg.Capture...)
	playOpts := append([]playback.Option{playback.WithMetrics(o.cfg.Metrics)}, o.cfg.Playback...)
	if caps.OutputSampleRate > 0 {
		// Model audio is decoded at the rate the provider sends.
		playOpts = append(playOpts, playback.WithSampleRate(caps.OutputSampleRate))
	}
	trOpts := append([]transport.Option{transport.WithMetrics(o.cfg.Metrics)}, o.cfg.Transport...)

	return &run{
		id:        id,
		topic:     topic,
		created:   time.Now(),
		log:       observe.SessionLogger(ctx, id),
		h:         h,
		metrics:   o.cfg.Metrics,
		limit:     caps.MaxSessionDuration,
		ctx:       runCtx,
		cancel:    cancel,
		group:     g,
		capture:   capture.New(o.cfg.InputDevice, capOpts...),
		player:    playback.New(o.cfg.OutputDevice, playOpts...),
		transport: transport.New(o.cfg.Provider, trOpts...),
		activity:  newActivity(o.cfg.ActivityDecay, h.OnActivity),
		chunks:    make(chan []byte, o.cfg.ChunkBuffer),
	}
}

// start acquires the devices and connects. Capture starts from OnOpen so no
// frame is produced before the link can carry it.
func (r *run) start(ctx context.Context) error {
	if err := r.capture.Open(ctx); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}
	if err := r.player.Open(ctx); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}

	r.group.Go(r.playLoop)

	err := r.transport.Connect(ctx, r.topic, transport.Callbacks{
		OnOpen:       r.onOpen,
		OnAudioChunk: r.onAudioChunk,
		OnTranscript: r.h.OnTranscript,
		OnError:      r.onTransportError,
	})
	if err != nil {
		return fmt.Errorf("session: start: %w", err)
	}

	if r.limit > 0 {
		r.group.Go(r.watchLimit)
	}
	return nil
}

// watchLimit warns the caller once the provider's session limit elapses.
func (r *run) watchLimit() error {
	timer := time.NewTimer(r.limit)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
	case <-timer.C:
		r.onTransportError(fmt.Errorf("%w after %s", ErrSessionLimit, r.limit))
	}
	return nil
}

func (r *run) onOpen() error {
	if r.stopRequested.Load() {
		return ErrStopped
	}
	r.connected.Store(true)
	if err := r.capture.Start(r.ctx, r.onFrame); err != nil {
		r.connected.Store(false)
		return err
	}
	return nil
}

func (r *run) onFrame(frame audio.EncodedFrame) {
	if !r.connected.Load() {
		return
	}
	r.transport.Send(frame)
}

// onAudioChunk hands a chunk to the playback goroutine. It blocks while the
// queue is full, which slows the receiver rather than dropping model audio.
func (r *run) onAudioChunk(pcm []byte) {
	select {
	case r.chunks <- pcm:
	case <-r.ctx.Done():
	}
}

func (r *run) onTransportError(err error) {
	r.log.Warn("session: transport error", "err", err)
	if r.h.OnError != nil {
		r.h.OnError(err)
	}
}

// playLoop schedules queued chunks in arrival order until teardown.
func (r *run) playLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case pcm := <-r.chunks:
			_, err := r.player.Enqueue(r.ctx, pcm)
			switch {
			case err == nil:
				r.activity.pulse()
			case errors.Is(err, audio.ErrMalformedFrame):
				r.log.Warn("session: dropping malformed chunk", "bytes", len(pcm), "err", err)
			case errors.Is(err, playback.ErrClosed):
				return nil
			default:
				r.log.Error("session: playback failed", "err", err)
				if r.h.OnError != nil {
					r.h.OnError(err)
				}
			}
		}
	}
}

// teardown releases everything the run acquired. It is safe on a partially
// started run and runs only once.
func (r *run) teardown() error {
	r.teardownOnce.Do(func() {
		var errs []error

		r.connected.Store(false)
		if err := r.capture.Stop(); err != nil {
			errs = append(errs, err)
		}
		_ = r.player.Close()
		if err := r.transport.Close(); err != nil {
			errs = append(errs, err)
		}

		r.cancel()
		<-r.transport.Done()
		if err := r.group.Wait(); err != nil {
			errs = append(errs, err)
		}
		r.activity.stop()

		if err := r.player.Release(); err != nil {
			errs = append(errs, err)
		}
		r.teardownErr = errors.Join(errs...)
		if r.teardownErr != nil {
			r.log.Warn("session: teardown finished with errors", "err", r.teardownErr)
		}
	})
	return r.teardownErr
}
