package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/lessonvoice/internal/observe"
	"github.com/MrWong99/lessonvoice/pkg/audio"
	"github.com/MrWong99/lessonvoice/pkg/provider/s2s"
	s2smock "github.com/MrWong99/lessonvoice/pkg/provider/s2s/mock"
)

var errDial = errors.New("dial refused")

// ── Helpers ───────────────────────────────────────────────────────────────────

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counterValue sums an Int64 counter, optionally filtered by one attribute.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				if key != "" {
					v, ok := dp.Attributes.Value(attribute.Key(key))
					if !ok || v.AsString() != value {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

// fakeClock replaces time.After: it records every requested delay and fires
// immediately.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (c *fakeClock) after(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func newTransport(p s2s.Provider, clock *fakeClock, opts ...Option) *Transport {
	tr := New(p, opts...)
	if clock != nil {
		tr.after = clock.after
	}
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── State ─────────────────────────────────────────────────────────────────────

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateIdle, "IDLE"},
		{StateConnecting, "CONNECTING"},
		{StateOpen, "OPEN"},
		{StateClosed, "CLOSED"},
		{StateError, "ERROR"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	tr := New(&s2smock.Provider{})
	if tr.State() != StateIdle {
		t.Errorf("State = %s, want IDLE", tr.State())
	}
	if tr.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", tr.maxRetries)
	}
	if tr.initialBackoff != time.Second {
		t.Errorf("initialBackoff = %v, want 1s", tr.initialBackoff)
	}
	if tr.voice != "Puck" {
		t.Errorf("voice = %q, want Puck", tr.voice)
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_TopicScopedSessionConfig(t *testing.T) {
	p := &s2smock.Provider{}
	tr := newTransport(p, nil, WithVoice("Kore"))
	t.Cleanup(func() { _ = tr.Close() })

	if err := tr.Connect(context.Background(), "Photosynthesis", Callbacks{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	cfg := p.LastConfig()
	if cfg.Voice != "Kore" {
		t.Errorf("Voice = %q, want Kore", cfg.Voice)
	}
	if strings.Count(cfg.Instructions, "Photosynthesis") != 2 {
		t.Errorf("Instructions should mention the topic twice: %q", cfg.Instructions)
	}
	if strings.Contains(cfg.Instructions, "%s") {
		t.Errorf("Instructions contain an unrendered verb: %q", cfg.Instructions)
	}
	if cfg.Transcribe {
		t.Error("Transcribe should be false without an OnTranscript callback")
	}
	if tr.State() != StateOpen {
		t.Errorf("State = %s, want OPEN", tr.State())
	}
	if tr.Attempts() != 1 {
		t.Errorf("Attempts = %d, want 1", tr.Attempts())
	}
}

func TestConnect_InstructionTemplate(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"with verb", "Teach %s only.", "Teach Fractions only."},
		{"verbatim", "Be a tutor.", "Be a tutor."},
		{"percent literal", "Aim for 100% clarity on %s.", "Aim for 100% clarity on Fractions."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := New(&s2smock.Provider{}, WithInstructionTemplate(tt.tmpl))
			if got := tr.Instructions("Fractions"); got != tt.want {
				t.Errorf("Instructions = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConnect_RetriesWithExponentialBackoff(t *testing.T) {
	m, reader := newTestMetrics(t)
	p := &s2smock.Provider{ConnectErrs: []error{errDial, errDial}}
	clock := &fakeClock{}
	tr := newTransport(p, clock, WithMetrics(m))
	t.Cleanup(func() { _ = tr.Close() })

	if err := tr.Connect(context.Background(), "Volcanoes", Callbacks{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if tr.Attempts() != 3 {
		t.Errorf("Attempts = %d, want 3", tr.Attempts())
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	got := clock.Delays()
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, got[i], want[i])
		}
	}
	if bo := tr.Backoff(); bo.Attempt() != 2 || bo.Remaining() != 1 {
		t.Errorf("backoff attempt/remaining = %d/%d, want 2/1", bo.Attempt(), bo.Remaining())
	}
	if v := counterValue(t, reader, "lessonvoice.connect.attempts", "status", "error"); v != 2 {
		t.Errorf("error attempts = %d, want 2", v)
	}
	if v := counterValue(t, reader, "lessonvoice.connect.attempts", "status", "ok"); v != 1 {
		t.Errorf("ok attempts = %d, want 1", v)
	}
}

func TestConnect_RealTimeBackoff(t *testing.T) {
	p := &s2smock.Provider{ConnectErrs: []error{errDial, errDial}}
	tr := New(p, WithInitialBackoff(20*time.Millisecond))
	t.Cleanup(func() { _ = tr.Close() })

	start := time.Now()
	if err := tr.Connect(context.Background(), "Tides", Callbacks{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// 20ms + 40ms of waiting, with generous jitter allowance above.
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("elapsed = %v, want about 60ms", elapsed)
	}
}

func TestConnect_RetryExhaustion(t *testing.T) {
	p := &s2smock.Provider{ConnectErr: errDial}
	clock := &fakeClock{}
	tr := newTransport(p, clock)

	err := tr.Connect(context.Background(), "Volcanoes", Callbacks{})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("err = %v, want ErrConnectionFailed", err)
	}
	if !errors.Is(err, errDial) {
		t.Errorf("err = %v, should wrap the last cause", err)
	}
	if p.Calls() != 4 {
		t.Errorf("Connect calls = %d, want 4 (1 + 3 retries)", p.Calls())
	}
	if got := clock.Delays(); len(got) != 3 || got[2] != 4*time.Second {
		t.Errorf("delays = %v, want [1s 2s 4s]", got)
	}
	if tr.State() != StateError {
		t.Errorf("State = %s, want ERROR", tr.State())
	}

	// No further automatic attempts.
	time.Sleep(20 * time.Millisecond)
	if p.Calls() != 4 {
		t.Errorf("Connect calls grew to %d after exhaustion", p.Calls())
	}
}

func TestConnect_MaxRetriesZero(t *testing.T) {
	p := &s2smock.Provider{ConnectErr: errDial}
	tr := newTransport(p, &fakeClock{}, WithMaxRetries(0))

	if err := tr.Connect(context.Background(), "x", Callbacks{}); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("err = %v, want ErrConnectionFailed", err)
	}
	if p.Calls() != 1 {
		t.Errorf("Connect calls = %d, want 1", p.Calls())
	}
}

func TestConnect_CloseAbortsBackoff(t *testing.T) {
	p := &s2smock.Provider{ConnectErr: errDial}
	tr := New(p, WithInitialBackoff(time.Hour))

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Connect(context.Background(), "x", Callbacks{}) }()

	waitFor(t, "first attempt", func() bool { return p.Calls() == 1 })
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after Close")
	}
	if p.Calls() != 1 {
		t.Errorf("Connect calls = %d, want 1", p.Calls())
	}
	if tr.State() != StateClosed {
		t.Errorf("State = %s, want CLOSED", tr.State())
	}
}

func TestConnect_ContextCancelAbortsBackoff(t *testing.T) {
	p := &s2smock.Provider{ConnectErr: errDial}
	tr := New(p, WithInitialBackoff(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- tr.Connect(ctx, "x", Callbacks{}) }()

	waitFor(t, "first attempt", func() bool { return p.Calls() == 1 })
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after cancel")
	}
	if tr.State() != StateError {
		t.Errorf("State = %s, want ERROR", tr.State())
	}
}

func TestConnect_CloseDuringDial(t *testing.T) {
	sess := s2smock.NewSession()
	release := make(chan struct{})
	p := &s2smock.Provider{
		Session: sess,
		ConnectHook: func(ctx context.Context) {
			<-release
		},
	}
	tr := New(p)

	errCh := make(chan error, 1)
	go func() { errCh <- tr.Connect(context.Background(), "x", Callbacks{}) }()

	waitFor(t, "connecting", func() bool { return tr.State() == StateConnecting })
	_ = tr.Close()
	close(release)

	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if tr.State() != StateClosed {
		t.Errorf("State = %s, want CLOSED", tr.State())
	}
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Error("Done not closed")
	}
}

func TestConnect_OnlyOnce(t *testing.T) {
	tr := New(&s2smock.Provider{})
	t.Cleanup(func() { _ = tr.Close() })

	if err := tr.Connect(context.Background(), "x", Callbacks{}); err != nil {
		t.Fatalf("first Connect: %v", err)
	}
	if err := tr.Connect(context.Background(), "x", Callbacks{}); err == nil {
		t.Error("second Connect should fail")
	}
}

func TestConnect_AfterClose(t *testing.T) {
	p := &s2smock.Provider{}
	tr := New(p)
	_ = tr.Close()

	if err := tr.Connect(context.Background(), "x", Callbacks{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if p.Calls() != 0 {
		t.Errorf("Connect calls = %d, want 0", p.Calls())
	}
}

// ── OnOpen ────────────────────────────────────────────────────────────────────

func TestConnect_OnOpenRunsWhenOpen(t *testing.T) {
	tr := New(&s2smock.Provider{})
	t.Cleanup(func() { _ = tr.Close() })

	var stateAtOpen State
	err := tr.Connect(context.Background(), "x", Callbacks{
		OnOpen: func() error {
			stateAtOpen = tr.State()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if stateAtOpen != StateOpen {
		t.Errorf("state during OnOpen = %s, want OPEN", stateAtOpen)
	}
}

func TestConnect_OnOpenErrorClosesWithoutRetry(t *testing.T) {
	sess := s2smock.NewSession()
	p := &s2smock.Provider{Session: sess}
	tr := newTransport(p, &fakeClock{})
	errMic := errors.New("microphone busy")

	err := tr.Connect(context.Background(), "x", Callbacks{
		OnOpen: func() error { return errMic },
	})
	if !errors.Is(err, errMic) {
		t.Fatalf("err = %v, want errMic", err)
	}
	if p.Calls() != 1 {
		t.Errorf("Connect calls = %d, want 1", p.Calls())
	}
	if tr.State() != StateClosed {
		t.Errorf("State = %s, want CLOSED", tr.State())
	}
	if sess.Closes() != 1 {
		t.Errorf("session closes = %d, want 1", sess.Closes())
	}
}

func TestConnect_Greeting(t *testing.T) {
	sess := s2smock.NewSession()
	tr := New(&s2smock.Provider{Session: sess}, WithGreeting("Please start our lesson on %s."))
	t.Cleanup(func() { _ = tr.Close() })

	if err := tr.Connect(context.Background(), "Magnets", Callbacks{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	texts := sess.Texts()
	if len(texts) != 1 || texts[0] != "Please start our lesson on Magnets." {
		t.Errorf("texts = %q", texts)
	}
}

func TestConnect_NoGreetingByDefault(t *testing.T) {
	sess := s2smock.NewSession()
	tr := New(&s2smock.Provider{Session: sess})
	t.Cleanup(func() { _ = tr.Close() })

	if err := tr.Connect(context.Background(), "Magnets", Callbacks{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if texts := sess.Texts(); len(texts) != 0 {
		t.Errorf("texts = %q, want none", texts)
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_OnlyWhenOpen(t *testing.T) {
	m, reader := newTestMetrics(t)
	sess := s2smock.NewSession()
	tr := New(&s2smock.Provider{Session: sess}, WithMetrics(m))
	frame := audio.EncodeFrame(make([]float32, 16), audio.InputSampleRate)

	// IDLE: dropped, no panic.
	tr.Send(frame)

	if err := tr.Connect(context.Background(), "x", Callbacks{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.Send(frame)
	tr.Send(frame)

	_ = tr.Close()
	tr.Send(frame)

	if got := len(sess.Frames()); got != 2 {
		t.Errorf("frames on the wire = %d, want 2", got)
	}
	if v := counterValue(t, reader, "lessonvoice.frames.sent", "", ""); v != 2 {
		t.Errorf("frames.sent = %d, want 2", v)
	}
	if v := counterValue(t, reader, "lessonvoice.frames.dropped", "reason", observe.DropNotOpen); v != 2 {
		t.Errorf("frames.dropped{not_open} = %d, want 2", v)
	}
}

func TestSend_ProviderFailureIsAbsorbed(t *testing.T) {
	m, reader := newTestMetrics(t)
	sess := s2smock.NewSession()
	sess.SendAudioErr = errors.New("write: broken pipe")
	tr := New(&s2smock.Provider{Session: sess}, WithMetrics(m))
	t.Cleanup(func() { _ = tr.Close() })

	if err := tr.Connect(context.Background(), "x", Callbacks{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	tr.Send(audio.EncodeFrame(make([]float32, 16), audio.InputSampleRate))

	if tr.State() != StateOpen {
		t.Errorf("State = %s, want OPEN after a failed send", tr.State())
	}
	if v := counterValue(t, reader, "lessonvoice.frames.dropped", "reason", observe.DropSendFailed); v != 1 {
		t.Errorf("frames.dropped{send_failed} = %d, want 1", v)
	}
}

func TestSend_ConcurrentWithClose(t *testing.T) {
	tr := New(&s2smock.Provider{})
	if err := tr.Connect(context.Background(), "x", Callbacks{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	frame := audio.EncodeFrame(make([]float32, 16), audio.InputSampleRate)

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for range 200 {
				tr.Send(frame)
			}
		})
	}
	wg.Go(func() { _ = tr.Close() })
	wg.Wait()
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestInbound_AudioInOrder(t *testing.T) {
	sess := s2smock.NewSession()
	tr := New(&s2smock.Provider{Session: sess})
	t.Cleanup(func() { _ = tr.Close() })

	var mu sync.Mutex
	var got []byte
	err := tr.Connect(context.Background(), "x", Callbacks{
		OnAudioChunk: func(pcm []byte) {
			mu.Lock()
			got = append(got, pcm...)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := range 10 {
		sess.Emit([]byte{byte(i)})
	}
	waitFor(t, "10 chunks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 10
	})
	for i, b := range got {
		if int(b) != i {
			t.Fatalf("chunk order = %v", got)
		}
	}
}

func TestInbound_Transcripts(t *testing.T) {
	sess := s2smock.NewSession()
	p := &s2smock.Provider{Session: sess}
	tr := New(p)
	t.Cleanup(func() { _ = tr.Close() })

	entries := make(chan s2s.TranscriptEntry, 1)
	err := tr.Connect(context.Background(), "x", Callbacks{
		OnTranscript: func(e s2s.TranscriptEntry) { entries <- e },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !p.LastConfig().Transcribe {
		t.Error("Transcribe should be requested when OnTranscript is set")
	}

	sess.EmitTranscript(s2s.TranscriptEntry{Speaker: s2s.SpeakerModel, Text: "Hello!"})
	select {
	case e := <-entries:
		if e.Text != "Hello!" {
			t.Errorf("entry = %+v", e)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for transcript")
	}
}

func TestInbound_TranscriptsDrainedWithoutCallback(t *testing.T) {
	sess := s2smock.NewSession()
	tr := New(&s2smock.Provider{Session: sess})
	t.Cleanup(func() { _ = tr.Close() })

	if err := tr.Connect(context.Background(), "x", Callbacks{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	// Far more than the channel buffer; a missing consumer would block here.
	done := make(chan struct{})
	go func() {
		for range 100 {
			sess.EmitTranscript(s2s.TranscriptEntry{Text: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("transcript producer blocked")
	}
}

// ── Errors ────────────────────────────────────────────────────────────────────

func TestLinkLost_MovesToErrorAndReports(t *testing.T) {
	m, reader := newTestMetrics(t)
	sess := s2smock.NewSession()
	tr := New(&s2smock.Provider{Session: sess}, WithMetrics(m))
	t.Cleanup(func() { _ = tr.Close() })

	errs := make(chan error, 1)
	if err := tr.Connect(context.Background(), "x", Callbacks{OnError: func(err error) { errs <- err }}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errReset := errors.New("connection reset")
	sess.End(errReset)

	select {
	case err := <-errs:
		if !errors.Is(err, errReset) || !errors.Is(err, ErrLinkLost) {
			t.Errorf("OnError got %v, want ErrLinkLost wrapping errReset", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnError not called")
	}
	waitFor(t, "ERROR state", func() bool { return tr.State() == StateError })
	if v := counterValue(t, reader, "lessonvoice.transport.errors", "", ""); v != 1 {
		t.Errorf("transport.errors = %d, want 1", v)
	}

	// No reconnect on its own.
	if tr.Attempts() != 1 {
		t.Errorf("Attempts = %d, want 1", tr.Attempts())
	}
}

func TestLinkLost_CleanRemoteClose(t *testing.T) {
	sess := s2smock.NewSession()
	tr := New(&s2smock.Provider{Session: sess})
	t.Cleanup(func() { _ = tr.Close() })

	errs := make(chan error, 1)
	if err := tr.Connect(context.Background(), "x", Callbacks{OnError: func(err error) { errs <- err }}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess.End(nil)

	select {
	case err := <-errs:
		if !errors.Is(err, ErrRemoteClosed) || !errors.Is(err, ErrLinkLost) {
			t.Errorf("OnError got %v, want ErrLinkLost wrapping ErrRemoteClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnError not called")
	}
}

func TestEndpointErrorIsForwarded(t *testing.T) {
	sess := s2smock.NewSession()
	tr := New(&s2smock.Provider{Session: sess})
	t.Cleanup(func() { _ = tr.Close() })

	var got atomic.Value
	if err := tr.Connect(context.Background(), "x", Callbacks{OnError: func(err error) { got.Store(err) }}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess.FireError(errors.New("server going away"))

	if err, _ := got.Load().(error); err == nil || err.Error() != "server going away" {
		t.Errorf("OnError got %v", got.Load())
	}
	if tr.State() != StateOpen {
		t.Errorf("State = %s, want OPEN after a non-fatal error", tr.State())
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	sess := s2smock.NewSession()
	tr := New(&s2smock.Provider{Session: sess})

	var onErr atomic.Int32
	if err := tr.Connect(context.Background(), "x", Callbacks{OnError: func(error) { onErr.Add(1) }}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := range 3 {
		if err := tr.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if sess.Closes() != 1 {
		t.Errorf("session closes = %d, want 1", sess.Closes())
	}
	if tr.State() != StateClosed {
		t.Errorf("State = %s, want CLOSED", tr.State())
	}

	select {
	case <-tr.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Done not closed after Close")
	}
	if onErr.Load() != 0 {
		t.Errorf("OnError called %d times for a local Close", onErr.Load())
	}
}

func TestClose_FromIdle(t *testing.T) {
	tr := New(&s2smock.Provider{})
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tr.State() != StateClosed {
		t.Errorf("State = %s, want CLOSED", tr.State())
	}
	select {
	case <-tr.Done():
	default:
		t.Error("Done should be closed")
	}
}

func TestClose_ReturnsSessionError(t *testing.T) {
	sess := s2smock.NewSession()
	sess.CloseErr = errors.New("close frame rejected")
	tr := New(&s2smock.Provider{Session: sess})
	if err := tr.Connect(context.Background(), "x", Callbacks{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	first := tr.Close()
	if !errors.Is(first, sess.CloseErr) {
		t.Fatalf("Close = %v, want wrapped CloseErr", first)
	}
	if second := tr.Close(); second != first {
		t.Errorf("second Close = %v, want the first result", second)
	}
}
