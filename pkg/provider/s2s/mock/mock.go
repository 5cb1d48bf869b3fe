// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to drive the bidirectional audio/transcript streams and inspect
// which methods were invoked by the transport.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess, ConnectErrs: []error{errDial}}
//	handle, _ := p.Connect(ctx, cfg) // first call fails with errDial
//	sess.Emit(pcm)                   // model audio arrives
//	sess.End(io.ErrUnexpectedEOF)    // remote side drops the link
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lessonvoice/pkg/audio"
	"github.com/MrWong99/lessonvoice/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by a successful Connect. If nil,
	// Connect returns a new Session from [NewSession] on every call.
	Session s2s.SessionHandle

	// ConnectErrs is consumed front to back, one entry per Connect call. A nil
	// entry lets that call succeed. Once it is exhausted ConnectErr applies.
	ConnectErrs []error

	// ConnectErr, if non-nil, is returned by every Connect call made after
	// ConnectErrs is exhausted.
	ConnectErr error

	// ConnectHook, if set, runs at the start of every Connect call without the
	// mock's lock held. Tests use it to block or to observe timing.
	ConnectHook func(ctx context.Context)

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int

	// sessions holds every handle returned by Connect.
	sessions []s2s.SessionHandle
}

// Connect records the call and returns the next scripted outcome.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	hook := p.ConnectHook
	p.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})

	var err error
	if len(p.ConnectErrs) > 0 {
		err, p.ConnectErrs = p.ConnectErrs[0], p.ConnectErrs[1:]
	} else {
		err = p.ConnectErr
	}
	if err != nil {
		return nil, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	var sess s2s.SessionHandle = p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Calls returns how many times Connect was called. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastConfig returns the SessionConfig of the most recent Connect call.
func (p *Provider) LastConfig() s2s.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ConnectCalls) == 0 {
		return s2s.SessionConfig{}
	}
	return p.ConnectCalls[len(p.ConnectCalls)-1].Cfg
}

// Sessions returns every handle Connect has handed out.
func (p *Provider) Sessions() []s2s.SessionHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]s2s.SessionHandle, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
	p.sessions = nil
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
//
// The Audio and Transcripts channels are owned by the Session: feed them with
// [Session.Emit] and [Session.EmitTranscript], and end the stream with
// [Session.End] or Close. Never close them directly.
type Session struct {
	mu sync.Mutex

	audioCh     chan []byte
	transcripts chan s2s.TranscriptEntry
	endOnce     sync.Once
	errVal      error
	onError     func(error)

	// --- Configurable errors ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every frame passed to SendAudio, in order.
	SendAudioCalls []audio.EncodedFrame

	// SendTextCalls records every string passed to SendText, in order.
	SendTextCalls []string

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session with buffered audio and transcript channels.
func NewSession() *Session {
	return &Session{
		audioCh:     make(chan []byte, 64),
		transcripts: make(chan s2s.TranscriptEntry, 16),
	}
}

// Emit queues one chunk of model audio. It reports false once the session
// has ended.
func (s *Session) Emit(pcm []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	s.audioCh <- pcm
	return true
}

// EmitTranscript queues one transcript entry. It reports false once the
// session has ended.
func (s *Session) EmitTranscript(e s2s.TranscriptEntry) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	s.transcripts <- e
	return true
}

// End closes both channels as if the remote side dropped the link. err is
// reported by Err; pass nil for a clean end.
func (s *Session) End(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.errVal = err
		s.mu.Unlock()
		close(s.audioCh)
		close(s.transcripts)
	})
}

// FireError invokes the handler registered with OnError, if any.
func (s *Session) FireError(err error) {
	s.mu.Lock()
	h := s.onError
	s.mu.Unlock()
	if h != nil {
		h(err)
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(frame audio.EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := frame
	cp.Data = append([]byte(nil), frame.Data...)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, text)
	return s.SendTextErr
}

// Audio returns the model audio channel.
func (s *Session) Audio() <-chan []byte { return s.audioCh }

// Err returns the error passed to End.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Transcripts returns the transcript channel.
func (s *Session) Transcripts() <-chan s2s.TranscriptEntry { return s.transcripts }

// OnError stores the handler for [Session.FireError].
func (s *Session) OnError(handler func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = handler
}

// Close records the call, ends the session cleanly and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.End(nil)
	return err
}

// Frames returns a copy of the recorded SendAudio frames.
func (s *Session) Frames() []audio.EncodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedFrame, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// Texts returns a copy of the recorded SendText calls.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.SendTextCalls))
	copy(out, s.SendTextCalls)
	return out
}

// Closes returns how many times Close was called.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.SendTextCalls = nil
	s.CloseCallCount = 0
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
