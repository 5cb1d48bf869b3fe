package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/MrWong99/lessonvoice/pkg/provider/s2s"
)

// ErrAllFailed is returned by [Failover.Connect] when every endpoint failed or
// had an open breaker. It wraps the last endpoint error.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

// ErrIncompatible is returned by [NewFailover] when a fallback emits audio at
// a different rate than the primary.
var ErrIncompatible = errors.New("resilience: incompatible fallback")

// Endpoint is one named realtime provider.
type Endpoint struct {
	Name     string
	Provider s2s.Provider
}

type endpoint struct {
	Endpoint
	caps    s2s.Capabilities
	breaker *CircuitBreaker
}

// Failover is an [s2s.Provider] that dials its endpoints in order. Endpoints
// whose breaker is open are skipped; a failed dial moves on to the next
// endpoint within the same Connect call.
type Failover struct {
	endpoints []*endpoint
	caps      s2s.Capabilities
}

var _ s2s.Provider = (*Failover)(nil)

// NewFailover wraps primary and fallbacks. Every endpoint must produce audio
// at the primary's output rate, since the playback device is opened once.
func NewFailover(primary Endpoint, fallbacks []Endpoint, cfg CircuitBreakerConfig) (*Failover, error) {
	f := &Failover{}
	for _, e := range append([]Endpoint{primary}, fallbacks...) {
		bc := cfg
		bc.Name = e.Name
		ep := &endpoint{Endpoint: e, caps: e.Provider.Capabilities(), breaker: NewCircuitBreaker(bc)}
		if len(f.endpoints) > 0 && ep.caps.OutputSampleRate != f.endpoints[0].caps.OutputSampleRate {
			return nil, fmt.Errorf("%w: %s outputs %d Hz, %s outputs %d Hz", ErrIncompatible,
				e.Name, ep.caps.OutputSampleRate, primary.Name, f.endpoints[0].caps.OutputSampleRate)
		}
		f.endpoints = append(f.endpoints, ep)
	}

	f.caps = f.endpoints[0].caps
	f.caps.Voices = slices.Clone(f.caps.Voices)
	for _, ep := range f.endpoints[1:] {
		limit := ep.caps.MaxSessionDuration
		if limit > 0 && (f.caps.MaxSessionDuration == 0 || limit < f.caps.MaxSessionDuration) {
			f.caps.MaxSessionDuration = limit
		}
	}
	return f, nil
}

// Capabilities returns the primary's capabilities with the shortest session
// limit of all endpoints, so the session watchdog holds for whichever one
// ends up serving.
func (f *Failover) Capabilities() s2s.Capabilities {
	return f.caps
}

// Connect dials the first endpoint whose breaker allows it. A voice the
// endpoint does not offer is dropped so the endpoint uses its default.
func (f *Failover) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	var lastErr error
	for _, ep := range f.endpoints {
		epCfg := cfg
		if epCfg.Voice != "" && len(ep.caps.Voices) > 0 && !slices.Contains(ep.caps.Voices, epCfg.Voice) {
			epCfg.Voice = ""
		}

		var handle s2s.SessionHandle
		err := ep.breaker.Execute(func() error {
			var err error
			handle, err = ep.Provider.Connect(ctx, epCfg)
			return err
		})
		if err == nil {
			if ep != f.endpoints[0] {
				slog.Warn("connected to fallback endpoint", "endpoint", ep.Name)
			}
			return handle, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping endpoint, circuit open", "endpoint", ep.Name)
		} else {
			slog.Warn("endpoint failed, trying next", "endpoint", ep.Name, "err", err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// States reports the breaker state of every endpoint, keyed by name.
func (f *Failover) States() map[string]State {
	states := make(map[string]State, len(f.endpoints))
	for _, ep := range f.endpoints {
		states[ep.Name] = ep.breaker.State()
	}
	return states
}
