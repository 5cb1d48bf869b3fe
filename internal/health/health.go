// Package health provides HTTP health and readiness check handlers.
//
// The package exposes two endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker. A passing
// checker may report a detail string that replaces the plain "ok".
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/lessonvoice/internal/config"
	"github.com/MrWong99/lessonvoice/internal/resilience"
	"github.com/MrWong99/lessonvoice/internal/session"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. Check returns a non-nil error
// describing the failure, or an optional detail string when healthy.
type Checker struct {
	// Name is a short label for this check (e.g. "session", "config").
	// It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) (string, error)
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		detail, err := c.Check(ctx)
		cancel()

		switch {
		case err != nil:
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		case detail != "":
			checks[c.Name] = "ok: " + detail
		default:
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// ── Checkers ─────────────────────────────────────────────────────────────────

// StatusReporter is implemented by [session.Orchestrator].
type StatusReporter interface {
	Status() session.Status
}

var (
	// ErrNotActive is reported by [SessionChecker] while no session is live.
	ErrNotActive = errors.New("no active session")

	// ErrNotCapturing is reported by [SessionChecker] when a live session no
	// longer receives microphone frames.
	ErrNotCapturing = errors.New("microphone is not capturing")
)

// SessionChecker reports the orchestrator state. It passes only while a
// session is active.
func SessionChecker(src StatusReporter) Checker {
	return Checker{
		Name: "session",
		Check: func(ctx context.Context) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			st := src.Status()
			switch st.State {
			case "active":
				if !st.Capturing {
					return "", fmt.Errorf("%w: session %s", ErrNotCapturing, st.SessionID)
				}
				return fmt.Sprintf("session %s on %q for %s", st.SessionID, st.Topic, time.Since(st.Since).Round(time.Second)), nil
			case "starting":
				return "", fmt.Errorf("%w: session %s is starting", ErrNotActive, st.SessionID)
			default:
				return "", ErrNotActive
			}
		},
	}
}

// ConfigChecker verifies that the current configuration names a registered
// provider and carries credentials. current is called on every probe so a
// reloaded config is picked up.
func ConfigChecker(current func() *config.Config, reg *config.Registry) Checker {
	return Checker{
		Name: "config",
		Check: func(ctx context.Context) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			cfg := current()
			if cfg == nil {
				return "", errors.New("no configuration loaded")
			}
			var errs []error
			names := reg.Names()
			if !slices.Contains(names, cfg.Provider.Name) {
				errs = append(errs, fmt.Errorf("provider %q is not registered", cfg.Provider.Name))
			}
			for i, fb := range cfg.Provider.Fallbacks {
				if !slices.Contains(names, fb.Name) {
					errs = append(errs, fmt.Errorf("fallback %d: provider %q is not registered", i, fb.Name))
				}
			}
			if cfg.Provider.APIKey == "" {
				errs = append(errs, errors.New("provider api_key is empty"))
			}
			if err := errors.Join(errs...); err != nil {
				return "", err
			}
			if n := len(cfg.Provider.Fallbacks); n > 0 {
				return fmt.Sprintf("provider %s with %d fallbacks", cfg.Provider.Name, n), nil
			}
			return "provider " + cfg.Provider.Name, nil
		},
	}
}

// BreakerReporter is implemented by [resilience.Failover].
type BreakerReporter interface {
	States() map[string]resilience.State
}

// ErrAllEndpointsOpen is reported by [ProviderChecker] when no endpoint would
// be tried by the next connection attempt.
var ErrAllEndpointsOpen = errors.New("every provider endpoint has an open circuit")

// ProviderChecker reports the circuit breaker of every provider endpoint. It
// fails only while all of them are open.
func ProviderChecker(src BreakerReporter) Checker {
	return Checker{
		Name: "provider",
		Check: func(ctx context.Context) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			states := src.States()
			names := make([]string, 0, len(states))
			for name := range states {
				names = append(names, name)
			}
			slices.Sort(names)

			parts := make([]string, 0, len(names))
			usable := 0
			for _, name := range names {
				st := states[name]
				if st != resilience.StateOpen {
					usable++
				}
				parts = append(parts, name+" "+st.String())
			}
			detail := strings.Join(parts, ", ")
			if usable == 0 {
				return "", fmt.Errorf("%w: %s", ErrAllEndpointsOpen, detail)
			}
			return detail, nil
		},
	}
}
