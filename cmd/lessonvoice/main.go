// Command lessonvoice runs a spoken tutoring session with a remote realtime
// voice model: the microphone streams to the model and its answers play
// through the speaker until the process is interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/lessonvoice/internal/config"
	"github.com/MrWong99/lessonvoice/internal/health"
	"github.com/MrWong99/lessonvoice/internal/observe"
	"github.com/MrWong99/lessonvoice/internal/resilience"
	"github.com/MrWong99/lessonvoice/internal/session"
	"github.com/MrWong99/lessonvoice/internal/transport"
	"github.com/MrWong99/lessonvoice/pkg/audio/portaudio"
	"github.com/MrWong99/lessonvoice/pkg/provider/s2s"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	topic := flag.String("topic", "", "lesson topic the tutor should teach")
	listDevices := flag.Bool("list-devices", false, "print the available audio devices and exit")
	flag.Parse()

	if *listDevices {
		if err := printDevices(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "lessonvoice: %v\n", err)
			return 1
		}
		return 0
	}
	if *topic == "" {
		fmt.Fprintln(os.Stderr, "lessonvoice: -topic is required")
		flag.Usage()
		return 2
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Configuration (hot-reloaded) ──────────────────────────────────────────
	var live atomic.Pointer[session.Orchestrator]
	watcher, err := config.NewWatcher(*configPath, func(_, cfg *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
		}
		if orch := live.Load(); d.SessionChanged && orch != nil {
			orch.Reconfigure(transportOptions(cfg), cfg.Session.ActivityDecay)
			slog.Info("session settings updated; they apply to the next session", "fields", d.Fields)
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart to take effect", "fields", d.RestartRequired)
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "lessonvoice: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "lessonvoice: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("lessonvoice starting",
		"version", version,
		"config", *configPath,
		"provider", cfg.Provider.Name,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Provider ──────────────────────────────────────────────────────────────
	reg := config.DefaultRegistry()
	provider, err := reg.Build(cfg.Provider)
	if err != nil {
		slog.Error("failed to build provider", "err", err, "known", reg.Names())
		return 1
	}

	if rate := provider.Capabilities().OutputSampleRate; rate > 0 && rate != cfg.Audio.Output.SampleRate {
		slog.Warn("audio.output.sample_rate differs from the provider's audio rate, playing at the provider rate",
			"configured", cfg.Audio.Output.SampleRate,
			"provider", rate,
		)
	}

	orch := session.New(orchestratorConfig(cfg, provider, metrics))
	live.Store(orch)

	// ── Diagnostics server ────────────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "-" {
		checkers := []health.Checker{
			health.SessionChecker(orch),
			health.ConfigChecker(watcher.Current, reg),
		}
		if fo, ok := provider.(*resilience.Failover); ok {
			checkers = append(checkers, health.ProviderChecker(fo))
		}
		srv, err = serveDiagnostics(cfg.Server.ListenAddr, metrics, checkers...)
		if err != nil {
			slog.Error("failed to start diagnostics server", "err", err)
			return 1
		}
	}

	// ── Session ───────────────────────────────────────────────────────────────
	ended := make(chan error, 1)
	h := session.Handlers{
		OnActivity: func(active bool) {
			if active {
				fmt.Println("● tutor speaking")
			} else {
				fmt.Println("○ listening")
			}
		},
		OnTranscript: func(e s2s.TranscriptEntry) {
			fmt.Printf("[%s] %s\n", speakerLabel(e.Speaker), e.Text)
		},
		OnError: func(err error) {
			slog.Warn("session error", "err", err)
			if errors.Is(err, transport.ErrLinkLost) {
				select {
				case ended <- err:
				default:
				}
			}
		},
	}

	printSummary(os.Stdout, cfg, *topic)
	if err := orch.StartSession(ctx, *topic, h); err != nil {
		if errors.Is(err, session.ErrStopped) || ctx.Err() != nil {
			slog.Info("interrupted while connecting")
			return 0
		}
		slog.Error("could not start session", "err", err)
		return 1
	}
	slog.Info("session live, speak into the microphone; press Ctrl+C to finish")

	code := 0
	select {
	case <-ctx.Done():
	case err := <-ended:
		slog.Error("session ended", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	if err := orch.StopSession(); err != nil {
		slog.Warn("session stop error", "err", err)
	}
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			slog.Warn("diagnostics server shutdown error", "err", err)
		}
	}
	slog.Info("goodbye")
	return code
}

// ── Wiring ────────────────────────────────────────────────────────────────────

func orchestratorConfig(cfg *config.Config, provider s2s.Provider, metrics *observe.Metrics) session.Config {
	return session.Config{
		Provider:      provider,
		InputDevice:   portaudio.NewInput(),
		OutputDevice:  portaudio.NewOutput(),
		Capture:       captureOptions(cfg.Audio.Input),
		Playback:      playbackOptions(cfg.Audio.Output),
		Transport:     transportOptions(cfg),
		ActivityDecay: cfg.Session.ActivityDecay,
		Metrics:       metrics,
	}
}

// serveDiagnostics binds addr and serves /metrics, /healthz and /readyz in the
// background.
func serveDiagnostics(addr string, metrics *observe.Metrics, checkers ...health.Checker) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("diagnostics server error", "err", err)
		}
	}()
	slog.Info("diagnostics server listening", "addr", ln.Addr().String())
	return srv, nil
}

// ── Output ────────────────────────────────────────────────────────────────────

func printDevices(w io.Writer) error {
	devices, err := portaudio.ListDevices()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tIN\tOUT\tRATE\tDEFAULT")
	for _, d := range devices {
		def := ""
		if d.Default {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.0f\t%s\n", d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate, def)
	}
	return tw.Flush()
}

func printSummary(w io.Writer, cfg *config.Config, topic string) {
	fmt.Fprintln(w, "lessonvoice")
	fmt.Fprintf(w, "  topic    : %s\n", topic)
	fmt.Fprintf(w, "  provider : %s\n", providerLabel(cfg.Provider))
	fmt.Fprintf(w, "  voice    : %s\n", cfg.Provider.Voice)
	fmt.Fprintf(w, "  mic      : %s\n", deviceLabel(cfg.Audio.Input.Device))
	fmt.Fprintf(w, "  speaker  : %s\n", deviceLabel(cfg.Audio.Output.Device))
	if cfg.Server.ListenAddr != "-" {
		fmt.Fprintf(w, "  metrics  : http://%s/metrics\n", cfg.Server.ListenAddr)
	}
}

func providerLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + " / " + e.Model
}

func deviceLabel(name string) string {
	if name == "" {
		return "(system default)"
	}
	return name
}

func speakerLabel(s s2s.Speaker) string {
	if s == s2s.SpeakerUser {
		return "you"
	}
	return "tutor"
}
