// Package app wires the carevox subsystems into a running HTTP server.
//
// The App struct owns the full lifecycle: New builds the dialogue roster,
// correction stage, journal, and admission control from the config; Handler
// exposes the routes; Shutdown drains live sessions and tears everything down
// in order.
//
// For testing, inject test doubles via functional options (WithJournal,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/MrWong99/carevox/internal/config"
	"github.com/MrWong99/carevox/internal/dialogue"
	"github.com/MrWong99/carevox/internal/health"
	"github.com/MrWong99/carevox/internal/journal"
	"github.com/MrWong99/carevox/internal/observe"
	"github.com/MrWong99/carevox/internal/resilience"
	"github.com/MrWong99/carevox/internal/session"
	"github.com/MrWong99/carevox/internal/transcript/correct"
)

// App owns all subsystem lifetimes and serves voice sessions.
type App struct {
	cfg       *config.Config
	providers *Providers
	journal   journal.Writer
	metrics   *observe.Metrics

	deps       session.Deps
	sessionCfg session.Config
	sessions   *SessionManager
	limiter    *rate.Limiter
	health     *health.Handler
	accept     *websocket.AcceptOptions
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithJournal injects a journal writer instead of opening one from config.
// The App does not close an injected writer.
func WithJournal(w journal.Writer) Option {
	return func(a *App) { a.journal = w }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers comes from
// [BuildProviders] (or test doubles); LLM and STT are required, TTS is
// optional.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil || providers.STT == nil {
		return nil, errors.New("app: llm and stt providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.providers.CorrectionLLM == nil {
		a.providers.CorrectionLLM = a.providers.LLM
	}

	// ── 1. Journal ───────────────────────────────────────────────────────
	if a.journal == nil {
		w, err := OpenJournal(ctx, cfg.Journal)
		if err != nil {
			return nil, err
		}
		a.journal = w
		a.closers = append(a.closers, w.Close)
	}

	// ── 2. Dialogue roster + runner ──────────────────────────────────────
	roster, err := buildRoster(cfg.Agents)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("app: build roster: %w", err)
	}
	runnerOpts := []dialogue.Option{dialogue.WithMetrics(a.metrics)}
	if n := cfg.Session.MaxHandoffs; n > 0 {
		runnerOpts = append(runnerOpts, dialogue.WithMaxHandoffs(n))
	}
	if n := cfg.Session.MaxHistoryTokens; n > 0 {
		runnerOpts = append(runnerOpts, dialogue.WithMaxHistoryTokens(n))
	}
	runner := dialogue.NewRunner(a.providers.LLM, roster, runnerOpts...)

	// ── 3. Correction stage ──────────────────────────────────────────────
	corrOpts := []correct.Option{correct.WithMetrics(a.metrics)}
	if d := cfg.Session.CorrectTimeout; d > 0 {
		corrOpts = append(corrOpts, correct.WithModelTimeout(d))
	}
	corrector := correct.New(a.providers.CorrectionLLM, corrOpts...)

	a.deps = session.Deps{
		Transcriber: a.providers.STT,
		Corrector:   corrector,
		Runner:      runner,
		Synthesizer: a.providers.TTS,
		Voice:       cfg.Voice,
		Journal:     a.journal,
		Metrics:     a.metrics,
	}
	a.sessionCfg = sessionConfig(cfg.Session, roster.Default())

	// ── 4. Admission control ─────────────────────────────────────────────
	a.sessions = NewSessionManager(cfg.Server.MaxSessions)
	if r := cfg.Server.ConnectRate; r.PerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(r.PerSecond), max(r.Burst, 1))
	}
	a.accept = &websocket.AcceptOptions{OriginPatterns: cfg.Server.AllowedOrigins}

	// ── 5. Health + routes ───────────────────────────────────────────────
	a.health = health.New(
		health.PingChecker("journal", a.journal),
		health.CapacityChecker(a.sessions.Active, cfg.Server.MaxSessions),
		stageChecker("llm", a.providers.LLM, false),
		stageChecker("stt", a.providers.STT, false),
		stageChecker("tts", a.providers.TTS, true),
	)
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", a.ServeWS)
	mux.HandleFunc("GET /sessions", a.listSessions)
	mux.HandleFunc("GET /providers", a.providerStatus)
	a.handler = observe.Middleware(a.metrics)(mux)

	slog.Info("app ready",
		"agents", len(roster.Names()),
		"default_agent", roster.Default(),
		"journal", cfg.Journal.Backend,
		"max_sessions", cfg.Server.MaxSessions,
		"tts", a.providers.TTS != nil,
	)
	return a, nil
}

// buildRoster returns the configured roster, or the built-in healthcare
// roster when none is configured.
func buildRoster(ac config.AgentsConfig) (*dialogue.Roster, error) {
	agents := ac.Roster
	if len(agents) == 0 {
		agents = dialogue.DefaultAgents()
	}
	def := ac.Default
	if def == "" {
		if len(ac.Roster) == 0 {
			def = dialogue.DefaultAgentName
		} else {
			def = ac.Roster[0].Name
		}
	}
	return dialogue.NewRoster(def, agents)
}

// sessionConfig maps the YAML session section onto controller tuning. Zero
// values keep the controller defaults.
func sessionConfig(sc config.SessionConfig, defaultAgent string) session.Config {
	return session.Config{
		FlushThreshold:     sc.FlushThreshold,
		SilenceThreshold:   sc.SilenceThreshold,
		MaxSilenceRun:      sc.MaxSilenceRun,
		MaxUtterance:       sc.MaxUtterance,
		FrameFloor:         sc.FrameFloor,
		PacketSize:         sc.PacketSize,
		MinTranscriptChars: sc.MinTranscriptChars,
		ConfidenceGate:     sc.ConfidenceGate,
		GateWait:           sc.GateWait,
		TranscribeTimeout:  sc.TranscribeTimeout,
		CorrectTimeout:     sc.CorrectTimeout,
		DialogueTimeout:    sc.DialogueTimeout,
		AdvancedSTT:        sc.STT.Advanced,
		DegradedSTT:        sc.STT.Degraded,
		DefaultAgent:       defaultAgent,
	}
}

// stageChecker reports a pipeline stage as failed once every backend behind
// its breakers is open. TTS is optional: sessions fall back to text replies.
func stageChecker(kind string, p any, optional bool) health.Checker {
	return health.Checker{
		Name:     kind,
		Optional: optional,
		Check: func(context.Context) error {
			if r, ok := p.(resilience.Reporter); ok && !r.Available() {
				return errors.New("every backend is tripped")
			}
			return nil
		},
	}
}

// providerStatus lists the failover members of every configured stage.
func (a *App) providerStatus(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string][]resilience.Member)
	for kind, p := range map[string]any{
		"llm":            a.providers.LLM,
		"correction_llm": a.providers.CorrectionLLM,
		"stt":            a.providers.STT,
		"tts":            a.providers.TTS,
	} {
		if r, ok := p.(resilience.Reporter); ok {
			out[kind] = r.Members()
		}
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler with /ws, /healthz, /readyz,
// /metrics, /sessions and /providers.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ServeWS upgrades the request to a WebSocket and runs one voice session on
// it until the client disconnects or the server drains.
func (a *App) ServeWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	base := observe.Logger(ctx)

	if a.limiter != nil && !a.limiter.Allow() {
		a.metrics.RecordRejectedConnection(ctx, "rate_limited")
		base.Warn("rejecting session", "reason", "rate_limited", "remote", r.RemoteAddr)
		http.Error(w, "too many new sessions, retry shortly", http.StatusTooManyRequests)
		return
	}

	id := uuid.NewString()
	ctx = observe.WithSessionID(ctx, id)
	log := observe.Logger(ctx)
	sctx, release, err := a.sessions.Start(ctx, SessionInfo{SessionID: id, RemoteAddr: r.RemoteAddr})
	if err != nil {
		reason := "capacity"
		if errors.Is(err, ErrDraining) {
			reason = "draining"
		}
		a.metrics.RecordRejectedConnection(ctx, reason)
		log.Warn("rejecting session", "reason", reason, "remote", r.RemoteAddr, "err", err)
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}
	defer release()

	conn, err := websocket.Accept(w, r, a.accept)
	if err != nil {
		log.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.CloseNow()

	c := session.New(a.deps, session.NewWSSink(conn),
		session.WithSessionID(id),
		session.WithConfig(a.sessionCfg),
		// The controller adds session_id itself.
		session.WithLogger(base),
	)
	a.sessions.Attach(id, func() (string, string) {
		return c.Conversation().ActiveAgent(), c.State().String()
	})
	err = c.Serve(sctx, conn)
	switch {
	case err != nil:
		conn.Close(websocket.StatusInternalError, "session error")
	case sctx.Err() != nil && ctx.Err() == nil:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		conn.Close(websocket.StatusNormalClosure, "")
	}
}

func (a *App) listSessions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Active   int           `json:"active"`
		Limit    int           `json:"limit"`
		Sessions []SessionInfo `json:"sessions"`
	}{
		Active:   a.sessions.Active(),
		Limit:    a.cfg.Server.MaxSessions,
		Sessions: a.sessions.Sessions(),
	})
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown marks the server as draining, closes every live session, and then
// runs the closers. It respects the context deadline: sessions still open
// when ctx expires are abandoned and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Active(), "closers", len(a.closers))
		a.health.SetDraining(true)

		if err := a.sessions.Drain(ctx); err != nil {
			slog.Warn("session drain incomplete", "err", err)
			shutdownErr = err
		}
		a.close()
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) close() {
	for i, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	a.closers = nil
}
