// Package app wires all leadflow subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP surface alongside the idle sweeper and the
// config watcher, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options (WithStore,
// WithMailSender, WithScheduler, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/leadflow/internal/calendar"
	"github.com/MrWong99/leadflow/internal/classifier"
	"github.com/MrWong99/leadflow/internal/config"
	"github.com/MrWong99/leadflow/internal/funnel"
	"github.com/MrWong99/leadflow/internal/health"
	"github.com/MrWong99/leadflow/internal/mail"
	"github.com/MrWong99/leadflow/internal/observe"
	"github.com/MrWong99/leadflow/internal/pipeline"
	"github.com/MrWong99/leadflow/internal/resilience"
	"github.com/MrWong99/leadflow/internal/session"
	"github.com/MrWong99/leadflow/internal/transcript"
	"github.com/MrWong99/leadflow/internal/transcript/postgres"
	"github.com/MrWong99/leadflow/internal/web"
	"github.com/MrWong99/leadflow/pkg/provider/chat"
	"github.com/MrWong99/leadflow/pkg/provider/llm"
)

// shutdownGrace bounds how long in-flight HTTP requests may take once Run's
// context is cancelled.
const shutdownGrace = 15 * time.Second

// Providers holds the resolved model backends. Populated by main.go via the
// config registry.
type Providers struct {
	// LLM serves the classifier and the finalization stages.
	LLM llm.Provider

	// Chat talks to the customer.
	Chat chat.Backend
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	store      transcript.Store
	mailer     mail.Sender
	scheduler  calendar.Scheduler
	breaker    *resilience.CircuitBreaker
	classifier *classifier.Classifier
	pipeline   *pipeline.Pipeline
	sessions   *session.Registry
	funnel     *funnel.Funnel
	sweeper    *session.Sweeper
	health     *health.Handler
	web        *web.Server
	watcher    *config.Watcher

	metrics    *observe.Metrics
	level      *slog.LevelVar
	configPath string
	listener   net.Listener
	onFinalize func(funnel.Finalized)

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a transcript store instead of creating one from config.
func WithStore(s transcript.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMailSender injects a mail sender instead of creating an SMTP sender.
func WithMailSender(s mail.Sender) Option {
	return func(a *App) { a.mailer = s }
}

// WithScheduler injects a meeting scheduler instead of creating a Graph one.
func WithScheduler(s calendar.Scheduler) Option {
	return func(a *App) { a.scheduler = s }
}

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads adjust the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigPath watches path and applies hot-reloadable changes.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithOnFinalize is forwarded to the funnel; fn observes every finalization.
func WithOnFinalize(fn func(funnel.Finalized)) Option {
	return func(a *App) { a.onFinalize = fn }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// Missing mail or calendar credentials do not fail New: the affected stages
// report the problem every time they run, and the chat keeps working.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
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

	// ── 1. Transcript store ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcripts: %w", err)
	}

	// ── 2. Outbound transports ───────────────────────────────────────────
	a.initMail()
	a.initScheduler()

	// ── 3. Finalization pipeline ─────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 4. Classifier ────────────────────────────────────────────────────
	if err := a.initClassifier(); err != nil {
		return nil, fmt.Errorf("app: init classifier: %w", err)
	}

	// ── 5. Sessions, funnel, sweeper ─────────────────────────────────────
	if err := a.initFunnel(); err != nil {
		return nil, fmt.Errorf("app: init funnel: %w", err)
	}

	// ── 6. HTTP surface ──────────────────────────────────────────────────
	a.health = health.New(a.healthCheckers()...)
	a.web = web.New(a.funnel, web.WithHealth(a.health), web.WithMetrics(a.metrics))

	// ── 7. Config watcher ────────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.ApplyConfig)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore opens the configured transcript backend unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.Transcript.Backend {
	case config.TranscriptPostgres:
		store, err := postgres.Open(ctx, a.cfg.Transcript.PostgresDSN)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
	default:
		a.store = transcript.NewFileStore(a.cfg.Transcript.Dir)
	}
	slog.Info("transcript store ready", "backend", a.cfg.Transcript.Backend)
	return nil
}

func (a *App) initMail() {
	if a.mailer != nil {
		return
	}
	mc := a.cfg.Mail
	sender, err := mail.NewSMTPSender(mc.Host, mc.Username, mc.Password,
		mail.WithPort(mc.Port), mail.WithFrom(mc.From), mail.WithMetrics(a.metrics))
	if err != nil {
		slog.Warn("email delivery disabled", "err", err)
		a.mailer = unavailableMail{err: err}
		return
	}
	a.mailer = sender
}

func (a *App) initScheduler() {
	if a.scheduler != nil {
		return
	}
	cc := a.cfg.Calendar
	var opts []calendar.GraphOption
	if cc.GraphURL != "" {
		opts = append(opts, calendar.WithGraphURL(cc.GraphURL))
	}
	if cc.LoginURL != "" {
		opts = append(opts, calendar.WithLoginURL(cc.LoginURL))
	}
	opts = append(opts, calendar.WithMetrics(a.metrics))
	sched, err := calendar.NewGraphScheduler(cc.TenantID, cc.ClientID, cc.ClientSecret, cc.UserID, opts...)
	if err != nil {
		slog.Warn("meeting scheduling disabled", "err", err)
		a.scheduler = unavailableScheduler{err: err}
		return
	}
	a.scheduler = sched
}

func (a *App) initPipeline() error {
	loc, err := time.LoadLocation(a.cfg.Calendar.Timezone)
	if err != nil {
		return fmt.Errorf("calendar timezone: %w", err)
	}
	stages, err := pipeline.DefaultStages(pipeline.Deps{
		Store:         a.store,
		LLM:           a.providers.LLM,
		Mail:          a.mailer,
		Scheduler:     a.scheduler,
		SalesReceiver: a.cfg.Mail.SalesReceiver,
		Meeting: pipeline.MeetingConfig{
			Location:       loc,
			Duration:       a.cfg.Calendar.Duration,
			SalesTeamEmail: a.cfg.Calendar.SalesTeamEmail,
		},
	})
	if err != nil {
		return err
	}
	a.pipeline = pipeline.New(stages, pipeline.WithMetrics(a.metrics))
	return nil
}

func (a *App) initClassifier() error {
	bc := a.cfg.Classifier.Breaker
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "classifier",
		MaxFailures:  bc.MaxFailures,
		ResetTimeout: bc.ResetTimeout,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from, "to", to)
			a.metrics.RecordBreakerTransition(name, to.String())
		},
	})

	opts := []classifier.Option{
		classifier.WithBreaker(a.breaker),
		classifier.WithMetrics(a.metrics),
	}
	if a.cfg.Classifier.Prompt != "" {
		opts = append(opts, classifier.WithPrompt(a.cfg.Classifier.Prompt))
	}
	c, err := classifier.New(a.providers.LLM, opts...)
	if err != nil {
		return err
	}
	a.classifier = c
	return nil
}

func (a *App) initFunnel() error {
	a.sessions = session.NewRegistry(a.cfg.Session.TurnLimit, a.cfg.Session.InactivityTimeout, nil)

	backend := a.providers.Chat
	if backend == nil {
		return errors.New("a chat backend is required")
	}

	fopts := []funnel.Option{funnel.WithMetrics(a.metrics)}
	if a.onFinalize != nil {
		fopts = append(fopts, funnel.WithOnFinalize(a.onFinalize))
	}
	f, err := funnel.New(funnel.Config{
		Sessions:    a.sessions,
		Backend:     backend,
		Classifier:  a.classifier,
		Store:       a.store,
		Pipeline:    a.pipeline,
		BackendName: a.cfg.Providers.Chat.Name,
	}, fopts...)
	if err != nil {
		return err
	}
	a.funnel = f

	sw, err := session.NewSweeper(a.cfg.Session.SweepSchedule, a.sessions, f.FinalizeIdle)
	if err != nil {
		return err
	}
	a.sweeper = sw
	return nil
}

// healthCheckers builds the readiness checks for the configured backends.
func (a *App) healthCheckers() []health.Checker {
	checks := []health.Checker{{
		Name:  "transcripts",
		Check: a.checkTranscripts,
	}}
	if h, ok := a.providers.LLM.(interface{ Healthy() bool }); ok {
		checks = append(checks, health.Checker{
			Name:     "llm",
			Optional: true,
			Check: func(context.Context) error {
				if !h.Healthy() {
					return errors.New("all providers have open circuits")
				}
				return nil
			},
		})
	}
	return checks
}

func (a *App) checkTranscripts(ctx context.Context) error {
	switch s := a.store.(type) {
	case interface{ Ping(context.Context) error }:
		return s.Ping(ctx)
	case *transcript.FileStore:
		return checkDirWritable(s.Dir())
	}
	return nil
}

// checkDirWritable creates dir if needed and proves a file can be written
// there.
func checkDirWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%s not writable: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".ready-*")
	if err != nil {
		return fmt.Errorf("%s not writable: %w", dir, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Funnel returns the interactive workflow driver.
func (a *App) Funnel() *funnel.Funnel { return a.funnel }

// Pipeline returns the finalization pipeline.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipeline }

// Store returns the transcript store.
func (a *App) Store() transcript.Store { return a.store }

// Classifier returns the completion classifier.
func (a *App) Classifier() *classifier.Classifier { return a.classifier }

// Sessions returns the session registry.
func (a *App) Sessions() *session.Registry { return a.sessions }

// Handler returns the instrumented HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.web.Handler() }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// It is the config watcher's callback; everything else in new is ignored
// until the next restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		slog.Info("config reloaded, nothing hot-reloadable changed")
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LimitsChanged {
		a.sessions.SetLimits(d.NewTurnLimit, d.NewInactivityTimeout)
		slog.Info("session limits changed", "turn_limit", d.NewTurnLimit, "inactivity_timeout", d.NewInactivityTimeout)
	}
	if d.ClassifierPromptChanged {
		prompt := d.NewClassifierPrompt
		if prompt == "" {
			prompt = classifier.DefaultPrompt
		}
		a.classifier.SetPrompt(prompt)
		slog.Info("classifier prompt changed")
	}
}

// SlogLevel converts a config log level to its slog equivalent. Unknown
// levels map to Info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP, runs the idle sweeper and blocks until ctx is cancelled
// or the server fails. On cancellation in-flight requests get a grace
// period, and Run returns ctx's error.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	srv := &http.Server{
		Handler:           a.web.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.Drain()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})

	slog.Info("app running", "addr", ln.Addr().String(), "sweeper", a.sweeper.Enabled(), "watching", a.configPath)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Unconfigured transports ─────────────────────────────────────────────────

// unavailableMail stands in for a sender whose credentials are missing.
type unavailableMail struct{ err error }

func (u unavailableMail) Send(context.Context, mail.Message) error { return u.err }

// unavailableScheduler stands in for a scheduler whose credentials are missing.
type unavailableScheduler struct{ err error }

func (u unavailableScheduler) Schedule(context.Context, calendar.Event) (*calendar.Meeting, error) {
	return nil, u.err
}
