// Command leadflow is the main entry point for the leadflow sales-chat funnel.
//
// Usage:
//
//	leadflow serve --config config.yaml [--quiet]
//	leadflow replay -c config.yaml --script lines.txt
//	leadflow replay -c config.yaml --transcript chat_logs/all_chat_history_sr_3.txt
//	leadflow finalize -c config.yaml [--transcript chat_logs/all_chat_history_sr_3.txt]
//
// serve runs the HTTP/WebSocket chat surface until SIGINT or SIGTERM. replay
// drives one conversation through the declarative chain without a network
// client, and finalize re-runs the finalization pipeline over a stored
// transcript.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/leadflow/internal/app"
	"github.com/MrWong99/leadflow/internal/config"
	"github.com/MrWong99/leadflow/internal/observe"
	"github.com/MrWong99/leadflow/internal/pipeline"
	"github.com/MrWong99/leadflow/internal/resilience"
	"github.com/MrWong99/leadflow/internal/session"
	"github.com/MrWong99/leadflow/internal/workflow"
	"github.com/MrWong99/leadflow/pkg/provider/chat"
	"github.com/MrWong99/leadflow/pkg/provider/chat/assistants"
	"github.com/MrWong99/leadflow/pkg/provider/chat/llmthread"
	"github.com/MrWong99/leadflow/pkg/provider/llm"
	"github.com/MrWong99/leadflow/pkg/provider/llm/anyllm"
	llmopenai "github.com/MrWong99/leadflow/pkg/provider/llm/openai"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the teardown after the serve loop returns.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(stderr, "leadflow: %v\n", err)
		return 1
	}
	return 0
}

// newRootCmd builds the command tree. Output meant for the user (JSON
// results, version, startup summary) goes to stdout; logs go to stderr.
func newRootCmd(stdout io.Writer) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "leadflow",
		Short:         "leadflow - sales chat that turns conversations into leads",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	root.AddCommand(
		newServeCmd(&configPath, stdout),
		newReplayCmd(&configPath, stdout),
		newFinalizeCmd(&configPath, stdout),
		&cobra.Command{
			Use:   "version",
			Short: "Print the leadflow version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(stdout, "leadflow %s\n", version)
			},
		},
	)
	return root
}

// ── serve ─────────────────────────────────────────────────────────────────────

func newServeCmd(configPath *string, stdout io.Writer) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat endpoints until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, level, err := setup(*configPath)
			if err != nil {
				return err
			}
			slog.Info("leadflow starting",
				"version", version,
				"config", *configPath,
				"listen_addr", cfg.Server.ListenAddr,
				"log_level", cfg.Server.LogLevel,
			)

			// ── Signal context ────────────────────────────────────────────────
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// ── Telemetry ─────────────────────────────────────────────────────
			otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
				ServiceName:    "leadflow",
				ServiceVersion: version,
			})
			if err != nil {
				return fmt.Errorf("init telemetry: %w", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := otelShutdown(sctx); err != nil {
					slog.Warn("telemetry shutdown error", "err", err)
				}
			}()

			// ── Providers ─────────────────────────────────────────────────────
			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			providers, err := buildProviders(cfg, reg)
			if err != nil {
				return fmt.Errorf("build providers: %w", err)
			}

			if !quiet {
				printStartupSummary(stdout, cfg)
			}

			application, err := app.New(ctx, cfg, providers,
				app.WithLogLevel(level),
				app.WithConfigPath(*configPath),
			)
			if err != nil {
				return fmt.Errorf("initialise application: %w", err)
			}

			runErr := application.Run(ctx)
			if errors.Is(runErr, context.Canceled) {
				runErr = nil
			}

			slog.Info("shutdown signal received, stopping…")
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := application.Shutdown(sctx); err != nil {
				slog.Error("shutdown error", "err", err)
			}
			slog.Info("goodbye")
			return runErr
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "skip the startup summary")
	return cmd
}

// ── replay ────────────────────────────────────────────────────────────────────

func newReplayCmd(configPath *string, stdout io.Writer) *cobra.Command {
	var transcriptPath, scriptPath string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run the chat and finalization chain once without a network client",
		Long: "replay runs chat → summary_email → product_email → schedule_meeting.\n" +
			"The chat step either records an existing transcript (--transcript) or plays\n" +
			"customer lines from a file, one per line, through the configured chat\n" +
			"backend (--script). The final state is printed as JSON.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (transcriptPath == "") == (scriptPath == "") {
				return errors.New("replay: exactly one of --transcript or --script is required")
			}
			cfg, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			providers, err := buildProviders(cfg, reg)
			if err != nil {
				return fmt.Errorf("build providers: %w", err)
			}
			application, err := app.New(ctx, cfg, providers)
			if err != nil {
				return fmt.Errorf("initialise application: %w", err)
			}
			defer shutdown(application)

			src := workflow.Source{TranscriptPath: transcriptPath}
			if scriptPath != "" {
				lines, err := readScriptFile(scriptPath)
				if err != nil {
					return err
				}
				src = workflow.Source{Script: &workflow.Script{
					Lines:      lines,
					Backend:    providers.Chat,
					Tracker:    session.NewTracker(cfg.Session.TurnLimit, cfg.Session.InactivityTimeout, time.Now()),
					Classifier: application.Classifier(),
				}}
			}

			node, err := workflow.ReplayChatNode(application.Store(), src)
			if err != nil {
				return err
			}
			chain, err := workflow.DefaultChain(node, application.Pipeline())
			if err != nil {
				return err
			}

			runID := uuid.NewString()
			ctx, span := observe.StartSpan(ctx, "leadflow.replay",
				trace.WithAttributes(attribute.String("run_id", runID)))
			defer span.End()
			observe.Logger(ctx).Info("replay starting", "run_id", runID, "nodes", chain.Nodes())

			final, invokeErr := chain.Invoke(ctx, pipeline.State{})
			if err := writeJSON(stdout, struct {
				RunID string         `json:"run_id"`
				State pipeline.State `json:"state"`
			}{runID, final}); err != nil {
				return err
			}
			return invokeErr
		},
	}
	cmd.Flags().StringVarP(&transcriptPath, "transcript", "t", "", "existing transcript to finalize")
	cmd.Flags().StringVarP(&scriptPath, "script", "s", "", "file of customer lines to play through the chat backend")
	return cmd
}

func readScriptFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("replay: open script: %w", err)
	}
	defer f.Close()
	return workflow.ReadScript(f)
}

// ── finalize ──────────────────────────────────────────────────────────────────

func newFinalizeCmd(configPath *string, stdout io.Writer) *cobra.Command {
	var transcriptPath string
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Run the finalization pipeline over a stored transcript",
		Long: "finalize runs every finalization stage over one transcript and prints the\n" +
			"resulting state and per-stage report as JSON. Without --transcript the\n" +
			"most recent transcript is used.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			reg := config.NewRegistry()
			registerBuiltinProviders(reg)
			providers, err := buildProviders(cfg, reg)
			if err != nil {
				return fmt.Errorf("build providers: %w", err)
			}
			application, err := app.New(ctx, cfg, providers)
			if err != nil {
				return fmt.Errorf("initialise application: %w", err)
			}
			defer shutdown(application)

			final, report := application.Pipeline().Run(ctx, pipeline.State{TranscriptPath: transcriptPath})
			if err := writeJSON(stdout, struct {
				State  pipeline.State  `json:"state"`
				Report pipeline.Report `json:"report"`
			}{final, report}); err != nil {
				return err
			}
			return report.Err()
		},
	}
	cmd.Flags().StringVarP(&transcriptPath, "transcript", "t", "", "transcript to finalize (default: most recent)")
	return cmd
}

// ── Setup ─────────────────────────────────────────────────────────────────────

// setup loads the config and installs the process logger. The returned
// LevelVar lets config reloads change the level later on.
func setup(path string) (*config.Config, *slog.LevelVar, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(os.Stderr, level))
	return cfg, level, nil
}

func newLogger(w io.Writer, level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func shutdown(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Warn("shutdown error", "err", err)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── Provider registration ─────────────────────────────────────────────────────

// registerBuiltinProviders registers all built-in provider factories.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai uses the native SDK so structured output reaches the model.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []llmopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, llmopenai.WithOrganization(org))
		}
		if ep := optString(entry.Options, "azure_endpoint"); ep != "" {
			opts = append(opts, llmopenai.WithAzureEndpoint(ep, optString(entry.Options, "azure_api_version")))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, llmopenai.WithTimeout(d))
		}
		return llmopenai.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other any-llm-go backend takes an optional API key and base URL.
	// Local servers (ollama, llamacpp, llamafile) are reached by URL only.
	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && !anyllm.IsLocal(backend) {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── Chat ──────────────────────────────────────────────────────────────────

	// llm keeps threads in memory and answers with the resolved LLM.
	reg.RegisterChat("llm", func(entry config.ProviderEntry, model llm.Provider) (chat.Backend, error) {
		var opts []llmthread.Option
		if p := optString(entry.Options, "system_prompt"); p != "" {
			opts = append(opts, llmthread.WithSystemPrompt(p))
		}
		if n, ok := entry.Options["max_messages"].(int); ok && n > 0 {
			opts = append(opts, llmthread.WithMaxMessages(n))
		}
		if n, ok := entry.Options["max_tokens"].(int); ok && n > 0 {
			opts = append(opts, llmthread.WithMaxTokens(n))
		}
		return llmthread.New(model, opts...)
	})

	// assistants uses a hosted OpenAI (or Azure OpenAI) assistant.
	reg.RegisterChat("assistants", func(entry config.ProviderEntry, _ llm.Provider) (chat.Backend, error) {
		var opts []assistants.Option
		if entry.BaseURL != "" {
			opts = append(opts, assistants.WithBaseURL(entry.BaseURL))
		}
		if ep := optString(entry.Options, "azure_endpoint"); ep != "" {
			opts = append(opts, assistants.WithAzureEndpoint(ep, optString(entry.Options, "azure_api_version")))
		}
		if d := optDuration(entry.Options, "poll_interval"); d > 0 {
			opts = append(opts, assistants.WithPollInterval(d))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, assistants.WithTimeout(d))
		}
		return assistants.New(entry.APIKey, optString(entry.Options, "assistant_id"), opts...)
	})
}

// buildProviders instantiates the configured providers using the registry.
// Configured fallbacks wrap the primary LLM in a [resilience.LLMFallback].
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", withKnown(err, reg.LLMNames()))
	}

	model := primary
	if len(cfg.Providers.Fallbacks) > 0 {
		metrics := observe.DefaultMetrics()
		bc := cfg.Classifier.Breaker
		fb := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{
			CircuitBreaker: resilience.CircuitBreakerConfig{
				MaxFailures:  bc.MaxFailures,
				ResetTimeout: bc.ResetTimeout,
				OnStateChange: func(name string, from, to resilience.State) {
					slog.Warn("llm breaker state change", "name", name, "from", from, "to", to)
					metrics.RecordBreakerTransition(name, to.String())
				},
			},
		})
		for i, entry := range cfg.Providers.Fallbacks {
			p, err := reg.CreateLLM(entry)
			if err != nil {
				return nil, fmt.Errorf("llm fallback %d (%s): %w", i, entry.Name, withKnown(err, reg.LLMNames()))
			}
			fb.AddFallback(fmt.Sprintf("%s#%d", entry.Name, i+1), p)
		}
		model = fb
	}

	backend, err := reg.CreateChat(cfg.Providers.Chat, model)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", withKnown(err, reg.ChatNames()))
	}
	return &app.Providers{LLM: model, Chat: backend}, nil
}

// withKnown lists the registered names on an unknown-provider error.
func withKnown(err error, names []string) error {
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		return err
	}
	return fmt.Errorf("%w (known: %s)", err, strings.Join(names, ", "))
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        leadflow - startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printProvider(w, "LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Fprintf(w, "║  LLM fallbacks   : %-19d ║\n", len(cfg.Providers.Fallbacks))
	printProvider(w, "Chat", cfg.Providers.Chat.Name, cfg.Providers.Chat.Model)
	fmt.Fprintf(w, "║  Transcripts     : %-19s ║\n", cfg.Transcript.Backend)
	fmt.Fprintf(w, "║  Turn limit      : %-19d ║\n", cfg.Session.TurnLimit)
	fmt.Fprintf(w, "║  Idle timeout    : %-19s ║\n", cfg.Session.InactivityTimeout)
	if cfg.Mail.Username != "" {
		fmt.Fprintf(w, "║  Email           : %-19s ║\n", "configured")
	} else {
		fmt.Fprintf(w, "║  Email           : %-19s ║\n", "(disabled)")
	}
	if cfg.Calendar.ClientID != "" && cfg.Calendar.ClientSecret != "" {
		fmt.Fprintf(w, "║  Calendar        : %-19s ║\n", "configured")
	} else {
		fmt.Fprintf(w, "║  Calendar        : %-19s ║\n", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Fprintf(w, "║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printProvider(w io.Writer, kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	fmt.Fprintf(w, "║  %-16s: %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// optDuration parses a duration string such as "500ms" from a provider
// Options map. Returns 0 when the key is absent or unparsable.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
