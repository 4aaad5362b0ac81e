package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/leadflow/internal/session"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":  {"openai", "groq", "anthropic", "ollama", "gemini", "deepseek", "mistral", "llamacpp", "llamafile"},
	"chat": {"llm", "assistants"},
}

// envRef matches ${NAME} placeholders. Bare $NAME is left alone so that
// passwords containing '$' survive expansion.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references,
// fills unset secrets from the legacy environment variables, applies
// defaults and validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, os.Getenv)
}

func load(r io.Reader, getenv func(string) string) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		return []byte(getenv(string(m[2 : len(m)-1])))
	})

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnv(cfg, getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv fills fields left empty by the file from the environment
// variables older deployments were configured with.
func applyEnv(cfg *Config, getenv func(string) string) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = getenv(key)
		}
	}
	fill(&cfg.Mail.Username, "SENDER_EMAIL")
	fill(&cfg.Mail.Password, "SENDER_PASSWORD")
	fill(&cfg.Mail.SalesReceiver, "RECEIVER_EMAIL")
	fill(&cfg.Calendar.TenantID, "AZURE_TENANT_ID")
	fill(&cfg.Calendar.ClientID, "AZURE_CLIENT_ID")
	fill(&cfg.Calendar.ClientSecret, "AZURE_CLIENT_SECRET")
	fill(&cfg.Calendar.UserID, "AZURE_USER_ID")
	fill(&cfg.Transcript.Dir, "TRANSCRIPT_DIR")
	if cfg.Providers.LLM.Name == "groq" || cfg.Providers.LLM.Name == "" {
		fill(&cfg.Providers.LLM.APIKey, "GROQ_API_KEY")
		fill(&cfg.Providers.LLM.Model, "GROQ_MODEL_NAME")
	}
}

// ApplyDefaults sets every unset field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.TurnLimit == 0 {
		cfg.Session.TurnLimit = DefaultTurnLimit
	}
	if cfg.Session.InactivityTimeout == 0 {
		cfg.Session.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.Providers.LLM.Name == "" && cfg.Providers.LLM.APIKey != "" {
		cfg.Providers.LLM.Name = "groq"
	}
	if cfg.Providers.Chat.Name == "" {
		cfg.Providers.Chat.Name = DefaultChatProvider
	}
	if cfg.Transcript.Backend == "" {
		cfg.Transcript.Backend = TranscriptFile
	}
	if cfg.Transcript.Dir == "" {
		cfg.Transcript.Dir = DefaultTranscriptDir
	}
	if cfg.Mail.Host == "" {
		cfg.Mail.Host = DefaultSMTPHost
	}
	if cfg.Mail.Port == 0 {
		cfg.Mail.Port = DefaultSMTPPort
	}
	if cfg.Mail.From == "" {
		cfg.Mail.From = cfg.Mail.Username
	}
	if cfg.Calendar.Timezone == "" {
		cfg.Calendar.Timezone = DefaultTimezone
	}
	if cfg.Calendar.Duration == 0 {
		cfg.Calendar.Duration = DefaultMeetingDuration
	}
	if cfg.Classifier.Breaker.MaxFailures == 0 {
		cfg.Classifier.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if cfg.Classifier.Breaker.ResetTimeout == 0 {
		cfg.Classifier.Breaker.ResetTimeout = DefaultBreakerReset
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Session
	if cfg.Session.TurnLimit < 1 {
		errs = append(errs, fmt.Errorf("session.turn_limit %d must be at least 1", cfg.Session.TurnLimit))
	}
	if cfg.Session.InactivityTimeout <= 0 {
		errs = append(errs, fmt.Errorf("session.inactivity_timeout %s must be positive", cfg.Session.InactivityTimeout))
	}
	if err := session.ValidateSchedule(cfg.Session.SweepSchedule); err != nil {
		errs = append(errs, fmt.Errorf("session.sweep_schedule: %w", err))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	for _, fb := range cfg.Providers.Fallbacks {
		validateProviderName("llm", fb.Name)
	}
	validateProviderName("chat", cfg.Providers.Chat.Name)
	for i, fb := range cfg.Providers.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.fallbacks[%d].name is required", i))
		}
	}

	// Transcripts
	if !cfg.Transcript.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("transcript.backend %q is invalid; valid values: file, postgres", cfg.Transcript.Backend))
	}
	if cfg.Transcript.Backend == TranscriptPostgres && cfg.Transcript.PostgresDSN == "" {
		errs = append(errs, errors.New("transcript.postgres_dsn is required when backend is postgres"))
	}

	// Mail
	if cfg.Mail.Port < 1 || cfg.Mail.Port > 65535 {
		errs = append(errs, fmt.Errorf("mail.port %d is out of range [1, 65535]", cfg.Mail.Port))
	}
	if cfg.Mail.Username == "" {
		slog.Warn("mail.username is empty; finalization emails will fail to send")
	}
	if cfg.Mail.SalesReceiver == "" {
		slog.Warn("mail.sales_receiver is empty; lead summaries will not be delivered")
	}

	// Calendar
	if _, err := time.LoadLocation(cfg.Calendar.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("calendar.timezone %q: %w", cfg.Calendar.Timezone, err))
	}
	if cfg.Calendar.Duration <= 0 {
		errs = append(errs, fmt.Errorf("calendar.duration %s must be positive", cfg.Calendar.Duration))
	}
	if cfg.Calendar.TenantID == "" || cfg.Calendar.ClientID == "" || cfg.Calendar.ClientSecret == "" || cfg.Calendar.UserID == "" {
		slog.Warn("calendar credentials are incomplete; meeting scheduling will fail")
	}

	// Classifier
	if cfg.Classifier.Breaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("classifier.breaker.max_failures %d must be at least 1", cfg.Classifier.Breaker.MaxFailures))
	}
	if cfg.Classifier.Breaker.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("classifier.breaker.reset_timeout %s must be positive", cfg.Classifier.Breaker.ResetTimeout))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
