package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

const defaultWorkerPort = 3001

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config]. An empty path skips the file
// and builds the config from environment variables alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		cfg, err = decode(f)
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Environment overrides are skipped. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg fields from the deployment environment.
func applyEnv(cfg *Config) error {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	setString(&cfg.Supabase.URL, "SUPABASE_URL")
	setString(&cfg.Supabase.ServiceRoleKey, "SUPABASE_SERVICE_ROLE_KEY")
	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.Models.Embed, "EMBED_MODEL")
	setString(&cfg.Models.ChunksPolish, "CHUNKS_POLISH_MODEL")
	setString(&cfg.Models.ContextGen, "CONTEXT_GEN_MODEL")
	setString(&cfg.Models.Glossary, "GLOSSARY_MODEL")
	setString(&cfg.Models.Cards, "CARDS_MODEL")
	setString(&cfg.Exa.APIKey, "EXA_API_KEY")
	setString(&cfg.Ingest.ForwardEndpoint, "INGEST_FORWARD_ENDPOINT")
	setString(&cfg.Status.SSEEndpoint, "SSE_ENDPOINT")

	if v, ok := os.LookupEnv("WORKER_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: WORKER_PORT %q is not an integer: %w", v, err)
		}
		cfg.Server.WorkerPort = port
	}
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.WorkerPort == 0 {
		cfg.Server.WorkerPort = defaultWorkerPort
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.WorkerPort <= 0 || cfg.Server.WorkerPort > 65535 {
		errs = append(errs, fmt.Errorf("server.worker_port %d is out of range [1, 65535]", cfg.Server.WorkerPort))
	}

	if cfg.Supabase.URL == "" {
		errs = append(errs, errors.New("supabase.url is required"))
	} else if err := validateURL(cfg.Supabase.URL); err != nil {
		errs = append(errs, fmt.Errorf("supabase.url: %w", err))
	}
	if cfg.Supabase.ServiceRoleKey == "" {
		errs = append(errs, errors.New("supabase.service_role_key is required"))
	}

	if cfg.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("openai.api_key is required"))
	}
	if cfg.Models.Cards == "" {
		errs = append(errs, errors.New("models.cards is required"))
	}
	if cfg.Models.ContextGen == "" {
		errs = append(errs, errors.New("models.context_gen is required"))
	}

	if cfg.Ingest.ForwardEndpoint != "" {
		if err := validateURL(cfg.Ingest.ForwardEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("ingest.forward_endpoint: %w", err))
		}
	}

	if cfg.Status.SSEEndpoint == "" {
		errs = append(errs, errors.New("status.sse_endpoint is required"))
	} else if err := validateURL(cfg.Status.SSEEndpoint); err != nil {
		errs = append(errs, fmt.Errorf("status.sse_endpoint: %w", err))
	}

	if cfg.Runtime.TokenBudget < 0 {
		errs = append(errs, fmt.Errorf("runtime.token_budget %d must not be negative", cfg.Runtime.TokenBudget))
	}
	if cfg.Runtime.FactsDebounce < 0 {
		errs = append(errs, fmt.Errorf("runtime.facts_debounce %s must not be negative", cfg.Runtime.FactsDebounce))
	}
	if cfg.Runtime.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("runtime.queue_capacity %d must not be negative", cfg.Runtime.QueueCapacity))
	}

	return errors.Join(errs...)
}

// validateURL requires an absolute http(s) URL with a host.
func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%q is not a valid URL: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("%q has unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%q is missing a host", raw)
	}
	return nil
}
