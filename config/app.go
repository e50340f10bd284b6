package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dcshock/contentpipe/internal/logging"
	"github.com/dcshock/contentpipe/pipeline"
)

// Environment variables that override the file.
const (
	EnvAPIKey   = "CONTENTPIPE_LLM_API_KEY"
	EnvStoreDSN = "CONTENTPIPE_STORE_DSN"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// AppConfig is the process configuration of the contentpipe CLI.
//
//	log: {level: info, format: text}
//	store: {driver: sqlite, dsn: contentpipe.db}
//	llm:
//	  endpoint: https://api.openai.com/v1
//	  model: gpt-4o-mini
//	  timeout: 60s
//	  max_attempts: 3
//	  initial_backoff: 500ms
//	  max_backoff: 10s
//	  requests_per_second: 2
//	prompts: {dir: ./prompts}
//	fetch: {timeout: 30s}
//	scheduler: {max_concurrency: 8, failure_policy: invocation}
type AppConfig struct {
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	LLM       LLMConfig       `yaml:"llm"`
	Prompts   PromptsConfig   `yaml:"prompts"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type LLMConfig struct {
	Endpoint          string   `yaml:"endpoint"`
	APIKey            string   `yaml:"api_key"`
	Model             string   `yaml:"model"`
	Timeout           Duration `yaml:"timeout"`
	MaxAttempts       int      `yaml:"max_attempts"`
	InitialBackoff    Duration `yaml:"initial_backoff"`
	MaxBackoff        Duration `yaml:"max_backoff"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
}

// PromptsConfig points at a directory of <name>.tmpl files. Prompts missing
// from the directory fall back to the built-in ones.
type PromptsConfig struct {
	Dir string `yaml:"dir"`
}

// FetchConfig configures the HTTP client of the fetch_source stage.
type FetchConfig struct {
	Timeout Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	MaxConcurrency int    `yaml:"max_concurrency"`
	MaxIterations  int    `yaml:"max_iterations"`
	FailurePolicy  string `yaml:"failure_policy"`
}

// Default returns the configuration used when no file is given.
func Default() AppConfig {
	return AppConfig{
		Log:   LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{Driver: DriverSQLite, DSN: "contentpipe.db"},
		LLM: LLMConfig{
			Endpoint:       "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			Timeout:        Duration(60 * time.Second),
			MaxAttempts:    3,
			InitialBackoff: Duration(500 * time.Millisecond),
			MaxBackoff:     Duration(10 * time.Second),
		},
		Fetch:     FetchConfig{Timeout: Duration(30 * time.Second)},
		Scheduler: SchedulerConfig{FailurePolicy: pipeline.FailInvocation.String()},
	}
}

// ParseApp layers YAML over Default, applies the environment and validates.
func ParseApp(data []byte) (AppConfig, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := decodeStrict(data, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("config: %w", err)
		}
	}
	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadApp reads the configuration file at path. An empty path means defaults
// plus environment.
func LoadApp(path string) (AppConfig, error) {
	if path == "" {
		return ParseApp(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := ParseApp(data)
	if err != nil {
		return AppConfig{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvAPIKey); ok && v != "" {
		c.LLM.APIKey = v
	}
	if v, ok := lookup(EnvStoreDSN); ok && v != "" {
		c.Store.DSN = v
	}
}

// Validate checks enumerations and ranges.
func (c AppConfig) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn required for driver %s", c.Store.Driver))
		}
	case DriverNone, "":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be sqlite, postgres or none", c.Store.Driver))
	}
	if c.LLM.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("llm.max_attempts must not be negative"))
	}
	if c.LLM.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("llm.requests_per_second must not be negative"))
	}
	if c.Fetch.Timeout < 0 {
		errs = append(errs, fmt.Errorf("fetch.timeout must not be negative"))
	}
	if c.Scheduler.MaxConcurrency < 0 || c.Scheduler.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("scheduler limits must not be negative"))
	}
	if _, err := pipeline.ParseFailurePolicy(c.Scheduler.FailurePolicy); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c AppConfig) Redacted() AppConfig {
	if c.LLM.APIKey != "" {
		c.LLM.APIKey = "***"
	}
	return c
}

// WriteYAML writes c as YAML.
func (c AppConfig) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
