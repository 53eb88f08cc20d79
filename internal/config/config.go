// Package config provides the configuration structure for the tts-service.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

var (
	// ErrEngineURL indicates the engine URL is missing or not a websocket URL.
	ErrEngineURL = errors.New("engine url must be a ws:// or wss:// url")
	// ErrOutputPathEmpty indicates the engine output path is empty.
	ErrOutputPathEmpty = errors.New("engine output path cannot be empty")
	// ErrTemplatePathEmpty indicates the template path is empty.
	ErrTemplatePathEmpty = errors.New("template path cannot be empty")
	// ErrDefaultReferenceEmpty indicates the default reference audio path is empty.
	ErrDefaultReferenceEmpty = errors.New("default reference path cannot be empty")
	// ErrMalformedSlot indicates a slot address is not of the form "<node>.<input>".
	ErrMalformedSlot = errors.New("slot must be of the form <node>.<input>")
	// ErrMalformedLink indicates a link is not of the form "<node>.<input>=<source>:<output>".
	ErrMalformedLink = errors.New("link must be of the form <node>.<input>=<source>:<output>")
	// ErrNegativeTimeout indicates a timeout setting is negative.
	ErrNegativeTimeout = errors.New("timeouts must be non-negative")
)

// EngineConfig holds the connection settings of the execution engine.
type EngineConfig struct {
	URL string `toml:"url" env:"TTS_ENGINE_URL"`
	// OutputPath is where the engine writes the produced audio. It is known in
	// advance and never returned by the engine.
	OutputPath              string `toml:"output_path" env:"TTS_ENGINE_OUTPUT_PATH"`
	TimeoutSeconds          int    `toml:"timeout_seconds" env:"TTS_ENGINE_TIMEOUT_SECONDS"`
	HandshakeTimeoutSeconds int    `toml:"handshake_timeout_seconds" env:"TTS_ENGINE_HANDSHAKE_SECONDS"`
}

// Timeout returns the job deadline for the engine stage. Zero means none.
func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// HandshakeTimeout returns the websocket handshake timeout.
func (e EngineConfig) HandshakeTimeout() time.Duration {
	return time.Duration(e.HandshakeTimeoutSeconds) * time.Second
}

// SlotsConfig addresses the template leaves written for each job as "<node>.<input>".
type SlotsConfig struct {
	Text           string `toml:"text"`
	ReferenceAudio string `toml:"reference_audio"`
	Temperature    string `toml:"temperature"`
	Speed          string `toml:"speed"`
	Seed           string `toml:"seed"`
	OutputPrefix   string `toml:"output_prefix"`
}

func (s SlotsConfig) all() []string {
	return []string{s.Text, s.ReferenceAudio, s.Temperature, s.Speed, s.Seed, s.OutputPrefix}
}

// TemplateConfig holds the job template location, its slot map and the node
// links the template must contain. Links are written "<node>.<input>=<source>:<output>";
// an explicitly empty list disables the link check.
type TemplateConfig struct {
	Path         string      `toml:"path" env:"TTS_TEMPLATE_PATH"`
	OutputPrefix string      `toml:"output_prefix" env:"TTS_OUTPUT_PREFIX"`
	Links        []string    `toml:"links"`
	Slots        SlotsConfig `toml:"slots"`
}

// ReferenceConfig holds reference audio resolution settings.
type ReferenceConfig struct {
	DefaultPath         string `toml:"default_path" env:"TTS_REFERENCE_DEFAULT_PATH"`
	DefaultURL          string `toml:"default_url" env:"TTS_REFERENCE_DEFAULT_URL"`
	TempDir             string `toml:"temp_dir" env:"TTS_REFERENCE_TEMP_DIR"`
	FetchTimeoutSeconds int    `toml:"fetch_timeout_seconds"`
	MaxBytes            int64  `toml:"max_bytes"`
}

// FetchTimeout returns the HTTP timeout used for reference downloads.
func (r ReferenceConfig) FetchTimeout() time.Duration {
	return time.Duration(r.FetchTimeoutSeconds) * time.Second
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url" env:"NATS_URL"`
	SynthesisSubject       string `toml:"synthesis_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	JobTimeoutSeconds      int    `toml:"job_timeout_seconds"`
}

// JobTimeout returns the per-message processing budget of the worker.
func (n NATSConfig) JobTimeout() time.Duration {
	return time.Duration(n.JobTimeoutSeconds) * time.Second
}

// HTTPConfig holds the settings of the synchronous HTTP intake.
type HTTPConfig struct {
	Addr string `toml:"addr" env:"TTS_HTTP_ADDR"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir" env:"TTS_LOGS_DIR"`
}

// Config is the root configuration structure.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Template  TemplateConfig  `toml:"template"`
	Reference ReferenceConfig `toml:"reference"`
	NATS      NATSConfig      `toml:"nats"`
	HTTP      HTTPConfig      `toml:"http"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the tts-service.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile loads the configuration from a local TOML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
	}

	var cfg Config

	err = toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file '%s': %w", path, err)
	}

	return finish(&cfg)
}

// LoadEnvFile exports the variables of a dotenv file so they take part in the
// environment overrides. A missing file is not an error, and variables already
// set in the process environment win.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}

	err := godotenv.Load(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file '%s': %w", path, err)
	}

	return nil
}

func finish(cfg *Config) (*Config, error) {
	err := env.Parse(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.ApplyDefaults()

	validationErr := cfg.Validate()
	if validationErr != nil {
		return nil, validationErr
	}

	return cfg, nil
}

// Validate ensures that the configuration is usable.
func (c *Config) Validate() error {
	url := strings.ToLower(c.Engine.URL)
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return fmt.Errorf("%w: got '%s'", ErrEngineURL, c.Engine.URL)
	}

	if c.Engine.OutputPath == "" {
		return ErrOutputPathEmpty
	}

	if c.Engine.TimeoutSeconds < 0 || c.Engine.HandshakeTimeoutSeconds < 0 ||
		c.Reference.FetchTimeoutSeconds < 0 || c.NATS.JobTimeoutSeconds < 0 {
		return ErrNegativeTimeout
	}

	if c.Template.Path == "" {
		return ErrTemplatePathEmpty
	}

	for _, slot := range c.Template.Slots.all() {
		node, input, found := strings.Cut(slot, ".")
		if !found || node == "" || input == "" {
			return fmt.Errorf("%w: got '%s'", ErrMalformedSlot, slot)
		}
	}

	for _, link := range c.Template.Links {
		if !wellFormedLink(link) {
			return fmt.Errorf("%w: got '%s'", ErrMalformedLink, link)
		}
	}

	if c.Reference.DefaultPath == "" {
		return ErrDefaultReferenceEmpty
	}

	return nil
}

func wellFormedLink(link string) bool {
	target, source, found := strings.Cut(link, "=")
	if !found {
		return false
	}

	node, input, found := strings.Cut(target, ".")
	if !found || node == "" || input == "" {
		return false
	}

	sourceNode, output, found := strings.Cut(source, ":")
	if !found || sourceNode == "" {
		return false
	}

	index, err := strconv.Atoi(output)

	return err == nil && index >= 0
}
