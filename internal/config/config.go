// Package config provides the configuration structure for the narration
// service and the narrator CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/book-expert/narration-service/internal/elevenlabs"
	"github.com/book-expert/narration-service/internal/fsutil"
	"github.com/book-expert/narration-service/internal/gemini"
	"github.com/book-expert/narration-service/internal/media"
	"github.com/book-expert/narration-service/internal/segment"
	"github.com/book-expert/narration-service/internal/timeline"
	"github.com/pelletier/go-toml/v2"
)

// Environment variables that override the API keys of the config file.
const (
	EnvSpeechAPIKey    = "ELEVENLABS_API_KEY"
	EnvDescriberAPIKey = "GEMINI_API_KEY"
)

const (
	defaultRequestSubject = "narration.requested"
	defaultStatusSubject  = "narration.status"
	defaultQueueGroup     = "narration-workers"
	defaultVideoBucket    = "NARRATION_VIDEOS"
	defaultListenAddr     = "127.0.0.1:8080"
	defaultMaxUploadMB    = 512
	defaultMaxRuns        = 2
	defaultRunTimeoutSec  = 900
	defaultRunlogFile     = "runs.db"
	defaultLogsDirName    = "narration-logs"
)

var (
	// ErrInvalidMaxChars indicates a phrase bound below one character.
	ErrInvalidMaxChars = errors.New("pipeline.max_chars must be positive")
	// ErrInvalidPauseGap indicates a negative pause between phrases.
	ErrInvalidPauseGap = errors.New("pipeline.pause_gap_seconds must not be negative")
	// ErrInvalidConcurrency indicates a non-positive run bound.
	ErrInvalidConcurrency = errors.New("worker.max_concurrent_runs must be positive")
	// ErrInvalidTimeout indicates a non-positive timeout.
	ErrInvalidTimeout = errors.New("timeout must be positive")
	// ErrMissingSubject indicates an empty NATS request subject.
	ErrMissingSubject = errors.New("nats.request_subject cannot be empty")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL               string `toml:"url"`
	RequestSubject    string `toml:"request_subject"`
	StatusSubject     string `toml:"status_subject"`
	QueueGroup        string `toml:"queue_group"`
	VideoObjectBucket string `toml:"video_object_store_bucket"`
}

// SpeechConfig holds the speech service settings.
type SpeechConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	VoiceID        string `toml:"voice_id"`
	ModelID        string `toml:"model_id"`
	OutputFormat   string `toml:"output_format"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// DescriberConfig holds the video description service settings.
type DescriberConfig struct {
	BaseURL             string `toml:"base_url"`
	APIKey              string `toml:"api_key"`
	Model               string `toml:"model"`
	Language            string `toml:"language"`
	Prompt              string `toml:"prompt"`
	PollAttempts        int    `toml:"poll_attempts"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
	TimeoutSeconds      int    `toml:"timeout_seconds"`
}

// MediaConfig holds the external media tools and encoder settings.
type MediaConfig struct {
	FFmpegPath    string `toml:"ffmpeg_path"`
	FFprobePath   string `toml:"ffprobe_path"`
	SubtitleStyle string `toml:"subtitle_style"`
	VideoCodec    string `toml:"video_codec"`
	CRF           int    `toml:"crf"`
	Preset        string `toml:"preset"`
	AudioCodec    string `toml:"audio_codec"`
}

// PipelineConfig holds the narration pipeline settings.
type PipelineConfig struct {
	MaxChars           int     `toml:"max_chars"`
	PauseGapSeconds    float64 `toml:"pause_gap_seconds"`
	TolerateUnmeasured bool    `toml:"tolerate_unmeasured"`
	ScratchDir         string  `toml:"scratch_dir"`
}

// WorkerConfig holds the NATS worker settings.
type WorkerConfig struct {
	Enabled           bool   `toml:"enabled"`
	MaxConcurrentRuns int    `toml:"max_concurrent_runs"`
	RunTimeoutSeconds int    `toml:"run_timeout_seconds"`
	DeleteInput       bool   `toml:"delete_input"`
	WorkDir           string `toml:"work_dir"`
}

// APIConfig holds the HTTP front end settings.
type APIConfig struct {
	Enabled     bool   `toml:"enabled"`
	ListenAddr  string `toml:"listen_addr"`
	UploadDir   string `toml:"upload_dir"`
	MaxUploadMB int    `toml:"max_upload_mb"`
}

// RunlogConfig holds the run history settings.
type RunlogConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Speech    SpeechConfig    `toml:"speech"`
	Describer DescriberConfig `toml:"describer"`
	Media     MediaConfig     `toml:"media"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Worker    WorkerConfig    `toml:"worker"`
	API       APIConfig       `toml:"api"`
	Runlog    RunlogConfig    `toml:"runlog"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the service configuration through the configurator, then applies
// environment overrides and defaults and validates the result.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile reads a TOML file. An empty path yields the defaults.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return finish(&Config{})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes TOML and finishes the configuration like Load.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnv()
	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv lets the API key environment variables override the file.
func (c *Config) ApplyEnv() {
	if key := strings.TrimSpace(os.Getenv(EnvSpeechAPIKey)); key != "" {
		c.Speech.APIKey = key
	}

	if key := strings.TrimSpace(os.Getenv(EnvDescriberAPIKey)); key != "" {
		c.Describer.APIKey = key
	}
}

// ApplyDefaults fills every zero value. pause_gap_seconds = 0 selects the
// default gap as well.
func (c *Config) ApplyDefaults() {
	c.applyTransportDefaults()
	c.applyCollaboratorDefaults()
	c.applyMediaDefaults()
	c.applyFrontEndDefaults()
}

func (c *Config) applyTransportDefaults() {
	setDefault(&c.NATS.URL, "nats://127.0.0.1:4222")
	setDefault(&c.NATS.RequestSubject, defaultRequestSubject)
	setDefault(&c.NATS.StatusSubject, defaultStatusSubject)
	setDefault(&c.NATS.QueueGroup, defaultQueueGroup)
	setDefault(&c.NATS.VideoObjectBucket, defaultVideoBucket)
}

func (c *Config) applyCollaboratorDefaults() {
	setDefault(&c.Speech.BaseURL, elevenlabs.DefaultBaseURL)
	setDefault(&c.Speech.VoiceID, elevenlabs.DefaultVoiceID)
	setDefault(&c.Speech.ModelID, elevenlabs.DefaultModelID)
	setDefault(&c.Speech.OutputFormat, elevenlabs.DefaultOutputFormat)
	setDefaultInt(&c.Speech.TimeoutSeconds, int(elevenlabs.DefaultTimeout/time.Second))

	setDefault(&c.Describer.BaseURL, gemini.DefaultBaseURL)
	setDefault(&c.Describer.Model, gemini.DefaultModel)
	setDefault(&c.Describer.Language, gemini.DefaultLanguage)
	setDefaultInt(&c.Describer.PollAttempts, gemini.DefaultPollAttempts)
	setDefaultInt(&c.Describer.PollIntervalSeconds, int(gemini.DefaultPollInterval/time.Second))
	setDefaultInt(&c.Describer.TimeoutSeconds, int(gemini.DefaultTimeout/time.Second))
}

func (c *Config) applyMediaDefaults() {
	setDefault(&c.Media.FFmpegPath, media.DefaultFFmpegPath)
	setDefault(&c.Media.FFprobePath, media.DefaultFFprobePath)
	setDefault(&c.Media.SubtitleStyle, media.DefaultSubtitleStyle)
	setDefault(&c.Media.VideoCodec, media.DefaultVideoCodec)
	setDefault(&c.Media.Preset, media.DefaultPreset)
	setDefault(&c.Media.AudioCodec, media.DefaultAudioCodec)
	setDefaultInt(&c.Media.CRF, media.DefaultCRF)

	setDefaultInt(&c.Pipeline.MaxChars, segment.DefaultMaxChars)
	setDefault(&c.Pipeline.ScratchDir, fsutil.DefaultScratchDir())

	if c.Pipeline.PauseGapSeconds == 0 {
		c.Pipeline.PauseGapSeconds = timeline.DefaultPauseGap
	}
}

func (c *Config) applyFrontEndDefaults() {
	setDefaultInt(&c.Worker.MaxConcurrentRuns, defaultMaxRuns)
	setDefaultInt(&c.Worker.RunTimeoutSeconds, defaultRunTimeoutSec)
	setDefault(&c.Worker.WorkDir, filepath.Join(c.Pipeline.ScratchDir, "jobs"))

	setDefault(&c.API.ListenAddr, defaultListenAddr)
	setDefault(&c.API.UploadDir, filepath.Join(c.Pipeline.ScratchDir, "uploads"))
	setDefaultInt(&c.API.MaxUploadMB, defaultMaxUploadMB)

	setDefault(&c.Paths.BaseLogsDir, filepath.Join(os.TempDir(), defaultLogsDirName))
	setDefault(&c.Runlog.Path, filepath.Join(c.Paths.BaseLogsDir, defaultRunlogFile))
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	if c.Pipeline.MaxChars <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxChars, c.Pipeline.MaxChars)
	}

	if c.Pipeline.PauseGapSeconds < 0 {
		return fmt.Errorf("%w: got %f", ErrInvalidPauseGap, c.Pipeline.PauseGapSeconds)
	}

	if c.Worker.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidConcurrency, c.Worker.MaxConcurrentRuns)
	}

	if c.Speech.TimeoutSeconds <= 0 || c.Describer.TimeoutSeconds <= 0 || c.Worker.RunTimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}

	if strings.TrimSpace(c.NATS.RequestSubject) == "" {
		return ErrMissingSubject
	}

	_, err := media.ParseOutputFormat(c.Speech.OutputFormat)
	if err != nil {
		return fmt.Errorf("speech.output_format: %w", err)
	}

	return nil
}

// AudioFormat returns the parsed speech output format.
func (c *Config) AudioFormat() (media.AudioFormat, error) {
	return media.ParseOutputFormat(c.Speech.OutputFormat)
}

// SpeechTimeout returns the speech request timeout.
func (c *Config) SpeechTimeout() time.Duration {
	return time.Duration(c.Speech.TimeoutSeconds) * time.Second
}

// RunTimeout returns the per-job timeout of the worker.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Worker.RunTimeoutSeconds) * time.Second
}

// GeminiConfig maps the describer section to the client configuration.
func (c *Config) GeminiConfig() gemini.Config {
	return gemini.Config{
		APIKey:       c.Describer.APIKey,
		BaseURL:      c.Describer.BaseURL,
		Model:        c.Describer.Model,
		Prompt:       c.Describer.Prompt,
		Language:     c.Describer.Language,
		PollAttempts: c.Describer.PollAttempts,
		PollInterval: time.Duration(c.Describer.PollIntervalSeconds) * time.Second,
		Timeout:      time.Duration(c.Describer.TimeoutSeconds) * time.Second,
	}
}

// VideoSettings maps the media section to the compositor settings.
func (c *Config) VideoSettings() media.VideoSettings {
	return media.VideoSettings{
		SubtitleStyle: c.Media.SubtitleStyle,
		VideoCodec:    c.Media.VideoCodec,
		CRF:           c.Media.CRF,
		Preset:        c.Media.Preset,
		AudioCodec:    c.Media.AudioCodec,
	}
}

func setDefault(value *string, fallback string) {
	if strings.TrimSpace(*value) == "" {
		*value = fallback
	}
}

func setDefaultInt(value *int, fallback int) {
	if *value == 0 {
		*value = fallback
	}
}
