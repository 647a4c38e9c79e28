package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice conversation engine.
// Every tunable threshold in the engine lives here; components never
// re-derive their own constants.
type Config struct {
	// Server connection
	ServerURL string `envconfig:"SERVER_URL" default:"ws://localhost:8080/ws"`
	AuthToken string `envconfig:"AUTH_TOKEN" default:""`

	// Capture format (signed 16-bit little-endian PCM)
	CaptureSampleRate    int `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"`
	CaptureChannels      int `envconfig:"CAPTURE_CHANNELS" default:"1"`
	CaptureBitsPerSample int `envconfig:"CAPTURE_BITS_PER_SAMPLE" default:"16"`
	CaptureFrameMs       int `envconfig:"CAPTURE_FRAME_MS" default:"20"`      // Frame duration delivered by the device
	CaptureStartupMs     int `envconfig:"CAPTURE_STARTUP_MS" default:"500"`   // Window to see first frame before recovery
	CaptureMaxRecoveries int `envconfig:"CAPTURE_MAX_RECOVERIES" default:"1"` // Re-init attempts when the device goes quiet

	// Voice activity detection
	VADSilenceThresholdDB float64 `envconfig:"VAD_SILENCE_THRESHOLD_DB" default:"-45.0"` // Frames above this level count as speech
	VADSilenceWindowMs    int     `envconfig:"VAD_SILENCE_WINDOW_MS" default:"1500"`     // Continuous silence span ending an utterance
	VADMaxSpeechMs        int     `envconfig:"VAD_MAX_SPEECH_MS" default:"0"`            // Auto-cutoff for continuous speech; 0 disables

	// Playback jitter buffer
	PlaybackMaxBufferMs      int `envconfig:"PLAYBACK_MAX_BUFFER_MS" default:"1000"` // Budget for queued + in-flight audio
	PlaybackStartWatermarkMs int `envconfig:"PLAYBACK_START_WATERMARK_MS" default:"250"`
	PlaybackLowWatermarkMs   int `envconfig:"PLAYBACK_LOW_WATERMARK_MS" default:"120"`
	PlaybackTickMs           int `envconfig:"PLAYBACK_TICK_MS" default:"20"` // In-flight duration decrement interval

	// Transport resilience
	ReconnectMaxAttempts   int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectDelayMs       int `envconfig:"RECONNECT_DELAY_MS" default:"1000"` // Fixed delay between attempts
	ConnectTimeoutMs       int `envconfig:"CONNECT_TIMEOUT_MS" default:"10000"`
	HeartbeatIntervalMs    int `envconfig:"HEARTBEAT_INTERVAL_MS" default:"15000"`
	BreakerMaxFailures     int `envconfig:"BREAKER_MAX_FAILURES" default:"5"`   // Connect failures before opening the circuit
	BreakerResetTimeoutSec int `envconfig:"BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before the circuit half-opens

	// Conversation policy
	AutoListen bool `envconfig:"AUTO_LISTEN" default:"true"` // Start a mic stream as soon as the turn allows

	// Observability
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`

	// Simulator (cmd/simtutor)
	Port      string `envconfig:"PORT" default:"8080"`
	JWTSecret string `envconfig:"JWT_SECRET" default:""`
}

// Load reads configuration from environment variables.
// It first attempts to load from a .env file if one exists, then from environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.CaptureBitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bits per sample: %d (engine processes 16-bit PCM)", cfg.CaptureBitsPerSample)
	}
	if cfg.PlaybackLowWatermarkMs >= cfg.PlaybackStartWatermarkMs {
		return nil, fmt.Errorf("PLAYBACK_LOW_WATERMARK_MS (%d) must be below PLAYBACK_START_WATERMARK_MS (%d)",
			cfg.PlaybackLowWatermarkMs, cfg.PlaybackStartWatermarkMs)
	}
	if cfg.PlaybackStartWatermarkMs > cfg.PlaybackMaxBufferMs {
		return nil, fmt.Errorf("PLAYBACK_START_WATERMARK_MS (%d) exceeds PLAYBACK_MAX_BUFFER_MS (%d)",
			cfg.PlaybackStartWatermarkMs, cfg.PlaybackMaxBufferMs)
	}

	return &cfg, nil
}

// VADSilenceWindow returns the silence hysteresis span as a duration.
func (c *Config) VADSilenceWindow() time.Duration {
	return time.Duration(c.VADSilenceWindowMs) * time.Millisecond
}

// VADMaxSpeech returns the continuous-speech cutoff, zero when disabled.
func (c *Config) VADMaxSpeech() time.Duration {
	return time.Duration(c.VADMaxSpeechMs) * time.Millisecond
}

// ReconnectDelay returns the fixed delay between reconnection attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

// ConnectTimeout returns the websocket handshake timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// HeartbeatInterval returns the ping cadence while connected.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
