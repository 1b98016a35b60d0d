// Package config provides the configuration schema, loader and transport
// registry for the homefix voice server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	AWS        AWSConfig        `yaml:"aws"`
	Audio      AudioConfig      `yaml:"audio"`
	Records    RecordsConfig    `yaml:"records"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr" validate:"omitempty,hostname_port"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins are host patterns accepted for cross-origin WebSocket
	// upgrades. Empty allows same-origin requests only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// ModelConfig selects and tunes the speech-to-speech model.
type ModelConfig struct {
	// Provider names the transport registered in the [Registry].
	Provider string `yaml:"provider"`

	// ModelID is the Bedrock model identifier.
	ModelID string `yaml:"model_id"`

	// Region is the primary AWS region. FallbackRegions are tried in order
	// when the primary cannot open a stream.
	Region          string   `yaml:"region"`
	FallbackRegions []string `yaml:"fallback_regions" validate:"dive,required"`

	VoiceID     string  `yaml:"voice_id"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gte=0,lte=10000"`
	TopP        float64 `yaml:"top_p" validate:"gte=0,lte=1"`
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=1"`

	// SystemPrompt replaces the built-in prompt when set.
	SystemPrompt string `yaml:"system_prompt"`
}

// AWSConfig holds credential settings. With no profile and no static keys
// the SDK's default chain is used.
type AWSConfig struct {
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	// Endpoint overrides the Bedrock runtime endpoint.
	Endpoint string `yaml:"endpoint" validate:"omitempty,url"`
}

// AudioConfig tunes the local audio pipeline and session pacing.
type AudioConfig struct {
	// Device names the capture backend registered in the [Registry].
	Device string `yaml:"device"`

	// FFmpegPath and FFplayPath locate the local audio binaries.
	FFmpegPath string `yaml:"ffmpeg_path"`
	FFplayPath string `yaml:"ffplay_path"`

	// InputFormat and InputSource select the ffmpeg input.
	InputFormat string `yaml:"input_format"`
	InputSource string `yaml:"input_source"`

	// CaptureFrameSize is the number of native-rate samples per capture frame.
	CaptureFrameSize int `yaml:"capture_frame_size" validate:"gte=0,lte=65536"`

	// KeepaliveInterval is the idle time before silence is sent. Negative
	// disables the keepalive.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`

	// TeardownPause separates the closing events of a session.
	TeardownPause time.Duration `yaml:"teardown_pause" validate:"gte=0"`
}

// RecordsConfig locates image records and their analysis text. Both halves
// are optional; without them sessions run ungrounded.
type RecordsConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`

	Bucket     string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint" validate:"omitempty,url"`

	// URLTTL is the lifetime of presigned object URLs.
	URLTTL time.Duration `yaml:"url_ttl" validate:"gte=0"`
}

// ResilienceConfig tunes the per-region circuit breakers.
type ResilienceConfig struct {
	MaxFailures  int           `yaml:"max_failures" validate:"gte=0"`
	ResetTimeout time.Duration `yaml:"reset_timeout" validate:"gte=0"`
}
