package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultProvider        = "bedrock"
	DefaultModelID         = "amazon.nova-sonic-v1:0"
	DefaultRegion          = "us-east-1"
	DefaultDevice          = "ffmpeg"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultURLTTL          = 15 * time.Minute
)

// ValidNames lists known registry names per kind. [Validate] warns about
// anything else, since a third-party factory may still be registered.
var ValidNames = map[string][]string{
	"transport": {"bedrock"},
	"device":    {"ffmpeg"},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = DefaultProvider
	}
	if cfg.Model.ModelID == "" {
		cfg.Model.ModelID = DefaultModelID
	}
	if cfg.Model.Region == "" {
		cfg.Model.Region = DefaultRegion
	}
	if cfg.Audio.Device == "" {
		cfg.Audio.Device = DefaultDevice
	}
	if cfg.Records.URLTTL == 0 {
		cfg.Records.URLTTL = DefaultURLTTL
	}
}

// Validate checks struct constraints and cross-field rules. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: %s", fieldPath(fe), describe(fe)))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if (cfg.AWS.AccessKeyID == "") != (cfg.AWS.SecretAccessKey == "") {
		errs = append(errs, errors.New("aws.access_key_id and aws.secret_access_key must be set together"))
	}
	if cfg.AWS.Profile != "" && cfg.AWS.AccessKeyID != "" {
		errs = append(errs, errors.New("aws.profile and static keys are mutually exclusive"))
	}
	if slices.Contains(cfg.Model.FallbackRegions, cfg.Model.Region) {
		errs = append(errs, fmt.Errorf("model.fallback_regions repeats the primary region %q", cfg.Model.Region))
	}
	if cfg.Records.S3Endpoint != "" && cfg.Records.Bucket == "" {
		errs = append(errs, errors.New("records.s3_endpoint requires records.s3_bucket"))
	}
	if cfg.Records.Bucket != "" && cfg.Records.PostgresDSN == "" {
		slog.Warn("records.s3_bucket is set without records.postgres_dsn; records cannot be looked up")
	}

	warnUnknown("transport", cfg.Model.Provider)
	warnUnknown("device", cfg.Audio.Device)

	return errors.Join(errs...)
}

// fieldPath strips the root type from a validator namespace, yielding the
// YAML path (e.g., "model.top_p").
func fieldPath(fe validator.FieldError) string {
	_, path, _ := strings.Cut(fe.Namespace(), ".")
	return path
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return fmt.Sprintf("%q is not a valid URL", fe.Value())
	case "hostname_port":
		return fmt.Sprintf("%q must be host:port", fe.Value())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func warnUnknown(kind, name string) {
	if name == "" || slices.Contains(ValidNames[kind], name) {
		return
	}
	slog.Warn("config: unknown name, may be a typo or third-party factory",
		"kind", kind,
		"name", name,
		"known", ValidNames[kind],
	)
}
