// Package auth resolves AWS credentials for the voice model and the record
// store. Credentials come from static keys when configured, otherwise from the
// standard AWS chain (environment, shared profile, SSO, instance role).
package auth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// Config selects the credential source.
type Config struct {
	// Region is the default region for clients built from the loaded config.
	Region string

	// Profile selects a shared-config profile. Ignored when static keys are set.
	Profile string

	// AccessKeyID, SecretAccessKey and SessionToken pin static credentials.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// LoadAWSConfig builds an aws.Config for cfg. Static keys take precedence
// over the default chain.
func LoadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	switch {
	case cfg.AccessKeyID != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	case cfg.Profile != "":
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("auth: load aws config: %w", err)
	}
	return awsCfg, nil
}

// Provider adapts an aws.CredentialsProvider to [s2s.CredentialsProvider].
// Retrieval is cached and refreshed by the SDK.
type Provider struct {
	creds aws.CredentialsProvider
	log   *slog.Logger
}

var _ s2s.CredentialsProvider = (*Provider)(nil)

// Option is a functional option for [NewProvider].
type Option func(*Provider)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// NewProvider wraps the credentials of awsCfg.
func NewProvider(awsCfg aws.Config, opts ...Option) *Provider {
	p := &Provider{log: slog.Default()}
	if awsCfg.Credentials != nil {
		p.creds = aws.NewCredentialsCache(awsCfg.Credentials)
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Credentials implements [s2s.CredentialsProvider]. Any retrieval failure,
// and an empty result, wrap [s2s.ErrNoCredentials].
func (p *Provider) Credentials(ctx context.Context) (s2s.Credentials, error) {
	if p.creds == nil {
		return s2s.Credentials{}, s2s.ErrNoCredentials
	}
	v, err := p.creds.Retrieve(ctx)
	if err != nil {
		p.log.Warn("auth: retrieve credentials", "err", err)
		return s2s.Credentials{}, fmt.Errorf("%w: %w", s2s.ErrNoCredentials, err)
	}
	c := s2s.Credentials{
		AccessKeyID:     v.AccessKeyID,
		SecretAccessKey: v.SecretAccessKey,
		SessionToken:    v.SessionToken,
	}
	if !c.Valid() {
		return s2s.Credentials{}, s2s.ErrNoCredentials
	}
	p.log.Debug("auth: credentials resolved", "source", v.Source, "expires", v.CanExpire)
	return c, nil
}

// Check reports whether credentials can currently be resolved. It is used as
// a readiness probe.
func (p *Provider) Check(ctx context.Context) error {
	_, err := p.Credentials(ctx)
	return err
}

// Static returns a provider that always yields c.
func Static(c s2s.Credentials) s2s.CredentialsProvider {
	return s2s.CredentialsFunc(func(context.Context) (s2s.Credentials, error) {
		if !c.Valid() {
			return s2s.Credentials{}, s2s.ErrNoCredentials
		}
		return c, nil
	})
}
