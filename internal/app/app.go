// Package app wires the homefix subsystems into a running server.
//
// New builds every dependency from the config: AWS credentials, the
// region-failover model transport, the optional record store and object
// store, the WebSocket gateway and the HTTP mux. Run serves until its
// context ends; Shutdown releases what New acquired.
//
// Tests inject doubles through the With* options; anything not injected is
// built from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dadfix/homefix/internal/auth"
	"github.com/dadfix/homefix/internal/config"
	"github.com/dadfix/homefix/internal/gateway"
	"github.com/dadfix/homefix/internal/health"
	"github.com/dadfix/homefix/internal/observe"
	"github.com/dadfix/homefix/internal/records"
	"github.com/dadfix/homefix/internal/resilience"
	"github.com/dadfix/homefix/internal/session"
	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// archiveBacklog is the number of transcript turns buffered for Postgres.
const archiveBacklog = 256

// App owns the server's subsystems.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	creds     s2s.CredentialsProvider
	credCheck func(context.Context) error
	transport s2s.Transport
	breakers  []*resilience.Breaker

	repo     records.Repository
	objects  records.Objects
	pinger   health.Pinger
	lookup   *records.Lookup
	archiver *records.Archiver

	gateway  *gateway.Handler
	handler  http.Handler
	server   *http.Server
	listener net.Listener

	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for [New].
type Option func(*App)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel lets configuration reloads change the log level.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metrics sink instead of the global one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCredentials injects a credentials provider instead of the AWS chain.
func WithCredentials(p s2s.CredentialsProvider) Option {
	return func(a *App) { a.creds = p }
}

// WithTransport injects a model transport instead of building one per region.
func WithTransport(t s2s.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithRecords injects the record repository and object store.
func WithRecords(repo records.Repository, objects records.Objects) Option {
	return func(a *App) { a.repo, a.objects = repo, objects }
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New builds the application. reg supplies the transport factories.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg, log: slog.Default()}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initAWS(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init aws: %w", err)
	}
	if err := a.initTransport(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init transport: %w", err)
	}
	if err := a.initRecords(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init records: %w", err)
	}
	a.initHTTP()
	return a, nil
}

// initAWS resolves credentials and, when records use S3, the object store.
func (a *App) initAWS(ctx context.Context) error {
	needS3 := a.objects == nil && a.cfg.Records.Bucket != ""
	if a.creds != nil && !needS3 {
		return nil
	}
	awsCfg, err := auth.LoadAWSConfig(ctx, auth.Config{
		Region:          a.cfg.Model.Region,
		Profile:         a.cfg.AWS.Profile,
		AccessKeyID:     a.cfg.AWS.AccessKeyID,
		SecretAccessKey: a.cfg.AWS.SecretAccessKey,
		SessionToken:    a.cfg.AWS.SessionToken,
	})
	if err != nil {
		return err
	}
	if a.creds == nil {
		p := auth.NewProvider(awsCfg, auth.WithLogger(a.log))
		a.creds, a.credCheck = p, p.Check
	}
	if needS3 {
		var s3opts []records.S3Option
		if a.cfg.Records.S3Endpoint != "" {
			s3opts = append(s3opts, records.WithS3Endpoint(a.cfg.Records.S3Endpoint))
		}
		a.objects = records.NewS3Objects(awsCfg, a.cfg.Records.Bucket, s3opts...)
	}
	return nil
}

func (a *App) initTransport() error {
	if a.transport != nil {
		return nil
	}
	fo, err := NewTransport(a.cfg, a.reg, a.log)
	if err != nil {
		return err
	}
	a.transport, a.breakers = fo, fo.Breakers()
	return nil
}

// NewTransport builds one transport per configured region, primary first,
// behind a circuit-breaking failover.
func NewTransport(cfg *config.Config, reg *config.Registry, log *slog.Logger) (*resilience.Failover, error) {
	bcfg := resilience.BreakerConfig{
		MaxFailures:  cfg.Resilience.MaxFailures,
		ResetTimeout: cfg.Resilience.ResetTimeout,
		Logger:       log,
	}
	var fo *resilience.Failover
	for _, region := range append([]string{cfg.Model.Region}, cfg.Model.FallbackRegions...) {
		t, err := reg.CreateTransport(cfg, region)
		if err != nil {
			return nil, fmt.Errorf("region %s: %w", region, err)
		}
		if fo == nil {
			fo = resilience.NewFailover(region, t, bcfg)
		} else {
			fo.Add(region, t)
		}
	}
	return fo, nil
}

// initRecords connects the record store when configured.
func (a *App) initRecords(ctx context.Context) error {
	if a.repo == nil && a.cfg.Records.PostgresDSN != "" {
		store, err := records.NewStore(ctx, a.cfg.Records.PostgresDSN)
		if err != nil {
			return err
		}
		a.repo, a.pinger = store, store
		a.closers = append(a.closers, func() error { store.Close(); return nil })
	}
	if a.repo == nil {
		a.log.Info("app: records disabled, sessions run without item analysis")
		return nil
	}
	a.archiver = records.NewArchiver(a.repo, archiveBacklog, a.log)
	if a.objects == nil {
		a.log.Warn("app: records.s3_bucket not set, record lookups disabled")
		return nil
	}
	a.lookup = records.NewLookup(a.repo, a.objects,
		records.WithURLTTL(a.cfg.Records.URLTTL),
		records.WithLogger(a.log),
	)
	return nil
}

func (a *App) initHTTP() {
	gwOpts := []gateway.Option{
		gateway.WithLogger(a.log),
		gateway.WithMetrics(a.metrics),
	}
	if a.lookup != nil {
		gwOpts = append(gwOpts, gateway.WithAnalysisSource(a.lookup))
	}
	if a.archiver != nil {
		gwOpts = append(gwOpts, gateway.WithTurnArchive(a.archiver))
	}
	a.gateway = gateway.New(gateway.Config{
		Session:          SessionConfig(a.cfg),
		AllowedOrigins:   a.cfg.Server.AllowedOrigins,
		CaptureFrameSize: a.cfg.Audio.CaptureFrameSize,
	}, a.creds, a.transport, gwOpts...)

	var checks []health.Checker
	if a.pinger != nil {
		checks = append(checks, health.Ping("postgres", a.pinger))
	}
	if a.credCheck != nil {
		checks = append(checks, health.Checker{Name: "credentials", Check: a.credCheck})
	}
	if len(a.breakers) > 0 {
		checks = append(checks, health.Breakers("model", a.breakers...))
	}

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws", a.gateway)
	if a.lookup != nil {
		records.NewHandler(a.lookup, a.repo, a.log).Register(mux)
	}
	a.handler = observe.TraceHTTP(mux, a.metrics, a.log)
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// SessionConfig maps the model and audio sections onto session settings.
func SessionConfig(cfg *config.Config) session.Config {
	inf := session.DefaultInference()
	if cfg.Model.MaxTokens > 0 {
		inf.MaxTokens = cfg.Model.MaxTokens
	}
	if cfg.Model.TopP > 0 {
		inf.TopP = cfg.Model.TopP
	}
	if cfg.Model.Temperature > 0 {
		inf.Temperature = cfg.Model.Temperature
	}
	return session.Config{
		ModelID:           cfg.Model.ModelID,
		Region:            cfg.Model.Region,
		VoiceID:           cfg.Model.VoiceID,
		Inference:         inf,
		SystemPrompt:      cfg.Model.SystemPrompt,
		KeepaliveInterval: cfg.Audio.KeepaliveInterval,
		TeardownPause:     cfg.Audio.TeardownPause,
	}
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP and flushes archived turns until ctx ends, then shuts the
// server down gracefully.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen: %w", err)
		}
	}
	a.log.Info("app: listening", "addr", ln.Addr().String())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	if a.archiver != nil {
		g.Go(func() error { return a.archiver.Run(ctx) })
	}
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable parts of a new config. It is meant
// as a [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Compare(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(LevelOf(d.NewLogLevel))
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged || d.OriginsChanged {
		a.gateway.Reconfigure(SessionConfig(new), new.Server.AllowedOrigins)
		a.log.Info("app: session settings updated")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("app: config changes need a restart", "sections", d.RestartRequired)
	}
}

// LevelOf maps a config log level to slog.
func LevelOf(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Shutdown releases resources acquired by New. Run must have returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "closers", len(a.closers))
		err = a.closeCtx(ctx)
	})
	return err
}

func (a *App) close() { _ = a.closeCtx(context.Background()) }

func (a *App) closeCtx(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("app: %d closers skipped: %w", i+1, ctx.Err()))
			break
		}
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
