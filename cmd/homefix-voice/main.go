// Command homefix-voice runs a voice session from the terminal, capturing the
// microphone with ffmpeg and playing the assistant through ffplay.
//
// Press Enter to start or stop talking. Lines starting with "/" are commands:
// "/say TEXT" sends a typed turn and "/quit" exits.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/dadfix/homefix/internal/app"
	"github.com/dadfix/homefix/internal/auth"
	"github.com/dadfix/homefix/internal/config"
	"github.com/dadfix/homefix/internal/records"
	"github.com/dadfix/homefix/internal/session"
	"github.com/dadfix/homefix/internal/voicechat"
	"github.com/dadfix/homefix/pkg/audio/capture"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "homefix.yaml", "path to the YAML configuration file")
	analysisPath := flag.String("analysis", "", "file with the item analysis to ground the session on")
	recordID := flag.String("record", "", "record id whose analysis grounds the session (needs records config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.LoadFromReader(strings.NewReader(""))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "homefix-voice: %v\n", err)
		return 1
	}

	// Logs go to stderr at warn and above unless debugging, so the
	// conversation on stdout stays readable.
	lvl := app.LevelOf(cfg.Server.LogLevel)
	if lvl < slog.LevelWarn && lvl != slog.LevelDebug {
		lvl = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := auth.LoadAWSConfig(ctx, auth.Config{
		Region:          cfg.Model.Region,
		Profile:         cfg.AWS.Profile,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		SessionToken:    cfg.AWS.SessionToken,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "homefix-voice: aws config: %v\n", err)
		return 1
	}

	analysis, err := loadAnalysis(ctx, cfg, awsCfg, *analysisPath, *recordID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "homefix-voice: %v\n", err)
		return 1
	}

	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)
	transport, err := app.NewTransport(cfg, reg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "homefix-voice: %v\n", err)
		return 1
	}
	device, err := reg.CreateDevice(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "homefix-voice: %v\n", err)
		return 1
	}
	sink := app.NewSink(cfg)
	defer sink.Close()

	var client *session.Client
	ctrl := voicechat.New(
		func(h session.Handlers) voicechat.Session {
			client = session.NewClient(app.SessionConfig(cfg), auth.NewProvider(awsCfg, auth.WithLogger(logger)), transport,
				session.WithHandlers(h),
				session.WithLogger(logger),
				session.WithAnalysis(analysis),
			)
			return client
		},
		device, sink,
		voicechat.WithLogger(logger),
		voicechat.WithRecorderOptions(capture.WithFrameSize(cfg.Audio.CaptureFrameSize)),
		voicechat.WithObserver(voicechat.Observer{
			OnStatus: func(s string) { fmt.Printf("[%s]\n", s) },
			OnTranscript: func(u session.TranscriptUpdate) {
				if u.Stage != "SPECULATIVE" {
					fmt.Printf("%s: %s\n", u.Turn.Role, u.Fragment)
				}
			},
			OnError: func(err error) { fmt.Printf("! %s\n", session.UserMessage(err)) },
		}),
	)

	if err := ctrl.Mount(ctx); err != nil {
		slog.Debug("initial connect failed", "err", err)
	}
	defer func() {
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Unmount(endCtx)
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				_ = ctrl.Toggle(ctx)
			case line == "/quit":
				return 0
			case strings.HasPrefix(line, "/say "):
				if err := client.SendText(strings.TrimPrefix(line, "/say ")); err != nil {
					fmt.Println("! Not connected. Press Enter to reconnect.")
				}
			default:
				fmt.Println("Press Enter to talk, /say TEXT to type, /quit to exit.")
			}
		}
	}
}

// loadAnalysis reads the grounding text from a file or the record store.
func loadAnalysis(ctx context.Context, cfg *config.Config, awsCfg aws.Config, path, recordID string) (string, error) {
	switch {
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read analysis: %w", err)
		}
		return string(b), nil
	case recordID != "":
		if cfg.Records.PostgresDSN == "" || cfg.Records.Bucket == "" {
			return "", errors.New("-record needs records.postgres_dsn and records.s3_bucket")
		}
		store, err := records.NewStore(ctx, cfg.Records.PostgresDSN)
		if err != nil {
			return "", err
		}
		defer store.Close()
		var opts []records.S3Option
		if cfg.Records.S3Endpoint != "" {
			opts = append(opts, records.WithS3Endpoint(cfg.Records.S3Endpoint))
		}
		lookup := records.NewLookup(store, records.NewS3Objects(awsCfg, cfg.Records.Bucket, opts...))
		return lookup.Analysis(ctx, recordID)
	}
	return "", nil
}
