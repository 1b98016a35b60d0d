package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/dadfix/homefix/internal/app"
	"github.com/dadfix/homefix/internal/config"
	"github.com/dadfix/homefix/internal/observe"
	"github.com/dadfix/homefix/internal/records"
	recmock "github.com/dadfix/homefix/internal/records/mock"
	"github.com/dadfix/homefix/pkg/provider/s2s"
	s2smock "github.com/dadfix/homefix/pkg/provider/s2s/mock"
)

func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testCreds() s2s.CredentialsProvider {
	return &s2smock.Credentials{Result: s2s.Credentials{AccessKeyID: "AKIA", SecretAccessKey: "secret"}}
}

func seededRecords() (*recmock.Repository, *recmock.Objects) {
	repo := &recmock.Repository{}
	repo.Put(records.Record{ID: "rec-1", UserID: "u1", ImageKey: "images/rec-1.jpg", AnalysisKey: "analysis/rec-1.txt"})
	return repo, &recmock.Objects{Data: map[string]string{"analysis/rec-1.txt": "A cracked tile."}}
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	base := []app.Option{
		app.WithMetrics(testMetrics(t)),
		app.WithCredentials(testCreds()),
		app.WithTransport(&s2smock.Transport{}),
	}
	a, err := app.New(t.Context(), cfg, config.NewRegistry(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestApp_Routes(t *testing.T) {
	repo, objs := seededRecords()
	a := newTestApp(t, testConfig(t, ""), app.WithRecords(repo, objs))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		path string
		want int
	}{
		{path: "/healthz", want: http.StatusOK},
		{path: "/readyz", want: http.StatusOK},
		{path: "/metrics", want: http.StatusOK},
		{path: "/api/records/rec-1", want: http.StatusOK},
		{path: "/api/records/nope", want: http.StatusNotFound},
		{path: "/nowhere", want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestApp_RecordsDisabled(t *testing.T) {
	a := newTestApp(t, testConfig(t, ""))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/records/rec-1", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 without a record store", rec.Code)
	}
}

func TestApp_RunServesWebSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a := newTestApp(t, testConfig(t, ""), app.WithListener(ln))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	dialCtx, dialCancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer dialCancel()
	c, _, err := websocket.Dial(dialCtx, "ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var msg map[string]any
	if err := wsjson.Read(dialCtx, c, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["type"] != "ready" {
		t.Errorf("first message = %v, want ready", msg)
	}
	c.Close(websocket.StatusNormalClosure, "")

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestApp_RegionFailover(t *testing.T) {
	cfg := testConfig(t, `
model:
  region: us-east-1
  fallback_regions: [us-west-2]
resilience:
  max_failures: 1
  reset_timeout: 1h
`)
	secondary := &s2smock.Transport{}
	reg := config.NewRegistry()
	reg.RegisterTransport("bedrock", func(_ *config.Config, region string) (s2s.Transport, error) {
		if region == "us-east-1" {
			return &s2smock.Transport{OpenErr: errors.New("throttled")}, nil
		}
		return secondary, nil
	})

	a, err := app.New(t.Context(), cfg, reg, app.WithMetrics(testMetrics(t)), app.WithCredentials(testCreds()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(t.Context(), 3*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()
	if err := wsjson.Write(ctx, c, map[string]any{"type": "hello"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	for {
		var msg map[string]any
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg["type"] == "state" && msg["state"] == "connected" {
			break
		}
	}
	if secondary.OpenCount() != 1 {
		t.Errorf("fallback opens = %d, want 1", secondary.OpenCount())
	}

	// The primary breaker is open but the fallback keeps the service ready.
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz = %d, want 200", resp.StatusCode)
	}
}

func TestApp_UnregisteredTransport(t *testing.T) {
	_, err := app.New(t.Context(), testConfig(t, ""), config.NewRegistry(),
		app.WithMetrics(testMetrics(t)), app.WithCredentials(testCreds()))
	if !errors.Is(err, config.ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestApp_ApplyConfig(t *testing.T) {
	var level slog.LevelVar
	a := newTestApp(t, testConfig(t, ""), app.WithLevel(&level))

	old := testConfig(t, "")
	updated := testConfig(t, "server:\n  log_level: debug\nmodel:\n  voice_id: tiffany\n")
	a.ApplyConfig(old, updated)
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := testConfig(t, `
model:
  voice_id: tiffany
  top_p: 0.5
  system_prompt: Be brief.
audio:
  keepalive_interval: -1s
`)
	sc := app.SessionConfig(cfg)
	if sc.VoiceID != "tiffany" || sc.SystemPrompt != "Be brief." {
		t.Errorf("session config = %+v", sc)
	}
	if sc.Inference.TopP != 0.5 || sc.Inference.MaxTokens != 1024 || sc.Inference.Temperature != 0.7 {
		t.Errorf("inference = %+v, want defaults with top_p override", sc.Inference)
	}
	if sc.KeepaliveInterval >= 0 {
		t.Errorf("keepalive = %v, want disabled", sc.KeepaliveInterval)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	reg := config.NewRegistry()
	app.RegisterBuiltins(reg)
	cfg := testConfig(t, "aws:\n  endpoint: http://localhost:4566\n")

	if _, err := reg.CreateTransport(cfg, "us-west-2"); err != nil {
		t.Errorf("CreateTransport: %v", err)
	}
	if _, err := reg.CreateDevice(cfg); err != nil {
		t.Errorf("CreateDevice: %v", err)
	}
	fo, err := app.NewTransport(testConfig(t, "model:\n  fallback_regions: [us-west-2, eu-central-1]\n"), reg, slog.Default())
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	if n := len(fo.Breakers()); n != 3 {
		t.Errorf("breakers = %d, want 3", n)
	}
}
