// Package bedrock implements [s2s.Transport] over the Amazon Bedrock
// invoke-with-bidirectional-stream API used by Nova Sonic.
//
// The AWS SDK for Go ships no client for the bidirectional operation, so the
// transport speaks it directly: one HTTP/2 POST whose request body is a
// stream of SigV4-signed event-stream frames and whose response body is a
// stream of event-stream messages. Endpoint resolution, request signing,
// per-frame chained signatures and message framing all come from the SDK
// (bedrockruntime's endpoint resolver, aws/signer/v4 and
// aws/protocol/eventstream).
//
// Open starts draining the request's [s2s.EventSource] as soon as the request
// is sent, because the service may hold its response headers until the
// session events arrive. Events consumed by a failed Open are gone; callers
// that retry must replay them (resilience.Failover does).
package bedrock

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/dadfix/homefix/pkg/provider/s2s"
)

// Compile-time assertions.
var (
	_ s2s.Transport = (*Transport)(nil)
	_ s2s.Stream    = (*stream)(nil)
)

// DefaultModelID is the Nova Sonic model used when a request names none.
const DefaultModelID = "amazon.nova-sonic-v1:0"

// DefaultRegion is used when neither the request nor the transport names one.
const DefaultRegion = "us-east-1"

const (
	// signingName is the SigV4 service name for bedrock-runtime.
	signingName = "bedrock"

	// streamingPayload is the payload hash of a request whose body is a
	// stream of individually signed event frames.
	streamingPayload = "STREAMING-AWS4-HMAC-SHA256-EVENTS"

	eventStreamContentType = "application/vnd.amazon.eventstream"

	// eventBuffer is the inbound envelope channel capacity.
	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for [New].
type Option func(*Transport)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithRegion forces every stream onto region, ignoring [s2s.OpenRequest.Region].
// Used to build per-region failover transports.
func WithRegion(region string) Option {
	return func(t *Transport) { t.region = region }
}

// WithEndpoint overrides the Bedrock runtime endpoint URL.
func WithEndpoint(url string) Option {
	return func(t *Transport) { t.endpoint = url }
}

// WithHTTPClient sets the HTTP client. It must negotiate HTTP/2 for the
// response to arrive while the request body is still streaming.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport opens Nova Sonic streams on Bedrock. It is safe for concurrent use.
type Transport struct {
	log      *slog.Logger
	region   string
	endpoint string
	client   *http.Client
	signer   *v4.Signer
	now      func() time.Time
}

// New creates a Bedrock transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		log:    slog.Default(),
		signer: v4.NewSigner(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	if t.client == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.ForceAttemptHTTP2 = true
		t.client = &http.Client{Transport: tr}
	}
	return t
}

// Open implements [s2s.Transport]. It returns once the service has answered
// with a 200 and the response stream is readable.
func (t *Transport) Open(ctx context.Context, req s2s.OpenRequest) (s2s.Stream, error) {
	if req.Outbound == nil {
		return nil, errors.New("bedrock: open: nil outbound source")
	}
	if !req.Credentials.Valid() {
		return nil, fmt.Errorf("bedrock: open: %w", s2s.ErrNoCredentials)
	}
	modelID := req.ModelID
	if modelID == "" {
		modelID = DefaultModelID
	}
	region := t.region
	if region == "" {
		region = req.Region
	}
	if region == "" {
		region = DefaultRegion
	}
	base, err := t.endpointFor(ctx, region)
	if err != nil {
		return nil, fmt.Errorf("bedrock: resolve endpoint for %s: %w", region, err)
	}
	creds := aws.Credentials{
		AccessKeyID:     req.Credentials.AccessKeyID,
		SecretAccessKey: req.Credentials.SecretAccessKey,
		SessionToken:    req.Credentials.SessionToken,
		Source:          "homefix",
	}

	// The stream outlives Open's ctx; ctx only bounds connection setup.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	pr, pw := io.Pipe()
	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, invokeURL(base, modelID).String(), pr)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bedrock: open: %w", err)
	}
	httpReq.Header.Set("Content-Type", eventStreamContentType)
	httpReq.Header.Set("X-Amz-Content-Sha256", streamingPayload)

	signedAt := t.now().UTC()
	if err := t.signer.SignHTTP(ctx, creds, httpReq, streamingPayload, signingName, region, signedAt); err != nil {
		cancel()
		return nil, fmt.Errorf("bedrock: sign request: %w", err)
	}
	seed, err := requestSignature(httpReq.Header)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("bedrock: sign request: %w", err)
	}

	s := &stream{
		events: make(chan s2s.Envelope, eventBuffer),
		ctx:    streamCtx,
		cancel: cancel,
		pw:     pw,
		frames: newFrameWriter(pw, v4.NewStreamSigner(creds, signingName, region, seed), t.now),
		log:    t.log.With("model", modelID, "region", region),
	}
	go s.sendLoop(req.Outbound)

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := t.client.Do(httpReq)
		done <- result{resp, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		s.abort(ctx.Err())
		go func() {
			if r := <-done; r.resp != nil {
				_ = r.resp.Body.Close()
			}
		}()
		return nil, fmt.Errorf("bedrock: open: %w", ctx.Err())
	}
	if r.err != nil {
		err := r.err
		if serr := s.Err(); serr != nil {
			err = serr
		}
		s.abort(err)
		return nil, fmt.Errorf("bedrock: open %s in %s: %w", modelID, region, err)
	}
	if r.resp.StatusCode != http.StatusOK {
		err := responseError(r.resp)
		_ = r.resp.Body.Close()
		s.abort(err)
		return nil, fmt.Errorf("bedrock: open %s in %s: %w", modelID, region, classify(err))
	}

	s.body = r.resp.Body
	go s.receiveLoop()
	s.log.Debug("bedrock: stream open", "proto", r.resp.Proto)
	return s, nil
}

// endpointFor returns the configured endpoint or the SDK's regional one.
func (t *Transport) endpointFor(ctx context.Context, region string) (*url.URL, error) {
	if t.endpoint != "" {
		return url.Parse(t.endpoint)
	}
	ep, err := bedrockruntime.NewDefaultEndpointResolverV2().ResolveEndpoint(ctx, bedrockruntime.EndpointParameters{
		Region:       aws.String(region),
		UseDualStack: aws.Bool(false),
		UseFIPS:      aws.Bool(false),
	})
	if err != nil {
		return nil, err
	}
	u := ep.URI
	return &u, nil
}

// invokeURL appends the operation path. The model ID is escaped the way the
// SDK escapes path labels, so "amazon.nova-sonic-v1:0" travels as "...v1%3A0".
func invokeURL(base *url.URL, modelID string) *url.URL {
	u := base.JoinPath("model", modelID, "invoke-with-bidirectional-stream")
	u.RawPath = strings.TrimSuffix(base.EscapedPath(), "/") + "/model/" +
		strings.ReplaceAll(url.PathEscape(modelID), ":", "%3A") + "/invoke-with-bidirectional-stream"
	return u
}

// requestSignature extracts the hex signature from a SigV4 Authorization
// header. It seeds the chain of event signatures.
func requestSignature(h http.Header) ([]byte, error) {
	auth := h.Get("Authorization")
	_, sig, ok := strings.Cut(auth, "Signature=")
	if !ok {
		return nil, errors.New("request carries no signature")
	}
	if i := strings.IndexByte(sig, ','); i >= 0 {
		sig = sig[:i]
	}
	return hex.DecodeString(strings.TrimSpace(sig))
}
