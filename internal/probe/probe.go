package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/domain/ports"
	"github.com/ezerobledo91/streams-sub000/internal/metrics"
	"github.com/ezerobledo91/streams-sub000/internal/telemetry"
)

const (
	defaultTimeout = 4 * time.Second
	defaultRPS     = 8
	sniffBytes     = 4096
)

var acceptedTypes = map[string]domain.StreamKind{
	"video/mp4":                     domain.StreamDirect,
	"video/webm":                    domain.StreamDirect,
	"video/x-m4v":                   domain.StreamDirect,
	"application/vnd.apple.mpegurl": domain.StreamHLS,
	"application/x-mpegurl":         domain.StreamHLS,
	"audio/mpegurl":                 domain.StreamHLS,
	"audio/x-mpegurl":               domain.StreamHLS,
}

var matroskaTypes = map[string]bool{
	"video/x-matroska": true,
	"video/mkv":        true,
}

var ambiguousTypes = map[string]bool{
	"":                         true,
	"application/octet-stream": true,
	"binary/octet-stream":      true,
	"application/unknown":      true,
}

var extensionKinds = map[string]domain.StreamKind{
	"mp4":  domain.StreamDirect,
	"m4v":  domain.StreamDirect,
	"webm": domain.StreamDirect,
	"m3u8": domain.StreamHLS,
}

// Result describes an accepted direct source.
type Result struct {
	ContentType string
	Kind        domain.StreamKind
	Status      int
	// Matroska is set when the source was accepted as a matroska container.
	Matroska bool
}

type Config struct {
	Timeout           time.Duration
	RequestsPerSecond float64
	MatroskaProviders []string
}

// Prober validates direct URLs with a tiny ranged GET.
type Prober struct {
	client   *http.Client
	recorder ports.ReliabilityRecorder
	limiter  *rate.Limiter
	timeout  time.Duration
	matroska map[string]bool
	logger   *slog.Logger
}

type Option func(*Prober)

func WithHTTPClient(client *http.Client) Option {
	return func(p *Prober) {
		if client != nil {
			p.client = client
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Prober) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(cfg Config, recorder ports.ReliabilityRecorder, opts ...Option) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRPS
	}
	p := &Prober{
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		recorder: recorder,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		timeout:  cfg.Timeout,
		matroska: make(map[string]bool, len(cfg.MatroskaProviders)),
		logger:   slog.Default(),
	}
	for _, id := range cfg.MatroskaProviders {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			p.matroska[id] = true
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe validates a direct candidate using the default timeout.
func (p *Prober) Probe(ctx context.Context, c domain.Candidate) (Result, error) {
	return p.ProbeWithTimeout(ctx, c, p.timeout)
}

// ProbeWithTimeout validates a direct candidate. The outcome is reported to the
// reliability recorder before returning, except when the circuit is open.
func (p *Prober) ProbeWithTimeout(ctx context.Context, c domain.Candidate, timeout time.Duration) (res Result, err error) {
	if c.DirectURL == "" {
		return Result{}, fmt.Errorf("probe %s: %w", c.SourceKey, domain.ErrInvalidSource)
	}
	if p.recorder != nil && p.recorder.IsOpen(c.ProviderID, c.SourceKey) {
		metrics.ProbeResultsTotal.WithLabelValues("circuit_open").Inc()
		return Result{}, domain.ErrCircuitOpen
	}
	if timeout <= 0 {
		timeout = p.timeout
	}

	ctx, span := telemetry.Start(ctx, "probe", "Probe",
		attribute.String("provider.id", c.ProviderID),
		attribute.String("source.key", c.SourceKey),
	)
	defer func() { telemetry.End(span, err) }()

	if err = p.limiter.Wait(ctx); err != nil {
		return Result{}, err
	}

	started := time.Now()
	res, err = p.run(ctx, c, timeout)
	if err != nil {
		metrics.ProbeResultsTotal.WithLabelValues(probeKind(err)).Inc()
		p.report(c, false, err.Error())
		p.logger.Debug("probe failed",
			slog.String("providerId", c.ProviderID),
			slog.String("sourceKey", c.SourceKey),
			slog.Int64("durationMs", time.Since(started).Milliseconds()),
			slog.String("error", err.Error()),
		)
		return Result{}, err
	}
	metrics.ProbeResultsTotal.WithLabelValues("ok").Inc()
	p.report(c, true, "")
	p.logger.Debug("probe ok",
		slog.String("providerId", c.ProviderID),
		slog.String("sourceKey", c.SourceKey),
		slog.String("contentType", res.ContentType),
		slog.Int64("durationMs", time.Since(started).Milliseconds()),
	)
	return res, nil
}

func (p *Prober) report(c domain.Candidate, ok bool, reason string) {
	if p.recorder == nil {
		return
	}
	p.recorder.Record(c.ProviderID, c.SourceKey, ok, reason)
}

func probeKind(err error) string {
	var pe *domain.ProbeError
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	return "error"
}

func (p *Prober) run(ctx context.Context, c domain.Candidate, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := p.get(ctx, c.DirectURL, "bytes=0-1")
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		drain(resp)
		resp, err = p.get(ctx, c.DirectURL, "")
		if err != nil {
			return Result{}, err
		}
	}
	defer drain(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &domain.ProbeError{Kind: domain.ProbeHTTPStatus, Status: resp.StatusCode}
	}

	contentType := mediaType(resp.Header.Get("Content-Type"))
	res := Result{ContentType: contentType, Status: resp.StatusCode}

	if ambiguousTypes[contentType] {
		if kind, ok := extensionKinds[urlExtension(c.DirectURL)]; ok {
			res.Kind = kind
			return res, nil
		}
		sniffed, err := p.sniff(ctx, c.DirectURL)
		if err != nil {
			return Result{}, err
		}
		contentType = sniffed
		res.ContentType = sniffed
	}

	if kind, ok := acceptedTypes[contentType]; ok {
		res.Kind = kind
		return res, nil
	}
	if matroskaTypes[contentType] && p.matroska[strings.ToLower(c.ProviderID)] {
		res.Kind = domain.StreamDirect
		res.Matroska = true
		return res, nil
	}
	return Result{}, &domain.ProbeError{Kind: domain.ProbeContentTypeMismatch, Status: resp.StatusCode, ContentType: contentType}
}

func (p *Prober) get(ctx context.Context, rawURL, byteRange string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &domain.ProbeError{Kind: domain.ProbeHTTPStatus, Err: err}
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &domain.ProbeError{Kind: domain.ProbeTimeout, Err: err}
	}
	return resp, nil
}

// sniff reads the first bytes of an ambiguous resource and detects its type.
func (p *Prober) sniff(ctx context.Context, rawURL string) (string, error) {
	resp, err := p.get(ctx, rawURL, fmt.Sprintf("bytes=0-%d", sniffBytes-1))
	if err != nil {
		return "", err
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &domain.ProbeError{Kind: domain.ProbeHTTPStatus, Status: resp.StatusCode}
	}
	detected, err := mimetype.DetectReader(io.LimitReader(resp.Body, sniffBytes))
	if err != nil {
		return "", &domain.ProbeError{Kind: domain.ProbeTimeout, Err: err}
	}
	for m := detected; m != nil; m = m.Parent() {
		ct := mediaType(m.String())
		if _, ok := acceptedTypes[ct]; ok || matroskaTypes[ct] {
			return ct, nil
		}
	}
	return mediaType(detected.String()), nil
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return strings.ToLower(mt)
}

func urlExtension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
