package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/metrics"
	"github.com/ezerobledo91/streams-sub000/internal/probe"
	"github.com/ezerobledo91/streams-sub000/internal/session"
	"github.com/ezerobledo91/streams-sub000/internal/telemetry"
)

// Ranker orders provider results into candidates.
type Ranker interface {
	Rank(results []domain.ProviderResult) []domain.Candidate
}

// Prober validates direct URLs.
type Prober interface {
	Probe(ctx context.Context, c domain.Candidate) (probe.Result, error)
}

// Sessions is the subset of the session registry the race drives.
type Sessions interface {
	Create(ctx context.Context, p session.CreateParams) (domain.SessionDescriptor, error)
	CreateDirect(ctx context.Context, p session.DirectParams) (domain.SessionDescriptor, error)
	Get(id string) (domain.SessionDescriptor, bool)
	Alive(id string) bool
	Delete(id string) error
}

// Circuits answers reliability questions before an attempt is made.
type Circuits interface {
	IsOpen(providerID, sourceKey string) bool
	IsProviderCircuitOpen(providerID string) bool
}

type Attempts interface {
	Append(ev domain.AttemptEvent)
}

type Config struct {
	Budget          time.Duration
	DirectProbes    int
	DirectParallel  int
	BatchSize       int
	BatchWindow     time.Duration
	Grace           time.Duration
	TargetReady     int
	MaxAlternates   int
	RescueWait      time.Duration
	MaxCandidates   int
	PollInterval    time.Duration
	AlwaysTry       []string
	CacheTTL        CacheTTL
	CacheMaxEntries int
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = 25 * time.Second
	}
	if c.DirectProbes <= 0 {
		c.DirectProbes = 4
	}
	if c.DirectParallel <= 0 {
		c.DirectParallel = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = 8 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 4 * time.Second
	}
	if c.TargetReady <= 0 {
		c.TargetReady = 2
	}
	if c.MaxAlternates < 0 {
		c.MaxAlternates = 0
	}
	if c.RescueWait <= 0 {
		c.RescueWait = 20 * time.Second
	}
	if c.MaxCandidates <= 0 {
		c.MaxCandidates = 12
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	c.CacheTTL = c.CacheTTL.withDefaults()
	return c
}

// Orchestrator races candidates and returns one playable stream.
type Orchestrator struct {
	cfg       Config
	ranker    Ranker
	prober    Prober
	sessions  Sessions
	circuits  Circuits
	attempts  Attempts
	cache     CacheBackend
	alwaysTry map[string]bool
	flight    singleflight.Group
	logger    *slog.Logger
}

type Option func(*Orchestrator)

func WithCache(cache CacheBackend) Option {
	return func(o *Orchestrator) {
		if cache != nil {
			o.cache = cache
		}
	}
}

func WithCircuits(c Circuits) Option {
	return func(o *Orchestrator) { o.circuits = c }
}

func WithAttempts(a Attempts) Option {
	return func(o *Orchestrator) { o.attempts = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func New(cfg Config, ranker Ranker, prober Prober, sessions Sessions, opts ...Option) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:       cfg,
		ranker:    ranker,
		prober:    prober,
		sessions:  sessions,
		alwaysTry: make(map[string]bool, len(cfg.AlwaysTry)),
		logger:    slog.Default(),
	}
	for _, id := range cfg.AlwaysTry {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			o.alwaysTry[id] = true
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cache == nil {
		o.cache = NewMemoryCache(cfg.CacheMaxEntries)
	}
	return o
}

// Play returns a cached result while its session lives, otherwise races the
// request's candidates. Identical concurrent requests share one race.
func (o *Orchestrator) Play(ctx context.Context, req domain.PlayRequest) (domain.PlayResult, error) {
	key := CacheKey(req)
	if res, ok := o.lookup(ctx, key); ok {
		return res, nil
	}

	ch := o.flight.DoChan(key, func() (any, error) {
		// The shared race must not die with the first caller.
		runCtx := context.WithoutCancel(ctx)
		if res, ok := o.lookup(runCtx, key); ok {
			return res, nil
		}
		res, err := o.play(runCtx, req)
		if err != nil {
			return nil, err
		}
		if err := o.cache.Set(runCtx, key, res, o.cfg.CacheTTL.For(req.Type)); err != nil {
			o.logger.Warn("result cache write failed", slog.String("key", key), slog.String("error", err.Error()))
		}
		return res, nil
	})
	select {
	case <-ctx.Done():
		return domain.PlayResult{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return domain.PlayResult{}, r.Err
		}
		return r.Val.(domain.PlayResult), nil
	}
}

// lookup returns a cached result whose session, if any, is still alive.
func (o *Orchestrator) lookup(ctx context.Context, key string) (domain.PlayResult, bool) {
	res, ok, err := o.cache.Get(ctx, key)
	if err != nil {
		o.logger.Warn("result cache read failed", slog.String("key", key), slog.String("error", err.Error()))
		return domain.PlayResult{}, false
	}
	if !ok {
		metrics.ResultCacheTotal.WithLabelValues("miss").Inc()
		return domain.PlayResult{}, false
	}
	if res.Mode == domain.ModeSession && !o.sessions.Alive(res.SessionID) {
		metrics.ResultCacheTotal.WithLabelValues("stale").Inc()
		_ = o.cache.Delete(ctx, key)
		return domain.PlayResult{}, false
	}
	metrics.ResultCacheTotal.WithLabelValues("hit").Inc()
	return res, true
}

// Invalidate drops the cached result for a request.
func (o *Orchestrator) Invalidate(ctx context.Context, req domain.PlayRequest) error {
	return o.cache.Delete(ctx, CacheKey(req))
}

func (o *Orchestrator) play(ctx context.Context, req domain.PlayRequest) (res domain.PlayResult, err error) {
	started := time.Now()
	ctx, span := telemetry.Start(ctx, "orchestrator", "Play",
		attribute.String("item.type", req.Type),
		attribute.String("item.id", req.ItemID),
		attribute.String("quality", string(req.Quality)),
	)
	defer func() { telemetry.End(span, err) }()

	r := newRace(o, req, started)
	res, err = r.run(ctx)
	metrics.OrchestrationDuration.Observe(time.Since(started).Seconds())

	detail := fmt.Sprintf("candidates=%d launched=%d", len(r.cands), len(r.launched))
	if err != nil {
		metrics.OrchestrationsTotal.WithLabelValues(resultLabel(err)).Inc()
		o.record(domain.AttemptEvent{Kind: domain.AttemptOrchestration, Detail: detail + " error=" + err.Error()})
		o.logger.Warn("orchestration failed",
			slog.String("itemId", req.ItemID),
			slog.Int("candidates", len(r.cands)),
			slog.Int64("durationMs", time.Since(started).Milliseconds()),
			slog.String("error", err.Error()),
		)
		return domain.PlayResult{}, err
	}
	span.SetAttributes(attribute.String("mode", string(res.Mode)))
	metrics.OrchestrationsTotal.WithLabelValues(string(res.Mode)).Inc()
	o.record(domain.AttemptEvent{
		Kind:       domain.AttemptOrchestration,
		OK:         true,
		ProviderID: res.Chosen.ProviderID,
		SourceKey:  res.Chosen.SourceKey,
		SessionID:  res.SessionID,
		Detail:     detail,
	})
	o.logger.Info("orchestration done",
		slog.String("itemId", req.ItemID),
		slog.String("mode", string(res.Mode)),
		slog.String("providerId", res.Chosen.ProviderID),
		slog.String("quality", string(res.SelectedQuality)),
		slog.Int("alternatives", len(res.Alternatives)),
		slog.Int64("durationMs", time.Since(started).Milliseconds()),
	)
	return res, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrQualityUnavailable):
		return "quality_unavailable"
	case errors.Is(err, domain.ErrValidationBudgetExhausted):
		return "exhausted"
	}
	return "error"
}

func (o *Orchestrator) record(ev domain.AttemptEvent) {
	if o.attempts != nil {
		o.attempts.Append(ev)
	}
}

func (o *Orchestrator) circuitOpen(c domain.Candidate) bool {
	return o.circuits != nil && o.circuits.IsOpen(c.ProviderID, c.SourceKey)
}

func (o *Orchestrator) providerOpen(providerID string) bool {
	return o.circuits != nil && o.circuits.IsProviderCircuitOpen(providerID)
}
