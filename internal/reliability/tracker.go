package reliability

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/metrics"
)

const (
	defaultFailureThreshold = 3
	defaultMinSamples       = 3
	defaultBackoffBase      = 2 * time.Minute
	defaultBackoffMax       = 30 * time.Minute
	defaultMaxSources       = 500

	// openPenalty is added to the ranking penalty while a circuit is open.
	openPenalty = 60
	maxPenalty  = 40
)

type Config struct {
	FailureThreshold      int
	MinSamples            int
	BackoffBase           time.Duration
	BackoffMax            time.Duration
	MaxSourcesPerProvider int
}

type record struct {
	samples      int
	failures     int
	consecutive  int
	openUntil    time.Time
	lastError    string
	lastSeenAt   time.Time
	lastOKAt     time.Time
	lastFailedAt time.Time
}

type providerLedger struct {
	aggregate record
	sources   *lru.Cache[string, *record]
}

// Tracker is the per (provider, source) outcome ledger and circuit breaker.
type Tracker struct {
	mu        sync.Mutex
	cfg       Config
	providers map[string]*providerLedger
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func NewTracker(cfg Config, opts ...Option) *Tracker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaultMinSamples
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = defaultBackoffMax
		if cfg.BackoffMax < cfg.BackoffBase {
			cfg.BackoffMax = cfg.BackoffBase
		}
	}
	if cfg.MaxSourcesPerProvider <= 0 {
		cfg.MaxSourcesPerProvider = defaultMaxSources
	}
	t := &Tracker{
		cfg:       cfg,
		providers: make(map[string]*providerLedger),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func normalizeProvider(providerID string) string {
	return strings.ToLower(strings.TrimSpace(providerID))
}

func (t *Tracker) ledger(providerID string, create bool) *providerLedger {
	l := t.providers[providerID]
	if l == nil && create {
		cache, err := lru.New[string, *record](t.cfg.MaxSourcesPerProvider)
		if err != nil {
			return nil
		}
		l = &providerLedger{sources: cache}
		t.providers[providerID] = l
	}
	return l
}

// Record stores one outcome for a source and updates the provider aggregate.
func (t *Tracker) Record(providerID, sourceKey string, ok bool, reason string) {
	if t == nil {
		return
	}
	provider := normalizeProvider(providerID)
	if provider == "" {
		return
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	l := t.ledger(provider, true)
	if l == nil {
		return
	}
	opened := t.apply(&l.aggregate, ok, reason, now)
	if sourceKey == "" {
		return
	}
	rec, found := l.sources.Get(sourceKey)
	if !found {
		rec = &record{}
		l.sources.Add(sourceKey, rec)
	}
	if t.apply(rec, ok, reason, now) {
		metrics.CircuitOpensTotal.WithLabelValues(provider).Inc()
		t.logger.Info("source circuit opened",
			slog.String("providerId", provider),
			slog.String("sourceKey", sourceKey),
			slog.Int("consecutiveFailures", rec.consecutive),
			slog.Time("openUntil", rec.openUntil),
			slog.String("reason", reason),
		)
	}
	if opened {
		t.logger.Warn("provider circuit opened",
			slog.String("providerId", provider),
			slog.Int("consecutiveFailures", l.aggregate.consecutive),
			slog.Time("openUntil", l.aggregate.openUntil),
		)
	}
}

// apply mutates rec and reports whether this outcome opened the circuit.
func (t *Tracker) apply(rec *record, ok bool, reason string, now time.Time) bool {
	rec.samples++
	rec.lastSeenAt = now
	if ok {
		rec.consecutive = 0
		rec.openUntil = time.Time{}
		rec.lastError = ""
		rec.lastOKAt = now
		return false
	}
	rec.failures++
	rec.consecutive++
	rec.lastFailedAt = now
	rec.lastError = strings.TrimSpace(reason)
	if rec.consecutive >= t.cfg.FailureThreshold && rec.samples >= t.cfg.MinSamples {
		wasOpen := now.Before(rec.openUntil)
		rec.openUntil = now.Add(t.backoff(rec.consecutive))
		return !wasOpen
	}
	return false
}

// backoff returns base × 2^(failures − threshold), capped at the configured max.
func (t *Tracker) backoff(consecutive int) time.Duration {
	exponent := consecutive - t.cfg.FailureThreshold
	if exponent < 0 {
		exponent = 0
	}
	d := t.cfg.BackoffBase
	for i := 0; i < exponent; i++ {
		d *= 2
		if d >= t.cfg.BackoffMax {
			return t.cfg.BackoffMax
		}
	}
	return d
}

// IsOpen reports whether the (provider, source) circuit is currently open.
func (t *Tracker) IsOpen(providerID, sourceKey string) bool {
	if t == nil || sourceKey == "" {
		return false
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.ledger(normalizeProvider(providerID), false)
	if l == nil {
		return false
	}
	rec, ok := l.sources.Peek(sourceKey)
	return ok && now.Before(rec.openUntil)
}

// IsProviderCircuitOpen reports whether the provider as a whole should be skipped.
func (t *Tracker) IsProviderCircuitOpen(providerID string) bool {
	if t == nil {
		return false
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.ledger(normalizeProvider(providerID), false)
	return l != nil && now.Before(l.aggregate.openUntil)
}

// Penalty is the ranking penalty derived from a source's history.
func (t *Tracker) Penalty(providerID, sourceKey string) float64 {
	if t == nil || sourceKey == "" {
		return 0
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.ledger(normalizeProvider(providerID), false)
	if l == nil {
		return 0
	}
	rec, ok := l.sources.Peek(sourceKey)
	if !ok || rec.samples == 0 {
		return 0
	}
	if now.Before(rec.openUntil) {
		return openPenalty
	}
	failureRate := float64(rec.failures) / float64(rec.samples)
	penalty := float64(rec.consecutive)*6 + failureRate*12
	if penalty > maxPenalty {
		penalty = maxPenalty
	}
	return penalty
}

func (t *Tracker) ProviderReliability(providerID string) domain.ProviderReliability {
	provider := normalizeProvider(providerID)
	out := domain.ProviderReliability{ProviderID: provider, SuccessRate: 1}
	if t == nil {
		return out
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	l := t.ledger(provider, false)
	if l == nil {
		return out
	}
	return t.describe(provider, l, now)
}

func (t *Tracker) describe(provider string, l *providerLedger, now time.Time) domain.ProviderReliability {
	agg := l.aggregate
	out := domain.ProviderReliability{
		ProviderID:          provider,
		Samples:             agg.samples,
		Failures:            agg.failures,
		ConsecutiveFailures: agg.consecutive,
		SuccessRate:         1,
		CircuitOpen:         now.Before(agg.openUntil),
		TrackedSources:      l.sources.Len(),
		LastError:           agg.lastError,
	}
	if out.CircuitOpen {
		out.OpenUntil = agg.openUntil
	}
	if agg.samples > 0 {
		out.SuccessRate = float64(agg.samples-agg.failures) / float64(agg.samples)
	}
	for _, key := range l.sources.Keys() {
		if rec, ok := l.sources.Peek(key); ok && now.Before(rec.openUntil) {
			out.OpenSources++
		}
	}
	return out
}

// Summary returns every tracked provider sorted by id.
func (t *Tracker) Summary() []domain.ProviderReliability {
	if t == nil {
		return nil
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	items := make([]domain.ProviderReliability, 0, len(t.providers))
	for provider, l := range t.providers {
		items = append(items, t.describe(provider, l, now))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ProviderID < items[j].ProviderID })
	return items
}

// Reset clears all records, one provider's records or one source's record.
func (t *Tracker) Reset(providerID, sourceKey string) {
	if t == nil {
		return
	}
	provider := normalizeProvider(providerID)
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case provider == "":
		t.providers = make(map[string]*providerLedger)
	case sourceKey == "":
		delete(t.providers, provider)
	default:
		if l := t.ledger(provider, false); l != nil {
			l.sources.Remove(sourceKey)
		}
	}
}

// Snapshot exports the ledger for persistence. Provider aggregates carry an
// empty SourceKey.
func (t *Tracker) Snapshot() []domain.ReliabilityEntry {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.ReliabilityEntry
	for provider, l := range t.providers {
		out = append(out, toEntry(provider, "", l.aggregate))
		// Keys is oldest first, so Restore replays recency in order.
		for _, key := range l.sources.Keys() {
			if rec, ok := l.sources.Peek(key); ok {
				out = append(out, toEntry(provider, key, *rec))
			}
		}
	}
	return out
}

// Restore merges persisted entries into the ledger, replacing existing keys.
func (t *Tracker) Restore(entries []domain.ReliabilityEntry) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		provider := normalizeProvider(e.ProviderID)
		if provider == "" {
			continue
		}
		l := t.ledger(provider, true)
		if l == nil {
			continue
		}
		rec := fromEntry(e)
		if e.SourceKey == "" {
			l.aggregate = rec
			continue
		}
		l.sources.Add(e.SourceKey, &rec)
	}
}

func toEntry(provider, key string, rec record) domain.ReliabilityEntry {
	return domain.ReliabilityEntry{
		ProviderID:   provider,
		SourceKey:    key,
		Samples:      rec.samples,
		Failures:     rec.failures,
		Consecutive:  rec.consecutive,
		OpenUntil:    rec.openUntil,
		LastError:    rec.lastError,
		LastSeenAt:   rec.lastSeenAt,
		LastOKAt:     rec.lastOKAt,
		LastFailedAt: rec.lastFailedAt,
	}
}

func fromEntry(e domain.ReliabilityEntry) record {
	return record{
		samples:      e.Samples,
		failures:     e.Failures,
		consecutive:  e.Consecutive,
		openUntil:    e.OpenUntil,
		lastError:    e.LastError,
		lastSeenAt:   e.LastSeenAt,
		lastOKAt:     e.LastOKAt,
		lastFailedAt: e.LastFailedAt,
	}
}
