package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/probe"
	"github.com/ezerobledo91/streams-sub000/internal/session"
)

type fakeRanker struct {
	cands []domain.Candidate
	calls atomic.Int32
}

func (f *fakeRanker) Rank([]domain.ProviderResult) []domain.Candidate {
	f.calls.Add(1)
	return append([]domain.Candidate(nil), f.cands...)
}

type fakeProber struct {
	delay   time.Duration
	results map[string]probe.Result

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeProber) Probe(ctx context.Context, c domain.Candidate) (probe.Result, error) {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if res, ok := f.results[c.SourceKey]; ok {
		return res, nil
	}
	return probe.Result{}, &domain.ProbeError{Kind: domain.ProbeHTTPStatus, Status: 404}
}

// plan controls how a fake session evolves after creation.
type plan struct {
	readyAfter time.Duration
	failAfter  time.Duration
}

type fakeSession struct {
	id      string
	key     string
	created time.Time
	kind    domain.StreamKind
	deleted bool
	dead    bool
}

type fakeSessions struct {
	mu       sync.Mutex
	plans    map[string]plan
	byID     map[string]*fakeSession
	byKey    map[string]*fakeSession
	created  []string
	deleted  []string
	directs  []string
	createFn func(p session.CreateParams) error
}

func newFakeSessions(plans map[string]plan) *fakeSessions {
	return &fakeSessions{plans: plans, byID: map[string]*fakeSession{}, byKey: map[string]*fakeSession{}}
}

func (f *fakeSessions) add(key string, kind domain.StreamKind) domain.SessionDescriptor {
	if s, ok := f.byKey[key]; ok && !s.deleted && !s.dead {
		d := f.describe(s)
		d.Reused = true
		return d
	}
	id := "s-" + key
	if _, taken := f.byID[id]; taken {
		id = fmt.Sprintf("%s-%d", id, len(f.created))
	}
	s := &fakeSession{id: id, key: key, created: time.Now(), kind: kind}
	f.byID[s.id] = s
	f.byKey[key] = s
	f.created = append(f.created, key)
	return f.describe(s)
}

func (f *fakeSessions) Create(ctx context.Context, p session.CreateParams) (domain.SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createFn != nil {
		if err := f.createFn(p); err != nil {
			return domain.SessionDescriptor{}, err
		}
	}
	return f.add(p.SourceKey, domain.StreamDirect), nil
}

func (f *fakeSessions) CreateDirect(ctx context.Context, p session.DirectParams) (domain.SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directs = append(f.directs, p.URL)
	return f.add(p.SourceKey, domain.StreamHLS), nil
}

func (f *fakeSessions) describe(s *fakeSession) domain.SessionDescriptor {
	d := domain.SessionDescriptor{SessionID: s.id, Status: domain.SessionLoading, StreamKind: s.kind, SourceKey: s.key}
	p := f.plans[s.key]
	age := time.Since(s.created)
	switch {
	case s.dead:
		d.Status = domain.SessionFailed
	case p.failAfter > 0 && age >= p.failAfter:
		d.Status = domain.SessionFailed
	case p.readyAfter > 0 && age >= p.readyAfter:
		d.Status = domain.SessionReady
		if s.kind == domain.StreamHLS {
			d.StreamURL = "/sessions/" + s.id + "/hls/index.m3u8"
		} else {
			d.StreamURL = "/sessions/" + s.id + "/stream"
		}
	}
	return d
}

func (f *fakeSessions) Get(id string) (domain.SessionDescriptor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok || s.deleted {
		return domain.SessionDescriptor{}, false
	}
	return f.describe(s), true
}

func (f *fakeSessions) Alive(id string) bool {
	d, ok := f.Get(id)
	return ok && d.Status != domain.SessionFailed
}

func (f *fakeSessions) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok || s.deleted {
		return domain.ErrNotFound
	}
	s.deleted = true
	f.deleted = append(f.deleted, s.key)
	return nil
}

func (f *fakeSessions) kill(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.byKey[key]; ok {
		s.dead = true
	}
}

func (f *fakeSessions) snapshot() (created, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created = append(created, f.created...)
	deleted = append(deleted, f.deleted...)
	sort.Strings(deleted)
	return created, deleted
}

type fakeCircuits struct {
	sources   map[string]bool
	providers map[string]bool
}

func (f fakeCircuits) IsOpen(_, sourceKey string) bool     { return f.sources[sourceKey] }
func (f fakeCircuits) IsProviderCircuitOpen(p string) bool { return f.providers[p] }

func torrentCand(key string, rank float64, resolution, seeders int) domain.Candidate {
	return domain.Candidate{
		ProviderID:  "prov",
		DisplayName: key,
		Magnet:      "magnet:?xt=urn:btih:" + key,
		SourceKey:   key,
		Rank:        rank,
		Metrics:     domain.Metrics{Resolution: resolution, Seeders: seeders, HasTorrent: true, Extension: "mp4"},
	}
}

func directCand(key, url string, rank float64, resolution int) domain.Candidate {
	return domain.Candidate{
		ProviderID:  "web",
		DisplayName: key,
		DirectURL:   url,
		SourceKey:   key,
		Rank:        rank,
		Metrics:     domain.Metrics{Resolution: resolution, WebFriendly: true},
	}
}

func testConfig() Config {
	return Config{
		Budget:        2 * time.Second,
		BatchSize:     3,
		BatchWindow:   time.Second,
		Grace:         400 * time.Millisecond,
		TargetReady:   2,
		MaxAlternates: 3,
		RescueWait:    time.Second,
		PollInterval:  5 * time.Millisecond,
	}
}

func keysOf(list []domain.CandidateSummary) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.SourceKey)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBatchedRaceKeepsWinnerAndGraceAlternate(t *testing.T) {
	ranker := &fakeRanker{}
	for i := 1; i <= 6; i++ {
		ranker.cands = append(ranker.cands, torrentCand(fmt.Sprintf("t%d", i), float64(100-i), 1080, 20))
	}
	sessions := newFakeSessions(map[string]plan{
		"t2": {readyAfter: 30 * time.Millisecond},
		"t4": {readyAfter: 40 * time.Millisecond},
	})
	o := New(testConfig(), ranker, &fakeProber{}, sessions)

	res, err := o.Play(context.Background(), domain.PlayRequest{Type: "movie", ItemID: "tt1"})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Mode != domain.ModeSession || res.SessionID != "s-t2" || res.Chosen.SourceKey != "t2" {
		t.Fatalf("chosen = %+v", res.Chosen)
	}
	if got := keysOf(res.Alternatives); !equalStrings(got, []string{"t4"}) {
		t.Fatalf("alternatives = %v, want [t4]", got)
	}
	created, deleted := sessions.snapshot()
	if len(created) != 6 {
		t.Fatalf("created = %v, want one extra batch after the winner", created)
	}
	if want := []string{"t1", "t3", "t5", "t6"}; !equalStrings(deleted, want) {
		t.Fatalf("deleted = %v, want %v", deleted, want)
	}
	if res.SelectedQuality != domain.Quality1080p {
		t.Fatalf("selected quality = %s", res.SelectedQuality)
	}
}

func TestValidDirectSkipsTorrentPhase(t *testing.T) {
	ranker := &fakeRanker{cands: []domain.Candidate{
		torrentCand("t1", 95, 1080, 50),
		directCand("d1", "https://cdn.example/movie.mp4", 80, 1080),
	}}
	prober := &fakeProber{results: map[string]probe.Result{
		"d1": {ContentType: "video/mp4", Kind: domain.StreamDirect, Status: 206},
	}}
	sessions := newFakeSessions(nil)
	o := New(testConfig(), ranker, prober, sessions)

	res, err := o.Play(context.Background(), domain.PlayRequest{Type: "movie", ItemID: "tt2"})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Mode != domain.ModeDirect || res.StreamURL != "https://cdn.example/movie.mp4" || res.SessionID != "" {
		t.Fatalf("result = %+v", res)
	}
	if created, _ := sessions.snapshot(); len(created) != 0 {
		t.Fatalf("torrent phase should not run, created %v", created)
	}
}

func TestPlaylistWinsRankTie(t *testing.T) {
	tests := []struct {
		name     string
		m3u8Rank float64
		want     string
	}{
		{"within margin", 79.9, "d2"},
		{"outside margin", 70, "d1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranker := &fakeRanker{cands: []domain.Candidate{
				directCand("d1", "https://a.example/movie.mp4", 80, 1080),
				directCand("d2", "https://b.example/movie.m3u8", tt.m3u8Rank, 1080),
			}}
			prober := &fakeProber{results: map[string]probe.Result{
				"d1": {ContentType: "video/mp4", Kind: domain.StreamDirect},
				"d2": {ContentType: "application/vnd.apple.mpegurl", Kind: domain.StreamHLS},
			}}
			o := New(testConfig(), ranker, prober, newFakeSessions(nil))
			res, err := o.Play(context.Background(), domain.PlayRequest{Type: "movie", ItemID: tt.name})
			if err != nil {
				t.Fatalf("Play: %v", err)
			}
			if res.Chosen.SourceKey != tt.want {
				t.Fatalf("chosen = %s, want %s", res.Chosen.SourceKey, tt.want)
			}
		})
	}
}

func TestDirectProbesAreBounded(t *testing.T) {
	ranker := &fakeRanker{}
	for i := 0; i < 6; i++ {
		ranker.cands = append(ranker.cands, directCand(fmt.Sprintf("d%d", i), fmt.Sprintf("https://x.example/%d.mp4", i), float64(90-i), 720))
	}
	prober := &fakeProber{delay: 20 * time.Millisecond}
	cfg := testConfig()
	cfg.DirectProbes = 4
	cfg.Budget = 300 * time.Millisecond
	cfg.RescueWait = 10 * time.Millisecond
	o := New(cfg, ranker, prober, newFakeSessions(nil))

	_, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "bounded"})
	if !errors.Is(err, domain.ErrValidationBudgetExhausted) {
		t.Fatalf("err = %v, want ErrValidationBudgetExhausted", err)
	}
	if n := prober.calls.Load(); n != 4 {
		t.Fatalf("probes = %d, want 4", n)
	}
	if n := prober.maxSeen.Load(); n > 2 {
		t.Fatalf("max concurrent probes = %d, want <= 2", n)
	}
}

func TestFailedProbesFallBackToTorrents(t *testing.T) {
	ranker := &fakeRanker{cands: []domain.Candidate{
		directCand("d1", "https://dead.example/movie.mp4", 99, 1080),
		torrentCand("t1", 80, 1080, 40),
	}}
	sessions := newFakeSessions(map[string]plan{"t1": {readyAfter: 10 * time.Millisecond}})
	o := New(testConfig(), ranker, &fakeProber{}, sessions)

	res, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "fallback"})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Mode != domain.ModeSession || res.StreamURL != "/sessions/s-t1/stream" {
		t.Fatalf("result = %+v", res)
	}
}

func TestMatroskaDirectBecomesHLSSession(t *testing.T) {
	ranker := &fakeRanker{cands: []domain.Candidate{
		directCand("d1", "https://cdn.example/movie.mkv", 90, 1080),
	}}
	prober := &fakeProber{results: map[string]probe.Result{
		"d1": {ContentType: "video/x-matroska", Kind: domain.StreamDirect, Matroska: true},
	}}
	sessions := newFakeSessions(map[string]plan{"d1": {readyAfter: 15 * time.Millisecond}})
	o := New(testConfig(), ranker, prober, sessions)

	res, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "mkv"})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Mode != domain.ModeSession || res.StreamKind != domain.StreamHLS {
		t.Fatalf("result = %+v", res)
	}
	if len(sessions.directs) != 1 || sessions.directs[0] != "https://cdn.example/movie.mkv" {
		t.Fatalf("direct sessions = %v", sessions.directs)
	}
}

func TestDeadTorrentsSkippedUnlessAlwaysTry(t *testing.T) {
	dead := torrentCand("dead", 95, 1080, 0)
	fav := torrentCand("fav", 90, 1080, 0)
	fav.ProviderID = "Favorite"
	ranker := &fakeRanker{cands: []domain.Candidate{dead, fav}}
	sessions := newFakeSessions(map[string]plan{"fav": {readyAfter: 5 * time.Millisecond}})
	cfg := testConfig()
	cfg.AlwaysTry = []string{"favorite"}
	o := New(cfg, ranker, &fakeProber{}, sessions)

	res, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "dead"})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Chosen.SourceKey != "fav" {
		t.Fatalf("chosen = %s", res.Chosen.SourceKey)
	}
	if created, _ := sessions.snapshot(); !equalStrings(created, []string{"fav"}) {
		t.Fatalf("created = %v, want [fav]", created)
	}
}

func TestOpenCircuitsAreSkipped(t *testing.T) {
	ranker := &fakeRanker{cands: []domain.Candidate{
		directCand("d1", "https://flaky.example/movie.mp4", 99, 1080),
		torrentCand("t1", 95, 1080, 50),
		torrentCand("t2", 90, 1080, 50),
	}}
	prober := &fakeProber{results: map[string]probe.Result{"d1": {Kind: domain.StreamDirect}}}
	sessions := newFakeSessions(map[string]plan{
		"t1": {readyAfter: 5 * time.Millisecond},
		"t2": {readyAfter: 5 * time.Millisecond},
	})
	attempts := &recordedAttempts{}
	o := New(testConfig(), ranker, prober, sessions,
		WithCircuits(fakeCircuits{sources: map[string]bool{"t1": true}, providers: map[string]bool{"web": true}}),
		WithAttempts(attempts),
	)

	res, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "circuits"})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if prober.calls.Load() != 0 {
		t.Fatal("provider with an open circuit should not be probed")
	}
	if res.Chosen.SourceKey != "t2" {
		t.Fatalf("chosen = %s, want t2", res.Chosen.SourceKey)
	}
	if attempts.count(domain.AttemptCircuitSkipped) != 2 {
		t.Fatalf("circuit skips = %d, want 2", attempts.count(domain.AttemptCircuitSkipped))
	}
}

type recordedAttempts struct {
	mu     sync.Mutex
	events []domain.AttemptEvent
}

func (r *recordedAttempts) Append(ev domain.AttemptEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordedAttempts) count(kind domain.AttemptKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func TestPinnedQuality(t *testing.T) {
	cands := []domain.Candidate{
		directCand("uhd", "https://cdn.example/uhd.mp4", 99, 2160),
		torrentCand("fhd", 80, 1080, 30),
	}
	prober := &fakeProber{results: map[string]probe.Result{"uhd": {Kind: domain.StreamDirect}}}

	t.Run("pinned tier", func(t *testing.T) {
		sessions := newFakeSessions(map[string]plan{"fhd": {readyAfter: 5 * time.Millisecond}})
		o := New(testConfig(), &fakeRanker{cands: cands}, prober, sessions)
		res, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "pin", Quality: domain.Quality1080p})
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
		if res.Chosen.SourceKey != "fhd" || res.SelectedQuality != domain.Quality1080p {
			t.Fatalf("chosen = %+v", res.Chosen)
		}
	})

	t.Run("unpinned picks best rank", func(t *testing.T) {
		o := New(testConfig(), &fakeRanker{cands: cands}, prober, newFakeSessions(nil))
		res, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "nopin"})
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
		if res.Chosen.SourceKey != "uhd" || res.SelectedQuality != domain.Quality4K {
			t.Fatalf("chosen = %+v", res.Chosen)
		}
		if len(res.AvailableQualities) != 1 || res.AvailableQualities[0] != domain.Quality4K {
			t.Fatalf("available = %v", res.AvailableQualities)
		}
	})

	t.Run("missing tier falls back to every tier", func(t *testing.T) {
		o := New(testConfig(), &fakeRanker{cands: cands}, prober, newFakeSessions(nil))
		res, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "sd", Quality: domain.Quality720p})
		if err != nil {
			t.Fatalf("Play: %v", err)
		}
		if res.Chosen.SourceKey != "uhd" || res.SelectedQuality != domain.Quality4K {
			t.Fatalf("chosen = %+v, quality = %s", res.Chosen, res.SelectedQuality)
		}
	})

	t.Run("pinned tier never validates", func(t *testing.T) {
		sessions := newFakeSessions(map[string]plan{"fhd": {failAfter: 5 * time.Millisecond}})
		cfg := testConfig()
		cfg.Budget = 60 * time.Millisecond
		cfg.RescueWait = 20 * time.Millisecond
		uhdOnly := &fakeProber{results: prober.results}
		o := New(cfg, &fakeRanker{cands: cands}, uhdOnly, sessions)
		_, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "fhd", Quality: domain.Quality1080p})
		if !errors.Is(err, domain.ErrQualityUnavailable) {
			t.Fatalf("err = %v, want ErrQualityUnavailable", err)
		}
		if uhdOnly.calls.Load() != 0 {
			t.Fatalf("probed %d directs outside the pinned tier", uhdOnly.calls.Load())
		}
	})
}

func TestLosingSessionOwnedByAnotherRequestSurvives(t *testing.T) {
	ranker := &fakeRanker{cands: []domain.Candidate{
		torrentCand("t1", 95, 1080, 10),
		torrentCand("t2", 90, 1080, 10),
	}}
	sessions := newFakeSessions(map[string]plan{"t2": {readyAfter: 5 * time.Millisecond}})
	shared, err := sessions.Create(context.Background(), session.CreateParams{SourceKey: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	cfg.Grace = 20 * time.Millisecond
	cfg.MaxAlternates = 0
	o := New(cfg, ranker, &fakeProber{}, sessions)

	res, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "shared"})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Chosen.SourceKey != "t2" {
		t.Fatalf("chosen = %s, want t2", res.Chosen.SourceKey)
	}
	if _, deleted := sessions.snapshot(); len(deleted) != 0 {
		t.Fatalf("deleted = %v, want shared session kept", deleted)
	}
	if _, ok := sessions.Get(shared.SessionID); !ok {
		t.Fatal("session admitted by another caller was destroyed")
	}
}

func TestRescueAfterBudget(t *testing.T) {
	ranker := &fakeRanker{cands: []domain.Candidate{
		torrentCand("t1", 95, 1080, 10),
		torrentCand("t2", 90, 1080, 10),
		torrentCand("t3", 85, 1080, 10),
	}}
	sessions := newFakeSessions(map[string]plan{"t3": {readyAfter: 10 * time.Millisecond}})
	cfg := testConfig()
	cfg.Budget = 60 * time.Millisecond
	cfg.BatchSize = 2
	o := New(cfg, ranker, &fakeProber{}, sessions)

	res, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "rescue"})
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	if res.Chosen.SourceKey != "t3" {
		t.Fatalf("chosen = %s, want rescue candidate t3", res.Chosen.SourceKey)
	}
	if _, deleted := sessions.snapshot(); !equalStrings(deleted, []string{"t1", "t2"}) {
		t.Fatalf("deleted = %v", deleted)
	}
}

func TestExhaustedBudgetDestroysEverything(t *testing.T) {
	ranker := &fakeRanker{cands: []domain.Candidate{
		torrentCand("t1", 95, 1080, 10),
		torrentCand("t2", 90, 1080, 10),
	}}
	sessions := newFakeSessions(map[string]plan{"t2": {failAfter: 5 * time.Millisecond}})
	cfg := testConfig()
	cfg.Budget = 40 * time.Millisecond
	cfg.RescueWait = 20 * time.Millisecond
	o := New(cfg, ranker, &fakeProber{}, sessions)

	_, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "none"})
	if !errors.Is(err, domain.ErrValidationBudgetExhausted) {
		t.Fatalf("err = %v, want ErrValidationBudgetExhausted", err)
	}
	if _, deleted := sessions.snapshot(); !equalStrings(deleted, []string{"t1", "t2"}) {
		t.Fatalf("deleted = %v", deleted)
	}
}

func TestNoCandidates(t *testing.T) {
	o := New(testConfig(), &fakeRanker{}, &fakeProber{}, newFakeSessions(nil))
	if _, err := o.Play(context.Background(), domain.PlayRequest{ItemID: "empty"}); !errors.Is(err, domain.ErrValidationBudgetExhausted) {
		t.Fatalf("err = %v", err)
	}
}

func TestCandidateBudgetCapsAttempts(t *testing.T) {
	ranker := &fakeRanker{}
	for i := 0; i < 5; i++ {
		ranker.cands = append(ranker.cands, torrentCand(fmt.Sprintf("t%d", i), float64(90-i), 720, 5))
	}
	sessions := newFakeSessions(nil)
	cfg := testConfig()
	cfg.Budget = 30 * time.Millisecond
	cfg.RescueWait = 10 * time.Millisecond
	cfg.BatchSize = 5
	o := New(cfg, ranker, &fakeProber{}, sessions)

	_, _ = o.Play(context.Background(), domain.PlayRequest{ItemID: "cap", CandidateBudget: 2})
	if created, _ := sessions.snapshot(); len(created) != 2 {
		t.Fatalf("created = %v, want 2", created)
	}
}

func TestCachedResultReusedWhileSessionAlive(t *testing.T) {
	ranker := &fakeRanker{cands: []domain.Candidate{torrentCand("t1", 90, 1080, 10)}}
	sessions := newFakeSessions(map[string]plan{"t1": {readyAfter: 5 * time.Millisecond}})
	o := New(testConfig(), ranker, &fakeProber{}, sessions)
	req := domain.PlayRequest{Type: "series", ItemID: "show", Season: 1, Episode: 2}

	first, err := o.Play(context.Background(), req)
	if err != nil {
		t.Fatalf("Play: %v", err)
	}
	second, err := o.Play(context.Background(), req)
	if err != nil || second.SessionID != first.SessionID {
		t.Fatalf("second = %+v, %v", second, err)
	}
	if ranker.calls.Load() != 1 {
		t.Fatalf("rank calls = %d, want cached result", ranker.calls.Load())
	}

	sessions.kill("t1")
	if _, err := o.Play(context.Background(), req); err != nil {
		t.Fatalf("Play after session death: %v", err)
	}
	if ranker.calls.Load() != 2 {
		t.Fatalf("rank calls = %d, dead session must not be served from cache", ranker.calls.Load())
	}
}

func TestConcurrentIdenticalRequestsShareOneRace(t *testing.T) {
	ranker := &fakeRanker{cands: []domain.Candidate{torrentCand("t1", 90, 1080, 10)}}
	sessions := newFakeSessions(map[string]plan{"t1": {readyAfter: 80 * time.Millisecond}})
	o := New(testConfig(), ranker, &fakeProber{}, sessions)
	req := domain.PlayRequest{Type: "movie", ItemID: "popular"}

	var wg sync.WaitGroup
	ids := make([]string, 6)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Play(context.Background(), req)
			if err != nil {
				t.Errorf("Play: %v", err)
				return
			}
			ids[i] = res.SessionID
		}(i)
	}
	wg.Wait()
	if ranker.calls.Load() != 1 {
		t.Fatalf("rank calls = %d, want 1", ranker.calls.Load())
	}
	for _, id := range ids {
		if id != "s-t1" {
			t.Fatalf("ids = %v", ids)
		}
	}
}

func TestPlayHonorsCallerCancellation(t *testing.T) {
	ranker := &fakeRanker{cands: []domain.Candidate{torrentCand("t1", 90, 1080, 10)}}
	sessions := newFakeSessions(map[string]plan{"t1": {readyAfter: 200 * time.Millisecond}})
	o := New(testConfig(), ranker, &fakeProber{}, sessions)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := o.Play(ctx, domain.PlayRequest{ItemID: "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
