package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/probe"
	"github.com/ezerobledo91/streams-sub000/internal/ranking"
	"github.com/ezerobledo91/streams-sub000/internal/session"
)

var qualityOrder = []domain.Quality{domain.Quality4K, domain.Quality1080p, domain.Quality720p, domain.QualitySD}

// launch is one session the race asked for. owned is false when the registry
// handed back a session admitted by someone else.
type launch struct {
	cand   domain.Candidate
	desc   domain.SessionDescriptor
	status domain.SessionStatus
	seq    int
	owned  bool
}

// entry is a validated, playable candidate.
type entry struct {
	cand      domain.Candidate
	mode      domain.PlayMode
	streamURL string
	kind      domain.StreamKind
	sessionID string
	seq       int
}

func (e entry) playlist() bool {
	return e.mode == domain.ModeDirect && e.kind == domain.StreamHLS
}

func (e entry) summary() domain.CandidateSummary {
	s := e.cand.Summary()
	s.Mode = string(e.mode)
	s.StreamURL = e.streamURL
	s.StreamKind = string(e.kind)
	s.SessionID = e.sessionID
	return s
}

// race is the state of one uncached orchestration.
type race struct {
	o          *Orchestrator
	req        domain.PlayRequest
	pinned     domain.Quality
	episodeKey string
	deadline   time.Time

	cands    []domain.Candidate
	directs  []entry
	launched []*launch
	byID     map[string]*launch
	queue    []domain.Candidate
	next     int
	readySeq int
}

func newRace(o *Orchestrator, req domain.PlayRequest, started time.Time) *race {
	return &race{
		o:          o,
		req:        req,
		pinned:     domain.ParseQuality(string(req.Quality)),
		episodeKey: session.EpisodeKey(req.Season, req.Episode),
		deadline:   started.Add(o.cfg.Budget),
		byID:       make(map[string]*launch),
	}
}

func (r *race) run(ctx context.Context) (domain.PlayResult, error) {
	cands := ranking.FilterQuality(r.o.ranker.Rank(r.req.Results), r.pinned)
	if r.pinned != "" && !hasQuality(cands, r.pinned) {
		// Every tier came back as the fallback; race them unpinned.
		r.o.logger.Info("pinned quality has no candidates, falling back",
			slog.String("quality", string(r.pinned)),
			slog.Int("candidates", len(cands)),
		)
		r.pinned = ""
	}
	limit := r.o.cfg.MaxCandidates
	if r.req.CandidateBudget > 0 {
		limit = r.req.CandidateBudget
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}
	r.cands = cands
	if len(cands) == 0 {
		return domain.PlayResult{}, fmt.Errorf("no playable candidates: %w", domain.ErrValidationBudgetExhausted)
	}

	r.directPhase(ctx)
	r.queue = r.torrentQueue()
	if r.satisfied() {
		r.poll()
	} else {
		r.torrentPhase(ctx)
	}
	if !r.satisfied() {
		r.rescue(ctx)
	}
	return r.selectResult()
}

func hasQuality(cands []domain.Candidate, q domain.Quality) bool {
	for _, c := range cands {
		if c.Quality() == q {
			return true
		}
	}
	return false
}

// directPhase probes the best direct candidates, two at a time.
func (r *race) directPhase(ctx context.Context) {
	var directs []domain.Candidate
	for _, c := range r.cands {
		if !c.HasDirect() {
			continue
		}
		if len(directs) >= r.o.cfg.DirectProbes {
			break
		}
		if r.o.providerOpen(c.ProviderID) {
			r.o.record(domain.AttemptEvent{Kind: domain.AttemptCircuitSkipped, ProviderID: c.ProviderID, SourceKey: c.SourceKey, Detail: "provider"})
			continue
		}
		directs = append(directs, c)
	}
	if len(directs) == 0 {
		return
	}

	pctx, cancel := context.WithDeadline(ctx, r.deadline)
	defer cancel()
	results := make([]probe.Result, len(directs))
	oks := make([]bool, len(directs))
	var g errgroup.Group
	g.SetLimit(r.o.cfg.DirectParallel)
	for i, c := range directs {
		g.Go(func() error {
			res, err := r.o.prober.Probe(pctx, c)
			ev := domain.AttemptEvent{Kind: domain.AttemptProbe, OK: err == nil, ProviderID: c.ProviderID, SourceKey: c.SourceKey}
			if err != nil {
				ev.Detail = err.Error()
			} else {
				ev.Detail = res.ContentType
				results[i], oks[i] = res, true
			}
			r.o.record(ev)
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range directs {
		if !oks[i] {
			continue
		}
		if results[i].Matroska {
			r.launchDirect(ctx, c)
			continue
		}
		r.directs = append(r.directs, entry{cand: c, mode: domain.ModeDirect, streamURL: c.DirectURL, kind: results[i].Kind})
	}
}

// torrentQueue lists the torrent candidates worth a session, in rank order.
func (r *race) torrentQueue() []domain.Candidate {
	var queue []domain.Candidate
	for _, c := range r.cands {
		if c.HasDirect() || !c.HasTorrent() {
			continue
		}
		m := c.Metrics
		if m.Seeders == 0 && m.Peers == 0 && !m.WebFriendly && !r.o.alwaysTry[strings.ToLower(c.ProviderID)] {
			r.o.logger.Debug("skip dead torrent", slog.String("sourceKey", c.SourceKey))
			continue
		}
		if r.o.circuitOpen(c) {
			r.o.record(domain.AttemptEvent{Kind: domain.AttemptCircuitSkipped, ProviderID: c.ProviderID, SourceKey: c.SourceKey, Detail: "source"})
			continue
		}
		queue = append(queue, c)
	}
	return queue
}

// torrentPhase launches batches and polls every launched session until a
// winner plus grace, or the budget, ends the race.
func (r *race) torrentPhase(ctx context.Context) {
	if len(r.queue) == 0 && r.pending() == 0 {
		return
	}
	r.launchBatch(ctx)
	batchEnd := minTime(time.Now().Add(r.o.cfg.BatchWindow), r.deadline)
	var graceEnd time.Time

	tick := time.NewTicker(r.o.cfg.PollInterval)
	defer tick.Stop()
	for {
		r.poll()
		now := time.Now()
		if ready := r.readyCount(); ready > 0 {
			if graceEnd.IsZero() {
				graceEnd = minTime(now.Add(r.o.cfg.Grace), r.deadline)
				if ready < r.o.cfg.TargetReady && r.hasQueue() {
					r.launchBatch(ctx)
				}
			}
			if ready >= r.o.cfg.TargetReady || !now.Before(graceEnd) || r.pending() == 0 {
				return
			}
		} else {
			if !now.Before(r.deadline) {
				return
			}
			if !now.Before(batchEnd) || r.pending() == 0 {
				if r.hasQueue() {
					r.launchBatch(ctx)
					batchEnd = minTime(now.Add(r.o.cfg.BatchWindow), r.deadline)
				} else if r.pending() == 0 {
					return
				}
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

// rescue makes one more bounded attempt on the next untried torrent.
func (r *race) rescue(ctx context.Context) {
	if !r.hasQueue() {
		return
	}
	c := r.queue[r.next]
	r.next++
	l := r.launchTorrent(ctx, c)
	if l == nil {
		return
	}
	r.o.logger.Info("rescue attempt",
		slog.String("providerId", c.ProviderID),
		slog.String("sourceKey", c.SourceKey),
		slog.String("sessionId", l.desc.SessionID),
	)
	end := time.Now().Add(r.o.cfg.RescueWait)
	tick := time.NewTicker(r.o.cfg.PollInterval)
	defer tick.Stop()
	for {
		r.poll()
		if l.status != domain.SessionLoading || !time.Now().Before(end) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}

func (r *race) hasQueue() bool { return r.next < len(r.queue) }

func (r *race) launchBatch(ctx context.Context) {
	for n := 0; n < r.o.cfg.BatchSize && r.hasQueue(); n++ {
		c := r.queue[r.next]
		r.next++
		r.launchTorrent(ctx, c)
	}
}

func (r *race) launchTorrent(ctx context.Context, c domain.Candidate) *launch {
	d, err := r.o.sessions.Create(ctx, session.CreateParams{
		Magnet:           c.Magnet,
		SourceKey:        c.SourceKey,
		ProviderID:       c.ProviderID,
		PreferredFileIdx: c.FileIdx,
		EpisodeKey:       r.episodeKey,
		ForceTranscode:   r.req.ForceTranscode,
		HeightHint:       c.Metrics.Resolution,
	})
	if err != nil {
		r.o.logger.Debug("session launch failed", slog.String("sourceKey", c.SourceKey), slog.String("error", err.Error()))
		return nil
	}
	return r.track(c, d)
}

func (r *race) launchDirect(ctx context.Context, c domain.Candidate) *launch {
	d, err := r.o.sessions.CreateDirect(ctx, session.DirectParams{
		URL:        c.DirectURL,
		SourceKey:  c.SourceKey,
		ProviderID: c.ProviderID,
		HeightHint: c.Metrics.Resolution,
	})
	if err != nil {
		r.o.logger.Debug("direct session launch failed", slog.String("sourceKey", c.SourceKey), slog.String("error", err.Error()))
		return nil
	}
	return r.track(c, d)
}

func (r *race) track(c domain.Candidate, d domain.SessionDescriptor) *launch {
	if l, ok := r.byID[d.SessionID]; ok {
		return l
	}
	l := &launch{cand: c, desc: d, status: domain.SessionLoading, owned: !d.Reused}
	r.launched = append(r.launched, l)
	r.byID[d.SessionID] = l
	r.update(l, d, true)
	return l
}

// poll refreshes every loading launch from the registry. A session that
// vanished counts as failed.
func (r *race) poll() {
	for _, l := range r.launched {
		if l.status != domain.SessionLoading {
			continue
		}
		d, ok := r.o.sessions.Get(l.desc.SessionID)
		r.update(l, d, ok)
	}
}

func (r *race) update(l *launch, d domain.SessionDescriptor, ok bool) {
	if !ok {
		l.status = domain.SessionFailed
		return
	}
	l.desc = d
	l.status = d.Status
	if l.status == domain.SessionReady && l.seq == 0 {
		r.readySeq++
		l.seq = r.readySeq
	}
}

func (r *race) pending() int {
	n := 0
	for _, l := range r.launched {
		if l.status == domain.SessionLoading {
			n++
		}
	}
	return n
}

// readyCount counts ready sessions that satisfy the request.
func (r *race) readyCount() int {
	n := 0
	for _, l := range r.launched {
		if l.status == domain.SessionReady && r.wanted(l.cand) {
			n++
		}
	}
	return n
}

func (r *race) wanted(c domain.Candidate) bool {
	return r.pinned == "" || c.Quality() == r.pinned
}

func (r *race) satisfied() bool {
	for _, e := range r.directs {
		if r.wanted(e.cand) {
			return true
		}
	}
	return r.readyCount() > 0
}

func (r *race) entries() []entry {
	out := append([]entry(nil), r.directs...)
	for _, l := range r.launched {
		if l.status != domain.SessionReady {
			continue
		}
		out = append(out, entry{
			cand:      l.cand,
			mode:      domain.ModeSession,
			streamURL: l.desc.StreamURL,
			kind:      l.desc.StreamKind,
			sessionID: l.desc.SessionID,
			seq:       l.seq,
		})
	}
	return out
}

// bestInTier prefers direct over session. A playlist URL wins a rank tie
// against the best direct.
func bestInTier(list []entry) entry {
	var directs, sessions []entry
	for _, e := range list {
		if e.mode == domain.ModeDirect {
			directs = append(directs, e)
		} else {
			sessions = append(sessions, e)
		}
	}
	if len(directs) > 0 {
		sortEntries(directs)
		best := directs[0]
		if !best.playlist() {
			for _, e := range directs[1:] {
				if e.playlist() && ranking.RanksTie(best.cand.Rank, e.cand.Rank) {
					return e
				}
			}
		}
		return best
	}
	sortEntries(sessions)
	return sessions[0]
}

func sortEntries(list []entry) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.cand.Rank != b.cand.Rank {
			return a.cand.Rank > b.cand.Rank
		}
		if a.mode != b.mode {
			return a.mode == domain.ModeDirect
		}
		if a.cand.Metrics.Resolution != b.cand.Metrics.Resolution {
			return a.cand.Metrics.Resolution > b.cand.Metrics.Resolution
		}
		return a.seq < b.seq
	})
}

func (r *race) selectResult() (domain.PlayResult, error) {
	all := r.entries()
	tiers := make(map[domain.Quality][]entry)
	for _, e := range all {
		q := e.cand.Quality()
		tiers[q] = append(tiers[q], e)
	}

	var picks []entry
	for _, q := range qualityOrder {
		if list := tiers[q]; len(list) > 0 && r.wanted(list[0].cand) {
			picks = append(picks, bestInTier(list))
		}
	}
	if len(picks) == 0 {
		r.destroyExcept(nil)
		if r.pinned != "" {
			return domain.PlayResult{}, fmt.Errorf("quality %s: %w", r.pinned, domain.ErrQualityUnavailable)
		}
		return domain.PlayResult{}, fmt.Errorf("%d candidates, none validated: %w", len(r.cands), domain.ErrValidationBudgetExhausted)
	}
	sortEntries(picks)
	chosen := picks[0]

	var rest []entry
	for _, e := range all {
		if e.cand.SourceKey == chosen.cand.SourceKey && e.mode == chosen.mode {
			continue
		}
		rest = append(rest, e)
	}
	sortEntries(rest)
	if len(rest) > r.o.cfg.MaxAlternates {
		rest = rest[:r.o.cfg.MaxAlternates]
	}

	keep := map[string]bool{}
	if chosen.sessionID != "" {
		keep[chosen.sessionID] = true
	}
	alternatives := make([]domain.CandidateSummary, 0, len(rest))
	for _, e := range rest {
		if e.sessionID != "" {
			keep[e.sessionID] = true
		}
		alternatives = append(alternatives, e.summary())
	}
	r.destroyExcept(keep)

	var available []domain.Quality
	for _, q := range qualityOrder {
		if len(tiers[q]) > 0 {
			available = append(available, q)
		}
	}
	return domain.PlayResult{
		Mode:               chosen.mode,
		StreamURL:          chosen.streamURL,
		StreamKind:         chosen.kind,
		SessionID:          chosen.sessionID,
		Chosen:             chosen.summary(),
		SelectedQuality:    chosen.cand.Quality(),
		Alternatives:       alternatives,
		AvailableQualities: available,
	}, nil
}

// destroyExcept deletes every session this race created that is not in keep.
func (r *race) destroyExcept(keep map[string]bool) {
	for _, l := range r.launched {
		id := l.desc.SessionID
		if keep[id] || !l.owned {
			continue
		}
		if err := r.o.sessions.Delete(id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			r.o.logger.Warn("destroy session", slog.String("sessionId", id), slog.String("error", err.Error()))
		}
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
