package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/google/uuid"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/domain/ports"
	"github.com/ezerobledo91/streams-sub000/internal/metrics"
	"github.com/ezerobledo91/streams-sub000/internal/ranking"
	"github.com/ezerobledo91/streams-sub000/internal/transcode"
)

const (
	defaultMaxSessions     = 6
	defaultTTL             = 30 * time.Minute
	defaultMetadataTimeout = 45 * time.Second
	defaultSweepInterval   = time.Minute
	defaultMonitorInterval = 5 * time.Second
	eventBuffer            = 128
	readerTouchInterval    = 10 * time.Second
)

var hlsFileName = regexp.MustCompile(`^(index\.m3u8|seg-\d{5}\.ts)$`)

var errRegistryClosed = fmt.Errorf("session registry closed: %w", domain.ErrResourceLimitReached)

type Config struct {
	MaxSessions     int
	TTL             time.Duration
	MetadataTimeout time.Duration
	HLSDir          string
	SweepInterval   time.Duration
	MonitorInterval time.Duration
}

// Listener observes descriptor changes. It runs outside the registry lock.
type Listener func(domain.SessionDescriptor)

// event is a terminal outcome reported by a supervised task.
type event struct {
	id  string
	err error
}

// Registry is the bounded table of live sessions. It is the only writer of
// session state; supervised tasks report outcomes through its events channel.
type Registry struct {
	cfg          Config
	engine       ports.TorrentEngine
	newTranscode TranscoderFactory
	prober       ports.MediaProber
	subtitles    ports.SubtitleSelector
	reliability  ports.ReliabilityRecorder
	attempts     ports.AttemptRecorder
	listener     Listener
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	events chan event
	wg     sync.WaitGroup
}

type Option func(*Registry)

func WithMediaProber(p ports.MediaProber) Option {
	return func(r *Registry) { r.prober = p }
}

func WithSubtitles(s ports.SubtitleSelector) Option {
	return func(r *Registry) { r.subtitles = s }
}

func WithReliability(rec ports.ReliabilityRecorder) Option {
	return func(r *Registry) { r.reliability = rec }
}

func WithAttempts(a ports.AttemptRecorder) Option {
	return func(r *Registry) { r.attempts = a }
}

func WithListener(l Listener) Option {
	return func(r *Registry) { r.listener = l }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(cfg Config, engine ports.TorrentEngine, newTranscode TranscoderFactory, opts ...Option) *Registry {
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = defaultMetadataTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaultMonitorInterval
	}
	r := &Registry{
		cfg:          cfg,
		engine:       engine,
		newTranscode: newTranscode,
		logger:       slog.Default(),
		now:          time.Now,
		sessions:     make(map[string]*session),
		events:       make(chan event, eventBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create returns a loading session for the magnet, reusing a live session
// with the same (sourceKey, preferredFileIdx, episodeKey).
func (r *Registry) Create(ctx context.Context, p CreateParams) (domain.SessionDescriptor, error) {
	parsed, err := metainfo.ParseMagnetUri(strings.TrimSpace(p.Magnet))
	if err != nil {
		return domain.SessionDescriptor{}, fmt.Errorf("magnet %q: %w", p.Magnet, domain.ErrInvalidSource)
	}
	if p.SourceKey == "" {
		p.SourceKey = ranking.SourceKeyFor(p.Magnet, "", p.PreferredFileIdx)
	}
	if p.SourceKey == "" {
		p.SourceKey = "ih:" + parsed.InfoHash.HexString()
	}
	p.EpisodeKey = NormalizeEpisodeKey(p.EpisodeKey)

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s, reused, victims := r.admit(func() *session {
		return &session{
			status:         domain.SessionLoading,
			magnet:         p.Magnet,
			providerID:     p.ProviderID,
			sourceKey:      p.SourceKey,
			preferredIdx:   p.PreferredFileIdx,
			episodeKey:     p.EpisodeKey,
			forceTranscode: p.ForceTranscode,
			cancel:         cancel,
		}
	}, p.SourceKey, p.PreferredFileIdx, p.EpisodeKey, p.ForceTranscode)
	r.releaseAll(victims)
	if s == nil || reused {
		cancel()
	}
	if s == nil {
		return domain.SessionDescriptor{}, errRegistryClosed
	}
	if reused {
		return r.reusedSnapshot(s.id)
	}

	r.record(domain.AttemptEvent{Kind: domain.AttemptSessionCreated, OK: true, ProviderID: p.ProviderID, SourceKey: p.SourceKey, SessionID: s.id})
	r.logger.Info("session created",
		slog.String("sessionId", s.id),
		slog.String("providerId", p.ProviderID),
		slog.String("sourceKey", p.SourceKey),
		slog.Bool("forceTranscode", p.ForceTranscode),
	)

	go func() {
		defer r.wg.Done()
		r.superviseTorrent(taskCtx, s.id, p)
	}()
	return r.snapshot(s.id)
}

// CreateDirect returns a loading session that transcodes a remote URL to HLS.
func (r *Registry) CreateDirect(ctx context.Context, p DirectParams) (domain.SessionDescriptor, error) {
	if !strings.HasPrefix(p.URL, "http://") && !strings.HasPrefix(p.URL, "https://") {
		return domain.SessionDescriptor{}, fmt.Errorf("url %q: %w", p.URL, domain.ErrInvalidSource)
	}
	if p.SourceKey == "" {
		p.SourceKey = ranking.SourceKeyFor("", p.URL, nil)
	}
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s, reused, victims := r.admit(func() *session {
		return &session{
			status:     domain.SessionLoading,
			directURL:  p.URL,
			providerID: p.ProviderID,
			sourceKey:  p.SourceKey,
			kind:       domain.StreamHLS,
			hls:        hlsState{enabled: true, status: domain.HLSLoading},
			cancel:     cancel,
		}
	}, p.SourceKey, nil, "", true)
	r.releaseAll(victims)
	if s == nil || reused {
		cancel()
	}
	if s == nil {
		return domain.SessionDescriptor{}, errRegistryClosed
	}
	if reused {
		return r.reusedSnapshot(s.id)
	}

	r.record(domain.AttemptEvent{Kind: domain.AttemptSessionCreated, OK: true, ProviderID: p.ProviderID, SourceKey: p.SourceKey, SessionID: s.id, Detail: "direct-url"})
	go func() {
		defer r.wg.Done()
		r.superviseDirect(taskCtx, s.id, p)
	}()
	return r.snapshot(s.id)
}

// admit reuses a matching session or inserts a fresh one, evicting the
// lowest-priority sessions while at capacity. Insertion and eviction happen
// under one lock so the ceiling holds under any burst.
func (r *Registry) admit(build func() *session, sourceKey string, preferredIdx *int, episodeKey string, force bool) (*session, bool, []*session) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, nil
	}

	var victims []*session
	for _, s := range r.sessions {
		if s.status == domain.SessionFailed || !s.matches(sourceKey, preferredIdx, episodeKey) {
			continue
		}
		if force && !s.transcoding() {
			if !s.planned() {
				s.forceTranscode = true
				s.lastAccessAt = now
				return s, true, nil
			}
			victims = append(victims, r.removeLocked(s.id, "replaced"))
			continue
		}
		s.lastAccessAt = now
		return s, true, nil
	}

	for r.cfg.MaxSessions > 0 && len(r.sessions) >= r.cfg.MaxSessions {
		victim := r.evictionVictimLocked()
		if victim == nil {
			break
		}
		victims = append(victims, r.removeLocked(victim.id, "evicted"))
	}

	s := build()
	s.id = uuid.NewString()
	s.createdAt = now
	s.lastAccessAt = now
	r.sessions[s.id] = s
	// The caller starts the supervised task; Close waits for it.
	r.wg.Add(1)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	return s, false, victims
}

func (r *Registry) evictionVictimLocked() *session {
	var victim *session
	for _, s := range r.sessions {
		if victim == nil {
			victim = s
			continue
		}
		sr, vr := evictionRank(s.status), evictionRank(victim.status)
		if sr < vr || (sr == vr && s.lastAccessAt.Before(victim.lastAccessAt)) {
			victim = s
		}
	}
	return victim
}

// removeLocked takes a session out of the table. Its resources are released
// by the caller outside the lock.
func (r *Registry) removeLocked(id, reason string) *session {
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	metrics.SessionRemovalsTotal.WithLabelValues(reason).Inc()
	if reason == "evicted" || reason == "replaced" {
		r.record(domain.AttemptEvent{Kind: domain.AttemptSessionEvicted, ProviderID: s.providerID, SourceKey: s.sourceKey, SessionID: s.id, Detail: reason})
	}
	r.logger.Info("session removed",
		slog.String("sessionId", id),
		slog.String("reason", reason),
		slog.String("status", string(s.status)),
	)
	return s
}

func (r *Registry) releaseAll(sessions []*session) {
	for _, s := range sessions {
		r.release(s)
	}
}

// release stops the task and frees every resource the session holds. Each
// step is best-effort: failures are logged and counted, never returned.
func (r *Registry) release(s *session) {
	if s == nil {
		return
	}
	r.mu.Lock()
	cancel, pipeline, handle := s.cancel, s.hls.pipeline, s.handle
	readers := make([]io.Closer, 0, len(s.readers))
	for rd := range s.readers {
		readers = append(readers, rd)
	}
	s.readers = nil
	s.hls.pipeline, s.handle = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, rd := range readers {
		r.bestEffort(s.id, "reader", func() error { return rd.Close() })
	}
	if pipeline != nil {
		r.bestEffort(s.id, "pipeline", func() error { pipeline.Close(); return nil })
	}
	if handle != nil {
		r.bestEffort(s.id, "torrent", func() error { handle.Drop(); return nil })
	}
}

func (r *Registry) bestEffort(id, step string, fn func() error) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.CleanupFailuresTotal.WithLabelValues(step).Inc()
			r.logger.Error("cleanup panic",
				slog.String("sessionId", id),
				slog.String("step", step),
				slog.Any("panic", rec),
			)
		}
	}()
	if err := fn(); err != nil {
		metrics.CleanupFailuresTotal.WithLabelValues(step).Inc()
		r.logger.Warn("cleanup failed",
			slog.String("sessionId", id),
			slog.String("step", step),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Registry) reusedSnapshot(id string) (domain.SessionDescriptor, error) {
	d, err := r.snapshot(id)
	d.Reused = err == nil
	return d, err
}

func (r *Registry) snapshot(id string) (domain.SessionDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.SessionDescriptor{}, domain.ErrNotFound
	}
	return s.descriptor(), nil
}

// Get returns the current descriptor without touching the session.
func (r *Registry) Get(id string) (domain.SessionDescriptor, bool) {
	d, err := r.snapshot(id)
	return d, err == nil
}

// Alive reports whether the session exists and has not failed.
func (r *Registry) Alive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return ok && s.status != domain.SessionFailed
}

// Touch refreshes lastAccessAt so the TTL sweep keeps the session.
func (r *Registry) Touch(id string) (domain.SessionDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.SessionDescriptor{}, domain.ErrNotFound
	}
	s.lastAccessAt = r.now()
	return s.descriptor(), nil
}

// List returns every session, oldest first.
func (r *Registry) List() []domain.SessionDescriptor {
	r.mu.Lock()
	out := make([]domain.SessionDescriptor, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.descriptor())
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Delete destroys a session.
func (r *Registry) Delete(id string) error {
	return r.destroy(id, "deleted")
}

func (r *Registry) destroy(id, reason string) error {
	r.mu.Lock()
	s := r.removeLocked(id, reason)
	r.mu.Unlock()
	if s == nil {
		return domain.ErrNotFound
	}
	r.release(s)
	return nil
}

// OpenStream opens a reader over the selected file. The reader is closed
// when the caller closes it or when the session is destroyed.
func (r *Registry) OpenStream(id string) (ports.StreamReader, domain.FileRef, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.handle == nil || s.file == nil {
		r.mu.Unlock()
		return nil, domain.FileRef{}, domain.ErrNotFound
	}
	s.lastAccessAt = r.now()
	handle, file := s.handle, *s.file
	r.mu.Unlock()

	rd, err := handle.NewReader(file.Index)
	if err != nil {
		return nil, domain.FileRef{}, domain.NewSessionError(domain.SessionInputStreamError, err)
	}
	tracked := &trackedReader{StreamReader: rd, now: r.now}
	tracked.onClose = func() { r.forgetReader(id, tracked) }
	tracked.onActive = func(at time.Time) { r.markAccess(id, at) }

	r.mu.Lock()
	s, ok = r.sessions[id]
	if !ok {
		r.mu.Unlock()
		_ = rd.Close()
		return nil, domain.FileRef{}, domain.ErrNotFound
	}
	if s.readers == nil {
		s.readers = make(map[io.Closer]struct{})
	}
	s.readers[tracked] = struct{}{}
	r.mu.Unlock()
	return tracked, file, nil
}

func (r *Registry) markAccess(id string, at time.Time) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok && at.After(s.lastAccessAt) {
		s.lastAccessAt = at
	}
	r.mu.Unlock()
}

func (r *Registry) forgetReader(id string, rd io.Closer) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		delete(s.readers, rd)
	}
	r.mu.Unlock()
}

// SubtitleReader opens the subtitle file with the given torrent file index.
func (r *Registry) SubtitleReader(id string, fileIdx int) (io.ReadCloser, domain.SubtitleTrack, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.handle == nil {
		r.mu.Unlock()
		return nil, domain.SubtitleTrack{}, domain.ErrNotFound
	}
	var track domain.SubtitleTrack
	found := false
	for _, t := range s.subtitles {
		if t.FileIndex == fileIdx {
			track, found = t, true
			break
		}
	}
	handle := s.handle
	s.lastAccessAt = r.now()
	r.mu.Unlock()
	if !found {
		return nil, domain.SubtitleTrack{}, domain.ErrNotFound
	}
	rd, err := handle.NewReader(fileIdx)
	if err != nil {
		return nil, domain.SubtitleTrack{}, err
	}
	return rd, track, nil
}

// HLSFile resolves a playlist or segment name to a path inside the session's
// output directory. Playlist reads update segment tracking.
func (r *Registry) HLSFile(id, name string) (string, error) {
	if !hlsFileName.MatchString(name) {
		return "", domain.ErrNotFound
	}
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.hls.pipeline == nil {
		r.mu.Unlock()
		return "", domain.ErrNotFound
	}
	s.lastAccessAt = r.now()
	pipeline := s.hls.pipeline
	r.mu.Unlock()

	if name == transcode.PlaylistName {
		pipeline.Observe(r.now())
	}
	return filepath.Join(pipeline.Dir(), name), nil
}

// Run applies task outcomes and runs the TTL sweep, orphan cleanup and stall
// monitor until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()
	monitor := time.NewTicker(r.cfg.MonitorInterval)
	defer monitor.Stop()

	r.cleanupOrphans()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.apply(ev)
		case <-sweep.C:
			r.sweep()
			r.cleanupOrphans()
		case <-monitor.C:
			r.monitor()
		}
	}
}

func (r *Registry) emit(ctx context.Context, ev event) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// apply moves a loading session to ready or error.
func (r *Registry) apply(ev event) {
	r.mu.Lock()
	s, ok := r.sessions[ev.id]
	if !ok || s.status != domain.SessionLoading {
		r.mu.Unlock()
		return
	}
	var release bool
	if ev.err == nil {
		s.status = domain.SessionReady
		s.readyAt = r.now()
		if s.hls.enabled {
			s.hls.status = domain.HLSReady
		}
	} else {
		r.failLocked(s, ev.err)
		release = true
	}
	d := s.descriptor()
	r.mu.Unlock()

	if ev.err == nil {
		metrics.SessionOutcomesTotal.WithLabelValues("ready").Inc()
		r.report(d.ProviderID, d.SourceKey, true, "")
		r.record(domain.AttemptEvent{Kind: domain.AttemptSessionReady, OK: true, ProviderID: d.ProviderID, SourceKey: d.SourceKey, SessionID: d.SessionID, Detail: string(d.StreamKind)})
		r.logger.Info("session ready",
			slog.String("sessionId", d.SessionID),
			slog.String("streamKind", string(d.StreamKind)),
		)
	} else {
		kind := domain.SessionErrorKindOf(ev.err)
		metrics.SessionOutcomesTotal.WithLabelValues(string(kind)).Inc()
		r.report(d.ProviderID, d.SourceKey, false, string(kind))
		r.record(domain.AttemptEvent{Kind: domain.AttemptSessionError, ProviderID: d.ProviderID, SourceKey: d.SourceKey, SessionID: d.SessionID, Detail: ev.err.Error()})
		r.logger.Warn("session failed",
			slog.String("sessionId", d.SessionID),
			slog.String("kind", string(kind)),
			slog.String("error", ev.err.Error()),
		)
	}
	if release {
		r.releaseResources(s)
	}
	r.notify(d)
}

func (r *Registry) failLocked(s *session, err error) {
	s.status = domain.SessionFailed
	s.errText = err.Error()
	if s.hls.enabled {
		s.hls.status = domain.HLSError
		s.hls.err = s.errText
	}
}

// releaseResources frees a failed session's torrent and transcoder while
// keeping its record until destruction.
func (r *Registry) releaseResources(s *session) {
	r.release(s)
}

// sweep destroys sessions idle for longer than the TTL. A session with an
// open stream reader is never idle.
func (r *Registry) sweep() {
	now := r.now()
	r.mu.Lock()
	var expired []*session
	for id, s := range r.sessions {
		if len(s.readers) > 0 {
			continue
		}
		if now.Sub(s.lastAccessAt) > r.cfg.TTL {
			expired = append(expired, r.removeLocked(id, "ttl"))
		}
	}
	r.mu.Unlock()
	r.releaseAll(expired)
}

// cleanupOrphans removes output directories that belong to no live session.
func (r *Registry) cleanupOrphans() {
	if r.cfg.HLSDir == "" {
		return
	}
	entries, err := os.ReadDir(r.cfg.HLSDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("list hls dir", slog.String("error", err.Error()))
		}
		return
	}
	r.mu.Lock()
	live := make(map[string]bool, len(r.sessions))
	for id := range r.sessions {
		live[id] = true
	}
	r.mu.Unlock()
	for _, e := range entries {
		if !e.IsDir() || live[e.Name()] {
			continue
		}
		dir := filepath.Join(r.cfg.HLSDir, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			metrics.CleanupFailuresTotal.WithLabelValues("orphan_dir").Inc()
			r.logger.Warn("remove orphan hls dir", slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		r.logger.Info("removed orphan hls dir", slog.String("dir", dir))
	}
}

type stallCheck struct {
	id       string
	pipeline Transcoder
	age      time.Duration
	progress func() float64
	speed    int64
}

// monitor refreshes torrent stats and fails ready HLS sessions that stalled.
// Direct-URL sessions have no torrent signals, so only a silent pipeline
// counts for them.
func (r *Registry) monitor() {
	now := r.now()
	var checks []stallCheck
	var peers int
	var speed int64

	r.mu.Lock()
	for _, s := range r.sessions {
		if s.handle != nil {
			s.stats = s.handle.Stats()
			peers += s.stats.ActivePeers
			speed += s.stats.DownloadSpeed
		}
		if s.status != domain.SessionReady || s.hls.pipeline == nil {
			continue
		}
		c := stallCheck{id: s.id, pipeline: s.hls.pipeline, age: now.Sub(s.createdAt)}
		if s.handle != nil && s.file != nil {
			handle, idx := s.handle, s.file.Index
			c.progress = func() float64 { return fileProgress(handle, idx) }
			c.speed = s.stats.DownloadSpeed
		}
		checks = append(checks, c)
	}
	r.mu.Unlock()
	metrics.PeersConnected.Set(float64(peers))
	metrics.DownloadSpeedBytes.Set(float64(speed))

	for _, c := range checks {
		c.pipeline.Observe(now)
		in := transcode.StallInput{SessionReady: true, SessionAge: c.age, Speed: c.speed}
		if c.progress != nil {
			in.Progress = c.progress()
		}
		if c.pipeline.Stalled(now, in) {
			r.stall(c.id)
		}
	}
}

func (r *Registry) stall(id string) {
	err := domain.NewSessionError(domain.SessionTranscodeStalled, errors.New("no new segments and download below floor"))
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.status != domain.SessionReady {
		r.mu.Unlock()
		return
	}
	r.failLocked(s, err)
	d := s.descriptor()
	r.mu.Unlock()

	metrics.TranscodeFailuresTotal.WithLabelValues("stalled").Inc()
	metrics.SessionOutcomesTotal.WithLabelValues(string(domain.SessionTranscodeStalled)).Inc()
	r.report(d.ProviderID, d.SourceKey, false, string(domain.SessionTranscodeStalled))
	r.record(domain.AttemptEvent{Kind: domain.AttemptTranscodeStall, ProviderID: d.ProviderID, SourceKey: d.SourceKey, SessionID: id})
	r.logger.Warn("session stalled", slog.String("sessionId", id))
	r.releaseResources(s)
	r.notify(d)
}

// Close destroys every session and waits for supervised tasks to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	var all []*session
	for id := range r.sessions {
		all = append(all, r.removeLocked(id, "shutdown"))
	}
	r.mu.Unlock()
	r.releaseAll(all)
	r.wg.Wait()
}

func (r *Registry) report(providerID, sourceKey string, ok bool, reason string) {
	if r.reliability == nil || providerID == "" {
		return
	}
	r.reliability.Record(providerID, sourceKey, ok, reason)
}

func (r *Registry) record(ev domain.AttemptEvent) {
	if r.attempts != nil {
		r.attempts.Append(ev)
	}
}

func (r *Registry) notify(d domain.SessionDescriptor) {
	if r.listener != nil {
		r.listener(d)
	}
}

// trackedReader unregisters itself from its session on Close and refreshes
// the session's access time while it is being read.
type trackedReader struct {
	ports.StreamReader
	once     sync.Once
	onClose  func()
	onActive func(time.Time)
	now      func() time.Time

	mu        sync.Mutex
	lastTouch time.Time
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.StreamReader.Read(p)
	if n > 0 {
		t.active()
	}
	return n, err
}

func (t *trackedReader) Seek(offset int64, whence int) (int64, error) {
	t.active()
	return t.StreamReader.Seek(offset, whence)
}

func (t *trackedReader) active() {
	if t.onActive == nil || t.now == nil {
		return
	}
	now := t.now()
	t.mu.Lock()
	if !t.lastTouch.IsZero() && now.Sub(t.lastTouch) < readerTouchInterval {
		t.mu.Unlock()
		return
	}
	t.lastTouch = now
	t.mu.Unlock()
	t.onActive(now)
}

func (t *trackedReader) Close() error {
	var err error
	t.once.Do(func() {
		err = t.StreamReader.Close()
		if t.onClose != nil {
			t.onClose()
		}
	})
	return err
}
