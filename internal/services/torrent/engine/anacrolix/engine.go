package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/domain/ports"
)

// addMagnetTimeout caps the time we wait for the client to accept a magnet.
// AddMagnet can block on the client mutex while another torrent resolves.
const addMagnetTimeout = 10 * time.Second

var ErrClientBusy = errors.New("torrent client busy, try again later")

type Config struct {
	DataDir                    string
	ListenPort                 int
	EstablishedConnsPerTorrent int
	HalfOpenConnsPerTorrent    int
	TotalHalfOpenConns         int
	// Trackers are appended to every swarm in addition to the magnet's own.
	Trackers []string
}

// Engine adapts an anacrolix client to ports.TorrentEngine. It never seeds.
type Engine struct {
	client   *torrent.Client
	trackers []string
	logger   *slog.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

func New(cfg Config, logger *slog.Logger) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}
	clientConfig.Seed = false
	clientConfig.NoUpload = true
	if cfg.ListenPort > 0 {
		clientConfig.ListenPort = cfg.ListenPort
	}
	if cfg.EstablishedConnsPerTorrent > 0 {
		clientConfig.EstablishedConnsPerTorrent = cfg.EstablishedConnsPerTorrent
	}
	if cfg.HalfOpenConnsPerTorrent > 0 {
		clientConfig.HalfOpenConnsPerTorrent = cfg.HalfOpenConnsPerTorrent
	}
	if cfg.TotalHalfOpenConns > 0 {
		clientConfig.TotalHalfOpenConns = cfg.TotalHalfOpenConns
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("torrent client: %w", err)
	}
	return NewWithClient(client, cfg.Trackers, logger), nil
}

func NewWithClient(client *torrent.Client, trackers []string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		client:   client,
		trackers: cleanTrackers(trackers),
		logger:   logger,
		handles:  make(map[string]*Handle),
	}
}

// Add joins the swarm described by magnet. Adding a magnet whose info hash is
// already tracked returns the live handle.
func (e *Engine) Add(ctx context.Context, magnet string) (ports.TorrentHandle, error) {
	if e.client == nil {
		return nil, errors.New("torrent client not configured")
	}
	parsed, err := metainfo.ParseMagnetUri(strings.TrimSpace(magnet))
	if err != nil {
		return nil, fmt.Errorf("parse magnet: %w", err)
	}
	key := parsed.InfoHash.HexString()

	if h := e.acquire(key); h != nil {
		return &lease{Handle: h}, nil
	}

	type addResult struct {
		t   *torrent.Torrent
		err error
	}
	ch := make(chan addResult, 1)
	go func() {
		t, err := e.client.AddMagnet(magnet)
		ch <- addResult{t, err}
	}()

	var t *torrent.Torrent
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		t = res.t
	case <-time.After(addMagnetTimeout):
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, ErrClientBusy
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.t != nil {
				res.t.Drop()
			}
		}()
		return nil, ctx.Err()
	}

	if len(e.trackers) > 0 {
		t.AddTrackers([][]string{e.trackers})
	}

	e.mu.Lock()
	h, ok := e.handles[key]
	if ok && !h.dropped() {
		// A concurrent Add for the same swarm won the race.
		h.refs++
	} else {
		h = &Handle{engine: e, torrent: t, infoHash: key, refs: 1}
		e.handles[key] = h
	}
	e.mu.Unlock()

	e.logger.Debug("torrent added",
		slog.String("infoHash", key),
		slog.Int("trackers", len(e.trackers)),
	)
	return &lease{Handle: h}, nil
}

func (e *Engine) acquire(key string) *Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.handles[key]
	if !ok || h.dropped() {
		return nil
	}
	h.refs++
	return h
}

// release drops one reference and leaves the swarm on the last one.
func (e *Engine) release(h *Handle) {
	e.mu.Lock()
	h.refs--
	last := h.refs <= 0
	if last {
		if cur, ok := e.handles[h.infoHash]; ok && cur == h {
			delete(e.handles, h.infoHash)
		}
	}
	e.mu.Unlock()
	if last {
		h.drop()
	}
}

// Active returns the number of swarms currently held.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	e.mu.Lock()
	e.handles = make(map[string]*Handle)
	e.mu.Unlock()
	errList := e.client.Close()
	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

// Handle is one swarm held by the engine, shared by every lease on it.
type Handle struct {
	engine   *Engine
	torrent  *torrent.Torrent
	infoHash string
	refs     int

	dropOnce sync.Once
	speedMu  sync.Mutex
	last     speedSample
}

// lease is one caller's reference to a shared Handle.
type lease struct {
	*Handle
	once sync.Once
}

// Drop releases this reference. Safe to call twice.
func (l *lease) Drop() {
	l.once.Do(func() {
		if l.engine != nil {
			l.engine.release(l.Handle)
			return
		}
		l.Handle.drop()
	})
}

func (h *Handle) InfoHash() string { return h.infoHash }

func (h *Handle) Name() string {
	if h.torrent == nil || !torrentInfoReady(h.torrent) {
		return ""
	}
	return h.torrent.Name()
}

func (h *Handle) GotInfo() <-chan struct{} {
	return h.torrent.GotInfo()
}

func (h *Handle) Files() []domain.FileRef {
	return mapFiles(h.torrent)
}

func (h *Handle) NewReader(index int) (ports.StreamReader, error) {
	if !torrentInfoReady(h.torrent) {
		return nil, fmt.Errorf("torrent %s: metadata not ready", h.infoHash)
	}
	files := h.torrent.Files()
	if index < 0 || index >= len(files) {
		return nil, fmt.Errorf("torrent %s file %d: %w", h.infoHash, index, domain.ErrNotFound)
	}
	return files[index].NewReader(), nil
}

func (h *Handle) Stats() domain.TorrentStats {
	if h.torrent == nil {
		return domain.TorrentStats{}
	}
	stats := h.torrent.Stats()
	read := stats.BytesReadUsefulData.Int64()
	return domain.TorrentStats{
		ActivePeers:   stats.ActivePeers,
		BytesRead:     read,
		DownloadSpeed: h.sampleSpeed(read, time.Now()),
	}
}

// drop leaves the swarm and releases its storage handles.
func (h *Handle) drop() {
	h.dropOnce.Do(func() {
		if h.torrent != nil {
			h.torrent.Drop()
		}
		freeOSMemory()
	})
}

func (h *Handle) dropped() bool {
	if h.torrent == nil {
		return true
	}
	select {
	case <-h.torrent.Closed():
		return true
	default:
		return false
	}
}

type speedSample struct {
	at        time.Time
	bytesRead int64
}

func (h *Handle) sampleSpeed(current int64, now time.Time) int64 {
	h.speedMu.Lock()
	defer h.speedMu.Unlock()
	prev := h.last
	h.last = speedSample{at: now, bytesRead: current}
	return speedBetween(prev, h.last)
}

func speedBetween(prev, cur speedSample) int64 {
	if prev.at.IsZero() {
		return 0
	}
	dt := cur.at.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0
	}
	delta := cur.bytesRead - prev.bytesRead
	if delta < 0 {
		delta = 0
	}
	return int64(float64(delta) / dt)
}

// freeOSMemory returns freed pages promptly after a swarm is dropped.
// Without it memory-constrained hosts hold piece buffers for a long time.
func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}

func mapFiles(t *torrent.Torrent) (mapped []domain.FileRef) {
	if !torrentInfoReady(t) {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("mapFiles panic recovered",
				slog.Any("error", r),
				slog.String("stack", string(debug.Stack())),
			)
			mapped = nil
		}
	}()

	files := t.Files()
	mapped = make([]domain.FileRef, 0, len(files))
	for i, f := range files {
		mapped = append(mapped, domain.FileRef{
			Index:          i,
			Path:           f.Path(),
			Length:         f.Length(),
			BytesCompleted: f.BytesCompleted(),
		})
	}
	return mapped
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}

func cleanTrackers(trackers []string) []string {
	seen := make(map[string]bool, len(trackers))
	out := make([]string, 0, len(trackers))
	for _, tr := range trackers {
		tr = strings.TrimSpace(tr)
		if tr == "" || seen[tr] {
			continue
		}
		seen[tr] = true
		out = append(out, tr)
	}
	return out
}
