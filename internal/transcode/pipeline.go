package transcode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/metrics"
)

const (
	readyPollInterval   = 500 * time.Millisecond
	closeWaitTimeout    = 3 * time.Second
	defaultReadyFloor   = 2
	defaultStartTimeout = 60 * time.Second
)

// ErrAborted is returned by WaitReady when the owning session went away.
var ErrAborted = errors.New("transcode aborted: session gone")

type Config struct {
	FFmpegPath     string
	BaseDir        string
	ReadySegments  int
	StartTimeout   time.Duration
	SegmentSeconds int
	MaxHeight      int
	BitrateKbps    int
	Preset         string
	CRF            int
	AudioBitrate   string
	Stall          StallConfig
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.BaseDir == "" {
		c.BaseDir = filepath.Join("data", "hls")
	}
	if c.ReadySegments <= 0 {
		c.ReadySegments = defaultReadyFloor
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = defaultStartTimeout
	}
	if c.SegmentSeconds <= 0 {
		c.SegmentSeconds = 4
	}
	if c.Stall.Timeout <= 0 {
		c.Stall.Timeout = 45 * time.Second
	}
	if c.Stall.StartupTimeout <= 0 {
		c.Stall.StartupTimeout = 90 * time.Second
	}
	if c.Stall.StartupWindow <= 0 {
		c.Stall.StartupWindow = 2 * time.Minute
	}
	if c.Stall.MinSpeed <= 0 {
		c.Stall.MinSpeed = 64 << 10
	}
	return c
}

// SessionDir is where a session's playlist and segments live.
func SessionDir(baseDir, sessionID string) string {
	return filepath.Join(baseDir, sessionID)
}

// Input is either a byte stream piped to ffmpeg or a remote URL.
type Input struct {
	Reader     io.ReadCloser
	URL        string
	HeightHint int
	FPS        float64
	// CopyVideo skips re-encoding when the codec is already browser-safe.
	CopyVideo bool
}

// StallInput carries the session-side signals the stall rule needs.
type StallInput struct {
	SessionReady bool
	SessionAge   time.Duration
	Progress     float64
	Speed        int64
}

// Pipeline owns one ffmpeg process, its input stream and its output directory.
type Pipeline struct {
	cfg       Config
	sessionID string
	dir       string
	logger    *slog.Logger
	build     func(ArgConfig) []string

	mu            sync.Mutex
	proc          *Process
	input         io.Closer
	startedAt     time.Time
	ready         bool
	segments      int
	lastSegmentAt time.Time
	closed        bool
	closeOnce     sync.Once
}

// Factory builds pipelines that share one configuration.
type Factory struct {
	cfg    Config
	logger *slog.Logger
}

func NewFactory(cfg Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg.withDefaults(), logger: logger}
}

func (f *Factory) New(sessionID string) *Pipeline {
	return New(f.cfg, sessionID, f.logger)
}

func (f *Factory) BaseDir() string { return f.cfg.BaseDir }

func (f *Factory) ReadySegments() int { return f.cfg.ReadySegments }

func New(cfg Config, sessionID string, logger *slog.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		sessionID: sessionID,
		dir:       SessionDir(cfg.BaseDir, sessionID),
		logger:    logger.With(slog.String("sessionId", sessionID)),
		build:     BuildArgs,
	}
}

func (p *Pipeline) Dir() string { return p.dir }

func (p *Pipeline) ManifestPath() string { return filepath.Join(p.dir, PlaylistName) }

// Start creates a fresh output directory and spawns ffmpeg. The pipeline owns
// in.Reader only when Start succeeds.
func (p *Pipeline) Start(ctx context.Context, in Input) error {
	if in.Reader == nil && in.URL == "" {
		return domain.NewSessionError(domain.SessionTranscodeStartFailed, errors.New("no transcode input"))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrAborted
	}
	if p.proc != nil {
		return errors.New("transcode already started")
	}

	if err := os.RemoveAll(p.dir); err != nil {
		return domain.NewSessionError(domain.SessionTranscodeStartFailed, fmt.Errorf("reset hls dir: %w", err))
	}
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return domain.NewSessionError(domain.SessionTranscodeStartFailed, fmt.Errorf("create hls dir: %w", err))
	}

	height := TargetHeight(p.cfg.MaxHeight, in.HeightHint)
	argCfg := ArgConfig{
		Input:          "pipe:0",
		OutputDir:      p.dir,
		SegmentSeconds: p.cfg.SegmentSeconds,
		Preset:         p.cfg.Preset,
		CRF:            p.cfg.CRF,
		AudioBitrate:   p.cfg.AudioBitrate,
		CopyVideo:      in.CopyVideo,
		MaxRateKbps:    BitrateCeiling(height, p.cfg.BitrateKbps),
		SourceFPS:      in.FPS,
	}
	if in.HeightHint > height {
		argCfg.ScaleHeight = height
	}
	var stdin io.Reader
	if in.Reader != nil {
		stdin = in.Reader
	} else {
		argCfg.Input = in.URL
	}

	proc, err := StartProcess(context.WithoutCancel(ctx), p.cfg.FFmpegPath, p.build(argCfg), stdin)
	if err != nil {
		metrics.TranscodeFailuresTotal.WithLabelValues("spawn").Inc()
		return domain.NewSessionError(domain.SessionTranscodeStartFailed, err)
	}
	p.proc = proc
	if in.Reader != nil {
		p.input = in.Reader
	}
	p.startedAt = time.Now()
	p.lastSegmentAt = p.startedAt
	metrics.TranscodeStartsTotal.Inc()
	metrics.TranscodeActive.Inc()
	go p.watchExit(proc)

	p.logger.Info("transcode started",
		slog.Bool("copyVideo", in.CopyVideo),
		slog.Bool("pipe", in.Reader != nil),
		slog.Int("height", height),
		slog.Int("maxRateKbps", argCfg.MaxRateKbps),
	)
	return nil
}

func (p *Pipeline) watchExit(proc *Process) {
	<-proc.Done()
	metrics.TranscodeActive.Dec()
	p.mu.Lock()
	ready, closed := p.ready, p.closed
	p.mu.Unlock()
	if closed {
		return
	}
	if ready {
		p.logger.Info("transcode finished", slog.Duration("encoded", proc.Progress()))
		return
	}
	p.logger.Warn("transcode exited before ready", slog.String("reason", proc.ExitReason()))
}

// WaitReady polls the playlist until it has the header and the ready floor of
// segments. alive is consulted on every tick; a false result aborts the wait.
func (p *Pipeline) WaitReady(ctx context.Context, alive func() bool) error {
	p.mu.Lock()
	proc := p.proc
	p.mu.Unlock()
	if proc == nil {
		return domain.NewSessionError(domain.SessionTranscodeStartFailed, errors.New("transcode not started"))
	}

	timer := time.NewTimer(p.cfg.StartTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		if p.checkReady() {
			return nil
		}
		if alive != nil && !alive() {
			return ErrAborted
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			metrics.TranscodeFailuresTotal.WithLabelValues("timeout").Inc()
			return domain.NewSessionError(domain.SessionTranscodeStartFailed,
				fmt.Errorf("no playable segments after %s", p.cfg.StartTimeout))
		case <-proc.Done():
			if p.checkReady() {
				return nil
			}
			metrics.TranscodeFailuresTotal.WithLabelValues("exit").Inc()
			return domain.NewSessionError(domain.SessionTranscodeStartFailed, errors.New(proc.ExitReason()))
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) checkReady() bool {
	state := p.Observe(time.Now())
	enough := state.Segments >= p.cfg.ReadySegments || (state.Ended && state.Segments > 0)
	if !state.HasHeader || !enough {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		p.ready = true
		metrics.TranscodeReadyDuration.Observe(time.Since(p.startedAt).Seconds())
		p.logger.Info("transcode ready", slog.Int("segments", state.Segments))
	}
	return true
}

// Observe reads the playlist and records segment growth.
func (p *Pipeline) Observe(now time.Time) ManifestState {
	state, err := ReadManifest(p.ManifestPath())
	if err != nil {
		return ManifestState{}
	}
	p.mu.Lock()
	if state.Segments > p.segments {
		p.segments = state.Segments
		p.lastSegmentAt = now
	}
	p.mu.Unlock()
	return state
}

func (p *Pipeline) SegmentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.segments
}

func (p *Pipeline) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Stalled applies IsStalled to the tracked segment state.
func (p *Pipeline) Stalled(now time.Time, in StallInput) bool {
	p.mu.Lock()
	if p.proc != nil && p.proc.Exited() && p.proc.Err() == nil {
		// The encode ran to completion; no more segments are due.
		p.mu.Unlock()
		return false
	}
	state := StallState{
		SessionReady:  in.SessionReady,
		Segments:      p.segments,
		ReadyFloor:    p.cfg.ReadySegments,
		LastSegmentAt: p.lastSegmentAt,
		SessionAge:    in.SessionAge,
		Progress:      in.Progress,
		Speed:         in.Speed,
	}
	p.mu.Unlock()
	return IsStalled(p.cfg.Stall, state, now)
}

// Exited is closed when the process ends. It is nil before Start.
func (p *Pipeline) Exited() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc == nil {
		return nil
	}
	return p.proc.Done()
}

// Close kills the process, closes the input stream and removes the output
// directory. Errors are logged, never returned. Safe to call repeatedly.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		proc, input := p.proc, p.input
		p.mu.Unlock()

		if proc != nil {
			proc.Stop()
		}
		if input != nil {
			if err := input.Close(); err != nil {
				metrics.CleanupFailuresTotal.WithLabelValues("input_close").Inc()
				p.logger.Debug("close transcode input", slog.String("error", err.Error()))
			}
		}
		if proc != nil {
			select {
			case <-proc.Done():
			case <-time.After(closeWaitTimeout):
				p.logger.Warn("transcode process did not exit in time")
			}
		}
		if err := os.RemoveAll(p.dir); err != nil {
			metrics.CleanupFailuresTotal.WithLabelValues("hls_dir").Inc()
			p.logger.Warn("remove hls dir", slog.String("dir", p.dir), slog.String("error", err.Error()))
		}
	})
}
