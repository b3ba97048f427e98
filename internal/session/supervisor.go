package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
	"github.com/ezerobledo91/streams-sub000/internal/domain/ports"
	"github.com/ezerobledo91/streams-sub000/internal/transcode"
)

const (
	mediaProbeTimeout = 20 * time.Second
	probeReadahead    = 8 << 20
	streamReadahead   = 16 << 20
)

var (
	// errGone means the session was destroyed while its task was running.
	errGone   = errors.New("session gone")
	errForced = errors.New("transcode forced after planning")
)

func (r *Registry) superviseTorrent(ctx context.Context, id string, p CreateParams) {
	r.finish(ctx, id, r.runTorrent(ctx, id, p))
}

func (r *Registry) superviseDirect(ctx context.Context, id string, p DirectParams) {
	r.finish(ctx, id, r.runDirect(ctx, id, p))
}

func (r *Registry) finish(ctx context.Context, id string, err error) {
	if ctx.Err() != nil || errors.Is(err, errGone) || errors.Is(err, transcode.ErrAborted) {
		return
	}
	r.emit(ctx, event{id: id, err: err})
}

func (r *Registry) runTorrent(ctx context.Context, id string, p CreateParams) error {
	handle, err := r.engine.Add(ctx, p.Magnet)
	if err != nil {
		if ctx.Err() != nil {
			return errGone
		}
		return domain.NewSessionError(domain.SessionEngineError, err)
	}
	if !r.attachHandle(id, handle) {
		handle.Drop()
		return errGone
	}

	timer := time.NewTimer(r.cfg.MetadataTimeout)
	defer timer.Stop()
	select {
	case <-handle.GotInfo():
	case <-timer.C:
		return domain.NewSessionError(domain.SessionEngineError, fmt.Errorf("no metadata after %s", r.cfg.MetadataTimeout))
	case <-ctx.Done():
		return errGone
	}

	files := handle.Files()
	file, err := SelectFile(files, SelectOptions{PreferredIdx: p.PreferredFileIdx, EpisodeKey: p.EpisodeKey})
	if err != nil {
		return err
	}
	var subs []domain.SubtitleTrack
	if r.subtitles != nil {
		subs = r.subtitles.Select(id, files, file)
	}

	force := p.ForceTranscode || r.forceRequested(id)
	var info *domain.MediaInfo
	if !force && !HasHEVCMarker(file.Name()) {
		info = r.probeTorrentFile(ctx, handle, file)
	}
	plan := planStream(file, info, force)
	r.logger.Info("file selected",
		slog.String("sessionId", id),
		slog.String("file", file.Name()),
		slog.Int64("length", file.Length),
		slog.Bool("hls", plan.hls),
		slog.String("reason", plan.reason),
		slog.Int("subtitles", len(subs)),
	)

	if !plan.hls {
		err := r.attachFile(id, file, subs, domain.StreamDirect, nil)
		if !errors.Is(err, errForced) {
			return err
		}
		plan = planStream(file, info, true)
	}

	pipeline := r.newTranscode(id)
	if err := r.attachFile(id, file, subs, domain.StreamHLS, pipeline); err != nil {
		pipeline.Close()
		return err
	}
	reader, err := handle.NewReader(file.Index)
	if err != nil {
		return domain.NewSessionError(domain.SessionInputStreamError, err)
	}
	reader.SetContext(ctx)
	reader.SetResponsive()
	reader.SetReadahead(streamReadahead)

	height := p.HeightHint
	if info != nil {
		if v, ok := info.VideoTrack(); ok && v.Height > 0 {
			height = v.Height
		}
	}
	in := transcode.Input{Reader: reader, HeightHint: height, CopyVideo: plan.copyVideo}
	if err := pipeline.Start(ctx, in); err != nil {
		_ = reader.Close()
		return err
	}
	return r.awaitPipeline(ctx, id, p.ProviderID, p.SourceKey, pipeline, plan.reason)
}

func (r *Registry) runDirect(ctx context.Context, id string, p DirectParams) error {
	pipeline := r.newTranscode(id)
	if !r.attachPipeline(id, pipeline) {
		pipeline.Close()
		return errGone
	}
	in := transcode.Input{URL: p.URL, HeightHint: p.HeightHint}
	if r.prober != nil {
		pctx, cancel := context.WithTimeout(ctx, mediaProbeTimeout)
		info, err := r.prober.Probe(pctx, p.URL)
		cancel()
		if err == nil {
			if v, ok := info.VideoTrack(); ok {
				if v.Height > 0 {
					in.HeightHint = v.Height
				}
				in.CopyVideo = strings.EqualFold(v.Codec, "h264")
			}
		} else {
			r.logger.Debug("probe direct url", slog.String("sessionId", id), slog.String("error", err.Error()))
		}
	}
	if err := pipeline.Start(ctx, in); err != nil {
		return err
	}
	return r.awaitPipeline(ctx, id, p.ProviderID, p.SourceKey, pipeline, "direct-url")
}

func (r *Registry) awaitPipeline(ctx context.Context, id, providerID, sourceKey string, pipeline Transcoder, reason string) error {
	r.record(domain.AttemptEvent{Kind: domain.AttemptTranscodeStart, OK: true, ProviderID: providerID, SourceKey: sourceKey, SessionID: id, Detail: reason})
	alive := func() bool { return ctx.Err() == nil && r.loading(id) }
	if err := pipeline.WaitReady(ctx, alive); err != nil {
		if !errors.Is(err, transcode.ErrAborted) && ctx.Err() == nil {
			r.record(domain.AttemptEvent{Kind: domain.AttemptTranscodeExit, ProviderID: providerID, SourceKey: sourceKey, SessionID: id, Detail: err.Error()})
		}
		return err
	}
	r.record(domain.AttemptEvent{Kind: domain.AttemptTranscodeReady, OK: true, ProviderID: providerID, SourceKey: sourceKey, SessionID: id})
	return nil
}

// probeTorrentFile runs ffprobe over the head of the selected file. A failed
// probe returns nil and the decision falls back to the file name.
func (r *Registry) probeTorrentFile(ctx context.Context, handle ports.TorrentHandle, file domain.FileRef) *domain.MediaInfo {
	if r.prober == nil {
		return nil
	}
	reader, err := handle.NewReader(file.Index)
	if err != nil {
		return nil
	}
	defer reader.Close()

	pctx, cancel := context.WithTimeout(ctx, mediaProbeTimeout)
	defer cancel()
	reader.SetContext(pctx)
	reader.SetResponsive()
	reader.SetReadahead(probeReadahead)

	info, err := r.prober.ProbeReader(pctx, reader)
	if err != nil {
		r.logger.Debug("probe torrent file", slog.String("file", file.Name()), slog.String("error", err.Error()))
		return nil
	}
	return &info
}

func (r *Registry) loading(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return ok && s.status == domain.SessionLoading
}

func (r *Registry) attachHandle(id string, h ports.TorrentHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.status != domain.SessionLoading {
		return false
	}
	s.handle = h
	return true
}

// forceRequested reports whether a later request asked this loading session
// to transcode.
func (r *Registry) forceRequested(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return ok && s.forceTranscode
}

// attachFile records the plan. A direct plan is refused with errForced when a
// forced request arrived after the plan was made.
func (r *Registry) attachFile(id string, file domain.FileRef, subs []domain.SubtitleTrack, kind domain.StreamKind, pipeline Transcoder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.status != domain.SessionLoading {
		return errGone
	}
	if kind == domain.StreamDirect && s.forceTranscode {
		return errForced
	}
	s.file = &file
	s.subtitles = subs
	s.kind = kind
	if pipeline != nil {
		s.hls = hlsState{enabled: true, status: domain.HLSLoading, pipeline: pipeline}
	}
	return nil
}

func (r *Registry) attachPipeline(id string, pipeline Transcoder) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.status != domain.SessionLoading {
		return false
	}
	s.hls.pipeline = pipeline
	return true
}
