package apihttp

import (
	"bytes"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ezerobledo91/streams-sub000/internal/subtitles"
	"github.com/ezerobledo91/streams-sub000/internal/transcode"
	"github.com/ezerobledo91/streams-sub000/internal/usecase"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	reader, file, err := s.sessions.OpenStream(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	stream := usecase.NewAdaptiveReader(reader, usecase.DefaultMinReadahead, usecase.DefaultMaxReadahead)
	defer stream.Close()
	stream.SetContext(r.Context())

	ext := strings.ToLower(path.Ext(file.Path))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = fallbackContentType(ext)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Connection", "close")

	s.logger.Debug("stream opened",
		slog.String("sessionId", id),
		slog.Int("fileIndex", file.Index),
		slog.String("range", r.Header.Get("Range")),
	)
	http.ServeContent(w, r, file.Name(), time.Time{}, stream)
}

func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	name := r.PathValue("file")
	filePath, err := s.sessions.HLSFile(id, name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	info, err := os.Stat(filePath)
	if err != nil || info.IsDir() {
		writeError(w, http.StatusNotFound, "not_found", "hls file not ready")
		return
	}

	if name == transcode.PlaylistName {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Content-Type", "video/MP2T")
	}
	http.ServeFile(w, r, filePath)
}

func (s *Server) handleSubtitle(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	fileIdx, err := strconv.Atoi(r.PathValue("fileIdx"))
	if err != nil || fileIdx < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid fileIdx")
		return
	}
	rd, track, err := s.sessions.SubtitleReader(id, fileIdx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	defer rd.Close()

	switch track.Extension {
	case "srt":
		var buf bytes.Buffer
		if err := subtitles.ToVTT(rd, &buf); err != nil {
			s.logger.Warn("subtitle conversion failed",
				slog.String("sessionId", id),
				slog.Int("fileIndex", fileIdx),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusBadGateway, "subtitle_unreadable", "subtitle conversion failed")
			return
		}
		w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	case "vtt":
		w.Header().Set("Content-Type", "text/vtt; charset=utf-8")
		_, _ = io.Copy(w, rd)
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.Copy(w, rd)
	}
}
