package transcode

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	PlaylistName   = "index.m3u8"
	segmentPattern = "seg-%05d.ts"
)

// ArgConfig holds everything BuildArgs needs. Pass it by value.
type ArgConfig struct {
	Input          string // "pipe:0" or a remote URL
	OutputDir      string
	SegmentSeconds int
	Preset         string
	CRF            int
	AudioBitrate   string
	CopyVideo      bool
	// ScaleHeight is non-zero when the source must be downscaled.
	ScaleHeight int
	MaxRateKbps int
	SourceFPS   float64
}

// BuildArgs constructs the ffmpeg argument list. It has no side effects.
func BuildArgs(cfg ArgConfig) []string {
	segDur := cfg.SegmentSeconds
	if segDur <= 0 {
		segDur = 4
	}
	preset := cfg.Preset
	if preset == "" {
		preset = "veryfast"
	}
	crf := cfg.CRF
	if crf <= 0 {
		crf = 23
	}
	audioBitrate := cfg.AudioBitrate
	if audioBitrate == "" {
		audioBitrate = "128k"
	}

	analyzeDuration, probeSize := "20000000", "10000000"
	if cfg.Input == "pipe:0" {
		analyzeDuration, probeSize = "5000000", "5000000"
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-progress", "pipe:1",
		"-fflags", "+genpts+discardcorrupt",
		"-analyzeduration", analyzeDuration,
		"-probesize", probeSize,
	}
	if strings.HasPrefix(cfg.Input, "http://") || strings.HasPrefix(cfg.Input, "https://") {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1")
	}
	args = append(args, "-i", cfg.Input, "-map", "0:v:0", "-map", "0:a:0?")

	if cfg.CopyVideo {
		args = append(args, "-c:v", "copy")
	} else {
		fps := cfg.SourceFPS
		if fps <= 0 {
			fps = 24
		}
		gop := strconv.Itoa(int(math.Round(fps * float64(segDur))))
		args = append(args,
			"-c:v", "libx264",
			"-pix_fmt", "yuv420p",
			"-preset", preset,
			"-crf", strconv.Itoa(crf),
			"-g", gop,
			"-keyint_min", gop,
			"-sc_threshold", "0",
			"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", segDur),
		)
		if cfg.MaxRateKbps > 0 {
			args = append(args,
				"-maxrate", fmt.Sprintf("%dk", cfg.MaxRateKbps),
				"-bufsize", fmt.Sprintf("%dk", Bufsize(cfg.MaxRateKbps)),
			)
		}
		if cfg.ScaleHeight > 0 {
			args = append(args, "-vf", fmt.Sprintf("scale=-2:%d", cfg.ScaleHeight))
		}
	}

	args = append(args,
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-ac", "2",
		"-sn",
		"-f", "hls",
		"-hls_time", strconv.Itoa(segDur),
		"-hls_list_size", "0",
		"-hls_playlist_type", "event",
		"-hls_flags", "independent_segments",
		"-hls_segment_filename", filepath.Join(cfg.OutputDir, segmentPattern),
		filepath.Join(cfg.OutputDir, PlaylistName),
	)
	return args
}
