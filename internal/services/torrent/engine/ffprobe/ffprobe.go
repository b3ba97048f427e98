package ffprobe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

const (
	maxProbeTimeout = 20 * time.Second
	// headSampleBytes bounds how much of a torrent file is fed to ffprobe.
	headSampleBytes = 16 << 20
)

// Prober runs ffprobe to learn codec and resolution of a source before the
// session decides between direct streaming and transcoding.
type Prober struct {
	binary string
}

func New(binary string) *Prober {
	bin := strings.TrimSpace(binary)
	if bin == "" {
		bin = "ffprobe"
	}
	return &Prober{binary: bin}
}

// Probe inspects a local path or a remote URL.
func (p *Prober) Probe(ctx context.Context, input string) (domain.MediaInfo, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return domain.MediaInfo{}, errors.New("probe input is required")
	}
	args := baseArgs("20M", "10M")
	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		args = append(args, "-rw_timeout", "10000000")
	}
	return p.runProbe(ctx, append(args, input), nil)
}

// ProbeReader inspects the head of a stream fed through stdin.
func (p *Prober) ProbeReader(ctx context.Context, reader io.Reader) (domain.MediaInfo, error) {
	if reader == nil {
		return domain.MediaInfo{}, errors.New("reader is required")
	}
	args := append(baseArgs("10M", "5M"), "-i", "pipe:0")
	return p.runProbe(ctx, args, io.LimitReader(reader, headSampleBytes))
}

func baseArgs(probeSize, analyzeDuration string) []string {
	return []string{
		"-v", "quiet",
		"-probesize", probeSize,
		"-analyzeduration", analyzeDuration,
		"-print_format", "json",
		"-show_streams",
		"-show_format",
	}
}

func (p *Prober) runProbe(ctx context.Context, args []string, stdin io.Reader) (domain.MediaInfo, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxProbeTimeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, p.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	info, parseErr := parseProbeOutput(stdout.Bytes())

	// A truncated head sample makes ffprobe exit non-zero while still
	// printing usable stream metadata.
	if parseErr == nil && (runErr == nil || len(info.Tracks) > 0) {
		return info, nil
	}
	if runErr == nil {
		return domain.MediaInfo{}, fmt.Errorf("ffprobe output parse failed: %w", parseErr)
	}
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return domain.MediaInfo{}, fmt.Errorf("ffprobe failed: %w: %s", runErr, msg)
	}
	return domain.MediaInfo{}, fmt.Errorf("ffprobe failed: %w", runErr)
}

type probePayload struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

type probeStream struct {
	CodecType   string            `json:"codec_type"`
	CodecName   string            `json:"codec_name"`
	Height      int               `json:"height"`
	Tags        map[string]string `json:"tags"`
	Disposition struct {
		Default int `json:"default"`
	} `json:"disposition"`
}

func parseProbeOutput(data []byte) (domain.MediaInfo, error) {
	var payload probePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return domain.MediaInfo{}, err
	}

	counters := map[string]int{}
	tracks := make([]domain.MediaTrack, 0, len(payload.Streams))
	for _, stream := range payload.Streams {
		switch stream.CodecType {
		case "video", "audio", "subtitle":
		default:
			continue
		}
		track := domain.MediaTrack{
			Index:    counters[stream.CodecType],
			Type:     stream.CodecType,
			Codec:    stream.CodecName,
			Language: strings.TrimSpace(getTag(stream.Tags, "language")),
			Title:    strings.TrimSpace(getTag(stream.Tags, "title")),
			Default:  stream.Disposition.Default == 1,
		}
		if stream.CodecType == "video" {
			track.Height = stream.Height
		}
		counters[stream.CodecType]++
		tracks = append(tracks, track)
	}

	var duration float64
	if d, err := strconv.ParseFloat(payload.Format.Duration, 64); err == nil && d > 0 {
		duration = d
	}
	return domain.MediaInfo{Tracks: tracks, Duration: duration}, nil
}

func getTag(tags map[string]string, key string) string {
	for _, k := range []string{key, strings.ToUpper(key), strings.ToLower(key)} {
		if value, ok := tags[k]; ok {
			return value
		}
	}
	return ""
}
