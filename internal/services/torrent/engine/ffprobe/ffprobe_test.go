package ffprobe

import (
	"context"
	"os/exec"
	"strings"
	"testing"
)

func TestProbeEmptyInput(t *testing.T) {
	p := New("")
	for _, input := range []string{"", "   "} {
		if _, err := p.Probe(context.Background(), input); err == nil || err.Error() != "probe input is required" {
			t.Fatalf("Probe(%q) err = %v", input, err)
		}
	}
}

func TestProbeReaderNilReader(t *testing.T) {
	_, err := New("").ProbeReader(context.Background(), nil)
	if err == nil || err.Error() != "reader is required" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestParseProbeOutputDetectsHEVC(t *testing.T) {
	raw := `{
		"streams": [
			{"codec_type": "video", "codec_name": "hevc", "height": 2160, "disposition": {"default": 1}},
			{"codec_type": "audio", "codec_name": "eac3", "tags": {"LANGUAGE": "eng"}},
			{"codec_type": "audio", "codec_name": "aac", "tags": {"language": "spa", "title": "Latino"}},
			{"codec_type": "data", "codec_name": "bin_data"},
			{"codec_type": "subtitle", "codec_name": "subrip"}
		],
		"format": {"duration": "5400.25"}
	}`
	info, err := parseProbeOutput([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(info.Tracks) != 4 {
		t.Fatalf("tracks = %d, want 4 (data stream skipped)", len(info.Tracks))
	}
	if !info.IsHEVC() {
		t.Fatal("expected HEVC video")
	}
	v, _ := info.VideoTrack()
	if v.Height != 2160 || !v.Default {
		t.Fatalf("video track = %+v", v)
	}
	if a := info.Tracks[2]; a.Index != 1 || a.Language != "spa" || a.Title != "Latino" {
		t.Fatalf("second audio track = %+v", a)
	}
	if info.Tracks[1].Language != "eng" {
		t.Fatalf("upper-case tag not read: %+v", info.Tracks[1])
	}
	if info.Duration != 5400.25 {
		t.Fatalf("duration = %v", info.Duration)
	}
}

func TestParseProbeOutputH264IsNotHEVC(t *testing.T) {
	info, err := parseProbeOutput([]byte(`{"streams":[{"codec_type":"video","codec_name":"h264","height":720}],"format":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	if info.IsHEVC() || info.Duration != 0 {
		t.Fatalf("info = %+v", info)
	}
}

func TestParseProbeOutputInvalidJSON(t *testing.T) {
	if _, err := parseProbeOutput([]byte("not json")); err == nil {
		t.Fatal("expected error")
	}
}

func TestGetTag(t *testing.T) {
	tests := []struct {
		tags map[string]string
		key  string
		want string
	}{
		{map[string]string{"language": "eng"}, "language", "eng"},
		{map[string]string{"LANGUAGE": "eng"}, "language", "eng"},
		{map[string]string{"title": "Commentary"}, "TITLE", "Commentary"},
		{map[string]string{"language": "exact", "LANGUAGE": "upper"}, "language", "exact"},
		{nil, "language", ""},
	}
	for _, tc := range tests {
		if got := getTag(tc.tags, tc.key); got != tc.want {
			t.Errorf("getTag(%v, %q) = %q, want %q", tc.tags, tc.key, got, tc.want)
		}
	}
}

func TestProbeReaderWithFFmpegFixture(t *testing.T) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe binary not available")
	}
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg binary not available")
	}
	out, err := exec.Command(ffmpegPath,
		"-f", "lavfi", "-i", "testsrc=duration=1:size=64x48:rate=5",
		"-c:v", "libx264", "-preset", "ultrafast",
		"-f", "matroska", "pipe:1",
	).Output()
	if err != nil {
		t.Skipf("ffmpeg could not build fixture: %v", err)
	}
	info, err := New("").ProbeReader(context.Background(), strings.NewReader(string(out)))
	if err != nil {
		t.Fatalf("ProbeReader: %v", err)
	}
	v, ok := info.VideoTrack()
	if !ok || v.Codec != "h264" || v.Height != 48 {
		t.Fatalf("video = %+v ok=%v", v, ok)
	}
}
