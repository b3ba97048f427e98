package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestQualityForResolution(t *testing.T) {
	tests := []struct {
		res  int
		want Quality
	}{
		{0, QualitySD},
		{480, QualitySD},
		{719, QualitySD},
		{720, Quality720p},
		{1079, Quality720p},
		{1080, Quality1080p},
		{2159, Quality1080p},
		{2160, Quality4K},
		{4320, Quality4K},
	}
	for _, tt := range tests {
		if got := QualityForResolution(tt.res); got != tt.want {
			t.Errorf("QualityForResolution(%d) = %q, want %q", tt.res, got, tt.want)
		}
	}
}

func TestParseQuality(t *testing.T) {
	tests := map[string]Quality{
		"4K":    Quality4K,
		"2160p": Quality4K,
		"1080":  Quality1080p,
		"720p":  Quality720p,
		"480p":  QualitySD,
		"SD":    QualitySD,
		"":      "",
		"best":  "",
	}
	for in, want := range tests {
		if got := ParseQuality(in); got != want {
			t.Errorf("ParseQuality(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFileRefHelpers(t *testing.T) {
	f := FileRef{Path: `Show\Season 1\Episode.S01E02.MKV`, Length: 200, BytesCompleted: 50}
	if f.Name() != "Episode.S01E02.MKV" {
		t.Fatalf("Name() = %q", f.Name())
	}
	if f.Extension() != "mkv" {
		t.Fatalf("Extension() = %q", f.Extension())
	}
	if f.Progress() != 0.25 {
		t.Fatalf("Progress() = %v", f.Progress())
	}
	if (FileRef{}).Progress() != 0 {
		t.Fatal("empty file progress should be 0")
	}
	if (FileRef{Length: 10, BytesCompleted: 20}).Progress() != 1 {
		t.Fatal("progress must be capped at 1")
	}
}

func TestMediaInfoIsHEVC(t *testing.T) {
	hevc := MediaInfo{Tracks: []MediaTrack{
		{Index: 0, Type: "audio", Codec: "aac"},
		{Index: 1, Type: "video", Codec: "HEVC"},
	}}
	if !hevc.IsHEVC() {
		t.Fatal("expected HEVC")
	}
	h264 := MediaInfo{Tracks: []MediaTrack{{Type: "video", Codec: "h264"}}}
	if h264.IsHEVC() {
		t.Fatal("h264 reported as HEVC")
	}
	if (MediaInfo{}).IsHEVC() {
		t.Fatal("no video track reported as HEVC")
	}
}

func TestCandidateSummary(t *testing.T) {
	c := Candidate{
		ProviderID: "p1",
		Magnet:     "magnet:?xt=urn:btih:abc",
		SourceKey:  "btih:abc",
		Rank:       12.5,
		Metrics:    Metrics{Resolution: 1080, Seeders: 40, SizeBytes: 2 << 30, Extension: "mkv"},
	}
	if !c.HasTorrent() || c.HasDirect() {
		t.Fatal("unexpected source flags")
	}
	s := c.Summary()
	if s.Quality != Quality1080p || s.Seeders != 40 || s.Rank != 12.5 || s.SourceKey != "btih:abc" {
		t.Fatalf("summary = %+v", s)
	}
	if c.Metrics.SizeGB() != 2 {
		t.Fatalf("SizeGB() = %v", c.Metrics.SizeGB())
	}
}

func TestSessionErrorKindOf(t *testing.T) {
	wrapped := fmt.Errorf("start: %w", NewSessionError(SessionNoPlayableFile, errors.New("only .txt files")))
	if got := SessionErrorKindOf(wrapped); got != SessionNoPlayableFile {
		t.Fatalf("kind = %q", got)
	}
	if got := SessionErrorKindOf(errors.New("boom")); got != SessionEngineError {
		t.Fatalf("default kind = %q", got)
	}
	if NewSessionError(SessionTranscodeStalled, nil).Error() != "transcode-stalled" {
		t.Fatal("bare session error message")
	}
}

func TestFailedSessionCarriesTypedError(t *testing.T) {
	d := SessionDescriptor{Status: SessionFailed, Error: NewSessionError(SessionEpisodeNotFound, nil).Error()}
	if d.Status != "error" {
		t.Fatalf("failed status = %q, want error", d.Status)
	}
	var se *SessionError
	if !errors.As(fmt.Errorf("play: %w", NewSessionError(SessionEpisodeNotFound, nil)), &se) || se.Kind != SessionEpisodeNotFound {
		t.Fatalf("errors.As = %+v", se)
	}
	if d.Error != string(SessionEpisodeNotFound) {
		t.Fatalf("error text = %q", d.Error)
	}
}

func TestProbeErrorMessages(t *testing.T) {
	cause := errors.New("deadline exceeded")
	tests := []struct {
		err  *ProbeError
		want string
	}{
		{&ProbeError{Kind: ProbeHTTPStatus, Status: 403}, "probe http-status: status 403"},
		{&ProbeError{Kind: ProbeContentTypeMismatch, ContentType: "text/html"}, `probe content-type-mismatch: "text/html"`},
		{&ProbeError{Kind: ProbeTimeout, Err: cause}, "probe timeout: deadline exceeded"},
		{&ProbeError{Kind: ProbeTimeout}, "probe timeout"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
	if !errors.Is(&ProbeError{Kind: ProbeTimeout, Err: cause}, cause) {
		t.Fatal("ProbeError must unwrap its cause")
	}
}
