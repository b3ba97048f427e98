package subtitles

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ezerobledo91/streams-sub000/internal/domain"
)

func TestSelectPrefersSiblingSubtitles(t *testing.T) {
	files := []domain.FileRef{
		{Index: 0, Path: "Show/Subs/Other.Movie.en.srt"},
		{Index: 1, Path: "Show/Movie.2019.1080p.mp4", Length: 2 << 30},
		{Index: 2, Path: "Show/Movie.2019.1080p.spa.srt"},
		{Index: 3, Path: "Show/Movie.2019.1080p.nfo"},
		{Index: 4, Path: "Show/Movie.2019.1080p.English.forced.vtt"},
	}
	got := NewSelector().Select("sess-1", files, files[1])
	if len(got) != 3 {
		t.Fatalf("tracks = %d, want 3: %+v", len(got), got)
	}
	if got[0].FileIndex != 4 || got[1].FileIndex != 2 || got[2].FileIndex != 0 {
		t.Fatalf("order = %d,%d,%d", got[0].FileIndex, got[1].FileIndex, got[2].FileIndex)
	}
	if got[0].Language != "en" || got[0].Label != "English (Forced)" || got[0].Extension != "vtt" {
		t.Fatalf("first track = %+v", got[0])
	}
	if got[1].Language != "es" || got[1].Label != "Spanish" {
		t.Fatalf("second track = %+v", got[1])
	}
	if got[1].URL != "/sessions/sess-1/subtitles/2" || got[1].ID != "sub-2" {
		t.Fatalf("second track url/id = %q/%q", got[1].URL, got[1].ID)
	}
}

func TestDescribeUnknownLanguageKeepsName(t *testing.T) {
	lang, label := Describe("commentary.track.srt", "movie")
	if lang != "" || label != "commentary.track" {
		t.Fatalf("Describe = %q, %q", lang, label)
	}
}

func TestToVTTConvertsSRT(t *testing.T) {
	srt := "\xef\xbb\xbf1\r\n00:00:01,500 --> 00:00:03,000\r\nHello\r\n\r\n2\r\n0:00:04,25 --> 0:00:05,000 position:10%\r\n42\r\n"
	var out bytes.Buffer
	if err := ToVTT(strings.NewReader(srt), &out); err != nil {
		t.Fatalf("ToVTT: %v", err)
	}
	want := "WEBVTT\n\n00:00:01.500 --> 00:00:03.000\nHello\n\n00:00:04.250 --> 00:00:05.000 position:10%\n42\n"
	if out.String() != want {
		t.Fatalf("vtt =\n%q\nwant\n%q", out.String(), want)
	}
}

func TestToVTTPassesThroughVTT(t *testing.T) {
	in := "WEBVTT\n\n00:00:01.000 --> 00:00:02.000\nHi\n"
	var out bytes.Buffer
	if err := ToVTT(strings.NewReader(in), &out); err != nil {
		t.Fatal(err)
	}
	if out.String() != in {
		t.Fatalf("vtt = %q", out.String())
	}
}
