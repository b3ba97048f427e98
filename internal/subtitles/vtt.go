package subtitles

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strings"
)

var (
	srtTiming = regexp.MustCompile(`^(\d{1,2}:\d{2}:\d{2})[,.](\d{1,3})\s*-->\s*(\d{1,2}:\d{2}:\d{2})[,.](\d{1,3})(.*)$`)
	cueNumber = regexp.MustCompile(`^\d+$`)
)

// ToVTT converts SRT (or passes through VTT) subtitle text into WebVTT.
func ToVTT(r io.Reader, w io.Writer) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("WEBVTT")) {
		_, err := w.Write(data)
		return err
	}

	text := strings.TrimRight(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n ")
	lines := strings.Split(text, "\n")
	bw := bufio.NewWriter(w)
	bw.WriteString("WEBVTT\n\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], " \t\r")
		trimmed := strings.TrimSpace(line)
		// A bare number directly before a timing line is a cue id.
		if cueNumber.MatchString(trimmed) && i+1 < len(lines) && srtTiming.MatchString(strings.TrimSpace(lines[i+1])) {
			continue
		}
		if m := srtTiming.FindStringSubmatch(trimmed); m != nil {
			bw.WriteString(timestamp(m[1], m[2]) + " --> " + timestamp(m[3], m[4]) + m[5] + "\n")
			continue
		}
		bw.WriteString(line + "\n")
	}
	return bw.Flush()
}

func timestamp(hms, millis string) string {
	if len(hms) == 7 {
		hms = "0" + hms
	}
	for len(millis) < 3 {
		millis += "0"
	}
	return hms + "." + millis
}
