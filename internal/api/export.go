package api

import (
	"fmt"
	"math"
	"strings"

	"github.com/snarg/selenite/internal/engine"
)

// FormatTXT renders segments as plain text, one line per segment, with
// speaker prefixes when labels are present.
func FormatTXT(segments []engine.Segment) string {
	var b strings.Builder
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if s.Speaker != "" {
			b.WriteString(s.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(text)
		b.WriteByte('\n')
	}
	return b.String()
}

// FormatSRT renders segments as SubRip subtitles.
func FormatSRT(segments []engine.Segment) string {
	var b strings.Builder
	n := 0
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		n++
		if s.Speaker != "" {
			text = s.Speaker + ": " + text
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", n, srtTimestamp(s.Start), srtTimestamp(s.End), text)
	}
	return b.String()
}

// FormatVTT renders segments as WebVTT.
func FormatVTT(segments []engine.Segment) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		if s.Speaker != "" {
			text = "<v " + s.Speaker + ">" + text
		}
		fmt.Fprintf(&b, "%s --> %s\n%s\n\n", vttTimestamp(s.Start), vttTimestamp(s.End), text)
	}
	return b.String()
}

// srtTimestamp formats seconds as HH:MM:SS,mmm.
func srtTimestamp(sec float64) string {
	h, m, s, ms := splitTime(sec)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// vttTimestamp formats seconds as HH:MM:SS.mmm.
func vttTimestamp(sec float64) string {
	h, m, s, ms := splitTime(sec)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func splitTime(sec float64) (h, m, s, ms int) {
	if sec < 0 {
		sec = 0
	}
	total := int(math.Round(sec * 1000))
	ms = total % 1000
	total /= 1000
	s = total % 60
	total /= 60
	m = total % 60
	h = total / 60
	return
}
