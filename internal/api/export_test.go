package api

import (
	"strings"
	"testing"

	"github.com/snarg/selenite/internal/engine"
)

var exportSegments = []engine.Segment{
	{ID: 0, Start: 0, End: 2.5, Text: " hello there ", Speaker: "SPEAKER_0"},
	{ID: 1, Start: 2.5, End: 5, Text: "general kenobi", Speaker: "SPEAKER_1"},
	{ID: 2, Start: 5, End: 6, Text: "   "},
}

func TestFormatTXT(t *testing.T) {
	got := FormatTXT(exportSegments)
	want := "SPEAKER_0: hello there\nSPEAKER_1: general kenobi\n"
	if got != want {
		t.Errorf("txt = %q, want %q", got, want)
	}
}

func TestFormatTXTNoSpeakers(t *testing.T) {
	segs := []engine.Segment{{Text: "one"}, {Text: "two"}}
	if got := FormatTXT(segs); got != "one\ntwo\n" {
		t.Errorf("txt = %q", got)
	}
}

func TestFormatSRT(t *testing.T) {
	got := FormatSRT(exportSegments)
	want := "1\n00:00:00,000 --> 00:00:02,500\nSPEAKER_0: hello there\n\n" +
		"2\n00:00:02,500 --> 00:00:05,000\nSPEAKER_1: general kenobi\n\n"
	if got != want {
		t.Errorf("srt = %q, want %q", got, want)
	}
}

func TestFormatSRTSkipsBlankSegmentsInNumbering(t *testing.T) {
	segs := []engine.Segment{
		{Start: 0, End: 1, Text: ""},
		{Start: 1, End: 2, Text: "kept"},
	}
	got := FormatSRT(segs)
	if !strings.HasPrefix(got, "1\n") {
		t.Errorf("numbering should restart at 1, got %q", got)
	}
	if strings.Contains(got, "2\n") {
		t.Errorf("blank segment should not consume an index: %q", got)
	}
}

func TestFormatVTT(t *testing.T) {
	got := FormatVTT(exportSegments)
	if !strings.HasPrefix(got, "WEBVTT\n\n") {
		t.Fatalf("missing WEBVTT header: %q", got)
	}
	if !strings.Contains(got, "00:00:00.000 --> 00:00:02.500\n<v SPEAKER_0>hello there\n") {
		t.Errorf("vtt = %q", got)
	}
}

func TestTimestampFormatting(t *testing.T) {
	tests := []struct {
		sec float64
		srt string
		vtt string
	}{
		{0, "00:00:00,000", "00:00:00.000"},
		{1.5, "00:00:01,500", "00:00:01.500"},
		{61.042, "00:01:01,042", "00:01:01.042"},
		{3599.999, "00:59:59,999", "00:59:59.999"},
		{3661, "01:01:01,000", "01:01:01.000"},
		{-5, "00:00:00,000", "00:00:00.000"},
	}
	for _, tt := range tests {
		if got := srtTimestamp(tt.sec); got != tt.srt {
			t.Errorf("srtTimestamp(%v) = %s, want %s", tt.sec, got, tt.srt)
		}
		if got := vttTimestamp(tt.sec); got != tt.vtt {
			t.Errorf("vttTimestamp(%v) = %s, want %s", tt.sec, got, tt.vtt)
		}
	}
}
