package executor

import (
	"reflect"
	"testing"

	"github.com/snarg/selenite/internal/engine"
)

func seg(id int, start, end float64, text string) engine.Segment {
	return engine.Segment{ID: id, Start: start, End: end, Text: text}
}

func turn(start, end float64, speaker string) engine.Turn {
	return engine.Turn{Start: start, End: end, Speaker: speaker}
}

func TestMergeLargestIntersection(t *testing.T) {
	segments := []engine.Segment{seg(0, 0, 10, "hello")}
	turns := []engine.Turn{
		turn(0, 3, "SPEAKER_0"),  // 3s overlap
		turn(3, 10, "SPEAKER_1"), // 7s overlap
	}

	out, speakers := Merge(segments, turns)
	if out[0].Speaker != "SPEAKER_1" {
		t.Errorf("speaker = %s, want SPEAKER_1", out[0].Speaker)
	}
	if !reflect.DeepEqual(speakers, []string{"SPEAKER_1"}) {
		t.Errorf("speakers = %v", speakers)
	}
}

func TestMergeTieBreaksEarliestStart(t *testing.T) {
	segments := []engine.Segment{seg(0, 2, 6, "mid")}
	turns := []engine.Turn{
		turn(4, 6, "SPEAKER_1"), // 2s overlap, starts at 4
		turn(2, 4, "SPEAKER_0"), // 2s overlap, starts at 2
	}

	out, _ := Merge(segments, turns)
	if out[0].Speaker != "SPEAKER_0" {
		t.Errorf("speaker = %s, want SPEAKER_0 (earliest start wins tie)", out[0].Speaker)
	}
}

func TestMergeNoOverlapNoLabel(t *testing.T) {
	segments := []engine.Segment{seg(0, 0, 1, "a"), seg(1, 5, 6, "b")}
	turns := []engine.Turn{turn(2, 4, "SPEAKER_0")}

	out, speakers := Merge(segments, turns)
	if out[0].Speaker != "" || out[1].Speaker != "" {
		t.Errorf("labels = %q, %q, want empty", out[0].Speaker, out[1].Speaker)
	}
	if len(speakers) != 0 {
		t.Errorf("speakers = %v, want none", speakers)
	}
}

func TestMergeEmptyTurns(t *testing.T) {
	segments := []engine.Segment{seg(0, 0, 1, "a"), seg(1, 1, 2, "b")}

	out, speakers := Merge(segments, nil)
	for _, s := range out {
		if s.Speaker != "" {
			t.Errorf("segment %d got label %q without turns", s.ID, s.Speaker)
		}
	}
	if len(speakers) != 0 {
		t.Errorf("speakers = %v", speakers)
	}
}

func TestMergeSpeakerOrderFirstAppearance(t *testing.T) {
	segments := []engine.Segment{
		seg(0, 0, 1, "a"),
		seg(1, 1, 2, "b"),
		seg(2, 2, 3, "c"),
	}
	turns := []engine.Turn{
		turn(0, 1, "SPEAKER_1"),
		turn(1, 2, "SPEAKER_0"),
		turn(2, 3, "SPEAKER_1"),
	}

	out, speakers := Merge(segments, turns)
	if !reflect.DeepEqual(speakers, []string{"SPEAKER_1", "SPEAKER_0"}) {
		t.Errorf("speakers = %v, want first-appearance order", speakers)
	}
	if out[2].Speaker != "SPEAKER_1" {
		t.Errorf("third segment = %s", out[2].Speaker)
	}
}

func TestMergeDoesNotMutateInput(t *testing.T) {
	segments := []engine.Segment{seg(0, 0, 1, "a")}
	turns := []engine.Turn{turn(0, 1, "SPEAKER_0")}

	Merge(segments, turns)
	if segments[0].Speaker != "" {
		t.Error("input segment mutated")
	}
}
