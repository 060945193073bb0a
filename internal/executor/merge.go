package executor

import "github.com/snarg/selenite/internal/engine"

// Merge attributes speakers to ASR segments. Each segment gets the label
// of the speaker turn with the largest temporal intersection; ties break
// toward the earliest-starting turn. Segments overlapping no turn carry
// no label. The returned speaker list holds the labels actually used, in
// order of first appearance.
func Merge(segments []engine.Segment, turns []engine.Turn) ([]engine.Segment, []string) {
	out := make([]engine.Segment, len(segments))
	copy(out, segments)

	var speakers []string
	seen := map[string]bool{}

	for i := range out {
		label := bestTurn(out[i], turns)
		out[i].Speaker = label
		if label != "" && !seen[label] {
			seen[label] = true
			speakers = append(speakers, label)
		}
	}
	return out, speakers
}

func bestTurn(s engine.Segment, turns []engine.Turn) string {
	best := ""
	bestOverlap := 0.0
	bestStart := 0.0

	for _, t := range turns {
		o := overlap(s.Start, s.End, t.Start, t.End)
		if o <= 0 {
			continue
		}
		if o > bestOverlap || (o == bestOverlap && t.Start < bestStart) {
			best = t.Speaker
			bestOverlap = o
			bestStart = t.Start
		}
	}
	return best
}

func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	lo := aStart
	if bStart > lo {
		lo = bStart
	}
	hi := aEnd
	if bEnd < hi {
		hi = bEnd
	}
	return hi - lo
}
