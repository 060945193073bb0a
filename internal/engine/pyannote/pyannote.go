// Package pyannote runs speaker diarization through a pyannote-audio
// wrapper script. The script loads the weight directory, emits NDJSON
// progress and turn events, and labels speakers SPEAKER_0, SPEAKER_1, …
// in order of first appearance.
package pyannote

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/engine"
)

// ProviderName is the registry key for this engine.
const ProviderName = "pyannote"

// Engine shells out to a pyannote wrapper for diarization.
type Engine struct {
	bin string
	log zerolog.Logger
}

// New creates a pyannote engine using the given wrapper binary.
func New(bin string, log zerolog.Logger) *Engine {
	return &Engine{
		bin: bin,
		log: log.With().Str("component", "pyannote-engine").Logger(),
	}
}

func (e *Engine) Name() string { return ProviderName }

// Probe checks the wrapper and weight directory. Diarization wants a GPU;
// without one the probe still passes but carries a note, since CPU
// inference works at a crawl.
func (e *Engine) Probe(ctx context.Context, weightPath string) engine.ProbeResult {
	if _, err := exec.LookPath(e.bin); err != nil {
		return engine.ProbeResult{OK: false, RequiresGPU: true, Notes: []string{fmt.Sprintf("binary %q not in PATH", e.bin)}}
	}
	if _, err := os.Stat(weightPath); err != nil {
		return engine.ProbeResult{OK: false, RequiresGPU: true, Notes: []string{fmt.Sprintf("weight not readable: %v", err)}}
	}
	var notes []string
	if !hasGPU() {
		notes = append(notes, "no GPU detected, diarization will be slow")
	}
	return engine.ProbeResult{OK: true, RequiresGPU: true, Notes: notes}
}

func (e *Engine) Load(ctx context.Context, weightPath string) (engine.DiarizerSession, error) {
	if _, err := exec.LookPath(e.bin); err != nil {
		return nil, fmt.Errorf("pyannote binary %q: %w", e.bin, engine.ErrUnavailable)
	}
	if _, err := os.Stat(weightPath); err != nil {
		return nil, fmt.Errorf("pyannote weight %q: %w", weightPath, engine.ErrUnavailable)
	}
	return &session{bin: e.bin, weightPath: weightPath, log: e.log}, nil
}

func hasGPU() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}

type session struct {
	bin        string
	weightPath string
	log        zerolog.Logger

	mu sync.Mutex
}

type event struct {
	Type    string  `json:"type"` // "progress", "turn", "done"
	Percent float64 `json:"percent,omitempty"`
	Start   float64 `json:"start,omitempty"`
	End     float64 `json:"end,omitempty"`
	Speaker string  `json:"speaker,omitempty"`
}

func (s *session) Diarize(ctx context.Context, mediaPath string, opts engine.DiarizeOptions) ([]engine.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := []string{
		"--model", s.weightPath,
		"--file", mediaPath,
		"--output-json-stream",
	}
	if opts.SpeakerCount > 0 {
		args = append(args, "--num-speakers", strconv.Itoa(opts.SpeakerCount))
	}

	cmd := exec.CommandContext(ctx, s.bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.bin, engine.ErrUnavailable)
	}

	var turns []engine.Turn
	done := false

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "progress":
			if opts.Progress != nil {
				opts.Progress(engine.Progress{Percent: ev.Percent})
			}
		case "turn":
			turns = append(turns, engine.Turn{Start: ev.Start, End: ev.End, Speaker: ev.Speaker})
		case "done":
			done = true
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%s exited: %v (%s): %w", s.bin, waitErr, firstLine(stderr.String()), engine.ErrTransient)
	}
	if !done {
		return nil, fmt.Errorf("%s produced no result: %w", s.bin, engine.ErrTransient)
	}
	return turns, nil
}

func (s *session) Close() error { return nil }

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
