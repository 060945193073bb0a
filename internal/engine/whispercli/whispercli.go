// Package whispercli runs whisper.cpp-style local transcription through a
// CLI binary. The binary loads a GGML weight file, emits newline-delimited
// JSON events on stdout (progress, segment, result), and exits zero on
// success. Cancellation kills the subprocess at the next segment boundary.
package whispercli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/engine"
)

// ProviderName is the registry key for this engine.
const ProviderName = "whisper"

// Engine shells out to a whisper CLI for transcription.
type Engine struct {
	bin string
	log zerolog.Logger
}

// New creates a whisper CLI engine using the given binary name or path.
func New(bin string, log zerolog.Logger) *Engine {
	return &Engine{
		bin: bin,
		log: log.With().Str("component", "whisper-engine").Logger(),
	}
}

func (e *Engine) Name() string { return ProviderName }

// Probe checks the binary and weight without loading the model.
func (e *Engine) Probe(ctx context.Context, weightPath string) engine.ProbeResult {
	var notes []string
	if _, err := exec.LookPath(e.bin); err != nil {
		return engine.ProbeResult{OK: false, Notes: []string{fmt.Sprintf("binary %q not in PATH", e.bin)}}
	}
	info, err := os.Stat(weightPath)
	if err != nil {
		return engine.ProbeResult{OK: false, Notes: []string{fmt.Sprintf("weight not readable: %v", err)}}
	}
	if !info.IsDir() && info.Size() == 0 {
		notes = append(notes, "weight file is empty")
	}
	return engine.ProbeResult{OK: true, RequiresGPU: false, Notes: notes}
}

// Load verifies the weight is readable and returns a session. The model
// itself is loaded by the subprocess on each run; the session only pins
// the weight path, so "loading" is cheap and never fails late.
func (e *Engine) Load(ctx context.Context, weightPath string) (engine.ASRSession, error) {
	if _, err := exec.LookPath(e.bin); err != nil {
		return nil, fmt.Errorf("whisper binary %q: %w", e.bin, engine.ErrUnavailable)
	}
	if _, err := os.Stat(weightPath); err != nil {
		return nil, fmt.Errorf("whisper weight %q: %w", weightPath, engine.ErrUnavailable)
	}
	return &session{bin: e.bin, weightPath: weightPath, log: e.log}, nil
}

type session struct {
	bin        string
	weightPath string
	log        zerolog.Logger

	mu sync.Mutex // the subprocess serializes GPU use; one run at a time
}

// event is one NDJSON line from the subprocess.
type event struct {
	Type     string  `json:"type"` // "progress", "segment", "result"
	Percent  float64 `json:"percent,omitempty"`
	ID       int     `json:"id,omitempty"`
	Start    float64 `json:"start,omitempty"`
	End      float64 `json:"end,omitempty"`
	Text     string  `json:"text,omitempty"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

func (s *session) Transcribe(ctx context.Context, mediaPath string, opts engine.TranscribeOptions) (*engine.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	args := []string{
		"--model", s.weightPath,
		"--file", mediaPath,
		"--output-json-stream",
	}
	if opts.Language != "" && opts.Language != "auto" {
		args = append(args, "--language", opts.Language)
	}
	if !opts.EnableTimestamps {
		args = append(args, "--no-timestamps")
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

	draft := &engine.Draft{}
	gotResult := false

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			s.log.Debug().Str("line", line).Msg("unparseable engine output")
			continue
		}
		switch ev.Type {
		case "progress":
			if opts.Progress != nil {
				opts.Progress(engine.Progress{Percent: ev.Percent, Segments: len(draft.Segments)})
			}
		case "segment":
			draft.Segments = append(draft.Segments, engine.Segment{
				ID:    ev.ID,
				Start: ev.Start,
				End:   ev.End,
				Text:  ev.Text,
			})
		case "result":
			draft.LanguageDetected = ev.Language
			draft.Duration = ev.Duration
			gotResult = true
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read engine output: %w: %w", err, engine.ErrTransient)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%s exited: %v (%s): %w", s.bin, waitErr, firstLine(stderr.String()), engine.ErrTransient)
	}
	if !gotResult {
		return nil, fmt.Errorf("%s produced no result: %w", s.bin, engine.ErrTransient)
	}
	return draft, nil
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
