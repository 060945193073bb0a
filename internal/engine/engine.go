// Package engine defines the contracts the job executor depends on: ASR
// and diarizer providers, loaded sessions, and the shared session cache.
// Implementations are registered at process start, keyed by provider name.
package engine

import "context"

// ProbeResult is a cheap capability check for a (provider, weight) pair.
// Probe never loads the full model.
type ProbeResult struct {
	OK          bool     `json:"ok"`
	RequiresGPU bool     `json:"requires_gpu"`
	Notes       []string `json:"notes,omitempty"`
}

// Progress is an engine-reported progress event. Percent is 0..100 within
// the engine's own run; the tracker rescales it into the job's range.
type Progress struct {
	Percent  float64
	Stage    string
	Segments int
}

// ProgressFunc receives progress events from a running engine.
type ProgressFunc func(Progress)

// Segment is an ASR-produced interval with text and an optional speaker
// label assigned during merging.
type Segment struct {
	ID      int     `json:"id"`
	Start   float64 `json:"start_sec"`
	End     float64 `json:"end_sec"`
	Text    string  `json:"text"`
	Speaker string  `json:"speaker,omitempty"`
}

// Draft is the raw ASR output before speaker attribution.
type Draft struct {
	Segments         []Segment
	LanguageDetected string
	Duration         float64
}

// Turn is a diarizer-produced interval with a canonical SPEAKER_n label.
type Turn struct {
	Start   float64 `json:"start_sec"`
	End     float64 `json:"end_sec"`
	Speaker string  `json:"speaker"`
}

// TranscribeOptions are per-job options for an ASR session.
type TranscribeOptions struct {
	Language         string // ISO code or "auto"
	EnableTimestamps bool
	Progress         ProgressFunc
}

// DiarizeOptions are per-job options for a diarizer session.
type DiarizeOptions struct {
	SpeakerCount int // 0 = let the model decide
	Progress     ProgressFunc
}

// ASRSession is a loaded ASR model. Sessions may be held in the cache and
// reused across jobs; Close is called only when the cache evicts.
type ASRSession interface {
	// Transcribe runs speech-to-text on a media file. Cancellation is
	// honored at segment boundaries via ctx.
	Transcribe(ctx context.Context, mediaPath string, opts TranscribeOptions) (*Draft, error)
	Close() error
}

// DiarizerSession is a loaded diarization model.
type DiarizerSession interface {
	Diarize(ctx context.Context, mediaPath string, opts DiarizeOptions) ([]Turn, error)
	Close() error
}

// ASR is a speech-to-text provider.
type ASR interface {
	Name() string
	Probe(ctx context.Context, weightPath string) ProbeResult
	Load(ctx context.Context, weightPath string) (ASRSession, error)
}

// Diarizer is a speaker-diarization provider.
type Diarizer interface {
	Name() string
	Probe(ctx context.Context, weightPath string) ProbeResult
	Load(ctx context.Context, weightPath string) (DiarizerSession, error)
}
