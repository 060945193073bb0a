// Package executor orchestrates a single transcription job: model
// resolution with fallback, transcode, transcribe, diarize, merge, and
// the final transactional commit of the transcript.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/capability"
	"github.com/snarg/selenite/internal/database"
	"github.com/snarg/selenite/internal/engine"
	"github.com/snarg/selenite/internal/events"
	"github.com/snarg/selenite/internal/progress"
	"github.com/snarg/selenite/internal/registry"
	"github.com/snarg/selenite/internal/scheduler"
	"github.com/snarg/selenite/internal/settings"
	"github.com/snarg/selenite/internal/storage"
)

// Store is the persistence surface the executor needs.
type Store interface {
	GetJob(ctx context.Context, id string) (*database.Job, error)
	UpdateJob(ctx context.Context, id string, patch database.JobPatch, expectedUpdatedAt time.Time) (time.Time, error)
	CreateTranscriptAndComplete(ctx context.Context, t *database.Transcript, patch database.JobPatch, expectedUpdatedAt time.Time) error
}

// Files is the filesystem surface the executor needs.
type Files interface {
	TempDir(jobID string) (string, error)
	WriteTranscript(jobID string, data []byte) (string, error)
	DeleteTranscript(jobID string) error
	Cleanup(jobID string) error
}

// Picker resolves a model request to something available, reporting
// whether a fallback was taken. MarkUnavailable flags a model that
// probed available but failed to load.
type Picker interface {
	Pick(ctx context.Context, kind, provider, weight string) (*registry.ResolvedWeight, bool, error)
	MarkUnavailable(kind, provider, weight, note string)
}

// Archiver receives completed transcript paths. May be nil.
type Archiver interface {
	Enqueue(jobID, path string)
}

// casRetryMax bounds retries of finalization writes that lose an
// optimistic-concurrency race against a progress write.
const casRetryMax = 5

// Executor runs admitted jobs. It implements scheduler.Runner.
type Executor struct {
	store    Store
	files    Files
	engines  *engine.Registry
	cache    *engine.Cache
	picker   Picker
	settings *settings.Gateway
	tracker  *progress.Tracker
	bus      *events.Bus
	archive  Archiver
	log      zerolog.Logger

	// JobDuration, when set, receives the wall time of each finished job.
	JobDuration func(status string, seconds float64)
}

// New creates an executor. bus and archive may be nil.
func New(store Store, files Files, engines *engine.Registry, cache *engine.Cache, picker Picker, gw *settings.Gateway, tracker *progress.Tracker, bus *events.Bus, archive Archiver, log zerolog.Logger) *Executor {
	return &Executor{
		store:    store,
		files:    files,
		engines:  engines,
		cache:    cache,
		picker:   picker,
		settings: gw,
		tracker:  tracker,
		bus:      bus,
		archive:  archive,
		log:      log.With().Str("component", "executor").Logger(),
	}
}

// jobConfig is the fully resolved per-job configuration.
type jobConfig struct {
	asr          *registry.ResolvedWeight
	diar         *registry.ResolvedWeight // nil when diarization is off or degraded
	language     string
	timestamps   bool
	speakerCount int
	fellBack     bool
}

// Run executes one job to a terminal state. It returns an error only when
// it could not persist the terminal transition itself; the scheduler then
// forces the row to failed.
func (e *Executor) Run(ctx context.Context, h *scheduler.Handle, job *database.Job) error {
	start := time.Now()
	jt := e.tracker.Register(job.ID)
	defer e.tracker.Unregister(job.ID)
	defer func() {
		if err := e.files.Cleanup(job.ID); err != nil {
			e.log.Warn().Err(err).Str("job_id", job.ID).Msg("temp cleanup failed")
		}
	}()

	runErr := e.run(ctx, h, job, jt)

	var status string
	var finErr error
	switch {
	case runErr == nil:
		status = database.StatusCompleted
	case errors.Is(runErr, context.Canceled):
		status = database.StatusCancelled
		finErr = e.finalizeCancelled(job.ID)
	default:
		status = database.StatusFailed
		finErr = e.finalizeFailed(job.ID, runErr)
	}

	if e.JobDuration != nil {
		e.JobDuration(status, time.Since(start).Seconds())
	}
	e.log.Info().
		Str("job_id", job.ID).
		Str("status", status).
		Dur("elapsed", time.Since(start)).
		Msg("job finished")
	return finErr
}

func (e *Executor) run(ctx context.Context, h *scheduler.Handle, job *database.Job, jt *progress.JobTracker) error {
	cfg, err := e.resolveConfig(ctx, job)
	if err != nil {
		return err
	}
	jt.Set(ctx, 5, database.StageLoadingModel)

	asrSession, releaseASR, err := e.acquireASR(ctx, cfg.asr)
	if err != nil && errors.Is(err, engine.ErrUnavailable) && !cfg.fellBack {
		// The probe said available but the load disagreed. Flag it and try
		// the ladder once more.
		e.picker.MarkUnavailable(database.KindASR, cfg.asr.Provider, cfg.asr.Weight, "load failed: "+err.Error())
		alt, _, pickErr := e.picker.Pick(ctx, database.KindASR, cfg.asr.Provider, cfg.asr.Weight)
		if pickErr == nil && (alt.Provider != cfg.asr.Provider || alt.Weight != cfg.asr.Weight) {
			e.appendNote(ctx, job.ID, fmt.Sprintf("fell back to %s/%s", alt.Provider, alt.Weight))
			cfg.asr = alt
			cfg.fellBack = true
			asrSession, releaseASR, err = e.acquireASR(ctx, cfg.asr)
		}
	}
	if err != nil {
		return err
	}
	defer releaseASR()

	var diarSession engine.DiarizerSession
	if cfg.diar != nil {
		session, release, err := e.acquireDiarizer(ctx, cfg.diar)
		if err != nil {
			// Diarization degrades instead of failing the job.
			e.degradeDiarization(ctx, job, cfg, err)
		} else {
			diarSession = session
			defer release()
		}
	}

	if err := h.Checkpoint(ctx); err != nil {
		return err
	}

	media := job.SavedPath
	if st, err := e.settings.Get(ctx); err == nil && st.TranscodeToWAV {
		tempDir, err := e.files.TempDir(job.ID)
		if err != nil {
			return fmt.Errorf("temp dir: %w", err)
		}
		media, err = storage.EnsureWAV(ctx, job.SavedPath, tempDir)
		if err != nil {
			return fmt.Errorf("transcode: %w", err)
		}
	}
	jt.Set(ctx, 10, database.StageTranscoding)

	if err := h.Checkpoint(ctx); err != nil {
		return err
	}

	draft, err := e.transcribe(ctx, asrSession, media, cfg, jt)
	if err != nil {
		return err
	}
	jt.Set(ctx, 70, database.StageTranscribing)

	if err := h.Checkpoint(ctx); err != nil {
		return err
	}

	var turns []engine.Turn
	if diarSession != nil {
		turns, err = e.diarize(ctx, diarSession, media, cfg, jt)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			e.degradeDiarization(ctx, job, cfg, err)
			turns = nil
		}
	}
	jt.Set(ctx, 90, database.StageDiarizing)

	if err := h.Checkpoint(ctx); err != nil {
		return err
	}

	jt.Set(ctx, 90, database.StageMerging)
	segments, speakers := Merge(draft.Segments, turns)

	jt.Set(ctx, 95, database.StageFinalizing)
	return e.finalizeCompleted(ctx, job, cfg, draft, segments, speakers, len(turns) > 0)
}

// resolveConfig fills unset job fields from settings defaults and runs
// model resolution down the fallback ladder.
func (e *Executor) resolveConfig(ctx context.Context, job *database.Job) (*jobConfig, error) {
	defaults, err := e.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	asrProvider := firstNonEmpty(job.ASRProvider, defaults.DefaultASRProvider)
	asrWeight := firstNonEmpty(job.ASRWeight, defaults.DefaultASRWeight)

	asr, fellBack, err := e.picker.Pick(ctx, database.KindASR, asrProvider, asrWeight)
	if err != nil {
		return nil, fmt.Errorf("resolve asr model: %w", err)
	}
	if fellBack {
		e.appendNote(ctx, job.ID, fmt.Sprintf("fell back to %s/%s", asr.Provider, asr.Weight))
	}

	cfg := &jobConfig{
		asr:        asr,
		language:   firstNonEmpty(job.Language, defaults.DefaultLanguage),
		timestamps: job.EnableTimestamps,
		fellBack:   fellBack,
	}
	if job.RequestedSpeakerCount != nil {
		cfg.speakerCount = *job.RequestedSpeakerCount
	}

	if job.EnableSpeakerDetection {
		diarProvider := firstNonEmpty(job.DiarizerProvider, defaults.DefaultDiarizerProvider)
		diarWeight := firstNonEmpty(job.DiarizerWeight, defaults.DefaultDiarizerWeight)
		diar, diarFellBack, err := e.picker.Pick(ctx, database.KindDiarizer, diarProvider, diarWeight)
		if err != nil {
			e.degradeDiarization(ctx, job, cfg, err)
		} else {
			cfg.diar = diar
			if diarFellBack {
				e.appendNote(ctx, job.ID, fmt.Sprintf("fell back to %s/%s", diar.Provider, diar.Weight))
			}
		}
	}
	return cfg, nil
}

func (e *Executor) acquireASR(ctx context.Context, rw *registry.ResolvedWeight) (engine.ASRSession, func(), error) {
	impl := e.engines.ASR(rw.Provider)
	if impl == nil {
		return nil, nil, fmt.Errorf("asr provider %s: %w", rw.Provider, engine.ErrUnavailable)
	}
	key := engine.Key{Provider: rw.Provider, WeightPath: rw.Path}
	session, release, err := e.cache.Acquire(ctx, key, func(ctx context.Context) (engine.Session, error) {
		return impl.Load(ctx, rw.Path)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load asr %s/%s: %w", rw.Provider, rw.Weight, err)
	}
	asr, ok := session.(engine.ASRSession)
	if !ok {
		release()
		return nil, nil, fmt.Errorf("cached session for %s is not an ASR session", rw.Provider)
	}
	return asr, release, nil
}

func (e *Executor) acquireDiarizer(ctx context.Context, rw *registry.ResolvedWeight) (engine.DiarizerSession, func(), error) {
	impl := e.engines.Diarizer(rw.Provider)
	if impl == nil {
		return nil, nil, fmt.Errorf("diarizer provider %s: %w", rw.Provider, engine.ErrUnavailable)
	}
	key := engine.Key{Provider: rw.Provider, WeightPath: rw.Path}
	session, release, err := e.cache.Acquire(ctx, key, func(ctx context.Context) (engine.Session, error) {
		return impl.Load(ctx, rw.Path)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load diarizer %s/%s: %w", rw.Provider, rw.Weight, err)
	}
	diar, ok := session.(engine.DiarizerSession)
	if !ok {
		release()
		return nil, nil, fmt.Errorf("cached session for %s is not a diarizer session", rw.Provider)
	}
	return diar, release, nil
}

// transcribe runs ASR with one retry on a transient engine failure.
func (e *Executor) transcribe(ctx context.Context, session engine.ASRSession, media string, cfg *jobConfig, jt *progress.JobTracker) (*engine.Draft, error) {
	opts := engine.TranscribeOptions{
		Language:         cfg.language,
		EnableTimestamps: cfg.timestamps,
		Progress:         jt.Scoped(ctx, 10, 70, database.StageTranscribing),
	}
	draft, err := session.Transcribe(ctx, media, opts)
	if err != nil && errors.Is(err, engine.ErrTransient) && ctx.Err() == nil {
		e.log.Warn().Err(err).Msg("transient transcribe failure, retrying once")
		draft, err = session.Transcribe(ctx, media, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("transcribe: %w", err)
	}
	return draft, nil
}

// diarize runs diarization with one retry on a transient failure.
func (e *Executor) diarize(ctx context.Context, session engine.DiarizerSession, media string, cfg *jobConfig, jt *progress.JobTracker) ([]engine.Turn, error) {
	opts := engine.DiarizeOptions{
		SpeakerCount: cfg.speakerCount,
		Progress:     jt.Scoped(ctx, 70, 90, database.StageDiarizing),
	}
	turns, err := session.Diarize(ctx, media, opts)
	if err != nil && errors.Is(err, engine.ErrTransient) && ctx.Err() == nil {
		e.log.Warn().Err(err).Msg("transient diarize failure, retrying once")
		turns, err = session.Diarize(ctx, media, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("diarize: %w", err)
	}
	return turns, nil
}

func (e *Executor) degradeDiarization(ctx context.Context, job *database.Job, cfg *jobConfig, cause error) {
	cfg.diar = nil
	e.log.Warn().Err(cause).Str("job_id", job.ID).Msg("diarizer unavailable, continuing without speaker labels")
	e.appendNote(ctx, job.ID, "diarizer unavailable, completed without speaker labels")
}

// transcriptArtifact is the canonical JSON written to disk. The same
// segment and speaker bytes land in the transcript row.
type transcriptArtifact struct {
	JobID    string          `json:"job_id"`
	Text     string          `json:"text"`
	Language string          `json:"language"`
	Duration float64         `json:"duration"`
	Segments json.RawMessage `json:"segments"`
	Speakers json.RawMessage `json:"speakers"`
}

func (e *Executor) finalizeCompleted(ctx context.Context, job *database.Job, cfg *jobConfig, draft *engine.Draft, segments []engine.Segment, speakers []string, hasLabels bool) error {
	if speakers == nil {
		speakers = []string{}
	}
	segJSON, err := json.Marshal(segments)
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}
	spkJSON, err := json.Marshal(speakers)
	if err != nil {
		return fmt.Errorf("marshal speakers: %w", err)
	}
	text := joinText(segments)

	artifact, err := json.Marshal(transcriptArtifact{
		JobID:    job.ID,
		Text:     text,
		Language: draft.LanguageDetected,
		Duration: draft.Duration,
		Segments: segJSON,
		Speakers: spkJSON,
	})
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}

	path, err := e.files.WriteTranscript(job.ID, artifact)
	if err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}

	transcript := &database.Transcript{
		JobID:    job.ID,
		Text:     text,
		Segments: segJSON,
		Speakers: spkJSON,
		Language: draft.LanguageDetected,
		Duration: draft.Duration,
	}

	completed := database.StatusCompleted
	hundred := 100.0
	finalStage := database.StageFinalizing
	now := time.Now().UTC()
	speakerCount := len(speakers)
	// A zero-segment transcript carries no timestamps regardless of what
	// the job asked for.
	hasTimestamps := cfg.timestamps && len(segments) > 0
	patch := database.JobPatch{
		Status:           &completed,
		ProgressPercent:  &hundred,
		ProgressStage:    &finalStage,
		CompletedAt:      &now,
		LanguageDetected: &draft.LanguageDetected,
		SpeakerCount:     &speakerCount,
		HasTimestamps:    &hasTimestamps,
		HasSpeakerLabels: &hasLabels,
		ModelUsed:        &cfg.asr.Weight,
		ASRProviderUsed:  &cfg.asr.Provider,
		TranscriptPath:   &path,
		ClearEstimates:   true,
		ClearStalledAt:   true,
	}
	if cfg.diar != nil {
		patch.DiarizerUsed = &cfg.diar.Weight
		patch.DiarizerProviderUsed = &cfg.diar.Provider
	}

	for attempt := 0; ; attempt++ {
		fresh, err := e.store.GetJob(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("finalize load: %w", err)
		}
		err = e.store.CreateTranscriptAndComplete(ctx, transcript, patch, fresh.UpdatedAt)
		if err == nil {
			break
		}
		if errors.Is(err, database.ErrConcurrentUpdate) && attempt < casRetryMax {
			continue
		}
		return fmt.Errorf("finalize: %w", err)
	}

	e.publish(events.TypeJobCompleted, job.ID, map[string]any{
		"speaker_count": speakerCount,
		"language":      draft.LanguageDetected,
	})
	if e.archive != nil {
		e.archive.Enqueue(job.ID, path)
	}
	return nil
}

// finalizeCancelled deletes any partial transcript and marks the row
// cancelled. Runs on a fresh context since the job context is done.
func (e *Executor) finalizeCancelled(jobID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.files.DeleteTranscript(jobID); err != nil {
		e.log.Warn().Err(err).Str("job_id", jobID).Msg("partial transcript delete failed")
	}

	cancelled := database.StatusCancelled
	return e.terminal(ctx, jobID, database.JobPatch{Status: &cancelled}, events.TypeJobCancelled, nil)
}

func (e *Executor) finalizeFailed(jobID string, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg := scheduler.Truncate(cause.Error(), 2048)
	failed := database.StatusFailed
	patch := database.JobPatch{Status: &failed, ErrorMessage: &msg}
	return e.terminal(ctx, jobID, patch, events.TypeJobFailed, map[string]string{"error": msg})
}

// terminal CASes a job into a terminal state, skipping rows that already
// got there through another path.
func (e *Executor) terminal(ctx context.Context, jobID string, patch database.JobPatch, eventType string, payload any) error {
	now := time.Now().UTC()
	patch.CompletedAt = &now
	patch.ClearEstimates = true

	for attempt := 0; ; attempt++ {
		job, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			return fmt.Errorf("terminal load: %w", err)
		}
		if database.TerminalStatus(job.Status) {
			return nil
		}
		_, err = e.store.UpdateJob(ctx, jobID, patch, job.UpdatedAt)
		if err == nil {
			e.publish(eventType, jobID, payload)
			return nil
		}
		if errors.Is(err, database.ErrConcurrentUpdate) && attempt < casRetryMax {
			continue
		}
		return fmt.Errorf("terminal transition: %w", err)
	}
}

// appendNote persists a note on the job row, retrying lost races.
func (e *Executor) appendNote(ctx context.Context, jobID, note string) {
	for attempt := 0; attempt <= casRetryMax; attempt++ {
		job, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			break
		}
		_, err = e.store.UpdateJob(ctx, jobID, database.JobPatch{AppendNote: note}, job.UpdatedAt)
		if err == nil {
			return
		}
		if !errors.Is(err, database.ErrConcurrentUpdate) {
			break
		}
	}
	e.log.Warn().Str("job_id", jobID).Str("note", note).Msg("could not persist job note")
}

func (e *Executor) publish(eventType, jobID string, payload any) {
	if e.bus != nil {
		e.bus.Publish(eventType, jobID, payload)
	}
}

func joinText(segments []engine.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ Picker = (*capability.Resolver)(nil)
