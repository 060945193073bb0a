package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/database"
)

// resumeNote is appended to jobs recovered after a crash or restart.
const resumeNote = "resumed after restart"

// stageFloors maps a stage to the overall percent at which it begins.
// Recovery rolls a job's percent back to the start of its last stage so
// the re-run does not appear to move backwards mid-stage.
var stageFloors = map[string]float64{
	database.StageLoadingModel: 0,
	database.StageTranscoding:  5,
	database.StageTranscribing: 10,
	database.StageDiarizing:    70,
	database.StageMerging:      90,
	database.StageFinalizing:   90,
}

// ResumeStore is the persistence surface recovery needs.
type ResumeStore interface {
	ListJobsByStatus(ctx context.Context, statuses []string) ([]*database.Job, error)
	UpdateJob(ctx context.Context, id string, patch database.JobPatch, expectedUpdatedAt time.Time) (time.Time, error)
}

// TranscriptRemover deletes a job's transcript file.
type TranscriptRemover interface {
	DeleteTranscript(jobID string) error
}

// ResumeManager requeues work interrupted by a process restart. It runs
// once at startup, before the scheduler admits anything new.
type ResumeManager struct {
	store ResumeStore
	files TranscriptRemover
	sched *Scheduler
	log   zerolog.Logger
}

// NewResumeManager creates a resume manager.
func NewResumeManager(store ResumeStore, files TranscriptRemover, sched *Scheduler, log zerolog.Logger) *ResumeManager {
	return &ResumeManager{
		store: store,
		files: files,
		sched: sched,
		log:   log.With().Str("component", "resume").Logger(),
	}
}

// Run resets interrupted processing rows to queued and re-enqueues every
// queued row in creation order. Idempotent: a second startup pass finds
// only queued rows and re-enqueues them again.
func (rm *ResumeManager) Run(ctx context.Context) error {
	jobs, err := rm.store.ListJobsByStatus(ctx, []string{database.StatusProcessing, database.StatusQueued})
	if err != nil {
		return fmt.Errorf("list interrupted jobs: %w", err)
	}

	reset := 0
	for _, job := range jobs {
		if job.Status == database.StatusProcessing {
			if err := rm.reset(ctx, job); err != nil {
				rm.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to reset interrupted job")
				continue
			}
			reset++
		}

		// A transcript path on a non-completed row is a partial write from
		// the interrupted run; the re-run produces a fresh one.
		if job.TranscriptPath != "" {
			if err := rm.files.DeleteTranscript(job.ID); err != nil {
				rm.log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to delete stale transcript")
			}
		}

		if err := rm.sched.Submit(ctx, job.ID); err != nil {
			rm.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to re-enqueue job")
		}
	}

	if len(jobs) > 0 {
		rm.log.Info().Int("requeued", len(jobs)).Int("reset", reset).Msg("startup recovery complete")
	}
	return nil
}

func (rm *ResumeManager) reset(ctx context.Context, job *database.Job) error {
	queued := database.StatusQueued
	floor := stageFloors[job.ProgressStage]
	patch := database.JobPatch{
		Status:          &queued,
		ProgressPercent: &floor,
		AppendNote:      resumeNote,
		ClearStartedAt:  true,
		ClearStalledAt:  true,
		ClearEstimates:  true,
	}
	if job.TranscriptPath != "" {
		patch.ClearTranscriptPath = true
	}
	_, err := rm.store.UpdateJob(ctx, job.ID, patch, job.UpdatedAt)
	if err != nil {
		return err
	}
	job.Status = queued
	job.TranscriptPath = ""
	return nil
}
