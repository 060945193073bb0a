package database

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Job statuses. Transitions follow a fixed DAG:
// queued → processing → {completed, failed, cancelled}, with paused
// reachable only from processing and returning to processing or cancelled.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Progress stages, in pipeline order.
const (
	StageLoadingModel = "loading_model"
	StageTranscoding  = "transcoding"
	StageTranscribing = "transcribing"
	StageDiarizing    = "diarizing"
	StageMerging      = "merging"
	StageFinalizing   = "finalizing"
)

// TerminalStatus reports whether a status is terminal.
func TerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is a transcription job row.
type Job struct {
	ID               string `json:"id"`
	UserID           string `json:"user_id"`
	DisplayName      string `json:"display_name,omitempty"`
	OriginalFilename string `json:"original_filename"`
	SavedPath        string `json:"saved_path"`
	FileSize         int64  `json:"file_size"`
	MimeType         string `json:"mime_type"`

	// Requested configuration; immutable once set.
	ASRProvider            string `json:"asr_provider,omitempty"`
	ASRWeight              string `json:"asr_weight,omitempty"`
	DiarizerProvider       string `json:"diarizer_provider,omitempty"`
	DiarizerWeight         string `json:"diarizer_weight,omitempty"`
	Language               string `json:"language"`
	EnableTimestamps       bool   `json:"enable_timestamps"`
	EnableSpeakerDetection bool   `json:"enable_speaker_detection"`
	RequestedSpeakerCount  *int   `json:"requested_speaker_count,omitempty"`

	Status                string     `json:"status"`
	ProgressPercent       float64    `json:"progress_percent"`
	ProgressStage         string     `json:"progress_stage,omitempty"`
	EstimatedTotalSeconds *float64   `json:"estimated_total_seconds,omitempty"`
	EstimatedTimeLeft     *float64   `json:"estimated_time_left,omitempty"`
	ErrorMessage          string     `json:"error_message,omitempty"`
	StalledAt             *time.Time `json:"stalled_at,omitempty"`
	Notes                 []string   `json:"notes,omitempty"`

	LanguageDetected     string `json:"language_detected,omitempty"`
	SpeakerCount         int    `json:"speaker_count"`
	HasTimestamps        bool   `json:"has_timestamps"`
	HasSpeakerLabels     bool   `json:"has_speaker_labels"`
	ModelUsed            string `json:"model_used,omitempty"`
	ASRProviderUsed      string `json:"asr_provider_used,omitempty"`
	DiarizerUsed         string `json:"diarizer_used,omitempty"`
	DiarizerProviderUsed string `json:"diarizer_provider_used,omitempty"`
	TranscriptPath       string `json:"transcript_path,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// JobPatch describes a partial update to a job row. Nil pointers are left
// untouched. Clear* flags null out the corresponding column.
type JobPatch struct {
	Status                *string
	DisplayName           *string
	ProgressPercent       *float64
	ProgressStage         *string
	EstimatedTotalSeconds *float64
	EstimatedTimeLeft     *float64
	ErrorMessage          *string
	StalledAt             *time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
	LastHeartbeatAt       *time.Time

	LanguageDetected     *string
	SpeakerCount         *int
	HasTimestamps        *bool
	HasSpeakerLabels     *bool
	ModelUsed            *string
	ASRProviderUsed      *string
	DiarizerUsed         *string
	DiarizerProviderUsed *string
	TranscriptPath       *string

	AppendNote string

	ClearStartedAt      bool
	ClearStalledAt      bool
	ClearTranscriptPath bool
	ClearEstimates      bool
}

const jobColumns = `id, user_id, display_name, original_filename, saved_path, file_size, mime_type,
	asr_provider, asr_weight, diarizer_provider, diarizer_weight, language,
	enable_timestamps, enable_speaker_detection, requested_speaker_count,
	status, progress_percent, progress_stage, estimated_total_seconds, estimated_time_left,
	error_message, stalled_at, notes,
	language_detected, speaker_count, has_timestamps, has_speaker_labels,
	model_used, asr_provider_used, diarizer_used, diarizer_provider_used, transcript_path,
	created_at, updated_at, started_at, completed_at, last_heartbeat_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.UserID, &j.DisplayName, &j.OriginalFilename, &j.SavedPath, &j.FileSize, &j.MimeType,
		&j.ASRProvider, &j.ASRWeight, &j.DiarizerProvider, &j.DiarizerWeight, &j.Language,
		&j.EnableTimestamps, &j.EnableSpeakerDetection, &j.RequestedSpeakerCount,
		&j.Status, &j.ProgressPercent, &j.ProgressStage, &j.EstimatedTotalSeconds, &j.EstimatedTimeLeft,
		&j.ErrorMessage, &j.StalledAt, &j.Notes,
		&j.LanguageDetected, &j.SpeakerCount, &j.HasTimestamps, &j.HasSpeakerLabels,
		&j.ModelUsed, &j.ASRProviderUsed, &j.DiarizerUsed, &j.DiarizerProviderUsed, &j.TranscriptPath,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.LastHeartbeatAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &j, nil
}

// CreateJob inserts a new job row in status queued.
func (db *DB) CreateJob(ctx context.Context, j *Job) error {
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO jobs (
			id, user_id, display_name, original_filename, saved_path, file_size, mime_type,
			asr_provider, asr_weight, diarizer_provider, diarizer_weight, language,
			enable_timestamps, enable_speaker_detection, requested_speaker_count, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at
	`,
		j.ID, j.UserID, j.DisplayName, j.OriginalFilename, j.SavedPath, j.FileSize, j.MimeType,
		j.ASRProvider, j.ASRWeight, j.DiarizerProvider, j.DiarizerWeight, j.Language,
		j.EnableTimestamps, j.EnableSpeakerDetection, j.RequestedSpeakerCount, StatusQueued,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", mapError(err))
	}
	j.Status = StatusQueued
	return nil
}

// GetJob returns a job row by ID.
func (db *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	return scanJob(db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

// UpdateJob applies a patch with optimistic concurrency: the write succeeds
// only if the row's updated_at still equals expectedUpdatedAt. Returns the
// new updated_at on success, ErrConcurrentUpdate on a lost race.
func (db *DB) UpdateJob(ctx context.Context, id string, patch JobPatch, expectedUpdatedAt time.Time) (time.Time, error) {
	sets, args := buildJobSets(patch)
	args = append(args, id, expectedUpdatedAt)
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d AND updated_at = $%d RETURNING updated_at`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	var updatedAt time.Time
	if err := db.Pool.QueryRow(ctx, q, args...).Scan(&updatedAt); err != nil {
		if mapError(err) == ErrNotFound {
			// Distinguish a missing row from a lost CAS race.
			var exists bool
			if chkErr := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); chkErr == nil && exists {
				return time.Time{}, ErrConcurrentUpdate
			}
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	return updatedAt, nil
}

func buildJobSets(patch JobPatch) ([]string, []any) {
	sets := []string{"updated_at = now()"}
	var args []any

	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.DisplayName != nil {
		add("display_name", *patch.DisplayName)
	}
	if patch.ProgressPercent != nil {
		add("progress_percent", *patch.ProgressPercent)
	}
	if patch.ProgressStage != nil {
		add("progress_stage", *patch.ProgressStage)
	}
	if patch.EstimatedTotalSeconds != nil {
		add("estimated_total_seconds", *patch.EstimatedTotalSeconds)
	}
	if patch.EstimatedTimeLeft != nil {
		add("estimated_time_left", *patch.EstimatedTimeLeft)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.StalledAt != nil {
		add("stalled_at", *patch.StalledAt)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if patch.LastHeartbeatAt != nil {
		add("last_heartbeat_at", *patch.LastHeartbeatAt)
	}
	if patch.LanguageDetected != nil {
		add("language_detected", *patch.LanguageDetected)
	}
	if patch.SpeakerCount != nil {
		add("speaker_count", *patch.SpeakerCount)
	}
	if patch.HasTimestamps != nil {
		add("has_timestamps", *patch.HasTimestamps)
	}
	if patch.HasSpeakerLabels != nil {
		add("has_speaker_labels", *patch.HasSpeakerLabels)
	}
	if patch.ModelUsed != nil {
		add("model_used", *patch.ModelUsed)
	}
	if patch.ASRProviderUsed != nil {
		add("asr_provider_used", *patch.ASRProviderUsed)
	}
	if patch.DiarizerUsed != nil {
		add("diarizer_used", *patch.DiarizerUsed)
	}
	if patch.DiarizerProviderUsed != nil {
		add("diarizer_provider_used", *patch.DiarizerProviderUsed)
	}
	if patch.TranscriptPath != nil {
		add("transcript_path", *patch.TranscriptPath)
	}
	if patch.AppendNote != "" {
		args = append(args, patch.AppendNote)
		sets = append(sets, fmt.Sprintf("notes = array_append(notes, $%d)", len(args)))
	}
	if patch.ClearStartedAt {
		sets = append(sets, "started_at = NULL")
	}
	if patch.ClearStalledAt {
		sets = append(sets, "stalled_at = NULL")
	}
	if patch.ClearTranscriptPath {
		sets = append(sets, "transcript_path = ''")
	}
	if patch.ClearEstimates {
		sets = append(sets, "estimated_total_seconds = NULL", "estimated_time_left = NULL")
	}

	return sets, args
}

// ListJobsByStatus returns jobs in any of the given statuses, oldest first.
func (db *DB) ListJobsByStatus(ctx context.Context, statuses []string) ([]*Job, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ANY($1)
		ORDER BY created_at ASC
	`, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListJobs returns jobs for a user, newest first.
func (db *DB) ListJobs(ctx context.Context, userID string, limit, offset int) ([]*Job, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job row. The transcript row cascades.
func (db *DB) DeleteJob(ctx context.Context, id string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateJobProgress writes progress fields without compare-and-set. The
// guard keeps persisted (percent, stage) monotonic while processing: a
// slow write that lost the race is silently dropped.
func (db *DB) UpdateJobProgress(ctx context.Context, id string, percent float64, stage string, etaTotal, etaLeft *float64) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET
			progress_percent = $2,
			progress_stage = $3,
			estimated_total_seconds = COALESCE($4, estimated_total_seconds),
			estimated_time_left = COALESCE($5, estimated_time_left),
			last_heartbeat_at = now(),
			stalled_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = $6 AND progress_percent <= $2
	`, id, percent, stage, etaTotal, etaLeft, StatusProcessing)
	return err
}

// TouchHeartbeat bumps last_heartbeat_at for a processing job.
func (db *DB) TouchHeartbeat(ctx context.Context, id string) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET last_heartbeat_at = now()
		WHERE id = $1 AND status = $2
	`, id, StatusProcessing)
	return err
}

// MarkStalled sets stalled_at on a processing job whose heartbeat lags.
// Advisory only; the job keeps running.
func (db *DB) MarkStalled(ctx context.Context, id string, at time.Time) error {
	_, err := db.Pool.Exec(ctx, `
		UPDATE jobs SET stalled_at = $2
		WHERE id = $1 AND status = $3 AND stalled_at IS NULL
	`, id, at, StatusProcessing)
	return err
}
