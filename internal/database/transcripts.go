package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Transcript is the persisted transcription artifact for a completed job.
// Segments and Speakers hold the canonical JSON written to disk, so the DB
// row and the file artifact never diverge.
type Transcript struct {
	JobID     string          `json:"job_id"`
	Text      string          `json:"text"`
	Segments  json.RawMessage `json:"segments"`
	Speakers  json.RawMessage `json:"speakers"`
	Language  string          `json:"language"`
	Duration  float64         `json:"duration"`
	CreatedAt time.Time       `json:"created_at"`
}

// CreateTranscriptAndComplete inserts the transcript row and finalizes the
// job to completed in one transaction. The job write uses compare-and-set
// on updated_at like UpdateJob; losing the race rolls the transcript back.
func (db *DB) CreateTranscriptAndComplete(ctx context.Context, t *Transcript, patch JobPatch, expectedUpdatedAt time.Time) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO transcripts (job_id, text, segments, speakers, language, duration)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.JobID, t.Text, t.Segments, t.Speakers, t.Language, t.Duration)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", mapError(err))
	}

	sets, args := buildJobSets(patch)
	args = append(args, t.JobID, expectedUpdatedAt)
	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d AND updated_at = $%d`,
		joinSets(sets), len(args)-1, len(args))
	tag, err := tx.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func joinSets(sets []string) string {
	out := ""
	for i, s := range sets {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

// GetTranscript returns the transcript for a job.
func (db *DB) GetTranscript(ctx context.Context, jobID string) (*Transcript, error) {
	var t Transcript
	err := db.Pool.QueryRow(ctx, `
		SELECT job_id, text, segments, speakers, language, duration, created_at
		FROM transcripts WHERE job_id = $1
	`, jobID).Scan(&t.JobID, &t.Text, &t.Segments, &t.Speakers, &t.Language, &t.Duration, &t.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &t, nil
}

// UpdateTranscriptSpeakers rewrites the speakers list and segment payload
// in one statement. Used by the speaker-rename path, which must touch both
// atomically.
func (db *DB) UpdateTranscriptSpeakers(ctx context.Context, jobID string, segments, speakers json.RawMessage) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE transcripts SET segments = $2, speakers = $3
		WHERE job_id = $1
	`, jobID, segments, speakers)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
