package database

import (
	"context"
	"fmt"
	"time"
)

// Settings is the single admin-scoped settings row.
type Settings struct {
	DefaultASRProvider      string    `json:"default_asr_provider"`
	DefaultASRWeight        string    `json:"default_asr_weight"`
	DefaultDiarizerProvider string    `json:"default_diarizer_provider"`
	DefaultDiarizerWeight   string    `json:"default_diarizer_weight"`
	DefaultLanguage         string    `json:"default_language"`
	DefaultTimestamps       bool      `json:"default_timestamps"`
	DefaultDiarization      bool      `json:"default_diarization"`
	MaxConcurrentJobs       int       `json:"max_concurrent_jobs"`
	TranscodeToWAV          bool      `json:"transcode_to_wav"`
	EnableEmptyWeights      bool      `json:"enable_empty_weights"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// SettingsPatch is a partial settings update.
type SettingsPatch struct {
	DefaultASRProvider      *string
	DefaultASRWeight        *string
	DefaultDiarizerProvider *string
	DefaultDiarizerWeight   *string
	DefaultLanguage         *string
	DefaultTimestamps       *bool
	DefaultDiarization      *bool
	MaxConcurrentJobs       *int
	TranscodeToWAV          *bool
	EnableEmptyWeights      *bool
}

// GetSettings returns the settings row, seeded by schema.sql.
func (db *DB) GetSettings(ctx context.Context) (*Settings, error) {
	var s Settings
	err := db.Pool.QueryRow(ctx, `
		SELECT default_asr_provider, default_asr_weight,
			default_diarizer_provider, default_diarizer_weight,
			default_language, default_timestamps, default_diarization,
			max_concurrent_jobs, transcode_to_wav, enable_empty_weights, updated_at
		FROM settings WHERE id = 1
	`).Scan(
		&s.DefaultASRProvider, &s.DefaultASRWeight,
		&s.DefaultDiarizerProvider, &s.DefaultDiarizerWeight,
		&s.DefaultLanguage, &s.DefaultTimestamps, &s.DefaultDiarization,
		&s.MaxConcurrentJobs, &s.TranscodeToWAV, &s.EnableEmptyWeights, &s.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

// UpdateSettings patches the settings row. max_concurrent_jobs is clamped
// to [1,8] at this boundary so a bad write can never wedge the scheduler.
func (db *DB) UpdateSettings(ctx context.Context, patch SettingsPatch) error {
	sets := []string{"updated_at = now()"}
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if patch.DefaultASRProvider != nil {
		add("default_asr_provider", *patch.DefaultASRProvider)
	}
	if patch.DefaultASRWeight != nil {
		add("default_asr_weight", *patch.DefaultASRWeight)
	}
	if patch.DefaultDiarizerProvider != nil {
		add("default_diarizer_provider", *patch.DefaultDiarizerProvider)
	}
	if patch.DefaultDiarizerWeight != nil {
		add("default_diarizer_weight", *patch.DefaultDiarizerWeight)
	}
	if patch.DefaultLanguage != nil {
		add("default_language", *patch.DefaultLanguage)
	}
	if patch.DefaultTimestamps != nil {
		add("default_timestamps", *patch.DefaultTimestamps)
	}
	if patch.DefaultDiarization != nil {
		add("default_diarization", *patch.DefaultDiarization)
	}
	if patch.MaxConcurrentJobs != nil {
		n := *patch.MaxConcurrentJobs
		if n < 1 {
			n = 1
		}
		if n > 8 {
			n = 8
		}
		add("max_concurrent_jobs", n)
	}
	if patch.TranscodeToWAV != nil {
		add("transcode_to_wav", *patch.TranscodeToWAV)
	}
	if patch.EnableEmptyWeights != nil {
		add("enable_empty_weights", *patch.EnableEmptyWeights)
	}

	q := fmt.Sprintf(`UPDATE settings SET %s WHERE id = 1`, joinSets(sets))
	_, err := db.Pool.Exec(ctx, q, args...)
	return err
}
