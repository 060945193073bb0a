package database

import (
	"context"
	"fmt"
	"time"
)

// Model kinds.
const (
	KindASR      = "asr"
	KindDiarizer = "diarizer"
)

// ModelSet is a logical provider entry in the model registry.
type ModelSet struct {
	ID            int           `json:"id"`
	Kind          string        `json:"kind"`
	Name          string        `json:"name"`
	AbsPath       string        `json:"abs_path"`
	Description   string        `json:"description,omitempty"`
	Enabled       bool          `json:"enabled"`
	DisableReason string        `json:"disable_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	Weights       []ModelWeight `json:"weights"`
}

// ModelWeight is a concrete weight under a set.
type ModelWeight struct {
	ID            int       `json:"id"`
	SetID         int       `json:"set_id"`
	Name          string    `json:"name"`
	AbsPath       string    `json:"abs_path"`
	Checksum      string    `json:"checksum,omitempty"`
	Enabled       bool      `json:"enabled"`
	DisableReason string    `json:"disable_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`

	// HasWeights is derived at read time: true iff abs_path resolves to a
	// non-empty file or directory. Not stored.
	HasWeights bool `json:"has_weights"`
}

// ModelSetPatch is a partial update for a set or weight row.
type ModelSetPatch struct {
	Description   *string
	Enabled       *bool
	DisableReason *string
}

// CreateModelSet inserts a provider row. Returns ErrDuplicateName if
// (kind, name) already exists.
func (db *DB) CreateModelSet(ctx context.Context, s *ModelSet) error {
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO model_sets (kind, name, abs_path, description, enabled)
		VALUES ($1, $2, $3, $4, true)
		RETURNING id, created_at
	`, s.Kind, s.Name, s.AbsPath, s.Description).Scan(&s.ID, &s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert model set: %w", mapError(err))
	}
	s.Enabled = true
	return nil
}

// CreateModelWeight inserts a weight row under an existing set.
func (db *DB) CreateModelWeight(ctx context.Context, w *ModelWeight) error {
	var exists bool
	if err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM model_sets WHERE id = $1)`, w.SetID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("model set %d: %w", w.SetID, ErrNotFound)
	}

	err := db.Pool.QueryRow(ctx, `
		INSERT INTO model_weights (set_id, name, abs_path, checksum, enabled)
		VALUES ($1, $2, $3, $4, true)
		RETURNING id, created_at
	`, w.SetID, w.Name, w.AbsPath, w.Checksum).Scan(&w.ID, &w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert model weight: %w", mapError(err))
	}
	w.Enabled = true
	return nil
}

// ListModelSets returns all sets of a kind with their weights. An empty
// kind returns everything.
func (db *DB) ListModelSets(ctx context.Context, kind string) ([]*ModelSet, error) {
	q := `SELECT id, kind, name, abs_path, description, enabled, disable_reason, created_at
		FROM model_sets`
	var args []any
	if kind != "" {
		q += ` WHERE kind = $1`
		args = append(args, kind)
	}
	q += ` ORDER BY kind, name`

	rows, err := db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sets := []*ModelSet{}
	byID := map[int]*ModelSet{}
	for rows.Next() {
		var s ModelSet
		if err := rows.Scan(&s.ID, &s.Kind, &s.Name, &s.AbsPath, &s.Description, &s.Enabled, &s.DisableReason, &s.CreatedAt); err != nil {
			return nil, err
		}
		s.Weights = []ModelWeight{}
		sets = append(sets, &s)
		byID[s.ID] = &s
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	wrows, err := db.Pool.Query(ctx, `
		SELECT id, set_id, name, abs_path, checksum, enabled, disable_reason, created_at
		FROM model_weights ORDER BY set_id, name
	`)
	if err != nil {
		return nil, err
	}
	defer wrows.Close()

	for wrows.Next() {
		var w ModelWeight
		if err := wrows.Scan(&w.ID, &w.SetID, &w.Name, &w.AbsPath, &w.Checksum, &w.Enabled, &w.DisableReason, &w.CreatedAt); err != nil {
			return nil, err
		}
		if s, ok := byID[w.SetID]; ok {
			s.Weights = append(s.Weights, w)
		}
	}
	return sets, wrows.Err()
}

// GetModelSetByName looks up a set by (kind, name).
func (db *DB) GetModelSetByName(ctx context.Context, kind, name string) (*ModelSet, error) {
	var s ModelSet
	err := db.Pool.QueryRow(ctx, `
		SELECT id, kind, name, abs_path, description, enabled, disable_reason, created_at
		FROM model_sets WHERE kind = $1 AND name = $2
	`, kind, name).Scan(&s.ID, &s.Kind, &s.Name, &s.AbsPath, &s.Description, &s.Enabled, &s.DisableReason, &s.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

// GetModelWeightByName looks up a weight by set ID and name.
func (db *DB) GetModelWeightByName(ctx context.Context, setID int, name string) (*ModelWeight, error) {
	var w ModelWeight
	err := db.Pool.QueryRow(ctx, `
		SELECT id, set_id, name, abs_path, checksum, enabled, disable_reason, created_at
		FROM model_weights WHERE set_id = $1 AND name = $2
	`, setID, name).Scan(&w.ID, &w.SetID, &w.Name, &w.AbsPath, &w.Checksum, &w.Enabled, &w.DisableReason, &w.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &w, nil
}

// UpdateModelSet patches a set row.
func (db *DB) UpdateModelSet(ctx context.Context, id int, patch ModelSetPatch) error {
	return db.patchModelRow(ctx, "model_sets", id, patch)
}

// UpdateModelWeight patches a weight row.
func (db *DB) UpdateModelWeight(ctx context.Context, id int, patch ModelSetPatch) error {
	return db.patchModelRow(ctx, "model_weights", id, patch)
}

func (db *DB) patchModelRow(ctx context.Context, table string, id int, patch ModelSetPatch) error {
	sets := []string{}
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Description != nil && table == "model_sets" {
		add("description", *patch.Description)
	}
	if patch.Enabled != nil {
		add("enabled", *patch.Enabled)
	}
	if patch.DisableReason != nil {
		add("disable_reason", *patch.DisableReason)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	q := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $%d`, table, joinSets(sets), len(args))
	tag, err := db.Pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
