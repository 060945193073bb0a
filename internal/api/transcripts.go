package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/selenite/internal/database"
	"github.com/snarg/selenite/internal/engine"
	"github.com/snarg/selenite/internal/storage"
)

type TranscriptsHandler struct {
	db    *database.DB
	files *storage.FileStore
	log   zerolog.Logger
}

func NewTranscriptsHandler(db *database.DB, files *storage.FileStore, log zerolog.Logger) *TranscriptsHandler {
	return &TranscriptsHandler{db: db, files: files, log: log}
}

// Get returns the transcript for a completed job. ?format= selects the
// rendering: json (default), txt, srt, or vtt.
func (h *TranscriptsHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.Status != database.StatusCompleted {
		WriteErrorDetail(w, http.StatusConflict, "transcript not ready", "job status is "+job.Status)
		return
	}

	t, err := h.db.GetTranscript(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "transcript not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" || format == "json" {
		WriteJSON(w, http.StatusOK, t)
		return
	}

	var segments []engine.Segment
	if err := json.Unmarshal(t.Segments, &segments); err != nil {
		WriteError(w, http.StatusInternalServerError, "corrupt transcript segments")
		return
	}

	var body, contentType string
	switch format {
	case "txt":
		body, contentType = FormatTXT(segments), "text/plain; charset=utf-8"
	case "srt":
		body, contentType = FormatSRT(segments), "application/x-subrip"
	case "vtt":
		body, contentType = FormatVTT(segments), "text/vtt"
	default:
		WriteError(w, http.StatusBadRequest, "unknown format: "+format)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+"."+format))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(body))
}

// RenameSpeaker rewrites one speaker label across the speakers list and all
// segment labels in a single transaction, then refreshes the file artifact.
// Rejected while the job is still running.
func (h *TranscriptsHandler) RenameSpeaker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if err := DecodeJSON(r, &req); err != nil || req.From == "" || req.To == "" {
		WriteError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	jobID := chi.URLParam(r, "id")
	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "job not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !database.TerminalStatus(job.Status) {
		WriteError(w, http.StatusConflict, "job is still running")
		return
	}

	t, err := h.db.GetTranscript(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "transcript not found")
			return
		}
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var speakers []string
	var segments []engine.Segment
	if err := json.Unmarshal(t.Speakers, &speakers); err != nil {
		WriteError(w, http.StatusInternalServerError, "corrupt transcript speakers")
		return
	}
	if err := json.Unmarshal(t.Segments, &segments); err != nil {
		WriteError(w, http.StatusInternalServerError, "corrupt transcript segments")
		return
	}

	found := false
	for i, s := range speakers {
		if s == req.To {
			WriteError(w, http.StatusConflict, "speaker label already in use")
			return
		}
		if s == req.From {
			speakers[i] = req.To
			found = true
		}
	}
	if !found {
		WriteError(w, http.StatusNotFound, "speaker not found")
		return
	}
	for i := range segments {
		if segments[i].Speaker == req.From {
			segments[i].Speaker = req.To
		}
	}

	segJSON, err := json.Marshal(segments)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	spkJSON, err := json.Marshal(speakers)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if err := h.db.UpdateTranscriptSpeakers(r.Context(), jobID, segJSON, spkJSON); err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	t.Segments = segJSON
	t.Speakers = spkJSON

	// Keep the on-disk artifact in step with the row. Failure here is
	// logged, not surfaced: the row is the source of truth.
	artifact, err := json.Marshal(struct {
		JobID    string          `json:"job_id"`
		Text     string          `json:"text"`
		Language string          `json:"language"`
		Duration float64         `json:"duration"`
		Segments json.RawMessage `json:"segments"`
		Speakers json.RawMessage `json:"speakers"`
	}{t.JobID, t.Text, t.Language, t.Duration, t.Segments, t.Speakers})
	if err == nil {
		if _, werr := h.files.WriteTranscript(jobID, artifact); werr != nil {
			h.log.Warn().Err(werr).Str("job_id", jobID).Msg("artifact rewrite failed")
		}
	}

	WriteJSON(w, http.StatusOK, t)
}
