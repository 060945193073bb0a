package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/snarg/selenite/internal/database"
	"github.com/snarg/selenite/internal/registry"
	"github.com/snarg/selenite/internal/scheduler"
	"github.com/snarg/selenite/internal/storage"
)

// maxUploadMemory is the in-memory threshold for multipart parsing; larger
// uploads spill to disk.
const maxUploadMemory = 32 << 20

var allowedExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".flac": true,
	".ogg":  true,
	".opus": true,
	".aac":  true,
	".webm": true,
	".mp4":  true,
}

// JobScheduler is the slice of the scheduler the API needs.
type JobScheduler interface {
	Submit(ctx context.Context, jobID string) error
	Cancel(ctx context.Context, jobID string) error
	Pause(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
	QueueDepth() int
	Inflight() int
}

// JobStore is the persistence surface the job handlers need.
type JobStore interface {
	CreateJob(ctx context.Context, j *database.Job) error
	GetJob(ctx context.Context, id string) (*database.Job, error)
	ListJobs(ctx context.Context, userID string, limit, offset int) ([]*database.Job, error)
	UpdateJob(ctx context.Context, id string, patch database.JobPatch, expectedUpdatedAt time.Time) (time.Time, error)
	DeleteJob(ctx context.Context, id string) error
}

// ModelPicker answers, at submit time, whether a requested model
// configuration can resolve to anything runnable.
type ModelPicker interface {
	Pick(ctx context.Context, kind, provider, weight string) (*registry.ResolvedWeight, bool, error)
}

type JobsHandler struct {
	store  JobStore
	files  *storage.FileStore
	sched  JobScheduler
	picker ModelPicker
	log    zerolog.Logger
}

func NewJobsHandler(store JobStore, files *storage.FileStore, sched JobScheduler, picker ModelPicker, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{store: store, files: files, sched: sched, picker: picker, log: log}
}

// Create accepts a multipart upload, stages the media file, inserts the job
// row, and submits it to the scheduler.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(hdr.Filename))
	if !allowedExtensions[ext] {
		WriteErrorDetail(w, http.StatusUnsupportedMediaType, "unsupported media type", hdr.Filename)
		return
	}

	job := &database.Job{
		ID:               uuid.NewString(),
		UserID:           formDefault(r, "user_id", "default"),
		DisplayName:      r.FormValue("display_name"),
		OriginalFilename: hdr.Filename,
		MimeType:         hdr.Header.Get("Content-Type"),

		ASRProvider:            r.FormValue("asr_provider"),
		ASRWeight:              r.FormValue("asr_weight"),
		DiarizerProvider:       r.FormValue("diarizer_provider"),
		DiarizerWeight:         r.FormValue("diarizer_weight"),
		Language:               formDefault(r, "language", "auto"),
		EnableTimestamps:       formBool(r, "enable_timestamps", true),
		EnableSpeakerDetection: formBool(r, "enable_speaker_detection", false),
	}
	if v := r.FormValue("speaker_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			WriteError(w, http.StatusBadRequest, "invalid speaker_count")
			return
		}
		job.RequestedSpeakerCount = &n
	}

	// A job with no runnable speech model would only fail once a worker
	// picked it up. Reject it here instead, before anything is staged.
	if _, _, err := h.picker.Pick(r.Context(), database.KindASR, job.ASRProvider, job.ASRWeight); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "no usable speech model for this configuration", err.Error())
		return
	}

	savedPath, size, err := h.files.SaveMedia(job.ID, ext, file)
	if err != nil {
		h.log.Error().Err(err).Msg("media save failed")
		WriteError(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	job.SavedPath = savedPath
	job.FileSize = size

	if err := h.store.CreateJob(r.Context(), job); err != nil {
		h.files.DeleteMedia(savedPath)
		h.log.Error().Err(err).Msg("job insert failed")
		WriteError(w, http.StatusInternalServerError, "could not create job")
		return
	}

	if err := h.sched.Submit(r.Context(), job.ID); err != nil {
		h.store.DeleteJob(r.Context(), job.ID)
		h.files.DeleteMedia(savedPath)
		WriteErrorDetail(w, http.StatusServiceUnavailable, "scheduler unavailable", err.Error())
		return
	}

	WriteJSON(w, http.StatusCreated, job)
}

// List returns the caller's jobs, newest first.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "default"
	}
	jobs, err := h.store.ListJobs(r.Context(), userID, p.Limit, p.Offset)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"limit":  p.Limit,
		"offset": p.Offset,
	})
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.fetch(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

// Rename updates the display name. Only finished jobs can be renamed; the
// rest of the job configuration is immutable after submit.
func (h *JobsHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id := chi.URLParam(r, "id")
	for attempt := 0; attempt < 3; attempt++ {
		job, err := h.store.GetJob(r.Context(), id)
		if err != nil {
			h.writeDBError(w, err)
			return
		}
		if !database.TerminalStatus(job.Status) {
			WriteError(w, http.StatusConflict, "job is still running")
			return
		}
		patch := database.JobPatch{DisplayName: &req.DisplayName}
		if _, err := h.store.UpdateJob(r.Context(), id, patch, job.UpdatedAt); err != nil {
			if errors.Is(err, database.ErrConcurrentUpdate) {
				continue
			}
			h.writeDBError(w, err)
			return
		}
		job.DisplayName = req.DisplayName
		WriteJSON(w, http.StatusOK, job)
		return
	}
	WriteError(w, http.StatusConflict, "job is being updated, retry")
}

// Delete removes a terminal or queued job along with its media and
// transcript artifacts. Processing and paused jobs must be cancelled first.
func (h *JobsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	job, ok := h.fetch(w, r)
	if !ok {
		return
	}
	switch job.Status {
	case database.StatusProcessing, database.StatusPaused:
		WriteError(w, http.StatusConflict, "job is running, cancel it first")
		return
	case database.StatusQueued:
		// Pull it out of the ready queue before the row disappears.
		if err := h.sched.Cancel(r.Context(), job.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
			WriteErrorDetail(w, http.StatusConflict, "could not dequeue job", err.Error())
			return
		}
	}

	if err := h.store.DeleteJob(r.Context(), job.ID); err != nil {
		h.writeDBError(w, err)
		return
	}
	if job.SavedPath != "" {
		if err := h.files.DeleteMedia(job.SavedPath); err != nil {
			h.log.Warn().Err(err).Str("job_id", job.ID).Msg("media delete failed")
		}
	}
	if err := h.files.DeleteTranscript(job.ID); err != nil {
		h.log.Warn().Err(err).Str("job_id", job.ID).Msg("transcript delete failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.sched.Cancel)
}

func (h *JobsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.sched.Pause)
}

func (h *JobsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, h.sched.Resume)
}

// Restart clones a terminal job into a fresh queued job with the same
// configuration. The media file is copied so the two rows never share an
// artifact.
func (h *JobsHandler) Restart(w http.ResponseWriter, r *http.Request) {
	old, ok := h.fetch(w, r)
	if !ok {
		return
	}
	if !database.TerminalStatus(old.Status) {
		WriteError(w, http.StatusConflict, "only finished jobs can be restarted")
		return
	}

	// The model set may have changed since the original run.
	if _, _, err := h.picker.Pick(r.Context(), database.KindASR, old.ASRProvider, old.ASRWeight); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "no usable speech model for this configuration", err.Error())
		return
	}

	src, err := os.Open(old.SavedPath)
	if err != nil {
		WriteError(w, http.StatusConflict, "source media no longer available")
		return
	}
	defer src.Close()

	job := &database.Job{
		ID:               uuid.NewString(),
		UserID:           old.UserID,
		DisplayName:      old.DisplayName,
		OriginalFilename: old.OriginalFilename,
		MimeType:         old.MimeType,

		ASRProvider:            old.ASRProvider,
		ASRWeight:              old.ASRWeight,
		DiarizerProvider:       old.DiarizerProvider,
		DiarizerWeight:         old.DiarizerWeight,
		Language:               old.Language,
		EnableTimestamps:       old.EnableTimestamps,
		EnableSpeakerDetection: old.EnableSpeakerDetection,
		RequestedSpeakerCount:  old.RequestedSpeakerCount,
	}

	ext := strings.ToLower(filepath.Ext(old.SavedPath))
	savedPath, size, err := h.files.SaveMedia(job.ID, ext, src)
	if err != nil {
		h.log.Error().Err(err).Msg("media copy failed")
		WriteError(w, http.StatusInternalServerError, "could not copy media")
		return
	}
	job.SavedPath = savedPath
	job.FileSize = size

	if err := h.store.CreateJob(r.Context(), job); err != nil {
		h.files.DeleteMedia(savedPath)
		WriteError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	if err := h.sched.Submit(r.Context(), job.ID); err != nil {
		h.store.DeleteJob(r.Context(), job.ID)
		h.files.DeleteMedia(savedPath)
		WriteErrorDetail(w, http.StatusServiceUnavailable, "scheduler unavailable", err.Error())
		return
	}

	WriteJSON(w, http.StatusCreated, job)
}

func (h *JobsHandler) action(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, database.ErrNotFound):
			WriteError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, scheduler.ErrStopped):
			WriteError(w, http.StatusServiceUnavailable, "scheduler stopped")
		case errors.Is(err, scheduler.ErrNotInflight),
			errors.Is(err, scheduler.ErrNotPaused),
			errors.Is(err, scheduler.ErrNotQueued),
			errors.Is(err, scheduler.ErrWrongStatus):
			WriteError(w, http.StatusConflict, err.Error())
		default:
			WriteError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.writeDBError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, job)
}

func (h *JobsHandler) fetch(w http.ResponseWriter, r *http.Request) (*database.Job, bool) {
	job, err := h.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDBError(w, err)
		return nil, false
	}
	return job, true
}

func (h *JobsHandler) writeDBError(w http.ResponseWriter, err error) {
	if errors.Is(err, database.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	WriteError(w, http.StatusInternalServerError, err.Error())
}

func formDefault(r *http.Request, name, def string) string {
	if v := r.FormValue(name); v != "" {
		return v
	}
	return def
}

func formBool(r *http.Request, name string, def bool) bool {
	v := r.FormValue(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
