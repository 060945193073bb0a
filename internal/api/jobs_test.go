package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/snarg/selenite/internal/capability"
	"github.com/snarg/selenite/internal/database"
	"github.com/snarg/selenite/internal/registry"
	"github.com/snarg/selenite/internal/storage"
)

type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*database.Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[string]*database.Job{}}
}

func (s *memJobStore) CreateJob(ctx context.Context, j *database.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.Status = database.StatusQueued
	j.CreatedAt = time.Now()
	j.UpdatedAt = j.CreatedAt
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *memJobStore) GetJob(ctx context.Context, id string) (*database.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *memJobStore) ListJobs(ctx context.Context, userID string, limit, offset int) ([]*database.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Job
	for _, j := range s.jobs {
		if j.UserID == userID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memJobStore) UpdateJob(ctx context.Context, id string, patch database.JobPatch, expectedUpdatedAt time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return time.Time{}, database.ErrNotFound
	}
	if !j.UpdatedAt.Equal(expectedUpdatedAt) {
		return time.Time{}, database.ErrConcurrentUpdate
	}
	if patch.DisplayName != nil {
		j.DisplayName = *patch.DisplayName
	}
	j.UpdatedAt = time.Now()
	return j.UpdatedAt, nil
}

func (s *memJobStore) DeleteJob(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *memJobStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type stubScheduler struct {
	mu        sync.Mutex
	submitted []string
}

func (s *stubScheduler) Submit(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, jobID)
	return nil
}

func (s *stubScheduler) Cancel(ctx context.Context, jobID string) error { return nil }
func (s *stubScheduler) Pause(ctx context.Context, jobID string) error  { return nil }
func (s *stubScheduler) Resume(ctx context.Context, jobID string) error { return nil }
func (s *stubScheduler) QueueDepth() int                                { return 0 }
func (s *stubScheduler) Inflight() int                                  { return 0 }

func (s *stubScheduler) submittedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

type stubPicker struct {
	err error
}

func (p *stubPicker) Pick(ctx context.Context, kind, provider, weight string) (*registry.ResolvedWeight, bool, error) {
	if p.err != nil {
		return nil, false, p.err
	}
	return &registry.ResolvedWeight{Kind: kind, Provider: provider, Weight: weight}, false, nil
}

type jobsRig struct {
	store  *memJobStore
	files  *storage.FileStore
	sched  *stubScheduler
	picker *stubPicker
	mux    http.Handler
	root   string
}

func newJobsRig(t *testing.T) *jobsRig {
	t.Helper()
	root := t.TempDir()
	files, err := storage.NewFileStore(root)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	rig := &jobsRig{
		store:  newMemJobStore(),
		files:  files,
		sched:  &stubScheduler{},
		picker: &stubPicker{},
		root:   root,
	}
	h := NewJobsHandler(rig.store, rig.files, rig.sched, rig.picker, zerolog.Nop())
	r := chi.NewRouter()
	r.Post("/jobs", h.Create)
	r.Patch("/jobs/{id}", h.Rename)
	r.Post("/jobs/{id}/restart", h.Restart)
	rig.mux = r
	return rig
}

func uploadRequest(t *testing.T, filename string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	fw.Write([]byte("not really audio"))
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/jobs", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func countFilesUnder(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return n
}

func TestCreateJobStagesAndSubmits(t *testing.T) {
	rig := newJobsRig(t)

	rec := httptest.NewRecorder()
	rig.mux.ServeHTTP(rec, uploadRequest(t, "meeting.mp3", map[string]string{
		"display_name": "monday standup",
		"asr_provider": "whisper",
		"asr_weight":   "small",
	}))

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}
	var job database.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.DisplayName != "monday standup" || job.Status != database.StatusQueued {
		t.Errorf("job = %q/%s, want monday standup/queued", job.DisplayName, job.Status)
	}
	if rig.sched.submittedCount() != 1 {
		t.Errorf("submitted = %d, want 1", rig.sched.submittedCount())
	}
	if countFilesUnder(t, rig.root) != 1 {
		t.Errorf("staged files = %d, want 1", countFilesUnder(t, rig.root))
	}
}

func TestCreateJobRejectsWhenNoModelRunnable(t *testing.T) {
	rig := newJobsRig(t)
	rig.picker.err = capability.ErrNoneAvailable

	rec := httptest.NewRecorder()
	rig.mux.ServeHTTP(rec, uploadRequest(t, "meeting.mp3", map[string]string{
		"asr_provider": "whisper",
		"asr_weight":   "missing",
	}))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	if rig.store.count() != 0 {
		t.Error("job row created despite rejected configuration")
	}
	if rig.sched.submittedCount() != 0 {
		t.Error("job submitted despite rejected configuration")
	}
	if countFilesUnder(t, rig.root) != 0 {
		t.Error("media staged despite rejected configuration")
	}
}

func TestCreateJobRejectsUnsupportedExtension(t *testing.T) {
	rig := newJobsRig(t)

	rec := httptest.NewRecorder()
	rig.mux.ServeHTTP(rec, uploadRequest(t, "report.pdf", nil))

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
}

func TestRenameJobTerminalOnly(t *testing.T) {
	tests := []struct {
		name   string
		status string
		want   int
	}{
		{"completed job renames", database.StatusCompleted, http.StatusOK},
		{"failed job renames", database.StatusFailed, http.StatusOK},
		{"processing job conflicts", database.StatusProcessing, http.StatusConflict},
		{"queued job conflicts", database.StatusQueued, http.StatusConflict},
		{"paused job conflicts", database.StatusPaused, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newJobsRig(t)
			rig.store.jobs["j1"] = &database.Job{
				ID:          "j1",
				UserID:      "default",
				DisplayName: "before",
				Status:      tt.status,
				UpdatedAt:   time.Now(),
			}

			body := strings.NewReader(`{"display_name":"after"}`)
			req := httptest.NewRequest(http.MethodPatch, "/jobs/j1", body)
			rec := httptest.NewRecorder()
			rig.mux.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			got, _ := rig.store.GetJob(req.Context(), "j1")
			if tt.want == http.StatusOK && got.DisplayName != "after" {
				t.Errorf("display name = %q, want after", got.DisplayName)
			}
			if tt.want == http.StatusConflict && got.DisplayName != "before" {
				t.Errorf("display name changed on conflict: %q", got.DisplayName)
			}
		})
	}
}

func TestRestartRejectsWhenNoModelRunnable(t *testing.T) {
	rig := newJobsRig(t)
	rig.store.jobs["j1"] = &database.Job{
		ID:        "j1",
		UserID:    "default",
		Status:    database.StatusCompleted,
		SavedPath: filepath.Join(rig.root, "nope.mp3"),
		UpdatedAt: time.Now(),
	}
	rig.picker.err = errors.New("whisper/large and all fallbacks: no available model")

	req := httptest.NewRequest(http.MethodPost, "/jobs/j1/restart", nil)
	rec := httptest.NewRecorder()
	rig.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
	if rig.store.count() != 1 {
		t.Errorf("jobs = %d, want only the original row", rig.store.count())
	}
}
