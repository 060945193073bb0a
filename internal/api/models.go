package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/snarg/selenite/internal/capability"
	"github.com/snarg/selenite/internal/database"
	"github.com/snarg/selenite/internal/registry"
)

// Availability is the slice of the capability resolver the API needs.
type Availability interface {
	Report(ctx context.Context) (*capability.AvailabilityReport, error)
	Refresh(ctx context.Context) (*capability.AvailabilityReport, error)
}

type ModelsHandler struct {
	registry *registry.Registry
	avail    Availability
	log      zerolog.Logger
}

func NewModelsHandler(reg *registry.Registry, avail Availability, log zerolog.Logger) *ModelsHandler {
	return &ModelsHandler{registry: reg, avail: avail, log: log}
}

func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	sets, err := h.registry.List(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"models": sets})
}

func (h *ModelsHandler) CreateSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind        string `json:"kind"`
		Name        string `json:"name"`
		AbsPath     string `json:"abs_path"`
		Description string `json:"description"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	set, err := h.registry.CreateSet(r.Context(), req.Kind, req.Name, req.AbsPath, req.Description)
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, set)
}

func (h *ModelsHandler) CreateWeight(w http.ResponseWriter, r *http.Request) {
	setID, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid set id")
		return
	}
	var req struct {
		Name     string `json:"name"`
		AbsPath  string `json:"abs_path"`
		Checksum string `json:"checksum"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	weight, err := h.registry.CreateWeight(r.Context(), setID, req.Name, req.AbsPath, req.Checksum)
	if err != nil {
		h.writeRegistryError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, weight)
}

func (h *ModelsHandler) UpdateSet(w http.ResponseWriter, r *http.Request) {
	h.patch(w, r, h.registry.UpdateSet)
}

func (h *ModelsHandler) UpdateWeight(w http.ResponseWriter, r *http.Request) {
	h.patch(w, r, h.registry.UpdateWeight)
}

func (h *ModelsHandler) patch(w http.ResponseWriter, r *http.Request, fn func(context.Context, int, database.ModelSetPatch) error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var req struct {
		Description   *string `json:"description"`
		Enabled       *bool   `json:"enabled"`
		DisableReason *string `json:"disable_reason"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	patch := database.ModelSetPatch{
		Description:   req.Description,
		Enabled:       req.Enabled,
		DisableReason: req.DisableReason,
	}
	if err := fn(r.Context(), id, patch); err != nil {
		h.writeRegistryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Report returns the cached availability report.
func (h *ModelsHandler) Report(w http.ResponseWriter, r *http.Request) {
	report, err := h.avail.Report(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

// RefreshReport forces a fresh probe pass and returns the new report.
func (h *ModelsHandler) RefreshReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.avail.Refresh(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

func (h *ModelsHandler) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrDuplicateName):
		WriteError(w, http.StatusConflict, "name already exists")
	case errors.Is(err, registry.ErrInvalidPath),
		errors.Is(err, registry.ErrReasonRequired):
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, err.Error())
	}
}
