package api

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/snarg/selenite/internal/database"
	"github.com/snarg/selenite/internal/settings"
)

type SettingsHandler struct {
	gateway *settings.Gateway
	log     zerolog.Logger
}

func NewSettingsHandler(gw *settings.Gateway, log zerolog.Logger) *SettingsHandler {
	return &SettingsHandler{gateway: gw, log: log}
}

func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.gateway.Get(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, s)
}

// Update patches the settings row. Subscribers (scheduler concurrency,
// capability cache) pick the change up through the gateway's fan-out.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefaultASRProvider      *string `json:"default_asr_provider"`
		DefaultASRWeight        *string `json:"default_asr_weight"`
		DefaultDiarizerProvider *string `json:"default_diarizer_provider"`
		DefaultDiarizerWeight   *string `json:"default_diarizer_weight"`
		DefaultLanguage         *string `json:"default_language"`
		DefaultTimestamps       *bool   `json:"default_timestamps"`
		DefaultDiarization      *bool   `json:"default_diarization"`
		MaxConcurrentJobs       *int    `json:"max_concurrent_jobs"`
		TranscodeToWAV          *bool   `json:"transcode_to_wav"`
		EnableEmptyWeights      *bool   `json:"enable_empty_weights"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := h.gateway.Update(r.Context(), database.SettingsPatch{
		DefaultASRProvider:      req.DefaultASRProvider,
		DefaultASRWeight:        req.DefaultASRWeight,
		DefaultDiarizerProvider: req.DefaultDiarizerProvider,
		DefaultDiarizerWeight:   req.DefaultDiarizerWeight,
		DefaultLanguage:         req.DefaultLanguage,
		DefaultTimestamps:       req.DefaultTimestamps,
		DefaultDiarization:      req.DefaultDiarization,
		MaxConcurrentJobs:       req.MaxConcurrentJobs,
		TranscodeToWAV:          req.TranscodeToWAV,
		EnableEmptyWeights:      req.EnableEmptyWeights,
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, s)
}
