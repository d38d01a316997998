package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"cloner/internal/backend"
	"cloner/internal/domain"
)

type cloneRequest struct {
	URL     string         `json:"url"`
	Options map[string]any `json:"options,omitempty"`
}

type cloneResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	URL       string `json:"url"`
}

type cloneResult struct {
	RequestID   string     `json:"request_id"`
	Status      string     `json:"status"`
	URL         string     `json:"url"`
	Message     string     `json:"message,omitempty"`
	ResultURL   string     `json:"result_url,omitempty"`
	ClonedHTML  string     `json:"cloned_html,omitempty"`
	Error       string     `json:"error,omitempty"`
	Metadata    *metadata  `json:"metadata,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type metadata struct {
	OriginalURL string `json:"original_url"`
	FinalURL    string `json:"final_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Method      string `json:"cloning_method"`
}

func (a *App) CloneCreate(w http.ResponseWriter, r *http.Request) {
	var req cloneRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		a.error(w, http.StatusUnprocessableEntity, "invalid payload")
		return
	}
	rec, err := a.Clones.Submit(req.URL)
	if err != nil {
		if errors.Is(err, backend.ErrInvalidURL) {
			a.error(w, http.StatusUnprocessableEntity, "invalid url")
			return
		}
		a.Logger.Error().Err(err).Msg("clone: submit failed")
		a.error(w, http.StatusServiceUnavailable, "clone service unavailable")
		return
	}
	a.json(w, http.StatusOK, cloneResponse{RequestID: rec.ID, Status: string(rec.Status), URL: rec.URL})
}

func (a *App) CloneList(w http.ResponseWriter, r *http.Request) {
	records := a.Clones.List()
	items := make([]cloneResult, 0, len(records))
	for _, rec := range records {
		items = append(items, a.cloneResult(rec))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) CloneGet(w http.ResponseWriter, r *http.Request) {
	rec, err := a.Clones.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.error(w, http.StatusNotFound, "Clone request not found")
		return
	}
	out := a.cloneResult(rec)
	if rec.Status == domain.PhaseCompleted {
		html, err := a.Clones.Artifact(r.Context(), rec.ID)
		if err != nil {
			a.Logger.Warn().Err(err).Str("job_id", rec.ID).Msg("clone: artifact missing for completed request")
		} else {
			out.ClonedHTML = string(html)
		}
	}
	a.json(w, http.StatusOK, out)
}

func (a *App) CloneHTML(w http.ResponseWriter, r *http.Request) {
	html, err := a.Clones.Artifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.artifactError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(html)
}

func (a *App) CloneBundle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := a.Clones.Bundle(r.Context(), id)
	if err != nil {
		a.artifactError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="clone-`+id+`.zip"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (a *App) CloneAsset(w http.ResponseWriter, r *http.Request) {
	body, contentType, err := a.Clones.FetchAsset(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "*"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "Asset not found")
			return
		}
		a.Logger.Warn().Err(err).Msg("clone: asset proxy failed")
		a.error(w, http.StatusBadGateway, "Error fetching asset")
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

// CloneStatus upgrades to the per-request status feed.
func (a *App) CloneStatus(w http.ResponseWriter, r *http.Request) {
	a.Clones.ServeStatus(w, r, chi.URLParam(r, "id"))
}

func (a *App) artifactError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "Clone request not found")
	case errors.Is(err, backend.ErrNotCompleted), errors.Is(err, backend.ErrNoArtifact):
		a.error(w, http.StatusBadRequest, err.Error())
	default:
		a.Logger.Error().Err(err).Msg("clone: load artifact failed")
		a.error(w, http.StatusInternalServerError, "failed to load clone")
	}
}

func (a *App) cloneResult(rec backend.Record) cloneResult {
	out := cloneResult{
		RequestID:   rec.ID,
		Status:      string(rec.Status),
		URL:         rec.URL,
		Message:     rec.Message,
		Error:       rec.Error,
		SubmittedAt: rec.SubmittedAt,
	}
	if rec.Status == domain.PhaseCompleted {
		out.ResultURL = a.Clones.ResultURL(rec.ID)
		out.Metadata = &metadata{
			OriginalURL: rec.Metadata.OriginalURL,
			FinalURL:    rec.Metadata.FinalURL,
			ContentType: rec.Metadata.ContentType,
			Method:      rec.Metadata.Method,
		}
	}
	if !rec.CompletedAt.IsZero() {
		completed := rec.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}
