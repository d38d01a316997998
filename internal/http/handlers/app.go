package handlers

import (
	"encoding/json"
	"net/http"

	"cloner/internal/backend"
	"cloner/internal/infra"
)

// App carries the dependencies shared by the HTTP handlers.
type App struct {
	Clones *backend.Service
	Logger infra.Logger
}

func NewApp(clones *backend.Service, logger infra.Logger) *App {
	return &App{Clones: clones, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// error writes the `{"detail": ...}` body clients parse for a failure reason.
func (a *App) error(w http.ResponseWriter, code int, detail string) {
	a.json(w, code, map[string]string{"detail": detail})
}
