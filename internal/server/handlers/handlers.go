// Package handlers contains HTTP handlers for the daemon API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"gantry/internal/store"
	"gantry/pkg/api"
)

// Store combines what the handlers need from the run store.
type Store interface {
	store.RunStore
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store Store
}

// New creates a new Handlers instance with the given store dependency.
func New(s Store) *Handlers {
	return &Handlers{store: s}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
