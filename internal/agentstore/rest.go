package agentstore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// RESTHandler exposes agent CRUD over HTTP:
//
//	GET    /api/agents        — list all agents
//	POST   /api/agents        — create an agent
//	GET    /api/agents/{id}   — fetch one agent
//	PUT    /api/agents/{id}   — replace an agent
//	DELETE /api/agents/{id}   — remove an agent
//
// Bodies are JSON-encoded [AgentDefinition] values. Validation failures are
// 400s with a JSON error body.
type RESTHandler struct {
	store Store
}

// NewRESTHandler creates a handler backed by store.
func NewRESTHandler(store Store) *RESTHandler {
	return &RESTHandler{store: store}
}

// Register mounts the handler's routes on mux under /api/agents.
func (h *RESTHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", h.list)
	mux.HandleFunc("POST /api/agents", h.create)
	mux.HandleFunc("GET /api/agents/{id}", h.get)
	mux.HandleFunc("PUT /api/agents/{id}", h.update)
	mux.HandleFunc("DELETE /api/agents/{id}", h.delete)
}

// errorBody is the JSON error response shape.
type errorBody struct {
	Error string `json:"error"`
}

func (h *RESTHandler) list(w http.ResponseWriter, r *http.Request) {
	defs, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if defs == nil {
		defs = []AgentDefinition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (h *RESTHandler) create(w http.ResponseWriter, r *http.Request) {
	var def AgentDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.store.Create(r.Context(), &def); err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "already exists") {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	slog.Info("agent created", "id", def.ID, "name", def.Name)
	writeJSON(w, http.StatusCreated, def)
}

func (h *RESTHandler) get(w http.ResponseWriter, r *http.Request) {
	def, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if def == nil {
		writeError(w, http.StatusNotFound, errors.New("agent not found"))
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *RESTHandler) update(w http.ResponseWriter, r *http.Request) {
	var def AgentDefinition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	def.ID = r.PathValue("id")
	if err := h.store.Update(r.Context(), &def); err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	slog.Info("agent updated", "id", def.ID, "name", def.Name)
	writeJSON(w, http.StatusOK, def)
}

func (h *RESTHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	slog.Info("agent deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
