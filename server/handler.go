package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/teamhub/docsync/store"
	docsync "github.com/teamhub/docsync/sync"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type handler struct {
	srv *docsync.Server
	hub *Hub
}

// NewHandler creates the HTTP handler with all routes.
func NewHandler(srv *docsync.Server, hub *Hub) http.Handler {
	h := &handler{srv: srv, hub: hub}

	r := mux.NewRouter()
	r.HandleFunc("/docs/{id}", h.createDocument).Methods(http.MethodPost)
	r.HandleFunc("/docs/{id}", h.deleteDocument).Methods(http.MethodDelete)
	r.HandleFunc("/docs/{id}/version", h.latestVersion).Methods(http.MethodGet)
	r.HandleFunc("/docs/{id}/steps", h.getSteps).Methods(http.MethodGet)
	r.HandleFunc("/docs/{id}/steps", h.submitSteps).Methods(http.MethodPost)
	r.HandleFunc("/docs/{id}/steps", h.deleteSteps).Methods(http.MethodDelete)
	r.HandleFunc("/docs/{id}/snapshot", h.getSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/docs/{id}/snapshot", h.submitSnapshot).Methods(http.MethodPost)
	r.HandleFunc("/docs/{id}/snapshots", h.deleteSnapshots).Methods(http.MethodDelete)
	r.HandleFunc("/ws", h.serveWS)
	return r
}

func docID(r *http.Request) string {
	return mux.Vars(r)["id"]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("handler: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, store.ErrHistoryPruned):
		status = http.StatusGone
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *handler) createDocument(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
			return
		}
	}
	if err := h.srv.Create(r.Context(), docID(r), req.Content); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, versionResponse{Version: 0})
}

func (h *handler) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.srv.DeleteDocument(r.Context(), docID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) latestVersion(w http.ResponseWriter, r *http.Request) {
	version, err := h.srv.LatestVersion(r.Context(), docID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{Version: version})
}

// queryInt parses an optional integer query parameter, returning def when
// absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func (h *handler) getSteps(w http.ResponseWriter, r *http.Request) {
	since, err := queryInt(r, "version", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid version parameter"})
		return
	}
	steps, latest, err := h.srv.GetSteps(r.Context(), docID(r), since)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := stepsResponse{Steps: []string{}, ClientIDs: []string{}, Version: latest}
	for _, st := range steps {
		resp.Steps = append(resp.Steps, st.Payload)
		resp.ClientIDs = append(resp.ClientIDs, st.ClientID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) submitSteps(w http.ResponseWriter, r *http.Request) {
	var req submitStepsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	res, err := h.srv.SubmitSteps(r.Context(), docID(r), req.ClientID, req.Version, req.Steps)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := submitStepsResponse{Status: res.Status}
	for _, st := range res.Steps {
		resp.Steps = append(resp.Steps, st.Payload)
		resp.ClientIDs = append(resp.ClientIDs, st.ClientID)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) deleteSteps(w http.ResponseWriter, r *http.Request) {
	before, err := queryInt(r, "beforeVersion", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid beforeVersion parameter"})
		return
	}
	after, err := queryInt(r, "afterVersion", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid afterVersion parameter"})
		return
	}
	opts := store.DeleteStepsOptions{
		BeforeVersion:         before,
		AfterVersion:          after,
		NewerThanSnapshotOnly: r.URL.Query().Get("newerThanSnapshotOnly") == "true",
	}
	if err := h.srv.DeleteSteps(r.Context(), docID(r), opts); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	at, err := queryInt(r, "version", -1)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid version parameter"})
		return
	}
	snap, err := h.srv.GetSnapshot(r.Context(), docID(r), at)
	if err != nil {
		writeError(w, err)
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusOK, snapshotResponse{Content: nil})
		return
	}
	writeJSON(w, http.StatusOK, snapshotResponse{Content: &snap.Content, Version: snap.Version})
}

func (h *handler) submitSnapshot(w http.ResponseWriter, r *http.Request) {
	var req submitSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if err := h.srv.SubmitSnapshot(r.Context(), docID(r), req.Version, req.Content, req.PruneSnapshots); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versionResponse{Version: req.Version})
}

func (h *handler) deleteSnapshots(w http.ResponseWriter, r *http.Request) {
	before, err := queryInt(r, "beforeVersion", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid beforeVersion parameter"})
		return
	}
	after, err := queryInt(r, "afterVersion", 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid afterVersion parameter"})
		return
	}
	opts := store.DeleteSnapshotsOptions{BeforeVersion: before, AfterVersion: after}
	if err := h.srv.DeleteSnapshots(r.Context(), docID(r), opts); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}
	client := newClient(h.hub, conn)
	go client.WritePump()
	go client.ReadPump()
}
