package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/quillfin/quill/internal/ledger"
	"github.com/quillfin/quill/internal/models"
	"github.com/quillfin/quill/internal/store"
)

// API is the localhost JSON surface the UI talks to. Every read is served
// from the cache; every write returns as soon as it is durable locally.
type API struct {
	ledger *ledger.Ledger
	hub    *Hub
}

// Routes registers all endpoints on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", a.health)
	mux.HandleFunc("GET /api/status", a.status)
	mux.HandleFunc("POST /api/reconnect", a.reconnect)

	mux.HandleFunc("GET /api/transactions", a.listTransactions)
	mux.HandleFunc("POST /api/transactions", a.saveTransaction)
	mux.HandleFunc("GET /api/transactions/{id}", a.getTransaction)
	mux.HandleFunc("DELETE /api/transactions/{id}", a.deleteTransaction)

	mux.HandleFunc("GET /api/planned", a.listPlanned)
	mux.HandleFunc("POST /api/planned", a.savePlanned)
	mux.HandleFunc("DELETE /api/planned/{id}", a.deletePlanned)

	mux.HandleFunc("GET /api/sheets", a.listSheets)
	mux.HandleFunc("POST /api/sheets", a.saveSheet)
	mux.HandleFunc("DELETE /api/sheets/{id}", a.deleteSheet)

	mux.HandleFunc("GET /api/conflicts", a.listConflicts)
	mux.HandleFunc("POST /api/conflicts/{seq}/resolve", a.resolveConflict)

	mux.HandleFunc("GET /ws", HandleWebSocket(a.hub))
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "quilld"})
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	pending, err := a.ledger.PendingCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection":   a.ledger.ConnectionState(),
		"pending":      pending,
		"last_sync_at": a.ledger.LastSyncAt(),
	})
}

func (a *API) reconnect(w http.ResponseWriter, r *http.Request) {
	a.ledger.Reconnect()
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := a.ledger.Transactions(r.URL.Query().Get("sheet"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	t, err := a.ledger.Transaction(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) saveTransaction(w http.ResponseWriter, r *http.Request) {
	var t models.Transaction
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.ledger.SaveTransaction(&t); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a.deleteEntity(w, a.ledger.DeleteTransaction(id))
}

func (a *API) listPlanned(w http.ResponseWriter, r *http.Request) {
	templates, err := a.ledger.PlannedTemplates()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, templates)
}

func (a *API) savePlanned(w http.ResponseWriter, r *http.Request) {
	var p models.PlannedTemplate
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.ledger.SavePlanned(&p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) deletePlanned(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a.deleteEntity(w, a.ledger.DeletePlanned(id))
}

func (a *API) listSheets(w http.ResponseWriter, r *http.Request) {
	sheets, err := a.ledger.Sheets()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sheets)
}

func (a *API) saveSheet(w http.ResponseWriter, r *http.Request) {
	var s models.Sheet
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.ledger.SaveSheet(&s); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) deleteSheet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a.deleteEntity(w, a.ledger.DeleteSheet(id))
}

func (a *API) listConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := a.ledger.Conflicts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (a *API) resolveConflict(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(r.PathValue("seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Retry bool `json:"retry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.ledger.ResolveConflict(seq, body.Retry); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteEntity(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathID(w http.ResponseWriter, r *http.Request) (models.ID, bool) {
	id, err := models.ParseID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return "", false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
