package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/store"
)

type ParticipantHandler struct {
	Store store.Store
}

func (h *ParticipantHandler) SearchParticipants(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusOK, []models.Participant{})
		return
	}

	participants, err := h.Store.SearchParticipants(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	if participants == nil {
		participants = []models.Participant{}
	}
	writeJSON(w, http.StatusOK, participants)
}

func (h *ParticipantHandler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetParticipantByAddress(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Me returns the caller's own participant row.
func (h *ParticipantHandler) Me(w http.ResponseWriter, r *http.Request) {
	callerID, ok := participantID(w, r)
	if !ok {
		return
	}
	p, err := h.Store.GetParticipant(r.Context(), callerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
