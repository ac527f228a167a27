package handlers

import (
	"encoding/json"
	"net/http"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/pliu/chainchat/internal/apperr"
	"github.com/pliu/chainchat/internal/middleware"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		jww.WARN.Printf("Could not encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		jww.ERROR.Printf("Request failed: %v", err)
		msg = "Internal server error"
	}
	http.Error(w, msg, status)
}

func participantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.ParticipantID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return id, ok
}
