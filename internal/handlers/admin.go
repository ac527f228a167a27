package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"github.com/pliu/chainchat/internal/health"
	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/reconcile"
)

type Reconciler interface {
	Run(ctx context.Context, opts reconcile.Options) (*models.SyncResult, error)
}

type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

type AdminHandler struct {
	Reconciler Reconciler
	Checker    HealthChecker
}

// Reconcile runs one pass synchronously and returns its result. A pass that
// is already running yields 409 unless forceResync is set. The pass outlives
// a client that disconnects.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var opts reconcile.Options
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && err != io.EOF {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.Reconciler.Run(context.WithoutCancel(r.Context()), opts)
	if errors.Is(err, reconcile.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.Checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
