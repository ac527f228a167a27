package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pliu/chainchat/internal/health"
	"github.com/pliu/chainchat/internal/models"
	"github.com/pliu/chainchat/internal/reconcile"
)

type fakeReconciler struct {
	got     reconcile.Options
	ctxErr  error
	running bool
}

func (f *fakeReconciler) Run(ctx context.Context, opts reconcile.Options) (*models.SyncResult, error) {
	f.got = opts
	f.ctxErr = ctx.Err()
	res := models.NewSyncResult(opts.DryRun)
	if f.running && !opts.ForceResync {
		res.Success = false
		res.Errors = append(res.Errors, reconcile.ErrAlreadyRunning.Error())
		return res, reconcile.ErrAlreadyRunning
	}
	res.Processed = 3
	return res, nil
}

type fixedChecker struct{ report health.Report }

func (f fixedChecker) Check(ctx context.Context) health.Report { return f.report }

func TestReconcile(t *testing.T) {
	rec := &fakeReconciler{}
	handler := &AdminHandler{Reconciler: rec}

	body, _ := json.Marshal(map[string]interface{}{"dryRun": true, "maxMessages": 5, "skipIPFSValidation": true})
	rr := httptest.NewRecorder()
	handler.Reconcile(rr, httptest.NewRequest("POST", "/admin/reconcile", bytes.NewBuffer(body)))

	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	if !rec.got.DryRun || rec.got.MaxMessages != 5 || !rec.got.SkipContentValidation || rec.got.ForceResync {
		t.Errorf("Options not decoded: %+v", rec.got)
	}
	var res models.SyncResult
	json.NewDecoder(rr.Body).Decode(&res)
	if !res.Success || res.Processed != 3 || !res.DryRun {
		t.Errorf("Unexpected result %+v", res)
	}
}

func TestReconcileSurvivesClientDisconnect(t *testing.T) {
	rec := &fakeReconciler{}
	handler := &AdminHandler{Reconciler: rec}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/admin/reconcile", bytes.NewBufferString(`{}`)).WithContext(ctx)
	rr := httptest.NewRecorder()
	handler.Reconcile(rr, req)

	if rec.ctxErr != nil {
		t.Errorf("Expected the pass context to ignore the request cancellation, got %v", rec.ctxErr)
	}
	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
}

func TestReconcileEmptyBody(t *testing.T) {
	handler := &AdminHandler{Reconciler: &fakeReconciler{}}
	rr := httptest.NewRecorder()
	handler.Reconcile(rr, httptest.NewRequest("POST", "/admin/reconcile", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
}

func TestReconcileConflict(t *testing.T) {
	rec := &fakeReconciler{running: true}
	handler := &AdminHandler{Reconciler: rec}

	rr := httptest.NewRecorder()
	handler.Reconcile(rr, httptest.NewRequest("POST", "/admin/reconcile", bytes.NewBufferString(`{}`)))
	if rr.Code != http.StatusConflict {
		t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusConflict)
	}

	rr = httptest.NewRecorder()
	handler.Reconcile(rr, httptest.NewRequest("POST", "/admin/reconcile", bytes.NewBufferString(`{"forceResync":true}`)))
	if rr.Code != http.StatusOK {
		t.Errorf("forced pass returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		status health.Status
		code   int
	}{
		{health.StatusHealthy, http.StatusOK},
		{health.StatusDegraded, http.StatusOK},
		{health.StatusUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		handler := &AdminHandler{Checker: fixedChecker{health.Report{Status: tt.status}}}
		rr := httptest.NewRecorder()
		handler.Health(rr, httptest.NewRequest("GET", "/health", nil))
		if rr.Code != tt.code {
			t.Errorf("%s: got status %v want %v", tt.status, rr.Code, tt.code)
		}
	}
}
