package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"member-migration-service/internal/checkpoint"
	"member-migration-service/internal/migrate"
)

type Handler struct {
	controller *migrate.Controller
	authToken  string
}

func NewHandler(controller *migrate.Controller, authToken string) *Handler {
	return &Handler{
		controller: controller,
		authToken:  authToken,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Route("/migration/{domain}", func(r chi.Router) {
			r.Post("/run", h.RunMigration)
			r.Post("/sync", h.RunIncrementalSync)
			r.Post("/switch-incremental", h.SwitchToIncremental)
			r.Post("/reset", h.ResetCheckpoint)
			r.Get("/status", h.GetStatus)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) RunMigration(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")

	run, err := h.controller.RunMigration(r.Context(), domain)
	if err != nil {
		h.writeRejection(w, r, domain, err)
		return
	}

	writeJSON(w, http.StatusAccepted, TriggerResponse{
		Success:     true,
		ExecutionID: run.ID,
		Status:      string(migrate.RunPending),
		Message:     "bulk migration started",
	})
}

func (h *Handler) RunIncrementalSync(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")

	run, err := h.controller.RunIncrementalSync(r.Context(), domain)
	if err != nil {
		h.writeRejection(w, r, domain, err)
		return
	}

	writeJSON(w, http.StatusAccepted, TriggerResponse{
		Success:     true,
		ExecutionID: run.ID,
		Status:      string(migrate.RunPending),
		Message:     "incremental sync started",
	})
}

func (h *Handler) SwitchToIncremental(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")

	if err := h.controller.SwitchToIncremental(r.Context(), domain); err != nil {
		h.writeRejection(w, r, domain, err)
		return
	}

	writeJSON(w, http.StatusOK, TriggerResponse{
		Success: true,
		Message: "switched to incremental mode",
	})
}

func (h *Handler) ResetCheckpoint(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")

	if err := h.controller.ResetCheckpoint(r.Context(), domain); err != nil {
		h.writeRejection(w, r, domain, err)
		return
	}

	writeJSON(w, http.StatusOK, TriggerResponse{
		Success: true,
		Message: "checkpoint reset",
	})
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")

	status, err := h.controller.GetStatus(r.Context(), domain)
	if err != nil {
		h.writeRejection(w, r, domain, err)
		return
	}

	writeJSON(w, http.StatusOK, newStatusResponse(status))
}

// writeRejection maps controller errors to structured 4xx responses and
// attaches the current checkpoint snapshot for diagnosis.
func (h *Handler) writeRejection(w http.ResponseWriter, r *http.Request, domain string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, checkpoint.ErrAlreadyRunning),
		errors.Is(err, checkpoint.ErrAlreadyIncremental),
		errors.Is(err, checkpoint.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, checkpoint.ErrNotIncremental):
		code = http.StatusBadRequest
	case errors.Is(err, migrate.ErrUnknownDomain), errors.Is(err, checkpoint.ErrNotFound):
		code = http.StatusNotFound
	}

	resp := TriggerResponse{
		Success: false,
		Message: err.Error(),
	}
	if code != http.StatusInternalServerError && !errors.Is(err, migrate.ErrUnknownDomain) {
		if status, serr := h.controller.GetStatus(r.Context(), domain); serr == nil {
			snapshot := newCheckpointView(status.Checkpoint, status.Progress)
			resp.Checkpoint = &snapshot
		}
	}

	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

// Middleware

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == "OPTIONS" {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.authToken != "" && r.Header.Get("Authorization") != "Bearer "+h.authToken {
			writeJSON(w, http.StatusUnauthorized, TriggerResponse{
				Success: false,
				Message: "invalid or missing auth token",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Views

type TriggerResponse struct {
	Success     bool            `json:"success"`
	ExecutionID string          `json:"executionId,omitempty"`
	Status      string          `json:"status,omitempty"`
	Message     string          `json:"message"`
	Checkpoint  *CheckpointView `json:"checkpoint,omitempty"`
}

type CheckpointView struct {
	DomainName       string     `json:"domainName"`
	Status           string     `json:"status"`
	SyncMode         string     `json:"syncMode"`
	LastMigratedID   int64      `json:"lastMigratedId"`
	LastSyncedAt     *time.Time `json:"lastSyncedAt,omitempty"`
	MigratedCount    int64      `json:"migratedCount"`
	SkippedCount     int64      `json:"skippedCount"`
	FailedCount      int64      `json:"failedCount"`
	LegacyTotalCount int64      `json:"legacyTotalCount"`
	LastBatchSize    int64      `json:"lastBatchSize"`
	LastExecutedAt   *time.Time `json:"lastExecutedAt,omitempty"`
	LastCompletedAt  *time.Time `json:"lastCompletedAt,omitempty"`
	ExecutionTimeMs  int64      `json:"executionTimeMs"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	Progress         float64    `json:"progress"`
}

type StatusResponse struct {
	CheckpointView
	Run *RunView `json:"run,omitempty"`
}

type RunView struct {
	ID         string     `json:"id"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	Mode       string     `json:"mode"`
	Domain     string     `json:"domain"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func newCheckpointView(cp *checkpoint.Checkpoint, progress float64) CheckpointView {
	view := CheckpointView{
		DomainName:       cp.DomainName,
		Status:           string(cp.Status),
		SyncMode:         string(cp.SyncMode),
		LastMigratedID:   cp.LastMigratedID,
		MigratedCount:    cp.MigratedCount,
		SkippedCount:     cp.SkippedCount,
		FailedCount:      cp.FailedCount,
		LegacyTotalCount: cp.LegacyTotalCount,
		LastBatchSize:    cp.LastBatchSize,
		ExecutionTimeMs:  cp.ExecutionTimeMs,
		Progress:         progress,
	}
	if cp.LastSyncedAt.Valid {
		view.LastSyncedAt = &cp.LastSyncedAt.Time
	}
	if cp.LastExecutedAt.Valid {
		view.LastExecutedAt = &cp.LastExecutedAt.Time
	}
	if cp.LastCompletedAt.Valid {
		view.LastCompletedAt = &cp.LastCompletedAt.Time
	}
	if cp.ErrorMessage.Valid {
		view.ErrorMessage = cp.ErrorMessage.String
	}
	return view
}

func newStatusResponse(status *migrate.DomainStatus) StatusResponse {
	resp := StatusResponse{
		CheckpointView: newCheckpointView(status.Checkpoint, status.Progress),
	}
	if status.Run != nil {
		state, err := status.Run.State()
		view := &RunView{
			ID:        status.Run.ID,
			State:     string(state),
			Mode:      string(status.Run.Mode),
			Domain:    status.Run.Domain,
			StartedAt: status.Run.StartedAt,
		}
		if finished := status.Run.FinishedAt(); !finished.IsZero() {
			view.FinishedAt = &finished
		}
		if err != nil {
			view.Error = err.Error()
		}
		resp.Run = view
	}
	return resp
}
