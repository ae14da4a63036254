// Package handlers implements the coordinator's operator-facing HTTP
// surface: starting sagas, inspecting them, aborting them, and reporting
// health and aggregate statistics.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"saga-coordinator/internal/comm"
	"saga-coordinator/internal/config"
	"saga-coordinator/internal/middleware"
	"saga-coordinator/internal/ordersaga"
	"saga-coordinator/internal/registry"
	"saga-coordinator/internal/saga"
	"saga-coordinator/pkg/api"
	apperrors "saga-coordinator/pkg/errors"
)

// Coordinator holds the dependencies every operator endpoint needs.
type Coordinator struct {
	cfg      *config.Config
	engine   *saga.Engine
	registry *registry.Registry
	probe    HealthProber
	validate *validator.Validate
	logger   *zap.Logger
}

// HealthProber checks participant reachability. Implemented by comm.Client.
type HealthProber interface {
	ProbeAll(ctx context.Context) map[string]bool
}

// NewCoordinator wires the handler set.
func NewCoordinator(cfg *config.Config, engine *saga.Engine, reg *registry.Registry, probe HealthProber, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		engine:   engine,
		registry: reg,
		probe:    probe,
		validate: validator.New(),
		logger:   logger,
	}
}

// Routes mounts every operator endpoint on the router.
func (h *Coordinator) Routes(r chi.Router) {
	r.Get("/", h.Root)
	r.Get("/api/coordinator/health", h.Health)
	r.Post("/api/coordinator/orders", h.CreateOrder)
	r.Get("/api/coordinator/sagas", h.ListSagas)
	r.Get("/api/coordinator/sagas/{sagaID}", h.GetSaga)
	r.Delete("/api/coordinator/sagas/{sagaID}", h.AbortSaga)
	r.Get("/api/coordinator/statistics", h.Statistics)
}

// Root serves the service banner.
func (h *Coordinator) Root(w http.ResponseWriter, r *http.Request) {
	api.Success(w, http.StatusOK, api.RootResponse{
		Service: "saga-coordinator",
		Status:  "running",
		Port:    h.cfg.Port,
	})
}

// Health reports coordinator liveness plus the reachability of every
// participant, probed concurrently.
func (h *Coordinator) Health(w http.ResponseWriter, r *http.Request) {
	participants := h.probe.ProbeAll(r.Context())

	status := "healthy"
	for _, healthy := range participants {
		if !healthy {
			status = "degraded"
			break
		}
	}

	api.Success(w, http.StatusOK, api.HealthResponse{
		Status:       status,
		Participants: participants,
	})
}

// CreateOrder validates the order request, registers a fresh saga, and runs
// it to a terminal state before responding. The saga's context is detached
// from the request context so a dropped client connection cannot abort a
// workflow that has already dispatched real side effects.
func (h *Coordinator) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req api.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		api.Error(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	s := ordersaga.New(&req)

	sagaCtx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	if err := h.registry.Register(s, cancel); err != nil {
		h.logger.Error("saga registration failed",
			zap.String("saga_id", s.ID),
			zap.Error(err),
		)
		api.Error(w, http.StatusInternalServerError, "Failed to register saga")
		return
	}

	h.logger.Info("order accepted",
		zap.String("saga_id", s.ID),
		zap.String("customer_id", req.CustomerID),
		zap.String("request_id", middleware.GetRequestID(r.Context())),
	)

	result := h.engine.Execute(sagaCtx, s)

	resp := api.SagaResponse{
		SagaID:          result.SagaID,
		OrderID:         s.Context.OrderID,
		Status:          string(result.Status),
		FailedStepIndex: result.FailedStepIndex,
		Error:           result.ErrorSummary,
		Details:         result,
	}

	switch result.Status {
	case saga.StatusCompleted:
		resp.Message = "Order fulfilled"
		api.Success(w, http.StatusCreated, resp)
	case saga.StatusAborted:
		resp.Message = "Order aborted before completion"
		api.Success(w, http.StatusOK, resp)
	default:
		resp.Message = "Order failed and was compensated"
		api.Success(w, http.StatusOK, resp)
	}
}

// GetSaga returns the full snapshot of one saga.
func (h *Coordinator) GetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")

	snap, ok := h.registry.Get(sagaID)
	if !ok {
		api.Error(w, http.StatusNotFound, fmt.Sprintf("Saga %s not found", sagaID))
		return
	}

	api.Success(w, http.StatusOK, snap)
}

// ListSagas returns snapshots of every tracked saga.
func (h *Coordinator) ListSagas(w http.ResponseWriter, r *http.Request) {
	snapshots := h.registry.List()
	api.Success(w, http.StatusOK, map[string]any{
		"sagas": snapshots,
		"count": len(snapshots),
	})
}

// AbortSaga signals a running saga to stop at its next step boundary. A saga
// that already reached a terminal state is evicted instead.
func (h *Coordinator) AbortSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaID")

	snap, ok := h.registry.Get(sagaID)
	if !ok {
		api.Error(w, http.StatusNotFound, fmt.Sprintf("Saga %s not found", sagaID))
		return
	}

	if snap.Status.Terminal() {
		h.registry.Evict(sagaID)
		api.Success(w, http.StatusOK, map[string]string{
			"saga_id": sagaID,
			"message": fmt.Sprintf("Saga already %s, removed from registry", snap.Status),
		})
		return
	}

	if err := h.registry.Abort(sagaID); err != nil {
		api.Error(w, statusFor(err), err.Error())
		return
	}

	h.logger.Info("abort requested", zap.String("saga_id", sagaID))
	api.Success(w, http.StatusAccepted, map[string]string{
		"saga_id": sagaID,
		"message": "Abort signal delivered; saga stops at the next step boundary",
	})
}

// Statistics returns the aggregate view over all tracked sagas.
func (h *Coordinator) Statistics(w http.ResponseWriter, r *http.Request) {
	api.Success(w, http.StatusOK, h.registry.Statistics())
}

// statusFor maps typed application errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case apperrors.IsConflict(err):
		return http.StatusConflict
	case apperrors.IsValidation(err):
		return http.StatusBadRequest
	case apperrors.IsUnavailable(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// validationMessage flattens validator errors into a single operator-readable
// line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request"
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
	}
	return "Validation failed: " + strings.Join(parts, "; ")
}

var _ HealthProber = (*comm.Client)(nil)
