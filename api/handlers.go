package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"lifeline-dispatch/api/middleware"
	"lifeline-dispatch/api/services"
	"lifeline-dispatch/pkg/dispatch"
	"lifeline-dispatch/pkg/ontology"
	"lifeline-dispatch/pkg/presence"
	embeddednats "lifeline-dispatch/pkg/services/embedded-nats"
	"lifeline-dispatch/pkg/shared"
)

type Handlers struct {
	zoneService *services.ZoneService
	dispatch    *dispatch.Service
	presence    *presence.Store
	liveWindow  time.Duration
}

func NewHandlers(db *sql.DB, dispatchService *dispatch.Service, presenceStore *presence.Store, liveWindow time.Duration) *Handlers {
	return &Handlers{
		zoneService: services.NewZoneService(db),
		dispatch:    dispatchService,
		presence:    presenceStore,
		liveWindow:  liveWindow,
	}
}

func (h *Handlers) ZoneService() *services.ZoneService {
	return h.zoneService
}

// Emergency call handlers
func (h *Handlers) CreateCall(w http.ResponseWriter, r *http.Request) {
	var req ontology.CreateCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	call, err := h.dispatch.CreateCall(r.Context(), req)
	if err != nil {
		sendServiceError(w, "CREATE_FAILED", err)
		return
	}

	sendSuccess(w, http.StatusCreated, call)
}

func (h *Handlers) TransitionCall(w http.ResponseWriter, r *http.Request) {
	var req ontology.TransitionCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	result, err := h.dispatch.Transition(r.Context(), req)
	if err != nil {
		sendServiceError(w, "TRANSITION_FAILED", err)
		return
	}

	sendSuccess(w, http.StatusOK, result)
}

func (h *Handlers) GetCall(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_CALL_ID", "call_id is required")
		return
	}

	call, err := h.dispatch.GetCall(r.Context(), callID)
	if err != nil {
		sendServiceError(w, "GET_FAILED", err)
		return
	}

	sendSuccess(w, http.StatusOK, call)
}

func (h *Handlers) ListCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := h.dispatch.ListCalls(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		sendServiceError(w, "LIST_FAILED", err)
		return
	}

	sendSuccess(w, http.StatusOK, calls)
}

// Zone handlers
func (h *Handlers) CreateZone(w http.ResponseWriter, r *http.Request) {
	var req ontology.UpsertZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	zone, err := h.zoneService.CreateZone(&req)
	if err != nil {
		sendServiceError(w, "CREATE_FAILED", err)
		return
	}

	sendSuccess(w, http.StatusCreated, zone)
}

func (h *Handlers) ListZones(w http.ResponseWriter, r *http.Request) {
	zones, err := h.zoneService.ListZones(r.Context())
	if err != nil {
		sendServiceError(w, "LIST_FAILED", err)
		return
	}

	sendSuccess(w, http.StatusOK, zones)
}

func (h *Handlers) GetZone(w http.ResponseWriter, r *http.Request) {
	zoneID := r.URL.Query().Get("zone_id")
	if zoneID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_ZONE_ID", "zone_id is required")
		return
	}

	zone, err := h.zoneService.GetZone(zoneID)
	if err != nil {
		sendServiceError(w, "GET_FAILED", err)
		return
	}

	sendSuccess(w, http.StatusOK, zone)
}

func (h *Handlers) UpdateZone(w http.ResponseWriter, r *http.Request) {
	zoneID := r.URL.Query().Get("zone_id")
	if zoneID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_ZONE_ID", "zone_id is required")
		return
	}

	var req ontology.UpsertZoneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	zone, err := h.zoneService.UpdateZone(zoneID, &req)
	if err != nil {
		sendServiceError(w, "UPDATE_FAILED", err)
		return
	}

	sendSuccess(w, http.StatusOK, zone)
}

func (h *Handlers) DeleteZone(w http.ResponseWriter, r *http.Request) {
	zoneID := r.URL.Query().Get("zone_id")
	if zoneID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_ZONE_ID", "zone_id is required")
		return
	}

	if err := h.zoneService.DeleteZone(zoneID); err != nil {
		sendServiceError(w, "DELETE_FAILED", err)
		return
	}

	sendSuccess(w, http.StatusOK, map[string]string{"message": "Zone deleted successfully"})
}

// Presence handlers
func (h *Handlers) ListPresence(w http.ResponseWriter, r *http.Request) {
	role := r.URL.Query().Get("role")
	if role == "" {
		role = ontology.RoleVehicle
	}
	since := time.Now().Add(-h.liveWindow)

	records, err := h.presence.ListLive(r.Context(), role, since)
	if err != nil {
		sendServiceError(w, "LIST_FAILED", err)
		return
	}

	sendSuccess(w, http.StatusOK, records)
}

// Health check
func (h *Handlers) HealthCheck(nats *embeddednats.EmbeddedNATS) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := shared.HealthStatus{
			Status:    "healthy",
			Service:   "lifeline-dispatch",
			Timestamp: time.Now(),
			Details:   make(map[string]string),
		}

		if err := h.zoneService.DB().Ping(); err != nil {
			health.Status = "unhealthy"
			health.Details["database"] = "unhealthy: " + err.Error()
		} else {
			health.Details["database"] = "healthy"
		}

		if err := nats.HealthCheck(); err != nil {
			health.Status = "unhealthy"
			health.Details["nats"] = "unhealthy: " + err.Error()
		} else {
			health.Details["nats"] = "healthy"
		}

		statusCode := http.StatusOK
		if health.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}

		sendSuccess(w, statusCode, health)
	}
}

// Helper functions
func sendSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := shared.Response{
		Success: true,
		Data:    data,
	}

	json.NewEncoder(w).Encode(response)
}

func sendError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := shared.Response{
		Success: false,
		Error: &shared.Error{
			Code:    code,
			Message: message,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// sendServiceError maps domain sentinels onto HTTP status codes so the
// handlers stay free of per-endpoint error plumbing.
func sendServiceError(w http.ResponseWriter, fallbackCode string, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		sendError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, shared.ErrDataInvalid):
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		sendError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, shared.ErrVehicleClaimed):
		sendError(w, http.StatusConflict, "VEHICLE_CLAIMED", err.Error())
	case errors.Is(err, shared.ErrNoVehicleAvailable):
		sendError(w, http.StatusConflict, "NO_VEHICLE_AVAILABLE", err.Error())
	default:
		sendError(w, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}

// RegisterRoutes sets up all API routes
func (h *Handlers) RegisterRoutes(mux *http.ServeMux, nats *embeddednats.EmbeddedNATS) {
	// Health check (no auth required)
	mux.HandleFunc("/health", h.HealthCheck(nats))

	// Emergency call endpoints
	mux.HandleFunc("/api/v1/calls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.BearerAuth(h.CreateCall)(w, r)
		case http.MethodGet:
			if r.URL.Query().Get("call_id") != "" {
				middleware.BearerAuth(h.GetCall)(w, r)
			} else {
				middleware.BearerAuth(h.ListCalls)(w, r)
			}
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/calls/transition", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}
		middleware.BearerAuth(h.TransitionCall)(w, r)
	})

	// Zone endpoints
	mux.HandleFunc("/api/v1/zones", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.BearerAuth(h.CreateZone)(w, r)
		case http.MethodGet:
			if r.URL.Query().Get("zone_id") != "" {
				middleware.BearerAuth(h.GetZone)(w, r)
			} else {
				middleware.BearerAuth(h.ListZones)(w, r)
			}
		case http.MethodPut:
			middleware.BearerAuth(h.UpdateZone)(w, r)
		case http.MethodDelete:
			middleware.BearerAuth(h.DeleteZone)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	// Presence endpoints
	mux.HandleFunc("/api/v1/presence", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
			return
		}
		middleware.BearerAuth(h.ListPresence)(w, r)
	})
}
