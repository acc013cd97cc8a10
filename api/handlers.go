package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"fieldtrack-api/api/middleware"
	"fieldtrack-api/api/services"
	"fieldtrack-api/pkg/broadcast"
	"fieldtrack-api/pkg/config"
	"fieldtrack-api/pkg/notify"
	"fieldtrack-api/pkg/ontology"
	"fieldtrack-api/pkg/radiomap"
	"fieldtrack-api/pkg/ratelimit"
	embeddednats "fieldtrack-api/pkg/services/embedded-nats"
	"fieldtrack-api/pkg/shared"
)

type Handlers struct {
	db       *sql.DB
	cfg      *config.Config
	registry *services.RegistryService
	ingest   *services.IngestService
	alerts   *services.AlertService
	limiter  *ratelimit.Limiter
}

func NewHandlers(db *sql.DB, cfg *config.Config, bc broadcast.Broadcaster, notifier notify.Notifier, store ratelimit.Store) *Handlers {
	alerts := services.NewAlertService(db, bc, cfg, notifier)
	return &Handlers{
		db:       db,
		cfg:      cfg,
		registry: services.NewRegistryService(db, bc, alerts, time.Duration(cfg.PairCodeTTLMin)*time.Minute),
		ingest:   services.NewIngestService(db, bc, cfg),
		alerts:   alerts,
		limiter:  ratelimit.New(store, time.Minute),
	}
}

// Services exposes the service layer for background workers.
func (h *Handlers) Services() (*services.RegistryService, *services.IngestService, *services.AlertService) {
	return h.registry, h.ingest, h.alerts
}

// allow runs a fixed-window check and writes the 429 itself when the
// caller is over budget. A store failure fails open.
func (h *Handlers) allow(w http.ResponseWriter, r *http.Request, bucket, ident string, limit int) bool {
	ok, info, err := h.limiter.Allow(r.Context(), bucket, ident, limit)
	if err != nil {
		log.Printf("Rate limit check failed for %s: %v", bucket, err)
		return true
	}
	if ok {
		return true
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	json.NewEncoder(w).Encode(shared.Response{
		Success: false,
		Data:    info,
		Error: &shared.Error{
			Code:    "RATE_LIMITED",
			Message: "Too many requests",
		},
	})
	return false
}

// Pairing

func (h *Handlers) Pair(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, "pair_ip", middleware.ClientIP(r), h.cfg.PairPerMinutePerIP) {
		return
	}

	var req ontology.PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	// Second window keyed by the code itself slows down online
	// guessing of a specific code.
	if req.Code != "" && !h.allow(w, r, "pair_code", req.Code, h.cfg.PairPerMinuteCode) {
		return
	}

	resp, err := h.registry.Pair(&req)
	if err != nil {
		sendServiceError(w, err, "PAIR_FAILED")
		return
	}
	sendSuccess(w, http.StatusCreated, resp)
}

func (h *Handlers) IssuePairCode(w http.ResponseWriter, r *http.Request) {
	var req ontology.IssuePairCodeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	resp, err := h.registry.IssuePairCode(&req)
	if err != nil {
		sendServiceError(w, err, "ISSUE_FAILED")
		return
	}
	sendSuccess(w, http.StatusCreated, resp)
}

// Sessions

func (h *Handlers) StartTracking(w http.ResponseWriter, r *http.Request, dev *ontology.Device) {
	sess, err := h.ingest.StartSession(dev)
	if err != nil {
		sendServiceError(w, err, "START_FAILED")
		return
	}
	sendSuccess(w, http.StatusCreated, sess)
}

func (h *Handlers) StopTracking(w http.ResponseWriter, r *http.Request, dev *ontology.Device) {
	id, err := h.ingest.StopSession(dev)
	if err != nil {
		sendServiceError(w, err, "STOP_FAILED")
		return
	}
	sendSuccess(w, http.StatusOK, map[string]interface{}{"session_id": id, "state": "stopped"})
}

// Telemetry

func (h *Handlers) IngestPoints(w http.ResponseWriter, r *http.Request, dev *ontology.Device) {
	if !h.allow(w, r, "points", dev.PublicID, h.cfg.PointsPerMinute) {
		return
	}

	var req ontology.PointsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	result, err := h.ingest.IngestPoints(dev, &req)
	if err != nil {
		sendServiceError(w, err, "INGEST_FAILED")
		return
	}
	sendSuccess(w, http.StatusOK, result)
}

func (h *Handlers) IngestHealth(w http.ResponseWriter, r *http.Request, dev *ontology.Device) {
	if !h.allow(w, r, "health", dev.PublicID, h.cfg.HealthPerMinute) {
		return
	}

	var req ontology.HealthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if err := h.ingest.IngestHealth(dev, &req); err != nil {
		sendServiceError(w, err, "INGEST_FAILED")
		return
	}
	sendSuccess(w, http.StatusOK, map[string]interface{}{"stored": true})
}

func (h *Handlers) IngestFingerprints(w http.ResponseWriter, r *http.Request, dev *ontology.Device) {
	if !h.allow(w, r, "fingerprints", dev.PublicID, h.cfg.FingerprintsPerMinute) {
		return
	}

	var req ontology.FingerprintsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	result, err := h.ingest.IngestFingerprints(dev, &req)
	if err != nil {
		sendServiceError(w, err, "INGEST_FAILED")
		return
	}
	sendSuccess(w, http.StatusOK, result)
}

// Admin: devices

func (h *Handlers) ListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.registry.ListDevices()
	if err != nil {
		sendError(w, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}
	sendSuccess(w, http.StatusOK, devices)
}

func (h *Handlers) GetDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_DEVICE_ID", "device_id is required")
		return
	}

	dev, err := h.registry.GetDevice(deviceID)
	if err != nil {
		sendServiceError(w, err, "GET_FAILED")
		return
	}
	sendSuccess(w, http.StatusOK, dev)
}

func (h *Handlers) RotateToken(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_DEVICE_ID", "device_id is required")
		return
	}

	token, err := h.registry.RotateToken(deviceID)
	if err != nil {
		sendServiceError(w, err, "ROTATE_FAILED")
		return
	}
	sendSuccess(w, http.StatusOK, map[string]interface{}{"device_id": deviceID, "device_token": token})
}

func (h *Handlers) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_DEVICE_ID", "device_id is required")
		return
	}
	if err := h.registry.Revoke(deviceID); err != nil {
		sendServiceError(w, err, "REVOKE_FAILED")
		return
	}
	sendSuccess(w, http.StatusOK, map[string]interface{}{"device_id": deviceID, "is_revoked": true})
}

func (h *Handlers) RestoreDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_DEVICE_ID", "device_id is required")
		return
	}
	if err := h.registry.Restore(deviceID); err != nil {
		sendServiceError(w, err, "RESTORE_FAILED")
		return
	}
	sendSuccess(w, http.StatusOK, map[string]interface{}{"device_id": deviceID, "is_revoked": false})
}

// Admin: tracks and health

func (h *Handlers) GetDisplayPoint(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_DEVICE_ID", "device_id is required")
		return
	}

	point, err := h.ingest.DisplayPoint(deviceID)
	if err != nil {
		sendServiceError(w, err, "DISPLAY_FAILED")
		return
	}
	sendSuccess(w, http.StatusOK, point)
}

func (h *Handlers) ListPoints(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_DEVICE_ID", "device_id is required")
		return
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			sendError(w, http.StatusBadRequest, "INVALID_SINCE", "since must be RFC3339")
			return
		}
		since = &t
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	points, err := h.ingest.ListPoints(deviceID, since, limit)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}
	sendSuccess(w, http.StatusOK, points)
}

func (h *Handlers) GetDeviceHealth(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		sendError(w, http.StatusBadRequest, "MISSING_DEVICE_ID", "device_id is required")
		return
	}

	health, err := h.ingest.GetHealth(deviceID)
	if err != nil {
		sendServiceError(w, err, "GET_FAILED")
		return
	}
	sendSuccess(w, http.StatusOK, health)
}

// Admin: alerts

func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	activeOnly := r.URL.Query().Get("active") == "true"
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	alerts, err := h.alerts.List(deviceID, activeOnly, limit)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "LIST_FAILED", err.Error())
		return
	}
	sendSuccess(w, http.StatusOK, alerts)
}

func (h *Handlers) AckAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := strconv.ParseInt(r.URL.Query().Get("alert_id"), 10, 64)
	if err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_ALERT_ID", "alert_id is required")
		return
	}
	by := r.URL.Query().Get("by")
	if by == "" {
		by = "admin"
	}

	if err := h.alerts.Ack(alertID, by); err != nil {
		sendServiceError(w, err, "ACK_FAILED")
		return
	}
	sendSuccess(w, http.StatusOK, map[string]interface{}{"alert_id": alertID, "acked_by": by})
}

func (h *Handlers) CloseAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := strconv.ParseInt(r.URL.Query().Get("alert_id"), 10, 64)
	if err != nil {
		sendError(w, http.StatusBadRequest, "INVALID_ALERT_ID", "alert_id is required")
		return
	}

	if err := h.alerts.Close(alertID); err != nil {
		sendServiceError(w, err, "CLOSE_FAILED")
		return
	}
	sendSuccess(w, http.StatusOK, map[string]interface{}{"alert_id": alertID, "is_active": false})
}

// Admin: radio map

func (h *Handlers) RadioMapStats(w http.ResponseWriter, r *http.Request) {
	stats, err := radiomap.ReadStats(h.db)
	if err != nil {
		sendError(w, http.StatusInternalServerError, "STATS_FAILED", err.Error())
		return
	}
	sendSuccess(w, http.StatusOK, stats)
}

// Health check

func (h *Handlers) HealthCheck(nats *embeddednats.EmbeddedNATS) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := shared.HealthStatus{
			Status:    "healthy",
			Service:   "fieldtrack-api",
			Timestamp: time.Now().UTC(),
			Details:   map[string]string{},
		}

		if err := h.db.Ping(); err != nil {
			status.Status = "degraded"
			status.Details["database"] = err.Error()
		} else {
			status.Details["database"] = "ok"
		}

		if nats != nil {
			if err := nats.HealthCheck(); err != nil {
				status.Status = "degraded"
				status.Details["nats"] = err.Error()
			} else {
				status.Details["nats"] = "ok"
			}
		}

		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		sendSuccess(w, code, status)
	}
}

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

// sendServiceError maps the service error taxonomy to HTTP codes.
func sendServiceError(w http.ResponseWriter, err error, fallbackCode string) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		sendError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
	case errors.Is(err, shared.ErrAuth):
		sendError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.Is(err, shared.ErrRevoked):
		sendError(w, http.StatusForbidden, "REVOKED", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		sendError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, shared.ErrRateLimited):
		sendError(w, http.StatusTooManyRequests, "RATE_LIMITED", err.Error())
	default:
		sendError(w, http.StatusInternalServerError, fallbackCode, err.Error())
	}
}

// RegisterRoutes sets up all API routes
func (h *Handlers) RegisterRoutes(mux *http.ServeMux, nats *embeddednats.EmbeddedNATS) {
	// Health check (no auth required)
	mux.HandleFunc("/health", h.HealthCheck(nats))

	// Pairing (no auth; the code is the credential)
	mux.HandleFunc("/api/v1/pair", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.Pair(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	// Device endpoints (device token auth)
	mux.HandleFunc("/api/v1/track/start", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.DeviceAuth(h.registry, h.StartTracking)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/track/stop", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.DeviceAuth(h.registry, h.StopTracking)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/telemetry/points", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.DeviceAuth(h.registry, h.IngestPoints)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/telemetry/health", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.DeviceAuth(h.registry, h.IngestHealth)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/telemetry/fingerprints", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.DeviceAuth(h.registry, h.IngestFingerprints)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	// Admin endpoints (bearer token auth)
	mux.HandleFunc("/api/v1/admin/pair-codes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.AdminAuth(h.IssuePairCode)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/admin/devices", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("device_id") != "" {
				middleware.AdminAuth(h.GetDevice)(w, r)
			} else {
				middleware.AdminAuth(h.ListDevices)(w, r)
			}
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/admin/devices/rotate", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.AdminAuth(h.RotateToken)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/admin/devices/revoke", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.AdminAuth(h.RevokeDevice)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/admin/devices/restore", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.AdminAuth(h.RestoreDevice)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/admin/devices/display", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			middleware.AdminAuth(h.GetDisplayPoint)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/admin/devices/points", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			middleware.AdminAuth(h.ListPoints)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/admin/devices/health", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			middleware.AdminAuth(h.GetDeviceHealth)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/admin/alerts", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			middleware.AdminAuth(h.ListAlerts)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/admin/alerts/ack", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.AdminAuth(h.AckAlert)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/admin/alerts/close", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			middleware.AdminAuth(h.CloseAlert)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})

	mux.HandleFunc("/api/v1/admin/radiomap", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			middleware.AdminAuth(h.RadioMapStats)(w, r)
		default:
			sendError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
		}
	})
}
