package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/oakhill/modelgate/internal/auth"
	"github.com/oakhill/modelgate/internal/ledger"
)

// Handler is the HTTP surface over the Service.
type Handler struct {
	service *Service
	records ledger.Store
	logger  *zap.Logger
}

func NewHandler(service *Service, records ledger.Store, logger *zap.Logger) *Handler {
	return &Handler{
		service: service,
		records: records,
		logger:  logger,
	}
}

func (h *Handler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages must not be empty"})
		return
	}

	req.Credential = auth.GetCredential(ctx)
	req.RequestID = auth.GetRequestID(ctx)

	resp, err := h.service.Generate(ctx, &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health()
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenant, err := h.service.Tenant(auth.GetCredential(ctx))
	if err != nil {
		h.writeError(w, err)
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // default: last 30 days
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if toStr := r.URL.Query().Get("to"); toStr != "" {
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	records, err := h.records.ListByTenant(ctx, tenant.ID, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}
	totalCost, err := h.records.TotalCost(ctx, tenant.ID, from, to)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id":      tenant.ID,
		"total_requests": len(records),
		"total_cost_usd": totalCost,
		"records":        records,
		"from":           from,
		"to":             to,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	ge := AsError(err)
	status := statusFor(ge.Code)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("code", string(ge.Code)), zap.Error(err))
	}
	writeJSON(w, status, map[string]interface{}{"error": ge})
}

func statusFor(code Code) int {
	switch code {
	case CodeAuth:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNoProvider:
		return http.StatusBadGateway
	case CodeSchemaMismatch:
		return http.StatusUnprocessableEntity
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
