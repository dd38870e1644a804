package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scripthub/licensing/internal/core/domain"
	"github.com/scripthub/licensing/internal/core/ports"
)

// HealthFunc reports the health of one dependency.
type HealthFunc func(ctx context.Context) error

// APIHandler serves key validation, key management and quota endpoints.
type APIHandler struct {
	licenses ports.LicenseService
	quotas   ports.QuotaService
	plans    ports.PlanService
	apiKeys  ports.APIKeyRepository
	clock    ports.Clock
	logger   *slog.Logger
	validate *validator.Validate

	limiter ports.RateLimiter
	checks  map[string]HealthFunc
}

// NewAPIHandler creates and returns a new APIHandler instance.
func NewAPIHandler(licenses ports.LicenseService, quotas ports.QuotaService, plans ports.PlanService,
	apiKeys ports.APIKeyRepository, clock ports.Clock, logger *slog.Logger) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &APIHandler{
		licenses: licenses,
		quotas:   quotas,
		plans:    plans,
		apiKeys:  apiKeys,
		clock:    clock,
		logger:   logger,
		validate: v,
		checks:   make(map[string]HealthFunc),
	}
}

// WithRateLimiter throttles the public validation endpoint with l.
func (h *APIHandler) WithRateLimiter(l ports.RateLimiter) *APIHandler {
	h.limiter = l
	return h
}

// WithHealthCheck adds a dependency to the /health report.
func (h *APIHandler) WithHealthCheck(name string, fn HealthFunc) *APIHandler {
	h.checks[name] = fn
	return h
}

// RegisterRoutes registers the API routes with the provided ServeMux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	// Public Routes
	mux.HandleFunc("GET /health", h.HealthCheck)
	mux.HandleFunc("GET /metrics", h.Metrics)

	validate := http.Handler(http.HandlerFunc(h.ValidateKey))
	if h.limiter != nil {
		validate = RateLimitMiddleware(h.limiter, "validate", h.logger)(validate)
	}
	mux.Handle("POST /v1/keys/validate", Instrument("validate", validate))

	// Protected Routes (scoped by user_id from the developer API key)
	auth := AuthMiddleware(h.apiKeys, h.clock)
	protected := func(route string, fn http.HandlerFunc) http.Handler {
		return Instrument(route, auth(fn))
	}
	mux.Handle("POST /v1/scripts/{id}/keys", protected("issue_keys", h.IssueKeys))
	mux.Handle("GET /v1/keys", protected("list_keys", h.ListKeys))
	mux.Handle("POST /v1/keys/{id}/revoke", protected("revoke_key", h.RevokeKey))
	mux.Handle("GET /v1/plan", protected("get_plan", h.GetPlan))
	mux.Handle("POST /v1/maximums/deduct", protected("deduct_maximum", h.DeductMaximum))
	mux.Handle("POST /v1/maximums/verify-keys", protected("verify_key_quota", h.VerifyKeyQuota))
}

// Metrics handles Prometheus metrics scraping requests.
func (h *APIHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// HealthCheck handles health check requests.
func (h *APIHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "UP"
	details := make(map[string]string)
	checks := h.licenses.HealthCheck(r.Context())
	if checks == nil {
		checks = make(map[string]error)
	}
	for name, fn := range h.checks {
		checks[name] = fn(r.Context())
	}

	for name, checkErr := range checks {
		if checkErr != nil {
			status = "DEGRADED"
			details[name] = checkErr.Error()
		} else {
			details[name] = "OK"
		}
	}

	code := http.StatusOK
	if status == "DEGRADED" {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"details": details,
	})
}

type validateKeyRequest struct {
	Key      string `json:"key" validate:"required,max=64"`
	ScriptID string `json:"scriptId" validate:"omitempty,uuid_rfc4122"`
	HWID     string `json:"hwid" validate:"omitempty,max=128"`
}

// ValidateKey is the public endpoint loaders call before running a script.
// Rejections are 403 with {valid:false, message}.
func (h *APIHandler) ValidateKey(w http.ResponseWriter, r *http.Request) {
	var req validateKeyRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.licenses.ValidateKey(r.Context(), domain.ValidateRequest{
		KeyValue: req.Key,
		ScriptID: req.ScriptID,
		HWID:     req.HWID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !res.Valid {
		h.writeJSON(w, http.StatusForbidden, res)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type issueKeysRequest struct {
	Quantity   int        `json:"quantity" validate:"required,min=1,max=1000"`
	MaxDevices *int       `json:"maxDevices" validate:"omitempty,min=0"`
	Type       string     `json:"type" validate:"omitempty,max=32"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	Note       *string    `json:"note" validate:"omitempty,max=500"`
}

func (h *APIHandler) IssueKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(w, r)
	if !ok {
		return
	}
	scriptID := r.PathValue("id")
	if _, err := uuid.Parse(scriptID); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "script id must be a UUID"})
		return
	}

	var req issueKeysRequest
	if !h.decode(w, r, &req) {
		return
	}
	maxDevices := 1
	if req.MaxDevices != nil {
		maxDevices = *req.MaxDevices
	}

	keys, err := h.licenses.IssueKeys(r.Context(), domain.GenerateKeysParams{
		ScriptID:   scriptID,
		OwnerID:    userID,
		Type:       req.Type,
		MaxDevices: maxDevices,
		ExpiresAt:  req.ExpiresAt,
		Note:       req.Note,
		Quantity:   req.Quantity,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]interface{}{"keys": keys})
}

func (h *APIHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(w, r)
	if !ok {
		return
	}
	scriptID := r.URL.Query().Get("scriptId")
	if scriptID != "" {
		if _, err := uuid.Parse(scriptID); err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "scriptId must be a UUID"})
			return
		}
	}

	keys, err := h.licenses.ListKeys(r.Context(), userID, scriptID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if keys == nil {
		keys = []domain.LicenseKey{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func (h *APIHandler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(w, r)
	if !ok {
		return
	}
	keyID := r.PathValue("id")
	if _, err := uuid.Parse(keyID); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "key id must be a UUID"})
		return
	}
	key, err := h.licenses.RevokeKey(r.Context(), userID, keyID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, key)
}

func (h *APIHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(w, r)
	if !ok {
		return
	}
	res, err := h.plans.GetUserPlanWithMaximums(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type deductRequest struct {
	Type   string `json:"type" validate:"required,oneof=maximum_obfuscation maximum_keys maximum_deployments"`
	Amount int    `json:"amount" validate:"required,min=1"`
}

func (h *APIHandler) DeductMaximum(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(w, r)
	if !ok {
		return
	}
	var req deductRequest
	if !h.decode(w, r, &req) {
		return
	}
	maximums, err := h.quotas.DeductMaximum(r.Context(), userID, domain.MaximumType(req.Type), req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, maximums)
}

type verifyKeysRequest struct {
	Quantity int `json:"quantity" validate:"required,min=1"`
}

func (h *APIHandler) VerifyKeyQuota(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromContext(w, r)
	if !ok {
		return
	}
	var req verifyKeysRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.quotas.VerifyKeyQuota(r.Context(), userID, req.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"allowed": true})
}

type errorBody struct {
	Error     string             `json:"error"`
	Maximum   domain.MaximumType `json:"maximum,omitempty"`
	Required  int                `json:"required,omitempty"`
	Available *int               `json:"available,omitempty"`
}

// maxBodyBytes caps every JSON request body.
const maxBodyBytes = 16 << 10

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *APIHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			h.writeJSON(w, http.StatusBadRequest, errorBody{Error: fe.Field() + " failed " + fe.Tag() + " validation"})
			return false
		}
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	return true
}

// writeError maps core errors onto status codes.
func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	var qe *domain.QuotaError
	switch {
	case errors.As(err, &qe):
		available := qe.Available
		h.writeJSON(w, http.StatusForbidden, errorBody{Error: qe.Error(), Maximum: qe.Maximum, Required: qe.Required, Available: &available})
	case errors.Is(err, domain.ErrInvalidArgument):
		h.writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, domain.ErrScriptNotFound), errors.Is(err, domain.ErrKeyNotFound):
		h.writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		h.logger.Error("request failed", "error", err)
		h.writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
	}
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func userFromContext(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := r.Context().Value(CtxUserID).(string)
	if !ok || userID == "" {
		http.Error(w, "Unauthorized: missing user context", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}
