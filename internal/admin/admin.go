package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pilotcrew/agentgate/internal/auth"
	"github.com/pilotcrew/agentgate/internal/license"
	"github.com/pilotcrew/agentgate/internal/quota"
)

// Handler is the operator surface: usage display, explicit license cache
// invalidation after plan changes, and cache stats.
type Handler struct {
	resolver    *license.Resolver
	quota       *quota.Counter
	adminSecret string
	jwtSecret   string
}

func NewHandler(resolver *license.Resolver, counter *quota.Counter, adminSecret, jwtSecret string) *Handler {
	return &Handler{
		resolver:    resolver,
		quota:       counter,
		adminSecret: adminSecret,
		jwtSecret:   jwtSecret,
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/admin/auth/token", h.IssueToken).Methods("POST")

	router.Handle("/admin/owners/{id}/usage", h.requireOperator(h.GetUsage)).Methods("GET")
	router.Handle("/admin/licenses/invalidate", h.requireOperator(h.InvalidateLicense)).Methods("POST")
	router.Handle("/admin/cache/stats", h.requireOperator(h.GetCacheStats)).Methods("GET")
}

type ctxKey string

const operatorKey ctxKey = "operator"

// requireOperator admits only requests carrying a valid operator JWT and
// records who the operator is for the audit log.
func (h *Handler) requireOperator(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !found || raw == "" {
			http.Error(w, "Operator token required", http.StatusUnauthorized)
			return
		}

		claims, err := auth.ValidateToken(raw, h.jwtSecret)
		if err != nil {
			http.Error(w, "Invalid operator token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey, claims.Operator)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func operatorFrom(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey).(string)
	return op
}

// IssueToken exchanges the operator secret for a short-lived JWT.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator    string `json:"operator"`
		AdminSecret string `json:"admin_secret"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if h.adminSecret == "" ||
		subtle.ConstantTimeCompare([]byte(req.AdminSecret), []byte(h.adminSecret)) != 1 {
		http.Error(w, "Invalid admin secret", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateToken(req.Operator, h.jwtSecret)
	if err != nil {
		log.Printf("Token generation failed: %v", err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// GetUsage reports today's message count for an owner. Read-only: display
// never consumes quota.
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	ownerID := mux.Vars(r)["id"]
	if ownerID == "" {
		http.Error(w, "Owner id required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"owner_id":    ownerID,
		"used_today":  h.quota.GetCurrentUsage(ownerID),
		"plan_limits": quota.PlanLimits,
	})
}

// InvalidateLicense drops a key from both resolver cache tiers so the next
// request resolves fresh. Called by the account side after plan changes.
func (h *Handler) InvalidateLicense(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicenseKey string `json:"license_key"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LicenseKey == "" {
		http.Error(w, "license_key is required", http.StatusBadRequest)
		return
	}

	h.resolver.Invalidate(req.LicenseKey)
	log.Printf("🔄 License cache invalidated by %s for key ending %s", operatorFrom(r.Context()), tail(req.LicenseKey))

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	positive, negative := h.resolver.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"positive_entries": positive,
		"negative_entries": negative,
	})
}

// tail returns the last four characters of a key for logging. Full keys
// never appear in logs.
func tail(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[len(key)-4:]
}
