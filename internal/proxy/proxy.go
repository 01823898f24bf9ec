package proxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pilotcrew/agentgate/internal/catalog"
	"github.com/pilotcrew/agentgate/internal/license"
	"github.com/pilotcrew/agentgate/internal/metrics"
	"github.com/pilotcrew/agentgate/internal/models"
	"github.com/pilotcrew/agentgate/internal/quota"
	"github.com/pilotcrew/agentgate/internal/upstream"
	"github.com/pilotcrew/agentgate/internal/usage"
)

// maxBufferedBody caps how much of the inbound body is buffered. LLM
// request bodies are JSON documents well under this; anything larger is
// forwarded without model extraction rather than rejected.
const maxBufferedBody = 16 << 20

// Handler is the request pipeline: authenticate by license key, check model
// access and daily quota, forward upstream with the real credential, and
// meter the response. Each stage short-circuits with a terminal envelope.
type Handler struct {
	resolver    *license.Resolver
	quota       *quota.Counter
	catalog     *catalog.Catalog
	router      *upstream.Router
	interceptor *usage.Interceptor
}

func NewHandler(resolver *license.Resolver, counter *quota.Counter, cat *catalog.Catalog, router *upstream.Router, interceptor *usage.Interceptor) *Handler {
	return &Handler{
		resolver:    resolver,
		quota:       counter,
		catalog:     cat,
		router:      router,
		interceptor: interceptor,
	}
}

// RegisterRoutes mounts the provider prefixes. The router must be built
// with SkipClean so traversal sequences reach ValidateSubpath instead of
// being silently normalized away.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.PathPrefix("/v1/").Handler(h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	provider, subpath, ok := splitProviderPath(r.URL.Path)
	if !ok || !h.router.Known(provider) {
		writeError(w, http.StatusBadGateway, typeAPIError, "Unknown provider prefix")
		return
	}

	// Reject traversal before touching any other state: a malformed path
	// must never reach an upstream or consume quota.
	if err := upstream.ValidateSubpath(subpath); err != nil {
		metrics.RejectionsTotal.WithLabelValues("malformed_path").Inc()
		writeError(w, http.StatusBadRequest, typeInvalidRequest, "Invalid upstream path")
		return
	}

	key := extractLicenseKey(r)
	if key == "" {
		metrics.RejectionsTotal.WithLabelValues("missing_key").Inc()
		writeError(w, http.StatusUnauthorized, typeAuthentication, "Missing license key. Pass it as x-api-key or a bearer token.")
		return
	}
	if !license.ValidKeyFormat(key) {
		metrics.RejectionsTotal.WithLabelValues("bad_key_format").Inc()
		writeError(w, http.StatusUnauthorized, typeAuthentication, "Invalid license key. Sign in again from the desktop app.")
		return
	}

	// Buffer the body once so the model can be sniffed and the stream
	// replayed for the forward.
	var bodyBytes []byte
	if r.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(io.LimitReader(r.Body, maxBufferedBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, typeInvalidRequest, "Failed to read request body")
			return
		}
	}

	model := extractModel(bodyBytes, subpath)

	rec, ok := h.resolver.Resolve(r.Context(), key)
	if !ok {
		metrics.RejectionsTotal.WithLabelValues("unresolved_key").Inc()
		log.Printf("🚫 [%s] Unresolved license key", requestID)
		writeError(w, http.StatusUnauthorized, typeAuthentication, "Invalid or expired license key. Sign in again from the desktop app.")
		return
	}

	log.Printf("📨 [%s] owner=%s plan=%s provider=%s model=%s", requestID, rec.OwnerID, rec.Plan, provider, model)

	if !h.catalog.IsAllowed(model, rec.Plan) {
		metrics.RejectionsTotal.WithLabelValues("model_denied").Inc()
		writeError(w, http.StatusForbidden, typePermission, upgradeHint(h.catalog, model, rec.Plan))
		return
	}

	decision := h.quota.CheckAndIncrement(rec.OwnerID, rec.Plan)
	setRateLimitHeaders(w, decision)
	if !decision.Allowed {
		metrics.RejectionsTotal.WithLabelValues("quota").Inc()
		log.Printf("🚫 [%s] Daily quota exhausted for owner %s", requestID, rec.OwnerID)
		retryAfter := int(time.Until(decision.ResetAt).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		msg := fmt.Sprintf("Daily message limit reached (%d/day on the %s plan). Quota resets at %s.",
			decision.Limit, rec.Plan, decision.ResetAt.Format(time.RFC3339))
		if rec.Plan != models.PlanUltra {
			msg += " Upgrade your plan for a higher limit."
		}
		writeError(w, http.StatusTooManyRequests, typeRateLimit, msg)
		return
	}

	if len(bodyBytes) > 0 {
		if int64(len(bodyBytes)) == maxBufferedBody {
			// Oversized body: replay the buffered head and stream the rest.
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(bodyBytes), r.Body))
		} else {
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			r.ContentLength = int64(len(bodyBytes))
		}
	}

	resp, err := h.router.Forward(provider, subpath, r)
	if err != nil {
		if errors.Is(err, upstream.ErrMalformedPath) {
			writeError(w, http.StatusBadRequest, typeInvalidRequest, "Invalid upstream path")
			return
		}
		metrics.RequestsTotal.WithLabelValues(provider, "unavailable").Inc()
		log.Printf("❌ [%s] Upstream %s unreachable: %v", requestID, provider, err)
		writeError(w, http.StatusBadGateway, typeAPIError, "Upstream provider is unreachable. Try again shortly.")
		return
	}

	h.interceptor.Relay(w, resp, usage.Meta{
		RequestID: requestID,
		OwnerID:   rec.OwnerID,
		Provider:  provider,
		Model:     model,
	})

	elapsed := time.Since(startTime)
	metrics.RequestsTotal.WithLabelValues(provider, strconv.Itoa(resp.StatusCode)).Inc()
	metrics.UpstreamLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
	log.Printf("✅ [%s] %d from %s in %dms", requestID, resp.StatusCode, provider, elapsed.Milliseconds())
}

// splitProviderPath breaks "/v1/<provider>/<subpath>" apart. The subpath
// keeps its leading slash.
func splitProviderPath(path string) (provider, subpath string, ok bool) {
	rest, found := strings.CutPrefix(path, "/v1/")
	if !found {
		return "", "", false
	}
	i := strings.IndexByte(rest, '/')
	if i <= 0 {
		return "", "", false
	}
	return rest[:i], rest[i:], true
}

// extractLicenseKey accepts both credential conventions uniformly:
// x-api-key (Anthropic-style clients) and Authorization: Bearer
// (OpenAI-style clients).
func extractLicenseKey(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	if token, found := strings.CutPrefix(auth, "Bearer "); found {
		return strings.TrimSpace(token)
	}
	return ""
}

// extractModel best-effort sniffs the model from the JSON body, falling
// back to the Google path convention ("/models/<model>:generateContent").
// Failure means an empty model: the access check defers to the upstream.
func extractModel(body []byte, subpath string) string {
	if len(body) > 0 {
		var req struct {
			Model string `json:"model"`
		}
		if err := json.Unmarshal(body, &req); err == nil && req.Model != "" {
			return req.Model
		}
	}
	if i := strings.Index(subpath, "/models/"); i >= 0 {
		rest := subpath[i+len("/models/"):]
		if j := strings.IndexAny(rest, ":/"); j > 0 {
			return rest[:j]
		}
		return rest
	}
	return ""
}

func upgradeHint(cat *catalog.Catalog, model string, plan models.Plan) string {
	min := cat.MinimumPlan(model)
	switch {
	case plan == models.PlanFree && min == models.PlanPro:
		return fmt.Sprintf("Model %q requires the Pro plan. Upgrade to Pro to use it.", model)
	case min == models.PlanUltra && plan != models.PlanUltra:
		return fmt.Sprintf("Model %q requires the Ultra plan. Upgrade to Ultra to use it.", model)
	default:
		return fmt.Sprintf("Model %q is not available on the %s plan.", model, plan)
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d models.QuotaDecision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
