package upstream

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/pilotcrew/agentgate/internal/config"
)

var (
	// ErrUnknownProvider means the path prefix names no configured upstream.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrMalformedPath means the upstream subpath failed validation.
	ErrMalformedPath = errors.New("malformed upstream path")

	// ErrUnavailable wraps upstream connection failures. Requests are not
	// retried: LLM calls are not safely idempotent.
	ErrUnavailable = errors.New("upstream unavailable")
)

// hop-by-hop headers are never forwarded in either direction.
var hopByHop = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// Router maps a provider prefix to its upstream base URL and swaps the
// client-presented license key for the real provider credential.
type Router struct {
	providers map[string]config.ProviderConfig
	client    *http.Client
}

func NewRouter(providers map[string]config.ProviderConfig) *Router {
	return &Router{
		providers: providers,
		client: &http.Client{
			// No client timeout: streaming completions stay open for
			// minutes. Cancellation rides on the request context.
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
			},
		},
	}
}

// Known reports whether the prefix names a configured provider.
func (rt *Router) Known(provider string) bool {
	_, ok := rt.providers[provider]
	return ok
}

// ValidateSubpath rejects path-traversal and double-slash tricks before any
// URL is built. The subpath arrives percent-decoded, so encoded variants of
// ".." have already been normalized into a form this check sees.
func ValidateSubpath(subpath string) error {
	if subpath == "" || !strings.HasPrefix(subpath, "/") {
		return ErrMalformedPath
	}
	if strings.Contains(subpath, "//") || strings.Contains(subpath, "\\") {
		return ErrMalformedPath
	}
	for _, seg := range strings.Split(subpath[1:], "/") {
		if seg == ".." || seg == "." {
			return ErrMalformedPath
		}
	}
	return nil
}

// Rewrite produces the full upstream URL for a validated subpath.
func (rt *Router) Rewrite(provider, subpath string) (string, error) {
	cfg, ok := rt.providers[provider]
	if !ok {
		return "", ErrUnknownProvider
	}
	if err := ValidateSubpath(subpath); err != nil {
		return "", err
	}
	return strings.TrimSuffix(cfg.BaseURL, "/") + subpath, nil
}

// Forward sends the inbound request to the upstream with the real
// credential attached. The request body is streamed through verbatim.
// The caller owns the returned response body.
func (rt *Router) Forward(provider, subpath string, r *http.Request) (*http.Response, error) {
	target, err := rt.Rewrite(provider, subpath)
	if err != nil {
		return nil, err
	}
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPath, err)
	}
	req.ContentLength = r.ContentLength

	req.Header = r.Header.Clone()
	for _, h := range hopByHop {
		req.Header.Del(h)
	}
	// Compression is negotiated by the transport, not the client: forwarding
	// the client's Accept-Encoding verbatim turns off transparent gzip
	// decompression, and the metering tee must see plain bytes.
	req.Header.Del("Accept-Encoding")
	// The client credential is the license key; it must never reach the
	// provider.
	req.Header.Del("Authorization")
	req.Header.Del("X-Api-Key")

	cfg := rt.providers[provider]
	switch provider {
	case "anthropic":
		req.Header.Set("x-api-key", cfg.APIKey)
	case "openai":
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	case "google":
		q := req.URL.Query()
		q.Set("key", cfg.APIKey)
		req.URL.RawQuery = q.Encode()
	}

	resp, err := rt.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}
