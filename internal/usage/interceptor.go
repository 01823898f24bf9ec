package usage

import (
	"bufio"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pilotcrew/agentgate/internal/catalog"
	"github.com/pilotcrew/agentgate/internal/metrics"
	"github.com/pilotcrew/agentgate/internal/models"
)

// Meta identifies the request a usage record belongs to. Model may be empty
// when the inbound body could not be parsed.
type Meta struct {
	RequestID string
	OwnerID   string
	Provider  string
	Model     string
}

// Only these upstream response headers reach the client. Everything else
// (internal routing headers, cookies, server banners) stays behind the
// gateway. The gateway assigns its own X-Request-Id before the relay, so
// the upstream's is dropped; its Request-Id still passes for correlation.
var allowedHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Request-Id":       true,
	"Retry-After":      true,
}

var allowedHeaderPrefixes = []string{
	"X-Ratelimit-",
	"Anthropic-Ratelimit-",
}

func headerAllowed(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	if allowedHeaders[canonical] {
		return true
	}
	for _, p := range allowedHeaderPrefixes {
		if strings.HasPrefix(canonical, p) {
			return true
		}
	}
	return false
}

// Interceptor relays an upstream response to the client byte-for-byte while
// harvesting token counts on the side. The client-facing stream never waits
// on the metering read.
type Interceptor struct {
	catalog *catalog.Catalog
	emitter Emitter
}

func NewInterceptor(cat *catalog.Catalog, emitter Emitter) *Interceptor {
	return &Interceptor{catalog: cat, emitter: emitter}
}

// Relay forwards resp to the client and, for successful responses with a
// body, emits exactly one usage record once the body has been consumed.
func (ic *Interceptor) Relay(w http.ResponseWriter, resp *http.Response, meta Meta) {
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if !headerAllowed(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Upstream errors pass through verbatim and are not metered.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(w, resp.Body)
		return
	}

	if isEventStream(resp.Header.Get("Content-Type")) {
		ic.relayStream(w, resp.Body, meta)
		return
	}
	ic.relayBuffered(w, resp.Body, meta)
}

// relayStream splits the SSE body with a pipe: the client side copies and
// flushes each chunk as it arrives, the metering side scans data lines for
// usage fields. If the client disconnects mid-stream the pipe is closed and
// whatever was absorbed so far is emitted as best-effort partial usage.
func (ic *Interceptor) relayStream(w http.ResponseWriter, body io.Reader, meta Meta) {
	pr, pw := io.Pipe()

	go func() {
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		tc := scanStream(sc)
		// Drain anything past a scanner error so the tee never stalls.
		io.Copy(io.Discard, pr)
		ic.emit(meta, tc)
	}()

	fw := newFlushWriter(w)
	if _, err := io.Copy(fw, io.TeeReader(body, pw)); err != nil {
		log.Printf("⚠️  Stream relay ended early: %v", err)
	}
	pw.Close()
}

func (ic *Interceptor) relayBuffered(w http.ResponseWriter, body io.Reader, meta Meta) {
	data, err := io.ReadAll(body)
	if err != nil {
		log.Printf("⚠️  Upstream body read ended early: %v", err)
	}
	if len(data) > 0 {
		w.Write(data)
	}
	if len(data) == 0 {
		// Bodyless success: nothing to meter.
		return
	}

	go func() {
		ic.emit(meta, parseBuffered(data))
	}()
}

func (ic *Interceptor) emit(meta Meta, tc tokenCounts) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Usage emit panic: %v", r)
		}
	}()

	if !tc.seen {
		metrics.UsageParseFailures.Inc()
		log.Printf("⚠️  No usage fields in %s response for request %s, emitting zero record", meta.Provider, meta.RequestID)
	}

	ic.emitter.Record(models.UsageRecord{
		RequestID:    meta.RequestID,
		OwnerID:      meta.OwnerID,
		Provider:     meta.Provider,
		Model:        meta.Model,
		InputTokens:  tc.input,
		OutputTokens: tc.output,
		CostCents:    ic.catalog.CostCents(meta.Model, tc.input, tc.output),
		ParseFailed:  !tc.seen,
		CompletedAt:  time.Now().UTC(),
	})
}

type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func newFlushWriter(w http.ResponseWriter) flushWriter {
	f, _ := w.(http.Flusher)
	return flushWriter{w: w, f: f}
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}
