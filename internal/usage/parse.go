package usage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
)

// tokenCounts accumulates usage fields across one response body. The three
// provider dialects report usage differently:
//
//	anthropic  {"usage":{"input_tokens":N,"output_tokens":M}}, streamed as a
//	           message_start event carrying input_tokens and message_delta
//	           events carrying a running output_tokens total
//	openai     {"usage":{"prompt_tokens":N,"completion_tokens":M}}, streamed
//	           in a final chunk when the client asks for stream usage
//	google     {"usageMetadata":{"promptTokenCount":N,"candidatesTokenCount":M}}
//
// Malformed fragments are skipped, never fatal: a response that yields no
// counts produces a zero-usage record, not a dropped one.
type tokenCounts struct {
	input  int
	output int
	seen   bool
}

// usageEvent is the union of the usage shapes across all three dialects.
type usageEvent struct {
	Usage   *usageFields `json:"usage"`
	Message *struct {
		Usage *usageFields `json:"usage"`
	} `json:"message"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

type usageFields struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (tc *tokenCounts) absorbFields(u *usageFields) {
	if u == nil {
		return
	}
	tc.seen = true
	if u.InputTokens > 0 {
		tc.input = u.InputTokens
	}
	if u.PromptTokens > 0 {
		tc.input = u.PromptTokens
	}
	// Streaming deltas carry cumulative totals, so the latest value wins.
	if u.OutputTokens > 0 {
		tc.output = u.OutputTokens
	}
	if u.CompletionTokens > 0 {
		tc.output = u.CompletionTokens
	}
}

// absorbJSON feeds one JSON document (a whole buffered body or a single
// stream event) into the accumulator.
func (tc *tokenCounts) absorbJSON(data []byte) {
	var ev usageEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	tc.absorbFields(ev.Usage)
	if ev.Message != nil {
		tc.absorbFields(ev.Message.Usage)
	}
	if ev.UsageMetadata != nil {
		tc.seen = true
		if ev.UsageMetadata.PromptTokenCount > 0 {
			tc.input = ev.UsageMetadata.PromptTokenCount
		}
		if ev.UsageMetadata.CandidatesTokenCount > 0 {
			tc.output = ev.UsageMetadata.CandidatesTokenCount
		}
	}
}

// absorbSSELine feeds one line of a server-sent-event stream. Only data
// lines matter; everything else (event names, comments, blanks) is framing.
func (tc *tokenCounts) absorbSSELine(line []byte) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}
	tc.absorbJSON(payload)
}

// parseBuffered extracts counts from a complete non-streaming body.
func parseBuffered(body []byte) tokenCounts {
	var tc tokenCounts
	tc.absorbJSON(body)
	return tc
}

// isEventStream reports whether a Content-Type denotes an SSE body.
func isEventStream(contentType string) bool {
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	return strings.TrimSpace(strings.ToLower(mediaType)) == "text/event-stream"
}

// scanStream consumes an SSE body line by line, keeping only usage fields.
// It reads until EOF (or a read error, in which case whatever was absorbed
// so far stands as best-effort partial usage).
func scanStream(r *bufio.Scanner) tokenCounts {
	var tc tokenCounts
	for r.Scan() {
		tc.absorbSSELine(r.Bytes())
	}
	return tc
}
