// A stand-in upstream for local development. Point a provider base URL at
// it (e.g. ANTHROPIC_BASE_URL=http://localhost:9000) and it answers every
// POST with either a canned completion or a short SSE stream carrying usage
// fields, depending on the "stream" flag in the request body.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
)

func main() {
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)

		var req struct {
			Model  string `json:"model"`
			Stream bool   `json:"stream"`
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &req)

		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			flusher, _ := w.(http.Flusher)
			chunks := []string{
				`{"type":"message_start","message":{"usage":{"input_tokens":12}}}`,
				`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
				`{"type":"content_block_delta","delta":{"type":"text_delta","text":" from the fake provider"}}`,
				`{"type":"message_delta","usage":{"output_tokens":7}}`,
				`{"type":"message_stop"}`,
			}
			for _, c := range chunks {
				fmt.Fprintf(w, "data: %s\n\n", c)
				if flusher != nil {
					flusher.Flush()
				}
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"model":   req.Model,
			"content": []map[string]string{{"type": "text", "text": "Hello from the fake provider"}},
			"usage":   map[string]int{"input_tokens": 12, "output_tokens": 7},
		})
	})

	log.Println("Fake provider listening on port 9000")
	http.ListenAndServe(":9000", nil)
}
