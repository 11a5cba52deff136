package handlers

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/coreason-ai/gateway/internal/services/upstream"
)

// ssePrefix marks an SSE data line. Usage extraction only looks at these;
// every line is relayed verbatim regardless.
var ssePrefix = []byte("data:")

// forwardStream relays the upstream SSE body to the client byte for byte,
// flushing after every line so events reach the caller as they arrive. While
// relaying it watches data payloads for a usage object and returns the last
// total_tokens observed (0 when the stream carried none). The relay stops
// once the [DONE] event has been forwarded in full.
//
// Once the first byte is written the response is committed; errors past that
// point can only terminate the stream, never change the status.
func forwardStream(w http.ResponseWriter, body io.Reader) (int64, error) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	reader := bufio.NewReader(body)

	var totalTokens int64
	var sawDone bool
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				return totalTokens, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			if tokens, ok := extractUsage(line); ok {
				totalTokens = tokens
			}
			// [DONE] is terminal; stop after relaying its closing blank
			// line rather than holding the connection until upstream EOF.
			if sawDone && len(bytes.TrimSpace(line)) == 0 {
				return totalTokens, nil
			}
			if isDoneMarker(line) {
				sawDone = true
			}
		}
		if err == io.EOF {
			return totalTokens, nil
		}
		if err != nil {
			return totalTokens, err
		}
	}
}

// isDoneMarker reports whether the line is the terminal SSE event.
func isDoneMarker(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, ssePrefix) {
		return false
	}
	return bytes.Equal(bytes.TrimSpace(trimmed[len(ssePrefix):]), []byte("[DONE]"))
}

// extractUsage parses a single SSE line for a chunk carrying usage.
func extractUsage(line []byte) (int64, bool) {
	trimmed := bytes.TrimSpace(line)
	if !bytes.HasPrefix(trimmed, ssePrefix) {
		return 0, false
	}
	payload := bytes.TrimSpace(trimmed[len(ssePrefix):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return 0, false
	}

	var chunk struct {
		Usage *upstream.Usage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil || chunk.Usage == nil {
		return 0, false
	}
	if chunk.Usage.TotalTokens <= 0 {
		return 0, false
	}
	return chunk.Usage.TotalTokens, true
}
