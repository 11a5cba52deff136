package upstream

import (
	"bytes"
	"encoding/json"

	"github.com/coreason-ai/gateway/internal/apierror"
)

// ChatCompletionRequest is the gateway's view of an OpenAI chat completion
// request. Only these three fields are semantically inspected; everything
// else in the body is opaque passthrough, so the original bytes are what
// gets forwarded upstream.
type ChatCompletionRequest struct {
	Model    string          `json:"model"`
	Stream   bool            `json:"stream"`
	Messages json.RawMessage `json:"messages"`
}

// Usage mirrors the OpenAI usage object.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ParseRequest validates the inspected fields of a chat completion body.
func ParseRequest(body []byte) (*ChatCompletionRequest, error) {
	var req ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apierror.Newf(apierror.SchemaInvalid, "Invalid request body: %v", err)
	}
	if req.Model == "" {
		return nil, apierror.New(apierror.SchemaInvalid, "Field required: model")
	}
	if len(req.Messages) == 0 {
		return nil, apierror.New(apierror.SchemaInvalid, "Field required: messages")
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(req.Messages, &elems); err != nil {
		return nil, apierror.New(apierror.SchemaInvalid, "Field messages must be an array")
	}
	return &req, nil
}

// EstimateTokens is the admission heuristic: ceil(bytes/4) over the
// compacted JSON serialization of messages. Compaction makes the estimate
// independent of caller whitespace. Never used for accounting.
func EstimateTokens(messages json.RawMessage) int64 {
	var buf bytes.Buffer
	if err := json.Compact(&buf, messages); err != nil {
		return int64((len(messages) + 3) / 4)
	}
	return int64((buf.Len() + 3) / 4)
}
