package proxy

import (
	"fmt"

	"github.com/tidwall/gjson"

	"spendly/internal/core"
)

const (
	// tokensPerMessage is the framing overhead of one chat message.
	tokensPerMessage = 4
	// primingTokens is added once per completion request.
	primingTokens = 3
)

// chatRequest is what the gateway needs from a completion request body.
type chatRequest struct {
	Model        string
	Messages     int
	ContentChars int
	MaxTokens    int64
}

// parseChatRequest validates the body and extracts the fields used for the
// pre-flight estimate. It never modifies body.
func parseChatRequest(body []byte) (chatRequest, error) {
	if !gjson.ValidBytes(body) {
		return chatRequest{}, core.NewInvalidRequestError("request body must be valid JSON", nil)
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return chatRequest{}, core.NewInvalidRequestError("request body must be a JSON object", nil)
	}

	model := doc.Get("model")
	if model.Type != gjson.String || model.String() == "" {
		return chatRequest{}, core.NewInvalidRequestError("model is required", nil)
	}
	if doc.Get("stream").Bool() {
		return chatRequest{}, core.NewInvalidRequestError("streaming is not supported: usage cannot be metered", nil)
	}

	messages := doc.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return chatRequest{}, core.NewInvalidRequestError("messages must be a non-empty array", nil)
	}

	req := chatRequest{Model: model.String()}
	for i, m := range messages.Array() {
		if !m.IsObject() {
			return chatRequest{}, core.NewInvalidRequestError(fmt.Sprintf("messages[%d] must be an object", i), nil)
		}
		req.Messages++
		req.ContentChars += contentChars(m.Get("content"))
	}

	for _, field := range []string{"max_completion_tokens", "max_tokens"} {
		if v := doc.Get(field); v.Exists() && v.Int() > 0 {
			req.MaxTokens = v.Int()
			break
		}
	}
	return req, nil
}

// contentChars counts the characters of a message content, which is either a
// string or an array of typed parts.
func contentChars(content gjson.Result) int {
	if content.Type == gjson.String {
		return len([]rune(content.String()))
	}
	n := 0
	if content.IsArray() {
		for _, part := range content.Array() {
			if text := part.Get("text"); text.Type == gjson.String {
				n += len([]rune(text.String()))
			}
		}
	}
	return n
}

// estimateTokens returns the heuristic input and output token counts.
func estimateTokens(req chatRequest, charsPerToken int, defaultOutput int64) (input, output int64) {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	input = int64((req.ContentChars+charsPerToken-1)/charsPerToken) +
		int64(req.Messages*tokensPerMessage) + primingTokens
	output = req.MaxTokens
	if output <= 0 {
		output = defaultOutput
	}
	return input, output
}
