package upstream

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"
)

// ChatPath is the completion endpoint relative to the provider base URL.
const ChatPath = "/chat/completions"

// ChatResponse is a 2xx completion exchange.
type ChatResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ChatCompletion posts body verbatim to the completion endpoint. It makes
// exactly one attempt; the deadline comes from ctx. Non-2xx responses return
// a *core.UpstreamError with the body intact.
func (c *Client) ChatCompletion(ctx context.Context, apiKey string, body []byte) (*ChatResponse, error) {
	resp, err := c.once(ctx, request{
		Method:    http.MethodPost,
		Endpoint:  ChatPath,
		Body:      body,
		APIKey:    apiKey,
		Operation: "chat",
	})
	if err != nil {
		return nil, err
	}
	return &ChatResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: resp.Body}, nil
}

// Usage is the token accounting a completion response reports.
type Usage struct {
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// ParseUsage reads the usage block of a completion response. ok is false when
// the body has no usage object.
func ParseUsage(body []byte) (u Usage, ok bool) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.IsObject() {
		return Usage{}, false
	}
	u = Usage{
		Model:            gjson.GetBytes(body, "model").String(),
		PromptTokens:     usage.Get("prompt_tokens").Int(),
		CompletionTokens: usage.Get("completion_tokens").Int(),
		TotalTokens:      usage.Get("total_tokens").Int(),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u, true
}
