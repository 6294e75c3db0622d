package proxy

import (
	"bytes"
	"encoding/json"

	"github.com/tidwall/gjson"

	"spendly/internal/budget"
)

// usageMetadata is appended to every successful completion body.
type usageMetadata struct {
	Cost               float64          `json:"cost"`
	CurrentPeriodTotal float64          `json:"currentPeriodTotal"`
	CredentialID       string           `json:"credentialId"`
	Tracked            bool             `json:"tracked"`
	EstimatedCost      *float64         `json:"estimatedCost,omitempty"`
	Warnings           []budget.Warning `json:"warnings,omitempty"`
}

// withUsageMetadata sets the usage_metadata member of a JSON object body,
// leaving the upstream bytes otherwise untouched. An existing member is
// replaced in place. Bodies that are not an object are returned as they are.
func withUsageMetadata(body []byte, meta usageMetadata) []byte {
	trimmed := bytes.TrimRight(body, " \t\r\n")
	if !gjson.ValidBytes(trimmed) || !gjson.ParseBytes(trimmed).IsObject() {
		return body
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return body
	}

	if existing := gjson.GetBytes(trimmed, "usage_metadata"); existing.Exists() && existing.Index > 0 {
		end := existing.Index + len(existing.Raw)
		out := make([]byte, 0, len(trimmed)-len(existing.Raw)+len(encoded))
		out = append(out, trimmed[:existing.Index]...)
		out = append(out, encoded...)
		return append(out, trimmed[end:]...)
	}

	head := bytes.TrimRight(trimmed[:len(trimmed)-1], " \t\r\n")
	out := make([]byte, 0, len(trimmed)+len(encoded)+20)
	out = append(out, head...)
	if head[len(head)-1] != '{' {
		out = append(out, ',')
	}
	out = append(out, `"usage_metadata":`...)
	out = append(out, encoded...)
	out = append(out, '}')
	return out
}
