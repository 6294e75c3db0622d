package pricing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
)

const maxSheetSize = 10 * 1024 * 1024 // 10 MB

// FetchSheet downloads a price sheet. The body is returned unparsed so the
// caller can fingerprint it before doing any work.
func FetchSheet(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching price sheet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSheetSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading price sheet: %w", err)
	}
	if len(raw) > maxSheetSize {
		return nil, fmt.Errorf("price sheet too large (exceeds %d bytes)", maxSheetSize)
	}
	return raw, nil
}

// ParseSheet extracts rates from a LiteLLM-format price sheet:
//
//	{"gpt-4o": {"litellm_provider": "openai", "input_cost_per_token": 2.5e-06, "output_cost_per_token": 1e-05}}
//
// Only entries whose provider is in providers are returned. Per-token prices
// are converted to per-million.
func ParseSheet(raw []byte, providers ...string) ([]Rate, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("price sheet is not valid JSON")
	}

	wanted := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		wanted[p] = struct{}{}
	}

	var rates []Rate
	gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
		if key.String() == "sample_spec" {
			return true
		}
		provider := value.Get("litellm_provider").String()
		if _, ok := wanted[provider]; !ok {
			return true
		}
		in := value.Get("input_cost_per_token")
		out := value.Get("output_cost_per_token")
		if !in.Exists() && !out.Exists() {
			return true
		}
		rates = append(rates, Rate{
			Provider:      provider,
			Model:         strings.TrimPrefix(key.String(), provider+"/"),
			InputPerMTok:  in.Float() * 1_000_000,
			OutputPerMTok: out.Float() * 1_000_000,
		})
		return true
	})

	return rates, nil
}
