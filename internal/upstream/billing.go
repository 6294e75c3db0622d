package upstream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// maxPages bounds pagination of one billing query.
const maxPages = 50

// LineItem is one model's usage for a day as reported by the provider.
type LineItem struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Requests     int64
	Cost         float64
	// CostReported is false when the provider had no cost line for the model.
	CostReported bool
}

// BillingClient reads organization usage and costs.
type BillingClient struct {
	client *Client
}

// NewBillingClient creates a BillingClient over c.
func NewBillingClient(c *Client) *BillingClient {
	return &BillingClient{client: c}
}

// DailyUsage returns per-model usage for [day, day+1). Cost lines are
// attributed to the model named before the first comma of the line item.
func (b *BillingClient) DailyUsage(ctx context.Context, apiKey string, day time.Time) ([]LineItem, error) {
	items := make(map[string]*LineItem)
	get := func(model string) *LineItem {
		if model == "" {
			model = "unknown"
		}
		it, ok := items[model]
		if !ok {
			it = &LineItem{Model: model}
			items[model] = it
		}
		return it
	}

	err := b.pages(ctx, apiKey, "/organization/usage/completions", day, "model", func(r gjson.Result) {
		it := get(r.Get("model").String())
		it.InputTokens += r.Get("input_tokens").Int()
		it.OutputTokens += r.Get("output_tokens").Int()
		it.TotalTokens += r.Get("total_tokens").Int()
		it.Requests += r.Get("num_model_requests").Int()
	})
	if err != nil {
		return nil, fmt.Errorf("fetching usage: %w", err)
	}

	err = b.pages(ctx, apiKey, "/organization/costs", day, "line_item", func(r gjson.Result) {
		model, _, _ := strings.Cut(r.Get("line_item").String(), ",")
		it := get(strings.TrimSpace(model))
		it.Cost += r.Get("amount.value").Float()
		it.CostReported = true
	})
	if err != nil {
		return nil, fmt.Errorf("fetching costs: %w", err)
	}

	out := make([]LineItem, 0, len(items))
	for _, it := range items {
		if it.TotalTokens == 0 {
			it.TotalTokens = it.InputTokens + it.OutputTokens
		}
		out = append(out, *it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// DailyCost returns the organization's total cost for [day, day+1).
func (b *BillingClient) DailyCost(ctx context.Context, apiKey string, day time.Time) (float64, error) {
	var total float64
	err := b.pages(ctx, apiKey, "/organization/costs", day, "", func(r gjson.Result) {
		total += r.Get("amount.value").Float()
	})
	if err != nil {
		return 0, fmt.Errorf("fetching costs: %w", err)
	}
	return total, nil
}

// pages walks every daily bucket of a paginated organization endpoint and
// calls fn for each result row.
func (b *BillingClient) pages(ctx context.Context, apiKey, path string, day time.Time, groupBy string, fn func(gjson.Result)) error {
	q := url.Values{}
	q.Set("start_time", strconv.FormatInt(day.Unix(), 10))
	q.Set("end_time", strconv.FormatInt(day.AddDate(0, 0, 1).Unix(), 10))
	q.Set("bucket_width", "1d")
	q.Set("limit", "31")
	if groupBy != "" {
		q.Set("group_by", groupBy)
	}

	for page := 0; page < maxPages; page++ {
		resp, err := b.client.withRetry(ctx, request{
			Method:    http.MethodGet,
			Endpoint:  path + "?" + q.Encode(),
			APIKey:    apiKey,
			Operation: "billing",
		})
		if err != nil {
			return err
		}
		if !gjson.ValidBytes(resp.Body) {
			return fmt.Errorf("%s: response is not valid JSON", path)
		}

		doc := gjson.ParseBytes(resp.Body)
		doc.Get("data").ForEach(func(_, bucket gjson.Result) bool {
			bucket.Get("results").ForEach(func(_, r gjson.Result) bool {
				fn(r)
				return true
			})
			return true
		})

		next := doc.Get("next_page").String()
		if !doc.Get("has_more").Bool() || next == "" {
			return nil
		}
		q.Set("page", next)
	}
	return fmt.Errorf("%s: more than %d pages", path, maxPages)
}
