package ledger

import (
	"fmt"
	"strings"
)

// metricColumns whitelists the columns a metric may be summed over.
var metricColumns = map[Metric]string{
	MetricCost:        "cost",
	MetricTotalTokens: "total_tokens",
	MetricRequests:    "requests",
}

// sqlWhere renders the filter and range as a WHERE clause. ph renders the
// n-th (1-based) bind placeholder.
func sqlWhere(filter Filter, r DateRange, ph func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = %s", col, ph(len(args))))
	}
	if filter.UserID != "" {
		add("user_id", filter.UserID)
	}
	if filter.ProjectID != "" {
		add("project_id", filter.ProjectID)
	}
	if filter.CredentialID != "" {
		add("credential_id", filter.CredentialID)
	}
	args = append(args, r.From)
	conds = append(conds, "day >= "+ph(len(args)))
	args = append(args, r.To)
	conds = append(conds, "day <= "+ph(len(args)))

	return " WHERE " + strings.Join(conds, " AND "), args
}

func sqlitePlaceholder(int) string { return "?" }

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }
