// Package budget evaluates usage against thresholds and gates proxied
// requests on hard limits.
package budget

import (
	"time"

	"spendly/internal/accounts"
	"spendly/internal/ledger"
)

// Window resolves period to the inclusive ledger days it covers at now,
// using calendar days in loc.
//
//   - daily: today
//   - weekly: rolling, the last 7 days including today
//   - monthly: the first of the current month through today
func Window(period accounts.Period, now time.Time, loc *time.Location) ledger.DateRange {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)

	switch period {
	case accounts.PeriodWeekly:
		return ledger.NewDateRange(now.AddDate(0, 0, -6), now)
	case accounts.PeriodMonthly:
		first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		return ledger.NewDateRange(first, now)
	default:
		return ledger.NewDateRange(now, now)
	}
}
