package healthcheck

import "context"

// Report is the combined result of all checkers.
type Report struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks"`
}

// Aggregator runs a fixed set of checkers.
type Aggregator struct {
	checkers []Checker
}

// NewAggregator creates an aggregator. Nil checkers are skipped.
func NewAggregator(checkers ...Checker) *Aggregator {
	items := make([]Checker, 0, len(checkers))
	for _, c := range checkers {
		if c != nil {
			items = append(items, c)
		}
	}
	return &Aggregator{checkers: items}
}

// Report evaluates every checker. The overall status is the worst item status.
func (a *Aggregator) Report(ctx context.Context) Report {
	report := Report{Status: StatusOK, Checks: []Check{}}
	if a == nil {
		return report
	}
	for _, c := range a.checkers {
		for _, item := range c.Checks(ctx) {
			report.Checks = append(report.Checks, item)
			if severity(item.Status) > severity(report.Status) {
				report.Status = item.Status
			}
		}
	}
	return report
}

func severity(status Status) int {
	switch status {
	case StatusOK:
		return 0
	case StatusUnknown:
		return 1
	case StatusWarn:
		return 2
	default:
		return 3
	}
}
