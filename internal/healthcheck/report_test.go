package healthcheck

import (
	"context"
	"testing"
)

type testChecker struct {
	items []Check
}

func (c *testChecker) Checks(context.Context) []Check {
	return c.items
}

func TestAggregatorWorstStatusWins(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(
		&testChecker{items: []Check{{ID: "database", Status: StatusOK}}},
		nil,
		&testChecker{items: []Check{
			{ID: "listener.email", Status: StatusWarn},
			{ID: "listener.whatsapp_matrix", Status: StatusOK},
		}},
	)

	report := agg.Report(context.Background())
	if len(report.Checks) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(report.Checks))
	}
	if report.Status != StatusWarn {
		t.Fatalf("expected warn, got %s", report.Status)
	}
}

func TestAggregatorErrorOutranksWarn(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(&testChecker{items: []Check{
		{ID: "a", Status: StatusError},
		{ID: "b", Status: StatusWarn},
	}})
	if got := agg.Report(context.Background()).Status; got != StatusError {
		t.Fatalf("expected error, got %s", got)
	}
}

func TestNilAggregator(t *testing.T) {
	t.Parallel()

	var agg *Aggregator
	report := agg.Report(context.Background())
	if report.Status != StatusOK || len(report.Checks) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
}
