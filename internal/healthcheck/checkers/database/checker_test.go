package databasechecker

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestCheckerReportsPingResult(t *testing.T) {
	t.Parallel()

	ok := NewChecker(nil, fakePinger{}).Checks(context.Background())
	if len(ok) != 1 || ok[0].Status != "ok" {
		t.Fatalf("expected ok check, got %+v", ok)
	}

	down := NewChecker(nil, fakePinger{err: errors.New("connection refused")}).Checks(context.Background())
	if down[0].Status != "error" || down[0].Detail != "connection refused" {
		t.Fatalf("expected error check, got %+v", down[0])
	}
}
