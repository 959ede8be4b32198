package channel

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestPartsSkipsDeliveredOnRetry(t *testing.T) {
	t.Parallel()

	first := NewParts(nil)
	boom := Errorf(KindTransportUnavailable, "test.send", "connection reset")
	if err := first.Do("attachment:0", func() (string, error) { return "m-1", nil }); err != nil {
		t.Fatalf("first part: %v", err)
	}
	err := first.Fail(first.Do("text", func() (string, error) { return "", boom }))

	var partial *PartialSendError
	if !errors.As(err, &partial) {
		t.Fatalf("expected partial send error, got %v", err)
	}
	if KindOf(err) != KindTransportUnavailable {
		t.Fatalf("kind must survive wrapping, got %s", KindOf(err))
	}

	// Metadata goes through JSON between attempts.
	raw, _ := json.Marshal(map[string]any{MetaDeliveredParts: partial.Delivered})
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		t.Fatal(err)
	}

	retry := NewParts(meta)
	calls := 0
	for _, key := range []string{"attachment:0", "text"} {
		if err := retry.Do(key, func() (string, error) { calls++; return "m-2", nil }); err != nil {
			t.Fatalf("retry %s: %v", key, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected only the undelivered part to be sent, got %d sends", calls)
	}
	if ids := retry.IDs(); len(ids) != 2 || ids[0] != "m-1" || ids[1] != "m-2" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestPartsFailWithoutDeliveries(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	if err := NewParts(nil).Fail(cause); err != cause {
		t.Fatalf("expected the cause unchanged, got %v", err)
	}
}
