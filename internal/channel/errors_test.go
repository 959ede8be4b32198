package channel

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByKind(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("send: %w", Errorf(KindPolicyWindowExpired, "whatsapp.send", "last inbound %s ago", "25h"))
	if !errors.Is(err, ErrPolicyWindowExpired) {
		t.Fatal("expected PolicyWindowExpired match")
	}
	if errors.Is(err, ErrAttachmentTooLarge) {
		t.Fatal("unexpected AttachmentTooLarge match")
	}
	if KindOf(err) != KindPolicyWindowExpired {
		t.Fatalf("unexpected kind: %s", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("plain errors have no kind")
	}
}

func TestErrorUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: no such host")
	err := NewError(KindTransportUnavailable, "smtp.send", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
	if got := err.Error(); got != "smtp.send: TransportUnavailable: dial tcp: no such host" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestKindTerminal(t *testing.T) {
	t.Parallel()

	terminal := []Kind{KindPolicyWindowExpired, KindAttachmentTooLarge, KindRecipientNotFound, KindConfigurationMissing}
	for _, k := range terminal {
		if !k.Terminal() {
			t.Fatalf("%s should be terminal", k)
		}
	}
	retryable := []Kind{KindTransportUnavailable, KindProviderRateLimited, KindUnknown}
	for _, k := range retryable {
		if k.Terminal() {
			t.Fatalf("%s should be retryable", k)
		}
	}
}
