package channel

import (
	"errors"
	"fmt"
)

// Kind is the error classification shared by adapters, pipeline and dispatcher.
type Kind string

const (
	KindUnknown              Kind = ""
	KindSignatureInvalid     Kind = "SignatureInvalid"
	KindMalformedEvent       Kind = "MalformedEvent"
	KindDuplicate            Kind = "Duplicate"
	KindMediaDownloadFailed  Kind = "MediaDownloadFailed"
	KindPolicyWindowExpired  Kind = "PolicyWindowExpired"
	KindAttachmentTooLarge   Kind = "AttachmentTooLarge"
	KindRecipientNotFound    Kind = "RecipientNotFound"
	KindTransportUnavailable Kind = "TransportUnavailable"
	KindProviderRateLimited  Kind = "ProviderRateLimited"
	KindConfigurationMissing Kind = "ConfigurationMissing"
)

// Terminal reports whether an outbound failure of this kind must not be retried.
func (k Kind) Terminal() bool {
	switch k {
	case KindPolicyWindowExpired, KindAttachmentTooLarge, KindRecipientNotFound, KindConfigurationMissing, KindMalformedEvent:
		return true
	default:
		return false
	}
}

// Error is a classified adapter error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

var (
	ErrSignatureInvalid     = &Error{Kind: KindSignatureInvalid}
	ErrMalformedEvent       = &Error{Kind: KindMalformedEvent}
	ErrDuplicate            = &Error{Kind: KindDuplicate}
	ErrMediaDownloadFailed  = &Error{Kind: KindMediaDownloadFailed}
	ErrPolicyWindowExpired  = &Error{Kind: KindPolicyWindowExpired}
	ErrAttachmentTooLarge   = &Error{Kind: KindAttachmentTooLarge}
	ErrRecipientNotFound    = &Error{Kind: KindRecipientNotFound}
	ErrTransportUnavailable = &Error{Kind: KindTransportUnavailable}
	ErrProviderRateLimited  = &Error{Kind: KindProviderRateLimited}
	ErrConfigurationMissing = &Error{Kind: KindConfigurationMissing}
)

// NewError wraps err with a kind and operation name.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}
