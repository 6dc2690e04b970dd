package kerrors

import (
	"errors"
	"fmt"
)

// Sentinel errors. Components wrap these with fmt.Errorf("%w: ...") so callers
// can classify failures with errors.Is while still getting a descriptive message.
var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrDenylistedKey   = errors.New("denylisted key")
	ErrQueueFull       = errors.New("queue full")

	ErrCorrupt             = errors.New("store invariant violated")
	ErrIoFailure           = errors.New("io failure")
	ErrCorruptCiphertext   = errors.New("corrupt ciphertext")
	ErrUnknownKeyVersion   = errors.New("unknown key version")
	ErrUnsupportedEncoding = errors.New("unsupported encoding")

	ErrChainBroken      = errors.New("audit chain broken")
	ErrSignatureInvalid = errors.New("audit signature invalid")
	ErrAuditIoFailure   = errors.New("audit io failure")
)

// CodeOf maps a sentinel error to its stable Code, defaulting to Internal.
func CodeOf(err error) Code {
	switch {
	case errors.Is(err, ErrPayloadTooLarge):
		return PayloadTooLarge
	case errors.Is(err, ErrDenylistedKey):
		return DenylistedKey
	case errors.Is(err, ErrQueueFull):
		return QueueFull
	case errors.Is(err, ErrCorrupt):
		return Corrupt
	case errors.Is(err, ErrIoFailure):
		return IoFailure
	case errors.Is(err, ErrCorruptCiphertext):
		return CorruptCiphertext
	case errors.Is(err, ErrUnknownKeyVersion):
		return UnknownKeyVersion
	case errors.Is(err, ErrUnsupportedEncoding):
		return UnsupportedEncoding
	case errors.Is(err, ErrChainBroken):
		return ChainBroken
	case errors.Is(err, ErrSignatureInvalid):
		return SignatureInvalid
	case errors.Is(err, ErrAuditIoFailure):
		return AuditIoFailure
	default:
		return Internal
	}
}

// Wrap attaches context to a sentinel error while keeping it matchable via errors.Is.
func Wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
