// Package fwerr defines the engine-wide closed set of error kinds.
//
// Every error the engine raises wraps exactly one of the sentinels below via
// %w, so callers can classify failures with errors.Is/errors.As without
// depending on message text.
package fwerr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of semantic error classes the engine can raise.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidFile
	KindInvalidData
	KindNotSupported
	KindNotFound
	KindAuthFailed
	KindAuthExpired
	KindSignatureInvalid
	KindInternal
	KindNothingToDo
	KindNeedsUserAction
	KindNeedsReboot
	KindTimeout
	KindBusy
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidFile:
		return "invalid-file"
	case KindInvalidData:
		return "invalid-data"
	case KindNotSupported:
		return "not-supported"
	case KindNotFound:
		return "not-found"
	case KindAuthFailed:
		return "auth-failed"
	case KindAuthExpired:
		return "auth-expired"
	case KindSignatureInvalid:
		return "signature-invalid"
	case KindInternal:
		return "internal"
	case KindNothingToDo:
		return "nothing-to-do"
	case KindNeedsUserAction:
		return "needs-user-action"
	case KindNeedsReboot:
		return "needs-reboot"
	case KindTimeout:
		return "timeout"
	case KindBusy:
		return "busy"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// sentinel errors, one per Kind, so errors.Is works without a typed wrapper.
var (
	ErrInvalidFile      = errors.New(KindInvalidFile.String())
	ErrInvalidData      = errors.New(KindInvalidData.String())
	ErrNotSupported     = errors.New(KindNotSupported.String())
	ErrNotFound         = errors.New(KindNotFound.String())
	ErrAuthFailed       = errors.New(KindAuthFailed.String())
	ErrAuthExpired      = errors.New(KindAuthExpired.String())
	ErrSignatureInvalid = errors.New(KindSignatureInvalid.String())
	ErrInternal         = errors.New(KindInternal.String())
	ErrNothingToDo      = errors.New(KindNothingToDo.String())
	ErrNeedsUserAction  = errors.New(KindNeedsUserAction.String())
	ErrNeedsReboot      = errors.New(KindNeedsReboot.String())
	ErrTimeout          = errors.New(KindTimeout.String())
	ErrBusy             = errors.New(KindBusy.String())
	ErrCancelled        = errors.New(KindCancelled.String())
)

var kindToSentinel = map[Kind]error{
	KindInvalidFile:      ErrInvalidFile,
	KindInvalidData:      ErrInvalidData,
	KindNotSupported:     ErrNotSupported,
	KindNotFound:         ErrNotFound,
	KindAuthFailed:       ErrAuthFailed,
	KindAuthExpired:      ErrAuthExpired,
	KindSignatureInvalid: ErrSignatureInvalid,
	KindInternal:         ErrInternal,
	KindNothingToDo:      ErrNothingToDo,
	KindNeedsUserAction:  ErrNeedsUserAction,
	KindNeedsReboot:      ErrNeedsReboot,
	KindTimeout:          ErrTimeout,
	KindBusy:             ErrBusy,
	KindCancelled:        ErrCancelled,
}

var sentinelToKind = func() map[error]Kind {
	m := make(map[error]Kind, len(kindToSentinel))
	for k, v := range kindToSentinel {
		m[v] = k
	}
	return m
}()

// wrapped carries a message alongside the sentinel it classifies as.
type wrapped struct {
	kind Kind
	msg  string
	err  error
}

func (w *wrapped) Error() string {
	if w.msg == "" {
		return w.err.Error()
	}
	return fmt.Sprintf("%s: %s", w.err.Error(), w.msg)
}

func (w *wrapped) Unwrap() error { return w.err }

// New builds an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	sentinel, ok := kindToSentinel[kind]
	if !ok {
		sentinel = ErrInternal
	}
	return &wrapped{kind: kind, msg: fmt.Sprintf(format, args...), err: sentinel}
}

// Wrap attaches a Kind to an arbitrary error, preserving it in the chain.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	sentinel, ok := kindToSentinel[kind]
	if !ok {
		sentinel = ErrInternal
	}
	return &wrapped{kind: kind, err: fmt.Errorf("%w: %w", sentinel, err)}
}

// KindOf extracts the Kind carried by err, walking the error chain.
// Returns KindUnknown if err does not carry a recognized sentinel.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var w *wrapped
	if errors.As(err, &w) {
		return w.kind
	}
	for sentinel, kind := range sentinelToKind {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the engine should consider retrying an
// operation that failed with err. Only timeout/busy are retryable by
// default; cancellation and all content/auth failures are not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindBusy:
		return true
	default:
		return false
	}
}
