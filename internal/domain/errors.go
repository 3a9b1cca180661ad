package domain

import (
	"context"
	"errors"
)

type ErrorKind string

const (
	KindStorageFull        ErrorKind = "StorageFull"
	KindSerialization      ErrorKind = "SerializationError"
	KindUnauthenticated    ErrorKind = "Unauthenticated"
	KindQuotaExceeded      ErrorKind = "QuotaExceeded"
	KindNotFound           ErrorKind = "NotFound"
	KindRateLimited        ErrorKind = "RateLimited"
	KindNetworkUnavailable ErrorKind = "NetworkUnavailable"
	KindInvalid            ErrorKind = "InvalidConversation"
	KindUnknown            ErrorKind = "Unknown"
)

var (
	ErrStorageFull         = errors.New("local storage full")
	ErrSerialization       = errors.New("serialization failed")
	ErrUnauthenticated     = errors.New("remote authentication required")
	ErrQuotaExceeded       = errors.New("remote storage quota exceeded")
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("remote rate limit reached")
	ErrNetworkUnavailable  = errors.New("network unavailable")
	ErrInvalidConversation = errors.New("invalid conversation")
)

// KindOf classifies err into the taxonomy the orchestrator acts on. Deadline
// errors count as network failures.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStorageFull):
		return KindStorageFull
	case errors.Is(err, ErrSerialization):
		return KindSerialization
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNetworkUnavailable), errors.Is(err, context.DeadlineExceeded):
		return KindNetworkUnavailable
	case errors.Is(err, ErrInvalidConversation):
		return KindInvalid
	default:
		return KindUnknown
	}
}

// Transient reports whether a retry may succeed without user action.
func (k ErrorKind) Transient() bool {
	return k == KindRateLimited || k == KindNetworkUnavailable || k == KindUnknown
}
