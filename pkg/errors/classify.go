package errors

import (
	"context"
	stderr "errors"
	"net"
	"strings"
)

// Class is the coarse outcome class used to decide how a failed operation is handled.
type Class int

const (
	ClassNone Class = iota
	ClassRateLimit
	ClassNetwork
	ClassData
	ClassAuth
	ClassCancelled
	ClassOther
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassRateLimit:
		return "rate-limit"
	case ClassNetwork:
		return "network"
	case ClassData:
		return "data"
	case ClassAuth:
		return "auth"
	case ClassCancelled:
		return "cancelled"
	default:
		return "other"
	}
}

var (
	rateLimitPatterns = []string{"rate limit", "too many requests", "429"}
	networkPatterns   = []string{
		"failed to fetch", "network", "connection refused", "connection reset",
		"no such host", "timeout", "timed out", "aborted", "eof", "offline",
	}
	dataPatterns = []string{"violates", "constraint", "duplicate key", "syntax error", "invalid input"}
	authPatterns = []string{"jwt", "unauthorized", "not authorized", "permission denied", "invalid login"}
)

// Classify maps err to a Class. Codes win over HTTP status, status over Go
// error types, and message patterns are the last resort.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var dlErr *DataLayerError
	if stderr.As(err, &dlErr) {
		if c := classifyCode(dlErr.Code); c != ClassOther {
			return c
		}
		if dlErr.Code == ErrCodeBackendError {
			if c := ClassifyStatus(dlErr.HTTPStatus); c != ClassOther {
				return c
			}
			return classifyMessage(dlErr.Message)
		}
		if dlErr.Cause != nil {
			return Classify(dlErr.Cause)
		}
		return ClassOther
	}

	if stderr.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if stderr.Is(err, context.DeadlineExceeded) {
		return ClassNetwork
	}
	var netErr net.Error
	if stderr.As(err, &netErr) {
		return ClassNetwork
	}

	return classifyMessage(err.Error())
}

// ClassifyStatus maps an HTTP status code to a Class.
func ClassifyStatus(status int) Class {
	switch {
	case status == 429:
		return ClassRateLimit
	case status == 401 || status == 403:
		return ClassAuth
	case status == 408 || status >= 500:
		return ClassNetwork
	case status == 400 || status == 404 || status == 409 || status == 422:
		return ClassData
	default:
		return ClassOther
	}
}

func classifyCode(code ErrorCode) Class {
	switch code {
	case ErrCodeRateLimited:
		return ClassRateLimit
	case ErrCodeNetworkError, ErrCodeConnectionFailed, ErrCodeConnectionTimeout,
		ErrCodeOperationTimeout, ErrCodeServerError:
		return ClassNetwork
	case ErrCodeConstraintViolation, ErrCodeMalformedQuery, ErrCodeNotFound, ErrCodeValidationFailed:
		return ClassData
	case ErrCodeAuthenticationFailed, ErrCodePermissionDenied, ErrCodeTokenExpired:
		return ClassAuth
	case ErrCodeOperationCanceled:
		return ClassCancelled
	default:
		return ClassOther
	}
}

func classifyMessage(msg string) Class {
	msg = strings.ToLower(msg)
	switch {
	case containsAny(msg, rateLimitPatterns):
		return ClassRateLimit
	case containsAny(msg, dataPatterns):
		return ClassData
	case containsAny(msg, authPatterns):
		return ClassAuth
	case containsAny(msg, networkPatterns):
		return ClassNetwork
	default:
		return ClassOther
	}
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// IsRateLimit reports whether err means the backend is throttling us.
func IsRateLimit(err error) bool { return Classify(err) == ClassRateLimit }

// IsNetwork reports whether err is a transport-level failure.
func IsNetwork(err error) bool { return Classify(err) == ClassNetwork }

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var dlErr *DataLayerError
	if stderr.As(err, &dlErr) {
		return dlErr.Retryable
	}
	switch Classify(err) {
	case ClassRateLimit, ClassNetwork:
		return true
	default:
		return false
	}
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	var dlErr *DataLayerError
	for err != nil {
		if stderr.As(err, &dlErr) {
			if dlErr.Code == code {
				return true
			}
			err = dlErr.Cause
			continue
		}
		return false
	}
	return false
}
