package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

func TestNewError(t *testing.T) {
	t.Parallel()

	t.Run("creates error with all defaults", func(t *testing.T) {
		err := NewError(ErrCodeInvalidConfig, "configuration is invalid")
		if err == nil {
			t.Fatal("NewError returned nil")
		}
		if err.Code != ErrCodeInvalidConfig {
			t.Errorf("Code = %v, want %v", err.Code, ErrCodeInvalidConfig)
		}
		if err.Category != CategoryConfiguration {
			t.Errorf("Category = %v, want %v", err.Category, CategoryConfiguration)
		}
		if err.Details == nil {
			t.Error("Details map is nil")
		}
		if err.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	})

	t.Run("sets retryable defaults", func(t *testing.T) {
		if !NewError(ErrCodeRateLimited, "slow down").Retryable {
			t.Error("RateLimited should be retryable by default")
		}
		if NewError(ErrCodeConstraintViolation, "dup").Retryable {
			t.Error("ConstraintViolation should not be retryable by default")
		}
	})

	t.Run("sets HTTP status defaults", func(t *testing.T) {
		tests := []struct {
			code       ErrorCode
			wantStatus int
		}{
			{ErrCodeMalformedQuery, 400},
			{ErrCodeAuthenticationFailed, 401},
			{ErrCodePermissionDenied, 403},
			{ErrCodeNotFound, 404},
			{ErrCodeConstraintViolation, 409},
			{ErrCodeRateLimited, 429},
			{ErrCodeInternalError, 500},
			{ErrCodeConnectionTimeout, 504},
		}
		for _, tt := range tests {
			err := NewError(tt.code, "test")
			if err.HTTPStatus != tt.wantStatus {
				t.Errorf("%v: HTTPStatus = %d, want %d", tt.code, err.HTTPStatus, tt.wantStatus)
			}
		}
	})
}

func TestDataLayerErrorFormatting(t *testing.T) {
	err := NewError(ErrCodeQueueCleared, "queue cleared").
		WithComponent("queue").
		WithOperation("clear").
		WithDetail("pending", 3)

	if got := err.Error(); got != "[queue:clear] QUEUE_CLEARED: queue cleared" {
		t.Errorf("Error() = %q", got)
	}
	if !strings.Contains(err.String(), "Details={\"pending\":3}") {
		t.Errorf("String() missing details: %s", err.String())
	}

	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatalf("marshal: %v", jerr)
	}
	if !strings.Contains(string(data), `"code":"QUEUE_CLEARED"`) {
		t.Errorf("JSON missing code: %s", data)
	}
}

func TestErrorsIsAndAs(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := NewError(ErrCodeNetworkError, "request failed").WithCause(cause)
	wrapped := fmt.Errorf("dispatch: %w", err)

	if !errors.Is(wrapped, NewError(ErrCodeNetworkError, "")) {
		t.Error("errors.Is should match by code")
	}
	if errors.Is(wrapped, NewError(ErrCodeRateLimited, "")) {
		t.Error("errors.Is should not match a different code")
	}
	var dl *DataLayerError
	if !errors.As(wrapped, &dl) || dl.Code != ErrCodeNetworkError {
		t.Error("errors.As should find the DataLayerError")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("errors.Is should reach the cause")
	}
	if !HasCode(wrapped, ErrCodeNetworkError) {
		t.Error("HasCode should find NETWORK_ERROR")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassNone},
		{"rate limited code", NewError(ErrCodeRateLimited, "x"), ClassRateLimit},
		{"backend 429", NewError(ErrCodeBackendError, "x").WithHTTPStatus(429), ClassRateLimit},
		{"backend 503", NewError(ErrCodeBackendError, "x").WithHTTPStatus(503), ClassNetwork},
		{"backend 401", NewError(ErrCodeBackendError, "x").WithHTTPStatus(401), ClassAuth},
		{"backend 409", NewError(ErrCodeBackendError, "x").WithHTTPStatus(409), ClassData},
		{"constraint", NewError(ErrCodeConstraintViolation, "dup"), ClassData},
		{"queue cleared", NewError(ErrCodeQueueCleared, "cleared"), ClassOther},
		{"wrapped net error", NewError(ErrCodeInternalError, "x").WithCause(timeoutErr{}), ClassNetwork},
		{"net error", timeoutErr{}, ClassNetwork},
		{"deadline", context.DeadlineExceeded, ClassNetwork},
		{"canceled", context.Canceled, ClassCancelled},
		{"fetch message", errors.New("TypeError: Failed to fetch"), ClassNetwork},
		{"rate message", errors.New("Too Many Requests"), ClassRateLimit},
		{"data message", errors.New("duplicate key value violates unique constraint"), ClassData},
		{"jwt message", errors.New("JWT expired"), ClassAuth},
		{"plain", errors.New("boom"), ClassOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(errors.New("network request failed")) {
		t.Error("network message should be retryable")
	}
	if IsRetryable(NewError(ErrCodeMalformedQuery, "bad")) {
		t.Error("malformed query should not be retryable")
	}
	if !IsRetryable(NewError(ErrCodeMalformedQuery, "bad").WithRetryable(true)) {
		t.Error("explicit retryable flag should win")
	}
}
