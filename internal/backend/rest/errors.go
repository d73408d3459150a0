package rest

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/vitalog/datalayer/pkg/errors"
)

// decodeError turns an error response into a coded DataLayerError.
// Data API bodies look like {"code","message","details","hint"}; auth API
// bodies use {"error","error_description"} or {"msg"}.
func decodeError(status int, body []byte) *errors.DataLayerError {
	var backendCode, message string
	if gjson.ValidBytes(body) {
		backendCode = firstString(body, "code", "error_code", "error")
		message = firstString(body, "message", "msg", "error_description", "error")
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}
	if message == "" {
		message = "backend returned status " + strconv.Itoa(status)
	}

	e := errors.NewError(codeFor(status, backendCode, message), message).
		WithComponent("rest").
		WithHTTPStatus(status).
		WithBackendCode(backendCode)
	if details := gjson.GetBytes(body, "details"); details.Exists() && details.String() != "" {
		e.WithDetail("details", details.String())
	}
	if hint := gjson.GetBytes(body, "hint"); hint.Exists() && hint.String() != "" {
		e.WithDetail("hint", hint.String())
	}
	return e
}

func firstString(body []byte, paths ...string) string {
	for _, p := range paths {
		if r := gjson.GetBytes(body, p); r.Exists() && r.Type == gjson.String && r.String() != "" {
			return r.String()
		}
		if r := gjson.GetBytes(body, p); r.Exists() && r.Type == gjson.Number {
			return r.Raw
		}
	}
	return ""
}

func codeFor(status int, backendCode, message string) errors.ErrorCode {
	lower := strings.ToLower(message)
	switch {
	case status == 429:
		return errors.ErrCodeRateLimited
	case status == 401 && strings.Contains(lower, "jwt expired"):
		return errors.ErrCodeTokenExpired
	case status == 401:
		return errors.ErrCodeAuthenticationFailed
	case status == 403:
		return errors.ErrCodePermissionDenied
	case strings.HasPrefix(backendCode, "23"):
		// integrity constraint violation class
		return errors.ErrCodeConstraintViolation
	case backendCode == "PGRST116":
		return errors.ErrCodeNotFound
	case strings.HasPrefix(backendCode, "PGRST1"), strings.HasPrefix(backendCode, "42"),
		strings.HasPrefix(backendCode, "22"):
		return errors.ErrCodeMalformedQuery
	case status == 404 || status == 406:
		return errors.ErrCodeNotFound
	case status == 400 && backendCode == "invalid_grant":
		return errors.ErrCodeAuthenticationFailed
	case status >= 500:
		return errors.ErrCodeServerError
	default:
		return errors.ErrCodeBackendError
	}
}
