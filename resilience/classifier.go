package resilience

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/itsneelabh/callrelay/core"
)

var statusInText = regexp.MustCompile(`\b([45]\d\d)\b`)

// Classify maps a raw failure to an ErrorKind. A non-zero HTTP status takes
// precedence, then structured errors, then the error text.
// It is deterministic and has no side effects.
func Classify(statusCode int, err error) core.ErrorKind {
	if kind, ok := ClassifyStatus(statusCode); ok {
		return kind
	}
	if err == nil {
		return core.KindUnknown
	}

	var ce *core.CallError
	if errors.As(err, &ce) {
		if kind, ok := ClassifyStatus(ce.StatusCode); ok {
			return kind
		}
		if ce.Kind != "" {
			return ce.Kind
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrTimeout):
		return core.KindTimeout
	case errors.Is(err, core.ErrUnserializableArguments), errors.Is(err, core.ErrSchemaValidation):
		return core.KindValidation
	case errors.Is(err, core.ErrExecutionFailed):
		return core.KindExecution
	case errors.Is(err, core.ErrCancelled), errors.Is(err, context.Canceled):
		return core.KindCancelled
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.KindTimeout
	}

	return ClassifyMessage(err.Error())
}

// ClassifyStatus maps an HTTP status code. ok is false for codes below 400.
func ClassifyStatus(code int) (core.ErrorKind, bool) {
	switch {
	case code == 401, code == 403:
		return core.KindAuth, true
	case code == 429:
		return core.KindRateLimit, true
	case code >= 500 && code <= 599:
		return core.KindServer, true
	case code >= 400 && code <= 499:
		return core.KindValidation, true
	}
	return "", false
}

// ClassifyMessage applies substring rules to free-form failure text.
func ClassifyMessage(msg string) core.ErrorKind {
	lower := strings.ToLower(msg)

	if containsAny(lower, "timeout", "timed out", "deadline exceeded") {
		return core.KindTimeout
	}
	if m := statusInText.FindStringSubmatch(lower); m != nil {
		code, _ := strconv.Atoi(m[1])
		if kind, ok := ClassifyStatus(code); ok {
			return kind
		}
	}

	switch {
	case containsAny(lower, "rate limit", "too many requests"):
		return core.KindRateLimit
	case containsAny(lower, "unauthorized", "forbidden", "invalid api key", "authentication"):
		return core.KindAuth
	case containsAny(lower, "internal server error", "bad gateway", "service unavailable"):
		return core.KindServer
	case containsAny(lower, "bad request", "invalid", "validation", "not found"):
		return core.KindValidation
	}
	return core.KindUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
