package registry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrorType categorizes provider errors for failover and cooldown decisions.
type ErrorType string

const (
	ErrorTypeUnknown         ErrorType = "unknown"
	ErrorTypeContextOverflow ErrorType = "context_overflow"
	ErrorTypeRateLimit       ErrorType = "rate_limit"
	ErrorTypeOverloaded      ErrorType = "overloaded"
	ErrorTypeAuth            ErrorType = "auth"
	ErrorTypeBilling         ErrorType = "billing"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeFormat          ErrorType = "format"
	ErrorTypeMaxTokens       ErrorType = "max_tokens"
)

// ParseMaxTokensLimit checks if a message indicates max_tokens exceeds the
// model's limit. Returns (true, limit) if matched and the limit parsed, else
// (true, 0) if it's clearly a max_tokens error with no parseable limit, or
// (false, 0) if it isn't a max_tokens error at all.
func ParseMaxTokensLimit(msg string) (bool, int) {
	if msg == "" {
		return false, 0
	}

	re1 := regexp.MustCompile(`max_tokens:\s*\d+\s*>\s*(\d+)`)
	if matches := re1.FindStringSubmatch(msg); len(matches) > 1 {
		if limit, err := strconv.Atoi(matches[1]); err == nil {
			return true, limit
		}
	}

	re2 := regexp.MustCompile(`max_tokens\s+(?:must be\s*(?:<=\s*)?|cannot exceed\s*|<=\s*)(\d+)`)
	if matches := re2.FindStringSubmatch(msg); len(matches) > 1 {
		if limit, err := strconv.Atoi(matches[1]); err == nil {
			return true, limit
		}
	}

	re3 := regexp.MustCompile(`maximum.*?output.*?tokens.*?(\d+)`)
	if matches := re3.FindStringSubmatch(strings.ToLower(msg)); len(matches) > 1 {
		if limit, err := strconv.Atoi(matches[1]); err == nil {
			return true, limit
		}
	}

	lower := strings.ToLower(msg)
	if strings.Contains(lower, "max_tokens") &&
		(strings.Contains(lower, "maximum") || strings.Contains(lower, "exceed") || strings.Contains(lower, ">")) {
		return true, 0
	}

	return false, 0
}

func isMaxTokensMessage(msg string) bool {
	ok, _ := ParseMaxTokensLimit(msg)
	return ok
}

// ClassifyError determines the error type from a provider error message.
// Checked in order of specificity — max_tokens must be checked before auth,
// since a 400 invalid_request_error for an oversized max_tokens was otherwise
// misclassified as an auth failure.
func ClassifyError(msg string) ErrorType {
	if msg == "" {
		return ErrorTypeUnknown
	}
	switch {
	case isMaxTokensMessage(msg):
		return ErrorTypeMaxTokens
	case isContextOverflowMessage(msg):
		return ErrorTypeContextOverflow
	case isRateLimitMessage(msg):
		return ErrorTypeRateLimit
	case isOverloadedMessage(msg):
		return ErrorTypeOverloaded
	case isBillingMessage(msg):
		return ErrorTypeBilling
	case isAuthMessage(msg):
		return ErrorTypeAuth
	case isTimeoutMessage(msg):
		return ErrorTypeTimeout
	case isFormatMessage(msg):
		return ErrorTypeFormat
	default:
		return ErrorTypeUnknown
	}
}

// IsFailoverError returns true if the error type should trigger dispatch to
// the next candidate provider rather than surfacing the error to the client.
// context_overflow, format and max_tokens need request-level remediation,
// not failover.
func IsFailoverError(errType ErrorType) bool {
	switch errType {
	case ErrorTypeRateLimit, ErrorTypeAuth, ErrorTypeBilling, ErrorTypeTimeout, ErrorTypeOverloaded:
		return true
	default:
		return false
	}
}

// FormatErrorForUser returns a user-facing message for an error type.
func FormatErrorForUser(msg string, errType ErrorType) string {
	switch errType {
	case ErrorTypeContextOverflow:
		return "Context overflow: prompt too large for the selected model."
	case ErrorTypeRateLimit:
		return "Rate limited by the upstream provider. Please retry shortly."
	case ErrorTypeOverloaded:
		return "Upstream provider is temporarily overloaded."
	case ErrorTypeAuth:
		return "Authentication with the upstream provider failed."
	case ErrorTypeBilling:
		return "Billing issue with the upstream provider account."
	case ErrorTypeTimeout:
		return "Upstream request timed out."
	case ErrorTypeFormat:
		return "Request format rejected by the upstream provider."
	case ErrorTypeMaxTokens:
		return "Output token limit exceeds the model's maximum."
	default:
		return fmt.Sprintf("upstream error: %s", msg)
	}
}

// CheckResponseBody re-derives a clearer error from a captured HTTP response
// body when the original error looks like an SSE/JSON parse failure — some
// providers emit error bodies that client decoders choke on before the
// caller ever sees the real message.
func CheckResponseBody(originalErr error, respBody []byte) error {
	if len(respBody) == 0 || originalErr == nil {
		return originalErr
	}

	body := string(respBody)
	errType := ClassifyError(body)

	switch errType {
	case ErrorTypeMaxTokens:
		if _, limit := ParseMaxTokensLimit(body); limit > 0 {
			return fmt.Errorf("max_tokens exceeds model limit of %d (original error: %v)", limit, originalErr)
		}
		return fmt.Errorf("max_tokens exceeds model limit (original error: %v)", originalErr)
	case ErrorTypeContextOverflow:
		return fmt.Errorf("context size has been exceeded (original error: %v)", originalErr)
	case ErrorTypeRateLimit:
		return fmt.Errorf("rate limit exceeded (original error: %v)", originalErr)
	case ErrorTypeOverloaded:
		return fmt.Errorf("service overloaded (original error: %v)", originalErr)
	case ErrorTypeAuth:
		return fmt.Errorf("authentication failed (original error: %v)", originalErr)
	case ErrorTypeBilling:
		return fmt.Errorf("billing error (original error: %v)", originalErr)
	case ErrorTypeTimeout:
		return fmt.Errorf("request timed out (original error: %v)", originalErr)
	case ErrorTypeFormat:
		return fmt.Errorf("invalid request format (original error: %v)", originalErr)
	default:
		return originalErr
	}
}

func isContextOverflowMessage(msg string) bool {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "context size has been exceeded"),
		strings.Contains(lower, "context_length_exceeded"),
		strings.Contains(lower, "context length exceeded"),
		strings.Contains(lower, "maximum context length"),
		strings.Contains(lower, "prompt is too long"),
		strings.Contains(lower, "request_too_large"),
		strings.Contains(lower, "request exceeds the maximum size"),
		strings.Contains(lower, "exceeds model context window"),
		strings.Contains(lower, "context overflow"),
		strings.Contains(lower, "exceeded model token limit"):
		return true
	}
	if strings.Contains(lower, "413") && strings.Contains(lower, "too large") {
		return true
	}
	if strings.Contains(lower, "request size exceeds") && strings.Contains(lower, "context") {
		return true
	}
	return false
}

func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "429") {
		return true
	}
	return strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "exceeded your current quota") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "resource_exhausted") ||
		strings.Contains(lower, "resource has been exhausted") ||
		strings.Contains(lower, "usage limit") ||
		strings.Contains(lower, "requests per minute") ||
		strings.Contains(lower, "requests per day")
}

func isOverloadedMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "503") && (strings.Contains(lower, "service") || strings.Contains(lower, "unavailable")) {
		return true
	}
	return strings.Contains(lower, "overloaded_error") ||
		strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "server is busy") ||
		strings.Contains(lower, "temporarily unavailable") ||
		strings.Contains(lower, "capacity")
}

func isAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "401") || strings.Contains(lower, "403") {
		return true
	}
	return strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "invalid_api_key") ||
		strings.Contains(lower, "incorrect api key") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "access denied") ||
		strings.Contains(lower, "token has expired") ||
		strings.Contains(lower, "authentication") ||
		strings.Contains(lower, "no api key found") ||
		strings.Contains(lower, "api key not found") ||
		strings.Contains(lower, "invalid credentials")
}

func isBillingMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "402") {
		return true
	}
	return strings.Contains(lower, "payment required") ||
		strings.Contains(lower, "insufficient credits") ||
		strings.Contains(lower, "credit balance") ||
		strings.Contains(lower, "plans & billing") ||
		strings.Contains(lower, "billing") ||
		strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "account balance")
}

func isTimeoutMessage(msg string) bool {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "408") || strings.Contains(lower, "504") {
		return true
	}
	return strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "context deadline exceeded") ||
		strings.Contains(lower, "request cancelled") ||
		strings.Contains(lower, "connection reset")
}

func isFormatMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "invalid request format") ||
		strings.Contains(lower, "roles must alternate") ||
		strings.Contains(lower, "incorrect role information") ||
		strings.Contains(lower, "tool_use.id") ||
		strings.Contains(lower, "messages.*.content") ||
		strings.Contains(lower, "invalid_request_error") ||
		strings.Contains(lower, "malformed") ||
		strings.Contains(lower, "schema validation")
}
