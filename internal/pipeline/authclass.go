package pipeline

import "strings"

// authSubstrings is matched case-insensitively against an error's message
// when no HTTP status code is available (or the status code itself is not
// conclusive), per the classifier contract: any of these phrases in a
// remux or license-exchange error means the upstream grant needs refresh.
var authSubstrings = []string{
	"unauthorized",
	"forbidden",
	"expired",
	"invalid token",
	"access denied",
}

// IsAuthError reports whether an upstream failure should latch
// needs_refresh: an HTTP 401/403/410 status, or one of the known
// case-insensitive substrings appearing in the error message.
func IsAuthError(statusCode int, message string) bool {
	switch statusCode {
	case 401, 403, 410:
		return true
	}
	lower := strings.ToLower(message)
	for _, s := range authSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
