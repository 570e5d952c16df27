package pipeline

import "testing"

func TestIsAuthErrorByStatusCode(t *testing.T) {
	for _, code := range []int{401, 403, 410} {
		if !IsAuthError(code, "") {
			t.Errorf("status %d should classify as auth error", code)
		}
	}
	if IsAuthError(500, "") {
		t.Error("status 500 should not classify as auth error")
	}
}

func TestIsAuthErrorByMessageSubstring(t *testing.T) {
	cases := []string{
		"Unauthorized request",
		"403 Forbidden",
		"token has EXPIRED",
		"Invalid Token supplied",
		"Access Denied by origin",
	}
	for _, msg := range cases {
		if !IsAuthError(0, msg) {
			t.Errorf("message %q should classify as auth error", msg)
		}
	}
	if IsAuthError(0, "connection reset by peer") {
		t.Error("unrelated message should not classify as auth error")
	}
}
