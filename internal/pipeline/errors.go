package pipeline

import "fmt"

// Error is the closed set of pipeline lifecycle failures.
type Error struct {
	Kind   string // "stopping", "startup_timeout", "remux_auth_error", "remux_shutdown", "remux_other"
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("pipeline: %s: %s", e.Kind, e.Detail)
	}
	return "pipeline: " + e.Kind
}

func errStopping() error                { return &Error{Kind: "stopping"} }
func errStartupTimeout() error           { return &Error{Kind: "startup_timeout"} }
func errRemuxAuth(detail string) error   { return &Error{Kind: "remux_auth_error", Detail: detail} }
func errRemuxShutdown() error            { return &Error{Kind: "remux_shutdown"} }
func errRemuxOther(detail string) error  { return &Error{Kind: "remux_other", Detail: detail} }
