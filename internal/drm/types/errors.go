package types

import "fmt"

// ContentKeyError is the closed set of failures when constructing or
// parsing a ContentKey.
type ContentKeyError struct {
	Kind string // "invalid_format", "invalid_hex", "invalid_kid_length", "empty_key"
	Detail string
	KidLen int
}

func (e *ContentKeyError) Error() string {
	switch e.Kind {
	case "invalid_kid_length":
		return fmt.Sprintf("content key: invalid kid length %d (want 16)", e.KidLen)
	case "invalid_hex":
		return fmt.Sprintf("content key: invalid hex: %s", e.Detail)
	case "empty_key":
		return "content key: key is empty"
	default:
		return fmt.Sprintf("content key: invalid format: %s", e.Detail)
	}
}

var (
	errInvalidFormat = &ContentKeyError{Kind: "invalid_format", Detail: "expected kid_hex:key_hex"}
)

func newInvalidHex(detail string) error        { return &ContentKeyError{Kind: "invalid_hex", Detail: detail} }
func newInvalidKidLength(n int) error           { return &ContentKeyError{Kind: "invalid_kid_length", KidLen: n} }
func newEmptyKey() error                        { return &ContentKeyError{Kind: "empty_key"} }

// ParseError reports a failed enum/value parse (SystemId, KeyType, ...).
type ParseError struct {
	Kind  string
	Value string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Kind, e.Value)
}
