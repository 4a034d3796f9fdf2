package canonical

import "fmt"

// EncodingError reports a payload that falls outside the supported value
// grammar. Such payloads are rejected, never coerced.
type EncodingError struct {
	Path string // JSON-pointer-like location, "" for the root
	Msg  string
}

func (e *EncodingError) Error() string {
	if e.Path == "" {
		return "canonical: " + e.Msg
	}
	return fmt.Sprintf("canonical: %s: %s", e.Path, e.Msg)
}

func encodingErr(path, format string, args ...any) *EncodingError {
	return &EncodingError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

func childPath(parent, key string) string {
	return parent + "/" + key
}
