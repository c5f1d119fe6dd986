package apiclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// MaxBodyPreview bounds how much of a response body is echoed into errors.
const MaxBodyPreview = 500

// Envelope is the backend's standard response wrapper.
type Envelope[T any] struct {
	Success bool      `json:"success"`
	Data    *T        `json:"data"`
	Error   *APIError `json:"error"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// DecodeEnvelope reads and closes resp.Body. Empty 401/403 bodies, which some
// auth middleware sends, are turned into a failed envelope instead of an error.
func DecodeEnvelope[T any](resp *http.Response) (Envelope[T], error) {
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Envelope[T]{}, fmt.Errorf("read response: %w", err)
	}
	if len(raw) == 0 {
		switch resp.StatusCode {
		case http.StatusUnauthorized:
			return Envelope[T]{Error: &APIError{Code: "UNAUTHORIZED", Message: "unauthorized"}}, nil
		case http.StatusForbidden:
			return Envelope[T]{Error: &APIError{Code: "PERMISSION_DENIED", Message: "permission denied"}}, nil
		}
		return Envelope[T]{}, fmt.Errorf("empty response from server: status %d", resp.StatusCode)
	}

	var env Envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope[T]{}, fmt.Errorf("parse response (status %d, body %q): %w",
			resp.StatusCode, Truncate(string(raw), MaxBodyPreview), err)
	}
	return env, nil
}

// Truncate cuts s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
