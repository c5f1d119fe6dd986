package sse

import (
	"io"

	"golang.org/x/text/encoding/unicode"
)

// NewTextReader wraps a response body so every read yields valid UTF-8.
// Invalid bytes become U+FFFD and a multi-byte rune split across network
// reads is held back until it is complete.
func NewTextReader(r io.Reader) io.Reader {
	return unicode.UTF8.NewDecoder().Reader(r)
}
