// Package model defines shared types for the relay.
package model

import (
	"context"
	"io"
	"net/http"
)

// RelayRequest represents a client request to be replayed upstream.
// RawPath preserves the original percent-encoding of Path so the request
// target reaches the upstream byte-for-byte.
type RelayRequest struct {
	Ctx      context.Context
	Method   string
	Path     string
	RawPath  string
	RawQuery string
	Header   http.Header
	Body     io.ReadCloser
}

// RelayResponse represents the upstream response to be relayed back,
// either streamed chunk-by-chunk or buffered whole.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
