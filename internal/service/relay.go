// Package service implements the core relay forwarding logic.
package service

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"anthropic-relay-go/internal/client"
	"anthropic-relay-go/internal/config"
	"anthropic-relay-go/internal/model"
)

// CredentialHeader is the upstream authentication header the relay injects.
const CredentialHeader = "X-Api-Key"

// eventStreamMediaType marks server-sent-event responses; its presence in
// Content-Type selects chunked relay over whole-body buffering.
const eventStreamMediaType = "text/event-stream"

// allowedUpstreamHosts restricts which hosts the relay will forward to.
// The upstream is fixed by design; this backstops misconfiguration.
var allowedUpstreamHosts = map[string]bool{
	"api.anthropic.com": true,
}

// skipRequestHeaders are inbound headers never copied upstream. Host is
// re-derived from the upstream URL; Transfer-Encoding belongs to the hop.
var skipRequestHeaders = []string{
	"Host",
	"Transfer-Encoding",
}

// skipResponseHeaders are upstream headers never copied back to the client.
// The relay's own transport re-derives chunking and connection semantics
// for the client hop.
var skipResponseHeaders = []string{
	"Transfer-Encoding",
	"Connection",
}

// RelayService handles the forwarding logic for relay requests.
type RelayService struct {
	client  *client.AnthropicClient
	cfg     *config.Config
	logger  *slog.Logger
	baseURL *url.URL
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.AnthropicClient, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	if !allowedUpstreamHosts[u.Hostname()] {
		return nil, fmt.Errorf("upstream host %q is not in the allowlist", u.Hostname())
	}

	return &RelayService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "relay_service"),
		baseURL: u,
	}, nil
}

// NewRelayServiceForTest creates a RelayService without host allowlist validation.
// This is intended only for tests that use httptest servers on localhost.
func NewRelayServiceForTest(c *client.AnthropicClient, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	return &RelayService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "relay_service"),
		baseURL: u,
	}, nil
}

// Forward replays a RelayRequest against the upstream Anthropic API and
// returns the response with its body still unread, ready to be streamed or
// buffered by the caller. The caller is responsible for closing the body.
func (s *RelayService) Forward(rr *model.RelayRequest) (*model.RelayResponse, error) {
	upstreamURL := s.buildUpstreamURL(rr.Path, rr.RawPath, rr.RawQuery)
	header := s.buildOutboundHeaders(rr.Header)

	s.logger.Debug("forwarding request",
		"method", rr.Method,
		"path", rr.Path,
	)

	resp, err := s.client.DoStream(rr.Ctx, rr.Method, upstreamURL, header, rr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = s.filterResponseHeaders(resp.Header)
	return resp, nil
}

// buildUpstreamURL joins the upstream base with the inbound path and query,
// forwarded verbatim. RawPath keeps the caller's percent-escapes intact;
// without it an escaped slash would collapse into a path separator.
func (s *RelayService) buildUpstreamURL(path, rawPath, rawQuery string) string {
	u := *s.baseURL
	u.Path = path
	u.RawPath = rawPath
	u.RawQuery = rawQuery
	return u.String()
}

// buildOutboundHeaders copies every inbound header except the skip-set,
// then injects the configured credential — but only when the caller did not
// already supply one, so alternate auth schemes pass through untouched.
// Duplicate values are preserved in order; the Host header is re-derived
// from the upstream URL by the transport.
func (s *RelayService) buildOutboundHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if skipHeader(key, skipRequestHeaders) {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = vals
	}

	// Presence of the header is what suppresses injection, not its value:
	// a caller deliberately sending an empty credential keeps it.
	if s.cfg.InjectionEnabled() && len(dst.Values(CredentialHeader)) == 0 {
		dst.Set(CredentialHeader, s.cfg.Anthropic.APIKey)
	}

	return dst
}

// filterResponseHeaders copies every upstream header except the skip-set.
func (s *RelayService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if skipHeader(key, skipResponseHeaders) {
			continue
		}
		dst[key] = vals
	}
	return dst
}

// skipHeader reports whether key matches any entry of the skip-set,
// case-insensitively.
func skipHeader(key string, skip []string) bool {
	for _, s := range skip {
		if strings.EqualFold(key, s) {
			return true
		}
	}
	return false
}

// IsEventStream reports whether the response headers identify a
// server-sent-event stream.
func IsEventStream(header http.Header) bool {
	return strings.Contains(strings.ToLower(header.Get("Content-Type")), eventStreamMediaType)
}
