package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"anthropic-relay-go/internal/config"
	"anthropic-relay-go/internal/metrics"
	"anthropic-relay-go/internal/model"
	"anthropic-relay-go/internal/service"
)

// streamChunkSize is the read size for event-stream relay. Each chunk is
// written and flushed to the client before the next read.
const streamChunkSize = 4096

// credentialPattern matches x-api-key values embedded in error messages.
var credentialPattern = regexp.MustCompile(`(?i)(x-api-key[:=]\s*)[^\s"&]+`)

// RelayHandler forwards API requests to the upstream Anthropic API.
type RelayHandler struct {
	service *service.RelayService
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayHandler creates a RelayHandler. The metrics parameter is optional;
// pass nil to disable relay metrics recording.
func NewRelayHandler(svc *service.RelayService, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayHandler {
	return &RelayHandler{
		service: svc,
		cfg:     cfg,
		logger:  logger.With("component", "relay_handler"),
		metrics: m,
	}
}

// Handle relays the request to the upstream Anthropic API and writes the
// response back. CORS preflights are answered locally without touching the
// upstream. Event-stream responses are relayed chunk-by-chunk with a flush
// after every write; everything else is buffered and written whole.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodOptions {
		return h.handlePreflight(c)
	}

	rr := &model.RelayRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
		Body:     req.Body,
	}

	resp, err := h.service.Forward(rr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if service.IsEventStream(resp.Header) {
		return h.relayStreamed(c, resp)
	}
	return h.relayBuffered(c, resp)
}

// handlePreflight answers a CORS preflight immediately with permissive
// cross-origin headers. No upstream connection is opened.
func (h *RelayHandler) handlePreflight(c echo.Context) error {
	hdr := c.Response().Header()
	hdr.Set(echo.HeaderAccessControlAllowOrigin, "*")
	hdr.Set(echo.HeaderAccessControlAllowMethods, "GET, POST, OPTIONS")
	hdr.Set(echo.HeaderAccessControlAllowHeaders, "*")
	return c.NoContent(http.StatusOK)
}

// relayBuffered reads the whole upstream body first, so a mid-body read
// failure can still produce a clean error status, then writes status,
// headers, and body in one go.
func (h *RelayHandler) relayBuffered(c echo.Context, resp *model.RelayResponse) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.mapError(c, err)
	}

	h.writeRelayHeaders(c, resp)
	c.Response().WriteHeader(resp.StatusCode)

	if _, err := c.Response().Write(body); err != nil {
		h.logger.Error("writing buffered response",
			"err", h.sanitizeError(err),
			"path", c.Request().URL.Path,
		)
	}

	h.recordRelay(metrics.ModeBuffered, int64(len(body)))
	return nil
}

// relayStreamed copies the upstream body to the client in fixed-size chunks,
// flushing after every write so event-stream data reaches the client as it
// arrives. Once the status line is out, a failure can only truncate the
// stream; the connection is dropped and the error logged.
func (h *RelayHandler) relayStreamed(c echo.Context, resp *model.RelayResponse) error {
	h.writeRelayHeaders(c, resp)
	c.Response().WriteHeader(resp.StatusCode)

	w := c.Response()
	buf := make([]byte, streamChunkSize)
	var written int64

	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				h.logger.Error("writing stream chunk",
					"err", h.sanitizeError(werr),
					"path", c.Request().URL.Path,
				)
				break
			}
			written += int64(n)
			w.Flush()
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			h.logger.Error("reading upstream stream",
				"err", h.sanitizeError(err),
				"path", c.Request().URL.Path,
			)
			break
		}
	}

	h.recordRelay(metrics.ModeStreamed, written)
	return nil
}

// writeRelayHeaders copies the already-filtered upstream headers onto the
// client response.
func (h *RelayHandler) writeRelayHeaders(c echo.Context, resp *model.RelayResponse) {
	hdr := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			hdr.Add(key, v)
		}
	}
}

func (h *RelayHandler) recordRelay(mode string, bytes int64) {
	if h.metrics == nil {
		return
	}
	h.metrics.RelayedResponses.WithLabelValues(mode).Inc()
	h.metrics.RelayedBytes.WithLabelValues(mode).Add(float64(bytes))
}

// mapError translates a relay failure into the best-matching HTTP error
// status: timeouts become 504, upstream connect/DNS/TLS failures 502, and
// anything unclassified 500. If response bytes have already been committed
// the status line cannot be changed; the error is only logged.
func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay error",
		"err", h.sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if c.Response().Committed {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return c.JSON(http.StatusGatewayTimeout, map[string]string{
				"error": "upstream request timed out",
			})
		}
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "relay failed",
	})
}

// sanitizeError scrubs the configured credential and any x-api-key values
// from error text before it reaches a log line.
func (h *RelayHandler) sanitizeError(err error) string {
	msg := err.Error()
	if h.cfg != nil && h.cfg.Anthropic.APIKey != "" {
		msg = strings.ReplaceAll(msg, h.cfg.Anthropic.APIKey, "[REDACTED]")
	}
	return credentialPattern.ReplaceAllString(msg, "${1}[REDACTED]")
}
