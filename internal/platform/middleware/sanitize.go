package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/careguard/internal/platform/audit"
)

const (
	maxHeaderValueSize = 8192
	// maxScannedBody caps how much of a JSON body is inspected.
	maxScannedBody = 64 << 10
)

var (
	// Logged and audited, never blocked: parameterized queries make these
	// harmless, but they show someone testing the API.
	sqlPatterns = regexp.MustCompile(`(?i)('+\s*;\s*DROP\b|UNION\s+SELECT\b|'\s+OR\s+1\s*=\s*1|1\s*=\s*1)`)

	// Event handler attributes only count inside a tag, so prose such as
	// "condition=stable" passes.
	scriptPatterns = regexp.MustCompile(`(?i)(<script|javascript\s*:|<[^>]*\bon\w+\s*=)`)
)

// Sanitizer rejects requests carrying path traversal, null bytes, header
// injection or script payloads, and records each finding as a
// suspicious_input audit event.
type Sanitizer struct {
	logger zerolog.Logger
	sink   audit.Sink
	// ScanBody enables inspection of JSON request bodies.
	ScanBody bool
}

func NewSanitizer(logger zerolog.Logger, sink audit.Sink) *Sanitizer {
	return &Sanitizer{logger: logger, sink: sink, ScanBody: true}
}

func (s *Sanitizer) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			rawPath := req.URL.RawPath
			if rawPath == "" {
				rawPath = path
			}

			if containsPathTraversal(path) || containsPathTraversal(rawPath) {
				return s.reject(c, "path", "path_traversal", "path traversal detected")
			}
			if containsNullByte(path) || containsNullByte(rawPath) {
				return s.reject(c, "path", "null_byte", "null byte in path")
			}

			for name, values := range req.Header {
				for _, v := range values {
					if len(v) > maxHeaderValueSize {
						return s.reject(c, name, "oversized_header", "header value exceeds maximum size")
					}
					if strings.ContainsAny(v, "\r\n") {
						return s.reject(c, name, "header_injection", "header injection detected")
					}
				}
			}

			for key, values := range req.URL.Query() {
				for _, v := range values {
					if containsNullByte(v) || containsNullByte(key) {
						return s.reject(c, key, "null_byte", "null byte in query parameter")
					}
					if scriptPatterns.MatchString(v) || scriptPatterns.MatchString(key) {
						return s.reject(c, key, "script_injection", "script content is not allowed")
					}
					if sqlPatterns.MatchString(v) {
						s.flag(c, key, "sql_pattern")
					}
				}
			}

			if s.ScanBody && isJSON(req) && req.Body != nil && req.Body != http.NoBody {
				body, err := io.ReadAll(io.LimitReader(req.Body, maxScannedBody+1))
				if err != nil {
					return err
				}
				if len(body) <= maxScannedBody {
					// Give the handler the full body back.
					req.Body = io.NopCloser(bytes.NewReader(body))
					if scriptPatterns.Match(body) {
						return s.reject(c, "body", "script_injection", "script content is not allowed")
					}
					if sqlPatterns.Match(body) {
						s.flag(c, "body", "sql_pattern")
					}
				} else {
					req.Body = readCloser{io.MultiReader(bytes.NewReader(body), req.Body), req.Body}
				}
			}

			return next(c)
		}
	}
}

func (s *Sanitizer) reject(c echo.Context, field, pattern, message string) error {
	s.record(c, field, pattern, true)
	return ValidationError("invalid_input", field, message)
}

func (s *Sanitizer) flag(c echo.Context, field, pattern string) {
	s.record(c, field, pattern, false)
}

func (s *Sanitizer) record(c echo.Context, field, pattern string, blocked bool) {
	rid, _ := c.Get("request_id").(string)
	s.logger.Warn().
		Str("request_id", rid).
		Str("field", field).
		Str("pattern", pattern).
		Bool("blocked", blocked).
		Str("path", c.Request().URL.Path).
		Str("remote_ip", c.RealIP()).
		Msg("suspicious input")

	if s.sink == nil {
		return
	}
	outcome := audit.OutcomeFailure
	if blocked {
		outcome = audit.OutcomeDenied
	}
	// Principal is not known yet; the event carries request facts only.
	err := s.sink.Record(context.WithoutCancel(c.Request().Context()), audit.Event{
		Kind:     audit.KindSuspiciousInput,
		Outcome:  outcome,
		Reason:   pattern,
		RemoteIP: c.RealIP(),
		Payload: map[string]any{
			"field":   field,
			"method":  c.Request().Method,
			"route":   c.Path(),
			"blocked": blocked,
		},
	})
	if err != nil {
		s.logger.Error().Err(err).Str("request_id", rid).Msg("audit suspicious input")
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}

func isJSON(req *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(req.Header.Get(echo.HeaderContentType)), echo.MIMEApplicationJSON)
}

func containsPathTraversal(s string) bool {
	if strings.Contains(s, "..") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%2e%2e") || strings.Contains(lower, "%252e")
}

func containsNullByte(s string) bool {
	return strings.ContainsRune(s, '\x00') || strings.Contains(strings.ToLower(s), "%00")
}

// SanitizeString strips null bytes and control characters other than
// newline, carriage return and tab, then trims surrounding whitespace.
func SanitizeString(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r == '\x00' {
			continue
		}
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
