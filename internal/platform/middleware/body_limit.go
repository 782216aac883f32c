package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/labstack/echo/v4"
)

// DefaultBodyLimit applies when a limit string is empty or unparseable.
const DefaultBodyLimit = 1 << 20

// BodyLimit returns middleware that limits the request body size.
// defaultLimit applies to most endpoints while uploadLimit applies to POSTs
// under uploadPrefix, where multi-file DICOM batches are sent.
//
// Limits are human-readable sizes as understood by go-humanize ("512KiB",
// "10MB", "2GB"). When a limit is exceeded the middleware answers 413.
func BodyLimit(defaultLimit, uploadLimit, uploadPrefix string) echo.MiddlewareFunc {
	defaultBytes := parseLimit(defaultLimit)
	uploadBytes := parseLimit(uploadLimit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Body == nil || c.Request().Body == http.NoBody {
				return next(c)
			}

			limit := defaultBytes
			if c.Request().Method == http.MethodPost && uploadPrefix != "" &&
				strings.HasPrefix(c.Request().URL.Path, uploadPrefix) {
				limit = uploadBytes
			}

			// Content-Length allows early rejection
			if c.Request().ContentLength > limit {
				return payloadTooLargeError(c, limit)
			}

			// enforce the limit even when Content-Length is missing or wrong
			c.Request().Body = &limitedReadCloser{
				ReadCloser: c.Request().Body,
				remaining:  limit,
			}

			return next(c)
		}
	}
}

// limitedReadCloser returns an error once more than the limit is read.
type limitedReadCloser struct {
	io.ReadCloser
	remaining int64
	exceeded  bool
}

func (r *limitedReadCloser) Read(p []byte) (n int, err error) {
	if r.exceeded {
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, errorBody("request body too large"))
	}

	// one byte past the limit detects overflow
	toRead := int64(len(p))
	if toRead > r.remaining+1 {
		toRead = r.remaining + 1
	}

	n, err = r.ReadCloser.Read(p[:toRead])
	r.remaining -= int64(n)

	if r.remaining < 0 {
		r.exceeded = true
		return 0, echo.NewHTTPError(http.StatusRequestEntityTooLarge, errorBody("request body too large"))
	}

	return n, err
}

func payloadTooLargeError(c echo.Context, limit int64) error {
	msg := fmt.Sprintf("request body exceeds maximum allowed size of %s", humanize.IBytes(uint64(limit)))
	return c.JSON(http.StatusRequestEntityTooLarge, errorBody(msg))
}

// parseLimit parses a human-readable size into bytes, falling back to
// DefaultBodyLimit.
func parseLimit(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultBodyLimit
	}
	n, err := humanize.ParseBytes(s)
	if err != nil || n == 0 {
		return DefaultBodyLimit
	}
	return int64(n)
}
