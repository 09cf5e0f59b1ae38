// Package handlers provides the HTTP handlers for uploads and downloads.
package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	apperr "github.com/honeydew/honeydew/internal/errors"
	"github.com/honeydew/honeydew/internal/storage"
)

// RequestIDHeader carries the request ID on every response.
const RequestIDHeader = "X-Request-Id"

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to write JSON response", "error", err)
	}
}

// writeError maps err to its API error and writes it. Errors that carry no
// API error are logged and answered with 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apperr.APIError
	if !errors.As(err, &apiErr) {
		slog.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		apiErr = apperr.ErrInternalError
	} else if apiErr.HTTPStatus >= 500 {
		slog.ErrorContext(r.Context(), "Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}

	writeJSON(w, apiErr.HTTPStatus, ErrorBody{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

// errUnsatisfiable marks a syntactically valid range that lies outside the
// object.
var errUnsatisfiable = errors.New("range not satisfiable")

// parseRange parses an HTTP Range header against an object of size bytes.
// Supports three formats:
//   - bytes=0-4   (first 5 bytes)
//   - bytes=5-    (from byte 5 to end)
//   - bytes=-10   (last 10 bytes)
//
// A suffix range is converted to an absolute start. An end past the object
// is left for the backend to clamp. Multiple ranges are not supported.
func parseRange(header string, size int64) (*storage.ByteRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok {
		return nil, fmt.Errorf("invalid range header %q: missing bytes= prefix", header)
	}
	if strings.Contains(spec, ",") {
		return nil, fmt.Errorf("multi-range not supported: %q", header)
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, fmt.Errorf("invalid range spec: %q", spec)
	}
	startStr = strings.TrimSpace(startStr)
	endStr = strings.TrimSpace(endStr)

	if startStr == "" {
		// Suffix range: bytes=-N (last N bytes).
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid suffix length: %q", endStr)
		}
		if size == 0 {
			return nil, errUnsatisfiable
		}
		return storage.NewByteRange(max(0, size-n), -1), nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("invalid range start: %q", startStr)
	}
	if start >= size {
		return nil, errUnsatisfiable
	}
	if endStr == "" {
		return storage.NewByteRange(start, -1), nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return nil, fmt.Errorf("invalid range end: %q", endStr)
	}
	return storage.NewByteRange(start, end), nil
}

// writeUnsatisfiable answers 416 with the size of the object.
func writeUnsatisfiable(w http.ResponseWriter, r *http.Request, size int64) {
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
	writeError(w, r, apperr.ErrInvalidRange)
}

// parseUploadMetadata decodes an Upload-Metadata header: comma-separated
// pairs of a key and an optional base64 value. Keys without a value map to
// the empty string.
func parseUploadMetadata(header string) (map[string]string, error) {
	meta := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return meta, nil
	}
	for _, pair := range strings.Split(header, ",") {
		fields := strings.Fields(pair)
		switch len(fields) {
		case 0:
			continue
		case 1:
			meta[fields[0]] = ""
		case 2:
			v, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return nil, fmt.Errorf("metadata value of %q is not base64", fields[0])
			}
			meta[fields[0]] = string(v)
		default:
			return nil, fmt.Errorf("malformed metadata pair %q", strings.TrimSpace(pair))
		}
	}
	return meta, nil
}

// contentDisposition renders a Content-Disposition value. Non-ASCII names
// are encoded per RFC 2231.
func contentDisposition(disposition, filename string) string {
	if filename == "" {
		return disposition
	}
	if v := mime.FormatMediaType(disposition, map[string]string{"filename": filename}); v != "" {
		return v
	}
	return disposition
}

// parseLengthHeader reads a non-negative integer header.
func parseLengthHeader(r *http.Request, name string) (int64, bool) {
	v := strings.TrimSpace(r.Header.Get(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
