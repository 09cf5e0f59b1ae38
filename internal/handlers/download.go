package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/honeydew/honeydew/internal/download"
	apperr "github.com/honeydew/honeydew/internal/errors"
	"github.com/honeydew/honeydew/internal/storage"
)

// DownloadHandler serves finalized uploads on /{id}/raw and /{id}/download.
type DownloadHandler struct {
	downloads *download.Service
}

// NewDownloadHandler creates a DownloadHandler.
func NewDownloadHandler(downloads *download.Service) *DownloadHandler {
	return &DownloadHandler{downloads: downloads}
}

// Raw serves the upload inline.
func (h *DownloadHandler) Raw(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "inline")
}

// Download serves the upload as an attachment.
func (h *DownloadHandler) Download(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "attachment")
}

func (h *DownloadHandler) serve(w http.ResponseWriter, r *http.Request, disposition string) {
	ctx := r.Context()

	rec, err := h.downloads.Lookup(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var rng *storage.ByteRange
	if header := r.Header.Get("Range"); header != "" {
		parsed, err := parseRange(header, rec.Length)
		if err != nil {
			if !errors.Is(err, errUnsatisfiable) {
				slog.Debug("Rejecting range", "upload_id", rec.ID, "range", header, "error", err)
			}
			writeUnsatisfiable(w, r, rec.Length)
			return
		}
		rng = parsed
	}

	d, err := h.downloads.Open(ctx, rec, rng)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidRange) {
			writeUnsatisfiable(w, r, rec.Length)
			return
		}
		writeError(w, r, err)
		return
	}
	defer d.Object.Body.Close()

	hdr := w.Header()
	hdr.Set("Content-Type", d.ContentType)
	hdr.Set("Content-Disposition", contentDisposition(disposition, d.FileName))
	hdr.Set("Content-Length", strconv.FormatInt(d.Object.Length, 10))
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("X-Content-Type-Options", "nosniff")
	if !rec.CreatedAt.IsZero() {
		hdr.Set("Last-Modified", rec.CreatedAt.UTC().Format(http.TimeFormat))
	}

	status := http.StatusOK
	if d.Object.ContentRange != nil {
		hdr.Set("Content-Range", d.Object.ContentRange.String())
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, d.Object.Body); err != nil && ctx.Err() == nil {
		slog.Warn("Download interrupted", "upload_id", rec.ID, "error", err)
	}
}
