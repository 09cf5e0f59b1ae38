package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	apperr "github.com/honeydew/honeydew/internal/errors"
	"github.com/honeydew/honeydew/internal/ledger"
	"github.com/honeydew/honeydew/internal/upload"
)

// Resumable upload protocol constants.
const (
	TusVersion         = "1.0.0"
	TusExtensions      = "creation,termination"
	offsetOctetStream  = "application/offset+octet-stream"
	headerTusResumable = "Tus-Resumable"
	headerUploadOffset = "Upload-Offset"
	headerUploadLength = "Upload-Length"
	headerUploadMeta   = "Upload-Metadata"
)

// UploadHandler serves the upload API: the resumable endpoints under
// /api/uploads and the single-request endpoint /api/upload.
type UploadHandler struct {
	engine        *upload.Engine
	maxUploadSize int64
	publicURL     string
}

// NewUploadHandler creates an UploadHandler. maxUploadSize <= 0 disables the
// size limit. publicURL prefixes the links returned to clients; when empty
// the links are relative.
func NewUploadHandler(engine *upload.Engine, maxUploadSize int64, publicURL string) *UploadHandler {
	return &UploadHandler{
		engine:        engine,
		maxUploadSize: maxUploadSize,
		publicURL:     strings.TrimRight(publicURL, "/"),
	}
}

func (h *UploadHandler) checkSize(n int64) error {
	if h.maxUploadSize > 0 && n > h.maxUploadSize {
		return fmt.Errorf("declared %d bytes, limit %d: %w", n, h.maxUploadSize, apperr.ErrUploadTooLarge)
	}
	return nil
}

func (h *UploadHandler) link(parts ...string) string {
	return h.publicURL + "/" + path.Join(parts...)
}

// Options handles OPTIONS /api/uploads and advertises the protocol.
func (h *UploadHandler) Options(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerTusResumable, TusVersion)
	w.Header().Set("Tus-Version", TusVersion)
	w.Header().Set("Tus-Extension", TusExtensions)
	if h.maxUploadSize > 0 {
		w.Header().Set("Tus-Max-Size", strconv.FormatInt(h.maxUploadSize, 10))
	}
	w.WriteHeader(http.StatusNoContent)
}

// Create handles POST /api/uploads. The name metadata key is required;
// mediaType (or filetype) and language override the values derived from the
// file extension.
func (h *UploadHandler) Create(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerTusResumable, TusVersion)

	length, ok := parseLengthHeader(r, headerUploadLength)
	if !ok {
		writeError(w, r, apperr.ErrInvalidArgument.WithMessage("Upload-Length must be a non-negative integer"))
		return
	}
	if err := h.checkSize(length); err != nil {
		writeError(w, r, err)
		return
	}

	raw := r.Header.Get(headerUploadMeta)
	meta, err := parseUploadMetadata(raw)
	if err != nil {
		writeError(w, r, apperr.ErrInvalidArgument.WithMessage(err.Error()))
		return
	}

	mediaType := meta["mediaType"]
	if mediaType == "" {
		mediaType = meta["filetype"]
	}
	rec, err := h.engine.Create(r.Context(), upload.CreateRequest{
		FileName:     meta["name"],
		Length:       length,
		MediaType:    mediaType,
		CodeLanguage: meta["language"],
		Metadata:     raw,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Location", h.link("api", "uploads", rec.ID))
	w.Header().Set(headerUploadOffset, "0")
	w.WriteHeader(http.StatusCreated)
}

// Head handles HEAD /api/uploads/{id} and reports the committed offset.
func (h *UploadHandler) Head(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerTusResumable, TusVersion)
	w.Header().Set("Cache-Control", "no-store")

	rec, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set(headerUploadOffset, strconv.FormatInt(rec.UploadedLength, 10))
	w.Header().Set(headerUploadLength, strconv.FormatInt(rec.Length, 10))
	w.WriteHeader(http.StatusOK)
}

// Patch handles PATCH /api/uploads/{id}: the body is appended at
// Upload-Offset, which must equal the committed offset.
func (h *UploadHandler) Patch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerTusResumable, TusVersion)
	id := chi.URLParam(r, "id")

	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct != offsetOctetStream {
		writeError(w, r, apperr.ErrUnsupportedMediaType)
		return
	}
	offset, ok := parseLengthHeader(r, headerUploadOffset)
	if !ok {
		writeError(w, r, apperr.ErrInvalidArgument.WithMessage("Upload-Offset must be a non-negative integer"))
		return
	}

	n, err := h.engine.AppendAt(r.Context(), id, offset, r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if r.Context().Err() != nil {
		slog.Info("Client went away during append", "upload_id", id, "committed", offset+n)
		return
	}

	w.Header().Set(headerUploadOffset, strconv.FormatInt(offset+n, 10))
	w.WriteHeader(http.StatusNoContent)
}

// Delete handles DELETE /api/uploads/{id}.
func (h *UploadHandler) Delete(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(headerTusResumable, TusVersion)
	if err := h.engine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SimpleUploadResult is the JSON body returned by /api/upload.
type SimpleUploadResult struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	DownloadURL string `json:"download_url"`
	Length      int64  `json:"length"`
}

// SimpleUpload handles POST /api/upload?filename=: the whole file is the
// request body and must be announced with Content-Length.
func (h *UploadHandler) SimpleUpload(w http.ResponseWriter, r *http.Request) {
	filename := strings.TrimSpace(r.URL.Query().Get("filename"))
	if filename == "" {
		writeError(w, r, apperr.ErrInvalidArgument.WithMessage("`filename` query parameter must be supplied"))
		return
	}
	if r.ContentLength < 0 {
		writeError(w, r, apperr.ErrMissingContentLength)
		return
	}
	if err := h.checkSize(r.ContentLength); err != nil {
		writeError(w, r, err)
		return
	}

	rec, err := h.engine.WriteAll(r.Context(), upload.CreateRequest{
		FileName: filename,
		Length:   r.ContentLength,
	}, r.Body)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Info("Client went away during upload", "filename", filename)
			return
		}
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, SimpleUploadResult{
		ID:          rec.ID,
		URL:         h.link(rec.ID, "raw"),
		DownloadURL: h.link(rec.ID, "download"),
		Length:      rec.Length,
	})
}

// UploadView is the JSON view of an upload record.
type UploadView struct {
	ID                   string     `json:"id" doc:"Upload ID"`
	FileName             string     `json:"file_name" doc:"Name the upload is served under"`
	OriginalFileName     string     `json:"original_file_name"`
	MediaType            string     `json:"media_type"`
	CodeLanguage         string     `json:"code_language,omitempty"`
	Length               int64      `json:"length" doc:"Declared size in bytes"`
	UploadedLength       int64      `json:"uploaded_length" doc:"Bytes committed so far"`
	Status               string     `json:"status" enum:"Pending,Complete"`
	CreatedAt            time.Time  `json:"created_at"`
	PendingForDeletionAt *time.Time `json:"pending_for_deletion_at,omitempty"`
	RawURL               string     `json:"raw_url"`
	DownloadURL          string     `json:"download_url"`
}

// GetUploadInput is the huma input of the upload view.
type GetUploadInput struct {
	ID string `path:"id" maxLength:"64" doc:"Upload ID"`
}

// GetUploadOutput is the huma output of the upload view.
type GetUploadOutput struct {
	Body UploadView
}

// GetUpload serves GET /api/uploads/{id}.
func (h *UploadHandler) GetUpload(ctx context.Context, in *GetUploadInput) (*GetUploadOutput, error) {
	rec, err := h.engine.Get(ctx, in.ID)
	if err != nil {
		return nil, HumaError(err)
	}
	return &GetUploadOutput{Body: h.view(rec)}, nil
}

func (h *UploadHandler) view(rec *ledger.UploadRecord) UploadView {
	return UploadView{
		ID:                   rec.ID,
		FileName:             rec.FileName(),
		OriginalFileName:     rec.OriginalFileName,
		MediaType:            rec.MediaType,
		CodeLanguage:         rec.CodeLanguage,
		Length:               rec.Length,
		UploadedLength:       rec.UploadedLength,
		Status:               string(rec.Status),
		CreatedAt:            rec.CreatedAt,
		PendingForDeletionAt: rec.PendingForDeletionAt,
		RawURL:               h.link(rec.ID, "raw"),
		DownloadURL:          h.link(rec.ID, "download"),
	}
}

// HumaError converts a domain error into a huma status error.
func HumaError(err error) error {
	var apiErr *apperr.APIError
	if errors.As(err, &apiErr) {
		return huma.NewError(apiErr.HTTPStatus, apiErr.Message)
	}
	slog.Error("Request failed", "error", err)
	return huma.Error500InternalServerError(apperr.ErrInternalError.Message)
}
