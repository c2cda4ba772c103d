package files

import (
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/radif/fileservice/internal/multipart"
	"github.com/radif/fileservice/internal/response"
	"github.com/radif/fileservice/internal/storage"
)

// UploadResponse is returned by a successful upload.
type UploadResponse struct {
	URI string `json:"uri" example:"http://localhost:8080/files/media/9b2f6a3e-6c1d-4f3b-8f0e-2a7d9c4b1e55"`
}

// Handler holds the HTTP handlers of the file endpoints.
type Handler struct {
	svc    *Service
	logger *log.Logger
}

// NewHandler creates a new files Handler.
func NewHandler(svc *Service, logger *log.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.With("component", "files-http")}
}

// Register mounts the file routes. The media route lives under mediaRoot,
// the same path FileURL builds, and is only served when the service itself
// hands out file content.
func (h *Handler) Register(r chi.Router, mediaRoot string, serveLocally bool) {
	r.Post("/files/upload", h.Upload)
	if serveLocally {
		r.Get(MediaPattern(mediaRoot), h.Media)
	}
}

// MediaPattern is the route pattern of the media endpoint under mediaRoot.
func MediaPattern(mediaRoot string) string {
	return "/" + strings.Trim(mediaRoot, "/") + "/{id}"
}

// Upload godoc
//
//	@Summary		Upload a file
//	@Description	Streams a single multipart file part into storage and returns its URL.
//	@Tags			files
//	@Accept			multipart/form-data
//	@Produce		json
//	@Param			file	formData	file	true	"File to upload"
//	@Success		201		{object}	UploadResponse
//	@Failure		400		{object}	response.Envelope
//	@Failure		413		{object}	response.Envelope
//	@Failure		500		{object}	response.Envelope
//	@Router			/files/upload [post]
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	info, err := h.svc.Upload(r.Context(), r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		switch {
		case errors.Is(err, multipart.ErrFileTooLarge):
			response.RequestEntityTooLarge(w, err.Error())
		case errors.Is(err, multipart.ErrMalformedRequest),
			errors.Is(err, multipart.ErrTooManyParts):
			response.BadRequest(w, err.Error())
		case errors.Is(err, ErrNoFile):
			response.BadRequest(w, "no file part in request")
		default:
			h.logger.Error("upload failed", "error", err, "request_id", requestID(r))
			response.InternalError(w)
		}
		return
	}

	response.JSON(w, http.StatusCreated, UploadResponse{URI: h.svc.FileURL(r, info)})
}

// Media godoc
//
//	@Summary		Download a file
//	@Description	Returns the raw content of an uploaded file. Supports range requests. Served under MEDIA_ROOT.
//	@Tags			files
//	@Produce		octet-stream
//	@Param			id	path		string	true	"File identifier"
//	@Success		200	{file}		binary
//	@Failure		404	{object}	response.Envelope
//	@Failure		500	{object}	response.Envelope
//	@Router			/files/media/{id} [get]
func (h *Handler) Media(w http.ResponseWriter, r *http.Request) {
	id, err := storage.IDFromPath(chi.URLParam(r, "id"))
	if err != nil {
		response.NotFound(w, "file not found")
		return
	}

	rec, obj, err := h.svc.Open(r.Context(), id)
	if err != nil {
		if IsNotFound(err) {
			response.NotFound(w, "file not found")
			return
		}
		h.logger.Error("open file", "id", id, "error", err, "request_id", requestID(r))
		response.InternalError(w)
		return
	}
	defer obj.Close()

	contentType := rec.FileFormat
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	if name := rec.DisplayName(); name != "" {
		w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": name}))
	}
	http.ServeContent(w, r, rec.DisplayName(), obj.ModTime(), obj)
}

func requestID(r *http.Request) string {
	return chiMiddleware.GetReqID(r.Context())
}
