package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/radif/fileservice/internal/metrics"
	"github.com/radif/fileservice/internal/mirror"
	"github.com/radif/fileservice/internal/multipart"
	"github.com/radif/fileservice/internal/storage"
)

// ErrNoFile is returned when an upload request carries no file part.
var ErrNoFile = errors.New("request contains no file")

// MetadataStore persists file metadata.
type MetadataStore interface {
	SaveFileMetadata(ctx context.Context, info *storage.FileInfo) error
	GetFileMetadata(ctx context.Context, id uuid.UUID) (*Record, error)
}

// Mirror schedules background copies of new files.
type Mirror interface {
	Enqueue(job mirror.Job) error
}

// Options bounds a single upload request.
type Options struct {
	MaxFileSize int64
	MaxFields   int
}

// Service couples the primary backend with the metadata store.
type Service struct {
	backend storage.Backend
	store   MetadataStore
	mirror  Mirror
	decoder *multipart.Decoder
	logger  *log.Logger
}

// NewService creates a files Service. mirrorPool may be nil.
func NewService(backend storage.Backend, store MetadataStore, mirrorPool Mirror, opts Options, logger *log.Logger) *Service {
	logger = logger.With("component", "files")
	decoderOpts := []multipart.Option{
		multipart.WithMaxFiles(1),
		multipart.WithLogger(logger),
	}
	if opts.MaxFileSize > 0 {
		decoderOpts = append(decoderOpts, multipart.WithMaxFileSize(opts.MaxFileSize))
	}
	if opts.MaxFields > 0 {
		decoderOpts = append(decoderOpts, multipart.WithMaxFields(opts.MaxFields))
	}

	return &Service{
		backend: backend,
		store:   store,
		mirror:  mirrorPool,
		decoder: multipart.NewDecoder(backend, decoderOpts...),
		logger:  logger,
	}
}

// Upload streams a multipart body into the primary backend and records its
// metadata. The metadata row is written only after the content is complete;
// if that write fails the stored content is removed again.
func (s *Service) Upload(ctx context.Context, contentType string, body io.Reader) (info *storage.FileInfo, err error) {
	start := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.UploadsTotal.WithLabelValues(string(s.backend.Kind()), result).Inc()
	}()

	form, err := s.decoder.Decode(ctx, contentType, body)
	if err != nil {
		return nil, err
	}
	file := form.FirstFile()
	if file == nil {
		return nil, ErrNoFile
	}

	info, err = file.Metadata()
	if err == nil {
		err = s.store.SaveFileMetadata(ctx, info)
	}
	if err != nil {
		s.discard(ctx, file.StorageFilename)
		return nil, fmt.Errorf("record upload: %w", err)
	}

	metrics.UploadedBytesTotal.WithLabelValues(string(s.backend.Kind())).Add(float64(info.Size))
	s.logger.Info("file uploaded",
		"id", info.Name,
		"size", info.Size,
		"format", info.FileFormat,
		"duration", time.Since(start),
	)

	if s.mirror != nil {
		// Enqueue logs its own failures; the upload has already succeeded.
		_ = s.mirror.Enqueue(mirror.Job{StorageFilename: info.StorageFilename()})
	}
	return info, nil
}

// discard removes content whose metadata could not be recorded. It runs even
// when the request context has already ended.
func (s *Service) discard(ctx context.Context, storageFilename string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := s.backend.Delete(ctx, storageFilename); err != nil && !errors.Is(err, storage.ErrFileNotFound) {
		s.logger.Error("remove orphaned upload", "file", storageFilename, "error", err)
	}
}

// Open looks up a file by identifier and opens its content. The caller closes
// the returned object.
func (s *Service) Open(ctx context.Context, id uuid.UUID) (*Record, storage.Object, error) {
	rec, err := s.store.GetFileMetadata(ctx, id)
	if err != nil {
		s.countDownload(err)
		return nil, nil, err
	}

	obj, err := s.backend.GetFile(ctx, rec.StorageFilename())
	if errors.Is(err, storage.ErrFileNotFound) {
		s.logger.Warn("metadata without content", "id", id, "file", rec.StorageFilename())
	}
	s.countDownload(err)
	if err != nil {
		return nil, nil, err
	}
	return rec, obj, nil
}

func (s *Service) countDownload(err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, storage.ErrFileNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	metrics.DownloadsTotal.WithLabelValues(string(s.backend.Kind()), result).Inc()
}

// FileURL returns the client-facing URL of an uploaded file.
func (s *Service) FileURL(r *http.Request, info *storage.FileInfo) string {
	return s.backend.FileURL(r, info.StorageFilename())
}

// IsNotFound reports whether err means the file does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, storage.ErrFileNotFound)
}
