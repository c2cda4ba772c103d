// Package multipart decodes multipart/form-data request bodies incrementally
// and writes every file part straight into its final storage destination.
//
// The destination of a file part is opened as soon as the part headers have
// been read, before any of its body bytes; the body then flows from the
// request to the backend in fixed-size chunks. Nothing is spooled to a
// temporary file, and at most a small sniffing prefix is held in memory.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	stdmultipart "mime/multipart"
	"net/textproto"

	"github.com/charmbracelet/log"

	"github.com/radif/fileservice/internal/storage"
)

var (
	// ErrMalformedRequest reports a body that violates the multipart protocol.
	ErrMalformedRequest = errors.New("malformed multipart request")
	// ErrTooManyParts reports more file or field parts than allowed.
	ErrTooManyParts = errors.New("too many multipart parts")
	// ErrFileTooLarge reports a file part above the per-file ceiling.
	ErrFileTooLarge = errors.New("file too large")
)

const (
	DefaultMaxFiles           = 1000
	DefaultMaxFields          = 1000
	DefaultMaxFileSize  int64 = 10 << 30
	DefaultMaxFieldSize int64 = 1 << 20
)

// Decoder streams multipart bodies into a storage backend. It holds no
// per-request state and is safe for concurrent use.
type Decoder struct {
	backend      storage.Backend
	maxFiles     int
	maxFields    int
	maxFileSize  int64
	maxFieldSize int64
	logger       *log.Logger
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxFiles limits the number of file parts per request.
func WithMaxFiles(n int) Option { return func(d *Decoder) { d.maxFiles = n } }

// WithMaxFields limits the number of plain fields per request.
func WithMaxFields(n int) Option { return func(d *Decoder) { d.maxFields = n } }

// WithMaxFileSize sets the per-file size ceiling in bytes.
func WithMaxFileSize(n int64) Option { return func(d *Decoder) { d.maxFileSize = n } }

// WithMaxFieldSize sets the size ceiling of a single plain field.
func WithMaxFieldSize(n int64) Option { return func(d *Decoder) { d.maxFieldSize = n } }

// WithLogger sets the logger used to report cleanup failures.
func WithLogger(l *log.Logger) Option { return func(d *Decoder) { d.logger = l } }

// NewDecoder creates a Decoder writing file parts to backend.
func NewDecoder(backend storage.Backend, opts ...Option) *Decoder {
	d := &Decoder{
		backend:      backend,
		maxFiles:     DefaultMaxFiles,
		maxFields:    DefaultMaxFields,
		maxFileSize:  DefaultMaxFileSize,
		maxFieldSize: DefaultMaxFieldSize,
		logger:       log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// UploadedFile is a file part that has been fully written to the backend.
type UploadedFile struct {
	FieldName       string
	Filename        string // as declared by the client
	StorageFilename string
	Size            int64
	Header          textproto.MIMEHeader
	head            []byte
}

// Metadata derives the FileInfo of the stored file.
func (f *UploadedFile) Metadata() (*storage.FileInfo, error) {
	return storage.Metadata(f.StorageFilename, f.Filename, f.Size, f.head)
}

// Form is the decoded request.
type Form struct {
	Values map[string][]string
	Files  map[string][]*UploadedFile
	files  []*UploadedFile
}

// Value returns the first value of a plain field.
func (f *Form) Value(name string) string {
	if v := f.Values[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// FirstFile returns the first file part of the request, or nil.
func (f *Form) FirstFile() *UploadedFile {
	if len(f.files) == 0 {
		return nil
	}
	return f.files[0]
}

// decodeState tracks one Decode call.
type decodeState struct {
	*Decoder
	form    *Form
	writers []storage.Writer
	files   int
	fields  int
}

// Decode reads a multipart/form-data body. On any failure every destination
// opened during the call is closed and discarded before the error is
// returned; a cancelled context, for instance a dropped client connection,
// counts as a failure.
func (d *Decoder) Decode(ctx context.Context, contentType string, body io.Reader) (form *Form, err error) {
	boundary, err := parseBoundary(contentType)
	if err != nil {
		return nil, err
	}

	st := &decodeState{
		Decoder: d,
		form: &Form{
			Values: make(map[string][]string),
			Files:  make(map[string][]*UploadedFile),
		},
	}
	defer func() {
		if err != nil {
			st.abort()
		}
	}()

	mr := stdmultipart.NewReader(body, boundary)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		part, err := mr.NextRawPart()
		// A clean end of the body is reported as a bare io.EOF; a truncated
		// one as a wrapped io.EOF.
		if err == io.EOF {
			return st.form, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: seek boundary: %v", ErrMalformedRequest, err)
		}
		err = st.readPart(ctx, part)
		part.Close()
		if err != nil {
			return nil, err
		}
	}
}

func (st *decodeState) readPart(ctx context.Context, part *stdmultipart.Part) error {
	disposition := part.Header.Get("Content-Disposition")
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return fmt.Errorf("%w: content disposition %q: %v", ErrMalformedRequest, disposition, err)
	}
	name, ok := params["name"]
	if !ok {
		return fmt.Errorf(`%w: the Content-Disposition header field "name" must be provided`, ErrMalformedRequest)
	}

	if filename, ok := params["filename"]; ok {
		return st.readFile(ctx, part, name, filename)
	}
	return st.readField(part, name)
}

func (st *decodeState) readFile(ctx context.Context, part *stdmultipart.Part, name, filename string) error {
	st.files++
	if st.files > st.maxFiles {
		return fmt.Errorf("%w: maximum number of files is %d", ErrTooManyParts, st.maxFiles)
	}

	storageFilename := storage.StorageFilename(filename)
	w, err := st.backend.OpenWriter(ctx, storageFilename)
	if err != nil {
		return err
	}
	st.writers = append(st.writers, w)

	size, head, err := st.stream(ctx, w, part)
	if err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	file := &UploadedFile{
		FieldName:       name,
		Filename:        filename,
		StorageFilename: storageFilename,
		Size:            size,
		Header:          part.Header,
		head:            head,
	}
	st.form.Files[name] = append(st.form.Files[name], file)
	st.form.files = append(st.form.files, file)
	return nil
}

// stream copies the part body into w chunk by chunk.
func (st *decodeState) stream(ctx context.Context, w io.Writer, part io.Reader) (int64, []byte, error) {
	body, head, err := storage.Sniff(part)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read file part: %v", ErrMalformedRequest, err)
	}

	body = io.LimitReader(body, st.maxFileSize+1)
	buf := make([]byte, storage.ChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, nil, err
		}
		n, rerr := body.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > st.maxFileSize {
				return written, nil, fmt.Errorf("%w: maximum file size is %d bytes", ErrFileTooLarge, st.maxFileSize)
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return written, nil, err
			}
		}
		if rerr == io.EOF {
			return written, head, nil
		}
		if rerr != nil {
			return written, nil, fmt.Errorf("%w: read file part: %v", ErrMalformedRequest, rerr)
		}
	}
}

func (st *decodeState) readField(part io.Reader, name string) error {
	st.fields++
	if st.fields > st.maxFields {
		return fmt.Errorf("%w: maximum number of fields is %d", ErrTooManyParts, st.maxFields)
	}

	value, err := io.ReadAll(io.LimitReader(part, st.maxFieldSize+1))
	if err != nil {
		return fmt.Errorf("%w: read field %q: %v", ErrMalformedRequest, name, err)
	}
	if int64(len(value)) > st.maxFieldSize {
		return fmt.Errorf("%w: field %q exceeds %d bytes", ErrMalformedRequest, name, st.maxFieldSize)
	}
	st.form.Values[name] = append(st.form.Values[name], string(value))
	return nil
}

// abort discards every destination opened during the request.
func (st *decodeState) abort() {
	for _, w := range st.writers {
		if err := w.Abort(); err != nil {
			st.logger.Error("discard partial upload", "error", err)
		}
	}
	st.writers = nil
}

func parseBoundary(contentType string) (string, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: content type %q: %v", ErrMalformedRequest, contentType, err)
	}
	if mediaType != "multipart/form-data" {
		return "", fmt.Errorf("%w: unsupported content type %q", ErrMalformedRequest, mediaType)
	}
	boundary := params["boundary"]
	if boundary == "" {
		return "", fmt.Errorf("%w: missing boundary", ErrMalformedRequest)
	}
	return boundary, nil
}
