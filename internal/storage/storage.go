// Package storage defines the backend contract for file content and its two
// variants: the local filesystem and S3-compatible object storage.
// Upload, fetch and retention code only ever talks to Backend, so the concrete
// variant is chosen once at startup.
package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Kind identifies a backend variant.
type Kind string

const (
	KindLocal Kind = "local"
	KindCloud Kind = "cloud"
)

var (
	// ErrFileNotFound is returned when the requested object does not exist.
	ErrFileNotFound = errors.New("file not found")
	// ErrStorageWrite wraps any I/O or network failure while writing content.
	ErrStorageWrite = errors.New("storage write failed")
)

// Backend is the capability set every storage variant implements.
// Paths are backend-relative: a storage filename or a path returned by ListFiles.
type Backend interface {
	// Kind reports the backend variant.
	Kind() Kind
	// OpenWriter creates storageFilename for exclusive writing. Nothing is
	// read from the client before the destination exists.
	OpenWriter(ctx context.Context, storageFilename string) (Writer, error)
	// UploadFile writes src to the backend and returns the derived metadata.
	UploadFile(ctx context.Context, src Source) (*FileInfo, error)
	// GetFile opens an object for reading.
	GetFile(ctx context.Context, path string) (Object, error)
	// Delete removes an object. Missing objects yield ErrFileNotFound.
	Delete(ctx context.Context, path string) error
	// ListFiles enumerates every stored object with the timestamps available.
	ListFiles(ctx context.Context) ([]StatFileInfo, error)
	// FileURL builds the client-facing URL of an object.
	FileURL(r *http.Request, path string) string
}

// Writer receives the content of a single object.
//
// Close commits the object. Abort discards it, including after a successful
// Close; both are safe to call more than once.
type Writer interface {
	io.Writer
	Close() error
	Abort() error
}

// Object is an open, seekable object.
type Object interface {
	io.ReadSeekCloser
	Size() int64
	ModTime() time.Time
}

// Source describes content handed to UploadFile. Exactly one of Path or Reader is used.
type Source struct {
	// Path names a file on the local filesystem; its base name becomes the
	// storage filename unless StorageFilename is set.
	Path string
	// Reader streams the content when Path is empty.
	Reader io.Reader
	// Size is the content length when known; zero or negative means unknown.
	Size int64
	// Filename is the client-supplied name used for metadata and, when
	// StorageFilename is empty, for the extension of a fresh storage filename.
	Filename string
	// StorageFilename keeps an existing generated name, e.g. when mirroring.
	StorageFilename string
}

// FileInfo is the metadata of an uploaded file.
type FileInfo struct {
	Name             uuid.UUID
	Size             int64
	FileFormat       string
	OriginalFilename string
	Extension        string
}

// StorageFilename is the physical name of the file: the identifier, followed
// by "." and the extension when there is one.
func (f *FileInfo) StorageFilename() string {
	return JoinStorageFilename(f.Name, f.Extension)
}

// DisplayName reconstructs the client filename.
func (f *FileInfo) DisplayName() string {
	if f.Extension == "" {
		return f.OriginalFilename
	}
	return f.OriginalFilename + "." + f.Extension
}

// StatFileInfo is a listed object. A nil timestamp means the backend does not
// track that axis.
type StatFileInfo struct {
	Path         string
	AccessedTime *time.Time
	ModifiedTime *time.Time
}
