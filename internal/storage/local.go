package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// LocalStorage keeps files in a directory. The filesystem is injected so
// tests can run against afero.NewMemMapFs.
type LocalStorage struct {
	fs        afero.Fs
	root      string
	mediaRoot string
}

var _ Backend = (*LocalStorage)(nil)

// NewLocalStorage creates root if needed. mediaRoot is the URL path under
// which local files are served.
func NewLocalStorage(fs afero.Fs, root, mediaRoot string) (*LocalStorage, error) {
	if err := fs.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", root, err)
	}
	return &LocalStorage{
		fs:        fs,
		root:      filepath.Clean(root),
		mediaRoot: strings.Trim(mediaRoot, "/"),
	}, nil
}

// Kind implements Backend.
func (s *LocalStorage) Kind() Kind { return KindLocal }

// FullPath resolves a backend-relative path inside the upload directory.
// Leading ".." elements are dropped, so the result never escapes root.
func (s *LocalStorage) FullPath(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+filepath.ToSlash(p))))
}

// OpenWriter implements Backend.
func (s *LocalStorage) OpenWriter(_ context.Context, storageFilename string) (Writer, error) {
	full := s.FullPath(storageFilename)
	f, err := s.fs.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: create %s: %w", ErrStorageWrite, storageFilename, err)
	}
	return &localWriter{
		fs:   s.fs,
		f:    f,
		path: full,
		buf:  bufio.NewWriterSize(f, ChunkSize),
	}, nil
}

// UploadFile implements Backend.
func (s *LocalStorage) UploadFile(ctx context.Context, src Source) (*FileInfo, error) {
	r := src.Reader
	storageFilename := src.StorageFilename
	if src.Path != "" {
		f, err := s.fs.Open(src.Path)
		if err != nil {
			return nil, fmt.Errorf("open source %s: %w", src.Path, err)
		}
		defer f.Close()
		r = f
		if storageFilename == "" {
			storageFilename = filepath.Base(src.Path)
		}
	}
	if r == nil {
		return nil, errors.New("upload source has neither path nor reader")
	}
	if storageFilename == "" {
		storageFilename = StorageFilename(src.Filename)
	}
	if _, err := IDFromPath(storageFilename); err != nil {
		return nil, err
	}

	body, head, err := Sniff(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read source: %w", ErrStorageWrite, err)
	}

	w, err := s.OpenWriter(ctx, storageFilename)
	if err != nil {
		return nil, err
	}
	size, err := copyChunks(w, body)
	if err != nil {
		_ = w.Abort()
		return nil, fmt.Errorf("%w: write %s: %w", ErrStorageWrite, storageFilename, err)
	}
	if err := w.Close(); err != nil {
		_ = w.Abort()
		return nil, err
	}

	return Metadata(storageFilename, src.Filename, size, head)
}

// GetFile implements Backend.
func (s *LocalStorage) GetFile(_ context.Context, p string) (Object, error) {
	f, err := s.fs.Open(s.FullPath(p))
	if err != nil {
		return nil, s.translate(err, p)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", p, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrFileNotFound, p)
	}
	return &localObject{File: f, info: info}, nil
}

// Delete implements Backend.
func (s *LocalStorage) Delete(_ context.Context, p string) error {
	if err := s.fs.Remove(s.FullPath(p)); err != nil {
		return s.translate(err, p)
	}
	return nil
}

// ListFiles walks the upload directory recursively. Access times are only
// reported where the platform stat structure carries them.
func (s *LocalStorage) ListFiles(ctx context.Context) ([]StatFileInfo, error) {
	var files []StatFileInfo
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		mtime := info.ModTime()
		stat := StatFileInfo{Path: filepath.ToSlash(rel), ModifiedTime: &mtime}
		if atime, ok := accessTime(info); ok {
			stat.AccessedTime = &atime
		}
		files = append(files, stat)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.root, err)
	}
	return files, nil
}

// FileURL joins the request origin, the media root and the file identifier.
func (s *LocalStorage) FileURL(r *http.Request, p string) string {
	name := p
	if id, err := IDFromPath(p); err == nil {
		name = id.String()
	}
	base := &url.URL{Scheme: requestScheme(r), Host: r.Host, Path: "/"}
	return base.JoinPath(s.mediaRoot, name).String()
}

func (s *LocalStorage) translate(err error, p string) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, p)
	}
	return fmt.Errorf("access %s: %w", p, err)
}

func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

type localWriter struct {
	fs     afero.Fs
	f      afero.File
	path   string
	buf    *bufio.Writer
	closed bool
}

func (w *localWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrStorageWrite, err)
	}
	return n, nil
}

func (w *localWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("%w: flush %s: %w", ErrStorageWrite, w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("%w: sync %s: %w", ErrStorageWrite, w.path, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrStorageWrite, w.path, err)
	}
	return nil
}

func (w *localWriter) Abort() error {
	if !w.closed {
		w.closed = true
		_ = w.f.Close()
	}
	if err := w.fs.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial file %s: %w", w.path, err)
	}
	return nil
}

type localObject struct {
	afero.File
	info os.FileInfo
}

func (o *localObject) Size() int64        { return o.info.Size() }
func (o *localObject) ModTime() time.Time { return o.info.ModTime() }

var _ io.ReadSeekCloser = (*localObject)(nil)
