package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// cloudPartSize bounds the memory a stream of unknown length holds per upload.
const cloudPartSize = 5 << 20

var errWriteAborted = errors.New("upload aborted")

// CloudOptions configures CloudStorage.
type CloudOptions struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Prefix     string // key prefix, e.g. "media"
	PublicBase string // browser-accessible base URL of the bucket
	UseSSL     bool
	PublicRead bool
}

// CloudStorage implements Backend on MinIO or any S3-compatible provider.
type CloudStorage struct {
	client     *minio.Client
	bucket     string
	prefix     string
	publicBase string
}

var _ Backend = (*CloudStorage)(nil)

// NewCloudStorage creates a MinIO client, ensures the bucket exists (with a
// public-read policy when requested), and returns a ready-to-use CloudStorage.
func NewCloudStorage(ctx context.Context, opts CloudOptions, logger *log.Logger) (*CloudStorage, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", opts.Bucket, err)
		}
		logger.Info("created bucket", "bucket", opts.Bucket)
	}

	if opts.PublicRead {
		if err := client.SetBucketPolicy(ctx, opts.Bucket, publicReadPolicy(opts.Bucket)); err != nil {
			return nil, fmt.Errorf("set bucket policy: %w", err)
		}
	}

	return newCloudStorage(client, opts), nil
}

func newCloudStorage(client *minio.Client, opts CloudOptions) *CloudStorage {
	return &CloudStorage{
		client:     client,
		bucket:     opts.Bucket,
		prefix:     strings.Trim(opts.Prefix, "/"),
		publicBase: strings.TrimRight(opts.PublicBase, "/"),
	}
}

// Kind implements Backend.
func (s *CloudStorage) Kind() Kind { return KindCloud }

// Key maps a backend-relative path to an object key.
func (s *CloudStorage) Key(p string) string {
	clean := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(p)), "/")
	if s.prefix == "" {
		return clean
	}
	return s.prefix + "/" + clean
}

// relPath is the inverse of Key.
func (s *CloudStorage) relPath(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, s.prefix+"/")
}

// OpenWriter streams everything written into a concurrent PutObject. S3 has
// no exclusive create; uniqueness relies on the generated storage filename.
func (s *CloudStorage) OpenWriter(ctx context.Context, storageFilename string) (Writer, error) {
	key := s.Key(storageFilename)
	pr, pw := io.Pipe()
	w := &cloudWriter{
		storage: s,
		key:     key,
		pw:      pw,
		done:    make(chan error, 1),
	}
	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, key, pr, -1, minio.PutObjectOptions{PartSize: cloudPartSize})
		pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

// UploadFile copies a local file as a whole (Path) or streams an open handle
// (Reader) into the bucket.
func (s *CloudStorage) UploadFile(ctx context.Context, src Source) (*FileInfo, error) {
	if src.Path != "" {
		return s.uploadPath(ctx, src)
	}
	if src.Reader == nil {
		return nil, errors.New("upload source has neither path nor reader")
	}

	storageFilename := src.StorageFilename
	if storageFilename == "" {
		storageFilename = StorageFilename(src.Filename)
	}
	if _, err := IDFromPath(storageFilename); err != nil {
		return nil, err
	}

	body, head, err := Sniff(src.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: read source: %w", ErrStorageWrite, err)
	}
	size := src.Size
	if size <= 0 {
		size = -1
	}
	opts := minio.PutObjectOptions{PartSize: cloudPartSize}
	if len(head) > 0 {
		opts.ContentType = DetectFormat(head)
	}

	uploaded, err := s.client.PutObject(ctx, s.bucket, s.Key(storageFilename), body, size, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: put object %q: %w", ErrStorageWrite, s.Key(storageFilename), err)
	}
	return Metadata(storageFilename, src.Filename, uploaded.Size, head)
}

func (s *CloudStorage) uploadPath(ctx context.Context, src Source) (*FileInfo, error) {
	storageFilename := src.StorageFilename
	if storageFilename == "" {
		storageFilename = filepath.Base(src.Path)
	}
	if _, err := IDFromPath(storageFilename); err != nil {
		return nil, err
	}

	f, err := os.Open(src.Path)
	if err != nil {
		return nil, fmt.Errorf("open source %s: %w", src.Path, err)
	}
	_, head, err := Sniff(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: read source: %w", ErrStorageWrite, err)
	}

	var opts minio.PutObjectOptions
	if len(head) > 0 {
		opts.ContentType = DetectFormat(head)
	}
	uploaded, err := s.client.FPutObject(ctx, s.bucket, s.Key(storageFilename), src.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: put object %q: %w", ErrStorageWrite, s.Key(storageFilename), err)
	}
	return Metadata(storageFilename, src.Filename, uploaded.Size, head)
}

// GetFile stats the object first, because GetObject itself is lazy and would
// only report a missing key on the first read.
func (s *CloudStorage) GetFile(ctx context.Context, p string) (Object, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.Key(p), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translate(err, p)
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, s.translate(err, p)
	}
	return &cloudObject{Object: obj, size: info.Size, modTime: info.LastModified}, nil
}

// Delete removes the object at p. RemoveObject succeeds on missing keys, so
// existence is checked first.
func (s *CloudStorage) Delete(ctx context.Context, p string) error {
	key := s.Key(p)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return s.translate(err, p)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %q: %w", key, err)
	}
	return nil
}

// ListFiles pages through the bucket under the key prefix. Object stores do
// not track access time, so only ModifiedTime is set.
func (s *CloudStorage) ListFiles(ctx context.Context) ([]StatFileInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := minio.ListObjectsOptions{Recursive: true}
	if s.prefix != "" {
		opts.Prefix = s.prefix + "/"
	}

	var files []StatFileInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list objects in %q: %w", s.bucket, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		mtime := obj.LastModified
		files = append(files, StatFileInfo{Path: s.relPath(obj.Key), ModifiedTime: &mtime})
	}
	return files, nil
}

// FileURL returns the browser-accessible URL of p.
// For local MinIO: "http://localhost:9000/files/media/<id>.jpg".
func (s *CloudStorage) FileURL(_ *http.Request, p string) string {
	return s.publicBase + "/" + s.Key(p)
}

func (s *CloudStorage) translate(err error, p string) error {
	if isNoSuchKey(err) {
		return fmt.Errorf("%w: %s", ErrFileNotFound, p)
	}
	return fmt.Errorf("access object %q: %w", s.Key(p), err)
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

type cloudWriter struct {
	storage *CloudStorage
	key     string
	pw      *io.PipeWriter
	done    chan error
	result  error
	closed  bool
}

func (w *cloudWriter) Write(p []byte) (int, error) {
	n, err := w.pw.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: put object %q: %w", ErrStorageWrite, w.key, err)
	}
	return n, nil
}

func (w *cloudWriter) finish(closeErr error) error {
	if !w.closed {
		w.closed = true
		if closeErr == nil {
			w.pw.Close()
		} else {
			w.pw.CloseWithError(closeErr)
		}
		w.result = <-w.done
	}
	return w.result
}

func (w *cloudWriter) Close() error {
	if err := w.finish(nil); err != nil {
		return fmt.Errorf("%w: put object %q: %w", ErrStorageWrite, w.key, err)
	}
	return nil
}

// Abort stops an in-flight upload and removes the object if it was already committed.
func (w *cloudWriter) Abort() error {
	committed := w.closed && w.result == nil
	_ = w.finish(errWriteAborted)
	if !committed {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.storage.client.RemoveObject(ctx, w.storage.bucket, w.key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object %q: %w", w.key, err)
	}
	return nil
}

type cloudObject struct {
	*minio.Object
	size    int64
	modTime time.Time
}

func (o *cloudObject) Size() int64        { return o.size }
func (o *cloudObject) ModTime() time.Time { return o.modTime }

// publicReadPolicy returns an S3 bucket policy JSON that allows anonymous GET on all objects.
func publicReadPolicy(bucket string) string {
	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Effect":    "Allow",
				"Principal": "*",
				"Action":    "s3:GetObject",
				"Resource":  fmt.Sprintf("arn:aws:s3:::%s/*", bucket),
			},
		},
	}
	b, _ := json.Marshal(policy)
	return string(b)
}
