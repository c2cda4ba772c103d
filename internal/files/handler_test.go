package files

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	stdmultipart "mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/radif/fileservice/internal/mirror"
	"github.com/radif/fileservice/internal/storage"
)

// memStore keeps metadata in memory.
type memStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*Record
}

func newMemStore() *memStore { return &memStore{records: make(map[uuid.UUID]*Record)} }

func (m *memStore) SaveFileMetadata(_ context.Context, info *storage.FileInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[info.Name]; ok {
		return ErrDuplicateKey
	}
	m.records[info.Name] = &Record{FileInfo: *info}
	return nil
}

func (m *memStore) GetFileMetadata(_ context.Context, id uuid.UUID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

// mockStore is a testify mock of MetadataStore.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) SaveFileMetadata(ctx context.Context, info *storage.FileInfo) error {
	return m.Called(ctx, info).Error(0)
}

func (m *mockStore) GetFileMetadata(ctx context.Context, id uuid.UUID) (*Record, error) {
	args := m.Called(ctx, id)
	rec, _ := args.Get(0).(*Record)
	return rec, args.Error(1)
}

type recordingMirror struct {
	jobs []mirror.Job
}

func (m *recordingMirror) Enqueue(job mirror.Job) error {
	m.jobs = append(m.jobs, job)
	return nil
}

type env struct {
	router  chi.Router
	backend *storage.LocalStorage
	fs      afero.Fs
	store   *memStore
	mirror  *recordingMirror
}

func newEnv(t *testing.T, opts Options) *env {
	return newEnvAt(t, "files/media", opts)
}

// newEnvAt serves media under mediaRoot.
func newEnvAt(t *testing.T, mediaRoot string, opts Options) *env {
	t.Helper()
	fs := afero.NewMemMapFs()
	backend, err := storage.NewLocalStorage(fs, "/media", mediaRoot)
	require.NoError(t, err)

	e := &env{backend: backend, fs: fs, store: newMemStore(), mirror: &recordingMirror{}}
	svc := NewService(backend, e.store, e.mirror, opts, log.New(io.Discard))
	r := chi.NewRouter()
	NewHandler(svc, log.New(io.Discard)).Register(r, mediaRoot, true)
	e.router = r
	return e
}

type filePart struct {
	filename string
	content  []byte
}

func uploadRequest(t *testing.T, files ...filePart) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := stdmultipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("comment", "hello"))
	for _, f := range files {
		w, err := mw.CreateFormFile("file", f.filename)
		require.NoError(t, err)
		_, err = w.Write(f.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "http://files.example.com/files/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) storedCount(t *testing.T) int {
	t.Helper()
	n := 0
	require.NoError(t, afero.Walk(e.fs, "/media", func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			n++
		}
		return err
	}))
	return n
}

func TestUploadAndFetchPDF(t *testing.T) {
	e := newEnv(t, Options{})
	content := append([]byte("%PDF-1.5\n"), bytes.Repeat([]byte{0x42}, 5<<20)...)

	rec := e.do(uploadRequest(t, filePart{"report.pdf", content}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.URI, "http://files.example.com/files/media/"), resp.URI)
	id, err := uuid.Parse(strings.TrimPrefix(resp.URI, "http://files.example.com/files/media/"))
	require.NoError(t, err)

	stored, err := e.store.GetFileMetadata(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), stored.Size)
	assert.Equal(t, "report", stored.OriginalFilename)
	assert.Equal(t, "pdf", stored.Extension)
	assert.Equal(t, "application/pdf", stored.FileFormat)

	require.Len(t, e.mirror.jobs, 1)
	assert.Equal(t, id.String()+".pdf", e.mirror.jobs[0].StorageFilename)

	rec = e.do(httptest.NewRequest(http.MethodGet, "/files/media/"+id.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "inline")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "report.pdf")
	assert.True(t, bytes.Equal(content, rec.Body.Bytes()), "served bytes differ from uploaded bytes")
}

func TestFetchRange(t *testing.T) {
	e := newEnv(t, Options{})
	rec := e.do(uploadRequest(t, filePart{"digits.txt", []byte("0123456789")}))
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	req := httptest.NewRequest(http.MethodGet, strings.TrimPrefix(resp.URI, "http://files.example.com"), nil)
	req.Header.Set("Range", "bytes=2-4")
	rec = e.do(req)
	assert.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "234", rec.Body.String())
}

func TestUploadWithoutExtension(t *testing.T) {
	e := newEnv(t, Options{})

	rec := e.do(uploadRequest(t, filePart{"README", []byte("read me first")}))
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, e.store.records, 1)
	for id, stored := range e.store.records {
		assert.Empty(t, stored.Extension)
		assert.Equal(t, "README", stored.OriginalFilename)
		assert.Equal(t, id.String(), stored.StorageFilename())
		ok, err := afero.Exists(e.fs, "/media/"+id.String())
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestUploadRejectsSecondFile(t *testing.T) {
	e := newEnv(t, Options{})

	rec := e.do(uploadRequest(t, filePart{"a.txt", []byte("a")}, filePart{"b.txt", []byte("b")}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, e.storedCount(t))
	assert.Empty(t, e.store.records)
}

func TestUploadTooLarge(t *testing.T) {
	e := newEnv(t, Options{MaxFileSize: 1024})

	rec := e.do(uploadRequest(t, filePart{"big.bin", bytes.Repeat([]byte{1}, 1025)}))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, e.storedCount(t))
}

func TestUploadWithoutFile(t *testing.T) {
	e := newEnv(t, Options{})

	rec := e.do(uploadRequest(t))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadNotMultipart(t *testing.T) {
	e := newEnv(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/files/upload", strings.NewReader(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")

	rec := e.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadRemovesContentWhenMetadataFails(t *testing.T) {
	fs := afero.NewMemMapFs()
	backend, err := storage.NewLocalStorage(fs, "/media", "files/media")
	require.NoError(t, err)
	store := &mockStore{}
	store.On("SaveFileMetadata", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
	m := &recordingMirror{}

	svc := NewService(backend, store, m, Options{}, log.New(io.Discard))
	r := chi.NewRouter()
	NewHandler(svc, log.New(io.Discard)).Register(r, "files/media", true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, uploadRequest(t, filePart{"x.txt", []byte("orphan")}))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	files, err := backend.ListFiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Empty(t, m.jobs)
	store.AssertExpectations(t)
}

func TestFetchNotFound(t *testing.T) {
	e := newEnv(t, Options{})

	for _, path := range []string{"/files/media/" + uuid.NewString(), "/files/media/not-a-uuid"} {
		rec := e.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestFetchRecordWithoutContent(t *testing.T) {
	e := newEnv(t, Options{})
	id := uuid.New()
	require.NoError(t, e.store.SaveFileMetadata(context.Background(), &storage.FileInfo{Name: id, Size: 3, OriginalFilename: "gone", Extension: "txt"}))

	rec := e.do(httptest.NewRequest(http.MethodGet, "/files/media/"+id.String(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFetchStoreError(t *testing.T) {
	backend, err := storage.NewLocalStorage(afero.NewMemMapFs(), "/media", "files/media")
	require.NoError(t, err)
	store := &mockStore{}
	store.On("GetFileMetadata", mock.Anything, mock.Anything).Return(nil, errors.New("timeout"))

	r := chi.NewRouter()
	NewHandler(NewService(backend, store, nil, Options{}, log.New(io.Discard)), log.New(io.Discard)).Register(r, "files/media", true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/media/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMediaRouteDisabled(t *testing.T) {
	backend, err := storage.NewLocalStorage(afero.NewMemMapFs(), "/media", "files/media")
	require.NoError(t, err)
	r := chi.NewRouter()
	NewHandler(NewService(backend, newMemStore(), nil, Options{}, log.New(io.Discard)), log.New(io.Discard)).Register(r, "files/media", false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/media/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFetchUnderConfiguredMediaRoot(t *testing.T) {
	e := newEnvAt(t, "/media/", Options{})
	content := []byte("served from a custom root")

	rec := e.do(uploadRequest(t, filePart{"custom.txt", content}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.URI, "http://files.example.com/media/"), resp.URI)

	rec = e.do(httptest.NewRequest(http.MethodGet, strings.TrimPrefix(resp.URI, "http://files.example.com"), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.Bytes())

	rec = e.do(httptest.NewRequest(http.MethodGet, "/files/media/"+strings.TrimPrefix(resp.URI, "http://files.example.com/media/"), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMediaPattern(t *testing.T) {
	assert.Equal(t, "/files/media/{id}", MediaPattern("files/media"))
	assert.Equal(t, "/media/{id}", MediaPattern("/media/"))
}
