package avatars

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu          sync.Mutex
	path        string
	contentType string
	body        []byte
	status      int
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	f.path = r.URL.Path
	f.contentType = r.Header.Get("Content-Type")
	f.body, _ = io.ReadAll(r.Body)
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	w.Header().Set("ETag", `"etag"`)
	w.WriteHeader(http.StatusOK)
}

func writePNG(t *testing.T) (string, []byte) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	path := filepath.Join(t.TempDir(), "me.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))
	return path, buf.Bytes()
}

func newUploader(t *testing.T, srv *httptest.Server) *Uploader {
	t.Helper()
	u, err := NewUploader(context.Background(), Config{
		Endpoint:  srv.URL,
		Bucket:    "avatars",
		Region:    "us-east-1",
		AccessKey: "minio",
		SecretKey: "minio123",
	})
	require.NoError(t, err)
	return u
}

func TestUploader_Upload(t *testing.T) {
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	path, content := writePNG(t)
	url, err := newUploader(t, srv).Upload(context.Background(), "u1", path)
	require.NoError(t, err)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.True(t, strings.HasPrefix(fake.path, "/avatars/avatars/u1/"), fake.path)
	assert.True(t, strings.HasSuffix(fake.path, ".png"))
	assert.Equal(t, "image/png", fake.contentType)
	assert.Equal(t, content, fake.body)
	assert.Equal(t, srv.URL+fake.path, url)
}

func TestUploader_RejectsNonImages(t *testing.T) {
	srv := httptest.NewServer(&fakeS3{})
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	_, err := newUploader(t, srv).Upload(context.Background(), "u1", path)
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestUploader_StorageError(t *testing.T) {
	srv := httptest.NewServer(&fakeS3{status: http.StatusForbidden})
	defer srv.Close()

	path, _ := writePNG(t)
	_, err := newUploader(t, srv).Upload(context.Background(), "u1", path)
	assert.Error(t, err)
}

func TestNewUploader_NotConfigured(t *testing.T) {
	_, err := NewUploader(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestUploader_PublicURLOverride(t *testing.T) {
	u := &Uploader{cfg: Config{Endpoint: "http://s3", Bucket: "b", PublicURL: "https://cdn.example.com/"}}
	assert.Equal(t, "https://cdn.example.com/k.png", u.publicURL("k.png"))

	u.cfg.PublicURL = ""
	assert.Equal(t, "http://s3/b/k.png", u.publicURL("k.png"))
}
