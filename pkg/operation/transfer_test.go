package operation

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFileTransfer is a last-write-wins blob store behind the
// file-transfer URL layout.
func fakeFileTransfer(t *testing.T) (*httptest.Server, *sync.Map) {
	blobs := &sync.Map{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			blobs.Store(r.URL.Path, body)
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			if v, ok := blobs.Load(r.URL.Path); ok {
				_, _ = w.Write(v.([]byte))
				return
			}
			w.WriteHeader(http.StatusNotFound)
		case http.MethodDelete:
			blobs.Delete(r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(server.Close)
	return server, blobs
}

func clientFor(t *testing.T, server *httptest.Server) *FileTransfer {
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return NewFileTransfer(u.Hostname(), uint16(port))
}

func TestFileTransferPutGet(t *testing.T) {
	server, blobs := fakeFileTransfer(t)
	ft := clientFor(t, server)

	src := filepath.Join(t.TempDir(), "snapshot.toml")
	require.NoError(t, os.WriteFile(src, []byte("key = 1\n"), 0644))

	uploadURL, err := ft.Put(context.Background(), "edge001", "config_snapshot", "tedge.toml", src)
	require.NoError(t, err)
	assert.Contains(t, uploadURL, "/tedge/file-transfer/edge001/config_snapshot/tedge.toml")

	stored, ok := blobs.Load("/tedge/file-transfer/edge001/config_snapshot/tedge.toml")
	require.True(t, ok)
	assert.Equal(t, "key = 1\n", string(stored.([]byte)))

	dest := filepath.Join(t.TempDir(), "fetched.toml")
	require.NoError(t, ft.Get(context.Background(), "edge001", "config_snapshot", "tedge.toml", dest))
	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "key = 1\n", string(content))
}

func TestFileTransferGetMissing(t *testing.T) {
	server, _ := fakeFileTransfer(t)
	ft := clientFor(t, server)

	err := ft.Get(context.Background(), "edge001", "config_update", "nope", filepath.Join(t.TempDir(), "x"))
	assert.Error(t, err)
}

func TestDownloaderFetchesArtifact(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("firmware-image"))
	}))
	t.Cleanup(server.Close)

	d := NewDownloader(30 * time.Second)
	dest := filepath.Join(t.TempDir(), "artifacts", "fw.bin")
	path, size, err := d.Download(context.Background(), server.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, dest, path)
	assert.Equal(t, int64(len("firmware-image")), size)
	assert.FileExists(t, dest)
}

func TestDownloaderRetriesServerErrors(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(server.Close)

	d := NewDownloader(30 * time.Second)
	_, _, err := d.Download(context.Background(), server.URL, filepath.Join(t.TempDir(), "f"))
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestDownloaderDoesNotRetryClientErrors(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	d := NewDownloader(30 * time.Second)
	_, _, err := d.Download(context.Background(), server.URL, filepath.Join(t.TempDir(), "f"))
	assert.Error(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}
