package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/projecteru2/vmcpd/config"
	"github.com/projecteru2/vmcpd/types"
)

func newTestServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/vmcp", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"name":"demo"}`))
	})
	mux.HandleFunc("/huge", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", MaxTextBody+1)))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newDownloader() *HTTP {
	conf := config.DefaultConfig()
	conf.DownloadRetries = 0
	conf.DownloadTimeout = 5 * time.Second
	return New(conf)
}

func TestDownloadText(t *testing.T) {
	srv := newTestServer(t)
	text, err := newDownloader().DownloadText(context.Background(), srv.URL+"/vmcp")
	require.NoError(t, err)
	assert.Equal(t, `{"name":"demo"}`, text)
}

func TestDownloadTextHTTPErrorIsIOError(t *testing.T) {
	srv := newTestServer(t)
	_, err := newDownloader().DownloadText(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.Equal(t, types.CodeIOError, types.CodeOf(err))
}

func TestDownloadTextRejectsOversizedBody(t *testing.T) {
	srv := newTestServer(t)
	_, err := newDownloader().DownloadText(context.Background(), srv.URL+"/huge")
	require.Error(t, err)
	assert.Equal(t, types.CodeIOError, types.CodeOf(err))
	assert.ErrorIs(t, err, resty.ErrResponseBodyTooLarge)
}

func TestDownloadTextUnreachableIsIOError(t *testing.T) {
	srv := newTestServer(t)
	url := srv.URL + "/vmcp"
	srv.Close()
	_, err := newDownloader().DownloadText(context.Background(), url)
	assert.Equal(t, types.CodeIOError, types.CodeOf(err))
}

func TestDownloadFile(t *testing.T) {
	srv := newTestServer(t)
	path := filepath.Join(t.TempDir(), "disks", "demo.json")

	require.NoError(t, newDownloader().DownloadFile(context.Background(), srv.URL+"/vmcp", path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"demo"}`, string(data))

	err = newDownloader().DownloadFile(context.Background(), srv.URL+"/missing", path+".2")
	assert.Equal(t, types.CodeIOError, types.CodeOf(err))
	assert.NoFileExists(t, path+".2")
	assert.NoFileExists(t, path+".2.part")
}
