package artifacts

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cubeforge/minefleet/pkg/types"
)

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient()
	c.http = srv.Client()
	c.paperBase = srv.URL
	c.mojangManifest = srv.URL + "/manifest.json"
	c.bungeeJarURL = srv.URL + "/BungeeCord.jar"
	return c
}

func TestDownloadPaper(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/paper/versions/1.21.4/builds", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"builds":[
			{"build":10,"downloads":{"application":{"name":"paper-1.21.4-10.jar"}}},
			{"build":12,"downloads":{"application":{"name":"paper-1.21.4-12.jar"}}}]}`)
	})
	mux.HandleFunc("/projects/paper/versions/1.21.4/builds/12/downloads/paper-1.21.4-12.jar",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "jar bytes")
		})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	c := newTestClient(srv)
	require.NoError(t, c.Download(types.KindPaper, "1.21.4", dir))

	data, err := os.ReadFile(filepath.Join(dir, "server.jar"))
	require.NoError(t, err)
	assert.Equal(t, "jar bytes", string(data))

	// No torn temp file left behind.
	_, err = os.Stat(filepath.Join(dir, "server.jar.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadVelocityUsesProxyJarName(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/velocity/versions/3.3.0/builds", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"builds":[{"build":1,"downloads":{"application":{"name":"velocity-3.3.0-1.jar"}}}]}`)
	})
	mux.HandleFunc("/projects/velocity/versions/3.3.0/builds/1/downloads/velocity-3.3.0-1.jar",
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "velocity bytes")
		})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	c := newTestClient(srv)
	require.NoError(t, c.Download(types.KindVelocity, "3.3.0", dir))

	_, err := os.Stat(filepath.Join(dir, "velocity.jar"))
	assert.NoError(t, err)
}

func TestDownloadVanilla(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"versions":[{"id":"1.21.4","url":"%s/meta.json"}]}`, srvURL)
	})
	mux.HandleFunc("/meta.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"downloads":{"server":{"url":"%s/server.jar"}}}`, srvURL)
	})
	mux.HandleFunc("/server.jar", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "vanilla bytes")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	dir := t.TempDir()
	c := newTestClient(srv)
	require.NoError(t, c.Download(types.KindVanilla, "1.21.4", dir))

	data, err := os.ReadFile(filepath.Join(dir, "server.jar"))
	require.NoError(t, err)
	assert.Equal(t, "vanilla bytes", string(data))
}

func TestDownloadErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/projects/paper/versions/9.9.9/builds", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/projects/paper/versions/0.0.0/builds", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"builds":[]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	c := newTestClient(srv)

	assert.ErrorIs(t, c.Download(types.KindPaper, "9.9.9", dir), types.ErrDownload)
	assert.ErrorIs(t, c.Download(types.KindPaper, "0.0.0", dir), types.ErrDownload)
	assert.ErrorIs(t, c.Download(types.KindForge, "whatever", dir), types.ErrDownload)
}
