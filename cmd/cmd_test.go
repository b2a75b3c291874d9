package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostfetch/internal"
	"hostfetch/service"
	"hostfetch/utils"
)

const payload = "the quick brown fox jumps over the lazy dog"

// hostServer takes uploads on /upload and serves payload on /d/file.txt
func hostServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.Copy(io.Discard, file)
		fmt.Fprintf(w, `Your link: <a href="/f/%s">here</a>`, header.Filename)
	})
	mux.HandleFunc("/f/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<a class="direct" href="/d/file.txt">get</a>`)
	})
	mux.HandleFunc("/d/file.txt", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.txt", time.Time{}, strings.NewReader(payload))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// useConfig points the package globals at a services file for server
func useConfig(t *testing.T, server *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "services.yaml")
	doc := fmt.Sprintf(`services:
  local:
    domains: 127.0.0.1
    upload_url: %s/upload
    link_pattern: 'href="(/f/[^"]+)"'
    direct_link_pattern: "css:a.direct@href"
`, server.URL)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	config = internal.DefaultConfig()
	config.ServicesFile = path
	quiet = true
	uploadWorkers = 2
	rateLimit = ""
	limiter = nil
	solverMode = "none"
	outputPath, outputDir, noResume = "", dir, false
}

func TestValidateProxyURL(t *testing.T) {
	assert.NoError(t, validateProxyURL("http://proxy:8080"))
	assert.NoError(t, validateProxyURL("socks5://user:pw@proxy:1080"))
	assert.Error(t, validateProxyURL("ftp://proxy:21"))
}

func TestLoadRegistry(t *testing.T) {
	server := hostServer(t)
	useConfig(t, server)

	registry, err := loadRegistry(newClient())
	require.NoError(t, err)

	svc, err := registry.ForLink(server.URL + "/f/abc")
	require.NoError(t, err)
	assert.Equal(t, "local", svc.ID())

	us, err := pickUploadService(registry, "")
	require.NoError(t, err)
	assert.Equal(t, "local", us.ID())

	_, err = pickUploadService(registry, "missing")
	assert.Error(t, err)
}

func TestLoadRegistry_BadOption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.yaml")
	require.NoError(t, os.WriteFile(path, []byte("services:\n  x:\n    domains: x.example\n    bogus: \"1\"\n"), 0644))

	config = internal.DefaultConfig()
	config.ServicesFile = path

	_, err := loadRegistry(newClient())
	var verr *internal.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "bogus", verr.Field)
}

func TestNewSolverModes(t *testing.T) {
	config = internal.DefaultConfig()
	client := utils.NewHTTPClient()

	solverMode = "none"
	solver, err := newSolver(client)
	require.NoError(t, err)
	assert.Nil(t, solver)

	solverMode = "auto"
	solver, err = newSolver(client)
	require.NoError(t, err)
	assert.Equal(t, "[solve]", solver.Capabilities().String())

	solverMode = "ticket"
	_, err = newSolver(client)
	assert.Error(t, err, "ticket mode needs an endpoint")

	config.CaptchaEndpoint = "http://solver.invalid"
	config.CaptchaUsername = "alice"
	solverMode = "auto"
	solver, err = newSolver(client)
	require.NoError(t, err)
	assert.Equal(t, 4, solver.Capabilities().Len())

	solverMode = "psychic"
	_, err = newSolver(client)
	assert.Error(t, err)
}

func TestUploadAll(t *testing.T) {
	server := hostServer(t)
	useConfig(t, server)

	dir := t.TempDir()
	var files []string
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(payload+name), 0644))
		files = append(files, path)
	}
	files = append(files, filepath.Join(dir, "missing.txt"))

	registry, err := loadRegistry(newClient())
	require.NoError(t, err)
	svc, err := pickUploadService(registry, "")
	require.NoError(t, err)

	results, err := uploadAll(context.Background(), svc, files)
	require.Error(t, err, "the missing file should fail")
	assert.Contains(t, err.Error(), "1 of 4 uploads failed")

	require.Len(t, results, 4)
	for i, name := range []string{"a.txt", "b.txt", "c.txt"} {
		require.NotNil(t, results[i], name)
		assert.Equal(t, server.URL+"/f/"+name, results[i].Link)
		assert.Equal(t, int64(len(payload+name)), results[i].Size)
		assert.Equal(t, "local", results[i].Service)
	}
	assert.Nil(t, results[3])
}

func TestUploadAll_SharesLimiter(t *testing.T) {
	server := hostServer(t)
	useConfig(t, server)
	rateLimit = "10M"

	dir := t.TempDir()
	var files []string
	for _, name := range []string{"a.txt", "b.txt"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(payload), 0644))
		files = append(files, path)
	}

	client := newClient()
	opts, err := serviceOptions(client)
	require.NoError(t, err)
	require.NotNil(t, limiter)
	assert.Equal(t, int64(10*1024*1024), limiter.Rate())

	registry, err := loadRegistry(client, opts...)
	require.NoError(t, err)
	svc, err := pickUploadService(registry, "")
	require.NoError(t, err)

	results, err := uploadAll(context.Background(), svc, files)
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Zero(t, limiter.ActiveTransfers(), "finished uploads should release the limiter")
}

func TestTrackTransfer(t *testing.T) {
	limiter = utils.NewTokenBucketLimiter(1024)
	defer func() { limiter = nil }()

	first := trackTransfer()
	second := trackTransfer()
	assert.Equal(t, int32(2), limiter.ActiveTransfers())
	first()
	second()
	assert.Zero(t, limiter.ActiveTransfers())

	limiter = nil
	assert.NotPanics(t, func() { trackTransfer()() })
}

func TestDownload(t *testing.T) {
	server := hostServer(t)
	useConfig(t, server)

	registry, err := loadRegistry(newClient())
	require.NoError(t, err)
	svc, err := registry.ForLink(server.URL + "/f/abc")
	require.NoError(t, err)
	d, err := svc.Downloader(server.URL + "/f/abc")
	require.NoError(t, err)

	meta, err := download(context.Background(), svc, server.URL+"/f/abc", d)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outputDir, "file.txt"), meta.Filename)
	assert.Equal(t, int64(len(payload)), meta.Size)
	assert.Equal(t, server.URL+"/d/file.txt", meta.DirectURL)
	assert.Equal(t, server.URL+"/f/abc", meta.Link)
	assert.Equal(t, "local", meta.Service)
	assert.False(t, meta.Timestamp.IsZero())

	data, err := os.ReadFile(meta.Filename)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
	assert.NoFileExists(t, meta.Filename+utils.PartSuffix)
}

func TestDownload_ResumesPartialFile(t *testing.T) {
	server := hostServer(t)
	useConfig(t, server)

	outputPath = filepath.Join(t.TempDir(), "resumed.txt")
	require.NoError(t, os.WriteFile(outputPath+utils.PartSuffix, []byte(payload[:10]), 0644))

	registry, err := loadRegistry(newClient())
	require.NoError(t, err)
	svc, err := registry.ForLink(server.URL + "/f/abc")
	require.NoError(t, err)
	d, err := svc.Downloader(server.URL + "/f/abc")
	require.NoError(t, err)

	meta, err := download(context.Background(), svc, server.URL+"/f/abc", d)
	require.NoError(t, err)
	assert.Equal(t, outputPath, meta.Filename)
	assert.Equal(t, int64(len(payload)), meta.Size)

	data, err := os.ReadFile(meta.Filename)
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestServicesColumns(t *testing.T) {
	cfg := service.DefaultFormConfig()
	cfg.ID = "cols"
	cfg.Domains = []string{"cols.example"}
	svc, err := service.NewFormService(cfg, utils.NewHTTPClient())
	require.NoError(t, err)

	assert.Equal(t, "-", uploadColumn(svc))
	assert.Equal(t, "-", accountColumn(svc))
	assert.Equal(t, "-", maxSizeColumn(svc))
	assert.Contains(t, downloadColumn(svc), "unauthenticated-download")
}
