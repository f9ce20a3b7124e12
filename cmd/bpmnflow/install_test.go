package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tarGz(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o755, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func TestExtractTarGz(t *testing.T) {
	dir := t.TempDir()
	archive := tarGz(t, map[string]string{
		"README.md":                         "docs",
		"mermaid-ascii_1.1.0/mermaid-ascii": "#!/bin/sh\n",
	})

	require.NoError(t, extractTarGz(archive, dir, "mermaid-ascii"))
	data, err := os.ReadFile(filepath.Join(dir, "mermaid-ascii"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(data))
}

func TestExtractTarGz_Missing(t *testing.T) {
	archive := tarGz(t, map[string]string{"README.md": "docs"})
	err := extractTarGz(archive, t.TempDir(), "mermaid-ascii")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMermaidASCIIAssetName(t *testing.T) {
	name, err := mermaidASCIIAssetName()
	if err != nil {
		t.Skipf("platform not supported: %v", err)
	}
	assert.True(t, strings.HasPrefix(name, "mermaid-ascii_"))
	assert.True(t, strings.HasSuffix(name, ".tar.gz"))
}

func TestWriteSettingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	cfg := defaultConfig()
	cfg.ProcessDir = "/srv/processes"
	cfg.RefreshCron = "*/30 * * * *"

	require.NoError(t, writeSettings(path, cfg))
	got := loadConfigFrom(path)
	assert.Equal(t, "/srv/processes", got.ProcessDir)
	assert.Equal(t, "*/30 * * * *", got.RefreshCron)
}

func TestSignalRunningServer_NoPIDFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	assert.False(t, signalRunningServer())
}

const testAsset = "mermaid-ascii_Linux_x86_64.tar.gz"

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// releaseServer serves one archive under /<version>/<asset> and, when sums
// is non-empty, a checksums.txt next to it.
func releaseServer(t *testing.T, archive []byte, sums string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/1.1.0/" + testAsset:
			_, _ = w.Write(archive)
		case "/1.1.0/checksums.txt":
			if sums == "" {
				http.NotFound(w, r)
				return
			}
			_, _ = io.WriteString(w, sums)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testInstaller(srv *httptest.Server, checksums map[string]string) *toolInstaller {
	return &toolInstaller{
		client:    srv.Client(),
		baseURL:   srv.URL,
		version:   "1.1.0",
		checksums: checksums,
		out:       io.Discard,
	}
}

func TestToolInstaller_PinnedChecksum(t *testing.T) {
	archive := tarGz(t, map[string]string{"mermaid-ascii": "binary"}).Bytes()
	srv := releaseServer(t, archive, "")
	dir := t.TempDir()

	ti := testInstaller(srv, map[string]string{testAsset: digest(archive)})
	require.NoError(t, ti.installAsset(dir, testAsset))

	data, err := os.ReadFile(filepath.Join(dir, "mermaid-ascii"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(data))

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tar.gz"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "the downloaded archive is removed")
}

func TestToolInstaller_PublishedChecksum(t *testing.T) {
	archive := tarGz(t, map[string]string{"mermaid-ascii": "binary"}).Bytes()
	sums := "0000000000000000000000000000000000000000000000000000000000000000  other.tar.gz\n" +
		digest(archive) + "  " + testAsset + "\n"
	srv := releaseServer(t, archive, sums)
	dir := t.TempDir()

	require.NoError(t, testInstaller(srv, nil).installAsset(dir, testAsset))
	assert.FileExists(t, filepath.Join(dir, "mermaid-ascii"))
}

func TestToolInstaller_ChecksumMismatch(t *testing.T) {
	archive := tarGz(t, map[string]string{"mermaid-ascii": "binary"}).Bytes()
	srv := releaseServer(t, archive, "")
	dir := t.TempDir()

	ti := testInstaller(srv, map[string]string{testAsset: digest([]byte("something else"))})
	err := ti.installAsset(dir, testAsset)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.NoFileExists(t, filepath.Join(dir, "mermaid-ascii"))
}

func TestToolInstaller_DownloadFailure(t *testing.T) {
	srv := releaseServer(t, nil, "")
	err := testInstaller(srv, nil).installAsset(t.TempDir(), "mermaid-ascii_Darwin_arm64.tar.gz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestToolInstaller_AlreadyInstalled(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mermaid-ascii"), []byte("old"), 0o755))

	ti := &toolInstaller{client: http.DefaultClient, out: io.Discard}
	require.NoError(t, ti.install(dir))
	data, err := os.ReadFile(filepath.Join(dir, "mermaid-ascii"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestLookupChecksum(t *testing.T) {
	sum := strings.Repeat("ab", 32)
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{"two spaces", sum + "  " + testAsset + "\n", sum, true},
		{"one space", sum + " " + testAsset, sum, true},
		{"binary marker", sum + " *" + testAsset, sum, true},
		{"uppercase digest", strings.ToUpper(sum) + "  " + testAsset, sum, true},
		{"other asset", sum + "  mermaid-ascii_Darwin_arm64.tar.gz", "", false},
		{"short digest", "abc123  " + testAsset, "", false},
		{"blank", "\n  \n", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := lookupChecksum(strings.NewReader(tt.input), testAsset)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
