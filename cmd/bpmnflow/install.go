package main

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const mermaidASCIIVersion = "1.1.0"

// SHA-256 checksums for mermaid-ascii v1.1.0 release assets.
var mermaidASCIIChecksums = map[string]string{
	"mermaid-ascii_Darwin_arm64.tar.gz":  "068d2ff869d4921655cab471500fffd8c3ed28155b100518ed3cf3835d53d3d0",
	"mermaid-ascii_Darwin_x86_64.tar.gz": "0cd4c9c01a03284fe866f39a1ce1aaee1e6a2fbd91deedc4ec254cb87622eec8",
	"mermaid-ascii_Linux_arm64.tar.gz":   "3b7d0a95141bfbca838e445ea802ffb7fba8873b3c4af498482c84f83526f2db",
	"mermaid-ascii_Linux_x86_64.tar.gz":  "838ea93d561b3bc83aa15531c6ed7d2d261a8edc521d5484f7e91fe831cc4c65",
}

func runInstall(args []string) int {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", ":4200", "TCP listen address")
	processDir := fs.String("process-dir", ".", "directory holding process documents")
	engineURL := fs.String("engine-url", "", "process engine REST base URL (optional)")
	dbPath := fs.String("db-path", "", "database path (default: ~/.bpmnflow/bpmnflow.db)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	refreshCron := fs.String("refresh-cron", "", "cron expression for periodic snapshot refresh (empty disables)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	dir := bpmnflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		return exitError
	}

	absDir, err := filepath.Abs(*processDir)
	if err != nil {
		absDir = *processDir
	}

	// Keep settings that have no flag, such as lint rules.
	cfg := loadConfigFrom(settingsPath())
	cfg.ListenAddr = *listenAddr
	cfg.ProcessDir = absDir
	cfg.EngineURL = *engineURL
	cfg.LogLevel = *logLevel
	cfg.RefreshCron = *refreshCron
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	} else {
		cfg.DBPath = filepath.Join(dir, "bpmnflow.db")
	}

	if err := writeSettings(settingsPath(), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	fmt.Printf("Config written to %s\n", settingsPath())

	// Download external tools.
	installMermaidASCII(binDir())

	// Signal running server to reload.
	if !signalRunningServer() {
		fmt.Println("Run `bpmnflow serve` to start the server")
	}
	return exitOK
}

func writeSettings(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("cannot write %s: %w", path, err)
	}
	return nil
}

// signalRunningServer sends SIGHUP to a running bpmnflow server (via pidfile).
// Returns true if the server was signaled.
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}

// mermaidASCIIRelease is where the mermaid-ascii release assets live.
const mermaidASCIIRelease = "https://github.com/AlexanderGrooff/mermaid-ascii/releases/download"

// httpGetter is satisfied by *http.Client.
type httpGetter interface {
	Get(url string) (*http.Response, error)
}

// toolInstaller fetches the mermaid-ascii binary used by ASCII diagrams.
type toolInstaller struct {
	client    httpGetter
	baseURL   string            // release download root
	version   string
	checksums map[string]string // pinned asset digests
	out       io.Writer
}

func newToolInstaller() *toolInstaller {
	return &toolInstaller{
		client:    &http.Client{Timeout: 60 * time.Second},
		baseURL:   mermaidASCIIRelease,
		version:   mermaidASCIIVersion,
		checksums: mermaidASCIIChecksums,
		out:       os.Stdout,
	}
}

// installMermaidASCII downloads the mermaid-ascii binary to binDir.
// Failures are reported as warnings: ASCII diagrams fall back to the
// built-in renderer.
func installMermaidASCII(binDir string) {
	if err := newToolInstaller().install(binDir); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v; ASCII diagrams will use the built-in renderer\n", err)
	}
}

func (ti *toolInstaller) install(binDir string) error {
	destPath := filepath.Join(binDir, "mermaid-ascii")
	if _, err := os.Stat(destPath); err == nil {
		fmt.Fprintf(ti.out, "mermaid-ascii already installed at %s\n", destPath)
		return nil
	}

	assetName, err := mermaidASCIIAssetName()
	if err != nil {
		return err
	}
	return ti.installAsset(binDir, assetName)
}

// installAsset downloads assetName, verifies it against the pinned or
// published digest and extracts the binary into binDir.
func (ti *toolInstaller) installAsset(binDir, assetName string) error {
	if !strings.HasSuffix(assetName, ".tar.gz") {
		return fmt.Errorf("unsupported archive format: %s", assetName)
	}
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", binDir, err)
	}

	fmt.Fprintf(ti.out, "Downloading mermaid-ascii %s...\n", ti.version)
	tmpPath, actual, err := ti.download(ti.assetURL(assetName), binDir)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}
	defer os.Remove(tmpPath)

	expected, ok := ti.checksums[assetName]
	if !ok {
		expected, ok = ti.releaseChecksum(assetName)
	}
	switch {
	case !ok:
		fmt.Fprintf(ti.out, "No known checksum for %s, skipping verification\n", assetName)
	case actual != expected:
		return fmt.Errorf("checksum mismatch for %s (expected %s, got %s)", assetName, expected, actual)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return fmt.Errorf("cannot open archive: %w", err)
	}
	defer f.Close()

	destPath := filepath.Join(binDir, "mermaid-ascii")
	if err := extractTarGz(f, binDir, "mermaid-ascii"); err != nil {
		_ = os.Remove(destPath)
		return fmt.Errorf("extraction failed: %w", err)
	}
	if err := os.Chmod(destPath, 0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", destPath, err)
	}
	fmt.Fprintf(ti.out, "mermaid-ascii installed to %s\n", destPath)
	return nil
}

func (ti *toolInstaller) assetURL(name string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(ti.baseURL, "/"), ti.version, name)
}

// download writes url to a temporary file in dir and returns its path and
// SHA-256 hex digest, computed while the body streams. The caller removes
// the file.
func (ti *toolInstaller) download(url, dir string) (string, string, error) {
	resp, err := ti.client.Get(url)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("GET %s returned %d", url, resp.StatusCode)
	}

	f, err := os.CreateTemp(dir, "mermaid-ascii-*.tar.gz")
	if err != nil {
		return "", "", err
	}
	path := f.Name()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), resp.Body); err != nil {
		f.Close()
		os.Remove(path)
		return "", "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", "", err
	}
	return path, hex.EncodeToString(h.Sum(nil)), nil
}

// releaseChecksum looks assetName up in the release's checksums.txt.
func (ti *toolInstaller) releaseChecksum(assetName string) (string, bool) {
	resp, err := ti.client.Get(ti.assetURL("checksums.txt"))
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	return lookupChecksum(resp.Body, assetName)
}

// lookupChecksum scans shasum output ("<hex>  <file>" per line) for name.
// Lines without a 64-character digest are ignored.
func lookupChecksum(r io.Reader, name string) (string, bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || len(fields[0]) != sha256.Size*2 {
			continue
		}
		if strings.TrimPrefix(fields[len(fields)-1], "*") == name {
			return strings.ToLower(fields[0]), true
		}
	}
	return "", false
}

// mermaidASCIIAssetName returns the GitHub release asset name for the current platform.
func mermaidASCIIAssetName() (string, error) {
	osName := ""
	switch runtime.GOOS {
	case "darwin":
		osName = "Darwin"
	case "linux":
		osName = "Linux"
	default:
		return "", fmt.Errorf("mermaid-ascii: unsupported OS %q", runtime.GOOS)
	}

	archName := ""
	switch runtime.GOARCH {
	case "amd64":
		archName = "x86_64"
	case "arm64":
		archName = "arm64"
	case "386":
		archName = "i386"
	default:
		return "", fmt.Errorf("mermaid-ascii: unsupported architecture %q", runtime.GOARCH)
	}

	return fmt.Sprintf("mermaid-ascii_%s_%s.tar.gz", osName, archName), nil
}

// extractTarGz extracts a specific file from a tar.gz archive into destDir.
func extractTarGz(r io.Reader, destDir, targetName string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return fmt.Errorf("file %q not found in archive", targetName)
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		// Match by base name (archive may include directory prefix).
		if filepath.Base(hdr.Name) != targetName {
			continue
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		destPath := filepath.Join(destDir, targetName)
		f, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
		if err != nil {
			return fmt.Errorf("create %s: %w", destPath, err)
		}
		if _, err := io.Copy(f, tr); err != nil { //nolint:gosec // bounded by tar header size
			f.Close()
			return fmt.Errorf("write %s: %w", destPath, err)
		}
		return f.Close()
	}
}
