package toolchain

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arncore/konvoy/internal/logger"
	"github.com/arncore/konvoy/internal/target"
)

// buildTarGz writes a gzip-compressed tarball rooted at a single top-level
// directory named rootName, with the given relative-path -> content entries.
func buildTarGz(t *testing.T, rootName string, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     rootName + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o775,
	}))
	for rel, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     rootName + "/" + rel,
			Typeflag: tar.TypeReg,
			Mode:     0o755,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestExtractGzipTarExtractsRegularFiles(t *testing.T) {
	archive := buildTarGz(t, "konvoyc-1.9.0", map[string]string{
		"bin/konvoyc": "#!/bin/sh\necho compiler\n",
	})
	src := filepath.Join(t.TempDir(), "a.tar.gz")
	require.NoError(t, os.WriteFile(src, archive, 0o644))

	dest := t.TempDir()
	require.NoError(t, extractGzipTar(src, dest))

	got, err := os.ReadFile(filepath.Join(dest, "konvoyc-1.9.0", "bin", "konvoyc"))
	require.NoError(t, err)
	require.Equal(t, "#!/bin/sh\necho compiler\n", string(got))
}

func TestExtractGzipTarRejectsParentComponentEscape(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../../etc/passwd",
		Typeflag: tar.TypeReg,
		Mode:     0o644,
		Size:     0,
	}))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	src := filepath.Join(t.TempDir(), "evil.tar.gz")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o644))

	err := extractGzipTar(src, t.TempDir())
	require.Error(t, err)
}

func TestExtractGzipTarRefusesSymlinkEntries(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "link",
		Typeflag: tar.TypeSymlink,
		Linkname: "/etc/passwd",
	}))
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	src := filepath.Join(t.TempDir(), "symlink.tar.gz")
	require.NoError(t, os.WriteFile(src, buf.Bytes(), 0o644))

	err := extractGzipTar(src, t.TempDir())
	require.Error(t, err)
}

func TestLocateExtractedRootSingleDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "konvoyc-1.9.0"), 0o775))

	root, err := locateExtractedRoot(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "konvoyc-1.9.0"), root)
}

func TestLocateExtractedRootPicksRecognisablePrefixAmongMany(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "__MACOSX"), 0o775))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "jre-17.0.2"), 0o775))

	root, err := locateExtractedRoot(dir)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "jre-17.0.2"), root)
}

func TestLocateExtractedRootErrorsWithoutRecognisableDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "__MACOSX"), 0o775))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "other"), 0o775))

	_, err := locateExtractedRoot(dir)
	require.Error(t, err)
}

func TestFileFingerprintMatchesSHA256(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))

	fp, err := FileFingerprint(path)
	require.NoError(t, err)

	want := sha256.Sum256([]byte("payload"))
	require.Equal(t, hex.EncodeToString(want[:]), fp)
}

func TestProvisionDownloadsExtractsAndFingerprints(t *testing.T) {
	tr := target.Triple{OS: "linux", Arch: "amd64", Name: "linux_x64", CompilerArg: "linux_x64"}
	compilerArchive := buildTarGz(t, "konvoyc-1.9.0", map[string]string{
		"bin/" + compilerBinaryName(): "#!/bin/sh\necho compiler\n",
	})
	runtimeArchive := buildTarGz(t, "jre-17.0.2", map[string]string{
		"bin/java": "#!/bin/sh\necho java\n",
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/1.9.0/konvoy-compiler-1.9.0-linux_x64.tar.gz":
			w.Write(compilerArchive)
		case r.URL.Path == "/jre/17.0.2/jre-17.0.2-linux_x64.tar.gz":
			w.Write(runtimeArchive)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := New(t.TempDir(), t.TempDir(), srv.URL, logger.Silent())
	compilerPath, runtimePath, fingerprint, compilerSHA, runtimeSHA, err := p.Provision(context.Background(), "1.9.0", tr, false)
	require.NoError(t, err)
	require.FileExists(t, compilerPath)
	require.DirExists(t, runtimePath)
	require.NotEmpty(t, fingerprint)
	require.NotEmpty(t, compilerSHA)
	require.NotEmpty(t, runtimeSHA)

	// A second Provision call against the same version is a cache hit: no
	// fresh download, so FreshDownloadSHA-derived values come back empty.
	_, _, _, compilerSHA2, runtimeSHA2, err := p.Provision(context.Background(), "1.9.0", tr, false)
	require.NoError(t, err)
	require.Empty(t, compilerSHA2)
	require.Empty(t, runtimeSHA2)
}
