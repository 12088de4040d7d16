// Package toolchain is the toolchain provisioner: given a compiler version,
// it makes the backend compiler and its embedded Java runtime available
// locally, verified and atomically installed, and reports a fingerprint of
// the installed compiler binary for the cache key. Grounded on the
// teacher's HTTP cache client (retryablehttp + streaming hash) and its
// cacheitem tar-extraction safety checks, generalised from artifact
// fetch/restore to toolchain install.
package toolchain

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	nlockfile "github.com/nightlyone/lockfile"

	"github.com/arncore/konvoy/internal/download"
	"github.com/arncore/konvoy/internal/errs"
	"github.com/arncore/konvoy/internal/logger"
	"github.com/arncore/konvoy/internal/target"
)

// Artifact names one of the two pieces the provisioner installs.
type Artifact string

const (
	ArtifactCompiler Artifact = "compiler"
	ArtifactRuntime  Artifact = "runtime"
)

// Install describes one provisioned artifact: where it landed, and its
// tarball hash when this call performed a fresh download.
type Install struct {
	Path             string
	FreshDownloadSHA string // empty unless this call actually downloaded it
}

// Provisioner locates or installs compiler/runtime pairs under a per-user
// toolchains root.
type Provisioner struct {
	ToolchainsRoot string
	ToolsRoot      string
	BaseURL        string
	Log            logger.Logger
}

// New constructs a Provisioner rooted at toolchainsRoot/toolsRoot.
func New(toolchainsRoot, toolsRoot, baseURL string, log logger.Logger) *Provisioner {
	return &Provisioner{ToolchainsRoot: toolchainsRoot, ToolsRoot: toolsRoot, BaseURL: baseURL, Log: log}
}

// compilerBinaryName is the executable name inside bin/ of an installed
// toolchain.
func compilerBinaryName() string {
	if runtime.GOOS == "windows" {
		return "konvoyc.exe"
	}
	return "konvoyc"
}

// Provision ensures both the compiler and the runtime for version are
// installed for triple t, returning their paths and the compiler's content
// fingerprint.
func (p *Provisioner) Provision(ctx context.Context, version string, t target.Triple, verbose bool) (compilerPath, runtimePath, fingerprint string, compilerSHA, runtimeSHA string, err error) {
	versionDir := filepath.Join(p.ToolchainsRoot, version)
	binDir := filepath.Join(versionDir, "bin")
	jreDir := filepath.Join(versionDir, "jre")
	const runtimeVersion = "17.0.2"

	compilerInstall, err := p.install(ctx, ArtifactCompiler, binDir, target.DownloadURL(p.BaseURL, version, t), verbose)
	if err != nil {
		return "", "", "", "", "", err
	}
	runtimeInstall, err := p.install(ctx, ArtifactRuntime, jreDir, target.RuntimeDownloadURL(p.BaseURL, runtimeVersion, t), verbose)
	if err != nil {
		return "", "", "", "", "", err
	}

	compilerBin := filepath.Join(compilerInstall.Path, "bin", compilerBinaryName())
	if !exists(compilerBin) {
		// The install layout puts bin/<compiler> directly, not nested under
		// another bin/; fall back to the flat layout.
		compilerBin = filepath.Join(compilerInstall.Path, compilerBinaryName())
	}

	runtimeHome := effectiveRuntimeHome(runtimeInstall.Path)

	if runtime.GOOS != "windows" {
		_ = os.Chmod(compilerBin, 0o755)
		_ = os.Chmod(filepath.Join(runtimeHome, "bin", "java"), 0o755)
	}

	fp, err := FileFingerprint(compilerBin)
	if err != nil {
		return "", "", "", "", "", errs.Wrap(errs.ToolchainCorrupt, err, "hashing installed compiler binary")
	}

	return compilerBin, runtimeHome, fp, compilerInstall.FreshDownloadSHA, runtimeInstall.FreshDownloadSHA, nil
}

// effectiveRuntimeHome returns <root>/Contents/Home when that macOS JRE
// layout is present, otherwise root itself.
func effectiveRuntimeHome(root string) string {
	macHome := filepath.Join(root, "Contents", "Home")
	if info, err := os.Stat(macHome); err == nil && info.IsDir() {
		return macHome
	}
	return root
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// FileFingerprint returns the SHA-256 of a file, used as the compiler
// fingerprint: it changes whenever the binary is replaced, even across
// same-version reinstalls.
func FileFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// install performs the per-artifact install algorithm from the provisioner
// design: a no-op if destDir already exists, otherwise a download into a
// temp file, a safe gzip-tar extraction into a temp directory, and an
// atomic rename into place. When the rename fails because a concurrent
// install already created destDir, the existing directory is used as is.
func (p *Provisioner) install(ctx context.Context, artifact Artifact, destDir, url string, verbose bool) (Install, error) {
	if exists(destDir) {
		return Install{Path: destDir}, nil
	}

	root := filepath.Dir(destDir)
	if err := os.MkdirAll(root, 0o775); err != nil {
		return Install{}, errs.IO(root, err)
	}

	id := uuid.NewString()
	tmpFile := filepath.Join(root, ".konvoy-download-"+id+".tar.gz")
	tmpDir := filepath.Join(root, ".konvoy-extract-"+id)
	defer os.Remove(tmpFile)
	defer os.RemoveAll(tmpDir)

	installLock, lockErr := nlockfile.New(filepath.Join(root, ".konvoy-install.lock"))
	if lockErr == nil {
		if err := installLock.TryLock(); err == nil {
			defer installLock.Unlock()
		}
		// If we couldn't acquire the lock, another process is installing;
		// we still race the download below, and reconcile via the rename
		// fallback path, matching the spec's "first rename wins" model.
	}

	res, err := download.ToFile(ctx, url, tmpFile, verbose, func(downloaded, total int64) {
		if verbose && total > 0 {
			p.Log.Printf("%s: %d%%", artifact, int(100*float64(downloaded)/float64(total)))
		}
	})
	if err != nil {
		return Install{}, errs.Wrap(errs.ToolchainDownload, err, "downloading %s from %s", artifact, url)
	}

	if err := os.MkdirAll(tmpDir, 0o775); err != nil {
		return Install{}, errs.IO(tmpDir, err)
	}
	if err := extractGzipTar(tmpFile, tmpDir); err != nil {
		return Install{}, errs.Wrap(errs.ToolchainExtract, err, "extracting %s archive", artifact)
	}

	extractedRoot, err := locateExtractedRoot(tmpDir)
	if err != nil {
		return Install{}, errs.Wrap(errs.ToolchainExtract, err, "locating extracted %s root", artifact)
	}

	if err := os.Rename(extractedRoot, destDir); err != nil {
		if exists(destDir) {
			// Another process won the race; its directory is used as is.
			// Only its existence is checked, not its contents.
			if !exists(destDir) {
				return Install{}, errs.Wrap(errs.ToolchainCorrupt, err, "concurrent %s install left no usable directory", artifact)
			}
			return Install{Path: destDir}, nil
		}
		return Install{}, errs.Wrap(errs.ToolchainExtract, err, "installing %s", artifact)
	}

	return Install{Path: destDir, FreshDownloadSHA: res.SHA256}, nil
}

// extractGzipTar extracts a gzip-compressed tarball into dest, refusing any
// entry whose path contains a parent-directory component or whose resolved
// target escapes dest (defeats "zip slip"), and refusing symlink entries
// outright (this spec's chosen resolution of the open question around
// non-regular tar entries).
func extractGzipTar(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	destAbs, err := filepath.Abs(dest)
	if err != nil {
		return err
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		for _, part := range strings.Split(filepath.ToSlash(hdr.Name), "/") {
			if part == ".." {
				return errs.New(errs.ToolchainPathTraversal, "archive entry %q escapes destination via parent component", hdr.Name)
			}
		}
		cleanName := filepath.Clean(hdr.Name)

		target := filepath.Join(destAbs, cleanName)
		if !strings.HasPrefix(target, destAbs+string(filepath.Separator)) && target != destAbs {
			return errs.New(errs.ToolchainPathTraversal, "archive entry %q resolves outside destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o775); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o775); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			// Refused outright: the chosen resolution for the spec's open
			// question on non-regular entries.
			return errs.New(errs.ToolchainPathTraversal, "archive entry %q is a symlink, which konvoy refuses to extract", hdr.Name)
		default:
			// Ignore anything else (device files, fifos, etc.) quietly;
			// they never appear in compiler/runtime distributions.
		}
	}
}

// locateExtractedRoot finds the single top-level directory produced by
// extraction. If more than one top-level directory is present, it picks the
// one matching an expected prefix ("konvoyc-" or "jre-"); otherwise it
// errors.
func locateExtractedRoot(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var dirs []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
		}
	}
	if len(dirs) == 1 {
		return filepath.Join(dir, dirs[0].Name()), nil
	}
	for _, e := range dirs {
		if strings.HasPrefix(e.Name(), "konvoyc-") || strings.HasPrefix(e.Name(), "jre-") {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", fmt.Errorf("archive did not contain exactly one recognisable root directory (found %d)", len(dirs))
}
