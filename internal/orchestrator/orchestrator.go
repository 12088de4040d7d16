// Package orchestrator implements the build pipeline: manifest/lockfile
// parsing, locked-mode verification, target resolution, toolchain
// provisioning, dependency resolution, lockfile pre-stabilisation (which
// runs after resolution so it can use the resolved graph), the per-project
// build step for every node in topological order, and the
// lockfile reconciliation rules that follow a build. Grounded on the
// teacher's internal/run execution plan (the run/build/run separation of
// concerns) and internal/core engine (single-process topological
// execution), generalised to konvoy's single-project compiler pipeline.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/google/chrometracing"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/arncore/konvoy/internal/cachekey"
	"github.com/arncore/konvoy/internal/compiler"
	"github.com/arncore/konvoy/internal/download"
	"github.com/arncore/konvoy/internal/errs"
	"github.com/arncore/konvoy/internal/fsutil"
	"github.com/arncore/konvoy/internal/home"
	"github.com/arncore/konvoy/internal/lint"
	"github.com/arncore/konvoy/internal/lockfile"
	"github.com/arncore/konvoy/internal/logger"
	"github.com/arncore/konvoy/internal/manifest"
	"github.com/arncore/konvoy/internal/registry"
	"github.com/arncore/konvoy/internal/resolver"
	"github.com/arncore/konvoy/internal/scm"
	"github.com/arncore/konvoy/internal/store"
	"github.com/arncore/konvoy/internal/target"
	"github.com/arncore/konvoy/internal/toolchain"
	"github.com/arncore/konvoy/internal/ui"
)

// testSubdir is the sibling subtree, nested under src/, that holds test
// sources (the scoping rule's "sources plus a sibling test subtree").
const testSubdir = "test"

// ManifestFile and LockFile are konvoy's two project-root TOML files.
const (
	ManifestFile = "konvoy.toml"
	LockFile     = "konvoy.lock"
)

// konvoyIgnoreFile is the optional gitignore-syntax source filter read from
// a dependency's root alongside its manifest, per SPEC_FULL.md's
// .konvoyignore supplemented feature.
const konvoyIgnoreFile = ".konvoyignore"

// BuildLayoutDir is the project-local directory holding build outputs and
// the per-project cache root fallback.
const BuildLayoutDir = ".konvoy"

// Options is the engine's entire configurability surface beyond the
// manifest, lockfile, and filesystem.
type Options struct {
	Target  string // "" or "host" selects the detected host triple
	Release bool
	Verbose bool
	Force   bool
	Locked  bool
	Trace   bool // write a chrome://tracing trace_event file of the build
}

func (o Options) profile() cachekey.Profile {
	if o.Release {
		return cachekey.Release
	}
	return cachekey.Debug
}

func (o Options) profileName() string {
	return string(o.profile())
}

// Status is the outcome of a single project's build step.
type Status string

const (
	Fresh  Status = "Fresh"
	Cached Status = "Cached"
)

// BuildResult is what Build/Test return for the root project.
type BuildResult struct {
	Status      Status
	OutputPath  string
	Diagnostics []compiler.Diagnostic
	Duration    time.Duration
	TracePath   string // set when Options.Trace requested a chrome://tracing file
}

// Orchestrator wires the collaborators the pipeline depends on. BaseURL
// points at the toolchain/runtime distribution server.
type Orchestrator struct {
	Log                  logger.Logger
	BaseURL              string
	Registry             resolver.RegistryIndex
	CompilerPathOverride string // test seam: bypass provisioning entirely
}

// New constructs an Orchestrator using konvoy's built-in library index.
func New(log logger.Logger, baseURL string) *Orchestrator {
	return &Orchestrator{Log: log, BaseURL: baseURL, Registry: registry.New()}
}

// projectFiles is the manifest/lockfile pair a pipeline run starts from.
type projectFiles struct {
	dir          string
	canonicalDir string
	manifest     *manifest.Manifest
	onDiskLock   *lockfile.Lockfile
}

func (o *Orchestrator) loadProject(projectDir string) (*projectFiles, error) {
	canonical, err := fsutil.Canonicalize(projectDir)
	if err != nil {
		return nil, errs.IO(projectDir, err)
	}

	manifestPath := filepath.Join(canonical, ManifestFile)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errs.Wrap(errs.ManifestInvalid, err, "reading %s", manifestPath)
	}
	m, err := manifest.Parse(data)
	if err != nil {
		return nil, err
	}

	lf := lockfile.Default()
	lockPath := filepath.Join(canonical, LockFile)
	if lockData, err := os.ReadFile(lockPath); err == nil {
		parsed, perr := lockfile.Parse(lockData)
		if perr != nil {
			return nil, perr
		}
		lf = parsed
	} else if !os.IsNotExist(err) {
		return nil, errs.IO(lockPath, err)
	}

	return &projectFiles{
		dir:          projectDir,
		canonicalDir: canonical,
		manifest:     m,
		onDiskLock:   lf,
	}, nil
}

// verifyLocked applies step 2 of the pipeline: in locked mode, the on-disk
// lockfile must already name the manifest's toolchain (and linter, if
// declared) version, or the build fails outright.
func verifyLocked(m *manifest.Manifest, lf *lockfile.Lockfile) error {
	if lf.Toolchain == nil || lf.Toolchain.CompilerVersion != m.ToolchainVersion {
		return errs.New(errs.LockfileOutOfDate, "lockfile toolchain version does not match manifest (--locked)")
	}
	if m.LinterVersion != "" && lf.Toolchain.LinterVersion != m.LinterVersion {
		return errs.New(errs.LockfileOutOfDate, "lockfile linter version does not match manifest (--locked)")
	}
	return nil
}

// Build runs the full pipeline for the root project and returns its build
// step's outcome.
func (o *Orchestrator) Build(ctx context.Context, projectDir string, opts Options) (*BuildResult, error) {
	return o.run(ctx, projectDir, opts, false)
}

// Test runs the pipeline with the test-runner flag and test sources
// included.
func (o *Orchestrator) Test(ctx context.Context, projectDir string, opts Options) (*BuildResult, error) {
	return o.run(ctx, projectDir, opts, true)
}

func (o *Orchestrator) run(ctx context.Context, projectDir string, opts Options, isTest bool) (*BuildResult, error) {
	start := time.Now()

	if opts.Trace {
		chrometracing.EnableTracing()
	}
	region := chrometracing.Event(filepath.Base(projectDir))

	proj, err := o.loadProject(projectDir)
	if err != nil {
		return nil, err
	}

	if opts.Locked {
		if err := verifyLocked(proj.manifest, proj.onDiskLock); err != nil {
			return nil, err
		}
	}

	t, err := target.Parse(opts.Target)
	if err != nil {
		return nil, err
	}

	compilerPath, runtimeHome, fingerprint, freshCompilerSHA, freshRuntimeSHA, err := o.provision(ctx, proj.manifest.ToolchainVersion, t, opts.Verbose)
	if err != nil {
		return nil, err
	}

	lockForResolve := proj.onDiskLock
	r := resolver.New(lockForResolve, manifest.SourceExtension, o.Registry)
	graph, err := r.Resolve(proj.canonicalDir, proj.manifest)
	if err != nil {
		return nil, err
	}

	// Pre-stabilisation must see the resolved graph: the synthesised
	// "would-be" lockfile needs its [[dependency]] entries, not just the
	// toolchain block, or this build's cache-key lockfile text (built from
	// the synthesis below) would differ from the next build's (which reads
	// back the now dependency-populated on-disk lockfile verbatim),
	// causing every dependency-having project to miss the Cached path on
	// its second build.
	lockTextForKey := o.preStabilise(proj, opts, graph, freshCompilerSHA, freshRuntimeSHA)

	cacheRoot := scm.ResolveCacheRoot(proj.canonicalDir, o.Log)
	artifactStore := store.New(cacheRoot)

	buildDir := filepath.Join(proj.canonicalDir, BuildLayoutDir, "build", t.Name, opts.profileName())
	if isTest {
		buildDir = filepath.Join(proj.canonicalDir, BuildLayoutDir, "build", t.Name, opts.profileName()+"-test")
	}

	nodesByName := make(map[string]resolver.ResolvedDep, len(graph.Nodes))
	for _, n := range graph.Nodes {
		nodesByName[n.Name] = n
	}

	levels := graph.Levels
	if len(levels) == 0 {
		for _, n := range graph.Nodes {
			levels = append(levels, []string{n.Name})
		}
	}

	records := make(map[string]artifactRecord, len(graph.Nodes))
	var lastResult *BuildResult

	// Every node in one level depends only on nodes from earlier levels, so
	// a level's nodes build concurrently, bounded by host parallelism, with
	// a barrier between levels (§5's bounded worker pool over one
	// dependency level at a time).
	for _, level := range levels {
		snapshot := make(map[string]artifactRecord, len(records))
		for k, v := range records {
			snapshot[k] = v
		}

		type outcome struct {
			name string
			rec  artifactRecord
			res  *BuildResult
		}
		outcomes := make([]outcome, len(level))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxInt(runtime.NumCPU(), 1))
		for idx, name := range level {
			idx, name := idx, name
			node, ok := nodesByName[name]
			if !ok {
				continue
			}
			isRoot := node.Name == proj.manifest.Name
			// Each node's cache key is sensitive to its own manifest text,
			// not the root's: node.Manifest is nil only for registry
			// dependencies, which buildNode never carries into
			// cachekey.Compute (it returns their resolved digest before
			// getting there), so an empty string there is never read.
			nodeManifestText := ""
			if node.Manifest != nil {
				nodeManifestText, _ = node.Manifest.CanonicalText()
			}
			g.Go(func() error {
				rec, res, err := o.buildNode(gctx, buildStep{
					node:            node,
					isRoot:          isRoot,
					isTest:          isTest && isRoot,
					rootManifest:    proj.manifest,
					manifestText:    nodeManifestText,
					lockText:        lockTextForKey,
					compilerPath:    compilerPath,
					runtimeHome:     runtimeHome,
					compilerVersion: proj.manifest.ToolchainVersion,
					fingerprint:     fingerprint,
					target:          t,
					opts:            opts,
					buildDir:        buildDir,
					store:           artifactStore,
					records:         snapshot,
				})
				if err != nil {
					return err
				}
				outcomes[idx] = outcome{name: name, rec: rec, res: res}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for _, oc := range outcomes {
			if oc.name == "" {
				continue
			}
			records[oc.name] = oc.rec
			if oc.res != nil {
				lastResult = oc.res
			}
		}
	}

	if err := o.reconcileLockfile(proj, opts, t, fingerprint, freshCompilerSHA, freshRuntimeSHA, graph); err != nil {
		return nil, err
	}

	lastResult.Duration = time.Since(start)
	region.Done()
	if opts.Trace {
		if err := chrometracing.Close(); err != nil {
			return nil, errs.Wrap(errs.IOError, err, "closing trace file")
		}
		lastResult.TracePath = chrometracing.Path()
	}
	return lastResult, nil
}

func (o *Orchestrator) provision(ctx context.Context, version string, t target.Triple, verbose bool) (compilerPath, runtimeHome, fingerprint, compilerSHA, runtimeSHA string, err error) {
	if o.CompilerPathOverride != "" {
		fp, ferr := toolchain.FileFingerprint(o.CompilerPathOverride)
		if ferr != nil {
			return "", "", "", "", "", errs.Wrap(errs.ToolchainCorrupt, ferr, "fingerprinting overridden compiler")
		}
		return o.CompilerPathOverride, "", fp, "", "", nil
	}

	if override, ok := home.CompilerHomeOverride(); ok {
		compilerBin := filepath.Join(override, "bin", "konvoyc")
		fp, ferr := toolchain.FileFingerprint(compilerBin)
		if ferr != nil {
			return "", "", "", "", "", errs.Wrap(errs.ToolchainCorrupt, ferr, "fingerprinting %s", compilerBin)
		}
		return compilerBin, override, fp, "", "", nil
	}

	toolchainsRoot, err := home.ToolchainsDir()
	if err != nil {
		return "", "", "", "", "", err
	}
	toolsRoot, err := home.ToolsDir()
	if err != nil {
		return "", "", "", "", "", err
	}

	p := toolchain.New(toolchainsRoot, toolsRoot, o.BaseURL, o.Log)

	if verbose || !logger.IsTTY {
		return p.Provision(ctx, version, t, verbose)
	}

	spin := ui.NewSpinner(os.Stdout)
	spin.Start(fmt.Sprintf("provisioning toolchain %s", version))
	compilerPath, runtimeHome, fingerprint, compilerSHA, runtimeSHA, err = p.Provision(ctx, version, t, verbose)
	if err != nil {
		spin.Stop("")
		return "", "", "", "", "", err
	}
	spin.Stop(fmt.Sprintf("toolchain %s ready", version))
	return compilerPath, runtimeHome, fingerprint, compilerSHA, runtimeSHA, nil
}

// preStabilise implements pipeline step 5: the lockfile text fed into the
// cache key is the on-disk text when it already names the current
// toolchain version (or we are in locked mode), otherwise it is the text
// that the post-build reconciliation step would itself write, computed
// ahead of time so the first and second builds agree on the cache key.
// The synthesised text is what a completed build would write, so the cache
// key computed before the build matches the one a second, no-op build would
// compute from the on-disk lockfile: the fixpoint property the spec's
// pre-stabilisation step exists for. The synthesis shares
// resolveToolchainLock and dependencyLocksFrom with reconcileLockfile (the
// function that actually writes the lockfile after the build) so the two
// can't drift apart.
func (o *Orchestrator) preStabilise(proj *projectFiles, opts Options, graph *resolver.ResolvedGraph, freshCompilerSHA, freshRuntimeSHA string) string {
	lf := proj.onDiskLock
	if opts.Locked {
		return lf.CanonicalText()
	}
	if lf.Toolchain != nil && lf.Toolchain.CompilerVersion == proj.manifest.ToolchainVersion {
		return lf.CanonicalText()
	}

	synthesised := lf.Clone()
	if newToolchain, _, err := resolveToolchainLock(lf, proj, freshCompilerSHA, freshRuntimeSHA, opts.Force); err == nil {
		synthesised.Toolchain = newToolchain
	} else {
		// A genuine hash mismatch without --force fails the build later,
		// in reconcileLockfile, which is the authoritative check; here we
		// only need a plausible cache-key input for a build that is going
		// to error out regardless.
		synthesised.Toolchain = &lockfile.ToolchainLock{
			CompilerVersion: proj.manifest.ToolchainVersion,
			LinterVersion:   proj.manifest.LinterVersion,
			CompilerSHA256:  freshCompilerSHA,
			RuntimeSHA256:   freshRuntimeSHA,
		}
	}
	synthesised.Dependencies = dependencyLocksFrom(lf, proj, graph)
	return synthesised.CanonicalText()
}

// resolveToolchainLock computes the toolchain block a reconciled lockfile
// should carry, given the freshly-installed tarball hashes. Shared by
// preStabilise (to predict it) and reconcileLockfile (to write it).
func resolveToolchainLock(lf *lockfile.Lockfile, proj *projectFiles, freshCompilerSHA, freshRuntimeSHA string, force bool) (*lockfile.ToolchainLock, *multierror.Error, error) {
	var warnings *multierror.Error

	toolchainChanged := lf.Toolchain == nil || lf.Toolchain.CompilerVersion != proj.manifest.ToolchainVersion
	newToolchain := &lockfile.ToolchainLock{
		CompilerVersion: proj.manifest.ToolchainVersion,
		LinterVersion:   proj.manifest.LinterVersion,
	}
	if toolchainChanged {
		// Discard prior tarball hashes; they belong to the old version.
		newToolchain.CompilerSHA256 = freshCompilerSHA
		newToolchain.RuntimeSHA256 = freshRuntimeSHA
		return newToolchain, warnings, nil
	}

	newToolchain.CompilerSHA256 = lf.Toolchain.CompilerSHA256
	newToolchain.RuntimeSHA256 = lf.Toolchain.RuntimeSHA256
	if freshCompilerSHA != "" {
		if lf.Toolchain.CompilerSHA256 != "" && lf.Toolchain.CompilerSHA256 != freshCompilerSHA {
			if !force {
				return nil, warnings, errs.New(errs.ToolchainTarballHashMismatch, "installed compiler hash does not match locked value (use --force to accept)")
			}
			warnings = multierror.Append(warnings, fmt.Errorf("compiler tarball hash changed, accepted via --force"))
		}
		newToolchain.CompilerSHA256 = freshCompilerSHA
	}
	if freshRuntimeSHA != "" {
		if lf.Toolchain.RuntimeSHA256 != "" && lf.Toolchain.RuntimeSHA256 != freshRuntimeSHA {
			if !force {
				return nil, warnings, errs.New(errs.ToolchainTarballHashMismatch, "installed runtime hash does not match locked value (use --force to accept)")
			}
			warnings = multierror.Append(warnings, fmt.Errorf("runtime tarball hash changed, accepted via --force"))
		}
		newToolchain.RuntimeSHA256 = freshRuntimeSHA
	}
	return newToolchain, warnings, nil
}

// dependencyLocksFrom builds the [[dependency]] entries a reconciled
// lockfile should carry from the resolved graph. Shared by preStabilise
// and reconcileLockfile so the cache-key synthesis and the actually-written
// lockfile can never disagree on shape.
func dependencyLocksFrom(lf *lockfile.Lockfile, proj *projectFiles, graph *resolver.ResolvedGraph) []lockfile.DependencyLock {
	nextDeps := make([]lockfile.DependencyLock, 0, len(graph.Nodes))
	for _, node := range graph.Nodes {
		if node.Name == proj.manifest.Name {
			continue
		}
		prior, _ := lf.DependencyByName(node.Name)
		dep := lockfile.DependencyLock{Name: node.Name, Digest: node.SourceHash}
		if node.IsRegistry {
			dep.Source = lockfile.DependencySource{
				Kind:               lockfile.SourceRegistry,
				Version:            prior.Source.Version,
				CoordinateTemplate: node.CoordinateTemplate,
				TargetHashes:       node.TargetHashes,
			}
		} else {
			rel, _ := filepath.Rel(proj.canonicalDir, node.Path)
			dep.Source = lockfile.DependencySource{Kind: lockfile.SourcePath, Path: filepath.ToSlash(rel)}
		}
		nextDeps = append(nextDeps, dep)
	}
	return nextDeps
}

// artifactRecord is what buildNode leaves behind for downstream consumers:
// the produced artifact's own content hash (or, for a registry dependency
// with no artifact file, its resolved per-target digest), fed into the
// dependent's own cache key as one of its DependencyArtifactSHA entries.
type artifactRecord struct {
	ArtifactPath string
	ArtifactSHA  string
}

type buildStep struct {
	node            resolver.ResolvedDep
	isRoot          bool
	isTest          bool
	rootManifest    *manifest.Manifest
	manifestText    string
	lockText        string
	compilerPath    string
	runtimeHome     string
	compilerVersion string
	fingerprint     string
	target          target.Triple
	opts            Options
	buildDir        string
	store           *store.Store
	records         map[string]artifactRecord
}

// buildNode runs the per-project build step for one resolved node: a
// registry dependency contributes only its pre-resolved digest (it has no
// local manifest or source tree to compile); a path dependency or the root
// project goes through cache-key computation, cache lookup/materialise, or
// compiler invocation and cache insertion.
func (o *Orchestrator) buildNode(ctx context.Context, bs buildStep) (artifactRecord, *BuildResult, error) {
	if bs.node.IsRegistry {
		return artifactRecord{ArtifactSHA: bs.node.SourceHash}, nil, nil
	}

	depSHAs := make([]string, 0, len(bs.node.DirectDependencyNames))
	libraryPaths := make([]string, 0, len(bs.node.DirectDependencyNames))
	for _, depName := range bs.node.DirectDependencyNames {
		rec, ok := bs.records[depName]
		if !ok {
			return artifactRecord{}, nil, errs.New(errs.DependencyNotFound, "internal: dependency %q not built before consumer %q", depName, bs.node.Name)
		}
		depSHAs = append(depSHAs, rec.ArtifactSHA)
		if rec.ArtifactPath != "" {
			libraryPaths = append(libraryPaths, rec.ArtifactPath)
		}
	}

	kind := compiler.Library
	outputName := bs.node.Name + ".klib"
	if bs.isRoot && bs.rootManifest.Kind == manifest.Binary {
		kind = compiler.Program
		outputName = bs.node.Name + extensionFor(bs.target)
	}

	srcDir := filepath.Join(bs.node.Path, "src")
	sources, err := collectSources(srcDir, manifest.SourceExtension, bs.isTest)
	if err != nil {
		return artifactRecord{}, nil, err
	}
	if len(sources) == 0 {
		kind2 := errs.NoSources
		if bs.isTest {
			kind2 = errs.NoTestSources
		}
		return artifactRecord{}, nil, errs.New(kind2, "no source files matching *.%s under %s", manifest.SourceExtension, srcDir)
	}

	key, err := cachekey.Compute(cachekey.Inputs{
		ManifestText:          bs.manifestText,
		LockfileText:          bs.lockText,
		CompilerVersion:       bs.compilerVersion,
		CompilerFingerprint:   bs.fingerprint,
		Target:                bs.target,
		Profile:               bs.opts.profile(),
		Test:                  bs.isTest,
		SourcesDir:            srcDir,
		SourceExtension:       manifest.SourceExtension,
		TestSubdir:            testSubdir,
		DependencyArtifactSHA: depSHAs,
	})
	if err != nil {
		return artifactRecord{}, nil, err
	}

	canonicalOut := filepath.Join(bs.buildDir, outputName)

	if !bs.opts.Force && bs.store.Has(key) {
		o.Log.Successf("Fresh %s (cached)", bs.node.Name)
		if err := bs.store.Materialise(key, outputName, canonicalOut); err != nil {
			return artifactRecord{}, nil, err
		}
		sha, err := toolchain.FileFingerprint(canonicalOut)
		if err != nil {
			return artifactRecord{}, nil, errs.IO(canonicalOut, err)
		}
		result := &BuildResult{Status: Cached, OutputPath: canonicalOut}
		return artifactRecord{ArtifactPath: canonicalOut, ArtifactSHA: sha}, result, nil
	}

	if err := fsutil.EnsureDir(bs.buildDir); err != nil {
		return artifactRecord{}, nil, errs.IO(bs.buildDir, err)
	}
	compilerOut := canonicalOut
	res, err := compiler.Run(ctx, o.Log.Hclog(), compiler.Invocation{
		CompilerPath: bs.compilerPath,
		RuntimeHome:  bs.runtimeHome,
		Sources:      sources,
		OutputPath:   compilerOut,
		Target:       bs.target,
		Release:      bs.opts.Release,
		Kind:         kind,
		LibraryPaths: libraryPaths,
		TestRunner:   bs.isTest,
	})
	if err != nil {
		return artifactRecord{}, nil, err
	}
	if err := normaliseOutput(compilerOut); err != nil {
		return artifactRecord{}, nil, err
	}

	errCount := compiler.CountErrors(res.Diagnostics)
	if res.ExitCode != 0 || errCount > 0 {
		for _, d := range res.Diagnostics {
			if d.Severity == compiler.SeverityError {
				o.Log.Errorf("%s", compiler.Render(d))
			} else {
				o.Log.Warnf("%s", compiler.Render(d))
			}
		}
		return artifactRecord{}, nil, errs.CompilationFailure(maxInt(errCount, 1))
	}

	if err := bs.store.Store(key, outputName, canonicalOut, store.NewMetadata(bs.target.Name, bs.opts.profileName(), bs.compilerVersion)); err != nil {
		return artifactRecord{}, nil, err
	}

	sha, err := toolchain.FileFingerprint(canonicalOut)
	if err != nil {
		return artifactRecord{}, nil, errs.IO(canonicalOut, err)
	}

	o.Log.Successf("Fresh %s", bs.node.Name)
	result := &BuildResult{Status: Fresh, OutputPath: canonicalOut, Diagnostics: res.Diagnostics}
	return artifactRecord{ArtifactPath: canonicalOut, ArtifactSHA: sha}, result, nil
}

// normaliseOutput renames a compiler-produced auxiliary-suffixed file
// (e.g. ".kexe") onto the canonical output path when the compiler insists
// on adding its own suffix, replacing any prior binary at that path.
func normaliseOutput(canonical string) error {
	suffixed := canonical + ".kexe"
	if _, err := os.Stat(suffixed); err == nil {
		if err := os.Remove(canonical); err != nil && !os.IsNotExist(err) {
			return errs.IO(canonical, err)
		}
		if err := os.Rename(suffixed, canonical); err != nil {
			return errs.IO(suffixed, err)
		}
	}
	return nil
}

func extensionFor(t target.Triple) string {
	if t.OS == "windows" {
		return ".exe"
	}
	return ""
}

// collectSources returns absolute paths to srcDir's matching source files,
// excluding the sibling test subtree unless includeTest is set. fsutil.WalkFiles
// already treats a missing srcDir as legitimately empty rather than an error,
// so any error returned here is a genuine I/O failure (permission denied, a
// malformed .konvoyignore) and must be propagated, not swallowed into the
// same nil result a project with no sources at all would produce — else it
// surfaces downstream as errs.NoSources/errs.NoTestSources instead of itself.
func collectSources(srcDir, ext string, includeTest bool) ([]string, error) {
	ignoreFile := filepath.Join(filepath.Dir(srcDir), konvoyIgnoreFile)
	rels, err := fsutil.CollectSourcesWithIgnore(srcDir, ext, ignoreFile)
	if err != nil {
		return nil, errs.IO(srcDir, err)
	}
	if !includeTest {
		rels = filterOutTest(rels)
	}
	out := make([]string, len(rels))
	for i, rel := range rels {
		out[i] = filepath.Join(srcDir, rel)
	}
	return out, nil
}

func filterOutTest(rels []string) []string {
	out := rels[:0:0]
	for _, rel := range rels {
		if rel == testSubdir || hasPrefixSlash(rel, testSubdir) {
			continue
		}
		out = append(out, rel)
	}
	return out
}

func hasPrefixSlash(s, prefix string) bool {
	return len(s) > len(prefix) && s[:len(prefix)+1] == prefix+"/"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// reconcileLockfile implements pipeline step 8: write-worthy changes are
// collected as warnings (or fatal errors in locked mode); the lockfile is
// only rewritten on disk when something actually changed.
func (o *Orchestrator) reconcileLockfile(proj *projectFiles, opts Options, t target.Triple, fingerprint, freshCompilerSHA, freshRuntimeSHA string, graph *resolver.ResolvedGraph) error {
	lf := proj.onDiskLock
	next := lf.Clone()

	newToolchain, warnings, err := resolveToolchainLock(lf, proj, freshCompilerSHA, freshRuntimeSHA, opts.Force)
	if err != nil {
		return err
	}
	next.Toolchain = newToolchain

	for _, node := range graph.Nodes {
		if node.Name == proj.manifest.Name {
			continue
		}
		prior, hadPrior := lf.DependencyByName(node.Name)
		if hadPrior && prior.Digest != node.SourceHash {
			msg := fmt.Errorf("dependency %q source hash changed since lock", node.Name)
			if opts.Locked {
				return errs.New(errs.DependencyHashMismatch, msg.Error())
			}
			warnings = multierror.Append(warnings, msg)
		}
	}
	next.Dependencies = dependencyLocksFrom(lf, proj, graph)

	if lockfile.Equal(lf, next) {
		if warnings.ErrorOrNil() != nil && !opts.Locked {
			o.Log.Warnf("%s", warnings.Error())
		}
		return nil
	}

	if opts.Locked {
		return errs.New(errs.LockfileOutOfDate, "lockfile is out of date with respect to this build (--locked)")
	}

	if warnings.ErrorOrNil() != nil {
		o.Log.Warnf("%s", warnings.Error())
	}

	lockPath := filepath.Join(proj.canonicalDir, LockFile)
	if err := os.WriteFile(lockPath, next.Marshal(), 0o644); err != nil {
		return errs.IO(lockPath, err)
	}
	return nil
}

// LintResult is what Lint returns for the root project.
type LintResult struct {
	Findings   []lint.Finding
	ErrorCount int
	Duration   time.Duration
}

// Lint runs the static-analysis adapter over the root project's sources,
// sharing the toolchain provisioning (for the embedded runtime) and
// lockfile logic the build pipeline uses.
func (o *Orchestrator) Lint(ctx context.Context, projectDir, config string, opts Options) (*LintResult, error) {
	start := time.Now()

	proj, err := o.loadProject(projectDir)
	if err != nil {
		return nil, err
	}
	if opts.Locked {
		if err := verifyLocked(proj.manifest, proj.onDiskLock); err != nil {
			return nil, err
		}
	}
	if proj.manifest.LinterVersion == "" {
		return nil, errs.New(errs.LinterNotConfigured, "manifest does not declare a linter version")
	}

	hostTriple, err := target.Host()
	if err != nil {
		return nil, err
	}
	_, runtimeHome, _, _, _, err := o.provision(ctx, proj.manifest.ToolchainVersion, hostTriple, opts.Verbose)
	if err != nil {
		return nil, err
	}

	toolsRoot, err := home.ToolsDir()
	if err != nil {
		return nil, err
	}
	jarPath, freshLinterSHA, err := lint.Ensure(ctx, toolsRoot, o.BaseURL, proj.manifest.LinterVersion, opts.Verbose)
	if err != nil {
		return nil, err
	}

	res, err := lint.Run(ctx, o.Log.Hclog(), lint.Invocation{
		JavaPath:   filepath.Join(runtimeHome, "bin", "java"),
		JarPath:    jarPath,
		ConfigPath: config,
		SourcesDir: filepath.Join(proj.canonicalDir, "src"),
	})
	if err != nil {
		return nil, err
	}

	for _, f := range res.Findings {
		if f.Severity == lint.SeverityError {
			o.Log.Errorf("%s", lint.Render(f))
		} else {
			o.Log.Warnf("%s", lint.Render(f))
		}
	}

	if err := o.reconcileLinterLock(proj, opts, freshLinterSHA); err != nil {
		return nil, err
	}

	errCount := lint.CountErrors(res.Findings)
	result := &LintResult{Findings: res.Findings, ErrorCount: errCount, Duration: time.Since(start)}
	if errCount > 0 {
		return result, errs.New(errs.LintFailed, "linting found %d error(s)", errCount)
	}
	return result, nil
}

// reconcileLinterLock updates the lockfile's toolchain-lock linter fields
// when the declared linter version or the installed jar's fingerprint has
// changed, following the same fatal/--force rules the toolchain tarball
// hashes use.
func (o *Orchestrator) reconcileLinterLock(proj *projectFiles, opts Options, freshLinterSHA string) error {
	lf := proj.onDiskLock
	next := lf.Clone()

	tc := next.Toolchain
	if tc == nil {
		tc = &lockfile.ToolchainLock{CompilerVersion: proj.manifest.ToolchainVersion}
	}

	changed := false
	if tc.LinterVersion != proj.manifest.LinterVersion {
		tc.LinterVersion = proj.manifest.LinterVersion
		tc.LinterSHA256 = freshLinterSHA
		changed = true
	} else if freshLinterSHA != "" && tc.LinterSHA256 != freshLinterSHA {
		if tc.LinterSHA256 != "" && !opts.Force {
			return errs.New(errs.ArtifactHashMismatch, "installed linter hash does not match locked value (use --force to accept)")
		}
		tc.LinterSHA256 = freshLinterSHA
		changed = true
	}
	next.Toolchain = tc

	if !changed {
		return nil
	}
	if opts.Locked {
		return errs.New(errs.LockfileOutOfDate, "lockfile is out of date with respect to the linter (--locked)")
	}

	lockPath := filepath.Join(proj.canonicalDir, LockFile)
	if err := os.WriteFile(lockPath, next.Marshal(), 0o644); err != nil {
		return errs.IO(lockPath, err)
	}
	return nil
}

// UpdateResult reports how many registry dependencies Update refreshed.
type UpdateResult struct {
	Updated int
}

// Update resolves a fresh per-target artifact hash set for every registry
// dependency and rewrites the lockfile, independent of running a build.
func (o *Orchestrator) Update(ctx context.Context, projectDir string, opts Options) (*UpdateResult, error) {
	if opts.Locked {
		return nil, errs.New(errs.LockfileOutOfDate, "update cannot run in --locked mode")
	}

	proj, err := o.loadProject(projectDir)
	if err != nil {
		return nil, err
	}

	r := resolver.New(proj.onDiskLock, manifest.SourceExtension, o.Registry)
	graph, err := r.Resolve(proj.canonicalDir, proj.manifest)
	if err != nil {
		return nil, err
	}

	next := proj.onDiskLock.Clone()
	nextDeps := make([]lockfile.DependencyLock, 0, len(graph.Nodes))
	updated := 0

	for _, node := range graph.Nodes {
		if node.Name == proj.manifest.Name {
			continue
		}
		if !node.IsRegistry {
			rel, _ := filepath.Rel(proj.canonicalDir, node.Path)
			nextDeps = append(nextDeps, lockfile.DependencyLock{
				Name:   node.Name,
				Digest: node.SourceHash,
				Source: lockfile.DependencySource{Kind: lockfile.SourcePath, Path: filepath.ToSlash(rel)},
			})
			continue
		}

		prior, _ := proj.onDiskLock.DependencyByName(node.Name)
		targetHashes := make(map[string]string, len(target.All()))
		for _, t := range target.All() {
			sha, err := o.fetchRegistryArtifactHash(ctx, node.CoordinateTemplate, t, opts.Verbose)
			if err != nil {
				return nil, err
			}
			targetHashes[t.Name] = sha
		}

		nextDeps = append(nextDeps, lockfile.DependencyLock{
			Name:   node.Name,
			Digest: targetHashDigest(targetHashes),
			Source: lockfile.DependencySource{
				Kind:               lockfile.SourceRegistry,
				Version:            prior.Source.Version,
				CoordinateTemplate: node.CoordinateTemplate,
				TargetHashes:       targetHashes,
			},
		})
		updated++
	}
	next.Dependencies = nextDeps

	if lockfile.Equal(proj.onDiskLock, next) {
		return &UpdateResult{Updated: 0}, nil
	}

	lockPath := filepath.Join(proj.canonicalDir, LockFile)
	if err := os.WriteFile(lockPath, next.Marshal(), 0o644); err != nil {
		return nil, errs.IO(lockPath, err)
	}
	return &UpdateResult{Updated: updated}, nil
}

// fetchRegistryArtifactHash downloads a registry dependency's per-target
// artifact into a scratch file purely to compute its SHA-256, then discards
// it; `update` is the only place that needs the bytes, build nodes only
// ever need the hash that's already in the lockfile.
func (o *Orchestrator) fetchRegistryArtifactHash(ctx context.Context, coordinate string, t target.Triple, verbose bool) (string, error) {
	url := registryArtifactURL(o.BaseURL, coordinate, t)
	tmp, err := os.CreateTemp("", "konvoy-registry-*")
	if err != nil {
		return "", errs.IO("", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	res, err := download.ToFile(ctx, url, tmpPath, verbose, func(downloaded, total int64) {})
	if err != nil {
		return "", errs.Wrap(errs.ToolchainDownload, err, "downloading registry artifact %s", url)
	}
	return res.SHA256, nil
}

// registryArtifactURL maps a "group:artifact:version" coordinate template
// and target triple to its per-target artifact URL under the distribution
// server's /registry/ tree.
func registryArtifactURL(baseURL, coordinate string, t target.Triple) string {
	path := strings.ReplaceAll(coordinate, ":", "/")
	return fmt.Sprintf("%s/registry/%s/%s.klib", strings.TrimRight(baseURL, "/"), path, t.Name)
}

// targetHashDigest folds a per-target hash set into a single digest, the
// same scheme the resolver uses for a registry dependency's SourceHash.
func targetHashDigest(targetHashes map[string]string) string {
	keys := make([]string, 0, len(targetHashes))
	for k := range targetHashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		io.WriteString(h, k)
		io.WriteString(h, "=")
		io.WriteString(h, targetHashes[k])
		io.WriteString(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Clean removes the project's .konvoy/ directory.
func Clean(projectDir string) error {
	return fsutil.RemoveAll(filepath.Join(projectDir, BuildLayoutDir))
}

// Doctor reports host target detection, compiler detection, and manifest
// presence, for the `doctor` verb.
type DoctorReport struct {
	HostTarget      string
	ManifestPresent bool
	CompilerHome    string
	CompilerHomeSet bool
}

func Doctor(projectDir string) (*DoctorReport, error) {
	t, err := target.Host()
	if err != nil {
		return nil, err
	}
	_, statErr := os.Stat(filepath.Join(projectDir, ManifestFile))
	homeOverride, set := home.CompilerHomeOverride()
	return &DoctorReport{
		HostTarget:      t.Name,
		ManifestPresent: statErr == nil,
		CompilerHome:    homeOverride,
		CompilerHomeSet: set,
	}, nil
}
