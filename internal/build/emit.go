package build

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// Emitter turns a bundler output directory into the deployable tree for one
// profile.
type Emitter struct {
	profile Profile
	version string
	pattern NamingPattern
	logger  *slog.Logger
}

// NewEmitter validates the profile's naming pattern and returns an emitter
// stamping version into _app/version.json.
func NewEmitter(profile Profile, version string, logger *slog.Logger) (*Emitter, error) {
	pattern := NamingPattern(profile.ChunkNamingPattern)
	if pattern == "" {
		pattern = DefaultNamingPattern
	}
	if err := pattern.Validate(); err != nil {
		return nil, err
	}
	if profile.OutputDir == "" {
		return nil, errors.New("build profile has no output directory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		profile: profile,
		version: version,
		pattern: pattern,
		logger:  logger,
	}, nil
}

// OutputDir returns the directory Emit writes for outRoot.
func (e *Emitter) OutputDir(outRoot string) string {
	return filepath.Join(outRoot, e.profile.OutputDir)
}

// Emit reads srcDir and writes the output tree under outRoot, replacing any
// previous build. On error the previous build is left in place.
func (e *Emitter) Emit(ctx context.Context, srcDir, outRoot string) (*Report, error) {
	outDir := e.OutputDir(outRoot)
	if err := checkDisjoint(srcDir, outDir); err != nil {
		return nil, err
	}

	tree, err := scanSource(os.DirFS(srcDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read build source %s: %w", srcDir, err)
	}

	report := &Report{
		Profile:   e.profile.ID,
		OutputDir: outDir,
		Files:     make(map[string]string),
	}
	for _, p := range tree.ignored {
		report.warn(p, "Ignoring file outside entry/, chunks/, assets/ and static/")
	}

	outputs, err := e.plan(tree, report)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The tree is assembled next to outDir and swapped in whole, so a failed
	// write leaves the previous build untouched.
	if err := os.MkdirAll(filepath.Dir(outDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output root: %w", err)
	}
	staging, err := os.MkdirTemp(filepath.Dir(outDir), "."+filepath.Base(outDir)+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	written := make([]string, 0, len(outputs))
	for _, rel := range sortedKeys(outputs) {
		dst := filepath.Join(staging, filepath.FromSlash(rel))
		if err := writeOutput(dst, outputs[rel]); err != nil {
			return nil, err
		}
		written = append(written, dst)
		report.TotalBytes += int64(len(outputs[rel]))
	}

	if e.profile.Compress {
		n, err := compressFiles(ctx, written)
		if err != nil {
			return nil, fmt.Errorf("failed to precompress output: %w", err)
		}
		report.Compressed = n
	}

	if err := e.replaceDir(staging, outDir); err != nil {
		return nil, err
	}
	e.logger.Debug("Wrote build output", "dir", outDir, "files", len(written), "compressed", report.Compressed)
	return report, nil
}

// plan resolves names, inlining and rewritten content for every source
// file. It returns output contents keyed by slash path relative to the output
// directory.
func (e *Emitter) plan(tree *sourceTree, report *Report) (map[string][]byte, error) {
	p := e.profile
	rels := tree.sortedRels()

	// Small referenced assets become data URIs; everything else hashed gets
	// a name.
	referenced := referencedSet(tree)
	for _, rel := range rels {
		f := tree.files[rel]
		if f.kind == KindAssets && !neverInline[f.ext] && len(f.data) < p.InlineThresholdBytes && referenced[rel] {
			f.inline = true
		}
	}

	var unresolved []string
	resolve := func(from, target string) (*sourceFile, bool) {
		t, ok := tree.files[target]
		if ok && t.hashed() {
			return t, true
		}
		msg := fmt.Sprintf("Unresolved reference to /%s", target)
		if p.StrictOutputCheck {
			unresolved = append(unresolved, fmt.Sprintf("%s -> /%s", from, target))
		} else {
			report.warn(from, msg)
		}
		return nil, false
	}

	rewrite := func(from string, data []byte) []byte {
		return rewriteReferences(data, func(target string) (string, bool) {
			t, ok := resolve(from, target)
			if !ok {
				return "", false
			}
			if t.inline {
				return dataURI(t), true
			}
			return "/" + t.out, true
		})
	}

	for _, rel := range rels {
		if f := tree.files[rel]; f.kind == KindStatic {
			f.out = staticOutput(rel)
			f.body = f.data
		}
	}
	e.nameHashed(tree, rewrite)

	outputs := make(map[string][]byte)
	owner := make(map[string]string)
	for _, rel := range rels {
		f := tree.files[rel]
		if f.inline {
			report.Inlined = append(report.Inlined, rel)
			continue
		}
		if prev, dup := owner[f.out]; dup && !bytes.Equal(outputs[f.out], f.body) {
			return nil, fmt.Errorf("%s and %s both map to %s", prev, rel, f.out)
		}
		owner[f.out] = rel
		outputs[f.out] = f.body
		report.Files[rel] = f.out

		if (f.kind == KindEntry || f.kind == KindChunks) && f.isScript() && len(f.body) > p.ChunkSizeWarningBytes {
			msg := fmt.Sprintf("Chunk is %s, larger than the %s warning limit",
				humanize.Bytes(uint64(len(f.body))), humanize.Bytes(uint64(p.ChunkSizeWarningBytes)))
			report.warn(f.out, msg)
		}
	}

	doc, err := e.fallbackDocument(tree, report, rewrite)
	if err != nil {
		return nil, err
	}
	if len(unresolved) > 0 {
		sort.Strings(unresolved)
		return nil, fmt.Errorf("unresolved references in strict build: %s", strings.Join(unresolved, ", "))
	}

	for _, name := range []string{p.FallbackDocument, "_app/version.json", "_app/manifest.json"} {
		if rel, taken := owner[name]; taken {
			return nil, fmt.Errorf("%s collides with generated %s", rel, name)
		}
	}
	outputs[p.FallbackDocument] = doc

	version, err := json.MarshalIndent(map[string]string{"version": e.version}, "", "\t")
	if err != nil {
		return nil, err
	}
	outputs["_app/version.json"] = append(version, '\n')

	manifest, err := json.MarshalIndent(report.Files, "", "\t")
	if err != nil {
		return nil, err
	}
	outputs["_app/manifest.json"] = append(manifest, '\n')

	return outputs, nil
}

// nameHashed rewrites and names every hashed file that is emitted on its own.
// Files are handled after everything they reference, so a name is the hash
// of the emitted body and a renamed dependency renames its importers too.
func (e *Emitter) nameHashed(tree *sourceTree, rewrite func(string, []byte) []byte) {
	nodes, links := emittedLinks(tree)
	for _, comp := range components(nodes, links) {
		if !cyclic(comp, links) {
			f := tree.files[comp[0]]
			f.body = f.data
			if f.isText() {
				f.body = rewrite(f.rel, f.data)
			}
			f.out = e.render(f, ContentHash(f.body))
			continue
		}

		// Files in a reference cycle cannot embed each other's final hash.
		// They share the cycle's source digests plus whatever the cycle
		// references outside itself.
		member := make(map[string]bool, len(comp))
		var deps [][]byte
		for _, rel := range comp {
			member[rel] = true
			deps = append(deps, Digest(tree.files[rel].data))
		}
		for _, rel := range comp {
			for _, target := range referencedTargets(tree.files[rel].data) {
				t, ok := tree.files[target]
				switch {
				case !ok || member[target]:
				case t.inline:
					deps = append(deps, Digest(t.data))
				case t.hashed():
					deps = append(deps, []byte(t.out))
				}
			}
		}
		for _, rel := range comp {
			f := tree.files[rel]
			f.out = e.render(f, ContentHash(f.data, deps...))
		}
		for _, rel := range comp {
			f := tree.files[rel]
			f.body = rewrite(rel, f.data)
		}
	}
}

func (e *Emitter) render(f *sourceFile, hash string) string {
	stem, _ := splitName(f.rel)
	return e.pattern.Render(f.kind, stem, hash, f.ext)
}

// fallbackDocument rewrites index.html, inlines small stylesheets and adds the
// CSP meta tag. Non-strict builds without index.html get a minimal document.
func (e *Emitter) fallbackDocument(tree *sourceTree, report *Report, rewrite func(string, []byte) []byte) ([]byte, error) {
	p := e.profile
	doc := tree.fallback
	if doc == nil {
		if p.StrictOutputCheck {
			return nil, errors.New("build source has no index.html")
		}
		report.warn("index.html", "No index.html in build source, writing a minimal fallback document")
		doc = []byte(MinimalFallbackDocument)
	}

	doc, styles := inlineStylesheets(doc, p.InlineStyleThresholdBytes, func(href string) ([]byte, bool) {
		rel := strings.TrimPrefix(href, "/")
		f, ok := tree.files[rel]
		if !ok || f.ext != "css" || !f.hashed() || f.inline {
			return nil, false
		}
		return f.body, true
	})
	for _, href := range styles {
		report.Inlined = append(report.Inlined, strings.TrimPrefix(href, "/"))
	}
	sort.Strings(report.Inlined)

	doc = rewrite("index.html", doc)
	if p.CSP != nil {
		doc = injectHeadTag(doc, p.CSP.MetaTag())
	}
	return doc, nil
}

// referencedSet collects every target referenced by the fallback document or
// a hashed text file.
func referencedSet(tree *sourceTree) map[string]bool {
	set := make(map[string]bool)
	for _, target := range referencedTargets(tree.fallback) {
		set[target] = true
	}
	for _, f := range tree.files {
		if !f.hashed() || !f.isText() {
			continue
		}
		for _, target := range referencedTargets(f.data) {
			if target != f.rel {
				set[target] = true
			}
		}
	}
	return set
}

// checkDisjoint refuses to recreate an output directory that contains, or is
// contained by, the source directory.
func checkDisjoint(srcDir, outDir string) error {
	src, err := filepath.Abs(srcDir)
	if err != nil {
		return err
	}
	out, err := filepath.Abs(outDir)
	if err != nil {
		return err
	}
	if within(src, out) || within(out, src) {
		return fmt.Errorf("output directory %s overlaps build source %s", outDir, srcDir)
	}
	return nil
}

func within(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// replaceDir moves staging to dst, removing whatever dst held before.
func (e *Emitter) replaceDir(staging, dst string) error {
	if err := os.Chmod(staging, 0o755); err != nil {
		return fmt.Errorf("failed to set output permissions: %w", err)
	}
	old := staging + ".old"
	if err := os.Rename(dst, old); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to move previous output aside: %w", err)
	}
	if err := os.Rename(staging, dst); err != nil {
		// Put the previous build back if it was moved.
		_ = os.Rename(old, dst)
		return fmt.Errorf("failed to move build output into place: %w", err)
	}
	if err := os.RemoveAll(old); err != nil {
		e.logger.Warn("Failed to remove previous build output", "dir", old, "error", err)
	}
	return nil
}

func writeOutput(dst string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	return nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
