package build

import (
	"encoding/base64"
	"fmt"
	"io/fs"
	"mime"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Source kinds, named after the bundler output directories.
const (
	KindEntry  = "entry"
	KindChunks = "chunks"
	KindAssets = "assets"
	KindStatic = "static"
)

// textExts are scanned for references and rewritten.
var textExts = map[string]bool{
	"html": true,
	"css":  true,
	"js":   true,
	"mjs":  true,
	"json": true,
	"svg":  true,
}

// neverInline are always emitted as files regardless of size.
var neverInline = map[string]bool{
	"js":   true,
	"mjs":  true,
	"css":  true,
	"wasm": true,
	"map":  true,
}

// refPattern finds root-relative references to hashed sources. The first
// group is the delimiter preceding the path.
var refPattern = regexp.MustCompile("(^|[\\s\"'(=,`])(/(?:entry|chunks|assets)/[^\\s\"'()<>?#,;`\\\\]+)")

type sourceFile struct {
	rel  string // slash path relative to the source root
	kind string
	ext  string
	data []byte

	inline bool
	out    string // output path relative to the output dir; empty when inlined
	body   []byte // emitted content after reference rewriting
}

func (f *sourceFile) isText() bool { return textExts[f.ext] }

func (f *sourceFile) hashed() bool {
	return f.kind == KindEntry || f.kind == KindChunks || f.kind == KindAssets
}

func (f *sourceFile) isScript() bool {
	return f.ext == "js" || f.ext == "mjs"
}

// sourceTree is the bundler output as read from disk.
type sourceTree struct {
	files    map[string]*sourceFile // by rel
	fallback []byte                 // nil when index.html is missing
	ignored  []string
}

// sortedRels returns hashed and static source paths in lexical order.
func (t *sourceTree) sortedRels() []string {
	rels := make([]string, 0, len(t.files))
	for rel := range t.files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	return rels
}

func scanSource(fsys fs.FS) (*sourceTree, error) {
	tree := &sourceTree{files: make(map[string]*sourceFile)}
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		if p == "index.html" {
			tree.fallback = data
			return nil
		}

		top, _, nested := strings.Cut(p, "/")
		if !nested {
			tree.ignored = append(tree.ignored, p)
			return nil
		}
		switch top {
		case KindEntry, KindChunks, KindAssets, KindStatic:
		default:
			tree.ignored = append(tree.ignored, p)
			return nil
		}
		_, ext := splitName(p)
		tree.files[p] = &sourceFile{
			rel:  p,
			kind: top,
			ext:  strings.ToLower(ext),
			data: data,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(tree.ignored)
	return tree, nil
}

// reference is one root-relative path found in a text file.
type reference struct {
	start, end int // byte offsets of the path within the file
	target     string
}

func findReferences(data []byte) []reference {
	matches := refPattern.FindAllSubmatchIndex(data, -1)
	refs := make([]reference, 0, len(matches))
	for _, m := range matches {
		start, end := m[4], m[5]
		refs = append(refs, reference{
			start:  start,
			end:    end,
			target: string(data[start+1 : end]),
		})
	}
	return refs
}

// referencedTargets returns the distinct targets referenced by data, sorted.
func referencedTargets(data []byte) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range findReferences(data) {
		if !seen[r.target] {
			seen[r.target] = true
			out = append(out, r.target)
		}
	}
	sort.Strings(out)
	return out
}

// rewriteReferences replaces every reference with replace(target). When
// replace reports false the reference is left untouched.
func rewriteReferences(data []byte, replace func(target string) (string, bool)) []byte {
	refs := findReferences(data)
	if len(refs) == 0 {
		return data
	}
	var b strings.Builder
	b.Grow(len(data))
	last := 0
	for _, r := range refs {
		repl, ok := replace(r.target)
		if !ok {
			continue
		}
		b.Write(data[last:r.start])
		b.WriteString(repl)
		last = r.end
	}
	b.Write(data[last:])
	return []byte(b.String())
}

func dataURI(f *sourceFile) string {
	ctype := mime.TypeByExtension("." + f.ext)
	if i := strings.IndexByte(ctype, ';'); i >= 0 {
		ctype = strings.TrimSpace(ctype[:i])
	}
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	return "data:" + ctype + ";base64," + base64.StdEncoding.EncodeToString(f.data)
}

// staticOutput maps static/foo/bar.png to foo/bar.png.
func staticOutput(rel string) string {
	return path.Clean(strings.TrimPrefix(rel, KindStatic+"/"))
}
