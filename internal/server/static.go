package server

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"
)

// DefaultFallbackDocument is served for client-side routes.
const DefaultFallbackDocument = "index.html"

// immutablePrefix holds content-hashed build output that never changes in place.
const immutablePrefix = "_app/immutable/"

// encodings lists precompressed siblings in preference order.
var encodings = []struct {
	token string
	ext   string
}{
	{"br", ".br"},
	{"gzip", ".gz"},
}

// SPAHandler serves a built single-page application from an fs.FS and falls
// back to the fallback document for any extensionless path that doesn't match
// a static file, enabling client-side routing while returning 404 for missing
// files with extensions. Precompressed .br/.gz siblings are preferred when the
// client accepts them.
type SPAHandler struct {
	filesystem fs.FS
	fallback   string
	csp        string
}

// SPAOption configures an SPAHandler.
type SPAOption func(*SPAHandler)

// WithFallbackDocument sets the document served for unmatched routes.
func WithFallbackDocument(name string) SPAOption {
	return func(h *SPAHandler) { h.fallback = strings.TrimPrefix(name, "/") }
}

// WithContentSecurityPolicy sets the Content-Security-Policy header sent with
// every response. An empty policy sends no header.
func WithContentSecurityPolicy(policy string) SPAOption {
	return func(h *SPAHandler) { h.csp = policy }
}

// NewSPAHandler creates a handler that serves files from filesystem, stripping
// the specified prefix from paths.
func NewSPAHandler(filesystem fs.FS, prefix string, opts ...SPAOption) (*SPAHandler, error) {
	sub := filesystem
	if prefix != "" && prefix != "." {
		var err error
		sub, err = fs.Sub(filesystem, prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create sub filesystem: %w", err)
		}
	}
	h := &SPAHandler{
		filesystem: sub,
		fallback:   DefaultFallbackDocument,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *SPAHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.csp != "" {
		w.Header().Set("Content-Security-Policy", h.csp)
	}

	urlPath := path.Clean("/" + r.URL.Path)
	if urlPath == "/" {
		h.serveFallback(w, r)
		return
	}

	filePath := urlPath[1:]
	if info, err := fs.Stat(h.filesystem, filePath); err == nil && !info.IsDir() {
		h.serveFile(w, r, filePath)
		return
	}

	// Prerendered route directories (e.g. /about/index.html).
	if dirIndex := path.Join(filePath, "index.html"); fileExists(h.filesystem, dirIndex) {
		h.serveFile(w, r, dirIndex)
		return
	}

	// Paths with extensions (e.g., .css, .js, .png) are real file requests
	// and return 404 to avoid MIME-type mismatches. r.URL.Path is already
	// URL-decoded, so %2Ecss is detected too.
	if path.Ext(urlPath) != "" {
		http.NotFound(w, r)
		return
	}

	h.serveFallback(w, r)
}

func (h *SPAHandler) serveFallback(w http.ResponseWriter, r *http.Request) {
	if !fileExists(h.filesystem, h.fallback) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	h.serveFile(w, r, h.fallback)
}

func (h *SPAHandler) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	if strings.HasPrefix(name, immutablePrefix) {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}

	served := name
	if accepted := r.Header.Get("Accept-Encoding"); accepted != "" {
		for _, enc := range encodings {
			if acceptsEncoding(accepted, enc.token) && fileExists(h.filesystem, name+enc.ext) {
				served = name + enc.ext
				w.Header().Set("Content-Encoding", enc.token)
				break
			}
		}
		w.Header().Add("Vary", "Accept-Encoding")
	}

	f, err := h.filesystem.Open(served)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "failed to open file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	var modTime time.Time
	if info, err := f.Stat(); err == nil {
		modTime = info.ModTime()
	}

	rs, ok := f.(io.ReadSeeker)
	if !ok {
		data, err := io.ReadAll(f)
		if err != nil {
			http.Error(w, "failed to read file", http.StatusInternalServerError)
			return
		}
		rs = strings.NewReader(string(data))
	}
	// Content type comes from the uncompressed name.
	http.ServeContent(w, r, name, modTime, rs)
}

func fileExists(fsys fs.FS, name string) bool {
	info, err := fs.Stat(fsys, name)
	return err == nil && !info.IsDir()
}

func acceptsEncoding(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		fields := strings.Split(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(fields[0]), token) {
			continue
		}
		for _, param := range fields[1:] {
			param = strings.ReplaceAll(strings.TrimSpace(param), " ", "")
			if param == "q=0" || param == "q=0.0" || param == "q=0.00" || param == "q=0.000" {
				return false
			}
		}
		return true
	}
	return false
}
