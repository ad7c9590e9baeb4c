package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
)

func newTestFS() fstest.MapFS {
	return fstest.MapFS{
		"index.html":                               {Data: []byte("<html><body>SPA</body></html>")},
		"about/index.html":                         {Data: []byte("<html><body>About</body></html>")},
		"_app/immutable/chunks/app.1a2b3c4d.js":    {Data: []byte("console.log('app')")},
		"_app/immutable/chunks/app.1a2b3c4d.js.br": {Data: []byte("BROTLI")},
		"_app/immutable/chunks/app.1a2b3c4d.js.gz": {Data: []byte("GZIP")},
		"_app/version.json":                        {Data: []byte(`{"version":"0.4.1-dev"}`)},
		"favicon.png":                              {Data: []byte("fakepng")},
	}
}

func newTestHandler(t *testing.T, opts ...SPAOption) *SPAHandler {
	t.Helper()
	h, err := NewSPAHandler(newTestFS(), "", opts...)
	if err != nil {
		t.Fatalf("NewSPAHandler: %v", err)
	}
	return h
}

func serve(h http.Handler, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRootServesFallbackDocument(t *testing.T) {
	rec := serve(newTestHandler(t), http.MethodGet, "/", nil)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SPA") {
		t.Errorf("expected body to contain 'SPA', got %q", rec.Body.String())
	}
	if rec.Header().Get("Cache-Control") != "no-cache" {
		t.Errorf("expected fallback to be no-cache, got %q", rec.Header().Get("Cache-Control"))
	}
}

func TestStaticFileServedDirectly(t *testing.T) {
	rec := serve(newTestHandler(t), http.MethodGet, "/favicon.png", nil)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "fakepng" {
		t.Errorf("expected 'fakepng', got %q", rec.Body.String())
	}
}

func TestImmutableAssetCaching(t *testing.T) {
	rec := serve(newTestHandler(t), http.MethodGet, "/_app/immutable/chunks/app.1a2b3c4d.js", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "console.log") {
		t.Errorf("expected JS content, got %q", rec.Body.String())
	}
	if !strings.Contains(rec.Header().Get("Cache-Control"), "immutable") {
		t.Errorf("expected immutable caching, got %q", rec.Header().Get("Cache-Control"))
	}
}

func TestPrecompressedBrotliPreferred(t *testing.T) {
	rec := serve(newTestHandler(t), http.MethodGet, "/_app/immutable/chunks/app.1a2b3c4d.js",
		map[string]string{"Accept-Encoding": "gzip, deflate, br"})

	if rec.Body.String() != "BROTLI" {
		t.Errorf("expected brotli variant, got %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Encoding") != "br" {
		t.Errorf("expected Content-Encoding br, got %q", rec.Header().Get("Content-Encoding"))
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "javascript") {
		t.Errorf("expected javascript content type, got %q", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("Vary") != "Accept-Encoding" {
		t.Errorf("expected Vary: Accept-Encoding, got %q", rec.Header().Get("Vary"))
	}
}

func TestPrecompressedGzipFallback(t *testing.T) {
	rec := serve(newTestHandler(t), http.MethodGet, "/_app/immutable/chunks/app.1a2b3c4d.js",
		map[string]string{"Accept-Encoding": "gzip, br;q=0"})

	if rec.Body.String() != "GZIP" {
		t.Errorf("expected gzip variant, got %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Errorf("expected Content-Encoding gzip, got %q", rec.Header().Get("Content-Encoding"))
	}
}

func TestNoPrecompressedVariantServesOriginal(t *testing.T) {
	rec := serve(newTestHandler(t), http.MethodGet, "/favicon.png",
		map[string]string{"Accept-Encoding": "br, gzip"})

	if rec.Body.String() != "fakepng" {
		t.Errorf("expected original file, got %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Encoding") != "" {
		t.Errorf("expected no Content-Encoding, got %q", rec.Header().Get("Content-Encoding"))
	}
}

func TestPrerenderedDirectoryIndex(t *testing.T) {
	rec := serve(newTestHandler(t), http.MethodGet, "/about", nil)

	if !strings.Contains(rec.Body.String(), "About") {
		t.Errorf("expected prerendered about page, got %q", rec.Body.String())
	}
}

func TestSPAFallbackForUnknownRoute(t *testing.T) {
	rec := serve(newTestHandler(t), http.MethodGet, "/sessions/abc123/terminal", nil)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "SPA") {
		t.Errorf("expected SPA fallback (index.html), got %q", rec.Body.String())
	}
}

func TestCustomFallbackDocument(t *testing.T) {
	fsys := newTestFS()
	fsys["200.html"] = &fstest.MapFile{Data: []byte("custom fallback")}
	h, err := NewSPAHandler(fsys, "", WithFallbackDocument("200.html"))
	if err != nil {
		t.Fatal(err)
	}
	rec := serve(h, http.MethodGet, "/deep/route", nil)
	if rec.Body.String() != "custom fallback" {
		t.Errorf("expected custom fallback, got %q", rec.Body.String())
	}
}

func TestNoFallbackForMissingFileWithExtension(t *testing.T) {
	for _, target := range []string{"/missing.css", "/_app/missing-chunk.js"} {
		rec := serve(newTestHandler(t), http.MethodGet, target, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: expected status 404, got %d", target, rec.Code)
		}
	}
}

func TestContentSecurityPolicyHeader(t *testing.T) {
	h := newTestHandler(t, WithContentSecurityPolicy("script-src 'self'"))
	for _, target := range []string{"/", "/favicon.png", "/unknown/route"} {
		rec := serve(h, http.MethodGet, target, nil)
		if got := rec.Header().Get("Content-Security-Policy"); got != "script-src 'self'" {
			t.Errorf("%s: CSP = %q, want %q", target, got, "script-src 'self'")
		}
	}

	rec := serve(newTestHandler(t), http.MethodGet, "/", nil)
	if rec.Header().Get("Content-Security-Policy") != "" {
		t.Error("expected no CSP header when policy is empty")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rec := serve(newTestHandler(t), http.MethodPost, "/", nil)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestSubFilesystemPrefix(t *testing.T) {
	fsys := fstest.MapFS{
		"build/index.html": {Data: []byte("from build")},
	}
	h, err := NewSPAHandler(fsys, "build")
	if err != nil {
		t.Fatal(err)
	}
	rec := serve(h, http.MethodGet, "/", nil)
	if rec.Body.String() != "from build" {
		t.Errorf("expected sub filesystem content, got %q", rec.Body.String())
	}
}
