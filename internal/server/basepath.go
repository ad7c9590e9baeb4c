package server

import (
	"fmt"
	"net/http"
	"strings"
)

// NormalizeBasePath ensures the base path starts and ends with '/'.
func NormalizeBasePath(basePath string) string {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return "/"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if !strings.HasSuffix(basePath, "/") {
		basePath = basePath + "/"
	}
	return basePath
}

// BasePathHandler mounts the application under a public base path, the way
// the built site is deployed. Requests under the base path reach the inner
// handler with the prefix stripped, the bare base path redirects to its
// slash form, and anything else gets a 404 pointing at the base path.
type BasePathHandler struct {
	basePath string
	inner    http.Handler
}

// NewBasePathHandler creates a handler that strips basePath from request URLs
// before forwarding to the inner handler. If basePath is "/", it returns
// the inner handler directly.
func NewBasePathHandler(basePath string, inner http.Handler) http.Handler {
	bp := NormalizeBasePath(basePath)
	if bp == "/" {
		return inner
	}
	return &BasePathHandler{
		basePath: bp,
		inner:    inner,
	}
}

func (h *BasePathHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, h.basePath) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = "/" + strings.TrimPrefix(r.URL.Path, h.basePath)
		r2.URL.RawPath = ""
		h.inner.ServeHTTP(w, r2)
		return
	}

	if r.URL.Path+"/" == h.basePath {
		target := h.basePath
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusPermanentRedirect)
		return
	}

	suggestion := strings.TrimSuffix(h.basePath, "/") + r.URL.Path
	http.Error(w, fmt.Sprintf("The server is configured with a public base URL of %s - did you mean to visit %s instead?", h.basePath, suggestion), http.StatusNotFound)
}
