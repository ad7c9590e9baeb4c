package server

import (
	"encoding/json"
	"net/http"

	"github.com/rathix/spa-devkit/internal/env"
)

// EnvInfoPath is where the client bundle fetches its runtime settings.
const EnvInfoPath = "/__app/env.json"

// EnvInfo is the JSON body served at EnvInfoPath.
type EnvInfo struct {
	Version string           `json:"version"`
	HMR     *env.HMROverride `json:"hmr,omitempty"`
}

// NewEnvInfoHandler serves the application version and HMR override so the
// client can display the build and reach the hot-reload socket through a
// tunnel.
func NewEnvInfoHandler(cfg *env.EffectiveConfig) http.Handler {
	body, _ := json.Marshal(EnvInfo{Version: cfg.AppVersion, HMR: cfg.HMR})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(body)
	})
}
