package build

import (
	"log/slog"

	"github.com/dustin/go-humanize"
)

// Warning is a non-fatal build finding.
type Warning struct {
	Path    string
	Message string
}

// Report summarizes one build.
type Report struct {
	Profile   ProfileID
	OutputDir string
	// Files maps each emitted source path to its output path.
	Files map[string]string
	// Inlined lists source paths embedded as data URIs or <style> elements.
	Inlined    []string
	Warnings   []Warning
	Compressed int
	TotalBytes int64
}

func (r *Report) warn(path, msg string) {
	r.Warnings = append(r.Warnings, Warning{Path: path, Message: msg})
}

// Output returns the output path emitted for a source path.
func (r *Report) Output(source string) (string, bool) {
	out, ok := r.Files[source]
	return out, ok
}

// Log writes the report summary and every warning to logger.
func (r *Report) Log(logger *slog.Logger) {
	for _, w := range r.Warnings {
		logger.Warn(w.Message, "path", w.Path)
	}
	logger.Info("Build complete",
		"profile", string(r.Profile),
		"output", r.OutputDir,
		"files", len(r.Files),
		"inlined", len(r.Inlined),
		"compressed", r.Compressed,
		"size", humanize.Bytes(uint64(r.TotalBytes)),
	)
}
