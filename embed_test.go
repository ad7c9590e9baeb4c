package devkit

import (
	"io/fs"
	"strings"
	"testing"
)

func TestWebFSContainsPlaceholder(t *testing.T) {
	// Verify the embed.FS is accessible and contains the expected structure
	_, err := fs.Stat(WebFS, PlaceholderDir+"/index.html")
	if err != nil {
		t.Fatalf("expected %s/index.html in embedded FS, got error: %v", PlaceholderDir, err)
	}
}

func TestWebFSSubDirectoryAccessible(t *testing.T) {
	sub, err := fs.Sub(WebFS, PlaceholderDir)
	if err != nil {
		t.Fatalf("failed to create sub filesystem: %v", err)
	}

	data, err := fs.ReadFile(sub, "index.html")
	if err != nil {
		t.Fatalf("expected index.html in sub filesystem, got error: %v", err)
	}
	if !strings.Contains(string(data), "Dev server is running") {
		t.Errorf("unexpected placeholder content: %q", data)
	}
}
