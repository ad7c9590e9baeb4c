package build

import "testing"

func TestNamingPatternValidate(t *testing.T) {
	tests := []struct {
		pattern NamingPattern
		wantErr bool
	}{
		{DefaultNamingPattern, false},
		{"[name]-[hash].[ext]", false},
		{"assets/[name].[ext]", true},
		{"[hash].[ext]", true},
		{"[name].[hash]", true},
		{"/abs/[name].[hash].[ext]", true},
		{"../[name].[hash].[ext]", true},
	}
	for _, tc := range tests {
		err := tc.pattern.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tc.pattern, err, tc.wantErr)
		}
	}
}

func TestNamingPatternRender(t *testing.T) {
	p := NamingPattern(DefaultNamingPattern)
	if got := p.Render("chunks", "vendor", "1a2b3c4d", "js"); got != "_app/immutable/chunks/vendor.1a2b3c4d.js" {
		t.Errorf("unexpected name %q", got)
	}
	if got := p.Render("assets", "LICENSE", "1a2b3c4d", ""); got != "_app/immutable/assets/LICENSE.1a2b3c4d" {
		t.Errorf("unexpected extensionless name %q", got)
	}
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("console.log(1)"))
	if len(a) != HashLength {
		t.Fatalf("expected %d hex chars, got %q", HashLength, a)
	}
	if a != ContentHash([]byte("console.log(1)")) {
		t.Error("hash is not deterministic")
	}
	if a == ContentHash([]byte("console.log(2)")) {
		t.Error("different content produced the same hash")
	}
	if a == ContentHash([]byte("console.log(1)"), Digest([]byte("icon"))) {
		t.Error("inlined dependency did not change the hash")
	}
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		in, stem, ext string
	}{
		{"chunks/vendor.min.js", "vendor.min", "js"},
		{"assets/fonts/inter.woff2", "inter", "woff2"},
		{"assets/LICENSE", "LICENSE", ""},
	}
	for _, tc := range tests {
		stem, ext := splitName(tc.in)
		if stem != tc.stem || ext != tc.ext {
			t.Errorf("splitName(%q) = %q, %q; want %q, %q", tc.in, stem, ext, tc.stem, tc.ext)
		}
	}
}
