package build

import (
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/zeebo/blake3"
)

// HashLength is the number of hex characters of the content hash embedded in
// emitted file names.
const HashLength = 8

// NamingPattern renders output paths for hashed artifacts. Placeholders:
// [kind] (entry, chunks, assets), [name], [hash] and [ext].
type NamingPattern string

// Validate checks that the pattern yields unique, cache-busting names.
func (p NamingPattern) Validate() error {
	s := string(p)
	for _, ph := range []string{"[name]", "[hash]", "[ext]"} {
		if !strings.Contains(s, ph) {
			return fmt.Errorf("naming pattern %q must contain %s", s, ph)
		}
	}
	if strings.HasPrefix(s, "/") || strings.Contains(s, "..") {
		return fmt.Errorf("naming pattern %q must be a relative path", s)
	}
	return nil
}

// Render builds the output path for one artifact. ext has no leading dot.
func (p NamingPattern) Render(kind, name, hash, ext string) string {
	s := string(p)
	if ext == "" {
		s = strings.Replace(s, ".[ext]", "", 1)
	}
	return strings.NewReplacer(
		"[kind]", kind,
		"[name]", name,
		"[hash]", hash,
		"[ext]", ext,
	).Replace(s)
}

// ContentHash digests data together with any extra inputs that shape the
// emitted file but are not part of data.
func ContentHash(data []byte, deps ...[]byte) string {
	h := blake3.New()
	h.Write(data)
	for _, d := range deps {
		h.Write(d)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:HashLength]
}

// Digest returns the full blake3 digest of data.
func Digest(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// splitName separates a source file name into its stem and extension (without
// the dot). "vendor.min.js" yields "vendor.min" and "js".
func splitName(p string) (stem, ext string) {
	base := path.Base(p)
	e := path.Ext(base)
	if e == "" {
		return base, ""
	}
	return strings.TrimSuffix(base, e), e[1:]
}
