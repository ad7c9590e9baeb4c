package build

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/andybalholm/brotli"
	"golang.org/x/sync/errgroup"
)

var compressibleExts = map[string]bool{
	".html": true,
	".css":  true,
	".js":   true,
	".mjs":  true,
	".json": true,
	".svg":  true,
	".txt":  true,
	".xml":  true,
	".wasm": true,
	".map":  true,
}

func compressible(name string) bool {
	return compressibleExts[strings.ToLower(filepath.Ext(name))]
}

// compressFiles writes .gz and .br siblings next to every compressible file
// in paths, using all CPUs.
func compressFiles(ctx context.Context, paths []string) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	count := 0
	for _, p := range paths {
		if !compressible(p) {
			continue
		}
		count++
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return compressFile(p)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return count, nil
}

func compressFile(p string) error {
	data, err := os.ReadFile(p)
	if err != nil {
		return err
	}
	if err := writeCompressed(p+".gz", data, func(w io.Writer) (io.WriteCloser, error) {
		return gzip.NewWriterLevel(w, gzip.BestCompression)
	}); err != nil {
		return fmt.Errorf("gzip %s: %w", p, err)
	}
	if err := writeCompressed(p+".br", data, func(w io.Writer) (io.WriteCloser, error) {
		return brotli.NewWriterLevel(w, brotli.BestCompression), nil
	}); err != nil {
		return fmt.Errorf("brotli %s: %w", p, err)
	}
	return nil
}

func writeCompressed(dst string, data []byte, newWriter func(io.Writer) (io.WriteCloser, error)) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw, err := newWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
