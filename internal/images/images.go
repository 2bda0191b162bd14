// Package images resolves guest image references: local files are read
// directly, http(s) URLs are downloaded into an on-disk cache.
package images

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
)

// Resolver fetches image references.
type Resolver struct {
	// CacheDir holds downloaded images, keyed by URL hash. Empty disables
	// caching.
	CacheDir string
	// Quiet suppresses the download progress bar.
	Quiet bool
}

// Resolve returns the bytes of an image reference. Empty references
// resolve to nil so optional images fall through.
func (r *Resolver) Resolve(ref string) ([]byte, error) {
	if ref == "" {
		return nil, nil
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return r.download(ref)
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("images: read %s: %w", ref, err)
	}
	return data, nil
}

func (r *Resolver) download(url string) ([]byte, error) {
	cachePath := ""
	if r.CacheDir != "" {
		sum := sha256.Sum256([]byte(url))
		cachePath = filepath.Join(r.CacheDir, hex.EncodeToString(sum[:8])+"-"+filepath.Base(url))
		if data, err := os.ReadFile(cachePath); err == nil {
			slog.Debug("image cache hit", "url", url, "path", cachePath)
			return data, nil
		}
	}

	resp, err := http.Get(url)
	if err != nil {
		return nil, fmt.Errorf("images: download %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("images: download %s: status %d", url, resp.StatusCode)
	}

	body := io.Reader(resp.Body)
	if !r.Quiet {
		pb := progressbar.DefaultBytes(resp.ContentLength, "downloading "+filepath.Base(url))
		defer pb.Close()
		body = io.TeeReader(body, pb)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("images: download %s: %w", url, err)
	}

	if cachePath != "" {
		if err := os.MkdirAll(r.CacheDir, 0o755); err == nil {
			if err := os.WriteFile(cachePath, data, 0o644); err != nil {
				slog.Warn("cache image", "path", cachePath, "err", err)
			}
		}
	}

	return data, nil
}
