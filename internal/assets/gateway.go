// Package assets resolves reader image requests against a book's unpacked
// image directory without letting a crafted name escape it.
package assets

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"bookvault/pkg/domain"
)

// Resolve maps a requested image name to an absolute path inside imagesDir.
// Names carrying path separators or dot-dot are refused outright; the final
// path is then re-checked for physical containment after symlink resolution,
// so a symlink planted inside the directory cannot point outside it either.
func Resolve(imagesDir, name string) (string, error) {
	if name == "" || name != filepath.Base(name) ||
		strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: illegal image name", domain.ErrForbidden)
	}

	dir, err := filepath.Abs(imagesDir)
	if err != nil {
		return "", fmt.Errorf("resolve image dir: %w", err)
	}
	target := filepath.Join(dir, name)

	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: image %s", domain.ErrNotFound, name)
		}
		return "", fmt.Errorf("resolve image path: %w", err)
	}
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", fmt.Errorf("resolve image dir: %w", err)
	}
	if resolved != resolvedDir && !strings.HasPrefix(resolved, resolvedDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path escapes image directory", domain.ErrForbidden)
	}
	return target, nil
}

// ContentType guesses a media type from the file extension, defaulting to
// octet-stream.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
