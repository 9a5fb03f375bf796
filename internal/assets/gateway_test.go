package assets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"bookvault/pkg/domain"
)

func TestResolveReturnsExistingImage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pic.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Resolve(dir, "pic.png")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != filepath.Join(dir, "pic.png") {
		t.Fatalf("Resolve() = %s", got)
	}
}

func TestResolveRejectsTraversalNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"",
		"../secret.png",
		"..",
		"a/b.png",
		`a\b.png`,
		"..%2Fescape.png", // contains dot-dot after any decoding upstream
		"x..y.png",
	} {
		if _, err := Resolve(dir, name); !errors.Is(err, domain.ErrForbidden) {
			t.Errorf("Resolve(%q) error = %v, want ErrForbidden", name, err)
		}
	}
}

func TestResolveMissingImageIsNotFound(t *testing.T) {
	if _, err := Resolve(t.TempDir(), "absent.png"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	if err := os.WriteFile(secret, []byte("s"), 0o644); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	link := filepath.Join(dir, "innocent.png")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	if _, err := Resolve(dir, "innocent.png"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("error = %v, want ErrForbidden", err)
	}
}

func TestContentType(t *testing.T) {
	if ct := ContentType("pic.png"); ct != "image/png" {
		t.Errorf("ContentType(pic.png) = %s", ct)
	}
	if ct := ContentType("mystery.bin2"); ct != "application/octet-stream" {
		t.Errorf("ContentType(mystery.bin2) = %s", ct)
	}
}
