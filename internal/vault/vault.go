// Package vault implements the content-addressed on-disk store. Each unique
// upload lives in objects/<sha256-hex>/ holding the original bytes, an
// optional cover image and the unpacked chapter tree. Vault contents are
// written once during ingestion and never mutated afterwards.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"bookvault/pkg/domain"
)

const (
	// OriginalName is the fixed file name for the uploaded bytes inside a
	// vault. User-supplied filenames never reach the filesystem.
	OriginalName = "original"
	// UnpackedDirName holds chapter HTML plus the flattened images tree.
	UnpackedDirName = "unpacked"
	// ImagesDirName is the flat image directory under unpacked/.
	ImagesDirName = "images"

	hashChunkSize = 32 * 1024
	digestHexLen  = sha256.Size * 2
)

// Store maps content digests to vault directories under root/objects.
type Store struct {
	objectsDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the objects directory under root if missing.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	objectsDir := filepath.Join(root, "objects")
	if err := os.MkdirAll(objectsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create objects dir: %w", err)
	}
	return &Store{
		objectsDir: objectsDir,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// ComputeDigest streams rs once in fixed-size chunks, returning the SHA-256
// hex digest and byte count, then rewinds so the caller can re-read.
func ComputeDigest(rs io.ReadSeeker) (string, int64, error) {
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("rewind upload: %w", err)
	}
	digest, size, err := hashReader(rs, hashChunkSize)
	if err != nil {
		return "", 0, err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return "", 0, fmt.Errorf("rewind upload: %w", err)
	}
	return digest, size, nil
}

// hashReader hashes r in bufSize chunks. Split out so tests can verify the
// digest is independent of the chunk size used while streaming.
func hashReader(r io.Reader, bufSize int) (string, int64, error) {
	h := sha256.New()
	size, err := io.CopyBuffer(h, r, make([]byte, bufSize))
	if err != nil {
		return "", 0, fmt.Errorf("hash upload: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// validDigest rejects anything that is not a lowercase 64-char hex string,
// keeping crafted digests out of filesystem paths.
func validDigest(digest string) bool {
	if len(digest) != digestHexLen {
		return false
	}
	for _, c := range digest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Path returns the vault directory for a digest.
func (s *Store) Path(digest string) (string, error) {
	if !validDigest(digest) {
		return "", fmt.Errorf("%w: malformed content digest", domain.ErrInvalidInput)
	}
	return filepath.Join(s.objectsDir, digest), nil
}

// Exists reports whether the vault directory is present.
func (s *Store) Exists(digest string) (bool, error) {
	dir, err := s.Path(digest)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Create makes the vault directory, failing if it already exists. Callers
// must hold the digest lock across Exists and Create.
func (s *Store) Create(digest string) (string, error) {
	dir, err := s.Path(digest)
	if err != nil {
		return "", err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return "", fmt.Errorf("vault %s already exists: %w", digest, err)
		}
		return "", fmt.Errorf("create vault: %w", err)
	}
	return dir, nil
}

// Delete removes the whole vault subtree. Idempotent: deleting an absent
// vault is not an error.
func (s *Store) Delete(digest string) error {
	dir, err := s.Path(digest)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete vault: %w", err)
	}
	return nil
}

// WriteOriginal copies the upload into the vault under the fixed name.
func (s *Store) WriteOriginal(digest string, r io.Reader) (string, error) {
	dir, err := s.Path(digest)
	if err != nil {
		return "", err
	}
	target := filepath.Join(dir, OriginalName)
	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create original: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return "", fmt.Errorf("write original: %w", err)
	}
	return target, nil
}

// ListDigests enumerates the vault directories currently on disk.
func (s *Store) ListDigests() ([]string, error) {
	entries, err := os.ReadDir(s.objectsDir)
	if err != nil {
		return nil, fmt.Errorf("read objects dir: %w", err)
	}
	digests := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && validDigest(e.Name()) {
			digests = append(digests, e.Name())
		}
	}
	return digests, nil
}

// Lock serializes ingestion and deletion for one digest. The existence check,
// directory creation, parsing and deletion of a given vault all run under
// this lock; distinct digests proceed in parallel.
func (s *Store) Lock(digest string) func() {
	s.mu.Lock()
	l, ok := s.locks[digest]
	if !ok {
		l = &sync.Mutex{}
		s.locks[digest] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}
