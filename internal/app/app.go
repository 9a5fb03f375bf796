// Package app wires the ingestion and rendering pipeline: content-addressed
// vault storage, archive parsing, reader rendering, and the ledger.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"bookvault/internal/assets"
	"bookvault/internal/epub"
	"bookvault/internal/pdfcover"
	"bookvault/internal/reader"
	"bookvault/internal/util"
	"bookvault/internal/vault"
	"bookvault/pkg/domain"
	"bookvault/pkg/storage"
	"bookvault/pkg/store"
)

// Config holds the collaborators and limits for the core application.
type Config struct {
	Store             store.Store
	Vaults            *vault.Store
	Mirror            storage.ObjectStore
	MaxStorageBytes   int64
	AllowedExtensions []string
}

// App is the core application service.
type App struct {
	store           store.Store
	vaults          *vault.Store
	mirror          storage.ObjectStore
	maxStorageBytes int64
	allowedExts     map[string]bool
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Vaults == nil {
		return nil, errors.New("vault store is required")
	}
	mirror := cfg.Mirror
	if mirror == nil {
		mirror = storage.Disabled{}
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = []string{".epub", ".pdf"}
	}
	allowed := make(map[string]bool, len(exts))
	for _, e := range exts {
		allowed[strings.ToLower(strings.TrimSpace(e))] = true
	}
	maxStorage := cfg.MaxStorageBytes
	if maxStorage <= 0 {
		maxStorage = 1 << 30
	}
	return &App{
		store:           cfg.Store,
		vaults:          cfg.Vaults,
		mirror:          mirror,
		maxStorageBytes: maxStorage,
		allowedExts:     allowed,
	}, nil
}

// UploadBook runs the full ingestion sequence: validate the extension, hash
// the stream, enforce the owner's quota, reject per-owner duplicates, then
// either reuse the shared vault or create and parse a new one, and finally
// commit the book with its chapters as one unit.
func (a *App) UploadBook(owner domain.User, filename string, file io.ReadSeeker) (domain.BookResponse, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if filename == "" || !a.allowedExts[ext] {
		return domain.BookResponse{}, fmt.Errorf("%w: unsupported file type %q", domain.ErrInvalidInput, ext)
	}

	digest, size, err := vault.ComputeDigest(file)
	if err != nil {
		return domain.BookResponse{}, err
	}

	used, err := a.store.SumSizeByOwner(owner.ID)
	if err != nil {
		return domain.BookResponse{}, fmt.Errorf("query storage usage: %w", err)
	}
	if used+size > a.maxStorageBytes {
		return domain.BookResponse{}, domain.ErrQuotaExceeded
	}

	// Duplicate rejection is scoped per owner; a second owner uploading the
	// same bytes shares the vault instead.
	if dup, err := a.store.HasBookWithHash(owner.ID, digest); err != nil {
		return domain.BookResponse{}, fmt.Errorf("check duplicate: %w", err)
	} else if dup {
		return domain.BookResponse{}, domain.ErrDuplicateBook
	}

	unlock := a.vaults.Lock(digest)
	defer unlock()

	// Re-check under the lock: another upload of the same content by this
	// owner may have committed while we waited.
	if dup, err := a.store.HasBookWithHash(owner.ID, digest); err != nil {
		return domain.BookResponse{}, fmt.Errorf("check duplicate: %w", err)
	} else if dup {
		return domain.BookResponse{}, domain.ErrDuplicateBook
	}

	book := domain.Book{
		ID:          util.NewID(),
		OwnerID:     owner.ID,
		Title:       filename,
		ContentHash: digest,
		SizeBytes:   size,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	chapters := []domain.Chapter{}
	ingested := false

	exists, err := a.vaults.Exists(digest)
	if err != nil {
		return domain.BookResponse{}, err
	}
	if exists {
		existing, ok, err := a.store.FindBookByHash(digest)
		if err != nil {
			return domain.BookResponse{}, fmt.Errorf("find shared book: %w", err)
		}
		if ok {
			// Reuse the shared vault's extracted artifacts as-is; no parsing.
			book.Author = existing.Author
			book.FilePath = existing.FilePath
			book.CoverPath = existing.CoverPath
			book.UnpackedPath = existing.UnpackedPath
			src, err := a.store.ListChapters(existing.ID)
			if err != nil {
				return domain.BookResponse{}, fmt.Errorf("copy chapters: %w", err)
			}
			for _, c := range src {
				chapters = append(chapters, domain.Chapter{
					ID:        util.NewID(),
					BookID:    book.ID,
					Title:     c.Title,
					Order:     c.Order,
					FileName:  c.FileName,
					SizeBytes: c.SizeBytes,
				})
			}
		} else {
			// Vault on disk with zero ledger rows: a leftover from a failed
			// commit. Remove it and ingest fresh.
			slog.Warn("orphan vault found during upload, re-ingesting", "digest", digest)
			if err := a.vaults.Delete(digest); err != nil {
				return domain.BookResponse{}, err
			}
			exists = false
		}
	}

	if !exists {
		ingested = true
		if err := a.ingest(&book, &chapters, digest, ext, file); err != nil {
			return domain.BookResponse{}, err
		}
	}

	if err := a.store.SaveBookWithChapters(book, chapters); err != nil {
		if ingested {
			// No ledger row references the vault yet; roll it back rather
			// than leaving an orphan on disk.
			if derr := a.vaults.Delete(digest); derr != nil {
				slog.Error("rollback vault after commit failure", "digest", digest, "err", derr)
			}
			a.mirrorDelete(digest)
		}
		return domain.BookResponse{}, fmt.Errorf("commit book: %w", err)
	}

	return domain.BookResponse{Book: book, Chapters: chapters}, nil
}

// ingest creates the vault, copies the original bytes in, and parses the
// archive. Any failure removes the partial vault.
func (a *App) ingest(book *domain.Book, chapters *[]domain.Chapter, digest, ext string, file io.ReadSeeker) error {
	vaultDir, err := a.vaults.Create(digest)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProcessingFailed, err)
	}
	fail := func(err error) error {
		if derr := a.vaults.Delete(digest); derr != nil {
			slog.Error("rollback partial vault", "digest", digest, "err", derr)
		}
		return fmt.Errorf("%w: %v", domain.ErrProcessingFailed, err)
	}

	originalPath, err := a.vaults.WriteOriginal(digest, file)
	if err != nil {
		return fail(err)
	}
	book.FilePath = originalPath

	switch ext {
	case ".epub":
		res, err := epub.Unpack(originalPath, vaultDir)
		if err != nil {
			return fail(err)
		}
		book.Author = res.Author
		book.CoverPath = res.CoverPath
		book.UnpackedPath = filepath.Join(vaultDir, vault.UnpackedDirName)
		for _, c := range res.Chapters {
			*chapters = append(*chapters, domain.Chapter{
				ID:        util.NewID(),
				BookID:    book.ID,
				Title:     c.Title,
				Order:     c.Order,
				FileName:  c.FileName,
				SizeBytes: c.SizeBytes,
			})
		}
	case ".pdf":
		// PDFs are cover-only; reading goes through direct download.
		coverPath, err := pdfcover.Render(originalPath, vaultDir)
		if err != nil {
			slog.Warn("pdf cover rendering failed", "digest", digest, "err", err)
		}
		book.CoverPath = coverPath
	}

	a.mirrorPut(digest, originalPath, book.SizeBytes)
	return nil
}

func (a *App) mirrorPut(digest, path string, size int64) {
	f, err := os.Open(path)
	if err != nil {
		slog.Warn("mirror skipped, original unreadable", "digest", digest, "err", err)
		return
	}
	defer f.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.mirror.Put(ctx, mirrorKey(digest), f, size, "application/octet-stream"); err != nil {
		slog.Warn("mirror put failed", "digest", digest, "err", err)
	}
}

func (a *App) mirrorDelete(digest string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.mirror.Delete(ctx, mirrorKey(digest)); err != nil {
		slog.Warn("mirror delete failed", "digest", digest, "err", err)
	}
}

func mirrorKey(digest string) string {
	return "objects/" + digest + "/original"
}

// ListBooks returns the caller's books with their chapter listings.
func (a *App) ListBooks(user domain.User) ([]domain.BookResponse, error) {
	books, err := a.store.ListBooksByOwner(user.ID)
	if err != nil {
		return nil, err
	}
	res := make([]domain.BookResponse, 0, len(books))
	for _, b := range books {
		chapters, err := a.store.ListChapters(b.ID)
		if err != nil {
			return nil, err
		}
		res = append(res, domain.BookResponse{Book: b, Chapters: chapters})
	}
	return res, nil
}

// GetBook returns one of the caller's books.
func (a *App) GetBook(user domain.User, id string) (domain.BookResponse, error) {
	book, err := a.ownedBook(user, id)
	if err != nil {
		return domain.BookResponse{}, err
	}
	chapters, err := a.store.ListChapters(book.ID)
	if err != nil {
		return domain.BookResponse{}, err
	}
	return domain.BookResponse{Book: book, Chapters: chapters}, nil
}

// DeleteBook removes the caller's book and, when no other book references
// the same content hash, the shared vault on disk.
func (a *App) DeleteBook(user domain.User, id string) error {
	book, err := a.ownedBook(user, id)
	if err != nil {
		return err
	}
	// Hold the digest lock across the ledger delete so a concurrent upload
	// reusing this vault never sees the book row vanish mid-copy.
	unlock := a.vaults.Lock(book.ContentHash)
	defer unlock()

	if err := a.store.DeleteBook(book.ID); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	count, err := a.store.CountBooksByHash(book.ContentHash)
	if err != nil {
		return fmt.Errorf("count references: %w", err)
	}
	if count == 0 {
		if err := a.vaults.Delete(book.ContentHash); err != nil {
			return err
		}
		a.mirrorDelete(book.ContentHash)
	}
	return nil
}

// CoverPath resolves the caller's book cover on disk.
func (a *App) CoverPath(user domain.User, id string) (string, error) {
	book, err := a.ownedBook(user, id)
	if err != nil {
		return "", err
	}
	if book.CoverPath == "" {
		return "", fmt.Errorf("%w: book has no cover", domain.ErrNotFound)
	}
	if _, err := os.Stat(book.CoverPath); err != nil {
		slog.Warn("storage inconsistency: cover missing on disk", "book", id, "path", book.CoverPath)
		return "", fmt.Errorf("%w: cover file missing", domain.ErrNotFound)
	}
	return book.CoverPath, nil
}

// DownloadInfo resolves the original file for streaming back to the owner.
func (a *App) DownloadInfo(user domain.User, id string) (path, title string, err error) {
	book, err := a.ownedBook(user, id)
	if err != nil {
		return "", "", err
	}
	if _, err := os.Stat(book.FilePath); err != nil {
		slog.Warn("storage inconsistency: original missing on disk", "book", id, "path", book.FilePath)
		return "", "", fmt.Errorf("%w: file missing", domain.ErrNotFound)
	}
	return book.FilePath, book.Title, nil
}

// ManifestEntry is one chapter row in a reading manifest.
type ManifestEntry struct {
	Index     int    `json:"index"`
	Title     string `json:"title"`
	SizeBytes int64  `json:"sizeBytes"`
	URL       string `json:"url"`
}

// Manifest describes a book's readable chapters with content URLs.
type Manifest struct {
	BookID   string          `json:"bookId"`
	Title    string          `json:"title"`
	Chapters []ManifestEntry `json:"chapters"`
}

// BuildManifest lists the caller's book chapters with absolute content URLs.
func (a *App) BuildManifest(user domain.User, id, baseURL string) (Manifest, error) {
	book, err := a.ownedBook(user, id)
	if err != nil {
		return Manifest{}, err
	}
	chapters, err := a.store.ListChapters(book.ID)
	if err != nil {
		return Manifest{}, err
	}
	base := strings.TrimRight(baseURL, "/")
	m := Manifest{BookID: book.ID, Title: book.Title, Chapters: make([]ManifestEntry, 0, len(chapters))}
	for _, c := range chapters {
		m.Chapters = append(m.Chapters, ManifestEntry{
			Index:     c.Order,
			Title:     c.Title,
			SizeBytes: c.SizeBytes,
			URL:       fmt.Sprintf("%s/books/%s/content/%s", base, book.ID, c.ID),
		})
	}
	return m, nil
}

// ChapterExists verifies the chapter belongs to one of the caller's books
// without touching the stored file. Serves availability probes.
func (a *App) ChapterExists(user domain.User, bookID, chapterID string) error {
	chapter, ok, err := a.store.GetChapter(chapterID)
	if err != nil {
		return err
	}
	if !ok || chapter.BookID != bookID {
		return fmt.Errorf("%w: chapter", domain.ErrNotFound)
	}
	book, ok, err := a.store.GetBook(chapter.BookID)
	if err != nil {
		return err
	}
	if !ok || book.OwnerID != user.ID {
		return fmt.Errorf("%w: chapter", domain.ErrNotFound)
	}
	return nil
}

// ChapterContent loads a stored chapter and rewrites it for the reader.
// Chapters of books the caller does not own are reported as absent.
func (a *App) ChapterContent(user domain.User, bookID, chapterID, baseURL, token string) ([]byte, error) {
	chapter, ok, err := a.store.GetChapter(chapterID)
	if err != nil {
		return nil, err
	}
	if !ok || chapter.BookID != bookID {
		return nil, fmt.Errorf("%w: chapter", domain.ErrNotFound)
	}
	book, ok, err := a.store.GetBook(chapter.BookID)
	if err != nil {
		return nil, err
	}
	if !ok || book.OwnerID != user.ID {
		return nil, fmt.Errorf("%w: chapter", domain.ErrNotFound)
	}
	src, err := os.ReadFile(filepath.Join(book.UnpackedPath, chapter.FileName))
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("storage inconsistency: chapter missing on disk", "book", bookID, "chapter", chapterID)
			return nil, fmt.Errorf("%w: chapter file missing", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("read chapter: %w", err)
	}
	return reader.Render(src, book.ID, baseURL, token)
}

// ImagePath resolves an unpacked image for serving. Ownership mismatch is
// Forbidden here (not NotFound): the image namespace is per-book and the
// caller addressed a book that is not theirs.
func (a *App) ImagePath(user domain.User, bookID, name string) (string, error) {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return "", err
	}
	if !ok || book.OwnerID != user.ID {
		return "", fmt.Errorf("%w: book", domain.ErrForbidden)
	}
	if book.UnpackedPath == "" {
		return "", fmt.Errorf("%w: book has no images", domain.ErrNotFound)
	}
	return assets.Resolve(filepath.Join(book.UnpackedPath, vault.ImagesDirName), name)
}

// GetProgress returns the caller's reading position, defaulting to the first
// chapter when nothing has been recorded yet.
func (a *App) GetProgress(user domain.User, bookID string) (domain.Progress, error) {
	if _, err := a.ownedBook(user, bookID); err != nil {
		return domain.Progress{}, err
	}
	p, ok, err := a.store.GetProgress(user.ID, bookID)
	if err != nil {
		return domain.Progress{}, err
	}
	if !ok {
		return domain.Progress{
			UserID:     user.ID,
			BookID:     bookID,
			LastReadAt: time.Now().UTC(),
		}, nil
	}
	return p, nil
}

// SaveProgress upserts the caller's reading position.
func (a *App) SaveProgress(user domain.User, bookID string, chapterIndex int, progressPercent float64) error {
	if _, err := a.ownedBook(user, bookID); err != nil {
		return err
	}
	if chapterIndex < 0 || progressPercent < 0 || progressPercent > 100 {
		return fmt.Errorf("%w: progress out of range", domain.ErrInvalidInput)
	}
	return a.store.UpsertProgress(domain.Progress{
		UserID:          user.ID,
		BookID:          bookID,
		ChapterIndex:    chapterIndex,
		ProgressPercent: progressPercent,
		LastReadAt:      time.Now().UTC(),
	})
}

// Sweep reconciles the objects directory against the ledger, deleting vaults
// no book references. Used by the sweep subcommand to clean up after crashes.
func (a *App) Sweep(ctx context.Context) (int, error) {
	digests, err := a.vaults.ListDigests()
	if err != nil {
		return 0, err
	}
	removed := make(chan string, len(digests))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, digest := range digests {
		digest := digest
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			count, err := a.store.CountBooksByHash(digest)
			if err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
			unlock := a.vaults.Lock(digest)
			defer unlock()
			// Re-check under the lock; an upload may have landed meanwhile.
			count, err = a.store.CountBooksByHash(digest)
			if err != nil || count > 0 {
				return err
			}
			if err := a.vaults.Delete(digest); err != nil {
				return err
			}
			a.mirrorDelete(digest)
			removed <- digest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(removed)
	n := 0
	for digest := range removed {
		slog.Info("removed orphan vault", "digest", digest)
		n++
	}
	return n, nil
}

// ownedBook fetches a book and hides other owners' books as absent.
func (a *App) ownedBook(user domain.User, id string) (domain.Book, error) {
	book, ok, err := a.store.GetBook(id)
	if err != nil {
		return domain.Book{}, err
	}
	if !ok || book.OwnerID != user.ID {
		return domain.Book{}, fmt.Errorf("%w: book", domain.ErrNotFound)
	}
	return book, nil
}
