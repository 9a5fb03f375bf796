package store

import "bookvault/pkg/domain"

// Store is the narrow ledger interface the pipeline reads and writes.
// Referential integrity (chapters and progress following their book) is the
// store's responsibility, not the caller's.
type Store interface {
	// SaveBookWithChapters persists a book and its chapters as one atomic
	// unit: either all rows become visible or none do.
	SaveBookWithChapters(book domain.Book, chapters []domain.Chapter) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooksByOwner(ownerID string) ([]domain.Book, error)
	// DeleteBook removes the book plus its chapters and progress rows.
	DeleteBook(id string) error

	ListChapters(bookID string) ([]domain.Chapter, error)
	GetChapter(id string) (domain.Chapter, bool, error)

	// FindBookByHash returns any book referencing the given content hash.
	FindBookByHash(hash string) (domain.Book, bool, error)
	// HasBookWithHash reports whether the owner already holds this content.
	HasBookWithHash(ownerID, hash string) (bool, error)
	// CountBooksByHash is the vault reference count, recomputed from ledger
	// rows rather than a stored counter.
	CountBooksByHash(hash string) (int64, error)
	// SumSizeByOwner is the owner's cumulative stored bytes for quota checks.
	SumSizeByOwner(ownerID string) (int64, error)

	GetProgress(userID, bookID string) (domain.Progress, bool, error)
	UpsertProgress(p domain.Progress) error
}
