package store

import (
	"sync"

	"bookvault/pkg/domain"
)

// MemoryStore keeps the ledger in-process. Used by tests and local runs
// without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	books    map[string]domain.Book
	chapters map[string]domain.Chapter
	progress map[string]domain.Progress // key: userID + "/" + bookID
	order    []string                   // book IDs in insertion order
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:    make(map[string]domain.Book),
		chapters: make(map[string]domain.Chapter),
		progress: make(map[string]domain.Progress),
	}
}

// SaveBookWithChapters stores the book and chapters together.
func (m *MemoryStore) SaveBookWithChapters(book domain.Book, chapters []domain.Chapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[book.ID]; !exists {
		m.order = append(m.order, book.ID)
	}
	m.books[book.ID] = book
	for _, c := range chapters {
		c.BookID = book.ID
		m.chapters[c.ID] = c
	}
	return nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// ListBooksByOwner returns books filtered by owner in insertion order.
func (m *MemoryStore) ListBooksByOwner(ownerID string) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0)
	for _, id := range m.order {
		if b, ok := m.books[id]; ok && b.OwnerID == ownerID {
			res = append(res, b)
		}
	}
	return res, nil
}

// DeleteBook removes the book with its chapters and progress rows.
func (m *MemoryStore) DeleteBook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, id)
	for i, bid := range m.order {
		if bid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for cid, c := range m.chapters {
		if c.BookID == id {
			delete(m.chapters, cid)
		}
	}
	for key, p := range m.progress {
		if p.BookID == id {
			delete(m.progress, key)
		}
	}
	return nil
}

// ListChapters returns chapters for a book sorted by order.
func (m *MemoryStore) ListChapters(bookID string) ([]domain.Chapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Chapter, 0)
	for _, c := range m.chapters {
		if c.BookID == bookID {
			res = append(res, c)
		}
	}
	for i := 1; i < len(res); i++ {
		for j := i; j > 0 && res[j-1].Order > res[j].Order; j-- {
			res[j-1], res[j] = res[j], res[j-1]
		}
	}
	return res, nil
}

// GetChapter retrieves a chapter by ID.
func (m *MemoryStore) GetChapter(id string) (domain.Chapter, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chapters[id]
	return c, ok, nil
}

// FindBookByHash returns the earliest-inserted book with the hash.
func (m *MemoryStore) FindBookByHash(hash string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if b, ok := m.books[id]; ok && b.ContentHash == hash {
			return b, true, nil
		}
	}
	return domain.Book{}, false, nil
}

// HasBookWithHash reports whether the owner already holds the hash.
func (m *MemoryStore) HasBookWithHash(ownerID, hash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.books {
		if b.OwnerID == ownerID && b.ContentHash == hash {
			return true, nil
		}
	}
	return false, nil
}

// CountBooksByHash counts books referencing the hash.
func (m *MemoryStore) CountBooksByHash(hash string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, b := range m.books {
		if b.ContentHash == hash {
			count++
		}
	}
	return count, nil
}

// SumSizeByOwner totals the owner's stored bytes.
func (m *MemoryStore) SumSizeByOwner(ownerID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, b := range m.books {
		if b.OwnerID == ownerID {
			total += b.SizeBytes
		}
	}
	return total, nil
}

// GetProgress returns the (user, book) progress row.
func (m *MemoryStore) GetProgress(userID, bookID string) (domain.Progress, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.progress[userID+"/"+bookID]
	return p, ok, nil
}

// UpsertProgress inserts or replaces the row for (user, book).
func (m *MemoryStore) UpsertProgress(p domain.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[p.UserID+"/"+p.BookID] = p
	return nil
}
