package store

import (
	"testing"
	"time"

	"bookvault/pkg/domain"
)

var _ Store = (*MemoryStore)(nil)

func seedBook(t *testing.T, m *MemoryStore, id, ownerID, hash string, size int64) {
	t.Helper()
	err := m.SaveBookWithChapters(domain.Book{
		ID: id, OwnerID: ownerID, Title: id + ".epub", ContentHash: hash, SizeBytes: size,
	}, []domain.Chapter{
		{ID: id + "-c1", Title: "Two", Order: 1, FileName: "chapter_1.html"},
		{ID: id + "-c0", Title: "One", Order: 0, FileName: "chapter_0.html"},
	})
	if err != nil {
		t.Fatalf("SaveBookWithChapters(%s): %v", id, err)
	}
}

func TestListChaptersSortedByOrder(t *testing.T) {
	m := NewMemoryStore()
	seedBook(t, m, "b1", "u1", "hash-a", 10)

	chapters, err := m.ListChapters("b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chapters) != 2 || chapters[0].Order != 0 || chapters[1].Order != 1 {
		t.Fatalf("chapters = %+v", chapters)
	}
	// Chapter rows adopt the saved book's ID.
	if chapters[0].BookID != "b1" {
		t.Errorf("chapter BookID = %q", chapters[0].BookID)
	}
}

func TestDeleteBookCascades(t *testing.T) {
	m := NewMemoryStore()
	seedBook(t, m, "b1", "u1", "hash-a", 10)
	if err := m.UpsertProgress(domain.Progress{UserID: "u1", BookID: "b1", ChapterIndex: 1, LastReadAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteBook("b1"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := m.GetBook("b1"); ok {
		t.Error("book still present")
	}
	if chapters, _ := m.ListChapters("b1"); len(chapters) != 0 {
		t.Errorf("chapters not cascaded: %+v", chapters)
	}
	if _, ok, _ := m.GetProgress("u1", "b1"); ok {
		t.Error("progress not cascaded")
	}
}

func TestHashQueries(t *testing.T) {
	m := NewMemoryStore()
	seedBook(t, m, "b1", "u1", "hash-a", 10)
	seedBook(t, m, "b2", "u2", "hash-a", 10)
	seedBook(t, m, "b3", "u1", "hash-b", 20)

	if ok, _ := m.HasBookWithHash("u1", "hash-a"); !ok {
		t.Error("HasBookWithHash(u1, hash-a) = false")
	}
	if ok, _ := m.HasBookWithHash("u2", "hash-b"); ok {
		t.Error("HasBookWithHash(u2, hash-b) = true")
	}
	if n, _ := m.CountBooksByHash("hash-a"); n != 2 {
		t.Errorf("CountBooksByHash(hash-a) = %d", n)
	}
	if b, ok, _ := m.FindBookByHash("hash-a"); !ok || b.ID != "b1" {
		t.Errorf("FindBookByHash(hash-a) = %+v, %v; want earliest insert b1", b, ok)
	}
	if total, _ := m.SumSizeByOwner("u1"); total != 30 {
		t.Errorf("SumSizeByOwner(u1) = %d, want 30", total)
	}
}

func TestListBooksByOwnerInsertionOrder(t *testing.T) {
	m := NewMemoryStore()
	seedBook(t, m, "b2", "u1", "h2", 1)
	seedBook(t, m, "b1", "u1", "h1", 1)
	seedBook(t, m, "bx", "u2", "h3", 1)

	books, err := m.ListBooksByOwner("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(books) != 2 || books[0].ID != "b2" || books[1].ID != "b1" {
		t.Fatalf("books = %+v", books)
	}
}

func TestProgressUpsertReplaces(t *testing.T) {
	m := NewMemoryStore()
	p := domain.Progress{UserID: "u1", BookID: "b1", ChapterIndex: 0, ProgressPercent: 10}
	if err := m.UpsertProgress(p); err != nil {
		t.Fatal(err)
	}
	p.ChapterIndex = 3
	p.ProgressPercent = 80
	if err := m.UpsertProgress(p); err != nil {
		t.Fatal(err)
	}
	got, ok, _ := m.GetProgress("u1", "b1")
	if !ok || got.ChapterIndex != 3 || got.ProgressPercent != 80 {
		t.Fatalf("progress = %+v, %v", got, ok)
	}
}
