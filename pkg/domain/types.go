package domain

import "time"

// User is the identity resolved from an access token. Account management and
// token issuance live outside this service; this process only consumes the
// verified identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Book references one content-addressed vault via ContentHash. Several books
// (different owners, or historical re-uploads) may share a vault; the vault is
// reference-counted by the number of book rows carrying its hash.
type Book struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"ownerId"`
	Title        string    `json:"title"`
	Author       string    `json:"author,omitempty"`
	ContentHash  string    `json:"-"`
	SizeBytes    int64     `json:"sizeBytes"`
	CoverPath    string    `json:"coverPath,omitempty"`
	UnpackedPath string    `json:"-"`
	FilePath     string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Chapter is one spine document of a parsed book. Order is the 0-based spine
// position and is dense within a book. SizeBytes measures the rewritten HTML
// as stored, not the archive entry.
type Chapter struct {
	ID        string `json:"id"`
	BookID    string `json:"bookId"`
	Title     string `json:"title"`
	Order     int    `json:"order"`
	FileName  string `json:"fileName"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Progress is the single reading-position row per (user, book) pair.
type Progress struct {
	UserID          string    `json:"-"`
	BookID          string    `json:"bookId"`
	ChapterIndex    int       `json:"chapterIndex"`
	ProgressPercent float64   `json:"progressPercent"`
	LastReadAt      time.Time `json:"lastReadAt"`
}

// BookResponse is the API shape for a book including its chapter listing.
type BookResponse struct {
	Book
	Chapters []Chapter `json:"chapters"`
}
