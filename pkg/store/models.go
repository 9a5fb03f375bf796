package store

import "time"

// GORM models used for persistence.
type BookModel struct {
	ID           string `gorm:"primaryKey"`
	OwnerID      string `gorm:"not null;index"`
	Title        string `gorm:"not null"`
	Author       string
	ContentHash  string `gorm:"not null;index"`
	SizeBytes    int64  `gorm:"not null"`
	CoverPath    string
	UnpackedPath string
	FilePath     string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

type ChapterModel struct {
	ID        string `gorm:"primaryKey"`
	BookID    string `gorm:"not null;index"`
	Title     string `gorm:"not null"`
	Order     int    `gorm:"column:chapter_order;not null"`
	FileName  string `gorm:"not null"`
	SizeBytes int64  `gorm:"not null"`
}

type ProgressModel struct {
	UserID          string `gorm:"primaryKey"`
	BookID          string `gorm:"primaryKey;index"`
	ChapterIndex    int
	ProgressPercent float64
	LastReadAt      time.Time `gorm:"not null"`
}
