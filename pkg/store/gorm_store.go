package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookvault/pkg/domain"
)

const migrateLockID int64 = 48120731

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so concurrent replicas do not race on schema changes.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &ChapterModel{}, &ProgressModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			DO $$
			BEGIN
				DELETE FROM chapter_models c
				WHERE NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = c.book_id);
				DELETE FROM progress_models p
				WHERE NOT EXISTS (SELECT 1 FROM book_models b WHERE b.id = p.book_id);
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'chapter_models'
					AND constraint_name = 'chapter_models_book_id_fkey'
				) THEN
					ALTER TABLE chapter_models
					ADD CONSTRAINT chapter_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = 'progress_models'
					AND constraint_name = 'progress_models_book_id_fkey'
				) THEN
					ALTER TABLE progress_models
					ADD CONSTRAINT progress_models_book_id_fkey
					FOREIGN KEY (book_id) REFERENCES book_models(id) ON DELETE CASCADE;
				END IF;
			END $$;
		`).Error; err != nil {
			return fmt.Errorf("ensure book foreign keys: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveBookWithChapters commits the book and its chapter rows in one transaction.
func (s *GormStore) SaveBookWithChapters(book domain.Book, chapters []domain.Chapter) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		model := bookToModel(book)
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		if len(chapters) == 0 {
			return nil
		}
		models := make([]ChapterModel, 0, len(chapters))
		for _, c := range chapters {
			cm := chapterToModel(c)
			cm.BookID = book.ID
			models = append(models, cm)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooksByOwner returns the owner's books ordered by created_at.
func (s *GormStore) ListBooksByOwner(ownerID string) ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// DeleteBook removes the book; chapters and progress follow via FK cascade,
// with explicit deletes as a fallback when constraints are absent.
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChapterModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ProgressModel{}, "book_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&BookModel{}, "id = ?", id).Error
	})
}

// ListChapters returns the book's chapters in spine order.
func (s *GormStore) ListChapters(bookID string) ([]domain.Chapter, error) {
	var models []ChapterModel
	if err := s.db.Where("book_id = ?", bookID).Order("chapter_order ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Chapter, 0, len(models))
	for _, m := range models {
		res = append(res, chapterFromModel(m))
	}
	return res, nil
}

// GetChapter retrieves a chapter by ID.
func (s *GormStore) GetChapter(id string) (domain.Chapter, bool, error) {
	var model ChapterModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chapter{}, false, nil
		}
		return domain.Chapter{}, false, err
	}
	return chapterFromModel(model), true, nil
}

// FindBookByHash returns any book referencing the hash, oldest first so the
// reuse path copies from the original ingestion.
func (s *GormStore) FindBookByHash(hash string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.Where("content_hash = ?", hash).Order("created_at ASC").First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// HasBookWithHash reports whether the owner already has this content hash.
func (s *GormStore) HasBookWithHash(ownerID, hash string) (bool, error) {
	var count int64
	if err := s.db.Model(&BookModel{}).
		Where("owner_id = ? AND content_hash = ?", ownerID, hash).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CountBooksByHash counts ledger rows referencing the hash.
func (s *GormStore) CountBooksByHash(hash string) (int64, error) {
	var count int64
	if err := s.db.Model(&BookModel{}).Where("content_hash = ?", hash).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// SumSizeByOwner aggregates the owner's stored bytes.
func (s *GormStore) SumSizeByOwner(ownerID string) (int64, error) {
	var total sql.NullInt64
	if err := s.db.Model(&BookModel{}).
		Where("owner_id = ?", ownerID).
		Select("SUM(size_bytes)").
		Scan(&total).Error; err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// GetProgress returns the (user, book) progress row.
func (s *GormStore) GetProgress(userID, bookID string) (domain.Progress, bool, error) {
	var model ProgressModel
	if err := s.db.First(&model, "user_id = ? AND book_id = ?", userID, bookID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Progress{}, false, nil
		}
		return domain.Progress{}, false, err
	}
	return progressFromModel(model), true, nil
}

// UpsertProgress inserts or updates the single row per (user, book).
func (s *GormStore) UpsertProgress(p domain.Progress) error {
	model := progressToModel(p)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "book_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"chapter_index", "progress_percent", "last_read_at"}),
	}).Create(&model).Error
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:           b.ID,
		OwnerID:      b.OwnerID,
		Title:        b.Title,
		Author:       b.Author,
		ContentHash:  b.ContentHash,
		SizeBytes:    b.SizeBytes,
		CoverPath:    b.CoverPath,
		UnpackedPath: b.UnpackedPath,
		FilePath:     b.FilePath,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:           m.ID,
		OwnerID:      m.OwnerID,
		Title:        m.Title,
		Author:       m.Author,
		ContentHash:  m.ContentHash,
		SizeBytes:    m.SizeBytes,
		CoverPath:    m.CoverPath,
		UnpackedPath: m.UnpackedPath,
		FilePath:     m.FilePath,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func chapterToModel(c domain.Chapter) ChapterModel {
	return ChapterModel{
		ID:        c.ID,
		BookID:    c.BookID,
		Title:     c.Title,
		Order:     c.Order,
		FileName:  c.FileName,
		SizeBytes: c.SizeBytes,
	}
}

func chapterFromModel(m ChapterModel) domain.Chapter {
	return domain.Chapter{
		ID:        m.ID,
		BookID:    m.BookID,
		Title:     m.Title,
		Order:     m.Order,
		FileName:  m.FileName,
		SizeBytes: m.SizeBytes,
	}
}

func progressToModel(p domain.Progress) ProgressModel {
	return ProgressModel{
		UserID:          p.UserID,
		BookID:          p.BookID,
		ChapterIndex:    p.ChapterIndex,
		ProgressPercent: p.ProgressPercent,
		LastReadAt:      p.LastReadAt,
	}
}

func progressFromModel(m ProgressModel) domain.Progress {
	return domain.Progress{
		UserID:          m.UserID,
		BookID:          m.BookID,
		ChapterIndex:    m.ChapterIndex,
		ProgressPercent: m.ProgressPercent,
		LastReadAt:      m.LastReadAt,
	}
}
