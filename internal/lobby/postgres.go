package lobby

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/erilali/studybuddy/internal/errs"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type lobbyRow struct {
	ID        string       `gorm:"primaryKey;size:64"`
	UserCount int          `gorm:"not null;default:0"`
	CreatedAt time.Time    `gorm:"not null"`
	UpdatedAt time.Time    `gorm:"not null;index"`
	Subjects  []subjectRow `gorm:"foreignKey:LobbyID;constraint:OnDelete:CASCADE"`
}

func (lobbyRow) TableName() string { return "lobbies" }

type subjectRow struct {
	LobbyID string `gorm:"primaryKey;size:64"`
	Subject string `gorm:"primaryKey;size:128;index"`
}

func (subjectRow) TableName() string { return "lobby_subjects" }

func (r lobbyRow) toLobby() Lobby {
	subjects := make([]string, 0, len(r.Subjects))
	for _, s := range r.Subjects {
		subjects = append(subjects, s.Subject)
	}
	return Lobby{
		ID:           r.ID,
		Subjects:     subjects,
		UserCount:    r.UserCount,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.UpdatedAt,
	}
}

// PostgresStore persists lobbies with gorm. Last activity is the row's
// updated_at.
type PostgresStore struct {
	db  *gorm.DB
	now func() time.Time
}

// OpenPostgres connects to dsn and migrates the lobby tables.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", errs.ErrPersistenceUnavailable, err)
	}
	return NewPostgresStore(db)
}

func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&lobbyRow{}, &subjectRow{}); err != nil {
		return nil, fmt.Errorf("%w: migrate lobbies: %v", errs.ErrPersistenceUnavailable, err)
	}
	return &PostgresStore{db: db, now: time.Now}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", errs.ErrPersistenceUnavailable, op, err)
}

func (s *PostgresStore) Find(ctx context.Context, subjects []string) ([]Lobby, error) {
	var rows []lobbyRow
	matching := s.db.Model(&subjectRow{}).Select("lobby_id").Where("subject IN ?", subjects)
	err := s.db.WithContext(ctx).
		Preload("Subjects").
		Where("user_count < ?", Capacity).
		Where("id IN (?)", matching).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, unavailable("find lobbies", err)
	}

	out := make([]Lobby, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toLobby())
	}
	return out, nil
}

func (s *PostgresStore) Create(ctx context.Context, subjects []string) (Lobby, error) {
	subjects, err := NormalizeSubjects(subjects)
	if err != nil {
		return Lobby{}, err
	}

	now := s.now()
	row := lobbyRow{
		ID:        uuid.NewString(),
		UserCount: 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, subject := range subjects {
		row.Subjects = append(row.Subjects, subjectRow{LobbyID: row.ID, Subject: subject})
	}

	// Create writes the subject rows in the same transaction.
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return Lobby{}, unavailable("create lobby", err)
	}
	return row.toLobby(), nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Lobby, error) {
	var row lobbyRow
	err := s.db.WithContext(ctx).Preload("Subjects").First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Lobby{}, fmt.Errorf("lobby %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return Lobby{}, unavailable("get lobby", err)
	}
	return row.toLobby(), nil
}

func (s *PostgresStore) Update(ctx context.Context, id string, userCount int) (Lobby, error) {
	if userCount < 0 {
		return Lobby{}, fmt.Errorf("%w: user_count must not be negative", errs.ErrValidation)
	}

	res := s.db.WithContext(ctx).
		Model(&lobbyRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"user_count": userCount, "updated_at": s.now()})
	if res.Error != nil {
		return Lobby{}, unavailable("update lobby", res.Error)
	}
	if res.RowsAffected == 0 {
		return Lobby{}, fmt.Errorf("lobby %s: %w", id, errs.ErrNotFound)
	}
	return s.Get(ctx, id)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("lobby_id = ?", id).Delete(&subjectRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&lobbyRow{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return unavailable("delete lobby", err)
	}
	if affected == 0 {
		return fmt.Errorf("lobby %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) PurgeInactive(ctx context.Context, before time.Time) (int, error) {
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := s.db.Model(&lobbyRow{}).Select("id").Where("updated_at < ?", before)
		if err := tx.Where("lobby_id IN (?)", stale).Delete(&subjectRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("updated_at < ?", before).Delete(&lobbyRow{})
		affected = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, unavailable("purge lobbies", err)
	}
	return int(affected), nil
}
