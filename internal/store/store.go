package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bracket/internal/events"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// EventModel is the persisted audit row for one bus event.
type EventModel struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Kind      string    `gorm:"index;size:64"`
	Symbol    string    `gorm:"index;size:32"`
	Source    string    `gorm:"size:64"`
	Priority  int
	Payload   []byte
	CreatedAt time.Time `gorm:"index"`
}

func (EventModel) TableName() string { return "events" }

// EventStore appends and queries the audit log on sqlite.
type EventStore struct {
	db *gorm.DB
}

func Open(path string) (*EventStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("event store path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return OpenFromDB(db)
}

// OpenFromDB wraps an already-open gorm handle, e.g. a shared or in-memory
// database.
func OpenFromDB(db *gorm.DB) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db cannot be nil")
	}
	if err := db.AutoMigrate(&EventModel{}); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &EventStore{db: db}, nil
}

// Append persists one event. The payload is stored as JSON.
func (s *EventStore) Append(ctx context.Context, evt events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}
	id := evt.ID
	if id == "" {
		id = uuid.NewString()
	}
	rec := EventModel{
		ID:        id,
		Kind:      string(evt.Kind),
		Symbol:    symbolOf(evt),
		Source:    evt.Source,
		Priority:  evt.Priority,
		Payload:   payload,
		CreatedAt: evt.Time,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Recent returns up to limit rows, newest first. kind == "" matches all.
func (s *EventStore) Recent(ctx context.Context, kind string, limit int) ([]EventModel, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var out []EventModel
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *EventStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func symbolOf(evt events.Event) string {
	switch p := evt.Payload.(type) {
	case events.OrderPayload:
		return p.Symbol
	case events.PositionPayload:
		return p.Symbol
	case events.PricePayload:
		return p.Symbol
	case events.OCOPayload:
		return p.Symbol
	default:
		return ""
	}
}
