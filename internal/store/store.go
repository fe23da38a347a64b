// Package store persists threat records and alerts in a SQLite database via gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lvonguyen/threatpulse/internal/threat"
)

// Common errors.
var (
	ErrPersistence  = errors.New("persistence failure")
	ErrNotFound     = errors.New("record not found")
	ErrInvalidKey   = errors.New("invalid identity key")
	ErrInvalidField = errors.New("field not allowed")
)

// Options configures Open.
type Options struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Store is the threat and alert document store. Safe for concurrent use.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the database at opts.Path and migrates the schema.
func Open(opts Options, logger *zap.Logger) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrPersistence)
	}
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on", opts.Path, busy.Milliseconds())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrPersistence, opts.Path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.AutoMigrate(&threat.Record{}, &threat.Alert{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrPersistence, err)
	}

	logger.Info("Threat store opened", zap.String("path", opts.Path))
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrPersistence, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertThreat inserts rec or, when a record with the same key exists, overwrites
// only the listed columns. The write is a single INSERT ... ON CONFLICT statement.
// It returns the id of the stored record.
func (s *Store) UpsertThreat(ctx context.Context, key threat.Key, rec *threat.Record, cols []string) (uint, error) {
	if key.IsZero() {
		return 0, ErrInvalidKey
	}
	row := *rec
	row.ID = 0
	row.Normalize()
	if err := row.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	updates := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == string(key.Field) || c == "id" {
			continue
		}
		updates = append(updates, c)
	}

	onConflict := clause.OnConflict{Columns: []clause.Column{{Name: string(key.Field)}}}
	if len(updates) == 0 {
		onConflict.DoNothing = true
	} else {
		onConflict.DoUpdates = clause.AssignmentColumns(updates)
	}

	if err := s.db.WithContext(ctx).Clauses(onConflict).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("%w: upsert %s: %v", ErrPersistence, key, err)
	}

	var ids []uint
	err := s.db.WithContext(ctx).Model(&threat.Record{}).
		Where(string(key.Field)+" = ?", key.Value).
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("%w: resolve id for %s: %v", ErrPersistence, key, err)
	}
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: %s vanished after upsert", ErrPersistence, key)
	}
	return ids[0], nil
}

// InsertThreat stores a keyless record as a new row.
func (s *Store) InsertThreat(ctx context.Context, rec *threat.Record) (uint, error) {
	row := *rec
	row.ID = 0
	row.Normalize()
	if err := row.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("%w: insert: %v", ErrPersistence, err)
	}
	return row.ID, nil
}

// GetThreat loads a record by internal id.
func (s *Store) GetThreat(ctx context.Context, id uint) (*threat.Record, error) {
	var rec threat.Record
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %d: %v", ErrPersistence, id, err)
	}
	return &rec, nil
}

// GetThreatByKey loads a record by identity key.
func (s *Store) GetThreatByKey(ctx context.Context, key threat.Key) (*threat.Record, error) {
	if key.IsZero() {
		return nil, ErrInvalidKey
	}
	var rec threat.Record
	err := s.db.WithContext(ctx).Where(string(key.Field)+" = ?", key.Value).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrPersistence, key, err)
	}
	return &rec, nil
}

// Analysis is the scoring outcome written back to a record.
type Analysis struct {
	Score           float64
	Priority        threat.Priority
	ClassifierLabel *string
	AnalyzedAt      time.Time
}

// SaveAnalysis overwrites the scoring fields of a stored record.
func (s *Store) SaveAnalysis(ctx context.Context, id uint, a Analysis) error {
	res := s.db.WithContext(ctx).Model(&threat.Record{}).Where("id = ?", id).Updates(map[string]any{
		"score":            a.Score,
		"priority":         a.Priority,
		"classifier_label": a.ClassifierLabel,
		"analyzed_at":      a.AnalyzedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("%w: save analysis %d: %v", ErrPersistence, id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveThreat inserts a fully-formed record, typically one submitted for
// analysis. Keyed records are upserted on every column. rec's identity fields
// are normalized in place.
func (s *Store) SaveThreat(ctx context.Context, rec *threat.Record) (uint, error) {
	rec.Normalize()
	key := rec.Key()
	if key.IsZero() {
		return s.InsertThreat(ctx, rec)
	}
	return s.UpsertThreat(ctx, key, rec, recordColumns)
}

var recordColumns = []string{
	"indicator_type", "title", "description", "severity_score", "exploit_probability",
	"percentile", "exploited", "kev_date_added", "kev_ransomware_use", "source",
	"external_ref", "url", "malware", "confidence", "published_at", "fetched_at",
}
