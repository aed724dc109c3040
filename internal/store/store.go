// Package store persists finished game sessions to PostgreSQL through gorm.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/brainmove/internal/game"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var _ game.Store = (*Store)(nil)

// ErrNoDSN is returned by Open when no connection string is configured.
var ErrNoDSN = errors.New("database DSN is empty")

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int           `default:"10"`
	MaxIdleConns    int           `default:"2"`
	ConnMaxLifetime time.Duration `default:"5m"`
	SlowThreshold   time.Duration `default:"200ms"`
}

// DefaultOptions returns the pool settings used by the CLI.
func DefaultOptions() Options {
	var opts Options
	defaults.SetDefaults(&opts)
	return opts
}

// Store implements game.Store on a gorm database.
type Store struct {
	db     *gorm.DB
	logger *logrus.Logger
}

// Open connects to PostgreSQL, checks the connection and migrates the schema.
func Open(ctx context.Context, dsn string, opts Options, logger *logrus.Logger) (*Store, error) {
	if dsn == "" {
		return nil, ErrNoDSN
	}
	if logger == nil {
		logger = logrus.New()
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newGormLogger(logger, opts.SlowThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	logger.Info("Database connection established")
	return s, nil
}

// New wraps an already opened database.
func New(db *gorm.DB, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
	}
	return &Store{db: db, logger: logger}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&User{}, &Training{}, &RoundValue{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// CreateUser implements game.Store.
func (s *Store) CreateUser(ctx context.Context, name string) (uint, error) {
	u := User{Name: name}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		return 0, fmt.Errorf("failed to create user %q: %w", name, err)
	}
	return u.ID, nil
}

// CreateTraining implements game.Store.
func (s *Store) CreateTraining(ctx context.Context, t game.Training) (uint, error) {
	row := Training{
		SessionID:    t.SessionID.String(),
		UserID:       t.UserID,
		GameID:       int(t.Game),
		Game:         t.Game.String(),
		DifficultyID: t.DifficultyID,
		RoundID:      t.RoundID,
		Colors:       t.Colors,
		StartedAt:    t.StartedAt,
	}
	if err := s.db.WithContext(ctx).Omit("User").Create(&row).Error; err != nil {
		return 0, fmt.Errorf("failed to create training: %w", err)
	}
	return row.ID, nil
}

// AppendRoundResult implements game.Store.
func (s *Store) AppendRoundResult(ctx context.Context, trainingID uint, r game.RoundOutcome) error {
	row := RoundValue{
		TrainingID: trainingID,
		Round:      r.Round,
		Value:      r.Value,
		Outcome:    r.Outcome.String(),
		Target:     r.Target,
		Touched:    r.Touched,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to store round %d: %w", r.Round, err)
	}
	return nil
}

// Trainings returns the stored trainings of a session with their rounds.
func (s *Store) Trainings(ctx context.Context, sessionID string) ([]Training, error) {
	var out []Training
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("Rounds", func(db *gorm.DB) *gorm.DB { return db.Order("round ASC") }).
		Where("session_id = ?", sessionID).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load trainings: %w", err)
	}
	return out, nil
}

// Health pings the database.
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func newGormLogger(logger *logrus.Logger, slow time.Duration) gormlogger.Interface {
	level := gormlogger.Warn
	if logger.IsLevelEnabled(logrus.DebugLevel) {
		level = gormlogger.Info
	}
	return gormlogger.New(logger, gormlogger.Config{
		SlowThreshold:             slow,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}
