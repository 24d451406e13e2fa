package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/okian/creditscore/internal/domain/model"
	"github.com/okian/creditscore/internal/domain/types"
)

const (
	defaultTable        = "credit_scores"
	defaultMaxOpenConns = 16
	sqliteBusyTimeoutMs = 5000
)

// scoreRow is the persisted shape of a score record.
type scoreRow struct {
	UserID    string                                  `gorm:"column:user_id;primaryKey;size:128"`
	Score     int                                     `gorm:"column:score;not null"`
	Band      string                                  `gorm:"column:band;size:16;not null"`
	Factors   datatypes.JSONType[map[string]float64] `gorm:"column:factors"`
	Version   uint64                                  `gorm:"column:version;not null"`
	UpdatedAt time.Time                               `gorm:"column:updated_at;autoUpdateTime:false"`
}

func toRow(userID string, rec model.ScoreRecord, version uint64) scoreRow {
	return scoreRow{
		UserID:    userID,
		Score:     rec.Score,
		Band:      string(types.BandFor(rec.Score)),
		Factors:   datatypes.NewJSONType(model.CloneFactors(rec.Factors)),
		Version:   version,
		UpdatedAt: rec.UpdatedAt,
	}
}

func (r scoreRow) record() model.ScoreRecord {
	return model.ScoreRecord{
		UserID:    r.UserID,
		Score:     r.Score,
		Band:      types.Band(r.Band),
		Factors:   model.CloneFactors(r.Factors.Data()),
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
}

// SQLStore persists records through gorm on SQLite or Postgres. Commits are
// conditional updates on the version column; a zero row count is a lost race.
type SQLStore struct {
	db           *gorm.DB
	dialect      string
	table        string
	maxOpenConns int
}

// NewSQLStore opens dsn with the given dialect and migrates the score table.
func NewSQLStore(ctx context.Context, dialect, dsn string, opts ...SQLOption) (*SQLStore, error) {
	if dsn == "" {
		return nil, ErrMissingDSN
	}

	var dialector gorm.Dialector
	switch dialect {
	case BackendSQLite:
		dialector = sqlite.Open(dsn)
	case BackendPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	return newSQLStore(ctx, db, dialect, opts...)
}

func newSQLStore(ctx context.Context, db *gorm.DB, dialect string, opts ...SQLOption) (*SQLStore, error) {
	s := &SQLStore{
		db:           db,
		dialect:      dialect,
		table:        defaultTable,
		maxOpenConns: defaultMaxOpenConns,
	}
	for _, opt := range opts {
		opt(s)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sql handle: %w", err)
	}
	if dialect == BackendSQLite {
		// SQLite allows one writer; a single connection keeps CAS updates
		// from failing with SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
		if err := db.WithContext(ctx).Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeoutMs)).Error; err != nil {
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	} else {
		sqlDB.SetMaxOpenConns(s.maxOpenConns)
	}

	if err := s.tx(ctx).AutoMigrate(&scoreRow{}); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", s.table, err)
	}
	return s, nil
}

func (s *SQLStore) tx(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Table(s.table)
}

// Backend implements Store.
func (s *SQLStore) Backend() string { return s.dialect }

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, userID string) (rec model.ScoreRecord, found bool, err error) {
	start := time.Now()
	defer func() { observe(s.dialect, "get", start, err) }()

	var row scoreRow
	err = s.tx(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ScoreRecord{}, false, nil
	}
	if err != nil {
		return model.ScoreRecord{}, false, err
	}
	return row.record(), true, nil
}

// Create implements Store.
func (s *SQLStore) Create(ctx context.Context, userID string, initial model.ScoreRecord) (ok bool, current model.ScoreRecord, err error) {
	start := time.Now()
	defer func() { observe(s.dialect, "create", start, err) }()

	row := toRow(userID, initial, 1)
	res := s.tx(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&row)
	if res.Error != nil {
		return false, model.ScoreRecord{}, res.Error
	}
	if res.RowsAffected == 0 {
		cur, _, gerr := s.Get(ctx, userID)
		return false, cur, gerr
	}
	return true, row.record(), nil
}

// CompareAndSet implements Store.
func (s *SQLStore) CompareAndSet(ctx context.Context, userID string, expectedVersion uint64, next model.ScoreRecord) (ok bool, current model.ScoreRecord, err error) {
	start := time.Now()
	defer func() { observe(s.dialect, "cas", start, err) }()

	row := toRow(userID, next, expectedVersion+1)
	res := s.tx(ctx).
		Where("user_id = ? AND version = ?", userID, expectedVersion).
		Updates(map[string]any{
			"score":      row.Score,
			"band":       row.Band,
			"factors":    row.Factors,
			"version":    row.Version,
			"updated_at": row.UpdatedAt,
		})
	if res.Error != nil {
		return false, model.ScoreRecord{}, res.Error
	}
	if res.RowsAffected == 0 {
		cur, _, gerr := s.Get(ctx, userID)
		return false, cur, gerr
	}
	return true, row.record(), nil
}

// Count implements Store.
func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.tx(ctx).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements Store.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
