package gpbot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnUserID    = "user_id"
	columnChannelID = "channel_id"
	columnGuildID   = "guild_id"
	columnCreatedAt = "created_at"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps (in
// milliseconds) for creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// migratedModels are the models created/updated by AutoMigrate
func migratedModels() []any {
	return []any{
		&RuntimeConfig{},
		&User{},
		&InteractionLog{},
		&ModerationEvent{},
	}
}

// DBI is the write interface to the database. Writes are serialized
// when concurrent writes are disabled (sqlite), and each operation
// gets a timeout if the context doesn't already have a deadline.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (rowsAffected int64, err error)
	Upsert(ctx context.Context, value any, updateColumns ...string) (rowsAffected int64, err error)
	Transaction(ctx context.Context, fc func(tx *gorm.DB) error, opts ...*sql.TxOptions) error
}

type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps a gorm connection as a DBI.
//
// Parameters:
//   - db: The gorm database connection.
//   - log: Logger for database events. If nil, a default logger is used.
//   - enableConcurrentWrites: If false, writes are made one at a time.
func NewDatabase(db *gorm.DB, log *slog.Logger, enableConcurrentWrites bool) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() func() {
	if d.enableConcurrentWrites {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func withOperationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(ctx context.Context, value any) (int64, error) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(ctx context.Context, model, values any) (int64, error) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

// Upsert creates the record, or updates the given columns if a record
// with the same primary key exists
func (d *database) Upsert(
	ctx context.Context,
	value any,
	updateColumns ...string,
) (int64, error) {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	rv := d.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(updateColumns),
		},
	).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Transaction(
	ctx context.Context,
	fc func(tx *gorm.DB) error,
	opts ...*sql.TxOptions,
) error {
	defer d.lock()()
	ctx, cancel := withOperationTimeout(ctx)
	defer cancel()

	return d.db.WithContext(ctx).Transaction(fc, opts...)
}

// CreateDB opens the database and runs migrations, for use outside
// of a running bot (ex: the `init` command).
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)

	dbLogger := slog.New(handler)
	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)

	db, err := openDB(ctx, databaseType, database, newGORMLogger(handler, 500*time.Millisecond))
	if err != nil {
		return db, err
	}
	if err = migrateDB(ctx, db); err != nil {
		return db, err
	}
	return db, nil
}

// openDB opens a gorm connection and, for sqlite, applies connection
// limits and pragmas.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: Logger for gorm operations.
func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		if parentDir := filepath.Dir(database); parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		db, err := gorm.Open(sqlite.Open(database), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("error getting database connection: %w", err)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(pragmaErrors, db.WithContext(ctx).Exec(p).Error)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return nil, pragmaErr
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}

func migrateDB(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			if err := tx.Migrator().AutoMigrate(migratedModels()...); err != nil {
				return fmt.Errorf("error migrating database: %w", err)
			}
			return nil
		},
	)
}
