package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite" // SQLite driver
)

// DatabaseType is the backend selected from a DSN.
type DatabaseType string

const (
	DatabaseTypePostgreSQL DatabaseType = "postgres"
	DatabaseTypeSQLite     DatabaseType = "sqlite"
)

// DetectDatabaseType picks PostgreSQL for postgres:// and unix:// DSNs and
// SQLite for everything else (file paths, file:, :memory:).
func DetectDatabaseType(dsn string) DatabaseType {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.HasPrefix(dsn, "unix://") {
		return DatabaseTypePostgreSQL
	}
	return DatabaseTypeSQLite
}

// OpenDB connects to the database named by dsn and pings it.
func OpenDB(ctx context.Context, dsn string) (*bun.DB, error) {
	switch DetectDatabaseType(dsn) {
	case DatabaseTypePostgreSQL:
		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
		sqldb.SetMaxOpenConns(25)
		sqldb.SetMaxIdleConns(25)
		db := bun.NewDB(sqldb, pgdialect.New())
		if err := db.PingContext(ctx); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return db, nil
	default:
		sqldb, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// One connection: SQLite has a single writer and :memory: databases
		// are per connection.
		sqldb.SetMaxOpenConns(1)
		db := bun.NewDB(sqldb, sqlitedialect.New())
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		return db, nil
	}
}

// BunStore keeps profiles in PostgreSQL or SQLite.
type BunStore struct {
	db  *bun.DB
	now func() time.Time
}

// NewBunStore wraps db and creates the profiles table if needed.
func NewBunStore(ctx context.Context, db *bun.DB) (*BunStore, error) {
	if _, err := db.NewCreateTable().Model((*Profile)(nil)).IfNotExists().Exec(ctx); err != nil {
		return nil, fmt.Errorf("create profiles table: %w", err)
	}
	return &BunStore{db: db, now: time.Now}, nil
}

// Get loads the profile for uid.
func (s *BunStore) Get(ctx context.Context, uid string) (*Profile, error) {
	p := new(Profile)
	err := s.db.NewSelect().
		Model(p).
		Where("uid = ?", uid).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// Upsert inserts p or overwrites every column except created_at.
func (s *BunStore) Upsert(ctx context.Context, p *Profile) error {
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.NewInsert().
		Model(p).
		On("CONFLICT (uid) DO UPDATE").
		Set("email = EXCLUDED.email").
		Set("display_name = EXCLUDED.display_name").
		Set("photo_url = EXCLUDED.photo_url").
		Set("university_name = EXCLUDED.university_name").
		Set("university_department = EXCLUDED.university_department").
		Set("graduation_year = EXCLUDED.graduation_year").
		Set("is_student = EXCLUDED.is_student").
		Set("profile_completed = EXCLUDED.profile_completed").
		Set("email_verified = EXCLUDED.email_verified").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BunStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
