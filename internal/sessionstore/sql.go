// Package sessionstore persists the credential material of the single WhatsApp session.
//
// The production store is a whatsmeow sqlstore container, backed by SQLite
// (modernc.org/sqlite, no cgo) or Postgres (pgx). The container holds at most
// one device: the session identity is "the first device".
package sessionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/walink/internal/whatsapp"
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"

	// SessionFile is the SQLite file name of the single session inside the data dir.
	SessionFile = "auth.db"
)

var errNotDevice = errors.New("credentials are not a whatsmeow device")

// SQLStore implements whatsapp.SessionStore on a whatsmeow sqlstore container.
type SQLStore struct {
	container *sqlstore.Container
	db        *sql.DB
}

// NewSQLStore wraps an upgraded container.
func NewSQLStore(container *sqlstore.Container) *SQLStore {
	return &SQLStore{container: container}
}

// Container returns the underlying container (shared with the connector).
func (s *SQLStore) Container() *sqlstore.Container { return s.container }

// Close closes the database opened by Open. Stores built with NewSQLStore do
// not own their database and Close is a no-op.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the paired device, or nil when the container holds none.
func (s *SQLStore) Load(ctx context.Context) (whatsapp.Credentials, error) {
	dev, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	if dev == nil || dev.ID == nil {
		return nil, nil
	}
	return dev, nil
}

// Save persists a paired device. Devices that have not finished pairing are skipped.
func (s *SQLStore) Save(ctx context.Context, creds whatsapp.Credentials) error {
	dev, ok := creds.(*store.Device)
	if !ok || dev == nil {
		return errNotDevice
	}
	if dev.ID == nil {
		return nil
	}
	if err := s.container.PutDevice(ctx, dev); err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// Delete removes every device in the container. An empty container is not an error.
func (s *SQLStore) Delete(ctx context.Context) error {
	devices, err := s.container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, dev := range devices {
		if err := s.container.DeleteDevice(ctx, dev); err != nil {
			return fmt.Errorf("delete device: %w", err)
		}
	}
	return nil
}

// OpenDB opens the credential database for dialect.
// For SQLite, dsn may be empty: the file SessionFile is created under dataDir.
func OpenDB(dialect, dsn, dataDir string) (*sql.DB, error) {
	switch dialect {
	case "", DialectSQLite:
		if dsn == "" {
			if err := os.MkdirAll(dataDir, 0700); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = "file:" + filepath.Join(dataDir, SessionFile) +
				"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite writes are serialized anyway; one connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		return db, nil

	case DialectPostgres:
		if dsn == "" {
			return nil, errors.New("postgres dialect requires a DSN")
		}
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		return db, nil

	default:
		return nil, fmt.Errorf("unsupported session db dialect %q", dialect)
	}
}

// Open opens the database and upgrades the whatsmeow schema.
func Open(ctx context.Context, dialect, dsn, dataDir string, log waLog.Logger) (*SQLStore, error) {
	db, err := OpenDB(dialect, dsn, dataDir)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping session db: %w", err)
	}

	if dialect == "" {
		dialect = DialectSQLite
	}
	container := sqlstore.NewWithDB(db, dialect, log)
	if err := container.Upgrade(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("upgrade session schema: %w", err)
	}

	slog.Info("session store opened", "dialect", dialect)
	return &SQLStore{container: container, db: db}, nil
}
