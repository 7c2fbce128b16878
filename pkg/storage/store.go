package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	// Import SQLite driver
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rs/zerolog"

	"github.com/qcforge/qcforge/pkg/log"
	"github.com/qcforge/qcforge/pkg/types"
)

// ErrNotFound is returned when a requested entity does not exist and
// the caller did not ask for missing entities to be tolerated.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when adding a uniquely-keyed entity that
// exists through a non-upsert path.
var ErrAlreadyExists = errors.New("already exists")

// ErrInvalidTransition is returned for a status change the record
// lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid status transition")

// ComputeManagerError crosses the manager boundary. When Shutdown is
// set the manager no longer owns any server-side state and should
// terminate.
type ComputeManagerError struct {
	Message  string
	Shutdown bool
}

func (e *ComputeManagerError) Error() string { return e.Message }

// IndexedError ties an error to the input slot that produced it.
type IndexedError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// InsertMetadata reports the outcome of a deduplicating batch insert.
// Indices refer to input order; duplicates in the input map to the same
// existing row.
type InsertMetadata struct {
	InsertedIdx []int          `json:"inserted_idx"`
	ExistingIdx []int          `json:"existing_idx"`
	Errors      []IndexedError `json:"errors,omitempty"`
}

// NInserted is the count of newly inserted rows
func (m InsertMetadata) NInserted() int { return len(m.InsertedIdx) }

// NExisting is the count of inputs that matched existing rows
func (m InsertMetadata) NExisting() int { return len(m.ExistingIdx) }

// Success reports whether no per-index errors occurred
func (m InsertMetadata) Success() bool { return len(m.Errors) == 0 }

// insertBatchSize bounds how many rows a deduplicating insert handles
// per existence query.
const insertBatchSize = 200

// Notifier receives terminal record transitions. Wired by the server
// to the in-process completion broker.
type Notifier func(recordID int64, status types.RecordStatus)

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx, letting the
// same query helpers run inside and outside explicit transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the persistence layer. All cross-request coordination is
// database-mediated; one Store is shared by every request handler and
// the periodic runner.
type Store struct {
	db     *sql.DB
	dbPath string
	logger zerolog.Logger
	closed atomic.Bool

	notify atomic.Pointer[Notifier]
}

// Open creates or opens the database at path and applies the schema.
// The special path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	var connStr string
	if path == ":memory:" {
		// Shared in-memory database so pooled connections see the same
		// data. WAL does not apply to memory databases.
		connStr = "file:memdb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	isInMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if isInMemory {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports one writer plus parallel readers; cap the pool
		// so write contention does not pile up goroutines.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:     db,
		dbPath: path,
		logger: log.WithComponent("storage"),
	}, nil
}

// SetNotifier registers the completion callback fired after commit for
// every record that reached a terminal status.
func (s *Store) SetNotifier(n Notifier) {
	s.notify.Store(&n)
}

func (s *Store) fireNotifications(changes []recordChange) {
	n := s.notify.Load()
	if n == nil {
		return
	}
	for _, c := range changes {
		if c.Status.IsTerminal() {
			(*n)(c.RecordID, c.Status)
		}
	}
}

// recordChange is collected during a transaction and emitted only
// after a successful commit.
type recordChange struct {
	RecordID int64
	Status   types.RecordStatus
}

// Close closes the database
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// DatabaseSize returns the size in bytes of the backing file, or zero
// for in-memory databases.
func (s *Store) DatabaseSize() int64 {
	if s.dbPath == ":memory:" {
		return 0
	}
	info, err := os.Stat(s.dbPath)
	if err != nil {
		return 0
	}
	return info.Size()
}
