// Package ledger implements the durable at-most-once record of
// redeemed ecash proof identifiers, backed by zombiezen.com/go/sqlite.
//
// Grounded on _examples/bureau-foundation-bureau/lib/sqlitepool/pool.go
// for pool construction and pragma selection; the schema and
// all-or-nothing insertion semantics are specific to this package.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrAlreadySpent is returned by TryRedeem when one or more proof ids
// in the set were already present in the ledger. No partial insert
// occurs — the whole set is rejected.
var ErrAlreadySpent = errors.New("ledger: one or more proof ids already redeemed")

// Ledger is the durable redemption store. Safe for concurrent use.
type Ledger struct {
	pool *sqlitex.Pool
	log  *zap.Logger
}

// Open creates (or reuses) the SQLite database at path and ensures
// the redemptions table exists. Pool size follows the teacher's
// rationale: max(NumCPU, 4) connections, even though writes serialize
// at the SQLite level, so status/diagnostic reads never block on a
// write in flight.
func Open(path string, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	// Each :memory: connection is an independent database, so a pool
	// larger than one connection would silently lose writes made on
	// other connections. Tests rely on path == ":memory:".
	poolSize := 1
	if path != ":memory:" {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	dsn := path
	if dsn == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared"
	}

	pool, err := sqlitex.NewPool(dsn, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			return prepareConnection(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %s: %w", path, err)
	}

	l := &Ledger{pool: pool, log: log}
	if err := l.migrate(context.Background()); err != nil {
		_ = pool.Close()
		return nil, err
	}
	log.Info("redemption ledger opened", zap.String("path", path), zap.Int("pool_size", poolSize))
	return l, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
	}
	for _, p := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, p, nil); err != nil {
			return fmt.Errorf("ledger: %s: %w", p, err)
		}
	}
	return nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: take conn for migrate: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.ExecuteTransient(conn, `CREATE TABLE IF NOT EXISTS redemptions (
		proof_id    TEXT PRIMARY KEY,
		redeemed_at INTEGER NOT NULL
	)`, nil)
	if err != nil {
		return fmt.Errorf("ledger: create table: %w", err)
	}
	return nil
}

// TryRedeem atomically inserts every proof id in proofIDs, stamped
// with redeemedAtUnix. If any proof id already exists, the whole
// transaction rolls back and ErrAlreadySpent is returned — this is
// the single serialization point for a token spend (§4.2). No state
// changes outside the ledger on failure.
func (l *Ledger) TryRedeem(ctx context.Context, proofIDs []string, redeemedAtUnix int64) (err error) {
	if len(proofIDs) == 0 {
		return fmt.Errorf("ledger: empty proof id set")
	}

	conn, connErr := l.pool.Take(ctx)
	if connErr != nil {
		return fmt.Errorf("ledger: take conn: %w", connErr)
	}
	defer l.pool.Put(conn)

	endFn, txErr := sqlitex.ImmediateTransaction(conn)
	if txErr != nil {
		return fmt.Errorf("ledger: begin immediate: %w", txErr)
	}
	// endFn commits when err is nil at defer time and rolls back
	// otherwise, so every early return below must assign to the named
	// err before returning — this is the all-or-nothing guarantee.
	defer endFn(&err)

	stmt := conn.Prep(`INSERT INTO redemptions (proof_id, redeemed_at) VALUES (?, ?)`)
	for _, id := range proofIDs {
		stmt.BindText(1, id)
		stmt.BindInt64(2, redeemedAtUnix)
		_, stepErr := stmt.Step()
		resetErr := stmt.Reset()
		if stepErr != nil {
			if isUniqueViolation(stepErr) {
				err = ErrAlreadySpent
				return err
			}
			err = fmt.Errorf("ledger: insert proof %s: %w", id, stepErr)
			return err
		}
		if resetErr != nil {
			err = fmt.Errorf("ledger: reset stmt: %w", resetErr)
			return err
		}
	}

	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "constraint failed")
}

// Close releases all pooled connections.
func (l *Ledger) Close() error {
	if err := l.pool.Close(); err != nil {
		return fmt.Errorf("ledger: close: %w", err)
	}
	return nil
}
