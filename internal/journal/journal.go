// Package journal keeps a SQLite record of callback faults and driver
// attach/detach events, so failures that were only logged can be inspected
// after the fact.
package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"keyshell/internal/input"
	"keyshell/internal/keys"
)

const schema = `
CREATE TABLE IF NOT EXISTS faults (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    time_ns     INTEGER NOT NULL,
    tier        TEXT NOT NULL,
    key         TEXT NOT NULL,
    state       TEXT NOT NULL,
    context     TEXT,
    callback    TEXT,
    error       TEXT NOT NULL,
    panic       INTEGER NOT NULL,
    stack       TEXT
);

CREATE INDEX IF NOT EXISTS idx_faults_time ON faults(time_ns);
CREATE INDEX IF NOT EXISTS idx_faults_key ON faults(key, time_ns);

CREATE TABLE IF NOT EXISTS driver_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    time_ns     INTEGER NOT NULL,
    action      TEXT NOT NULL,
    name        TEXT NOT NULL,
    kind        TEXT NOT NULL,
    initial     INTEGER NOT NULL,
    keys        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_driver_events_name ON driver_events(name, time_ns);
`

// Driver event actions.
const (
	ActionAttached = "attached"
	ActionDetached = "detached"
)

// DriverEvent is a recorded attach or detach.
type DriverEvent struct {
	ID      int64
	Time    time.Time
	Action  string
	Name    string
	Kind    string
	Initial bool
	Keys    int
}

// Journal is the SQLite fault and driver journal. It implements
// input.FaultReporter and input.DriverObserver.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var (
	_ input.FaultReporter  = (*Journal)(nil)
	_ input.DriverObserver = (*Journal)(nil)
)

// Open opens or creates the journal database at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Journal{
		db:     db,
		logger: logger.With("component", "journal"),
		now:    time.Now,
	}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// ReportFault implements input.FaultReporter. Write failures are logged; the
// dispatch loop never sees them.
func (j *Journal) ReportFault(f input.Fault) {
	if _, err := j.InsertFault(f); err != nil {
		j.logger.Error("journal fault", "error", err, "key", f.Key)
	}
}

// DriverAttached implements input.DriverObserver.
func (j *Journal) DriverAttached(info input.DriverInfo) {
	j.recordDriver(ActionAttached, info)
}

// DriverDetached implements input.DriverObserver.
func (j *Journal) DriverDetached(info input.DriverInfo) {
	j.recordDriver(ActionDetached, info)
}

func (j *Journal) recordDriver(action string, info input.DriverInfo) {
	_, err := j.InsertDriverEvent(&DriverEvent{
		Time:    j.now(),
		Action:  action,
		Name:    info.Name,
		Kind:    info.Kind,
		Initial: info.Initial,
		Keys:    len(info.AvailableKeys),
	})
	if err != nil {
		j.logger.Error("journal driver event", "error", err, "driver", info.Name)
	}
}

// InsertFault stores a fault and returns its ID.
func (j *Journal) InsertFault(f input.Fault) (int64, error) {
	t := f.Time
	if t.IsZero() {
		t = j.now()
	}

	result, err := j.db.Exec(`
		INSERT INTO faults (time_ns, tier, key, state, context, callback, error, panic, stack)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.UnixNano(), f.Tier, string(f.Key), f.State, f.Context, f.Callback, f.Error, f.Panic, f.Stack,
	)
	if err != nil {
		return 0, fmt.Errorf("insert fault: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// InsertDriverEvent stores a driver event and returns its ID.
func (j *Journal) InsertDriverEvent(e *DriverEvent) (int64, error) {
	result, err := j.db.Exec(`
		INSERT INTO driver_events (time_ns, action, name, kind, initial, keys)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Time.UnixNano(), e.Action, e.Name, e.Kind, e.Initial, e.Keys,
	)
	if err != nil {
		return 0, fmt.Errorf("insert driver event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// RecentFaults returns up to limit faults, newest first.
func (j *Journal) RecentFaults(limit int) ([]input.Fault, error) {
	rows, err := j.db.Query(`
		SELECT time_ns, tier, key, state, context, callback, error, panic, stack
		FROM faults
		ORDER BY time_ns DESC, id DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query faults: %w", err)
	}
	defer rows.Close()

	return scanFaults(rows)
}

// FaultsForKey returns the faults recorded for key within a time range.
func (j *Journal) FaultsForKey(key keys.ID, start, end time.Time) ([]input.Fault, error) {
	rows, err := j.db.Query(`
		SELECT time_ns, tier, key, state, context, callback, error, panic, stack
		FROM faults
		WHERE key = ? AND time_ns >= ? AND time_ns <= ?
		ORDER BY time_ns ASC, id ASC`, string(key), start.UnixNano(), end.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("query faults by key: %w", err)
	}
	defer rows.Close()

	return scanFaults(rows)
}

// CountFaults returns the number of recorded faults.
func (j *Journal) CountFaults() (int64, error) {
	var n int64
	if err := j.db.QueryRow(`SELECT COUNT(*) FROM faults`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count faults: %w", err)
	}
	return n, nil
}

// DriverHistory returns the attach/detach history of a driver name, oldest
// first. An empty name returns every driver.
func (j *Journal) DriverHistory(name string) ([]DriverEvent, error) {
	query := `SELECT id, time_ns, action, name, kind, initial, keys FROM driver_events`
	var args []any
	if name != "" {
		query += ` WHERE name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY time_ns ASC, id ASC`

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query driver events: %w", err)
	}
	defer rows.Close()

	var events []DriverEvent
	for rows.Next() {
		var e DriverEvent
		var ns int64
		if err := rows.Scan(&e.ID, &ns, &e.Action, &e.Name, &e.Kind, &e.Initial, &e.Keys); err != nil {
			return nil, fmt.Errorf("scan driver event: %w", err)
		}
		e.Time = time.Unix(0, ns)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate driver events: %w", err)
	}
	return events, nil
}

// Prune deletes faults and driver events older than before.
func (j *Journal) Prune(before time.Time) (int64, error) {
	tx, err := j.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, table := range []string{"faults", "driver_events"} {
		result, err := tx.Exec(`DELETE FROM `+table+` WHERE time_ns < ?`, before.UnixNano())
		if err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("get rows affected: %w", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return total, nil
}

func scanFaults(rows *sql.Rows) ([]input.Fault, error) {
	var faults []input.Fault
	for rows.Next() {
		var f input.Fault
		var ns int64
		var key string
		var ctx, cb, stack sql.NullString
		if err := rows.Scan(&ns, &f.Tier, &key, &f.State, &ctx, &cb, &f.Error, &f.Panic, &stack); err != nil {
			return nil, fmt.Errorf("scan fault: %w", err)
		}
		f.Time = time.Unix(0, ns)
		f.Key = keys.ID(key)
		f.Context = ctx.String
		f.Callback = cb.String
		f.Stack = stack.String
		faults = append(faults, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate faults: %w", err)
	}
	return faults, nil
}
