package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// SQLite is a database-backed storage service: every object is a row,
// queue membership is a flag, FIFO order is rowid order. Suited to
// agents that must not lose custody-tracked bundles across restarts.
type SQLite struct {
	db *sql.DB

	mu      sync.Mutex
	handles map[int]waitChan
	nextH   int
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS objects (
	sid    INTEGER PRIMARY KEY AUTOINCREMENT,
	handle INTEGER NOT NULL,
	queued INTEGER NOT NULL DEFAULT 1,
	data   BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS objects_queue ON objects(handle, queued, sid);
`

// NewSQLite opens (creating if necessary) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection sidesteps writer contention; the service
	// serializes around the channel's own locks anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db, handles: make(map[int]waitChan)}, nil
}

// Close releases the database handle.
func (s *SQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

func (s *SQLite) notify(handle int) (waitChan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.handles[handle]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", handle, ErrInvalidHandle)
	}

	return ch, nil
}

// Create allocates a queue handle. Existing rows under a re-used
// handle number become visible again, which is how a restarted agent
// re-attaches to its spool.
func (s *SQLite) Create(_ any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle := s.nextH
	s.nextH++
	s.handles[handle] = make(waitChan)

	return handle, nil
}

// Destroy releases a queue and deletes its rows.
func (s *SQLite) Destroy(handle int) error {
	s.mu.Lock()

	if _, ok := s.handles[handle]; !ok {
		s.mu.Unlock()

		return fmt.Errorf("handle %d: %w", handle, ErrInvalidHandle)
	}

	delete(s.handles, handle)
	s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM objects WHERE handle = ?`, handle); err != nil {
		return fmt.Errorf("delete queue rows: %w", err)
	}

	return nil
}

// Enqueue appends header||payload as one row.
func (s *SQLite) Enqueue(handle int, header, payload []byte, _ int) error {
	ch, err := s.notify(handle)
	if err != nil {
		return err
	}

	data := make([]byte, 0, len(header)+len(payload))
	data = append(data, header...)
	data = append(data, payload...)

	if _, err := s.db.Exec(`INSERT INTO objects (handle, data) VALUES (?, ?)`, handle, data); err != nil {
		return fmt.Errorf("insert object: %w", err)
	}

	s.mu.Lock()
	if cur, ok := s.handles[handle]; ok && cur == ch {
		close(ch)
		s.handles[handle] = make(waitChan)
	}
	s.mu.Unlock()

	return nil
}

// dequeueOnce claims the oldest queued row, if any.
func (s *SQLite) dequeueOnce(handle int) (*Object, error) {
	row := s.db.QueryRow(
		`SELECT sid, data FROM objects WHERE handle = ? AND queued = 1 ORDER BY sid LIMIT 1`, handle)

	var (
		sid  uint64
		data []byte
	)

	err := row.Scan(&sid, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("select head: %w", err)
	}

	if _, err := s.db.Exec(`UPDATE objects SET queued = 0 WHERE sid = ?`, sid); err != nil {
		return nil, fmt.Errorf("claim head: %w", err)
	}

	return &Object{Handle: handle, SID: SID(sid), Data: data}, nil
}

// Dequeue pops the oldest queued object, waiting up to timeout.
func (s *SQLite) Dequeue(handle int, timeout int) (*Object, error) {
	deadline := newDeadline(timeout)

	for {
		ch, err := s.notify(handle)
		if err != nil {
			return nil, err
		}

		obj, err := s.dequeueOnce(handle)
		if err != nil {
			return nil, err
		}

		if obj != nil {
			return obj, nil
		}

		if err := deadline.wait(ch); err != nil {
			return nil, err
		}
	}
}

// Retrieve returns the object stored under sid.
func (s *SQLite) Retrieve(handle int, sid SID, _ int) (*Object, error) {
	row := s.db.QueryRow(`SELECT data FROM objects WHERE handle = ? AND sid = ?`, handle, uint64(sid))

	var data []byte

	err := row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sid %d: %w", sid, ErrNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("select object: %w", err)
	}

	return &Object{Handle: handle, SID: sid, Data: data}, nil
}

// Release is a no-op; rows live until relinquished.
func (s *SQLite) Release(_ int, _ SID) error { return nil }

// Relinquish deletes the object's row.
func (s *SQLite) Relinquish(handle int, sid SID) error {
	if _, err := s.db.Exec(`DELETE FROM objects WHERE handle = ? AND sid = ?`, handle, uint64(sid)); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}

	return nil
}

// Count returns the number of live objects in the queue.
func (s *SQLite) Count(handle int) int {
	row := s.db.QueryRow(`SELECT COUNT(*) FROM objects WHERE handle = ?`, handle)

	var n int
	if err := row.Scan(&n); err != nil {
		return 0
	}

	return n
}
