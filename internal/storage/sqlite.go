package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteProvider keeps the state of every instance in one SQLite database
// in WAL mode. Rows are keyed by (instance, key).
type SQLiteProvider struct {
	db *sql.DB
}

// NewSQLiteProvider opens (or creates) the database at path and initializes
// the schema.
func NewSQLiteProvider(path string) (*SQLiteProvider, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	p := &SQLiteProvider{db: db}
	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return p, nil
}

func (p *SQLiteProvider) migrate() error {
	_, err := p.db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		instance TEXT NOT NULL,
		key      TEXT NOT NULL,
		value    BLOB NOT NULL,
		PRIMARY KEY (instance, key)
	) WITHOUT ROWID;
	`)
	return err
}

// Open returns the store of instance. It does not touch the database.
func (p *SQLiteProvider) Open(instance string) (Store, error) {
	if instance == "" {
		return nil, errors.New("storage: empty instance name")
	}
	return &sqliteStore{db: p.db, instance: instance}, nil
}

// Close closes the database connection.
func (p *SQLiteProvider) Close() error { return p.db.Close() }

type sqliteStore struct {
	db       *sql.DB
	instance string
}

func (s *sqliteStore) Get(key string) ([]byte, error) {
	var value []byte
	err := withRetry(defaultPolicy, func() error {
		return s.db.QueryRow(
			`SELECT value FROM kv WHERE instance = ? AND key = ?`, s.instance, key,
		).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", s.instance, key, err)
	}
	return value, nil
}

func (s *sqliteStore) Put(key string, value []byte) error {
	return s.Apply(Set(key, value))
}

func (s *sqliteStore) Delete(key string) error {
	return s.Apply(Remove(key))
}

func (s *sqliteStore) DeleteAll() error {
	err := withRetry(defaultPolicy, func() error {
		_, err := s.db.Exec(`DELETE FROM kv WHERE instance = ?`, s.instance)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete all %s: %w", s.instance, err)
	}
	return nil
}

func (s *sqliteStore) Scan(prefix string, order Order, limit int) ([]KV, error) {
	query := `SELECT key, value FROM kv WHERE instance = ? AND key >= ?`
	args := []any{s.instance, prefix}
	if end, ok := prefixEnd(prefix); ok {
		query += ` AND key < ?`
		args = append(args, end)
	}
	if order == Descending {
		query += ` ORDER BY key DESC`
	} else {
		query += ` ORDER BY key ASC`
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var out []KV
	err := withRetry(defaultPolicy, func() error {
		out = out[:0]
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var kv KV
			if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
				return err
			}
			out = append(out, kv)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s/%s: %w", s.instance, prefix, err)
	}
	return out, nil
}

// Apply runs the batch in a single transaction.
func (s *sqliteStore) Apply(muts ...Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	err := withRetry(defaultPolicy, func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		for _, m := range muts {
			if m.Delete {
				_, err = tx.Exec(`DELETE FROM kv WHERE instance = ? AND key = ?`, s.instance, m.Key)
			} else {
				value := m.Value
				if value == nil {
					value = []byte{}
				}
				_, err = tx.Exec(
					`INSERT INTO kv (instance, key, value) VALUES (?, ?, ?)
					 ON CONFLICT(instance, key) DO UPDATE SET value = excluded.value`,
					s.instance, m.Key, value,
				)
			}
			if err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("apply %s: %w", s.instance, err)
	}
	return nil
}

// prefixEnd returns the smallest string greater than every string with the
// given prefix. It reports false when no such bound exists.
func prefixEnd(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
