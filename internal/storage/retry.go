package storage

import (
	"errors"
	"math/rand/v2"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// contentionPolicy bounds how long a store call keeps retrying while other
// connections hold the WAL locks.
type contentionPolicy struct {
	attempts int // total calls, including the first
	base     time.Duration
	ceiling  time.Duration
}

var defaultPolicy = contentionPolicy{
	attempts: 4,
	base:     50 * time.Millisecond,
	ceiling:  500 * time.Millisecond,
}

// coded is implemented by *sqlite.Error.
type coded interface {
	Code() int
}

var _ coded = (*sqlite.Error)(nil)

// isContention reports whether err carries a SQLite result code that clears
// once the competing connection finishes. Extended codes are reduced to
// their primary code, except for the short WAL read which is the only
// transient I/O error.
func isContention(err error) bool {
	var ce coded
	if !errors.As(err, &ce) {
		return false
	}
	code := ce.Code()
	if code == sqlite3.SQLITE_IOERR_SHORT_READ {
		return true
	}
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// withRetry calls fn until it returns nil, an error other than contention,
// or p.attempts calls were made. The last error is returned.
func withRetry(p contentionPolicy, fn func() error) error {
	err := fn()
	for attempt := 1; attempt < p.attempts && isContention(err); attempt++ {
		time.Sleep(p.delay(attempt - 1))
		err = fn()
	}
	return err
}

// delay doubles from base per attempt up to ceiling and adds up to base of
// jitter.
func (p contentionPolicy) delay(attempt int) time.Duration {
	d := p.ceiling
	if attempt < 16 && p.base<<attempt < p.ceiling {
		d = p.base << attempt
	}
	return d + rand.N(p.base)
}
