// Package zidcache persists the trust state established with remote peers
// across sessions: a rolling continuity secret pair, the SAS-verified flag,
// and record validity, keyed by the peer's ZID. The surrounding key-agreement
// protocol compares against this state to detect an unexpected change of
// peer identity.
package zidcache

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"zrtpcache/internal/debuglog"
	"zrtpcache/zid"
)

var (
	// ErrAlreadyOpen reports an Open call on an engine that already holds
	// a file handle. The call is a no-op; the engine stays on its file.
	ErrAlreadyOpen = errors.New("cache already open")

	// ErrClosed reports an operation on an engine without an open file.
	ErrClosed = errors.New("cache not open")

	// ErrInvalidFormat reports a leading record that fails own-identity
	// validation.
	ErrInvalidFormat = errors.New("invalid cache file format")

	// ErrMigrationAborted reports a legacy source that could not seed the
	// new-format file. The legacy file is left renamed aside.
	ErrMigrationAborted = errors.New("migration aborted")

	errNoOffset = errors.New("record has no file position")
)

// Options configures a Cache. The zero value is usable.
type Options struct {
	// Rand supplies the bytes for a freshly generated own identifier.
	// Nil means crypto/rand.
	Rand io.Reader
}

// Cache is the file engine. It holds at most one open handle between Open
// and Close and performs synchronous, immediately flushed I/O on it. The
// engine does no internal locking; callers running it from multiple
// goroutines need their own mutual exclusion around the scan-then-append
// and seek-then-write sequences.
type Cache struct {
	file  *os.File
	path  string
	own   zid.ZID
	rand  io.Reader
	stats Stats
}

func New(opts Options) *Cache {
	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}
	return &Cache{rand: r}
}

// Open attaches the engine to the cache file at path, creating it when
// missing and migrating it when the leading byte indicates the legacy
// format. On any failure the engine stays closed with no handle held.
func (c *Cache) Open(path string) error {
	if c.file != nil {
		return ErrAlreadyOpen
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return c.create(path)
		}
		return fmt.Errorf("open cache %s: %w", path, err)
	}
	c.file = f
	c.path = path

	var lead [1]byte
	if _, err := c.file.ReadAt(lead[:], 0); err != nil {
		// Empty or unreadable file: treat as legacy so the migration
		// path renames it aside rather than overwriting in place.
		lead[0] = 0
	}
	if lead[0] < recordVersion {
		if err := c.migrate(); err != nil {
			c.release()
			return err
		}
		// The fallback inside migrate may have created a fresh file
		// and already validated it through create.
	}
	rec, err := c.readRecordAt(0)
	if err != nil {
		c.release()
		return fmt.Errorf("read own record: %w", ErrInvalidFormat)
	}
	if !rec.IsOwn() {
		c.release()
		return fmt.Errorf("leading record not own identity: %w", ErrInvalidFormat)
	}
	c.own = rec.ZID()
	return nil
}

// create builds a new cache file at path, truncating any existing content,
// and seeds it with an own-identity record under a fresh random ZID.
func (c *Cache) create(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create cache %s: %w", path, err)
	}
	own, err := zid.Random(c.rand)
	if err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	rec := NewRecord(own)
	rec.MarkOwn()
	if _, err := f.WriteAt(rec.Marshal(), 0); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write own record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("sync cache %s: %w", path, err)
	}
	c.file = f
	c.path = path
	c.own = own
	return nil
}

// Close releases the file handle. Closing a closed engine is harmless.
func (c *Cache) Close() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	if err != nil {
		return fmt.Errorf("close cache %s: %w", c.path, err)
	}
	return nil
}

func (c *Cache) IsOpen() bool {
	return c.file != nil
}

// OwnZID returns the identifier stored in the leading record of the open
// file.
func (c *Cache) OwnZID() zid.ZID {
	return c.own
}

// GetRecord returns the record for z, scanning past the own-identity
// record and any invalid slots. A miss appends a fresh valid record at
// end-of-file and returns it; the caller fills in secrets and persists
// them through SaveRecord. The own-identity record is never a match.
func (c *Cache) GetRecord(z zid.ZID) (*Record, error) {
	if c.file == nil {
		return nil, ErrClosed
	}
	c.stats.lookups.Add(1)

	off := int64(RecordLen)
	for {
		rec, err := c.readRecordAt(off)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, fmt.Errorf("scan cache: %w", err)
		}
		pos := off
		off += RecordLen
		if rec.IsOwn() || !rec.IsValid() {
			continue
		}
		if rec.ZID() == z {
			rec.SetOffset(pos)
			c.stats.hits.Add(1)
			return rec, nil
		}
	}

	end, err := c.file.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seek cache end: %w", err)
	}
	rec := NewRecord(z)
	rec.MarkValid()
	if _, err := c.file.WriteAt(rec.Marshal(), end); err != nil {
		return nil, fmt.Errorf("append record: %w", err)
	}
	if err := c.file.Sync(); err != nil {
		return nil, fmt.Errorf("sync cache %s: %w", c.path, err)
	}
	rec.SetOffset(end)
	c.stats.appends.Add(1)
	debuglog.Debugf("zidcache: new record peer=%s off=%d", z.Fingerprint(), end)
	return rec, nil
}

// SaveRecord rewrites rec over the slot it was read from or appended at.
// The write is in place and never changes the file length. Only records
// handed out by GetRecord carry a peer offset; anything else is rejected,
// which also keeps the own-identity slot out of reach.
func (c *Cache) SaveRecord(rec *Record) error {
	if c.file == nil {
		return ErrClosed
	}
	if rec == nil || rec.Offset() < int64(RecordLen) {
		return errNoOffset
	}
	if _, err := c.file.WriteAt(rec.Marshal(), rec.Offset()); err != nil {
		c.stats.saveErrors.Add(1)
		return fmt.Errorf("save record at %d: %w", rec.Offset(), err)
	}
	if err := c.file.Sync(); err != nil {
		c.stats.saveErrors.Add(1)
		return fmt.Errorf("sync cache %s: %w", c.path, err)
	}
	return nil
}

func (c *Cache) readRecordAt(off int64) (*Record, error) {
	buf := make([]byte, RecordLen)
	if _, err := c.file.ReadAt(buf, off); err != nil {
		return nil, err
	}
	return UnmarshalRecord(buf)
}

// release drops the handle without touching the file, for failed opens.
func (c *Cache) release() {
	if c.file != nil {
		c.file.Close()
		c.file = nil
	}
}
