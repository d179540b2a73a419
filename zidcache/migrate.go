package zidcache

import (
	"errors"
	"fmt"
	"io"
	"os"

	"zrtpcache/internal/debuglog"
)

// migrateSuffix marks the renamed legacy file. The original name must be
// free before the new-format file can be written.
const migrateSuffix = ".save"

// migrate converts the open legacy-format file into the current format,
// preserving the own identifier and every valid peer record. The engine
// enters with c.file on the legacy file and leaves, on success, with
// c.file on a freshly written current-format file at the same path.
//
// When the legacy file cannot even be renamed aside, the trust history is
// dropped and a fresh cache is created instead. The protocol layer then
// re-verifies peers as on first contact, which is the accepted trade-off
// for always reaching a usable cache.
func (c *Cache) migrate() error {
	path := c.path
	c.file.Close()
	c.file = nil

	savePath := path + migrateSuffix
	if err := os.Rename(path, savePath); err != nil {
		debuglog.Logf("zidcache: cannot set aside legacy file (%v), starting fresh; peers need re-verification", err)
		os.Remove(path)
		return c.create(path)
	}

	old, err := os.Open(savePath)
	if err != nil {
		return fmt.Errorf("reopen legacy file: %w (%v)", ErrMigrationAborted, err)
	}
	defer old.Close()

	buf := make([]byte, legacyRecordLen)
	if _, err := io.ReadFull(old, buf); err != nil {
		return fmt.Errorf("read legacy own record: %w", ErrMigrationAborted)
	}
	oldOwn, err := unmarshalLegacyRecord(buf)
	if err != nil {
		return fmt.Errorf("decode legacy own record: %w", ErrMigrationAborted)
	}
	if !oldOwn.own {
		return fmt.Errorf("legacy leading record not own identity: %w", ErrMigrationAborted)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create migrated cache %s: %w", path, err)
	}

	// The own identity carries over unchanged so existing peers still
	// recognize this side by its historical ZID.
	ownRec := NewRecord(oldOwn.zid)
	ownRec.MarkOwn()
	if _, err := f.WriteAt(ownRec.Marshal(), 0); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write migrated own record: %w", err)
	}

	// Copy every valid peer record. A failed write is counted and logged
	// but does not abort the loop; records already processed stay intact.
	off := int64(RecordLen)
	for {
		if _, err := io.ReadFull(old, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			c.stats.migrationWriteErrors.Add(1)
			debuglog.Logf("zidcache: legacy read failed during migration: %v", err)
			break
		}
		oldRec, err := unmarshalLegacyRecord(buf)
		if err != nil || oldRec.own || !oldRec.valid {
			continue
		}
		rec := translateLegacy(oldRec)
		if _, err := f.WriteAt(rec.Marshal(), off); err != nil {
			c.stats.migrationWriteErrors.Add(1)
			debuglog.Logf("zidcache: migrating record peer=%s failed: %v", rec.ZID().Fingerprint(), err)
			continue
		}
		c.stats.migrated.Add(1)
		off += RecordLen
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("sync migrated cache %s: %w", path, err)
	}
	c.file = f
	debuglog.Debugf("zidcache: migrated %s, %d records carried over", path, c.stats.migrated.Load())
	return nil
}
