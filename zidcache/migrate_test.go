package zidcache_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"zrtpcache/zid"
	"zrtpcache/zidcache"
)

// Legacy secret-flags bits, as written by the old format.
const (
	oldRS1Valid    = 1 << 0
	oldRS2Valid    = 1 << 1
	oldSASVerified = 1 << 2
)

// legacyBytes builds one record in the retired on-disk layout:
// valid(1) own(1) secretFlags(1) reserved(1) zid(16) rs1(32) rs2(32).
func legacyBytes(valid, own bool, secretFlags byte, z zid.ZID, rs1, rs2 []byte) []byte {
	buf := make([]byte, zidcache.RecordLen)
	if valid {
		buf[0] = 1
	}
	if own {
		buf[1] = 1
	}
	buf[2] = secretFlags
	copy(buf[4:], z.Bytes())
	copy(buf[4+zid.Size:], rs1)
	copy(buf[4+zid.Size+zidcache.SecretLen:], rs2)
	return buf
}

func writeLegacyFile(t *testing.T, path string, records ...[]byte) {
	t.Helper()
	var buf bytes.Buffer
	for _, rec := range records {
		buf.Write(rec)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		t.Fatalf("write legacy file failed: %v", err)
	}
}

func TestMigrationCarriesTrustState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.zid")
	own := testZID(t, 0x0a)
	verified := testZID(t, 0x0b)
	plain := testZID(t, 0x0c)
	dropped := testZID(t, 0x0d)

	writeLegacyFile(t, path,
		legacyBytes(true, true, 0, own, nil, nil),
		legacyBytes(true, false, oldRS1Valid|oldRS2Valid|oldSASVerified, verified, testSecret(0x11), testSecret(0x22)),
		legacyBytes(false, false, oldRS1Valid, dropped, testSecret(0x33), nil),
		legacyBytes(true, false, 0, plain, nil, nil),
		// A stray duplicate of the own record further down is skipped.
		legacyBytes(true, true, 0, own, nil, nil),
	)

	c := openCache(t, path)
	if c.OwnZID() != own {
		t.Fatalf("own zid not preserved: %s vs %s", c.OwnZID(), own)
	}
	if got := fileSize(t, path); got != 3*zidcache.RecordLen {
		t.Fatalf("expected own + 2 peers after migration, file size %d", got)
	}
	if st := c.Stats(); st.Migrated != 2 || st.MigrationWriteErrors != 0 {
		t.Fatalf("unexpected migration stats: %+v", st)
	}

	rec, err := c.GetRecord(verified)
	if err != nil {
		t.Fatalf("get verified peer failed: %v", err)
	}
	if !rec.IsValid() || !rec.IsVerified() {
		t.Fatalf("verified peer flags lost: valid=%v verified=%v", rec.IsValid(), rec.IsVerified())
	}
	p := rec.Secret(zidcache.SecretPrimary)
	s := rec.Secret(zidcache.SecretSecondary)
	if !bytes.Equal(p[:], testSecret(0x11)) {
		t.Fatalf("legacy rs1 must map to the primary slot")
	}
	if !bytes.Equal(s[:], testSecret(0x22)) {
		t.Fatalf("legacy rs2 must map to the secondary slot")
	}
	if !rec.SecretValid(zidcache.SecretPrimary) || !rec.SecretValid(zidcache.SecretSecondary) {
		t.Fatalf("secret validity bits lost in translation")
	}

	rec2, err := c.GetRecord(plain)
	if err != nil {
		t.Fatalf("get plain peer failed: %v", err)
	}
	if rec2.IsVerified() || rec2.SecretValid(zidcache.SecretPrimary) {
		t.Fatalf("plain peer gained flags in translation")
	}

	// The invalid legacy record must not resurface.
	if got := fileSize(t, path); got != 3*zidcache.RecordLen {
		t.Fatalf("lookups changed record count, file size %d", got)
	}
	if _, err := os.Stat(path + ".save"); err != nil {
		t.Fatalf("expected legacy file renamed aside: %v", err)
	}
}

func TestMigrationRunsOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.zid")
	own := testZID(t, 0x0a)
	peer := testZID(t, 0x0b)
	writeLegacyFile(t, path,
		legacyBytes(true, true, 0, own, nil, nil),
		legacyBytes(true, false, oldSASVerified, peer, nil, nil),
	)

	c := openCache(t, path)
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	c2 := openCache(t, path)
	if c2.OwnZID() != own {
		t.Fatalf("own zid changed on second open: %s", c2.OwnZID())
	}
	if st := c2.Stats(); st.Migrated != 0 {
		t.Fatalf("migration ran again on a current-format file: %+v", st)
	}
	rec, err := c2.GetRecord(peer)
	if err != nil {
		t.Fatalf("get peer failed: %v", err)
	}
	if !rec.IsVerified() {
		t.Fatalf("expected verified flag after reopen")
	}
}

func TestMigrationAbortsOnBadLeadRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.zid")
	writeLegacyFile(t, path,
		legacyBytes(true, false, 0, testZID(t, 0x0e), nil, nil),
	)
	c := zidcache.New(zidcache.Options{})
	if err := c.Open(path); !errors.Is(err, zidcache.ErrMigrationAborted) {
		t.Fatalf("expected migration aborted, got %v", err)
	}
	if c.IsOpen() {
		t.Fatalf("expected cache closed after aborted migration")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected no new-format file after abort")
	}
	if _, err := os.Stat(path + ".save"); err != nil {
		t.Fatalf("expected legacy file kept aside: %v", err)
	}
}

func TestMigrationAbortsOnEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.zid")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatalf("write empty file failed: %v", err)
	}
	c := zidcache.New(zidcache.Options{})
	if err := c.Open(path); !errors.Is(err, zidcache.ErrMigrationAborted) {
		t.Fatalf("expected migration aborted, got %v", err)
	}
}

func TestMigrationRenameFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.zid")
	oldOwn := testZID(t, 0x0a)
	writeLegacyFile(t, path,
		legacyBytes(true, true, 0, oldOwn, nil, nil),
		legacyBytes(true, false, oldSASVerified, testZID(t, 0x0b), nil, nil),
	)
	// Occupy the sibling name with a non-empty directory so the rename
	// cannot succeed.
	if err := os.Mkdir(path+".save", 0700); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(path+".save", "x"), []byte("x"), 0600); err != nil {
		t.Fatalf("write blocker failed: %v", err)
	}

	c := openCache(t, path)
	if c.OwnZID().IsZero() {
		t.Fatalf("expected fresh own zid")
	}
	if c.OwnZID() == oldOwn {
		t.Fatalf("fallback must regenerate the identity, not reuse the unreadable one")
	}
	if got := fileSize(t, path); got != zidcache.RecordLen {
		t.Fatalf("expected fresh cache with only the own record, file size %d", got)
	}
}
