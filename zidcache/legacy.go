package zidcache

import (
	"zrtpcache/zid"
)

// Legacy on-disk format, consumed only by migration. Same 84-byte stride
// as the current format but the leading byte is a 0/1 validity flag, which
// is what lets the engine tell the formats apart from byte 0 of the file.
const legacyRecordLen = 4 + zid.Size + 2*SecretLen

// Legacy secret-flags bitfield. Positions differ from the current format.
const (
	legacyRS1Valid    = 1 << 0
	legacyRS2Valid    = 1 << 1
	legacySASVerified = 1 << 2
)

const (
	legacyOffValid       = 0
	legacyOffOwn         = 1
	legacyOffSecretFlags = 2
	legacyOffZID         = 4
	legacyOffRS1         = legacyOffZID + zid.Size
	legacyOffRS2         = legacyOffRS1 + SecretLen
)

type legacyRecord struct {
	zid         zid.ZID
	own         bool
	valid       bool
	secretFlags byte
	rs1         [SecretLen]byte
	rs2         [SecretLen]byte
}

func unmarshalLegacyRecord(buf []byte) (legacyRecord, error) {
	if len(buf) != legacyRecordLen {
		return legacyRecord{}, ErrBadRecordLength
	}
	var r legacyRecord
	r.valid = buf[legacyOffValid] != 0
	r.own = buf[legacyOffOwn] != 0
	r.secretFlags = buf[legacyOffSecretFlags]
	copy(r.zid[:], buf[legacyOffZID:legacyOffZID+zid.Size])
	copy(r.rs1[:], buf[legacyOffRS1:legacyOffRS1+SecretLen])
	copy(r.rs2[:], buf[legacyOffRS2:legacyOffRS2+SecretLen])
	return r, nil
}

// translateLegacy builds a current-format record from a valid legacy peer
// record. The legacy field names are authoritative for the slot mapping:
// legacy RS1 stays the primary secret, legacy RS2 the secondary.
func translateLegacy(old legacyRecord) *Record {
	rec := NewRecord(old.zid)
	rec.MarkValid()
	if old.secretFlags&legacySASVerified != 0 {
		rec.MarkVerified()
	}
	// Secret bytes carry over unconditionally; the generation-validity
	// bits translate to the current flag positions.
	rec.rs1 = old.rs1
	rec.rs2 = old.rs2
	if old.secretFlags&legacyRS1Valid != 0 {
		rec.flags |= flagRS1Valid
	}
	if old.secretFlags&legacyRS2Valid != 0 {
		rec.flags |= flagRS2Valid
	}
	return rec
}
