package zidcache

import (
	"errors"
	"fmt"

	"zrtpcache/zid"
)

const (
	// SecretLen is the length of one continuity secret slot.
	SecretLen = 32

	// RecordLen is the on-disk size of one current-format record.
	RecordLen = 4 + zid.Size + 2*SecretLen

	// recordVersion marks the current format. Both bytes of a legacy
	// record that can appear at offset 0 are 0 or 1, so any leading byte
	// >= recordVersion identifies a current-format file.
	recordVersion = 2
)

// Flag bits of the current format.
const (
	flagValid       = 1 << 0
	flagSASVerified = 1 << 1
	flagRS1Valid    = 1 << 2
	flagRS2Valid    = 1 << 3
	flagOwn         = 1 << 4
)

// Byte offsets within a current-format record.
const (
	offVersion = 0
	offFlags   = 1
	offZID     = 4
	offRS1     = offZID + zid.Size
	offRS2     = offRS1 + SecretLen
)

// SecretSlot selects one of the two rolling continuity secret fields.
type SecretSlot int

const (
	SecretPrimary SecretSlot = iota
	SecretSecondary
)

var (
	ErrBadRecordLength = errors.New("bad record length")
	ErrBadSecretLength = errors.New("bad secret length")
	errBadSecretSlot   = errors.New("bad secret slot")
)

// Record is the in-memory view of one cache entry. The file offset is
// transient bookkeeping for a later in-place rewrite; it is owned by the
// engine and never persisted.
type Record struct {
	zid    zid.ZID
	flags  byte
	rs1    [SecretLen]byte
	rs2    [SecretLen]byte
	offset int64
}

// NewRecord returns a blank record for the given ZID. The caller marks
// validity and fills secrets through the accessors.
func NewRecord(z zid.ZID) *Record {
	return &Record{zid: z, offset: -1}
}

func (r *Record) ZID() zid.ZID { return r.zid }

func (r *Record) SetZID(z zid.ZID) { r.zid = z }

func (r *Record) IsOwn() bool { return r.flags&flagOwn != 0 }

func (r *Record) IsValid() bool { return r.flags&flagValid != 0 }

func (r *Record) IsVerified() bool { return r.flags&flagSASVerified != 0 }

func (r *Record) Offset() int64 { return r.offset }

func (r *Record) SetOffset(n int64) { r.offset = n }

// MarkOwn flags the record as the own-identity record. An own record is
// always valid.
func (r *Record) MarkOwn() {
	r.flags |= flagOwn | flagValid
}

func (r *Record) MarkValid() {
	r.flags |= flagValid
}

func (r *Record) MarkVerified() {
	r.flags |= flagSASVerified
}

// ResetVerified revokes a previous SAS confirmation, e.g. after the peer
// reported a compromised endpoint.
func (r *Record) ResetVerified() {
	r.flags &^= flagSASVerified
}

// SetSecret overwrites one secret slot and marks it valid. The other slot
// is untouched.
func (r *Record) SetSecret(slot SecretSlot, b []byte) error {
	if len(b) != SecretLen {
		return ErrBadSecretLength
	}
	switch slot {
	case SecretPrimary:
		copy(r.rs1[:], b)
		r.flags |= flagRS1Valid
	case SecretSecondary:
		copy(r.rs2[:], b)
		r.flags |= flagRS2Valid
	default:
		return errBadSecretSlot
	}
	return nil
}

func (r *Record) Secret(slot SecretSlot) [SecretLen]byte {
	if slot == SecretSecondary {
		return r.rs2
	}
	return r.rs1
}

func (r *Record) SecretValid(slot SecretSlot) bool {
	if slot == SecretSecondary {
		return r.flags&flagRS2Valid != 0
	}
	return r.flags&flagRS1Valid != 0
}

// RotateSecret pushes a fresh primary secret: the old primary moves to the
// secondary slot (keeping its validity) and newPrimary becomes the valid
// primary. This is the rolling update applied after each successful
// key agreement.
func (r *Record) RotateSecret(newPrimary []byte) error {
	if len(newPrimary) != SecretLen {
		return ErrBadSecretLength
	}
	r.rs2 = r.rs1
	if r.flags&flagRS1Valid != 0 {
		r.flags |= flagRS2Valid
	} else {
		r.flags &^= flagRS2Valid
	}
	copy(r.rs1[:], newPrimary)
	r.flags |= flagRS1Valid
	return nil
}

// Marshal encodes the record into its fixed-length current-format layout.
func (r *Record) Marshal() []byte {
	buf := make([]byte, RecordLen)
	buf[offVersion] = recordVersion
	buf[offFlags] = r.flags
	copy(buf[offZID:], r.zid[:])
	copy(buf[offRS1:], r.rs1[:])
	copy(buf[offRS2:], r.rs2[:])
	return buf
}

// UnmarshalRecord decodes one current-format record buffer. The returned
// record carries no file offset; the engine sets it.
func UnmarshalRecord(buf []byte) (*Record, error) {
	if len(buf) != RecordLen {
		return nil, ErrBadRecordLength
	}
	if buf[offVersion] < recordVersion {
		return nil, fmt.Errorf("record version %d: %w", buf[offVersion], ErrInvalidFormat)
	}
	r := &Record{flags: buf[offFlags], offset: -1}
	copy(r.zid[:], buf[offZID:offZID+zid.Size])
	copy(r.rs1[:], buf[offRS1:offRS1+SecretLen])
	copy(r.rs2[:], buf[offRS2:offRS2+SecretLen])
	return r, nil
}
