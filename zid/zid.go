// Package zid defines the fixed-length endpoint identifier used by the
// continuity cache.
package zid

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/sha3"
)

// Size is the length of a ZID in bytes.
const Size = 16

type ZID [Size]byte

var ErrBadLength = errors.New("bad zid length")

// Random draws a fresh ZID from r. A nil r falls back to crypto/rand.
func Random(r io.Reader) (ZID, error) {
	if r == nil {
		r = rand.Reader
	}
	var z ZID
	if _, err := io.ReadFull(r, z[:]); err != nil {
		return ZID{}, fmt.Errorf("zid random: %w", err)
	}
	return z, nil
}

func FromBytes(b []byte) (ZID, error) {
	if len(b) != Size {
		return ZID{}, ErrBadLength
	}
	var z ZID
	copy(z[:], b)
	return z, nil
}

func (z ZID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, z[:])
	return out
}

func (z ZID) String() string {
	return hex.EncodeToString(z[:])
}

func (z ZID) IsZero() bool {
	return z == ZID{}
}

// Fingerprint returns a short digest of the ZID for diagnostics and log
// output. ZIDs are long-lived linkable identifiers, so logs carry the
// fingerprint instead of the raw value.
func (z ZID) Fingerprint() string {
	buf := make([]byte, 0, len("zid:fp:v1")+Size)
	buf = append(buf, []byte("zid:fp:v1")...)
	buf = append(buf, z[:]...)
	sum := sha3.Sum256(buf)
	return hex.EncodeToString(sum[:8])
}
