// Package etag implements the 16-byte totally-ordered identifier used to
// track position in the document and attachment streams (spec.md §3).
package etag

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/pkg/errors"
)

var errEtagFormat = errors.New("malformed etag")

// Etag is the opaque, monotonic, totally-ordered identifier assigned to
// every document and attachment write. Documents and attachments are
// separate streams, each with their own etag sequence. The zero value
// means "before the first record".
type Etag [16]byte

// ZeroEtag is "before the first record" in any stream.
var ZeroEtag Etag

// Compare returns -1, 0, or 1 as e is less than, equal to, or greater than
// other, treating the 16 bytes as a big-endian unsigned integer.
func (e Etag) Compare(other Etag) int {
	return bytes.Compare(e[:], other[:])
}

// Less reports whether e sorts strictly before other.
func (e Etag) Less(other Etag) bool {
	return e.Compare(other) < 0
}

// IsZero reports whether e is the zero etag.
func (e Etag) IsZero() bool {
	return e == ZeroEtag
}

// String renders the etag as hex, for logs and diagnostics.
func (e Etag) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalJSON renders the etag as a hex string, matching the wire shape
// documents/attachments carry in §6.
func (e Etag) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.String() + `"`), nil
}

// UnmarshalJSON parses a hex-string etag.
func (e *Etag) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return errEtagFormat
	}
	raw, err := hex.DecodeString(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	if len(raw) != len(e) {
		return errEtagFormat
	}
	copy(e[:], raw)
	return nil
}

// Uint64 reads the low 8 bytes as a big-endian unsigned integer, for
// callers (gauges, log lines) that need a plain number rather than the
// opaque 16-byte value.
func (e Etag) Uint64() uint64 {
	return binary.BigEndian.Uint64(e[8:])
}
