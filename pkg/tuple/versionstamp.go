package tuple

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Versionstamp is a 12 byte, globally ordered value assigned at commit time:
// a 10 byte transaction version followed by a 2 byte user version that
// orders writes made by the same transaction.
type Versionstamp struct {
	TransactionVersion [10]byte
	UserVersion        uint16
}

var incompleteTxVersion = [10]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// IncompleteVersionstamp returns a placeholder that the store replaces with
// the commit version when the key or value is written with a versionstamp
// mutation.
func IncompleteVersionstamp(userVersion uint16) Versionstamp {
	return Versionstamp{TransactionVersion: incompleteTxVersion, UserVersion: userVersion}
}

// IsComplete reports whether the transaction version has been assigned.
func (v Versionstamp) IsComplete() bool {
	return v.TransactionVersion != incompleteTxVersion
}

// Bytes returns the 12 byte big-endian encoding.
func (v Versionstamp) Bytes() []byte {
	b := make([]byte, 12)
	copy(b, v.TransactionVersion[:])
	binary.BigEndian.PutUint16(b[10:], v.UserVersion)
	return b
}

// Compare orders versionstamps bytewise.
func (v Versionstamp) Compare(o Versionstamp) int {
	return bytes.Compare(v.Bytes(), o.Bytes())
}

func (v Versionstamp) String() string {
	return fmt.Sprintf("%s:%d", hex.EncodeToString(v.TransactionVersion[:]), v.UserVersion)
}

// VersionstampFromBytes decodes a 12 byte versionstamp.
func VersionstampFromBytes(b []byte) (Versionstamp, error) {
	if len(b) != 12 {
		return Versionstamp{}, fmt.Errorf("%w: versionstamp must be 12 bytes, got %d", ErrInvalidEncoding, len(b))
	}
	var v Versionstamp
	copy(v.TransactionVersion[:], b[:10])
	v.UserVersion = binary.BigEndian.Uint16(b[10:])
	return v, nil
}

// CommitVersionstamp builds the transaction version part from a commit
// version and batch order, the way the store assigns it.
func CommitVersionstamp(commitVersion uint64, batch uint16, userVersion uint16) Versionstamp {
	var v Versionstamp
	binary.BigEndian.PutUint64(v.TransactionVersion[:8], commitVersion)
	binary.BigEndian.PutUint16(v.TransactionVersion[8:], batch)
	v.UserVersion = userVersion
	return v
}
