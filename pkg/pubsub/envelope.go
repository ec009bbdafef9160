package pubsub

import (
	"encoding/binary"
	"errors"
)

const envelopeVersion = 1

// ErrBadEnvelope is returned for payloads that were not produced by
// EncodeEnvelope.
var ErrBadEnvelope = errors.New("pubsub: malformed envelope")

// EncodeEnvelope prefixes payload with the reply subject, for drivers whose
// transport has no reply field.
func EncodeEnvelope(reply string, payload []byte) []byte {
	out := make([]byte, 0, 3+len(reply)+len(payload))
	out = append(out, envelopeVersion)
	out = binary.BigEndian.AppendUint16(out, uint16(len(reply)))
	out = append(out, reply...)
	return append(out, payload...)
}

// DecodeEnvelope reverses EncodeEnvelope.
func DecodeEnvelope(b []byte) (reply string, payload []byte, err error) {
	if len(b) < 3 || b[0] != envelopeVersion {
		return "", nil, ErrBadEnvelope
	}
	n := int(binary.BigEndian.Uint16(b[1:3]))
	if len(b) < 3+n {
		return "", nil, ErrBadEnvelope
	}
	return string(b[3 : 3+n]), b[3+n:], nil
}
