package mavlink

import (
	"errors"
	"time"
)

var (
	// ErrUnknownMessage reports a message ID missing from the dialect.
	// Without its CRC_EXTRA byte the checksum cannot be recomputed, so
	// such frames can only be forwarded verbatim, never rebuilt.
	ErrUnknownMessage = errors.New("mavlink: unknown message id")

	// ErrBadFrame reports a frame whose fields cannot be expressed on its
	// wire version.
	ErrBadFrame = errors.New("mavlink: malformed frame")
)

// Encoder serializes frames for one outbound link. Unsigned links forward
// the validated wire bytes of decoded frames untouched; a signing link
// rebuilds every v2 frame, recomputing the checksum over the new incompat
// flags and attaching a signature with a strictly increasing timestamp.
// v1 frames have no signature slot and always go out as-is.
type Encoder struct {
	Dialect *Dialect
	Key     *SigningKey
	LinkID  uint8

	lastTimestamp uint64
}

// Encode returns the wire bytes for f on this link. It never mutates f,
// which is shared across all destinations of a routed frame.
func (e *Encoder) Encode(f *Frame) ([]byte, error) {
	if e.Key != nil && f.Version == 2 {
		return e.marshal(f, true)
	}
	if raw := f.Raw(); raw != nil {
		return raw, nil
	}
	return e.marshal(f, false)
}

func (e *Encoder) marshal(f *Frame, sign bool) ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, ErrBadFrame
	}
	extra, ok := dialectExtra(e.Dialect, f.MsgID)
	if !ok {
		return nil, ErrUnknownMessage
	}
	switch f.Version {
	case 1:
		if f.MsgID > 0xFF {
			return nil, ErrBadFrame
		}
		b := make([]byte, 0, headerLenV1+len(f.Payload)+checksumLen)
		b = append(b, MagicV1, byte(len(f.Payload)), f.Sequence, f.SystemID, f.ComponentID, byte(f.MsgID))
		b = append(b, f.Payload...)
		return appendChecksum(b, extra), nil
	case 2:
		if f.MsgID > 0xFFFFFF {
			return nil, ErrBadFrame
		}
		incompat := f.IncompatFlags &^ uint8(IncompatFlagSigned)
		if sign {
			incompat |= IncompatFlagSigned
		}
		n := headerLenV2 + len(f.Payload) + checksumLen
		if sign {
			n += SignatureLen
		}
		b := make([]byte, 0, n)
		b = append(b, MagicV2, byte(len(f.Payload)), incompat, f.CompatFlags,
			f.Sequence, f.SystemID, f.ComponentID,
			byte(f.MsgID), byte(f.MsgID>>8), byte(f.MsgID>>16))
		b = append(b, f.Payload...)
		b = appendChecksum(b, extra)
		if sign {
			b = e.appendSignature(b)
		}
		return b, nil
	default:
		return nil, ErrBadFrame
	}
}

// appendChecksum computes the X.25 checksum over the frame bytes after the
// magic plus the message's CRC_EXTRA byte, and appends it little-endian.
func appendChecksum(b []byte, extra byte) []byte {
	crc := newCRC()
	crc.addBytes(b[1:])
	crc.add(extra)
	s := crc.sum()
	return append(b, byte(s), byte(s>>8))
}

// appendSignature signs the frame bytes through the checksum with the link
// key. The timestamp is bumped past the previous one when the clock has
// not advanced, so no two frames on the link ever share a timestamp.
func (e *Encoder) appendSignature(b []byte) []byte {
	ts := SignatureTimestamp(time.Now())
	if ts <= e.lastTimestamp {
		ts = e.lastTimestamp + 1
	}
	e.lastTimestamp = ts
	sig := signature48(e.Key, b, e.LinkID, ts)
	b = append(b, e.LinkID)
	var ts6 [6]byte
	putUint48(ts6[:], ts)
	b = append(b, ts6[:]...)
	return append(b, sig[:]...)
}

// Marshal serializes a frame with a freshly computed checksum and no
// signature, ignoring any wire bytes the frame may carry. Local frame
// builders use it to materialize frames they construct field by field.
func Marshal(f *Frame, d *Dialect) ([]byte, error) {
	e := Encoder{Dialect: d}
	return e.marshal(f, false)
}
