// Package mavlink implements the MAVLink v1/v2 wire format: streaming frame
// extraction with resynchronization, checksum validation against a dialect
// table, and per-link re-encoding including v2 signatures. Payloads are
// opaque bytes; only identity, length and integrity fields are interpreted.
package mavlink

const (
	// MagicV1 and MagicV2 are the frame start markers for the two wire
	// format versions.
	MagicV1 = 0xFE
	MagicV2 = 0xFD

	// MaxPayloadLen is the maximum payload length in both wire versions.
	MaxPayloadLen = 255

	// SignatureLen is the size of the optional v2 signature trailer:
	// link ID (1) + 48-bit timestamp (6) + truncated SHA-256 (6).
	SignatureLen = 13

	// IncompatFlagSigned marks a signed v2 frame. It is the only
	// incompatibility flag this implementation understands; frames with
	// other incompat bits set must be discarded per the protocol.
	IncompatFlagSigned = 0x01

	headerLenV1 = 6  // magic, len, seq, sysid, compid, msgid
	headerLenV2 = 10 // magic, len, incompat, compat, seq, sysid, compid, msgid[3]
	checksumLen = 2

	// MaxFrameLen is the largest possible wire frame (v2, full payload,
	// signed). Read buffers of this size always hold at least one frame.
	MaxFrameLen = headerLenV2 + MaxPayloadLen + checksumLen + SignatureLen
)

// Frame is one decoded MAVLink message.
type Frame struct {
	Version       uint8 // 1 or 2
	IncompatFlags uint8 // v2 only
	CompatFlags   uint8 // v2 only
	Sequence      uint8
	SystemID      uint8
	ComponentID   uint8
	MsgID         uint32 // 8-bit on the v1 wire, 24-bit on v2
	Payload       []byte
	Checksum      uint16
	Signature     *Signature // present on signed v2 frames

	raw []byte // wire bytes as received; nil for locally built frames
}

// Signature is the v2 signature trailer.
type Signature struct {
	LinkID    uint8
	Timestamp uint64 // 48-bit, 10us units since 2015-01-01 UTC
	Value     [6]byte
}

// Signed reports whether the frame carries a v2 signature.
func (f *Frame) Signed() bool {
	return f.Version == 2 && f.IncompatFlags&IncompatFlagSigned != 0
}

// Raw returns the frame's wire bytes exactly as they were received, or nil
// for frames built in-process. Callers must not modify the returned slice.
func (f *Frame) Raw() []byte { return f.raw }

// WireLen returns the encoded size of the frame on its own wire version.
func (f *Frame) WireLen() int {
	n := headerLenV1 + len(f.Payload) + checksumLen
	if f.Version == 2 {
		n = headerLenV2 + len(f.Payload) + checksumLen
		if f.Signed() {
			n += SignatureLen
		}
	}
	return n
}
