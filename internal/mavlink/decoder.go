package mavlink

import (
	"crypto/subtle"
	"errors"
	"fmt"
)

// Decode failure reasons, used as metric labels and log fields.
const (
	ReasonGarbage      = "garbage"
	ReasonBadCRC       = "crc"
	ReasonIncompatFlag = "incompat"
	ReasonUnknownMsg   = "unknown_msgid"
	ReasonBadSignature = "signature"
	ReasonTimestamp    = "timestamp"
	ReasonUnsigned     = "unsigned"
)

// DecodeError reports a corrupt chunk of input. The decoder has already
// discarded Skipped bytes and realigned on the next magic byte, so callers
// record the error and keep calling Next; a single bad byte never stalls
// the stream.
type DecodeError struct {
	Reason  string
	Skipped int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("mavlink: corrupt input (%s), skipped %d bytes", e.Reason, e.Skipped)
}

var errShort = errors.New("mavlink: short frame")

// Decoder extracts frames from a byte stream fed to Push in arbitrary
// chunks. One Decoder serves one inbound link: it buffers partial frames,
// so it must not be shared between links.
type Decoder struct {
	// Dialect supplies CRC_EXTRA bytes. Frames whose message ID is not in
	// the dialect pass through unvalidated unless Strict is set, the way
	// routers forward messages outside their dictionary.
	Dialect *Dialect

	// Key enables signature verification. When set, signed frames must
	// verify and advance the link's timestamp watermark; unsigned frames
	// are rejected unless AllowUnsigned is also set.
	Key           *SigningKey
	AllowUnsigned bool

	// Strict rejects frames whose checksum cannot be validated because
	// the message ID is unknown.
	Strict bool

	// Timestamps is the signature replay watermark. Hand successive
	// Decoders for the same link the same instance so captured frames
	// stay rejected after a reconnect; left nil, the Decoder keeps
	// private state for its own lifetime.
	Timestamps *LinkTimestamps

	buf []byte
}

// Push appends raw transport bytes to the decode buffer.
func (d *Decoder) Push(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next extracts the next frame from the buffered bytes. It returns
// (nil, nil) when no complete frame is buffered yet, and a *DecodeError
// after skipping corrupt input. Callers loop until both results are nil.
func (d *Decoder) Next() (*Frame, error) {
	if skip := d.skipToMagic(0); skip > 0 {
		return nil, &DecodeError{Reason: ReasonGarbage, Skipped: skip}
	}
	if len(d.buf) == 0 {
		return nil, nil
	}
	f, n, err := d.parse()
	if errors.Is(err, errShort) {
		return nil, nil
	}
	if err != nil {
		de := err.(*DecodeError)
		de.Skipped = d.skipToMagic(1)
		return nil, de
	}
	d.drop(n)
	return f, nil
}

// skipToMagic drops buffered bytes before the first magic byte at or after
// from, or the whole buffer when none remains, returning the count dropped.
func (d *Decoder) skipToMagic(from int) int {
	for i := from; i < len(d.buf); i++ {
		if d.buf[i] == MagicV1 || d.buf[i] == MagicV2 {
			d.drop(i)
			return i
		}
	}
	n := len(d.buf)
	d.drop(n)
	return n
}

func (d *Decoder) drop(n int) {
	if n == 0 {
		return
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

func (d *Decoder) parse() (*Frame, int, error) {
	if d.buf[0] == MagicV1 {
		return d.parseV1()
	}
	return d.parseV2()
}

func (d *Decoder) parseV1() (*Frame, int, error) {
	if len(d.buf) < headerLenV1+checksumLen {
		return nil, 0, errShort
	}
	pl := int(d.buf[1])
	total := headerLenV1 + pl + checksumLen
	if len(d.buf) < total {
		return nil, 0, errShort
	}
	b := d.buf[:total]
	f := &Frame{
		Version:     1,
		Sequence:    b[2],
		SystemID:    b[3],
		ComponentID: b[4],
		MsgID:       uint32(b[5]),
		Checksum:    uint16(b[total-2]) | uint16(b[total-1])<<8,
	}
	if err := d.checkCRC(f.MsgID, b[1:total-2], f.Checksum); err != nil {
		return nil, 0, err
	}
	if d.Key != nil && !d.AllowUnsigned {
		return nil, 0, &DecodeError{Reason: ReasonUnsigned}
	}
	f.Payload = append([]byte(nil), b[headerLenV1:headerLenV1+pl]...)
	f.raw = append([]byte(nil), b...)
	return f, total, nil
}

func (d *Decoder) parseV2() (*Frame, int, error) {
	if len(d.buf) < headerLenV2+checksumLen {
		return nil, 0, errShort
	}
	pl := int(d.buf[1])
	incompat := d.buf[2]
	if incompat&^uint8(IncompatFlagSigned) != 0 {
		return nil, 0, &DecodeError{Reason: ReasonIncompatFlag}
	}
	signed := incompat&IncompatFlagSigned != 0
	total := headerLenV2 + pl + checksumLen
	if signed {
		total += SignatureLen
	}
	if len(d.buf) < total {
		return nil, 0, errShort
	}
	b := d.buf[:total]
	crcEnd := headerLenV2 + pl + checksumLen
	f := &Frame{
		Version:       2,
		IncompatFlags: incompat,
		CompatFlags:   b[3],
		Sequence:      b[4],
		SystemID:      b[5],
		ComponentID:   b[6],
		MsgID:         uint32(b[7]) | uint32(b[8])<<8 | uint32(b[9])<<16,
		Checksum:      uint16(b[crcEnd-2]) | uint16(b[crcEnd-1])<<8,
	}
	if err := d.checkCRC(f.MsgID, b[1:crcEnd-2], f.Checksum); err != nil {
		return nil, 0, err
	}
	if signed {
		sig := &Signature{
			LinkID:    b[crcEnd],
			Timestamp: uint48(b[crcEnd+1 : crcEnd+7]),
		}
		copy(sig.Value[:], b[crcEnd+7:crcEnd+13])
		if d.Key != nil {
			if err := d.verifySignature(b[:crcEnd], sig); err != nil {
				return nil, 0, err
			}
		}
		f.Signature = sig
	} else if d.Key != nil && !d.AllowUnsigned {
		return nil, 0, &DecodeError{Reason: ReasonUnsigned}
	}
	f.Payload = append([]byte(nil), b[headerLenV2:headerLenV2+pl]...)
	f.raw = append([]byte(nil), b...)
	return f, total, nil
}

// checkCRC validates the checksum when the dialect knows the message.
// region covers the frame bytes after the magic through the payload.
func (d *Decoder) checkCRC(msgID uint32, region []byte, want uint16) error {
	extra, ok := dialectExtra(d.Dialect, msgID)
	if !ok {
		if d.Strict {
			return &DecodeError{Reason: ReasonUnknownMsg}
		}
		return nil
	}
	crc := newCRC()
	crc.addBytes(region)
	crc.add(extra)
	if crc.sum() != want {
		return &DecodeError{Reason: ReasonBadCRC}
	}
	return nil
}

// verifySignature checks the trailer against the link key and enforces a
// strictly increasing timestamp per link ID, rejecting replayed and
// backdated frames. Only frames that verified move the watermark.
func (d *Decoder) verifySignature(frameThroughCRC []byte, sig *Signature) error {
	want := signature48(d.Key, frameThroughCRC, sig.LinkID, sig.Timestamp)
	if subtle.ConstantTimeCompare(want[:], sig.Value[:]) != 1 {
		return &DecodeError{Reason: ReasonBadSignature}
	}
	if d.Timestamps == nil {
		d.Timestamps = &LinkTimestamps{}
	}
	if !d.Timestamps.Advance(sig.LinkID, sig.Timestamp) {
		return &DecodeError{Reason: ReasonTimestamp}
	}
	return nil
}

func dialectExtra(d *Dialect, id uint32) (byte, bool) {
	if d == nil {
		return 0, false
	}
	return d.CRCExtra(id)
}
