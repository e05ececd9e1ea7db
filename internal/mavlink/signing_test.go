package mavlink

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func fillKey(fill byte) *SigningKey {
	var k SigningKey
	for i := range k {
		k[i] = fill
	}
	return &k
}

func TestParseSigningKey(t *testing.T) {
	k, err := ParseSigningKey(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if k[0] != 0xAB || k[31] != 0xAB {
		t.Fatalf("key bytes = %x", k[:])
	}
	if _, err := ParseSigningKey("abcd"); err == nil {
		t.Fatal("short key accepted")
	}
	if _, err := ParseSigningKey(strings.Repeat("zz", 32)); err == nil {
		t.Fatal("non-hex key accepted")
	}
}

func TestSignatureTimestampDomain(t *testing.T) {
	epoch := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := SignatureTimestamp(epoch); got != 0 {
		t.Fatalf("timestamp at epoch = %d, want 0", got)
	}
	if got := SignatureTimestamp(epoch.Add(time.Second)); got != 100000 {
		t.Fatalf("timestamp at epoch+1s = %d, want 100000", got)
	}
	if got := SignatureTimestamp(epoch.Add(-time.Hour)); got != 0 {
		t.Fatalf("pre-epoch timestamp = %d, want 0", got)
	}
}

func TestUint48RoundTrip(t *testing.T) {
	var b [6]byte
	const v = 0x0000FEDCBA9876
	putUint48(b[:], v)
	if got := uint48(b[:]); got != v {
		t.Fatalf("uint48 round trip = %#x, want %#x", got, v)
	}
}

func signedHeartbeat(t *testing.T, key *SigningKey, linkID uint8) []byte {
	t.Helper()
	enc := &Encoder{Dialect: CommonDialect(), Key: key, LinkID: linkID}
	b, err := enc.Encode(&Frame{Version: 2, Sequence: 1, SystemID: 1, ComponentID: 1,
		MsgID: MsgIDHeartbeat, Payload: heartbeatPayload()})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func TestSignAndVerify(t *testing.T) {
	key := fillKey(0x42)
	b := signedHeartbeat(t, key, 3)

	if want := headerLenV2 + 9 + checksumLen + SignatureLen; len(b) != want {
		t.Fatalf("signed wire length = %d, want %d", len(b), want)
	}
	if b[2]&IncompatFlagSigned == 0 {
		t.Fatal("signed frame missing the signed incompat flag")
	}

	dec := &Decoder{Dialect: CommonDialect(), Key: key}
	dec.Push(b)
	f, err := dec.Next()
	if err != nil || f == nil {
		t.Fatalf("decode: frame=%v err=%v", f, err)
	}
	if !f.Signed() || f.Signature == nil {
		t.Fatal("decoded frame not signed")
	}
	if f.Signature.LinkID != 3 {
		t.Fatalf("link id = %d, want 3", f.Signature.LinkID)
	}
	if !bytes.Equal(f.Payload, heartbeatPayload()) {
		t.Fatalf("payload mismatch: %x", f.Payload)
	}
}

func TestSignedReplayRejected(t *testing.T) {
	key := fillKey(0x42)
	b := signedHeartbeat(t, key, 3)

	dec := &Decoder{Dialect: CommonDialect(), Key: key}
	dec.Push(b)
	if f, err := dec.Next(); err != nil || f == nil {
		t.Fatalf("first decode: frame=%v err=%v", f, err)
	}

	// Replaying the identical frame repeats its timestamp, which must not
	// pass the link's watermark.
	dec.Push(b)
	_, err := dec.Next()
	de, ok := err.(*DecodeError)
	if !ok || de.Reason != ReasonTimestamp {
		t.Fatalf("replay err = %v, want timestamp decode error", err)
	}
}

func TestSignedReplayRejectedAcrossDecoders(t *testing.T) {
	key := fillKey(0x42)
	b := signedHeartbeat(t, key, 3)

	shared := &LinkTimestamps{}
	dec := &Decoder{Dialect: CommonDialect(), Key: key, Timestamps: shared}
	dec.Push(b)
	if f, err := dec.Next(); err != nil || f == nil {
		t.Fatalf("first decode: frame=%v err=%v", f, err)
	}

	// A fresh decoder sharing the watermark stands in for the same link
	// after a reconnect; the captured frame must stay dead.
	dec2 := &Decoder{Dialect: CommonDialect(), Key: key, Timestamps: shared}
	dec2.Push(b)
	_, err := dec2.Next()
	de, ok := err.(*DecodeError)
	if !ok || de.Reason != ReasonTimestamp {
		t.Fatalf("cross-decoder replay err = %v, want timestamp decode error", err)
	}

	// Without the shared state each decoder starts blank, as before.
	dec3 := &Decoder{Dialect: CommonDialect(), Key: key}
	dec3.Push(b)
	if f, err := dec3.Next(); err != nil || f == nil {
		t.Fatalf("independent decode: frame=%v err=%v", f, err)
	}
}

func TestTamperedSignatureRejected(t *testing.T) {
	key := fillKey(0x42)
	b := signedHeartbeat(t, key, 3)
	b[len(b)-1] ^= 0xFF

	dec := &Decoder{Dialect: CommonDialect(), Key: key}
	dec.Push(b)
	_, err := dec.Next()
	de, ok := err.(*DecodeError)
	if !ok || de.Reason != ReasonBadSignature {
		t.Fatalf("err = %v, want signature decode error", err)
	}
}

func TestWrongKeyRejected(t *testing.T) {
	b := signedHeartbeat(t, fillKey(0x42), 3)

	dec := &Decoder{Dialect: CommonDialect(), Key: fillKey(0x43)}
	dec.Push(b)
	_, err := dec.Next()
	de, ok := err.(*DecodeError)
	if !ok || de.Reason != ReasonBadSignature {
		t.Fatalf("err = %v, want signature decode error", err)
	}
}

func TestUnsignedRejectedWhenKeyed(t *testing.T) {
	key := fillKey(0x42)
	v2 := mustMarshal(t, &Frame{Version: 2, Sequence: 1, SystemID: 1, ComponentID: 1,
		MsgID: MsgIDHeartbeat, Payload: heartbeatPayload()})

	dec := &Decoder{Dialect: CommonDialect(), Key: key}
	dec.Push(v2)
	_, err := dec.Next()
	de, ok := err.(*DecodeError)
	if !ok || de.Reason != ReasonUnsigned {
		t.Fatalf("v2 err = %v, want unsigned decode error", err)
	}

	v1 := mustMarshal(t, &Frame{Version: 1, Sequence: 1, SystemID: 1, ComponentID: 1,
		MsgID: MsgIDHeartbeat, Payload: heartbeatPayload()})
	dec2 := &Decoder{Dialect: CommonDialect(), Key: key}
	dec2.Push(v1)
	_, err = dec2.Next()
	de, ok = err.(*DecodeError)
	if !ok || de.Reason != ReasonUnsigned {
		t.Fatalf("v1 err = %v, want unsigned decode error", err)
	}

	lenient := &Decoder{Dialect: CommonDialect(), Key: key, AllowUnsigned: true}
	lenient.Push(v2)
	if f, err := lenient.Next(); err != nil || f == nil {
		t.Fatalf("lenient decode: frame=%v err=%v", f, err)
	}
}

func TestSigningTimestampsMonotonic(t *testing.T) {
	key := fillKey(0x42)
	enc := &Encoder{Dialect: CommonDialect(), Key: key, LinkID: 1}
	f := &Frame{Version: 2, Sequence: 1, SystemID: 1, ComponentID: 1,
		MsgID: MsgIDHeartbeat, Payload: heartbeatPayload()}

	var last uint64
	for i := 0; i < 5; i++ {
		b, err := enc.Encode(f)
		if err != nil {
			t.Fatalf("encode %d: %v", i, err)
		}
		ts := uint48(b[len(b)-12 : len(b)-6])
		if ts <= last {
			t.Fatalf("encode %d: timestamp %d not past %d", i, ts, last)
		}
		last = ts
	}
}

func TestReSignOnDifferentLink(t *testing.T) {
	keyA, keyB := fillKey(0x01), fillKey(0x02)
	b := signedHeartbeat(t, keyA, 1)

	dec := &Decoder{Dialect: CommonDialect(), Key: keyA}
	dec.Push(b)
	f, err := dec.Next()
	if err != nil || f == nil {
		t.Fatalf("decode: frame=%v err=%v", f, err)
	}

	out := &Encoder{Dialect: CommonDialect(), Key: keyB, LinkID: 7}
	b2, err := out.Encode(f)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if bytes.Equal(b, b2) {
		t.Fatal("re-signed frame identical to original")
	}

	dec2 := &Decoder{Dialect: CommonDialect(), Key: keyB}
	dec2.Push(b2)
	f2, err := dec2.Next()
	if err != nil || f2 == nil {
		t.Fatalf("verify re-signed: frame=%v err=%v", f2, err)
	}
	if f2.Signature.LinkID != 7 {
		t.Fatalf("re-signed link id = %d, want 7", f2.Signature.LinkID)
	}
	if !bytes.Equal(f2.Payload, f.Payload) {
		t.Fatal("payload changed across re-signing")
	}
}

func TestSigningUnknownMessageFails(t *testing.T) {
	private := NewDialect()
	private.Register(60000, 17)
	b, err := Marshal(&Frame{Version: 2, Sequence: 1, SystemID: 1, ComponentID: 1,
		MsgID: 60000, Payload: []byte{1, 2, 3}}, private)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	dec := &Decoder{Dialect: CommonDialect()}
	dec.Push(b)
	f, err := dec.Next()
	if err != nil || f == nil {
		t.Fatalf("decode: frame=%v err=%v", f, err)
	}

	// The signed flag lives inside the checksum region, so signing needs
	// the checksum recomputed, which is impossible without CRC_EXTRA.
	enc := &Encoder{Dialect: CommonDialect(), Key: fillKey(0x42), LinkID: 1}
	if _, err := enc.Encode(f); err != ErrUnknownMessage {
		t.Fatalf("err = %v, want ErrUnknownMessage", err)
	}

	// An unsigned link forwards the same frame verbatim.
	plain := &Encoder{Dialect: CommonDialect()}
	out, err := plain.Encode(f)
	if err != nil {
		t.Fatalf("passthrough: %v", err)
	}
	if !bytes.Equal(out, b) {
		t.Fatal("passthrough altered wire bytes")
	}
}

func TestEncoderPassesThroughV1OnSignedLink(t *testing.T) {
	v1 := mustMarshal(t, &Frame{Version: 1, Sequence: 1, SystemID: 1, ComponentID: 1,
		MsgID: MsgIDHeartbeat, Payload: heartbeatPayload()})
	dec := &Decoder{Dialect: CommonDialect()}
	dec.Push(v1)
	f, err := dec.Next()
	if err != nil || f == nil {
		t.Fatalf("decode: frame=%v err=%v", f, err)
	}

	enc := &Encoder{Dialect: CommonDialect(), Key: fillKey(0x42), LinkID: 1}
	out, err := enc.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(out, v1) {
		t.Fatal("v1 frame was rewritten on a signing link")
	}
}
