package mavlink

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// sigEpochMicros is the MAVLink signature epoch, 2015-01-01T00:00:00Z, in
// microseconds since the Unix epoch. Signature timestamps count 10us
// increments from this point.
const sigEpochMicros = 1420070400000000

// SigningKey is the 32-byte shared secret used to sign and verify v2
// frames on a link.
type SigningKey [32]byte

// ParseSigningKey decodes a 64-digit hex string into a signing key.
func ParseSigningKey(s string) (*SigningKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	if len(b) != len(SigningKey{}) {
		return nil, fmt.Errorf("signing key: need %d bytes, got %d", len(SigningKey{}), len(b))
	}
	var k SigningKey
	copy(k[:], b)
	return &k, nil
}

// LinkTimestamps holds the newest accepted signature timestamp per link
// ID. Decoders created for the same endpoint share one instance, so the
// replay watermark survives reconnects. Safe for concurrent use.
type LinkTimestamps struct {
	mu   sync.Mutex
	last map[uint8]uint64
}

// Advance records ts for linkID when it is newer than every timestamp
// accepted on that link so far, reporting whether it was.
func (t *LinkTimestamps) Advance(linkID uint8, ts uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.last[linkID]; ok && ts <= last {
		return false
	}
	if t.last == nil {
		t.last = make(map[uint8]uint64)
	}
	t.last[linkID] = ts
	return true
}

// SignatureTimestamp converts a wall-clock time to the 48-bit signature
// timestamp domain.
func SignatureTimestamp(now time.Time) uint64 {
	us := now.UnixMicro() - sigEpochMicros
	if us < 0 {
		us = 0
	}
	return uint64(us/10) & 0xFFFFFFFFFFFF
}

// signature48 computes the truncated SHA-256 signature over the secret
// key, the frame bytes from the magic through the checksum, and the
// trailer's link ID and timestamp.
func signature48(key *SigningKey, frameThroughCRC []byte, linkID uint8, timestamp uint64) [6]byte {
	h := sha256.New()
	h.Write(key[:])
	h.Write(frameThroughCRC)
	var trailer [7]byte
	trailer[0] = linkID
	putUint48(trailer[1:], timestamp)
	h.Write(trailer[:])
	var out [6]byte
	copy(out[:], h.Sum(nil))
	return out
}

func putUint48(p []byte, v uint64) {
	p[0] = byte(v)
	p[1] = byte(v >> 8)
	p[2] = byte(v >> 16)
	p[3] = byte(v >> 24)
	p[4] = byte(v >> 32)
	p[5] = byte(v >> 40)
}

func uint48(p []byte) uint64 {
	return uint64(p[0]) | uint64(p[1])<<8 | uint64(p[2])<<16 |
		uint64(p[3])<<24 | uint64(p[4])<<32 | uint64(p[5])<<40
}
