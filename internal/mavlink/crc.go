package mavlink

// crcX25 accumulates the X.25 checksum (CRC-16/MCRF4XX) used by MAVLink.
// The checksum covers every frame byte after the magic through the end of
// the payload, followed by the message's dialect CRC_EXTRA byte.
type crcX25 uint16

func newCRC() crcX25 { return 0xFFFF }

func (c *crcX25) add(b byte) {
	tmp := b ^ byte(*c&0xFF)
	tmp ^= tmp << 4
	*c = (*c >> 8) ^ (crcX25(tmp) << 8) ^ (crcX25(tmp) << 3) ^ (crcX25(tmp) >> 4)
}

func (c *crcX25) addBytes(p []byte) {
	for _, b := range p {
		c.add(b)
	}
}

func (c crcX25) sum() uint16 { return uint16(c) }
