package endpoint

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joaoantoniocardoso/mavlink-server/internal/mavlink"
)

// ErrBadSpec reports an endpoint spec string that cannot be parsed or
// validated. Only the offending endpoint fails; the process keeps going.
var ErrBadSpec = errors.New("endpoint: invalid spec")

// Kind names a transport flavor. The values double as URL schemes.
type Kind string

const (
	KindSerial     Kind = "serial"
	KindTCPClient  Kind = "tcpout"
	KindTCPServer  Kind = "tcpin"
	KindUDPClient  Kind = "udpout"
	KindUDPServer  Kind = "udpin"
	KindWSServer   Kind = "ws"
	KindFakeSource Kind = "fakesource"
	KindFakeSink   Kind = "fakesink"
)

// listener reports whether the kind binds a socket and spawns transient
// children per peer instead of carrying traffic itself.
func (k Kind) listener() bool {
	return k == KindTCPServer || k == KindUDPServer || k == KindWSServer
}

// Direction constrains the flow through an endpoint, seen from the router:
// "in" only feeds frames into the router, "out" only consumes them.
type Direction string

const (
	DirBoth Direction = "both"
	DirIn   Direction = "in"
	DirOut  Direction = "out"
)

// Descriptor is the immutable configuration of one endpoint.
type Descriptor struct {
	Kind    Kind
	Name    string // label for logs and metrics; defaults to kind:address
	Address string // host:port, or device path for serial
	Baud    int    // serial only

	Direction Direction
	Transient bool // per-peer child of a listener; never reconnects

	AllowMsgIDs  []uint32
	BlockMsgIDs  []uint32
	AllowSystems []uint8
	BlockSystems []uint8

	SigningKey    *mavlink.SigningKey
	LinkID        uint8
	AllowUnsigned bool // accept unsigned frames despite a configured key
	Strict        bool // reject frames whose checksum cannot be validated

	QueueSize    int           // outbound queue capacity
	IdleTimeout  time.Duration // tear the transport down after silence
	ReconnectMax time.Duration // backoff cap

	// Fake source knobs.
	Period      time.Duration
	SystemID    uint8
	ComponentID uint8
}

// ParseSpec builds a Descriptor from a URL-style endpoint spec such as
// serial:///dev/ttyUSB0?baudrate=57600, udpin://0.0.0.0:14550,
// tcpout://host:5760?direction=out or fakesource://?period=250ms.
func ParseSpec(spec string) (Descriptor, error) {
	u, err := url.Parse(spec)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrBadSpec, err)
	}
	var d Descriptor
	switch u.Scheme {
	case "serial":
		d.Kind = KindSerial
	case "tcpout":
		d.Kind = KindTCPClient
	case "tcpin":
		d.Kind = KindTCPServer
	case "udpout":
		d.Kind = KindUDPClient
	case "udpin":
		d.Kind = KindUDPServer
	case "ws":
		d.Kind = KindWSServer
	case "fakesource":
		d.Kind = KindFakeSource
	case "fakesink":
		d.Kind = KindFakeSink
	default:
		return Descriptor{}, fmt.Errorf("%w: unknown scheme %q", ErrBadSpec, u.Scheme)
	}

	d.Address = u.Host
	if u.Path != "" && u.Path != "/" {
		d.Address += u.Path
	}

	q := u.Query()
	d.Name = q.Get("name")
	if v := q.Get("baudrate"); v != "" {
		if d.Baud, err = strconv.Atoi(v); err != nil {
			return Descriptor{}, fmt.Errorf("%w: baudrate %q", ErrBadSpec, v)
		}
	}
	if v := q.Get("direction"); v != "" {
		switch Direction(v) {
		case DirBoth, DirIn, DirOut:
			d.Direction = Direction(v)
		default:
			return Descriptor{}, fmt.Errorf("%w: direction %q", ErrBadSpec, v)
		}
	}
	if v := q.Get("queue"); v != "" {
		if d.QueueSize, err = strconv.Atoi(v); err != nil {
			return Descriptor{}, fmt.Errorf("%w: queue %q", ErrBadSpec, v)
		}
	}
	if d.IdleTimeout, err = durationParam(q, "idle"); err != nil {
		return Descriptor{}, err
	}
	if d.ReconnectMax, err = durationParam(q, "reconnect_max"); err != nil {
		return Descriptor{}, err
	}
	if d.Period, err = durationParam(q, "period"); err != nil {
		return Descriptor{}, err
	}
	if v := q.Get("signing_key"); v != "" {
		key, err := mavlink.ParseSigningKey(v)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: %v", ErrBadSpec, err)
		}
		d.SigningKey = key
	}
	if v := q.Get("link_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: link_id %q", ErrBadSpec, v)
		}
		d.LinkID = uint8(n)
	}
	if d.AllowUnsigned, err = boolParam(q, "allow_unsigned"); err != nil {
		return Descriptor{}, err
	}
	if d.Strict, err = boolParam(q, "strict"); err != nil {
		return Descriptor{}, err
	}
	if d.AllowMsgIDs, err = u32ListParam(q, "allow_msg"); err != nil {
		return Descriptor{}, err
	}
	if d.BlockMsgIDs, err = u32ListParam(q, "block_msg"); err != nil {
		return Descriptor{}, err
	}
	if d.AllowSystems, err = u8ListParam(q, "allow_sys"); err != nil {
		return Descriptor{}, err
	}
	if d.BlockSystems, err = u8ListParam(q, "block_sys"); err != nil {
		return Descriptor{}, err
	}
	if v := q.Get("sysid"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: sysid %q", ErrBadSpec, v)
		}
		d.SystemID = uint8(n)
	}
	if v := q.Get("compid"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: compid %q", ErrBadSpec, v)
		}
		d.ComponentID = uint8(n)
	}

	if err := d.validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

func (d *Descriptor) validate() error {
	switch d.Kind {
	case KindSerial, KindTCPClient, KindTCPServer, KindUDPClient, KindUDPServer, KindWSServer:
		if d.Address == "" {
			return fmt.Errorf("%w: %s needs an address", ErrBadSpec, d.Kind)
		}
	case KindFakeSource, KindFakeSink:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadSpec, d.Kind)
	}
	if d.Baud < 0 {
		return fmt.Errorf("%w: negative baudrate", ErrBadSpec)
	}
	if d.SigningKey != nil && d.AllowUnsigned && d.Strict {
		return fmt.Errorf("%w: strict and allow_unsigned conflict", ErrBadSpec)
	}
	return nil
}

func (d *Descriptor) applyDefaults() {
	if d.Direction == "" {
		switch d.Kind {
		case KindFakeSource:
			d.Direction = DirIn
		case KindFakeSink:
			d.Direction = DirOut
		default:
			d.Direction = DirBoth
		}
	}
	if d.Name == "" {
		d.Name = string(d.Kind)
		if d.Address != "" {
			d.Name += ":" + d.Address
		}
	}
	if d.QueueSize < 1 {
		d.QueueSize = 512
	}
	if d.Baud == 0 {
		d.Baud = 115200
	}
	if d.ReconnectMax <= 0 {
		d.ReconnectMax = 30 * time.Second
	}
	if d.Kind == KindFakeSource {
		if d.Period <= 0 {
			d.Period = time.Second
		}
		if d.SystemID == 0 {
			d.SystemID = 1
		}
		if d.ComponentID == 0 {
			d.ComponentID = 2
		}
	}
	if d.Kind == KindUDPServer && d.IdleTimeout <= 0 {
		// Datagram peers never signal disconnection; stale ones are
		// pruned after a minute of silence.
		d.IdleTimeout = time.Minute
	}
}

// accepts applies the descriptor's message and system filters.
func (d *Descriptor) accepts(f *mavlink.Frame) bool {
	for _, id := range d.BlockMsgIDs {
		if id == f.MsgID {
			return false
		}
	}
	if len(d.AllowMsgIDs) > 0 && !containsU32(d.AllowMsgIDs, f.MsgID) {
		return false
	}
	for _, sys := range d.BlockSystems {
		if sys == f.SystemID {
			return false
		}
	}
	if len(d.AllowSystems) > 0 && !containsU8(d.AllowSystems, f.SystemID) {
		return false
	}
	return true
}

func containsU32(list []uint32, v uint32) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsU8(list []uint8, v uint8) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func durationParam(q url.Values, key string) (time.Duration, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", ErrBadSpec, key, v)
	}
	return d, nil
}

func boolParam(q url.Values, key string) (bool, error) {
	v := q.Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s %q", ErrBadSpec, key, v)
	}
	return b, nil
}

func u32ListParam(q url.Values, key string) ([]uint32, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	var out []uint32
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q", ErrBadSpec, key, v)
		}
		out = append(out, uint32(n))
	}
	return out, nil
}

func u8ListParam(q url.Values, key string) ([]uint8, error) {
	v := q.Get(key)
	if v == "" {
		return nil, nil
	}
	var out []uint8
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %q", ErrBadSpec, key, v)
		}
		out = append(out, uint8(n))
	}
	return out, nil
}
