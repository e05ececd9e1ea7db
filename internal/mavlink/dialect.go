package mavlink

// Message IDs from the common message set that this project refers to by
// name. Anything else is routed purely by number.
const (
	MsgIDHeartbeat  uint32 = 0
	MsgIDSysStatus  uint32 = 1
	MsgIDSystemTime uint32 = 2
	MsgIDPing       uint32 = 4
	MsgIDParamValue uint32 = 22
	MsgIDAttitude   uint32 = 30
	MsgIDStatustext uint32 = 253
)

// Dialect maps message IDs to the CRC_EXTRA byte derived from each message
// definition. The router treats payloads as opaque, so this table is the
// only knowledge of the message dictionary it carries: without an entry a
// frame's checksum cannot be validated or recomputed.
type Dialect struct {
	crcExtra map[uint32]byte
}

// NewDialect returns an empty dialect.
func NewDialect() *Dialect {
	return &Dialect{crcExtra: make(map[uint32]byte)}
}

// Register adds or replaces the CRC_EXTRA byte for a message ID.
func (d *Dialect) Register(id uint32, crcExtra byte) {
	d.crcExtra[id] = crcExtra
}

// CRCExtra looks up the CRC_EXTRA byte for a message ID.
func (d *Dialect) CRCExtra(id uint32) (byte, bool) {
	b, ok := d.crcExtra[id]
	return b, ok
}

// Len returns the number of registered message IDs.
func (d *Dialect) Len() int { return len(d.crcExtra) }

// CommonDialect returns a dialect preloaded with the standard common
// message set entries seen on typical autopilot links. Callers may
// Register further IDs for custom dialects.
func CommonDialect() *Dialect {
	d := NewDialect()
	for id, extra := range commonCRCExtra {
		d.crcExtra[id] = extra
	}
	return d
}

// commonCRCExtra holds CRC_EXTRA seeds for the common message set.
var commonCRCExtra = map[uint32]byte{
	0:   50,  // HEARTBEAT
	1:   124, // SYS_STATUS
	2:   137, // SYSTEM_TIME
	4:   237, // PING
	20:  214, // PARAM_REQUEST_READ
	21:  159, // PARAM_REQUEST_LIST
	22:  220, // PARAM_VALUE
	23:  168, // PARAM_SET
	24:  24,  // GPS_RAW_INT
	25:  23,  // GPS_STATUS
	26:  170, // SCALED_IMU
	27:  144, // RAW_IMU
	28:  67,  // RAW_PRESSURE
	29:  115, // SCALED_PRESSURE
	30:  39,  // ATTITUDE
	31:  246, // ATTITUDE_QUATERNION
	32:  185, // LOCAL_POSITION_NED
	33:  104, // GLOBAL_POSITION_INT
	34:  237, // RC_CHANNELS_SCALED
	35:  244, // RC_CHANNELS_RAW
	36:  222, // SERVO_OUTPUT_RAW
	39:  254, // MISSION_ITEM
	40:  230, // MISSION_REQUEST
	41:  28,  // MISSION_SET_CURRENT
	42:  28,  // MISSION_CURRENT
	43:  132, // MISSION_REQUEST_LIST
	44:  221, // MISSION_COUNT
	45:  232, // MISSION_CLEAR_ALL
	46:  11,  // MISSION_ITEM_REACHED
	47:  153, // MISSION_ACK
	49:  39,  // GPS_GLOBAL_ORIGIN
	51:  196, // MISSION_REQUEST_INT
	62:  183, // NAV_CONTROLLER_OUTPUT
	65:  118, // RC_CHANNELS
	66:  148, // REQUEST_DATA_STREAM
	69:  243, // MANUAL_CONTROL
	70:  124, // RC_CHANNELS_OVERRIDE
	73:  38,  // MISSION_ITEM_INT
	74:  20,  // VFR_HUD
	75:  158, // COMMAND_INT
	76:  152, // COMMAND_LONG
	77:  143, // COMMAND_ACK
	85:  140, // POSITION_TARGET_LOCAL_NED
	87:  150, // POSITION_TARGET_GLOBAL_INT
	105: 93,  // HIGHRES_IMU
	109: 185, // RADIO_STATUS
	111: 34,  // TIMESYNC
	147: 154, // BATTERY_STATUS
	148: 178, // AUTOPILOT_VERSION
	241: 90,  // VIBRATION
	242: 104, // HOME_POSITION
	245: 130, // EXTENDED_SYS_STATE
	253: 83,  // STATUSTEXT
}
