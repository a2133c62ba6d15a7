package rpc

import (
	"encoding/binary"
	"fmt"

	"faoutd/internal/registry"
)

// Reply codes, matching the original's RPC_REPLY_VALUE/RPC_REPLY_BINARY
// (ReplyOK carrying whatever payload shape the command produces) versus
// RPC_REPLY_ERROR (ReplyError carrying a human-readable string).
const (
	ReplyOK    int8 = 0
	ReplyError int8 = -1
)

// Broadcast event codes, matching RPC_EVENT_ADDED/REMOVED/REG_CHANGED.
const (
	EventAdded      int8 = 1
	EventRemoved    int8 = 2
	EventRegChanged int8 = 3
)

// RegChangedEvent is returned out-of-band by Dispatch when handling a
// command (today, only readreg) itself observes a tracked register
// change, so the caller can broadcast it the same way a poll-detected
// change is broadcast.
type RegChangedEvent struct {
	Serial string
	Addr   uint8
	Port   uint8
	Value  uint16
}

// Registry is the subset of registry.Registry the dispatcher needs,
// narrowed so tests can substitute a fake instead of real USB hardware.
type Registry interface {
	List() []registry.DeviceInfo
	Device(serial string) (*registry.Device, bool)
	Reprogram(serial string) error
}

// Dispatcher maps decoded client commands onto Registry operations.
type Dispatcher struct {
	reg Registry
}

// NewDispatcher creates a Dispatcher bound to reg.
func NewDispatcher(reg Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// Dispatch executes one decoded message ([cmd, arg...]) and returns its
// reply. Must be called on the reactor goroutine, since Registry methods
// are not otherwise safe to call concurrently.
func (d *Dispatcher) Dispatch(msg []interface{}) (reply []interface{}, changed *RegChangedEvent) {
	if len(msg) == 0 {
		return errorReply("empty message"), nil
	}
	cmd, ok := msg[0].(string)
	if !ok {
		return errorReply("invalid message"), nil
	}
	args := msg[1:]

	switch cmd {
	case "devicelist":
		return d.devicelist(), nil
	case "reprogram":
		return d.reprogram(args), nil
	case "writereg":
		return d.writereg(args), nil
	case "readreg":
		return d.readreg(args)
	case "writeregn":
		return d.writeregn(args), nil
	case "readregn":
		return d.readregn(args), nil
	default:
		return errorReply(fmt.Sprintf("invalid command %q", cmd)), nil
	}
}

func (d *Dispatcher) devicelist() []interface{} {
	list := d.reg.List()
	payload := make([]interface{}, 0, len(list))
	for _, info := range list {
		payload = append(payload, info.Serial)
	}
	return valueReply(payload)
}

func (d *Dispatcher) reprogram(args []interface{}) []interface{} {
	serial, ok := argString(args, 0)
	if !ok {
		return errorReply("reprogram: expected serial string")
	}
	if err := d.reg.Reprogram(serial); err != nil {
		return errorReply(err.Error())
	}
	return valueReply(nil)
}

func (d *Dispatcher) writereg(args []interface{}) []interface{} {
	sess, addr, port, err := d.session(args)
	if err != nil {
		return errorReply(err.Error())
	}
	value, ok := argUint16(args, 3)
	if !ok {
		return errorReply("writereg: expected value")
	}
	if err := sess.WriteSingle(addr, port, value); err != nil {
		return errorReply(err.Error())
	}
	return valueReply(nil)
}

func (d *Dispatcher) readreg(args []interface{}) ([]interface{}, *RegChangedEvent) {
	serial, ok := argString(args, 0)
	if !ok {
		return errorReply("readreg: expected serial string"), nil
	}
	sess, addr, port, err := d.session(args)
	if err != nil {
		return errorReply(err.Error()), nil
	}
	value, change, err := sess.ReadSingle(addr, port)
	if err != nil {
		return errorReply(err.Error()), nil
	}
	var event *RegChangedEvent
	if change != nil {
		event = &RegChangedEvent{Serial: serial, Addr: change.Addr, Port: change.Port, Value: change.Value}
	}
	return valueReply(value), event
}

func (d *Dispatcher) writeregn(args []interface{}) []interface{} {
	sess, addr, port, err := d.session(args)
	if err != nil {
		return errorReply(err.Error())
	}
	raw, ok := argBytes(args, 3)
	if !ok {
		return errorReply("writeregn: expected raw data")
	}
	if len(raw)%2 != 0 {
		return errorReply("writeregn: data length must be a multiple of 2")
	}
	values := make([]uint16, len(raw)/2)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(raw[i*2:])
	}
	if err := sess.WriteBurst(addr, port, values); err != nil {
		return errorReply(err.Error())
	}
	return valueReply(nil)
}

func (d *Dispatcher) readregn(args []interface{}) []interface{} {
	sess, addr, port, err := d.session(args)
	if err != nil {
		return errorReply(err.Error())
	}
	n, ok := argUint32(args, 3)
	if !ok {
		return errorReply("readregn: expected count")
	}
	values, err := sess.ReadBurst(addr, port, int(n))
	if err != nil {
		return errorReply(err.Error())
	}
	raw := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(raw[i*2:], v)
	}
	return binaryReply(raw)
}

// session resolves the (serial, addr, port) triple common to all the
// register commands.
func (d *Dispatcher) session(args []interface{}) (*registry.DeviceSession, uint8, uint8, error) {
	serial, ok := argString(args, 0)
	if !ok {
		return nil, 0, 0, fmt.Errorf("expected serial string")
	}
	addr, ok := argUint8(args, 1)
	if !ok {
		return nil, 0, 0, fmt.Errorf("expected register address")
	}
	port, ok := argUint8(args, 2)
	if !ok {
		return nil, 0, 0, fmt.Errorf("expected register port")
	}
	dev, ok := d.reg.Device(serial)
	if !ok {
		return nil, 0, 0, fmt.Errorf("unknown device %q", serial)
	}
	return dev.Session, addr, port, nil
}

func errorReply(message string) []interface{} {
	return []interface{}{ReplyError, message}
}

func valueReply(payload interface{}) []interface{} {
	return []interface{}{ReplyOK, payload}
}

func binaryReply(payload []byte) []interface{} {
	return []interface{}{ReplyOK, payload}
}

// --- argument extraction -----------------------------------------------
//
// fxamacker/cbor decodes into interface{} using uint64 for non-negative
// integers and int64 for negative ones, string for text, []byte for byte
// strings, these helpers normalize that into the fixed-width types the
// register protocol uses.

func argString(args []interface{}, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func argBytes(args []interface{}, i int) ([]byte, bool) {
	if i >= len(args) {
		return nil, false
	}
	b, ok := args[i].([]byte)
	return b, ok
}

func argUint64(args []interface{}, i int) (uint64, bool) {
	if i >= len(args) {
		return 0, false
	}
	switch v := args[i].(type) {
	case uint64:
		return v, true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}

func argUint8(args []interface{}, i int) (uint8, bool) {
	v, ok := argUint64(args, i)
	if !ok || v > 0xff {
		return 0, false
	}
	return uint8(v), true
}

func argUint16(args []interface{}, i int) (uint16, bool) {
	v, ok := argUint64(args, i)
	if !ok || v > 0xffff {
		return 0, false
	}
	return uint16(v), true
}

func argUint32(args []interface{}, i int) (uint32, bool) {
	v, ok := argUint64(args, i)
	if !ok || v > 0xffffffff {
		return 0, false
	}
	return uint32(v), true
}
