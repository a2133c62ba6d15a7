// Package registry implements the per-device register protocol
// (DeviceSession) and the hotplug-driven device table (DeviceRegistry)
// that sits between the USB bridge and the RPC dispatcher.
package registry

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// FTDI synchronous-FIFO vendor control requests (SIO_SET_BITMODE,
// SIO_SET_LATENCY_TIMER, SIO_RESET), issued as USB control transfers,
// the same requests libftdi sends, since gousb has no dedicated D2XX-style
// bitmode API.
const (
	ftdiReqReset         = 0x00
	ftdiReqSetLatency    = 0x09
	ftdiReqSetBitmode    = 0x0B
	ftdiBitmodeSyncFIFO  = 0x40
	resetPinMask         = 0xFB // exact mask the original resets pins with on teardown
	ftdiRequestTypeVendor = 0x40
)

const (
	opReadSingle  = 1
	opWriteSingle = 2
	opReadBurst   = 3
	opWriteBurst  = 4

	maxBurstWords = (1 << 16) - 1 // 65535, matches n_packet_max in the original

	readPollInterval = 10 * time.Millisecond
	readPollAttempts = 100
)

// regKey identifies a tracked register by its (addr, port) pair.
type regKey struct {
	Addr uint8
	Port uint8
}

// RegChange describes a tracked register whose value changed, whether
// detected by the periodic poll or by a direct client read touching that
// same register.
type RegChange struct {
	Addr  uint8
	Port  uint8
	Value uint16
}

// DeviceSession owns one physical FTDI device's two USB interfaces: A for
// the register protocol, B reserved for JTAG reprogramming (see
// internal/jtag). All methods are intended to be called only from the
// reactor goroutine; DeviceSession does no locking of its own.
type DeviceSession struct {
	dev    *gousb.Device
	config *gousb.Config
	intfA  *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint

	tracked map[regKey]uint16 // last known value per tracked register
	order   []regKey          // iteration order matches track order, like the original's map
}

// OpenSession claims interface A of dev and brings the FTDI chip into
// synchronous FIFO bitmode, ready for the register protocol.
func OpenSession(dev *gousb.Device) (*DeviceSession, error) {
	if err := ftdiReset(dev); err != nil {
		return nil, fmt.Errorf("registry: resetting device: %w", err)
	}
	time.Sleep(100 * time.Millisecond)

	config, err := dev.Config(1)
	if err != nil {
		return nil, fmt.Errorf("registry: setting config: %w", err)
	}
	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		return nil, fmt.Errorf("registry: claiming interface A: %w", err)
	}
	epOut, err := intf.OutEndpoint(1)
	if err != nil {
		intf.Close()
		config.Close()
		return nil, fmt.Errorf("registry: opening OUT endpoint: %w", err)
	}
	epIn, err := intf.InEndpoint(1)
	if err != nil {
		intf.Close()
		config.Close()
		return nil, fmt.Errorf("registry: opening IN endpoint: %w", err)
	}

	if err := ftdiSetLatencyTimer(dev, 1); err != nil {
		intf.Close()
		config.Close()
		return nil, fmt.Errorf("registry: setting latency timer: %w", err)
	}
	if err := ftdiSetBitmode(dev, 0, ftdiBitmodeSyncFIFO); err != nil {
		intf.Close()
		config.Close()
		return nil, fmt.Errorf("registry: entering sync fifo bitmode: %w", err)
	}

	return &DeviceSession{
		dev:     dev,
		config:  config,
		intfA:   intf,
		epOut:   epOut,
		epIn:    epIn,
		tracked: make(map[regKey]uint16),
	}, nil
}

// Close resets the FTDI bitmode (mask 0xFB, matching the original exactly)
// and releases the USB interface and device handle.
func (s *DeviceSession) Close() error {
	_ = ftdiSetBitmode(s.dev, resetPinMask, 0)
	if s.intfA != nil {
		s.intfA.Close()
	}
	if s.config != nil {
		s.config.Close()
	}
	return s.dev.Close()
}

// rawDevice returns the underlying USB device handle, for callers (like a
// reprogram request) that need to hand it to the JTAG programmer after
// releasing the register session's interface A. Close closes this handle,
// so it must not be used after Close.
func (s *DeviceSession) rawDevice() *gousb.Device {
	return s.dev
}

func header(op uint8, addr, port uint8) uint16 {
	return (uint16(op) << 12) | (uint16(addr&0x3f) << 6) | uint16(port&0x3f)
}

func (s *DeviceSession) writeWords(words ...uint16) error {
	buf := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(buf[i*2:], w)
	}
	n, err := s.epOut.Write(buf)
	if err != nil {
		return fmt.Errorf("registry: usb write: %w", err)
	}
	if n != len(buf) {
		return fmt.Errorf("registry: partial usb write (%d of %d bytes)", n, len(buf))
	}
	return nil
}

// readWait reads exactly len(buf) bytes, polling the IN endpoint every
// 10ms for up to 100 attempts (~1s), matching ftdi_read_data_wait.
func (s *DeviceSession) readWait(buf []byte) error {
	received := 0
	for attempt := 0; attempt < readPollAttempts && received < len(buf); attempt++ {
		n, err := s.epIn.ReadContext(context.Background(), buf[received:])
		if err != nil {
			return fmt.Errorf("registry: usb read: %w", err)
		}
		received += n
		if received < len(buf) {
			time.Sleep(readPollInterval)
		}
	}
	if received < len(buf) {
		return fmt.Errorf("registry: read timeout (got %d of %d bytes)", received, len(buf))
	}
	return nil
}

// WriteSingle writes value to (addr, port).
func (s *DeviceSession) WriteSingle(addr, port uint8, value uint16) error {
	return s.writeWords(header(opWriteSingle, addr, port), value)
}

// ReadSingle reads (addr, port) and, if it is a tracked register whose
// value changed, returns the change alongside it, matching the original's
// Device::readReg, which checks tracked_regs after every single read, not
// only during the periodic poll.
func (s *DeviceSession) ReadSingle(addr, port uint8) (uint16, *RegChange, error) {
	if err := s.writeWords(header(opReadSingle, addr, port)); err != nil {
		return 0, nil, err
	}
	buf := make([]byte, 2)
	if err := s.readWait(buf); err != nil {
		return 0, nil, err
	}
	value := binary.BigEndian.Uint16(buf)

	key := regKey{Addr: addr, Port: port}
	var change *RegChange
	if old, tracked := s.tracked[key]; tracked && old != value {
		s.tracked[key] = value
		change = &RegChange{Addr: addr, Port: port, Value: value}
	}
	return value, change, nil
}

// WriteBurst writes values to (addr, port), chunking at maxBurstWords per
// the original's n_packet_max.
func (s *DeviceSession) WriteBurst(addr, port uint8, values []uint16) error {
	for off := 0; off < len(values); {
		chunk := values[off:]
		if len(chunk) > maxBurstWords {
			chunk = chunk[:maxBurstWords]
		}
		if err := s.writeWords(header(opWriteBurst, addr, port), uint16(len(chunk))); err != nil {
			return err
		}
		if err := s.writeWords(chunk...); err != nil {
			return err
		}
		off += len(chunk)
	}
	return nil
}

// ReadBurst reads n values from (addr, port), chunking at maxBurstWords.
func (s *DeviceSession) ReadBurst(addr, port uint8, n int) ([]uint16, error) {
	out := make([]uint16, 0, n)
	for remaining := n; remaining > 0; {
		chunk := remaining
		if chunk > maxBurstWords {
			chunk = maxBurstWords
		}
		if err := s.writeWords(header(opReadBurst, addr, port), uint16(chunk)); err != nil {
			return nil, err
		}
		buf := make([]byte, chunk*2)
		if err := s.readWait(buf); err != nil {
			return nil, err
		}
		for i := 0; i < chunk; i++ {
			out = append(out, binary.BigEndian.Uint16(buf[i*2:]))
		}
		remaining -= chunk
	}
	return out, nil
}

// Track enables or disables change tracking for (addr, port), mirroring
// Device::trackReg.
func (s *DeviceSession) Track(addr, port uint8, enabled bool) {
	key := regKey{Addr: addr, Port: port}
	if enabled {
		if _, ok := s.tracked[key]; !ok {
			s.tracked[key] = 0
			s.order = append(s.order, key)
		}
		return
	}
	if _, ok := s.tracked[key]; ok {
		delete(s.tracked, key)
		for i, k := range s.order {
			if k == key {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
}

// UpdateTracked reads every tracked register in one batched round trip and
// returns the set that changed, matching Device::updateTrackedRegs.
func (s *DeviceSession) UpdateTracked() ([]RegChange, error) {
	if len(s.order) == 0 {
		return nil, nil
	}
	words := make([]uint16, 0, len(s.order))
	for _, k := range s.order {
		words = append(words, header(opReadSingle, k.Addr, k.Port))
	}
	if err := s.writeWords(words...); err != nil {
		return nil, err
	}
	buf := make([]byte, len(s.order)*2)
	if err := s.readWait(buf); err != nil {
		return nil, err
	}

	var changes []RegChange
	for i, k := range s.order {
		value := binary.BigEndian.Uint16(buf[i*2:])
		if old := s.tracked[k]; old != value {
			s.tracked[k] = value
			changes = append(changes, RegChange{Addr: k.Addr, Port: k.Port, Value: value})
		}
	}
	return changes, nil
}

func ftdiControl(dev *gousb.Device, request uint8, value, index uint16) error {
	_, err := dev.Control(ftdiRequestTypeVendor, request, value, index, nil)
	return err
}

func ftdiReset(dev *gousb.Device) error {
	return ftdiControl(dev, ftdiReqReset, 0, 1)
}

func ftdiSetLatencyTimer(dev *gousb.Device, ms uint16) error {
	return ftdiControl(dev, ftdiReqSetLatency, ms, 1)
}

func ftdiSetBitmode(dev *gousb.Device, mask uint8, mode uint8) error {
	value := uint16(mode)<<8 | uint16(mask)
	return ftdiControl(dev, ftdiReqSetBitmode, value, 1)
}
