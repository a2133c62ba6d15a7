// Package usbbridge adapts the vendor USB library (gousb, wrapping libusb)
// to the reactor: it owns the libusb context, enumerates FTDI synchronous
// FIFO devices by VID/PID, and turns arrivals/departures into events the
// device registry consumes on the reactor goroutine.
//
// gousb does not expose libusb's raw pollable file descriptors or its
// hotplug callback registration, so unlike the vendor-library contract the
// rest of this daemon's design assumes, hotplug here is a poll loop: every
// pollInterval it lists devices matching vid/pid and diffs against the
// previously seen set by USB bus/address. This is the one place this repo
// departs from a literal translation of the device-server's libusb_service
// design, forced by what gousb's API actually offers.
package usbbridge

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"

	"faoutd/internal/reactor"
)

const (
	// VendorID and ProductID identify FTDI FT2232H-class chips wired for
	// synchronous FIFO (FT245 style) bulk transfer to the FPGA fabric.
	VendorID  = gousb.ID(0x0403)
	ProductID = gousb.ID(0x6010)

	// InterfaceA carries the register protocol; InterfaceB is reserved for
	// JTAG reprogramming.
	InterfaceA = 0
	InterfaceB = 1

	defaultPollInterval = 1 * time.Second
)

// Handle identifies a physical USB device across poll cycles without
// depending on gousb.Device staying open; it is stable for as long as the
// device stays plugged into the same port.
type Handle struct {
	Bus     int
	Address int
}

// ArrivalEvent is delivered when a new matching device is seen.
type ArrivalEvent struct {
	Handle Handle
	Serial string
	Open   func() (*gousb.Device, error)
}

// DepartureEvent is delivered when a previously seen device disappears.
type DepartureEvent struct {
	Handle Handle
}

// Bridge owns the libusb context and the poll loop that discovers devices.
type Bridge struct {
	ctx          *gousb.Context
	r            *reactor.Reactor
	pollInterval time.Duration
	onArrival    func(ArrivalEvent)
	onDeparture  func(DepartureEvent)

	seen map[Handle]string // handle -> serial, reactor goroutine only
}

// New creates a Bridge bound to r. onArrival/onDeparture are invoked on the
// reactor goroutine, matching every other registry callback in this repo.
func New(r *reactor.Reactor, onArrival func(ArrivalEvent), onDeparture func(DepartureEvent)) *Bridge {
	return &Bridge{
		ctx:          gousb.NewContext(),
		r:            r,
		pollInterval: defaultPollInterval,
		onArrival:    onArrival,
		onDeparture:  onDeparture,
		seen:         make(map[Handle]string),
	}
}

// Close releases the libusb context. Call after the poll loop has stopped.
func (b *Bridge) Close() error {
	return b.ctx.Close()
}

// Run polls for device arrivals/departures until ctx is done. Intended to
// run on its own goroutine; it never touches Bridge.seen directly from
// outside a reactor.Post closure.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	b.poll()
	for {
		select {
		case <-ticker.C:
			b.poll()
		case <-ctx.Done():
			return
		}
	}
}

func (b *Bridge) poll() {
	current := make(map[Handle]string)

	// OpenDevices can return a non-fatal error alongside a partial device
	// list (e.g. one device failing a descriptor read); the partial list
	// is still processed below rather than discarded.
	devices, _ := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == VendorID && desc.Product == ProductID
	})
	for _, d := range devices {
		h := Handle{Bus: d.Desc.Bus, Address: d.Desc.Address}
		serial, err := d.SerialNumber()
		if err != nil {
			d.Close()
			continue
		}
		current[h] = serial
		d.Close()
	}

	b.r.Post(func() {
		for h, serial := range current {
			if _, ok := b.seen[h]; !ok {
				b.seen[h] = serial
				handle := h
				if b.onArrival != nil {
					b.onArrival(ArrivalEvent{
						Handle: handle,
						Serial: serial,
						Open:   func() (*gousb.Device, error) { return b.openHandle(handle) },
					})
				}
			}
		}
		for h := range b.seen {
			if _, ok := current[h]; !ok {
				delete(b.seen, h)
				if b.onDeparture != nil {
					b.onDeparture(DepartureEvent{Handle: h})
				}
			}
		}
	})
}

func (b *Bridge) openHandle(h Handle) (*gousb.Device, error) {
	devices, _ := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == h.Bus && desc.Address == h.Address &&
			desc.Vendor == VendorID && desc.Product == ProductID
	})
	if len(devices) == 0 {
		return nil, fmt.Errorf("usbbridge: device at bus %d addr %d no longer present", h.Bus, h.Address)
	}
	for _, extra := range devices[1:] {
		extra.Close()
	}
	return devices[0], nil
}
