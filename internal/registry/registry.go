package registry

import (
	"fmt"
	"log"
	"sort"
	"time"

	"faoutd/internal/config"
	"faoutd/internal/jtag"
	"faoutd/internal/reactor"
	"faoutd/internal/usbbridge"
)

// Device is one entry of the registry: a physical FTDI board matched to a
// config.json description, with its register session open.
type Device struct {
	Serial  string
	Name    string
	Handle  usbbridge.Handle
	Session *DeviceSession

	// desc is the config.json entry this device matched on arrival; it is
	// kept so a bare reprogram(serial) request can reload the same
	// description's bitfile, matching the original's desc_ref.
	desc config.DeviceDescription
}

// Registry is the hotplug-driven device table. All of its methods are
// intended to run on the reactor goroutine only, it is handed to
// usbbridge.Bridge's callbacks, which are already posted there.
type Registry struct {
	r   *reactor.Reactor
	cfg *config.Config
	jt  *jtag.Programmer
	log *log.Logger

	bySerial map[string]*Device
	byHandle map[usbbridge.Handle]*Device

	onAdded      func(serial, name string)
	onRemoved    func(serial string)
	onRegChanged func(serial string, change RegChange)

	poll *reactor.Timer
}

// New creates a Registry. The callbacks are invoked on the reactor
// goroutine and are expected to forward to the RPC broadcast path.
func New(r *reactor.Reactor, cfg *config.Config, jt *jtag.Programmer, logger *log.Logger,
	onAdded func(serial, name string), onRemoved func(serial string), onRegChanged func(serial string, change RegChange)) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		r:            r,
		cfg:          cfg,
		jt:           jt,
		log:          logger,
		bySerial:     make(map[string]*Device),
		byHandle:     make(map[usbbridge.Handle]*Device),
		onAdded:      onAdded,
		onRemoved:    onRemoved,
		onRegChanged: onRegChanged,
	}
}

// StartPolling arms the 500ms tracked-register poll, matching
// DEVICE_MANAGER_UPDATE_DELAY_MS in the original.
func (reg *Registry) StartPolling() {
	reg.poll = reactor.NewTimer(reg.r, 500*time.Millisecond, reg.pollOnce)
}

// StopPolling cancels the periodic poll. Call before Reactor.Stop so the
// timer does not try to repost after the loop has drained.
func (reg *Registry) StopPolling() {
	if reg.poll != nil {
		reg.poll.Stop()
	}
}

// HandleArrival is wired as usbbridge.Bridge's arrival callback.
func (reg *Registry) HandleArrival(ev usbbridge.ArrivalEvent) {
	if _, exists := reg.byHandle[ev.Handle]; exists {
		return
	}
	if _, exists := reg.bySerial[ev.Serial]; exists {
		// Duplicate serial already registered under a different handle;
		// the original guards on this too (hasSerial check) rather than
		// silently shadowing the existing entry.
		reg.log.Printf("registry: duplicate serial %q on new handle, ignoring", ev.Serial)
		return
	}

	desc, ok := reg.cfg.DescriptionForSerial(ev.Serial)
	if !ok {
		reg.log.Printf("registry: no description matches serial %q, ignoring", ev.Serial)
		return
	}

	dev, err := ev.Open()
	if err != nil {
		reg.log.Printf("registry: opening %q: %v", ev.Serial, err)
		return
	}

	if desc.Bitfile != "" {
		if err := reg.jt.Program(dev, desc.Bitfile); err != nil {
			reg.log.Printf("registry: reprogramming %q: %v", ev.Serial, err)
			dev.Close()
			return
		}
	}

	session, err := OpenSession(dev)
	if err != nil {
		reg.log.Printf("registry: opening session for %q: %v", ev.Serial, err)
		dev.Close()
		return
	}
	for _, w := range desc.Watchlist {
		session.Track(w.Addr, w.Port, true)
	}

	d := &Device{Serial: ev.Serial, Name: desc.Name, Handle: ev.Handle, Session: session, desc: desc}
	reg.bySerial[ev.Serial] = d
	reg.byHandle[ev.Handle] = d

	if reg.onAdded != nil {
		reg.onAdded(d.Serial, d.Name)
	}
}

// HandleDeparture is wired as usbbridge.Bridge's departure callback.
func (reg *Registry) HandleDeparture(ev usbbridge.DepartureEvent) {
	d, ok := reg.byHandle[ev.Handle]
	if !ok {
		return
	}
	reg.removeDevice(d.Serial)
}

// removeDevice tears down and forgets serial. It preserves the original's
// _removeDevice behavior of gating the removed-notification on whether an
// added-callback is configured, rather than on whether a removed-callback
// is configured, a quirk of the original this repo does not silently fix.
func (reg *Registry) removeDevice(serial string) {
	d, ok := reg.bySerial[serial]
	if !ok {
		return
	}
	delete(reg.bySerial, serial)
	delete(reg.byHandle, d.Handle)
	if err := d.Session.Close(); err != nil {
		reg.log.Printf("registry: closing session for %q: %v", serial, err)
	}

	if reg.onAdded != nil {
		if reg.onRemoved != nil {
			reg.onRemoved(serial)
		}
	}
}

func (reg *Registry) pollOnce() {
	for serial, d := range reg.bySerial {
		changes, err := d.Session.UpdateTracked()
		if err != nil {
			reg.log.Printf("registry: polling %q failed, removing: %v", serial, err)
			reg.removeDevice(serial)
			continue
		}
		for _, c := range changes {
			if reg.onRegChanged != nil {
				reg.onRegChanged(serial, c)
			}
		}
	}
}

// Device looks up a registered device by serial.
func (reg *Registry) Device(serial string) (*Device, bool) {
	d, ok := reg.bySerial[serial]
	return d, ok
}

// List returns the serial/name pairs of every registered device, in
// deterministic insertion-independent order for RPC replies.
func (reg *Registry) List() []DeviceInfo {
	out := make([]DeviceInfo, 0, len(reg.bySerial))
	for serial, d := range reg.bySerial {
		out = append(out, DeviceInfo{Serial: serial, Name: d.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

// DeviceInfo is the devicelist RPC's per-device payload shape.
type DeviceInfo struct {
	Serial string
	Name   string
}

// Reprogram reprograms an already-registered device with its matched
// description's own bitfile, reopening its register session afterward.
// Used by the reprogram RPC, which takes only a serial: the bitfile path
// comes from the config.json entry the device matched on arrival.
func (reg *Registry) Reprogram(serial string) error {
	d, ok := reg.bySerial[serial]
	if !ok {
		return fmt.Errorf("registry: unknown device %q", serial)
	}
	if d.desc.Bitfile == "" {
		return fmt.Errorf("registry: %q has no bitfile configured", serial)
	}

	// The dev handle is shared with the JTAG programmer: release only
	// interface A (and the config holding it), reprogram, then reopen the
	// register session against the same, still open, device handle. The
	// session is reopened whether or not programming succeeded.
	dev := d.Session.rawDevice()
	_ = ftdiSetBitmode(dev, resetPinMask, 0)
	if d.Session.intfA != nil {
		d.Session.intfA.Close()
	}
	if d.Session.config != nil {
		d.Session.config.Close()
	}

	progErr := reg.jt.Program(dev, d.desc.Bitfile)

	session, err := OpenSession(dev)
	if err != nil {
		delete(reg.bySerial, serial)
		delete(reg.byHandle, d.Handle)
		return fmt.Errorf("registry: reopening session after reprogram: %w", err)
	}
	d.Session = session
	if progErr != nil {
		return fmt.Errorf("registry: reprogramming %q: %w", serial, progErr)
	}
	return nil
}
