// Package jtag implements the reprogramming handshake performed on a
// device's interface B: verify exactly one device sits on the JTAG chain,
// confirm its IDCODE is one this daemon knows how to program, then hand
// off to the bitstream-loading algorithm itself.
//
// Both the low-level JTAG chain driver (TAP walk, IR/DR shift over the
// MPSSE engine on interface B) and the bitstream-loading algorithm
// (equivalent to the original's ProgAlgXC3S array-programming routine)
// are treated as external, pluggable black boxes: this package only
// implements the handshake and family dispatch around them, per the
// reprogramming contract this repo is scoped to.
package jtag

import (
	"fmt"

	"github.com/google/gousb"
)

// Family identifies which bitstream-loading algorithm a detected chip
// needs.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyXC6S           // Spartan-6
	FamilyXC7            // Artix-7
)

const (
	idcodeSpartan6LX9  = 0x24001093
	idcodeArtix7_35T   = 0x0362d093
	irlenXC6XC7        = 6
	jtagInterfaceIndex = 1 // interface B
)

// Chain is the low-level JTAG driver over a claimed interface: TAP state
// walk and IR/DR shifts. A concrete MPSSE implementation drives interface
// B's bulk endpoints; Programmer only calls through this interface so it
// can be exercised with a fake in tests.
type Chain interface {
	// ChainLength returns the number of devices detected on the chain.
	ChainLength(iface *gousb.Interface) (int, error)
	// IDCode reads the IDCODE of the device at position index.
	IDCode(iface *gousb.Interface, index int) (uint32, error)
	// Reset walks the TAP to Test-Logic-Reset.
	Reset(iface *gousb.Interface) error
	// Select shifts IR so that index is the addressed device, using an
	// instruction register of the given length.
	Select(iface *gousb.Interface, index int, irlen int) error
}

// Algorithm programs bitfile onto the device already selected on the JTAG
// chain behind iface. Implementations are the external black box this
// package defers to; Programmer never implements one itself.
type Algorithm func(iface *gousb.Interface, family Family, bitfile string) error

// Programmer performs the chain-length and IDCODE checks and then invokes
// Algorithm to load the bitstream.
type Programmer struct {
	Chain     Chain
	Algorithm Algorithm
}

// New creates a Programmer that walks the chain with chain and delegates
// bitstream loading to alg.
func New(chain Chain, alg Algorithm) *Programmer {
	return &Programmer{Chain: chain, Algorithm: alg}
}

// Program claims interface B of dev, verifies the JTAG chain, and loads
// bitfile onto it.
func (p *Programmer) Program(dev *gousb.Device, bitfile string) error {
	if p.Algorithm == nil {
		return fmt.Errorf("jtag: no programming algorithm configured")
	}
	if p.Chain == nil {
		return fmt.Errorf("jtag: no chain driver configured")
	}

	config, err := dev.Config(1)
	if err != nil {
		return fmt.Errorf("jtag: setting config: %w", err)
	}
	defer config.Close()

	iface, err := config.Interface(jtagInterfaceIndex, 0)
	if err != nil {
		return fmt.Errorf("jtag: claiming interface B: %w", err)
	}
	defer iface.Close()

	chainLen, err := p.Chain.ChainLength(iface)
	if err != nil {
		return fmt.Errorf("jtag: reading chain length: %w", err)
	}
	if chainLen != 1 {
		return fmt.Errorf("jtag: expected exactly 1 device on chain, found %d", chainLen)
	}

	idcode, err := p.Chain.IDCode(iface, 0)
	if err != nil {
		return fmt.Errorf("jtag: reading device id: %w", err)
	}

	family, err := familyForIDCode(idcode)
	if err != nil {
		return err
	}

	if err := p.Chain.Reset(iface); err != nil {
		return fmt.Errorf("jtag: resetting tap state: %w", err)
	}
	if err := p.Chain.Select(iface, 0, irlenXC6XC7); err != nil {
		return fmt.Errorf("jtag: selecting device: %w", err)
	}

	return p.Algorithm(iface, family, bitfile)
}

// FamilyForIDCode maps a JTAG IDCODE to the bitstream family it requires,
// or an error if it doesn't match a supported device.
func FamilyForIDCode(idcode uint32) (Family, error) {
	switch idcode {
	case idcodeSpartan6LX9:
		return FamilyXC6S, nil
	case idcodeArtix7_35T:
		return FamilyXC7, nil
	default:
		return FamilyUnknown, fmt.Errorf("jtag: unexpected device id 0x%08x", idcode)
	}
}

func familyForIDCode(idcode uint32) (Family, error) {
	return FamilyForIDCode(idcode)
}
