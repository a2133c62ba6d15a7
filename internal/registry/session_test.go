package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncodesOpcodeAddrPort(t *testing.T) {
	h := header(opReadSingle, 0x05, 0x02)
	assert.Equal(t, uint16(opReadSingle)<<12|uint16(0x05)<<6|uint16(0x02), h)
}

func TestHeaderMasksAddrAndPortTo6Bits(t *testing.T) {
	h := header(opWriteSingle, 0xff, 0xff)
	assert.Equal(t, uint16(opWriteSingle)<<12|uint16(0x3f)<<6|uint16(0x3f), h)
}

func newTestSession() *DeviceSession {
	return &DeviceSession{tracked: make(map[regKey]uint16)}
}

func TestTrackAddsAndRemoves(t *testing.T) {
	s := newTestSession()
	s.Track(1, 0, true)
	s.Track(2, 0, true)
	require.Len(t, s.order, 2)
	_, tracked := s.tracked[regKey{Addr: 1, Port: 0}]
	assert.True(t, tracked)

	s.Track(1, 0, false)
	require.Len(t, s.order, 1)
	_, tracked = s.tracked[regKey{Addr: 1, Port: 0}]
	assert.False(t, tracked)
}

func TestTrackIsIdempotent(t *testing.T) {
	s := newTestSession()
	s.Track(3, 1, true)
	s.Track(3, 1, true)
	assert.Len(t, s.order, 1)
}

func TestResetPinMaskIsExact(t *testing.T) {
	// The original resets bitmode with an explicit 0xFB pin mask, not a
	// generic 0x00, on session teardown.
	assert.Equal(t, uint8(0xFB), uint8(resetPinMask))
}
