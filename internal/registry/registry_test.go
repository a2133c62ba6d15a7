package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faoutd/internal/usbbridge"
)

func newTestRegistry() *Registry {
	return &Registry{
		bySerial: make(map[string]*Device),
		byHandle: make(map[usbbridge.Handle]*Device),
	}
}

func TestListAndDeviceLookup(t *testing.T) {
	reg := newTestRegistry()
	reg.bySerial["SER1"] = &Device{Serial: "SER1", Name: "board-a"}
	reg.bySerial["SER2"] = &Device{Serial: "SER2", Name: "board-b"}

	d, ok := reg.Device("SER1")
	require.True(t, ok)
	assert.Equal(t, "board-a", d.Name)

	_, ok = reg.Device("missing")
	assert.False(t, ok)

	list := reg.List()
	assert.Len(t, list, 2)
}

func TestReprogramUnknownDevice(t *testing.T) {
	reg := newTestRegistry()
	err := reg.Reprogram("nope")
	assert.Error(t, err)
}
