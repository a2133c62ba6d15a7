package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"faoutd/internal/registry"
)

type fakeRegistry struct {
	devices map[string]*registry.Device
	list    []registry.DeviceInfo

	reprogrammedSerial string
	reprogramErr       error
}

func (f *fakeRegistry) List() []registry.DeviceInfo { return f.list }

func (f *fakeRegistry) Device(serial string) (*registry.Device, bool) {
	d, ok := f.devices[serial]
	return d, ok
}

func (f *fakeRegistry) Reprogram(serial string) error {
	f.reprogrammedSerial = serial
	return f.reprogramErr
}

func TestDispatchDevicelist(t *testing.T) {
	reg := &fakeRegistry{list: []registry.DeviceInfo{{Serial: "SER1", Name: "board-a"}}}
	d := NewDispatcher(reg)

	reply, changed := d.Dispatch([]interface{}{"devicelist"})
	assert.Nil(t, changed)
	require.Len(t, reply, 2)
	assert.Equal(t, ReplyOK, reply[0])
}

func TestDispatchUnknownCommand(t *testing.T) {
	d := NewDispatcher(&fakeRegistry{})
	reply, changed := d.Dispatch([]interface{}{"bogus"})
	assert.Nil(t, changed)
	assert.Equal(t, ReplyError, reply[0])
}

func TestDispatchEmptyMessage(t *testing.T) {
	d := NewDispatcher(&fakeRegistry{})
	reply, _ := d.Dispatch([]interface{}{})
	assert.Equal(t, ReplyError, reply[0])
}

func TestDispatchReprogram(t *testing.T) {
	reg := &fakeRegistry{}
	d := NewDispatcher(reg)

	reply, _ := d.Dispatch([]interface{}{"reprogram", "SER1"})
	require.Equal(t, ReplyOK, reply[0])
	assert.Equal(t, "SER1", reg.reprogrammedSerial)
}

func TestDispatchReadregUnknownDevice(t *testing.T) {
	d := NewDispatcher(&fakeRegistry{devices: map[string]*registry.Device{}})
	reply, changed := d.Dispatch([]interface{}{"readreg", "SER1", uint64(1), uint64(0)})
	assert.Nil(t, changed)
	assert.Equal(t, ReplyError, reply[0])
}

func TestArgUint8BoundsCheck(t *testing.T) {
	_, ok := argUint8([]interface{}{uint64(256)}, 0)
	assert.False(t, ok)

	v, ok := argUint8([]interface{}{uint64(42)}, 0)
	require.True(t, ok)
	assert.Equal(t, uint8(42), v)
}
