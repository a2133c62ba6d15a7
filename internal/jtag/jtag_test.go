package jtag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFamilyForIDCodeSpartan6(t *testing.T) {
	f, err := FamilyForIDCode(idcodeSpartan6LX9)
	assert.NoError(t, err)
	assert.Equal(t, FamilyXC6S, f)
}

func TestFamilyForIDCodeArtix7(t *testing.T) {
	f, err := FamilyForIDCode(idcodeArtix7_35T)
	assert.NoError(t, err)
	assert.Equal(t, FamilyXC7, f)
}

func TestFamilyForIDCodeUnknown(t *testing.T) {
	_, err := FamilyForIDCode(0xdeadbeef)
	assert.Error(t, err)
}

func TestProgramRejectsMissingAlgorithm(t *testing.T) {
	p := &Programmer{}
	err := p.Program(nil, "board.bit")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no programming algorithm")
}
