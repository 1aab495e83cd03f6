package bitfield

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewIsZeroed(t *testing.T) {
	bf := New(10)
	require.EqualValues(t, 0, bf.Ones())
	require.EqualValues(t, 10, bf.Zeroes())
	require.False(t, bf.Get(0))
}

func TestSetMaintainsPopcount(t *testing.T) {
	bf := New(16)
	bf.Set(0, true)
	bf.Set(15, true)
	bf.Set(7, true)
	require.EqualValues(t, 3, bf.Ones())
	require.EqualValues(t, 13, bf.Zeroes())
	bf.Set(7, false)
	require.EqualValues(t, 2, bf.Ones())
}

func TestBitOrderMSBFirst(t *testing.T) {
	bf := New(8)
	bf.Set(0, true)
	require.Equal(t, byte(0x80), bf.Bytes()[0])
	bf2 := New(8)
	bf2.Set(7, true)
	require.Equal(t, byte(0x01), bf2.Bytes()[0])
}

func TestGetOutOfRangeIsFalse(t *testing.T) {
	bf := New(4)
	require.False(t, bf.Get(100))
}

func TestOnesPlusZeroesEqualsSize(t *testing.T) {
	bf := New(37)
	for i := uint32(0); i < 37; i += 3 {
		bf.Set(i, true)
	}
	require.EqualValues(t, bf.Len(), bf.Ones()+bf.Zeroes())
}

func TestProgress(t *testing.T) {
	bf := New(4)
	bf.Set(0, true)
	bf.Set(1, true)
	require.InDelta(t, 50.0, bf.Progress(), 0.001)
}

func TestRoundTripBytes(t *testing.T) {
	bf := New(20)
	bf.Set(3, true)
	bf.Set(19, true)
	raw := append([]byte(nil), bf.Bytes()...)
	bf2, err := NewBytes(raw, 20)
	require.NoError(t, err)
	require.Equal(t, bf.Ones(), bf2.Ones())
	for i := uint32(0); i < 20; i++ {
		require.Equal(t, bf.Get(i), bf2.Get(i))
	}
}

func TestReadWriteTo(t *testing.T) {
	bf := New(12)
	bf.Set(1, true)
	bf.Set(11, true)
	var buf bytes.Buffer
	_, err := bf.WriteTo(&buf)
	require.NoError(t, err)

	bf2 := New(12)
	_, err = bf2.ReadFrom(&buf)
	require.NoError(t, err)
	require.Equal(t, bf.Bytes(), bf2.Bytes())
	require.Equal(t, bf.Ones(), bf2.Ones())
}

func TestNewBytesRejectsWrongSize(t *testing.T) {
	_, err := NewBytes([]byte{0, 0}, 20)
	require.Error(t, err)
}
