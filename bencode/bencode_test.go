package bencode

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeInt(t *testing.T) {
	cases := map[string]int64{
		"i4e":    4,
		"i0e":    0,
		"i-4e":   -4,
		"i123e":  123,
		"i-123e": -123,
	}
	for in, want := range cases {
		v, err := NewDecoder(bytes.NewBufferString(in)).Decode()
		require.NoError(t, err, in)
		require.Equal(t, want, v)
	}
}

func TestDecodeIntRejectsMalformed(t *testing.T) {
	bad := []string{"i01e", "i-0e", "i-e", "ie", "i--1e"}
	for _, in := range bad {
		_, err := NewDecoder(bytes.NewBufferString(in)).Decode()
		require.Error(t, err, in)
	}
}

func TestDecodeString(t *testing.T) {
	v, err := NewDecoder(bytes.NewBufferString("4:spam")).Decode()
	require.NoError(t, err)
	require.Equal(t, "spam", v)

	v, err = NewDecoder(bytes.NewBufferString("0:")).Decode()
	require.NoError(t, err)
	require.Equal(t, "", v)
}

func TestDecodeList(t *testing.T) {
	v, err := NewDecoder(bytes.NewBufferString("l4:spam4:eggse")).Decode()
	require.NoError(t, err)
	require.Equal(t, []interface{}{"spam", "eggs"}, v)
}

func TestDecodeDictPreservesOrder(t *testing.T) {
	v, err := NewDecoder(bytes.NewBufferString("d3:cow3:moo4:spam4:eggse")).Decode()
	require.NoError(t, err)
	d, ok := v.(*Dict)
	require.True(t, ok)
	require.Equal(t, []string{"cow", "spam"}, d.Keys)
}

func TestDecodeDictOutOfOrderKeysWarnsNotErrors(t *testing.T) {
	dec := NewDecoder(bytes.NewBufferString("d4:spam4:eggs3:cow3:mooe"))
	_, err := dec.Decode()
	require.NoError(t, err)
	require.NotEmpty(t, dec.Warnings)
}

func TestRoundTripCanonical(t *testing.T) {
	// Canonical (sorted-key) input should re-encode byte-identically.
	canonical := []string{
		"i42e",
		"5:hello",
		"l1:a1:be",
		"d1:a1:b1:c1:de",
	}
	for _, in := range canonical {
		v, err := NewDecoder(bytes.NewBufferString(in)).Decode()
		require.NoError(t, err, in)
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, v))
		require.Equal(t, in, buf.String())
	}
}

func TestEncodeRawPreservesInsertionOrder(t *testing.T) {
	d := NewDict()
	d.Set("zebra", "z")
	d.Set("apple", "a")
	var buf bytes.Buffer
	require.NoError(t, EncodeRaw(&buf, d))
	require.Equal(t, "d5:zebra1:z5:apple1:ae", buf.String())
}

func TestDecodeThenEncodeRoundTrip(t *testing.T) {
	in := "d8:announce13:http://x.com/4:infod6:lengthi100e4:name4:file12:piece lengthi16384eee"
	v, err := NewDecoder(bytes.NewBufferString(in)).Decode()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, EncodeRaw(&buf, v))
	require.Equal(t, in, buf.String())
}
