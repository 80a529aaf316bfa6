package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLVRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		kind TLVKind
		id   uint16
		val  []byte
	}{
		{"8-bit id, inline length", TLVResource, 5, []byte{1, 2, 3}},
		{"16-bit id", TLVResource, 300, []byte{1}},
		{"1-byte length", TLVMultiResource, 9, make([]byte, 20)},
		{"2-byte length", TLVObjectInstance, 1, make([]byte, 400)},
		{"3-byte length", TLVResource, 1, make([]byte, 70000)},
		{"empty value", TLVResourceInstance, 2, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeTLV(tt.kind, tt.id, tt.val)
			kind, id, value, rest, err := DecodeTLV(encoded)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.val, value)
			assert.Empty(t, rest)
		})
	}
}

func TestDecodeTLVMalformed(t *testing.T) {
	_, _, _, _, err := DecodeTLV(nil)
	assert.ErrorIs(t, err, ErrMalformedTLV)

	// type byte declares a 16-bit id but only one byte follows.
	_, _, _, _, err = DecodeTLV([]byte{0b00100000, 0x01})
	assert.ErrorIs(t, err, ErrMalformedTLV)

	// inline length of 5 but no value bytes.
	_, _, _, _, err = DecodeTLV([]byte{0b11000101, 0x00})
	assert.ErrorIs(t, err, ErrMalformedTLV)
}

func TestDecodeAllTLVsStopsOnFirstError(t *testing.T) {
	good := EncodeTLV(TLVResource, 0, []byte{1})
	truncated := []byte{0b11000101} // inline length 5, no value
	_, err := decodeAllTLVs(append(good, truncated...))
	assert.ErrorIs(t, err, ErrMalformedTLV)
}

func TestEncodeMultiResourceTLVOrdersByInstanceID(t *testing.T) {
	instances := map[ResourceInstanceID]Value{
		2: StringValue("c"),
		0: StringValue("a"),
		1: StringValue("b"),
	}
	encoded := EncodeMultiResourceTLV(6, instances)

	kind, id, body, rest, err := DecodeTLV(encoded)
	require.NoError(t, err)
	assert.Equal(t, TLVMultiResource, kind)
	assert.EqualValues(t, 6, id)
	assert.Empty(t, rest)

	records, err := decodeAllTLVs(body)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, want := range []string{"a", "b", "c"} {
		assert.EqualValues(t, i, records[i].ID)
		v, err := DecodeValue(KindString, records[i].Value)
		require.NoError(t, err)
		assert.Equal(t, want, v.Str)
	}
}
