package gateway

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		v    Value
	}{
		{"int8", IntValue(42)},
		{"int negative", IntValue(-1)},
		{"int32", IntValue(70000)},
		{"int64", IntValue(1 << 40)},
		{"string", StringValue("UTC+05:00")},
		{"empty string", StringValue("")},
		{"float single", FloatValue(1.5)},
		{"float double", FloatValue(math.Pi)},
		{"bool true", BoolValue(true)},
		{"bool false", BoolValue(false)},
		{"timestamp", TimeValue(1700000000)},
		{"opaque", OpaqueValue([]byte{0xde, 0xad, 0xbe, 0xef})},
		{"object link", LinkValue(3, 7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := EncodeValue(tt.v)
			decoded, err := DecodeValue(tt.v.Kind, encoded)
			require.NoError(t, err)
			assert.True(t, tt.v.Equal(decoded), "round-trip mismatch: got %+v, want %+v", decoded, tt.v)
		})
	}
}

func TestFloatRoundTripStaysSingle(t *testing.T) {
	v := FloatValue(1.5)
	encoded := EncodeValue(v)
	assert.Len(t, encoded, 4, "a single-representable float must encode as 4 bytes")

	decoded, err := DecodeValue(KindFloat, encoded)
	require.NoError(t, err)
	assert.True(t, v.Equal(decoded))
}

func TestFloatWideningForNonSingle(t *testing.T) {
	v := FloatValue(math.Pi)
	encoded := EncodeValue(v)
	assert.Len(t, encoded, 8, "pi is not exactly representable as float32")
}

func TestDecodeValueRejectsMalformed(t *testing.T) {
	_, err := DecodeValue(KindBoolean, []byte{2})
	assert.ErrorIs(t, err, ErrMalformedTLV)

	_, err = DecodeValue(KindObjectLink, []byte{1, 2})
	assert.ErrorIs(t, err, ErrMalformedTLV)

	_, err = DecodeValue(KindInteger, []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedTLV)
}
