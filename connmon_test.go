package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRSSIPercentToDBm(t *testing.T) {
	tests := []struct {
		pct  int
		want int
	}{
		{0, -112},
		{20, -97},
		{40, -82},
		{100, -37},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RSSIPercentToDBm(tt.pct))
	}
}

// spec.md §9 Open Question (a): NON_IP<->none, IPV4<->ip, IPV6<->ipv6,
// IPV4V6<->dual, with unknown values rejected both directions.
func TestPDNTypeWireMappingRoundTrip(t *testing.T) {
	tests := []struct {
		lwm2m int64
		wire  string
	}{
		{0, "none"},
		{1, "ip"},
		{2, "ipv6"},
		{3, "dual"},
	}
	for _, tt := range tests {
		wire, err := PDNTypeToWire(tt.lwm2m)
		assert.NoError(t, err)
		assert.Equal(t, tt.wire, wire)

		back, err := WireToPDNType(tt.wire)
		assert.NoError(t, err)
		assert.Equal(t, tt.lwm2m, back)
	}
}

func TestPDNTypeWireMappingRejectsUnknown(t *testing.T) {
	_, err := PDNTypeToWire(99)
	assert.ErrorIs(t, err, ErrValidationFailed)

	_, err = WireToPDNType("ppp")
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestAPNProfileWriteRejectsInvalidPDNType(t *testing.T) {
	obj := BuildAPNProfileObject(nil)
	inst := obj.Factory(0)
	r, ok := inst.Resource(4)
	if !ok {
		t.Fatal("expected PDN-type resource 4")
	}
	assert.Error(t, r.WriteValue(IntValue(42)))
	assert.NoError(t, r.WriteValue(IntValue(2)))
}
