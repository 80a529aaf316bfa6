package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func treeWithBearerPreferences(t *testing.T, prefs []string) *Tree {
	t.Helper()
	tree := NewTree()
	tree.AddObject(BuildBearerSelectionObject(prefs))
	return tree
}

// spec.md §4.8: "auto" expands to the full ethernet/wlan/lte order.
func TestReadBearerPreferencesExpandsAuto(t *testing.T) {
	tree := treeWithBearerPreferences(t, []string{"auto"})
	got := ReadBearerPreferences(tree)
	assert.Equal(t, []bearerCode{bearerEthernet, bearerWLAN, bearerLTE}, got)
}

func TestReadBearerPreferencesHonorsExplicitOrder(t *testing.T) {
	tree := treeWithBearerPreferences(t, []string{"3gpp-lte", "ethernet"})
	got := ReadBearerPreferences(tree)
	assert.Equal(t, []bearerCode{bearerLTE, bearerEthernet}, got)
}

func TestReadBearerPreferencesFallsBackOnMissingObject(t *testing.T) {
	tree := NewTree()
	got := ReadBearerPreferences(tree)
	assert.Equal(t, []bearerCode{bearerEthernet, bearerWLAN, bearerLTE}, got)
}

func TestReadBearerPreferencesFallsBackOnAllUnrecognizedNames(t *testing.T) {
	tree := treeWithBearerPreferences(t, []string{"carrier-pigeon"})
	got := ReadBearerPreferences(tree)
	assert.Equal(t, []bearerCode{bearerEthernet, bearerWLAN, bearerLTE}, got)
}

func TestBearerSelectionWriteIsObservable(t *testing.T) {
	tree := treeWithBearerPreferences(t, []string{"ethernet"})
	var fired int
	tree.RegisterObserver(&Observer{Path: ResourcePath(13, 0, 0), Send: func([]byte) { fired++ }})

	payload := EncodeMultiResourceTLV(0, map[ResourceInstanceID]Value{0: StringValue("3gpp-lte")})
	require.NoError(t, tree.Put(ResourcePath(13, 0, 0), payload))

	assert.Equal(t, 1, fired)
	got := ReadBearerPreferences(tree)
	assert.Equal(t, []bearerCode{bearerLTE}, got)
}
