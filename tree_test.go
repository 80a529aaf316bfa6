package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeviceTree() *Tree {
	tree := NewTree()
	tree.AddObject(BuildDeviceObject("model", "serial-1", "1.0.0", systemTime{}, systemMemory{}, noopReboot))
	return tree
}

// Scenario 1 from spec.md §8: GET /3/0 returns resources in ascending id
// order, resource 0 decoded as the manufacturer string.
func TestGetObjectInstanceOrdersResourcesAscending(t *testing.T) {
	tree := newTestDeviceTree()

	payload, err := tree.Get(InstancePath(3, 0))
	require.NoError(t, err)

	records, err := decodeAllTLVs(payload)
	require.NoError(t, err)
	require.NotEmpty(t, records)

	for i := 1; i < len(records); i++ {
		assert.Less(t, records[i-1].ID, records[i].ID, "resources must appear in ascending id order")
	}

	v, err := DecodeValue(KindString, records[0].Value)
	require.NoError(t, err)
	assert.Equal(t, "Laird Connectivity, Inc.", v.Str)
}

// Scenario 2 from spec.md §8: PUT /3/0 with a RESOURCE_VALUE(14, ...) write
// round-trips through a subsequent GET.
func TestPutObjectInstanceThenGetResource(t *testing.T) {
	tree := newTestDeviceTree()

	payload := EncodeResourceTLV(14, StringValue("UTC+05:00"))
	require.NoError(t, tree.Put(InstancePath(3, 0), payload))

	got, err := tree.Get(ResourcePath(3, 0, 14))
	require.NoError(t, err)

	_, _, raw, _, err := DecodeTLV(got)
	require.NoError(t, err)
	v, err := DecodeValue(KindString, raw)
	require.NoError(t, err)
	assert.Equal(t, "UTC+05:00", v.Str)
}

// spec.md §8 "Atomic update": a type-mismatched resource anywhere in the
// payload leaves the whole instance unchanged.
func TestAtomicInstanceUpdateRejectsPartialMismatch(t *testing.T) {
	tree := newTestDeviceTree()

	before, err := tree.Get(ResourcePath(3, 0, 14))
	require.NoError(t, err)

	good := EncodeResourceTLV(14, StringValue("UTC+01:00"))
	// resource 2 (serial) is a Single resource; wrapping it as a
	// multi-resource TLV is a structural kind mismatch.
	bad := EncodeMultiResourceTLV(2, map[ResourceInstanceID]Value{0: StringValue("x")})
	payload := append(append([]byte{}, good...), bad...)

	err = tree.Put(InstancePath(3, 0), payload)
	assert.ErrorIs(t, err, ErrVariantMismatch)

	after, err := tree.Get(ResourcePath(3, 0, 14))
	require.NoError(t, err)
	assert.Equal(t, before, after, "a rejected atomic update must not mutate any resource")
}

func TestInstanceUpdateIgnoresUnknownResourceID(t *testing.T) {
	tree := newTestDeviceTree()

	payload := EncodeResourceTLV(999, StringValue("nope"))
	assert.NoError(t, tree.Put(InstancePath(3, 0), payload))
}

// spec.md §8 "Observation fan-out": one update emits exactly one
// notification whose payload equals the post-update encoding of the node
// subscribed to.
func TestObservationFanOutSingleNotification(t *testing.T) {
	tree := newTestDeviceTree()

	var notifications [][]byte
	tree.RegisterObserver(&Observer{
		Path:  InstancePath(3, 0),
		Token: []byte{1, 2, 3},
		Send:  func(payload []byte) { notifications = append(notifications, payload) },
	})

	require.NoError(t, tree.Put(ResourcePath(3, 0, 14), EncodeResourceTLV(14, StringValue("UTC+02:00"))))

	require.Len(t, notifications, 1)

	want, err := tree.Get(InstancePath(3, 0))
	require.NoError(t, err)
	assert.Equal(t, want, notifications[0])
}

func TestObservationFanOutDoesNotCrossSiblingInstances(t *testing.T) {
	tree := NewTree()
	obj := NewBaseObject(12, true, map[InstanceID]*ObjectInstance{
		0: NewObjectInstance(map[ResourceID]*Resource{0: NewSingleResource(KindString, StringValue("a"), OpRead|OpWrite)}),
		1: NewObjectInstance(map[ResourceID]*Resource{0: NewSingleResource(KindString, StringValue("b"), OpRead|OpWrite)}),
	})
	tree.AddObject(obj)

	var fired int
	tree.RegisterObserver(&Observer{Path: InstancePath(12, 1), Send: func([]byte) { fired++ }})

	require.NoError(t, tree.Put(ResourcePath(12, 0, 0), EncodeResourceTLV(0, StringValue("changed"))))
	assert.Zero(t, fired, "an observer on instance 1 must not fire for a change to instance 0")
}

func TestDeregisterObserverStopsNotifications(t *testing.T) {
	tree := newTestDeviceTree()
	token := []byte{9, 9}
	var fired int
	tree.RegisterObserver(&Observer{Path: InstancePath(3, 0), Token: token, Send: func([]byte) { fired++ }})
	tree.DeregisterObserver(InstancePath(3, 0), token)

	require.NoError(t, tree.Put(ResourcePath(3, 0, 14), EncodeResourceTLV(14, StringValue("x"))))
	assert.Zero(t, fired)
}

func TestDynamicInstanceCreateAndDelete(t *testing.T) {
	tree := NewTree()
	obj := NewBaseObject(12, true, nil)
	obj.Factory = func(id InstanceID) *ObjectInstance {
		return NewObjectInstance(map[ResourceID]*Resource{0: NewSingleResource(KindString, StringValue(""), OpRead|OpWrite)})
	}
	tree.AddObject(obj)

	require.NoError(t, tree.Post(ObjectPath(12), nil))
	_, ok := obj.Instance(0)
	require.True(t, ok)

	require.NoError(t, tree.Delete(InstancePath(12, 0)))
	_, ok = obj.Instance(0)
	assert.False(t, ok)
}

func TestStaticInstanceDeleteRejected(t *testing.T) {
	tree := newTestDeviceTree()
	err := tree.Delete(InstancePath(3, 0))
	assert.ErrorIs(t, err, ErrMethodNotAllowed)
}

func TestBaseObjectResetRestoresDefaults(t *testing.T) {
	tree := NewTree()
	sec := NewBaseObject(0, true, DefaultSecurityInstance())
	sec.Defaults = DefaultSecurityInstance
	tree.AddObject(sec)

	require.NoError(t, tree.Delete(ObjectPath(0)))
	inst, ok := sec.Instance(1)
	require.True(t, ok)
	r, ok := inst.Resource(0)
	require.True(t, ok)
	v, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, "", v.Str)
}
