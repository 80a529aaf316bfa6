package gateway

import "fmt"

// WifiProfileSink is the Object 12 (WLAN) collaborator contract. spec §4.7
// "Wi-Fi profile sink". Deliberately out of scope: its NetworkManager
// backing.
type WifiProfileSink interface {
	ListProfiles() []string
	ReadProfile(name string) (ssid, psk string, err error)
	WriteProfile(name, ssid, psk string) error
	DeleteProfile(name string) error
}

// wifiProfileName is the stable name prefix spec §4.7 requires:
// "lwm2m_conn_<instance>".
func wifiProfileName(instance InstanceID) string {
	return fmt.Sprintf("lwm2m_conn_%d", instance)
}

// BuildWLANObject constructs Object 12, one dynamic instance per existing
// Wi-Fi profile found in sink when the object is built; further instances are
// created/removed by POST/DELETE.
func BuildWLANObject(sink WifiProfileSink) *BaseObject {
	obj := NewBaseObject(12, true, nil)

	instances := make(map[InstanceID]*ObjectInstance)
	for i, name := range sink.ListProfiles() {
		iid := InstanceID(i)
		ssid, psk, err := sink.ReadProfile(name)
		if err != nil {
			continue
		}
		instances[iid] = wifiInstance(sink, iid, ssid, psk)
	}
	for iid, inst := range instances {
		obj.CreateInstance(iid, inst)
	}

	obj.Factory = func(id InstanceID) *ObjectInstance {
		return wifiInstance(sink, id, "", "")
	}
	obj.OnInstanceDelete = func(id InstanceID) {
		sink.DeleteProfile(wifiProfileName(id))
	}
	return obj
}

func wifiInstance(sink WifiProfileSink, iid InstanceID, ssid, psk string) *ObjectInstance {
	name := wifiProfileName(iid)
	return NewObjectInstance(map[ResourceID]*Resource{
		0: NewWritableResource(KindString, StringValue(ssid), func(v Value) error {
			_, curPSK, _ := sink.ReadProfile(name)
			return sink.WriteProfile(name, v.Str, curPSK)
		}, OpRead|OpWrite),
		1: NewWritableResource(KindString, StringValue(psk), func(v Value) error {
			ssid, _, _ := sink.ReadProfile(name)
			return sink.WriteProfile(name, ssid, v.Str)
		}, OpRead|OpWrite),
	})
}
