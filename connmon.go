package gateway

// Connection describes one available network attachment, as enumerated by
// NetworkInfo. spec §4.7 "Network info".
type Connection struct {
	Interface  string
	ProfileID  int
	IPv4       []string
	IPv6       []string
	RouterIPv4 []string
}

// NetworkInfo is the Object 4/10/11 collaborator contract. Deliberately out
// of scope: its D-Bus/NetworkManager backing is an external collaborator.
type NetworkInfo interface {
	AvailableConnections() []Connection
	FindInterfaceByAddr(addr string) (string, bool)
	HardwareAddr(iface string) ([]byte, error)
}

// CellularInfo is the Object 10/11 cellular collaborator contract, optional
// on devices with no modem. spec §4.7 "Cellular info".
type CellularInfo interface {
	// NetworkProperties returns signal strength as a percentage (0-100),
	// converted to dBm by the caller via RSSIPercentToDBm, plus cell
	// topology identifiers.
	NetworkProperties() (rssiPct int, cellID, mcc, mnc, lac int, err error)
	ConnectionProperties() (apn string, settings map[string]string, err error)
	LTEProperty() (apn, authMethod, protocol, username, password string, err error)
	SetLTEProperty(apn, authMethod, protocol, username, password string) error
}

// RSSIPercentToDBm converts oFono's percentage signal strength to dBm.
// spec §4.7: dBm = -112 + (pct/20)*15.
func RSSIPercentToDBm(pct int) int {
	return -112 + (pct/20)*15
}

// bearerCode is the Object 4 "Network Bearer" / Object 13 preferred-bearer
// enumeration. OMA LwM2M registry, resource 4/0/0.
type bearerCode int

const (
	bearerEthernet bearerCode = 41
	bearerWLAN     bearerCode = 21
	bearerLTE      bearerCode = 6
)

// BuildConnectivityMonitoringObject constructs Object 4, populated fresh on
// every GET (and on the 1 s tick only while an observer is registered, to
// avoid polling the network stack with nobody watching — SPEC_FULL's
// Object 4 supplement).
func BuildConnectivityMonitoringObject(net NetworkInfo, cell CellularInfo, currentBearer func() bearerCode) *BaseObject {
	resources := map[ResourceID]*Resource{
		0: NewComputedResource(KindInteger, func() (Value, error) {
			return IntValue(int64(currentBearer())), nil
		}),
		1: NewComputedResource(KindInteger, func() (Value, error) {
			return IntValue(int64(bearerEthernet)), nil
		}),
		2: NewComputedResource(KindInteger, func() (Value, error) {
			if cell == nil {
				return IntValue(0), nil
			}
			pct, _, _, _, _, err := cell.NetworkProperties()
			if err != nil {
				return IntValue(0), nil
			}
			return IntValue(int64(RSSIPercentToDBm(pct))), nil
		}),
		4: NewComputedResource(KindString, func() (Value, error) {
			for _, c := range net.AvailableConnections() {
				if len(c.IPv4) > 0 {
					return StringValue(c.IPv4[0]), nil
				}
			}
			return StringValue(""), nil
		}),
		7: NewComputedResource(KindString, func() (Value, error) {
			for _, c := range net.AvailableConnections() {
				if len(c.RouterIPv4) > 0 {
					return StringValue(c.RouterIPv4[0]), nil
				}
			}
			return StringValue(""), nil
		}),
		12: NewComputedResource(KindString, func() (Value, error) {
			if cell == nil {
				return StringValue(""), nil
			}
			apn, _, err := cell.ConnectionProperties()
			if err != nil {
				return StringValue(""), nil
			}
			return StringValue(apn), nil
		}),
		8: NewComputedResource(KindInteger, func() (Value, error) {
			if cell == nil {
				return IntValue(0), nil
			}
			_, cellID, _, _, _, err := cell.NetworkProperties()
			if err != nil {
				return IntValue(0), nil
			}
			return IntValue(int64(cellID)), nil
		}),
		9: NewComputedResource(KindInteger, func() (Value, error) {
			if cell == nil {
				return IntValue(0), nil
			}
			_, _, _, mnc, _, err := cell.NetworkProperties()
			if err != nil {
				return IntValue(0), nil
			}
			return IntValue(int64(mnc)), nil
		}),
		10: NewComputedResource(KindInteger, func() (Value, error) {
			if cell == nil {
				return IntValue(0), nil
			}
			_, _, mcc, _, _, err := cell.NetworkProperties()
			if err != nil {
				return IntValue(0), nil
			}
			return IntValue(int64(mcc)), nil
		}),
	}
	inst := NewObjectInstance(resources)
	return NewBaseObject(4, false, map[InstanceID]*ObjectInstance{0: inst})
}

// TickConnectivityMonitoring re-reads Object 4 instance 0's resources and
// notifies any observer registered under /4/0, on the same 1s tick as
// Object 3's current time. It does nothing when no observer is registered,
// per SPEC_FULL's Object 4 supplement (avoids polling the network stack
// with nobody watching).
func TickConnectivityMonitoring(tree *Tree) {
	instPath := InstancePath(4, 0)
	if !tree.HasObserverUnder(instPath) {
		return
	}
	obj, ok := tree.Object(4)
	if !ok {
		return
	}
	inst, ok := obj.Instance(0)
	if !ok {
		return
	}
	for _, rid := range inst.ResourceIDs() {
		tree.Notify(ResourcePath(4, 0, rid))
	}
}

// pdnType is the LwM2M-side PDN type enumeration for Objects 10/11.
type pdnType int

const (
	pdnNonIP pdnType = 0
	pdnIPv4  pdnType = 1
	pdnIPv6  pdnType = 2
	pdnIPv4v6 pdnType = 3
)

// pdnTypeToWire and wireToPDNType resolve spec §9 Open Question (a): the
// original source compared LwM2M inputs against oFono wire constants and
// assigned the wrong side. The correct, explicit mapping:
// NON_IP<->none, IPV4<->ip, IPV6<->ipv6, IPV4V6<->dual.
var pdnTypeToWire = map[pdnType]string{
	pdnNonIP:  "none",
	pdnIPv4:   "ip",
	pdnIPv6:   "ipv6",
	pdnIPv4v6: "dual",
}

var wireToPDNType = map[string]pdnType{
	"none": pdnNonIP,
	"ip":   pdnIPv4,
	"ipv6": pdnIPv6,
	"dual": pdnIPv4v6,
}

// PDNTypeToWire converts an Object 11 PDN-type resource value to the wire
// string the cellular collaborator expects, rejecting unknown values.
func PDNTypeToWire(t int64) (string, error) {
	wire, ok := pdnTypeToWire[pdnType(t)]
	if !ok {
		return "", ErrValidationFailed
	}
	return wire, nil
}

// WireToPDNType is the inverse of PDNTypeToWire.
func WireToPDNType(wire string) (int64, error) {
	t, ok := wireToPDNType[wire]
	if !ok {
		return 0, ErrValidationFailed
	}
	return int64(t), nil
}

// BuildAPNProfileObject constructs Object 11 (APN Profile) with no
// instances; instances are created by a server POST through Factory. cell
// is not read.
func BuildAPNProfileObject(cell CellularInfo) *BaseObject {
	obj := NewBaseObject(11, true, map[InstanceID]*ObjectInstance{})
	obj.Factory = func(InstanceID) *ObjectInstance {
		return NewObjectInstance(map[ResourceID]*Resource{
			0: NewSingleResource(KindString, StringValue(""), OpRead|OpWrite),  // APN
			1: NewSingleResource(KindBoolean, BoolValue(true), OpRead|OpWrite), // Auto select
			4: NewWritableResource(KindInteger, IntValue(int64(pdnIPv4)), func(v Value) error {
				_, err := PDNTypeToWire(v.Int)
				return err
			}, OpRead|OpWrite),
		})
	}
	return obj
}

// BuildCellularConnectivityObject constructs Object 10.
func BuildCellularConnectivityObject(cell CellularInfo) *BaseObject {
	resources := map[ResourceID]*Resource{
		0: NewSingleResource(KindInteger, IntValue(0), OpRead|OpWrite), // SMS Tx counter
		1: NewSingleResource(KindInteger, IntValue(0), OpRead|OpWrite), // SMS Rx counter
	}
	inst := NewObjectInstance(resources)
	return NewBaseObject(10, false, map[InstanceID]*ObjectInstance{0: inst})
}
