package gateway

// bearerName is Object 13's preferred-bearer enumeration, spec §4.8.
const (
	bearerNameAuto     = "auto"
	bearerNameEthernet = "ethernet"
	bearerNameWLAN     = "wlan"
	bearerNameLTE      = "3gpp-lte"
)

// BuildBearerSelectionObject constructs Object 13 with one instance whose
// resource 0 is the ordered preferred-bearer multi-resource.
func BuildBearerSelectionObject(preferences []string) *BaseObject {
	instances := make(map[ResourceInstanceID]Value, len(preferences))
	for i, name := range preferences {
		instances[ResourceInstanceID(i)] = StringValue(name)
	}
	inst := NewObjectInstance(map[ResourceID]*Resource{
		0: NewMultiResource(KindString, instances, OpRead|OpWrite),
	})
	return NewBaseObject(13, false, map[InstanceID]*ObjectInstance{0: inst})
}

// ReadBearerPreferences reads Object 13's preference list in ascending
// resource-instance order, expanding "auto" to [ethernet, wlan, lte] per
// spec §4.8.
func ReadBearerPreferences(tree *Tree) []bearerCode {
	obj, ok := tree.Object(13)
	if !ok {
		return []bearerCode{bearerEthernet, bearerWLAN, bearerLTE}
	}
	inst, ok := obj.Instance(0)
	if !ok {
		return []bearerCode{bearerEthernet, bearerWLAN, bearerLTE}
	}
	r, ok := inst.Resource(0)
	if !ok {
		return []bearerCode{bearerEthernet, bearerWLAN, bearerLTE}
	}
	ids, instances, err := r.ReadInstances()
	if err != nil {
		return []bearerCode{bearerEthernet, bearerWLAN, bearerLTE}
	}

	var out []bearerCode
	for _, id := range ids {
		switch instances[id].Str {
		case bearerNameAuto:
			out = append(out, bearerEthernet, bearerWLAN, bearerLTE)
		case bearerNameEthernet:
			out = append(out, bearerEthernet)
		case bearerNameWLAN:
			out = append(out, bearerWLAN)
		case bearerNameLTE:
			out = append(out, bearerLTE)
		}
	}
	if len(out) == 0 {
		return []bearerCode{bearerEthernet, bearerWLAN, bearerLTE}
	}
	return out
}
