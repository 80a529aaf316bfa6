package gateway

// TimeSource and MemorySource are the Object 3 (Device) collaborator
// contracts named in spec §4.7. Deliberately out of scope: their own
// implementations (reading the platform clock, /proc/meminfo) are external
// collaborators; only their interface is specified here.
type TimeSource interface {
	Now() int64
}

type MemorySource interface {
	// Memory returns free and total memory in kilobytes.
	Memory() (freeKB, totalKB int64)
}

// RebootFunc performs the OS reboot action. Deliberately out of scope
// per spec §1; the core only wires it to the Executable resource.
type RebootFunc func() error

const manufacturer = "Laird Connectivity, Inc."

// BuildDeviceObject constructs Object 3 (Device), static aside from the
// current-time and memory resources which are recomputed on every read and
// (for current time) on the 1 s tick driven by TickDeviceTime.
func BuildDeviceObject(model, serial, firmwareVersion string, clock TimeSource, mem MemorySource, reboot RebootFunc) *BaseObject {
	utcOffset := NewSingleResource(KindString, StringValue("UTC+00:00"), OpRead|OpWrite)

	resources := map[ResourceID]*Resource{
		0: NewSingleResource(KindString, StringValue(manufacturer), OpRead),
		1: NewSingleResource(KindString, StringValue(model), OpRead),
		2: NewSingleResource(KindString, StringValue(serial), OpRead),
		3: NewSingleResource(KindString, StringValue(firmwareVersion), OpRead),
		4: NewExecutableResource(func() error { return reboot() }),
		9: NewComputedResource(KindInteger, func() (Value, error) {
			free, _ := mem.Memory()
			return IntValue(free), nil
		}),
		10: NewComputedResource(KindInteger, func() (Value, error) {
			_, total := mem.Memory()
			return IntValue(total), nil
		}),
		13: NewComputedResource(KindTimestamp, func() (Value, error) {
			return TimeValue(clock.Now()), nil
		}),
		14: utcOffset,
	}

	inst := NewObjectInstance(resources)
	return NewBaseObject(3, false, map[InstanceID]*ObjectInstance{0: inst})
}

// TickDeviceTime re-renders the current-time resource and notifies any
// observer on it; the supervisor calls this once a second. spec §4.7
// "Time source".
func TickDeviceTime(tree *Tree) {
	tree.Notify(ResourcePath(3, 0, 13))
}
