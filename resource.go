package gateway

import (
	"fmt"
	"sort"
)

// ObjectID, InstanceID, ResourceID and ResourceInstanceID address the tree's
// four levels. OMA-TS-LightweightM2M-V1_0_2-20180209-A 6.1 Object Model.
type (
	ObjectID           uint16
	InstanceID         uint16
	ResourceID         uint16
	ResourceInstanceID uint16
)

// PathKind tags how many segments of a Path are meaningful.
type PathKind byte

const (
	PathObject PathKind = iota
	PathInstance
	PathResource
	PathResourceInstance
)

// Path is one of object, instance, resource, or resource-instance
// addressing, per spec §3.
type Path struct {
	Kind PathKind
	O    ObjectID
	I    InstanceID
	R    ResourceID
	Ri   ResourceInstanceID
}

func ObjectPath(o ObjectID) Path { return Path{Kind: PathObject, O: o} }
func InstancePath(o ObjectID, i InstanceID) Path {
	return Path{Kind: PathInstance, O: o, I: i}
}
func ResourcePath(o ObjectID, i InstanceID, r ResourceID) Path {
	return Path{Kind: PathResource, O: o, I: i, R: r}
}
func ResourceInstancePath(o ObjectID, i InstanceID, r ResourceID, ri ResourceInstanceID) Path {
	return Path{Kind: PathResourceInstance, O: o, I: i, R: r, Ri: ri}
}

// Parent returns p's enclosing node and whether p has one (an object path
// has no parent).
func (p Path) Parent() (Path, bool) {
	switch p.Kind {
	case PathResourceInstance:
		return ResourcePath(p.O, p.I, p.R), true
	case PathResource:
		return InstancePath(p.O, p.I), true
	case PathInstance:
		return ObjectPath(p.O), true
	default:
		return Path{}, false
	}
}

// String renders p as "/O", "/O/I", "/O/I/R", or "/O/I/R/Ri".
func (p Path) String() string {
	switch p.Kind {
	case PathObject:
		return fmt.Sprintf("/%d", p.O)
	case PathInstance:
		return fmt.Sprintf("/%d/%d", p.O, p.I)
	case PathResource:
		return fmt.Sprintf("/%d/%d/%d", p.O, p.I, p.R)
	default:
		return fmt.Sprintf("/%d/%d/%d/%d", p.O, p.I, p.R, p.Ri)
	}
}

// ParsePath parses decimal segments (as produced by CoapMessage's Uri-Path
// options) into a Path. 1 to 4 segments are accepted.
func ParsePath(segments []string) (Path, error) {
	ids := make([]uint64, len(segments))
	for i, s := range segments {
		var v uint64
		if _, err := fmt.Sscanf(s, "%d", &v); err != nil || v > 0xFFFF {
			return Path{}, fmt.Errorf("%w: bad path segment %q", ErrNotFound, s)
		}
		ids[i] = v
	}
	switch len(ids) {
	case 1:
		return ObjectPath(ObjectID(ids[0])), nil
	case 2:
		return InstancePath(ObjectID(ids[0]), InstanceID(ids[1])), nil
	case 3:
		return ResourcePath(ObjectID(ids[0]), InstanceID(ids[1]), ResourceID(ids[2])), nil
	case 4:
		return ResourceInstancePath(ObjectID(ids[0]), InstanceID(ids[1]), ResourceID(ids[2]), ResourceInstanceID(ids[3])), nil
	default:
		return Path{}, fmt.Errorf("%w: path has %d segments", ErrNotFound, len(ids))
	}
}

// OperationMask is the Readable/Writable/Executable bitset a resource
// declares, per SPEC_FULL's operation-mask supplement to spec §3/4.2.
type OperationMask byte

const (
	OpRead OperationMask = 1 << iota
	OpWrite
	OpExecute
)

func (m OperationMask) CanRead() bool    { return m&OpRead != 0 }
func (m OperationMask) CanWrite() bool   { return m&OpWrite != 0 }
func (m OperationMask) CanExecute() bool { return m&OpExecute != 0 }

// ResourceKind tags the Resource variant: Single, MultiResource, or
// Executable. spec §3/9.1 "Dynamic dispatch -> tagged variants".
type ResourceKind byte

const (
	ResourceSingle ResourceKind = iota
	ResourceMulti
	ResourceExecutable
)

// ReadFunc computes a Single resource's value on demand instead of
// returning a stored one (e.g. uptime, free memory).
type ReadFunc func() (Value, error)

// WriteFunc validates and applies a write to a Single resource's
// collaborator; returning an error rejects the write with BadRequest
// without mutating the stored value.
type WriteFunc func(Value) error

// ExecFunc runs an Executable resource's action.
type ExecFunc func() error

// Resource is a tagged union over the three resource kinds. Only the
// fields matching Kind are meaningful.
type Resource struct {
	Kind       ResourceKind
	Variant    ValueKind
	Operations OperationMask

	value   Value
	readFn  ReadFunc
	writeFn WriteFunc

	instances map[ResourceInstanceID]Value

	execFn ExecFunc
}

// NewSingleResource builds a stored Single resource of the given wire
// variant and initial value.
func NewSingleResource(variant ValueKind, initial Value, ops OperationMask) *Resource {
	return &Resource{Kind: ResourceSingle, Variant: variant, Operations: ops, value: initial}
}

// NewComputedResource builds a read-only Single resource whose value is
// recomputed on every read, e.g. Object 3's current-time resource.
func NewComputedResource(variant ValueKind, read ReadFunc) *Resource {
	return &Resource{Kind: ResourceSingle, Variant: variant, Operations: OpRead, readFn: read}
}

// NewWritableResource builds a Single resource whose writes are validated
// and applied by write, e.g. a configuration value backed by a device
// collaborator.
func NewWritableResource(variant ValueKind, initial Value, write WriteFunc, ops OperationMask) *Resource {
	return &Resource{Kind: ResourceSingle, Variant: variant, Operations: ops, value: initial, writeFn: write}
}

// NewMultiResource builds a MultiResource of the given wire variant.
func NewMultiResource(variant ValueKind, instances map[ResourceInstanceID]Value, ops OperationMask) *Resource {
	if instances == nil {
		instances = make(map[ResourceInstanceID]Value)
	}
	return &Resource{Kind: ResourceMulti, Variant: variant, Operations: ops, instances: instances}
}

// NewExecutableResource builds an Executable resource invoked by POST.
func NewExecutableResource(exec ExecFunc) *Resource {
	return &Resource{Kind: ResourceExecutable, Operations: OpExecute, execFn: exec}
}

// Read returns a Single resource's current value or a MultiResource's
// instance map. Table: spec §4.2 "Operations on a Resource".
func (r *Resource) Read() (Value, error) {
	switch r.Kind {
	case ResourceSingle:
		if !r.Operations.CanRead() {
			return Value{}, ErrMethodNotAllowed
		}
		if r.readFn != nil {
			return r.readFn()
		}
		return r.value, nil
	case ResourceExecutable:
		return Value{}, ErrMethodNotAllowed
	default:
		return Value{}, fmt.Errorf("%w: multi-resource read must use ReadInstances", ErrMethodNotAllowed)
	}
}

// ReadInstances returns a MultiResource's instances in ascending id order.
func (r *Resource) ReadInstances() ([]ResourceInstanceID, map[ResourceInstanceID]Value, error) {
	if r.Kind != ResourceMulti {
		return nil, nil, ErrMethodNotAllowed
	}
	if !r.Operations.CanRead() {
		return nil, nil, ErrMethodNotAllowed
	}
	return sortedRIIDs(r.instances), r.instances, nil
}

// WriteValue applies a RESOURCE_VALUE write to a Single resource. A variant
// mismatch or write-hook rejection both return an error with no mutation.
func (r *Resource) WriteValue(v Value) error {
	if r.Kind != ResourceSingle {
		return ErrValidationFailed
	}
	if !r.Operations.CanWrite() {
		return ErrMethodNotAllowed
	}
	if v.Kind != r.Variant {
		return ErrVariantMismatch
	}
	if r.writeFn != nil {
		if err := r.writeFn(v); err != nil {
			return fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
	}
	r.value = v
	return nil
}

// WriteInstances replaces a MultiResource's instances wholesale from a
// decoded instance set, after every instance has already been validated by
// the caller (tree.go enforces the atomic all-or-nothing rule).
func (r *Resource) WriteInstances(instances map[ResourceInstanceID]Value) error {
	if r.Kind != ResourceMulti {
		return ErrValidationFailed
	}
	if !r.Operations.CanWrite() {
		return ErrMethodNotAllowed
	}
	for _, v := range instances {
		if v.Kind != r.Variant {
			return ErrVariantMismatch
		}
	}
	r.instances = instances
	return nil
}

// Execute invokes an Executable resource's action.
func (r *Resource) Execute() error {
	if r.Kind != ResourceExecutable {
		return ErrMethodNotAllowed
	}
	if !r.Operations.CanExecute() {
		return ErrMethodNotAllowed
	}
	return r.execFn()
}

func sortedRIIDs(instances map[ResourceInstanceID]Value) []ResourceInstanceID {
	ids := make([]ResourceInstanceID, 0, len(instances))
	for id := range instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ObjectInstance is an ordered mapping from ResourceID to Resource.
type ObjectInstance struct {
	ids       []ResourceID
	resources map[ResourceID]*Resource
}

// NewObjectInstance builds an instance from a set of resources, keyed and
// ordered by ascending id.
func NewObjectInstance(resources map[ResourceID]*Resource) *ObjectInstance {
	inst := &ObjectInstance{resources: make(map[ResourceID]*Resource, len(resources))}
	for id, r := range resources {
		inst.ids = append(inst.ids, id)
		inst.resources[id] = r
	}
	sort.Slice(inst.ids, func(i, j int) bool { return inst.ids[i] < inst.ids[j] })
	return inst
}

// Resource looks up a resource by id.
func (inst *ObjectInstance) Resource(id ResourceID) (*Resource, bool) {
	r, ok := inst.resources[id]
	return r, ok
}

// ResourceIDs returns resource ids in ascending order.
func (inst *ObjectInstance) ResourceIDs() []ResourceID { return inst.ids }

// Set installs or replaces a resource, keeping ids sorted.
func (inst *ObjectInstance) Set(id ResourceID, r *Resource) {
	if _, exists := inst.resources[id]; !exists {
		inst.ids = append(inst.ids, id)
		sort.Slice(inst.ids, func(i, j int) bool { return inst.ids[i] < inst.ids[j] })
	}
	inst.resources[id] = r
}

// BaseObject is an ordered mapping from InstanceID to ObjectInstance, plus a
// factory for POST-created instances. Dynamic objects (e.g. Wi-Fi profiles,
// Object 12) support create/delete; static objects have a fixed instance
// set and reject DELETE with MethodNotAllowed.
type BaseObject struct {
	ID        ObjectID
	Dynamic   bool
	ids       []InstanceID
	instances map[InstanceID]*ObjectInstance
	// Factory builds a default instance for a bare POST (no payload), given
	// the instance id it will be installed at. Nil for static objects.
	Factory func(id InstanceID) *ObjectInstance
	// Defaults rebuilds the post-bootstrap instance set for DELETE /O,
	// used by Security (0) and Server (1). Nil objects reject object-level
	// DELETE with MethodNotAllowed.
	Defaults func() map[InstanceID]*ObjectInstance
	// OnTopologyChange is invoked whenever an instance is created or
	// removed, raising the registration driver's (C6) topology-change
	// signal.
	OnTopologyChange func()
	// OnInstanceDelete, if set, is invoked with an instance's id just
	// before it is removed by DeleteInstance, so a dynamic object's
	// backing collaborator (e.g. a Wi-Fi profile sink) can drop its own
	// state in step with the tree.
	OnInstanceDelete func(id InstanceID)
}

// NewBaseObject builds a base object from an initial instance set.
func NewBaseObject(id ObjectID, dynamic bool, instances map[InstanceID]*ObjectInstance) *BaseObject {
	b := &BaseObject{ID: id, Dynamic: dynamic, instances: make(map[InstanceID]*ObjectInstance, len(instances))}
	for iid, inst := range instances {
		b.ids = append(b.ids, iid)
		b.instances[iid] = inst
	}
	sort.Slice(b.ids, func(i, j int) bool { return b.ids[i] < b.ids[j] })
	return b
}

// Instance looks up an instance by id.
func (b *BaseObject) Instance(id InstanceID) (*ObjectInstance, bool) {
	inst, ok := b.instances[id]
	return inst, ok
}

// InstanceIDs returns instance ids in ascending order.
func (b *BaseObject) InstanceIDs() []InstanceID { return b.ids }

// NextInstanceID returns max(existing)+1, or 0 if empty, per spec §4.2's
// BaseObject POST-with-no-payload rule.
func (b *BaseObject) NextInstanceID() InstanceID {
	if len(b.ids) == 0 {
		return 0
	}
	return b.ids[len(b.ids)-1] + 1
}

// CreateInstance installs inst at id, raising OnTopologyChange.
func (b *BaseObject) CreateInstance(id InstanceID, inst *ObjectInstance) {
	if _, exists := b.instances[id]; !exists {
		b.ids = append(b.ids, id)
		sort.Slice(b.ids, func(i, j int) bool { return b.ids[i] < b.ids[j] })
	}
	b.instances[id] = inst
	if b.OnTopologyChange != nil {
		b.OnTopologyChange()
	}
}

// DeleteInstance removes id if it exists, raising OnTopologyChange. Callers
// must first check Dynamic; a DELETE on a static object's instance is
// rejected at the tree layer with MethodNotAllowed before reaching here.
func (b *BaseObject) DeleteInstance(id InstanceID) bool {
	if _, ok := b.instances[id]; !ok {
		return false
	}
	if b.OnInstanceDelete != nil {
		b.OnInstanceDelete(id)
	}
	delete(b.instances, id)
	for i, iid := range b.ids {
		if iid == id {
			b.ids = append(b.ids[:i], b.ids[i+1:]...)
			break
		}
	}
	if b.OnTopologyChange != nil {
		b.OnTopologyChange()
	}
	return true
}

// Reset replaces all instances with defaults, used by bootstrap's DELETE
// /0 and /1 handling (spec §4.5).
func (b *BaseObject) Reset(instances map[InstanceID]*ObjectInstance) {
	b.ids = nil
	b.instances = make(map[InstanceID]*ObjectInstance, len(instances))
	for iid, inst := range instances {
		b.ids = append(b.ids, iid)
		b.instances[iid] = inst
	}
	sort.Slice(b.ids, func(i, j int) bool { return b.ids[i] < b.ids[j] })
}
