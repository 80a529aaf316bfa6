package gateway

import (
	"fmt"
	"sort"
	"strings"
)

// Observer is a server-initiated subscription to one node of the tree.
// RFC7641 Observe. Send receives the notification payload already encoded
// for Path (never for the node that actually changed) and transmits it.
type Observer struct {
	Path  Path
	Token []byte
	Send  func(payload []byte)
}

// Tree is the root of the Object/Resource tree (C2): an ordered mapping
// from ObjectID to BaseObject, plus the observation registry.
type Tree struct {
	ids       []ObjectID
	objects   map[ObjectID]*BaseObject
	observers map[string][]*Observer
}

// NewTree builds an empty tree; objects are installed with AddObject.
func NewTree() *Tree {
	return &Tree{objects: make(map[ObjectID]*BaseObject), observers: make(map[string][]*Observer)}
}

// AddObject installs a base object, replacing any existing one with the
// same id.
func (t *Tree) AddObject(obj *BaseObject) {
	if _, exists := t.objects[obj.ID]; !exists {
		t.ids = append(t.ids, obj.ID)
		sort.Slice(t.ids, func(i, j int) bool { return t.ids[i] < t.ids[j] })
	}
	t.objects[obj.ID] = obj
}

// Object looks up a base object by id.
func (t *Tree) Object(id ObjectID) (*BaseObject, bool) {
	o, ok := t.objects[id]
	return o, ok
}

// ObjectIDs returns installed object ids in ascending order.
func (t *Tree) ObjectIDs() []ObjectID { return t.ids }

func (t *Tree) resolveInstance(o ObjectID, i InstanceID) (*BaseObject, *ObjectInstance, error) {
	obj, ok := t.objects[o]
	if !ok {
		return nil, nil, ErrNotFound
	}
	inst, ok := obj.Instance(i)
	if !ok {
		return obj, nil, ErrNotFound
	}
	return obj, inst, nil
}

func (t *Tree) resolveResource(p Path) (*Resource, error) {
	_, inst, err := t.resolveInstance(p.O, p.I)
	if err != nil {
		return nil, err
	}
	r, ok := inst.Resource(p.R)
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// Get renders the node at path as TLV bytes.
func (t *Tree) Get(path Path) ([]byte, error) {
	switch path.Kind {
	case PathObject:
		obj, ok := t.objects[path.O]
		if !ok {
			return nil, ErrNotFound
		}
		return t.renderObject(obj)
	case PathInstance:
		_, inst, err := t.resolveInstance(path.O, path.I)
		if err != nil {
			return nil, err
		}
		return t.renderInstance(inst)
	case PathResource:
		r, err := t.resolveResource(path)
		if err != nil {
			return nil, err
		}
		return t.renderResource(path.R, r)
	default:
		r, err := t.resolveResource(ResourcePath(path.O, path.I, path.R))
		if err != nil {
			return nil, err
		}
		if r.Kind != ResourceMulti {
			return nil, ErrNotFound
		}
		v, ok := r.instances[path.Ri]
		if !ok {
			return nil, ErrNotFound
		}
		return EncodeTLV(TLVResourceInstance, uint16(path.Ri), EncodeValue(v)), nil
	}
}

func (t *Tree) renderResource(id ResourceID, r *Resource) ([]byte, error) {
	switch r.Kind {
	case ResourceSingle:
		v, err := r.Read()
		if err != nil {
			return nil, err
		}
		return EncodeResourceTLV(id, v), nil
	case ResourceMulti:
		_, instances, err := r.ReadInstances()
		if err != nil {
			return nil, err
		}
		return EncodeMultiResourceTLV(id, instances), nil
	default:
		return nil, ErrMethodNotAllowed
	}
}

func (t *Tree) renderInstance(inst *ObjectInstance) ([]byte, error) {
	var out []byte
	for _, id := range inst.ResourceIDs() {
		r, _ := inst.Resource(id)
		if r.Kind == ResourceExecutable {
			continue
		}
		b, err := t.renderResource(id, r)
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func (t *Tree) renderObject(obj *BaseObject) ([]byte, error) {
	var out []byte
	for _, iid := range obj.InstanceIDs() {
		inst, _ := obj.Instance(iid)
		body, err := t.renderInstance(inst)
		if err != nil {
			return nil, err
		}
		out = append(out, EncodeTLV(TLVObjectInstance, uint16(iid), body)...)
	}
	return out, nil
}

// Put applies a write to a resource or an atomic instance update.
func (t *Tree) Put(path Path, payload []byte) error {
	switch path.Kind {
	case PathResource:
		if err := t.writeResource(path, payload); err != nil {
			return err
		}
	case PathInstance:
		_, inst, err := t.resolveInstance(path.O, path.I)
		if err != nil {
			return err
		}
		if err := applyInstanceTLV(inst, payload); err != nil {
			return err
		}
	default:
		return ErrMethodNotAllowed
	}
	t.Notify(path)
	return nil
}

func (t *Tree) writeResource(path Path, payload []byte) error {
	r, err := t.resolveResource(path)
	if err != nil {
		return err
	}
	kind, id, value, rest, err := DecodeTLV(payload)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: trailing bytes after resource TLV", ErrMalformedTLV)
	}
	if ResourceID(id) != path.R {
		return fmt.Errorf("%w: TLV id %d does not match path resource %d", ErrValidationFailed, id, path.R)
	}
	switch kind {
	case TLVResource:
		v, err := DecodeValue(r.Variant, value)
		if err != nil {
			return err
		}
		return r.WriteValue(v)
	case TLVMultiResource:
		instances, err := decodeInstanceSet(r.Variant, value)
		if err != nil {
			return err
		}
		return r.WriteInstances(instances)
	default:
		return fmt.Errorf("%w: unexpected top-level TLV kind %s", ErrMalformedTLV, kind)
	}
}

func decodeInstanceSet(variant ValueKind, payload []byte) (map[ResourceInstanceID]Value, error) {
	records, err := decodeAllTLVs(payload)
	if err != nil {
		return nil, err
	}
	out := make(map[ResourceInstanceID]Value, len(records))
	for _, rec := range records {
		if rec.Kind != TLVResourceInstance {
			return nil, fmt.Errorf("%w: expected resource-instance TLV inside multi-resource", ErrMalformedTLV)
		}
		v, err := DecodeValue(variant, rec.Value)
		if err != nil {
			return nil, err
		}
		out[ResourceInstanceID(rec.ID)] = v
	}
	return out, nil
}

// applyInstanceTLV validates every item in payload before mutating inst, so
// a single type-mismatched resource leaves the whole instance unchanged.
// Unknown resource ids are silently skipped (forward compatibility).
// spec §4.2 "Operations on an ObjectInstance".
func applyInstanceTLV(inst *ObjectInstance, payload []byte) error {
	records, err := decodeAllTLVs(payload)
	if err != nil {
		return err
	}

	type pendingSingle struct {
		r *Resource
		v Value
	}
	type pendingMulti struct {
		r         *Resource
		instances map[ResourceInstanceID]Value
	}
	var singles []pendingSingle
	var multis []pendingMulti

	for _, rec := range records {
		r, ok := inst.Resource(ResourceID(rec.ID))
		if !ok {
			continue
		}
		switch rec.Kind {
		case TLVResource:
			if r.Kind != ResourceSingle {
				return ErrVariantMismatch
			}
			v, err := DecodeValue(r.Variant, rec.Value)
			if err != nil {
				return err
			}
			singles = append(singles, pendingSingle{r, v})
		case TLVMultiResource:
			if r.Kind != ResourceMulti {
				return ErrVariantMismatch
			}
			instances, err := decodeInstanceSet(r.Variant, rec.Value)
			if err != nil {
				return err
			}
			multis = append(multis, pendingMulti{r, instances})
		default:
			return fmt.Errorf("%w: unexpected top-level TLV kind %s in instance payload", ErrMalformedTLV, rec.Kind)
		}
	}

	for _, p := range singles {
		if err := p.r.WriteValue(p.v); err != nil {
			return err
		}
	}
	for _, p := range multis {
		if err := p.r.WriteInstances(p.instances); err != nil {
			return err
		}
	}
	return nil
}

// Post executes an Executable resource, or creates/updates instances of a
// BaseObject/ObjectInstance with an atomic TLV payload. spec §4.2.
func (t *Tree) Post(path Path, payload []byte) error {
	switch path.Kind {
	case PathResource:
		r, err := t.resolveResource(path)
		if err != nil {
			return err
		}
		return r.Execute()
	case PathInstance:
		_, inst, err := t.resolveInstance(path.O, path.I)
		if err != nil {
			return err
		}
		if err := applyInstanceTLV(inst, payload); err != nil {
			return err
		}
		t.Notify(path)
		return nil
	case PathObject:
		obj, ok := t.objects[path.O]
		if !ok {
			return ErrNotFound
		}
		if obj.Factory == nil {
			return ErrMethodNotAllowed
		}
		id := obj.NextInstanceID()
		inst := obj.Factory(id)
		if len(payload) > 0 {
			if err := applyInstanceTLV(inst, payload); err != nil {
				return err
			}
		}
		obj.CreateInstance(id, inst)
		t.Notify(InstancePath(path.O, id))
		return nil
	default:
		return ErrMethodNotAllowed
	}
}

// Delete removes a dynamic instance, or resets a base object to its
// bootstrap defaults. spec §4.2, §4.5.
func (t *Tree) Delete(path Path) error {
	switch path.Kind {
	case PathInstance:
		obj, ok := t.objects[path.O]
		if !ok {
			return ErrNotFound
		}
		if !obj.Dynamic {
			return ErrMethodNotAllowed
		}
		if !obj.DeleteInstance(path.I) {
			return ErrNotFound
		}
		t.Notify(ObjectPath(path.O))
		return nil
	case PathObject:
		obj, ok := t.objects[path.O]
		if !ok {
			return ErrNotFound
		}
		if obj.Defaults == nil {
			return ErrMethodNotAllowed
		}
		obj.Reset(obj.Defaults())
		t.Notify(path)
		return nil
	default:
		return ErrMethodNotAllowed
	}
}

// RegisterObserver adds obs to the subtree rooted at obs.Path.
func (t *Tree) RegisterObserver(obs *Observer) {
	key := obs.Path.String()
	t.observers[key] = append(t.observers[key], obs)
}

// DeregisterObserver removes the observer matching path and token, if any.
func (t *Tree) DeregisterObserver(path Path, token []byte) {
	key := path.String()
	list := t.observers[key]
	for i, o := range list {
		if tokensEqual(o.Token, token) {
			t.observers[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// HasObserverUnder reports whether any observer is registered at path or at
// a descendant of it, so a periodic task backed by an expensive collaborator
// read can skip entirely when nobody is watching.
func (t *Tree) HasObserverUnder(path Path) bool {
	prefix := path.String()
	for key, obs := range t.observers {
		if len(obs) == 0 {
			continue
		}
		if key == prefix || strings.HasPrefix(key, prefix+"/") {
			return true
		}
	}
	return false
}

func tokensEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Notify fans a change at changed out to every observer whose subscribed
// path is changed or an ancestor of it. Each observer receives the TLV
// encoding of its OWN subscribed path, not of changed. spec §4.2
// "Observation".
func (t *Tree) Notify(changed Path) {
	p := changed
	for {
		for _, obs := range t.observers[p.String()] {
			payload, err := t.Get(obs.Path)
			if err != nil {
				continue
			}
			obs.Send(payload)
		}
		parent, ok := p.Parent()
		if !ok {
			return
		}
		p = parent
	}
}
