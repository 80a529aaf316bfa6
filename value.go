package gateway

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ValueKind tags the concrete variant held by a Value.
// OMA-TS-LightweightM2M-V1_0_2-20180209-A Appendix C. Data Types.
type ValueKind byte

const (
	KindInteger ValueKind = iota
	KindString
	KindFloat
	KindBoolean
	KindTimestamp
	KindOpaque
	KindObjectLink
)

func (k ValueKind) String() string {
	switch k {
	case KindInteger:
		return "Integer"
	case KindString:
		return "String"
	case KindFloat:
		return "Float"
	case KindBoolean:
		return "Boolean"
	case KindTimestamp:
		return "Timestamp"
	case KindOpaque:
		return "Opaque"
	case KindObjectLink:
		return "ObjectLink"
	default:
		return "Unknown"
	}
}

// ObjectLink is the two-id pair a resource of kind KindObjectLink carries.
type ObjectLink struct {
	ObjectID   ObjectID
	InstanceID InstanceID
}

// Value is a tagged union over the LwM2M wire data types. Only the field
// matching Kind is meaningful; constructors below are the supported way to
// build one so Kind and the payload never disagree.
type Value struct {
	Kind    ValueKind
	Int     int64
	Str     string
	Float   float64
	Bool    bool
	Opaque  []byte
	ObjLink ObjectLink
}

func IntValue(v int64) Value      { return Value{Kind: KindInteger, Int: v} }
func StringValue(v string) Value  { return Value{Kind: KindString, Str: v} }
func FloatValue(v float64) Value  { return Value{Kind: KindFloat, Float: v} }
func BoolValue(v bool) Value      { return Value{Kind: KindBoolean, Bool: v} }
func TimeValue(epoch int64) Value { return Value{Kind: KindTimestamp, Int: epoch} }
func OpaqueValue(v []byte) Value {
	cp := make([]byte, len(v))
	copy(cp, v)
	return Value{Kind: KindOpaque, Opaque: cp}
}
func LinkValue(obj ObjectID, inst InstanceID) Value {
	return Value{Kind: KindObjectLink, ObjLink: ObjectLink{ObjectID: obj, InstanceID: inst}}
}

// Equal reports whether two values have the same kind and payload. The
// observation fan-out does not compare values, so a write of an unchanged
// value is still notified.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindInteger, KindTimestamp:
		return v.Int == other.Int
	case KindString:
		return v.Str == other.Str
	case KindFloat:
		return v.Float == other.Float
	case KindBoolean:
		return v.Bool == other.Bool
	case KindOpaque:
		if len(v.Opaque) != len(other.Opaque) {
			return false
		}
		for i := range v.Opaque {
			if v.Opaque[i] != other.Opaque[i] {
				return false
			}
		}
		return true
	case KindObjectLink:
		return v.ObjLink == other.ObjLink
	default:
		return false
	}
}

// EncodeValue renders v per spec.md §4.1 "Value encoding by variant".
func EncodeValue(v Value) []byte {
	switch v.Kind {
	case KindInteger, KindTimestamp:
		return encodeMinimalInt(v.Int)
	case KindString:
		return []byte(v.Str)
	case KindFloat:
		if fitsFloat32(v.Float) {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, math.Float32bits(float32(v.Float)))
			return buf
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, math.Float64bits(v.Float))
		return buf
	case KindBoolean:
		if v.Bool {
			return []byte{1}
		}
		return []byte{0}
	case KindOpaque:
		cp := make([]byte, len(v.Opaque))
		copy(cp, v.Opaque)
		return cp
	case KindObjectLink:
		buf := make([]byte, 4)
		binary.BigEndian.PutUint16(buf[0:2], uint16(v.ObjLink.ObjectID))
		binary.BigEndian.PutUint16(buf[2:4], uint16(v.ObjLink.InstanceID))
		return buf
	default:
		return nil
	}
}

// DecodeValue parses raw wire bytes into a Value of the given declared kind.
func DecodeValue(kind ValueKind, raw []byte) (Value, error) {
	switch kind {
	case KindInteger, KindTimestamp:
		n, err := decodeMinimalInt(raw)
		if err != nil {
			return Value{}, err
		}
		if kind == KindTimestamp {
			return TimeValue(n), nil
		}
		return IntValue(n), nil
	case KindString:
		return StringValue(string(raw)), nil
	case KindFloat:
		switch len(raw) {
		case 4:
			bits := binary.BigEndian.Uint32(raw)
			return FloatValue(float64(math.Float32frombits(bits))), nil
		case 8:
			bits := binary.BigEndian.Uint64(raw)
			return FloatValue(math.Float64frombits(bits)), nil
		default:
			return Value{}, fmt.Errorf("%w: float must be 4 or 8 bytes, got %d", ErrMalformedTLV, len(raw))
		}
	case KindBoolean:
		if len(raw) != 1 || raw[0] > 1 {
			return Value{}, fmt.Errorf("%w: bad boolean encoding", ErrMalformedTLV)
		}
		return BoolValue(raw[0] == 1), nil
	case KindOpaque:
		return OpaqueValue(raw), nil
	case KindObjectLink:
		if len(raw) != 4 {
			return Value{}, fmt.Errorf("%w: object link must be 4 bytes, got %d", ErrMalformedTLV, len(raw))
		}
		obj := binary.BigEndian.Uint16(raw[0:2])
		inst := binary.BigEndian.Uint16(raw[2:4])
		return LinkValue(ObjectID(obj), InstanceID(inst)), nil
	default:
		return Value{}, fmt.Errorf("%w: unknown value kind %d", ErrMalformedTLV, kind)
	}
}

func fitsFloat32(f float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return true
	}
	return float64(float32(f)) == f
}

// encodeMinimalInt renders the minimum signed two's-complement byte width
// (1, 2, 4, or 8 bytes) that can hold n, big-endian, per spec.md §4.1.
func encodeMinimalInt(n int64) []byte {
	switch {
	case n >= -(1<<7) && n < (1<<7):
		return []byte{byte(n)}
	case n >= -(1<<15) && n < (1<<15):
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(n))
		return buf
	case n >= -(1<<31) && n < (1<<31):
		buf := make([]byte, 4)
		binary.BigEndian.PutUint32(buf, uint32(n))
		return buf
	default:
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(n))
		return buf
	}
}

func decodeMinimalInt(raw []byte) (int64, error) {
	switch len(raw) {
	case 1:
		return int64(int8(raw[0])), nil
	case 2:
		return int64(int16(binary.BigEndian.Uint16(raw))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(raw))), nil
	case 8:
		return int64(binary.BigEndian.Uint64(raw)), nil
	default:
		return 0, fmt.Errorf("%w: integer must be 1/2/4/8 bytes, got %d", ErrMalformedTLV, len(raw))
	}
}
