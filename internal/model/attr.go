package model

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// AttrKind discriminates the value held by an AttrValue.
type AttrKind int

const (
	AttrNull AttrKind = iota
	AttrBool
	AttrInt
	AttrFloat
	AttrString
	AttrList
	AttrMap
)

// AttrValue is a tagged union for open attribute bags. Source files
// carry arbitrarily typed per-feature attributes; the union keeps them
// typed without resorting to interface{} blobs.
type AttrValue struct {
	Kind  AttrKind
	Bool  bool
	Int   int64
	Float float64
	Str   string
	List  []AttrValue
	Map   map[string]AttrValue
}

func NullAttr() AttrValue              { return AttrValue{Kind: AttrNull} }
func BoolAttr(b bool) AttrValue       { return AttrValue{Kind: AttrBool, Bool: b} }
func IntAttr(i int64) AttrValue       { return AttrValue{Kind: AttrInt, Int: i} }
func FloatAttr(f float64) AttrValue   { return AttrValue{Kind: AttrFloat, Float: f} }
func StringAttr(s string) AttrValue   { return AttrValue{Kind: AttrString, Str: s} }
func ListAttr(vs ...AttrValue) AttrValue {
	return AttrValue{Kind: AttrList, List: vs}
}
func MapAttr(m map[string]AttrValue) AttrValue {
	return AttrValue{Kind: AttrMap, Map: m}
}

// IsNull reports whether the value carries nothing.
func (v AttrValue) IsNull() bool { return v.Kind == AttrNull }

// String renders the value for display and diagnostics.
func (v AttrValue) String() string {
	switch v.Kind {
	case AttrBool:
		return strconv.FormatBool(v.Bool)
	case AttrInt:
		return strconv.FormatInt(v.Int, 10)
	case AttrFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case AttrString:
		return v.Str
	case AttrList, AttrMap:
		b, _ := json.Marshal(v)
		return string(b)
	default:
		return ""
	}
}

// MarshalJSON renders the union as natural JSON so attribute bags
// serialize the way downstream consumers expect.
func (v AttrValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case AttrBool:
		return json.Marshal(v.Bool)
	case AttrInt:
		return json.Marshal(v.Int)
	case AttrFloat:
		return json.Marshal(v.Float)
	case AttrString:
		return json.Marshal(v.Str)
	case AttrList:
		return json.Marshal(v.List)
	case AttrMap:
		return json.Marshal(v.Map)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON fills the union from natural JSON.
func (v *AttrValue) UnmarshalJSON(data []byte) error {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	*v = fromAny(raw)
	return nil
}

func fromAny(raw any) AttrValue {
	switch t := raw.(type) {
	case nil:
		return NullAttr()
	case bool:
		return BoolAttr(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntAttr(i)
		}
		f, _ := t.Float64()
		return FloatAttr(f)
	case string:
		return StringAttr(t)
	case []any:
		list := make([]AttrValue, len(t))
		for i, e := range t {
			list[i] = fromAny(e)
		}
		return AttrValue{Kind: AttrList, List: list}
	case map[string]any:
		m := make(map[string]AttrValue, len(t))
		for k, e := range t {
			m[k] = fromAny(e)
		}
		return MapAttr(m)
	default:
		return NullAttr()
	}
}
