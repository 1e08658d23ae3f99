package dxf

import (
	"strconv"

	"github.com/sonmap/geoimport/internal/model"
)

// ValueKind is the expected value type of a DXF group code.
type ValueKind int

const (
	KindString ValueKind = iota
	KindFloat
	KindInt16
	KindInt32
	KindInt8
	KindBool
)

type codeRange struct {
	lo, hi int
	kind   ValueKind
}

// codeTable maps group-code ranges to value kinds. Codes outside every
// range are invalid and their token pair is dropped.
var codeTable = []codeRange{
	{0, 9, KindString},
	{10, 59, KindFloat},
	{60, 79, KindInt16},
	{90, 99, KindInt32},
	{100, 102, KindString},
	{140, 147, KindFloat},
	{170, 175, KindInt16},
	{280, 289, KindInt8},
	{290, 299, KindBool},
	{300, 369, KindString},
	{370, 389, KindInt8},
}

// kindOf returns the value kind for a group code, or false if the code
// lies outside every defined range.
func kindOf(code int) (ValueKind, bool) {
	for _, r := range codeTable {
		if code >= r.lo && code <= r.hi {
			return r.kind, true
		}
	}
	return 0, false
}

// parseValue checks a raw value string against its kind and converts
// it. A failed check rejects the token pair.
func parseValue(kind ValueKind, raw string) (model.AttrValue, bool) {
	switch kind {
	case KindString:
		return model.StringAttr(raw), true
	case KindFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return model.AttrValue{}, false
		}
		return model.FloatAttr(v), true
	case KindInt16:
		v, err := strconv.ParseInt(raw, 10, 16)
		if err != nil {
			return model.AttrValue{}, false
		}
		return model.IntAttr(v), true
	case KindInt32:
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return model.AttrValue{}, false
		}
		return model.IntAttr(v), true
	case KindInt8:
		v, err := strconv.ParseInt(raw, 10, 8)
		if err != nil {
			return model.AttrValue{}, false
		}
		return model.IntAttr(v), true
	case KindBool:
		// Exactly "0" or "1"; anything else fails the check.
		switch raw {
		case "0":
			return model.BoolAttr(false), true
		case "1":
			return model.BoolAttr(true), true
		}
		return model.AttrValue{}, false
	default:
		return model.AttrValue{}, false
	}
}
