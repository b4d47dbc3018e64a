// Package script defines the data model of parsed story scripts: scalar
// values, variable maps, sub-text expression trees and line variants.
// Scripts arrive already parsed (YAML carries the trees structurally);
// this package only decodes and represents them, evaluation lives in
// game/engine.
package script

import (
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValueKind enumerates the scalar kinds a script value can hold.
type ValueKind uint8

const (
	KindUnit ValueKind = iota // absent / null
	KindBool
	KindNum
	KindStr
)

// String returns the kind name for logs and error messages.
func (k ValueKind) String() string {
	switch k {
	case KindUnit:
		return "unit"
	case KindBool:
		return "bool"
	case KindNum:
		return "num"
	case KindStr:
		return "str"
	}
	return "unknown"
}

// Value is a loosely typed script scalar: unit (absent), bool, integer or
// string. Coercion rules between kinds are fixed and documented on the
// As* methods; all engine lookups (variables, resources, switch flags)
// go through them.
type Value struct {
	kind ValueKind
	b    bool
	n    int64
	s    string
}

// Unit returns the absent value.
func Unit() Value { return Value{} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Num returns an integer Value.
func Num(n int64) Value { return Value{kind: KindNum, n: n} }

// Str returns a string Value.
func Str(s string) Value { return Value{kind: KindStr, s: s} }

// Kind returns the scalar kind.
func (v Value) Kind() ValueKind { return v.kind }

// IsUnit reports whether the value is absent.
func (v Value) IsUnit() bool { return v.kind == KindUnit }

// AsBool coerces to bool: unit → false, num → n != 0, str → non-empty.
func (v Value) AsBool() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNum:
		return v.n != 0
	case KindStr:
		return v.s != ""
	}
	return false
}

// AsNum coerces to int64: unit → 0, bool → 0/1, str → parsed or 0.
func (v Value) AsNum() int64 {
	switch v.kind {
	case KindBool:
		if v.b {
			return 1
		}
		return 0
	case KindNum:
		return v.n
	case KindStr:
		n, err := strconv.ParseInt(v.s, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// AsStr coerces to string: unit → "", bool → "true"/"false", num → decimal.
func (v Value) AsStr() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNum:
		return strconv.FormatInt(v.n, 10)
	case KindStr:
		return v.s
	}
	return ""
}

// UnmarshalYAML decodes an untagged YAML scalar into a Value.
// null → unit, bool → bool, int → num, float → num (truncated),
// anything else is taken as a string.
func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("script: value must be a scalar, got %s at line %d", kindName(node.Kind), node.Line)
	}
	switch node.Tag {
	case "!!null":
		*v = Unit()
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*v = Bool(b)
	case "!!int":
		var n int64
		if err := node.Decode(&n); err != nil {
			return err
		}
		*v = Num(n)
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		*v = Num(int64(f))
	default:
		*v = Str(node.Value)
	}
	return nil
}

// MarshalYAML encodes the value back as an untagged scalar.
func (v Value) MarshalYAML() (interface{}, error) {
	switch v.kind {
	case KindBool:
		return v.b, nil
	case KindNum:
		return v.n, nil
	case KindStr:
		return v.s, nil
	}
	return nil, nil
}

// MarshalJSON encodes unit as null and the other kinds natively, matching
// the record and wire shapes.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return json.Marshal(v.b)
	case KindNum:
		return json.Marshal(v.n)
	case KindStr:
		return json.Marshal(v.s)
	}
	return []byte("null"), nil
}

// UnmarshalJSON is the inverse of MarshalJSON. Integral floats collapse to
// num; other numbers truncate.
func (v *Value) UnmarshalJSON(data []byte) error {
	s := string(data)
	switch {
	case s == "null":
		*v = Unit()
		return nil
	case s == "true" || s == "false":
		*v = Bool(s == "true")
		return nil
	case len(data) > 0 && data[0] == '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*v = Str(str)
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*v = Num(n)
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("script: cannot decode %q as value", s)
	}
	*v = Num(int64(f))
	return nil
}

// VarMap is a flat variable table keyed by name.
type VarMap map[string]Value

// Clone returns a deep copy. A nil map clones to an empty one.
func (m VarMap) Clone() VarMap {
	out := make(VarMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Merge copies every entry of other into m, overwriting existing keys.
func (m VarMap) Merge(other VarMap) {
	for k, v := range other {
		m[k] = v
	}
}

// MergeKeep copies entries of other into m only where m has no entry,
// so existing keys keep precedence.
func (m VarMap) MergeKeep(other VarMap) {
	for k, v := range other {
		if _, ok := m[k]; !ok {
			m[k] = v
		}
	}
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "unknown"
}
