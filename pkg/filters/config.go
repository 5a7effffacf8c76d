package filters

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is a single parameter value. A zero Value is explicitly unset,
// which the stats API reads as "filter disabled".
type Value struct {
	set  bool
	kind Kind
	num  float64
	flag bool
}

// Unset returns an explicitly unset value
func Unset() Value {
	return Value{}
}

// Num returns a numeric value
func Num(v float64) Value {
	return Value{set: true, kind: KindFloat, num: v}
}

// Bool returns a boolean value
func Bool(b bool) Value {
	return Value{set: true, kind: KindBool, flag: b}
}

// IsSet reports whether the value carries data
func (v Value) IsSet() bool {
	return v.set
}

// IsBool reports whether the value is a set boolean
func (v Value) IsBool() bool {
	return v.set && v.kind == KindBool
}

// Float returns the numeric value and whether it is a set number
func (v Value) Float() (float64, bool) {
	if !v.set || v.kind == KindBool {
		return 0, false
	}
	return v.num, true
}

// Flag returns the boolean value and whether it is a set boolean
func (v Value) Flag() (bool, bool) {
	if !v.IsBool() {
		return false, false
	}
	return v.flag, true
}

// Equal compares two values by content
func (v Value) Equal(o Value) bool {
	if v.set != o.set {
		return false
	}
	if !v.set {
		return true
	}
	if v.IsBool() != o.IsBool() {
		return false
	}
	if v.IsBool() {
		return v.flag == o.flag
	}
	return v.num == o.num
}

func (v Value) String() string {
	switch {
	case !v.set:
		return "unset"
	case v.kind == KindBool:
		return strconv.FormatBool(v.flag)
	default:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	}
}

// MarshalJSON encodes unset as null
func (v Value) MarshalJSON() ([]byte, error) {
	switch {
	case !v.set:
		return []byte("null"), nil
	case v.kind == KindBool:
		return json.Marshal(v.flag)
	default:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return nil, fmt.Errorf("value %v is not a finite number", v.num)
		}
		return json.Marshal(v.num)
	}
}

// UnmarshalJSON decodes null, numbers and booleans
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := valueFrom(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ValueOf converts a decoded scalar (nil, bool, number or numeric string)
func ValueOf(raw interface{}) (Value, error) {
	return valueFrom(raw)
}

func valueFrom(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Unset(), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Num(t), nil
	case int:
		return Num(float64(t)), nil
	case int64:
		return Num(float64(t)), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return Unset(), nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("value %q is not a number", t)
		}
		return Num(f), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", raw)
	}
}

// Params maps parameter names to values within one section
type Params map[string]Value

// Config is a sectioned filter configuration
type Config map[Section]Params

// PinSet holds parameters forced to a fixed value for a whole search
type PinSet map[string]Value

// NewConfig returns an empty configuration
func NewConfig() Config {
	return make(Config)
}

// Clone creates a deep copy of the configuration
func (c Config) Clone() Config {
	clone := make(Config, len(c))
	for section, params := range c {
		p := make(Params, len(params))
		for name, v := range params {
			p[name] = v
		}
		clone[section] = p
	}
	return clone
}

// Get returns the value of a known parameter; unknown or absent names are unset
func (c Config) Get(name string) Value {
	r, ok := Lookup(name)
	if !ok {
		return Unset()
	}
	return c[r.Section][name]
}

// Set stores a value for a known parameter; values of the wrong kind are rejected
func (c Config) Set(name string, v Value) error {
	r, ok := Lookup(name)
	if !ok {
		return fmt.Errorf("unknown parameter %q", name)
	}
	if v.IsSet() {
		if r.Kind == KindBool && !v.IsBool() {
			return fmt.Errorf("parameter %q expects a boolean, got %s", name, v)
		}
		if r.Numeric() && v.IsBool() {
			return fmt.Errorf("parameter %q expects a number, got %s", name, v)
		}
		if f, ok := v.Float(); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return fmt.Errorf("parameter %q is not a finite number", name)
		}
	}
	if c[r.Section] == nil {
		c[r.Section] = make(Params)
	}
	c[r.Section][name] = v
	return nil
}

// MustSet is Set for statically known values; it panics on a bad name or kind
func (c Config) MustSet(name string, v Value) Config {
	if err := c.Set(name, v); err != nil {
		panic(err)
	}
	return c
}

// Normalize returns a copy with every known parameter present, unknown
// names dropped and unspecified parameters explicitly unset.
func (c Config) Normalize() Config {
	out := make(Config, len(Sections))
	for _, s := range Sections {
		out[s] = make(Params)
	}
	for _, r := range rules {
		v := c[r.Section][r.Name]
		if !v.IsSet() {
			// A value stored under the wrong section still counts
			for _, params := range c {
				if found, ok := params[r.Name]; ok && found.IsSet() {
					v = found
					break
				}
			}
		}
		out[r.Section][r.Name] = v
	}
	return out
}

// WithPins returns a copy with every pinned parameter forced to its value
func (c Config) WithPins(pins PinSet) Config {
	out := c.Clone()
	for name, v := range pins {
		r, ok := Lookup(name)
		if !ok {
			continue
		}
		if out[r.Section] == nil {
			out[r.Section] = make(Params)
		}
		out[r.Section][name] = v
	}
	return out
}

// Equal compares two configurations after normalization
func (c Config) Equal(o Config) bool {
	a, b := c.Normalize(), o.Normalize()
	for _, r := range rules {
		if !a[r.Section][r.Name].Equal(b[r.Section][r.Name]) {
			return false
		}
	}
	return true
}

// SetCount returns how many parameters carry a value
func (c Config) SetCount() int {
	n := 0
	for _, params := range c {
		for _, v := range params {
			if v.IsSet() {
				n++
			}
		}
	}
	return n
}

// Diff lists parameters whose values differ between c and o, in table order
func (c Config) Diff(o Config) []string {
	var changed []string
	for _, r := range rules {
		if !c.Get(r.Name).Equal(o.Get(r.Name)) {
			changed = append(changed, r.Name)
		}
	}
	return changed
}

// Contains reports whether the pin set holds name
func (p PinSet) Contains(name string) bool {
	_, ok := p[name]
	return ok
}
